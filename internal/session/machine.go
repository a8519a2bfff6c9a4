package session

import (
	"context"
	"log/slog"

	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/errors"
	"github.com/victornm/quizroom/internal/reward"
	"github.com/victornm/quizroom/internal/telemetry"
)

// tick advances the room by one second. It reports true once the session has ended.
//
// After the countdown every tick does exactly one of: end the session, deliver the
// current question, or broadcast the clock and step it. Both counters reaching zero
// moves to the next question, which the following tick delivers.
func (r *Room) tick(ctx context.Context) (bool, error) {
	if r.ended {
		return true, nil
	}

	telemetry.RoomTicks.Inc()

	if r.waitLeft > 0 {
		r.waitLeft--
		r.broadcast(EventGameWillStart, WillStart{TimeLeft: r.waitLeft})
		return false, nil
	}

	if r.clock.CurrentQuestion > r.ledger.QuestionCount() {
		r.end(ctx)
		return true, nil
	}

	if r.delivered != r.clock.CurrentQuestion && r.clock.RevealSecondsLeft == r.revealMax {
		return false, r.deliver()
	}

	r.broadcast(EventGameTimer, r.clock)

	if r.clock.PlaySecondsLeft > 0 {
		r.clock.PlaySecondsLeft--
		if r.clock.PlaySecondsLeft == 0 {
			r.accepting = false
		}
	} else {
		r.clock.RevealSecondsLeft--
		if r.clock.RevealSecondsLeft == 1 {
			r.computeLost(r.clock.CurrentQuestion)
		}
	}

	if r.clock.PlaySecondsLeft == 0 && r.clock.RevealSecondsLeft == 0 {
		r.clock.PlaySecondsLeft = r.playMax
		r.clock.RevealSecondsLeft = r.revealMax
		r.clock.CurrentQuestion++
		r.pu.CloseStale(r.clock.CurrentQuestion)
	}

	return false, nil
}

func (r *Room) deliver() error {
	n := r.clock.CurrentQuestion
	q, ok := r.ledger.Question(n)
	if !ok {
		return errors.New(errors.CodeInternal,
			errors.WithMessagef("no data for question %d of room %s", n, r.id))
	}

	r.delivered = n
	r.accepting = true
	r.broadcast(EventNextQuestion, nextQuestion(n, q))
	return nil
}

func nextQuestion(n int, q domain.Question) NextQuestion {
	return NextQuestion{
		QNo: n,
		QuestionData: QuestionData{
			Title:   q.Title,
			Options: q.Options,
		},
	}
}

// computeLost unions every player with a wrong or unanswered question in 1..upto into
// the lost set. It always reads the full history so repeated calls are no-ops.
func (r *Room) computeLost(upto int) {
	for _, p := range r.ledger.LostPlayers(upto) {
		r.lost[p] = struct{}{}
	}
}

func (r *Room) end(ctx context.Context) {
	r.ended = true
	r.pu.CloseAll()

	r.broadcast(EventGameWillEnd, nil)

	out := reward.Calculate(reward.Input{
		Scores:        r.ledger,
		Roster:        r.ledger.Players(),
		Policy:        r.quiz.RewardPolicy,
		PrizePool:     r.quiz.PrizePool,
		QuestionCount: r.ledger.QuestionCount(),
	})

	lb := Leaderboard{Winners: make([]LeaderboardWinner, 0, len(out.Winners))}
	for _, w := range out.Winners {
		lb.Winners = append(lb.Winners, LeaderboardWinner{
			PlayerID: w.PlayerID,
			Payout:   w.Payout.StringFixed(2),
		})
	}
	r.broadcast(EventLeaderboard, lb)

	res := r.result(out)
	if r.eb != nil {
		r.eb.Publish(ctx, domain.EventSessionEnded{Result: res})
	}

	telemetry.SessionsFinished.WithLabelValues(string(r.quiz.RewardPolicy)).Inc()
	slog.InfoContext(ctx, "session: results computed",
		"room", r.id,
		"winners", len(out.Winners),
	)

	r.teardown()
}

func (r *Room) result(out reward.Output) domain.Result {
	players := r.ledger.Players()
	history := make([]domain.PlayerHistory, 0, len(players))
	for _, p := range players {
		h := r.ledger.PlayerHistory(p)
		counts, log := r.pu.Usage(p)
		history = append(history, domain.PlayerHistory{
			PlayerID:     p,
			Choices:      h.Choices,
			Scores:       h.Scores,
			PowerUpCount: counts,
			PowerUpLog:   log,
		})
	}

	return domain.Result{
		RoomID:        r.id,
		RewardPolicy:  r.quiz.RewardPolicy,
		PrizePool:     r.quiz.PrizePool,
		StartTime:     r.startedAt,
		EndTime:       r.clk.Now(),
		Questions:     r.quiz.Questions,
		Winners:       out.Winners,
		Standings:     out.Standings,
		QuestionStats: out.QuestionStats,
		PlayerHistory: history,
	}
}
