package session

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/errors"
	"github.com/victornm/quizroom/internal/powerup"
	"github.com/victornm/quizroom/internal/telemetry"
)

func (r *Room) onJoin(playerID string, c Conn) error {
	reject := func(err *errors.Error) error {
		if b, encErr := Encode(EventJoinError, ErrorData{Code: int(err.Code), Message: err.Message}); encErr == nil {
			_ = c.Send(b)
		}
		return err
	}

	if !r.ledger.HasPlayer(playerID) {
		return reject(errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("player %s is not part of this game", playerID)))
	}

	if _, ok := r.lost[playerID]; ok {
		return reject(errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("player %s already lost this game", playerID)))
	}

	if _, ok := r.joined[playerID]; ok {
		return reject(errors.New(errors.CodeAlreadyExists,
			errors.WithMessagef("player %s is already playing", playerID)))
	}

	r.joined[playerID] = c
	telemetry.PlayersConnected.Inc()
	slog.Info("session: player joined", "room", r.id, "player", playerID)

	r.broadcast(EventTotalJoined, TotalJoined{Playing: len(r.joined)})
	r.sendTo(playerID, EventGameData, r.gameData(playerID))
	return nil
}

func (r *Room) onLeave(playerID string, c Conn) {
	if cur, ok := r.joined[playerID]; !ok || cur != c {
		return
	}

	delete(r.joined, playerID)
	telemetry.PlayersConnected.Dec()
	slog.Info("session: player left", "room", r.id, "player", playerID)

	r.broadcast(EventTotalJoined, TotalJoined{Playing: len(r.joined)})
}

// gameData is the snapshot answered to GET_GAME_DATA. It only reads state set by the last tick.
func (r *Room) gameData(playerID string) GameData {
	b := r.pu.Balances(playerID)
	pu := make(map[string]int, len(domain.PowerUps))
	for _, k := range domain.PowerUps {
		pu[k.String()] = b[k]
	}

	return GameData{
		TotalQuestions: r.ledger.QuestionCount(),
		QuestionFor:    r.delivered,
		Timer:          r.clock,
		PowerUps:       pu,
	}
}

func (r *Room) onAnswer(playerID string, req AnswerRequest) error {
	r.sendTo(playerID, EventAnswerAck, nil)

	if err := r.checkAnswer(playerID, req); err != nil {
		telemetry.Answers.WithLabelValues("rejected").Inc()
		return err
	}

	q, choice := req.QNo, int(req.Choice)
	correct := choice == r.ledger.CorrectOption(q)

	score := domain.ScoreWrong
	if correct {
		score = domain.ScoreCorrect
	}

	if err := r.ledger.SetChoice(playerID, q, strconv.Itoa(choice)); err != nil {
		return errors.Internal(err)
	}
	if err := r.ledger.SetScore(playerID, q, score); err != nil {
		return errors.Internal(err)
	}
	if err := r.ledger.IncrementOptionTally(q, choice); err != nil {
		return errors.Internal(err)
	}

	if correct {
		telemetry.Answers.WithLabelValues("correct").Inc()
	} else {
		telemetry.Answers.WithLabelValues("wrong").Inc()
		// Informational only; the lost set is updated by the tick.
		r.sendTo(playerID, EventGameWillEndSingle, nil)
	}

	r.sendTo(playerID, EventSingleScore, SingleScore{IsCorrect: correct, QNo: q})
	r.broadcastScore(q)
	return nil
}

func (r *Room) checkAnswer(playerID string, req AnswerRequest) error {
	if !r.accepting {
		return errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("answers are not accepted now, wait for the next question"))
	}

	if _, ok := r.lost[playerID]; ok {
		return errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("you already lost this game"))
	}

	if req.QNo != r.delivered {
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("answer is for question %d but current question is %d", req.QNo, r.delivered))
	}

	if c := int(req.Choice); c < 1 || c > domain.OptionCount {
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("choice must be between 1 and %d, got %d", domain.OptionCount, c))
	}

	if r.ledger.Score(playerID, req.QNo) != domain.ScoreUnanswered {
		return errors.New(errors.CodeAlreadyExists,
			errors.WithMessagef("question %d is already answered", req.QNo))
	}

	return nil
}

func (r *Room) broadcastScore(q int) {
	r.broadcast(EventQuestionScore, QuestionScore{
		QNo:        q,
		Score:      r.ledger.OptionTallies(q),
		CorrectAns: r.ledger.CorrectOption(q),
	})
}

// round is the clock seen by power-ups. Between the end of a reveal and the next delivery
// no question is open, and the play clock only counts while answers are accepted.
func (r *Room) round() powerup.Round {
	rd := powerup.Round{QuestionCount: r.ledger.QuestionCount()}
	if r.delivered == r.clock.CurrentQuestion {
		rd.Question = r.delivered
	}
	if r.accepting {
		rd.PlaySecondsLeft = r.clock.PlaySecondsLeft
	}
	return rd
}

func (r *Room) onUsePowerUp(ctx context.Context, playerID string, req PowerUpRequest) error {
	out, err := r.pu.Use(ctx, powerup.Request{
		PlayerID: playerID,
		Kind:     req.PowerUp,
		Question: req.QNo,
	}, r.round(), r.expireFunc(playerID, req.QNo))
	if err != nil {
		telemetry.PowerUps.WithLabelValues(req.PowerUp.String(), "rejected").Inc()
		return err
	}

	telemetry.PowerUps.WithLabelValues(req.PowerUp.String(), "applied").Inc()
	slog.Info("session: power-up applied",
		"room", r.id,
		"player", playerID,
		"power_up", req.PowerUp.String(),
		"question", req.QNo,
	)

	if out.Revive {
		delete(r.lost, playerID)
	}

	r.sendTo(playerID, EventPowerUpResult, PowerUpResult{
		PowerUp:       out.Kind,
		QNo:           out.Question,
		Remove:        out.Remove,
		WindowSeconds: int(out.Window.Seconds()),
	})
	r.broadcastScore(out.Question)
	return nil
}

// expireFunc runs on a timer goroutine and hands the expiry back to the room.
func (r *Room) expireFunc(playerID string, question int) func() {
	return func() {
		select {
		case r.inbox <- expireWindow{playerID: playerID, question: question}:
		case <-r.done:
		}
	}
}

func (r *Room) onExpireWindow(playerID string, question int) {
	if !r.pu.Expire(playerID, question) {
		return
	}

	r.sendTo(playerID, EventTwoAnswerResult, TwoAnswerResult{
		QNo:     question,
		Closed:  true,
		Expired: true,
	})
}

func (r *Room) onGuess(playerID string, req GuessRequest) error {
	res, err := r.pu.Guess(playerID, req.Attempt, int(req.Choice), r.round())
	if err != nil {
		return err
	}

	r.sendTo(playerID, EventTwoAnswerResult, TwoAnswerResult{
		QNo:       res.Question,
		Attempt:   res.Attempt,
		IsCorrect: res.Correct,
		Closed:    res.Closed,
	})
	r.broadcastScore(res.Question)
	return nil
}

func (r *Room) onGetQuestion(playerID string) error {
	q, ok := r.ledger.Question(r.delivered)
	if !ok {
		return errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("no question has been delivered yet"))
	}

	r.sendTo(playerID, EventNextQuestion, nextQuestion(r.delivered, q))
	return nil
}
