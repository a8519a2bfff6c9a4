package powerup

import (
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/errors"
)

const maxTwoAnswerAttempts = 2

// window is an open two-answer sub-protocol of one player.
type window struct {
	question int
	attempts int
	timer    clockwork.Timer
}

func (e *Engine) open(player string, question int, d time.Duration, onExpire func()) {
	w := &window{question: question}
	if onExpire != nil {
		w.timer = e.clock.AfterFunc(d, onExpire)
	}
	e.windows[player] = w
}

func (e *Engine) close(player string) {
	w, ok := e.windows[player]
	if !ok {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	delete(e.windows, player)
}

// HasWindow reports whether the player has an open two-answer window.
func (e *Engine) HasWindow(player string) bool {
	_, ok := e.windows[player]
	return ok
}

type GuessResult struct {
	Question int
	Attempt  int
	Correct  bool
	// Closed is set when the guess used up the window.
	Closed bool
}

// Guess submits one attempt of an open two-answer window. A window opened for another
// question than round's, or guessed after answers closed, is closed and the guess rejected.
func (e *Engine) Guess(player string, attempt, choice int, round Round) (GuessResult, error) {
	w, ok := e.windows[player]
	if !ok {
		return GuessResult{}, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("no two-answer power-up in use"))
	}

	if w.question != round.Question {
		e.close(player)
		return GuessResult{}, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("two-answer power-up was for question %d", w.question))
	}

	if round.PlaySecondsLeft <= 0 {
		e.close(player)
		return GuessResult{}, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("answers are not accepted now"))
	}

	if w.attempts >= maxTwoAnswerAttempts {
		e.close(player)
		return GuessResult{}, errors.New(errors.CodeResourceExhausted,
			errors.WithMessagef("two-answer attempts are used up"))
	}

	if attempt != 1 && attempt != 2 {
		return GuessResult{}, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("attempt must be 1 or 2, got %d", attempt))
	}

	if choice < 1 || choice > domain.OptionCount {
		return GuessResult{}, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("choice must be between 1 and %d, got %d", domain.OptionCount, choice))
	}

	if err := e.ledger.IncrementOptionTally(w.question, choice); err != nil {
		return GuessResult{}, errors.Internal(err)
	}
	w.attempts++

	res := GuessResult{
		Question: w.question,
		Attempt:  attempt,
		Correct:  choice == e.ledger.CorrectOption(w.question),
	}

	if res.Correct {
		if err := e.ledger.SetScore(player, w.question, domain.ScoreCorrect); err != nil {
			return GuessResult{}, errors.Internal(err)
		}
	}

	if w.attempts >= maxTwoAnswerAttempts {
		e.close(player)
		res.Closed = true
	}

	return res, nil
}

// Expire closes the player's window if it still belongs to question. It reports whether a window was closed.
func (e *Engine) Expire(player string, question int) bool {
	w, ok := e.windows[player]
	if !ok || w.question != question {
		return false
	}
	e.close(player)
	return true
}

// CloseStale closes every window opened for a question other than current.
func (e *Engine) CloseStale(current int) {
	for p, w := range e.windows {
		if w.question != current {
			e.close(p)
		}
	}
}

// CloseAll stops every pending two-answer timer.
func (e *Engine) CloseAll() {
	for p := range e.windows {
		e.close(p)
	}
}
