// Package powerup validates and applies power-ups against a session's ledger.
package powerup

import (
	"context"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/errors"
	"github.com/victornm/quizroom/internal/ledger"
)

const defaultTimeout = 500 * time.Millisecond

// Inventory is the external store of purchased power-ups.
type Inventory interface {
	Decrement(ctx context.Context, playerID string, kind domain.PowerUp) error
}

type Config struct {
	Ledger    *ledger.Ledger
	Inventory Inventory
	// Balances is the inventory snapshot taken when the session was created.
	Balances map[string]domain.Balances
	Clock    clockwork.Clock
	// Timeout bounds a single inventory call.
	Timeout time.Duration
	// IntN returns a uniform int in [0, n). Defaults to math/rand/v2.
	IntN func(n int) int
}

// Engine is owned by a single session and is not safe for concurrent use.
type Engine struct {
	ledger    *ledger.Ledger
	inventory Inventory
	clock     clockwork.Clock
	timeout   time.Duration
	intN      func(n int) int

	balances map[string]domain.Balances
	counts   map[string]map[domain.PowerUp]int
	usage    map[string][]domain.PowerUpUse
	windows  map[string]*window
}

func NewEngine(c Config) *Engine {
	e := &Engine{
		ledger:    c.Ledger,
		inventory: c.Inventory,
		clock:     c.Clock,
		timeout:   c.Timeout,
		intN:      c.IntN,
		balances:  make(map[string]domain.Balances, len(c.Balances)),
		counts:    make(map[string]map[domain.PowerUp]int),
		usage:     make(map[string][]domain.PowerUpUse),
		windows:   make(map[string]*window),
	}

	if e.clock == nil {
		e.clock = clockwork.NewRealClock()
	}
	if e.timeout <= 0 {
		e.timeout = defaultTimeout
	}
	if e.intN == nil {
		e.intN = rand.IntN
	}

	for p, b := range c.Balances {
		e.balances[p] = b.Clone()
	}

	return e
}

// Round is the session clock as seen by a power-up request.
type Round struct {
	// Question is the current question once it has been delivered to players, otherwise 0.
	Question      int
	QuestionCount int
	// PlaySecondsLeft is 0 whenever answers are not accepted.
	PlaySecondsLeft int
}

// open reports whether a delivered question can be targeted.
func (r Round) open() bool {
	return r.Question >= 1 && r.Question <= r.QuestionCount
}

type Request struct {
	PlayerID string
	Kind     domain.PowerUp
	Question int
}

// Outcome describes the effect of an applied power-up.
type Outcome struct {
	Kind     domain.PowerUp
	Question int
	// Remove holds the two wrong options hidden by fifty-fifty.
	Remove []int
	// Revive is set by heart; the caller must remove the player from its lost set.
	Revive bool
	// Window is how long a granted two-answer window stays open.
	Window time.Duration
}

// Use validates the request against the shared and kind-specific preconditions,
// spends one unit from the inventory and applies the effect. Nothing is mutated
// when an error is returned. onExpire is invoked from a timer goroutine when a
// granted two-answer window times out.
func (e *Engine) Use(ctx context.Context, req Request, round Round, onExpire func()) (Outcome, error) {
	if err := e.checkShared(req, round); err != nil {
		return Outcome{}, err
	}

	if err := e.checkKind(req, round); err != nil {
		return Outcome{}, err
	}

	if err := e.spend(ctx, req); err != nil {
		return Outcome{}, err
	}

	out := Outcome{Kind: req.Kind, Question: req.Question}

	switch req.Kind {
	case domain.PowerUpFiftyFifty:
		out.Remove = e.hideTwoWrong(req.Question)

	case domain.PowerUpPass:
		if err := e.ledger.SetScore(req.PlayerID, req.Question, domain.ScoreCorrect); err != nil {
			return Outcome{}, errors.Internal(err)
		}

	case domain.PowerUpHeart:
		if err := e.ledger.SetScore(req.PlayerID, req.Question, domain.ScoreCorrect); err != nil {
			return Outcome{}, errors.Internal(err)
		}
		out.Revive = true

	case domain.PowerUpTwoAnswer:
		out.Window = time.Duration(round.PlaySecondsLeft) * time.Second
		e.open(req.PlayerID, req.Question, out.Window, onExpire)
	}

	e.record(req)
	return out, nil
}

// checkShared applies the rules every power-up kind obeys.
func (e *Engine) checkShared(req Request, round Round) error {
	if !slices.Contains(domain.PowerUps, req.Kind) {
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("unknown power-up %s", req.Kind))
	}

	if !round.open() {
		return errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("no question is open for power-ups"))
	}

	if round.Question == round.QuestionCount {
		return errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("power-ups can not be used on the last question"))
	}

	if req.Question != round.Question {
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("power-up is for question %d but current question is %d", req.Question, round.Question))
	}

	if e.balances[req.PlayerID][req.Kind] <= 0 {
		return errors.New(errors.CodeResourceExhausted,
			errors.WithMessagef("no %s power-up left", req.Kind))
	}

	return nil
}

func (e *Engine) checkKind(req Request, round Round) error {
	switch req.Kind {
	case domain.PowerUpTwoAnswer:
		if round.PlaySecondsLeft <= 0 {
			return errors.New(errors.CodeFailedPrecondition,
				errors.WithMessagef("answers are not accepted now"))
		}
		if e.ledger.Score(req.PlayerID, req.Question) != domain.ScoreUnanswered {
			return errors.New(errors.CodeAlreadyExists,
				errors.WithMessagef("question %d is already answered", req.Question))
		}
		if _, ok := e.windows[req.PlayerID]; ok {
			return errors.New(errors.CodeAlreadyExists,
				errors.WithMessagef("two-answer is already in use"))
		}
	case domain.PowerUpFiftyFifty, domain.PowerUpPass, domain.PowerUpHeart:
	}

	return nil
}

func (e *Engine) spend(ctx context.Context, req Request) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if err := e.inventory.Decrement(ctx, req.PlayerID, req.Kind); err != nil {
		return errors.New(errors.CodeUnavailable,
			errors.WithMessagef("can not use %s power-up now", req.Kind),
			errors.WithCause(err))
	}

	e.balances[req.PlayerID][req.Kind]--
	return nil
}

func (e *Engine) record(req Request) {
	if e.counts[req.PlayerID] == nil {
		e.counts[req.PlayerID] = make(map[domain.PowerUp]int, len(domain.PowerUps))
	}
	e.counts[req.PlayerID][req.Kind]++
	e.usage[req.PlayerID] = append(e.usage[req.PlayerID], domain.PowerUpUse{
		QuestionNumber: req.Question,
		Kind:           req.Kind,
	})
}

// hideTwoWrong samples two of the three wrong options uniformly without replacement.
func (e *Engine) hideTwoWrong(question int) []int {
	answer := e.ledger.CorrectOption(question)

	wrong := make([]int, 0, domain.OptionCount-1)
	for o := 1; o <= domain.OptionCount; o++ {
		if o != answer {
			wrong = append(wrong, o)
		}
	}

	for i := 0; i < 2; i++ {
		j := i + e.intN(len(wrong)-i)
		wrong[i], wrong[j] = wrong[j], wrong[i]
	}

	picked := wrong[:2]
	slices.Sort(picked)
	return picked
}

// Balances returns a copy of the player's remaining power-ups.
func (e *Engine) Balances(player string) domain.Balances {
	return e.balances[player].Clone()
}

// Usage returns the per-kind usage counters and the usage log of the player.
func (e *Engine) Usage(player string) (map[domain.PowerUp]int, []domain.PowerUpUse) {
	counts := make(map[domain.PowerUp]int, len(domain.PowerUps))
	for _, p := range domain.PowerUps {
		counts[p] = e.counts[player][p]
	}
	return counts, slices.Clone(e.usage[player])
}
