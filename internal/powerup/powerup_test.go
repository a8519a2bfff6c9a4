package powerup_test

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/errors"
	"github.com/victornm/quizroom/internal/ledger"
	"github.com/victornm/quizroom/internal/powerup"
)

func TestEngine_Use_Preconditions(t *testing.T) {
	tests := map[string]struct {
		req      powerup.Request
		round    powerup.Round
		arrange  func(t *testing.T, l *ledger.Ledger, inv *fakeInventory)
		wantCode errors.Code
	}{
		"last question should disable every power-up": {
			req:      powerup.Request{PlayerID: "a", Kind: domain.PowerUpHeart, Question: 3},
			round:    powerup.Round{Question: 3, QuestionCount: 3, PlaySecondsLeft: 10},
			wantCode: errors.CodeFailedPrecondition,
		},
		"last question should disable fifty-fifty too": {
			req:      powerup.Request{PlayerID: "a", Kind: domain.PowerUpFiftyFifty, Question: 3},
			round:    powerup.Round{Question: 3, QuestionCount: 3, PlaySecondsLeft: 10},
			wantCode: errors.CodeFailedPrecondition,
		},
		"pass before the first delivery should be rejected": {
			req:      powerup.Request{PlayerID: "a", Kind: domain.PowerUpPass, Question: 0},
			round:    powerup.Round{Question: 0, QuestionCount: 3, PlaySecondsLeft: 0},
			wantCode: errors.CodeFailedPrecondition,
		},
		"two-answer before the first delivery should be rejected": {
			req:      powerup.Request{PlayerID: "a", Kind: domain.PowerUpTwoAnswer, Question: 0},
			round:    powerup.Round{Question: 0, QuestionCount: 3, PlaySecondsLeft: 10},
			wantCode: errors.CodeFailedPrecondition,
		},
		"question outside the quiz should be rejected": {
			req:      powerup.Request{PlayerID: "a", Kind: domain.PowerUpFiftyFifty, Question: 5},
			round:    powerup.Round{Question: 5, QuestionCount: 3, PlaySecondsLeft: 10},
			wantCode: errors.CodeFailedPrecondition,
		},
		"question mismatch should be rejected": {
			req:      powerup.Request{PlayerID: "a", Kind: domain.PowerUpPass, Question: 1},
			round:    powerup.Round{Question: 2, QuestionCount: 3, PlaySecondsLeft: 10},
			wantCode: errors.CodeInvalidArgument,
		},
		"unknown kind should be rejected": {
			req:      powerup.Request{PlayerID: "a", Kind: domain.PowerUp(42), Question: 1},
			round:    powerup.Round{Question: 1, QuestionCount: 3, PlaySecondsLeft: 10},
			wantCode: errors.CodeInvalidArgument,
		},
		"empty balance should be rejected": {
			req:      powerup.Request{PlayerID: "b", Kind: domain.PowerUpPass, Question: 1},
			round:    powerup.Round{Question: 1, QuestionCount: 3, PlaySecondsLeft: 10},
			wantCode: errors.CodeResourceExhausted,
		},
		"inventory failure should be reported as unavailable": {
			req:   powerup.Request{PlayerID: "a", Kind: domain.PowerUpPass, Question: 1},
			round: powerup.Round{Question: 1, QuestionCount: 3, PlaySecondsLeft: 10},
			arrange: func(t *testing.T, l *ledger.Ledger, inv *fakeInventory) {
				inv.err = stderrors.New("db down")
			},
			wantCode: errors.CodeUnavailable,
		},
		"two-answer during reveal should be rejected": {
			req:      powerup.Request{PlayerID: "a", Kind: domain.PowerUpTwoAnswer, Question: 1},
			round:    powerup.Round{Question: 1, QuestionCount: 3, PlaySecondsLeft: 0},
			wantCode: errors.CodeFailedPrecondition,
		},
		"two-answer on an answered question should be rejected": {
			req:   powerup.Request{PlayerID: "a", Kind: domain.PowerUpTwoAnswer, Question: 1},
			round: powerup.Round{Question: 1, QuestionCount: 3, PlaySecondsLeft: 10},
			arrange: func(t *testing.T, l *ledger.Ledger, inv *fakeInventory) {
				require.NoError(t, l.SetScore("a", 1, domain.ScoreWrong))
			},
			wantCode: errors.CodeAlreadyExists,
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			l := ledger.New(makeQuestions(3), []string{"a", "b"})
			inv := &fakeInventory{}
			if tt.arrange != nil {
				tt.arrange(t, l, inv)
			}
			e := makeEngine(l, inv, clockwork.NewFakeClock())
			before := e.Balances(tt.req.PlayerID)

			_, err := e.Use(context.Background(), tt.req, tt.round, nil)
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, errors.Convert(err).Code)

			assert.Empty(t, inv.calls(), "inventory should not be spent")
			assert.False(t, e.HasWindow(tt.req.PlayerID))

			assert.Equal(t, before, e.Balances(tt.req.PlayerID), "balance should not change")
			counts, log := e.Usage(tt.req.PlayerID)
			assert.Zero(t, counts[tt.req.Kind])
			assert.Empty(t, log)
		})
	}
}

func TestEngine_Use_Pass(t *testing.T) {
	l := ledger.New(makeQuestions(3), []string{"a", "b"})
	inv := &fakeInventory{}
	e := makeEngine(l, inv, clockwork.NewFakeClock())

	out, err := e.Use(context.Background(),
		powerup.Request{PlayerID: "a", Kind: domain.PowerUpPass, Question: 2},
		powerup.Round{Question: 2, QuestionCount: 3, PlaySecondsLeft: 0},
		nil,
	)
	require.NoError(t, err)

	assert.Equal(t, domain.PowerUpPass, out.Kind)
	assert.False(t, out.Revive)
	assert.Equal(t, domain.ScoreCorrect, l.Score("a", 2), "pass should mark the question correct without an answer")
	assert.Equal(t, 0, l.OptionTallies(2).Total(), "pass should not touch the tallies")
	assert.Equal(t, 1, e.Balances("a")[domain.PowerUpPass])
	assert.Equal(t, []string{"a:pass_question"}, inv.calls())

	counts, log := e.Usage("a")
	assert.Equal(t, 1, counts[domain.PowerUpPass])
	assert.Equal(t, []domain.PowerUpUse{{QuestionNumber: 2, Kind: domain.PowerUpPass}}, log)
}

func TestEngine_Use_Heart(t *testing.T) {
	l := ledger.New(makeQuestions(3), []string{"a", "b"})
	require.NoError(t, l.SetScore("a", 1, domain.ScoreWrong))
	e := makeEngine(l, &fakeInventory{}, clockwork.NewFakeClock())

	out, err := e.Use(context.Background(),
		powerup.Request{PlayerID: "a", Kind: domain.PowerUpHeart, Question: 1},
		powerup.Round{Question: 1, QuestionCount: 3, PlaySecondsLeft: 0},
		nil,
	)
	require.NoError(t, err)

	assert.True(t, out.Revive)
	assert.Equal(t, domain.ScoreCorrect, l.Score("a", 1), "heart should overwrite a wrong answer")
}

func TestEngine_Use_FiftyFifty(t *testing.T) {
	for answer := 1; answer <= domain.OptionCount; answer++ {
		answer := answer
		t.Run(fmt.Sprintf("answer %d", answer), func(t *testing.T) {
			t.Parallel()

			qs := makeQuestions(2)
			qs[0].Answer = answer
			l := ledger.New(qs, []string{"a"})

			e := powerup.NewEngine(powerup.Config{
				Ledger:    l,
				Inventory: &fakeInventory{},
				Balances:  map[string]domain.Balances{"a": {domain.PowerUpFiftyFifty: 50}},
				Clock:     clockwork.NewFakeClock(),
			})

			seen := make(map[[2]int]bool)
			for i := 0; i < 50; i++ {
				out, err := e.Use(context.Background(),
					powerup.Request{PlayerID: "a", Kind: domain.PowerUpFiftyFifty, Question: 1},
					powerup.Round{Question: 1, QuestionCount: 2, PlaySecondsLeft: 5},
					nil,
				)
				require.NoError(t, err)
				require.Len(t, out.Remove, 2)
				assert.NotContains(t, out.Remove, answer, "correct option must never be removed")
				assert.NotEqual(t, out.Remove[0], out.Remove[1])
				seen[[2]int{out.Remove[0], out.Remove[1]}] = true
			}

			assert.Equal(t, domain.ScoreUnanswered, l.Score("a", 1), "fifty-fifty should not score")
			assert.Equal(t, 0, e.Balances("a")[domain.PowerUpFiftyFifty])
			assert.Greater(t, len(seen), 1, "removed options should vary")
		})
	}
}

func TestEngine_TwoAnswer(t *testing.T) {
	type outputs struct {
		results []powerup.GuessResult
		errs    []error
		score   domain.Score
		tallies ledger.Tallies
		open    bool
	}

	type guess struct {
		attempt, choice, current, playLeft int
	}

	// question 1 answer is 1
	tests := map[string]struct {
		guesses []guess
		assert  func(t *testing.T, out outputs)
	}{
		"wrong then correct should score": {
			guesses: []guess{{1, 2, 1, 5}, {2, 1, 1, 5}},
			assert: func(t *testing.T, out outputs) {
				assert.Equal(t, []error{nil, nil}, out.errs)
				assert.False(t, out.results[0].Correct)
				assert.True(t, out.results[1].Correct)
				assert.True(t, out.results[1].Closed)
				assert.Equal(t, domain.ScoreCorrect, out.score)
				assert.Equal(t, ledger.Tallies{1: 1, 2: 1, 3: 0, 4: 0}, out.tallies)
				assert.False(t, out.open)
			},
		},
		"two wrong guesses should leave the question unanswered": {
			guesses: []guess{{1, 2, 1, 5}, {2, 3, 1, 5}},
			assert: func(t *testing.T, out outputs) {
				assert.Equal(t, domain.ScoreUnanswered, out.score)
				assert.Equal(t, 2, out.tallies.Total())
				assert.False(t, out.open)
			},
		},
		"correct first guess should win and a wrong second should not undo it": {
			guesses: []guess{{1, 1, 1, 5}, {2, 4, 1, 5}},
			assert: func(t *testing.T, out outputs) {
				assert.True(t, out.results[0].Correct)
				assert.False(t, out.results[0].Closed)
				assert.Equal(t, domain.ScoreCorrect, out.score)
			},
		},
		"third guess should be rejected": {
			guesses: []guess{{1, 2, 1, 5}, {2, 3, 1, 5}, {2, 1, 1, 5}},
			assert: func(t *testing.T, out outputs) {
				require.Error(t, out.errs[2])
				assert.Equal(t, domain.ScoreUnanswered, out.score)
				assert.Equal(t, 2, out.tallies.Total())
			},
		},
		"invalid attempt index should be rejected without using an attempt": {
			guesses: []guess{{3, 1, 1, 5}, {1, 1, 1, 5}},
			assert: func(t *testing.T, out outputs) {
				assert.Equal(t, errors.CodeInvalidArgument, errors.Convert(out.errs[0]).Code)
				require.NoError(t, out.errs[1])
				assert.Equal(t, 1, out.tallies.Total())
				assert.True(t, out.open)
			},
		},
		"guess after answers closed should be rejected and close the window": {
			guesses: []guess{{1, 1, 1, 0}},
			assert: func(t *testing.T, out outputs) {
				assert.Equal(t, errors.CodeFailedPrecondition, errors.Convert(out.errs[0]).Code)
				assert.Equal(t, domain.ScoreUnanswered, out.score)
				assert.Equal(t, 0, out.tallies.Total())
				assert.False(t, out.open)
			},
		},
		"guess while no question is open should be rejected": {
			guesses: []guess{{1, 1, 0, 3}},
			assert: func(t *testing.T, out outputs) {
				assert.Equal(t, errors.CodeFailedPrecondition, errors.Convert(out.errs[0]).Code)
				assert.Equal(t, domain.ScoreUnanswered, out.score)
				assert.False(t, out.open)
			},
		},
		"guess for a stale question should be rejected and close the window": {
			guesses: []guess{{1, 1, 2, 5}},
			assert: func(t *testing.T, out outputs) {
				assert.Equal(t, errors.CodeFailedPrecondition, errors.Convert(out.errs[0]).Code)
				assert.Equal(t, domain.ScoreUnanswered, out.score)
				assert.Equal(t, 0, out.tallies.Total())
				assert.False(t, out.open)
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			l := ledger.New(makeQuestions(3), []string{"a"})
			e := makeEngine(l, &fakeInventory{}, clockwork.NewFakeClock())

			out, err := e.Use(context.Background(),
				powerup.Request{PlayerID: "a", Kind: domain.PowerUpTwoAnswer, Question: 1},
				powerup.Round{Question: 1, QuestionCount: 3, PlaySecondsLeft: 9},
				func() {},
			)
			require.NoError(t, err)
			require.Equal(t, 9*time.Second, out.Window)

			var res outputs
			for _, g := range tt.guesses {
				r, err := e.Guess("a", g.attempt, g.choice, powerup.Round{
					Question:        g.current,
					QuestionCount:   3,
					PlaySecondsLeft: g.playLeft,
				})
				res.results = append(res.results, r)
				res.errs = append(res.errs, err)
			}
			res.score = l.Score("a", 1)
			res.tallies = l.OptionTallies(1)
			res.open = e.HasWindow("a")

			tt.assert(t, res)
		})
	}
}

func TestEngine_TwoAnswer_Timeout(t *testing.T) {
	l := ledger.New(makeQuestions(3), []string{"a"})
	clock := clockwork.NewFakeClock()
	e := makeEngine(l, &fakeInventory{}, clock)

	expired := make(chan struct{}, 1)
	_, err := e.Use(context.Background(),
		powerup.Request{PlayerID: "a", Kind: domain.PowerUpTwoAnswer, Question: 1},
		powerup.Round{Question: 1, QuestionCount: 3, PlaySecondsLeft: 5},
		func() { expired <- struct{}{} },
	)
	require.NoError(t, err)

	clock.Advance(4 * time.Second)
	select {
	case <-expired:
		t.Fatal("window should still be open")
	case <-time.After(50 * time.Millisecond):
	}

	clock.Advance(time.Second)
	select {
	case <-expired:
	case <-time.After(time.Second):
		t.Fatal("timeout callback was not invoked")
	}

	assert.False(t, e.Expire("a", 2), "expiry for another question should be ignored")
	assert.True(t, e.Expire("a", 1))

	_, err = e.Guess("a", 1, 1, powerup.Round{Question: 1, QuestionCount: 3, PlaySecondsLeft: 1})
	require.Error(t, err)
	assert.Equal(t, domain.ScoreUnanswered, l.Score("a", 1))
}

func TestEngine_CloseStale(t *testing.T) {
	l := ledger.New(makeQuestions(3), []string{"a"})
	e := makeEngine(l, &fakeInventory{}, clockwork.NewFakeClock())

	_, err := e.Use(context.Background(),
		powerup.Request{PlayerID: "a", Kind: domain.PowerUpTwoAnswer, Question: 1},
		powerup.Round{Question: 1, QuestionCount: 3, PlaySecondsLeft: 5},
		func() {},
	)
	require.NoError(t, err)

	e.CloseStale(1)
	assert.True(t, e.HasWindow("a"))

	e.CloseStale(2)
	assert.False(t, e.HasWindow("a"))
}

type fakeInventory struct {
	mu    sync.Mutex
	err   error
	taken []string
}

func (f *fakeInventory) Decrement(_ context.Context, playerID string, kind domain.PowerUp) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return f.err
	}
	f.taken = append(f.taken, playerID+":"+kind.ProductID())
	return nil
}

func (f *fakeInventory) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.taken...)
}

func makeEngine(l *ledger.Ledger, inv *fakeInventory, clock clockwork.Clock) *powerup.Engine {
	return powerup.NewEngine(powerup.Config{
		Ledger:    l,
		Inventory: inv,
		Balances: map[string]domain.Balances{
			"a": {
				domain.PowerUpFiftyFifty: 2,
				domain.PowerUpPass:       2,
				domain.PowerUpHeart:      2,
				domain.PowerUpTwoAnswer:  2,
			},
		},
		Clock: clock,
	})
}

func makeQuestions(n int) []domain.Question {
	qs := make([]domain.Question, 0, n)
	for i := 1; i <= n; i++ {
		qs = append(qs, domain.Question{
			QuestionID: fmt.Sprintf("q%d", i),
			Title:      fmt.Sprintf("question %d", i),
			Options:    [domain.OptionCount]string{"A", "B", "C", "D"},
			Answer:     1,
		})
	}
	return qs
}
