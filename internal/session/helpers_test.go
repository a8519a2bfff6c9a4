package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/event"
)

type fakeConn struct {
	mu     sync.Mutex
	msgs   []Message
	closed bool
	err    error
}

func (f *fakeConn) Send(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return f.err
	}

	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	f.msgs = append(f.msgs, m)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.closed
}

func (f *fakeConn) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	names := make([]string, 0, len(f.msgs))
	for _, m := range f.msgs {
		names = append(names, m.Event)
	}
	return names
}

// all returns every received message of the event.
func (f *fakeConn) all(event string) []Message {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []Message
	for _, m := range f.msgs {
		if m.Event == event {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeConn) has(event string) bool {
	return len(f.all(event)) > 0
}

func (f *fakeConn) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.msgs = nil
}

// last decodes the data of the last received message of the event.
func last[T any](t *testing.T, f *fakeConn, event string) T {
	t.Helper()

	msgs := f.all(event)
	require.NotEmpty(t, msgs, "should receive %s", event)

	var v T
	require.NoError(t, json.Unmarshal(msgs[len(msgs)-1].Data, &v))
	return v
}

type fakeInventory struct {
	mu    sync.Mutex
	err   error
	taken []domain.PowerUp
}

func (f *fakeInventory) Decrement(_ context.Context, _ string, kind domain.PowerUp) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return f.err
	}
	f.taken = append(f.taken, kind)
	return nil
}

const (
	testPlay   = 3
	testReveal = 3
	// cycle is the number of ticks one question takes: delivery, play and reveal.
	cycle = 1 + testPlay + testReveal
)

type testRoom struct {
	*Room
	fc    *clockwork.FakeClock
	inv   *fakeInventory
	bus   *event.Bus
	conns map[string]*fakeConn
}

type roomOption func(c *Config)

func withWait(d time.Duration) roomOption {
	return func(c *Config) {
		c.Timing.WaitToStart = d
	}
}

func withPolicy(p domain.RewardPolicy, pool string) roomOption {
	return func(c *Config) {
		c.Quiz.RewardPolicy = p
		c.Quiz.PrizePool = decimal.RequireFromString(pool)
	}
}

func withQuestions(n int) roomOption {
	return func(c *Config) {
		c.Quiz.Questions = makeQuestions(n)
	}
}

func withRoster(ids ...string) roomOption {
	return func(c *Config) {
		c.Quiz.Roster = nil
		for _, id := range ids {
			c.Quiz.Roster = append(c.Quiz.Roster, domain.Player{PlayerID: id})
		}
	}
}

// makeRoom builds a room of players A and B over 3 questions whose answers are 1, 2 and 3.
// Every player owns one power-up of each kind.
func makeRoom(t *testing.T, opts ...roomOption) *testRoom {
	t.Helper()

	tr := &testRoom{
		fc:    clockwork.NewFakeClock(),
		inv:   &fakeInventory{},
		bus:   event.NewBus(),
		conns: make(map[string]*fakeConn),
	}

	c := Config{
		Quiz: domain.Quiz{
			RoomID:       "r1",
			RewardPolicy: domain.RewardPolicyAllOrNothing,
			PrizePool:    decimal.NewFromInt(100),
			Questions:    makeQuestions(3),
			Roster:       []domain.Player{{PlayerID: "A"}, {PlayerID: "B"}},
		},
		EventBus:  tr.bus,
		Inventory: tr.inv,
		Clock:     tr.fc,
		Timing: Timing{
			PlayTime:   testPlay * time.Second,
			RevealTime: testReveal * time.Second,
		},
		IntN: func(int) int { return 0 },
	}

	for _, opt := range opts {
		opt(&c)
	}

	c.Quiz.Inventory = make(map[string]domain.Balances, len(c.Quiz.Roster))
	for _, p := range c.Quiz.Roster {
		c.Quiz.Inventory[p.PlayerID] = domain.Balances{
			domain.PowerUpFiftyFifty: 1,
			domain.PowerUpPass:       1,
			domain.PowerUpHeart:      1,
			domain.PowerUpTwoAnswer:  1,
		}
	}

	r, err := NewRoom(c)
	require.NoError(t, err)
	tr.Room = r
	return tr
}

func makeQuestions(n int) []domain.Question {
	qs := make([]domain.Question, 0, n)
	for i := 1; i <= n; i++ {
		qs = append(qs, domain.Question{
			QuestionID: fmt.Sprintf("q%d", i),
			Title:      fmt.Sprintf("question %d", i),
			Options:    [domain.OptionCount]string{"o1", "o2", "o3", "o4"},
			Answer:     (i-1)%domain.OptionCount + 1,
		})
	}
	return qs
}

// join connects every player through the join handler.
func (tr *testRoom) join(t *testing.T, players ...string) {
	t.Helper()

	for _, p := range players {
		c := &fakeConn{}
		require.NoError(t, tr.onJoin(p, c))
		tr.conns[p] = c
	}
}

func (tr *testRoom) tickN(t *testing.T, n int) {
	t.Helper()

	for i := 0; i < n; i++ {
		ended, err := tr.tick(context.Background())
		require.NoError(t, err)
		require.False(t, ended, "should not end at tick %d", i+1)
	}
}

// playUntil ticks until question q has just been delivered.
func (tr *testRoom) playUntil(t *testing.T, q int) {
	t.Helper()

	for tr.delivered != q {
		tr.tickN(t, 1)
	}
}

func (tr *testRoom) answer(t *testing.T, player string, q, choice int) {
	t.Helper()
	tr.handle(context.Background(), answer{playerID: player, req: AnswerRequest{QNo: q, Choice: Choice(choice)}})
}

func (tr *testRoom) usePowerUp(t *testing.T, player string, kind domain.PowerUp, q int) {
	t.Helper()
	tr.handle(context.Background(), usePowerUp{playerID: player, req: PowerUpRequest{QNo: q, PowerUp: kind}})
}

func (tr *testRoom) isLost(player string) bool {
	_, ok := tr.lost[player]
	return ok
}
