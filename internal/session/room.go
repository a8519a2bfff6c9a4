// Package session runs live quiz rooms. Each room is a single goroutine that owns
// its ledger and power-up engine; the clock and every player command are
// serialized through the room's inbox.
package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/errors"
	"github.com/victornm/quizroom/internal/event"
	"github.com/victornm/quizroom/internal/ledger"
	"github.com/victornm/quizroom/internal/powerup"
	"github.com/victornm/quizroom/internal/telemetry"
)

const (
	inboxSize = 256

	defaultPlayTime   = 14 * time.Second
	defaultRevealTime = 18 * time.Second
)

// Timing holds the phase durations of a room. They are rounded down to whole seconds.
// A zero WaitToStart delivers the first question on the first tick.
type Timing struct {
	WaitToStart time.Duration
	PlayTime    time.Duration
	RevealTime  time.Duration
}

// DefaultTiming is the production cycle: 30s countdown, then 14s play and 18s reveal per question.
var DefaultTiming = Timing{
	WaitToStart: 30 * time.Second,
	PlayTime:    defaultPlayTime,
	RevealTime:  defaultRevealTime,
}

func (t Timing) withDefaults() Timing {
	if t.WaitToStart < 0 {
		t.WaitToStart = 0
	}
	if t.PlayTime <= 0 {
		t.PlayTime = defaultPlayTime
	}
	if t.RevealTime <= 0 {
		t.RevealTime = defaultRevealTime
	}
	return t
}

type Config struct {
	Quiz      domain.Quiz
	EventBus  *event.Bus
	Inventory powerup.Inventory
	Clock     clockwork.Clock
	Timing    Timing
	// InventoryTimeout bounds a single power-up inventory call.
	InventoryTimeout time.Duration
	// IntN overrides the random source of fifty-fifty.
	IntN func(n int) int
}

// Room is one live quiz session.
type Room struct {
	id     string
	quiz   domain.Quiz
	eb     *event.Bus
	clk    clockwork.Clock
	ledger *ledger.Ledger
	pu     *powerup.Engine

	waitMax   int
	playMax   int
	revealMax int

	inbox chan any
	done  chan struct{}

	// Everything below is only touched by the Run goroutine.
	waitLeft  int
	clock     Clock
	delivered int
	accepting bool
	ended     bool
	startedAt time.Time
	joined    map[string]Conn
	lost      map[string]struct{}
}

func NewRoom(c Config) (*Room, error) {
	t := c.Timing.withDefaults()
	if t.PlayTime < time.Second || t.RevealTime < 2*time.Second {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("play time must be at least 1s and reveal time at least 2s"))
	}

	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}

	roster := make([]string, 0, len(c.Quiz.Roster))
	for _, p := range c.Quiz.Roster {
		roster = append(roster, p.PlayerID)
	}

	l := ledger.New(c.Quiz.Questions, roster)

	r := &Room{
		id:     c.Quiz.RoomID,
		quiz:   c.Quiz,
		eb:     c.EventBus,
		clk:    c.Clock,
		ledger: l,
		pu: powerup.NewEngine(powerup.Config{
			Ledger:    l,
			Inventory: c.Inventory,
			Balances:  c.Quiz.Inventory,
			Clock:     c.Clock,
			Timeout:   c.InventoryTimeout,
			IntN:      c.IntN,
		}),
		waitMax:   int(t.WaitToStart / time.Second),
		playMax:   int(t.PlayTime / time.Second),
		revealMax: int(t.RevealTime / time.Second),
		inbox:     make(chan any, inboxSize),
		done:      make(chan struct{}),
		joined:    make(map[string]Conn),
		lost:      make(map[string]struct{}),
	}

	r.waitLeft = r.waitMax
	r.clock = Clock{
		CurrentQuestion:   1,
		PlaySecondsLeft:   r.playMax,
		RevealSecondsLeft: r.revealMax,
	}

	return r, nil
}

func (r *Room) ID() string {
	return r.id
}

// Done is closed when Run returns.
func (r *Room) Done() <-chan struct{} {
	return r.done
}

// Run drives the room clock until the session ends, ctx is cancelled or an internal
// invariant is violated. It must be called exactly once.
func (r *Room) Run(ctx context.Context) error {
	defer close(r.done)

	if err := r.validate(); err != nil {
		slog.ErrorContext(ctx, "session: room can not start", "room", r.id, "error", err)
		return err
	}

	r.startedAt = r.clk.Now()
	slog.InfoContext(ctx, "session: room started",
		"room", r.id,
		"questions", r.ledger.QuestionCount(),
		"players", len(r.quiz.Roster),
	)

	ticker := r.clk.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.teardown()
			return ctx.Err()

		case cmd := <-r.inbox:
			r.handle(ctx, cmd)

		case <-ticker.Chan():
			ended, err := r.tick(ctx)
			if err != nil {
				slog.ErrorContext(ctx, "session: room aborted", "room", r.id, "error", err)
				r.teardown()
				return err
			}
			if ended {
				slog.InfoContext(ctx, "session: room ended", "room", r.id)
				return nil
			}
		}
	}
}

func (r *Room) validate() error {
	if r.ledger.QuestionCount() == 0 {
		return errors.New(errors.CodeInternal,
			errors.WithMessagef("room %s has no questions", r.id))
	}
	if len(r.ledger.Players()) == 0 {
		return errors.New(errors.CodeInternal,
			errors.WithMessagef("room %s has an empty roster", r.id))
	}
	return nil
}

var errRoomClosed = errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("room is closed"))

// post hands a command to the room goroutine.
func (r *Room) post(ctx context.Context, cmd any) error {
	select {
	case <-r.done:
		return errRoomClosed
	default:
	}

	select {
	case r.inbox <- cmd:
		return nil
	case <-r.done:
		return errRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

type (
	join struct {
		playerID string
		conn     Conn
		reply    chan error
	}

	leave struct {
		playerID string
		conn     Conn
	}

	answer struct {
		playerID string
		req      AnswerRequest
	}

	usePowerUp struct {
		playerID string
		req      PowerUpRequest
	}

	guess struct {
		playerID string
		req      GuessRequest
	}

	expireWindow struct {
		playerID string
		question int
	}

	getGameData struct{ playerID string }
	getGameLost struct{ playerID string }
	getQuestion struct{ playerID string }
)

// Join attaches the player's connection to the room. On rejection the player has already
// been sent JOIN_ERROR and the caller should close the connection.
func (r *Room) Join(ctx context.Context, playerID string, c Conn) error {
	reply := make(chan error, 1)
	if err := r.post(ctx, join{playerID: playerID, conn: c, reply: reply}); err != nil {
		return err
	}

	select {
	case err := <-reply:
		return err
	case <-r.done:
		return errRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Room) Leave(ctx context.Context, playerID string, c Conn) error {
	return r.post(ctx, leave{playerID: playerID, conn: c})
}

func (r *Room) Answer(ctx context.Context, playerID string, req AnswerRequest) error {
	return r.post(ctx, answer{playerID: playerID, req: req})
}

func (r *Room) UsePowerUp(ctx context.Context, playerID string, req PowerUpRequest) error {
	return r.post(ctx, usePowerUp{playerID: playerID, req: req})
}

func (r *Room) Guess(ctx context.Context, playerID string, req GuessRequest) error {
	return r.post(ctx, guess{playerID: playerID, req: req})
}

func (r *Room) GetGameData(ctx context.Context, playerID string) error {
	return r.post(ctx, getGameData{playerID: playerID})
}

func (r *Room) GetGameLost(ctx context.Context, playerID string) error {
	return r.post(ctx, getGameLost{playerID: playerID})
}

func (r *Room) GetQuestion(ctx context.Context, playerID string) error {
	return r.post(ctx, getQuestion{playerID: playerID})
}

func (r *Room) handle(ctx context.Context, cmd any) {
	switch c := cmd.(type) {
	case join:
		c.reply <- r.onJoin(c.playerID, c.conn)
	case leave:
		r.onLeave(c.playerID, c.conn)
	case answer:
		r.reply(c.playerID, EventAnswerError, r.onAnswer(c.playerID, c.req))
	case usePowerUp:
		r.reply(c.playerID, EventPowerUpError, r.onUsePowerUp(ctx, c.playerID, c.req))
	case guess:
		r.reply(c.playerID, EventPowerUpError, r.onGuess(c.playerID, c.req))
	case expireWindow:
		r.onExpireWindow(c.playerID, c.question)
	case getGameData:
		r.sendTo(c.playerID, EventGameData, r.gameData(c.playerID))
	case getGameLost:
		_, lost := r.lost[c.playerID]
		r.sendTo(c.playerID, EventGameLost, GameLost{GameLost: lost})
	case getQuestion:
		r.reply(c.playerID, EventError, r.onGetQuestion(c.playerID))
	default:
		slog.WarnContext(ctx, "session: unknown command", "room", r.id, "command", cmd)
	}
}

// reply reports a handler error to the player on the error's event, or fallback.
func (r *Room) reply(playerID, fallback string, err error) {
	if err == nil {
		return
	}

	e := errors.Convert(err)
	if e.Code == errors.CodeInternal {
		slog.Error("session: handle command failed", "room", r.id, "player", playerID, "error", err)
	}

	r.sendTo(playerID, e.Event(fallback), ErrorData{Code: int(e.Code), Message: e.Message})
}

func (r *Room) sendTo(playerID, event string, data any) {
	c, ok := r.joined[playerID]
	if !ok {
		return
	}

	b, err := Encode(event, data)
	if err != nil {
		slog.Error("session: encode failed", "room", r.id, "error", err)
		return
	}

	if err := c.Send(b); err != nil {
		r.detach([]string{playerID})
	}
}

func (r *Room) broadcast(event string, data any) {
	b, err := Encode(event, data)
	if err != nil {
		slog.Error("session: encode failed", "room", r.id, "error", err)
		return
	}

	var failed []string
	for id, c := range r.joined {
		if err := c.Send(b); err != nil {
			failed = append(failed, id)
		}
	}
	r.detach(failed)
}

// detach drops connections whose send failed and tells the remaining players the new count.
func (r *Room) detach(ids []string) {
	if len(ids) == 0 {
		return
	}
	for _, id := range ids {
		r.drop(id)
	}
	r.broadcast(EventTotalJoined, TotalJoined{Playing: len(r.joined)})
}

// drop detaches a connection that can no longer be written to.
func (r *Room) drop(playerID string) {
	if c, ok := r.joined[playerID]; ok {
		_ = c.Close()
		delete(r.joined, playerID)
		telemetry.PlayersConnected.Dec()
	}
}

// teardown detaches every listener and stops pending two-answer timers.
func (r *Room) teardown() {
	r.pu.CloseAll()
	for id := range r.joined {
		r.drop(id)
	}
}
