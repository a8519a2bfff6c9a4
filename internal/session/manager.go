package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/errors"
	"github.com/victornm/quizroom/internal/event"
	"github.com/victornm/quizroom/internal/powerup"
	"github.com/victornm/quizroom/internal/telemetry"
)

type ManagerConfig struct {
	EventBus         *event.Bus
	Inventory        powerup.Inventory
	Clock            clockwork.Clock
	Timing           Timing
	InventoryTimeout time.Duration
}

// Manager owns every running room of the process. Rooms are removed once their Run returns.
type Manager struct {
	c ManagerConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	rooms map[string]*Room
}

func NewManager(c ManagerConfig) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		c:      c,
		ctx:    ctx,
		cancel: cancel,
		rooms:  make(map[string]*Room),
	}
}

// Start creates the room of the quiz and runs it in the background.
func (m *Manager) Start(ctx context.Context, q domain.Quiz) error {
	r, err := NewRoom(Config{
		Quiz:             q,
		EventBus:         m.c.EventBus,
		Inventory:        m.c.Inventory,
		Clock:            m.c.Clock,
		Timing:           m.c.Timing,
		InventoryTimeout: m.c.InventoryTimeout,
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx.Err() != nil {
		return errors.New(errors.CodeUnavailable, errors.WithMessagef("session manager is shut down"))
	}

	if _, ok := m.rooms[q.RoomID]; ok {
		return errors.New(errors.CodeAlreadyExists, errors.WithMessagef("room %s is already running", q.RoomID))
	}

	m.rooms[q.RoomID] = r
	telemetry.RoomsActive.Inc()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.remove(r.ID())

		if err := r.Run(m.ctx); err != nil && m.ctx.Err() == nil {
			slog.ErrorContext(ctx, "session: room stopped", "room", r.ID(), "error", err)
		}
	}()

	slog.InfoContext(ctx, "session: room scheduled to run", "room", q.RoomID, "players", len(q.Roster))
	return nil
}

// Room returns a running room.
func (m *Manager) Room(id string) (*Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[id]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("room %s is not running", id))
	}
	return r, nil
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[id]; ok {
		delete(m.rooms, id)
		telemetry.RoomsActive.Dec()
	}
}

// Shutdown stops every room and waits for them to return.
func (m *Manager) Shutdown() {
	m.cancel()
	m.wg.Wait()
}
