// Package scheduler arms a timer per scheduled quiz and hands the loaded quiz over to
// the session manager once its start time is reached.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/errors"
	"github.com/victornm/quizroom/internal/event"
	"github.com/victornm/quizroom/internal/telemetry"
)

const (
	defaultNotifyBefore          = 2 * time.Minute
	defaultMinFillRatio          = 0.25
	defaultReducedPrizeFillRatio = 0.5
	defaultStartTimeout          = 30 * time.Second
)

type Store interface {
	LoadQuiz(ctx context.Context, roomID string) (domain.QuizInfo, error)
	// LoadQuestions returns the questions in the order of ids.
	LoadQuestions(ctx context.Context, ids []string) ([]domain.Question, error)
	// LoadPlayers returns the players in the order of ids.
	LoadPlayers(ctx context.Context, ids []string) ([]domain.Player, error)
	LoadInventory(ctx context.Context, playerIDs []string) (map[string]domain.Balances, error)
	UpdateStatus(ctx context.Context, roomID string, status domain.QuizStatus) error
	UpdatePrizePool(ctx context.Context, roomID string, pool decimal.Decimal) error
	RefundEntryFee(ctx context.Context, playerIDs []string, fee decimal.Decimal) error
}

// Starter runs a live session for a fully loaded quiz.
type Starter interface {
	Start(ctx context.Context, q domain.Quiz) error
}

type Config struct {
	Store    Store
	Starter  Starter
	EventBus *event.Bus
	Clock    clockwork.Clock

	// NotifyBefore is how long before the start players are told the quiz is about to begin.
	NotifyBefore time.Duration
	// Below MinFillRatio of the room size the quiz is cancelled and entry fees refunded.
	MinFillRatio float64
	// Below ReducedPrizeFillRatio of the room size the prize pool is halved.
	ReducedPrizeFillRatio float64
}

// job is the pair of timers of a scheduled quiz. Both are nil while the quiz is being queued.
type job struct {
	notify clockwork.Timer
	start  clockwork.Timer
}

func (j *job) stop() {
	if j.notify != nil {
		j.notify.Stop()
	}
	if j.start != nil {
		j.start.Stop()
	}
}

type Service struct {
	store   Store
	starter Starter
	eb      *event.Bus
	clock   clockwork.Clock

	notifyBefore time.Duration
	minFill      float64
	reducedFill  float64

	wg      sync.WaitGroup
	mu      sync.Mutex
	jobs    map[string]*job
	stopped bool
}

func NewService(c Config) *Service {
	s := &Service{
		store:        c.Store,
		starter:      c.Starter,
		eb:           c.EventBus,
		clock:        c.Clock,
		notifyBefore: c.NotifyBefore,
		minFill:      c.MinFillRatio,
		reducedFill:  c.ReducedPrizeFillRatio,
		jobs:         make(map[string]*job),
	}

	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.notifyBefore <= 0 {
		s.notifyBefore = defaultNotifyBefore
	}
	if s.minFill <= 0 {
		s.minFill = defaultMinFillRatio
	}
	if s.reducedFill <= 0 {
		s.reducedFill = defaultReducedPrizeFillRatio
	}

	return s
}

type ScheduleRequest struct {
	RoomID    string
	StartTime time.Time
}

// Schedule arms the notification and start timers of a quiz and marks it queued.
// A start time in the past starts the quiz right away.
func (s *Service) Schedule(ctx context.Context, req ScheduleRequest) error {
	if req.RoomID == "" {
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("room id is required"))
	}

	j, err := s.reserve(req.RoomID)
	if err != nil {
		return err
	}

	// s.mu is not held across the store call.
	if err := s.store.UpdateStatus(ctx, req.RoomID, domain.QuizStatusQueued); err != nil {
		s.forget(req.RoomID, j)
		return fmt.Errorf("scheduler: queue quiz %s: %w", req.RoomID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.jobs[req.RoomID] != j {
		return errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("quiz %s was cancelled while being scheduled", req.RoomID))
	}

	untilStart := max(req.StartTime.Sub(s.clock.Now()), 0)
	untilNotify := max(untilStart-s.notifyBefore, 0)
	roomID := req.RoomID

	j.notify = s.clock.AfterFunc(untilNotify, func() {
		s.run(func(ctx context.Context) error { return s.notify(ctx, roomID) })
	})
	j.start = s.clock.AfterFunc(untilStart, func() {
		defer s.forget(roomID, j)
		s.run(func(ctx context.Context) error { return s.start(ctx, roomID) })
	})

	slog.InfoContext(ctx, "scheduler: quiz scheduled",
		"room", roomID,
		"start_time", req.StartTime,
	)
	return nil
}

// Cancel disarms the timers of a scheduled quiz. It reports whether the quiz was scheduled.
func (s *Service) Cancel(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[roomID]
	if !ok {
		return false
	}

	j.stop()
	delete(s.jobs, roomID)
	return true
}

// reserve claims the room so concurrent Schedule calls for it fail fast.
func (s *Service) reserve(roomID string) (*job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, errors.New(errors.CodeUnavailable, errors.WithMessagef("scheduler is stopped"))
	}

	if _, ok := s.jobs[roomID]; ok {
		return nil, errors.New(errors.CodeAlreadyExists, errors.WithMessagef("quiz %s is already scheduled", roomID))
	}

	j := &job{}
	s.jobs[roomID] = j
	return j, nil
}

// Stop disarms every pending timer and waits for running jobs to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, j := range s.jobs {
		j.stop()
		delete(s.jobs, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// forget removes the room's job if it is still j.
func (s *Service) forget(roomID string, j *job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.jobs[roomID] == j {
		delete(s.jobs, roomID)
	}
}

// run executes a timer job with its own bounded context. Jobs firing after Stop are dropped.
func (s *Service) run(f func(ctx context.Context) error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), defaultStartTimeout)
	defer cancel()

	if err := f(ctx); err != nil {
		slog.ErrorContext(ctx, "scheduler: job failed", "error", err)
	}
}

func (s *Service) notify(ctx context.Context, roomID string) error {
	info, err := s.store.LoadQuiz(ctx, roomID)
	if err != nil {
		return fmt.Errorf("load quiz %s: %w", roomID, err)
	}

	s.eb.Publish(ctx, domain.EventQuizStarting{
		RoomID:    roomID,
		PlayerIDs: info.PlayerIDs,
	})
	return nil
}

func (s *Service) start(ctx context.Context, roomID string) error {
	info, err := s.store.LoadQuiz(ctx, roomID)
	if err != nil {
		return fmt.Errorf("load quiz %s: %w", roomID, err)
	}

	if info.Status != domain.QuizStatusQueued && info.Status != domain.QuizStatusPending {
		slog.WarnContext(ctx, "scheduler: quiz is not startable", "room", roomID, "status", info.Status)
		return nil
	}

	q := domain.Quiz{
		RoomID:       info.RoomID,
		StartTime:    info.StartTime,
		RewardPolicy: info.RewardPolicy,
		PrizePool:    info.PrizePool,
		EntryFee:     info.EntryFee,
		RoomSize:     info.RoomSize,
		Category:     info.Category,
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() (err error) {
		q.Questions, err = s.store.LoadQuestions(egCtx, info.QuestionIDs)
		if err != nil {
			return fmt.Errorf("load questions: %w", err)
		}
		return nil
	})
	eg.Go(func() (err error) {
		q.Roster, err = s.store.LoadPlayers(egCtx, info.PlayerIDs)
		if err != nil {
			return fmt.Errorf("load players: %w", err)
		}
		return nil
	})
	eg.Go(func() (err error) {
		q.Inventory, err = s.store.LoadInventory(egCtx, info.PlayerIDs)
		if err != nil {
			return fmt.Errorf("load inventory: %w", err)
		}
		return nil
	})
	if err := eg.Wait(); err != nil {
		return fmt.Errorf("quiz %s: %w", roomID, err)
	}

	joined := float64(len(q.Roster))
	size := float64(q.RoomSize)

	if joined < s.minFill*size {
		return s.cancel(ctx, info)
	}

	if joined < s.reducedFill*size {
		q.PrizePool = q.PrizePool.Div(decimal.NewFromInt(2))
		if err := s.store.UpdatePrizePool(ctx, roomID, q.PrizePool); err != nil {
			return fmt.Errorf("reduce prize pool of %s: %w", roomID, err)
		}

		telemetry.QuizzesScheduled.WithLabelValues("prize_reduced").Inc()
		s.eb.Publish(ctx, domain.EventPrizeReduced{
			RoomID:    roomID,
			PrizePool: q.PrizePool,
			PlayerIDs: info.PlayerIDs,
		})
	}

	if err := s.store.UpdateStatus(ctx, roomID, domain.QuizStatusRunning); err != nil {
		return fmt.Errorf("mark %s running: %w", roomID, err)
	}

	if err := s.starter.Start(ctx, q); err != nil {
		return fmt.Errorf("start %s: %w", roomID, err)
	}

	telemetry.QuizzesScheduled.WithLabelValues("started").Inc()
	slog.InfoContext(ctx, "scheduler: quiz started",
		"room", roomID,
		"players", len(q.Roster),
		"prize_pool", q.PrizePool.String(),
	)
	return nil
}

// cancel marks the quiz cancelled and refunds the entry fee to every joined player.
func (s *Service) cancel(ctx context.Context, info domain.QuizInfo) error {
	if err := s.store.UpdateStatus(ctx, info.RoomID, domain.QuizStatusCancelled); err != nil {
		return fmt.Errorf("cancel %s: %w", info.RoomID, err)
	}

	if info.EntryFee.IsPositive() && len(info.PlayerIDs) > 0 {
		if err := s.store.RefundEntryFee(ctx, info.PlayerIDs, info.EntryFee); err != nil {
			slog.ErrorContext(ctx, "scheduler: refund entry fee failed", "room", info.RoomID, "error", err)
		}
	}

	telemetry.QuizzesScheduled.WithLabelValues("cancelled").Inc()
	s.eb.Publish(ctx, domain.EventQuizCancelled{
		RoomID:    info.RoomID,
		Category:  info.Category,
		PlayerIDs: info.PlayerIDs,
	})

	slog.InfoContext(ctx, "scheduler: quiz cancelled, not enough players",
		"room", info.RoomID,
		"players", len(info.PlayerIDs),
		"room_size", info.RoomSize,
	)
	return nil
}
