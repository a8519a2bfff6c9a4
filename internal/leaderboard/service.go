package leaderboard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/errors"
	"github.com/victornm/quizroom/internal/event"
)

const (
	defaultRetention = 7 * 24 * time.Hour
)

type Config struct {
	EventBus *event.Bus
	Redis    redis.UniversalClient
	Prefix   string
	// Retention is how long a room's final leaderboard is kept.
	Retention time.Duration
}

type Service struct {
	eb        *event.Bus
	redis     redis.UniversalClient
	prefix    string
	retention time.Duration
}

func NewService(c Config) *Service {
	s := &Service{
		eb:        c.EventBus,
		redis:     c.Redis,
		prefix:    c.Prefix,
		retention: c.Retention,
	}

	if s.retention <= 0 {
		s.retention = defaultRetention
	}

	s.eb.Subscribe(domain.EventNameSessionEnded, func(ctx context.Context, e event.Event) error {
		return s.UpdateLeaderboard(ctx, e.(domain.EventSessionEnded))
	})

	return s
}

type GetLeaderboardRequest struct {
	RoomID string
}

// GetLeaderboard returns the final payouts of a room, highest first.
func (s *Service) GetLeaderboard(ctx context.Context, req GetLeaderboardRequest) (*domain.Leaderboard, error) {
	res, err := s.redis.ZRevRangeWithScores(ctx, s.getLeaderboardKey(req.RoomID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get leaderboard: %w", err)
	}

	if len(res) == 0 {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("leaderboard not found: room=%s", req.RoomID))
	}

	entries := make([]domain.LeaderboardEntry, 0, len(res))
	for _, z := range res {
		entries = append(entries, domain.LeaderboardEntry{
			PlayerID: z.Member.(string),
			Payout:   z.Score,
		})
	}

	return &domain.Leaderboard{
		RoomID:  req.RoomID,
		Entries: entries,
	}, nil
}

// UpdateLeaderboard writes the winner payouts of a finished session.
func (s *Service) UpdateLeaderboard(ctx context.Context, e domain.EventSessionEnded) error {
	r := e.Result
	if len(r.Winners) == 0 {
		return nil
	}

	key := s.getLeaderboardKey(r.RoomID)
	members := make([]redis.Z, 0, len(r.Winners))
	for _, w := range r.Winners {
		members = append(members, redis.Z{
			Score:  w.Payout.InexactFloat64(),
			Member: w.PlayerID,
		})
	}

	// TODO: retry on error
	if _, err := s.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, key, members...)
		p.Expire(ctx, key, s.retention)
		return nil
	}); err != nil {
		return fmt.Errorf("update leaderboard: %w", err)
	}

	return s.publishLeaderboardOnce(ctx, r.RoomID)
}

// publishLeaderboardOnce publishes the leaderboard of a room at most once per retention period,
// so a result delivered twice does not notify players twice.
func (s *Service) publishLeaderboardOnce(ctx context.Context, roomID string) error {
	ok, err := s.redis.SetNX(ctx, s.getPublishedKey(roomID), 1, s.retention).Result()
	if err != nil {
		return fmt.Errorf("setnx: %w", err)
	}

	if !ok {
		return nil
	}

	l, err := s.GetLeaderboard(ctx, GetLeaderboardRequest{
		RoomID: roomID,
	})
	if err != nil {
		return fmt.Errorf("get leaderboard failed: room=%s: %w", roomID, err)
	}

	s.eb.Publish(ctx, domain.EventLeaderboardUpdated{
		Leaderboard: *l,
	})

	return nil
}

func (s *Service) getLeaderboardKey(room string) string {
	return fmt.Sprintf("%s:%s:leaderboard", s.prefix, room)
}

func (s *Service) getPublishedKey(room string) string {
	return fmt.Sprintf("%s:%s:published", s.prefix, room)
}
