package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/victornm/quizroom/internal/domain"
)

const maxConcurrent = 100

// Notification names pushed to a player's channel.
const (
	NotifyGameStart    = "GAME_START"
	NotifyGameCanceled = "GAME_CANCELLED"
	NotifyPrizeReduced = "GAME_PRIZE_REDUCED"
	NotifyGameResults  = "GAME_RESULTS"
)

type (
	Notification struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}

	Message struct {
		RoomID string `json:"room_id"`
		Title  string `json:"title"`
		Body   string `json:"body"`
	}

	PrizeReduced struct {
		Message
		PrizePool string `json:"prize_pool"`
	}

	Leaderboard struct {
		RoomID  string             `json:"room_id"`
		Entries []LeaderboardEntry `json:"entries"`
	}

	LeaderboardEntry struct {
		PlayerID string `json:"player_id"`
		Payout   string `json:"payout"`
	}
)

func (a *API) PublishQuizStarting(ctx context.Context, e domain.EventQuizStarting) error {
	data := Message{
		RoomID: e.RoomID,
		Title:  "Game is starting!",
		Body:   "A quiz you joined will start soon.",
	}

	return a.notifyAll(ctx, e.PlayerIDs, NotifyGameStart, data)
}

func (a *API) PublishQuizCancelled(ctx context.Context, e domain.EventQuizCancelled) error {
	title := "Quiz cancelled!"
	if e.Category != "" {
		title = fmt.Sprintf("Quiz cancelled %s!", e.Category)
	}

	data := Message{
		RoomID: e.RoomID,
		Title:  title,
		Body:   "A quiz you joined has been cancelled, your keys have been refunded to your account.",
	}

	return a.notifyAll(ctx, e.PlayerIDs, NotifyGameCanceled, data)
}

func (a *API) PublishPrizeReduced(ctx context.Context, e domain.EventPrizeReduced) error {
	data := PrizeReduced{
		Message: Message{
			RoomID: e.RoomID,
			Title:  "Game prize reduced",
			Body:   "Less than half of the players joined a quiz you joined, so the reward has been halved.",
		},
		PrizePool: e.PrizePool.StringFixed(2),
	}

	return a.notifyAll(ctx, e.PlayerIDs, NotifyPrizeReduced, data)
}

// PublishLeaderboardUpdated sends the final leaderboard of a room to each of its winners.
func (a *API) PublishLeaderboardUpdated(ctx context.Context, e domain.EventLeaderboardUpdated) error {
	l := e.Leaderboard

	data := Leaderboard{
		RoomID:  l.RoomID,
		Entries: make([]LeaderboardEntry, 0, len(l.Entries)),
	}

	players := make([]string, 0, len(l.Entries))
	for _, entry := range l.Entries {
		data.Entries = append(data.Entries, LeaderboardEntry{
			PlayerID: entry.PlayerID,
			Payout:   strconv.FormatFloat(entry.Payout, 'f', 2, 64),
		})
		players = append(players, entry.PlayerID)
	}

	return a.notifyAll(ctx, players, NotifyGameResults, data)
}

func (a *API) notifyAll(ctx context.Context, players []string, event string, data any) error {
	var eg errgroup.Group
	eg.SetLimit(maxConcurrent)

	for _, p := range players {
		eg.Go(func() error {
			return a.publishNotification(ctx, p, event, data)
		})
	}

	return eg.Wait()
}

func (a *API) publishNotification(ctx context.Context, player, event string, data any) error {
	n := Notification{
		Event: event,
		Data:  data,
	}

	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", event, err)
	}

	return a.redis.Publish(ctx, a.channel(player), b).Err()
}

func (a *API) channel(player string) string {
	return strings.Join([]string{a.prefix, "user", player}, ":")
}
