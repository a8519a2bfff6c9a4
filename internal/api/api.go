package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/errors"
	"github.com/victornm/quizroom/internal/event"
	"github.com/victornm/quizroom/internal/leaderboard"
	"github.com/victornm/quizroom/internal/scheduler"
	"github.com/victornm/quizroom/internal/session"
)

// playerHeader carries the authenticated player ID set by the gateway in front of the service.
const playerHeader = "X-User-ID"

type Config struct {
	Router       gin.IRouter
	EventBus     *event.Bus
	Rooms        Rooms
	Scheduler    Scheduler
	Leaderboard  LeaderboardService
	Redis        Redis
	PubsubPrefix string
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type Rooms interface {
	Room(id string) (*session.Room, error)
}

type Scheduler interface {
	Schedule(ctx context.Context, req scheduler.ScheduleRequest) error
	Cancel(roomID string) bool
}

type LeaderboardService interface {
	GetLeaderboard(ctx context.Context, req leaderboard.GetLeaderboardRequest) (*domain.Leaderboard, error)
}

type API struct {
	rooms Rooms
	sched Scheduler
	ls    LeaderboardService

	redis  Redis
	prefix string
}

func New(c Config) *API {
	a := &API{
		rooms:  c.Rooms,
		sched:  c.Scheduler,
		ls:     c.Leaderboard,
		redis:  c.Redis,
		prefix: c.PubsubPrefix,
	}

	// HTTP APIs
	c.Router.GET("/health", a.Health)
	c.Router.GET("/ws/rooms/:room", a.ServeRoom)

	v1 := c.Router.Group("/v1")
	v1.GET("/rooms/:room/leaderboard", a.GetLeaderboard)
	v1.POST("/rooms/:room/schedule", a.ScheduleQuiz)
	v1.DELETE("/rooms/:room/schedule", a.CancelQuiz)

	// Register event handlers
	c.EventBus.Subscribe(domain.EventNameQuizStarting, func(ctx context.Context, e event.Event) error {
		return a.PublishQuizStarting(ctx, e.(domain.EventQuizStarting))
	})
	c.EventBus.Subscribe(domain.EventNameQuizCancelled, func(ctx context.Context, e event.Event) error {
		return a.PublishQuizCancelled(ctx, e.(domain.EventQuizCancelled))
	})
	c.EventBus.Subscribe(domain.EventNamePrizeReduced, func(ctx context.Context, e event.Event) error {
		return a.PublishPrizeReduced(ctx, e.(domain.EventPrizeReduced))
	})
	c.EventBus.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
		return a.PublishLeaderboardUpdated(ctx, e.(domain.EventLeaderboardUpdated))
	})

	return a
}

func (a *API) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type (
	ScheduleQuizRequest struct {
		StartTime time.Time `json:"start_time" binding:"required"`
	}

	LeaderboardResponse struct {
		RoomID  string                   `json:"room_id"`
		Entries []LeaderboardEntryResult `json:"entries"`
	}

	LeaderboardEntryResult struct {
		PlayerID string  `json:"player_id"`
		Payout   float64 `json:"payout"`
	}
)

func (a *API) ScheduleQuiz(c *gin.Context) {
	var req ScheduleQuizRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err),
			errors.WithMessagef("invalid schedule request: %v", err)))
		return
	}

	err := a.sched.Schedule(c.Request.Context(), scheduler.ScheduleRequest{
		RoomID:    c.Param("room"),
		StartTime: req.StartTime,
	})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"room_id": c.Param("room"), "start_time": req.StartTime})
}

func (a *API) CancelQuiz(c *gin.Context) {
	if !a.sched.Cancel(c.Param("room")) {
		abort(c, errors.New(errors.CodeNotFound, errors.WithMessagef("quiz %s is not scheduled", c.Param("room"))))
		return
	}

	c.Status(http.StatusNoContent)
}

func (a *API) GetLeaderboard(c *gin.Context) {
	l, err := a.ls.GetLeaderboard(c.Request.Context(), leaderboard.GetLeaderboardRequest{
		RoomID: c.Param("room"),
	})
	if err != nil {
		abort(c, err)
		return
	}

	resp := LeaderboardResponse{
		RoomID:  l.RoomID,
		Entries: make([]LeaderboardEntryResult, 0, len(l.Entries)),
	}
	for _, e := range l.Entries {
		resp.Entries = append(resp.Entries, LeaderboardEntryResult{
			PlayerID: e.PlayerID,
			Payout:   e.Payout,
		})
	}

	c.JSON(http.StatusOK, resp)
}

func abort(c *gin.Context, err error) {
	e := errors.Convert(err)
	if e.Code == errors.CodeInternal {
		slog.ErrorContext(c.Request.Context(), "api: request failed", "path", c.FullPath(), "error", err)
	}

	c.AbortWithStatusJSON(e.HTTPStatusCode(), gin.H{"error": e.Message})
}
