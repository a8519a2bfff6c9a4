package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/victornm/quizroom/internal/api"
	"github.com/victornm/quizroom/internal/event"
	"github.com/victornm/quizroom/internal/leaderboard"
	"github.com/victornm/quizroom/internal/scheduler"
	"github.com/victornm/quizroom/internal/session"
	"github.com/victornm/quizroom/internal/store"
	"github.com/victornm/quizroom/internal/telemetry"
)

type Config struct {
	HTTP struct {
		Port int32
	}

	GRPC struct {
		Port int32
	}

	Redis struct {
		Leaderboard struct {
			Addrs     []string
			Pass      string
			Prefix    string
			Retention time.Duration
		}

		Pubsub struct {
			Addrs  []string
			Pass   string
			Prefix string
		}
	}

	Postgres struct {
		Addr    string
		User    string
		Pass    string
		Name    string
		Migrate bool
	}

	Game struct {
		WaitToStart           time.Duration
		PlayTime              time.Duration
		RevealTime            time.Duration
		InventoryTimeout      time.Duration
		NotifyBefore          time.Duration
		MinFillRatio          float64
		ReducedPrizeFillRatio float64
	}
}

// DefaultConfig returns the config every file and environment override starts from.
func DefaultConfig() Config {
	var c Config
	c.HTTP.Port = 8080
	c.GRPC.Port = 9090
	c.Redis.Leaderboard.Prefix = "quizroom"
	c.Redis.Leaderboard.Retention = 7 * 24 * time.Hour
	c.Redis.Pubsub.Prefix = "quizroom"
	c.Game.WaitToStart = session.DefaultTiming.WaitToStart
	c.Game.PlayTime = session.DefaultTiming.PlayTime
	c.Game.RevealTime = session.DefaultTiming.RevealTime
	c.Game.InventoryTimeout = 500 * time.Millisecond
	c.Game.NotifyBefore = 2 * time.Minute
	c.Game.MinFillRatio = 0.25
	c.Game.ReducedPrizeFillRatio = 0.5
	return c
}

func (c *Config) Validate() error {
	switch {
	case c.Game.PlayTime < time.Second:
		return fmt.Errorf("game.playtime must be at least 1s, got %s", c.Game.PlayTime)
	case c.Game.RevealTime < 2*time.Second:
		return fmt.Errorf("game.revealtime must be at least 2s, got %s", c.Game.RevealTime)
	case c.Game.MinFillRatio > c.Game.ReducedPrizeFillRatio:
		return fmt.Errorf("game.minfillratio %v must not exceed game.reducedprizefillratio %v",
			c.Game.MinFillRatio, c.Game.ReducedPrizeFillRatio)
	}
	return nil
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis struct {
			leaderboard redis.UniversalClient
			pubsub      redis.UniversalClient
		}

		postgres *pgxpool.Pool
	}

	service struct {
		store       *store.Store
		rooms       *session.Manager
		scheduler   *scheduler.Service
		leaderboard *leaderboard.Service
	}

	health *health.Server
	http   *http.Server
	grpc   *grpc.Server
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	if err := s.initService(); err != nil {
		return nil, fmt.Errorf("server: init service: %w", err)
	}

	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initPostgres(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	connect := func(name string, addrs []string, pass string) (redis.UniversalClient, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    addrs,
			Password: pass,
		})

		if err := telemetry.MonitorRedis(name, r); err != nil {
			return nil, err
		}

		if err := r.Ping(ctx).Err(); err != nil {
			return nil, err
		}

		return r, nil
	}

	var err error
	s.infra.redis.leaderboard, err = connect("leaderboard", s.c.Redis.Leaderboard.Addrs, s.c.Redis.Leaderboard.Pass)
	if err != nil {
		return fmt.Errorf("leaderboard: %w", err)
	}

	s.infra.redis.pubsub, err = connect("pubsub", s.c.Redis.Pubsub.Addrs, s.c.Redis.Pubsub.Pass)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	return nil
}

func (s *Server) initPostgres() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p := s.c.Postgres
	cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", p.User, p.Pass, p.Addr, p.Name))
	if err != nil {
		return err
	}

	db, err := pgxpool.NewWithConfig(ctx, cc)
	if err != nil {
		return err
	}

	if err := db.Ping(ctx); err != nil {
		db.Close()
		return err
	}

	s.infra.postgres = db
	return nil
}

func (s *Server) initService() error {
	s.service.store = store.New(store.Config{
		DB:       s.infra.postgres,
		EventBus: s.eb,
	})

	if s.c.Postgres.Migrate {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := s.service.store.Migrate(ctx); err != nil {
			return err
		}
	}

	s.service.rooms = session.NewManager(session.ManagerConfig{
		EventBus:  s.eb,
		Inventory: s.service.store,
		Timing: session.Timing{
			WaitToStart: s.c.Game.WaitToStart,
			PlayTime:    s.c.Game.PlayTime,
			RevealTime:  s.c.Game.RevealTime,
		},
		InventoryTimeout: s.c.Game.InventoryTimeout,
	})

	s.service.scheduler = scheduler.NewService(scheduler.Config{
		Store:                 s.service.store,
		Starter:               s.service.rooms,
		EventBus:              s.eb,
		NotifyBefore:          s.c.Game.NotifyBefore,
		MinFillRatio:          s.c.Game.MinFillRatio,
		ReducedPrizeFillRatio: s.c.Game.ReducedPrizeFillRatio,
	})

	s.service.leaderboard = leaderboard.NewService(leaderboard.Config{
		EventBus:  s.eb,
		Redis:     s.infra.redis.leaderboard,
		Prefix:    s.c.Redis.Leaderboard.Prefix,
		Retention: s.c.Redis.Leaderboard.Retention,
	})

	return nil
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	s.grpc = grpc.NewServer(telemetry.GRPCServerOptions()...)
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpc, s.health)

	api.New(api.Config{
		Router:       e,
		EventBus:     s.eb,
		Rooms:        s.service.rooms,
		Scheduler:    s.service.scheduler,
		Leaderboard:  s.service.leaderboard,
		Redis:        s.infra.redis.pubsub,
		PubsubPrefix: s.c.Redis.Pubsub.Prefix,
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) Start() {
	ctx := context.TODO()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.c.GRPC.Port))
	if err != nil {
		slog.ErrorContext(ctx, "grpc server: listen failed", "error", err)
		panic(err)
	}

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: gRPC listening on port %d", s.c.GRPC.Port))
		return s.grpc.Serve(lis)
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	err = eg.Wait()
	if err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

// Shutdown stops accepting work, stops the running rooms, then drains the event bus
// before closing the stores.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.health.Shutdown()
	s.service.scheduler.Stop()

	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}
	s.grpc.GracefulStop()

	s.service.rooms.Shutdown()
	s.eb.Stop()

	s.infra.postgres.Close()
	if err := s.infra.redis.leaderboard.Close(); err != nil {
		slog.ErrorContext(ctx, "server: close leaderboard redis failed", "error", err)
	}
	if err := s.infra.redis.pubsub.Close(); err != nil {
		slog.ErrorContext(ctx, "server: close pubsub redis failed", "error", err)
	}

	slog.InfoContext(ctx, "server: shutdown completed")
}
