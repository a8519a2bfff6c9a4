package telemetry

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
)

// MonitorRedis instruments a client with tracing, metrics and command logging. name tells
// the clients of the service apart in logs.
func MonitorRedis(name string, r redis.UniversalClient) error {
	if err := redisotel.InstrumentTracing(r); err != nil {
		return fmt.Errorf("instrument tracing: %w", err)
	}
	if err := redisotel.InstrumentMetrics(r); err != nil {
		return fmt.Errorf("instrument metrics: %w", err)
	}
	r.AddHook(redisLog{name: name})
	return nil
}

// redisLog logs commands at debug level and failures at warn level. redis.Nil is not a failure.
type redisLog struct {
	name string
}

func (l redisLog) DialHook(hook redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := hook(ctx, network, addr)
		if err != nil {
			slog.WarnContext(ctx, "redis: dial failed", "client", l.name, "addr", addr, "error", err)
			return nil, err
		}
		slog.InfoContext(ctx, "redis: connected", "client", l.name, "network", network, "addr", addr)
		return conn, nil
	}
}

func (l redisLog) ProcessHook(hook redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		start := time.Now()
		err := hook(ctx, cmd)
		l.log(ctx, cmd.Name(), time.Since(start), err)
		return err
	}
}

func (l redisLog) ProcessPipelineHook(hook redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		start := time.Now()
		err := hook(ctx, cmds)
		l.log(ctx, fmt.Sprintf("pipeline(%d)", len(cmds)), time.Since(start), err)
		return err
	}
}

func (l redisLog) log(ctx context.Context, cmd string, elapsed time.Duration, err error) {
	if err != nil && !stderrors.Is(err, redis.Nil) {
		slog.WarnContext(ctx, "redis: command failed", "client", l.name, "cmd", cmd, "elapsed", elapsed, "error", err)
		return
	}
	slog.DebugContext(ctx, "redis: command processed", "client", l.name, "cmd", cmd, "elapsed", elapsed)
}
