package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"google.golang.org/grpc"

	"github.com/victornm/quizroom/internal/errors"
)

// GRPCServerOptions logs finished calls and turns handler panics into Internal errors,
// for both unary and streaming calls (the health Watch is a stream).
func GRPCServerOptions() []grpc.ServerOption {
	logger := grpcServerLogger(slog.Default())
	logOpts := []logging.Option{
		logging.WithLogOnEvents(logging.FinishCall),
	}
	recoverOpts := []recovery.Option{
		recovery.WithRecoveryHandlerContext(recoverGRPC),
	}

	return []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			logging.UnaryServerInterceptor(logger, logOpts...),
			recovery.UnaryServerInterceptor(recoverOpts...),
		),
		grpc.ChainStreamInterceptor(
			logging.StreamServerInterceptor(logger, logOpts...),
			recovery.StreamServerInterceptor(recoverOpts...),
		),
	}
}

func recoverGRPC(ctx context.Context, p any) error {
	slog.ErrorContext(ctx, "grpc: handler panic",
		"error", fmt.Errorf("%v, stack: %s", p, debug.Stack()),
	)
	return errors.New(errors.CodeInternal)
}

func grpcServerLogger(l *slog.Logger) logging.Logger {
	return logging.LoggerFunc(func(ctx context.Context, lvl logging.Level, msg string, fields ...any) {
		l.Log(ctx, slog.Level(lvl), "grpc: "+msg, fields...)
	})
}
