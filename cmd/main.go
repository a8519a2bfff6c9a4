package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/victornm/quizroom/internal/config"
	"github.com/victornm/quizroom/internal/server"
)

func main() {
	c, err := loadConfig()
	if err != nil {
		log.Fatalf("Load config failed: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel()})))

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGTERM, os.Interrupt)

	s, err := server.Init(c)
	if err != nil {
		log.Fatalf("Init server failed: %v", err)
	}

	go s.Start()

	<-shutdown
	s.Shutdown()
}

// loadConfig reads the file at CONFIG_PATH when set. Without it the defaults and
// QUIZROOM_* environment variables are used.
func loadConfig() (server.Config, error) {
	c := server.DefaultConfig()

	if err := config.Load(os.Getenv("CONFIG_PATH"), &c); err != nil {
		return c, fmt.Errorf("load config: %w", err)
	}

	return c, nil
}

func logLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(os.Getenv("LOG_LEVEL"))); err != nil {
		return slog.LevelInfo
	}
	return l
}
