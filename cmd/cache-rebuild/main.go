package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/prohmpiriya/theater-seat-inventory/internal/di"
	"github.com/prohmpiriya/theater-seat-inventory/internal/service"
	"github.com/prohmpiriya/theater-seat-inventory/pkg/config"
	"github.com/prohmpiriya/theater-seat-inventory/pkg/logger"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const serviceName = "cache-rebuild"

func main() {
	var (
		sessions    []string
		all         bool
		concurrency int
		timeout     time.Duration
	)
	flagSet := pflag.NewFlagSet(serviceName, pflag.ContinueOnError)
	flagSet.StringSliceVar(&sessions, "session", nil, "session id to rebuild (repeatable)")
	flagSet.BoolVar(&all, "all", false, "rebuild every session in the store")
	flagSet.IntVar(&concurrency, "concurrency", 4, "sessions rebuilt at once")
	flagSet.DurationVar(&timeout, "timeout", 10*time.Minute, "overall deadline")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatalf("Invalid arguments: %v", err)
	}
	if len(sessions) == 0 && !all {
		fmt.Fprintln(os.Stderr, "either --session or --all is required")
		flagSet.PrintDefaults()
		os.Exit(2)
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	logCfg := &logger.Config{
		Level:       cfg.App.LogLevel,
		ServiceName: serviceName,
		Development: cfg.IsDevelopment(),
	}
	if err := logger.Init(logCfg); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()
	appLog := logger.Get()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	infra, err := di.Connect(ctx, cfg, serviceName)
	if err != nil {
		appLog.Fatal(err.Error())
	}
	defer infra.Close()

	repos := di.NewRepositories(infra.DB, infra.Redis)
	infra.LoadScripts(ctx, repos)
	seatService := service.NewSeatService(repos.Seats, repos.Cache, &service.SeatServiceConfig{
		VersionRetries: cfg.Reservation.VersionRetries,
	})

	if all {
		sessions, err = repos.Seats.ListSessions(ctx)
		if err != nil {
			appLog.Fatal(fmt.Sprintf("Failed to list sessions: %v", err))
		}
	}

	failed := rebuild(ctx, seatService, sessions, concurrency)
	appLog.Info(fmt.Sprintf("Cache rebuild finished (sessions=%d failed=%d)", len(sessions), failed))
	if failed > 0 {
		logger.Sync()
		os.Exit(1)
	}
}

// rebuild reprojects each session; one failure does not stop the others
func rebuild(ctx context.Context, seats service.SeatService, sessions []string, concurrency int) int {
	log := logger.Get()
	results := make([]error, len(sessions))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(concurrency, 1))
	for i, sessionID := range sessions {
		g.Go(func() error {
			n, err := seats.RebuildCache(gctx, sessionID)
			results[i] = err
			if err != nil {
				log.Error("Cache rebuild failed", zap.String("session_id", sessionID), zap.Error(err))
				return nil
			}
			log.Info("Cache rebuilt", zap.String("session_id", sessionID), zap.Int("seats", n))
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, err := range results {
		if err != nil {
			failed++
		}
	}
	return failed
}
