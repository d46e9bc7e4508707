package main

import (
	"chat-relay/infrastructure/grpc/server"
	"chat-relay/infrastructure/storage"
	"chat-relay/infrastructure/tcp"
	"chat-relay/internal"
	"chat-relay/protocol"
	"chat-relay/runtime"
	"chat-relay/runtime/workers"
	"chat-relay/services"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Netflix/go-env"
	"github.com/dgraph-io/badger/v4"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
)

// Exit codes to provide meaningful status to the service manager.
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Relay terminated with error: %v\n", err)
	}
	os.Exit(code)
}

// run wires the relay from the environment and blocks until SIGINT or
// SIGTERM. Deferred cleanups run before main exits.
func run() (int, error) {
	// 1. Configuration & Logger
	// A missing .env file is fine: the environment may already be set.
	_ = godotenv.Load()
	var config internal.Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}
	if err := config.Validate(); err != nil {
		return exitConfig, err
	}
	log := logs.GetLoggerFromString(config.LogLevel)

	// 2. Context & Signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Offline store (BadgerDB + staging area)
	db, err := badger.Open(buildBadgerOpts(config, log, ctx))
	if err != nil {
		return exitRuntime, fmt.Errorf("database opening failed: %w", err)
	}
	defer func() {
		log.Info("Closing BadgerDB...")
		_ = db.Close()
	}()

	pendingRepository, err := storage.NewPendingRepository(db, log, config.MaxPendingPerUser)
	if err != nil {
		return exitRuntime, err
	}
	defer func() { _ = pendingRepository.Close() }()
	stagedFileRepository := storage.NewStagedFileRepository(db, log)
	stagingArea, err := storage.NewStagingArea(config.StagingDir, log)
	if err != nil {
		return exitRuntime, err
	}

	// 4. Relay core
	sessions := runtime.NewSessionRegistry(log)
	queue := services.NewOfflineQueue(log, pendingRepository, stagedFileRepository, stagingArea)
	delivery := services.NewDeliveryService(log, sessions, queue)
	groups := runtime.NewGroupRegistry(log, delivery)
	fileRelay := services.NewFileRelay(log, groups, delivery, queue, stagedFileRepository, stagingArea)
	chatService := services.NewChatService(log, sessions, groups, delivery, fileRelay)

	// 5. Supervised workers
	codec := protocol.NewCodec(uint32(config.MaxFrameSize), config.MaxFileSize)
	listener := tcp.NewListener(config.Address(), chatService, codec, tcp.RouterConfig{
		AuthTimeout:  config.AuthTimeout,
		IdleTimeout:  config.IdleTimeout,
		WriteTimeout: config.WriteTimeout,
	}, log)
	stats := services.NewStats(sessions, groups, pendingRepository, listener.Active)

	sup := workers.NewSupervisor(log).WithRestartInterval(config.RestartInterval)
	sup.Add(
		listener,
		workers.NewJanitor(log, queue, config.PendingTTL, config.JanitorInterval),
		workers.NewStatsReporter(log, stats, config.StatsInterval),
	)
	if address := config.HealthAddress(); address != "" {
		health := server.NewHealthServer(address, log)
		listener.OnServing(health.SetServing)
		sup.Add(health)
	}

	// 6. Run until a signal arrives; the listener closes every client
	// connection on its way out.
	log.Info("Starting relay", "address", config.Address(), "staging", config.StagingDir)
	sup.Run(ctx)
	log.Info("Program stopped cleanly", "sessions_left", sessions.CloseAll())
	return exitOK, nil
}

func buildBadgerOpts(config internal.Config, log *slog.Logger, ctx context.Context) badger.Options {
	options := badger.DefaultOptions(config.BadgerFilepath)
	if config.BadgerInMemory {
		options = badger.DefaultOptions("").WithInMemory(true)
	}

	if log.Enabled(ctx, slog.LevelDebug) {
		options = options.WithLoggingLevel(badger.DEBUG)
	} else {
		options = options.WithLoggingLevel(badger.WARNING)
	}
	return options
}
