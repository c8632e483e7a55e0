// Command indexer runs the ICRC ledger indexer: one sync coordinator per
// configured token, plus the read-only query API server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/withobsrvr/icrc-indexer/internal/admin"
	"github.com/withobsrvr/icrc-indexer/internal/api"
	"github.com/withobsrvr/icrc-indexer/internal/config"
	"github.com/withobsrvr/icrc-indexer/internal/ledger"
	"github.com/withobsrvr/icrc-indexer/internal/logging"
	"github.com/withobsrvr/icrc-indexer/internal/model"
	"github.com/withobsrvr/icrc-indexer/internal/store"
	"github.com/withobsrvr/icrc-indexer/internal/syncer"
)

// Exit codes named in spec §6.
const (
	exitOK           = 0
	exitConfigError  = 1
	exitStoreError   = 2
	exitFatalSyncErr = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "indexer.toml", "Path to TOML config file")
	reset := flag.Bool("reset", false, "Reset all configured tokens before starting sync")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfigError
	}

	logger, err := logging.New(logging.Config{
		Level:        cfg.Log.Level,
		ConsoleLevel: cfg.Log.ConsoleLevel,
		File:         cfg.Log.File,
		FileEnabled:  cfg.Log.FileEnabled,
		MaxSize:      cfg.Log.MaxSize,
		MaxFiles:     cfg.Log.MaxFiles,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		return exitConfigError
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoDBURL))
	if err != nil {
		logger.Error("failed to connect to mongodb", zap.Error(err))
		return exitStoreError
	}
	defer mongoClient.Disconnect(context.Background())

	if err := mongoClient.Ping(ctx, nil); err != nil {
		logger.Error("mongodb ping failed", zap.Error(err))
		return exitStoreError
	}

	db := mongoClient.Database(cfg.Database)
	s := store.NewMongoStore(db)

	if *reset {
		symbols := make([]string, 0, len(cfg.Tokens))
		for _, t := range cfg.Tokens {
			symbols = append(symbols, t.Symbol)
		}
		logger.Info("resetting configured tokens", zap.Strings("tokens", symbols))
		if err := admin.ResetAll(ctx, s, symbols); err != nil {
			logger.Error("reset failed", zap.Error(err))
			return exitStoreError
		}
	}

	agentClient, err := ledger.NewAgentClient(cfg.ICURL, logger)
	if err != nil {
		logger.Error("failed to build ledger client", zap.Error(err))
		return exitConfigError
	}

	sessionID := uuid.New().String()
	owner := fmt.Sprintf("%s:%d:%s", hostname(), os.Getpid(), sessionID)
	lease := cfg.Sync.Lease()

	coordinators := make([]*syncer.Coordinator, 0, len(cfg.Tokens))
	for _, t := range cfg.Tokens {
		if err := s.EnsureIndexes(ctx, t.Symbol); err != nil {
			logger.Error("failed to ensure indexes", zap.String("token", t.Symbol), zap.Error(err))
			return exitStoreError
		}
		decimals := 0
		if t.Decimals != nil {
			decimals = *t.Decimals
		}
		desc := model.TokenDescriptor{Symbol: t.Symbol, Name: t.Name, CanisterID: t.CanisterID, Decimals: uint32(decimals)}
		coordinators = append(coordinators, syncer.New(desc, agentClient, s, logger, owner, lease))
	}
	manager := syncer.NewManager(coordinators)

	apiServer := api.New(s, manager, logger)
	if cfg.APIServer.CORSEnabled {
		apiServer.EnableCORS()
	}

	var httpServer *http.Server
	if cfg.APIServer.IsEnabled() {
		httpServer = &http.Server{Addr: cfg.APIServer.Addr(), Handler: apiServer.Handler()}
		go func() {
			logger.Info("query api listening", zap.String("addr", cfg.APIServer.Addr()))
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("query api server failed", zap.Error(err))
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		manager.Run(ctx)
		close(done)
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("query api shutdown error", zap.Error(err))
		}
	}

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logger.Warn("coordinators did not drain within timeout")
	}

	return exitOK
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown-host"
	}
	return h
}
