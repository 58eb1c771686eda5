// evalcore runs the HTTP edge: Definition Store and Execution Store
// read/write endpoints plus the SSE event stream. It never runs an
// Execution itself — that is cmd/evalworker's job — so this process can be
// scaled independently of worker capacity.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/evalcore/orchestrator/pkg/api"
	"github.com/evalcore/orchestrator/pkg/config"
	"github.com/evalcore/orchestrator/pkg/database"
	"github.com/evalcore/orchestrator/pkg/definitionstore"
	"github.com/evalcore/orchestrator/pkg/events"
	"github.com/evalcore/orchestrator/pkg/executionstore"
	"github.com/evalcore/orchestrator/pkg/orchestrator"
)

// exit codes, documented in SPEC_FULL.md §6.
const (
	exitOK            = 0
	exitConfigError   = 64
	exitInternalError = 70
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Printf("failed to load configuration: %v", err)
		return exitConfigError
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbClient, err := database.NewClient(ctx, cfg.DBURL, database.PoolConfigFromEnv())
	if err != nil {
		log.Printf("failed to connect to database: %v", err)
		return exitInternalError
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			log.Printf("error closing database client: %v", err)
		}
	}()
	log.Println("connected to PostgreSQL database")

	defStore := definitionstore.New(dbClient.DB())
	execStore := executionstore.New(dbClient.DB())
	broker := events.NewBroker()
	publisher := events.NewPublisher(broker)

	orch := orchestrator.New(execStore, defStore)
	orch.AttachPublisher(publisher)

	server := api.NewServer(cfg, dbClient, defStore, execStore, orch, nil, broker)

	errCh := make(chan error, 1)
	go func() {
		log.Printf("HTTP server listening on :%s", cfg.HTTPPort)
		if err := server.Start(":" + cfg.HTTPPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received signal %s, shutting down", sig)
	case err := <-errCh:
		log.Printf("HTTP server error: %v", err)
		return exitInternalError
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("error during shutdown: %v", err)
		return exitInternalError
	}
	return exitOK
}
