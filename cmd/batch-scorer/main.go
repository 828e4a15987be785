// Command batch-scorer serves the batch scoring orchestrator over HTTP for the
// dashboard: it starts and stops batch runs, reports progress and loads
// single reports.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/NikhilGogu/Sustainability-Signals-sub002/internal/config"
	"github.com/NikhilGogu/Sustainability-Signals-sub002/pkg/cache"
	"github.com/NikhilGogu/Sustainability-Signals-sub002/pkg/catalog"
	"github.com/NikhilGogu/Sustainability-Signals-sub002/pkg/client"
	"github.com/NikhilGogu/Sustainability-Signals-sub002/pkg/logging"
	"github.com/NikhilGogu/Sustainability-Signals-sub002/pkg/orchestrator"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal().Err(err).Msg("batch-scorer failed")
	}
}

func run(args []string) error {
	flags := flag.NewFlagSet("batch-scorer", flag.ContinueOnError)
	configPath := flags.String("config", "", "path to the YAML configuration file")
	envFile := flags.String("env-file", ".env", "path to a .env file, ignored when missing")
	addr := flags.String("addr", "", "listen address (overrides config)")
	catalogPath := flags.String("catalog", "", "report catalog file (overrides config)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if err := config.LoadEnvFile(*envFile); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *catalogPath != "" {
		cfg.CatalogPath = *catalogPath
	}

	logging.Setup(cfg.LoggingConfig())
	logger := logging.NewLogger("batch-scorer")

	reports := catalog.New(nil)
	if cfg.CatalogPath != "" {
		if reports, err = catalog.Load(cfg.CatalogPath); err != nil {
			return err
		}
	}
	logger.Info().Int("reports", reports.Len()).Str("catalog", cfg.CatalogPath).Msg("Catalog loaded")

	scoring, err := client.New(cfg.ClientConfig())
	if err != nil {
		return fmt.Errorf("create scoring client: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, ready, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	orch, err := orchestrator.New(scoring, store, cfg.OrchestratorConfig())
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: newServer(orch, reports, cfg.Settings(), ready).routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", cfg.Server.Addr).
			Str("scoring_url", cfg.Scoring.BaseURL).
			Int("version", cfg.Scoring.Version).
			Msg("Starting batch scorer")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down")
	orch.Stop()
	orch.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// openStore returns the item table: Redis when configured, otherwise memory.
// ready reports whether the table's backend is reachable.
func openStore(ctx context.Context, cfg config.Config) (store cache.Store, ready func(context.Context) error, closeFn func(), err error) {
	if cfg.Store.RedisURL == "" {
		mem := cache.NewMemoryStore(cfg.Store.TTL)
		return mem, func(context.Context) error { return nil }, mem.Close, nil
	}

	opts, err := redis.ParseURL(cfg.Store.RedisURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	redisClient := redis.NewClient(opts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		redisClient.Close()
		return nil, nil, nil, fmt.Errorf("connect to redis: %w", err)
	}
	log.Info().Str("addr", opts.Addr).Int("db", opts.DB).Msg("Connected to Redis")

	ping := func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	return cache.NewRedisStore(redisClient, cfg.RedisConfig()), ping, func() { redisClient.Close() }, nil
}
