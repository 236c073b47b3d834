package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tiara/engine/internal/callback"
	"github.com/tiara/engine/internal/config"
	"github.com/tiara/engine/internal/connectors"
	"github.com/tiara/engine/internal/docparse"
	"github.com/tiara/engine/internal/envelope"
	"github.com/tiara/engine/internal/guard"
	"github.com/tiara/engine/internal/logging"
	"github.com/tiara/engine/internal/metrics"
	"github.com/tiara/engine/internal/remote"
	"github.com/tiara/engine/internal/runstore"
	"github.com/tiara/engine/internal/server"
	"github.com/tiara/engine/internal/ssldeploy"
	"github.com/tiara/engine/internal/task"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server and worker pool",
	Long: `Start the HTTP server and worker pool.

Configuration is read from the environment (and .env), optionally layered
over the file named by ENGINE_CONFIG.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// engine is the wired process: HTTP handler plus everything that needs an
// orderly shutdown.
type engine struct {
	handler http.Handler
	pool    *task.Pool
	closers []func()
}

func (e *engine) close(ctx context.Context, logger zerolog.Logger) {
	if err := e.pool.Close(ctx); err != nil {
		logger.Warn().Err(err).Msg("worker pool did not drain before shutdown deadline")
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

func newRegistry(ssl *ssldeploy.Handler, doc *docparse.Handler) *task.Registry {
	reg := task.NewRegistry()
	reg.MustRegister(ssldeploy.TaskName, ssl)
	reg.MustRegister(docparse.TaskName, doc)
	return reg
}

func buildEngine(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*engine, error) {
	cipher, err := envelope.NewCipher(cfg.SyncKey)
	if err != nil {
		return nil, err
	}

	var reporter callback.Reporter
	if cfg.WebhookURL == "" {
		logger.Warn().Msg("TIARA_WEBHOOK_URL not set; run reports are only logged")
		reporter = callback.Nop{Logger: logging.Component("callback")}
	} else {
		client, err := callback.NewClient(cfg.WebhookURL, cfg.WebhookSecret,
			&http.Client{Timeout: cfg.CallbackTimeout}, logging.Component("callback"))
		if err != nil {
			return nil, err
		}
		reporter = client
	}

	e := &engine{}
	var store runstore.Store = runstore.NewMemory(cfg.RunHistory)
	if cfg.PostgresDSN != "" {
		pg, err := runstore.NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, pg.Close)
		store = pg
		logger.Info().Msg("run history stored in postgres")
	}

	checker := guard.NewFromEnv()
	if checker == nil {
		logger.Warn().Msg("pre-flight guard disabled")
	}
	sources := connectors.LoadFromEnv(ctx, logging.Component("connectors"))

	reg := newRegistry(
		ssldeploy.NewHandler(ssldeploy.Config{
			Dialer:         remote.NewSSHDialer(cfg.SSHKnownHosts, logging.Component("remote")),
			Guard:          checker,
			StagingDir:     cfg.StagingDir,
			ConnectTimeout: cfg.SSHConnectTimeout,
			Logger:         logging.Component("ssldeploy"),
		}),
		docparse.NewHandler(sources, logging.Component("docparse")),
	)

	m := metrics.New()
	e.pool = task.NewPool(cfg.Workers, cfg.QueueSize, logging.Component("pool"))
	gate := task.NewGate(task.GateConfig{
		Registry:   reg,
		Executor:   e.pool,
		Reporter:   reporter,
		Store:      store,
		Observer:   m,
		RunTimeout: cfg.RunTimeout,
		Logger:     logging.Component("gate"),
	})
	e.handler = server.New(server.Config{
		Opener:     cipher,
		Dispatcher: gate,
		Store:      store,
		Metrics:    m,
		Secret:     cfg.WebhookSecret,
		Logger:     logging.Component("http"),
	}).Routes()

	logger.Info().
		Strs("tasks", reg.Names()).
		Strs("sources", sources.Schemes()).
		Int("workers", cfg.Workers).
		Int("queue", cfg.QueueSize).
		Msg("engine wired")
	return e, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.Setup(cfg.LogLevel, cfg.LogDir)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           e.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Str("app", cfg.AppName).Msg("engine HTTP listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown requested")
	case err := <-errCh:
		if err != nil {
			e.close(context.Background(), logger)
			return fmt.Errorf("http server exited: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	e.close(shutdownCtx, logger)
	logger.Info().Msg("engine stopped")
	return nil
}
