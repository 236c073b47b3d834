package task

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tiara/engine/internal/callback"
	engerrors "github.com/tiara/engine/internal/errors"
	"github.com/tiara/engine/internal/runstore"
)

// reportTimeout bounds the whole report hand-off; the reporter applies its
// own, shorter HTTP timeout.
const reportTimeout = 30 * time.Second

// Ack is returned to the HTTP caller as soon as a request is queued.
type Ack struct {
	Status string `json:"status"`
	Task   string `json:"task"`
	RunID  string `json:"run_id"`
}

// Observer receives dispatch and run events. metrics.Metrics implements it.
type Observer interface {
	Dispatched(task, outcome string)
	RunStarted(task string)
	RunFinished(task, status string, duration time.Duration)
}

// GateConfig wires a Gate.
type GateConfig struct {
	Registry *Registry
	Executor Executor
	Reporter callback.Reporter
	Store    runstore.Store
	Observer Observer
	// RunTimeout is an overall deadline per run. Zero means none.
	RunTimeout time.Duration
	Logger     zerolog.Logger
}

// Gate looks up handlers, validates task data and hands jobs to the executor.
type Gate struct {
	registry   *Registry
	executor   Executor
	reporter   callback.Reporter
	store      runstore.Store
	observer   Observer
	runTimeout time.Duration
	logger     zerolog.Logger
	newID      func() string
}

func NewGate(cfg GateConfig) *Gate {
	g := &Gate{
		registry:   cfg.Registry,
		executor:   cfg.Executor,
		reporter:   cfg.Reporter,
		store:      cfg.Store,
		observer:   cfg.Observer,
		runTimeout: cfg.RunTimeout,
		logger:     cfg.Logger,
		newID:      uuid.NewString,
	}
	if g.executor == nil {
		g.executor = Inline{}
	}
	if g.reporter == nil {
		g.reporter = callback.Nop{Logger: cfg.Logger}
	}
	if g.store == nil {
		g.store = runstore.NewMemory(0)
	}
	if g.observer == nil {
		g.observer = nopObserver{}
	}
	return g
}

// Dispatch accepts req for asynchronous execution. At most one job is started
// per successful call; errors mean nothing was started.
func (g *Gate) Dispatch(ctx context.Context, req Request) (Ack, error) {
	handler, err := g.registry.Lookup(req.Task)
	if err != nil {
		g.observer.Dispatched(req.Task, "unknown")
		return Ack{}, err
	}
	job, err := handler.Prepare(req)
	if err != nil {
		g.observer.Dispatched(req.Task, "invalid")
		if engerrors.CodeOf(err) != engerrors.ErrCodeValidation {
			err = &engerrors.EngineError{Code: engerrors.ErrCodeValidation, Message: engerrors.ErrValidation.Message, Task: req.Task, Err: err}
		}
		return Ack{}, err
	}

	runID := g.newID()
	logger := g.logger.With().
		Str("run_id", runID).
		Str("task", req.Task).
		Int64("log_id", req.LogID).
		Logger()

	if err := g.store.Accept(ctx, runstore.Record{ID: runID, LogID: req.LogID, Task: req.Task}); err != nil {
		logger.Error().Err(err).Msg("failed to record accepted run")
	}

	if err := g.executor.Submit(func() { g.execute(runID, req, job, logger) }); err != nil {
		g.observer.Dispatched(req.Task, "rejected")
		if ferr := g.store.Finish(ctx, runID, runstore.StatusFailed, "rejected: "+err.Error()); ferr != nil {
			logger.Error().Err(ferr).Msg("failed to record rejected run")
		}
		return Ack{}, err
	}

	g.observer.Dispatched(req.Task, "accepted")
	logger.Info().Msg("task accepted")
	return Ack{Status: "accepted", Task: req.Task, RunID: runID}, nil
}

// execute runs job and always attempts exactly one report.
func (g *Gate) execute(runID string, req Request, job Job, logger zerolog.Logger) {
	start := time.Now()
	g.observer.RunStarted(req.Task)

	runCtx := context.Background()
	var cancel context.CancelFunc = func() {}
	if g.runTimeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, g.runTimeout)
	}
	runCtx = logger.WithContext(runCtx)
	result := safeRun(runCtx, job, logger)
	cancel()

	if result.Status != StatusSuccess && result.Status != StatusFailed {
		result.Status = StatusFailed
	}
	logger.Info().
		Str("status", string(result.Status)).
		Dur("elapsed", time.Since(start)).
		Msg("run finished")

	reportCtx, reportCancel := context.WithTimeout(context.Background(), reportTimeout)
	defer reportCancel()
	g.reporter.Report(reportCtx, callback.Report{
		LogID:     req.LogID,
		Status:    string(result.Status),
		OutputLog: result.Output,
	})

	if err := g.store.Finish(reportCtx, runID, string(result.Status), result.Output); err != nil {
		logger.Error().Err(err).Msg("failed to record run result")
	}
	g.observer.RunFinished(req.Task, string(result.Status), time.Since(start))
}

func safeRun(ctx context.Context, job Job, logger zerolog.Logger) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Str("panic", fmt.Sprint(r)).
				Bytes("stack", debug.Stack()).
				Msg("job panicked")
			result = Failed(fmt.Sprintf("CRITICAL ERROR: %v", r))
		}
	}()
	return job(ctx)
}

type nopObserver struct{}

func (nopObserver) Dispatched(string, string)                {}
func (nopObserver) RunStarted(string)                        {}
func (nopObserver) RunFinished(string, string, time.Duration) {}
