// Package app wires a workspace together: configuration, database,
// stakeholders and engines, plus background execution of runs.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"curricula/internal/config"
	"curricula/internal/db"
	"curricula/internal/domain"
	"curricula/internal/engine"
	"curricula/internal/events"
	"curricula/internal/migrate"
	"curricula/internal/observability"
	"curricula/internal/repo"
	"curricula/internal/stakeholder"
)

type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/curricula.yml.
	ConfigPath string
	Logger     *slog.Logger
	Metrics    *observability.Instruments
	HTTPClient *http.Client
}

// Context is an opened workspace.
type Context struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Repo      repo.Repo
	Logger    *slog.Logger
	Metrics   *observability.Instruments
	client    *http.Client
}

// Open loads the workspace configuration and opens the migrated database. A
// workspace without curricula.yml runs with the defaults.
func Open(ctx context.Context, opts Options) (*Context, error) {
	ws := opts.Workspace
	if ws == "" {
		ws = "."
	}
	var (
		cfg *config.Config
		err error
	)
	if opts.ConfigPath != "" {
		cfg, err = config.FromFile(opts.ConfigPath)
	} else {
		cfg, err = config.LoadOptional(ws)
	}
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: ws})
	if err != nil {
		return nil, err
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &Context{
		Workspace: ws,
		Config:    cfg,
		DB:        conn,
		Repo:      repo.Repo{DB: conn},
		Logger:    logger,
		Metrics:   opts.Metrics,
		client:    client,
	}, nil
}

func (c *Context) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}
	return c.DB.Close()
}

// Engine builds an engine for cfg whose progress is recorded in the workspace
// database on behalf of actorID. A nil cfg uses the workspace configuration.
func (c *Context) Engine(cfg *config.Config, actorID string) (engine.Engine, error) {
	if cfg == nil {
		cfg = c.Config
	}
	if err := cfg.Validate(); err != nil {
		return engine.Engine{}, err
	}
	list, err := stakeholder.FromConfig(cfg, c.client, c.Logger.With("component", "stakeholder"))
	if err != nil {
		return engine.Engine{}, err
	}
	eng, err := engine.New(cfg, list)
	if err != nil {
		return engine.Engine{}, err
	}
	raw, err := cfg.Marshal()
	if err != nil {
		return engine.Engine{}, fmt.Errorf("marshal config: %w", err)
	}
	eng.Logger = c.Logger.With("component", "engine")
	eng.Metrics = c.Metrics
	eng.Recorder = repo.RunRecorder{
		Repo:       c.Repo,
		Events:     events.Writer{},
		ConfigYAML: string(raw),
		ActorID:    actorID,
	}
	return eng, nil
}

// Overrides adjusts optimization settings for a single run. Zero values keep
// the configured setting.
type Overrides struct {
	MaxRounds      int
	Threshold      *float64
	Epsilon        *float64
	PerCallTimeout time.Duration
	Major          string
}

// Apply returns a copy of cfg with the overrides applied.
func (o Overrides) Apply(cfg *config.Config) *config.Config {
	out := *cfg
	if o.MaxRounds > 0 {
		out.Optimization.MaxRounds = o.MaxRounds
	}
	if o.Threshold != nil {
		out.Optimization.ConvergenceThreshold = *o.Threshold
	}
	if o.Epsilon != nil {
		out.Optimization.StagnationEpsilon = *o.Epsilon
	}
	if o.PerCallTimeout > 0 {
		out.Optimization.PerCallTimeout = config.Duration(o.PerCallTimeout)
	}
	if strings.TrimSpace(o.Major) != "" {
		out.Run.Major = o.Major
	}
	return &out
}

// PrepareBaseline fills run metadata from cfg where the document leaves it
// empty, then recomputes and validates the document.
func PrepareBaseline(cfg *config.Config, doc domain.Document) (domain.Document, error) {
	doc = doc.Clone()
	if doc.Metadata.Major == "" {
		doc.Metadata.Major = cfg.Run.Major
	}
	if doc.Metadata.Degree == "" {
		doc.Metadata.Degree = cfg.Run.Degree
	}
	if len(doc.Metadata.TargetPositions) == 0 {
		doc.Metadata.TargetPositions = append([]string(nil), cfg.Run.TargetPositions...)
	}
	doc.Recompute()
	if err := doc.Validate(); err != nil {
		return domain.Document{}, err
	}
	return doc, nil
}

// Launcher executes runs in the background for the HTTP API.
type Launcher struct {
	app     *Context
	ctx     context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewLauncher(app *Context) *Launcher {
	ctx, stop := context.WithCancel(context.Background())
	return &Launcher{app: app, ctx: ctx, stop: stop, cancels: map[string]context.CancelFunc{}}
}

// Launch validates the request, stores the run as queued and starts it. The
// returned run is the queued record.
func (l *Launcher) Launch(ctx context.Context, cfg *config.Config, doc domain.Document, actorID string) (domain.Run, error) {
	if cfg == nil {
		cfg = l.app.Config
	}
	baseline, err := PrepareBaseline(cfg, doc)
	if err != nil {
		return domain.Run{}, err
	}
	eng, err := l.app.Engine(cfg, actorID)
	if err != nil {
		return domain.Run{}, err
	}
	runID := uuid.NewString()
	eng.NewRunID = func() string { return runID }
	now := time.Now().UTC().Format(time.RFC3339)
	run := domain.Run{
		ID:        runID,
		Major:     baseline.Metadata.Major,
		Status:    domain.RunQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.app.Repo.UpsertRun(ctx, nil, run, ""); err != nil {
		return domain.Run{}, fmt.Errorf("queue run: %w", err)
	}

	runCtx, cancel := context.WithCancel(l.ctx)
	l.mu.Lock()
	l.cancels[runID] = cancel
	l.mu.Unlock()
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer l.forget(runID)
		log := l.app.Logger.With("run", runID)
		rep, err := eng.Start(runCtx, baseline)
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled):
			log.Info("run cancelled", "rounds", rep.Rounds)
		case rep.RunID == "":
			log.Error("run aborted", "err", err)
			l.abort(runID, err)
		default:
			log.Warn("run failed", "err", err, "rounds", rep.Rounds)
		}
	}()
	return run, nil
}

// abort closes a run that stopped before its first record was written.
func (l *Launcher) abort(runID string, cause error) {
	err := l.app.Repo.UpdateRun(context.Background(), nil, domain.Run{
		ID:         runID,
		Status:     domain.RunFinished,
		Outcome:    string(domain.OutcomeFailed),
		StopReason: string(domain.StopInconsistent),
		Error:      cause.Error(),
		UpdatedAt:  time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		l.app.Logger.Error("close aborted run", "run", runID, "err", err)
	}
}

func (l *Launcher) forget(runID string) {
	l.mu.Lock()
	if cancel, ok := l.cancels[runID]; ok {
		cancel()
		delete(l.cancels, runID)
	}
	l.mu.Unlock()
}

// Cancel stops an active run. It reports false when the run is not active.
func (l *Launcher) Cancel(runID string) bool {
	l.mu.Lock()
	cancel, ok := l.cancels[runID]
	l.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Wait blocks until every launched run has finished.
func (l *Launcher) Wait() {
	l.wg.Wait()
}

// Shutdown cancels active runs and waits for them to record their final
// state, or for ctx to end.
func (l *Launcher) Shutdown(ctx context.Context) error {
	l.stop()
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
