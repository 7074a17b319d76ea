// Package engine runs optimization rounds: concurrent stakeholder evaluation
// followed by detection, mediation, application and the convergence check.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"curricula/internal/config"
	"curricula/internal/conflict"
	"curricula/internal/constraint"
	"curricula/internal/convergence"
	"curricula/internal/domain"
	"curricula/internal/mediate"
	"curricula/internal/observability"
	"curricula/internal/optimizer"
	"curricula/internal/report"
	"curricula/internal/stakeholder"
)

// ErrTerminated is returned when a round is requested on a finished state.
var ErrTerminated = errors.New("optimization state is terminated")

// Recorder persists run progress. Errors are logged and do not stop a run.
type Recorder interface {
	RunStarted(ctx context.Context, state *domain.State) error
	RoundCommitted(ctx context.Context, state *domain.State) error
	RunFinished(ctx context.Context, state *domain.State, rep domain.Report) error
}

type Engine struct {
	Config       *config.Config
	Stakeholders []stakeholder.Stakeholder
	Detector     conflict.Detector
	Mediator     mediate.Mediator
	Optimizer    optimizer.Optimizer
	Checker      convergence.Checker
	Recorder     Recorder
	Metrics      *observability.Instruments
	Logger       *slog.Logger
	Now          func() time.Time
	NewRunID     func() string
}

// New validates the configuration, compiles its constraints and binds the
// stakeholders. Every configured stakeholder needs exactly one evaluator.
func New(cfg *config.Config, stakeholders []stakeholder.Stakeholder) (Engine, error) {
	if cfg == nil {
		return Engine{}, &config.Error{Field: "config", Message: "is required"}
	}
	if err := cfg.Validate(); err != nil {
		return Engine{}, err
	}
	set, err := constraint.Compile(cfg.Constraints)
	if err != nil {
		return Engine{}, err
	}
	weights := cfg.Weights()
	bound := make([]stakeholder.Stakeholder, 0, len(stakeholders))
	seen := map[string]bool{}
	for _, s := range stakeholders {
		w, ok := weights[s.ID]
		switch {
		case !ok:
			return Engine{}, &config.Error{Field: "stakeholders", Message: "stakeholder " + s.ID + " is not configured"}
		case seen[s.ID]:
			return Engine{}, &config.Error{Field: "stakeholders", Message: "duplicate stakeholder " + s.ID}
		case s.Evaluator == nil:
			return Engine{}, &config.Error{Field: "stakeholders", Message: "stakeholder " + s.ID + " has no evaluator"}
		}
		seen[s.ID] = true
		s.Weight = w
		bound = append(bound, s)
	}
	for _, s := range cfg.Stakeholders {
		if !seen[s.ID] {
			return Engine{}, &config.Error{Field: "stakeholders", Message: "stakeholder " + s.ID + " has no evaluator"}
		}
	}
	o := cfg.Optimization
	return Engine{
		Config:       cfg,
		Stakeholders: bound,
		Detector:     conflict.Detector{Constraints: set},
		Mediator:     mediate.Mediator{FeasibilityMargin: o.FeasibilityMargin, Constraints: set},
		Optimizer:    optimizer.Optimizer{Constraints: set},
		Checker: convergence.Checker{
			Weights:   weights,
			Threshold: o.ConvergenceThreshold,
			Epsilon:   o.StagnationEpsilon,
			MaxRounds: o.MaxRounds,
		},
		Now:      time.Now,
		NewRunID: uuid.NewString,
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default().With("component", "engine")
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// Start validates the baseline and runs rounds until the state terminates.
// A cancelled context yields a report on the last committed round together
// with the context error. A failed run returns its report and the apply
// error.
func (e Engine) Start(ctx context.Context, baseline domain.Document) (domain.Report, error) {
	doc := baseline.Clone()
	doc.Recompute()
	if err := doc.Validate(); err != nil {
		return domain.Report{}, fmt.Errorf("baseline: %w", err)
	}
	digest, err := doc.Digest()
	if err != nil {
		return domain.Report{}, fmt.Errorf("baseline digest: %w", err)
	}
	runID := uuid.NewString()
	if e.NewRunID != nil {
		runID = e.NewRunID()
	}
	state := domain.NewState(runID, doc, digest, e.timestamp())
	log := e.logger().With("run", runID)
	log.InfoContext(ctx, "run started", "courses", len(doc.Courses), "credits", doc.TotalCredits, "stakeholders", len(e.Stakeholders))
	if e.Recorder != nil {
		e.record(ctx, "run started", func(rctx context.Context) error { return e.Recorder.RunStarted(rctx, state) })
	}

	var runErr error
	for !state.Terminated {
		next, err := e.RunRound(ctx, state)
		if err != nil {
			if ctx.Err() != nil {
				state = cancelled(state)
				runErr = err
				break
			}
			if next == nil || !next.Terminated {
				next = e.fail(ctx, state, state.Round+1, time.Now(), err, nil, nil, nil, nil)
			}
			state = next
			runErr = err
			break
		}
		state = next
		if e.Recorder != nil {
			e.record(ctx, "round committed", func(rctx context.Context) error { return e.Recorder.RoundCommitted(rctx, state) })
		}
	}

	rep := report.Build(state, e.now())
	log.InfoContext(ctx, "run finished", "outcome", rep.Outcome, "reason", rep.StopReason, "rounds", rep.Rounds)
	if e.Recorder != nil {
		e.record(ctx, "run finished", func(rctx context.Context) error { return e.Recorder.RunFinished(rctx, state, rep) })
	}
	return rep, runErr
}

func cancelled(state *domain.State) *domain.State {
	next := state.Next()
	next.Terminated = true
	next.Outcome = domain.OutcomeCancelled
	next.StopReason = domain.StopCancelled
	return next
}

// record runs a recorder call outside the run's cancellation so the final
// state is persisted even when the run was cancelled.
func (e Engine) record(ctx context.Context, what string, fn func(context.Context) error) {
	if err := fn(context.WithoutCancel(ctx)); err != nil {
		e.logger().ErrorContext(ctx, "record "+what, "err", err)
	}
}

type evaluation struct {
	result      domain.StakeholderResult
	suggestions []domain.Suggestion
}

// RunRound executes one round and returns the next state. The input state is
// never modified. On a cancelled context the round is discarded and the input
// state is returned with the context error. When the mediated change-set
// cannot be applied or committed, the returned state is terminated as failed
// at the previous version and the error describes the offending action.
func (e Engine) RunRound(ctx context.Context, state *domain.State) (*domain.State, error) {
	if state == nil {
		return nil, errors.New("nil state")
	}
	if state.Terminated {
		return state, ErrTerminated
	}
	if state.Round >= e.Config.Optimization.MaxRounds {
		return state, fmt.Errorf("round %d: max rounds %d reached", state.Round+1, e.Config.Optimization.MaxRounds)
	}
	if err := ctx.Err(); err != nil {
		return state, err
	}

	n := state.Round + 1
	started := time.Now()
	startedAt := e.timestamp()
	doc := state.Current()
	log := e.logger().With("run", state.RunID, "round", n)

	evals := e.collect(ctx, state, n, doc)
	if err := ctx.Err(); err != nil {
		log.WarnContext(ctx, "round discarded", "err", err)
		return state, err
	}

	suggestions, rejected := e.normalize(n, doc, evals)
	carried, stale := e.carry(doc, state.Deferred)
	suggestions = append(suggestions, carried...)
	rejected = append(rejected, stale...)
	domain.SortCanonical(suggestions)

	conflicts := e.Detector.Detect(doc, suggestions)
	for _, c := range conflicts {
		e.Metrics.ConflictDetected(ctx, string(c.Kind), string(c.Severity))
	}

	sol, err := e.Mediator.Mediate(doc, suggestions, conflicts)
	if err != nil {
		return e.fail(ctx, state, n, started, err, nil, suggestions, conflicts, nil), fmt.Errorf("round %d: %w", n, err)
	}
	committed, err := e.Optimizer.Apply(doc, sol)
	if err != nil {
		var inconsistent *optimizer.InconsistentDocumentError
		var action *domain.Action
		if errors.As(err, &inconsistent) {
			action = inconsistent.Action
		}
		return e.fail(ctx, state, n, started, err, action, suggestions, conflicts, &sol), fmt.Errorf("round %d: %w", n, err)
	}
	committed.Version = n
	digest, err := committed.Digest()
	if err != nil {
		err = fmt.Errorf("digest: %w", err)
		return e.fail(ctx, state, n, started, err, nil, suggestions, conflicts, &sol), fmt.Errorf("round %d: %w", n, err)
	}

	pending, expired := e.age(sol.Deferred)
	results := make([]domain.StakeholderResult, len(evals))
	satisfaction := make(map[string]float64, len(evals))
	for i, ev := range evals {
		results[i] = ev.result
		satisfaction[ev.result.StakeholderID] = ev.result.Satisfaction
	}
	consensus, _ := conflict.Alignment(suggestions)
	history := state.MetricsHistory()
	metrics := e.Checker.Measure(history, convergence.Observation{
		Round:            n,
		Satisfaction:     satisfaction,
		SuggestionVolume: len(suggestions),
		ConflictCount:    len(conflicts),
		Delta:            len(sol.Actions),
		Pending:          len(pending),
		Consensus:        consensus,
	})
	decision := e.Checker.Check(append(history, metrics))

	next := state.Next()
	next.Round = n
	next.Versions = append(next.Versions, committed)
	next.Digests = append(next.Digests, digest)
	next.Rounds = append(next.Rounds, domain.Round{
		Number:       n,
		StartedAt:    startedAt,
		FinishedAt:   e.timestamp(),
		Stakeholders: results,
		Rejected:     rejected,
		Suggestions:  suggestions,
		Conflicts:    conflicts,
		Solution:     sol,
		Expired:      expired,
		Metrics:      metrics,
		Digest:       digest,
		Decision:     decision,
	})
	next.Deferred = pending
	if decision.Stop {
		next.Terminated = true
		next.Outcome = decision.Outcome
		next.StopReason = decision.Reason
	}

	e.Metrics.RoundFinished(ctx, string(decision.Outcome), time.Since(started), len(sol.Actions))
	log.InfoContext(ctx, "round committed",
		"suggestions", len(suggestions),
		"conflicts", len(conflicts),
		"actions", len(sol.Actions),
		"deferred", len(pending),
		"aggregate", metrics.Aggregate,
		"stop", decision.Stop,
		"reason", decision.Reason,
	)
	return next, nil
}

func (e Engine) fail(ctx context.Context, state *domain.State, n int, started time.Time, err error, action *domain.Action, suggestions []domain.Suggestion, conflicts []domain.Conflict, sol *domain.Solution) *domain.State {
	next := state.Next()
	next.Terminated = true
	next.Outcome = domain.OutcomeFailed
	next.StopReason = domain.StopInconsistent
	next.Failure = &domain.Failure{
		Round:       n,
		Error:       err.Error(),
		Action:      action,
		Suggestions: suggestions,
		Conflicts:   conflicts,
		Solution:    sol,
	}
	e.Metrics.RoundFinished(ctx, string(domain.OutcomeFailed), time.Since(started), 0)
	e.logger().ErrorContext(ctx, "round failed", "run", state.RunID, "round", n, "err", err)
	return next
}

// collect fans out one evaluation per stakeholder. Each call gets its own
// deadline and document snapshot; results keep stakeholder order.
func (e Engine) collect(ctx context.Context, state *domain.State, n int, doc domain.Document) []evaluation {
	out := make([]evaluation, len(e.Stakeholders))
	var g errgroup.Group
	g.SetLimit(e.Config.Parallelism())
	for i, sh := range e.Stakeholders {
		prev, ok := lastSatisfaction(state, sh.ID)
		g.Go(func() error {
			out[i] = e.evaluate(ctx, sh, n, doc.Clone(), prev, ok)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

type reply struct {
	ev  stakeholder.Evaluation
	err error
}

func (e Engine) evaluate(ctx context.Context, sh stakeholder.Stakeholder, n int, snapshot domain.Document, prev float64, hasPrev bool) evaluation {
	ctx, cancel := context.WithTimeout(ctx, e.Config.Optimization.PerCallTimeout.Std())
	defer cancel()

	ec := stakeholder.Context{
		StakeholderID:   sh.ID,
		Round:           n,
		Major:           e.Config.Run.Major,
		TargetPositions: e.Config.Run.TargetPositions,
	}
	if ec.Major == "" {
		ec.Major = snapshot.Metadata.Major
	}
	if hasPrev {
		ec.PreviousSatisfaction = &prev
	}

	started := time.Now()
	ch := make(chan reply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- reply{err: &stakeholder.EvaluationError{Stakeholder: sh.ID, Err: fmt.Errorf("panic: %v", r)}}
			}
		}()
		ev, err := sh.Evaluator.Evaluate(ctx, snapshot, ec)
		ch <- reply{ev: ev, err: err}
	}()

	var r reply
	select {
	case r = <-ch:
	case <-ctx.Done():
		r = reply{err: ctx.Err()}
	}
	if r.err == nil && (math.IsNaN(r.ev.Satisfaction) || math.IsInf(r.ev.Satisfaction, 0)) {
		r.err = &stakeholder.EvaluationError{Stakeholder: sh.ID, Err: fmt.Errorf("satisfaction %v is not a number in [0,1]", r.ev.Satisfaction)}
	}

	res := domain.StakeholderResult{
		StakeholderID: sh.ID,
		Status:        domain.EvaluationOK,
		DurationMS:    time.Since(started).Milliseconds(),
	}
	if r.err != nil {
		res.Status = domain.EvaluationError
		if errors.Is(r.err, stakeholder.ErrEvaluationTimeout) || errors.Is(r.err, context.DeadlineExceeded) {
			res.Status = domain.EvaluationTimeout
		}
		res.Error = r.err.Error()
		res.Satisfaction = prev
		res.Carried = true
		e.Metrics.StakeholderFailed(ctx, sh.ID, string(res.Status))
		e.logger().WarnContext(ctx, "stakeholder evaluation failed", "stakeholder", sh.ID, "round", n, "status", res.Status, "err", r.err)
		return evaluation{result: res}
	}
	res.Satisfaction = clamp(r.ev.Satisfaction)
	return evaluation{result: res, suggestions: r.ev.Suggestions}
}

// lastSatisfaction returns the satisfaction of the stakeholder's most recent
// successful evaluation.
func lastSatisfaction(state *domain.State, id string) (float64, bool) {
	for i := len(state.Rounds) - 1; i >= 0; i-- {
		for _, r := range state.Rounds[i].Stakeholders {
			if r.StakeholderID == id && r.Status == domain.EvaluationOK {
				return r.Satisfaction, true
			}
		}
	}
	return 0, false
}

// normalize assigns round-scoped ids and drops suggestions that are malformed
// or cannot apply to the current document.
func (e Engine) normalize(n int, doc domain.Document, evals []evaluation) ([]domain.Suggestion, []domain.Rejection) {
	var out []domain.Suggestion
	var rejected []domain.Rejection
	for i := range evals {
		ev := &evals[i]
		id := ev.result.StakeholderID
		for j, s := range ev.suggestions {
			s.ID = fmt.Sprintf("r%d-%s-%03d", n, id, j+1)
			s.StakeholderID = id
			s.Deferrals = 0
			if err := applicable(doc, s); err != nil {
				rejected = append(rejected, domain.Rejection{StakeholderID: id, Index: j, Reason: err.Error()})
				ev.result.Rejected++
				continue
			}
			out = append(out, s)
			ev.result.Suggestions++
		}
	}
	return out, rejected
}

// carry re-checks deferred suggestions against the current document.
func (e Engine) carry(doc domain.Document, deferred []domain.Suggestion) ([]domain.Suggestion, []domain.Rejection) {
	var out []domain.Suggestion
	var stale []domain.Rejection
	for _, s := range deferred {
		if err := applicable(doc, s); err != nil {
			stale = append(stale, domain.Rejection{StakeholderID: s.StakeholderID, Index: -1, Reason: "carried " + s.ID + ": " + err.Error()})
			continue
		}
		out = append(out, s)
	}
	return out, stale
}

func applicable(doc domain.Document, s domain.Suggestion) error {
	if err := s.Validate(); err != nil {
		return err
	}
	_, exists := doc.Course(string(s.Target))
	switch s.Kind {
	case domain.KindAdd:
		if exists {
			return fmt.Errorf("course %s already exists", s.Target)
		}
	case domain.KindModify, domain.KindRemove:
		if !exists {
			return fmt.Errorf("course %s does not exist", s.Target)
		}
	}
	return nil
}

// age counts one more deferral on every deferred suggestion and splits off
// the ones that reached the configured limit.
func (e Engine) age(deferred []domain.Deferral) (pending, expired []domain.Suggestion) {
	limit := e.Config.Optimization.MaxDeferrals
	for _, d := range deferred {
		s := d.Suggestion
		s.Deferrals++
		if s.Deferrals >= limit {
			expired = append(expired, s)
			continue
		}
		pending = append(pending, s)
	}
	return pending, expired
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
