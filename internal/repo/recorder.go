package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"curricula/internal/domain"
	"curricula/internal/events"
)

// RunRecorder persists run progress and appends the matching audit events.
// Each call commits in its own transaction.
type RunRecorder struct {
	Repo       Repo
	Events     events.Writer
	ConfigYAML string
	ActorID    string
	Now        func() time.Time
}

func (rr RunRecorder) now() string {
	if rr.Now != nil {
		return rr.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func (rr RunRecorder) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := rr.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (rr RunRecorder) event(ctx context.Context, tx *sql.Tx, typ, runID string, round int, ref string, payload events.Payload) error {
	return rr.Events.Append(ctx, tx, events.Entry{
		Type:      typ,
		RunID:     runID,
		Round:     round,
		EntityRef: ref,
		ActorID:   rr.ActorID,
		Payload:   payload,
	})
}

func (rr RunRecorder) RunStarted(ctx context.Context, state *domain.State) error {
	ts := rr.now()
	base := state.Baseline()
	return rr.inTx(ctx, func(tx *sql.Tx) error {
		run := domain.Run{
			ID:        state.RunID,
			Major:     base.Metadata.Major,
			Status:    domain.RunRunning,
			CreatedAt: state.StartedAt,
			UpdatedAt: ts,
		}
		if err := rr.Repo.UpsertRun(ctx, tx, run, rr.ConfigYAML); err != nil {
			return fmt.Errorf("save run: %w", err)
		}
		if err := rr.Repo.InsertVersion(ctx, tx, state.RunID, state.Digests[0], ts, base); err != nil {
			return fmt.Errorf("save baseline: %w", err)
		}
		return rr.event(ctx, tx, events.RunStarted, state.RunID, 0, "", events.Payload{
			"courses": len(base.Courses),
			"credits": base.TotalCredits,
			"digest":  state.Digests[0],
		})
	})
}

func (rr RunRecorder) RoundCommitted(ctx context.Context, state *domain.State) error {
	ts := rr.now()
	round := state.Rounds[len(state.Rounds)-1]
	doc := state.Versions[round.Number]
	return rr.inTx(ctx, func(tx *sql.Tx) error {
		if err := rr.Repo.InsertRound(ctx, tx, state.RunID, ts, round); err != nil {
			return fmt.Errorf("save round %d: %w", round.Number, err)
		}
		if err := rr.Repo.InsertVersion(ctx, tx, state.RunID, round.Digest, ts, doc); err != nil {
			return fmt.Errorf("save version %d: %w", round.Number, err)
		}
		if err := rr.Repo.UpdateRun(ctx, tx, domain.Run{
			ID:          state.RunID,
			Status:      domain.RunRunning,
			Rounds:      state.Round,
			FinalDigest: round.Digest,
			UpdatedAt:   ts,
		}); err != nil {
			return fmt.Errorf("update run: %w", err)
		}
		return rr.event(ctx, tx, events.RoundCommitted, state.RunID, round.Number, "round:"+fmt.Sprint(round.Number), events.Payload{
			"aggregate": round.Metrics.Aggregate,
			"actions":   len(round.Solution.Actions),
			"conflicts": len(round.Conflicts),
			"deferred":  round.Metrics.Pending,
			"digest":    round.Digest,
			"stop":      round.Decision.Stop,
		})
	})
}

func (rr RunRecorder) RunFinished(ctx context.Context, state *domain.State, rep domain.Report) error {
	ts := rr.now()
	return rr.inTx(ctx, func(tx *sql.Tx) error {
		run := domain.Run{
			ID:          state.RunID,
			Status:      domain.RunFinished,
			Outcome:     string(rep.Outcome),
			StopReason:  string(rep.StopReason),
			Rounds:      rep.Rounds,
			FinalDigest: rep.FinalDigest,
			UpdatedAt:   ts,
		}
		if f := state.Failure; f != nil {
			run.Error = f.Error
			payload := events.Payload{"error": f.Error}
			ref := ""
			if f.Action != nil {
				ref = string(f.Action.Target)
				payload["action"] = f.Action.Kind.String()
			}
			if err := rr.event(ctx, tx, events.RoundFailed, state.RunID, f.Round, ref, payload); err != nil {
				return err
			}
		}
		if err := rr.Repo.UpdateRun(ctx, tx, run); err != nil {
			return fmt.Errorf("update run: %w", err)
		}
		if err := rr.Repo.SaveReport(ctx, tx, state.RunID, rep); err != nil {
			return fmt.Errorf("save report: %w", err)
		}
		return rr.event(ctx, tx, events.RunFinished, state.RunID, 0, "", events.Payload{
			"outcome":     rep.Outcome,
			"stop_reason": rep.StopReason,
			"rounds":      rep.Rounds,
			"digest":      rep.FinalDigest,
		})
	})
}
