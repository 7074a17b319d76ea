// Package stakeholder defines the evaluation contract between the engine and
// the roles that critique a curriculum, plus the built-in evaluators.
package stakeholder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"curricula/internal/config"
	"curricula/internal/domain"
)

// ErrEvaluationTimeout is reported when an evaluation misses its deadline.
var ErrEvaluationTimeout = errors.New("stakeholder evaluation timed out")

// EvaluationError wraps any other evaluation failure.
type EvaluationError struct {
	Stakeholder string
	Err         error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("stakeholder %s evaluation failed: %v", e.Stakeholder, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

// Context is the per-call information an evaluator receives next to the
// document snapshot.
type Context struct {
	StakeholderID   string   `json:"stakeholder"`
	Round           int      `json:"round"`
	Major           string   `json:"major,omitempty"`
	TargetPositions []string `json:"target_positions,omitempty"`
	// PreviousSatisfaction is nil before the stakeholder's first success.
	PreviousSatisfaction *float64 `json:"previous_satisfaction,omitempty"`
}

// Evaluation is the result of one call. Suggestion ids, stakeholder ids and
// deferral counts are assigned by the engine.
type Evaluation struct {
	Suggestions  []domain.Suggestion `json:"suggestions"`
	Satisfaction float64             `json:"satisfaction"`
}

// Evaluator critiques a read-only document snapshot. Implementations must
// honour ctx cancellation and must not retain or modify doc.
type Evaluator interface {
	Evaluate(ctx context.Context, doc domain.Document, ec Context) (Evaluation, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, doc domain.Document, ec Context) (Evaluation, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, doc domain.Document, ec Context) (Evaluation, error) {
	return f(ctx, doc, ec)
}

// Stakeholder binds a configured role to its evaluator.
type Stakeholder struct {
	ID        string
	Name      string
	Weight    float64
	Evaluator Evaluator
}

// FromConfig builds the stakeholders of a validated configuration.
func FromConfig(cfg *config.Config, client *http.Client, logger *slog.Logger) ([]Stakeholder, error) {
	weights := cfg.Weights()
	out := make([]Stakeholder, 0, len(cfg.Stakeholders))
	for _, s := range cfg.Stakeholders {
		var ev Evaluator
		switch s.Evaluator {
		case "", config.EvaluatorHeuristic:
			h, err := NewHeuristic(s)
			if err != nil {
				return nil, err
			}
			ev = h
		case config.EvaluatorHTTP:
			ev = NewHTTP(s, client, logger)
		default:
			return nil, &config.Error{Field: "stakeholders." + s.ID + ".evaluator", Message: "unknown evaluator " + s.Evaluator}
		}
		name := s.Name
		if name == "" {
			name = s.ID
		}
		out = append(out, Stakeholder{ID: s.ID, Name: name, Weight: weights[s.ID], Evaluator: ev})
	}
	return out, nil
}
