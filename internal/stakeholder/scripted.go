package stakeholder

import (
	"context"
	"time"

	"curricula/internal/domain"
)

// Turn is one scripted round of a Scripted evaluator.
type Turn struct {
	Suggestions  []domain.Suggestion
	Satisfaction float64
	Err          error
	// Delay is waited before answering; a cancelled context ends the wait.
	Delay time.Duration
	// IgnoreContext makes the delay uninterruptible, for evaluators that do
	// not cooperate with cancellation.
	IgnoreContext bool
}

// Scripted replays fixed turns by round number. Rounds past the script
// repeat the last turn with no suggestions. It is safe for concurrent use as
// long as the script is not modified.
type Scripted struct {
	Turns []Turn
}

func (s Scripted) Evaluate(ctx context.Context, doc domain.Document, ec Context) (Evaluation, error) {
	if len(s.Turns) == 0 {
		return Evaluation{}, nil
	}
	i := ec.Round - 1
	turn := Turn{}
	switch {
	case i < 0:
		turn = s.Turns[0]
	case i < len(s.Turns):
		turn = s.Turns[i]
	default:
		last := s.Turns[len(s.Turns)-1]
		turn = Turn{Satisfaction: last.Satisfaction, Err: last.Err}
	}
	if turn.Delay > 0 {
		if turn.IgnoreContext {
			time.Sleep(turn.Delay)
		} else {
			t := time.NewTimer(turn.Delay)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return Evaluation{}, ctx.Err()
			case <-t.C:
			}
		}
	}
	if turn.Err != nil {
		return Evaluation{}, turn.Err
	}
	out := make([]domain.Suggestion, len(turn.Suggestions))
	copy(out, turn.Suggestions)
	return Evaluation{Suggestions: out, Satisfaction: turn.Satisfaction}, nil
}

// Constant always reports the same satisfaction and no suggestions.
func Constant(satisfaction float64) Evaluator {
	return EvaluatorFunc(func(ctx context.Context, _ domain.Document, _ Context) (Evaluation, error) {
		return Evaluation{Satisfaction: satisfaction}, ctx.Err()
	})
}
