package domain

import "slices"

type ConflictKind string

const (
	ConflictSameTarget    ConflictKind = "same-target-different-action"
	ConflictResource      ConflictKind = "resource-contention"
	ConflictContradictory ConflictKind = "contradictory-goal"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Conflict records a group of suggestions that cannot all be applied.
type Conflict struct {
	ID            string       `json:"id"`
	Kind          ConflictKind `json:"kind"`
	Severity      Severity     `json:"severity"`
	Target        ComponentRef `json:"target"`
	SuggestionIDs []string     `json:"suggestion_ids"`
	Description   string       `json:"description,omitempty"`
}

// Action is one accepted step of a mediated change-set.
type Action struct {
	Seq            int          `json:"seq"`
	Kind           Kind         `json:"kind"`
	Target         ComponentRef `json:"target"`
	Change         Change       `json:"change"`
	SourceIDs      []string     `json:"source_ids"`
	StakeholderIDs []string     `json:"stakeholder_ids"`
	Priority       int          `json:"priority"`
	Feasibility    float64      `json:"feasibility"`
	Synthesized    bool         `json:"synthesized,omitempty"`
	Note           string       `json:"note,omitempty"`
}

// Supersession reasons.
const (
	ReasonFeasibility = "feasibility"
	ReasonPriority    = "priority"
	ReasonCompromise  = "compromise"
	ReasonResource    = "resource"
	ReasonDuplicate   = "duplicate"
)

type Supersession struct {
	SuggestionID  string `json:"suggestion_id"`
	StakeholderID string `json:"stakeholder_id"`
	ConflictID    string `json:"conflict_id,omitempty"`
	Reason        string `json:"reason"`
	// By names the winning suggestion id, or the synthesized action.
	By string `json:"by,omitempty"`
}

type Deferral struct {
	Suggestion Suggestion `json:"suggestion"`
	ConflictID string     `json:"conflict_id"`
}

// Resolution records which rule settled a conflict.
type Resolution struct {
	ConflictID string   `json:"conflict_id"`
	Rule       string   `json:"rule"`
	Accepted   []string `json:"accepted,omitempty"`
}

// Solution is the single change-set the mediator produces for a round.
type Solution struct {
	Actions     []Action       `json:"actions"`
	Rationale   string         `json:"rationale"`
	Superseded  []Supersession `json:"superseded,omitempty"`
	Deferred    []Deferral     `json:"deferred,omitempty"`
	Resolutions []Resolution   `json:"resolutions,omitempty"`
}

// Metrics are computed once per committed round.
type Metrics struct {
	Round        int                `json:"round"`
	Satisfaction map[string]float64 `json:"satisfaction"`
	Aggregate    float64            `json:"aggregate"`
	// Improvement is nil for the first round.
	Improvement      *float64 `json:"improvement,omitempty"`
	SuggestionVolume int      `json:"suggestion_volume"`
	ConflictCount    int      `json:"conflict_count"`
	Delta            int      `json:"delta"`
	Pending          int      `json:"pending"`
	Consensus        float64  `json:"consensus"`
}

type Outcome string

const (
	OutcomeConverged Outcome = "converged"
	OutcomeExhausted Outcome = "exhausted"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

type StopReason string

const (
	StopThreshold    StopReason = "threshold"
	StopZeroDelta    StopReason = "zero-delta"
	StopStagnation   StopReason = "stagnation"
	StopMaxRounds    StopReason = "max-rounds"
	StopInconsistent StopReason = "inconsistent-document"
	StopCancelled    StopReason = "cancelled"
)

// Decision is the convergence checker verdict for one round.
type Decision struct {
	Stop    bool       `json:"stop"`
	Reason  StopReason `json:"reason,omitempty"`
	Outcome Outcome    `json:"outcome,omitempty"`
}

type EvaluationStatus string

const (
	EvaluationOK      EvaluationStatus = "ok"
	EvaluationError   EvaluationStatus = "error"
	EvaluationTimeout EvaluationStatus = "timeout"
)

// StakeholderResult is the audit entry for one evaluation call.
type StakeholderResult struct {
	StakeholderID string           `json:"stakeholder_id"`
	Status        EvaluationStatus `json:"status"`
	Error         string           `json:"error,omitempty"`
	Suggestions   int              `json:"suggestions"`
	Rejected      int              `json:"rejected,omitempty"`
	Satisfaction  float64          `json:"satisfaction"`
	Carried       bool             `json:"carried,omitempty"`
	DurationMS    int64            `json:"duration_ms"`
}

// Rejection records a malformed suggestion dropped before detection.
type Rejection struct {
	StakeholderID string `json:"stakeholder_id"`
	Index         int    `json:"index"`
	Reason        string `json:"reason"`
}

// Round is the append-only history record of one committed round.
type Round struct {
	Number       int                 `json:"number"`
	StartedAt    string              `json:"started_at"`
	FinishedAt   string              `json:"finished_at"`
	Stakeholders []StakeholderResult `json:"stakeholders"`
	Rejected     []Rejection         `json:"rejected,omitempty"`
	Suggestions  []Suggestion        `json:"suggestions"`
	Conflicts    []Conflict          `json:"conflicts"`
	Solution     Solution            `json:"solution"`
	Expired      []Suggestion        `json:"expired,omitempty"`
	Metrics      Metrics             `json:"metrics"`
	Digest       string              `json:"digest"`
	Decision     Decision            `json:"decision"`
}

// Failure describes the round that aborted a run.
type Failure struct {
	Round       int          `json:"round"`
	Error       string       `json:"error"`
	Action      *Action      `json:"action,omitempty"`
	Suggestions []Suggestion `json:"suggestions,omitempty"`
	Conflicts   []Conflict   `json:"conflicts,omitempty"`
	Solution    *Solution    `json:"solution,omitempty"`
}

// State is the optimization aggregate. Versions[0] is the baseline and
// Versions[n] the document committed by round n. Histories only grow; a
// terminated state is never changed again.
type State struct {
	RunID      string       `json:"run_id"`
	StartedAt  string       `json:"started_at"`
	Round      int          `json:"round"`
	Versions   []Document   `json:"versions"`
	Digests    []string     `json:"digests"`
	Rounds     []Round      `json:"rounds"`
	Deferred   []Suggestion `json:"deferred,omitempty"`
	Terminated bool         `json:"terminated"`
	Outcome    Outcome      `json:"outcome,omitempty"`
	StopReason StopReason   `json:"stop_reason,omitempty"`
	Failure    *Failure     `json:"failure,omitempty"`
}

// NewState creates round 0 around the baseline document.
func NewState(runID string, baseline Document, digest, startedAt string) *State {
	doc := baseline.Clone()
	doc.Version = 0
	return &State{
		RunID:     runID,
		StartedAt: startedAt,
		Versions:  []Document{doc},
		Digests:   []string{digest},
	}
}

// Current returns the last committed document version.
func (s *State) Current() Document {
	return s.Versions[len(s.Versions)-1]
}

// Baseline returns version 0.
func (s *State) Baseline() Document {
	return s.Versions[0]
}

// MetricsHistory returns the per-round metrics in round order.
func (s *State) MetricsHistory() []Metrics {
	out := make([]Metrics, len(s.Rounds))
	for i, r := range s.Rounds {
		out[i] = r.Metrics
	}
	return out
}

// Next returns a shallow copy whose slices are clipped, so appending to the
// copy never writes into the receiver's backing arrays.
func (s *State) Next() *State {
	next := *s
	next.Versions = slices.Clip(s.Versions)
	next.Digests = slices.Clip(s.Digests)
	next.Rounds = slices.Clip(s.Rounds)
	next.Deferred = slices.Clone(s.Deferred)
	return &next
}

// Comparison summarises baseline against final version.
type Comparison struct {
	CoursesBefore      int                `json:"courses_before"`
	CoursesAfter       int                `json:"courses_after"`
	CreditsBefore      float64            `json:"credits_before"`
	CreditsAfter       float64            `json:"credits_after"`
	CategoryBefore     map[string]float64 `json:"category_before"`
	CategoryAfter      map[string]float64 `json:"category_after"`
	SatisfactionBefore float64            `json:"satisfaction_before"`
	SatisfactionAfter  float64            `json:"satisfaction_after"`
	Added              []string           `json:"added,omitempty"`
	Removed            []string           `json:"removed,omitempty"`
	Modified           []string           `json:"modified,omitempty"`
}

// Report is the final value of a run.
type Report struct {
	RunID           string     `json:"run_id"`
	Outcome         Outcome    `json:"outcome"`
	StopReason      StopReason `json:"stop_reason"`
	Rounds          int        `json:"rounds"`
	FinalDocument   Document   `json:"final_document"`
	FinalDigest     string     `json:"final_digest"`
	Baseline        Document   `json:"baseline"`
	History         []Round    `json:"history"`
	Failure         *Failure   `json:"failure,omitempty"`
	Comparison      Comparison `json:"comparison"`
	Recommendations []string   `json:"recommendations,omitempty"`
	GeneratedAt     string     `json:"generated_at"`
}
