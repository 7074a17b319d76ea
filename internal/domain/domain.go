package domain

// Run is the persisted summary of one optimization run.
type Run struct {
	ID          string `json:"id"`
	Major       string `json:"major,omitempty"`
	Status      string `json:"status" enum:"queued,running,finished"`
	Outcome     string `json:"outcome,omitempty" enum:"converged,exhausted,failed,cancelled"`
	StopReason  string `json:"stop_reason,omitempty"`
	Rounds      int    `json:"rounds"`
	Error       string `json:"error,omitempty"`
	FinalDigest string `json:"final_digest,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

// Event is one entry of the append-only audit log.
type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	Type      string `json:"type"`
	RunID     string `json:"run_id,omitempty"`
	Round     int    `json:"round,omitempty"`
	EntityRef string `json:"entity_ref,omitempty"`
	ActorID   string `json:"actor_id"`
	Payload   string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Run statuses.
const (
	RunQueued   = "queued"
	RunRunning  = "running"
	RunFinished = "finished"
)
