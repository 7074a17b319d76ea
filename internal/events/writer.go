// Package events appends to the audit log.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the run recorder and the server.
const (
	RunStarted     = "run.started"
	RoundCommitted = "round.committed"
	RoundFailed    = "round.failed"
	RunFinished    = "run.finished"
	APIKeyCreated  = "apikey.created"
)

// SystemActor is recorded for events the engine produces on its own.
const SystemActor = "system"

type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

// Entry describes one audit event. Round 0 is stored as NULL.
type Entry struct {
	Type      string
	RunID     string
	Round     int
	EntityRef string
	ActorID   string
	Payload   Payload
}

// Append writes the entry inside tx.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if e.ActorID == "" {
		e.ActorID = SystemActor
	}
	if e.Payload == nil {
		e.Payload = Payload{}
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	var round any
	if e.Round > 0 {
		round = e.Round
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,run_id,round,entity_ref,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), e.Type, nullable(e.RunID), round, nullable(e.EntityRef), e.ActorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
