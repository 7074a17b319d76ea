package server

import (
	"encoding/json"
	"net/http"
	"time"

	"curricula/internal/app"
	"curricula/internal/domain"
)

// Request payloads

// StartRunRequest carries the baseline curriculum either inline as a JSON
// document or as raw content in one of the supported formats.
type StartRunRequest struct {
	Document       map[string]any `json:"document,omitempty" doc:"Curriculum document (JSON form)"`
	Format         string         `json:"format,omitempty" enum:"json,yaml,csv" doc:"Format of content"`
	Content        string         `json:"content,omitempty" doc:"Curriculum document or course table as text"`
	Major          string         `json:"major,omitempty"`
	MaxRounds      int            `json:"max_rounds,omitempty" minimum:"0"`
	Threshold      *float64       `json:"convergence_threshold,omitempty" minimum:"0" maximum:"1"`
	Epsilon        *float64       `json:"stagnation_epsilon,omitempty" minimum:"0"`
	PerCallTimeout string         `json:"per_call_timeout,omitempty" example:"30s"`
}

func (r StartRunRequest) overrides() (app.Overrides, error) {
	o := app.Overrides{
		MaxRounds: r.MaxRounds,
		Threshold: r.Threshold,
		Epsilon:   r.Epsilon,
	}
	if r.PerCallTimeout != "" {
		d, err := time.ParseDuration(r.PerCallTimeout)
		if err != nil || d <= 0 {
			return o, newAPIError(http.StatusBadRequest, "bad_request", "invalid per_call_timeout", map[string]any{"per_call_timeout": r.PerCallTimeout})
		}
		o.PerCallTimeout = d
	}
	return o, nil
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

type RunResponse struct {
	ID          string `json:"id"`
	Major       string `json:"major,omitempty"`
	Status      string `json:"status" enum:"queued,running,finished"`
	Outcome     string `json:"outcome,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
	Rounds      int    `json:"rounds"`
	Error       string `json:"error,omitempty"`
	FinalDigest string `json:"final_digest,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

type RunList struct {
	Items []RunResponse `json:"items"`
}

type RoundList struct {
	Items []domain.Round `json:"items"`
}

type VersionResponse struct {
	RunID    string          `json:"run_id"`
	Version  int             `json:"version"`
	Digest   string          `json:"digest"`
	Document domain.Document `json:"document"`
}

type EventResponse struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts"`
	Type      string         `json:"type"`
	RunID     string         `json:"run_id,omitempty"`
	Round     int            `json:"round,omitempty"`
	EntityRef string         `json:"entity_ref,omitempty"`
	ActorID   string         `json:"actor_id"`
	Payload   map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func runResponse(r domain.Run) RunResponse {
	return RunResponse{
		ID:          r.ID,
		Major:       r.Major,
		Status:      r.Status,
		Outcome:     r.Outcome,
		StopReason:  r.StopReason,
		Rounds:      r.Rounds,
		Error:       r.Error,
		FinalDigest: r.FinalDigest,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	payload := map[string]any{}
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &payload)
	}
	return EventResponse{
		ID:        e.ID,
		TS:        e.TS,
		Type:      e.Type,
		RunID:     e.RunID,
		Round:     e.Round,
		EntityRef: e.EntityRef,
		ActorID:   e.ActorID,
		Payload:   payload,
	}
}
