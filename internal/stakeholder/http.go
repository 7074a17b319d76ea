package stakeholder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"golang.org/x/time/rate"

	"curricula/internal/config"
	"curricula/internal/domain"
)

// DefaultMaxResponseBytes bounds a critique service response.
const DefaultMaxResponseBytes = 4 << 20

// HTTP delegates evaluation to an external critique service.
type HTTP struct {
	ID       string
	Endpoint string
	Token    string
	Client   *http.Client
	Logger   *slog.Logger
	// MaxResponseBytes caps the decoded response body.
	MaxResponseBytes int64
	limiter          *rate.Limiter
}

type httpRequest struct {
	Stakeholder string          `json:"stakeholder"`
	Round       int             `json:"round"`
	Document    domain.Document `json:"document"`
	Context     Context         `json:"context"`
}

// NewHTTP builds the adapter. A zero rate means no limit.
func NewHTTP(s config.Stakeholder, client *http.Client, logger *slog.Logger) *HTTP {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default().With("component", "stakeholder.http")
	}
	limit := rate.Inf
	if s.RatePerSecond > 0 {
		limit = rate.Limit(s.RatePerSecond)
	}
	return &HTTP{
		ID:       s.ID,
		Endpoint: s.Endpoint,
		Token:    s.Token,
		Client:   client,
		Logger:   logger.With("stakeholder", s.ID),

		MaxResponseBytes: DefaultMaxResponseBytes,
		limiter:          rate.NewLimiter(limit, 1),
	}
}

func (h *HTTP) Evaluate(ctx context.Context, doc domain.Document, ec Context) (Evaluation, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return Evaluation{}, h.classify(ctx, err)
	}
	body, err := json.Marshal(httpRequest{Stakeholder: h.ID, Round: ec.Round, Document: doc, Context: ec})
	if err != nil {
		return Evaluation{}, &EvaluationError{Stakeholder: h.ID, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Evaluation{}, &EvaluationError{Stakeholder: h.ID, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return Evaluation{}, h.classify(ctx, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		h.Logger.WarnContext(ctx, "evaluation rejected", "status", resp.StatusCode)
		return Evaluation{}, &EvaluationError{Stakeholder: h.ID, Err: fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))}
	}
	limit := h.MaxResponseBytes
	if limit <= 0 {
		limit = DefaultMaxResponseBytes
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return Evaluation{}, h.classify(ctx, fmt.Errorf("read response: %w", err))
	}
	if int64(len(data)) > limit {
		return Evaluation{}, &EvaluationError{Stakeholder: h.ID, Err: fmt.Errorf("response exceeds %d bytes", limit)}
	}
	var out Evaluation
	if err := json.Unmarshal(data, &out); err != nil {
		return Evaluation{}, h.classify(ctx, fmt.Errorf("decode response: %w", err))
	}
	return out, nil
}

func (h *HTTP) classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", h.ID, ErrEvaluationTimeout)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &EvaluationError{Stakeholder: h.ID, Err: err}
}
