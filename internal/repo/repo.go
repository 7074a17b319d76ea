// Package repo stores runs, rounds, document versions, audit events and API
// keys in the workspace database.
package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"curricula/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r Repo) exec(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.DB
}

const runColumns = `id,COALESCE(major,''),status,COALESCE(outcome,''),COALESCE(stop_reason,''),rounds,COALESCE(error,''),COALESCE(final_digest,''),created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (domain.Run, error) {
	var run domain.Run
	err := row.Scan(&run.ID, &run.Major, &run.Status, &run.Outcome, &run.StopReason, &run.Rounds, &run.Error, &run.FinalDigest, &run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return run, ErrNotFound
	}
	return run, err
}

// UpsertRun stores a run together with the configuration it runs with. A
// run that already exists, for example one queued by the server, is moved to
// the new status.
func (r Repo) UpsertRun(ctx context.Context, tx *sql.Tx, run domain.Run, configYAML string) error {
	if strings.TrimSpace(run.ID) == "" {
		return errors.New("id required")
	}
	_, err := r.exec(tx).ExecContext(ctx, `INSERT INTO runs(id,major,status,outcome,stop_reason,rounds,error,final_digest,config_yaml,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET major=COALESCE(excluded.major,runs.major),status=excluded.status,config_yaml=COALESCE(excluded.config_yaml,runs.config_yaml),updated_at=excluded.updated_at`,
		run.ID, nullable(run.Major), run.Status, nullable(run.Outcome), nullable(run.StopReason), run.Rounds, nullable(run.Error), nullable(run.FinalDigest), nullable(configYAML), run.CreatedAt, run.UpdatedAt)
	return err
}

// UpdateRun overwrites the mutable summary columns of a run.
func (r Repo) UpdateRun(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	res, err := r.exec(tx).ExecContext(ctx, `UPDATE runs SET status=?,outcome=?,stop_reason=?,rounds=?,error=?,final_digest=?,updated_at=? WHERE id=?`,
		run.Status, nullable(run.Outcome), nullable(run.StopReason), run.Rounds, nullable(run.Error), nullable(run.FinalDigest), run.UpdatedAt, run.ID)
	if err != nil {
		return err
	}
	return affected(res)
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
}

// ListRuns returns the most recent runs first.
func (r Repo) ListRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// RunConfig returns the YAML configuration a run was started with.
func (r Repo) RunConfig(ctx context.Context, id string) (string, error) {
	var cfg sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT config_yaml FROM runs WHERE id=?`, id).Scan(&cfg)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return cfg.String, err
}

// SaveReport stores the final report of a run.
func (r Repo) SaveReport(ctx context.Context, tx *sql.Tx, runID string, rep domain.Report) error {
	data, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	res, err := r.exec(tx).ExecContext(ctx, `UPDATE runs SET report_json=? WHERE id=?`, string(data), runID)
	if err != nil {
		return err
	}
	return affected(res)
}

// GetReport returns the stored report. Runs that have not finished yet
// have none and report ErrNotFound.
func (r Repo) GetReport(ctx context.Context, runID string) (domain.Report, error) {
	var data sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT report_json FROM runs WHERE id=?`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !data.Valid) {
		return domain.Report{}, ErrNotFound
	}
	if err != nil {
		return domain.Report{}, err
	}
	var rep domain.Report
	if err := json.Unmarshal([]byte(data.String), &rep); err != nil {
		return domain.Report{}, fmt.Errorf("decode report: %w", err)
	}
	return rep, nil
}

// InsertVersion stores one committed document version.
func (r Repo) InsertVersion(ctx context.Context, tx *sql.Tx, runID, digest, createdAt string, doc domain.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	_, err = r.exec(tx).ExecContext(ctx, `INSERT INTO document_versions(run_id,version,digest,document_json,created_at) VALUES (?,?,?,?,?)`,
		runID, doc.Version, digest, string(data), createdAt)
	return err
}

// GetVersion returns a document version and its digest.
func (r Repo) GetVersion(ctx context.Context, runID string, version int) (domain.Document, string, error) {
	var data, digest string
	err := r.DB.QueryRowContext(ctx, `SELECT document_json,digest FROM document_versions WHERE run_id=? AND version=?`, runID, version).Scan(&data, &digest)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Document{}, "", ErrNotFound
	}
	if err != nil {
		return domain.Document{}, "", err
	}
	var doc domain.Document
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return domain.Document{}, "", fmt.Errorf("decode document: %w", err)
	}
	return doc, digest, nil
}

// InsertRound stores the history record of a committed round.
func (r Repo) InsertRound(ctx context.Context, tx *sql.Tx, runID, createdAt string, round domain.Round) error {
	data, err := json.Marshal(round)
	if err != nil {
		return fmt.Errorf("marshal round: %w", err)
	}
	_, err = r.exec(tx).ExecContext(ctx, `INSERT INTO rounds(run_id,number,aggregate,actions,conflicts,stop,round_json,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		runID, round.Number, round.Metrics.Aggregate, len(round.Solution.Actions), len(round.Conflicts), round.Decision.Stop, string(data), createdAt)
	return err
}

// ListRounds returns the committed rounds of a run in order.
func (r Repo) ListRounds(ctx context.Context, runID string) ([]domain.Round, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT round_json FROM rounds WHERE run_id=? ORDER BY number ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Round
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var round domain.Round
		if err := json.Unmarshal([]byte(data), &round); err != nil {
			return nil, fmt.Errorf("decode round: %w", err)
		}
		res = append(res, round)
	}
	return res, rows.Err()
}

// EventFilter narrows an event listing. After is an exclusive event id
// cursor; results are in ascending id order.
type EventFilter struct {
	RunID string
	Type  string
	After int64
	Limit int
}

func (r Repo) ListEvents(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if f.RunID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, f.RunID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.After > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, f.After)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(run_id,''),COALESCE(round,0),COALESCE(entity_ref,''),actor_id,payload_json FROM events WHERE %s ORDER BY id ASC LIMIT ?`,
		strings.Join(clauses, " AND "))
	args = append(args, f.Limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.RunID, &e.Round, &e.EntityRef, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the highest event id, 0 when the log is empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

func affected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
