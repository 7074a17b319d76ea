package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"curricula/internal/config"
	"curricula/internal/db"
	"curricula/internal/domain"
	"curricula/internal/engine"
	"curricula/internal/events"
	"curricula/internal/migrate"
	"curricula/internal/repo"
	"curricula/internal/stakeholder"
	fx "curricula/internal/testfixture"
)

var fixedNow = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	version, err := migrate.Migrate(context.Background(), conn)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if version != 1 {
		t.Fatalf("schema version = %d, want 1", version)
	}
	return conn
}

func TestMigrateIsIdempotent(t *testing.T) {
	conn := openTestDB(t)
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func recordedRun(t *testing.T, conn *sql.DB, evals map[string]stakeholder.Evaluator) domain.Report {
	t.Helper()
	cfg := config.Default()
	cfg.Stakeholders = []config.Stakeholder{{ID: "a"}, {ID: "b"}}
	cfg.Optimization.MaxRounds = 2
	var list []stakeholder.Stakeholder
	for _, s := range cfg.Stakeholders {
		list = append(list, stakeholder.Stakeholder{ID: s.ID, Evaluator: evals[s.ID]})
	}
	eng, err := engine.New(cfg, list)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	eng.Now = fixedNow
	eng.NewRunID = func() string { return "run-1" }
	eng.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	eng.Recorder = repo.RunRecorder{
		Repo:       repo.Repo{DB: conn},
		Events:     events.Writer{Now: fixedNow},
		ConfigYAML: "optimization:\n  max_rounds: 2\n",
		ActorID:    "tester",
		Now:        fixedNow,
	}
	rep, _ := eng.Start(context.Background(), fx.Baseline())
	return rep
}

func TestRunRecorderPersistsRun(t *testing.T) {
	conn := openTestDB(t)
	rep := recordedRun(t, conn, map[string]stakeholder.Evaluator{
		"a": stakeholder.Scripted{Turns: []stakeholder.Turn{
			{Satisfaction: 0.3, Suggestions: []domain.Suggestion{fx.SetCredits("", "", "SE401", 4, 3, 0.8)}},
			{Satisfaction: 0.4, Suggestions: []domain.Suggestion{fx.SetCredits("", "", "SE401", 5, 3, 0.8)}},
		}},
		"b": stakeholder.Constant(0.5),
	})
	if rep.Outcome != domain.OutcomeExhausted {
		t.Fatalf("outcome = %s", rep.Outcome)
	}
	r := repo.Repo{DB: conn}
	ctx := context.Background()

	run, err := r.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != domain.RunFinished || run.Outcome != "exhausted" || run.Rounds != 2 || run.FinalDigest != rep.FinalDigest {
		t.Fatalf("unexpected run %+v", run)
	}
	rounds, err := r.ListRounds(ctx, "run-1")
	if err != nil {
		t.Fatalf("list rounds: %v", err)
	}
	if len(rounds) != 2 || rounds[0].Number != 1 || rounds[1].Number != 2 {
		t.Fatalf("unexpected rounds %+v", rounds)
	}
	doc, digest, err := r.GetVersion(ctx, "run-1", 2)
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	if digest != rep.FinalDigest || doc.TotalCredits != 42 || doc.Version != 2 {
		t.Fatalf("unexpected version %v %s", doc.TotalCredits, digest)
	}
	stored, err := r.GetReport(ctx, "run-1")
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	if stored.FinalDigest != rep.FinalDigest || len(stored.History) != 2 {
		t.Fatalf("unexpected report %+v", stored.Comparison)
	}
	cfgYAML, err := r.RunConfig(ctx, "run-1")
	if err != nil || cfgYAML == "" {
		t.Fatalf("run config: %q %v", cfgYAML, err)
	}

	evts, err := r.ListEvents(ctx, repo.EventFilter{RunID: "run-1"})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var types []string
	for _, e := range evts {
		types = append(types, e.Type)
	}
	want := []string{events.RunStarted, events.RoundCommitted, events.RoundCommitted, events.RunFinished}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events = %v, want %v", types, want)
		}
	}
	if evts[1].Round != 1 || evts[1].ActorID != "tester" {
		t.Fatalf("unexpected event %+v", evts[1])
	}
	after, err := r.ListEvents(ctx, repo.EventFilter{After: evts[2].ID})
	if err != nil || len(after) != 1 {
		t.Fatalf("events after cursor: %d %v", len(after), err)
	}
	latest, err := r.LatestEventID(ctx)
	if err != nil || latest != evts[3].ID {
		t.Fatalf("latest event id = %d %v", latest, err)
	}
}

func TestRunRecorderPersistsFailure(t *testing.T) {
	conn := openTestDB(t)
	rep := recordedRun(t, conn, map[string]stakeholder.Evaluator{
		"a": stakeholder.Scripted{Turns: []stakeholder.Turn{
			{Satisfaction: 0.3, Suggestions: []domain.Suggestion{fx.Remove("", "", "CS101", 3, 0.8)}},
		}},
		"b": stakeholder.Constant(0.5),
	})
	if rep.Outcome != domain.OutcomeFailed {
		t.Fatalf("outcome = %s", rep.Outcome)
	}
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	run, err := r.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Outcome != "failed" || run.Error == "" || run.Rounds != 0 {
		t.Fatalf("unexpected run %+v", run)
	}
	failed, err := r.ListEvents(ctx, repo.EventFilter{RunID: "run-1", Type: events.RoundFailed})
	if err != nil || len(failed) != 1 {
		t.Fatalf("failure events: %d %v", len(failed), err)
	}
	if failed[0].EntityRef != "CS101" || failed[0].Round != 1 {
		t.Fatalf("unexpected failure event %+v", failed[0])
	}
}

func TestMissingRecords(t *testing.T) {
	conn := openTestDB(t)
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	if _, err := r.GetRun(ctx, "nope"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("get run err = %v", err)
	}
	if _, err := r.GetReport(ctx, "nope"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("get report err = %v", err)
	}
	if err := r.UpdateRun(ctx, nil, domain.Run{ID: "nope", Status: domain.RunFinished}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("update run err = %v", err)
	}

	queued := domain.Run{ID: "q1", Status: domain.RunQueued, CreatedAt: "2024-01-01T00:00:00Z", UpdatedAt: "2024-01-01T00:00:00Z"}
	if err := r.UpsertRun(ctx, nil, queued, ""); err != nil {
		t.Fatalf("queue run: %v", err)
	}
	if _, err := r.GetReport(ctx, "q1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("report of queued run err = %v", err)
	}
	queued.Status = domain.RunRunning
	queued.Major = "Software Engineering"
	if err := r.UpsertRun(ctx, nil, queued, "x: 1\n"); err != nil {
		t.Fatalf("start run: %v", err)
	}
	runs, err := r.ListRuns(ctx, 10)
	if err != nil || len(runs) != 1 || runs[0].Status != domain.RunRunning || runs[0].Major != "Software Engineering" {
		t.Fatalf("runs = %+v %v", runs, err)
	}
}

func TestAPIKeys(t *testing.T) {
	conn := openTestDB(t)
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	key := domain.APIKey{ID: "k1", ActorID: "alice", Name: "ci", KeyHash: repo.HashAPIKey(" secret "), CreatedAt: "2024-01-01T00:00:00Z"}
	if err := r.InsertAPIKey(ctx, nil, key); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey("secret"))
	if err != nil || got.ActorID != "alice" || got.Name != "ci" {
		t.Fatalf("get = %+v %v", got, err)
	}
	keys, err := r.ListAPIKeys(ctx, "alice")
	if err != nil || len(keys) != 1 {
		t.Fatalf("list = %v %v", keys, err)
	}
	if err := r.DeleteAPIKey(ctx, "k1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := r.DeleteAPIKey(ctx, "k1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("second delete err = %v", err)
	}
}
