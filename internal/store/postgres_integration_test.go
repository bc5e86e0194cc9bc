package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"caseflow/internal/util"
	"caseflow/internal/workflow"
)

func testDB(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("CASEFLOW_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("CASEFLOW_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn, PoolConfig{
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: time.Minute,
	})
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db)
}

func seedRequest(t *testing.T, s *PostgresStore, stage workflow.Stage) (Request, User) {
	t.Helper()
	ctx := context.Background()

	user, err := s.EnsureUser(ctx, User{
		ID:          util.NewID("usr"),
		DisplayName: "Integration Actor",
		Email:       util.NewID("actor") + "@caseflow.test",
		Role:        "operations_team",
	})
	if err != nil {
		t.Fatalf("ensure user: %v", err)
	}

	req, err := s.InsertRequest(ctx, Request{
		ID:           util.NewID("wr"),
		Reference:    "WR-" + util.NewID(""),
		Amount:       "1250.00",
		Currency:     "EUR",
		Priority:     "high",
		CurrentStage: workflow.StageInitialReview,
		Status:       "Awaiting archive review",
		CreatedBy:    user.ID,
	})
	if err != nil {
		t.Fatalf("insert request: %v", err)
	}

	if stage != workflow.StageInitialReview {
		t.Fatalf("seedRequest only seeds initial_review, got %s", stage)
	}
	return req, user
}

func TestRequestRoundTrip(t *testing.T) {
	s := testDB(t)
	ctx := context.Background()

	created, actor := seedRequest(t, s, workflow.StageInitialReview)

	got, err := s.GetRequest(ctx, created.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if got.CurrentStage != workflow.StageInitialReview {
		t.Fatalf("currentStage = %s, want initial_review", got.CurrentStage)
	}
	if got.Version != 1 {
		t.Fatalf("version = %d, want 1", got.Version)
	}
	if got.CompletedAt != nil {
		t.Fatal("completedAt must be unset at creation")
	}

	decisions, err := s.ListDecisions(ctx, created.ID)
	if err != nil {
		t.Fatalf("list decisions: %v", err)
	}
	if len(decisions) != 0 {
		t.Fatalf("new request has %d decisions, want 0", len(decisions))
	}
	_ = actor
}

func TestRecordDecisionStaleStage(t *testing.T) {
	s := testDB(t)
	ctx := context.Background()

	req, actor := seedRequest(t, s, workflow.StageInitialReview)

	rec := DecisionRecord{
		ID:        util.NewID("dec"),
		RequestID: req.ID,
		ActorID:   actor.ID,
		Decision:  workflow.DecisionSendToReview,
		Comment:   "forwarding",
		FromStage: workflow.StageInitialReview,
		ToStage:   workflow.StageTechnicalReview,
	}
	cmt := Comment{ID: util.NewID("cmt"), RequestID: req.ID, ActorID: actor.ID, Text: "forwarding", IsDecision: true}
	evt := TimelineEvent{ID: util.NewID("evt"), RequestID: req.ID, ActorID: actor.ID, EventType: "status_change", Title: "Forwarded"}

	updated, _, err := s.RecordDecision(ctx, rec, "Forwarded to operations review", false, cmt, evt)
	if err != nil {
		t.Fatalf("first decision: %v", err)
	}
	if updated.CurrentStage != workflow.StageTechnicalReview {
		t.Fatalf("stage = %s, want technical_review", updated.CurrentStage)
	}
	if updated.Version != req.Version+1 {
		t.Fatalf("version = %d, want %d", updated.Version, req.Version+1)
	}

	// Second submission captured against the old stage must fail without
	// leaving partial effects.
	rec.ID = util.NewID("dec")
	cmt.ID = util.NewID("cmt")
	evt.ID = util.NewID("evt")
	if _, _, err := s.RecordDecision(ctx, rec, "Forwarded to operations review", false, cmt, evt); !errors.Is(err, ErrStaleStage) {
		t.Fatalf("second decision err = %v, want ErrStaleStage", err)
	}

	decisions, err := s.ListDecisions(ctx, req.ID)
	if err != nil {
		t.Fatalf("list decisions: %v", err)
	}
	if len(decisions) != 1 {
		t.Fatalf("decision count = %d, want 1 (no partial commit)", len(decisions))
	}
}

func TestDecisionRecordsAreImmutable(t *testing.T) {
	s := testDB(t)
	ctx := context.Background()

	req, actor := seedRequest(t, s, workflow.StageInitialReview)
	rec := DecisionRecord{
		ID:        util.NewID("dec"),
		RequestID: req.ID,
		ActorID:   actor.ID,
		Decision:  workflow.DecisionSendToReview,
		Comment:   "forwarding",
		FromStage: workflow.StageInitialReview,
		ToStage:   workflow.StageTechnicalReview,
	}
	cmt := Comment{ID: util.NewID("cmt"), RequestID: req.ID, ActorID: actor.ID, Text: "forwarding", IsDecision: true}
	evt := TimelineEvent{ID: util.NewID("evt"), RequestID: req.ID, ActorID: actor.ID, EventType: "status_change", Title: "Forwarded"}
	if _, _, err := s.RecordDecision(ctx, rec, "Forwarded to operations review", false, cmt, evt); err != nil {
		t.Fatalf("record decision: %v", err)
	}

	_, err := s.db.ExecContext(ctx, `UPDATE decision_records SET comment='rewritten' WHERE id=$1`, rec.ID)
	if err == nil {
		t.Fatal("UPDATE on decision_records succeeded, trigger missing")
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		t.Fatalf("unexpected error type: %v", err)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM timeline_events WHERE id=$1`, evt.ID); err == nil {
		t.Fatal("DELETE on timeline_events succeeded, trigger missing")
	}
}
