package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
)

var (
	// ErrNotFound means no record matched the identity.
	ErrNotFound = errors.New("not found")
	// ErrStaleStage means the compare-and-swap on current_stage failed:
	// another decision committed against the request first.
	ErrStaleStage = errors.New("stale stage")
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const requestColumns = `id, reference, amount::text, currency, priority, current_stage, status,
	COALESCE(assigned_to, ''), created_by, version, created_at, updated_at, completed_at`

type requestScanner interface {
	Scan(dest ...any) error
}

func scanRequest(sc requestScanner) (Request, error) {
	var item Request
	var assigned string
	err := sc.Scan(
		&item.ID,
		&item.Reference,
		&item.Amount,
		&item.Currency,
		&item.Priority,
		&item.CurrentStage,
		&item.Status,
		&assigned,
		&item.CreatedBy,
		&item.Version,
		&item.CreatedAt,
		&item.UpdatedAt,
		&item.CompletedAt,
	)
	if err != nil {
		return Request{}, err
	}
	item.AssignedTo = assigned
	return item, nil
}

func (s *PostgresStore) EnsureUser(ctx context.Context, user User) (User, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, display_name, email, role)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (email) DO UPDATE SET display_name=EXCLUDED.display_name
		RETURNING id, display_name, email, role, created_at
	`, user.ID, user.DisplayName, user.Email, user.Role).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("ensure user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, role, created_at FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) InsertRequest(ctx context.Context, item Request) (Request, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO withdrawal_requests (id, reference, amount, currency, priority, current_stage, status, assigned_to, created_by)
		VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, NULLIF($8, ''), $9)
		RETURNING `+requestColumns+`
	`, item.ID, item.Reference, item.Amount, item.Currency, item.Priority, item.CurrentStage, item.Status, item.AssignedTo, item.CreatedBy)
	stored, err := scanRequest(row)
	if err != nil {
		return Request{}, fmt.Errorf("insert request: %w", err)
	}
	return stored, nil
}

func (s *PostgresStore) GetRequest(ctx context.Context, requestID string) (Request, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+requestColumns+` FROM withdrawal_requests WHERE id=$1
	`, requestID)
	item, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Request{}, ErrNotFound
	}
	if err != nil {
		return Request{}, fmt.Errorf("get request: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListRequests(ctx context.Context) ([]Request, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+requestColumns+` FROM withdrawal_requests ORDER BY created_at DESC, id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	items := make([]Request, 0)
	for rows.Next() {
		item, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requests: %w", err)
	}
	return items, nil
}

// RecordDecision commits one decision atomically: the request row is
// updated with a compare-and-swap on current_stage, then the audit record,
// the derived comment and the timeline event are appended. Either every
// effect commits or none do.
func (s *PostgresStore) RecordDecision(ctx context.Context, rec DecisionRecord, status string, terminal bool, cmt Comment, evt TimelineEvent) (Request, DecisionRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Request{}, DecisionRecord{}, fmt.Errorf("begin decision tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		UPDATE withdrawal_requests
		SET current_stage=$3,
			status=$4,
			version=version+1,
			updated_at=NOW(),
			completed_at=CASE WHEN $5 THEN NOW() ELSE completed_at END
		WHERE id=$1 AND current_stage=$2
		RETURNING `+requestColumns+`
	`, rec.RequestID, rec.FromStage, rec.ToStage, status, terminal)
	updated, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM withdrawal_requests WHERE id=$1)`, rec.RequestID).Scan(&exists); err != nil {
			return Request{}, DecisionRecord{}, fmt.Errorf("check request: %w", err)
		}
		if !exists {
			return Request{}, DecisionRecord{}, ErrNotFound
		}
		return Request{}, DecisionRecord{}, ErrStaleStage
	}
	if err != nil {
		return Request{}, DecisionRecord{}, fmt.Errorf("update request stage: %w", err)
	}

	if err := tx.QueryRowContext(ctx, `
		INSERT INTO decision_records (id, request_id, actor_id, decision, comment, from_stage, to_stage)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, rec.ID, rec.RequestID, rec.ActorID, rec.Decision, rec.Comment, rec.FromStage, rec.ToStage).Scan(&rec.CreatedAt); err != nil {
		return Request{}, DecisionRecord{}, fmt.Errorf("append decision record: %w", err)
	}

	if err := insertComment(ctx, tx, &cmt); err != nil {
		return Request{}, DecisionRecord{}, err
	}
	if err := insertEvent(ctx, tx, &evt); err != nil {
		return Request{}, DecisionRecord{}, err
	}

	if err := tx.Commit(); err != nil {
		return Request{}, DecisionRecord{}, fmt.Errorf("commit decision tx: %w", err)
	}
	return updated, rec, nil
}

// UpdateAssignee reassigns a request. assigned_to is advisory and not
// validated against the stage's responsible role.
func (s *PostgresStore) UpdateAssignee(ctx context.Context, requestID, assignee string) (Request, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE withdrawal_requests
		SET assigned_to=NULLIF($2, ''), version=version+1, updated_at=NOW()
		WHERE id=$1
		RETURNING `+requestColumns+`
	`, requestID, assignee)
	item, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Request{}, ErrNotFound
	}
	if err != nil {
		return Request{}, fmt.Errorf("update assignee: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListDecisions(ctx context.Context, requestID string) ([]DecisionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, actor_id, decision, comment, from_stage, to_stage, created_at
		FROM decision_records
		WHERE request_id=$1
		ORDER BY created_at ASC, seq ASC
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	items := make([]DecisionRecord, 0)
	for rows.Next() {
		var item DecisionRecord
		if err := rows.Scan(&item.ID, &item.RequestID, &item.ActorID, &item.Decision, &item.Comment, &item.FromStage, &item.ToStage, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan decision record: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decision records: %w", err)
	}
	return items, nil
}

type execer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertComment(ctx context.Context, db execer, cmt *Comment) error {
	mentions, err := json.Marshal(cmt.Mentions)
	if err != nil {
		return fmt.Errorf("marshal mentions: %w", err)
	}
	if err := db.QueryRowContext(ctx, `
		INSERT INTO comments (id, request_id, actor_id, body, mentions, is_internal, is_decision)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`, cmt.ID, cmt.RequestID, cmt.ActorID, cmt.Text, mentions, cmt.IsInternal, cmt.IsDecision).Scan(&cmt.CreatedAt, &cmt.UpdatedAt); err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, cmt Comment) (Comment, error) {
	if err := insertComment(ctx, s.db, &cmt); err != nil {
		return Comment{}, err
	}
	return cmt, nil
}

func (s *PostgresStore) ListComments(ctx context.Context, requestID string, includeInternal bool) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, actor_id, body, mentions, is_internal, is_decision, created_at, updated_at
		FROM comments
		WHERE request_id=$1 AND (is_internal=FALSE OR $2)
		ORDER BY created_at ASC, seq ASC
	`, requestID, includeInternal)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		var item Comment
		var mentions []byte
		if err := rows.Scan(&item.ID, &item.RequestID, &item.ActorID, &item.Text, &mentions, &item.IsInternal, &item.IsDecision, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		if len(mentions) > 0 {
			if err := json.Unmarshal(mentions, &item.Mentions); err != nil {
				return nil, fmt.Errorf("unmarshal mentions: %w", err)
			}
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

func insertEvent(ctx context.Context, db execer, evt *TimelineEvent) error {
	var metadata []byte
	if evt.Metadata != nil {
		var err error
		metadata, err = json.Marshal(evt.Metadata)
		if err != nil {
			return fmt.Errorf("marshal event metadata: %w", err)
		}
	}
	if err := db.QueryRowContext(ctx, `
		INSERT INTO timeline_events (id, request_id, actor_id, event_type, title, description, previous_value, new_value, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`, evt.ID, evt.RequestID, evt.ActorID, evt.EventType, evt.Title, evt.Description, evt.PreviousValue, evt.NewValue, metadata).Scan(&evt.CreatedAt); err != nil {
		return fmt.Errorf("insert timeline event: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertEvent(ctx context.Context, evt TimelineEvent) (TimelineEvent, error) {
	if err := insertEvent(ctx, s.db, &evt); err != nil {
		return TimelineEvent{}, err
	}
	return evt, nil
}

// ListEvents returns the timeline most-recent-first; the ordering is a
// presentation contract for the UI history view.
func (s *PostgresStore) ListEvents(ctx context.Context, requestID string) ([]TimelineEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, actor_id, event_type, title, description, previous_value, new_value, metadata
			, created_at
		FROM timeline_events
		WHERE request_id=$1
		ORDER BY created_at DESC, seq DESC
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list timeline events: %w", err)
	}
	defer rows.Close()

	items := make([]TimelineEvent, 0)
	for rows.Next() {
		var item TimelineEvent
		var metadata []byte
		if err := rows.Scan(&item.ID, &item.RequestID, &item.ActorID, &item.EventType, &item.Title, &item.Description, &item.PreviousValue, &item.NewValue, &metadata, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan timeline event: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &item.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal event metadata: %w", err)
			}
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate timeline events: %w", err)
	}
	return items, nil
}

// DecisionCount is used by readiness summaries and tests.
func (s *PostgresStore) DecisionCount(ctx context.Context, requestID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM decision_records WHERE request_id=$1`, requestID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count decisions: %w", err)
	}
	return count, nil
}
