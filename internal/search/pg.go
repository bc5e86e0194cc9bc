package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// PG implements Searcher against PostgreSQL as the fallback when
// Meilisearch is not configured or unhealthy.
type PG struct {
	db *sql.DB
}

func NewPG(db *sql.DB) *PG {
	return &PG{db: db}
}

// Healthy always returns true: if Postgres is down, the whole service is.
func (p *PG) Healthy() bool {
	return true
}

func (p *PG) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pattern := "%" + q.Text + "%"
	var results []Result

	if q.FilterType == "" || q.FilterType == ResultRequest {
		where := "(reference ILIKE $1 OR status ILIKE $1 OR currency ILIKE $1 OR priority ILIKE $1)"
		args := []any{pattern}
		if q.FilterStage != "" {
			where += " AND current_stage = $2"
			args = append(args, q.FilterStage)
		}
		rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
			SELECT id, reference, status, current_stage
			FROM withdrawal_requests
			WHERE %s
			ORDER BY updated_at DESC
			LIMIT %d
		`, where, limit), args...)
		if err != nil {
			return nil, 0, fmt.Errorf("search requests: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r Result
			r.Type = ResultRequest
			if err := rows.Scan(&r.ID, &r.Title, &r.Snippet, &r.Stage); err != nil {
				return nil, 0, fmt.Errorf("scan request hit: %w", err)
			}
			r.RequestID = r.ID
			results = append(results, r)
		}
		if err := rows.Err(); err != nil {
			return nil, 0, fmt.Errorf("iterate request hits: %w", err)
		}
	}

	if q.FilterType == "" || q.FilterType == ResultDecision {
		rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
			SELECT id, request_id, decision, comment, to_stage
			FROM decision_records
			WHERE comment ILIKE $1
			ORDER BY created_at DESC
			LIMIT %d
		`, limit), pattern)
		if err != nil {
			return nil, 0, fmt.Errorf("search decisions: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r Result
			r.Type = ResultDecision
			if err := rows.Scan(&r.ID, &r.RequestID, &r.Title, &r.Snippet, &r.Stage); err != nil {
				return nil, 0, fmt.Errorf("scan decision hit: %w", err)
			}
			results = append(results, r)
		}
		if err := rows.Err(); err != nil {
			return nil, 0, fmt.Errorf("iterate decision hits: %w", err)
		}
	}

	return results, len(results), nil
}
