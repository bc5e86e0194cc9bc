package store

import (
	"time"

	"caseflow/internal/workflow"
)

type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	Email       string    `json:"email"`
	Role        string    `json:"role"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Request is a withdrawal request moving through the approval workflow.
// Version increases monotonically on every write so readers can detect
// stale change-feed payloads and discard superseded optimistic patches.
type Request struct {
	ID           string         `json:"id"`
	Reference    string         `json:"reference"`
	Amount       string         `json:"amount"`
	Currency     string         `json:"currency"`
	Priority     string         `json:"priority"`
	CurrentStage workflow.Stage `json:"currentStage"`
	Status       string         `json:"status"`
	AssignedTo   string         `json:"assignedTo"`
	CreatedBy    string         `json:"createdBy"`
	Version      int64          `json:"version"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	CompletedAt  *time.Time     `json:"completedAt,omitempty"`
}

// DecisionRecord is one immutable audit trail entry. The table carries a
// trigger blocking UPDATE and DELETE, so append is the only mutation.
type DecisionRecord struct {
	ID        string            `json:"id"`
	RequestID string            `json:"requestId"`
	ActorID   string            `json:"actorId"`
	Decision  workflow.Decision `json:"decision"`
	Comment   string            `json:"comment"`
	FromStage workflow.Stage    `json:"fromStage"`
	ToStage   workflow.Stage    `json:"toStage"`
	CreatedAt time.Time         `json:"createdAt"`
}

type TimelineEvent struct {
	ID            string         `json:"id"`
	RequestID     string         `json:"requestId"`
	ActorID       string         `json:"actorId"`
	EventType     string         `json:"eventType"`
	Title         string         `json:"title"`
	Description   string         `json:"description"`
	PreviousValue *string        `json:"previousValue,omitempty"`
	NewValue      *string        `json:"newValue,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
}

type Comment struct {
	ID         string    `json:"id"`
	RequestID  string    `json:"requestId"`
	ActorID    string    `json:"actorId"`
	Text       string    `json:"text"`
	Mentions   []string  `json:"mentions,omitempty"`
	IsInternal bool      `json:"isInternal"`
	IsDecision bool      `json:"isDecision"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}
