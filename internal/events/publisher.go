// Package events publishes domain events for committed decisions to NATS,
// where the external notification/email delivery layer consumes them.
//
// Subject convention: notifications.withdrawals.<event>
// Events: request_created, request_approved, request_rejected,
// request_returned, request_forwarded, revision_requested,
// request_disbursed, assignment_changed.
//
// Publishing is best-effort: failures are logged and never propagated, so
// a broker outage cannot interrupt a decision that already committed.
package events

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"caseflow/internal/store"
	"caseflow/internal/workflow"
)

// DecisionEvent is the JSON payload published to NATS.
type DecisionEvent struct {
	Event      string            `json:"event"`
	RequestID  string            `json:"request_id"`
	Reference  string            `json:"reference"`
	ActorID    string            `json:"actor_id"`
	Decision   workflow.Decision `json:"decision,omitempty"`
	FromStage  workflow.Stage    `json:"from_stage,omitempty"`
	ToStage    workflow.Stage    `json:"to_stage,omitempty"`
	Status     string            `json:"status"`
	Amount     string            `json:"amount"`
	Currency   string            `json:"currency"`
	OccurredAt time.Time         `json:"occurred_at"`
}

type Publisher struct {
	nc  *nats.Conn
	log zerolog.Logger
}

// Connect dials NATS. An empty URL returns a disabled publisher whose
// methods are no-ops.
func Connect(url string, log zerolog.Logger) (*Publisher, error) {
	if url == "" {
		return &Publisher{log: log}, nil
	}
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &Publisher{nc: nc, log: log}, nil
}

func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
	}
}

func eventFor(decision workflow.Decision) string {
	switch decision {
	case workflow.DecisionSendToReview:
		return "request_forwarded"
	case workflow.DecisionRequestRevision:
		return "revision_requested"
	case workflow.DecisionApprove:
		return "request_approved"
	case workflow.DecisionReject:
		return "request_rejected"
	case workflow.DecisionReturn:
		return "request_returned"
	case workflow.DecisionDisburse:
		return "request_disbursed"
	}
	return "request_updated"
}

// PublishDecision publishes the event for a committed decision.
func (p *Publisher) PublishDecision(req store.Request, rec store.DecisionRecord) {
	p.publish(DecisionEvent{
		Event:      eventFor(rec.Decision),
		RequestID:  req.ID,
		Reference:  req.Reference,
		ActorID:    rec.ActorID,
		Decision:   rec.Decision,
		FromStage:  rec.FromStage,
		ToStage:    rec.ToStage,
		Status:     req.Status,
		Amount:     req.Amount,
		Currency:   req.Currency,
		OccurredAt: rec.CreatedAt,
	})
}

// PublishCreated publishes the intake event for a new request.
func (p *Publisher) PublishCreated(req store.Request) {
	p.publish(DecisionEvent{
		Event:      "request_created",
		RequestID:  req.ID,
		Reference:  req.Reference,
		ActorID:    req.CreatedBy,
		Status:     req.Status,
		Amount:     req.Amount,
		Currency:   req.Currency,
		OccurredAt: req.CreatedAt,
	})
}

// PublishAssignment publishes a reassignment event.
func (p *Publisher) PublishAssignment(req store.Request, actorID string) {
	p.publish(DecisionEvent{
		Event:      "assignment_changed",
		RequestID:  req.ID,
		Reference:  req.Reference,
		ActorID:    actorID,
		Status:     req.Status,
		Amount:     req.Amount,
		Currency:   req.Currency,
		OccurredAt: req.UpdatedAt,
	})
}

func (p *Publisher) publish(event DecisionEvent) {
	if p.nc == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event", event.Event).Msg("events: failed to marshal event")
		return
	}
	subject := "notifications.withdrawals." + event.Event
	if err := p.nc.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("request_id", event.RequestID).
			Msg("events: failed to publish (non-fatal)")
		return
	}
	p.log.Debug().
		Str("subject", subject).
		Str("request_id", event.RequestID).
		Msg("events: published")
}
