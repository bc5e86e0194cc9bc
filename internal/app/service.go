package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"caseflow/internal/config"
	"caseflow/internal/notify"
	"caseflow/internal/rbac"
	"caseflow/internal/search"
	"caseflow/internal/store"
	"caseflow/internal/util"
	"caseflow/internal/workflow"
)

var allowedPriorities = map[string]struct{}{
	"low":    {},
	"medium": {},
	"high":   {},
	"urgent": {},
}

type dataStore interface {
	EnsureUser(context.Context, store.User) (store.User, error)
	GetUser(context.Context, string) (store.User, error)
	InsertRequest(context.Context, store.Request) (store.Request, error)
	GetRequest(context.Context, string) (store.Request, error)
	ListRequests(context.Context) ([]store.Request, error)
	RecordDecision(context.Context, store.DecisionRecord, string, bool, store.Comment, store.TimelineEvent) (store.Request, store.DecisionRecord, error)
	UpdateAssignee(context.Context, string, string) (store.Request, error)
	ListDecisions(context.Context, string) ([]store.DecisionRecord, error)
	InsertComment(context.Context, store.Comment) (store.Comment, error)
	ListComments(context.Context, string, bool) ([]store.Comment, error)
	InsertEvent(context.Context, store.TimelineEvent) (store.TimelineEvent, error)
	ListEvents(context.Context, string) ([]store.TimelineEvent, error)
	Ping(ctx context.Context) error
}

// feedPublisher broadcasts committed writes to connected viewers. The
// broadcast is best-effort and happens after commit; readers tolerate a
// short staleness window.
type feedPublisher interface {
	PublishInsert(context.Context, store.Request) error
	PublishUpdate(context.Context, store.Request) error
}

// eventPublisher emits domain events for the external delivery layer.
type eventPublisher interface {
	PublishCreated(store.Request)
	PublishDecision(store.Request, store.DecisionRecord)
	PublishAssignment(store.Request, string)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	feed     feedPublisher
	events   eventPublisher
	search   *search.Service
	notifier *notify.Dispatcher
	log      zerolog.Logger
}

func New(cfg config.Config, dataStore dataStore, feed feedPublisher, events eventPublisher, searchService *search.Service, notifier *notify.Dispatcher, log zerolog.Logger) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		feed:     feed,
		events:   events,
		search:   searchService,
		notifier: notifier,
		log:      log,
	}
}

// Notifier exposes the dispatcher so the transport layer can list and
// dismiss notifications.
func (s *Service) Notifier() *notify.Dispatcher {
	return s.notifier
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Bootstrap ensures a default admin actor exists so a fresh deployment is
// usable before the identity collaborator provisions real users.
func (s *Service) Bootstrap(ctx context.Context) error {
	_, err := s.store.EnsureUser(ctx, store.User{
		ID:          util.NewID("usr"),
		DisplayName: "Caseflow Admin",
		Email:       "admin@caseflow.local",
		Role:        string(rbac.RoleAdmin),
	})
	return err
}

type CreateRequestInput struct {
	Reference  string `json:"reference"`
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
	Priority   string `json:"priority"`
	AssignedTo string `json:"assignedTo"`
}

func (s *Service) CreateRequest(ctx context.Context, actor *rbac.Actor, input CreateRequestInput) (store.Request, error) {
	if v := rbac.CanPerform(actor, rbac.ActionCreate, nil); !v.Allowed {
		return store.Request{}, permissionDenied(v.Reason)
	}

	amount, err := strconv.ParseFloat(strings.TrimSpace(input.Amount), 64)
	if err != nil || amount <= 0 {
		return store.Request{}, validationError("amount must be a positive number")
	}
	currency := strings.ToUpper(strings.TrimSpace(input.Currency))
	if len(currency) != 3 {
		return store.Request{}, validationError("currency must be a 3-letter code")
	}
	priority := input.Priority
	if priority == "" {
		priority = "medium"
	}
	if _, ok := allowedPriorities[priority]; !ok {
		return store.Request{}, validationError("priority must be one of low, medium, high, urgent")
	}
	reference := strings.TrimSpace(input.Reference)
	if reference == "" {
		reference = fmt.Sprintf("WR-%d", time.Now().UnixNano())
	}

	created, err := s.store.InsertRequest(ctx, store.Request{
		ID:           util.NewID("wr"),
		Reference:    reference,
		Amount:       input.Amount,
		Currency:     currency,
		Priority:     priority,
		CurrentStage: workflow.StageInitialReview,
		Status:       "Awaiting archive review",
		AssignedTo:   input.AssignedTo,
		CreatedBy:    actor.ID,
	})
	if err != nil {
		return store.Request{}, storageError(err)
	}

	if _, err := s.store.InsertEvent(ctx, store.TimelineEvent{
		ID:          util.NewID("evt"),
		RequestID:   created.ID,
		ActorID:     actor.ID,
		EventType:   "created",
		Title:       "Request created",
		Description: fmt.Sprintf("Withdrawal request %s for %s %s", created.Reference, created.Amount, created.Currency),
	}); err != nil {
		s.log.Warn().Err(err).Str("request_id", created.ID).Msg("append created event")
	}

	s.broadcastInsert(ctx, created)
	if s.events != nil {
		s.events.PublishCreated(created)
	}
	s.indexRequest(created)
	s.notifySuccess("Request created", created.Reference)

	s.log.Info().
		Str("request_id", created.ID).
		Str("reference", created.Reference).
		Str("actor_id", actor.ID).
		Msg("withdrawal request created")
	return created, nil
}

func (s *Service) GetRequest(ctx context.Context, requestID string) (store.Request, error) {
	req, err := s.store.GetRequest(ctx, requestID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Request{}, notFound("request not found")
	}
	if err != nil {
		return store.Request{}, storageError(err)
	}
	return req, nil
}

func (s *Service) ListRequests(ctx context.Context) ([]store.Request, error) {
	items, err := s.store.ListRequests(ctx)
	if err != nil {
		return nil, storageError(err)
	}
	return items, nil
}

// RecordDecision validates and commits one workflow decision. Validation
// and permission failures happen before any persistence call; the store
// commits the request update, audit record, derived comment and timeline
// event atomically, guarded by a compare-and-swap on fromStage.
func (s *Service) RecordDecision(ctx context.Context, actor *rbac.Actor, requestID string, decision workflow.Decision, comment string, fromStage workflow.Stage) (store.Request, store.DecisionRecord, error) {
	comment = strings.TrimSpace(comment)
	if comment == "" {
		return store.Request{}, store.DecisionRecord{}, s.fail(validationError("decision comment must not be empty"))
	}
	if !decision.IsValid() {
		return store.Request{}, store.DecisionRecord{}, s.fail(validationError(fmt.Sprintf("unknown decision %q", decision)))
	}
	if !fromStage.IsValid() {
		return store.Request{}, store.DecisionRecord{}, s.fail(validationError(fmt.Sprintf("unknown stage %q", fromStage)))
	}

	req, err := s.GetRequest(ctx, requestID)
	if err != nil {
		return store.Request{}, store.DecisionRecord{}, err
	}

	if v := rbac.CanPerform(actor, rbac.Action(decision), &req.CurrentStage); !v.Allowed {
		return store.Request{}, store.DecisionRecord{}, s.fail(permissionDenied(v.Reason))
	}
	if req.CurrentStage != fromStage {
		return store.Request{}, store.DecisionRecord{}, s.fail(staleState(fmt.Sprintf(
			"request moved to %s while the decision was prepared against %s; refresh and retry", req.CurrentStage, fromStage)))
	}

	toStage, err := workflow.Resolve(decision, fromStage)
	if err != nil {
		return store.Request{}, store.DecisionRecord{}, s.fail(validationError(err.Error()))
	}
	status := workflow.StatusFor(decision, toStage)

	rec := store.DecisionRecord{
		ID:        util.NewID("dec"),
		RequestID: requestID,
		ActorID:   actor.ID,
		Decision:  decision,
		Comment:   comment,
		FromStage: fromStage,
		ToStage:   toStage,
	}
	derived := store.Comment{
		ID:         util.NewID("cmt"),
		RequestID:  requestID,
		ActorID:    actor.ID,
		Text:       comment,
		IsDecision: true,
	}
	prev, next := string(fromStage), string(toStage)
	evt := store.TimelineEvent{
		ID:            util.NewID("evt"),
		RequestID:     requestID,
		ActorID:       actor.ID,
		EventType:     timelineEventType(decision),
		Title:         status,
		Description:   comment,
		PreviousValue: &prev,
		NewValue:      &next,
	}

	updated, rec, err := s.store.RecordDecision(ctx, rec, status, toStage.IsTerminal(), derived, evt)
	if errors.Is(err, store.ErrNotFound) {
		return store.Request{}, store.DecisionRecord{}, s.fail(notFound("request not found"))
	}
	if errors.Is(err, store.ErrStaleStage) {
		return store.Request{}, store.DecisionRecord{}, s.fail(staleState(
			"another decision was recorded first; refresh and retry"))
	}
	if err != nil {
		return store.Request{}, store.DecisionRecord{}, s.fail(storageError(err))
	}

	s.broadcastUpdate(ctx, updated)
	if s.events != nil {
		s.events.PublishDecision(updated, rec)
	}
	s.indexRequest(updated)
	s.indexDecision(rec)
	s.notifySuccess(status, updated.Reference)

	s.log.Info().
		Str("request_id", updated.ID).
		Str("decision", string(decision)).
		Str("from_stage", string(fromStage)).
		Str("to_stage", string(toStage)).
		Str("actor_id", actor.ID).
		Msg("decision recorded")
	return updated, rec, nil
}

func timelineEventType(decision workflow.Decision) string {
	switch decision {
	case workflow.DecisionApprove:
		return "approved"
	case workflow.DecisionReject:
		return "rejected"
	case workflow.DecisionDisburse:
		return "disbursed"
	default:
		return "status_change"
	}
}

// AuditTrail returns the decision history, oldest first.
func (s *Service) AuditTrail(ctx context.Context, requestID string) ([]store.DecisionRecord, error) {
	if _, err := s.GetRequest(ctx, requestID); err != nil {
		return nil, err
	}
	items, err := s.store.ListDecisions(ctx, requestID)
	if err != nil {
		return nil, storageError(err)
	}
	return items, nil
}

// Timeline returns the event history, most recent first.
func (s *Service) Timeline(ctx context.Context, requestID string) ([]store.TimelineEvent, error) {
	if _, err := s.GetRequest(ctx, requestID); err != nil {
		return nil, err
	}
	items, err := s.store.ListEvents(ctx, requestID)
	if err != nil {
		return nil, storageError(err)
	}
	return items, nil
}

type CommentInput struct {
	Text       string   `json:"text"`
	Mentions   []string `json:"mentions"`
	IsInternal bool     `json:"isInternal"`
}

func (s *Service) AddComment(ctx context.Context, actor *rbac.Actor, requestID string, input CommentInput) (store.Comment, error) {
	if v := rbac.CanPerform(actor, rbac.ActionComment, nil); !v.Allowed {
		return store.Comment{}, permissionDenied(v.Reason)
	}
	text := strings.TrimSpace(input.Text)
	if text == "" {
		return store.Comment{}, validationError("comment must not be empty")
	}
	if _, err := s.GetRequest(ctx, requestID); err != nil {
		return store.Comment{}, err
	}

	created, err := s.store.InsertComment(ctx, store.Comment{
		ID:         util.NewID("cmt"),
		RequestID:  requestID,
		ActorID:    actor.ID,
		Text:       text,
		Mentions:   input.Mentions,
		IsInternal: input.IsInternal,
	})
	if err != nil {
		return store.Comment{}, storageError(err)
	}

	if _, err := s.store.InsertEvent(ctx, store.TimelineEvent{
		ID:          util.NewID("evt"),
		RequestID:   requestID,
		ActorID:     actor.ID,
		EventType:   "comment_added",
		Title:       "Comment added",
		Description: snippet(text, 120),
	}); err != nil {
		s.log.Warn().Err(err).Str("request_id", requestID).Msg("append comment event")
	}
	return created, nil
}

// ListComments hides internal comments from anonymous users and plain
// viewers; internal staff see everything.
func (s *Service) ListComments(ctx context.Context, actor *rbac.Actor, requestID string) ([]store.Comment, error) {
	if _, err := s.GetRequest(ctx, requestID); err != nil {
		return nil, err
	}
	includeInternal := actor != nil && actor.Role != rbac.RoleViewer
	items, err := s.store.ListComments(ctx, requestID, includeInternal)
	if err != nil {
		return nil, storageError(err)
	}
	return items, nil
}

// RecordUpload appends a document-upload event. The file itself lives with
// the storage collaborator; only the reference enters the timeline.
func (s *Service) RecordUpload(ctx context.Context, actor *rbac.Actor, requestID, fileName, fileURL string) (store.TimelineEvent, error) {
	if v := rbac.CanPerform(actor, rbac.ActionComment, nil); !v.Allowed {
		return store.TimelineEvent{}, permissionDenied(v.Reason)
	}
	if strings.TrimSpace(fileName) == "" {
		return store.TimelineEvent{}, validationError("file name must not be empty")
	}
	if _, err := s.GetRequest(ctx, requestID); err != nil {
		return store.TimelineEvent{}, err
	}

	evt, err := s.store.InsertEvent(ctx, store.TimelineEvent{
		ID:          util.NewID("evt"),
		RequestID:   requestID,
		ActorID:     actor.ID,
		EventType:   "document_uploaded",
		Title:       "Document uploaded",
		Description: fileName,
		Metadata:    map[string]any{"fileName": fileName, "fileUrl": fileURL},
	})
	if err != nil {
		return store.TimelineEvent{}, storageError(err)
	}
	return evt, nil
}

// AssignRequest reassigns a request. The assignee is advisory: it is not
// validated against the stage's responsible role.
func (s *Service) AssignRequest(ctx context.Context, actor *rbac.Actor, requestID, assigneeID string) (store.Request, error) {
	if v := rbac.CanPerform(actor, rbac.ActionAssign, nil); !v.Allowed {
		return store.Request{}, permissionDenied(v.Reason)
	}
	req, err := s.GetRequest(ctx, requestID)
	if err != nil {
		return store.Request{}, err
	}
	if assigneeID != "" {
		if _, err := s.store.GetUser(ctx, assigneeID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return store.Request{}, validationError("assignee does not exist")
			}
			return store.Request{}, storageError(err)
		}
	}

	updated, err := s.store.UpdateAssignee(ctx, requestID, assigneeID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Request{}, notFound("request not found")
	}
	if err != nil {
		return store.Request{}, storageError(err)
	}

	prev, next := req.AssignedTo, assigneeID
	if _, err := s.store.InsertEvent(ctx, store.TimelineEvent{
		ID:            util.NewID("evt"),
		RequestID:     requestID,
		ActorID:       actor.ID,
		EventType:     "assignment_changed",
		Title:         "Assignment changed",
		PreviousValue: &prev,
		NewValue:      &next,
	}); err != nil {
		s.log.Warn().Err(err).Str("request_id", requestID).Msg("append assignment event")
	}

	s.broadcastUpdate(ctx, updated)
	if s.events != nil {
		s.events.PublishAssignment(updated, actor.ID)
	}
	return updated, nil
}

// AvailableActions lists what the actor may do against the request in its
// current stage, for driving UI controls.
func (s *Service) AvailableActions(ctx context.Context, actor *rbac.Actor, requestID string) ([]rbac.Action, error) {
	req, err := s.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return rbac.AvailableActions(actor, req.CurrentStage), nil
}

func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

func (s *Service) broadcastInsert(ctx context.Context, req store.Request) {
	if s.feed == nil {
		return
	}
	if err := s.feed.PublishInsert(ctx, req); err != nil {
		s.log.Warn().Err(err).Str("request_id", req.ID).Msg("feed: publish insert")
	}
}

func (s *Service) broadcastUpdate(ctx context.Context, req store.Request) {
	if s.feed == nil {
		return
	}
	if err := s.feed.PublishUpdate(ctx, req); err != nil {
		s.log.Warn().Err(err).Str("request_id", req.ID).Msg("feed: publish update")
	}
}

func (s *Service) indexRequest(req store.Request) {
	if s.search == nil {
		return
	}
	s.search.IndexRequest(search.RequestRecord{
		ID:        req.ID,
		Reference: req.Reference,
		Status:    req.Status,
		Stage:     string(req.CurrentStage),
		Priority:  req.Priority,
		Currency:  req.Currency,
		Amount:    req.Amount,
	})
}

func (s *Service) indexDecision(rec store.DecisionRecord) {
	if s.search == nil {
		return
	}
	s.search.IndexDecision(search.DecisionRecord{
		ID:        rec.ID,
		RequestID: rec.RequestID,
		Decision:  string(rec.Decision),
		Comment:   rec.Comment,
		Stage:     string(rec.ToStage),
	})
}

func (s *Service) notifySuccess(title, message string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(notify.KindSuccess, title, message, nil)
}

// fail surfaces a user-facing error through the dispatcher and returns it
// unchanged for the transport layer to render.
func (s *Service) fail(err *DomainError) *DomainError {
	if s.notifier != nil {
		s.notifier.Notify(notify.KindError, "Decision failed", err.Message, nil)
	}
	return err
}

func snippet(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "…"
}
