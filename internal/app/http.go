package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/goccy/go-json"

	"caseflow/internal/auth"
	"caseflow/internal/rbac"
	"caseflow/internal/realtime"
	"caseflow/internal/search"
	"caseflow/internal/workflow"
)

type ctxKey int

const actorKey ctxKey = 0

type HTTPServer struct {
	service     *Service
	view        *realtime.View
	tokenSecret []byte
	corsOrigin  string
}

func NewHTTPServer(service *Service, view *realtime.View, tokenSecret, corsOrigin string) *HTTPServer {
	return &HTTPServer{
		service:     service,
		view:        view,
		tokenSecret: []byte(tokenSecret),
		corsOrigin:  corsOrigin,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{s.corsOrigin},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(s.withActor)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/ready", s.handleReady)

		r.Route("/requests", func(r chi.Router) {
			r.Get("/", s.handleListRequests)
			r.Post("/", s.handleCreateRequest)
			r.Route("/{requestID}", func(r chi.Router) {
				r.Get("/", s.handleGetRequest)
				r.Get("/decisions", s.handleListDecisions)
				r.Post("/decisions", s.handleRecordDecision)
				r.Get("/timeline", s.handleTimeline)
				r.Get("/comments", s.handleListComments)
				r.Post("/comments", s.handleAddComment)
				r.Post("/documents", s.handleRecordUpload)
				r.Post("/assign", s.handleAssign)
				r.Get("/actions", s.handleActions)
			})
		})

		r.Get("/live/requests", s.handleLiveRequests)
		r.Get("/search", s.handleSearch)
		r.Get("/notifications", s.handleListNotifications)
		r.Post("/notifications/{notificationID}/dismiss", s.handleDismissNotification)
	})
	return r
}

// withActor resolves the bearer token into an actor. Requests with no
// token or a bad token proceed anonymously; the permission engine treats
// an absent actor as view-only.
func (s *HTTPServer) withActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		claims, err := auth.ParseToken(s.tokenSecret, token)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		actor := &rbac.Actor{
			ID:   claims.Sub,
			Name: claims.Name,
			Role: rbac.Normalize(claims.Role),
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey, actor)))
	})
}

func actorFrom(r *http.Request) *rbac.Actor {
	actor, _ := r.Context().Value(actorKey).(*rbac.Actor)
	return actor
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.service.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ok":     false,
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": "ready"})
}

func (s *HTTPServer) handleListRequests(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.ListRequests(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": items})
}

func (s *HTTPServer) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var input CreateRequestInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "invalid request body", nil)
		return
	}
	created, err := s.service.CreateRequest(r.Context(), actorFrom(r), input)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.service.GetRequest(r.Context(), chi.URLParam(r, "requestID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type decisionInput struct {
	Decision  string `json:"decision"`
	Comment   string `json:"comment"`
	FromStage string `json:"fromStage"`
}

func (s *HTTPServer) handleRecordDecision(w http.ResponseWriter, r *http.Request) {
	var input decisionInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "invalid request body", nil)
		return
	}
	updated, rec, err := s.service.RecordDecision(
		r.Context(),
		actorFrom(r),
		chi.URLParam(r, "requestID"),
		workflow.Decision(input.Decision),
		input.Comment,
		workflow.Stage(input.FromStage),
	)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"request": updated, "decision": rec})
}

func (s *HTTPServer) handleListDecisions(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.AuditTrail(r.Context(), chi.URLParam(r, "requestID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": items})
}

func (s *HTTPServer) handleTimeline(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.Timeline(r.Context(), chi.URLParam(r, "requestID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": items})
}

func (s *HTTPServer) handleListComments(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.ListComments(r.Context(), actorFrom(r), chi.URLParam(r, "requestID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"comments": items})
}

func (s *HTTPServer) handleAddComment(w http.ResponseWriter, r *http.Request) {
	var input CommentInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "invalid request body", nil)
		return
	}
	created, err := s.service.AddComment(r.Context(), actorFrom(r), chi.URLParam(r, "requestID"), input)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

type uploadInput struct {
	FileName string `json:"fileName"`
	FileURL  string `json:"fileUrl"`
}

func (s *HTTPServer) handleRecordUpload(w http.ResponseWriter, r *http.Request) {
	var input uploadInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "invalid request body", nil)
		return
	}
	evt, err := s.service.RecordUpload(r.Context(), actorFrom(r), chi.URLParam(r, "requestID"), input.FileName, input.FileURL)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, evt)
}

type assignInput struct {
	AssigneeID string `json:"assigneeId"`
}

func (s *HTTPServer) handleAssign(w http.ResponseWriter, r *http.Request) {
	var input assignInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "invalid request body", nil)
		return
	}
	updated, err := s.service.AssignRequest(r.Context(), actorFrom(r), chi.URLParam(r, "requestID"), input.AssigneeID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleActions(w http.ResponseWriter, r *http.Request) {
	actions, err := s.service.AvailableActions(r.Context(), actorFrom(r), chi.URLParam(r, "requestID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": actions})
}

// handleLiveRequests serves the merged real-time view when the change feed
// is wired, and falls back to a direct store read otherwise.
func (s *HTTPServer) handleLiveRequests(w http.ResponseWriter, r *http.Request) {
	if s.view != nil {
		writeJSON(w, http.StatusOK, map[string]any{"requests": s.view.Snapshot()})
		return
	}
	items, err := s.service.ListRequests(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": items})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	resp := s.service.Search(search.Query{
		Text:        q.Get("q"),
		FilterType:  search.ResultType(q.Get("type")),
		FilterStage: q.Get("stage"),
	})
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"notifications": s.service.Notifier().List()})
}

func (s *HTTPServer) handleDismissNotification(w http.ResponseWriter, r *http.Request) {
	s.service.Notifier().Dismiss(chi.URLParam(r, "notificationID"))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeDomainError(w http.ResponseWriter, err error) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		writeError(w, domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details)
		return
	}
	writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(target)
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
