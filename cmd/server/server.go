package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/liamcoop/automations/automation"
	"github.com/liamcoop/automations/board"
	"github.com/liamcoop/automations/events"
	"github.com/liamcoop/automations/internal/logger"
	"github.com/liamcoop/automations/rules"
)

const maxBodyBytes = 1 << 20

// Server is the HTTP surface of the automation engine.
type Server struct {
	store            rules.RuleStore
	engine           *rules.Engine
	registry         *automation.Registry
	dispatcher       *automation.Dispatcher
	auth             *Authenticator
	cards            *board.MemoryStore
	notifications    *board.RecordingNotifier
	countdownSeconds int
	router           *chi.Mux
}

// Deps are the collaborators a Server needs.
type Deps struct {
	Store            rules.RuleStore
	Engine           *rules.Engine
	Registry         *automation.Registry
	Dispatcher       *automation.Dispatcher
	Auth             *Authenticator
	Cards            *board.MemoryStore        // fed from inbound events when set
	Notifications    *board.RecordingNotifier // enables the inspection route
	CountdownSeconds int
}

func NewServer(d Deps) *Server {
	s := &Server{
		store:            d.Store,
		engine:           d.Engine,
		registry:         d.Registry,
		dispatcher:       d.Dispatcher,
		auth:             d.Auth,
		cards:            d.Cards,
		notifications:    d.Notifications,
		countdownSeconds: d.CountdownSeconds,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(requestFields)

	r.Get("/api/v1/health", s.handleHealth)
	r.Get("/api/v1/metrics", s.handleMetrics)

	r.Group(func(r chi.Router) {
		r.Use(s.auth.Middleware)

		r.Post("/api/v1/events/evaluate", s.handleEvaluate)

		r.Route("/api/v1/rules", func(r chi.Router) {
			r.Post("/", s.handleCreateRule)
			r.Get("/{ruleId}", s.handleGetRule)
			r.Put("/{ruleId}", s.handleUpdateRule)
			r.Delete("/{ruleId}", s.handleDeleteRule)
			r.Post("/{ruleId}/evaluate", s.handleDryRun)
		})
		r.Route("/api/v1/boards/{boardId}", func(r chi.Router) {
			r.Get("/rules", s.handleListRules)
			if s.cards != nil {
				r.Put("/cards/{cardId}", s.handlePutCard)
				r.Get("/cards/{cardId}", s.handleGetCard)
			}
		})
		if s.notifications != nil {
			r.Get("/api/v1/notifications/{recipient}", s.handleListNotifications)
		}
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestFields carries the chi request id into the logging context.
func requestFields(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logger.WithFields(r.Context(), logger.Fields{
			RequestID: middleware.GetReqID(r.Context()),
			Component: "http",
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		logger.ErrorHttp5xx()
		respondJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unhealthy", Error: err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, MetricsResponse{
		Counters: logger.Counters(),
		Executor: s.dispatcher.Stats(),
	})
}

// handleEvaluate accepts a board event, matches it synchronously and hands
// the matches to the executor without waiting for them.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())

	var raw events.Raw
	if !decodeBody(w, r, &raw) {
		return
	}
	if principal.Workspace != "" {
		raw.WorkspaceID = principal.Workspace
	}

	ev, err := events.Construct(raw, principal.Subject)
	if err != nil {
		respondValidation(w, err)
		return
	}

	if s.cards != nil {
		s.cards.ApplyEvent(ev)
	}

	matched := s.engine.Match(r.Context(), ev)
	if len(matched) > 0 {
		s.dispatcher.Dispatch(r.Context(), ev, matched)
	}

	names := make([]string, len(matched))
	for i, rule := range matched {
		names[i] = rule.Name
	}

	respondJSON(w, http.StatusAccepted, EvaluateResponse{
		OK:               true,
		EventID:          ev.ID,
		MatchedRules:     names,
		CountdownSeconds: s.countdownSeconds,
	})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if !decodeBody(w, r, &req) {
		return
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	rule := req.toRule(id)
	if !s.validateRule(w, rule) {
		return
	}

	if err := s.engine.AddRule(r.Context(), rule); err != nil {
		respondStoreError(w, "failed to add rule", err)
		return
	}

	respondJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.store.Get(r.Context(), chi.URLParam(r, "ruleId"))
	if err != nil {
		respondStoreError(w, "failed to get rule", err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if !decodeBody(w, r, &req) {
		return
	}

	rule := req.toRule(chi.URLParam(r, "ruleId"))
	if !s.validateRule(w, rule) {
		return
	}

	if err := s.engine.UpdateRule(r.Context(), rule); err != nil {
		respondStoreError(w, "failed to update rule", err)
		return
	}

	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteRule(r.Context(), chi.URLParam(r, "ruleId")); err != nil {
		respondStoreError(w, "failed to delete rule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListByBoard(r.Context(), chi.URLParam(r, "boardId"))
	if err != nil {
		respondStoreError(w, "failed to list rules", err)
		return
	}
	respondJSON(w, http.StatusOK, RulesListResponse{Rules: list})
}

// handleDryRun evaluates one stored rule against an event without running
// its actions.
func (s *Server) handleDryRun(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())

	var req DryRunRequest
	if !decodeBody(w, r, &req) {
		return
	}

	ev, err := events.Construct(req.Event, principal.Subject)
	if err != nil {
		respondValidation(w, err)
		return
	}

	result, err := s.engine.Evaluate(r.Context(), chi.URLParam(r, "ruleId"), ev)
	if err != nil {
		respondStoreError(w, "failed to evaluate rule", err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handlePutCard(w http.ResponseWriter, r *http.Request) {
	var req CardRequest
	if !decodeBody(w, r, &req) {
		return
	}

	card := req.toCard(chi.URLParam(r, "boardId"), chi.URLParam(r, "cardId"))
	if card.OwnerID == "" {
		respondProblem(w, http.StatusBadRequest, "Invalid card", "the card failed validation",
			map[string][]string{"ownerId": {"required"}})
		return
	}

	s.cards.PutCard(card)
	card, _ = s.cards.GetCard(r.Context(), card.BoardID, card.ID)
	respondJSON(w, http.StatusOK, card)
}

func (s *Server) handleGetCard(w http.ResponseWriter, r *http.Request) {
	card, err := s.cards.GetCard(r.Context(), chi.URLParam(r, "boardId"), chi.URLParam(r, "cardId"))
	if errors.Is(err, board.ErrCardNotFound) {
		respondProblem(w, http.StatusNotFound, "Card not found", err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusOK, card)
}

// handleListNotifications shows what notify actions delivered to a recipient.
func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	sent := s.notifications.For(chi.URLParam(r, "recipient"))
	if sent == nil {
		sent = []board.Notification{}
	}
	respondJSON(w, http.StatusOK, NotificationsResponse{Notifications: sent})
}

func (s *Server) validateRule(w http.ResponseWriter, rule *rules.Rule) bool {
	errs := map[string][]string{}
	if rule.BoardID == "" {
		errs["boardId"] = append(errs["boardId"], "required")
	}
	if rule.Name == "" {
		errs["name"] = append(errs["name"], "required")
	}
	if err := s.engine.ValidateCondition(rule.Condition); err != nil {
		errs["condition"] = append(errs["condition"], err.Error())
	}
	if err := s.registry.ValidateActions(rule.Actions); err != nil {
		errs["actions"] = append(errs["actions"], err.Error())
	}

	if len(errs) > 0 {
		respondProblem(w, http.StatusBadRequest, "Invalid rule", "the rule failed validation", errs)
		return false
	}
	return true
}

// Helper functions

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondProblem(w, http.StatusRequestEntityTooLarge, "Request too large", err.Error(), nil)
			return false
		}
		respondProblem(w, http.StatusBadRequest, "Invalid request body", err.Error(), nil)
		return false
	}
	return true
}

func respondValidation(w http.ResponseWriter, err error) {
	var verr *events.ValidationError
	if !errors.As(err, &verr) {
		respondProblem(w, http.StatusBadRequest, "Invalid event", err.Error(), nil)
		return
	}
	errs := make(map[string][]string, len(verr.Fields))
	for _, fe := range verr.Fields {
		errs[fe.Field] = append(errs[fe.Field], fe.Message)
	}
	respondProblem(w, http.StatusBadRequest, "Invalid event", verr.Error(), errs)
}

func respondStoreError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, rules.ErrRuleNotFound):
		respondProblem(w, http.StatusNotFound, "Rule not found", err.Error(), nil)
	case errors.Is(err, rules.ErrRuleExists):
		respondProblem(w, http.StatusConflict, "Rule already exists", err.Error(), nil)
	case errors.Is(err, rules.ErrMalformedCondition):
		respondProblem(w, http.StatusBadRequest, "Invalid rule", err.Error(), nil)
	default:
		logger.Error(message, "error", err)
		respondProblem(w, http.StatusInternalServerError, message, err.Error(), nil)
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondProblem(w http.ResponseWriter, status int, title, detail string, errs map[string][]string) {
	switch {
	case status >= 500:
		logger.ErrorHttp5xx()
	case status >= 400:
		logger.WarnHttp4xx(status)
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Title:  title,
		Status: status,
		Detail: detail,
		Errors: errs,
	})
}
