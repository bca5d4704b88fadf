package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/teamrelay/internal/gateway"
	"github.com/nidhogg/teamrelay/internal/router"
	"github.com/nidhogg/teamrelay/internal/session"
	"github.com/nidhogg/teamrelay/internal/store"
	"github.com/nidhogg/teamrelay/internal/taskgraph"
)

// SessionArchive answers history queries. *store.Store satisfies it.
type SessionArchive interface {
	GetSession(ctx context.Context, id string) (*store.ArchivedSession, error)
	ListIssueSessions(ctx context.Context, issueID string, limit int) ([]*store.ArchivedSession, error)
	Ping(ctx context.Context) error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	router  *router.IssueRouter
	gw      *gateway.Gateway
	feed    *gateway.FeedAdapter
	archive SessionArchive
	logger  *zap.Logger
}

// NewHandler creates a new API handler. feed and archive may be nil.
func NewHandler(r *router.IssueRouter, gw *gateway.Gateway, feed *gateway.FeedAdapter, logger *zap.Logger) *Handler {
	return &Handler{
		router: r,
		gw:     gw,
		feed:   feed,
		logger: logger,
	}
}

// SetArchive enables archive lookups.
func (h *Handler) SetArchive(a SessionArchive) {
	h.archive = a
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Post("/events", h.handleEvent)
		r.Get("/runs", h.listRuns)

		r.Get("/sessions/{id}", h.getSession)
		r.Get("/sessions/{id}/activities", h.listActivities)

		r.Get("/issues/{issueID}/sessions", h.listIssueSessions)
		r.Get("/issues/{issueID}/resumable", h.getResumable)
		r.Post("/issues/{issueID}/stop", h.stopIssue)

		r.Get("/gateway/status", h.gatewayStatus)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{"status": "ok"}
	if h.archive != nil {
		if err := h.archive.Ping(r.Context()); err != nil {
			body["archive"] = err.Error()
		} else {
			body["archive"] = "ok"
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *Handler) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev router.IssueEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	d, err := h.router.Handle(r.Context(), ev)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, router.ErrUnknownRepository), errors.Is(err, router.ErrInvalidEvent):
			status = http.StatusBadRequest
		case errors.Is(err, taskgraph.ErrDependencyCycle), errors.Is(err, taskgraph.ErrNoSubIssues),
			errors.Is(err, taskgraph.ErrUnknownProcedure), errors.Is(err, taskgraph.ErrInvalidGraph):
			status = http.StatusUnprocessableEntity
		default:
			h.logger.Error("handle event failed", zap.String("issue", ev.IssueID), zap.Error(err))
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, d)
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"issues": h.router.Running()})
}

type sessionView struct {
	RepositoryID string                `json:"repositoryId"`
	Session      *session.AgentSession `json:"session"`
	Archived     bool                  `json:"archived,omitempty"`
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if reg, s, ok := h.router.Catalog().Find(id); ok {
		writeJSON(w, http.StatusOK, sessionView{RepositoryID: reg.RepositoryID(), Session: s})
		return
	}
	if h.archive != nil {
		a, err := h.archive.GetSession(r.Context(), id)
		if err == nil {
			writeJSON(w, http.StatusOK, sessionView{RepositoryID: a.RepositoryID, Session: a.Session, Archived: true})
			return
		}
		if !errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
}

func (h *Handler) listActivities(w http.ResponseWriter, r *http.Request) {
	if h.feed == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "activity feed not enabled"})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, h.feed.History(chi.URLParam(r, "id"), limit))
}

func (h *Handler) listIssueSessions(w http.ResponseWriter, r *http.Request) {
	issueID := chi.URLParam(r, "issueID")

	if r.URL.Query().Get("archived") == "true" {
		if h.archive == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "archive not enabled"})
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		rows, err := h.archive.ListIssueSessions(r.Context(), issueID, limit)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		out := make([]sessionView, 0, len(rows))
		for _, a := range rows {
			out = append(out, sessionView{RepositoryID: a.RepositoryID, Session: a.Session, Archived: true})
		}
		writeJSON(w, http.StatusOK, out)
		return
	}

	catalog := h.router.Catalog()
	out := []sessionView{}
	for _, repoID := range catalog.RepositoryIDs() {
		for _, s := range catalog.Registry(repoID).ListByIssue(issueID) {
			out = append(out, sessionView{RepositoryID: repoID, Session: s})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Session.CreatedAt.Before(out[j].Session.CreatedAt)
	})
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getResumable(w http.ResponseWriter, r *http.Request) {
	issueID := chi.URLParam(r, "issueID")
	catalog := h.router.Catalog()

	var best *sessionView
	for _, repoID := range catalog.RepositoryIDs() {
		s, ok := catalog.Registry(repoID).FindResumableSession(issueID)
		if !ok {
			continue
		}
		if best == nil || s.UpdatedAt.After(best.Session.UpdatedAt) {
			best = &sessionView{RepositoryID: repoID, Session: s}
		}
	}
	if best == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no resumable session"})
		return
	}
	writeJSON(w, http.StatusOK, best)
}

func (h *Handler) stopIssue(w http.ResponseWriter, r *http.Request) {
	issueID := chi.URLParam(r, "issueID")
	stopped := h.router.Stop(issueID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"issue_id": issueID,
		"stopped":  stopped,
	})
}

func (h *Handler) gatewayStatus(w http.ResponseWriter, r *http.Request) {
	if h.gw == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "gateway not initialized"})
		return
	}
	writeJSON(w, http.StatusOK, h.gw.StatusAll())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
