// Package httpapi exposes the delivery subsystem over HTTP: notification
// and preference CRUD, rules, sources, digests, insights, and the
// websocket push endpoint. Routing is a plain path switch; everything
// under /v1 requires a bearer token.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"beacon/internal/digest"
	"beacon/internal/dispatch"
	"beacon/internal/pattern"
	"beacon/internal/prefs"
	"beacon/internal/push"
	"beacon/internal/rules"
	"beacon/internal/source"
	"beacon/internal/storage"
	logx "beacon/pkg/logx"
)

const maxBodyBytes = 256 << 10

// TokenResolver maps a bearer token to a user id. The second return is
// false for unknown or revoked tokens.
type TokenResolver func(token string) (userID string, ok bool)

// StaticTokens builds a resolver over a fixed token→user table.
func StaticTokens(tokens map[string]string) TokenResolver {
	return func(tok string) (string, bool) {
		uid, ok := tokens[tok]
		return uid, ok
	}
}

type Config struct {
	Addr string `json:"addr" yaml:"addr"`
}

type Server struct {
	cfg        Config
	log        logx.Logger
	store      *storage.Store
	dispatcher *dispatch.Service
	prefs      *prefs.Registry
	rules      *rules.Engine
	patterns   *pattern.Service
	digests    *digest.Generator
	sources    *source.Manager
	hub        *push.Hub
	auth       TokenResolver
	started    time.Time
}

type Deps struct {
	Store      *storage.Store
	Dispatcher *dispatch.Service
	Prefs      *prefs.Registry
	Rules      *rules.Engine
	Patterns   *pattern.Service
	Digests    *digest.Generator
	Sources    *source.Manager
	Hub        *push.Hub
	Auth       TokenResolver
}

func NewServer(cfg Config, d Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{
		cfg:        cfg,
		log:        log,
		store:      d.Store,
		dispatcher: d.Dispatcher,
		prefs:      d.Prefs,
		rules:      d.Rules,
		patterns:   d.Patterns,
		digests:    d.Digests,
		sources:    d.Sources,
		hub:        d.Hub,
		auth:       d.Auth,
		started:    time.Now(),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	if path == "/health" {
		s.handleHealth(w, r)
		return
	}
	if !strings.HasPrefix(path, "/v1/") {
		writeError(w, http.StatusNotFound, "not_found", "unknown route")
		return
	}

	userID, ok := s.authenticate(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
		return
	}

	parts := strings.Split(strings.Trim(strings.TrimPrefix(path, "/v1/"), "/"), "/")
	switch parts[0] {
	case "ws":
		if len(parts) == 1 && s.hub != nil {
			s.hub.Handle(w, r, userID)
			return
		}
	case "notifications":
		s.routeNotifications(w, r, userID, parts[1:])
		return
	case "preferences":
		s.routePreferences(w, r, userID, parts[1:])
		return
	case "rules":
		s.routeRules(w, r, userID, parts[1:])
		return
	case "sources":
		s.routeSources(w, r, userID, parts[1:])
		return
	case "digests":
		s.routeDigests(w, r, userID, parts[1:])
		return
	case "insights":
		if len(parts) == 1 {
			s.handleInsights(w, r, userID)
			return
		}
	}
	writeError(w, http.StatusNotFound, "not_found", "unknown route")
}

func (s *Server) authenticate(r *http.Request) (string, bool) {
	if s.auth == nil {
		return "", false
	}
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	tok := strings.TrimSpace(strings.TrimPrefix(h, prefix))
	if tok == "" {
		return "", false
	}
	return s.auth(tok)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "bad_request", "method not allowed")
		return
	}
	out := map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Truncate(time.Second).String(),
	}
	if s.dispatcher != nil {
		if sup := s.dispatcher.Supervisor(); sup != nil {
			out["dispatch"] = sup.Snapshot()
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// writeJSON encodes data; a nil data with 204 writes no body.
func writeJSON(w http.ResponseWriter, status int, data any) {
	if data == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: message}})
}

// fail maps domain errors onto the response taxonomy: unknown ids are
// not-found outcomes, validation problems are 400s, the rest is internal.
func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", op+": not found")
	case errors.Is(err, prefs.ErrInvalidType),
		errors.Is(err, source.ErrUnknownType),
		errors.Is(err, source.ErrDisabled):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	default:
		s.log.Error("request failed", logx.String("op", op), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal", op+" failed")
	}
}

func readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "unreadable request body")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed JSON body")
		return false
	}
	return true
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "bad_request", "method not allowed")
}
