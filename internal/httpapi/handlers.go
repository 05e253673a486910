package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"beacon/internal/model"
)

// snapshot is the list response the client hydrates its store from.
type snapshot struct {
	Notifications []model.Notification `json:"notifications"`
	UnreadCount   int                  `json:"unread_count"`
	Preferences   []model.Preference   `json:"preferences"`
}

func (s *Server) routeNotifications(w http.ResponseWriter, r *http.Request, userID string, rest []string) {
	switch {
	case len(rest) == 0:
		switch r.Method {
		case http.MethodGet:
			s.handleListNotifications(w, r, userID)
		case http.MethodPost:
			s.handleCreateNotification(w, r, userID)
		default:
			methodNotAllowed(w)
		}
	case len(rest) == 1 && rest[0] == "read_all":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.handleMarkAllRead(w, r, userID)
	case len(rest) == 1:
		switch r.Method {
		case http.MethodGet:
			s.handleGetNotification(w, r, userID, rest[0])
		case http.MethodDelete:
			s.handleDeleteNotification(w, r, userID, rest[0])
		default:
			methodNotAllowed(w)
		}
	case len(rest) == 2 && rest[1] == "read":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.handleMarkRead(w, r, userID, rest[0])
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown route")
	}
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request, userID string) {
	q := r.URL.Query()
	unreadOnly := q.Get("unread_only") == "1" || q.Get("unread_only") == "true"
	limit, _ := strconv.Atoi(q.Get("limit"))

	ns, err := s.store.ListNotifications(r.Context(), userID, unreadOnly, limit)
	if err != nil {
		s.fail(w, "list notifications", err)
		return
	}
	count, err := s.store.UnreadCount(r.Context(), userID)
	if err != nil {
		s.fail(w, "count unread", err)
		return
	}
	ps, err := s.prefs.List(r.Context(), userID)
	if err != nil {
		s.fail(w, "list preferences", err)
		return
	}
	if ns == nil {
		ns = []model.Notification{}
	}
	if ps == nil {
		ps = []model.Preference{}
	}
	writeJSON(w, http.StatusOK, snapshot{Notifications: ns, UnreadCount: count, Preferences: ps})
}

type createNotificationRequest struct {
	Type     model.NotificationType `json:"type"`
	Title    string                 `json:"title"`
	Message  string                 `json:"message"`
	Metadata model.Metadata         `json:"metadata"`
}

func (s *Server) handleCreateNotification(w http.ResponseWriter, r *http.Request, userID string) {
	var req createNotificationRequest
	if !readJSON(w, r, &req) {
		return
	}
	if !req.Type.Valid() {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown notification type "+strconv.Quote(string(req.Type)))
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "title is required")
		return
	}

	n := model.NewNotification(userID, req.Type, req.Title, req.Message, req.Metadata)
	res, err := s.dispatcher.Dispatch(r.Context(), n)
	if err != nil {
		s.fail(w, "dispatch notification", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"notification": n,
		"result":       res,
	})
}

func (s *Server) handleGetNotification(w http.ResponseWriter, r *http.Request, userID, id string) {
	n, err := s.store.GetNotification(r.Context(), userID, id)
	if err != nil {
		s.fail(w, "get notification", err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, userID, id string) {
	updated, err := s.store.MarkNotificationRead(r.Context(), userID, id, time.Now())
	if err != nil {
		s.fail(w, "mark read", err)
		return
	}
	if updated {
		s.pushUnread(r, userID)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"updated": updated})
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request, userID string) {
	n, err := s.store.MarkAllNotificationsRead(r.Context(), userID, time.Now())
	if err != nil {
		s.fail(w, "mark all read", err)
		return
	}
	if n > 0 {
		s.pushUnread(r, userID)
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": n})
}

func (s *Server) handleDeleteNotification(w http.ResponseWriter, r *http.Request, userID, id string) {
	wasUnread, err := s.store.DeleteNotification(r.Context(), userID, id)
	if err != nil {
		s.fail(w, "delete notification", err)
		return
	}
	if wasUnread {
		s.pushUnread(r, userID)
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// pushUnread keeps open websocket sessions in step with REST mutations.
func (s *Server) pushUnread(r *http.Request, userID string) {
	if s.hub == nil {
		return
	}
	if count, err := s.store.UnreadCount(r.Context(), userID); err == nil {
		s.hub.UnreadCount(userID, count)
	}
}

func (s *Server) routePreferences(w http.ResponseWriter, r *http.Request, userID string, rest []string) {
	switch len(rest) {
	case 0:
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		ps, err := s.prefs.List(r.Context(), userID)
		if err != nil {
			s.fail(w, "list preferences", err)
			return
		}
		if ps == nil {
			ps = []model.Preference{}
		}
		writeJSON(w, http.StatusOK, ps)
	case 1:
		typ := model.NotificationType(rest[0])
		switch r.Method {
		case http.MethodGet:
			p, err := s.prefs.Effective(r.Context(), userID, typ)
			if err != nil {
				s.fail(w, "get preference", err)
				return
			}
			writeJSON(w, http.StatusOK, p)
		case http.MethodPut:
			var patch model.PreferencePatch
			if !readJSON(w, r, &patch) {
				return
			}
			p, err := s.prefs.Update(r.Context(), userID, typ, patch)
			if err != nil {
				s.fail(w, "update preference", err)
				return
			}
			writeJSON(w, http.StatusOK, p)
		case http.MethodDelete:
			if err := s.prefs.Delete(r.Context(), userID, typ); err != nil {
				s.fail(w, "delete preference", err)
				return
			}
			writeJSON(w, http.StatusNoContent, nil)
		default:
			methodNotAllowed(w)
		}
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown route")
	}
}

func (s *Server) routeRules(w http.ResponseWriter, r *http.Request, userID string, rest []string) {
	switch {
	case len(rest) == 0:
		switch r.Method {
		case http.MethodGet:
			rs, err := s.store.ListRules(r.Context(), userID)
			if err != nil {
				s.fail(w, "list rules", err)
				return
			}
			if rs == nil {
				rs = []model.Rule{}
			}
			writeJSON(w, http.StatusOK, rs)
		case http.MethodPost:
			s.handleCreateRule(w, r, userID)
		default:
			methodNotAllowed(w)
		}
	case len(rest) == 1:
		switch r.Method {
		case http.MethodGet:
			rule, err := s.store.GetRule(r.Context(), userID, rest[0])
			if err != nil {
				s.fail(w, "get rule", err)
				return
			}
			writeJSON(w, http.StatusOK, rule)
		case http.MethodPut:
			s.handleUpdateRule(w, r, userID, rest[0])
		case http.MethodDelete:
			if err := s.store.DeleteRule(r.Context(), userID, rest[0]); err != nil {
				s.fail(w, "delete rule", err)
				return
			}
			writeJSON(w, http.StatusNoContent, nil)
		default:
			methodNotAllowed(w)
		}
	case len(rest) == 2 && rest[1] == "test":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.handleTestRule(w, r, userID, rest[0])
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown route")
	}
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request, userID string) {
	var rule model.Rule
	if !readJSON(w, r, &rule) {
		return
	}
	rule.ID = uuid.NewString()
	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	if err := rule.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	if err := s.store.InsertRule(r.Context(), userID, rule); err != nil {
		s.fail(w, "create rule", err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request, userID, id string) {
	var rule model.Rule
	if !readJSON(w, r, &rule) {
		return
	}
	rule.ID = id
	rule.UpdatedAt = time.Now()
	if err := rule.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	if err := s.store.UpdateRule(r.Context(), userID, rule); err != nil {
		s.fail(w, "update rule", err)
		return
	}
	updated, err := s.store.GetRule(r.Context(), userID, id)
	if err != nil {
		s.fail(w, "get rule", err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleTestRule(w http.ResponseWriter, r *http.Request, userID, ruleID string) {
	var req struct {
		NotificationID string `json:"notification_id"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.NotificationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "notification_id is required")
		return
	}
	res, err := s.rules.Test(r.Context(), userID, ruleID, req.NotificationID)
	if err != nil {
		s.fail(w, "test rule", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) routeSources(w http.ResponseWriter, r *http.Request, userID string, rest []string) {
	switch {
	case len(rest) == 0:
		switch r.Method {
		case http.MethodGet:
			srcs, err := s.sources.List(r.Context(), userID)
			if err != nil {
				s.fail(w, "list sources", err)
				return
			}
			if srcs == nil {
				srcs = []model.Source{}
			}
			writeJSON(w, http.StatusOK, srcs)
		case http.MethodPost:
			var src model.Source
			if !readJSON(w, r, &src) {
				return
			}
			src.UserID = userID
			created, err := s.sources.Create(r.Context(), src)
			if err != nil {
				s.fail(w, "create source", err)
				return
			}
			writeJSON(w, http.StatusCreated, created)
		default:
			methodNotAllowed(w)
		}
	case len(rest) == 1:
		switch r.Method {
		case http.MethodGet:
			src, err := s.sources.Get(r.Context(), userID, rest[0])
			if err != nil {
				s.fail(w, "get source", err)
				return
			}
			writeJSON(w, http.StatusOK, src)
		case http.MethodPut:
			var src model.Source
			if !readJSON(w, r, &src) {
				return
			}
			src.ID = rest[0]
			src.UserID = userID
			updated, err := s.sources.Update(r.Context(), src)
			if err != nil {
				s.fail(w, "update source", err)
				return
			}
			writeJSON(w, http.StatusOK, updated)
		case http.MethodDelete:
			if err := s.sources.Delete(r.Context(), userID, rest[0]); err != nil {
				s.fail(w, "delete source", err)
				return
			}
			writeJSON(w, http.StatusNoContent, nil)
		default:
			methodNotAllowed(w)
		}
	case len(rest) == 2 && rest[1] == "test":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		if err := s.sources.TestAuth(r.Context(), userID, rest[0]); err != nil {
			s.fail(w, "test source auth", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	case len(rest) == 2 && rest[1] == "collect":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		res, err := s.sources.Collect(r.Context(), userID, rest[0])
		if err != nil {
			s.fail(w, "collect source", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown route")
	}
}

func (s *Server) routeDigests(w http.ResponseWriter, r *http.Request, userID string, rest []string) {
	if len(rest) == 0 {
		writeError(w, http.StatusNotFound, "not_found", "digest type is required")
		return
	}
	typ := model.DigestType(rest[0])
	if !typ.Valid() {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown digest type "+strconv.Quote(rest[0]))
		return
	}
	switch {
	case len(rest) == 1 && r.Method == http.MethodGet:
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		ds, err := s.digests.List(r.Context(), userID, typ, limit)
		if err != nil {
			s.fail(w, "list digests", err)
			return
		}
		if ds == nil {
			ds = []model.Digest{}
		}
		writeJSON(w, http.StatusOK, ds)
	case len(rest) == 2 && rest[1] == "generate" && r.Method == http.MethodPost:
		s.handleGenerateDigest(w, r, userID, typ)
	case len(rest) == 2 && rest[1] == "latest" && r.Method == http.MethodGet:
		d, err := s.digests.Latest(r.Context(), userID, typ)
		if err != nil {
			// No digest yet is the expected first-run answer.
			s.fail(w, "latest digest", err)
			return
		}
		writeJSON(w, http.StatusOK, d)
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown route")
	}
}

func (s *Server) handleGenerateDigest(w http.ResponseWriter, r *http.Request, userID string, typ model.DigestType) {
	var req struct {
		Start time.Time `json:"start"`
		End   time.Time `json:"end"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.Start.IsZero() || req.End.IsZero() || !req.End.After(req.Start) {
		writeError(w, http.StatusBadRequest, "bad_request", "period end must be after start")
		return
	}
	d, err := s.digests.Generate(r.Context(), userID, typ, req.Start, req.End)
	if err != nil {
		s.fail(w, "generate digest", err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleInsights(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	top, _ := strconv.Atoi(r.URL.Query().Get("top"))
	if top <= 0 {
		top = 5
	}
	ins, err := s.patterns.InsightsSummary(r.Context(), userID, top)
	if err != nil {
		s.fail(w, "pattern insights", err)
		return
	}
	writeJSON(w, http.StatusOK, ins)
}
