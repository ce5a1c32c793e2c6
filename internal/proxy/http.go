package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"onemcp/internal/filter"
	"onemcp/internal/oauth"
	"onemcp/internal/upstream"
	"onemcp/pkg/logging"
)

const (
	// sessionHeader carries the streamable HTTP session id.
	sessionHeader = "Mcp-Session-Id"
	// maxBodySize bounds one inbound JSON-RPC message.
	maxBodySize = 4 << 20
)

// Router builds the inbound HTTP surface: the streamable HTTP endpoint, the
// legacy SSE pair, the health probe and, when auth is enabled, the OAuth
// endpoints.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	if s.auth != nil {
		s.auth.Routes(r)
	}

	r.Post("/mcp", s.handleStreamablePost)
	r.Get("/mcp", s.handleStreamableGet)
	r.Delete("/mcp", s.handleStreamableDelete)

	r.Get("/sse", s.handleSSE)
	r.Post("/messages", s.handleSSEMessage)

	return r
}

// handleStreamablePost serves one JSON-RPC message. The first POST without a
// session header opens the session; its id travels back in the same header.
func (s *Server) handleStreamablePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeHTTPError(w, http.StatusBadRequest, "invalid_request", "unreadable body")
		return
	}

	sess := s.sessions.get(r.Header.Get(sessionHeader))
	if sess == nil {
		if r.Header.Get(sessionHeader) != "" {
			// Unknown id: the client must reinitialize.
			writeHTTPError(w, http.StatusNotFound, "invalid_request", "unknown session")
			return
		}
		var herr *httpError
		sess, herr = s.openSession(r)
		if herr != nil {
			herr.write(w)
			return
		}
	}
	w.Header().Set(sessionHeader, sess.ID)

	resp := s.HandleMessage(r.Context(), sess, body)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStreamableGet streams the session's notifications as server-sent
// events.
func (s *Server) handleStreamableGet(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.get(r.Header.Get(sessionHeader))
	if sess == nil {
		writeHTTPError(w, http.StatusNotFound, "invalid_request", "unknown session")
		return
	}
	s.streamOutbox(w, r, sess)
}

// handleStreamableDelete ends the session.
func (s *Server) handleStreamableDelete(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(sessionHeader)
	if s.sessions.remove(id) == nil {
		writeHTTPError(w, http.StatusNotFound, "invalid_request", "unknown session")
		return
	}
	logging.Debug("Proxy", "Session %s deleted by client", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleSSE serves the legacy SSE transport: it opens the session, announces
// the paired message endpoint, then streams responses and notifications.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeHTTPError(w, http.StatusInternalServerError, "server_error", "streaming unsupported")
		return
	}

	sess, herr := s.openSession(r)
	if herr != nil {
		herr.write(w)
		return
	}
	defer s.sessions.remove(sess.ID)

	setSSEHeaders(w)
	fmt.Fprintf(w, "event: endpoint\ndata: /messages?sessionId=%s\n\n", sess.ID)
	flusher.Flush()

	s.pumpOutbox(w, r, sess, flusher)
}

// handleSSEMessage accepts one message for an SSE session. The response
// travels back over the event stream, so the POST only acknowledges.
func (s *Server) handleSSEMessage(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.get(r.URL.Query().Get("sessionId"))
	if sess == nil {
		writeHTTPError(w, http.StatusNotFound, "invalid_request", "unknown session")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeHTTPError(w, http.StatusBadRequest, "invalid_request", "unreadable body")
		return
	}

	if resp := s.HandleMessage(r.Context(), sess, body); resp != nil {
		sess.send(resp)
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	connected := 0
	records := s.manager.Snapshot()
	for _, rec := range records {
		if rec.Status() == upstream.StatusConnected {
			connected++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"servers":   len(records),
		"connected": connected,
		"sessions":  s.SessionCount(),
	})
}

// openSession authenticates the request, resolves its filter parameters and
// registers a new session.
func (s *Server) openSession(r *http.Request) (*Session, *httpError) {
	authSession, herr := s.authorize(r)
	if herr != nil {
		return nil, herr
	}

	fctx, herr := s.sessionFilter(r)
	if herr != nil {
		return nil, herr
	}

	if authSession != nil {
		granted, err := fctx.WithGrant(filter.GrantedTags(authSession.Scopes))
		if err != nil {
			var scopeErr *filter.ScopeError
			if errors.As(err, &scopeErr) {
				return nil, &httpError{
					status:      http.StatusForbidden,
					code:        "insufficient_scope",
					description: scopeErr.Error(),
				}
			}
			return nil, &httpError{status: http.StatusBadRequest, code: "invalid_request", description: err.Error()}
		}
		fctx = granted
	}

	paginate := s.defaultPaginate
	if v := r.URL.Query().Get("pagination"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return nil, &httpError{status: http.StatusBadRequest, code: "invalid_request", description: "invalid pagination parameter"}
		}
		paginate = parsed
	}

	sess, err := s.createSession("", fctx, paginate, authSession)
	if err != nil {
		return nil, &httpError{status: http.StatusServiceUnavailable, code: "server_error", description: err.Error()}
	}
	logging.Debug("Proxy", "Session %s opened (filter %s)", sess.ID, fctx.Mode)
	return sess, nil
}

// sessionFilter resolves the tags, tag-filter and preset query parameters
// into the session's filter context.
func (s *Server) sessionFilter(r *http.Request) (filter.Context, *httpError) {
	q := r.URL.Query()
	preset := q.Get("preset")
	tags := q.Get("tags")
	tagFilter := q.Get("tag-filter")

	if preset != "" {
		if tags != "" || tagFilter != "" {
			return filter.Context{}, &httpError{
				status: http.StatusBadRequest, code: "invalid_request",
				description: "preset is mutually exclusive with tags and tag-filter",
			}
		}
		if s.presets == nil {
			return filter.Context{}, &httpError{
				status: http.StatusBadRequest, code: "invalid_request",
				description: "presets are not configured",
			}
		}
		fctx, err := s.presets.Get(preset)
		if err != nil {
			return filter.Context{}, &httpError{
				status: http.StatusBadRequest, code: "invalid_request",
				description: fmt.Sprintf("unknown preset %q", preset),
			}
		}
		return fctx, nil
	}

	fctx, err := filter.ParseQuery(tags, tagFilter)
	if err != nil {
		return filter.Context{}, &httpError{status: http.StatusBadRequest, code: "invalid_request", description: err.Error()}
	}
	return fctx, nil
}

// authorize validates the bearer token when auth is enabled. A nil return
// with no error means auth is disabled.
func (s *Server) authorize(r *http.Request) (*oauth.Session, *httpError) {
	if s.auth == nil {
		return nil, nil
	}

	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return nil, &httpError{
			status: http.StatusUnauthorized, code: "invalid_token",
			description: "missing bearer token", challenge: true,
		}
	}

	session, err := s.auth.ValidateToken(token)
	if err != nil {
		return nil, &httpError{
			status: http.StatusUnauthorized, code: "invalid_token",
			description: "invalid or expired token", challenge: true,
		}
	}
	return session, nil
}

// streamOutbox upgrades to SSE and relays the session's outbox.
func (s *Server) streamOutbox(w http.ResponseWriter, r *http.Request, sess *Session) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeHTTPError(w, http.StatusInternalServerError, "server_error", "streaming unsupported")
		return
	}
	setSSEHeaders(w)
	flusher.Flush()
	s.pumpOutbox(w, r, sess, flusher)
}

func (s *Server) pumpOutbox(w http.ResponseWriter, r *http.Request, sess *Session, flusher http.Flusher) {
	for {
		select {
		case <-r.Context().Done():
			return
		case <-sess.Context().Done():
			return
		case msg, ok := <-sess.Outbox():
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// httpError is a transport-level failure reported outside the JSON-RPC
// envelope, in the OAuth error shape.
type httpError struct {
	status      int
	code        string
	description string
	// challenge adds the WWW-Authenticate header for 401 responses.
	challenge bool
}

func (e *httpError) write(w http.ResponseWriter) {
	if e.challenge {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf("Bearer error=%q", e.code))
	}
	writeHTTPError(w, e.status, e.code, e.description)
}

func writeHTTPError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, map[string]string{
		"error":             code,
		"error_description": description,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Warn("Proxy", "Failed to write response: %v", err)
	}
}
