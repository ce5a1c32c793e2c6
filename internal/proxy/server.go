package proxy

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"onemcp/internal/aggregate"
	"onemcp/internal/dispatch"
	"onemcp/internal/filter"
	"onemcp/internal/oauth"
	"onemcp/internal/upstream"
	"onemcp/pkg/logging"
	"onemcp/pkg/mcperr"
)

// protocolVersion is the MCP revision advertised to inbound clients when
// they do not name one themselves.
const protocolVersion = "2024-11-05"

// Options wires a Server to the rest of the proxy.
type Options struct {
	// Name and Version identify the proxy to inbound clients.
	Name    string
	Version string

	Manager    *upstream.Manager
	Dispatcher *dispatch.Dispatcher
	Aggregator *aggregate.Aggregator
	Presets    *filter.Store

	// Auth enables bearer-token gating on the HTTP transports when
	// non-nil.
	Auth *oauth.Handler

	// DefaultPaginate applies when a session does not set the pagination
	// query parameter.
	DefaultPaginate bool

	// MaxSessions overrides DefaultMaxSessions when positive.
	MaxSessions int
}

// Server is the transport-independent inbound MCP surface. Each transport
// (streamable HTTP, SSE, stdio) feeds messages into HandleMessage and
// drains the per-session outbox.
type Server struct {
	name    string
	version string

	manager    *upstream.Manager
	dispatcher *dispatch.Dispatcher
	aggregator *aggregate.Aggregator
	presets    *filter.Store
	auth       *oauth.Handler

	defaultPaginate bool
	sessions        *sessionRegistry
}

// NewServer builds the inbound surface and hooks it into the manager's
// notification and capability-change paths. Must be called before the
// manager's first Reconcile.
func NewServer(opts Options) *Server {
	s := &Server{
		name:            opts.Name,
		version:         opts.Version,
		manager:         opts.Manager,
		dispatcher:      opts.Dispatcher,
		aggregator:      opts.Aggregator,
		presets:         opts.Presets,
		auth:            opts.Auth,
		defaultPaginate: opts.DefaultPaginate,
		sessions:        newSessionRegistry(opts.MaxSessions, sessionIdleTimeout),
	}

	s.manager.OnNotification(s.routeNotification)
	s.manager.OnChanged(s.capabilitiesChanged)
	if s.presets != nil {
		s.presets.OnChanged(s.presetChanged)
	}

	s.sessions.startCleanup()
	return s
}

// Close shuts down every session and the registry's background work.
func (s *Server) Close() {
	s.sessions.stop()
}

// createSession registers a new inbound session. An empty id gets a
// generated one.
func (s *Server) createSession(id string, fctx filter.Context, paginate bool, auth *oauth.Session) (*Session, error) {
	sess := newSession(id, fctx, paginate, auth)
	if err := s.sessions.add(sess); err != nil {
		sess.close()
		return nil, err
	}
	return sess, nil
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    aggregate.Capabilities `json:"capabilities"`
	ServerInfo      serverInfo             `json:"serverInfo"`
}

// HandleMessage processes one inbound JSON-RPC message for a session and
// returns the response, or nil for notifications.
func (s *Server) HandleMessage(ctx context.Context, sess *Session, data []byte) *response {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		return protocolError(nil, codeParseError, "parse error")
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonrpcVersion {
		return protocolError(req.ID, codeInvalidRequest, "unsupported jsonrpc version")
	}
	if req.Method == "" {
		return protocolError(req.ID, codeInvalidRequest, "missing method")
	}

	sess.touch()

	if req.isNotification() {
		s.handleNotification(ctx, &req)
		return nil
	}

	// Closing the session aborts the request even while the transport's
	// own context is still live.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(sess.Context(), cancel)
	defer stop()

	fctx := sess.Filter()

	switch req.Method {
	case "initialize":
		return s.handleInitialize(&req)
	case "ping":
		return resultResponse(req.ID, struct{}{})

	case "tools/list":
		return s.handleList(ctx, &req, func(cursor string) (any, error) {
			return s.dispatcher.ListTools(ctx, fctx, cursor, sess.paginate)
		})
	case "resources/list":
		return s.handleList(ctx, &req, func(cursor string) (any, error) {
			return s.dispatcher.ListResources(ctx, fctx, cursor, sess.paginate)
		})
	case "resources/templates/list":
		return s.handleList(ctx, &req, func(cursor string) (any, error) {
			return s.dispatcher.ListResourceTemplates(ctx, fctx, cursor, sess.paginate)
		})
	case "prompts/list":
		return s.handleList(ctx, &req, func(cursor string) (any, error) {
			return s.dispatcher.ListPrompts(ctx, fctx, cursor, sess.paginate)
		})

	case "tools/call":
		var params struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		if err := unmarshalParams(req.Params, &params); err != nil {
			return errorResponse(req.ID, err)
		}
		result, err := s.dispatcher.CallTool(ctx, fctx, params.Name, params.Arguments)
		if err != nil {
			return errorResponse(req.ID, err)
		}
		return resultResponse(req.ID, result)

	case "resources/read":
		var params struct {
			URI string `json:"uri"`
		}
		if err := unmarshalParams(req.Params, &params); err != nil {
			return errorResponse(req.ID, err)
		}
		result, err := s.dispatcher.ReadResource(ctx, fctx, params.URI)
		if err != nil {
			return errorResponse(req.ID, err)
		}
		return resultResponse(req.ID, result)

	case "resources/subscribe", "resources/unsubscribe":
		var params struct {
			URI string `json:"uri"`
		}
		if err := unmarshalParams(req.Params, &params); err != nil {
			return errorResponse(req.ID, err)
		}
		var err error
		if req.Method == "resources/subscribe" {
			err = s.dispatcher.Subscribe(ctx, fctx, params.URI)
		} else {
			err = s.dispatcher.Unsubscribe(ctx, fctx, params.URI)
		}
		if err != nil {
			return errorResponse(req.ID, err)
		}
		return resultResponse(req.ID, struct{}{})

	case "prompts/get":
		var params struct {
			Name      string            `json:"name"`
			Arguments map[string]string `json:"arguments"`
		}
		if err := unmarshalParams(req.Params, &params); err != nil {
			return errorResponse(req.ID, err)
		}
		result, err := s.dispatcher.GetPrompt(ctx, fctx, params.Name, params.Arguments)
		if err != nil {
			return errorResponse(req.ID, err)
		}
		return resultResponse(req.ID, result)

	case "logging/setLevel":
		var params struct {
			Level string `json:"level"`
		}
		if err := unmarshalParams(req.Params, &params); err != nil {
			return errorResponse(req.ID, err)
		}
		if params.Level == "" {
			return errorResponse(req.ID, mcperr.NewValidationError("missing level"))
		}
		if err := s.dispatcher.SetLogLevel(ctx, mcp.LoggingLevel(params.Level)); err != nil {
			return errorResponse(req.ID, err)
		}
		return resultResponse(req.ID, struct{}{})

	default:
		return protocolError(req.ID, codeMethodNotFound, "method not found: "+req.Method)
	}
}

func (s *Server) handleInitialize(req *request) *response {
	var params struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if err := unmarshalParams(req.Params, &params); err != nil {
		return errorResponse(req.ID, err)
	}

	// The proxy is a pass-through on protocol semantics; echo the
	// client's revision rather than forcing a downgrade dance.
	version := params.ProtocolVersion
	if version == "" {
		version = protocolVersion
	}

	return resultResponse(req.ID, initializeResult{
		ProtocolVersion: version,
		Capabilities:    s.aggregator.Current(),
		ServerInfo:      serverInfo{Name: s.name, Version: s.version},
	})
}

func (s *Server) handleList(_ context.Context, req *request, list func(cursor string) (any, error)) *response {
	var params struct {
		Cursor string `json:"cursor"`
	}
	if err := unmarshalParams(req.Params, &params); err != nil {
		return errorResponse(req.ID, err)
	}
	result, err := list(params.Cursor)
	if err != nil {
		return errorResponse(req.ID, err)
	}
	return resultResponse(req.ID, result)
}

// handleNotification forwards inbound client notifications to the outbound
// set. The initialized handshake marker stays local.
func (s *Server) handleNotification(ctx context.Context, req *request) {
	if req.Method == "notifications/initialized" {
		return
	}

	var params mcp.NotificationParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			logging.Warn("Proxy", "Dropping malformed notification %s: %v", req.Method, err)
			return
		}
	}
	s.dispatcher.ForwardToOutbound(ctx, mcp.JSONRPCNotification{
		JSONRPC: mcp.JSONRPC_VERSION,
		Notification: mcp.Notification{
			Method: req.Method,
			Params: params,
		},
	})
}

func unmarshalParams(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return mcperr.NewValidationError("invalid params")
	}
	return nil
}

// routeNotification delivers one outbound server's notification to every
// session whose filter admits that server, with composite-id rewriting.
func (s *Server) routeNotification(server string, n mcp.JSONRPCNotification) {
	rewritten := dispatch.RewriteNotification(server, n)
	s.sessions.each(func(sess *Session) {
		if s.dispatcher.AdmitsServer(sess.Filter(), server) {
			sess.send(rewritten)
		}
	})
}

// capabilitiesChanged recomputes the aggregate after a reconcile or status
// change and re-emits listChanged for each changed category.
func (s *Server) capabilitiesChanged() {
	changed := s.aggregator.Update(s.manager.Snapshot())
	for _, category := range changed {
		method := category.NotificationMethod()
		if method == "" {
			continue
		}
		logging.Debug("Proxy", "Capability set changed, emitting %s", method)
		s.broadcast(notificationMessage(method))
	}
}

// presetChanged re-resolves sessions bound to the preset and tells them to
// re-list everything.
func (s *Server) presetChanged(name string) {
	s.sessions.each(func(sess *Session) {
		fctx := sess.Filter()
		if fctx.Preset != name {
			return
		}
		if updated, err := s.presets.Get(name); err == nil {
			// The grant survives preset edits; Admits enforces it on
			// every dispatch.
			updated.Granted = fctx.Granted
			sess.setFilter(updated)
		}
		for _, category := range []aggregate.Category{
			aggregate.CategoryTools, aggregate.CategoryResources, aggregate.CategoryPrompts,
		} {
			sess.send(notificationMessage(category.NotificationMethod()))
		}
	})
}

func (s *Server) broadcast(n mcp.JSONRPCNotification) {
	s.sessions.each(func(sess *Session) {
		sess.send(n)
	})
}

func notificationMessage(method string) mcp.JSONRPCNotification {
	return mcp.JSONRPCNotification{
		JSONRPC: mcp.JSONRPC_VERSION,
		Notification: mcp.Notification{
			Method: method,
		},
	}
}

// SessionCount reports live inbound sessions, for the health endpoint.
func (s *Server) SessionCount() int {
	return s.sessions.count()
}
