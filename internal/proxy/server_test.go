package proxy

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onemcp/internal/aggregate"
	"onemcp/internal/catalog"
	"onemcp/internal/dispatch"
	"onemcp/internal/filter"
	"onemcp/internal/upstream"
	"onemcp/pkg/mcperr"
)

const allCaps = `{"tools": {}, "resources": {"subscribe": true}, "prompts": {}, "logging": {}}`

// fakeClient is a scriptable upstream.Client for inbound-surface tests.
type fakeClient struct {
	mu   sync.Mutex
	caps mcp.ServerCapabilities

	tools      []mcp.Tool
	calledWith []string
	levels     []mcp.LoggingLevel
	subscribed []string
	sent       []mcp.JSONRPCNotification
}

func newFakeClient(t *testing.T, capsJSON string) *fakeClient {
	t.Helper()
	var caps mcp.ServerCapabilities
	require.NoError(t, json.Unmarshal([]byte(capsJSON), &caps))
	return &fakeClient{caps: caps}
}

func (f *fakeClient) Initialize(context.Context) error { return nil }
func (f *fakeClient) Close() error                     { return nil }
func (f *fakeClient) Connected() bool                  { return true }
func (f *fakeClient) ServerInfo() mcp.Implementation   { return mcp.Implementation{Name: "fake"} }
func (f *fakeClient) Capabilities() mcp.ServerCapabilities {
	return f.caps
}

func (f *fakeClient) ListTools(context.Context, string) (*mcp.ListToolsResult, error) {
	return &mcp.ListToolsResult{Tools: f.tools}, nil
}

func (f *fakeClient) ListResources(context.Context, string) (*mcp.ListResourcesResult, error) {
	return &mcp.ListResourcesResult{Resources: []mcp.Resource{}}, nil
}

func (f *fakeClient) ListResourceTemplates(context.Context, string) (*mcp.ListResourceTemplatesResult, error) {
	return &mcp.ListResourceTemplatesResult{ResourceTemplates: []mcp.ResourceTemplate{}}, nil
}

func (f *fakeClient) ListPrompts(context.Context, string) (*mcp.ListPromptsResult, error) {
	return &mcp.ListPromptsResult{Prompts: []mcp.Prompt{}}, nil
}

func (f *fakeClient) CallTool(_ context.Context, name string, _ map[string]interface{}) (*mcp.CallToolResult, error) {
	f.mu.Lock()
	f.calledWith = append(f.calledWith, name)
	f.mu.Unlock()
	return &mcp.CallToolResult{}, nil
}

func (f *fakeClient) ReadResource(context.Context, string) (*mcp.ReadResourceResult, error) {
	return &mcp.ReadResourceResult{}, nil
}

func (f *fakeClient) GetPrompt(context.Context, string, map[string]string) (*mcp.GetPromptResult, error) {
	return &mcp.GetPromptResult{}, nil
}

func (f *fakeClient) Subscribe(_ context.Context, uri string) error {
	f.mu.Lock()
	f.subscribed = append(f.subscribed, uri)
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) Unsubscribe(context.Context, string) error { return nil }

func (f *fakeClient) SetLogLevel(_ context.Context, level mcp.LoggingLevel) error {
	f.mu.Lock()
	f.levels = append(f.levels, level)
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) Ping(context.Context) error { return nil }

func (f *fakeClient) SendNotification(_ context.Context, n mcp.JSONRPCNotification) error {
	f.mu.Lock()
	f.sent = append(f.sent, n)
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) sentMethods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, n := range f.sent {
		out = append(out, n.Method)
	}
	return out
}

func (f *fakeClient) OnNotification(func(mcp.JSONRPCNotification)) {}
func (f *fakeClient) OnClose(func())                               {}

// testUpstream bundles a fake with its catalog tags.
type testUpstream struct {
	fake *fakeClient
	tags []string
}

func newTestServer(t *testing.T, servers map[string]testUpstream, mutate func(*Options)) *Server {
	t.Helper()
	m := upstream.NewManagerForTest("1mcp", func(entry catalog.Entry) (upstream.Client, error) {
		return servers[entry.Name].fake, nil
	})
	t.Cleanup(m.Shutdown)

	opts := Options{
		Name:       "1mcp",
		Version:    "test",
		Manager:    m,
		Dispatcher: dispatch.New(m, mcperr.RetryOptions{}),
		Aggregator: aggregate.NewAggregator(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	srv := NewServer(opts)
	t.Cleanup(srv.Close)

	entries := make(map[string]catalog.Entry)
	for name, up := range servers {
		entries[name] = catalog.Entry{Name: name, Command: "bin", Tags: up.tags}
	}
	m.Reconcile(context.Background(), catalog.Snapshot{Servers: entries})
	return srv
}

func testSession(t *testing.T, srv *Server, fctx filter.Context) *Session {
	t.Helper()
	sess, err := srv.createSession("", fctx, false, nil)
	require.NoError(t, err)
	return sess
}

// rpc runs one request through HandleMessage.
func rpc(t *testing.T, srv *Server, sess *Session, method string, params any) *response {
	t.Helper()
	req := map[string]any{"jsonrpc": "2.0", "id": 1, "method": method}
	if params != nil {
		req["params"] = params
	}
	data, err := json.Marshal(req)
	require.NoError(t, err)
	return srv.HandleMessage(context.Background(), sess, data)
}

func tool(name string) mcp.Tool { return mcp.Tool{Name: name} }

func TestInitializeAdvertisesAggregatedCapabilities(t *testing.T) {
	srv := newTestServer(t, map[string]testUpstream{
		"a": {fake: newFakeClient(t, allCaps)},
	}, nil)
	sess := testSession(t, srv, filter.None())

	resp := rpc(t, srv, sess, "initialize", map[string]any{
		"protocolVersion": "2025-03-26",
		"clientInfo":      map[string]any{"name": "client", "version": "1"},
	})
	require.Nil(t, resp.Error)

	result, ok := resp.Result.(initializeResult)
	require.True(t, ok)
	assert.Equal(t, "2025-03-26", result.ProtocolVersion)
	assert.Equal(t, "1mcp", result.ServerInfo.Name)
	require.NotNil(t, result.Capabilities.Tools)
	assert.True(t, result.Capabilities.Tools.ListChanged)
	require.NotNil(t, result.Capabilities.Resources)
	assert.True(t, result.Capabilities.Resources.Subscribe)
}

func TestInitializeDefaultsProtocolVersion(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	sess := testSession(t, srv, filter.None())

	resp := rpc(t, srv, sess, "initialize", nil)
	require.Nil(t, resp.Error)
	assert.Equal(t, protocolVersion, resp.Result.(initializeResult).ProtocolVersion)
}

func TestPing(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	sess := testSession(t, srv, filter.None())

	resp := rpc(t, srv, sess, "ping", nil)
	require.Nil(t, resp.Error)
	assert.Equal(t, struct{}{}, resp.Result)
}

func TestUnknownMethod(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	sess := testSession(t, srv, filter.None())

	resp := rpc(t, srv, sess, "bogus/op", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeMethodNotFound, resp.Error.Code)
}

func TestParseError(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	sess := testSession(t, srv, filter.None())

	resp := srv.HandleMessage(context.Background(), sess, []byte("{not json"))
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeParseError, resp.Error.Code)
}

func TestMissingMethodRejected(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	sess := testSession(t, srv, filter.None())

	resp := srv.HandleMessage(context.Background(), sess, []byte(`{"jsonrpc": "2.0", "id": 1}`))
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeInvalidRequest, resp.Error.Code)
}

func TestToolsListPrefixesNames(t *testing.T) {
	a := newFakeClient(t, allCaps)
	a.tools = []mcp.Tool{tool("t1"), tool("t2")}
	b := newFakeClient(t, allCaps)
	b.tools = []mcp.Tool{tool("t3")}
	srv := newTestServer(t, map[string]testUpstream{
		"a": {fake: a},
		"b": {fake: b},
	}, nil)
	sess := testSession(t, srv, filter.None())

	resp := rpc(t, srv, sess, "tools/list", nil)
	require.Nil(t, resp.Error)

	result := resp.Result.(*mcp.ListToolsResult)
	var names []string
	for _, item := range result.Tools {
		names = append(names, item.Name)
	}
	assert.Equal(t, []string{"a_1mcp_t1", "a_1mcp_t2", "b_1mcp_t3"}, names)
}

func TestSessionFilterRestrictsList(t *testing.T) {
	web := newFakeClient(t, allCaps)
	web.tools = []mcp.Tool{tool("fetch")}
	db := newFakeClient(t, allCaps)
	db.tools = []mcp.Tool{tool("query")}
	srv := newTestServer(t, map[string]testUpstream{
		"web": {fake: web, tags: []string{"web"}},
		"db":  {fake: db, tags: []string{"db"}},
	}, nil)

	fctx, err := filter.Simple([]string{"web"})
	require.NoError(t, err)
	sess := testSession(t, srv, fctx)

	resp := rpc(t, srv, sess, "tools/list", nil)
	require.Nil(t, resp.Error)

	result := resp.Result.(*mcp.ListToolsResult)
	require.Len(t, result.Tools, 1)
	assert.Equal(t, "web_1mcp_fetch", result.Tools[0].Name)
}

func TestToolsCallRoutes(t *testing.T) {
	a := newFakeClient(t, allCaps)
	b := newFakeClient(t, allCaps)
	srv := newTestServer(t, map[string]testUpstream{
		"a": {fake: a},
		"b": {fake: b},
	}, nil)
	sess := testSession(t, srv, filter.None())

	resp := rpc(t, srv, sess, "tools/call", map[string]any{
		"name":      "b_1mcp_echo",
		"arguments": map[string]any{"x": 1},
	})
	require.Nil(t, resp.Error)
	assert.Empty(t, a.calledWith)
	assert.Equal(t, []string{"echo"}, b.calledWith)
}

func TestSubscribeRoutes(t *testing.T) {
	a := newFakeClient(t, allCaps)
	srv := newTestServer(t, map[string]testUpstream{"a": {fake: a}}, nil)
	sess := testSession(t, srv, filter.None())

	resp := rpc(t, srv, sess, "resources/subscribe", map[string]any{"uri": "a_1mcp_file:///x"})
	require.Nil(t, resp.Error)
	assert.Equal(t, []string{"file:///x"}, a.subscribed)
}

func TestSetLevelBroadcasts(t *testing.T) {
	a := newFakeClient(t, allCaps)
	b := newFakeClient(t, allCaps)
	srv := newTestServer(t, map[string]testUpstream{
		"a": {fake: a},
		"b": {fake: b},
	}, nil)
	sess := testSession(t, srv, filter.None())

	resp := rpc(t, srv, sess, "logging/setLevel", map[string]any{"level": "warning"})
	require.Nil(t, resp.Error)
	assert.Equal(t, []mcp.LoggingLevel{mcp.LoggingLevelWarning}, a.levels)
	assert.Equal(t, []mcp.LoggingLevel{mcp.LoggingLevelWarning}, b.levels)

	resp = rpc(t, srv, sess, "logging/setLevel", map[string]any{})
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcperr.CodeInvalidParams, resp.Error.Code)
}

func TestClientNotificationForwarded(t *testing.T) {
	a := newFakeClient(t, allCaps)
	srv := newTestServer(t, map[string]testUpstream{"a": {fake: a}}, nil)
	sess := testSession(t, srv, filter.None())

	resp := srv.HandleMessage(context.Background(), sess,
		[]byte(`{"jsonrpc": "2.0", "method": "notifications/roots/list_changed"}`))
	assert.Nil(t, resp)
	assert.Equal(t, []string{"notifications/roots/list_changed"}, a.sentMethods())
}

func TestInitializedNotificationStaysLocal(t *testing.T) {
	a := newFakeClient(t, allCaps)
	srv := newTestServer(t, map[string]testUpstream{"a": {fake: a}}, nil)
	sess := testSession(t, srv, filter.None())

	resp := srv.HandleMessage(context.Background(), sess,
		[]byte(`{"jsonrpc": "2.0", "method": "notifications/initialized"}`))
	assert.Nil(t, resp)
	assert.Empty(t, a.sentMethods())
}

// receive pops one outbox message within a short deadline.
func receive(t *testing.T, sess *Session) []byte {
	t.Helper()
	select {
	case msg := <-sess.Outbox():
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message in session outbox")
		return nil
	}
}

func TestRouteNotificationRespectsFilter(t *testing.T) {
	srv := newTestServer(t, map[string]testUpstream{
		"web": {fake: newFakeClient(t, allCaps), tags: []string{"web"}},
		"db":  {fake: newFakeClient(t, allCaps), tags: []string{"db"}},
	}, nil)

	webFctx, err := filter.Simple([]string{"web"})
	require.NoError(t, err)
	webSess := testSession(t, srv, webFctx)
	dbFctx, err := filter.Simple([]string{"db"})
	require.NoError(t, err)
	dbSess := testSession(t, srv, dbFctx)

	srv.routeNotification("web", mcp.JSONRPCNotification{
		JSONRPC: mcp.JSONRPC_VERSION,
		Notification: mcp.Notification{
			Method: "notifications/resources/updated",
			Params: mcp.NotificationParams{
				AdditionalFields: map[string]any{"uri": "file:///x"},
			},
		},
	})

	msg := receive(t, webSess)
	assert.Contains(t, string(msg), "web_1mcp_file:///x")

	select {
	case leaked := <-dbSess.Outbox():
		t.Fatalf("filtered session received %s", leaked)
	default:
	}
}

func TestPresetChangeNotifiesBoundSessions(t *testing.T) {
	store, err := filter.NewStore(filepath.Join(t.TempDir(), "presets.json"))
	require.NoError(t, err)
	require.NoError(t, store.Set("dev", &filter.Preset{Tag: "web"}))

	srv := newTestServer(t, map[string]testUpstream{
		"web": {fake: newFakeClient(t, allCaps), tags: []string{"web"}},
	}, func(opts *Options) {
		opts.Presets = store
	})

	fctx, err := store.Get("dev")
	require.NoError(t, err)
	bound := testSession(t, srv, fctx)
	unbound := testSession(t, srv, filter.None())

	require.NoError(t, store.Set("dev", &filter.Preset{Tag: "db"}))

	var methods []string
	for i := 0; i < 3; i++ {
		var n struct {
			Method string `json:"method"`
		}
		require.NoError(t, json.Unmarshal(receive(t, bound), &n))
		methods = append(methods, n.Method)
	}
	assert.ElementsMatch(t, []string{
		"notifications/tools/list_changed",
		"notifications/resources/list_changed",
		"notifications/prompts/list_changed",
	}, methods)

	// the bound session now evaluates the updated preset
	assert.False(t, bound.Filter().Admits([]string{"web"}))
	assert.True(t, bound.Filter().Admits([]string{"db"}))

	select {
	case leaked := <-unbound.Outbox():
		t.Fatalf("unbound session received %s", leaked)
	default:
	}
}

func TestCapabilityChangeBroadcastsListChanged(t *testing.T) {
	a := newFakeClient(t, allCaps)
	srv := newTestServer(t, map[string]testUpstream{"a": {fake: a}}, nil)
	sess := testSession(t, srv, filter.None())

	// dropping the only server changes every contributing category
	srv.manager.Reconcile(context.Background(), catalog.Snapshot{})

	var methods []string
	for i := 0; i < 3; i++ {
		var n struct {
			Method string `json:"method"`
		}
		require.NoError(t, json.Unmarshal(receive(t, sess), &n))
		methods = append(methods, n.Method)
	}
	assert.ElementsMatch(t, []string{
		"notifications/tools/list_changed",
		"notifications/resources/list_changed",
		"notifications/prompts/list_changed",
	}, methods)
}
