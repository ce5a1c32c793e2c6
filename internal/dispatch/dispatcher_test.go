package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onemcp/internal/catalog"
	"onemcp/internal/filter"
	"onemcp/internal/upstream"
	"onemcp/pkg/mcperr"
)

// listPage scripts one native page of a fake server's listing.
type listPage[T any] struct {
	items []T
	next  string
}

// fakeUpstream is a scriptable upstream.Client for dispatcher tests.
type fakeUpstream struct {
	mu   sync.Mutex
	caps mcp.ServerCapabilities

	toolPages     map[string]listPage[mcp.Tool]
	resourcePages map[string]listPage[mcp.Resource]
	templatePages map[string]listPage[mcp.ResourceTemplate]
	promptPages   map[string]listPage[mcp.Prompt]
	listErr       error

	callDelay  time.Duration
	calledWith []string
	readWith   []string
	promptWith []string
	subscribed []string
	levels     []mcp.LoggingLevel
	sent       []mcp.JSONRPCNotification
}

func newFakeUpstream(t *testing.T, capsJSON string) *fakeUpstream {
	t.Helper()
	var caps mcp.ServerCapabilities
	require.NoError(t, json.Unmarshal([]byte(capsJSON), &caps))
	return &fakeUpstream{caps: caps}
}

func (f *fakeUpstream) Initialize(context.Context) error { return nil }
func (f *fakeUpstream) Close() error                     { return nil }
func (f *fakeUpstream) Connected() bool                  { return true }
func (f *fakeUpstream) ServerInfo() mcp.Implementation   { return mcp.Implementation{Name: "fake"} }
func (f *fakeUpstream) Capabilities() mcp.ServerCapabilities {
	return f.caps
}

func (f *fakeUpstream) ListTools(_ context.Context, cursor string) (*mcp.ListToolsResult, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	page := f.toolPages[cursor]
	res := &mcp.ListToolsResult{Tools: page.items}
	res.NextCursor = mcp.Cursor(page.next)
	return res, nil
}

func (f *fakeUpstream) ListResources(_ context.Context, cursor string) (*mcp.ListResourcesResult, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	page := f.resourcePages[cursor]
	res := &mcp.ListResourcesResult{Resources: page.items}
	res.NextCursor = mcp.Cursor(page.next)
	return res, nil
}

func (f *fakeUpstream) ListResourceTemplates(_ context.Context, cursor string) (*mcp.ListResourceTemplatesResult, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	page := f.templatePages[cursor]
	res := &mcp.ListResourceTemplatesResult{ResourceTemplates: page.items}
	res.NextCursor = mcp.Cursor(page.next)
	return res, nil
}

func (f *fakeUpstream) ListPrompts(_ context.Context, cursor string) (*mcp.ListPromptsResult, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	page := f.promptPages[cursor]
	res := &mcp.ListPromptsResult{Prompts: page.items}
	res.NextCursor = mcp.Cursor(page.next)
	return res, nil
}

func (f *fakeUpstream) CallTool(ctx context.Context, name string, _ map[string]interface{}) (*mcp.CallToolResult, error) {
	if f.callDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.callDelay):
		}
	}
	f.mu.Lock()
	f.calledWith = append(f.calledWith, name)
	f.mu.Unlock()
	return &mcp.CallToolResult{}, nil
}

func (f *fakeUpstream) ReadResource(_ context.Context, uri string) (*mcp.ReadResourceResult, error) {
	f.mu.Lock()
	f.readWith = append(f.readWith, uri)
	f.mu.Unlock()
	return &mcp.ReadResourceResult{}, nil
}

func (f *fakeUpstream) GetPrompt(_ context.Context, name string, _ map[string]string) (*mcp.GetPromptResult, error) {
	f.mu.Lock()
	f.promptWith = append(f.promptWith, name)
	f.mu.Unlock()
	return &mcp.GetPromptResult{}, nil
}

func (f *fakeUpstream) Subscribe(_ context.Context, uri string) error {
	f.mu.Lock()
	f.subscribed = append(f.subscribed, uri)
	f.mu.Unlock()
	return nil
}

func (f *fakeUpstream) Unsubscribe(context.Context, string) error { return nil }

func (f *fakeUpstream) SetLogLevel(_ context.Context, level mcp.LoggingLevel) error {
	f.mu.Lock()
	f.levels = append(f.levels, level)
	f.mu.Unlock()
	return nil
}

func (f *fakeUpstream) Ping(context.Context) error { return nil }

func (f *fakeUpstream) SendNotification(_ context.Context, n mcp.JSONRPCNotification) error {
	f.mu.Lock()
	f.sent = append(f.sent, n)
	f.mu.Unlock()
	return nil
}

func (f *fakeUpstream) OnNotification(func(mcp.JSONRPCNotification)) {}
func (f *fakeUpstream) OnClose(func())                               {}

// server bundles a fake with its catalog entry shape for test setup.
type server struct {
	fake    *fakeUpstream
	tags    []string
	timeout int64
}

func newDispatcher(t *testing.T, servers map[string]server) *Dispatcher {
	t.Helper()
	m := upstream.NewManagerForTest("1mcp", func(entry catalog.Entry) (upstream.Client, error) {
		return servers[entry.Name].fake, nil
	})
	t.Cleanup(m.Shutdown)

	entries := make(map[string]catalog.Entry)
	for name, srv := range servers {
		entries[name] = catalog.Entry{
			Name:    name,
			Command: "bin",
			Tags:    srv.tags,
			Timeout: srv.timeout,
		}
	}
	m.Reconcile(context.Background(), catalog.Snapshot{Servers: entries})
	return New(m, mcperr.RetryOptions{})
}

const allCaps = `{"tools": {}, "resources": {"subscribe": true}, "prompts": {}, "logging": {}}`

func TestCallToolRoutesByCompositeName(t *testing.T) {
	a := newFakeUpstream(t, allCaps)
	b := newFakeUpstream(t, allCaps)
	d := newDispatcher(t, map[string]server{"a": {fake: a}, "b": {fake: b}})

	_, err := d.CallTool(context.Background(), filter.None(), "b_1mcp_echo", map[string]any{"x": 1})
	require.NoError(t, err)

	assert.Empty(t, a.calledWith)
	assert.Equal(t, []string{"echo"}, b.calledWith)
}

func TestCallToolInvalidComposite(t *testing.T) {
	d := newDispatcher(t, map[string]server{"a": {fake: newFakeUpstream(t, allCaps)}})

	for _, id := range []string{"no-separator", "a_1mcp_x_1mcp_y", "_1mcp_x", "bad name_1mcp_x"} {
		_, err := d.CallTool(context.Background(), filter.None(), id, nil)
		assert.True(t, mcperr.IsCode(err, mcperr.CodeInvalidParams), "id %q: %v", id, err)
	}
}

func TestCallToolUnknownServer(t *testing.T) {
	d := newDispatcher(t, map[string]server{"a": {fake: newFakeUpstream(t, allCaps)}})

	_, err := d.CallTool(context.Background(), filter.None(), "ghost_1mcp_echo", nil)
	assert.True(t, mcperr.IsCode(err, mcperr.CodeTransportNotFound), "%v", err)
}

func TestCallToolFilteredServerLooksUnknown(t *testing.T) {
	d := newDispatcher(t, map[string]server{
		"a": {fake: newFakeUpstream(t, allCaps), tags: []string{"web"}},
	})

	fctx, err := filter.ParseQuery("db", "")
	require.NoError(t, err)

	_, err = d.CallTool(context.Background(), fctx, "a_1mcp_echo", nil)
	assert.True(t, mcperr.IsCode(err, mcperr.CodeTransportNotFound), "%v", err)
}

func TestCallToolCapabilityNotSupported(t *testing.T) {
	d := newDispatcher(t, map[string]server{
		"a": {fake: newFakeUpstream(t, `{"resources": {}}`)},
	})

	_, err := d.CallTool(context.Background(), filter.None(), "a_1mcp_echo", nil)
	assert.True(t, mcperr.IsCode(err, mcperr.CodeCapabilityNotSupported), "%v", err)
}

func TestCallToolTimeout(t *testing.T) {
	slow := newFakeUpstream(t, allCaps)
	slow.callDelay = 200 * time.Millisecond
	d := newDispatcher(t, map[string]server{"a": {fake: slow, timeout: 20}})

	_, err := d.CallTool(context.Background(), filter.None(), "a_1mcp_echo", nil)
	assert.True(t, mcperr.IsCode(err, mcperr.CodeOperationTimeout), "%v", err)
}

func TestReadResourceStripsPrefix(t *testing.T) {
	a := newFakeUpstream(t, allCaps)
	d := newDispatcher(t, map[string]server{"a": {fake: a}})

	_, err := d.ReadResource(context.Background(), filter.None(), "a_1mcp_file:///etc/motd")
	require.NoError(t, err)
	assert.Equal(t, []string{"file:///etc/motd"}, a.readWith)
}

func TestGetPromptStripsPrefix(t *testing.T) {
	a := newFakeUpstream(t, allCaps)
	d := newDispatcher(t, map[string]server{"a": {fake: a}})

	_, err := d.GetPrompt(context.Background(), filter.None(), "a_1mcp_summarize", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"summarize"}, a.promptWith)
}

func TestSubscribeRequiresCapability(t *testing.T) {
	sub := newFakeUpstream(t, allCaps)
	noSub := newFakeUpstream(t, `{"resources": {}}`)
	d := newDispatcher(t, map[string]server{"a": {fake: sub}, "b": {fake: noSub}})

	require.NoError(t, d.Subscribe(context.Background(), filter.None(), "a_1mcp_file:///x"))
	assert.Equal(t, []string{"file:///x"}, sub.subscribed)

	err := d.Subscribe(context.Background(), filter.None(), "b_1mcp_file:///x")
	assert.True(t, mcperr.IsCode(err, mcperr.CodeCapabilityNotSupported), "%v", err)
}

func TestSetLogLevelBroadcast(t *testing.T) {
	a := newFakeUpstream(t, allCaps)
	b := newFakeUpstream(t, allCaps)
	d := newDispatcher(t, map[string]server{"a": {fake: a}, "b": {fake: b}})

	require.NoError(t, d.SetLogLevel(context.Background(), mcp.LoggingLevelWarning))
	assert.Equal(t, []mcp.LoggingLevel{mcp.LoggingLevelWarning}, a.levels)
	assert.Equal(t, []mcp.LoggingLevel{mcp.LoggingLevelWarning}, b.levels)
}

func TestForwardToOutboundReachesAllConnected(t *testing.T) {
	a := newFakeUpstream(t, allCaps)
	b := newFakeUpstream(t, allCaps)
	d := newDispatcher(t, map[string]server{"a": {fake: a}, "b": {fake: b}})

	n := mcp.JSONRPCNotification{
		JSONRPC:      mcp.JSONRPC_VERSION,
		Notification: mcp.Notification{Method: "notifications/roots/list_changed"},
	}
	d.ForwardToOutbound(context.Background(), n)

	require.Len(t, a.sent, 1)
	require.Len(t, b.sent, 1)
	assert.Equal(t, "notifications/roots/list_changed", a.sent[0].Method)
}

func TestRewriteNotificationPrefixesResourceURI(t *testing.T) {
	n := mcp.JSONRPCNotification{
		JSONRPC: mcp.JSONRPC_VERSION,
		Notification: mcp.Notification{
			Method: "notifications/resources/updated",
			Params: mcp.NotificationParams{
				AdditionalFields: map[string]any{"uri": "file:///x"},
			},
		},
	}

	out := RewriteNotification("srv", n)
	assert.Equal(t, "srv_1mcp_file:///x", out.Params.AdditionalFields["uri"])
	// original untouched
	assert.Equal(t, "file:///x", n.Params.AdditionalFields["uri"])
}

func TestRewriteNotificationLeavesOthersAlone(t *testing.T) {
	n := mcp.JSONRPCNotification{
		JSONRPC:      mcp.JSONRPC_VERSION,
		Notification: mcp.Notification{Method: "notifications/tools/list_changed"},
	}
	out := RewriteNotification("srv", n)
	assert.Equal(t, n, out)
}

func TestAdmitsServer(t *testing.T) {
	d := newDispatcher(t, map[string]server{
		"a": {fake: newFakeUpstream(t, allCaps), tags: []string{"web"}},
		"b": {fake: newFakeUpstream(t, allCaps), tags: []string{"db"}},
	})

	fctx, err := filter.ParseQuery("web", "")
	require.NoError(t, err)

	assert.True(t, d.AdmitsServer(fctx, "a"))
	assert.False(t, d.AdmitsServer(fctx, "b"))
	assert.False(t, d.AdmitsServer(fctx, "ghost"))
}
