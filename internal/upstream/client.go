// Package upstream manages the proxy's outbound side: one MCP client per
// catalog entry, connected with retry, reconciled against catalog changes
// and guarded against self-loops.
package upstream

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// protocolVersion is the MCP revision the proxy speaks to outbound servers.
const protocolVersion = "2024-11-05"

// Client is what the rest of the proxy needs from an outbound MCP client.
// One implementation exists per transport kind (stdio, streamable-http,
// sse); all share baseMCPClient for the proxied operations.
type Client interface {
	Initialize(ctx context.Context) error
	Close() error
	Connected() bool

	// ServerInfo returns the server's self-identification captured during
	// the initialize handshake. Used by the self-loop guard.
	ServerInfo() mcp.Implementation
	// Capabilities returns the capabilities observed during initialize.
	Capabilities() mcp.ServerCapabilities

	ListTools(ctx context.Context, cursor string) (*mcp.ListToolsResult, error)
	ListResources(ctx context.Context, cursor string) (*mcp.ListResourcesResult, error)
	ListResourceTemplates(ctx context.Context, cursor string) (*mcp.ListResourceTemplatesResult, error)
	ListPrompts(ctx context.Context, cursor string) (*mcp.ListPromptsResult, error)

	// SendNotification forwards an inbound client notification to the
	// server over the underlying transport.
	SendNotification(ctx context.Context, notification mcp.JSONRPCNotification) error

	CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error)
	ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error)
	GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error)
	Subscribe(ctx context.Context, uri string) error
	Unsubscribe(ctx context.Context, uri string) error
	SetLogLevel(ctx context.Context, level mcp.LoggingLevel) error
	Ping(ctx context.Context) error

	// OnNotification registers a handler for server-initiated
	// notifications. Must be called before Initialize.
	OnNotification(handler func(mcp.JSONRPCNotification))
	// OnClose registers a hook invoked when the transport closes.
	OnClose(hook func())
}

// baseMCPClient carries the shared state and proxied operations for all
// transport-specific clients.
type baseMCPClient struct {
	mu        sync.RWMutex
	client    client.MCPClient
	connected bool

	serverInfo   mcp.Implementation
	capabilities mcp.ServerCapabilities

	notifyHandler func(mcp.JSONRPCNotification)
	closeHook     func()
}

// clientInfo is the identity the proxy presents to outbound servers.
var clientInfo = mcp.Implementation{
	Name:    "onemcp",
	Version: "1.0.0",
}

func newInitializeRequest() mcp.InitializeRequest {
	return mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: protocolVersion,
			ClientInfo:      clientInfo,
			Capabilities:    mcp.ClientCapabilities{},
		},
	}
}

// finishInitialize records the handshake result and wires the notification
// handler. Callers hold the write lock.
func (c *baseMCPClient) finishInitialize(mcpClient client.MCPClient, result *mcp.InitializeResult) {
	c.client = mcpClient
	c.connected = true
	c.serverInfo = result.ServerInfo
	c.capabilities = result.Capabilities

	if c.notifyHandler != nil {
		mcpClient.OnNotification(c.notifyHandler)
	}
}

func (c *baseMCPClient) closeClient() error {
	c.mu.Lock()
	if !c.connected || c.client == nil {
		c.mu.Unlock()
		return nil
	}
	err := c.client.Close()
	c.connected = false
	c.client = nil
	hook := c.closeHook
	c.mu.Unlock()

	if hook != nil {
		hook()
	}
	return err
}

func (c *baseMCPClient) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *baseMCPClient) ServerInfo() mcp.Implementation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

func (c *baseMCPClient) Capabilities() mcp.ServerCapabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capabilities
}

func (c *baseMCPClient) OnNotification(handler func(mcp.JSONRPCNotification)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifyHandler = handler
	if c.client != nil {
		c.client.OnNotification(handler)
	}
}

func (c *baseMCPClient) OnClose(hook func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeHook = hook
}

// live returns the underlying client or an error when disconnected.
func (c *baseMCPClient) live() (client.MCPClient, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected || c.client == nil {
		return nil, fmt.Errorf("client not connected")
	}
	return c.client, nil
}

func (c *baseMCPClient) listTools(ctx context.Context, cursor string) (*mcp.ListToolsResult, error) {
	cl, err := c.live()
	if err != nil {
		return nil, err
	}

	req := mcp.ListToolsRequest{}
	req.Params.Cursor = mcp.Cursor(cursor)
	result, err := cl.ListTools(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	return result, nil
}

func (c *baseMCPClient) listResources(ctx context.Context, cursor string) (*mcp.ListResourcesResult, error) {
	cl, err := c.live()
	if err != nil {
		return nil, err
	}

	req := mcp.ListResourcesRequest{}
	req.Params.Cursor = mcp.Cursor(cursor)
	result, err := cl.ListResources(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	return result, nil
}

func (c *baseMCPClient) listResourceTemplates(ctx context.Context, cursor string) (*mcp.ListResourceTemplatesResult, error) {
	cl, err := c.live()
	if err != nil {
		return nil, err
	}

	req := mcp.ListResourceTemplatesRequest{}
	req.Params.Cursor = mcp.Cursor(cursor)
	result, err := cl.ListResourceTemplates(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to list resource templates: %w", err)
	}
	return result, nil
}

func (c *baseMCPClient) listPrompts(ctx context.Context, cursor string) (*mcp.ListPromptsResult, error) {
	cl, err := c.live()
	if err != nil {
		return nil, err
	}

	req := mcp.ListPromptsRequest{}
	req.Params.Cursor = mcp.Cursor(cursor)
	result, err := cl.ListPrompts(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to list prompts: %w", err)
	}
	return result, nil
}

func (c *baseMCPClient) callTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	cl, err := c.live()
	if err != nil {
		return nil, err
	}

	result, err := cl.CallTool(ctx, mcp.CallToolRequest{
		Params: struct {
			Name      string    `json:"name"`
			Arguments any       `json:"arguments,omitempty"`
			Meta      *mcp.Meta `json:"_meta,omitempty"`
		}{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to call tool: %w", err)
	}
	return result, nil
}

func (c *baseMCPClient) readResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	cl, err := c.live()
	if err != nil {
		return nil, err
	}

	result, err := cl.ReadResource(ctx, mcp.ReadResourceRequest{
		Params: struct {
			URI       string         `json:"uri"`
			Arguments map[string]any `json:"arguments,omitempty"`
		}{
			URI: uri,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read resource: %w", err)
	}
	return result, nil
}

func (c *baseMCPClient) getPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	cl, err := c.live()
	if err != nil {
		return nil, err
	}

	result, err := cl.GetPrompt(ctx, mcp.GetPromptRequest{
		Params: struct {
			Name      string            `json:"name"`
			Arguments map[string]string `json:"arguments,omitempty"`
		}{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get prompt: %w", err)
	}
	return result, nil
}

func (c *baseMCPClient) subscribe(ctx context.Context, uri string) error {
	cl, err := c.live()
	if err != nil {
		return err
	}

	req := mcp.SubscribeRequest{}
	req.Params.URI = uri
	if err := cl.Subscribe(ctx, req); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	return nil
}

func (c *baseMCPClient) unsubscribe(ctx context.Context, uri string) error {
	cl, err := c.live()
	if err != nil {
		return err
	}

	req := mcp.UnsubscribeRequest{}
	req.Params.URI = uri
	if err := cl.Unsubscribe(ctx, req); err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}
	return nil
}

func (c *baseMCPClient) setLogLevel(ctx context.Context, level mcp.LoggingLevel) error {
	cl, err := c.live()
	if err != nil {
		return err
	}

	req := mcp.SetLevelRequest{}
	req.Params.Level = level
	if err := cl.SetLevel(ctx, req); err != nil {
		return fmt.Errorf("failed to set log level: %w", err)
	}
	return nil
}

func (c *baseMCPClient) sendNotification(ctx context.Context, notification mcp.JSONRPCNotification) error {
	cl, err := c.live()
	if err != nil {
		return err
	}
	concrete, ok := cl.(*client.Client)
	if !ok {
		return fmt.Errorf("client does not expose a notification transport")
	}
	return concrete.GetTransport().SendNotification(ctx, notification)
}

func (c *baseMCPClient) ping(ctx context.Context) error {
	cl, err := c.live()
	if err != nil {
		return err
	}
	return cl.Ping(ctx)
}

// isAuthRequiredError reports whether err looks like an HTTP 401 from a
// remote transport, meaning the connection needs an OAuth flow before it
// can proceed.
func isAuthRequiredError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "401") || strings.Contains(msg, "unauthorized")
}
