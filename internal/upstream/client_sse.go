package upstream

import (
	"context"
	"fmt"

	"onemcp/pkg/logging"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// SSEClient implements the Client interface over Server-Sent Events.
type SSEClient struct {
	baseMCPClient
	url     string
	headers map[string]string
}

// NewSSEClient creates an SSE-based MCP client with optional custom headers.
func NewSSEClient(url string, headers map[string]string) *SSEClient {
	if headers == nil {
		headers = make(map[string]string)
	}
	return &SSEClient{
		url:     url,
		headers: headers,
	}
}

// Initialize establishes the connection and performs the protocol handshake.
func (c *SSEClient) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	logging.Debug("SSEClient", "Creating SSE client for URL: %s", c.url)

	var opts []transport.ClientOption
	if len(c.headers) > 0 {
		opts = append(opts, transport.WithHeaders(c.headers))
		logging.Debug("SSEClient", "Configured headers: %v", logging.RedactHeaders(c.headers))
	}

	mcpClient, err := client.NewSSEMCPClient(c.url, opts...)
	if err != nil {
		return fmt.Errorf("failed to create SSE client: %w", err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		if isAuthRequiredError(err) {
			return &AuthRequiredError{URL: c.url, Cause: err}
		}
		return fmt.Errorf("failed to start SSE transport: %w", err)
	}

	initResult, err := mcpClient.Initialize(ctx, newInitializeRequest())
	if err != nil {
		mcpClient.Close()
		if isAuthRequiredError(err) {
			return &AuthRequiredError{URL: c.url, Cause: err}
		}
		return fmt.Errorf("failed to initialize MCP protocol: %w", err)
	}

	c.finishInitialize(mcpClient, initResult)

	logging.Debug("SSEClient", "SSE client initialized. Server: %s, Version: %s",
		initResult.ServerInfo.Name, initResult.ServerInfo.Version)
	return nil
}

// Close cleanly shuts down the client connection.
func (c *SSEClient) Close() error {
	return c.closeClient()
}

func (c *SSEClient) ListTools(ctx context.Context, cursor string) (*mcp.ListToolsResult, error) {
	return c.listTools(ctx, cursor)
}

func (c *SSEClient) ListResources(ctx context.Context, cursor string) (*mcp.ListResourcesResult, error) {
	return c.listResources(ctx, cursor)
}

func (c *SSEClient) ListResourceTemplates(ctx context.Context, cursor string) (*mcp.ListResourceTemplatesResult, error) {
	return c.listResourceTemplates(ctx, cursor)
}

func (c *SSEClient) ListPrompts(ctx context.Context, cursor string) (*mcp.ListPromptsResult, error) {
	return c.listPrompts(ctx, cursor)
}

func (c *SSEClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	return c.callTool(ctx, name, args)
}

func (c *SSEClient) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	return c.readResource(ctx, uri)
}

func (c *SSEClient) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	return c.getPrompt(ctx, name, args)
}

func (c *SSEClient) Subscribe(ctx context.Context, uri string) error {
	return c.subscribe(ctx, uri)
}

func (c *SSEClient) Unsubscribe(ctx context.Context, uri string) error {
	return c.unsubscribe(ctx, uri)
}

func (c *SSEClient) SetLogLevel(ctx context.Context, level mcp.LoggingLevel) error {
	return c.setLogLevel(ctx, level)
}

func (c *SSEClient) Ping(ctx context.Context) error {
	return c.ping(ctx)
}

func (c *SSEClient) SendNotification(ctx context.Context, notification mcp.JSONRPCNotification) error {
	return c.sendNotification(ctx, notification)
}
