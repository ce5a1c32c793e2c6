package upstream

import (
	"context"
	"fmt"

	"onemcp/pkg/logging"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// StreamableHTTPClient implements the Client interface over the streamable
// HTTP transport.
type StreamableHTTPClient struct {
	baseMCPClient
	url     string
	headers map[string]string
}

// NewStreamableHTTPClient creates a streamable-HTTP MCP client with
// optional custom headers attached to every request.
func NewStreamableHTTPClient(url string, headers map[string]string) *StreamableHTTPClient {
	if headers == nil {
		headers = make(map[string]string)
	}
	return &StreamableHTTPClient{
		url:     url,
		headers: headers,
	}
}

// Initialize establishes the connection and performs the protocol handshake.
func (c *StreamableHTTPClient) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	logging.Debug("StreamableHTTPClient", "Creating StreamableHTTP client for URL: %s", c.url)

	var opts []transport.StreamableHTTPCOption
	if len(c.headers) > 0 {
		opts = append(opts, transport.WithHTTPHeaders(c.headers))
		logging.Debug("StreamableHTTPClient", "Configured headers: %v", logging.RedactHeaders(c.headers))
	}

	mcpClient, err := client.NewStreamableHttpClient(c.url, opts...)
	if err != nil {
		return fmt.Errorf("failed to create StreamableHTTP client: %w", err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		if isAuthRequiredError(err) {
			return &AuthRequiredError{URL: c.url, Cause: err}
		}
		return fmt.Errorf("failed to start StreamableHTTP transport: %w", err)
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

	logging.Debug("StreamableHTTPClient", "StreamableHTTP client initialized. Server: %s, Version: %s",
		initResult.ServerInfo.Name, initResult.ServerInfo.Version)
	return nil
}

// Close cleanly shuts down the client connection.
func (c *StreamableHTTPClient) Close() error {
	return c.closeClient()
}

func (c *StreamableHTTPClient) ListTools(ctx context.Context, cursor string) (*mcp.ListToolsResult, error) {
	return c.listTools(ctx, cursor)
}

func (c *StreamableHTTPClient) ListResources(ctx context.Context, cursor string) (*mcp.ListResourcesResult, error) {
	return c.listResources(ctx, cursor)
}

func (c *StreamableHTTPClient) ListResourceTemplates(ctx context.Context, cursor string) (*mcp.ListResourceTemplatesResult, error) {
	return c.listResourceTemplates(ctx, cursor)
}

func (c *StreamableHTTPClient) ListPrompts(ctx context.Context, cursor string) (*mcp.ListPromptsResult, error) {
	return c.listPrompts(ctx, cursor)
}

func (c *StreamableHTTPClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	return c.callTool(ctx, name, args)
}

func (c *StreamableHTTPClient) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	return c.readResource(ctx, uri)
}

func (c *StreamableHTTPClient) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	return c.getPrompt(ctx, name, args)
}

func (c *StreamableHTTPClient) Subscribe(ctx context.Context, uri string) error {
	return c.subscribe(ctx, uri)
}

func (c *StreamableHTTPClient) Unsubscribe(ctx context.Context, uri string) error {
	return c.unsubscribe(ctx, uri)
}

func (c *StreamableHTTPClient) SetLogLevel(ctx context.Context, level mcp.LoggingLevel) error {
	return c.setLogLevel(ctx, level)
}

func (c *StreamableHTTPClient) Ping(ctx context.Context) error {
	return c.ping(ctx)
}

func (c *StreamableHTTPClient) SendNotification(ctx context.Context, notification mcp.JSONRPCNotification) error {
	return c.sendNotification(ctx, notification)
}
