package upstream

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"onemcp/pkg/logging"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// DefaultStdioInitTimeout is the default timeout for stdio client
// initialization. It covers subprocess startup plus the MCP handshake.
const DefaultStdioInitTimeout = 10 * time.Second

// StdioClient implements the Client interface over a child-process stdio
// pipe.
type StdioClient struct {
	baseMCPClient
	command string
	args    []string
	env     map[string]string
	cwd     string
}

// NewStdioClient creates a stdio-based MCP client. The subprocess is not
// started until Initialize.
func NewStdioClient(command string, args []string, env map[string]string, cwd string) *StdioClient {
	return &StdioClient{
		command: command,
		args:    args,
		env:     env,
		cwd:     cwd,
	}
}

// Initialize starts the subprocess and performs the protocol handshake.
func (c *StdioClient) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	logging.Debug("StdioClient", "Starting %s %v", c.command, c.args)

	var envStrings []string
	for k, v := range c.env {
		envStrings = append(envStrings, fmt.Sprintf("%s=%s", k, v))
	}

	var mcpClient *client.Client
	var err error
	if c.cwd != "" {
		cwd := c.cwd
		mcpClient, err = client.NewStdioMCPClientWithOptions(c.command, envStrings, c.args,
			transport.WithCommandFunc(func(ctx context.Context, command string, env []string, args []string) (*exec.Cmd, error) {
				cmd := exec.CommandContext(ctx, command, args...)
				cmd.Env = append(os.Environ(), env...)
				cmd.Dir = cwd
				return cmd, nil
			}))
	} else {
		mcpClient, err = client.NewStdioMCPClient(c.command, envStrings, c.args...)
	}
	if err != nil {
		return fmt.Errorf("failed to create stdio client: %w", err)
	}

	// If no timeout in context, add a reasonable default
	initCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, DefaultStdioInitTimeout)
		defer cancel()
	}

	initResult, err := mcpClient.Initialize(initCtx, newInitializeRequest())
	if err != nil {
		logging.Error("StdioClient", err, "Failed to initialize MCP protocol for %s", c.command)
		if closeErr := mcpClient.Close(); closeErr != nil {
			logging.Debug("StdioClient", "Error closing failed client for %s: %v", c.command, closeErr)
		}
		return fmt.Errorf("failed to initialize MCP protocol: %w", err)
	}

	c.finishInitialize(mcpClient, initResult)

	logging.Debug("StdioClient", "Initialized %s. Server: %s %s",
		c.command, initResult.ServerInfo.Name, initResult.ServerInfo.Version)
	return nil
}

// Close cleanly shuts down the subprocess.
func (c *StdioClient) Close() error {
	return c.closeClient()
}

// GetStderr returns a reader for the stderr output of the subprocess.
func (c *StdioClient) GetStderr() (io.Reader, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.connected || c.client == nil {
		return nil, false
	}
	if concreteClient, ok := c.client.(*client.Client); ok {
		return client.GetStderr(concreteClient)
	}
	return nil, false
}

func (c *StdioClient) ListTools(ctx context.Context, cursor string) (*mcp.ListToolsResult, error) {
	return c.listTools(ctx, cursor)
}

func (c *StdioClient) ListResources(ctx context.Context, cursor string) (*mcp.ListResourcesResult, error) {
	return c.listResources(ctx, cursor)
}

func (c *StdioClient) ListResourceTemplates(ctx context.Context, cursor string) (*mcp.ListResourceTemplatesResult, error) {
	return c.listResourceTemplates(ctx, cursor)
}

func (c *StdioClient) ListPrompts(ctx context.Context, cursor string) (*mcp.ListPromptsResult, error) {
	return c.listPrompts(ctx, cursor)
}

func (c *StdioClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	return c.callTool(ctx, name, args)
}

func (c *StdioClient) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	return c.readResource(ctx, uri)
}

func (c *StdioClient) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	return c.getPrompt(ctx, name, args)
}

func (c *StdioClient) Subscribe(ctx context.Context, uri string) error {
	return c.subscribe(ctx, uri)
}

func (c *StdioClient) Unsubscribe(ctx context.Context, uri string) error {
	return c.unsubscribe(ctx, uri)
}

func (c *StdioClient) SetLogLevel(ctx context.Context, level mcp.LoggingLevel) error {
	return c.setLogLevel(ctx, level)
}

func (c *StdioClient) Ping(ctx context.Context) error {
	return c.ping(ctx)
}

func (c *StdioClient) SendNotification(ctx context.Context, notification mcp.JSONRPCNotification) error {
	return c.sendNotification(ctx, notification)
}
