// Package dispatch routes inbound MCP requests across the outbound server
// set: addressed requests to the one server named in the composite id, list
// requests fanned out with cross-server pagination, and notifications in
// both directions.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"onemcp/internal/filter"
	"onemcp/internal/upstream"
	"onemcp/pkg/logging"
	"onemcp/pkg/mcperr"
)

// Dispatcher routes requests for one proxy instance. It is safe for
// concurrent use; all state lives in the upstream manager.
type Dispatcher struct {
	manager *upstream.Manager
	retry   mcperr.RetryOptions
}

// New creates a dispatcher over the given outbound manager with the
// per-request retry policy.
func New(manager *upstream.Manager, retry mcperr.RetryOptions) *Dispatcher {
	return &Dispatcher{
		manager: manager,
		retry:   retry,
	}
}

// admitted returns the Connected records the filter admits, in sorted
// catalog name order.
func (d *Dispatcher) admitted(fctx filter.Context) []*upstream.Record {
	var out []*upstream.Record
	for _, rec := range d.manager.Connected() {
		if fctx.Admits(rec.Entry.Tags) {
			out = append(out, rec)
		}
	}
	return out
}

// target resolves an addressed request to its single outbound record. A
// server the filter does not admit is indistinguishable from an unknown one.
func (d *Dispatcher) target(fctx filter.Context, name string) (*upstream.Record, error) {
	rec := d.manager.Get(name)
	if rec == nil || !fctx.Admits(rec.Entry.Tags) {
		return nil, mcperr.NewClientNotFoundError(name)
	}
	if rec.Status() != upstream.StatusConnected {
		return nil, mcperr.NewClientConnectionError(name, fmt.Sprintf("server is %s", rec.Status()))
	}
	return rec, nil
}

// do runs one outbound operation under the record's timeout and the
// dispatcher's retry policy. A deadline hit inside the operation surfaces
// as an OperationTimeout unless the caller's own context expired.
func (d *Dispatcher) do(ctx context.Context, rec *upstream.Record, op string, fn func(ctx context.Context) error) error {
	err := mcperr.RunWithRetry(ctx, d.retry, func(ctx context.Context) error {
		opCtx, cancel := context.WithTimeout(ctx, rec.Entry.RequestTimeout())
		defer cancel()
		return fn(opCtx)
	})
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return mcperr.NewOperationTimeout(rec.Name, op)
	}
	return err
}

// CallTool proxies tools/call to the server named in the composite tool
// name.
func (d *Dispatcher) CallTool(ctx context.Context, fctx filter.Context, composite string, args map[string]any) (*mcp.CallToolResult, error) {
	server, inner, err := mcperr.SplitID(composite)
	if err != nil {
		return nil, err
	}
	rec, err := d.target(fctx, server)
	if err != nil {
		return nil, err
	}
	if rec.Capabilities().Tools == nil {
		return nil, mcperr.NewCapabilityNotSupported(server, "tools")
	}

	var result *mcp.CallToolResult
	err = d.do(ctx, rec, "tools/call", func(ctx context.Context) error {
		var callErr error
		result, callErr = rec.Client.CallTool(ctx, inner, args)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ReadResource proxies resources/read to the server named in the composite
// URI.
func (d *Dispatcher) ReadResource(ctx context.Context, fctx filter.Context, composite string) (*mcp.ReadResourceResult, error) {
	server, inner, err := mcperr.SplitID(composite)
	if err != nil {
		return nil, err
	}
	rec, err := d.target(fctx, server)
	if err != nil {
		return nil, err
	}
	if rec.Capabilities().Resources == nil {
		return nil, mcperr.NewCapabilityNotSupported(server, "resources")
	}

	var result *mcp.ReadResourceResult
	err = d.do(ctx, rec, "resources/read", func(ctx context.Context) error {
		var readErr error
		result, readErr = rec.Client.ReadResource(ctx, inner)
		return readErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetPrompt proxies prompts/get to the server named in the composite prompt
// name.
func (d *Dispatcher) GetPrompt(ctx context.Context, fctx filter.Context, composite string, args map[string]string) (*mcp.GetPromptResult, error) {
	server, inner, err := mcperr.SplitID(composite)
	if err != nil {
		return nil, err
	}
	rec, err := d.target(fctx, server)
	if err != nil {
		return nil, err
	}
	if rec.Capabilities().Prompts == nil {
		return nil, mcperr.NewCapabilityNotSupported(server, "prompts")
	}

	var result *mcp.GetPromptResult
	err = d.do(ctx, rec, "prompts/get", func(ctx context.Context) error {
		var getErr error
		result, getErr = rec.Client.GetPrompt(ctx, inner, args)
		return getErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Subscribe proxies resources/subscribe to the server named in the
// composite URI.
func (d *Dispatcher) Subscribe(ctx context.Context, fctx filter.Context, composite string) error {
	return d.subscription(ctx, fctx, composite, "resources/subscribe")
}

// Unsubscribe proxies resources/unsubscribe to the server named in the
// composite URI.
func (d *Dispatcher) Unsubscribe(ctx context.Context, fctx filter.Context, composite string) error {
	return d.subscription(ctx, fctx, composite, "resources/unsubscribe")
}

func (d *Dispatcher) subscription(ctx context.Context, fctx filter.Context, composite, op string) error {
	server, inner, err := mcperr.SplitID(composite)
	if err != nil {
		return err
	}
	rec, err := d.target(fctx, server)
	if err != nil {
		return err
	}
	caps := rec.Capabilities()
	if caps.Resources == nil || !caps.Resources.Subscribe {
		return mcperr.NewCapabilityNotSupported(server, "resource subscriptions")
	}

	return d.do(ctx, rec, op, func(ctx context.Context) error {
		if op == "resources/subscribe" {
			return rec.Client.Subscribe(ctx, inner)
		}
		return rec.Client.Unsubscribe(ctx, inner)
	})
}

// SetLogLevel broadcasts logging/setLevel to every connected outbound
// server. Per-server failures are logged and do not fail the broadcast.
func (d *Dispatcher) SetLogLevel(ctx context.Context, level mcp.LoggingLevel) error {
	for _, rec := range d.manager.Connected() {
		rec := rec
		if err := d.do(ctx, rec, "logging/setLevel", func(ctx context.Context) error {
			return rec.Client.SetLogLevel(ctx, level)
		}); err != nil {
			logging.Warn("Dispatch", "logging/setLevel failed on %s: %v", rec.Name, err)
		}
	}
	return nil
}

// ForwardToOutbound delivers an inbound client notification to every
// connected outbound server. Failures are dropped with a warning.
func (d *Dispatcher) ForwardToOutbound(ctx context.Context, notification mcp.JSONRPCNotification) {
	for _, rec := range d.manager.Connected() {
		if err := rec.Client.SendNotification(ctx, notification); err != nil {
			logging.Warn("Dispatch", "Dropping notification %s for %s: %v",
				notification.Method, rec.Name, err)
		}
	}
}

// RewriteNotification adapts an outbound server's notification for inbound
// delivery: resource URIs gain the server's composite prefix so inbound
// clients can route follow-up reads.
func RewriteNotification(server string, n mcp.JSONRPCNotification) mcp.JSONRPCNotification {
	if n.Method != "notifications/resources/updated" {
		return n
	}
	uri, ok := n.Params.AdditionalFields["uri"].(string)
	if !ok {
		return n
	}

	fields := make(map[string]any, len(n.Params.AdditionalFields))
	for k, v := range n.Params.AdditionalFields {
		fields[k] = v
	}
	fields["uri"] = mcperr.JoinID(server, uri)
	n.Params.AdditionalFields = fields
	return n
}

// AdmitsServer reports whether a filter context currently admits the named
// outbound server. Used when routing outbound notifications to inbound
// sessions; admission is recomputed per notification so catalog edits take
// effect immediately.
func (d *Dispatcher) AdmitsServer(fctx filter.Context, server string) bool {
	rec := d.manager.Get(server)
	return rec != nil && fctx.Admits(rec.Entry.Tags)
}
