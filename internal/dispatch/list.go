package dispatch

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"onemcp/internal/filter"
	"onemcp/internal/upstream"
	"onemcp/pkg/logging"
	"onemcp/pkg/mcperr"
)

const (
	// maxFanOutConcurrency bounds parallel outbound list calls.
	maxFanOutConcurrency = 8
	// maxDrainPages caps the page-follow loop per server so a misbehaving
	// cursor cannot spin the drain forever.
	maxDrainPages = 100
)

// fetchFunc retrieves one native page from one outbound server.
type fetchFunc[T any] func(ctx context.Context, rec *upstream.Record, cursor string) ([]T, string, error)

// drainAll fetches every page from every server concurrently and assembles
// the prefixed items in server name order. A failing server is skipped with
// a warning; federation degrades rather than failing whole.
func drainAll[T any](ctx context.Context, recs []*upstream.Record, fetch fetchFunc[T], prefix func(string, []T) []T) []T {
	buckets := make([][]T, len(recs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxFanOutConcurrency)
	for i, rec := range recs {
		i, rec := i, rec
		g.Go(func() error {
			var items []T
			cursor := ""
			for page := 0; page < maxDrainPages; page++ {
				pageItems, next, err := fetch(gctx, rec, cursor)
				if err != nil {
					logging.Warn("Dispatch", "Skipping %s in list fan-out: %v", rec.Name, err)
					return nil
				}
				items = append(items, pageItems...)
				if next == "" {
					break
				}
				cursor = next
			}
			buckets[i] = prefix(rec.Name, items)
			return nil
		})
	}
	_ = g.Wait()

	var out []T
	for _, bucket := range buckets {
		out = append(out, bucket...)
	}
	return out
}

// pageOne serves one page of a paginated federated list. The cursor names
// the server to resume at and that server's native cursor; a malformed or
// stale cursor restarts from the first server.
func pageOne[T any](ctx context.Context, recs []*upstream.Record, cursor string, fetch fetchFunc[T], prefix func(string, []T) []T) ([]T, string, error) {
	if len(recs) == 0 {
		return nil, "", nil
	}

	idx, inner := 0, ""
	if name, innerCursor, err := mcperr.DecodeCursor(cursor); err != nil {
		logging.Warn("Dispatch", "Malformed list cursor, restarting: %v", err)
	} else if name != "" {
		found := false
		for i, rec := range recs {
			if rec.Name == name {
				idx, inner, found = i, innerCursor, true
				break
			}
		}
		if !found {
			logging.Warn("Dispatch", "List cursor names unknown server %s, restarting", name)
		}
	}

	rec := recs[idx]
	items, next, err := fetch(ctx, rec, inner)
	if err != nil {
		return nil, "", err
	}

	nextCursor := ""
	switch {
	case next != "":
		nextCursor = mcperr.EncodeCursor(rec.Name, next)
	case idx+1 < len(recs):
		nextCursor = mcperr.EncodeCursor(recs[idx+1].Name, "")
	}
	return prefix(rec.Name, items), nextCursor, nil
}

// ListTools serves tools/list across the filtered outbound set.
func (d *Dispatcher) ListTools(ctx context.Context, fctx filter.Context, cursor string, paginate bool) (*mcp.ListToolsResult, error) {
	recs := d.admitted(fctx)
	fetch := func(ctx context.Context, rec *upstream.Record, cur string) ([]mcp.Tool, string, error) {
		var res *mcp.ListToolsResult
		err := d.do(ctx, rec, "tools/list", func(ctx context.Context) error {
			var listErr error
			res, listErr = rec.Client.ListTools(ctx, cur)
			return listErr
		})
		if err != nil {
			return nil, "", err
		}
		return res.Tools, string(res.NextCursor), nil
	}

	result := &mcp.ListToolsResult{Tools: []mcp.Tool{}}
	if paginate {
		items, next, err := pageOne(ctx, recs, cursor, fetch, prefixTools)
		if err != nil {
			return nil, err
		}
		result.Tools = append(result.Tools, items...)
		result.NextCursor = mcp.Cursor(next)
		return result, nil
	}
	result.Tools = append(result.Tools, drainAll(ctx, recs, fetch, prefixTools)...)
	return result, nil
}

// ListResources serves resources/list across the filtered outbound set.
func (d *Dispatcher) ListResources(ctx context.Context, fctx filter.Context, cursor string, paginate bool) (*mcp.ListResourcesResult, error) {
	recs := d.admitted(fctx)
	fetch := func(ctx context.Context, rec *upstream.Record, cur string) ([]mcp.Resource, string, error) {
		var res *mcp.ListResourcesResult
		err := d.do(ctx, rec, "resources/list", func(ctx context.Context) error {
			var listErr error
			res, listErr = rec.Client.ListResources(ctx, cur)
			return listErr
		})
		if err != nil {
			return nil, "", err
		}
		return res.Resources, string(res.NextCursor), nil
	}

	result := &mcp.ListResourcesResult{Resources: []mcp.Resource{}}
	if paginate {
		items, next, err := pageOne(ctx, recs, cursor, fetch, prefixResources)
		if err != nil {
			return nil, err
		}
		result.Resources = append(result.Resources, items...)
		result.NextCursor = mcp.Cursor(next)
		return result, nil
	}
	result.Resources = append(result.Resources, drainAll(ctx, recs, fetch, prefixResources)...)
	return result, nil
}

// ListResourceTemplates serves resources/templates/list across the filtered
// outbound set.
func (d *Dispatcher) ListResourceTemplates(ctx context.Context, fctx filter.Context, cursor string, paginate bool) (*mcp.ListResourceTemplatesResult, error) {
	recs := d.admitted(fctx)
	fetch := func(ctx context.Context, rec *upstream.Record, cur string) ([]mcp.ResourceTemplate, string, error) {
		var res *mcp.ListResourceTemplatesResult
		err := d.do(ctx, rec, "resources/templates/list", func(ctx context.Context) error {
			var listErr error
			res, listErr = rec.Client.ListResourceTemplates(ctx, cur)
			return listErr
		})
		if err != nil {
			return nil, "", err
		}
		return res.ResourceTemplates, string(res.NextCursor), nil
	}

	result := &mcp.ListResourceTemplatesResult{ResourceTemplates: []mcp.ResourceTemplate{}}
	if paginate {
		items, next, err := pageOne(ctx, recs, cursor, fetch, prefixTemplates)
		if err != nil {
			return nil, err
		}
		result.ResourceTemplates = append(result.ResourceTemplates, items...)
		result.NextCursor = mcp.Cursor(next)
		return result, nil
	}
	result.ResourceTemplates = append(result.ResourceTemplates, drainAll(ctx, recs, fetch, prefixTemplates)...)
	return result, nil
}

// ListPrompts serves prompts/list across the filtered outbound set.
func (d *Dispatcher) ListPrompts(ctx context.Context, fctx filter.Context, cursor string, paginate bool) (*mcp.ListPromptsResult, error) {
	recs := d.admitted(fctx)
	fetch := func(ctx context.Context, rec *upstream.Record, cur string) ([]mcp.Prompt, string, error) {
		var res *mcp.ListPromptsResult
		err := d.do(ctx, rec, "prompts/list", func(ctx context.Context) error {
			var listErr error
			res, listErr = rec.Client.ListPrompts(ctx, cur)
			return listErr
		})
		if err != nil {
			return nil, "", err
		}
		return res.Prompts, string(res.NextCursor), nil
	}

	result := &mcp.ListPromptsResult{Prompts: []mcp.Prompt{}}
	if paginate {
		items, next, err := pageOne(ctx, recs, cursor, fetch, prefixPrompts)
		if err != nil {
			return nil, err
		}
		result.Prompts = append(result.Prompts, items...)
		result.NextCursor = mcp.Cursor(next)
		return result, nil
	}
	result.Prompts = append(result.Prompts, drainAll(ctx, recs, fetch, prefixPrompts)...)
	return result, nil
}

func prefixTools(server string, tools []mcp.Tool) []mcp.Tool {
	out := make([]mcp.Tool, len(tools))
	for i, tool := range tools {
		tool.Name = mcperr.JoinID(server, tool.Name)
		out[i] = tool
	}
	return out
}

func prefixResources(server string, resources []mcp.Resource) []mcp.Resource {
	out := make([]mcp.Resource, len(resources))
	for i, res := range resources {
		res.URI = mcperr.JoinID(server, res.URI)
		out[i] = res
	}
	return out
}

func prefixPrompts(server string, prompts []mcp.Prompt) []mcp.Prompt {
	out := make([]mcp.Prompt, len(prompts))
	for i, prompt := range prompts {
		prompt.Name = mcperr.JoinID(server, prompt.Name)
		out[i] = prompt
	}
	return out
}

// prefixTemplates rewrites each template's uriTemplate through its JSON
// form; the parsed template type offers no mutable accessor. A template
// that cannot be rewritten is dropped rather than exposed unroutable.
func prefixTemplates(server string, templates []mcp.ResourceTemplate) []mcp.ResourceTemplate {
	out := make([]mcp.ResourceTemplate, 0, len(templates))
	for _, tmpl := range templates {
		rewritten, err := prefixTemplate(server, tmpl)
		if err != nil {
			logging.Warn("Dispatch", "Dropping resource template from %s: %v", server, err)
			continue
		}
		out = append(out, rewritten)
	}
	return out
}

func prefixTemplate(server string, tmpl mcp.ResourceTemplate) (mcp.ResourceTemplate, error) {
	raw, err := json.Marshal(tmpl)
	if err != nil {
		return mcp.ResourceTemplate{}, err
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return mcp.ResourceTemplate{}, err
	}

	var uriTemplate string
	if err := json.Unmarshal(doc["uriTemplate"], &uriTemplate); err != nil {
		return mcp.ResourceTemplate{}, err
	}
	prefixed, err := json.Marshal(mcperr.JoinID(server, uriTemplate))
	if err != nil {
		return mcp.ResourceTemplate{}, err
	}
	doc["uriTemplate"] = prefixed

	patched, err := json.Marshal(doc)
	if err != nil {
		return mcp.ResourceTemplate{}, err
	}
	var result mcp.ResourceTemplate
	if err := json.Unmarshal(patched, &result); err != nil {
		return mcp.ResourceTemplate{}, err
	}
	return result, nil
}
