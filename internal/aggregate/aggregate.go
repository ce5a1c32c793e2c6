// Package aggregate computes the capability set the proxy advertises to
// inbound clients: the union of every connected outbound server's
// capabilities.
package aggregate

import (
	"reflect"
	"sync"

	"onemcp/internal/upstream"
)

// Category names one aggregatable capability group.
type Category string

const (
	CategoryTools     Category = "tools"
	CategoryResources Category = "resources"
	CategoryPrompts   Category = "prompts"
	CategoryLogging   Category = "logging"
)

// NotificationMethod returns the MCP listChanged notification method for
// categories that have one, and "" otherwise.
func (c Category) NotificationMethod() string {
	switch c {
	case CategoryTools:
		return "notifications/tools/list_changed"
	case CategoryResources:
		return "notifications/resources/list_changed"
	case CategoryPrompts:
		return "notifications/prompts/list_changed"
	default:
		return ""
	}
}

// ToolsCapability mirrors the MCP server capability shape.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourcesCapability mirrors the MCP server capability shape. Subscribe is
// advertised when at least one connected server supports subscriptions.
type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// PromptsCapability mirrors the MCP server capability shape.
type PromptsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// Capabilities is the aggregated set advertised to inbound clients.
type Capabilities struct {
	Tools        *ToolsCapability     `json:"tools,omitempty"`
	Resources    *ResourcesCapability `json:"resources,omitempty"`
	Prompts      *PromptsCapability   `json:"prompts,omitempty"`
	Logging      *struct{}            `json:"logging,omitempty"`
	Experimental map[string]any       `json:"experimental,omitempty"`
}

// Compute unions the capabilities of the given records. Records must be in
// sorted catalog name order; the experimental merge is a shallow key-level
// union where the first-seen key wins, making the result deterministic.
// Only Connected records contribute.
func Compute(records []*upstream.Record) Capabilities {
	var agg Capabilities

	for _, rec := range records {
		if rec.Status() != upstream.StatusConnected {
			continue
		}
		caps := rec.Capabilities()

		if caps.Tools != nil && agg.Tools == nil {
			// The proxy always re-emits listChanged itself.
			agg.Tools = &ToolsCapability{ListChanged: true}
		}
		if caps.Resources != nil {
			if agg.Resources == nil {
				agg.Resources = &ResourcesCapability{ListChanged: true}
			}
			if caps.Resources.Subscribe {
				agg.Resources.Subscribe = true
			}
		}
		if caps.Prompts != nil && agg.Prompts == nil {
			agg.Prompts = &PromptsCapability{ListChanged: true}
		}
		if caps.Logging != nil && agg.Logging == nil {
			agg.Logging = &struct{}{}
		}
		for key, value := range caps.Experimental {
			if agg.Experimental == nil {
				agg.Experimental = make(map[string]any)
			}
			if _, seen := agg.Experimental[key]; !seen {
				agg.Experimental[key] = value
			}
		}
	}

	return agg
}

// contribution records which servers back each category, for change
// detection.
type contribution struct {
	tools     []string
	resources []string
	prompts   []string
}

func contributionsOf(records []*upstream.Record) contribution {
	var c contribution
	for _, rec := range records {
		if rec.Status() != upstream.StatusConnected {
			continue
		}
		caps := rec.Capabilities()
		if caps.Tools != nil {
			c.tools = append(c.tools, rec.Name)
		}
		if caps.Resources != nil {
			c.resources = append(c.resources, rec.Name)
		}
		if caps.Prompts != nil {
			c.prompts = append(c.prompts, rec.Name)
		}
	}
	return c
}

// Aggregator tracks the current aggregated capabilities and reports which
// categories changed between updates.
type Aggregator struct {
	mu      sync.RWMutex
	current Capabilities
	last    contribution
}

// NewAggregator returns an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Current returns the latest aggregated capabilities.
func (a *Aggregator) Current() Capabilities {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current
}

// Update recomputes the aggregate from records (sorted name order) and
// returns the categories whose contributing server set changed. Callers
// fan the returned categories out as listChanged notifications.
func (a *Aggregator) Update(records []*upstream.Record) []Category {
	caps := Compute(records)
	contrib := contributionsOf(records)

	a.mu.Lock()
	defer a.mu.Unlock()

	var changed []Category
	if !reflect.DeepEqual(a.last.tools, contrib.tools) {
		changed = append(changed, CategoryTools)
	}
	if !reflect.DeepEqual(a.last.resources, contrib.resources) {
		changed = append(changed, CategoryResources)
	}
	if !reflect.DeepEqual(a.last.prompts, contrib.prompts) {
		changed = append(changed, CategoryPrompts)
	}

	a.current = caps
	a.last = contrib
	return changed
}
