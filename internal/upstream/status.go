package upstream

import (
	"sync"
	"time"

	"onemcp/internal/catalog"
	"onemcp/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
)

// Status is the connection state of an outbound record.
type Status string

const (
	StatusConnecting    Status = "Connecting"
	StatusConnected     Status = "Connected"
	StatusDisconnected  Status = "Disconnected"
	StatusError         Status = "Error"
	StatusAwaitingOAuth Status = "AwaitingOAuth"
)

// legalTransitions pins the status machine. Only these moves are allowed;
// anything else is a programming error and is logged and refused.
var legalTransitions = map[Status][]Status{
	StatusConnecting:    {StatusConnected, StatusAwaitingOAuth, StatusError},
	StatusConnected:     {StatusDisconnected},
	StatusDisconnected:  {StatusConnecting},
	StatusError:         {StatusConnecting},
	StatusAwaitingOAuth: {StatusConnecting},
}

// Record is the connection record for one enabled catalog entry. It is
// owned by the Manager; other components hold read-only borrows keyed by
// name and use the accessor methods.
type Record struct {
	mu sync.RWMutex

	Name   string
	Entry  catalog.Entry
	Client Client

	status          Status
	lastError       error
	lastConnectedAt time.Time
}

func newRecord(entry catalog.Entry, client Client) *Record {
	return &Record{
		Name:   entry.Name,
		Entry:  entry,
		Client: client,
		status: StatusConnecting,
	}
}

// Status returns the current connection state.
func (r *Record) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// LastError returns the most recent connection failure, if any.
func (r *Record) LastError() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastError
}

// LastConnectedAt returns when the record last reached Connected.
func (r *Record) LastConnectedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastConnectedAt
}

// Capabilities returns the capabilities observed at connect time. Only
// meaningful while Connected.
func (r *Record) Capabilities() mcp.ServerCapabilities {
	if r.Client == nil {
		return mcp.ServerCapabilities{}
	}
	return r.Client.Capabilities()
}

// setStatus applies a transition, enforcing the status machine. Moving out
// of Error or Disconnected into Connecting clears lastError; no other
// transition touches it.
func (r *Record) setStatus(to Status, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	from := r.status
	if from == to {
		return true
	}

	allowed := false
	for _, next := range legalTransitions[from] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		logging.Warn("Upstream", "Refusing illegal status transition %s -> %s for %s", from, to, r.Name)
		return false
	}

	r.status = to
	switch to {
	case StatusConnecting:
		r.lastError = nil
	case StatusConnected:
		r.lastConnectedAt = time.Now()
	case StatusError, StatusAwaitingOAuth:
		r.lastError = err
	}
	return true
}
