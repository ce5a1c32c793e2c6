package upstream

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mark3labs/mcp-go/mcp"

	"onemcp/internal/catalog"
	"onemcp/pkg/logging"
	"onemcp/pkg/mcperr"
)

const (
	// maxConnectAttempts bounds the initial connect retry loop.
	maxConnectAttempts = 3
	// initialConnectDelay is the first backoff interval; it doubles per
	// attempt.
	initialConnectDelay = 1000 * time.Millisecond
)

// NotificationFunc receives server-initiated notifications from an outbound
// server, tagged with the server's catalog name.
type NotificationFunc func(server string, notification mcp.JSONRPCNotification)

// Manager owns the outbound connection records and reconciles them against
// catalog snapshots.
//
// The record map is published by generation: every reconciliation builds a
// new map and swaps it in, so readers observe a consistent snapshot for the
// duration of one request. Reconciliations are serialized; a catalog change
// arriving mid-reconcile waits its turn.
type Manager struct {
	mu      sync.RWMutex
	records map[string]*Record

	reconcileMu sync.Mutex

	proxyName    string
	factory      func(catalog.Entry) (Client, error)
	connectDelay time.Duration

	notifyFn  NotificationFunc
	changedFn func()

	wg sync.WaitGroup
}

// NewManager creates a manager. proxyName is this proxy's own advertised
// name, used by the self-loop guard.
func NewManager(proxyName string) *Manager {
	return &Manager{
		records:      make(map[string]*Record),
		proxyName:    proxyName,
		factory:      NewClientFromEntry,
		connectDelay: initialConnectDelay,
	}
}

// NewManagerForTest creates a manager with an injected client factory and
// a negligible connect backoff. Intended for tests in other packages.
func NewManagerForTest(proxyName string, factory func(catalog.Entry) (Client, error)) *Manager {
	m := NewManager(proxyName)
	m.factory = factory
	m.connectDelay = time.Millisecond
	return m
}

// OnNotification registers the sink for outbound server notifications.
// Must be set before the first Reconcile.
func (m *Manager) OnNotification(fn NotificationFunc) {
	m.notifyFn = fn
}

// OnChanged registers a hook invoked after every reconciliation and status
// change that may alter the aggregated capability set.
func (m *Manager) OnChanged(fn func()) {
	m.changedFn = fn
}

// Snapshot returns the current generation's records in sorted name order.
func (m *Manager) Snapshot() []*Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	return records
}

// Get returns the record for name, or nil.
func (m *Manager) Get(name string) *Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.records[name]
}

// Connected returns the Connected records in sorted name order.
func (m *Manager) Connected() []*Record {
	var out []*Record
	for _, rec := range m.Snapshot() {
		if rec.Status() == StatusConnected {
			out = append(out, rec)
		}
	}
	return out
}

// Reconcile aligns the record set with a catalog snapshot. Added entries
// are built and connected, removed ones closed and dropped, changed ones
// rebuilt. Per-entry failures never abort the pass; they are recorded on
// the entry's record and the rest of the set proceeds.
func (m *Manager) Reconcile(ctx context.Context, snap catalog.Snapshot) {
	m.reconcileMu.Lock()
	defer m.reconcileMu.Unlock()

	desired := make(map[string]catalog.Entry)
	for _, entry := range snap.Enabled() {
		desired[entry.Name] = entry
	}

	m.mu.RLock()
	previous := m.records
	m.mu.RUnlock()

	next := make(map[string]*Record, len(desired))
	var toConnect []*Record

	for name, entry := range desired {
		if old, ok := previous[name]; ok && old.Entry.Equal(entry) {
			next[name] = old
			continue
		}

		if old, ok := previous[name]; ok {
			logging.Info("Upstream", "Server %s changed, rebuilding connection", name)
			m.closeRecord(old)
		}

		client, err := m.factory(entry)
		if err != nil {
			logging.Error("Upstream", err, "Failed to build transport for %s", name)
			rec := newRecord(entry, nil)
			rec.setStatus(StatusError, mcperr.NewTransportError(name, err))
			next[name] = rec
			continue
		}

		rec := newRecord(entry, client)
		m.wireClient(rec)
		next[name] = rec
		toConnect = append(toConnect, rec)
	}

	for name, old := range previous {
		if _, ok := desired[name]; !ok {
			logging.Info("Upstream", "Server %s removed from catalog, closing", name)
			m.closeRecord(old)
		}
	}

	// Publish the new generation before connecting so status is
	// observable while connects are in flight.
	m.mu.Lock()
	m.records = next
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, rec := range toConnect {
		wg.Add(1)
		go func(rec *Record) {
			defer wg.Done()
			m.connect(ctx, rec)
			// Publish each landing immediately: one peer exhausting its
			// backoff must not delay the capability update for servers
			// that connected at once.
			if m.changedFn != nil {
				m.changedFn()
			}
		}(rec)
	}
	wg.Wait()

	// Removals and no-op passes still publish once.
	if len(toConnect) == 0 && m.changedFn != nil {
		m.changedFn()
	}
}

// Run consumes catalog snapshots from the watcher subscription until the
// context is cancelled.
func (m *Manager) Run(ctx context.Context, snapshots <-chan catalog.Snapshot) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case snap, ok := <-snapshots:
				if !ok {
					return
				}
				m.Reconcile(ctx, snap)
			}
		}
	}()
}

// Reconnect moves a Disconnected or Error record back through Connecting.
func (m *Manager) Reconnect(ctx context.Context, name string) error {
	rec := m.Get(name)
	if rec == nil {
		return mcperr.NewClientNotFoundError(name)
	}
	if rec.Client == nil {
		return mcperr.NewTransportError(name, errors.New("no transport"))
	}
	m.connect(ctx, rec)
	if m.changedFn != nil {
		m.changedFn()
	}
	return rec.LastError()
}

// Shutdown closes every outbound connection and waits for background work.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	records := m.records
	m.records = make(map[string]*Record)
	m.mu.Unlock()

	for _, rec := range records {
		m.closeRecord(rec)
	}
	m.wg.Wait()
}

// wireClient attaches the notification forwarder and close hook.
func (m *Manager) wireClient(rec *Record) {
	name := rec.Name
	if m.notifyFn != nil {
		rec.Client.OnNotification(func(n mcp.JSONRPCNotification) {
			m.notifyFn(name, n)
		})
	}
	rec.Client.OnClose(func() {
		if rec.setStatus(StatusDisconnected, nil) {
			logging.Info("Upstream", "Server %s disconnected", name)
			if m.changedFn != nil {
				m.changedFn()
			}
		}
	})
}

// connect runs the retry loop for one record and lands it in Connected,
// AwaitingOAuth or Error.
func (m *Manager) connect(ctx context.Context, rec *Record) {
	rec.setStatus(StatusConnecting, nil)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.connectDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := rec.Client.Initialize(ctx); err != nil {
			var authErr *AuthRequiredError
			if errors.As(err, &authErr) {
				return struct{}{}, backoff.Permanent(err)
			}
			logging.Debug("Upstream", "Connect attempt failed for %s: %v", rec.Name, err)
			return struct{}{}, err
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(maxConnectAttempts),
	)

	if err != nil {
		var authErr *AuthRequiredError
		if errors.As(err, &authErr) {
			logging.Info("Upstream", "Server %s requires OAuth before connecting", rec.Name)
			rec.setStatus(StatusAwaitingOAuth, err)
			return
		}
		logging.Warn("Upstream", "Server %s failed to connect: %v", rec.Name, err)
		rec.setStatus(StatusError, mcperr.NewClientConnectionError(rec.Name, err.Error()))
		return
	}

	// Self-loop guard: a misconfigured catalog can point an entry back at
	// this proxy. Connecting to ourselves would recurse on every fan-out.
	if rec.Client.ServerInfo().Name == m.proxyName {
		logging.Warn("Upstream", "Server %s identifies as this proxy, refusing self-loop", rec.Name)
		_ = rec.Client.Close()
		rec.setStatus(StatusError, mcperr.NewClientConnectionError(rec.Name, "circular dependency detected"))
		return
	}

	rec.setStatus(StatusConnected, nil)
	logging.Info("Upstream", "Server %s connected (%s %s)",
		rec.Name, rec.Client.ServerInfo().Name, rec.Client.ServerInfo().Version)
}

func (m *Manager) closeRecord(rec *Record) {
	if rec.Client == nil {
		return
	}
	if err := rec.Client.Close(); err != nil {
		logging.Warn("Upstream", "Error closing client for %s: %v", rec.Name, err)
	}
}
