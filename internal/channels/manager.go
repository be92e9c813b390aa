package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/relaygate/internal/bus"
	"github.com/nextlevelbuilder/relaygate/internal/store"
	"github.com/nextlevelbuilder/relaygate/pkg/protocol"
)

const (
	defaultPollInterval   = time.Second
	defaultJoinTimeout    = 5 * time.Second
	defaultHealthInterval = 30 * time.Second
	defaultDeepProbeEvery = 10

	// DefaultMaxReconnectAttempts is the circuit-breaker threshold:
	// consecutive failures before the connection stops retrying.
	DefaultMaxReconnectAttempts = 20

	// DefaultMaxReconnectDelay caps the exponential reconnect backoff.
	DefaultMaxReconnectDelay = 60 * time.Second
)

var (
	ErrConnectionExists   = errors.New("channels: connection already exists")
	ErrConnectionNotFound = errors.New("channels: connection not found")
	ErrConfigDisabled     = errors.New("channels: config is disabled")
)

// ReconnectDelay returns the backoff before reconnect attempt n:
// min(2^n, max) seconds. Non-decreasing in n.
func ReconnectDelay(attempts int, maxDelay time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	// 2^6 = 64s already exceeds the default cap; avoid overflow for large n.
	if attempts > 30 {
		return maxDelay
	}
	delay := time.Duration(1<<uint(attempts)) * time.Second
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// ManagerOptions tune the connection lifecycle loops. Zero values use
// defaults.
type ManagerOptions struct {
	PollInterval         time.Duration // adapter liveness poll resolution
	JoinTimeout          time.Duration // bounded wait for a loop to stop
	HealthInterval       time.Duration // health check cycle
	DeepProbeEvery       int           // deep probe every Nth health cycle
	MaxReconnectAttempts int
	MaxReconnectDelay    time.Duration
}

func (o ManagerOptions) withDefaults() ManagerOptions {
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = defaultJoinTimeout
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = defaultHealthInterval
	}
	if o.DeepProbeEvery <= 0 {
		o.DeepProbeEvery = defaultDeepProbeEvery
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if o.MaxReconnectDelay <= 0 {
		o.MaxReconnectDelay = DefaultMaxReconnectDelay
	}
	return o
}

// Manager owns the connection table. Each connection runs an independent
// goroutine loop — connections are never serialized through a shared loop.
// Add/remove/restart are mutually exclusive per config id but run
// concurrently across ids.
type Manager struct {
	configs  store.ChannelConfigStore
	registry *AdapterRegistry
	secrets  SecretDecoder
	events   bus.EventPublisher
	opts     ManagerOptions

	handlerMu sync.RWMutex
	handler   InboundHandler

	mu    sync.RWMutex
	conns map[string]*ManagedConnection

	idLocks sync.Map // config id → *sync.Mutex
}

// NewManager creates a connection manager. The inbound handler is registered
// separately (the router depends on the manager for adapter lookup, so it is
// constructed after).
func NewManager(configs store.ChannelConfigStore, registry *AdapterRegistry, secrets SecretDecoder, events bus.EventPublisher, opts ManagerOptions) *Manager {
	if secrets == nil {
		secrets = PlainSecrets{}
	}
	return &Manager{
		configs:  configs,
		registry: registry,
		secrets:  secrets,
		events:   events,
		opts:     opts.withDefaults(),
		conns:    make(map[string]*ManagedConnection),
	}
}

// SetInboundHandler registers the consumer of inbound messages.
func (m *Manager) SetInboundHandler(h InboundHandler) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.handler = h
}

func (m *Manager) lockFor(configID string) *sync.Mutex {
	l, _ := m.idLocks.LoadOrStore(configID, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// AddConnection builds an adapter for the config and starts its connection
// loop. Fails when a connection for the id already exists or the config is
// disabled.
func (m *Manager) AddConnection(ctx context.Context, cfg store.ChannelConfig) error {
	lock := m.lockFor(cfg.ID)
	lock.Lock()
	defer lock.Unlock()
	return m.addLocked(ctx, cfg)
}

func (m *Manager) addLocked(_ context.Context, cfg store.ChannelConfig) error {
	if !cfg.Enabled {
		return fmt.Errorf("%w: %s", ErrConfigDisabled, cfg.ID)
	}

	m.mu.RLock()
	_, exists := m.conns[cfg.ID]
	m.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: %s", ErrConnectionExists, cfg.ID)
	}

	view := ConfigView{
		ID:            cfg.ID,
		ProjectID:     cfg.ProjectID,
		ChannelType:   cfg.ChannelType,
		Mode:          cfg.Mode,
		MaxChunkChars: cfg.MaxChunkChars,
	}
	adapter, err := m.registry.Build(view, cfg.Credentials, m.secrets)
	if err != nil {
		return fmt.Errorf("build adapter for %s: %w", cfg.ID, err)
	}

	conn := newManagedConnection(cfg.ID, cfg.ProjectID, cfg.ChannelType, cfg.Revision, adapter)

	// Routing identity comes from the config the adapter was built from,
	// never from payload fields the platform could forge.
	adapter.OnMessage(func(msg Message) { m.deliver(cfg, msg) })
	adapter.OnError(func(err error) {
		slog.Warn("channel adapter error", "config_id", cfg.ID, "error", err)
	})

	m.mu.Lock()
	m.conns[cfg.ID] = conn
	m.mu.Unlock()

	go m.runLoop(conn)

	slog.Info("channel connection added", "config_id", cfg.ID, "type", cfg.ChannelType)
	return nil
}

func (m *Manager) deliver(cfg store.ChannelConfig, msg Message) {
	m.handlerMu.RLock()
	h := m.handler
	m.handlerMu.RUnlock()
	if h == nil {
		slog.Warn("inbound message dropped: no handler registered", "config_id", cfg.ID)
		return
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}
	h(context.Background(), Inbound{
		Message:     msg,
		ConfigID:    cfg.ID,
		ProjectID:   cfg.ProjectID,
		ChannelType: cfg.ChannelType,
	})
}

// runLoop drives one connection: connect, hold while live, back off and
// retry on drops, open the circuit after too many consecutive failures.
func (m *Manager) runLoop(conn *ManagedConnection) {
	defer close(conn.doneCh)

	for {
		if conn.stopped() {
			return
		}

		conn.setStatus(StatusConnecting)
		m.persistStatus(conn.configID, StatusConnecting)

		if err := conn.adapter.Connect(context.Background()); err != nil {
			conn.setError(err)
			slog.Warn("channel connect failed", "config_id", conn.configID, "error", err)
			if !m.backoffOrOpen(conn) {
				return
			}
			continue
		}

		conn.setStatus(StatusConnected)
		conn.resetAttempts()
		conn.touchHeartbeat()
		m.persistStatus(conn.configID, StatusConnected)
		m.broadcastStatus(conn)
		slog.Info("channel connected", "config_id", conn.configID, "type", conn.channelType)

		stopped := m.holdWhileLive(conn)
		if stopped {
			return
		}

		conn.setError(errors.New("connection dropped"))
		m.persistStatus(conn.configID, StatusError)
		m.broadcastStatus(conn)
		slog.Warn("channel disconnected", "config_id", conn.configID)

		if !m.backoffOrOpen(conn) {
			return
		}
	}
}

// holdWhileLive blocks until the adapter drops, the health loop demotes the
// connection, or the stop signal fires. Polls at the configured resolution
// rather than busy-spinning. Returns true when stopped.
func (m *Manager) holdWhileLive(conn *ManagedConnection) bool {
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.stopCh:
			return true
		case <-ticker.C:
			if conn.Status() != StatusConnected || !conn.adapter.Connected() {
				return false
			}
			conn.touchHeartbeat()
		}
	}
}

// backoffOrOpen sleeps the reconnect delay for the next attempt. Returns
// false when the circuit opened or the stop signal fired during the wait.
func (m *Manager) backoffOrOpen(conn *ManagedConnection) bool {
	attempts := conn.bumpAttempts()
	if attempts >= m.opts.MaxReconnectAttempts {
		conn.setStatus(StatusCircuitOpen)
		m.persistStatus(conn.configID, StatusCircuitOpen)
		m.broadcastStatus(conn)
		slog.Error("channel circuit open, retries exhausted — restart required",
			"config_id", conn.configID, "attempts", attempts)
		return false
	}

	delay := ReconnectDelay(attempts, m.opts.MaxReconnectDelay)
	slog.Info("channel reconnect scheduled",
		"config_id", conn.configID, "attempt", attempts, "delay", delay)

	select {
	case <-conn.stopCh:
		return false
	case <-time.After(delay):
		return true
	}
}

// RemoveConnection stops the loop (bounded join), disconnects the adapter,
// and drops the table entry.
func (m *Manager) RemoveConnection(ctx context.Context, id string) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	return m.removeLocked(ctx, id)
}

func (m *Manager) removeLocked(ctx context.Context, id string) error {
	m.mu.Lock()
	conn, ok := m.conns[id]
	if ok {
		delete(m.conns, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, id)
	}

	close(conn.stopCh)
	select {
	case <-conn.doneCh:
	case <-time.After(m.opts.JoinTimeout):
		// The goroutine may be stuck inside the adapter. Not a silent
		// success: the loop and its adapter may leak.
		slog.Error("connection loop did not stop within join timeout, possible leak",
			"config_id", id, "timeout", m.opts.JoinTimeout)
	}

	dctx, cancel := context.WithTimeout(ctx, m.opts.JoinTimeout)
	defer cancel()
	if err := conn.adapter.Disconnect(dctx); err != nil {
		slog.Warn("adapter disconnect failed", "config_id", id, "error", err)
	}

	conn.setStatus(StatusDisconnected)
	m.persistStatus(id, StatusDisconnected)
	m.broadcastStatus(conn)
	slog.Info("channel connection removed", "config_id", id)
	return nil
}

// RestartConnection reloads the config from the store (picking up edits),
// removes the live connection, and re-adds it if still enabled.
func (m *Manager) RestartConnection(ctx context.Context, id string) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	cfg, err := m.configs.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("reload config %s: %w", id, err)
	}

	if err := m.removeLocked(ctx, id); err != nil && !errors.Is(err, ErrConnectionNotFound) {
		return err
	}

	if !cfg.Enabled {
		slog.Info("config disabled, not re-adding after restart", "config_id", id)
		return nil
	}
	return m.addLocked(ctx, *cfg)
}

// Adapter returns the live adapter for a config id, if connected. Used by
// the outbox worker and the router's card updater.
func (m *Manager) Adapter(configID string) (Adapter, bool) {
	m.mu.RLock()
	conn, ok := m.conns[configID]
	m.mu.RUnlock()
	if !ok || conn.Status() != StatusConnected {
		return nil, false
	}
	return conn.adapter, true
}

// Snapshot returns status snapshots of all connections, sorted by config id.
func (m *Manager) Snapshot() []ConnectionInfo {
	m.mu.RLock()
	infos := make([]ConnectionInfo, 0, len(m.conns))
	for _, conn := range m.conns {
		infos = append(infos, conn.Info())
	}
	m.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ConfigID < infos[j].ConfigID })
	return infos
}

// PlanOnly computes the reconciliation plan without applying it (dry run).
func (m *Manager) PlanOnly(ctx context.Context) (Plan, error) {
	enabled, err := m.enabledByID(ctx)
	if err != nil {
		return Plan{}, err
	}
	return PlanReconcile(enabled, m.activeByID()), nil
}

// Reconcile diffs enabled configs against the live table and applies the
// plan. Individual failures are logged and skipped, not fatal.
func (m *Manager) Reconcile(ctx context.Context) (Plan, error) {
	enabled, err := m.enabledByID(ctx)
	if err != nil {
		return Plan{}, err
	}
	plan := PlanReconcile(enabled, m.activeByID())

	for _, id := range plan.ToRemove {
		if err := m.RemoveConnection(ctx, id); err != nil && !errors.Is(err, ErrConnectionNotFound) {
			slog.Error("reconcile remove failed", "config_id", id, "error", err)
		}
	}
	for _, id := range plan.ToAdd {
		if err := m.AddConnection(ctx, enabled[id]); err != nil {
			slog.Error("reconcile add failed", "config_id", id, "error", err)
		}
	}
	for _, id := range plan.ToRestart {
		if err := m.RestartConnection(ctx, id); err != nil {
			slog.Error("reconcile restart failed", "config_id", id, "error", err)
		}
	}

	if !plan.Empty() {
		slog.Info("reconciliation applied",
			"added", len(plan.ToAdd), "removed", len(plan.ToRemove),
			"restarted", len(plan.ToRestart), "unchanged", len(plan.Unchanged))
	}
	return plan, nil
}

func (m *Manager) enabledByID(ctx context.Context) (map[string]store.ChannelConfig, error) {
	cfgs, err := m.configs.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("list enabled configs: %w", err)
	}
	enabled := make(map[string]store.ChannelConfig, len(cfgs))
	for _, c := range cfgs {
		enabled[c.ID] = c
	}
	return enabled, nil
}

func (m *Manager) activeByID() map[string]ConnectionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	active := make(map[string]ConnectionInfo, len(m.conns))
	for id, conn := range m.conns {
		active[id] = conn.Info()
	}
	return active
}

// RunHealthLoop verifies connection liveness on a fixed interval,
// independent of the per-connection loops. Every Nth cycle it issues a deep
// read-only probe through adapters that support it; a failed probe demotes
// the connection so its loop reconnects.
func (m *Manager) RunHealthLoop(ctx context.Context) {
	ticker := time.NewTicker(m.opts.HealthInterval)
	defer ticker.Stop()

	cycle := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cycle++
			m.healthCheck(ctx, cycle%m.opts.DeepProbeEvery == 0)
		}
	}
}

func (m *Manager) healthCheck(ctx context.Context, deep bool) {
	m.mu.RLock()
	conns := make([]*ManagedConnection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		if conn.Status() != StatusConnected {
			continue
		}
		if !conn.adapter.Connected() {
			conn.setStatus(StatusDisconnected)
			continue
		}
		if !deep {
			continue
		}
		hc, ok := conn.adapter.(HealthChecker)
		if !ok {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := hc.HealthCheck(probeCtx)
		cancel()
		if err != nil {
			slog.Warn("deep health probe failed, demoting connection",
				"config_id", conn.configID, "error", err)
			conn.setStatus(StatusDisconnected)
			continue
		}
		conn.touchHeartbeat()
	}
}

// RunReconcileLoop periodically re-runs reconciliation. When cronExpr is a
// valid cron expression it gates on schedule due-ness (checked each minute);
// otherwise it runs every interval. Also drained by the config watcher via
// direct Reconcile calls.
func (m *Manager) RunReconcileLoop(ctx context.Context, interval time.Duration, cronExpr string) {
	gron := gronx.New()
	useCron := cronExpr != "" && gron.IsValid(cronExpr)
	if cronExpr != "" && !useCron {
		slog.Warn("invalid reconcile cron expression, falling back to interval", "expr", cronExpr)
	}
	if useCron {
		interval = time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if useCron {
				if due, err := gron.IsDue(cronExpr, time.Now()); err != nil || !due {
					continue
				}
			}
			if _, err := m.Reconcile(ctx); err != nil {
				slog.Error("scheduled reconciliation failed", "error", err)
			}
		}
	}
}

// StopAll removes every connection concurrently. Used at shutdown.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			if err := m.RemoveConnection(gctx, id); err != nil && !errors.Is(err, ErrConnectionNotFound) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

func (m *Manager) persistStatus(id string, status Status) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.configs.SetConnectionStatus(ctx, id, string(status)); err != nil {
		slog.Debug("persist connection status failed", "config_id", id, "error", err)
	}
}

func (m *Manager) broadcastStatus(conn *ManagedConnection) {
	if m.events == nil {
		return
	}
	m.events.Broadcast(bus.Event{
		Type:     protocol.EventConnectionStatus,
		ConfigID: conn.configID,
		Data:     conn.Info(),
	})
}
