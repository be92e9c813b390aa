package channels

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/relaygate/internal/store"
)

type fakeAdapter struct {
	mu         sync.Mutex
	connectErr error
	connected  bool
	connects   int
	onMessage  func(Message)
	onError    func(error)
}

func (f *fakeAdapter) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeAdapter) Disconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeAdapter) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeAdapter) SendText(_ context.Context, _, _, _ string) (string, error) {
	return "sent-1", nil
}

func (f *fakeAdapter) SendMarkdownCard(_ context.Context, _, _ string) (string, error) {
	return "card-1", nil
}

func (f *fakeAdapter) OnMessage(h func(Message)) { f.onMessage = h }
func (f *fakeAdapter) OnError(h func(error))     { f.onError = h }

func (f *fakeAdapter) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeAdapter) drop() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

type fakeConfigStore struct {
	mu       sync.Mutex
	configs  map[string]store.ChannelConfig
	statuses map[string]string
}

func newFakeConfigStore(cfgs ...store.ChannelConfig) *fakeConfigStore {
	s := &fakeConfigStore{
		configs:  make(map[string]store.ChannelConfig),
		statuses: make(map[string]string),
	}
	for _, c := range cfgs {
		s.configs[c.ID] = c
	}
	return s
}

func (s *fakeConfigStore) ListEnabled(context.Context) ([]store.ChannelConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.ChannelConfig
	for _, c := range s.configs {
		if c.Enabled {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *fakeConfigStore) Get(_ context.Context, id string) (*store.ChannelConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.configs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (s *fakeConfigStore) Upsert(_ context.Context, cfg *store.ChannelConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[cfg.ID] = *cfg
	return nil
}

func (s *fakeConfigStore) SetConnectionStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = status
	return nil
}

func (s *fakeConfigStore) set(cfg store.ChannelConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[cfg.ID] = cfg
}

func (s *fakeConfigStore) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.configs, id)
}

func testConfig(id string) store.ChannelConfig {
	return store.ChannelConfig{
		ID:          id,
		ProjectID:   "proj-1",
		ChannelType: "fake",
		Enabled:     true,
		Revision:    1,
	}
}

func testOpts() ManagerOptions {
	return ManagerOptions{
		PollInterval:      5 * time.Millisecond,
		JoinTimeout:       500 * time.Millisecond,
		MaxReconnectDelay: time.Millisecond,
	}
}

// newTestManager wires a manager whose "fake" channel type reuses the same
// adapter instance across restarts so tests can count connect attempts.
func newTestManager(t *testing.T, cfgStore *fakeConfigStore, adapter *fakeAdapter, opts ManagerOptions) *Manager {
	t.Helper()
	registry := NewAdapterRegistry()
	registry.Register("fake", func(ConfigView, json.RawMessage) (Adapter, error) {
		return adapter, nil
	})
	return NewManager(cfgStore, registry, nil, nil, opts)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestReconnectDelay(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{20, 60 * time.Second},
		{63, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := ReconnectDelay(tt.attempts, DefaultMaxReconnectDelay); got != tt.want {
			t.Errorf("ReconnectDelay(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}

	// Non-decreasing in attempts.
	prev := time.Duration(0)
	for n := 1; n <= 100; n++ {
		d := ReconnectDelay(n, DefaultMaxReconnectDelay)
		if d < prev {
			t.Fatalf("delay decreased at attempt %d: %v < %v", n, d, prev)
		}
		prev = d
	}
}

func TestManagerAddRemove(t *testing.T) {
	cfg := testConfig("cfg-1")
	cfgStore := newFakeConfigStore(cfg)
	adapter := &fakeAdapter{}
	m := newTestManager(t, cfgStore, adapter, testOpts())

	if err := m.AddConnection(context.Background(), cfg); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		_, ok := m.Adapter("cfg-1")
		return ok
	}, "connection never became connected")

	if err := m.AddConnection(context.Background(), cfg); !errors.Is(err, ErrConnectionExists) {
		t.Fatalf("duplicate add: got %v, want ErrConnectionExists", err)
	}

	disabled := testConfig("cfg-2")
	disabled.Enabled = false
	if err := m.AddConnection(context.Background(), disabled); !errors.Is(err, ErrConfigDisabled) {
		t.Fatalf("disabled add: got %v, want ErrConfigDisabled", err)
	}

	if err := m.RemoveConnection(context.Background(), "cfg-1"); err != nil {
		t.Fatalf("RemoveConnection: %v", err)
	}
	if _, ok := m.Adapter("cfg-1"); ok {
		t.Fatal("adapter still resolvable after remove")
	}
	if adapter.Connected() {
		t.Fatal("adapter still connected after remove")
	}
	if err := m.RemoveConnection(context.Background(), "cfg-1"); !errors.Is(err, ErrConnectionNotFound) {
		t.Fatalf("second remove: got %v, want ErrConnectionNotFound", err)
	}
}

func TestManagerReconnectsOnDrop(t *testing.T) {
	cfg := testConfig("cfg-1")
	cfgStore := newFakeConfigStore(cfg)
	adapter := &fakeAdapter{}
	m := newTestManager(t, cfgStore, adapter, testOpts())

	if err := m.AddConnection(context.Background(), cfg); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	waitFor(t, time.Second, func() bool { return adapter.connectCount() == 1 && adapter.Connected() },
		"never connected")

	adapter.drop()
	waitFor(t, time.Second, func() bool { return adapter.connectCount() >= 2 && adapter.Connected() },
		"never reconnected after drop")

	// Attempts reset after the successful reconnect.
	waitFor(t, time.Second, func() bool {
		infos := m.Snapshot()
		return len(infos) == 1 && infos[0].Status == StatusConnected && infos[0].Attempts == 0
	}, "attempt counter not reset after reconnect")

	if err := m.RemoveConnection(context.Background(), "cfg-1"); err != nil {
		t.Fatalf("RemoveConnection: %v", err)
	}
}

func TestManagerCircuitOpens(t *testing.T) {
	cfg := testConfig("cfg-1")
	cfgStore := newFakeConfigStore(cfg)
	adapter := &fakeAdapter{connectErr: errors.New("refused")}
	opts := testOpts()
	opts.MaxReconnectAttempts = 3
	m := newTestManager(t, cfgStore, adapter, opts)

	if err := m.AddConnection(context.Background(), cfg); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		infos := m.Snapshot()
		return len(infos) == 1 && infos[0].Status == StatusCircuitOpen
	}, "circuit never opened")

	infos := m.Snapshot()
	if infos[0].Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", infos[0].Attempts)
	}
	if got := adapter.connectCount(); got != 3 {
		t.Fatalf("connect attempts = %d, want 3", got)
	}

	cfgStore.mu.Lock()
	status := cfgStore.statuses["cfg-1"]
	cfgStore.mu.Unlock()
	if status != string(StatusCircuitOpen) {
		t.Fatalf("persisted status = %q, want %q", status, StatusCircuitOpen)
	}

	// No further attempts once open.
	time.Sleep(50 * time.Millisecond)
	if got := adapter.connectCount(); got != 3 {
		t.Fatalf("retries continued after circuit opened: %d attempts", got)
	}
}

func TestManagerAttachesTrustedMetadata(t *testing.T) {
	cfg := testConfig("cfg-1")
	cfgStore := newFakeConfigStore(cfg)
	adapter := &fakeAdapter{}
	m := newTestManager(t, cfgStore, adapter, testOpts())

	var mu sync.Mutex
	var got []Inbound
	m.SetInboundHandler(func(_ context.Context, in Inbound) {
		mu.Lock()
		got = append(got, in)
		mu.Unlock()
	})

	if err := m.AddConnection(context.Background(), cfg); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	waitFor(t, time.Second, func() bool { return adapter.Connected() }, "never connected")

	adapter.onMessage(Message{NativeID: "n1", ChatID: "chat-9", Content: "hi"})

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, "inbound message never delivered")

	mu.Lock()
	in := got[0]
	mu.Unlock()
	if in.ConfigID != "cfg-1" || in.ProjectID != "proj-1" || in.ChannelType != "fake" {
		t.Fatalf("trusted metadata wrong: %+v", in)
	}
	if in.ReceivedAt.IsZero() {
		t.Fatal("ReceivedAt not stamped")
	}

	if err := m.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
}

func TestManagerReconcileLifecycle(t *testing.T) {
	cfgA := testConfig("cfg-a")
	cfgB := testConfig("cfg-b")
	cfgStore := newFakeConfigStore(cfgA, cfgB)
	adapter := &fakeAdapter{}
	m := newTestManager(t, cfgStore, adapter, testOpts())

	plan, err := m.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(plan.ToAdd) != 2 {
		t.Fatalf("first plan ToAdd = %v, want both configs", plan.ToAdd)
	}
	waitFor(t, time.Second, func() bool {
		infos := m.Snapshot()
		return len(infos) == 2
	}, "connections not added")

	// Removing a config from the enabled set tears its connection down.
	cfgStore.remove("cfg-b")
	plan, err = m.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(plan.ToRemove) != 1 || plan.ToRemove[0] != "cfg-b" {
		t.Fatalf("ToRemove = %v, want [cfg-b]", plan.ToRemove)
	}
	if len(m.Snapshot()) != 1 {
		t.Fatal("removed connection still in table")
	}

	// A revision bump restarts the survivor.
	cfgA.Revision = 2
	cfgStore.set(cfgA)
	plan, err = m.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(plan.ToRestart) != 1 || plan.ToRestart[0] != "cfg-a" {
		t.Fatalf("ToRestart = %v, want [cfg-a]", plan.ToRestart)
	}
	infos := m.Snapshot()
	if len(infos) != 1 || infos[0].ConfigRevision != 2 {
		t.Fatalf("restarted connection revision = %+v, want revision 2", infos)
	}

	if err := m.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
}
