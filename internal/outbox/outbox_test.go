package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/relaygate/internal/channels"
	"github.com/nextlevelbuilder/relaygate/internal/store"
)

type memOutboxStore struct {
	mu   sync.Mutex
	rows map[string]*store.OutboxMessage
}

func newMemOutboxStore() *memOutboxStore {
	return &memOutboxStore{rows: make(map[string]*store.OutboxMessage)}
}

func (s *memOutboxStore) Create(_ context.Context, msg *store.OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *msg
	s.rows[msg.ID.String()] = &cp
	return nil
}

func (s *memOutboxStore) MarkSent(_ context.Context, id, sentMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	row.Status = store.OutboxSent
	row.SentMessageID = sentMessageID
	row.UpdatedAt = time.Now()
	return nil
}

func (s *memOutboxStore) MarkFailed(_ context.Context, id string, attempts int, sendErr string, nextRetryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	row.Status = store.OutboxFailed
	row.Attempts = attempts
	row.LastError = sendErr
	row.NextRetryAt = nextRetryAt
	row.UpdatedAt = time.Now()
	return nil
}

func (s *memOutboxStore) MarkDeadLetter(_ context.Context, id string, attempts int, sendErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	row.Status = store.OutboxDeadLetter
	row.Attempts = attempts
	row.LastError = sendErr
	row.UpdatedAt = time.Now()
	return nil
}

func (s *memOutboxStore) DueBatch(_ context.Context, now time.Time, limit int) ([]store.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []store.OutboxMessage
	for _, row := range s.rows {
		if row.Status == store.OutboxSent || row.Status == store.OutboxDeadLetter {
			continue
		}
		if row.NextRetryAt.After(now) {
			continue
		}
		due = append(due, *row)
		if len(due) == limit {
			break
		}
	}
	return due, nil
}

func (s *memOutboxStore) get(id string) store.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.rows[id]
}

// sendAdapter implements channels.Adapter with a scriptable SendText.
type sendAdapter struct {
	mu      sync.Mutex
	sendErr error
	sends   int
}

func (a *sendAdapter) Connect(context.Context) error    { return nil }
func (a *sendAdapter) Disconnect(context.Context) error { return nil }
func (a *sendAdapter) Connected() bool                  { return true }
func (a *sendAdapter) OnMessage(func(channels.Message)) {}
func (a *sendAdapter) OnError(func(error))              {}

func (a *sendAdapter) SendText(_ context.Context, _, _, _ string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sends++
	if a.sendErr != nil {
		return "", a.sendErr
	}
	return "remote-42", nil
}

func (a *sendAdapter) SendMarkdownCard(ctx context.Context, chatID, content string) (string, error) {
	return a.SendText(ctx, chatID, content, "")
}

type staticResolver struct {
	adapter channels.Adapter
	live    bool
}

func (r *staticResolver) Adapter(string) (channels.Adapter, bool) {
	if !r.live {
		return nil, false
	}
	return r.adapter, true
}

func testOptions() Options {
	return Options{SendRate: rate.Inf}
}

func TestSendTextSuccess(t *testing.T) {
	st := newMemOutboxStore()
	adapter := &sendAdapter{}
	o := New(st, &staticResolver{adapter: adapter, live: true}, nil, testOptions())

	msg, err := o.SendText(context.Background(), "cfg-1", store.GenNewID(), "chat-1", "Hi there!", "")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if msg.Status != store.OutboxSent {
		t.Fatalf("status = %q, want sent", msg.Status)
	}
	if msg.SentMessageID != "remote-42" {
		t.Fatalf("sent message id = %q", msg.SentMessageID)
	}

	row := st.get(msg.ID.String())
	if row.Status != store.OutboxSent || row.SentMessageID != "remote-42" {
		t.Fatalf("stored row = %+v", row)
	}
}

func TestSendFailureSchedulesRetry(t *testing.T) {
	st := newMemOutboxStore()
	adapter := &sendAdapter{sendErr: errors.New("flood control")}
	o := New(st, &staticResolver{adapter: adapter, live: true}, nil, testOptions())

	msg, err := o.SendText(context.Background(), "cfg-1", store.GenNewID(), "chat-1", "x", "")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	row := st.get(msg.ID.String())
	if row.Status != store.OutboxFailed {
		t.Fatalf("status = %q, want failed", row.Status)
	}
	if row.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", row.Attempts)
	}
	if !row.NextRetryAt.After(time.Now()) {
		t.Fatal("next retry not in the future")
	}
	if row.LastError == "" {
		t.Fatal("last error not recorded")
	}
}

func TestNoAdapterFailsWithoutCountingAttempt(t *testing.T) {
	st := newMemOutboxStore()
	o := New(st, &staticResolver{live: false}, nil, testOptions())

	msg, err := o.SendText(context.Background(), "cfg-1", store.GenNewID(), "chat-1", "x", "")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	row := st.get(msg.ID.String())
	if row.Status != store.OutboxFailed {
		t.Fatalf("status = %q, want failed", row.Status)
	}
	// A missing connection must never push a row toward dead-letter.
	if row.Attempts != 0 {
		t.Fatalf("attempts = %d, want 0", row.Attempts)
	}
}

func TestDeadLetterAfterMaxAttempts(t *testing.T) {
	st := newMemOutboxStore()
	adapter := &sendAdapter{sendErr: errors.New("forbidden")}
	resolver := &staticResolver{adapter: adapter, live: true}
	opts := testOptions()
	opts.MaxAttempts = 3
	o := New(st, resolver, nil, opts)

	msg, err := o.SendText(context.Background(), "cfg-1", store.GenNewID(), "chat-1", "x", "")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}

	// Drive the remaining attempts through the retry path directly.
	for i := 0; i < 2; i++ {
		row := st.get(msg.ID.String())
		row.NextRetryAt = time.Now().Add(-time.Second)
		o.attempt(context.Background(), &row)
	}

	row := st.get(msg.ID.String())
	if row.Status != store.OutboxDeadLetter {
		t.Fatalf("status = %q, want dead_letter", row.Status)
	}
	if row.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", row.Attempts)
	}

	// Dead-lettered rows never come due again.
	due, err := st.DueBatch(context.Background(), time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("DueBatch: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("dead-lettered row still due: %+v", due)
	}
}

func TestRetryWorkerRecoversBacklog(t *testing.T) {
	st := newMemOutboxStore()
	adapter := &sendAdapter{}
	o := New(st, &staticResolver{adapter: adapter, live: true}, nil, testOptions())

	// Simulate rows left behind by a previous process: pending and failed,
	// both already due.
	past := time.Now().Add(-time.Minute)
	pending := &store.OutboxMessage{
		ID: store.GenNewID(), ConfigID: "cfg-1", ChatID: "c1", Content: "a",
		Status: store.OutboxPending, MaxAttempts: 5, NextRetryAt: past,
	}
	failed := &store.OutboxMessage{
		ID: store.GenNewID(), ConfigID: "cfg-1", ChatID: "c2", Content: "b",
		Status: store.OutboxFailed, Attempts: 2, MaxAttempts: 5, NextRetryAt: past,
	}
	if err := st.Create(context.Background(), pending); err != nil {
		t.Fatal(err)
	}
	if err := st.Create(context.Background(), failed); err != nil {
		t.Fatal(err)
	}

	w := NewRetryWorker(o, time.Hour, 20)
	w.drain(context.Background())

	for _, id := range []string{pending.ID.String(), failed.ID.String()} {
		if row := st.get(id); row.Status != store.OutboxSent {
			t.Errorf("row %s status = %q, want sent", id, row.Status)
		}
	}
	adapter.mu.Lock()
	sends := adapter.sends
	adapter.mu.Unlock()
	if sends != 2 {
		t.Fatalf("sends = %d, want 2", sends)
	}
}

func TestRetryDelayCapped(t *testing.T) {
	prev := time.Duration(0)
	for n := 1; n <= 40; n++ {
		d := retryDelay(n)
		if d < prev {
			t.Fatalf("delay decreased at attempt %d", n)
		}
		if d > defaultMaxRetryDelay {
			t.Fatalf("delay %v exceeds cap at attempt %d", d, n)
		}
		prev = d
	}
}
