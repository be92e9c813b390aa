package channels

import (
	"sync"
	"time"
)

// Status is the connection state machine:
//
//	disconnected → connecting → connected
//	any failure  → error → (backoff) → connecting
//	20 consecutive failures → circuit_open (terminal, operator restart only)
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
	StatusCircuitOpen  Status = "circuit_open"
)

// ManagedConnection is the runtime state of one channel connection. Owned
// exclusively by the Manager; never persisted (only status transitions are
// written through the config store for operators).
type ManagedConnection struct {
	mu sync.Mutex

	configID       string
	projectID      string
	channelType    string
	configRevision int64

	adapter       Adapter
	status        Status
	lastHeartbeat time.Time
	lastError     error
	attempts      int

	stopCh chan struct{}
	doneCh chan struct{}
}

func newManagedConnection(configID, projectID, channelType string, revision int64, adapter Adapter) *ManagedConnection {
	return &ManagedConnection{
		configID:       configID,
		projectID:      projectID,
		channelType:    channelType,
		configRevision: revision,
		adapter:        adapter,
		status:         StatusDisconnected,
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
}

// Adapter returns the underlying adapter.
func (c *ManagedConnection) Adapter() Adapter { return c.adapter }

// Status returns the current state.
func (c *ManagedConnection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *ManagedConnection) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

func (c *ManagedConnection) setError(err error) {
	c.mu.Lock()
	c.lastError = err
	c.status = StatusError
	c.mu.Unlock()
}

func (c *ManagedConnection) touchHeartbeat() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
}

func (c *ManagedConnection) resetAttempts() {
	c.mu.Lock()
	c.attempts = 0
	c.mu.Unlock()
}

// bumpAttempts increments the consecutive-failure counter and returns the
// new value.
func (c *ManagedConnection) bumpAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	return c.attempts
}

// stopped reports whether the stop signal has fired.
func (c *ManagedConnection) stopped() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

// ConnectionInfo is an immutable status snapshot for planning, status
// endpoints, and the channels CLI.
type ConnectionInfo struct {
	ConfigID       string    `json:"config_id"`
	ProjectID      string    `json:"project_id"`
	ChannelType    string    `json:"channel_type"`
	Status         Status    `json:"status"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
	LastError      string    `json:"last_error,omitempty"`
	Attempts       int       `json:"attempts"`
	ConfigRevision int64     `json:"config_revision"`
}

// Info returns a snapshot of the connection.
func (c *ManagedConnection) Info() ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := ConnectionInfo{
		ConfigID:       c.configID,
		ProjectID:      c.projectID,
		ChannelType:    c.channelType,
		Status:         c.status,
		LastHeartbeat:  c.lastHeartbeat,
		Attempts:       c.attempts,
		ConfigRevision: c.configRevision,
	}
	if c.lastError != nil {
		info.LastError = c.lastError.Error()
	}
	return info
}
