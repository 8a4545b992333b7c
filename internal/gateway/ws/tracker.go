package ws

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ConnInfo describes one open terminal connection.
type ConnInfo struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	RemoteAddr  string    `json:"remote_addr"`
	OpenedAt    time.Time `json:"opened_at"`
	LastMessage time.Time `json:"last_message,omitempty"`
	Messages    int       `json:"messages"`
}

type trackedConn struct {
	info   ConnInfo
	cancel context.CancelFunc
}

// ConnTracker keeps the set of open connections so they can be listed and
// closed on shutdown. Hijacked connections are not drained by
// http.Server.Shutdown.
type ConnTracker struct {
	mu     sync.RWMutex
	conns  map[string]*trackedConn // conn ID -> connection
	logger *slog.Logger
	now    func() time.Time
}

// NewConnTracker creates an empty tracker.
func NewConnTracker(logger *slog.Logger) *ConnTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnTracker{
		conns:  make(map[string]*trackedConn),
		logger: logger,
		now:    time.Now,
	}
}

// Track records a newly accepted connection. cancel ends its handler.
func (t *ConnTracker) Track(id, sessionID, remoteAddr string, cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.conns[id] = &trackedConn{
		info: ConnInfo{
			ID:         id,
			SessionID:  sessionID,
			RemoteAddr: remoteAddr,
			OpenedAt:   t.now(),
		},
		cancel: cancel,
	}
	t.logger.Debug("connection tracked",
		slog.String("conn_id", id),
		slog.String("session_id", sessionID),
	)
}

// Touch records an inbound message on a connection.
func (t *ConnTracker) Touch(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.conns[id]; ok {
		c.info.Messages++
		c.info.LastMessage = t.now()
	}
}

// Remove forgets a connection. Returns false if it was not tracked.
func (t *ConnTracker) Remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.conns[id]
	if !ok {
		return false
	}
	delete(t.conns, id)
	t.logger.Debug("connection removed",
		slog.String("conn_id", id),
		slog.String("session_id", c.info.SessionID),
		slog.Int("messages", c.info.Messages),
		slog.Duration("open_for", t.now().Sub(c.info.OpenedAt)),
	)
	return true
}

// Len returns the number of tracked connections.
func (t *ConnTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}

// Snapshot returns all tracked connections, oldest first.
func (t *ConnTracker) Snapshot() []ConnInfo {
	t.mu.RLock()
	out := make([]ConnInfo, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, c.info)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// CloseAll cancels every tracked connection and returns how many there were.
// Handlers remove themselves as they exit.
func (t *ConnTracker) CloseAll() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, c := range t.conns {
		c.cancel()
	}
	return len(t.conns)
}
