// Package registry tracks every live connection on this process: its state
// machine, room subscriptions, retry queue, and reconnect counter. It also
// maintains the per-process room index used by the broadcast engine.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/harborline/chatgate/internal/metrics"
)

// Sink is the outbound half of a connection. Send must not block: it returns
// false when the connection's buffer is full or the socket is gone, and the
// caller decides what to do with the message.
type Sink interface {
	Send(payload []byte) bool
	Close()
}

// RetryEntry is a buffered outbound message waiting for the client to come
// back. Entries older than the configured TTL are silently dropped on drain.
type RetryEntry struct {
	Payload    []byte
	EnqueuedAt time.Time
}

// Connection holds the per-connection metadata owned by this process. It is
// ephemeral: created on socket open, destroyed on Unregister, never persisted.
type Connection struct {
	id   uuid.UUID
	sink Sink

	mu         sync.Mutex
	userID     string
	state      State
	rooms      map[string]struct{}
	retry      []RetryEntry
	reconnects int
	lastSeen   time.Time
}

// ID returns the connection identifier.
func (c *Connection) ID() uuid.UUID { return c.id }

// UserID returns the user bound to this connection, or "" before
// authentication.
func (c *Connection) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// BindUser attaches the authenticated user to the connection.
func (c *Connection) BindUser(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Rooms returns a snapshot of the rooms this connection is subscribed to.
func (c *Connection) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// InRoom reports whether the connection is subscribed to the given room.
func (c *Connection) InRoom(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[roomID]
	return ok
}

// Send forwards a payload to the connection's sink.
func (c *Connection) Send(payload []byte) bool {
	return c.sink.Send(payload)
}

// Touch records activity so the reaper leaves the connection alone.
func (c *Connection) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeen = time.Now()
}

func (c *Connection) idleSince(cutoff time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen.Before(cutoff)
}

// Registry owns the connection map and the room index. It is created once at
// gateway startup and injected into the components that need it; there is no
// package-level instance.
type Registry struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]*Connection
	rooms map[string]map[uuid.UUID]*Connection

	retryCap int
	retryTTL time.Duration

	// onRoomRemoved fires once per room a connection actually leaves,
	// whatever the removal path: explicit leave, failed-write eviction,
	// unregister, reap, or shutdown. Set before any connection registers.
	onRoomRemoved func(roomID string)

	log zerolog.Logger
	met *metrics.Metrics
}

// New creates an empty registry. retryCap bounds each connection's retry
// queue; retryTTL bounds how long a buffered message is worth resending.
func New(retryCap int, retryTTL time.Duration, log zerolog.Logger, met *metrics.Metrics) *Registry {
	return &Registry{
		conns:    make(map[uuid.UUID]*Connection),
		rooms:    make(map[string]map[uuid.UUID]*Connection),
		retryCap: retryCap,
		retryTTL: retryTTL,
		log:      log.With().Str("component", "registry").Logger(),
		met:      met,
	}
}

// Register creates and tracks a new connection in StateConnecting.
func (r *Registry) Register(id uuid.UUID, sink Sink) *Connection {
	conn := &Connection{
		id:       id,
		sink:     sink,
		state:    StateConnecting,
		rooms:    make(map[string]struct{}),
		lastSeen: time.Now(),
	}

	r.mu.Lock()
	r.conns[id] = conn
	total := len(r.conns)
	r.mu.Unlock()

	r.met.ActiveConnections.Set(float64(total))
	r.log.Debug().Stringer("conn_id", id).Int("total", total).Msg("connection registered")
	return conn
}

// Get looks up a connection by id.
func (r *Registry) Get(id uuid.UUID) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Transition attempts to move the connection to the next state. Out-of-order
// transitions are rejected and leave the state unchanged; callers must check
// the result rather than assume success.
func (r *Registry) Transition(conn *Connection, next State) bool {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	if !validTransition(conn.state, next) {
		r.log.Warn().
			Stringer("conn_id", conn.id).
			Stringer("from", conn.state).
			Stringer("to", next).
			Msg("rejected out-of-order state transition")
		return false
	}
	conn.state = next
	return true
}

// AddRoom subscribes the connection to a room, keeping the room index and the
// connection's own set in lockstep. A duplicate add is a no-op reported as
// failure.
func (r *Registry) AddRoom(conn *Connection, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn.mu.Lock()
	if _, dup := conn.rooms[roomID]; dup {
		conn.mu.Unlock()
		return false
	}
	conn.rooms[roomID] = struct{}{}
	conn.mu.Unlock()

	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[uuid.UUID]*Connection)
		r.rooms[roomID] = members
	}
	members[conn.id] = conn
	return true
}

// OnRoomRemoved registers the hook invoked for every room a connection
// leaves, regardless of which path removed it. Must be set before traffic.
func (r *Registry) OnRoomRemoved(fn func(roomID string)) {
	r.onRoomRemoved = fn
}

func (r *Registry) notifyRoomRemoved(rooms ...string) {
	if r.onRoomRemoved == nil {
		return
	}
	for _, roomID := range rooms {
		r.onRoomRemoved(roomID)
	}
}

// RemoveRoom unsubscribes the connection from a room. Removing a room the
// connection never joined returns false.
func (r *Registry) RemoveRoom(conn *Connection, roomID string) bool {
	r.mu.Lock()
	removed := r.removeRoomLocked(conn, roomID)
	r.mu.Unlock()

	if removed {
		r.notifyRoomRemoved(roomID)
	}
	return removed
}

func (r *Registry) removeRoomLocked(conn *Connection, roomID string) bool {
	conn.mu.Lock()
	if _, ok := conn.rooms[roomID]; !ok {
		conn.mu.Unlock()
		return false
	}
	delete(conn.rooms, roomID)
	conn.mu.Unlock()

	if members, ok := r.rooms[roomID]; ok {
		delete(members, conn.id)
		if len(members) == 0 {
			delete(r.rooms, roomID)
		}
	}
	return true
}

// RoomConnections returns a snapshot of the local subscribers of a room.
func (r *Registry) RoomConnections(roomID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[roomID]
	conns := make([]*Connection, 0, len(members))
	for _, conn := range members {
		conns = append(conns, conn)
	}
	return conns
}

// RoomSize returns the number of local subscribers of a room.
func (r *Registry) RoomSize(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomID])
}

// EnqueueRetry buffers an undelivered payload on the connection. When the
// queue is full the oldest entry is evicted first.
func (r *Registry) EnqueueRetry(conn *Connection, payload []byte) {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	if len(conn.retry) >= r.retryCap {
		conn.retry = conn.retry[1:]
	}
	conn.retry = append(conn.retry, RetryEntry{Payload: payload, EnqueuedAt: time.Now()})
}

// DrainRetryQueue returns and removes all buffered payloads that are still
// within the retry TTL. Expired entries are dropped without notice.
func (r *Registry) DrainRetryQueue(conn *Connection) [][]byte {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	cutoff := time.Now().Add(-r.retryTTL)
	fresh := make([][]byte, 0, len(conn.retry))
	for _, entry := range conn.retry {
		if entry.EnqueuedAt.After(cutoff) {
			fresh = append(fresh, entry.Payload)
		}
	}
	conn.retry = nil
	return fresh
}

// RetryQueueLen returns the number of buffered entries, expired or not.
func (r *Registry) RetryQueueLen(conn *Connection) int {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return len(conn.retry)
}

// IncrementReconnectAttempts bumps and returns the connection's reconnect
// counter.
func (r *Registry) IncrementReconnectAttempts(conn *Connection) int {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.reconnects++
	return conn.reconnects
}

// ResetReconnectAttempts clears the reconnect counter after a stable session.
func (r *Registry) ResetReconnectAttempts(conn *Connection) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.reconnects = 0
}

// Unregister removes the connection from every room it was subscribed to and
// discards its metadata. Safe to call more than once.
func (r *Registry) Unregister(id uuid.UUID) {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, id)
	removed := roomsOf(conn)
	for _, roomID := range removed {
		r.removeRoomLocked(conn, roomID)
	}
	total := len(r.conns)
	r.mu.Unlock()

	conn.mu.Lock()
	conn.state = StateDisconnected
	conn.mu.Unlock()

	r.notifyRoomRemoved(removed...)
	r.met.ActiveConnections.Set(float64(total))
	r.log.Debug().Stringer("conn_id", id).Int("total", total).Msg("connection unregistered")
}

// CloseAll unregisters every connection and closes its sink. Used during
// graceful shutdown after the listener stops accepting upgrades.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		r.Unregister(conn.id)
		conn.sink.Close()
	}
}

func roomsOf(conn *Connection) []string {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	rooms := make([]string, 0, len(conn.rooms))
	for room := range conn.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// StartReaper runs a periodic sweep that unregisters connections idle longer
// than idleTimeout. The explicit Unregister on socket close remains the
// primary cleanup path; the reaper is a safety net, not the mechanism.
func (r *Registry) StartReaper(ctx context.Context, interval, idleTimeout time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.reap(idleTimeout)
			}
		}
	}()
}

func (r *Registry) reap(idleTimeout time.Duration) {
	cutoff := time.Now().Add(-idleTimeout)

	r.mu.RLock()
	stale := make([]*Connection, 0)
	for _, conn := range r.conns {
		if conn.idleSince(cutoff) {
			stale = append(stale, conn)
		}
	}
	r.mu.RUnlock()

	for _, conn := range stale {
		r.Unregister(conn.id)
		conn.sink.Close()
		r.met.ConnectionsReaped.Inc()
	}
	if len(stale) > 0 {
		r.log.Info().Int("reaped", len(stale)).Msg("reaper removed idle connections")
	}
}
