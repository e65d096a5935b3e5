// Package broadcast fans messages out to every subscriber of a room: direct
// delivery to locally-connected sockets plus a cross-process relay through
// the shared store so peer processes reach their own subscribers.
//
// Messages coalesce into a short time-windowed batch per room. When a room's
// pending queue outgrows its bound, the oldest unsent entries are dropped and
// counted: explicit backpressure rather than unbounded growth.
//
// Ordering is preserved for clients connected to the process that originates
// a publish. Cross-process ordering is approximate, best-effort by publish
// time; there is no global sequencer.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/harborline/chatgate/internal/config"
	"github.com/harborline/chatgate/internal/metrics"
	"github.com/harborline/chatgate/internal/registry"
)

// ErrRoomFull is returned by Join when the room reached its configured
// participant capacity.
var ErrRoomFull = errors.New("room at capacity")

// ErrAlreadyJoined is returned by Join when the connection is already
// subscribed to the room.
var ErrAlreadyJoined = errors.New("already subscribed to room")

// Message is one unit of fan-out: a fully-encoded client frame plus the
// routing metadata the engine needs.
type Message struct {
	ID     string
	RoomID string
	// Sender is the originating local connection, excluded from delivery.
	// Zero when the message arrived over the relay.
	Sender  uuid.UUID
	Payload []byte

	// SenderID is the sending user, excluded from delivery tracking.
	SenderID string
	// RequiresAck marks the message for pending-delivery tracking on
	// every process with subscribers, not just the originating one.
	RequiresAck bool
}

// roomCounterTTL bounds how long an advisory participant counter can outlive
// its room if decrements are lost.
const roomCounterTTL = 24 * time.Hour

// releaseSlotScript decrements a room's participant counter without going
// below zero. A join admitted while the store was unreachable never
// incremented, so its eventual release must not underflow the counter.
var releaseSlotScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current > 0 then
	return redis.call("DECR", KEYS[1])
end
return 0
`)

// DeliveryMarker records pending delivery state for tracked messages. It is
// the engine's view of the delivery tracker.
type DeliveryMarker interface {
	MarkPending(ctx context.Context, msgID string, recipients []string) error
}

// idleFlushLimit is how many consecutive empty flushes a room batcher
// tolerates before shutting itself down.
const idleFlushLimit = 200

// Engine implements the room-scoped broadcast described above.
type Engine struct {
	reg       *registry.Registry
	rdb       *redis.Client
	cfg       config.BroadcastConfig
	log       zerolog.Logger
	met       *metrics.Metrics
	processID string

	mu     sync.Mutex
	rooms  map[string]*batcher
	seen   *seenSet
	marker DeliveryMarker

	ctx    context.Context
	cancel context.CancelFunc
	pubsub *redis.PubSub
	wg     sync.WaitGroup
}

// NewEngine creates a broadcast engine over the given registry and store.
// processID distinguishes this instance's relay traffic from its peers'.
func NewEngine(reg *registry.Registry, rdb *redis.Client, cfg config.BroadcastConfig, processID string, log zerolog.Logger, met *metrics.Metrics) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		reg:       reg,
		rdb:       rdb,
		cfg:       cfg,
		log:       log.With().Str("component", "broadcast").Logger(),
		met:       met,
		processID: processID,
		rooms:     make(map[string]*batcher),
		seen:      newSeenSet(4096),
		ctx:       ctx,
		cancel:    cancel,
	}
	// Every room-removal path, including evictions and unregisters that
	// never touch the engine, must release the shared capacity slot.
	reg.OnRoomRemoved(e.releaseSlot)
	return e
}

// TrackDeliveries attaches the delivery tracker so relayed messages that
// require acknowledgment get pending records for this process's recipients.
func (e *Engine) TrackDeliveries(m DeliveryMarker) {
	e.mu.Lock()
	e.marker = m
	e.mu.Unlock()
}

func (e *Engine) deliveryMarker() DeliveryMarker {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.marker
}

// releaseSlot gives back one capacity slot of the room, never driving the
// counter negative.
func (e *Engine) releaseSlot(roomID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := releaseSlotScript.Run(ctx, e.rdb, []string{"room:connections:" + roomID}).Err(); err != nil {
		e.log.Warn().Err(err).Str("room_id", roomID).Msg("failed to release room counter slot")
	}
}

// Start subscribes to the cross-process relay. Must be called before Publish.
func (e *Engine) Start() error {
	e.pubsub = e.rdb.PSubscribe(e.ctx, relayPattern)
	// Force the subscription onto the wire before we report ready.
	if _, err := e.pubsub.Receive(e.ctx); err != nil {
		return fmt.Errorf("subscribe to relay: %w", err)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.relayLoop()
	}()
	return nil
}

// Stop flushes every pending batch and tears the engine down.
func (e *Engine) Stop() {
	e.cancel()
	if e.pubsub != nil {
		_ = e.pubsub.Close()
	}
	e.wg.Wait()
}

// Publish queues the message for local batched delivery and unconditionally
// relays it so peer processes deliver to their subscribers. Duplicates are
// suppressed by message id at both edges: a retried publish is dropped here,
// a doubly-received relay is dropped by the peer.
func (e *Engine) Publish(msg Message) {
	if !e.seen.add(msg.ID) {
		// A client retrying a send reuses its message id; the first
		// publish already fanned out.
		e.log.Debug().Str("msg_id", msg.ID).Str("room_id", msg.RoomID).Msg("duplicate publish suppressed")
		return
	}
	e.met.BroadcastMessages.Inc()

	for {
		b := e.batcherFor(msg.RoomID)
		dropped, full, ok := b.enqueue(msg, e.cfg.MaxBatch, e.cfg.MaxPending)
		if !ok {
			// Batcher shut down between lookup and enqueue; take a fresh one.
			continue
		}
		if dropped > 0 {
			e.met.BatchDropped.Add(float64(dropped))
			e.log.Warn().Str("room_id", msg.RoomID).Int("dropped", dropped).
				Msg("room batch over capacity; dropped oldest pending entries")
		}
		if full {
			b.kickFlush()
		}
		break
	}

	if err := e.relay(msg); err != nil {
		// Local subscribers were still served; peers catch up through the
		// durable log consumers.
		e.log.Warn().Err(err).Str("room_id", msg.RoomID).Msg("cross-process relay failed")
	}
}

// Join subscribes the connection to a room, enforcing the configured maximum
// participant count through the shared cross-process counter. The counter is
// advisory: slight overshoot under races is accepted, and an unreachable
// store does not block joining.
func (e *Engine) Join(ctx context.Context, conn *registry.Connection, roomID string) error {
	if conn.InRoom(roomID) {
		return ErrAlreadyJoined
	}

	counterKey := "room:connections:" + roomID
	count, err := e.rdb.Incr(ctx, counterKey).Result()
	if err != nil {
		e.log.Warn().Err(err).Str("room_id", roomID).Msg("room counter unreachable; admitting join")
	} else {
		_ = e.rdb.Expire(ctx, counterKey, roomCounterTTL).Err()
		if count > int64(e.cfg.RoomCapacity) {
			e.releaseSlot(roomID)
			return ErrRoomFull
		}
	}

	if !e.reg.AddRoom(conn, roomID) {
		if err == nil {
			e.releaseSlot(roomID)
		}
		return ErrAlreadyJoined
	}
	return nil
}

// Leave unsubscribes the connection. The registry's removal hook releases
// the shared counter slot.
func (e *Engine) Leave(_ context.Context, conn *registry.Connection, roomID string) bool {
	return e.reg.RemoveRoom(conn, roomID)
}

func (e *Engine) batcherFor(roomID string) *batcher {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.rooms[roomID]
	if !ok {
		b = newBatcher(roomID)
		e.rooms[roomID] = b
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.runBatcher(b)
		}()
	}
	return b
}

func (e *Engine) runBatcher(b *batcher) {
	ticker := time.NewTicker(e.cfg.FlushInterval)
	defer ticker.Stop()

	idle := 0
	for {
		select {
		case <-e.ctx.Done():
			e.flush(b)
			return
		case <-ticker.C:
			if e.flush(b) == 0 {
				idle++
				if idle >= idleFlushLimit && e.retire(b) {
					return
				}
			} else {
				idle = 0
			}
		case <-b.kick:
			e.flush(b)
			idle = 0
		}
	}
}

// retire removes an idle batcher from the room map. Returns false when a
// message slipped in concurrently; the batcher keeps running for it.
func (e *Engine) retire(b *batcher) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) > 0 {
		return false
	}
	b.stopped = true
	delete(e.rooms, b.room)
	return true
}

// flush delivers the room's pending batch to every local subscriber and
// returns how many messages it handled. A failed socket write buffers the
// payload on that connection's retry queue and deregisters it from the room
// without aborting delivery to the remaining sockets.
func (e *Engine) flush(b *batcher) int {
	batch := b.take(e.cfg.MaxBatch)
	if len(batch) == 0 {
		return 0
	}

	conns := e.reg.RoomConnections(b.room)
	for _, msg := range batch {
		e.deliverLocal(b.room, msg, conns)
	}
	return len(batch)
}

func (e *Engine) deliverLocal(roomID string, msg Message, conns []*registry.Connection) {
	for _, conn := range conns {
		if conn.ID() == msg.Sender {
			continue
		}
		if !conn.Send(msg.Payload) {
			e.reg.EnqueueRetry(conn, msg.Payload)
			e.reg.RemoveRoom(conn, roomID)
			attempts := e.reg.IncrementReconnectAttempts(conn)
			e.log.Warn().
				Stringer("conn_id", conn.ID()).
				Str("room_id", roomID).
				Int("recovery_attempts", attempts).
				Msg("send buffer full; connection removed from room")
		}
	}
}

// batcher holds one room's pending messages between flushes.
type batcher struct {
	room string
	kick chan struct{}

	mu      sync.Mutex
	pending []Message
	stopped bool
}

func newBatcher(room string) *batcher {
	return &batcher{room: room, kick: make(chan struct{}, 1)}
}

// enqueue appends the message, evicting the oldest entries beyond maxPending.
// full reports whether an immediate flush is warranted; ok is false when the
// batcher already shut down.
func (b *batcher) enqueue(msg Message, maxBatch, maxPending int) (dropped int, full, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return 0, false, false
	}
	b.pending = append(b.pending, msg)
	if over := len(b.pending) - maxPending; over > 0 {
		b.pending = b.pending[over:]
		dropped = over
	}
	return dropped, len(b.pending) >= maxBatch, true
}

func (b *batcher) kickFlush() {
	select {
	case b.kick <- struct{}{}:
	default:
	}
}

// take removes and returns up to maxBatch pending messages.
func (b *batcher) take(maxBatch int) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.pending)
	if n == 0 {
		return nil
	}
	if n > maxBatch {
		n = maxBatch
	}
	batch := make([]Message, n)
	copy(batch, b.pending[:n])
	b.pending = b.pending[n:]
	return batch
}
