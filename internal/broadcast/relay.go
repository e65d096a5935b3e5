package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/harborline/chatgate/internal/registry"
)

const (
	relayPrefix  = "relay:room:"
	relayPattern = relayPrefix + "*"
)

// relayEnvelope is the wire shape of a cross-process broadcast. Origin lets a
// process skip its own relayed traffic; MsgID backs duplicate suppression at
// the receiving edge.
type relayEnvelope struct {
	Origin      string          `json:"origin"`
	MsgID       string          `json:"msg_id"`
	RoomID      string          `json:"room_id"`
	Payload     json.RawMessage `json:"payload"`
	SenderID    string          `json:"sender_id,omitempty"`
	RequiresAck bool            `json:"requires_ack,omitempty"`
}

// relay publishes the message on the room's relay channel. Every process,
// including this one, receives it; the receiving edge filters.
func (e *Engine) relay(msg Message) error {
	raw, err := json.Marshal(relayEnvelope{
		Origin:      e.processID,
		MsgID:       msg.ID,
		RoomID:      msg.RoomID,
		Payload:     msg.Payload,
		SenderID:    msg.SenderID,
		RequiresAck: msg.RequiresAck,
	})
	if err != nil {
		return fmt.Errorf("encode relay envelope: %w", err)
	}
	return e.rdb.Publish(e.ctx, relayPrefix+msg.RoomID, raw).Err()
}

// relayLoop consumes peer traffic and delivers it to local subscribers
// directly, bypassing the batcher so relayed messages are never re-relayed.
func (e *Engine) relayLoop() {
	ch := e.pubsub.Channel()
	for {
		select {
		case <-e.ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			e.handleRelayMessage(m.Channel, []byte(m.Payload))
		}
	}
}

func (e *Engine) handleRelayMessage(channel string, raw []byte) {
	var env relayEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		e.log.Warn().Err(err).Str("channel", channel).Msg("malformed relay envelope")
		return
	}
	if env.Origin == e.processID {
		return
	}
	roomID := env.RoomID
	if roomID == "" {
		roomID = strings.TrimPrefix(channel, relayPrefix)
	}

	// The dual local+relay path can race a message into a process twice;
	// delivery is made idempotent by id here rather than de-duplicated
	// upstream.
	if !e.seen.add(env.MsgID) {
		e.met.RelayDuplicates.Inc()
		return
	}

	conns := e.reg.RoomConnections(roomID)
	if env.RequiresAck {
		e.markPendingLocal(env.MsgID, env.SenderID, conns)
	}

	msg := Message{ID: env.MsgID, RoomID: roomID, Payload: env.Payload, SenderID: env.SenderID}
	e.deliverLocal(roomID, msg, conns)
}

// markPendingLocal records pending delivery for this process's subscribers
// of a tracked relayed message. The originating process covers its own.
func (e *Engine) markPendingLocal(msgID, senderID string, conns []*registry.Connection) {
	marker := e.deliveryMarker()
	if marker == nil {
		return
	}

	var recipients []string
	for _, conn := range conns {
		if id := conn.UserID(); id != "" && id != senderID {
			recipients = append(recipients, id)
		}
	}
	if len(recipients) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := marker.MarkPending(ctx, msgID, recipients); err != nil {
		e.log.Warn().Err(err).Str("msg_id", msgID).Msg("failed to record pending deliveries for relayed message")
	}
}
