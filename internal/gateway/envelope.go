package gateway

import (
	"encoding/json"
	"time"
)

// Inbound envelope types.
const (
	TypeMessage     = "message"
	TypeJoin        = "join"
	TypeLeave       = "leave"
	TypeDeliveryAck = "delivery_ack"
)

// Payload carries the message body. Clients send either content or text; the
// two are treated as synonyms with content taking precedence.
type Payload struct {
	Content string `json:"content,omitempty"`
	Text    string `json:"text,omitempty"`
}

// Body returns the effective message body.
func (p Payload) Body() string {
	if p.Content != "" {
		return p.Content
	}
	return p.Text
}

// Envelope is the structured unit of client-to-server communication.
type Envelope struct {
	Type        string  `json:"type"`
	RoomID      string  `json:"room_id,omitempty"`
	MsgID       string  `json:"msg_id,omitempty"`
	Status      string  `json:"status,omitempty"`
	RequiresAck bool    `json:"requires_ack,omitempty"`
	Payload     Payload `json:"payload"`
}

// Outbound frames. Each helper returns the encoded frame; encoding these
// fixed shapes cannot fail, so errors are swallowed at the call site.

type msgAckFrame struct {
	Type        string `json:"type"`
	MsgID       string `json:"msg_id"`
	Status      string `json:"status"`
	PublishedAt string `json:"published_at"`
}

func encodeMsgAck(msgID string, at time.Time) []byte {
	raw, _ := json.Marshal(msgAckFrame{
		Type:        "msg_ack",
		MsgID:       msgID,
		Status:      "published",
		PublishedAt: at.UTC().Format(time.RFC3339Nano),
	})
	return raw
}

type errorFrame struct {
	Type      string `json:"type"`
	Msg       string `json:"msg"`
	Remaining *int   `json:"remaining,omitempty"`
	ResetAt   string `json:"reset_at,omitempty"`
}

func encodeError(code string) []byte {
	raw, _ := json.Marshal(errorFrame{Type: "error", Msg: code})
	return raw
}

func encodeRateLimitError(remaining int, resetAt time.Time) []byte {
	raw, _ := json.Marshal(errorFrame{
		Type:      "error",
		Msg:       CodeRateLimited,
		Remaining: &remaining,
		ResetAt:   resetAt.UTC().Format(time.RFC3339Nano),
	})
	return raw
}

type moderationWarningFrame struct {
	Type       string  `json:"type"`
	MsgID      string  `json:"msg_id"`
	Score      float64 `json:"score"`
	Suggestion string  `json:"suggestion,omitempty"`
}

func encodeModerationWarning(msgID string, score float64, suggestion string) []byte {
	raw, _ := json.Marshal(moderationWarningFrame{
		Type:       "moderation_warning",
		MsgID:      msgID,
		Score:      score,
		Suggestion: suggestion,
	})
	return raw
}

type deliveryAckConfirmedFrame struct {
	Type        string `json:"type"`
	MsgID       string `json:"msg_id"`
	ConfirmedAt string `json:"confirmed_at"`
}

func encodeDeliveryAckConfirmed(msgID string, at time.Time) []byte {
	raw, _ := json.Marshal(deliveryAckConfirmedFrame{
		Type:        "delivery_ack_confirmed",
		MsgID:       msgID,
		ConfirmedAt: at.UTC().Format(time.RFC3339Nano),
	})
	return raw
}

type roomEventFrame struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

func encodeRoomJoined(roomID string) []byte {
	raw, _ := json.Marshal(roomEventFrame{Type: "room_joined", RoomID: roomID})
	return raw
}

func encodeRoomLeft(roomID string) []byte {
	raw, _ := json.Marshal(roomEventFrame{Type: "room_left", RoomID: roomID})
	return raw
}

// chatFrame is the broadcast shape delivered to room subscribers.
type chatFrame struct {
	Type    string  `json:"type"`
	MsgID   string  `json:"msg_id"`
	RoomID  string  `json:"room_id"`
	UserID  string  `json:"user_id"`
	Payload Payload `json:"payload"`
	SentAt  string  `json:"sent_at"`
}

func encodeChat(msgID, roomID, userID, body string, at time.Time) []byte {
	raw, _ := json.Marshal(chatFrame{
		Type:    TypeMessage,
		MsgID:   msgID,
		RoomID:  roomID,
		UserID:  userID,
		Payload: Payload{Content: body},
		SentAt:  at.UTC().Format(time.RFC3339Nano),
	})
	return raw
}
