// Package gateway accepts WebSocket connections and orchestrates the message
// flow: validation, rate limiting, the moderation hook, broadcast, durable
// stream routing, and delivery acknowledgment.
package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/harborline/chatgate/internal/breaker"
	"github.com/harborline/chatgate/internal/broadcast"
	"github.com/harborline/chatgate/internal/config"
	"github.com/harborline/chatgate/internal/delivery"
	"github.com/harborline/chatgate/internal/limiter"
	"github.com/harborline/chatgate/internal/metrics"
	"github.com/harborline/chatgate/internal/registry"
	"github.com/harborline/chatgate/internal/stream"
)

// maxEnvelopeOverhead is slack for the envelope fields wrapped around the
// message body when enforcing the read limit.
const maxEnvelopeOverhead = 1024

// storeTimeout bounds each call into the shared store made on behalf of one
// message, so a slow store degrades one connection's pipeline, not the
// process.
const storeTimeout = 5 * time.Second

// Gateway wires the messaging components together. All dependencies are
// injected; the gateway owns no package-level state.
type Gateway struct {
	cfg config.Config
	log zerolog.Logger
	met *metrics.Metrics

	reg     *registry.Registry
	limiter *limiter.Limiter
	engine  *broadcast.Engine
	streams *stream.Router
	tracker *delivery.Tracker

	storeBreaker      *breaker.Breaker
	moderationBreaker *breaker.Breaker

	auth      Authenticator
	moderator Moderator
	origins   *originPolicy
}

// Deps collects the collaborators a Gateway is built from.
type Deps struct {
	Config    config.Config
	Log       zerolog.Logger
	Metrics   *metrics.Metrics
	Registry  *registry.Registry
	Limiter   *limiter.Limiter
	Engine    *broadcast.Engine
	Streams   *stream.Router
	Tracker   *delivery.Tracker
	Auth      Authenticator
	Moderator Moderator
}

// New assembles a Gateway. Nil Auth or Moderator fall back to the built-in
// stand-ins.
func New(d Deps) *Gateway {
	if d.Auth == nil {
		d.Auth = QueryAuthenticator{}
	}
	if d.Moderator == nil {
		d.Moderator = NoopModerator{}
	}
	log := d.Log.With().Str("component", "gateway").Logger()

	// Relayed tracked messages need pending records on the receiving
	// process; the broadcast engine calls back into the tracker for them.
	d.Engine.TrackDeliveries(d.Tracker)

	return &Gateway{
		cfg:     d.Config,
		log:     log,
		met:     d.Metrics,
		reg:     d.Registry,
		limiter: d.Limiter,
		engine:  d.Engine,
		streams: d.Streams,
		tracker: d.Tracker,
		storeBreaker: breaker.New("stream-store", breaker.Options{
			FailureThreshold:  d.Config.Breaker.FailureThreshold,
			MonitoringWindow:  d.Config.Breaker.MonitoringWindow,
			OpenTimeout:       d.Config.Breaker.OpenTimeout,
			HalfOpenSuccesses: d.Config.Breaker.HalfOpenSuccesses,
		}, d.Log),
		moderationBreaker: breaker.New("moderation", breaker.Options{
			FailureThreshold:  d.Config.Breaker.FailureThreshold,
			MonitoringWindow:  d.Config.Breaker.MonitoringWindow,
			OpenTimeout:       d.Config.Breaker.OpenTimeout,
			HalfOpenSuccesses: d.Config.Breaker.HalfOpenSuccesses,
		}, d.Log),
		auth:      d.Auth,
		moderator: d.Moderator,
		origins:   newOriginPolicy(d.Config.AllowedOrigins, log),
	}
}

// teardown synchronously removes the connection from all local indices and
// releases its room slots. In-flight store calls for this connection may
// still complete; their results are simply discarded.
func (g *Gateway) teardown(c *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	for _, roomID := range c.meta.Rooms() {
		g.engine.Leave(ctx, c.meta, roomID)
	}
	g.reg.Unregister(c.id)
	c.log.Info().Int("total", g.reg.Len()).Msg("client disconnected")
}

// handleInbound is the top of the per-message path. A panic anywhere below is
// caught, logged, and converted to a generic processing error: one malformed
// or unlucky message must never crash the process.
func (g *Gateway) handleInbound(c *Client, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Msg("recovered from panic in message handler")
			c.Send(encodeError(CodeProcessingFailed))
		}
	}()

	env, ok := parseEnvelope(raw)
	if !ok {
		c.Send(encodeError(CodeProcessingFailed))
		return
	}

	switch env.Type {
	case TypeMessage:
		g.handleChat(c, env)
	case TypeJoin:
		g.handleJoin(c, env)
	case TypeLeave:
		g.handleLeave(c, env)
	case TypeDeliveryAck:
		g.handleDeliveryAck(c, env)
	default:
		c.log.Debug().Str("type", env.Type).Msg("unknown envelope type")
		c.Send(encodeError(CodeProcessingFailed))
	}
}

func parseEnvelope(raw []byte) (Envelope, bool) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, false
	}
	return env, true
}

func (g *Gateway) handleChat(c *Client, env Envelope) {
	userID := c.meta.UserID()
	if userID == "" {
		c.Send(encodeError(CodeInvalidUserID))
		return
	}
	if !validRoomID(env.RoomID) {
		c.Send(encodeError(CodeInvalidRoomID))
		return
	}
	if !c.meta.InRoom(env.RoomID) {
		c.Send(encodeError(CodeNotInRoom))
		return
	}

	body := env.Payload.Body()
	if body == "" {
		c.Send(encodeError(CodeEmptyMessage))
		return
	}
	if int64(len(body)) > g.cfg.MaxMessageSize {
		c.Send(encodeError(CodeMessageTooLong))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	res := g.limiter.Allow(ctx, userID, env.RoomID)
	if !res.Allowed {
		g.met.RateLimited.Inc()
		c.Send(encodeRateLimitError(res.Remaining, res.ResetAt))
		return
	}

	msgID := env.MsgID
	if msgID == "" {
		msgID = uuid.NewString()
	}
	now := time.Now()

	g.moderate(ctx, c, body, env.RoomID, msgID, userID)

	frame := encodeChat(msgID, env.RoomID, userID, body, now)
	g.engine.Publish(broadcast.Message{
		ID:          msgID,
		RoomID:      env.RoomID,
		Sender:      c.id,
		Payload:     frame,
		SenderID:    userID,
		RequiresAck: env.RequiresAck,
	})

	g.appendDurable(ctx, c, stream.Entry{
		RoomID: env.RoomID,
		UserID: userID,
		MsgID:  msgID,
		Body:   body,
		SentAt: now,
	})

	if env.RequiresAck {
		g.markPending(ctx, c, msgID, env.RoomID, userID)
	}

	c.Send(encodeMsgAck(msgID, now))
}

// moderate runs the toxicity hook under its breaker. Failures are logged
// only; moderation never blocks delivery.
func (g *Gateway) moderate(ctx context.Context, c *Client, body, roomID, msgID, userID string) {
	var result ModerationResult
	err := g.moderationBreaker.Do(ctx, func(ctx context.Context) error {
		var scanErr error
		result, scanErr = g.moderator.ScanForToxicity(ctx, body, roomID, msgID, userID)
		return scanErr
	})
	if err != nil {
		c.log.Warn().Err(err).Str("msg_id", msgID).Msg("moderation scan failed; delivering anyway")
		return
	}
	if result.IsToxic {
		c.Send(encodeModerationWarning(msgID, result.Score, result.Suggestion))
	}
}

// appendDurable routes the entry into the durable logs under the store
// breaker. Durable writes fail closed: on error the append is skipped and an
// alert is logged, because a silently-undurable message is worse than a
// gap the archival pipeline can see.
func (g *Gateway) appendDurable(ctx context.Context, c *Client, e stream.Entry) {
	err := g.storeBreaker.Do(ctx, func(ctx context.Context) error {
		_, appendErr := g.streams.Append(ctx, e)
		return appendErr
	})
	if err != nil {
		g.met.StreamAppendFailures.Inc()
		c.log.Error().Err(err).Str("msg_id", e.MsgID).Str("room_id", e.RoomID).
			Msg("durable log append failed; message delivered but not journaled")
	}
}

// markPending records a pending delivery for every other local subscriber of
// the room. Cross-process recipients mark themselves through their own
// gateway's delivery_ack path.
func (g *Gateway) markPending(ctx context.Context, c *Client, msgID, roomID, senderID string) {
	var recipients []string
	for _, conn := range g.reg.RoomConnections(roomID) {
		if id := conn.UserID(); id != "" && id != senderID {
			recipients = append(recipients, id)
		}
	}
	if err := g.tracker.MarkPending(ctx, msgID, recipients); err != nil {
		c.log.Warn().Err(err).Str("msg_id", msgID).Msg("failed to record pending deliveries")
	}
}

func (g *Gateway) handleJoin(c *Client, env Envelope) {
	if c.meta.UserID() == "" {
		c.Send(encodeError(CodeInvalidUserID))
		return
	}
	if !validRoomID(env.RoomID) {
		c.Send(encodeError(CodeInvalidRoomID))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	switch err := g.engine.Join(ctx, c.meta, env.RoomID); err {
	case nil:
	case broadcast.ErrRoomFull:
		c.Send(encodeError(CodeRoomFull))
		return
	case broadcast.ErrAlreadyJoined:
		c.Send(encodeError(CodeAlreadyInRoom))
		return
	default:
		c.log.Error().Err(err).Str("room_id", env.RoomID).Msg("join failed")
		c.Send(encodeError(CodeProcessingFailed))
		return
	}

	if c.meta.State() == registry.StateAuthenticated {
		g.reg.Transition(c.meta, registry.StateSubscribed)
	}
	g.reg.ResetReconnectAttempts(c.meta)

	c.Send(encodeRoomJoined(env.RoomID))

	// Reconnect support: hand back anything buffered while the client was
	// away, oldest first.
	for _, payload := range g.reg.DrainRetryQueue(c.meta) {
		if !c.Send(payload) {
			break
		}
	}
}

func (g *Gateway) handleLeave(c *Client, env Envelope) {
	if !validRoomID(env.RoomID) {
		c.Send(encodeError(CodeInvalidRoomID))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if !g.engine.Leave(ctx, c.meta, env.RoomID) {
		c.Send(encodeError(CodeNotInRoom))
		return
	}
	c.Send(encodeRoomLeft(env.RoomID))
}

func (g *Gateway) handleDeliveryAck(c *Client, env Envelope) {
	userID := c.meta.UserID()
	if userID == "" {
		c.Send(encodeError(CodeInvalidUserID))
		return
	}
	if env.MsgID == "" {
		c.Send(encodeError(CodeProcessingFailed))
		return
	}

	status := delivery.Status(env.Status)
	if env.Status == "" {
		status = delivery.StatusDelivered
	}
	if !status.Valid() {
		c.Send(encodeError(CodeProcessingFailed))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	// A duplicate ack is a recorded no-op; both outcomes confirm.
	if _, err := g.tracker.Ack(ctx, env.MsgID, userID, status); err != nil {
		c.log.Warn().Err(err).Str("msg_id", env.MsgID).Msg("delivery ack not recorded")
		c.Send(encodeError(CodeProcessingFailed))
		return
	}
	c.Send(encodeDeliveryAckConfirmed(env.MsgID, time.Now()))
}

func validRoomID(roomID string) bool {
	if roomID == "" {
		return false
	}
	_, err := uuid.Parse(roomID)
	return err == nil
}
