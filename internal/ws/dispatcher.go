package ws

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/relay/internal/metrics"
	"github.com/whisper/relay/internal/protocol"
	"github.com/whisper/relay/internal/ratelimit"
	"github.com/whisper/relay/internal/registry"
	"github.com/whisper/relay/internal/session"
)

// rateLimitTimeout bounds one rate limiter round trip.
const rateLimitTimeout = 500 * time.Millisecond

// Limiter decides whether a client may send another envelope.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// MessageDispatcher turns inbound frames into registry operations. Malformed
// or throttled frames are logged and dropped; they never end the connection.
type MessageDispatcher struct {
	registry *registry.Registry
	limiter  Limiter // optional
	log      *zap.Logger
}

// NewMessageDispatcher creates a dispatcher feeding reg. limiter may be nil.
func NewMessageDispatcher(reg *registry.Registry, limiter Limiter, log *zap.Logger) *MessageDispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &MessageDispatcher{
		registry: reg,
		limiter:  limiter,
		log:      log.Named("dispatch"),
	}
}

// Dispatch handles one text frame received on sess's connection.
func (d *MessageDispatcher) Dispatch(sess *session.Session, data []byte) {
	clientID := sess.ClientID()

	env, err := protocol.DecodeInbound(data)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("invalid").Inc()
		d.log.Warn("dropping malformed envelope", zap.String("client_id", clientID), zap.Error(err))
		return
	}

	switch env.Type {
	case protocol.TypeMessage:
		d.handleMessage(clientID, *env.Message)
	case protocol.TypeTyping:
		d.handleTyping(clientID, env.IsTyping)
	}
}

func (d *MessageDispatcher) handleMessage(clientID string, msg protocol.ChatMessage) {
	if err := protocol.ValidateContent(msg.Content); err != nil {
		metrics.MessagesTotal.WithLabelValues("invalid").Inc()
		d.log.Warn("dropping invalid message", zap.String("client_id", clientID), zap.Error(err))
		return
	}
	if !d.allow(clientID, ratelimit.RuleMessage) {
		return
	}

	if msg.Sender != "" && msg.Sender != clientID {
		d.log.Debug("overriding client-supplied sender",
			zap.String("client_id", clientID),
			zap.String("claimed", msg.Sender))
	}
	msg.Sender = clientID

	metrics.MessagesTotal.WithLabelValues("received").Inc()
	sent := d.registry.BroadcastMessage(msg, "")
	d.log.Info("relayed message",
		zap.String("client_id", clientID),
		zap.String("id", sent.ID),
		zap.Int("length", len(sent.Content)))
}

func (d *MessageDispatcher) handleTyping(clientID string, isTyping bool) {
	if !d.allow(clientID, ratelimit.RuleTyping) {
		return
	}
	metrics.MessagesTotal.WithLabelValues("received").Inc()
	if err := d.registry.SetTyping(clientID, isTyping); err != nil {
		d.log.Warn("typing update failed", zap.String("client_id", clientID), zap.Error(err))
	}
}

// allow consults the limiter, failing open when it errors.
func (d *MessageDispatcher) allow(clientID string, rule ratelimit.Rule) bool {
	if d.limiter == nil {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), rateLimitTimeout)
	defer cancel()

	ok, err := d.limiter.Allow(ctx, clientID, rule)
	if err != nil {
		d.log.Debug("rate limiter unavailable", zap.String("client_id", clientID), zap.Error(err))
		return true
	}
	if !ok {
		metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
		d.log.Warn("rate limit exceeded, dropping envelope",
			zap.String("client_id", clientID),
			zap.String("rule", rule.Key),
			zap.Int("limit", rule.Limit),
			zap.Duration("window", rule.Window))
		return false
	}
	return true
}
