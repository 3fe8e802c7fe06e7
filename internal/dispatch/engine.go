// Package dispatch implements the message dispatch engine and the history
// replay service: persisting inbound messages, fanning them out to every live
// connection of the receiver, acknowledging the sender, and replaying ordered
// conversation history with opportunistic delivered-flips.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/jsaurav7/ChatApp/internal/messaging"
	"github.com/jsaurav7/ChatApp/internal/metrics"
	"github.com/jsaurav7/ChatApp/internal/protocol"
	"github.com/jsaurav7/ChatApp/internal/ratelimit"
	"github.com/jsaurav7/ChatApp/internal/registry"
	"github.com/jsaurav7/ChatApp/internal/store"
)

// Content limits for a single message.
const (
	MaxContentBytes = 4096 // max payload size
	MaxContentRunes = 2000 // max character count
)

// ErrInvalidRequest marks a send or replay request that was rejected before
// any side effect: missing receiver, empty or oversized content, or a
// self-addressed message.
var ErrInvalidRequest = errors.New("dispatch: invalid request")

// MessageStore is the durable store surface the engine depends on,
// implemented by *store.Store.
type MessageStore interface {
	Append(ctx context.Context, senderID, receiverID int64, content string) (store.Message, error)
	MarkDelivered(ctx context.Context, id int64) error
	MarkConversationDelivered(ctx context.Context, receiverID, senderID int64) (int64, error)
	History(ctx context.Context, userA, userB int64) ([]store.Message, error)
}

// Presence is the tracker surface the engine reads for query_presence,
// implemented by *presence.Tracker.
type Presence interface {
	LastSeen(ctx context.Context, userID int64) (time.Time, error)
	IsOnline(ctx context.Context, userID int64) (bool, error)
}

// Engine orchestrates sends, replays, and presence queries over the shared
// registry, store, and tracker. All state it touches is owned by those
// components; the engine itself is stateless and safe for concurrent use
// from every connection task.
type Engine struct {
	store    MessageStore
	registry *registry.Registry
	presence Presence
	limiter  *ratelimit.Limiter   // nil disables send throttling
	events   *messaging.Publisher // nil disables event publishing
}

// NewEngine creates an Engine. The limiter and publisher are optional.
func NewEngine(st MessageStore, reg *registry.Registry, pr Presence, limiter *ratelimit.Limiter, events *messaging.Publisher) *Engine {
	return &Engine{
		store:    st,
		registry: reg,
		presence: pr,
		limiter:  limiter,
		events:   events,
	}
}

// validateSend rejects malformed sends before any side effect.
func validateSend(senderID, receiverID int64, content string) error {
	if receiverID <= 0 {
		return fmt.Errorf("%w: receiver_id is required", ErrInvalidRequest)
	}
	if receiverID == senderID {
		return fmt.Errorf("%w: cannot message yourself", ErrInvalidRequest)
	}
	if content == "" {
		return fmt.Errorf("%w: content is empty", ErrInvalidRequest)
	}
	if len(content) > MaxContentBytes {
		return fmt.Errorf("%w: content exceeds %d byte limit", ErrInvalidRequest, MaxContentBytes)
	}
	if utf8.RuneCountInString(content) > MaxContentRunes {
		return fmt.Errorf("%w: content exceeds %d character limit", ErrInvalidRequest, MaxContentRunes)
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("%w: content contains invalid UTF-8", ErrInvalidRequest)
	}
	return nil
}

// Send processes one inbound send_message: validate, persist with
// delivered=false, fan out to the receiver's live connections, acknowledge
// the sender, and flip the delivered flag if at least one live push went out.
//
// A push failure on one receiver connection is isolated; it neither blocks
// sibling devices nor rolls back the persisted message. Only a persistence
// failure aborts the operation, and it is signaled to the sender alone.
func (e *Engine) Send(ctx context.Context, sender registry.Conn, receiverID int64, content string) error {
	timer := time.Now()

	if err := validateSend(sender.UserID(), receiverID, content); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		e.sendError(sender, protocol.CodeInvalidRequest, trimPrefix(err))
		return err
	}

	if e.limiter != nil {
		user := strconv.FormatInt(sender.UserID(), 10)
		if allowed, _ := e.limiter.Allow(ctx, user, ratelimit.RuleMessage); !allowed {
			metrics.MessagesTotal.WithLabelValues("rejected").Inc()
			e.sendError(sender, protocol.CodeRateLimited, "too many messages, slow down")
			return fmt.Errorf("dispatch: user %s rate limited", user)
		}
	}

	// Durability boundary: the message exists before any fan-out, so a crash
	// past this point leaves it recoverable via history replay.
	msg, err := e.store.Append(ctx, sender.UserID(), receiverID, content)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		e.sendError(sender, protocol.CodePersistenceFailed, "message could not be stored")
		return err
	}

	// Fan out to every live connection of the receiver. The snapshot is
	// consistent; a connection that dies mid-push fails its own write only.
	deliveredLive := false
	for _, conn := range e.registry.ConnectionsOf(receiverID) {
		if err := e.push(conn, deliveredEvent(msg, protocol.SenderOther, true)); err != nil {
			metrics.DeliveryErrors.Inc()
			log.Printf("dispatch: push message=%d to conn=%s failed: %v", msg.ID, conn.ID(), err)
			continue
		}
		deliveredLive = true
	}

	// Acknowledge the sender on the originating connection. The ack carries
	// whether the fan-out reached a live receiver connection.
	if err := e.push(sender, deliveredEvent(msg, protocol.SenderMe, deliveredLive)); err != nil {
		metrics.DeliveryErrors.Inc()
		log.Printf("dispatch: ack message=%d to conn=%s failed: %v", msg.ID, sender.ID(), err)
	}

	if deliveredLive {
		// Monotone set-true; racing with a concurrent replay flip is safe.
		if err := e.store.MarkDelivered(ctx, msg.ID); err != nil {
			log.Printf("dispatch: mark delivered message=%d failed: %v", msg.ID, err)
		}
		metrics.MessagesTotal.WithLabelValues("delivered_live").Inc()
	} else {
		metrics.MessagesTotal.WithLabelValues("queued_offline").Inc()
	}

	e.publishMessageEvent(msg, deliveredLive)
	metrics.SendLatency.Observe(time.Since(timer).Seconds())
	return nil
}

// Replay pushes the full ordered conversation between the requesting user
// and peerID to the requesting connection, then flips the delivered flag for
// every previously-undelivered message addressed to the requester. Replay is
// idempotent: repeated calls emit identical sequences and never re-flip.
func (e *Engine) Replay(ctx context.Context, conn registry.Conn, peerID int64) error {
	metrics.ReplayRequests.Inc()

	if peerID <= 0 {
		e.sendError(conn, protocol.CodeInvalidRequest, "peer_id is required")
		return fmt.Errorf("%w: peer_id is required", ErrInvalidRequest)
	}

	history, err := e.store.History(ctx, conn.UserID(), peerID)
	if err != nil {
		e.sendError(conn, protocol.CodePersistenceFailed, "history could not be loaded")
		return err
	}

	for _, msg := range history {
		sender := protocol.SenderOther
		delivered := true
		if msg.SenderID == conn.UserID() {
			sender = protocol.SenderMe
			// The requester's own messages report the stored flag; messages
			// addressed to the requester are being delivered right now.
			delivered = msg.Delivered
		}
		if err := e.push(conn, deliveredEvent(msg, sender, delivered)); err != nil {
			// The requesting connection is gone; the flip below is skipped so
			// the messages surface as undelivered on the next replay.
			return fmt.Errorf("dispatch: replay push to conn=%s: %w", conn.ID(), err)
		}
	}
	metrics.ReplayBatchSize.Observe(float64(len(history)))

	// Everything emitted above reached the requester, so inbound messages
	// that were still undelivered are delivered now.
	if _, err := e.store.MarkConversationDelivered(ctx, conn.UserID(), peerID); err != nil {
		log.Printf("dispatch: replay flip user=%d peer=%d failed: %v", conn.UserID(), peerID, err)
	}
	return nil
}

// QueryPresence answers a query_presence request on the asking connection.
func (e *Engine) QueryPresence(ctx context.Context, conn registry.Conn, peerID int64) error {
	if peerID <= 0 {
		e.sendError(conn, protocol.CodeInvalidRequest, "peer_id is required")
		return fmt.Errorf("%w: peer_id is required", ErrInvalidRequest)
	}

	lastSeen, err := e.presence.LastSeen(ctx, peerID)
	if err != nil {
		e.sendError(conn, protocol.CodePersistenceFailed, "presence could not be loaded")
		return err
	}
	online, err := e.presence.IsOnline(ctx, peerID)
	if err != nil {
		e.sendError(conn, protocol.CodePersistenceFailed, "presence could not be loaded")
		return err
	}

	info := protocol.PresenceInfoMsg{
		UserID: peerID,
		Online: online,
	}
	if !lastSeen.IsZero() {
		info.LastSeen = lastSeen.UTC().Format(time.RFC3339)
	}
	return e.push(conn, mustServerMessage(protocol.TypePresenceInfo, info))
}

// deliveredEvent builds the uniform message_delivered payload used for live
// fan-out, sender acks, and replay.
func deliveredEvent(msg store.Message, sender string, delivered bool) []byte {
	return mustServerMessage(protocol.TypeMessageDelivered, protocol.MessageDeliveredMsg{
		ID:        msg.ID,
		Text:      msg.Content,
		Sender:    sender,
		Time:      msg.CreatedAt.UTC().Format(time.RFC3339),
		Delivered: delivered,
	})
}

// push writes one event to a connection. Write errors are returned for the
// caller to isolate.
func (e *Engine) push(conn registry.Conn, data []byte) error {
	if data == nil {
		return fmt.Errorf("dispatch: empty event payload")
	}
	return conn.WriteMessage(data)
}

// sendError emits an error event to the originating connection. Failures are
// logged only; the connection stays open.
func (e *Engine) sendError(conn registry.Conn, code, reason string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:   code,
		Reason: reason,
	})
	if err != nil {
		log.Printf("dispatch: build error event conn=%s: %v", conn.ID(), err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("dispatch: send error event conn=%s: %v", conn.ID(), err)
	}
}

// publishMessageEvent notifies downstream consumers about a processed send.
// Fire and forget: failures are logged, never surfaced to the sender.
func (e *Engine) publishMessageEvent(msg store.Message, delivered bool) {
	if e.events == nil {
		return
	}
	data, err := json.Marshal(messaging.MessageEvent{
		MessageID:  msg.ID,
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		Delivered:  delivered,
		Ts:         msg.CreatedAt.UnixMilli(),
	})
	if err != nil {
		log.Printf("dispatch: marshal message event: %v", err)
		return
	}
	if err := e.events.PublishMessageEvent(msg.ReceiverID, data); err != nil {
		log.Printf("dispatch: publish message event: %v", err)
	}
}

// mustServerMessage builds a server event, logging instead of failing on the
// marshal path: the payload structs contain nothing unmarshalable.
func mustServerMessage(msgType string, payload interface{}) []byte {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("dispatch: build %s event: %v", msgType, err)
		return nil
	}
	return data
}

// trimPrefix strips the sentinel prefix from a wrapped validation error so
// the wire reason reads cleanly.
func trimPrefix(err error) string {
	s := err.Error()
	prefix := ErrInvalidRequest.Error() + ": "
	if len(s) > len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):]
	}
	return s
}
