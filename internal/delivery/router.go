// Package delivery routes inbound chat frames: it resolves or creates the
// two-party conversation, persists the message with the receiver's online
// state as its read flag, and delivers the result to the two participants.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/duet/chat-server/internal/metrics"
	"github.com/duet/chat-server/internal/protocol"
	"github.com/duet/chat-server/internal/store"
)

// ConversationStore is the slice of the conversation store the router
// writes through.
type ConversationStore interface {
	FindConversation(ctx context.Context, a, b int64) (*store.Conversation, error)
	CreateConversation(ctx context.Context, senderID, receiverID int64, body string, read bool, at time.Time) (*store.Conversation, *store.Message, error)
	AppendMessage(ctx context.Context, conversationID, authorID int64, body string, read bool, at time.Time) (*store.Message, error)
}

// Registry answers presence questions and fans frames out to connections.
type Registry interface {
	IsOnline(userID int64) bool
	SendTo(userID int64, frame []byte) error
	BroadcastAll(frame []byte) int
}

// Limiter throttles senders. Allow fails open on backend errors.
type Limiter interface {
	Allow(ctx context.Context, identifier string) (bool, error)
}

// Publisher forwards delivered frames to out-of-process consumers.
type Publisher interface {
	PublishMessage(receiverID int64, frame []byte) error
	PublishPresence(userID int64, frame []byte) error
}

// Router is the delivery state machine. HandleFrame must be called
// sequentially per connection; calls from different connections may run
// concurrently.
type Router struct {
	store     ConversationStore
	registry  Registry
	limiter   Limiter
	publisher Publisher
	pairs     pairLocks
	clock     clock
	logger    *zap.Logger
}

// NewRouter creates a Router over the given store and registry.
func NewRouter(st ConversationStore, reg Registry, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		store:    st,
		registry: reg,
		clock:    clock{now: time.Now},
		logger:   logger.Named("delivery"),
	}
}

// SetLimiter enables per-sender throttling.
func (r *Router) SetLimiter(l Limiter) { r.limiter = l }

// SetPublisher enables event publication.
func (r *Router) SetPublisher(p Publisher) { r.publisher = p }

// HandleFrame processes one inbound frame from userID's connection.
//
// A returned error means the connection should be closed: the frame was
// malformed (protocol.ErrMalformedFrame) or the store failed. Frames that are
// merely rejected or ignored return nil.
func (r *Router) HandleFrame(ctx context.Context, userID int64, data []byte) error {
	ev, err := protocol.ParseInbound(data)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeMalformed).Inc()
		return err
	}

	if ev.SenderID != userID {
		// Nobody may speak for another user.
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeIgnored).Inc()
		r.logger.Warn("sender_id does not match authenticated user",
			zap.Int64("user_id", userID),
			zap.Int64("sender_id", ev.SenderID),
			zap.Stringer("kind", ev.Kind))
		return nil
	}

	switch ev.Kind {
	case protocol.KindPresenceOpen:
		r.AnnouncePresence(userID)
		return nil
	case protocol.KindPresenceActiveQuery:
		r.logger.Debug("receiver_active query",
			zap.Int64("user_id", userID),
			zap.Int64("receiver_id", ev.ReceiverID),
			zap.Bool("receiver_online", r.registry.IsOnline(ev.ReceiverID)))
		return nil
	case protocol.KindChatMessage:
		return r.send(ctx, ev)
	case protocol.KindUnrecognized:
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeIgnored).Inc()
		r.logger.Debug("ignoring unrecognized frame", zap.Int64("user_id", userID), zap.String("message", ev.Body))
		return nil
	default:
		return fmt.Errorf("delivery: unhandled event kind %d", ev.Kind)
	}
}

// send is the chat-message path.
func (r *Router) send(ctx context.Context, ev protocol.Event) error {
	start := time.Now()
	sender, receiver := ev.SenderID, ev.ReceiverID

	if err := ValidateMessage(ev.Body); err != nil {
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
		r.reject(sender, "invalid_message", err.Error())
		return nil
	}
	if receiver == sender || receiver <= 0 {
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
		r.reject(sender, "invalid_receiver", "receiver must be another user")
		return nil
	}

	if r.limiter != nil {
		allowed, err := r.limiter.Allow(ctx, strconv.FormatInt(sender, 10))
		if err != nil {
			r.logger.Warn("rate limiter unavailable, allowing", zap.Int64("user_id", sender), zap.Error(err))
		}
		if !allowed {
			metrics.MessagesTotal.WithLabelValues(metrics.OutcomeRateLimited).Inc()
			r.sendNotice(sender, protocol.InfoRateLimited, protocol.RateLimitedFrame{
				RetryAfter: r.retryAfter(ctx, strconv.FormatInt(sender, 10)),
			})
			return nil
		}
	}

	// The online flag becomes the message's read state, so it is sampled
	// before anything is written.
	online := r.registry.IsOnline(receiver)

	msg, err := r.commit(ctx, sender, receiver, ev.Body, online)
	if errors.Is(err, store.ErrUnknownUser) {
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
		r.reject(sender, "invalid_receiver", "receiver does not exist")
		return nil
	}
	if err != nil {
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeStoreError).Inc()
		return fmt.Errorf("delivery: persist message %d->%d: %w", sender, receiver, err)
	}

	outcome := metrics.OutcomeStoredOffline
	if online {
		outcome = metrics.OutcomeDeliveredLive
	}
	metrics.MessagesTotal.WithLabelValues(outcome).Inc()
	metrics.DeliveryLatency.Observe(time.Since(start).Seconds())

	r.logger.Debug("message delivered",
		zap.Int64("message_id", msg.ID),
		zap.Int64("chat_id", msg.ConversationID),
		zap.Int64("user_id", sender),
		zap.Int64("receiver_id", receiver),
		zap.Bool("is_active", online))
	return nil
}

// commit persists the message and hands the resulting frame to both
// participants while holding the pair lock, so each participant sees the
// conversation in commit order whichever side wrote. Writes are bounded by
// the connection write deadline.
func (r *Router) commit(ctx context.Context, sender, receiver int64, body string, online bool) (*store.Message, error) {
	unlock := r.pairs.lock(sender, receiver)
	defer unlock()

	msg, err := r.persist(ctx, sender, receiver, body, online)
	if err != nil {
		return nil, err
	}

	frame, err := protocol.NewServerFrame(protocol.InfoNewMessage, protocol.NewMessageFrame{
		ID:         msg.ID,
		Message:    msg.Body,
		ChatID:     msg.ConversationID,
		UserID:     msg.UserID,
		Read:       msg.Read,
		CreatedAt:  protocol.FormatTime(msg.CreatedAt),
		ReceiverID: receiver,
		IsActive:   online,
	})
	if err != nil {
		return nil, fmt.Errorf("encode message %d: %w", msg.ID, err)
	}

	if err := r.registry.SendTo(receiver, frame); err != nil {
		r.logger.Debug("live delivery to receiver failed", zap.Int64("receiver_id", receiver), zap.Error(err))
	}
	if err := r.registry.SendTo(sender, frame); err != nil {
		r.logger.Debug("echo to sender failed", zap.Int64("user_id", sender), zap.Error(err))
	}
	if r.publisher != nil {
		if err := r.publisher.PublishMessage(receiver, frame); err != nil {
			r.logger.Warn("publish message event failed", zap.Int64("message_id", msg.ID), zap.Error(err))
		}
	}
	return msg, nil
}

// persist writes the message, creating the conversation on first contact.
// The caller holds the pair lock, which makes lookup-then-create exclusive
// within this process; the store's unique pair constraint covers everything
// else, and a lost race is retried as an append.
func (r *Router) persist(ctx context.Context, sender, receiver int64, body string, read bool) (*store.Message, error) {
	at := r.clock.next()

	conv, err := r.store.FindConversation(ctx, sender, receiver)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		_, msg, err := r.store.CreateConversation(ctx, sender, receiver, body, read, at)
		if err == nil {
			metrics.ConversationsCreated.Inc()
			return msg, nil
		}
		if !errors.Is(err, store.ErrConversationExists) {
			return nil, err
		}

		metrics.StoreConflicts.Inc()
		r.logger.Info("conversation created concurrently, appending instead",
			zap.Int64("user_id", sender), zap.Int64("receiver_id", receiver))

		conv, err = r.store.FindConversation(ctx, sender, receiver)
		if err != nil {
			return nil, err
		}
		if conv == nil {
			return nil, fmt.Errorf("conversation %d/%d missing after create conflict", sender, receiver)
		}
	}

	return r.store.AppendMessage(ctx, conv.ID, sender, body, read, at)
}

// retryAfter is the whole number of seconds until the sender may retry,
// at least one.
func (r *Router) retryAfter(ctx context.Context, identifier string) int {
	type retryAfterer interface {
		RetryAfter(ctx context.Context, identifier string) time.Duration
	}
	secs := 1
	if ra, ok := r.limiter.(retryAfterer); ok {
		if d := ra.RetryAfter(ctx, identifier); d > time.Second {
			secs = int((d + time.Second - 1) / time.Second)
		}
	}
	return secs
}

// reject tells the sender why its frame was dropped.
func (r *Router) reject(userID int64, code, message string) {
	r.sendNotice(userID, protocol.InfoError, protocol.ErrorFrame{Code: code, Message: message})
}

func (r *Router) sendNotice(userID int64, info string, payload interface{}) {
	frame, err := protocol.NewServerFrame(info, payload)
	if err != nil {
		r.logger.Error("encode notice failed", zap.String("info", info), zap.Error(err))
		return
	}
	if err := r.registry.SendTo(userID, frame); err != nil {
		r.logger.Debug("notice delivery failed", zap.Int64("user_id", userID), zap.String("info", info), zap.Error(err))
	}
}

// clock hands out non-decreasing timestamps even if the wall clock steps
// backwards.
type clock struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

func (c *clock) next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().UTC()
	if t.Before(c.last) {
		t = c.last
	}
	c.last = t
	return t
}
