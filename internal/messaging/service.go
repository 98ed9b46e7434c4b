package messaging

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"socialmesh/go-node/internal/contentstore"
	"socialmesh/go-node/internal/identity"
	"socialmesh/go-node/internal/platform/errs"
	"socialmesh/go-node/internal/platform/privacylog"
	"socialmesh/go-node/internal/platform/ratelimiter"
	"socialmesh/go-node/internal/pubsub"
	"socialmesh/go-node/pkg/models"
)

const previewLength = 50

// KeySource yields the local signing identity.
type KeySource interface {
	Keypair() (identity.Keypair, bool)
}

type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

type Store interface {
	SaveMessage(ctx context.Context, msg models.Message) (int64, error)
	CreateNotification(ctx context.Context, n models.Notification) (int64, error)
}

type Observer interface {
	ObserveInbound(outcome string)
	ObservePin(reason string, err error)
}

// Attachment is a file sent along with a message.
type Attachment struct {
	Data     []byte
	Filename string
	MimeType string
}

// Outcome describes a sent message. Published is false when the inbox publish
// failed; the local copy is stored either way.
type Outcome struct {
	Timestamp   string
	ContentID   string
	RecipientID string
	Topic       string
	Published   bool
}

type Service struct {
	keys      KeySource
	content   contentstore.Store
	publisher Publisher
	store     Store
	limiter   *ratelimiter.SenderLimiter
	observer  Observer
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

// WithRateLimiter bounds inbound messages per sender. A nil limiter disables it.
func WithRateLimiter(l *ratelimiter.SenderLimiter) Option {
	return func(s *Service) { s.limiter = l }
}

func NewService(keys KeySource, content contentstore.Store, publisher Publisher, store Store, opts ...Option) *Service {
	s := &Service{
		keys:      keys,
		content:   content,
		publisher: publisher,
		store:     store,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SendDirectMessage signs and publishes a message to the recipient's inbox and
// keeps the local side of the conversation.
func (s *Service) SendDirectMessage(ctx context.Context, recipientID, text string, file *Attachment) (Outcome, error) {
	kp, ok := s.keys.Keypair()
	if !ok {
		return Outcome{}, errs.Wrap(errs.CategoryIdentity, identity.ErrNoIdentity)
	}
	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" {
		return Outcome{}, errs.Wrap(errs.CategoryAPI, ErrRecipientRequired)
	}
	if text == "" && (file == nil || len(file.Data) == 0) {
		return Outcome{}, errs.Wrap(errs.CategoryAPI, ErrEmptyMessage)
	}

	receiver := recipientID
	if identity.IsDID(recipientID) {
		if legacy := identity.DIDToLegacyPeerID(recipientID); legacy != "" {
			receiver = legacy
		} else {
			s.logger.Warn("recipient did has no legacy peer id, using it as-is",
				"component", "messaging",
				"operation", "send",
				"recipient_id", recipientID,
			)
		}
	}

	payload := Payload{
		Text:      text,
		Timestamp: s.now().UTC().Format(time.RFC3339Nano),
	}
	if file != nil && len(file.Data) > 0 {
		payload.Filename = strings.TrimSpace(file.Filename)
		payload.MimeType = strings.TrimSpace(file.MimeType)
	}
	if err := validatePayload(payload); err != nil {
		return Outcome{}, errs.Wrap(errs.CategoryCapacity, err)
	}
	if file != nil && len(file.Data) > 0 {
		id, err := s.content.AddBlob(ctx, file.Data)
		if err != nil {
			return Outcome{}, fmt.Errorf("store attachment: %w", err)
		}
		payload.ContentID = id
		pinErr := s.content.Pin(ctx, id)
		if s.observer != nil {
			s.observer.ObservePin("attachment", pinErr)
		}
		if pinErr != nil {
			s.logger.Warn("attachment pin failed",
				"component", "messaging",
				"operation", "send",
				"correlation_id", id,
				"error", pinErr.Error(),
			)
		}
	}

	encoded, err := encodePayload(payload)
	if err != nil {
		return Outcome{}, fmt.Errorf("encode payload: %w", err)
	}
	wire, err := json.Marshal(SignedMessage{
		Payload:           encoded,
		Signature:         base64.StdEncoding.EncodeToString(kp.Sign([]byte(encoded))),
		DID:               kp.DID,
		SenderTransportID: kp.LegacyPeerID(),
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("encode message: %w", err)
	}

	out := Outcome{
		Timestamp:   payload.Timestamp,
		ContentID:   payload.ContentID,
		RecipientID: receiver,
		Topic:       InboxTopic(receiver),
	}
	if err := s.publisher.Publish(ctx, out.Topic, wire); err != nil {
		s.logger.Warn("inbox publish failed",
			"component", "messaging",
			"operation", "send",
			"correlation_id", out.Topic,
			"error", err.Error(),
		)
	} else {
		out.Published = true
	}

	if _, err := s.store.SaveMessage(ctx, models.Message{
		SenderID:    kp.LegacyPeerID(),
		RecipientID: receiver,
		Text:        payload.Text,
		Timestamp:   payload.Timestamp,
		ContentID:   payload.ContentID,
		Filename:    payload.Filename,
		MimeType:    payload.MimeType,
		Read:        true,
	}); err != nil {
		return out, fmt.Errorf("store sent message: %w", err)
	}
	return out, nil
}

// Handle adapts HandleInboxMessage to a pubsub handler. Discarded messages are
// only logged.
func (s *Service) Handle(ctx context.Context, env pubsub.Envelope) {
	if _, err := s.HandleInboxMessage(ctx, env); err != nil {
		level := slog.LevelDebug
		if DiscardReason(err) == ReasonStoreFailed {
			level = slog.LevelWarn
		}
		s.logger.Log(ctx, level, "inbox message dropped",
			"component", "messaging",
			"operation", "receive",
			"correlation_id", privacylog.ShortID(env.From),
			"error", err.Error(),
		)
	}
}

// HandleInboxMessage verifies an inbound envelope and stores it as an unread
// message with a notification for the local identity. Every rejection is a
// *DiscardError.
func (s *Service) HandleInboxMessage(ctx context.Context, env pubsub.Envelope) (models.Message, error) {
	msg, err := s.acceptInbound(ctx, env)
	if s.observer != nil {
		if err != nil {
			s.observer.ObserveInbound(DiscardReason(err))
		} else {
			s.observer.ObserveInbound(OutcomeAccepted)
		}
	}
	return msg, err
}

func (s *Service) acceptInbound(ctx context.Context, env pubsub.Envelope) (models.Message, error) {
	var signed SignedMessage
	if err := json.Unmarshal(env.Data, &signed); err != nil {
		return models.Message{}, discard(ReasonMalformed, err)
	}
	if signed.DID == "" || signed.Signature == "" || signed.Payload == "" {
		return models.Message{}, discard(ReasonMissingFields, nil)
	}
	sender := strings.TrimSpace(env.From)
	if sender == "" {
		sender = strings.TrimSpace(signed.SenderTransportID)
	}
	if sender == "" {
		return models.Message{}, discard(ReasonNoSender, nil)
	}
	// Limited before signature verification, keyed on whoever the message
	// will be stored as coming from.
	if !s.limiter.Allow(sender, s.now()) {
		return models.Message{}, discard(ReasonRateLimited, nil)
	}
	if !identity.Verify([]byte(signed.Payload), signed.Signature, signed.DID) {
		return models.Message{}, discard(ReasonBadSignature, nil)
	}

	var payload Payload
	if err := json.Unmarshal([]byte(signed.Payload), &payload); err != nil {
		return models.Message{}, discard(ReasonBadPayload, err)
	}
	if payload.Text == "" && payload.ContentID == "" {
		return models.Message{}, discard(ReasonEmpty, nil)
	}
	if err := validatePayload(payload); err != nil {
		return models.Message{}, discard(ReasonTooLarge, err)
	}

	var self identity.Keypair
	if kp, ok := s.keys.Keypair(); ok {
		self = kp
	}
	timestamp := payload.Timestamp
	if timestamp == "" {
		timestamp = s.now().UTC().Format(time.RFC3339Nano)
	}
	msg := models.Message{
		SenderID:    sender,
		RecipientID: self.LegacyPeerID(),
		Text:        payload.Text,
		Timestamp:   timestamp,
		ContentID:   payload.ContentID,
		Filename:    payload.Filename,
		MimeType:    payload.MimeType,
	}
	id, err := s.store.SaveMessage(ctx, msg)
	if err != nil {
		return models.Message{}, discard(ReasonStoreFailed, err)
	}
	msg.ID = id

	if self.DID != "" {
		_, err := s.store.CreateNotification(ctx, models.Notification{
			OwnerID:   self.DID,
			Type:      models.NotificationTypeMessage,
			Title:     fmt.Sprintf("Message from %s...", preview(sender, 8)),
			Message:   preview(payload.Text, previewLength),
			Link:      "/messages/" + sender,
			CreatedAt: s.now(),
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("notification not created",
				"component", "messaging",
				"operation", "receive",
				"correlation_id", privacylog.ShortID(sender),
				"error", err.Error(),
			)
		}
	}
	s.logger.Info("inbox message stored",
		"component", "messaging",
		"operation", "receive",
		"sender_id", sender,
		"correlation_id", fmt.Sprint(id),
	)
	return msg, nil
}
