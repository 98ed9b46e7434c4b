package messaging

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"socialmesh/go-node/internal/contentstore/memstore"
	"socialmesh/go-node/internal/identity"
	"socialmesh/go-node/internal/platform/ratelimiter"
	"socialmesh/go-node/internal/pubsub"
	"socialmesh/go-node/pkg/models"
)

type staticKeys struct{ kp identity.Keypair }

func (s staticKeys) Keypair() (identity.Keypair, bool) { return s.kp, !s.kp.IsZero() }

type publishedMessage struct {
	topic string
	data  []byte
}

type capturePublisher struct {
	mu   sync.Mutex
	err  error
	sent []publishedMessage
}

func (p *capturePublisher) Publish(_ context.Context, topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, publishedMessage{topic: topic, data: append([]byte(nil), payload...)})
	return nil
}

type recordingStore struct {
	mu            sync.Mutex
	saveErr       error
	messages      []models.Message
	notifications []models.Notification
}

func (r *recordingStore) SaveMessage(_ context.Context, msg models.Message) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return 0, r.saveErr
	}
	r.messages = append(r.messages, msg)
	return int64(len(r.messages)), nil
}

func (r *recordingStore) CreateNotification(_ context.Context, n models.Notification) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, n)
	return int64(len(r.notifications)), nil
}

type countingObserver struct {
	mu      sync.Mutex
	inbound map[string]int
	pins    int
}

func (c *countingObserver) ObserveInbound(outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inbound == nil {
		c.inbound = map[string]int{}
	}
	c.inbound[outcome]++
}

func (c *countingObserver) ObservePin(string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pins++
}

func mustKeypair(t *testing.T) identity.Keypair {
	t.Helper()
	kp, err := identity.NewKeypair()
	if err != nil {
		t.Fatalf("new keypair: %v", err)
	}
	return kp
}

func signedEnvelope(t *testing.T, kp identity.Keypair, from, payload string) pubsub.Envelope {
	t.Helper()
	raw, err := json.Marshal(SignedMessage{
		Payload:   payload,
		Signature: base64.StdEncoding.EncodeToString(kp.Sign([]byte(payload))),
		DID:       kp.DID,
	})
	if err != nil {
		t.Fatalf("marshal message: %v", err)
	}
	return pubsub.Envelope{Topic: "/app/inbox/x", From: from, Data: raw}
}

func TestSendDirectMessageToDIDUsesLegacyInbox(t *testing.T) {
	sender := mustKeypair(t)
	recipient := mustKeypair(t)
	pub := &capturePublisher{}
	store := &recordingStore{}
	svc := NewService(staticKeys{sender}, memstore.New("self"), pub, store)

	out, err := svc.SendDirectMessage(context.Background(), recipient.DID, "hello", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	wantTopic := "/app/inbox/" + recipient.LegacyPeerID()
	if out.Topic != wantTopic || !out.Published {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if len(pub.sent) != 1 || pub.sent[0].topic != wantTopic {
		t.Fatalf("expected one publish to %s, got %+v", wantTopic, pub.sent)
	}

	var signed SignedMessage
	if err := json.Unmarshal(pub.sent[0].data, &signed); err != nil {
		t.Fatalf("decode wire message: %v", err)
	}
	if signed.DID != sender.DID || signed.SenderTransportID != sender.LegacyPeerID() {
		t.Fatalf("unexpected sender fields: %+v", signed)
	}
	if !identity.Verify([]byte(signed.Payload), signed.Signature, signed.DID) {
		t.Fatalf("signature does not verify over the payload string")
	}
	var payload Payload
	if err := json.Unmarshal([]byte(signed.Payload), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Text != "hello" || payload.Timestamp != out.Timestamp {
		t.Fatalf("unexpected payload: %+v", payload)
	}

	if len(store.messages) != 1 {
		t.Fatalf("expected local copy, got %d", len(store.messages))
	}
	local := store.messages[0]
	if !local.Read || local.RecipientID != recipient.LegacyPeerID() || local.SenderID != sender.LegacyPeerID() {
		t.Fatalf("unexpected local copy: %+v", local)
	}
}

func TestSendDirectMessageKeepsUnconvertibleRecipient(t *testing.T) {
	pub := &capturePublisher{}
	svc := NewService(staticKeys{mustKeypair(t)}, memstore.New("self"), pub, &recordingStore{})

	out, err := svc.SendDirectMessage(context.Background(), "did:key:invalid", "hi", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if out.Topic != "/app/inbox/did:key:invalid" {
		t.Fatalf("expected raw recipient topic, got %s", out.Topic)
	}
}

func TestSendDirectMessageWithAttachmentPinsBlob(t *testing.T) {
	content := memstore.New("self")
	obs := &countingObserver{}
	pub := &capturePublisher{}
	svc := NewService(staticKeys{mustKeypair(t)}, content, pub, &recordingStore{}, WithObserver(obs))

	out, err := svc.SendDirectMessage(context.Background(), "12D3KooWpeer", "", &Attachment{
		Data:     []byte("image bytes"),
		Filename: "cat.png",
		MimeType: "image/png",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if out.ContentID == "" || !content.Pinned(out.ContentID) {
		t.Fatalf("attachment not pinned: %+v pins=%v", out, content.Pins())
	}
	if obs.pins != 1 {
		t.Fatalf("expected one pin observation, got %d", obs.pins)
	}

	var signed SignedMessage
	_ = json.Unmarshal(pub.sent[0].data, &signed)
	var payload Payload
	_ = json.Unmarshal([]byte(signed.Payload), &payload)
	if payload.ContentID != out.ContentID || payload.Filename != "cat.png" || payload.MimeType != "image/png" {
		t.Fatalf("attachment fields not signed into payload: %+v", payload)
	}
}

func TestSendDirectMessageRejectsEmptyAndOversized(t *testing.T) {
	svc := NewService(staticKeys{mustKeypair(t)}, memstore.New("self"), &capturePublisher{}, &recordingStore{})

	if _, err := svc.SendDirectMessage(context.Background(), "peer", "", nil); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
	if _, err := svc.SendDirectMessage(context.Background(), " ", "hi", nil); !errors.Is(err, ErrRecipientRequired) {
		t.Fatalf("expected ErrRecipientRequired, got %v", err)
	}
	long := strings.Repeat("x", MaxTextLength+1)
	if _, err := svc.SendDirectMessage(context.Background(), "peer", long, nil); !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestSendDirectMessageWithoutIdentity(t *testing.T) {
	svc := NewService(staticKeys{}, memstore.New("self"), &capturePublisher{}, &recordingStore{})
	if _, err := svc.SendDirectMessage(context.Background(), "peer", "hi", nil); !errors.Is(err, identity.ErrNoIdentity) {
		t.Fatalf("expected ErrNoIdentity, got %v", err)
	}
}

func TestSendDirectMessagePublishFailureStillStoresLocalCopy(t *testing.T) {
	store := &recordingStore{}
	svc := NewService(staticKeys{mustKeypair(t)}, memstore.New("self"), &capturePublisher{err: errors.New("no route")}, store)

	out, err := svc.SendDirectMessage(context.Background(), "peer", "hi", nil)
	if err != nil {
		t.Fatalf("publish failure must not fail the send: %v", err)
	}
	if out.Published {
		t.Fatalf("outcome must report the failed publish")
	}
	if len(store.messages) != 1 {
		t.Fatalf("expected local copy, got %d", len(store.messages))
	}
}

func TestHandleInboxMessageStoresAndNotifies(t *testing.T) {
	self := mustKeypair(t)
	sender := mustKeypair(t)
	store := &recordingStore{}
	obs := &countingObserver{}
	svc := NewService(staticKeys{self}, memstore.New("self"), &capturePublisher{}, store, WithObserver(obs))

	text := strings.Repeat("a", 60)
	env := signedEnvelope(t, sender, "12D3KooWsender", `{"text":"`+text+`","timestamp":"2024-01-01T00:00:00Z"}`)
	msg, err := svc.HandleInboxMessage(context.Background(), env)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if msg.SenderID != "12D3KooWsender" || msg.Read || msg.Timestamp != "2024-01-01T00:00:00Z" {
		t.Fatalf("unexpected stored message: %+v", msg)
	}
	if msg.RecipientID != self.LegacyPeerID() {
		t.Fatalf("recipient should be the local legacy id, got %s", msg.RecipientID)
	}
	if len(store.notifications) != 1 {
		t.Fatalf("expected one notification, got %d", len(store.notifications))
	}
	n := store.notifications[0]
	if n.OwnerID != self.DID || n.Type != models.NotificationTypeMessage {
		t.Fatalf("unexpected notification owner/type: %+v", n)
	}
	if n.Title != "Message from 12D3KooW..." || n.Message != text[:50] || n.Link != "/messages/12D3KooWsender" {
		t.Fatalf("unexpected notification content: %+v", n)
	}
	if obs.inbound[OutcomeAccepted] != 1 {
		t.Fatalf("expected accepted outcome, got %v", obs.inbound)
	}
}

func TestHandleInboxMessageFallsBackToEmbeddedSender(t *testing.T) {
	sender := mustKeypair(t)
	store := &recordingStore{}
	svc := NewService(staticKeys{mustKeypair(t)}, memstore.New("self"), &capturePublisher{}, store)

	payload := `{"text":"hi","timestamp":""}`
	raw, _ := json.Marshal(SignedMessage{
		Payload:           payload,
		Signature:         base64.StdEncoding.EncodeToString(sender.Sign([]byte(payload))),
		DID:               sender.DID,
		SenderTransportID: "embedded-peer",
	})
	msg, err := svc.HandleInboxMessage(context.Background(), pubsub.Envelope{Data: raw})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if msg.SenderID != "embedded-peer" {
		t.Fatalf("expected embedded sender, got %s", msg.SenderID)
	}
	if msg.Timestamp == "" {
		t.Fatalf("missing timestamp must default to receive time")
	}
}

func TestHandleInboxMessageDropsInvalidInput(t *testing.T) {
	sender := mustKeypair(t)
	other := mustKeypair(t)
	store := &recordingStore{}
	obs := &countingObserver{}
	svc := NewService(staticKeys{mustKeypair(t)}, memstore.New("self"), &capturePublisher{}, store, WithObserver(obs))

	tampered := signedEnvelope(t, sender, "peer", `{"text":"original"}`)
	var signed SignedMessage
	_ = json.Unmarshal(tampered.Data, &signed)
	signed.Payload = `{"text":"tampered"}`
	tampered.Data, _ = json.Marshal(signed)

	wrongKey := signedEnvelope(t, sender, "peer", `{"text":"hi"}`)
	_ = json.Unmarshal(wrongKey.Data, &signed)
	signed.DID = other.DID
	wrongKey.Data, _ = json.Marshal(signed)

	cases := []struct {
		name   string
		env    pubsub.Envelope
		reason string
	}{
		{"not json", pubsub.Envelope{From: "peer", Data: []byte("nope")}, ReasonMalformed},
		{"missing fields", pubsub.Envelope{From: "peer", Data: []byte(`{"payload":"x"}`)}, ReasonMissingFields},
		{"tampered payload", tampered, ReasonBadSignature},
		{"wrong did", wrongKey, ReasonBadSignature},
		{"payload not json", signedEnvelope(t, sender, "peer", "plain text"), ReasonBadPayload},
		{"no content", signedEnvelope(t, sender, "peer", `{"text":"","timestamp":"t"}`), ReasonEmpty},
		{"no sender", signedEnvelope(t, sender, "", `{"text":"hi"}`), ReasonNoSender},
	}
	for _, tc := range cases {
		_, err := svc.HandleInboxMessage(context.Background(), tc.env)
		if got := DiscardReason(err); got != tc.reason {
			t.Fatalf("%s: expected reason %q, got %q (%v)", tc.name, tc.reason, got, err)
		}
	}
	if len(store.messages) != 0 || len(store.notifications) != 0 {
		t.Fatalf("dropped messages must not be stored")
	}
	if obs.inbound[ReasonBadSignature] != 2 {
		t.Fatalf("expected two bad signature observations, got %v", obs.inbound)
	}
}

func TestHandleInboxMessageAcceptsAttachmentWithoutText(t *testing.T) {
	sender := mustKeypair(t)
	store := &recordingStore{}
	svc := NewService(staticKeys{mustKeypair(t)}, memstore.New("self"), &capturePublisher{}, store)

	env := signedEnvelope(t, sender, "peer", `{"text":"","timestamp":"t","cid":"bafyfile","filename":"a.txt"}`)
	msg, err := svc.HandleInboxMessage(context.Background(), env)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if msg.ContentID != "bafyfile" || msg.Filename != "a.txt" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if store.notifications[0].Message != "" {
		t.Fatalf("notification preview should be empty, got %q", store.notifications[0].Message)
	}
}

func TestHandleInboxMessageRateLimitsPerSender(t *testing.T) {
	sender := mustKeypair(t)
	store := &recordingStore{}
	svc := NewService(staticKeys{mustKeypair(t)}, memstore.New("self"), &capturePublisher{}, store,
		WithRateLimiter(ratelimiter.New(ratelimiter.Config{RPS: 1, Burst: 2, IdleTTL: time.Minute})))
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	for i := 0; i < 2; i++ {
		if _, err := svc.HandleInboxMessage(context.Background(), signedEnvelope(t, sender, "noisy", `{"text":"hi"}`)); err != nil {
			t.Fatalf("message %d within burst rejected: %v", i, err)
		}
	}
	_, err := svc.HandleInboxMessage(context.Background(), signedEnvelope(t, sender, "noisy", `{"text":"hi"}`))
	if DiscardReason(err) != ReasonRateLimited {
		t.Fatalf("expected rate limit, got %v", err)
	}
	if _, err := svc.HandleInboxMessage(context.Background(), signedEnvelope(t, sender, "quiet", `{"text":"hi"}`)); err != nil {
		t.Fatalf("other sender must not be limited: %v", err)
	}
}

func TestHandleInboxMessageStoreFailure(t *testing.T) {
	sender := mustKeypair(t)
	store := &recordingStore{saveErr: errors.New("disk full")}
	svc := NewService(staticKeys{mustKeypair(t)}, memstore.New("self"), &capturePublisher{}, store)

	_, err := svc.HandleInboxMessage(context.Background(), signedEnvelope(t, sender, "peer", `{"text":"hi"}`))
	if DiscardReason(err) != ReasonStoreFailed {
		t.Fatalf("expected store failure, got %v", err)
	}
	svc.Handle(context.Background(), signedEnvelope(t, sender, "peer", `{"text":"hi"}`))
}

func TestSentMessageIsAcceptedByRecipient(t *testing.T) {
	alice := mustKeypair(t)
	bob := mustKeypair(t)
	bus := &capturePublisher{}
	aliceSvc := NewService(staticKeys{alice}, memstore.New("alice"), bus, &recordingStore{})
	bobStore := &recordingStore{}
	bobSvc := NewService(staticKeys{bob}, memstore.New("bob"), &capturePublisher{}, bobStore)

	if _, err := aliceSvc.SendDirectMessage(context.Background(), bob.DID, "hey bob", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	env := pubsub.Envelope{Topic: bus.sent[0].topic, From: alice.LegacyPeerID(), Data: bus.sent[0].data}
	msg, err := bobSvc.HandleInboxMessage(context.Background(), env)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if msg.Text != "hey bob" || msg.SenderID != alice.LegacyPeerID() {
		t.Fatalf("unexpected received message: %+v", msg)
	}
}

func TestHandleInboxMessageRateLimitsEmbeddedSender(t *testing.T) {
	sender := mustKeypair(t)
	svc := NewService(staticKeys{mustKeypair(t)}, memstore.New("self"), &capturePublisher{}, &recordingStore{},
		WithRateLimiter(ratelimiter.New(ratelimiter.Config{RPS: 1, Burst: 1, IdleTTL: time.Minute})))
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	relayed := func(from string) pubsub.Envelope {
		payload := `{"text":"hi"}`
		raw, err := json.Marshal(SignedMessage{
			Payload:           payload,
			Signature:         base64.StdEncoding.EncodeToString(sender.Sign([]byte(payload))),
			DID:               sender.DID,
			SenderTransportID: from,
		})
		if err != nil {
			t.Fatalf("marshal message: %v", err)
		}
		return pubsub.Envelope{Topic: "/app/inbox/x", Data: raw}
	}

	for _, from := range []string{"peer-a", "peer-b"} {
		if _, err := svc.HandleInboxMessage(context.Background(), relayed(from)); err != nil {
			t.Fatalf("first message from %s rejected: %v", from, err)
		}
	}
	if _, err := svc.HandleInboxMessage(context.Background(), relayed("peer-a")); DiscardReason(err) != ReasonRateLimited {
		t.Fatalf("expected rate limit for repeated embedded sender, got %v", err)
	}
}
