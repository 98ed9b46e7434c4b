// Package messaging implements signed direct messages over per-identity inbox
// topics.
package messaging

import (
	"encoding/json"
	"strings"
)

const InboxTopicPrefix = "/app/inbox/"

// InboxTopic is the topic an identity listens on, keyed by its legacy peer id.
func InboxTopic(legacyPeerID string) string {
	return InboxTopicPrefix + strings.TrimSpace(legacyPeerID)
}

// Payload is the signed application content. It travels as the exact string
// that was signed; receivers never re-serialize it before verification.
type Payload struct {
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
	ContentID string `json:"cid,omitempty"`
	Filename  string `json:"filename,omitempty"`
	MimeType  string `json:"mime_type,omitempty"`
}

// SignedMessage is what is published on an inbox topic.
type SignedMessage struct {
	Payload           string `json:"payload"`
	Signature         string `json:"signature"`
	DID               string `json:"did"`
	SenderTransportID string `json:"_from_peer_id,omitempty"`
}

func encodePayload(p Payload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
