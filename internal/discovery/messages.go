package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	TopicDiscovery   = "/app/discovery"
	TopicFeedUpdates = "/app/feed/updates"

	heartbeatType = "heartbeat"
)

var (
	ErrMissingPeerID  = errors.New("discovery message has no peer_id")
	ErrMissingNewRoot = errors.New("feed update has no new_root")
	ErrUnknownTopic   = errors.New("topic is not a discovery topic")
)

// Heartbeat is the gossip record on TopicDiscovery. Absent (or null) optional
// fields leave the registry value untouched.
type Heartbeat struct {
	Type      string  `json:"type,omitempty"`
	PeerID    string  `json:"peer_id"`
	Username  *string `json:"username,omitempty"`
	Avatar    *string `json:"avatar,omitempty"`
	DagRoot   *string `json:"dag_root,omitempty"`
	Timestamp string  `json:"timestamp,omitempty"`
}

// FeedUpdate announces a new DAG root for a peer on TopicFeedUpdates.
type FeedUpdate struct {
	PeerID    string `json:"peer_id"`
	NewRoot   string `json:"new_root"`
	Timestamp string `json:"timestamp,omitempty"`
}

func decodeHeartbeat(data []byte) (Heartbeat, error) {
	var hb Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return Heartbeat{}, fmt.Errorf("decode heartbeat: %w", err)
	}
	hb.PeerID = strings.TrimSpace(hb.PeerID)
	return hb, nil
}

func decodeFeedUpdate(data []byte) (FeedUpdate, error) {
	// new_root may be null when the sender failed to build a DAG.
	var raw struct {
		PeerID    string  `json:"peer_id"`
		NewRoot   *string `json:"new_root"`
		Timestamp string  `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return FeedUpdate{}, fmt.Errorf("decode feed update: %w", err)
	}
	u := FeedUpdate{PeerID: strings.TrimSpace(raw.PeerID), Timestamp: raw.Timestamp}
	if raw.NewRoot != nil {
		u.NewRoot = strings.TrimSpace(*raw.NewRoot)
	}
	return u, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
