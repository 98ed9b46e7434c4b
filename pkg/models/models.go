package models

import "time"

// Profile is the public part of an identity as it is embedded in a profile root node.
type Profile struct {
	Username  string   `json:"username"`
	Handle    string   `json:"handle,omitempty"`
	Avatar    string   `json:"avatar,omitempty"`
	Bio       string   `json:"bio,omitempty"`
	OwnerID   string   `json:"owner_id,omitempty"`
	Following []string `json:"following,omitempty"`
}

// Identity is a locally registered identity. The secret key never lives here;
// it is kept by the keystore.
type Identity struct {
	DID      string `json:"did"`
	PeerID   string `json:"peer_id"`
	Username string `json:"username"`
	Handle   string `json:"handle"`
	Avatar   string `json:"avatar"`
	Bio      string `json:"bio"`
	DagRoot  string `json:"dag_root"`
}

func (i Identity) Profile() Profile {
	return Profile{
		Username: i.Username,
		Handle:   i.Handle,
		Avatar:   i.Avatar,
		Bio:      i.Bio,
		OwnerID:  i.PeerID,
	}
}

const (
	RelationshipSync      = "sync"
	RelationshipFollowing = "following"
)

type FollowRelationship struct {
	OwnerID          string    `json:"owner_id"`
	TargetID         string    `json:"target_id"`
	RelationshipType string    `json:"relationship_type"`
	FollowedAt       time.Time `json:"followed_at"`
	CachedLibraryID  string    `json:"cached_library_id,omitempty"`
	CachedUsername   string    `json:"cached_username,omitempty"`
	LastSyncedAt     time.Time `json:"last_synced_at,omitzero"`
}

const DiscoveryKindPubsub = "pubsub"

type DiscoveredPeer struct {
	PeerID        string    `json:"peer_id"`
	Username      string    `json:"username,omitempty"`
	Avatar        string    `json:"avatar,omitempty"`
	DagRoot       string    `json:"dag_root,omitempty"`
	LastSeenAt    time.Time `json:"last_seen_at"`
	DiscoveryKind string    `json:"discovery_kind"`
}

// PeerUpdate carries a registry upsert. Nil fields keep the stored value.
type PeerUpdate struct {
	PeerID   string
	Username *string
	Avatar   *string
	DagRoot  *string
	SeenAt   time.Time
	Kind     string
}

type Message struct {
	ID          int64  `json:"id"`
	SenderID    string `json:"sender_id"`
	RecipientID string `json:"recipient_id"`
	Text        string `json:"text"`
	Timestamp   string `json:"timestamp"`
	ContentID   string `json:"cid,omitempty"`
	Filename    string `json:"filename,omitempty"`
	MimeType    string `json:"mime_type,omitempty"`
	Read        bool   `json:"is_read"`
}

const NotificationTypeMessage = "message"

type Notification struct {
	ID        int64     `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Link      string    `json:"link"`
	CreatedAt time.Time `json:"created_at"`
	Read      bool      `json:"is_read"`
}

const MaxGuardians = 7

type Guardian struct {
	OwnerID    string `json:"owner_id"`
	GuardianID string `json:"guardian_id"`
}

const (
	RecoveryStatusPending  = "pending"
	RecoveryStatusApproved = "approved"
)

type RecoveryRequest struct {
	ID        int64     `json:"id"`
	OldPeerID string    `json:"old_peer_id"`
	NewPeerID string    `json:"new_peer_id"`
	CreatedAt time.Time `json:"created_at"`
	Status    string    `json:"status"`
}
