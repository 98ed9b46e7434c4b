// Package social maintains the follow graph and replicates followed feeds.
package social

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"socialmesh/go-node/internal/identity"
	"socialmesh/go-node/internal/platform/errs"
	"socialmesh/go-node/internal/socialdag"
	"socialmesh/go-node/internal/storage"
	"socialmesh/go-node/pkg/models"
)

const (
	legacyDIDPrefix  = "did:ipfs:"
	unknownUsername  = "Unknown"
	followPinLimit   = 10
	pinReasonFollow  = "follow"
	pinReasonDirect  = "sync_direct"
	pinReasonNetwork = "sync_network"
)

var (
	ErrAlreadyFollowing = errors.New("already following this peer")
	ErrNotFollowing     = errors.New("not following this peer")
	ErrTargetRequired   = errors.New("target peer is required")
)

type FollowStore interface {
	InsertFollow(ctx context.Context, rel models.FollowRelationship) error
	GetFollow(ctx context.Context, ownerID, targetID string) (models.FollowRelationship, error)
	ListFollows(ctx context.Context, ownerID string) ([]models.FollowRelationship, error)
	DeleteFollow(ctx context.Context, ownerID, targetID string) error
	UpdateFollowSync(ctx context.Context, ownerID, targetID, libraryID string, syncedAt time.Time) error
}

type IdentityStore interface {
	GetIdentity(ctx context.Context, peerID string) (models.Identity, error)
	SetDagRoot(ctx context.Context, peerID, root string) error
}

// Feeds is the DAG surface the graph needs; *socialdag.Engine implements it.
type Feeds interface {
	ResolveProfile(ctx context.Context, name string) (string, *socialdag.ProfileRoot, error)
	FetchProfile(ctx context.Context, rootID string) (*socialdag.ProfileRoot, error)
	Walk(ctx context.Context, startID string, limit int) socialdag.WalkResult
	CreatePost(ctx context.Context, content any, prev string) (string, error)
	UpdateProfile(ctx context.Context, profile models.Profile, feedHead string) (string, error)
}

type Pinner interface {
	Pin(ctx context.Context, id string) error
}

type Announcer interface {
	Announce(ctx context.Context, peerID, newRoot string) error
}

type PinObserver interface {
	ObservePin(reason string, err error)
}

type Rand interface {
	Float64() float64
}

// SyncConfig bounds recursive replication. Depth 0 are direct follows.
type SyncConfig struct {
	MaxDepth       int     `yaml:"maxDepth"`
	DirectRate     float64 `yaml:"directRate"`
	NetworkRate    float64 `yaml:"networkRate"`
	ItemsPerPeer   int     `yaml:"itemsPerPeer"`
	NestedPeerCap  int     `yaml:"nestedPeerCap"`
	FollowPinLimit int     `yaml:"followPinLimit"`
}

func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		MaxDepth:       1,
		DirectRate:     1.0,
		NetworkRate:    0.2,
		ItemsPerPeer:   15,
		NestedPeerCap:  5,
		FollowPinLimit: followPinLimit,
	}
}

func normalizeSyncConfig(cfg SyncConfig) SyncConfig {
	def := DefaultSyncConfig()
	if cfg.MaxDepth < 0 {
		cfg.MaxDepth = 0
	}
	if cfg.DirectRate <= 0 || cfg.DirectRate > 1 {
		cfg.DirectRate = def.DirectRate
	}
	if cfg.NetworkRate < 0 || cfg.NetworkRate > 1 {
		cfg.NetworkRate = def.NetworkRate
	}
	if cfg.ItemsPerPeer <= 0 {
		cfg.ItemsPerPeer = def.ItemsPerPeer
	}
	if cfg.NestedPeerCap < 0 {
		cfg.NestedPeerCap = 0
	}
	if cfg.FollowPinLimit <= 0 {
		cfg.FollowPinLimit = def.FollowPinLimit
	}
	return cfg
}

type Deps struct {
	Follows    FollowStore
	Identities IdentityStore
	Feeds      Feeds
	Pinner     Pinner
	Announcer  Announcer
	Observer   PinObserver
	Rand       Rand
	Logger     *slog.Logger
}

type Graph struct {
	cfg        SyncConfig
	follows    FollowStore
	identities IdentityStore
	feeds      Feeds
	pinner     Pinner
	announcer  Announcer
	observer   PinObserver
	logger     *slog.Logger
	now        func() time.Time

	randMu sync.Mutex
	rand   Rand
}

func NewGraph(cfg SyncConfig, deps Deps) *Graph {
	g := &Graph{
		cfg:        normalizeSyncConfig(cfg),
		follows:    deps.Follows,
		identities: deps.Identities,
		feeds:      deps.Feeds,
		pinner:     deps.Pinner,
		announcer:  deps.Announcer,
		observer:   deps.Observer,
		logger:     deps.Logger,
		rand:       deps.Rand,
		now:        time.Now,
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.rand == nil {
		g.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return g
}

// FollowResult summarizes a new follow.
type FollowResult struct {
	Relationship models.FollowRelationship
	SyncedItems  int
}

// Follow records a relationship to target and replicates its newest posts.
// Resolution failures degrade to an empty library; the relationship is stored
// regardless.
func (g *Graph) Follow(ctx context.Context, ownerID, targetID, relationshipType string) (FollowResult, error) {
	targetID = canonicalTarget(targetID)
	if targetID == "" {
		return FollowResult{}, errs.Wrap(errs.CategoryAPI, ErrTargetRequired)
	}
	if relationshipType == "" {
		relationshipType = models.RelationshipSync
	}
	if _, err := g.follows.GetFollow(ctx, ownerID, targetID); err == nil {
		return FollowResult{}, errs.Wrap(errs.CategoryCapacity, ErrAlreadyFollowing)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return FollowResult{}, err
	}

	rel := models.FollowRelationship{
		OwnerID:          ownerID,
		TargetID:         targetID,
		RelationshipType: relationshipType,
		FollowedAt:       g.now(),
		CachedUsername:   unknownUsername,
	}
	var synced int
	rootID, root, err := g.feeds.ResolveProfile(ctx, resolvableName(targetID))
	switch {
	case err != nil && rootID == "":
		g.logger.Warn("could not resolve followed peer, keeping empty library",
			"component", "social",
			"operation", "follow",
			"target_id", targetID,
			"error", err.Error(),
		)
	default:
		rel.CachedLibraryID = rootID
		start := rootID
		if root != nil {
			if root.Profile.Username != "" {
				rel.CachedUsername = root.Profile.Username
			}
			start = root.FeedHead
		}
		walk := g.feeds.Walk(ctx, start, g.cfg.FollowPinLimit)
		synced = len(walk.Entries)
		for _, entry := range walk.Entries {
			g.pinEntry(ctx, entry, pinReasonFollow, nil)
		}
	}

	if err := g.follows.InsertFollow(ctx, rel); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return FollowResult{}, errs.Wrap(errs.CategoryCapacity, ErrAlreadyFollowing)
		}
		return FollowResult{}, fmt.Errorf("store follow: %w", err)
	}
	g.logger.Info("now following peer",
		"component", "social",
		"operation", "follow",
		"target_id", targetID,
		"synced_items", synced,
	)
	return FollowResult{Relationship: rel, SyncedItems: synced}, nil
}

// Unfollow removes the relationship, also trying the id without its
// did:ipfs: prefix. A did:key target is matched by its legacy peer id.
func (g *Graph) Unfollow(ctx context.Context, ownerID, targetID string) error {
	targetID = canonicalTarget(targetID)
	err := g.follows.DeleteFollow(ctx, ownerID, targetID)
	if errors.Is(err, storage.ErrNotFound) {
		if raw := strings.TrimPrefix(targetID, legacyDIDPrefix); raw != targetID {
			err = g.follows.DeleteFollow(ctx, ownerID, raw)
		}
	}
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFollowing
	}
	if err != nil {
		return fmt.Errorf("remove follow: %w", err)
	}
	return nil
}

// Publish appends content to the owner's feed and commits a new profile root.
// The new root is announced on a best-effort basis.
func (g *Graph) Publish(ctx context.Context, ownerPeerID string, content any) (string, error) {
	owner, err := g.identities.GetIdentity(ctx, ownerPeerID)
	if err != nil {
		return "", fmt.Errorf("load owner: %w", err)
	}
	var head string
	if owner.DagRoot != "" {
		current, err := g.feeds.FetchProfile(ctx, owner.DagRoot)
		if err != nil {
			// Refuse to fork the feed from an unreadable head.
			return "", fmt.Errorf("load current profile root: %w", err)
		}
		head = current.FeedHead
	}

	postID, err := g.feeds.CreatePost(ctx, content, head)
	if err != nil {
		return "", fmt.Errorf("create post: %w", err)
	}
	profile := owner.Profile()
	if follows, err := g.follows.ListFollows(ctx, owner.PeerID); err == nil {
		for _, rel := range follows {
			profile.Following = append(profile.Following, rel.TargetID)
		}
	}
	rootID, err := g.feeds.UpdateProfile(ctx, profile, postID)
	if err != nil {
		return "", fmt.Errorf("commit profile: %w", err)
	}
	if err := g.identities.SetDagRoot(ctx, owner.PeerID, rootID); err != nil {
		return "", fmt.Errorf("store dag root: %w", err)
	}
	if g.announcer != nil {
		if err := g.announcer.Announce(ctx, owner.PeerID, rootID); err != nil {
			g.logger.Warn("feed update announce failed",
				"component", "social",
				"operation", "publish",
				"correlation_id", rootID,
				"error", err.Error(),
			)
		}
	}
	return rootID, nil
}

func (g *Graph) pinEntry(ctx context.Context, entry socialdag.FeedEntry, reason string, pinned map[string]struct{}) int {
	n := 0
	for _, id := range []string{entry.ID, mediaID(entry.Data)} {
		if id == "" {
			continue
		}
		if pinned != nil {
			if _, done := pinned[id]; done {
				continue
			}
		}
		err := g.pinner.Pin(ctx, id)
		if g.observer != nil {
			g.observer.ObservePin(reason, err)
		}
		if err != nil {
			g.logger.Debug("pin failed",
				"component", "social",
				"operation", reason,
				"correlation_id", id,
				"error", err.Error(),
			)
			continue
		}
		if pinned != nil {
			pinned[id] = struct{}{}
		}
		n++
	}
	return n
}

func (g *Graph) draw() float64 {
	g.randMu.Lock()
	defer g.randMu.Unlock()
	return g.rand.Float64()
}

// resolvableName maps a follow target to the name its profile is published
// under.
// canonicalTarget keys relationships by the legacy peer id so they match the
// ids carried by feed updates and heartbeats.
func canonicalTarget(targetID string) string {
	targetID = strings.TrimSpace(targetID)
	if identity.IsDID(targetID) {
		if legacy := identity.DIDToLegacyPeerID(targetID); legacy != "" {
			return legacy
		}
	}
	return targetID
}

func resolvableName(targetID string) string {
	name := strings.TrimPrefix(targetID, legacyDIDPrefix)
	if identity.IsDID(name) {
		if legacy := identity.DIDToLegacyPeerID(name); legacy != "" {
			return legacy
		}
	}
	return name
}

func mediaID(data json.RawMessage) string {
	var post struct {
		CID string `json:"cid"`
	}
	if err := json.Unmarshal(data, &post); err != nil {
		return ""
	}
	return strings.TrimSpace(post.CID)
}
