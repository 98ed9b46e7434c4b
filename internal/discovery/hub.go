// Package discovery keeps the registry of peers seen on the gossip topics and
// decides which announced content is replicated locally.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"socialmesh/go-node/internal/platform/privacylog"
	"socialmesh/go-node/internal/pubsub"
	"socialmesh/go-node/internal/socialdag"
	"socialmesh/go-node/pkg/models"
)

const (
	DefaultAmbientPinRate = 0.1
	followedPinRate       = 1.0
)

type Registry interface {
	UpsertPeer(ctx context.Context, u models.PeerUpdate) error
	CountPeers(ctx context.Context) (int, error)
	SweepPeers(ctx context.Context, cutoff time.Time, maxEntries int) (int64, error)
}

type FollowIndex interface {
	IsFollowedByAnyone(ctx context.Context, peerID string) (bool, error)
}

type FeedWalker interface {
	Walk(ctx context.Context, startID string, limit int) socialdag.WalkResult
}

type Pinner interface {
	Pin(ctx context.Context, id string) error
}

type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Rand is the sampling source; *rand.Rand satisfies it.
type Rand interface {
	Float64() float64
}

type Observer interface {
	ObservePin(reason string, err error)
	ObserveHeartbeat(direction string, err error)
	SetRegistrySize(n int)
	ObserveEvicted(n int64)
}

type Config struct {
	AmbientPinRate float64       `yaml:"ambientPinRate"`
	MaxEntries     int           `yaml:"maxEntries"`
	MaxAge         time.Duration `yaml:"maxAge"`
}

func DefaultConfig() Config {
	return Config{
		AmbientPinRate: DefaultAmbientPinRate,
		MaxEntries:     10000,
		MaxAge:         7 * 24 * time.Hour,
	}
}

type Deps struct {
	Registry  Registry
	Follows   FollowIndex
	Feeds     FeedWalker
	Pinner    Pinner
	Publisher Publisher
	Rand      Rand
	Observer  Observer
	Logger    *slog.Logger
}

// Replication reports what HandleFeedUpdate did with an announcement.
type Replication struct {
	Followed bool
	Chance   float64
	Sampled  bool
	Pinned   []string
}

type Hub struct {
	cfg       Config
	registry  Registry
	follows   FollowIndex
	feeds     FeedWalker
	pinner    Pinner
	publisher Publisher
	observer  Observer
	logger    *slog.Logger
	now       func() time.Time

	randMu sync.Mutex
	rand   Rand
}

func NewHub(cfg Config, deps Deps) *Hub {
	if cfg.AmbientPinRate < 0 {
		cfg.AmbientPinRate = 0
	}
	if cfg.AmbientPinRate > 1 {
		cfg.AmbientPinRate = 1
	}
	h := &Hub{
		cfg:       cfg,
		registry:  deps.Registry,
		follows:   deps.Follows,
		feeds:     deps.Feeds,
		pinner:    deps.Pinner,
		publisher: deps.Publisher,
		observer:  deps.Observer,
		logger:    deps.Logger,
		rand:      deps.Rand,
		now:       time.Now,
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.rand == nil {
		h.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return h
}

// HandleHeartbeat merges a heartbeat into the registry and refreshes lastSeen.
func (h *Hub) HandleHeartbeat(ctx context.Context, hb Heartbeat) error {
	peerID := strings.TrimSpace(hb.PeerID)
	if peerID == "" {
		return ErrMissingPeerID
	}
	err := h.registry.UpsertPeer(ctx, models.PeerUpdate{
		PeerID:   peerID,
		Username: hb.Username,
		Avatar:   hb.Avatar,
		DagRoot:  hb.DagRoot,
		SeenAt:   h.now(),
		Kind:     models.DiscoveryKindPubsub,
	})
	if h.observer != nil {
		h.observer.ObserveHeartbeat("received", err)
	}
	if err != nil {
		return fmt.Errorf("record heartbeat: %w", err)
	}
	return nil
}

// HandleFeedUpdate records the announced root and replicates the newest post
// and the root with probability 1 for followed peers and AmbientPinRate
// otherwise.
func (h *Hub) HandleFeedUpdate(ctx context.Context, u FeedUpdate) (Replication, error) {
	peerID := strings.TrimSpace(u.PeerID)
	root := strings.TrimSpace(u.NewRoot)
	if peerID == "" {
		return Replication{}, ErrMissingPeerID
	}
	if root == "" {
		return Replication{}, ErrMissingNewRoot
	}
	if err := h.registry.UpsertPeer(ctx, models.PeerUpdate{
		PeerID:  peerID,
		DagRoot: &root,
		SeenAt:  h.now(),
		Kind:    models.DiscoveryKindPubsub,
	}); err != nil {
		return Replication{}, fmt.Errorf("record feed update: %w", err)
	}

	rep := Replication{Chance: h.cfg.AmbientPinRate}
	followed, err := h.follows.IsFollowedByAnyone(ctx, peerID)
	if err != nil {
		h.logger.Warn("follow lookup failed, using ambient rate",
			"component", "discovery",
			"operation", "feed_update",
			"peer_id", peerID,
			"error", err.Error(),
		)
	}
	if followed {
		rep.Followed = true
		rep.Chance = followedPinRate
	}
	if h.draw() >= rep.Chance {
		return rep, nil
	}
	rep.Sampled = true

	reason := "ambient"
	if followed {
		reason = "followed"
	}
	walk := h.feeds.Walk(ctx, root, 1)
	for _, entry := range walk.Entries {
		if h.pin(ctx, entry.ID, reason) {
			rep.Pinned = append(rep.Pinned, entry.ID)
		}
		if media := mediaID(entry.Data); media != "" && h.pin(ctx, media, reason) {
			rep.Pinned = append(rep.Pinned, media)
		}
	}
	if h.pin(ctx, root, reason) {
		rep.Pinned = append(rep.Pinned, root)
	}
	h.logger.Info("replicated feed update",
		"component", "discovery",
		"operation", "feed_update",
		"peer_id", peerID,
		"correlation_id", root,
		"chance", rep.Chance,
		"pinned", len(rep.Pinned),
	)
	return rep, nil
}

// SendHeartbeat gossips the local profile. Empty fields are omitted so they
// never blank out what other nodes already know.
func (h *Hub) SendHeartbeat(ctx context.Context, self models.Identity, dagRoot string) error {
	peerID := strings.TrimSpace(self.PeerID)
	if peerID == "" {
		return ErrMissingPeerID
	}
	err := h.publishJSON(ctx, TopicDiscovery, Heartbeat{
		Type:      heartbeatType,
		PeerID:    peerID,
		Username:  optional(self.Username),
		Avatar:    optional(self.Avatar),
		DagRoot:   optional(dagRoot),
		Timestamp: h.now().UTC().Format(time.RFC3339Nano),
	})
	if h.observer != nil {
		h.observer.ObserveHeartbeat("sent", err)
	}
	if err != nil {
		return fmt.Errorf("send heartbeat: %w", err)
	}
	return nil
}

// Announce tells the network that peerID now lives at newRoot.
func (h *Hub) Announce(ctx context.Context, peerID, newRoot string) error {
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return ErrMissingPeerID
	}
	if strings.TrimSpace(newRoot) == "" {
		return ErrMissingNewRoot
	}
	if err := h.publishJSON(ctx, TopicFeedUpdates, FeedUpdate{
		PeerID:    peerID,
		NewRoot:   newRoot,
		Timestamp: h.now().UTC().Format(time.RFC3339Nano),
	}); err != nil {
		return fmt.Errorf("announce feed update: %w", err)
	}
	return nil
}

// Sweep applies the registry eviction policy and refreshes the size gauge.
func (h *Hub) Sweep(ctx context.Context, now time.Time) (int64, error) {
	if h.cfg.MaxAge <= 0 && h.cfg.MaxEntries <= 0 {
		return 0, nil
	}
	var cutoff time.Time
	if h.cfg.MaxAge > 0 {
		cutoff = now.Add(-h.cfg.MaxAge)
	}
	evicted, err := h.registry.SweepPeers(ctx, cutoff, h.cfg.MaxEntries)
	if err != nil {
		return 0, fmt.Errorf("sweep registry: %w", err)
	}
	if h.observer != nil {
		h.observer.ObserveEvicted(evicted)
		if n, err := h.registry.CountPeers(ctx); err == nil {
			h.observer.SetRegistrySize(n)
		}
	}
	if evicted > 0 {
		h.logger.Info("registry swept",
			"component", "discovery",
			"operation", "sweep",
			"evicted", evicted,
		)
	}
	return evicted, nil
}

// Dispatch routes a raw envelope from either discovery topic.
func (h *Hub) Dispatch(ctx context.Context, env pubsub.Envelope) error {
	switch env.Topic {
	case TopicDiscovery:
		hb, err := decodeHeartbeat(env.Data)
		if err != nil {
			return err
		}
		if hb.Type != "" && hb.Type != heartbeatType {
			return nil
		}
		return h.HandleHeartbeat(ctx, hb)
	case TopicFeedUpdates:
		u, err := decodeFeedUpdate(env.Data)
		if err != nil {
			return err
		}
		_, err = h.HandleFeedUpdate(ctx, u)
		return err
	default:
		return fmt.Errorf("%w: %s", ErrUnknownTopic, env.Topic)
	}
}

// Handle is a pubsub.Handler around Dispatch.
func (h *Hub) Handle(ctx context.Context, env pubsub.Envelope) {
	if err := h.Dispatch(ctx, env); err != nil {
		h.logger.Debug("discovery message dropped",
			"component", "discovery",
			"operation", "dispatch",
			"correlation_id", privacylog.ShortID(env.From),
			"topic", env.Topic,
			"error", err.Error(),
		)
	}
}

func (h *Hub) draw() float64 {
	h.randMu.Lock()
	defer h.randMu.Unlock()
	return h.rand.Float64()
}

func (h *Hub) pin(ctx context.Context, id, reason string) bool {
	err := h.pinner.Pin(ctx, id)
	if h.observer != nil {
		h.observer.ObservePin(reason, err)
	}
	if err != nil {
		h.logger.Warn("pin failed",
			"component", "discovery",
			"operation", "pin",
			"correlation_id", id,
			"error", err.Error(),
		)
		return false
	}
	return true
}

func (h *Hub) publishJSON(ctx context.Context, topic string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return h.publisher.Publish(ctx, topic, raw)
}

// mediaID returns the blob id a post payload references, if any.
func mediaID(data json.RawMessage) string {
	var post struct {
		CID string `json:"cid"`
	}
	if err := json.Unmarshal(data, &post); err != nil {
		return ""
	}
	return strings.TrimSpace(post.CID)
}
