// Package node wires every component of a social node once and runs its
// background tasks.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"socialmesh/go-node/internal/config"
	"socialmesh/go-node/internal/contentstore"
	"socialmesh/go-node/internal/discovery"
	"socialmesh/go-node/internal/identity"
	"socialmesh/go-node/internal/messaging"
	"socialmesh/go-node/internal/metrics"
	"socialmesh/go-node/internal/platform/ratelimiter"
	"socialmesh/go-node/internal/pubsub"
	"socialmesh/go-node/internal/recovery"
	"socialmesh/go-node/internal/social"
	"socialmesh/go-node/internal/socialdag"
	"socialmesh/go-node/internal/storage"
	"socialmesh/go-node/pkg/models"
)

var ErrPassphraseRequired = errors.New("keystore passphrase is required (set SOCIAL_KEYSTORE_PASSPHRASE or keystore.ephemeral)")

type options struct {
	logger  *slog.Logger
	content contentstore.Store
	bus     *pubsub.Bus
}

type Option func(*options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithContentStore replaces the RPC client, e.g. with an in-memory store.
func WithContentStore(store contentstore.Store) Option {
	return func(o *options) { o.content = store }
}

// WithBus attaches the memory transport to a shared in-process network.
func WithBus(bus *pubsub.Bus) Option {
	return func(o *options) { o.bus = bus }
}

type Node struct {
	cfg     config.Config
	logger  *slog.Logger
	db      *storage.DB
	content contentstore.Store
	keys    *identity.Manager
	metrics *metrics.Metrics
	network *pubsub.Node
	auth    *identity.Authenticator

	dag       *socialdag.Engine
	hub       *discovery.Hub
	graph     *social.Graph
	messages  *messaging.Service
	recovery  *recovery.Service
}

// New opens local state, loads or creates the node identity and builds every
// component. Nothing runs until Run is called.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Node, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	cfg.Normalize()
	if cfg.Keystore.Passphrase == "" && !cfg.Keystore.Ephemeral {
		return nil, ErrPassphraseRequired
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := storage.Open(ctx, cfg.DatabasePath())
	if err != nil {
		return nil, err
	}
	n := &Node{cfg: cfg, logger: o.logger, db: db, metrics: metrics.New()}
	if err := n.build(ctx, o); err != nil {
		_ = db.Close()
		return nil, err
	}
	return n, nil
}

func (n *Node) build(ctx context.Context, o options) error {
	n.content = o.content
	var rpc pubsub.RPCClient
	if n.content == nil {
		csCfg := n.cfg.ContentStore
		csCfg.Logger = n.logger
		client, err := contentstore.NewClient(csCfg)
		if err != nil {
			return fmt.Errorf("content store client: %w", err)
		}
		n.content = client
		rpc = client
	} else if c, ok := o.content.(pubsub.RPCClient); ok {
		rpc = c
	}

	keystorePath := n.cfg.Keystore.Path
	if n.cfg.Keystore.Ephemeral {
		keystorePath = ""
	}
	n.keys = identity.NewManager(keystorePath, n.cfg.Keystore.Passphrase)
	kp, created, err := n.keys.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	self, err := n.registerSelf(ctx, kp)
	if err != nil {
		return err
	}
	n.logger.Info("node identity ready",
		"component", "node",
		"operation", "identity",
		"did", kp.DID,
		"peer_id", self.PeerID,
		"created", created,
	)

	netOpts := []pubsub.Option{pubsub.WithLogger(n.logger), pubsub.WithRestartObserver(n.metrics)}
	if rpc != nil {
		netOpts = append(netOpts, pubsub.WithRPCClient(rpc))
	}
	if o.bus != nil {
		netOpts = append(netOpts, pubsub.WithBus(o.bus))
	}
	n.network = pubsub.NewNode(n.cfg.Network, netOpts...)
	n.network.SetIdentity(self.PeerID)

	n.dag = socialdag.NewEngine(n.content, n.logger, n.metrics)
	n.hub = discovery.NewHub(n.cfg.Discovery.Config, discovery.Deps{
		Registry:  n.db,
		Follows:   n.db,
		Feeds:     n.dag,
		Pinner:    n.content,
		Publisher: n.network,
		Observer:  n.metrics,
		Logger:    n.logger,
	})
	n.graph = social.NewGraph(n.cfg.Sync.SyncConfig, social.Deps{
		Follows:    n.db,
		Identities: n.db,
		Feeds:      n.dag,
		Pinner:     n.content,
		Announcer:  n.hub,
		Observer:   n.metrics,
		Logger:     n.logger,
	})
	n.messages = messaging.NewService(n.keys, n.content, n.network, n.db,
		messaging.WithLogger(n.logger),
		messaging.WithObserver(n.metrics),
		messaging.WithRateLimiter(ratelimiter.New(n.cfg.Inbound.Limiter())),
	)
	n.recovery = recovery.NewService(n.cfg.Recovery, recovery.Deps{
		Keys:       n.keys,
		Identities: n.db,
		Guardians:  n.db,
		Requests:   n.db,
		Logger:     n.logger,
	})
	n.auth = identity.NewAuthenticator(n.db.LegacySecret, n.logger)
	return nil
}

// registerSelf makes sure the local identity has a registry row keyed by its
// legacy peer id.
func (n *Node) registerSelf(ctx context.Context, kp identity.Keypair) (models.Identity, error) {
	peerID := kp.LegacyPeerID()
	rec, err := n.db.GetIdentity(ctx, peerID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return models.Identity{}, fmt.Errorf("load local identity: %w", err)
	}
	suffix := kp.PublicMultibase
	if len(suffix) > 6 {
		suffix = suffix[len(suffix)-6:]
	}
	rec = models.Identity{
		DID:      kp.DID,
		PeerID:   peerID,
		Username: "User_" + suffix,
		Handle:   "@user_" + strings.ToLower(suffix),
	}
	if err := n.db.UpsertIdentity(ctx, rec); err != nil {
		return models.Identity{}, fmt.Errorf("register local identity: %w", err)
	}
	return rec, nil
}

// Self returns the current registry row of the local identity.
func (n *Node) Self(ctx context.Context) (models.Identity, error) {
	kp, ok := n.keys.Keypair()
	if !ok {
		return models.Identity{}, identity.ErrNoIdentity
	}
	return n.db.GetIdentity(ctx, kp.LegacyPeerID())
}

func (n *Node) Close() error {
	return n.db.Close()
}

func (n *Node) Store() *storage.DB { return n.db }
func (n *Node) Content() contentstore.Store { return n.content }
func (n *Node) Keys() *identity.Manager { return n.keys }
func (n *Node) Metrics() *metrics.Metrics { return n.metrics }
func (n *Node) Network() *pubsub.Node { return n.network }
func (n *Node) DAG() *socialdag.Engine { return n.dag }
func (n *Node) Discovery() *discovery.Hub { return n.hub }
func (n *Node) Social() *social.Graph { return n.graph }
func (n *Node) Messages() *messaging.Service { return n.messages }
func (n *Node) Recovery() *recovery.Service { return n.recovery }
func (n *Node) Auth() *identity.Authenticator { return n.auth }
