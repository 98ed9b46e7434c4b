package node

import (
	"context"
	"errors"
	"net/http"
	"time"

	"socialmesh/go-node/internal/discovery"
	"socialmesh/go-node/internal/identity"
	"socialmesh/go-node/internal/messaging"
	"socialmesh/go-node/internal/social"

	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

// Run starts the transport and supervises the inbox and discovery
// subscriptions, the heartbeat, the registry sweeper and the HTTP listener
// until ctx is cancelled. Periodic failures are logged and retried next tick.
func (n *Node) Run(ctx context.Context) error {
	if err := n.network.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = n.network.Stop(stopCtx)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.runInbox(gctx) })
	g.Go(func() error {
		return n.network.Subscribe(gctx, discovery.TopicDiscovery, n.hub.Handle)
	})
	g.Go(func() error {
		return n.network.Subscribe(gctx, discovery.TopicFeedUpdates, n.hub.Handle)
	})
	g.Go(func() error {
		n.every(gctx, n.cfg.Discovery.HeartbeatInterval, n.heartbeat)
		return nil
	})
	g.Go(func() error {
		n.every(gctx, n.cfg.Discovery.SweepInterval, n.sweep)
		return nil
	})
	g.Go(func() error {
		n.every(gctx, n.cfg.Sync.Interval, n.syncPeers)
		return nil
	})
	if n.cfg.HTTP.ListenAddr != "" {
		g.Go(func() error { return n.serveHTTP(gctx) })
	}

	n.logger.Info("node running",
		"component", "node",
		"operation", "run",
		"transport", n.cfg.Network.Transport,
	)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// every runs fn immediately and then on each tick.
func (n *Node) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	fn(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// runInbox listens on the inbox topic of the installed identity and moves to
// the new topic when recovery or a mnemonic import replaces it.
func (n *Node) runInbox(ctx context.Context) error {
	for {
		changed := n.keys.Changed()
		kp, ok := n.keys.Keypair()
		if !ok {
			return identity.ErrNoIdentity
		}
		self, err := n.registerSelf(ctx, kp)
		if err != nil {
			return err
		}
		n.network.SetIdentity(self.PeerID)

		subCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() {
			done <- n.network.Subscribe(subCtx, messaging.InboxTopic(self.PeerID), n.messages.Handle)
		}()
		select {
		case <-changed:
			cancel()
			<-done
			n.logger.Info("identity replaced, moving inbox subscription",
				"component", "node",
				"operation", "inbox",
				"previous_peer_id", self.PeerID,
			)
		case err := <-done:
			cancel()
			return err
		}
	}
}

func (n *Node) heartbeat(ctx context.Context) {
	self, err := n.Self(ctx)
	if err == nil {
		err = n.hub.SendHeartbeat(ctx, self, self.DagRoot)
	}
	if err != nil && ctx.Err() == nil {
		n.logger.Warn("heartbeat failed",
			"component", "node",
			"operation", "heartbeat",
			"error", err.Error(),
		)
	}
}

func (n *Node) syncPeers(ctx context.Context) {
	self, err := n.Self(ctx)
	if err == nil {
		var report social.SyncReport
		report, err = n.graph.SyncPeers(ctx, self.PeerID)
		if err == nil && report.PeersVisited > 0 {
			n.logger.Debug("followed peers synced",
				"component", "node",
				"operation", "sync",
				"peers_visited", report.PeersVisited,
				"peers_updated", report.PeersUpdated,
				"pinned", report.Pinned,
			)
		}
	}
	if err != nil && ctx.Err() == nil {
		n.logger.Warn("peer sync failed",
			"component", "node",
			"operation", "sync",
			"error", err.Error(),
		)
	}
}

func (n *Node) sweep(ctx context.Context) {
	if _, err := n.hub.Sweep(ctx, time.Now()); err != nil && ctx.Err() == nil {
		n.logger.Warn("registry sweep failed",
			"component", "node",
			"operation", "sweep",
			"error", err.Error(),
		)
	}
}

func (n *Node) serveHTTP(ctx context.Context) error {
	srv := &http.Server{
		Addr:              n.cfg.HTTP.ListenAddr,
		Handler:           n.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}
