package social

import (
	"context"
	"fmt"
)

// SyncReport counts the work of one SyncPeers pass.
type SyncReport struct {
	PeersVisited int
	PeersUpdated int
	Pinned       int
}

// SyncPeers refreshes every peer followed by owner and samples content from
// the peers they follow, up to MaxDepth hops. Per-peer failures are logged
// and skipped.
func (g *Graph) SyncPeers(ctx context.Context, ownerID string) (SyncReport, error) {
	follows, err := g.follows.ListFollows(ctx, ownerID)
	if err != nil {
		return SyncReport{}, fmt.Errorf("list follows: %w", err)
	}
	var report SyncReport
	pinned := make(map[string]struct{})
	for _, rel := range follows {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		rootID := g.syncPeer(ctx, rel.TargetID, 0, pinned, &report)
		if rootID == "" || rootID == rel.CachedLibraryID {
			continue
		}
		if err := g.follows.UpdateFollowSync(ctx, ownerID, rel.TargetID, rootID, g.now()); err != nil {
			g.logger.Warn("could not record sync",
				"component", "social",
				"operation", "sync",
				"target_id", rel.TargetID,
				"error", err.Error(),
			)
			continue
		}
		report.PeersUpdated++
	}
	g.logger.Info("peer sync finished",
		"component", "social",
		"operation", "sync",
		"owner_id", ownerID,
		"visited", report.PeersVisited,
		"updated", report.PeersUpdated,
		"pinned", report.Pinned,
	)
	return report, nil
}

// syncPeer returns the resolved root of peerID, or "" when it could not be
// resolved.
func (g *Graph) syncPeer(ctx context.Context, peerID string, depth int, pinned map[string]struct{}, report *SyncReport) string {
	if depth > g.cfg.MaxDepth || ctx.Err() != nil {
		return ""
	}
	rootID, root, err := g.feeds.ResolveProfile(ctx, resolvableName(peerID))
	if err != nil || rootID == "" {
		g.logger.Debug("sync could not resolve peer",
			"component", "social",
			"operation", "sync",
			"target_id", peerID,
			"depth", depth,
			"error", errString(err),
		)
		return ""
	}
	report.PeersVisited++

	start := rootID
	var nested []string
	if root != nil {
		start = root.FeedHead
		nested = root.Profile.Following
	}
	rate := g.cfg.DirectRate
	reason := pinReasonDirect
	if depth > 0 {
		rate = g.cfg.NetworkRate
		reason = pinReasonNetwork
	}
	walk := g.feeds.Walk(ctx, start, g.cfg.ItemsPerPeer)
	for _, entry := range walk.Entries {
		if _, done := pinned[entry.ID]; done {
			continue
		}
		if g.draw() >= rate {
			continue
		}
		report.Pinned += g.pinEntry(ctx, entry, reason, pinned)
	}

	if len(nested) > g.cfg.NestedPeerCap {
		nested = nested[:g.cfg.NestedPeerCap]
	}
	for _, next := range nested {
		g.syncPeer(ctx, next, depth+1, pinned, report)
	}
	return rootID
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
