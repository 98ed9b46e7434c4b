package socialdag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"socialmesh/go-node/internal/contentstore"
	"socialmesh/go-node/pkg/models"
)

// StopReason says why a feed walk ended.
type StopReason string

const (
	StopLimit       StopReason = "limit"
	StopEnd         StopReason = "end"
	StopFetchFailed StopReason = "fetch_failed"
	StopCycle       StopReason = "cycle"
	StopUnknownNode StopReason = "unknown_node"
)

// FeedEntry is a post's payload together with the id of the post node.
type FeedEntry struct {
	ID   string
	Data json.RawMessage
}

type WalkResult struct {
	Entries []FeedEntry
	Stop    StopReason
}

// StopObserver is notified once per walk.
type StopObserver interface {
	ObserveTraversalStop(reason string)
}

type Engine struct {
	store    contentstore.Store
	logger   *slog.Logger
	observer StopObserver
	now      func() time.Time
}

func NewEngine(store contentstore.Store, logger *slog.Logger, observer StopObserver) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, logger: logger, observer: observer, now: time.Now}
}

// CreatePost stores content as a new post linked to prev ("" starts a feed).
func (e *Engine) CreatePost(ctx context.Context, content any, prev string) (string, error) {
	data, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("encode post content: %w", err)
	}
	return e.store.DagPut(ctx, &Post{
		Version:   NodeVersion,
		Timestamp: e.now().UTC().Format(time.RFC3339Nano),
		Data:      data,
		Prev:      prev,
	})
}

// UpdateProfile writes a new profile root over feedHead and repoints the
// published name at it. This is the commit that makes a feed change visible.
func (e *Engine) UpdateProfile(ctx context.Context, profile models.Profile, feedHead string) (string, error) {
	rootID, err := e.store.DagPut(ctx, &ProfileRoot{
		Version:  NodeVersion,
		Profile:  profile,
		FeedHead: feedHead,
	})
	if err != nil {
		return "", err
	}
	if _, err := e.store.NamePublish(ctx, rootID); err != nil {
		return "", err
	}
	return rootID, nil
}

// Fetch loads and decodes one node.
func (e *Engine) Fetch(ctx context.Context, id string) (Node, error) {
	raw, err := e.store.DagGet(ctx, id)
	if err != nil {
		return nil, err
	}
	return DecodeNode(raw)
}

func (e *Engine) FetchProfile(ctx context.Context, rootID string) (*ProfileRoot, error) {
	node, err := e.Fetch(ctx, rootID)
	if err != nil {
		return nil, err
	}
	root, ok := node.(*ProfileRoot)
	if !ok {
		return nil, ErrNotProfileRoot
	}
	return root, nil
}

// ResolveProfile resolves a published name and loads what it points to. The
// root is nil when the name points at something other than a profile root.
func (e *Engine) ResolveProfile(ctx context.Context, name string) (string, *ProfileRoot, error) {
	rootID, err := e.store.NameResolve(ctx, name)
	if err != nil {
		return "", nil, err
	}
	root, err := e.FetchProfile(ctx, rootID)
	if errors.Is(err, ErrNotProfileRoot) {
		return rootID, nil, nil
	}
	if err != nil {
		return rootID, nil, err
	}
	return rootID, root, nil
}

// TraverseFeed returns up to limit post payloads reachable from startID,
// newest first. It never fails: an unreachable node ends the walk with what
// was collected so far.
func (e *Engine) TraverseFeed(ctx context.Context, startID string, limit int) []json.RawMessage {
	res := e.Walk(ctx, startID, limit)
	out := make([]json.RawMessage, 0, len(res.Entries))
	for _, entry := range res.Entries {
		out = append(out, entry.Data)
	}
	return out
}

// Walk follows feed_head and prev pointers from startID. A profile root
// contributes nothing; each post contributes one entry. Every id is fetched at
// most once per walk, so a pointer cycle ends the walk with StopCycle.
func (e *Engine) Walk(ctx context.Context, startID string, limit int) WalkResult {
	res := e.walk(ctx, startID, limit)
	if e.observer != nil {
		e.observer.ObserveTraversalStop(string(res.Stop))
	}
	switch res.Stop {
	case StopCycle, StopUnknownNode:
		e.logger.Warn("feed traversal stopped early",
			"component", "socialdag",
			"operation", "walk",
			"correlation_id", startID,
			"reason", string(res.Stop),
			"entries", len(res.Entries),
		)
	case StopFetchFailed:
		e.logger.Debug("feed traversal hit unavailable node",
			"component", "socialdag",
			"operation", "walk",
			"correlation_id", startID,
			"entries", len(res.Entries),
		)
	}
	return res
}

func (e *Engine) walk(ctx context.Context, startID string, limit int) WalkResult {
	res := WalkResult{Entries: []FeedEntry{}}
	visited := make(map[string]struct{})
	current := startID
	for {
		if current == "" {
			res.Stop = StopEnd
			return res
		}
		if len(res.Entries) >= limit {
			res.Stop = StopLimit
			return res
		}
		if _, seen := visited[current]; seen {
			res.Stop = StopCycle
			return res
		}
		visited[current] = struct{}{}

		node, err := e.Fetch(ctx, current)
		if err != nil {
			if errors.Is(err, ErrUnknownNodeType) {
				res.Stop = StopUnknownNode
			} else {
				res.Stop = StopFetchFailed
			}
			return res
		}
		switch n := node.(type) {
		case *ProfileRoot:
			current = n.FeedHead
		case *Post:
			res.Entries = append(res.Entries, FeedEntry{ID: current, Data: n.Data})
			current = n.Prev
		default:
			res.Stop = StopUnknownNode
			return res
		}
	}
}
