//go:build real_waku

package pubsub

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	wakuNode "github.com/waku-org/go-waku/waku/v2/node"
	"github.com/waku-org/go-waku/waku/v2/protocol"
	wpb "github.com/waku-org/go-waku/waku/v2/protocol/pb"
	"github.com/waku-org/go-waku/waku/v2/protocol/relay"
)

const (
	wakuPubsubTopic = "/waku/2/default-waku/proto"
	wakuContentApp  = "socialmesh"
)

type goWakuNode struct {
	mu     sync.RWMutex
	node   *wakuNode.WakuNode
	cfg    Config
	selfID string
	logger *slog.Logger
}

func newGoWakuBackend(cfg Config, selfID string, logger *slog.Logger) backend {
	return &goWakuNode{cfg: cfg, selfID: selfID, logger: logger}
}

// contentTopic maps an application topic such as "/app/inbox/<id>" onto a
// waku content topic "/socialmesh/1/app-inbox-<id>/json".
func contentTopic(topic string) string {
	name := strings.Trim(topic, "/")
	name = strings.ReplaceAll(name, "/", "-")
	return "/" + wakuContentApp + "/1/" + name + "/json"
}

func (g *goWakuNode) Start(ctx context.Context) error {
	hostAddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(g.cfg.Port)))
	if err != nil {
		return err
	}
	node, err := wakuNode.New(wakuNode.WithHostAddress(hostAddr), wakuNode.WithWakuRelay())
	if err != nil {
		return err
	}
	if err := node.Start(ctx); err != nil {
		return err
	}
	for _, addr := range g.cfg.BootstrapNodes {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if err := node.DialPeer(ctx, addr); err != nil {
			g.logger.Warn("bootstrap dial failed",
				"component", "pubsub",
				"operation", "dial",
				"peer_addr", addr,
				"error", err.Error(),
			)
		}
	}
	g.mu.Lock()
	g.node = node
	g.mu.Unlock()
	return nil
}

func (g *goWakuNode) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.node != nil {
		g.node.Stop()
		g.node = nil
	}
}

func (g *goWakuNode) PeerCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.node == nil {
		return 0
	}
	return g.node.PeerCount()
}

func (g *goWakuNode) current() (*wakuNode.WakuNode, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.node == nil {
		return nil, errors.New("go-waku node is nil")
	}
	return g.node, nil
}

// Publish wraps data in the same {"from","data"} envelope the rpc stream uses
// so receivers decode both transports identically.
func (g *goWakuNode) Publish(ctx context.Context, topic string, data []byte) error {
	node, err := g.current()
	if err != nil {
		return err
	}
	payload, err := EncodeEnvelopeLine(Envelope{From: g.selfID, Data: data})
	if err != nil {
		return err
	}
	ts := time.Now().UnixNano()
	wm := &wpb.WakuMessage{
		Payload:      payload,
		ContentTopic: contentTopic(topic),
		Timestamp:    &ts,
	}
	_, err = node.Relay().Publish(ctx, wm, relay.WithPubSubTopic(wakuPubsubTopic))
	return err
}

func (g *goWakuNode) Subscribe(ctx context.Context, topic string, deliver func(Envelope)) error {
	node, err := g.current()
	if err != nil {
		return err
	}
	filter := protocol.NewContentFilter(wakuPubsubTopic, contentTopic(topic))
	subs, err := node.Relay().Subscribe(ctx, filter)
	if err != nil {
		return err
	}
	defer func() {
		_ = node.Relay().Unsubscribe(context.Background(), filter)
	}()
	if len(subs) == 0 {
		return errStreamEnded
	}
	sub := subs[0]
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-sub.Ch:
			if !ok {
				return errStreamEnded
			}
			if env == nil || env.Message() == nil {
				continue
			}
			decoded, err := DecodeEnvelopeLine(env.Message().Payload)
			if err != nil {
				continue
			}
			decoded.Topic = topic
			deliver(decoded)
		}
	}
}
