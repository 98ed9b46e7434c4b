// Package pubsub carries topic messages between nodes over one of several
// transports and supervises long-lived subscriptions.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"socialmesh/go-node/internal/platform/errs"
)

const (
	TransportMemory = "memory"
	TransportRPC    = "rpc"
	TransportGoWaku = "go-waku"

	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateDegraded     = "degraded"
)

var (
	ErrNotConnected       = errors.New("pubsub not connected")
	ErrBackendUnavailable = errors.New("pubsub backend is not available in this build")
	ErrTopicRequired      = errors.New("topic is required")
)

var runtimeStatusPollInterval = 1 * time.Second

type Config struct {
	Transport         string        `yaml:"transport"`
	Port              int           `yaml:"port"`
	BootstrapNodes    []string      `yaml:"bootstrapNodes"`
	MinPeers          int           `yaml:"minPeers"`
	RestartBackoff    time.Duration `yaml:"restartBackoff"`
	RestartBackoffMax time.Duration `yaml:"restartBackoffMax"`
}

type Status struct {
	State     string
	PeerCount int
	LastSync  time.Time
}

// Handler receives every envelope of a subscription, one at a time.
type Handler func(ctx context.Context, env Envelope)

// RestartObserver is told about every subscription restart.
type RestartObserver interface {
	ObserveTaskRestart(task string)
}

type backend interface {
	Start(ctx context.Context) error
	Stop()
	PeerCount() int
	Publish(ctx context.Context, topic string, data []byte) error
	// Subscribe blocks delivering messages until the stream ends or ctx is done.
	Subscribe(ctx context.Context, topic string, deliver func(Envelope)) error
}

type Node struct {
	mu       sync.RWMutex
	cfg      Config
	status   Status
	selfID   string
	bus      *Bus
	rpc      RPCClient
	backend  backend
	logger   *slog.Logger
	observer RestartObserver

	monitorCancel    context.CancelFunc
	monitorWG        sync.WaitGroup
	stateTransitions int
}

func DefaultConfig() Config {
	return Config{
		Transport:         TransportRPC,
		Port:              60000,
		MinPeers:          1,
		RestartBackoff:    1 * time.Second,
		RestartBackoffMax: 30 * time.Second,
	}
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	cfg.Transport = strings.ToLower(strings.TrimSpace(cfg.Transport))
	if cfg.Transport == "" {
		cfg.Transport = def.Transport
	}
	if cfg.RestartBackoff <= 0 {
		cfg.RestartBackoff = def.RestartBackoff
	}
	if cfg.RestartBackoffMax <= 0 {
		cfg.RestartBackoffMax = def.RestartBackoffMax
	}
	if cfg.RestartBackoffMax < cfg.RestartBackoff {
		cfg.RestartBackoffMax = cfg.RestartBackoff
	}
	if cfg.MinPeers < 0 {
		cfg.MinPeers = 0
	}
	return cfg
}

type Option func(*Node)

// WithBus attaches the memory transport to bus instead of a private one.
func WithBus(bus *Bus) Option {
	return func(n *Node) { n.bus = bus }
}

// WithRPCClient provides the content-store client used by the rpc transport.
func WithRPCClient(c RPCClient) Option {
	return func(n *Node) { n.rpc = c }
}

func WithLogger(logger *slog.Logger) Option {
	return func(n *Node) {
		if logger != nil {
			n.logger = logger
		}
	}
}

func WithRestartObserver(o RestartObserver) Option {
	return func(n *Node) { n.observer = o }
}

func NewNode(cfg Config, opts ...Option) *Node {
	n := &Node{
		cfg:    normalizeConfig(cfg),
		status: Status{State: StateDisconnected},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// SetIdentity sets the sender id stamped on outgoing messages by transports
// that do not know it themselves.
// reidentifier is implemented by backends that can change their sender id
// while running.
type reidentifier interface {
	reidentify(selfID string)
}

// SetIdentity sets the sender id used by the memory and go-waku backends. A
// running backend that cannot switch keeps the previous id until the next
// Start; the rpc backend always publishes as the Kubo node.
func (n *Node) SetIdentity(selfID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.selfID == selfID {
		return
	}
	n.selfID = selfID
	switch b := n.backend.(type) {
	case nil:
	case reidentifier:
		b.reidentify(selfID)
	case *rpcBackend:
	default:
		n.logger.Warn("transport keeps its previous sender id until restart",
			"component", "pubsub",
			"operation", "set_identity",
			"transport", n.cfg.Transport,
			"peer_id", selfID,
		)
	}
}

func (n *Node) newBackend() (backend, error) {
	switch n.cfg.Transport {
	case TransportMemory:
		bus := n.bus
		if bus == nil {
			bus = NewBus()
			n.bus = bus
		}
		return &memoryBackend{bus: bus, selfID: n.selfID}, nil
	case TransportRPC:
		if n.rpc == nil {
			return nil, errors.New("rpc transport requires a content-store client")
		}
		return &rpcBackend{client: n.rpc, logger: n.logger}, nil
	case TransportGoWaku:
		gw := newGoWakuBackend(n.cfg, n.selfID, n.logger)
		if gw == nil {
			return nil, ErrBackendUnavailable
		}
		return gw, nil
	default:
		return nil, fmt.Errorf("unknown pubsub transport %q", n.cfg.Transport)
	}
}

func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	n.transitionStateLocked(StateConnecting)
	n.status.LastSync = time.Now()
	b, err := n.newBackend()
	n.mu.Unlock()
	if err != nil {
		n.setDisconnected()
		return err
	}
	if err := b.Start(ctx); err != nil {
		n.setDisconnected()
		return errs.Wrap(errs.CategoryTransport, err)
	}

	peerCount := b.PeerCount()
	n.mu.Lock()
	n.backend = b
	n.transitionStateLocked(stateFromPeerCount(peerCount, n.cfg))
	n.status.PeerCount = peerCount
	n.status.LastSync = time.Now()
	n.mu.Unlock()
	n.startRuntimeMonitor()
	n.logger.Info("pubsub transport started",
		"component", "pubsub",
		"operation", "start",
		"transport", n.cfg.Transport,
		"peers", peerCount,
	)
	return nil
}

func (n *Node) Stop(_ context.Context) error {
	n.stopRuntimeMonitor()

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.backend != nil {
		n.backend.Stop()
		n.backend = nil
	}
	n.transitionStateLocked(StateDisconnected)
	n.status.PeerCount = 0
	n.status.LastSync = time.Now()
	return nil
}

func (n *Node) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status
}

func (n *Node) activeBackend() (backend, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.backend == nil || (n.status.State != StateConnected && n.status.State != StateDegraded) {
		return nil, ErrNotConnected
	}
	return n.backend, nil
}

// Publish sends payload on topic. Delivery is best effort.
func (n *Node) Publish(ctx context.Context, topic string, payload []byte) error {
	if strings.TrimSpace(topic) == "" {
		return ErrTopicRequired
	}
	b, err := n.activeBackend()
	if err != nil {
		return errs.Wrap(errs.CategoryTransport, err)
	}
	return errs.Wrap(errs.CategoryTransport, b.Publish(ctx, topic, payload))
}

// Subscribe delivers messages of topic to handler until ctx is cancelled. An
// ended or failed stream, a handler panic and a not yet connected node all lead
// to a restart after an exponential backoff. It returns nil once ctx is done.
func (n *Node) Subscribe(ctx context.Context, topic string, handler Handler) error {
	if strings.TrimSpace(topic) == "" {
		return ErrTopicRequired
	}
	backoff := n.cfg.RestartBackoff
	for {
		started := time.Now()
		err := n.runSubscription(ctx, topic, handler)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > n.cfg.RestartBackoffMax {
			backoff = n.cfg.RestartBackoff
		}
		n.logger.Warn("pubsub subscription ended, restarting",
			"component", "pubsub",
			"operation", "subscribe",
			"correlation_id", topic,
			"backoff", backoff.String(),
			"error", errString(err),
		)
		if n.observer != nil {
			n.observer.ObserveTaskRestart("subscribe:" + topic)
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		backoff *= 2
		if backoff > n.cfg.RestartBackoffMax {
			backoff = n.cfg.RestartBackoffMax
		}
	}
}

func (n *Node) runSubscription(ctx context.Context, topic string, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscription handler panic: %v", r)
		}
	}()
	b, err := n.activeBackend()
	if err != nil {
		return err
	}
	err = b.Subscribe(ctx, topic, func(env Envelope) {
		if env.Topic == "" {
			env.Topic = topic
		}
		handler(ctx, env)
	})
	if err == nil {
		err = errStreamEnded
	}
	return err
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (n *Node) setDisconnected() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transitionStateLocked(StateDisconnected)
	n.status.PeerCount = 0
	n.status.LastSync = time.Now()
}

func (n *Node) startRuntimeMonitor() {
	n.mu.Lock()
	if n.monitorCancel != nil {
		n.monitorCancel()
		n.monitorCancel = nil
	}
	monitorCtx, cancel := context.WithCancel(context.Background())
	n.monitorCancel = cancel
	n.monitorWG.Add(1)
	n.mu.Unlock()

	go func() {
		defer n.monitorWG.Done()
		ticker := time.NewTicker(runtimeStatusPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-monitorCtx.Done():
				return
			case <-ticker.C:
				n.refreshRuntimeStatus()
			}
		}
	}()
}

func (n *Node) stopRuntimeMonitor() {
	n.mu.Lock()
	cancel := n.monitorCancel
	n.monitorCancel = nil
	n.mu.Unlock()
	if cancel != nil {
		cancel()
		n.monitorWG.Wait()
	}
}

func (n *Node) refreshRuntimeStatus() {
	n.mu.RLock()
	b := n.backend
	cfg := n.cfg
	n.mu.RUnlock()
	if b == nil {
		return
	}
	peerCount := b.PeerCount()
	nextState := stateFromPeerCount(peerCount, cfg)

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status.State == StateDisconnected {
		return
	}
	if n.status.State != nextState || n.status.PeerCount != peerCount {
		n.transitionStateLocked(nextState)
		n.status.PeerCount = peerCount
		n.status.LastSync = time.Now()
	}
}

// StateTransitions counts state changes since construction.
func (n *Node) StateTransitions() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.stateTransitions
}

func (n *Node) transitionStateLocked(next string) {
	if next == "" {
		return
	}
	if n.status.State != next {
		n.stateTransitions++
		n.status.State = next
	}
}

func stateFromPeerCount(peerCount int, cfg Config) string {
	target := cfg.MinPeers
	if target <= 0 {
		target = 1
	}
	if len(cfg.BootstrapNodes) > 0 && target > len(cfg.BootstrapNodes) {
		target = len(cfg.BootstrapNodes)
	}
	if peerCount >= target {
		return StateConnected
	}
	return StateDegraded
}
