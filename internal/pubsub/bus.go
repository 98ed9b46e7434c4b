package pubsub

import (
	"context"
	"sync"
)

const busSubscriberBuffer = 64

// Bus is an in-process network shared by the memory transport. Nodes attached
// to the same Bus see each other's messages.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan Envelope
	peers  map[string]int
}

func NewBus() *Bus {
	return &Bus{
		subs:  make(map[string]map[int]chan Envelope),
		peers: make(map[string]int),
	}
}

// publish fans env out to current subscribers. Full subscriber queues drop the
// message; delivery is best effort like the real network.
func (b *Bus) publish(env Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[env.Topic] {
		select {
		case ch <- env:
		default:
		}
	}
}

func (b *Bus) subscribe(topic string) (int, <-chan Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	ch := make(chan Envelope, busSubscriberBuffer)
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]chan Envelope)
	}
	b.subs[topic][b.nextID] = ch
	return b.nextID, ch
}

func (b *Bus) unsubscribe(topic string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[topic], id)
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
}

func (b *Bus) join(peerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.peers[peerID]++
}

func (b *Bus) leave(peerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.peers[peerID] <= 1 {
		delete(b.peers, peerID)
		return
	}
	b.peers[peerID]--
}

func (b *Bus) peerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.peers)
}

// memoryBackend attaches one node to a Bus.
type memoryBackend struct {
	bus *Bus

	mu     sync.RWMutex
	selfID string
}

func (m *memoryBackend) self() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.selfID
}

func (m *memoryBackend) Start(context.Context) error {
	m.bus.join(m.self())
	return nil
}

func (m *memoryBackend) Stop() {
	m.bus.leave(m.self())
}

// reidentify moves the bus membership to selfID without a restart.
func (m *memoryBackend) reidentify(selfID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.selfID == selfID {
		return
	}
	m.bus.leave(m.selfID)
	m.bus.join(selfID)
	m.selfID = selfID
}

func (m *memoryBackend) PeerCount() int {
	return m.bus.peerCount()
}

func (m *memoryBackend) Publish(_ context.Context, topic string, data []byte) error {
	m.bus.publish(Envelope{Topic: topic, From: m.self(), Data: append([]byte(nil), data...)})
	return nil
}

func (m *memoryBackend) Subscribe(ctx context.Context, topic string, deliver func(Envelope)) error {
	id, ch := m.bus.subscribe(topic)
	defer m.bus.unsubscribe(topic, id)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-ch:
			deliver(env)
		}
	}
}
