package overlay

import (
	"bytes"
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Hub is an in-process overlay shared by MemoryNetwork nodes. It is used by
// tests and local simulations.
type Hub struct {
	mu      sync.RWMutex
	blocks  map[cid.Cid][]byte
	names   map[peer.ID]cid.Cid
	subs    map[string]map[*memorySub]struct{}
	members map[peer.ID]*MemoryNetwork
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		blocks:  make(map[cid.Cid][]byte),
		names:   make(map[peer.ID]cid.Cid),
		subs:    make(map[string]map[*memorySub]struct{}),
		members: make(map[peer.ID]*MemoryNetwork),
	}
}

// MemoryNetwork is one node attached to a Hub.
type MemoryNetwork struct {
	hub  *Hub
	self peer.ID

	// FetchHook, when set, runs before every fetch and may block or fail it.
	FetchHook func(ctx context.Context, c cid.Cid) error

	fetches    atomic.Int64
	publishes  atomic.Int64
	subscribes atomic.Int64

	mu   sync.Mutex
	pins map[cid.Cid]struct{}
}

// Join attaches a node with the given identity.
func (h *Hub) Join(self peer.ID) *MemoryNetwork {
	n := &MemoryNetwork{hub: h, self: self, pins: make(map[cid.Cid]struct{})}
	h.mu.Lock()
	h.members[self] = n
	h.mu.Unlock()
	return n
}

func (n *MemoryNetwork) Self() peer.ID { return n.self }

func (n *MemoryNetwork) Store(_ context.Context, data []byte) (cid.Cid, error) {
	c, err := Sum(data)
	if err != nil {
		return cid.Undef, err
	}
	n.hub.mu.Lock()
	n.hub.blocks[c] = append([]byte(nil), data...)
	n.hub.mu.Unlock()
	return c, nil
}

func (n *MemoryNetwork) Fetch(ctx context.Context, c cid.Cid) (io.ReadCloser, error) {
	n.fetches.Add(1)
	if n.FetchHook != nil {
		if err := n.FetchHook(ctx, c); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.hub.mu.RLock()
	data, ok := n.hub.blocks[c]
	n.hub.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Publish delivers data to every subscriber of topic, the sender included.
func (n *MemoryNetwork) Publish(_ context.Context, topic string, data []byte) error {
	n.publishes.Add(1)
	msg := &Message{From: n.self, Data: append([]byte(nil), data...)}
	n.hub.mu.RLock()
	defer n.hub.mu.RUnlock()
	for sub := range n.hub.subs[topic] {
		sub.deliver(msg)
	}
	return nil
}

func (n *MemoryNetwork) Subscribe(_ context.Context, topic string) (Subscription, error) {
	n.subscribes.Add(1)
	sub := &memorySub{hub: n.hub, topic: topic, ch: make(chan *Message, 64), done: make(chan struct{})}
	n.hub.mu.Lock()
	if n.hub.subs[topic] == nil {
		n.hub.subs[topic] = make(map[*memorySub]struct{})
	}
	n.hub.subs[topic][sub] = struct{}{}
	n.hub.mu.Unlock()
	return sub, nil
}

func (n *MemoryNetwork) PublishName(_ context.Context, c cid.Cid) error {
	n.hub.mu.Lock()
	n.hub.names[n.self] = c
	n.hub.mu.Unlock()
	return nil
}

func (n *MemoryNetwork) ResolveName(_ context.Context, id peer.ID) (cid.Cid, error) {
	n.hub.mu.RLock()
	defer n.hub.mu.RUnlock()
	c, ok := n.hub.names[id]
	if !ok {
		return cid.Undef, ErrNameNotFound
	}
	return c, nil
}

func (n *MemoryNetwork) Pin(_ context.Context, c cid.Cid) error {
	n.mu.Lock()
	n.pins[c] = struct{}{}
	n.mu.Unlock()
	return nil
}

func (n *MemoryNetwork) Unpin(_ context.Context, c cid.Cid) error {
	n.mu.Lock()
	delete(n.pins, c)
	n.mu.Unlock()
	return nil
}

// Pinned reports whether c is pinned on this node.
func (n *MemoryNetwork) Pinned(c cid.Cid) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.pins[c]
	return ok
}

// Fetches is the number of Fetch calls made through this node.
func (n *MemoryNetwork) Fetches() int { return int(n.fetches.Load()) }

// Publishes is the number of Publish calls made through this node.
func (n *MemoryNetwork) Publishes() int { return int(n.publishes.Load()) }

// Subscribes is the number of Subscribe calls made through this node.
func (n *MemoryNetwork) Subscribes() int { return int(n.subscribes.Load()) }

type memorySub struct {
	hub   *Hub
	topic string
	ch    chan *Message
	once  sync.Once
	done  chan struct{}
}

func (s *memorySub) deliver(msg *Message) {
	select {
	case s.ch <- msg:
	case <-s.done:
	default:
		// slow subscriber; gossip drops too
	}
}

func (s *memorySub) Next(ctx context.Context) (*Message, error) {
	select {
	case msg := <-s.ch:
		return msg, nil
	case <-s.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *memorySub) Cancel() {
	s.once.Do(func() {
		close(s.done)
		s.hub.mu.Lock()
		delete(s.hub.subs[s.topic], s)
		s.hub.mu.Unlock()
	})
}
