// Package broadcast keeps every connected client's view equal to the
// latest FMDM snapshot. Each client gets a single-slot mailbox: an unread
// snapshot is replaced by a newer one, so a slow client coalesces to the
// freshest state and never queues unboundedly, while per-client version
// order is preserved.
package broadcast

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"folderd/fmdm"
)

// ErrClosed is returned by Register after Close.
var ErrClosed = errors.New("broadcaster closed")

type client struct {
	info    fmdm.ClientInfo
	mailbox chan fmdm.FMDM
}

type connListener struct {
	id int
	fn func(fmdm.Connections)
}

// Broadcaster owns the live client connection set. Orchestrators never
// touch it; the IPC server registers connections and the aggregator feeds
// snapshots through Publish.
type Broadcaster struct {
	mu         sync.Mutex
	clients    map[string]*client
	order      []string
	current    fmdm.FMDM
	hasCurrent bool
	closed     bool

	listeners []connListener
	nextID    int
}

// Subscription is one client's view of the snapshot stream.
type Subscription struct {
	ID        string
	Snapshots <-chan fmdm.FMDM
}

// New creates an empty broadcaster.
func New() *Broadcaster {
	return &Broadcaster{clients: make(map[string]*client)}
}

// Register adds a client of the given type (tui, cli, web, mcp) and
// immediately delivers the current snapshot to it, and only to it.
func (b *Broadcaster) Register(clientType string) (*Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}

	c := &client{
		info: fmdm.ClientInfo{
			ID:          uuid.NewString(),
			Type:        clientType,
			ConnectedAt: time.Now().UTC(),
		},
		mailbox: make(chan fmdm.FMDM, 1),
	}
	b.clients[c.info.ID] = c
	b.order = append(b.order, c.info.ID)
	if b.hasCurrent {
		c.mailbox <- b.current
	}
	conns, listeners := b.connectionsLocked(), b.listenersLocked()
	b.mu.Unlock()

	// Fired outside the lock: listeners typically feed the aggregator,
	// which publishes a new snapshot right back through Publish.
	for _, fn := range listeners {
		fn(conns)
	}

	return &Subscription{ID: c.info.ID, Snapshots: c.mailbox}, nil
}

// Unregister removes a client. Safe to call for ids that already left;
// remaining clients are unaffected.
func (b *Broadcaster) Unregister(id string) {
	b.mu.Lock()
	c, ok := b.clients[id]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.clients, id)
	for i, cid := range b.order {
		if cid == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	close(c.mailbox)
	conns, listeners := b.connectionsLocked(), b.listenersLocked()
	b.mu.Unlock()

	for _, fn := range listeners {
		fn(conns)
	}
}

// Publish fans a new snapshot out to every connected client. Delivery per
// client is latest-wins: a still-unread older snapshot is superseded.
func (b *Broadcaster) Publish(snapshot fmdm.FMDM) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.current = snapshot
	b.hasCurrent = true
	for _, id := range b.order {
		c := b.clients[id]
		select {
		case <-c.mailbox:
		default:
		}
		select {
		case c.mailbox <- snapshot:
		default:
		}
	}
}

// Connections returns the live client set for the next snapshot.
func (b *Broadcaster) Connections() fmdm.Connections {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connectionsLocked()
}

func (b *Broadcaster) connectionsLocked() fmdm.Connections {
	clients := make([]fmdm.ClientInfo, 0, len(b.order))
	for _, id := range b.order {
		clients = append(clients, b.clients[id].info)
	}
	return fmdm.Connections{Count: len(clients), Clients: clients}
}

// OnConnectionsChanged registers a listener fired synchronously whenever
// a client connects or disconnects. The returned func unsubscribes.
func (b *Broadcaster) OnConnectionsChanged(fn func(fmdm.Connections)) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, connListener{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		for i, l := range b.listeners {
			if l.id == id {
				b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
	}
}

func (b *Broadcaster) listenersLocked() []func(fmdm.Connections) {
	fns := make([]func(fmdm.Connections), len(b.listeners))
	for i, l := range b.listeners {
		fns[i] = l.fn
	}
	return fns
}

// Close disconnects every client and rejects further registrations.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, id := range b.order {
		close(b.clients[id].mailbox)
	}
	b.clients = make(map[string]*client)
	b.order = nil
	b.listeners = nil
}
