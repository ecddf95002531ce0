package feed

import (
	"context"
	"errors"
	"sync"

	"sterilcore/pkg/domain"
)

// ErrClosed is returned by Open after the hub has been closed.
var ErrClosed = errors.New("feed hub closed")

// DefaultBuffer is the per-connection event buffer of a hub.
const DefaultBuffer = 64

// Source opens a connection delivering the events of one table. The
// returned channel is closed when the connection drops or ctx ends.
type Source interface {
	Open(ctx context.Context, table string) (<-chan Event, error)
}

// Committer is the part of a store the hub listens to.
type Committer interface {
	OnCommit(fn func([]domain.Change))
}

type conn struct {
	table string
	ch    chan Event
	stop  func() bool
}

// Hub is an in-process Source fed by store commits. A connection whose
// buffer is full is dropped rather than blocking the publisher; its
// subscriber reconnects and misses the dropped events.
type Hub struct {
	mu     sync.Mutex
	conns  map[int]*conn
	nextID int
	buffer int
	closed bool
}

// NewHub returns an open hub. A non-positive buffer uses DefaultBuffer.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{conns: make(map[int]*conn), buffer: buffer}
}

// Attach publishes every change committed by store.
func (h *Hub) Attach(store Committer) {
	store.OnCommit(func(changes []domain.Change) {
		events := make([]Event, 0, len(changes))
		for _, c := range changes {
			if ev, ok := FromChange(c); ok {
				events = append(events, ev)
			}
		}
		h.Publish(events...)
	})
}

// Open implements Source.
func (h *Hub) Open(ctx context.Context, table string) (<-chan Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	id := h.nextID
	h.nextID++
	c := &conn{table: table, ch: make(chan Event, h.buffer)}
	h.conns[id] = c
	c.stop = context.AfterFunc(ctx, func() { h.drop(id) })
	return c.ch, nil
}

// Publish fans events out to the connections of their table.
func (h *Hub) Publish(events ...Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ev := range events {
		for id, c := range h.conns {
			if c.table != ev.Table {
				continue
			}
			select {
			case c.ch <- ev:
			default:
				h.closeLocked(id)
			}
		}
	}
}

// Disconnect drops every live connection. Subscribers reconnect.
func (h *Hub) Disconnect() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id := range h.conns {
		h.closeLocked(id)
	}
}

// Close drops every connection and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id := range h.conns {
		h.closeLocked(id)
	}
}

// Connections returns the number of live connections.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *Hub) drop(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeLocked(id)
}

func (h *Hub) closeLocked(id int) {
	c, ok := h.conns[id]
	if !ok {
		return
	}
	delete(h.conns, id)
	if c.stop != nil {
		c.stop()
	}
	close(c.ch)
}
