// Package pool tracks the live client connections of a transport and
// enforces its connection limit.
package pool

import (
	"container/list"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Member is a pooled client. Close must be safe to call more than once.
type Member interface {
	Close() error
}

type entry[T Member] struct {
	client     T
	seq        uint64
	added      time.Time
	lastActive time.Time
	elem       *list.Element
}

// Pool holds up to capacity clients keyed by a ULID. When full, adding a
// client evicts the least recently active one; ties go to the oldest.
type Pool[T Member] struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*entry[T]
	order    *list.List // ids in connection order
	seq      uint64
	now      func() time.Time
}

// New creates a pool. A capacity <= 0 means unbounded.
func New[T Member](capacity int) *Pool[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Pool[T]{
		capacity: capacity,
		entries:  make(map[string]*entry[T]),
		order:    list.New(),
		now:      time.Now,
	}
}

// Add registers client and returns its id. If the pool was full the evicted
// client is returned with ok=true; the caller is responsible for closing it.
func (p *Pool[T]) Add(client T) (id string, evicted T, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.capacity > 0 && len(p.entries) >= p.capacity {
		victimID := p.leastActiveLocked()
		if victimID != "" {
			evicted = p.removeLocked(victimID)
			ok = true
		}
	}

	now := p.now()
	p.seq++
	id = ulid.Make().String()
	p.entries[id] = &entry[T]{client: client, seq: p.seq, added: now, lastActive: now, elem: p.order.PushBack(id)}
	return id, evicted, ok
}

func (p *Pool[T]) removeLocked(id string) T {
	e := p.entries[id]
	p.order.Remove(e.elem)
	delete(p.entries, id)
	return e.client
}

func (p *Pool[T]) leastActiveLocked() string {
	var (
		victimID string
		victim   *entry[T]
	)
	for id, e := range p.entries {
		if victim == nil ||
			e.lastActive.Before(victim.lastActive) ||
			(e.lastActive.Equal(victim.lastActive) && e.seq < victim.seq) {
			victimID, victim = id, e
		}
	}
	return victimID
}

// Touch marks the client as active now.
func (p *Pool[T]) Touch(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[id]; ok {
		e.lastActive = p.now()
	}
}

// Get returns the client registered under id.
func (p *Pool[T]) Get(id string) (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok {
		var zero T
		return zero, false
	}
	return e.client, true
}

// Remove unregisters id without closing the client.
func (p *Pool[T]) Remove(id string) (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[id]; !ok {
		var zero T
		return zero, false
	}
	return p.removeLocked(id), true
}

// Len returns the number of registered clients.
func (p *Pool[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Capacity returns the configured limit, 0 when unbounded.
func (p *Pool[T]) Capacity() int {
	return p.capacity
}

// Each calls fn for a snapshot of the registered clients in connection
// order. fn runs without the pool lock held.
func (p *Pool[T]) Each(fn func(id string, client T)) {
	type item struct {
		id string
		c  T
	}
	p.mu.Lock()
	items := make([]item, 0, p.order.Len())
	for el := p.order.Front(); el != nil; el = el.Next() {
		id := el.Value.(string)
		items = append(items, item{id: id, c: p.entries[id].client})
	}
	p.mu.Unlock()

	for _, it := range items {
		fn(it.id, it.c)
	}
}

// Close removes and closes every client.
func (p *Pool[T]) Close() error {
	p.mu.Lock()
	clients := make([]T, 0, len(p.entries))
	for el := p.order.Front(); el != nil; el = el.Next() {
		clients = append(clients, p.entries[el.Value.(string)].client)
	}
	clear(p.entries)
	p.order.Init()
	p.mu.Unlock()

	var errs []string
	for _, c := range clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("pool close errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
