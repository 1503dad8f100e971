// Package pool implements a bounded pool of expensive, reusable resources,
// such as running database clusters. Instances are created lazily up to the
// pool size and handed out as leases. A clean release returns the instance
// to the idle set; a dirty release recycles it and frees its slot, so the
// next acquire builds a fresh replacement instead of inheriting a spent one.
package pool

import (
	"context"
	"errors"
	"sync"

	"testdrive/pkg/logging"
)

// ErrClosed is returned by Acquire after the pool has been shut down.
var ErrClosed = errors.New("pool is closed")

// Factory creates a new pool instance. It is called without the pool lock
// held, so it may take arbitrarily long.
type Factory[T any] func(ctx context.Context) (T, error)

// RecycleFunc disposes of a dirty instance, typically by stopping it and
// releasing its external state. The instance is never reused afterwards: its
// slot is freed and the next acquirer builds a replacement. A failed recycle
// falls back to the teardown routine.
type RecycleFunc[T any] func(ctx context.Context, item T) error

// TeardownFunc permanently destroys an instance on pool shutdown or discard.
type TeardownFunc[T any] func(ctx context.Context, item T) error

type entry[T any] struct {
	item      T
	holders   int
	exclusive bool
	dirty     bool
}

// A waiter blocks in Acquire until an instance or creation capacity becomes
// available. A nil lease on the channel means "capacity reserved, create the
// instance yourself".
type waiter[T any] struct {
	exclusive bool
	ready     chan *Lease[T]
	err       chan error
}

// Pool is a bounded set of reusable instances. At most size instances exist
// at any point; waiters are served in arrival order.
type Pool[T any] struct {
	mu       sync.Mutex
	size     int
	factory  Factory[T]
	recycle  RecycleFunc[T]
	teardown TeardownFunc[T]
	idle     []T
	live     int
	leased   map[*entry[T]]struct{}
	waiters  []*waiter[T]
	closed   bool
}

// New creates a pool of up to size instances. recycle and teardown may be
// nil: a nil recycle sends dirty instances through teardown instead, and a
// nil teardown simply drops discarded instances.
func New[T any](size int, factory Factory[T], recycle RecycleFunc[T], teardown TeardownFunc[T]) *Pool[T] {
	return &Pool[T]{
		size:     size,
		factory:  factory,
		recycle:  recycle,
		teardown: teardown,
		leased:   make(map[*entry[T]]struct{}),
	}
}

// Lease is the temporary right to use one pool instance. The holder must
// call Release or Discard exactly once.
type Lease[T any] struct {
	Item T

	// Dirty marks the instance as mutated in a way that requires recycling
	// before it can be reused. Consulted at Release time.
	Dirty bool

	pool     *Pool[T]
	entry    *entry[T]
	released bool
}

// Acquire leases an instance, creating one if the pool is not yet full,
// otherwise blocking until one becomes available. An exclusive lease
// guarantees the caller is the sole holder of the instance; a non-exclusive
// lease may share a saturated pool's instance with other non-exclusive
// holders.
func (p *Pool[T]) Acquire(ctx context.Context, exclusive bool) (*Lease[T], error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}

	// Idle instance ready to go.
	if n := len(p.idle); n > 0 {
		item := p.idle[n-1]
		p.idle = p.idle[:n-1]
		lease := p.leaseLocked(item, exclusive)
		p.mu.Unlock()
		return lease, nil
	}

	// Room to create a fresh instance.
	if p.live < p.size {
		p.live++
		p.mu.Unlock()
		return p.create(ctx, exclusive)
	}

	// A shared lease may piggyback on an instance held non-exclusively.
	if !exclusive {
		for e := range p.leased {
			if !e.exclusive {
				e.holders++
				lease := &Lease[T]{Item: e.item, pool: p, entry: e}
				p.mu.Unlock()
				return lease, nil
			}
		}
	}

	w := &waiter[T]{
		exclusive: exclusive,
		ready:     make(chan *Lease[T], 1),
		err:       make(chan error, 1),
	}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	select {
	case <-ctx.Done():
		p.abandon(w)
		return nil, ctx.Err()
	case err := <-w.err:
		return nil, err
	case lease := <-w.ready:
		if lease != nil {
			return lease, nil
		}
		// Capacity was reserved for us; build our own instance.
		return p.create(ctx, exclusive)
	}
}

// create builds a new instance with capacity already reserved (live was
// incremented by the caller).
func (p *Pool[T]) create(ctx context.Context, exclusive bool) (*Lease[T], error) {
	item, err := p.factory(ctx)
	if err != nil {
		p.mu.Lock()
		p.live--
		p.wakeLocked()
		p.mu.Unlock()
		return nil, err
	}
	p.mu.Lock()
	lease := p.leaseLocked(item, exclusive)
	p.mu.Unlock()
	return lease, nil
}

func (p *Pool[T]) leaseLocked(item T, exclusive bool) *Lease[T] {
	e := &entry[T]{item: item, holders: 1, exclusive: exclusive}
	p.leased[e] = struct{}{}
	return &Lease[T]{Item: item, pool: p, entry: e}
}

// abandon removes a waiter whose context was cancelled. If the waiter was
// already served, the handed-out resources are returned.
func (p *Pool[T]) abandon(w *waiter[T]) {
	p.mu.Lock()
	for i, q := range p.waiters {
		if q == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return
		}
	}
	p.mu.Unlock()

	// Not in the queue: we raced with a handoff.
	select {
	case lease := <-w.ready:
		if lease == nil {
			p.mu.Lock()
			p.live--
			p.wakeLocked()
			p.mu.Unlock()
		} else {
			lease.Release(context.Background())
		}
	default:
	}
}

// Release returns the lease's instance to the pool. A clean instance goes
// back to the idle set or straight to the first waiter; a dirty one is
// recycled and its slot freed, so the next acquire builds a replacement.
func (l *Lease[T]) Release(ctx context.Context) {
	p := l.pool
	p.mu.Lock()
	if l.released {
		p.mu.Unlock()
		return
	}
	l.released = true
	e := l.entry
	if l.Dirty {
		e.dirty = true
	}
	e.holders--
	if e.holders > 0 {
		p.mu.Unlock()
		return
	}
	delete(p.leased, e)

	if p.closed {
		p.live--
		p.mu.Unlock()
		p.destroy(ctx, e.item)
		return
	}

	if e.dirty {
		p.mu.Unlock()
		// The instance is spent once recycled; it must not reach the idle
		// set, or the next leaseholder would inherit a stopped resource.
		if p.recycle == nil {
			p.destroy(ctx, e.item)
		} else if err := p.recycle(ctx, e.item); err != nil {
			logging.Warn("Pool", "Recycle failed: %v", err)
			p.destroy(ctx, e.item)
		}
		p.mu.Lock()
		p.live--
		p.wakeLocked()
		p.mu.Unlock()
		return
	}
	p.handoffLocked(e.item)
	p.mu.Unlock()
}

// Discard permanently removes the lease's instance from the pool, freeing
// its capacity. Used when the instance is broken or its holder was
// cancelled: force-teardown is preferred over a clean recycle.
func (l *Lease[T]) Discard(ctx context.Context) {
	p := l.pool
	p.mu.Lock()
	if l.released {
		p.mu.Unlock()
		return
	}
	l.released = true
	e := l.entry
	e.holders--
	if e.holders > 0 {
		// Another holder still uses the instance; it inherits the problem.
		e.dirty = true
		p.mu.Unlock()
		return
	}
	delete(p.leased, e)
	p.live--
	p.wakeLocked()
	p.mu.Unlock()
	p.destroy(ctx, e.item)
}

// handoffLocked gives an idle instance to the first waiter, or parks it.
func (p *Pool[T]) handoffLocked(item T) {
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		w.ready <- p.leaseLocked(item, w.exclusive)
		return
	}
	p.idle = append(p.idle, item)
}

// wakeLocked hands freed creation capacity to the first waiter.
func (p *Pool[T]) wakeLocked() {
	if p.closed || len(p.waiters) == 0 || p.live >= p.size {
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	p.live++
	w.ready <- nil
}

// Close shuts the pool down: pending waiters fail with ErrClosed, idle
// instances are torn down, and instances still leased are torn down when
// their leases are released or discarded.
func (p *Pool[T]) Close(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	waiters := p.waiters
	p.waiters = nil
	idle := p.idle
	p.idle = nil
	p.live -= len(idle)
	p.mu.Unlock()

	for _, w := range waiters {
		w.err <- ErrClosed
	}
	for _, item := range idle {
		p.destroy(ctx, item)
	}
}

func (p *Pool[T]) destroy(ctx context.Context, item T) {
	if p.teardown == nil {
		return
	}
	if err := p.teardown(ctx, item); err != nil {
		logging.Warn("Pool", "Teardown failed: %v", err)
	}
}

// Live returns the number of existing instances, leased or idle.
func (p *Pool[T]) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

// Idle returns the number of instances parked in the idle set.
func (p *Pool[T]) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}
