package evpg

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/evpg/evpg/internal/metrics"
)

// Factory creates and establishes one new pooled connection.
type Factory func(ctx context.Context) (*Conn, error)

// Pool multiplexes many logical callers over a bounded, lazily grown
// set of connections. Every connection is either available or reserved
// to exactly one caller; callers beyond capacity park in a FIFO queue.
type Pool struct {
	mu sync.Mutex

	cfg     PoolConfig
	factory Factory

	// isDisconnect classifies errors that force a connection to be
	// replaced instead of reused.
	isDisconnect func(error) bool

	// available holds idle connections, most recently used last.
	available []*Conn

	// reserved maps caller identity to its pinned connection.
	reserved map[*PoolCaller]*reservation

	// pending is the FIFO queue of callers waiting for a connection.
	pending []*poolWaiter

	// growing counts connections being created, so lazy growth never
	// overshoots MaxSize.
	growing int

	closed bool
	wg     sync.WaitGroup
}

// reservation pins a connection to one caller across nested acquires.
type reservation struct {
	conn  *Conn
	depth int
}

type acquired struct {
	conn *Conn
	err  error
}

type poolWaiter struct {
	pc *PoolCaller
	ch chan acquired
}

// PoolCaller is the explicit caller-context handle for pool operations.
// Acquire is reentrant per caller: nested acquires by the same caller
// return the identical pinned connection, and only the outermost
// release returns it to the pool.
type PoolCaller struct {
	p *Pool
}

// NewPool creates a pool and eagerly opens cfg.Size connections.
// Warm-up failures are logged, not fatal; the pool grows lazily later.
func NewPool(ctx context.Context, factory Factory, cfg PoolConfig) (*Pool, error) {
	if factory == nil {
		return nil, fmt.Errorf("evpg: pool factory is required")
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 4
	}
	if cfg.Size > cfg.MaxSize {
		cfg.Size = cfg.MaxSize
	}
	p := &Pool{
		cfg:          cfg,
		factory:      factory,
		isDisconnect: IsDisconnect,
		reserved:     make(map[*PoolCaller]*reservation),
	}

	for i := 0; i < cfg.Size; i++ {
		conn, err := factory(ctx)
		if err != nil {
			log.Printf("[pool] WARNING: failed to create warm connection %d/%d: %v",
				i+1, cfg.Size, err)
			continue
		}
		p.available = append(p.available, conn)
	}

	p.updateMetricsLocked()
	log.Printf("[pool] initialized: %d idle, max=%d", len(p.available), cfg.MaxSize)
	return p, nil
}

// SetDisconnectClass replaces the error classifier that decides when a
// connection is replaced instead of returned to the pool.
func (p *Pool) SetDisconnectClass(fn func(error) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fn != nil {
		p.isDisconnect = fn
	}
}

// Caller creates a new caller-context handle.
func (p *Pool) Caller() *PoolCaller {
	return &PoolCaller{p: p}
}

// sizeLocked is the pool's total footprint, bounded by MaxSize.
func (p *Pool) sizeLocked() int {
	return len(p.available) + len(p.reserved) + p.growing
}

// Acquire returns the caller's pinned connection, an idle one, a newly
// created one while under MaxSize, or parks the caller FIFO until a
// release wakes it.
func (pc *PoolCaller) Acquire(ctx context.Context) (*Conn, error) {
	p := pc.p
	start := timeNow()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	// Reentrant: nested acquisition by the same caller.
	if res, ok := p.reserved[pc]; ok {
		res.depth++
		p.mu.Unlock()
		return res.conn, nil
	}

	if n := len(p.available); n > 0 {
		conn := p.available[n-1]
		p.available = p.available[:n-1]
		p.reserved[pc] = &reservation{conn: conn, depth: 1}
		p.updateMetricsLocked()
		p.mu.Unlock()
		metrics.AcquiresTotal.WithLabelValues("idle").Inc()
		return conn, nil
	}

	// Grow lazily, one connection per unmet concurrent demand.
	if p.sizeLocked() < p.cfg.MaxSize {
		p.growing++
		p.mu.Unlock()

		conn, err := p.factory(ctx)

		p.mu.Lock()
		p.growing--
		if err != nil {
			p.updateMetricsLocked()
			p.mu.Unlock()
			metrics.AcquiresTotal.WithLabelValues("create_failed").Inc()
			return nil, fmt.Errorf("evpg: creating pool connection: %w", err)
		}
		if p.closed {
			p.mu.Unlock()
			conn.Close()
			return nil, ErrPoolClosed
		}
		p.reserved[pc] = &reservation{conn: conn, depth: 1}
		p.updateMetricsLocked()
		p.mu.Unlock()
		metrics.AcquiresTotal.WithLabelValues("created").Inc()
		return conn, nil
	}

	// Pool is full; park in the FIFO queue.
	w := &poolWaiter{pc: pc, ch: make(chan acquired, 1)}
	p.pending = append(p.pending, w)
	p.updateMetricsLocked()
	p.mu.Unlock()

	select {
	case got := <-w.ch:
		metrics.QueueWaitDuration.Observe(timeNow().Sub(start).Seconds())
		if got.err != nil {
			metrics.AcquiresTotal.WithLabelValues("queue_error").Inc()
			return nil, got.err
		}
		metrics.AcquiresTotal.WithLabelValues("queued").Inc()
		return got.conn, nil

	case <-ctx.Done():
		p.removeWaiter(w)
		// The wake may have raced the cancellation; a delivered
		// connection must go back, it is already reserved to us.
		select {
		case got := <-w.ch:
			if got.err == nil {
				pc.Release()
			}
		default:
		}
		metrics.AcquiresTotal.WithLabelValues("cancelled").Inc()
		return nil, ctx.Err()
	}
}

// Release returns the caller's connection to the pool. Nested acquires
// only unwind their depth; the outermost release performs the actual
// return and wakes the longest-waiting caller.
func (pc *PoolCaller) Release() {
	p := pc.p
	p.mu.Lock()
	res, ok := p.reserved[pc]
	if !ok {
		p.mu.Unlock()
		log.Printf("[pool] WARNING: release without reservation")
		return
	}
	res.depth--
	if res.depth > 0 {
		p.mu.Unlock()
		return
	}
	delete(p.reserved, pc)
	p.handBackLocked(res.conn)
	p.updateMetricsLocked()
	p.mu.Unlock()
}

// handBackLocked routes a returning connection: a broken one is closed
// and never reused; otherwise the longest-waiting caller gets it, or it
// goes back on the idle list.
func (p *Pool) handBackLocked(conn *Conn) {
	if p.closed {
		conn.Close()
		return
	}
	if conn.State() != ConnStateOK {
		log.Printf("[pool] dropping %s connection instead of reusing it", conn.State())
		conn.Close()
		metrics.ConnectionsDropped.Inc()
		// Capacity freed; start a replacement for the queue head so a
		// parked caller is not stranded behind a shrunken pool.
		if len(p.pending) > 0 {
			p.growing++
			p.wg.Add(1)
			go p.growForWaiter()
		}
		return
	}

	if len(p.pending) > 0 {
		w := p.pending[0]
		p.pending = p.pending[1:]
		p.reserved[w.pc] = &reservation{conn: conn, depth: 1}
		w.ch <- acquired{conn: conn}
		return
	}
	p.available = append(p.available, conn)
}

// growForWaiter creates a replacement connection for a parked caller
// after a broken connection shrank the pool.
func (p *Pool) growForWaiter() {
	defer p.wg.Done()
	conn, err := p.factory(context.Background())

	p.mu.Lock()
	p.growing--
	if err != nil {
		log.Printf("[pool] replacement connection failed: %v", err)
		p.updateMetricsLocked()
		p.mu.Unlock()
		return
	}
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		return
	}
	if len(p.pending) > 0 {
		w := p.pending[0]
		p.pending = p.pending[1:]
		p.reserved[w.pc] = &reservation{conn: conn, depth: 1}
		w.ch <- acquired{conn: conn}
	} else {
		p.available = append(p.available, conn)
	}
	p.updateMetricsLocked()
	p.mu.Unlock()
}

// removeWaiter drops a parked caller from the queue, if still present.
func (p *Pool) removeWaiter(w *poolWaiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, q := range p.pending {
		if q == w {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			p.updateMetricsLocked()
			return
		}
	}
}

// Do acquires a connection, runs fn against it, and releases. An error
// of the pool's disconnect class replaces the reserved connection in
// place before re-raising, so a broken connection is never handed back.
func (pc *PoolCaller) Do(ctx context.Context, fn func(*Conn) error) error {
	conn, err := pc.Acquire(ctx)
	if err != nil {
		return err
	}
	err = fn(conn)
	if err != nil && pc.p.disconnected(err) {
		pc.p.replaceReserved(ctx, pc, conn)
	}
	pc.Release()
	return err
}

func (p *Pool) disconnected(err error) bool {
	p.mu.Lock()
	fn := p.isDisconnect
	p.mu.Unlock()
	return fn(err)
}

// replaceReserved swaps a caller's broken connection for a fresh one
// without giving up the reservation. If the factory fails, the broken
// connection stays reserved and is dropped on release.
func (p *Pool) replaceReserved(ctx context.Context, pc *PoolCaller, broken *Conn) {
	log.Printf("[pool] replacing broken connection")
	metrics.ConnectionsDropped.Inc()
	broken.Close()

	conn, err := p.factory(ctx)
	if err != nil {
		log.Printf("[pool] replacement connection failed: %v", err)
		return
	}

	p.mu.Lock()
	res, ok := p.reserved[pc]
	if !ok || res.conn != broken {
		p.mu.Unlock()
		conn.Close()
		return
	}
	res.conn = conn
	p.mu.Unlock()
}

// Transaction acquires a connection and runs fn inside a transaction.
// Only the outermost entry per connection issues BEGIN; the outcome is
// decided by both fn's error and the live transaction status, so a
// block that issued its own ROLLBACK is left alone.
func (pc *PoolCaller) Transaction(ctx context.Context, fn func(*Conn) error) error {
	conn, err := pc.Acquire(ctx)
	if err != nil {
		return err
	}

	depth := conn.enterTx()
	if depth == 1 {
		if _, err = conn.Query(ctx, "BEGIN"); err != nil {
			conn.exitTx()
			if pc.p.disconnected(err) {
				pc.p.replaceReserved(ctx, pc, conn)
			}
			pc.Release()
			return err
		}
	}

	err = fn(conn)

	if depth == 1 {
		switch status := conn.TransactionStatus(); {
		case err == nil && status == TxInTransaction:
			_, err = conn.Query(ctx, "COMMIT")
		case status.Open():
			// Failed block, or transaction left in error state.
			if _, rbErr := conn.Query(ctx, "ROLLBACK"); rbErr != nil && err == nil {
				err = rbErr
			}
		default:
			// The block itself already ended the transaction.
		}
	}
	conn.exitTx()

	if err != nil && pc.p.disconnected(err) {
		pc.p.replaceReserved(ctx, pc, conn)
	}
	pc.Release()
	return err
}

// Do runs fn on a one-off caller context.
func (p *Pool) Do(ctx context.Context, fn func(*Conn) error) error {
	return p.Caller().Do(ctx, fn)
}

// Transaction runs fn in a transaction on a one-off caller context.
func (p *Pool) Transaction(ctx context.Context, fn func(*Conn) error) error {
	return p.Caller().Transaction(ctx, fn)
}

// PoolStats is a snapshot of pool occupancy.
type PoolStats struct {
	Available int
	Reserved  int
	Pending   int
	MaxSize   int
}

// Stats returns current pool statistics.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Available: len(p.available),
		Reserved:  len(p.reserved),
		Pending:   len(p.pending),
		MaxSize:   p.cfg.MaxSize,
	}
}

// Close shuts the pool down, closing idle connections and failing
// parked callers. Reserved connections are closed as they come back.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	for _, w := range p.pending {
		w.ch <- acquired{err: ErrPoolClosed}
	}
	p.pending = nil

	idle := p.available
	p.available = nil
	p.updateMetricsLocked()
	p.mu.Unlock()

	for _, conn := range idle {
		conn.Close()
	}
	p.wg.Wait()
	log.Printf("[pool] closed")
	return nil
}

func (p *Pool) updateMetricsLocked() {
	metrics.ConnectionsActive.Set(float64(len(p.reserved)))
	metrics.ConnectionsIdle.Set(float64(len(p.available)))
	metrics.QueueLength.Set(float64(len(p.pending)))
}
