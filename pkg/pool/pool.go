// Package pool provides the bounded connection pool sitting between the
// dispatcher and the database engine.
//
// The engine is embedded and single-process, so "connections" are really
// concurrency slots against the same database. The pool bounds how many
// statements run at once, validates idle handles before reuse, and
// replaces handles the engine has invalidated.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Engine opens raw connection handles. The duck package provides the real
// implementation; tests substitute fakes.
type Engine interface {
	// Open establishes a new handle. Called lazily as demand grows.
	Open(ctx context.Context) (Conn, error)
}

// Conn is one pooled handle to the engine.
type Conn interface {
	// Ping verifies the handle is still usable. Called before an idle
	// handle is handed out.
	Ping(ctx context.Context) error
	// Close releases the handle's resources.
	Close() error
}

// Errors returned by Acquire.
var (
	// ErrPoolTimeout means no handle became available within the
	// acquire timeout. Surfaced to clients as a retryable condition.
	ErrPoolTimeout = errors.New("pool: acquire timed out")

	// ErrPoolClosed means the pool has been shut down.
	ErrPoolClosed = errors.New("pool: closed")
)

// Config holds pool settings.
type Config struct {
	// Size is the maximum number of concurrently open handles.
	Size int
	// AcquireTimeout bounds how long Acquire waits for a free handle.
	// Zero means wait as long as the caller's context allows.
	AcquireTimeout time.Duration
}

// Stats is a point-in-time snapshot of pool state.
type Stats struct {
	Size     int    `json:"size"`
	Open     int    `json:"open"`
	InUse    int    `json:"inUse"`
	Idle     int    `json:"idle"`
	Waiters  int    `json:"waiters"`
	Acquires uint64 `json:"acquires"`
	Timeouts uint64 `json:"timeouts"`
	Discards uint64 `json:"discards"`
	Resets   uint64 `json:"resets"`
}

// Pool is a fixed-capacity connection pool. Handles are opened lazily up
// to Config.Size and kept for reuse; a handle that fails validation is
// discarded and its slot freed for a replacement.
type Pool struct {
	engine  Engine
	size    int
	timeout time.Duration

	mu     sync.Mutex
	idle   []Conn
	open   int // handles currently open (idle + in use)
	closed bool

	// slots limits total open handles; each token held represents the
	// right to one open handle.
	slots chan struct{}

	waiters  atomic.Int64
	acquires atomic.Uint64
	timeouts atomic.Uint64
	discards atomic.Uint64
	resets   atomic.Uint64
}

// New creates a pool over the engine. Size must be positive.
func New(engine Engine, cfg Config) (*Pool, error) {
	if engine == nil {
		return nil, errors.New("pool: nil engine")
	}
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("pool: size must be positive, got %d", cfg.Size)
	}
	return &Pool{
		engine:  engine,
		size:    cfg.Size,
		timeout: cfg.AcquireTimeout,
		idle:    make([]Conn, 0, cfg.Size),
		slots:   make(chan struct{}, cfg.Size),
	}, nil
}

// Acquire returns a validated handle, waiting for a free slot if the pool
// is saturated. The wait is bounded by the configured acquire timeout and
// by ctx. Every successful Acquire must be paired with Release or Discard.
func (p *Pool) Acquire(ctx context.Context) (Conn, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	p.waiters.Add(1)
	defer p.waiters.Add(-1)

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			p.timeouts.Add(1)
			return nil, ErrPoolTimeout
		}
		return nil, ctx.Err()
	}

	conn, err := p.takeOrOpen(ctx)
	if err != nil {
		<-p.slots
		return nil, err
	}
	p.acquires.Add(1)
	return conn, nil
}

// takeOrOpen pops an idle handle (validating it) or opens a fresh one.
// The caller holds a slot token.
func (p *Pool) takeOrOpen(ctx context.Context) (Conn, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if n := len(p.idle); n > 0 {
			conn := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.mu.Unlock()

			if err := conn.Ping(ctx); err != nil {
				p.dropConn(conn)
				continue
			}
			return conn, nil
		}
		p.open++
		p.mu.Unlock()

		conn, err := p.engine.Open(ctx)
		if err != nil {
			p.mu.Lock()
			p.open--
			p.mu.Unlock()
			return nil, fmt.Errorf("pool: open connection: %w", err)
		}
		return conn, nil
	}
}

// Release returns a healthy handle to the pool.
func (p *Pool) Release(conn Conn) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.open--
		p.mu.Unlock()
		conn.Close()
		<-p.slots
		return
	}
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
	<-p.slots
}

// Discard closes a handle the caller knows to be broken and frees its
// slot. The next Acquire opens a replacement.
func (p *Pool) Discard(conn Conn) {
	if conn == nil {
		return
	}
	p.dropConn(conn)
	<-p.slots
}

// dropConn closes a handle and decrements the open count without touching
// the slot token.
func (p *Pool) dropConn(conn Conn) {
	conn.Close()
	p.discards.Add(1)
	p.mu.Lock()
	p.open--
	p.mu.Unlock()
}

// Reset closes all idle handles. Handles currently in use are unaffected;
// they are discarded or released by their holders. Used after the engine
// reports an invalidated-handle condition, where every existing handle is
// suspect.
func (p *Pool) Reset() {
	p.mu.Lock()
	idle := p.idle
	p.idle = make([]Conn, 0, p.size)
	p.open -= len(idle)
	p.mu.Unlock()

	for _, conn := range idle {
		conn.Close()
	}
	p.resets.Add(1)
}

// Close shuts the pool down. Idle handles are closed immediately; in-use
// handles are closed as they are released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.open -= len(idle)
	p.mu.Unlock()

	var firstErr error
	for _, conn := range idle {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Size returns the configured capacity.
func (p *Pool) Size() int { return p.size }

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	open := p.open
	idle := len(p.idle)
	p.mu.Unlock()

	return Stats{
		Size:     p.size,
		Open:     open,
		InUse:    open - idle,
		Idle:     idle,
		Waiters:  int(p.waiters.Load()),
		Acquires: p.acquires.Load(),
		Timeouts: p.timeouts.Load(),
		Discards: p.discards.Load(),
		Resets:   p.resets.Load(),
	}
}
