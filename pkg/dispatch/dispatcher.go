// Package dispatch sits between the protocol adapters and the execution
// engine. It answers repeated queries from the result cache and coalesces
// concurrent identical misses so that any number of equivalent requests
// costs exactly one engine execution.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/orneryd/bifrost/pkg/cache"
	"github.com/orneryd/bifrost/pkg/metrics"
	"github.com/orneryd/bifrost/pkg/pool"
	"github.com/orneryd/bifrost/pkg/query"
	"github.com/orneryd/bifrost/pkg/sanitize"
)

// Executor runs one query against the engine and returns the fully
// serialized payload for the request's format. The duck package provides
// the real implementation.
type Executor interface {
	Execute(ctx context.Context, req *query.Request) ([]byte, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req *query.Request) ([]byte, error)

func (f ExecutorFunc) Execute(ctx context.Context, req *query.Request) ([]byte, error) {
	return f(ctx, req)
}

// Config holds dispatcher settings.
type Config struct {
	// Workers bounds how many executions run concurrently across all
	// databases. Submissions beyond the bound block.
	Workers int
}

// flight is one in-progress execution that waiters attach to.
type flight struct {
	done    chan struct{}
	payload []byte
	err     error
}

// Dispatcher coalesces and caches query executions.
//
// For a cacheable request the order of checks is: invalidate hint, cache
// lookup, in-flight lookup, then execution. The in-flight map guarantees
// that between the first miss for a key and its completion, every further
// request for the same key waits on the first instead of executing.
//
// An execution owner runs detached from the request context that started
// it: a client disconnect abandons the wait but never the work, since
// other waiters may be attached and the finished result warms the cache.
// Explicit cancellation through the registry is the only way to abort.
type Dispatcher struct {
	exec     Executor
	cache    *cache.ResultCache
	registry *Registry
	workers  *ants.Pool
	log      *zap.Logger
	metrics  *metrics.Collector

	mu       sync.Mutex
	inflight map[query.Key]*flight

	lastEvictions uint64
}

// New creates a dispatcher. The cache may be nil for a cacheless gateway;
// coalescing still applies.
func New(exec Executor, rc *cache.ResultCache, reg *Registry, mc *metrics.Collector, log *zap.Logger, cfg Config) (*Dispatcher, error) {
	if exec == nil {
		return nil, errors.New("dispatch: nil executor")
	}
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("dispatch: workers must be positive, got %d", cfg.Workers)
	}
	if reg == nil {
		reg = NewRegistry()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if mc == nil {
		mc = metrics.NewCollector("bifrost")
	}
	workers, err := ants.NewPool(cfg.Workers)
	if err != nil {
		return nil, fmt.Errorf("dispatch: worker pool: %w", err)
	}
	return &Dispatcher{
		exec:     exec,
		cache:    rc,
		registry: reg,
		workers:  workers,
		log:      log,
		metrics:  mc,
		inflight: make(map[query.Key]*flight),
	}, nil
}

// Registry exposes the running-query registry for the admin surface.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Close stops the worker pool. In-flight executions finish first.
func (d *Dispatcher) Close() {
	d.workers.Release()
}

// Do resolves a request to its serialized payload.
//
// Exec requests bypass the cache and coalescing entirely and are bound to
// the caller's context. Cacheable requests follow the hit/coalesce/execute
// path; if ctx ends while waiting, Do returns the context error but the
// execution keeps running for the remaining waiters and the cache.
func (d *Dispatcher) Do(ctx context.Context, req *query.Request) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if req.Format == query.FormatExec {
		f := d.launch(ctx, req, nil)
		select {
		case <-f.done:
			return f.payload, f.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	key := query.KeyOf(req)

	if d.cache != nil && req.Invalidate {
		d.cache.Invalidate(key)
	}

	if d.cache != nil && req.Persist {
		if payload, ok := d.cache.Get(key); ok {
			d.metrics.CacheHits.Inc()
			return payload, nil
		}
		d.metrics.CacheMisses.Inc()
	}

	d.mu.Lock()
	if f, ok := d.inflight[key]; ok {
		d.mu.Unlock()
		d.metrics.CoalescedWaiters.Inc()
		defer d.metrics.CoalescedWaiters.Dec()
		select {
		case <-f.done:
			return f.payload, f.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f := &flight{done: make(chan struct{})}
	d.inflight[key] = f
	d.mu.Unlock()

	d.launch(ctx, req, &key)

	select {
	case <-f.done:
		return f.payload, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// launch starts an execution on the worker pool. For cacheable requests
// (key != nil) the flight registered under key is completed and the
// execution runs detached from the caller's context; for exec requests a
// private flight bound to ctx is returned.
func (d *Dispatcher) launch(ctx context.Context, req *query.Request, key *query.Key) *flight {
	var f *flight
	var execCtx context.Context
	var cancel context.CancelFunc

	if key != nil {
		d.mu.Lock()
		f = d.inflight[*key]
		d.mu.Unlock()
		execCtx, cancel = context.WithCancel(context.Background())
	} else {
		f = &flight{done: make(chan struct{})}
		execCtx, cancel = context.WithCancel(ctx)
	}

	id := d.registry.Add(req.Database, req.SQL, cancel)

	run := func() {
		defer cancel()
		start := time.Now()
		d.metrics.RunningQueries.Inc()
		payload, err := d.exec.Execute(execCtx, req)
		d.metrics.RunningQueries.Dec()
		d.registry.Remove(id)

		if err != nil && execCtx.Err() == context.Canceled {
			err = fmt.Errorf("%w: %v", query.ErrCancelled, err)
		}
		if errors.Is(err, pool.ErrPoolTimeout) {
			d.metrics.PoolTimeouts.WithLabelValues(req.Database).Inc()
		}

		elapsed := time.Since(start)
		status := "ok"
		if err != nil {
			status = "error"
		}
		d.metrics.QueriesExecuted.WithLabelValues(req.Database, req.Format.String(), status).Inc()
		d.metrics.QueryDuration.WithLabelValues(req.Database, req.Format.String()).Observe(elapsed.Seconds())

		if err != nil {
			d.log.Warn("query failed",
				zap.String("id", id),
				zap.String("database", req.Database),
				zap.String("format", req.Format.String()),
				zap.Duration("elapsed", elapsed),
				zap.Error(sanitize.WrapError(err)))
		} else {
			d.log.Debug("query executed",
				zap.String("id", id),
				zap.String("database", req.Database),
				zap.String("format", req.Format.String()),
				zap.Int("bytes", len(payload)),
				zap.Duration("elapsed", elapsed))
		}

		if key != nil {
			// Only successes are cached. Storing before dropping the
			// flight keeps the window where a fresh request would
			// re-execute closed.
			if err == nil && req.Persist && d.cache != nil {
				d.cache.Put(*key, payload)
				d.publishCacheMetrics()
			}
			d.mu.Lock()
			delete(d.inflight, *key)
			d.mu.Unlock()
		}

		f.payload, f.err = payload, err
		close(f.done)
	}

	if err := d.workers.Submit(run); err != nil {
		cancel()
		d.registry.Remove(id)
		if key != nil {
			d.mu.Lock()
			delete(d.inflight, *key)
			d.mu.Unlock()
		}
		f.err = fmt.Errorf("dispatch: submit: %w", err)
		close(f.done)
	}
	return f
}

// publishCacheMetrics mirrors the cache's internal counters into the
// Prometheus collector.
func (d *Dispatcher) publishCacheMetrics() {
	stats := d.cache.Stats()
	d.metrics.CacheBytes.Set(float64(stats.Bytes))

	d.mu.Lock()
	if stats.Evictions > d.lastEvictions {
		d.metrics.CacheEvictions.Add(float64(stats.Evictions - d.lastEvictions))
		d.lastEvictions = stats.Evictions
	}
	d.mu.Unlock()
}
