package duck

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orneryd/bifrost/pkg/encode"
	"github.com/orneryd/bifrost/pkg/pool"
	"github.com/orneryd/bifrost/pkg/query"
	"github.com/orneryd/bifrost/pkg/sanitize"
)

// Config holds engine settings.
type Config struct {
	// Databases maps database ids to DuckDB file paths (or ":memory:").
	Databases map[string]string
	// DefaultDatabase is used when a request names no database.
	DefaultDatabase string
	// PoolSize is the per-database connection pool capacity. In-memory
	// databases are clamped to one connection.
	PoolSize int
	// AcquireTimeout bounds waiting for a pooled connection.
	AcquireTimeout time.Duration
	// DefaultMaxRows caps result rows when a request sets no cap.
	// Zero means unlimited.
	DefaultMaxRows int
}

// Executor runs queries against configured DuckDB databases and returns
// serialized payloads. Databases are opened on first use.
type Executor struct {
	cfg Config
	log *zap.Logger

	mu  sync.Mutex
	dbs map[string]*database
}

// NewExecutor validates the configuration. No database is opened yet.
func NewExecutor(cfg Config, log *zap.Logger) (*Executor, error) {
	if len(cfg.Databases) == 0 {
		return nil, errors.New("duck: no databases configured")
	}
	if cfg.PoolSize <= 0 {
		return nil, fmt.Errorf("duck: pool size must be positive, got %d", cfg.PoolSize)
	}
	if cfg.DefaultDatabase != "" {
		if _, ok := cfg.Databases[cfg.DefaultDatabase]; !ok {
			return nil, fmt.Errorf("duck: default database %q is not configured", cfg.DefaultDatabase)
		}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		cfg: cfg,
		log: log,
		dbs: make(map[string]*database),
	}, nil
}

// Close shuts down every opened database.
func (e *Executor) Close() error {
	e.mu.Lock()
	dbs := e.dbs
	e.dbs = make(map[string]*database)
	e.mu.Unlock()

	var firstErr error
	for _, d := range dbs {
		if err := d.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// PoolStats returns per-database pool snapshots for the status surface.
// Only databases that have been used appear.
func (e *Executor) PoolStats() map[string]pool.Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]pool.Stats, len(e.dbs))
	for id, d := range e.dbs {
		out[id] = d.pool.Stats()
	}
	return out
}

// database resolves a request's database id to an open database.
func (e *Executor) database(id string) (*database, error) {
	if id == "" {
		id = e.cfg.DefaultDatabase
	}
	path, ok := e.cfg.Databases[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown database %q", query.ErrBadRequest, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if d, ok := e.dbs[id]; ok {
		return d, nil
	}
	d, err := openDatabase(id, path, e.cfg.PoolSize, e.cfg.AcquireTimeout)
	if err != nil {
		return nil, err
	}
	e.log.Info("database opened",
		zap.String("database", id),
		zap.String("path", path),
		zap.Int("poolSize", d.size))
	e.dbs[id] = d
	return d, nil
}

// Execute runs one request to a serialized payload. An invalidated-handle
// failure resets the database's pool and retries exactly once; every
// other failure is returned as-is.
func (e *Executor) Execute(ctx context.Context, req *query.Request) ([]byte, error) {
	d, err := e.database(req.Database)
	if err != nil {
		return nil, err
	}

	payload, err := e.run(ctx, d, req)
	if err != nil && invalidatedHandle(err) {
		e.log.Warn("database handle invalidated, resetting pool",
			zap.String("database", d.id),
			zap.Error(sanitize.WrapError(err)))
		d.reset(e.log)
		payload, err = e.run(ctx, d, req)
	}
	return payload, err
}

func (e *Executor) run(ctx context.Context, d *database, req *query.Request) ([]byte, error) {
	conn, err := d.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	dc := conn.(*duckConn)

	var execErr error
	defer func() {
		// A handle that saw an engine failure or a cancellation is
		// not trusted back into the pool.
		if execErr != nil && (invalidatedHandle(execErr) || ctx.Err() != nil) {
			d.pool.Discard(conn)
		} else {
			d.pool.Release(conn)
		}
	}()

	args := query.Args(req.Params)

	if req.Format == query.FormatExec {
		if _, err := dc.conn.ExecContext(ctx, req.SQL, args...); err != nil {
			execErr = classify(ctx, err)
			return nil, execErr
		}
		return nil, nil
	}

	rows, err := dc.conn.QueryContext(ctx, req.SQL, args...)
	if err != nil {
		execErr = classify(ctx, err)
		return nil, execErr
	}

	rs, err := scan(rows, e.maxRows(req))
	if err != nil {
		execErr = classify(ctx, err)
		return nil, execErr
	}

	return encode.ForFormat(rs, req.Format)
}

func (e *Executor) maxRows(req *query.Request) int {
	if req.MaxRows > 0 {
		return req.MaxRows
	}
	return e.cfg.DefaultMaxRows
}

// classify wraps driver errors with the pipeline's sentinels. Context
// cancellation wins over whatever the driver reported; invalidated-handle
// errors pass through unwrapped so the retry path can see them.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if invalidatedHandle(err) {
		return err
	}
	return fmt.Errorf("%w: %v", query.ErrQuery, err)
}

// scan materializes rows into a ResultSet, stopping at maxRows when the
// cap is positive.
func scan(rows *sql.Rows, maxRows int) (*query.ResultSet, error) {
	defer rows.Close()

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}

	cols := make([]query.Column, len(types))
	for i, ct := range types {
		cols[i] = query.Column{
			Name: ct.Name(),
			Type: columnType(ct.DatabaseTypeName()),
		}
	}

	rs := &query.ResultSet{Columns: cols}
	raw := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}

	for rows.Next() {
		if maxRows > 0 && len(rs.Rows) >= maxRows {
			break
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make([]any, len(cols))
		for i, v := range raw {
			row[i] = normalize(cols[i].Type, v)
		}
		rs.Rows = append(rs.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rs, nil
}
