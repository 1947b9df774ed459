// Package duck binds the gateway to embedded DuckDB. It owns the
// per-database connection pools, row scanning, and the one-shot recovery
// path for invalidated database handles.
package duck

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"
	"go.uber.org/zap"

	"github.com/orneryd/bifrost/pkg/pool"
)

// MemoryPath is the path of an in-memory database. In-memory databases
// are private to a connection, so their pool size is forced to one: a
// second connection would see a different, empty database.
const MemoryPath = ":memory:"

// database is one configured DuckDB instance with its pool.
type database struct {
	id   string
	path string
	size int

	mu    sync.Mutex
	sqldb *sql.DB

	pool *pool.Pool
}

// duckConn adapts *sql.Conn to the pool's Conn interface.
type duckConn struct {
	conn *sql.Conn
}

func (c *duckConn) Ping(ctx context.Context) error { return c.conn.PingContext(ctx) }
func (c *duckConn) Close() error                   { return c.conn.Close() }

// openDatabase opens the DuckDB file and builds its pool.
func openDatabase(id, path string, size int, acquireTimeout time.Duration) (*database, error) {
	if path == MemoryPath {
		size = 1
	}
	sqldb, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("duck: open %s: %w", path, err)
	}
	sqldb.SetMaxOpenConns(size)

	d := &database{id: id, path: path, size: size, sqldb: sqldb}
	p, err := pool.New(d, pool.Config{Size: size, AcquireTimeout: acquireTimeout})
	if err != nil {
		sqldb.Close()
		return nil, err
	}
	d.pool = p
	return d, nil
}

// Open implements pool.Engine.
func (d *database) Open(ctx context.Context) (pool.Conn, error) {
	d.mu.Lock()
	sqldb := d.sqldb
	d.mu.Unlock()

	conn, err := sqldb.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &duckConn{conn: conn}, nil
}

// reset reopens the underlying database and drops all idle pooled
// handles. Used after the engine invalidates existing handles, typically
// when the database file moved underneath the process.
func (d *database) reset(log *zap.Logger) {
	fresh, err := sql.Open("duckdb", d.path)
	if err != nil {
		log.Error("reopen after invalidation failed",
			zap.String("database", d.id),
			zap.Error(err))
		d.pool.Reset()
		return
	}
	fresh.SetMaxOpenConns(d.size)

	d.mu.Lock()
	old := d.sqldb
	d.sqldb = fresh
	d.mu.Unlock()

	old.Close()
	d.pool.Reset()
}

func (d *database) close() error {
	err := d.pool.Close()
	d.mu.Lock()
	sqldb := d.sqldb
	d.mu.Unlock()
	if cerr := sqldb.Close(); err == nil {
		err = cerr
	}
	return err
}

// invalidatedHandle reports whether an error means every open handle to
// the database is suspect, as opposed to a problem with one statement.
func invalidatedHandle(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "stale file handle") ||
		strings.Contains(msg, "database has been invalidated")
}
