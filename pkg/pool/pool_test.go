package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn implements Conn with controllable ping behavior.
type fakeConn struct {
	pingErr error
	closed  atomic.Bool
}

func (c *fakeConn) Ping(ctx context.Context) error { return c.pingErr }
func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

// fakeEngine counts opens and can fail them.
type fakeEngine struct {
	mu      sync.Mutex
	opened  []*fakeConn
	openErr error
}

func (e *fakeEngine) Open(ctx context.Context) (Conn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.openErr != nil {
		return nil, e.openErr
	}
	c := &fakeConn{}
	e.opened = append(e.opened, c)
	return c, nil
}

func (e *fakeEngine) openCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.opened)
}

func TestNew(t *testing.T) {
	t.Run("rejects non-positive size", func(t *testing.T) {
		_, err := New(&fakeEngine{}, Config{Size: 0})
		assert.Error(t, err)
	})

	t.Run("rejects nil engine", func(t *testing.T) {
		_, err := New(nil, Config{Size: 1})
		assert.Error(t, err)
	})
}

func TestPool_AcquireRelease(t *testing.T) {
	t.Run("opens lazily and reuses released handles", func(t *testing.T) {
		eng := &fakeEngine{}
		p, err := New(eng, Config{Size: 4})
		require.NoError(t, err)

		c1, err := p.Acquire(context.Background())
		require.NoError(t, err)
		p.Release(c1)

		c2, err := p.Acquire(context.Background())
		require.NoError(t, err)
		p.Release(c2)

		assert.Same(t, c1, c2, "released handle should be reused")
		assert.Equal(t, 1, eng.openCount())
	})

	t.Run("never exceeds capacity", func(t *testing.T) {
		eng := &fakeEngine{}
		p, err := New(eng, Config{Size: 2})
		require.NoError(t, err)

		c1, err := p.Acquire(context.Background())
		require.NoError(t, err)
		c2, err := p.Acquire(context.Background())
		require.NoError(t, err)

		// Third acquire must block until a release.
		done := make(chan Conn, 1)
		go func() {
			c, err := p.Acquire(context.Background())
			if err == nil {
				done <- c
			}
		}()

		select {
		case <-done:
			t.Fatal("acquire succeeded beyond capacity")
		case <-time.After(50 * time.Millisecond):
		}

		p.Release(c1)

		select {
		case c3 := <-done:
			p.Release(c3)
		case <-time.After(time.Second):
			t.Fatal("blocked acquire never completed after release")
		}

		p.Release(c2)
		assert.Equal(t, 2, eng.openCount())
	})

	t.Run("propagates open failure and frees the slot", func(t *testing.T) {
		eng := &fakeEngine{openErr: errors.New("disk full")}
		p, err := New(eng, Config{Size: 1})
		require.NoError(t, err)

		_, err = p.Acquire(context.Background())
		assert.ErrorContains(t, err, "disk full")

		// The slot must not leak: a later acquire can still try.
		eng.mu.Lock()
		eng.openErr = nil
		eng.mu.Unlock()

		c, err := p.Acquire(context.Background())
		require.NoError(t, err)
		p.Release(c)
	})
}

func TestPool_AcquireTimeout(t *testing.T) {
	eng := &fakeEngine{}
	p, err := New(eng, Config{Size: 1, AcquireTimeout: 30 * time.Millisecond})
	require.NoError(t, err)

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolTimeout)
	assert.Equal(t, uint64(1), p.Stats().Timeouts)

	p.Release(c)
}

func TestPool_AcquireContextCancel(t *testing.T) {
	eng := &fakeEngine{}
	p, err := New(eng, Config{Size: 1})
	require.NoError(t, err)

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(c)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPool_ValidationDiscardsBrokenIdle(t *testing.T) {
	eng := &fakeEngine{}
	p, err := New(eng, Config{Size: 2})
	require.NoError(t, err)

	c1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(c1)

	// Break the idle handle; the next acquire must replace it.
	eng.opened[0].pingErr = errors.New("stale file handle")

	c2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, c1, c2)
	assert.True(t, eng.opened[0].closed.Load(), "broken handle should be closed")
	assert.Equal(t, uint64(1), p.Stats().Discards)

	p.Release(c2)
}

func TestPool_Discard(t *testing.T) {
	eng := &fakeEngine{}
	p, err := New(eng, Config{Size: 1})
	require.NoError(t, err)

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Discard(c)

	// The slot is free again and a fresh handle is opened.
	c2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, c, c2)
	assert.Equal(t, 2, eng.openCount())
	p.Release(c2)
}

func TestPool_Reset(t *testing.T) {
	eng := &fakeEngine{}
	p, err := New(eng, Config{Size: 3})
	require.NoError(t, err)

	c1, _ := p.Acquire(context.Background())
	c2, _ := p.Acquire(context.Background())
	p.Release(c1)

	p.Reset()

	// Idle handle closed, in-use handle untouched.
	assert.True(t, eng.opened[0].closed.Load())
	assert.False(t, eng.opened[1].closed.Load())

	c3, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, c1, c3)

	p.Release(c2)
	p.Release(c3)
}

func TestPool_Close(t *testing.T) {
	eng := &fakeEngine{}
	p, err := New(eng, Config{Size: 2})
	require.NoError(t, err)

	c1, _ := p.Acquire(context.Background())
	c2, _ := p.Acquire(context.Background())
	p.Release(c1)

	require.NoError(t, p.Close())

	// Idle handle is closed immediately, in-use on release.
	assert.True(t, eng.opened[0].closed.Load())
	assert.False(t, eng.opened[1].closed.Load())

	p.Release(c2)
	assert.True(t, eng.opened[1].closed.Load())

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPool_Stats(t *testing.T) {
	eng := &fakeEngine{}
	p, err := New(eng, Config{Size: 3})
	require.NoError(t, err)

	c1, _ := p.Acquire(context.Background())
	c2, _ := p.Acquire(context.Background())
	p.Release(c2)

	s := p.Stats()
	assert.Equal(t, 3, s.Size)
	assert.Equal(t, 2, s.Open)
	assert.Equal(t, 1, s.InUse)
	assert.Equal(t, 1, s.Idle)
	assert.Equal(t, uint64(2), s.Acquires)

	p.Release(c1)
}

func TestPool_ConcurrentUse(t *testing.T) {
	eng := &fakeEngine{}
	p, err := New(eng, Config{Size: 4})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				c, err := p.Acquire(context.Background())
				if err != nil {
					t.Error(err)
					return
				}
				p.Release(c)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, eng.openCount(), 4, "opened more handles than capacity")
	s := p.Stats()
	assert.Equal(t, 0, s.InUse)
	assert.Equal(t, uint64(32*25), s.Acquires)
}
