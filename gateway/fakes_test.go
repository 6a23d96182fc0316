package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/posthog/dbsidecar/pool"
)

// fakePool serves canned results. query, when set, replaces the default
// behaviour of returning cols/rows for any statement.
type fakePool struct {
	cols        []string
	rows        [][]any
	query       func(ctx context.Context, sql string) (pool.Rows, error)
	acquireWait time.Duration

	mu        sync.Mutex
	statement []string
	busy      atomic.Int32
	closed    atomic.Bool
}

func (p *fakePool) Acquire(ctx context.Context) (pool.Conn, error) {
	if p.closed.Load() {
		return nil, pool.ErrPoolClosed
	}
	if p.acquireWait > 0 {
		select {
		case <-time.After(p.acquireWait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p.busy.Add(1)
	return &fakeConn{p: p}, nil
}

func (p *fakePool) Stats() pool.Stats {
	return pool.Stats{Busy: int(p.busy.Load()), Open: 1, Min: 1, Max: 5}
}

func (p *fakePool) Close() error {
	p.closed.Store(true)
	return nil
}

func (p *fakePool) statements() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.statement...)
}

type fakeConn struct {
	p    *fakePool
	once sync.Once
}

func (c *fakeConn) Query(ctx context.Context, sql string) (pool.Rows, error) {
	c.p.mu.Lock()
	c.p.statement = append(c.p.statement, sql)
	c.p.mu.Unlock()
	if c.p.query != nil {
		return c.p.query(ctx, sql)
	}
	return &fakeRows{cols: c.p.cols, rows: c.p.rows, pos: -1}, nil
}

func (c *fakeConn) Release() {
	c.once.Do(func() { c.p.busy.Add(-1) })
}

type fakeRows struct {
	cols []string
	rows [][]any
	pos  int
	err  error
}

func (r *fakeRows) Columns() []string { return r.cols }

func (r *fakeRows) Next() bool {
	if r.pos+1 >= len(r.rows) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Values() ([]any, error) { return r.rows[r.pos], nil }

func (r *fakeRows) Err() error { return r.err }

func (r *fakeRows) Close() error { return nil }

// fakeOpener returns an OpenFunc that hands out p (or fails with err) and
// counts calls.
type fakeOpener struct {
	p     *fakePool
	err   error
	calls atomic.Int32
}

func (o *fakeOpener) open(_ context.Context, _ pool.Target, _ pool.Config) (pool.Pool, error) {
	o.calls.Add(1)
	if o.err != nil {
		return nil, o.err
	}
	return o.p, nil
}

func fiveRows() [][]any {
	rows := make([][]any, 5)
	for i := range rows {
		rows[i] = []any{int32(i), []byte("row")}
	}
	return rows
}
