package pool

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
)

// SQLPool adapts a *sql.DB to Pool. It serves every database/sql driver the
// sidecar registers (Oracle, lib/pq, MySQL, DuckDB, SQLite).
type SQLPool struct {
	db    *sql.DB
	cfg   Config
	slots *slots

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewSQLPool sizes db per cfg and opens cfg.Min connections to verify the
// target and credentials. On failure db is closed.
func NewSQLPool(ctx context.Context, db *sql.DB, cfg Config) (*SQLPool, error) {
	cfg = cfg.Normalize()
	db.SetMaxOpenConns(cfg.Max)
	db.SetMaxIdleConns(cfg.Max)
	db.SetConnMaxIdleTime(cfg.IdleTimeout)

	p := &SQLPool{db: db, cfg: cfg, slots: newSlots(cfg.Max, cfg.WaitMode)}
	if err := p.warm(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

// warm opens Min connections (at least one, so bad credentials surface on
// creation) and returns them to the idle set.
func (p *SQLPool) warm(ctx context.Context) error {
	n := p.cfg.Min
	if n < 1 {
		n = 1
	}
	conns := make([]*sql.Conn, 0, n)
	defer func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}()
	for i := 0; i < n; i++ {
		c, err := p.db.Conn(ctx)
		if err != nil {
			return err
		}
		conns = append(conns, c)
		if err := c.PingContext(ctx); err != nil {
			return err
		}
	}
	return nil
}

// DB returns the underlying *sql.DB.
func (p *SQLPool) DB() *sql.DB {
	return p.db
}

func (p *SQLPool) Acquire(ctx context.Context) (Conn, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	if err := p.slots.take(ctx); err != nil {
		return nil, err
	}
	c, err := p.db.Conn(ctx)
	if err != nil {
		p.slots.give()
		if p.closed.Load() {
			return nil, ErrPoolClosed
		}
		return nil, err
	}
	return &sqlConn{conn: c, release: p.slots.give}, nil
}

func (p *SQLPool) Stats() Stats {
	return Stats{
		Busy: p.slots.busy(),
		Open: p.db.Stats().OpenConnections,
		Min:  p.cfg.Min,
		Max:  p.cfg.Max,
	}
}

func (p *SQLPool) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		if err := p.db.Close(); err != nil {
			p.closeErr = fmt.Errorf("close database: %w", err)
		}
	})
	return p.closeErr
}

type sqlConn struct {
	conn    *sql.Conn
	release func()
	once    sync.Once
}

func (c *sqlConn) Query(ctx context.Context, query string) (Rows, error) {
	rows, err := c.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	cols, err := rows.Columns()
	if err != nil {
		_ = rows.Close()
		return nil, err
	}
	return &sqlRows{rows: rows, cols: cols}, nil
}

func (c *sqlConn) Release() {
	c.once.Do(func() {
		_ = c.conn.Close()
		c.release()
	})
}

// sqlRows wraps *sql.Rows, scanning each row into fresh interface values.
type sqlRows struct {
	rows *sql.Rows
	cols []string
}

func (r *sqlRows) Columns() []string {
	return r.cols
}

func (r *sqlRows) Next() bool {
	return r.rows.Next()
}

func (r *sqlRows) Values() ([]any, error) {
	vals := make([]any, len(r.cols))
	dest := make([]any, len(r.cols))
	for i := range vals {
		dest[i] = &vals[i]
	}
	if err := r.rows.Scan(dest...); err != nil {
		return nil, err
	}
	return vals, nil
}

func (r *sqlRows) Err() error {
	return r.rows.Err()
}

func (r *sqlRows) Close() error {
	return r.rows.Close()
}
