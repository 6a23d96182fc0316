package pool

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxPool adapts *pgxpool.Pool to Pool for PostgreSQL targets.
type PgxPool struct {
	pool  *pgxpool.Pool
	cfg   Config
	slots *slots

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewPgxPool creates a pgx pool from an already-parsed pgxpool.Config and
// pings it so bad credentials surface on creation.
func NewPgxPool(ctx context.Context, pcfg *pgxpool.Config, cfg Config) (*PgxPool, error) {
	cfg = cfg.Normalize()
	pcfg.MaxConns = clampInt32(cfg.Max)
	pcfg.MinConns = clampInt32(cfg.Min)
	pcfg.MaxConnIdleTime = cfg.IdleTimeout

	pp, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pp.Ping(ctx); err != nil {
		pp.Close()
		return nil, err
	}
	return &PgxPool{pool: pp, cfg: cfg, slots: newSlots(cfg.Max, cfg.WaitMode)}, nil
}

func (p *PgxPool) Acquire(ctx context.Context) (Conn, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	if err := p.slots.take(ctx); err != nil {
		return nil, err
	}
	c, err := p.pool.Acquire(ctx)
	if err != nil {
		p.slots.give()
		if p.closed.Load() {
			return nil, ErrPoolClosed
		}
		return nil, err
	}
	return &pgxConn{conn: c, release: p.slots.give}, nil
}

func (p *PgxPool) Stats() Stats {
	st := p.pool.Stat()
	return Stats{
		Busy: int(st.AcquiredConns()),
		Open: int(st.TotalConns()),
		Min:  p.cfg.Min,
		Max:  p.cfg.Max,
	}
}

// Close waits for acquired connections to be released.
func (p *PgxPool) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.pool.Close()
	})
	return nil
}

type pgxConn struct {
	conn    *pgxpool.Conn
	release func()
	once    sync.Once
}

func (c *pgxConn) Query(ctx context.Context, query string) (Rows, error) {
	rows, err := c.conn.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	return &pgxRows{rows: rows}, nil
}

func (c *pgxConn) Release() {
	c.once.Do(func() {
		c.conn.Release()
		c.release()
	})
}

type pgxRows struct {
	rows pgx.Rows
	cols []string
}

func (r *pgxRows) Columns() []string {
	if r.cols == nil {
		fds := r.rows.FieldDescriptions()
		r.cols = make([]string, len(fds))
		for i, fd := range fds {
			r.cols[i] = fd.Name
		}
	}
	return r.cols
}

func (r *pgxRows) Next() bool {
	return r.rows.Next()
}

func (r *pgxRows) Values() ([]any, error) {
	return r.rows.Values()
}

func (r *pgxRows) Err() error {
	return r.rows.Err()
}

func (r *pgxRows) Close() error {
	r.rows.Close()
	return nil
}

func clampInt32(n int) int32 {
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	if n < 0 {
		return 0
	}
	return int32(n)
}
