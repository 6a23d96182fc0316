// Package gateway executes statements against pooled database connections
// and turns driver values and failures into the sidecar's wire shapes.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/posthog/dbsidecar/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMaxRows caps result sets when the caller does not choose a limit.
const DefaultMaxRows = 1000

// QueryRequest is one statement to run. MaxRows <= 0 fetches every row.
type QueryRequest struct {
	Connection pool.Target
	SQL        string
	MaxRows    int
}

// QueryResult is a positional result set.
type QueryResult struct {
	Columns         []string `json:"columns"`
	Rows            [][]any  `json:"rows"`
	RowCount        int      `json:"row_count"`
	ExecutionTimeMs float64  `json:"execution_time_ms"`
}

// DictResult is a result set with each row keyed by column name.
type DictResult struct {
	Columns         []string         `json:"columns"`
	Rows            []map[string]any `json:"rows"`
	RowCount        int              `json:"row_count"`
	ExecutionTimeMs float64          `json:"execution_time_ms"`
}

// PoolSource hands out leases on identity-keyed pools.
type PoolSource interface {
	GetOrCreate(ctx context.Context, id pool.Identity, open pool.Opener) (*pool.Lease, error)
}

// Config tunes a Gateway.
type Config struct {
	// QueryTimeout bounds each statement. Zero means no bound.
	QueryTimeout time.Duration
	// Pool sizes pools created on behalf of requests.
	Pool pool.Config
	// Open creates a pool for a target. Defaults to pool.Open.
	Open pool.OpenFunc
	// TracerProvider creates the gateway's spans. Defaults to the global
	// provider.
	TracerProvider trace.TracerProvider
}

// Gateway runs statements on the worker pool against registry pools.
type Gateway struct {
	pools        PoolSource
	workers      *WorkerPool
	open         pool.OpenFunc
	poolCfg      pool.Config
	queryTimeout time.Duration
	tracer       trace.Tracer
}

// New creates a gateway over pools, executing on workers.
func New(pools PoolSource, workers *WorkerPool, cfg Config) *Gateway {
	open := cfg.Open
	if open == nil {
		open = pool.Open
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Gateway{
		pools:        pools,
		workers:      workers,
		open:         open,
		poolCfg:      cfg.Pool.Normalize(),
		queryTimeout: cfg.QueryTimeout,
		tracer:       tp.Tracer("github.com/posthog/dbsidecar/gateway"),
	}
}

// fetched is an executed statement before it is shaped for the caller.
type fetched struct {
	columns []string
	rows    [][]any
	elapsed time.Duration
}

func (f *fetched) elapsedMs() float64 {
	ms := float64(f.elapsed) / float64(time.Millisecond)
	return math.Round(ms*100) / 100
}

// Execute runs req.SQL and returns at most req.MaxRows rows. Every non-nil
// error is a *ClassifiedError.
func (g *Gateway) Execute(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	f, err := g.query(ctx, endpointQuery, "gateway.Execute", req)
	if err != nil {
		return nil, err
	}
	return &QueryResult{
		Columns:         f.columns,
		Rows:            f.rows,
		RowCount:        len(f.rows),
		ExecutionTimeMs: f.elapsedMs(),
	}, nil
}

// ExecuteDict is Execute with rows rendered as column-keyed maps.
func (g *Gateway) ExecuteDict(ctx context.Context, req QueryRequest) (*DictResult, error) {
	f, err := g.query(ctx, endpointQueryDict, "gateway.ExecuteDict", req)
	if err != nil {
		return nil, err
	}
	rows := make([]map[string]any, len(f.rows))
	for i, r := range f.rows {
		m := make(map[string]any, len(f.columns))
		for j, col := range f.columns {
			m[col] = r[j]
		}
		rows[i] = m
	}
	return &DictResult{
		Columns:         f.columns,
		Rows:            rows,
		RowCount:        len(rows),
		ExecutionTimeMs: f.elapsedMs(),
	}, nil
}

// Test opens (or reuses) the pool for t and runs the driver's probe
// statement on one connection.
func (g *Gateway) Test(ctx context.Context, t pool.Target) error {
	observeQuery(endpointTest)
	drv := t.DriverName()
	ctx, span := g.startSpan(ctx, "gateway.Test", t)
	defer span.End()

	err := g.workers.Do(ctx, func(taskCtx context.Context) error {
		return g.withConn(ctx, taskCtx, t, func(qctx context.Context, conn pool.Conn) error {
			_, _, err := collect(qctx, conn, pool.ProbeStatement(drv), 0)
			return err
		})
	})
	if err != nil {
		return g.fail(span, t, err)
	}
	slog.Debug("Connection test succeeded.", "key", t.Identity())
	return nil
}

func (g *Gateway) query(ctx context.Context, endpoint, spanName string, req QueryRequest) (*fetched, error) {
	observeQuery(endpoint)
	ctx, span := g.startSpan(ctx, spanName, req.Connection)
	defer span.End()

	var out *fetched
	err := g.workers.Do(ctx, func(taskCtx context.Context) error {
		return g.withConn(ctx, taskCtx, req.Connection, func(qctx context.Context, conn pool.Conn) error {
			start := time.Now()
			cols, rows, err := collect(qctx, conn, req.SQL, req.MaxRows)
			if err != nil {
				return err
			}
			elapsed := time.Since(start)
			observeQueryDuration(elapsed)
			out = &fetched{columns: cols, rows: rows, elapsed: elapsed}
			return nil
		})
	})
	if err != nil {
		return nil, g.fail(span, req.Connection, err)
	}
	span.SetAttributes(attribute.Int("db.response.returned_rows", len(out.rows)))
	return out, nil
}

// withConn leases the target's pool, checks out one connection and runs fn
// with it. Pool creation runs on taskCtx so that one caller leaving does not
// fail the creation other callers are waiting on; checkout honours reqCtx
// so a caller that has already gone does not take a connection. Driver
// failures come back classified.
func (g *Gateway) withConn(reqCtx, taskCtx context.Context, t pool.Target, fn func(context.Context, pool.Conn) error) error {
	drv := t.DriverName()
	waitStart := time.Now()

	lease, err := g.pools.GetOrCreate(taskCtx, t.Identity(), func(ctx context.Context) (pool.Pool, error) {
		return g.open(ctx, t, g.poolCfg)
	})
	if err != nil {
		if errors.Is(err, pool.ErrRegistryClosed) {
			return err
		}
		return Classify(drv, err)
	}
	defer lease.Release()

	conn, err := lease.Acquire(reqCtx)
	observeAcquireWait(time.Since(waitStart))
	if err != nil {
		if reqCtx.Err() != nil || errors.Is(err, pool.ErrPoolClosed) {
			return err
		}
		return Classify(drv, err)
	}
	defer conn.Release()

	qctx := taskCtx
	if g.queryTimeout > 0 {
		var cancel context.CancelFunc
		qctx, cancel = context.WithTimeout(taskCtx, g.queryTimeout)
		defer cancel()
	}
	if err := fn(qctx, conn); err != nil {
		return Classify(drv, err)
	}
	return nil
}

// collect runs query on conn and normalizes up to maxRows rows (all rows
// when maxRows <= 0).
func collect(ctx context.Context, conn pool.Conn, query string, maxRows int) ([]string, [][]any, error) {
	rows, err := conn.Query(ctx, query)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = rows.Close() }()

	cols := rows.Columns()
	if cols == nil {
		cols = []string{}
	}
	out := make([][]any, 0)
	for (maxRows <= 0 || len(out) < maxRows) && rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, nil, err
		}
		row := make([]any, len(cols))
		for i := range row {
			if i < len(vals) {
				row[i] = Normalize(vals[i])
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return cols, out, nil
}

func (g *Gateway) startSpan(ctx context.Context, name string, t pool.Target) (context.Context, trace.Span) {
	return g.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system.name", t.DriverName()),
		attribute.String("dbsidecar.pool_key", string(t.Identity())),
	))
}

// fail converts err into the *ClassifiedError returned to callers. Errors
// that never reached a driver are internal and logged in full.
func (g *Gateway) fail(span trace.Span, t pool.Target, err error) *ClassifiedError {
	var ce *ClassifiedError
	if !errors.As(err, &ce) {
		ce = Internal(err)
	}
	if ce.IsInternal() {
		slog.Error("Gateway operation failed.", "key", t.Identity(), "error", err)
	} else {
		slog.Debug("Statement failed.", "key", t.Identity(), "code", ce.Code, "category", ce.Category, "error", ce)
	}
	span.RecordError(ce)
	span.SetStatus(codes.Error, ce.Error())
	observeQueryError(ce)
	return ce
}
