package pool

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"sort"
	"strings"

	duckdb "github.com/duckdb/duckdb-go/v2"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	go_ora "github.com/sijms/go-ora/v2"
)

// oracleFetchRows matches the array size the desktop client was tuned for.
const oracleFetchRows = "500"

type driverSpec struct {
	probe string
	open  func(ctx context.Context, t Target, cfg Config) (Pool, error)
}

var drivers = map[string]driverSpec{
	DriverOracle:   {probe: "SELECT 1 FROM DUAL", open: openOracle},
	DriverPostgres: {probe: "SELECT 1", open: openPostgres},
	DriverPQ:       {probe: "SELECT 1", open: openPQ},
	DriverMySQL:    {probe: "SELECT 1", open: openMySQL},
	DriverDuckDB:   {probe: "SELECT 1", open: openDuckDB},
	DriverSQLite:   {probe: "SELECT 1", open: openSQLite},
}

// Drivers lists the supported driver names, sorted.
func Drivers() []string {
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProbeStatement returns the trivial round-trip statement for a driver.
func ProbeStatement(driver string) string {
	if spec, ok := drivers[driver]; ok {
		return spec.probe
	}
	return "SELECT 1"
}

// Open creates a pool for t sized by cfg. It satisfies OpenFunc.
func Open(ctx context.Context, t Target, cfg Config) (Pool, error) {
	spec, ok := drivers[t.DriverName()]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, t.Driver)
	}
	return spec.open(ctx, t, cfg)
}

func openOracle(ctx context.Context, t Target, cfg Config) (Pool, error) {
	dsn, err := oracleDSN(t)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("oracle", dsn)
	if err != nil {
		return nil, fmt.Errorf("open oracle: %w", err)
	}
	return NewSQLPool(ctx, db, cfg)
}

func oracleDSN(t Target) (string, error) {
	if strings.HasPrefix(t.ConnectString, "oracle://") {
		u, err := url.Parse(t.ConnectString)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrBadConnectString, err)
		}
		if u.User == nil && t.Username != "" {
			u.User = url.UserPassword(t.Username, t.Password)
		}
		return u.String(), nil
	}
	ez, err := parseEZConnect(t.ConnectString)
	if err != nil {
		return "", err
	}
	return go_ora.BuildUrl(ez.Host, ez.Port, ez.Service, t.Username, t.Password, map[string]string{
		"PREFETCH_ROWS": oracleFetchRows,
	}), nil
}

func openPostgres(ctx context.Context, t Target, cfg Config) (Pool, error) {
	pcfg, err := pgxpool.ParseConfig(t.ConnectString)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadConnectString, err)
	}
	if t.Username != "" {
		pcfg.ConnConfig.User = t.Username
		pcfg.ConnConfig.Password = t.Password
	}
	return NewPgxPool(ctx, pcfg, cfg)
}

func openPQ(ctx context.Context, t Target, cfg Config) (Pool, error) {
	dsn, err := pqDSN(t)
	if err != nil {
		return nil, err
	}
	connector, err := pq.NewConnector(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadConnectString, err)
	}
	return NewSQLPool(ctx, sql.OpenDB(connector), cfg)
}

func pqDSN(t Target) (string, error) {
	dsn := strings.TrimSpace(t.ConnectString)
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		kv, err := pq.ParseURL(dsn)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrBadConnectString, err)
		}
		dsn = kv
	}
	if t.Username != "" {
		dsn += " user=" + quotePQValue(t.Username) + " password=" + quotePQValue(t.Password)
	}
	return strings.TrimSpace(dsn), nil
}

// quotePQValue quotes a keyword/value connection parameter.
func quotePQValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

func openMySQL(ctx context.Context, t Target, cfg Config) (Pool, error) {
	mcfg, err := mysqlConfig(t)
	if err != nil {
		return nil, err
	}
	connector, err := mysql.NewConnector(mcfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadConnectString, err)
	}
	return NewSQLPool(ctx, sql.OpenDB(connector), cfg)
}

func mysqlConfig(t Target) (*mysql.Config, error) {
	var mcfg *mysql.Config
	if strings.ContainsAny(t.ConnectString, "@(") {
		parsed, err := mysql.ParseDSN(t.ConnectString)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadConnectString, err)
		}
		mcfg = parsed
	} else {
		addr, dbName, err := mysqlAddress(t.ConnectString)
		if err != nil {
			return nil, err
		}
		mcfg = mysql.NewConfig()
		mcfg.Net = "tcp"
		mcfg.Addr = addr
		mcfg.DBName = dbName
	}
	if t.Username != "" {
		mcfg.User = t.Username
		mcfg.Passwd = t.Password
	}
	mcfg.ParseTime = true
	return mcfg, nil
}

func openDuckDB(ctx context.Context, t Target, cfg Config) (Pool, error) {
	connector, err := duckdb.NewConnector(t.ConnectString, nil)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	return NewSQLPool(ctx, sql.OpenDB(connector), cfg)
}

func openSQLite(ctx context.Context, t Target, cfg Config) (Pool, error) {
	db, err := sql.Open("sqlite3", t.ConnectString)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return NewSQLPool(ctx, db, cfg)
}
