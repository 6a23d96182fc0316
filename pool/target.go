package pool

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Driver names accepted in Target.Driver.
const (
	DriverOracle   = "oracle"
	DriverPostgres = "postgres"
	DriverPQ       = "pq"
	DriverMySQL    = "mysql"
	DriverDuckDB   = "duckdb"
	DriverSQLite   = "sqlite"
)

// Target describes one database a caller wants to reach, with the
// credentials the caller supplied.
type Target struct {
	Name          string
	ConnectString string
	Username      string
	Password      string
	Driver        string
}

// Identity keys pools in the Registry.
type Identity string

// DriverName returns the target's driver, defaulting to Oracle.
func (t Target) DriverName() string {
	d := strings.ToLower(strings.TrimSpace(t.Driver))
	if d == "" {
		return DriverOracle
	}
	return d
}

// Identity derives the pool key from principal and target string. Oracle
// targets keep the bare "<user>@<dsn>" form; other drivers prefix the
// driver name so the same DSN text under two drivers does not share a pool.
// The password is not part of the key.
func (t Target) Identity() Identity {
	key := t.Username + "@" + t.ConnectString
	if d := t.DriverName(); d != DriverOracle {
		key = d + ":" + key
	}
	return Identity(key)
}

// String omits the password.
func (t Target) String() string {
	return string(t.Identity())
}

// ezConnect is an Oracle Easy Connect address: host[:port]/service.
type ezConnect struct {
	Host    string
	Port    int
	Service string
}

const defaultOraclePort = 1521

func parseEZConnect(s string) (ezConnect, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "//")
	hostPort, service, ok := strings.Cut(s, "/")
	if !ok || hostPort == "" || service == "" {
		return ezConnect{}, fmt.Errorf("%w: %q (expected host:port/service_name)", ErrBadConnectString, s)
	}
	ez := ezConnect{Host: hostPort, Port: defaultOraclePort, Service: service}
	if strings.Contains(hostPort, ":") {
		host, portStr, err := net.SplitHostPort(hostPort)
		if err != nil {
			return ezConnect{}, fmt.Errorf("%w: %q: %v", ErrBadConnectString, s, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			return ezConnect{}, fmt.Errorf("%w: %q: bad port %q", ErrBadConnectString, s, portStr)
		}
		ez.Host, ez.Port = host, port
	}
	return ez, nil
}

// mysqlAddress splits "host[:port]/dbname" into address and database.
func mysqlAddress(s string) (addr, dbName string, err error) {
	addr, dbName, _ = strings.Cut(strings.TrimSpace(s), "/")
	if addr == "" {
		return "", "", fmt.Errorf("%w: %q (expected host:port/database)", ErrBadConnectString, s)
	}
	if !strings.Contains(addr, ":") {
		addr = net.JoinHostPort(addr, "3306")
	}
	return addr, dbName, nil
}
