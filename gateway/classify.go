package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/posthog/dbsidecar/pool"
	"github.com/sijms/go-ora/v2/network"
)

// Category is the stable error taxonomy callers branch on.
type Category string

const (
	CategoryAuthentication Category = "authentication"
	CategoryConnectivity   Category = "connectivity"
	CategorySchema         Category = "schema"
	CategoryTimeout        Category = "timeout"
	CategoryDriver         Category = "driver"
	CategoryInternal       Category = "internal"
)

// ClassifiedError is the only error type the gateway returns. Code is the
// driver's numeric code (0 when the driver reports none); SQLState carries the
// PostgreSQL condition code instead.
type ClassifiedError struct {
	Code     int      `json:"code"`
	Message  string   `json:"message"`
	Hint     string   `json:"hint,omitempty"`
	Category Category `json:"category"`
	SQLState string   `json:"sqlstate,omitempty"`

	driver string
	cause  error
}

func (e *ClassifiedError) Error() string {
	switch {
	case e.driver == pool.DriverOracle && strings.HasPrefix(e.Message, "ORA-"):
		return e.Message
	case e.driver == pool.DriverOracle && e.Code > 0:
		return fmt.Sprintf("ORA-%05d: %s", e.Code, e.Message)
	case e.SQLState != "":
		return fmt.Sprintf("%s (SQLSTATE %s)", e.Message, e.SQLState)
	case e.Code > 0:
		return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
	}
	return e.Message
}

func (e *ClassifiedError) Unwrap() error {
	return e.cause
}

// IsInternal reports whether the error did not originate from a driver.
func (e *ClassifiedError) IsInternal() bool {
	return e.Category == CategoryInternal
}

// Internal wraps a failure that did not come from the database driver.
func Internal(err error) *ClassifiedError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &ClassifiedError{Code: 0, Message: msg, Category: CategoryInternal, cause: err}
}

type hintEntry struct {
	category Category
	hint     string
}

const (
	hintCredentials = "Check your username and password."
	hintSlowQuery   = "Query exceeded timeout. Try a simpler query."
	hintNetwork     = "Could not reach the database. Verify host:port and network access."
	hintExhausted   = "Connection pool exhausted. Retry once in-flight queries finish."
)

var oracleHints = map[int]hintEntry{
	1017:  {CategoryAuthentication, hintCredentials},
	12154: {CategoryConnectivity, "Verify connection string format: host:port/service_name"},
	12170: {CategoryConnectivity, "Connection timed out. Check network and firewall."},
	12541: {CategoryConnectivity, "No listener at specified host:port. Verify the address."},
	12545: {CategoryConnectivity, "Target host or object does not exist."},
	942:   {CategorySchema, "Table or view does not exist, or you lack permissions."},
	1031:  {CategorySchema, "Insufficient privileges. Contact your DBA."},
	3136:  {CategoryTimeout, hintSlowQuery},
	3114:  {CategoryConnectivity, "Connection to database lost. Check network connectivity."},
	1405:  {CategoryDriver, "NULL value encountered where not allowed."},
}

var mysqlHints = map[int]hintEntry{
	1045: {CategoryAuthentication, hintCredentials},
	1044: {CategoryAuthentication, "Access denied to database. Check the user's grants."},
	1049: {CategorySchema, "Unknown database. Verify the database name in the connect string."},
	1146: {CategorySchema, "Table does not exist, or you lack permissions."},
	1142: {CategorySchema, "Insufficient privileges for this command. Contact your DBA."},
	3024: {CategoryTimeout, hintSlowQuery},
	1317: {CategoryTimeout, "Query execution was interrupted."},
}

var postgresHints = map[string]hintEntry{
	"28P01": {CategoryAuthentication, hintCredentials},
	"28000": {CategoryAuthentication, "Authorization rejected. Check pg_hba rules for this user."},
	"3D000": {CategorySchema, "Database does not exist. Verify the database name."},
	"42P01": {CategorySchema, "Table or view does not exist, or you lack permissions."},
	"42501": {CategorySchema, "Insufficient privileges. Contact your DBA."},
	"57014": {CategoryTimeout, hintSlowQuery},
	"08006": {CategoryConnectivity, "Connection to database lost. Check network connectivity."},
	"08001": {CategoryConnectivity, "Unable to connect. Verify host:port and that the server accepts connections."},
}

var sqliteHints = map[int]hintEntry{
	int(sqlite3.ErrBusy):     {CategoryTimeout, "Database is locked by another writer. Retry shortly."},
	int(sqlite3.ErrReadonly): {CategoryDriver, "Database was opened read-only."},
	int(sqlite3.ErrCantOpen): {CategoryConnectivity, "Unable to open the database file. Verify the path."},
	int(sqlite3.ErrAuth):     {CategoryAuthentication, hintCredentials},
	int(sqlite3.ErrNotADB):   {CategoryConnectivity, "File is not a database. Verify the path."},
}

var oraCodePattern = regexp.MustCompile(`ORA-(\d{5})`)

// Classify maps a driver failure to a ClassifiedError. drv is the target's
// driver name and selects the fallback parsing for errors that arrive
// without a typed driver error in their chain.
func Classify(drv string, err error) *ClassifiedError {
	if err == nil {
		return nil
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	out := &ClassifiedError{Message: err.Error(), Category: CategoryDriver, driver: drv, cause: err}

	var (
		oraErr   *network.OracleError
		pgErr    *pgconn.PgError
		pqErr    *pq.Error
		myErr    *mysql.MySQLError
		sqliteEr sqlite3.Error
		netErr   net.Error
	)
	switch {
	case errors.As(err, &oraErr):
		out.driver = pool.DriverOracle
		out.Code = oraErr.ErrCode
		out.Message = oraErr.Error()
		out.apply(oracleHints[out.Code])
	case errors.As(err, &pgErr):
		out.SQLState = pgErr.Code
		out.Message = pgErr.Message
		out.apply(postgresHints[pgErr.Code])
	case errors.As(err, &pqErr):
		out.SQLState = string(pqErr.Code)
		out.Message = pqErr.Message
		out.apply(postgresHints[out.SQLState])
	case errors.As(err, &myErr):
		out.Code = int(myErr.Number)
		out.Message = myErr.Message
		out.apply(mysqlHints[out.Code])
	case errors.As(err, &sqliteEr):
		out.Code = int(sqliteEr.Code)
		out.apply(sqliteHints[out.Code])
	case errors.Is(err, pool.ErrPoolExhausted):
		out.apply(hintEntry{CategoryConnectivity, hintExhausted})
	case errors.Is(err, pool.ErrBadConnectString):
		if drv == pool.DriverOracle || drv == "" {
			out.apply(oracleHints[12154])
		} else {
			out.apply(hintEntry{CategoryConnectivity, "Verify the connect string format for the " + drv + " driver."})
		}
	case errors.Is(err, pool.ErrUnknownDriver):
		out.Hint = "Supported drivers: " + strings.Join(pool.Drivers(), ", ") + "."
	case errors.Is(err, context.DeadlineExceeded):
		out.apply(hintEntry{CategoryTimeout, hintSlowQuery})
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			out.apply(oracleHints[12170])
		} else {
			out.apply(hintEntry{CategoryConnectivity, hintNetwork})
		}
	case drv == pool.DriverOracle || drv == "":
		if m := oraCodePattern.FindStringSubmatch(out.Message); m != nil {
			out.driver = pool.DriverOracle
			out.Code, _ = strconv.Atoi(m[1])
			out.apply(oracleHints[out.Code])
		}
	}
	return out
}

func (e *ClassifiedError) apply(h hintEntry) {
	if h.category == "" {
		return
	}
	e.Category = h.category
	e.Hint = h.hint
}
