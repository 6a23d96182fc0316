package server

import (
	"time"

	"github.com/posthog/dbsidecar/gateway"
	"github.com/posthog/dbsidecar/pool"
)

// ConnectionConfig is the connection block every data request carries.
type ConnectionConfig struct {
	Name          string `json:"name"`
	ConnectString string `json:"connect_string" binding:"required"`
	Username      string `json:"username"`
	Password      string `json:"password"`
	Driver        string `json:"driver"`
}

func (c ConnectionConfig) target() pool.Target {
	return pool.Target{
		Name:          c.Name,
		ConnectString: c.ConnectString,
		Username:      c.Username,
		Password:      c.Password,
		Driver:        c.Driver,
	}
}

type testConnectionRequest struct {
	Connection ConnectionConfig `json:"connection"`
}

type queryRequest struct {
	Connection ConnectionConfig `json:"connection"`
	SQL        string           `json:"sql" binding:"required"`
	// MaxRows is nil when absent or null.
	MaxRows *int `json:"max_rows"`
}

// toGateway resolves the row cap: absent means defaultMax, zero or negative
// means every row.
func (r queryRequest) toGateway(defaultMax int) gateway.QueryRequest {
	maxRows := defaultMax
	if r.MaxRows != nil {
		maxRows = *r.MaxRows
	}
	if maxRows < 0 {
		maxRows = 0
	}
	return gateway.QueryRequest{Connection: r.Connection.target(), SQL: r.SQL, MaxRows: maxRows}
}

type healthResponse struct {
	Status      string `json:"status"`
	ActivePools int    `json:"active_pools"`
	Timestamp   string `json:"timestamp"`
}

type testConnectionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type poolInfo struct {
	Key      string `json:"key"`
	Busy     int    `json:"busy"`
	Opened   int    `json:"opened"`
	Min      int    `json:"min"`
	Max      int    `json:"max"`
	LastUsed string `json:"last_used"`
}

type poolsResponse struct {
	Pools []poolInfo `json:"pools"`
}

func toPoolInfos(entries []pool.EntryInfo) []poolInfo {
	out := make([]poolInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, poolInfo{
			Key:      string(e.Key),
			Busy:     e.Busy,
			Opened:   e.Opened,
			Min:      e.Min,
			Max:      e.Max,
			LastUsed: e.LastUsed.Format(time.RFC3339Nano),
		})
	}
	return out
}

// errorResponse is the envelope for every non-2xx response.
type errorResponse struct {
	Detail *gateway.ClassifiedError `json:"detail"`
}
