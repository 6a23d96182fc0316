package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/posthog/dbsidecar/pool"
)

func envFromMap(values map[string]string) func(string) string {
	return func(key string) string {
		return values[key]
	}
}

func containsWarning(warns []string, want string) bool {
	for _, got := range warns {
		if strings.Contains(got, want) {
			return true
		}
	}
	return false
}

func TestResolveEffectiveConfigDefaults(t *testing.T) {
	resolved := resolveEffectiveConfig(nil, configCLIInputs{}, nil, nil)

	if resolved.Server.Host != "127.0.0.1" || resolved.Server.Port != 21522 {
		t.Fatalf("unexpected bind address %s:%d", resolved.Server.Host, resolved.Server.Port)
	}
	if resolved.Server.DefaultMaxRows != 1000 {
		t.Fatalf("expected default max rows 1000, got %d", resolved.Server.DefaultMaxRows)
	}
	if resolved.Workers != 4 {
		t.Fatalf("expected 4 workers, got %d", resolved.Workers)
	}
	if resolved.Pool != pool.DefaultConfig() {
		t.Fatalf("expected default pool config, got %+v", resolved.Pool)
	}
	if resolved.QueryTimeout != 0 || resolved.LogLevel != slog.LevelInfo {
		t.Fatalf("unexpected timeout/log level %s/%s", resolved.QueryTimeout, resolved.LogLevel)
	}
}

func TestResolveEffectiveConfigPrecedence(t *testing.T) {
	fileCfg := &FileConfig{
		Host:         "localhost",
		Port:         5000,
		Workers:      2,
		QueryTimeout: "10s",
		LogLevel:     "warn",
		Pool: PoolFileConfig{
			Max:         3,
			IdleTimeout: "1m",
			WaitMode:    "nowait",
		},
	}

	env := map[string]string{
		"DBSIDECAR_HOST":              "::1",
		"DBSIDECAR_PORT":              "6000",
		"DBSIDECAR_WORKERS":           "6",
		"DBSIDECAR_QUERY_TIMEOUT":     "20s",
		"DBSIDECAR_LOG_LEVEL":         "error",
		"DBSIDECAR_POOL_MAX":          "7",
		"DBSIDECAR_POOL_IDLE_TIMEOUT": "5m",
		"DBSIDECAR_POOL_WAIT_MODE":    "wait",
	}

	resolved := resolveEffectiveConfig(fileCfg, configCLIInputs{
		Set: map[string]bool{
			"host":              true,
			"port":              true,
			"workers":           true,
			"query-timeout":     true,
			"log-level":         true,
			"pool-max":          true,
			"pool-idle-timeout": true,
			"pool-wait-mode":    true,
		},
		Host:            "127.0.0.2",
		Port:            7000,
		Workers:         8,
		QueryTimeout:    "30s",
		LogLevel:        "debug",
		PoolMax:         9,
		PoolIdleTimeout: "3m",
		PoolWaitMode:    "nowait",
	}, envFromMap(env), nil)

	if resolved.Server.Host != "127.0.0.2" {
		t.Fatalf("host precedence mismatch: got %q", resolved.Server.Host)
	}
	if resolved.Server.Port != 7000 {
		t.Fatalf("port precedence mismatch: got %d", resolved.Server.Port)
	}
	if resolved.Workers != 8 {
		t.Fatalf("workers precedence mismatch: got %d", resolved.Workers)
	}
	if resolved.QueryTimeout != 30*time.Second {
		t.Fatalf("query timeout precedence mismatch: got %s", resolved.QueryTimeout)
	}
	if resolved.LogLevel != slog.LevelDebug {
		t.Fatalf("log level precedence mismatch: got %s", resolved.LogLevel)
	}
	if resolved.Pool.Max != 9 {
		t.Fatalf("pool max precedence mismatch: got %d", resolved.Pool.Max)
	}
	if resolved.Pool.IdleTimeout != 3*time.Minute {
		t.Fatalf("pool idle timeout precedence mismatch: got %s", resolved.Pool.IdleTimeout)
	}
	if resolved.Pool.WaitMode != pool.WaitModeNoWait {
		t.Fatalf("pool wait mode precedence mismatch: got %q", resolved.Pool.WaitMode)
	}
}

func TestResolveEffectiveConfigEnvOverridesFile(t *testing.T) {
	fileCfg := &FileConfig{
		Port: 5000,
		Pool: PoolFileConfig{Min: 2, ReapInterval: "30s"},
	}

	env := map[string]string{
		"DBSIDECAR_PORT":               "6000",
		"DBSIDECAR_POOL_MIN":           "3",
		"DBSIDECAR_POOL_REAP_INTERVAL": "45s",
	}

	resolved := resolveEffectiveConfig(fileCfg, configCLIInputs{}, envFromMap(env), nil)

	if resolved.Server.Port != 6000 {
		t.Fatalf("expected env port, got %d", resolved.Server.Port)
	}
	if resolved.Pool.Min != 3 {
		t.Fatalf("expected env pool min, got %d", resolved.Pool.Min)
	}
	if resolved.Pool.ReapInterval != 45*time.Second {
		t.Fatalf("expected env reap interval, got %s", resolved.Pool.ReapInterval)
	}
}

func TestResolveEffectiveConfigInvalidEnvValues(t *testing.T) {
	fileCfg := &FileConfig{
		Port:         5000,
		QueryTimeout: "15s",
		Pool:         PoolFileConfig{IdleTimeout: "90s", WaitMode: "nowait"},
	}

	env := map[string]string{
		"DBSIDECAR_PORT":              "not-a-port",
		"DBSIDECAR_WORKERS":           "0",
		"DBSIDECAR_QUERY_TIMEOUT":     "soon",
		"DBSIDECAR_LOG_LEVEL":         "chatty",
		"DBSIDECAR_POOL_IDLE_TIMEOUT": "bad-duration",
		"DBSIDECAR_POOL_WAIT_MODE":    "sometimes",
	}

	var warns []string
	resolved := resolveEffectiveConfig(fileCfg, configCLIInputs{}, envFromMap(env), func(msg string) {
		warns = append(warns, msg)
	})

	if resolved.Server.Port != 5000 {
		t.Fatalf("invalid env port should not override valid file value, got %d", resolved.Server.Port)
	}
	if resolved.Workers != 4 {
		t.Fatalf("invalid env workers should keep the default, got %d", resolved.Workers)
	}
	if resolved.QueryTimeout != 15*time.Second {
		t.Fatalf("invalid env query timeout should not override valid file value, got %s", resolved.QueryTimeout)
	}
	if resolved.LogLevel != slog.LevelInfo {
		t.Fatalf("invalid env log level should keep the default, got %s", resolved.LogLevel)
	}
	if resolved.Pool.IdleTimeout != 90*time.Second {
		t.Fatalf("invalid env idle timeout should not override valid file value, got %s", resolved.Pool.IdleTimeout)
	}
	if resolved.Pool.WaitMode != pool.WaitModeNoWait {
		t.Fatalf("invalid env wait mode should not override valid file value, got %q", resolved.Pool.WaitMode)
	}

	for _, w := range []string{
		"Invalid DBSIDECAR_PORT",
		"Invalid DBSIDECAR_WORKERS",
		"Invalid DBSIDECAR_QUERY_TIMEOUT duration",
		"Invalid DBSIDECAR_LOG_LEVEL",
		"Invalid DBSIDECAR_POOL_IDLE_TIMEOUT duration",
		"Invalid DBSIDECAR_POOL_WAIT_MODE",
	} {
		if !containsWarning(warns, w) {
			t.Fatalf("expected warning containing %q, warnings: %v", w, warns)
		}
	}
}

func TestResolveEffectiveConfigForcesLoopback(t *testing.T) {
	var warns []string
	warn := func(msg string) { warns = append(warns, msg) }

	resolved := resolveEffectiveConfig(nil, configCLIInputs{
		Set:  map[string]bool{"host": true},
		Host: "0.0.0.0",
	}, envFromMap(nil), warn)
	if resolved.Server.Host != "127.0.0.1" {
		t.Fatalf("expected non-loopback host to be replaced, got %q", resolved.Server.Host)
	}
	if !containsWarning(warns, "non-loopback") {
		t.Fatalf("expected a loopback warning, got %v", warns)
	}

	resolved = resolveEffectiveConfig(nil, configCLIInputs{
		Set:  map[string]bool{"host": true},
		Host: "0.0.0.0",
	}, envFromMap(map[string]string{"DBSIDECAR_ALLOW_NON_LOOPBACK": "true"}), nil)
	if resolved.Server.Host != "0.0.0.0" {
		t.Fatalf("expected override to keep host, got %q", resolved.Server.Host)
	}
}

func TestIsLoopbackHost(t *testing.T) {
	tests := []struct {
		host string
		want bool
	}{
		{"127.0.0.1", true},
		{"127.8.9.10", true},
		{"localhost", true},
		{"LOCALHOST", true},
		{"::1", true},
		{"[::1]", true},
		{"0.0.0.0", false},
		{"192.168.1.5", false},
		{"db.example.com", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isLoopbackHost(tt.host); got != tt.want {
			t.Errorf("isLoopbackHost(%q) = %v, want %v", tt.host, got, tt.want)
		}
	}
}

func TestResolveEffectiveConfigMaxRows(t *testing.T) {
	resolved := resolveEffectiveConfig(&FileConfig{DefaultMaxRows: 250}, configCLIInputs{}, envFromMap(nil), nil)
	if resolved.Server.DefaultMaxRows != 250 {
		t.Fatalf("expected file max rows, got %d", resolved.Server.DefaultMaxRows)
	}

	resolved = resolveEffectiveConfig(nil, configCLIInputs{
		Set:            map[string]bool{"default-max-rows": true},
		DefaultMaxRows: 0,
	}, envFromMap(nil), nil)
	if resolved.Server.DefaultMaxRows >= 0 {
		t.Fatalf("expected explicit 0 to disable the cap, got %d", resolved.Server.DefaultMaxRows)
	}
}

func TestResolveEffectiveConfigClampsPoolBounds(t *testing.T) {
	var warns []string
	resolved := resolveEffectiveConfig(nil, configCLIInputs{
		Set:     map[string]bool{"pool-min": true, "pool-max": true},
		PoolMin: 8,
		PoolMax: 2,
	}, envFromMap(nil), func(msg string) { warns = append(warns, msg) })

	if resolved.Pool.Min != 2 || resolved.Pool.Max != 2 {
		t.Fatalf("expected min clamped to max, got %+v", resolved.Pool)
	}
	if !containsWarning(warns, "Invalid pool bounds") {
		t.Fatalf("expected pool bounds warning, got %v", warns)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dbsidecar.yaml")
	data := `
port: 31000
workers: 2
query_timeout: 45s
pool:
  max: 8
  idle_timeout: 5m
  wait_mode: nowait
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	fileCfg, err := loadConfigFile(path)
	if err != nil {
		t.Fatalf("loadConfigFile: %v", err)
	}
	resolved := resolveEffectiveConfig(fileCfg, configCLIInputs{}, envFromMap(nil), nil)
	if resolved.Server.Port != 31000 || resolved.Workers != 2 || resolved.QueryTimeout != 45*time.Second {
		t.Fatalf("unexpected resolved config %+v", resolved)
	}
	if resolved.Pool.Max != 8 || resolved.Pool.IdleTimeout != 5*time.Minute || resolved.Pool.WaitMode != pool.WaitModeNoWait {
		t.Fatalf("unexpected pool config %+v", resolved.Pool)
	}

	if _, err := loadConfigFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("port: [nope"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := loadConfigFile(bad); err == nil {
		t.Fatal("expected parse error")
	}
}

type recordingHandler struct {
	level   slog.Level
	records *[]slog.Record
	attrs   []slog.Attr
}

func (h *recordingHandler) Enabled(_ context.Context, l slog.Level) bool { return l >= h.level }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	r.AddAttrs(h.attrs...)
	*h.records = append(*h.records, r)
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &recordingHandler{level: h.level, records: h.records, attrs: append(append([]slog.Attr(nil), h.attrs...), attrs...)}
}

func (h *recordingHandler) WithGroup(string) slog.Handler { return h }

func TestMultiHandlerFansOutAboveLevel(t *testing.T) {
	var a, b []slog.Record
	logger := slog.New(&multiHandler{
		level: slog.LevelInfo,
		handlers: []slog.Handler{
			&recordingHandler{level: slog.LevelDebug, records: &a},
			&recordingHandler{level: slog.LevelWarn, records: &b},
		},
	}).With("component", "test")

	logger.Debug("Dropped by the fan-out level.")
	logger.Info("Info record.")
	logger.Warn("Warn record.")

	if len(a) != 2 {
		t.Fatalf("expected 2 records in first handler, got %d", len(a))
	}
	if len(b) != 1 || b[0].Message != "Warn record." {
		t.Fatalf("expected only the warn record in second handler, got %d", len(b))
	}
	found := false
	a[0].Attrs(func(attr slog.Attr) bool {
		if attr.Key == "component" && attr.Value.String() == "test" {
			found = true
		}
		return true
	})
	if !found {
		t.Fatal("expected WithAttrs to propagate to child handlers")
	}
}

func TestOTLPEndpointConfigured(t *testing.T) {
	if otlpEndpointConfigured(envFromMap(nil), "LOGS") {
		t.Fatal("expected no endpoint without env")
	}
	if !otlpEndpointConfigured(envFromMap(map[string]string{"OTEL_EXPORTER_OTLP_ENDPOINT": "http://collector:4318"}), "TRACES") {
		t.Fatal("expected shared endpoint to enable traces")
	}
	if !otlpEndpointConfigured(envFromMap(map[string]string{"OTEL_EXPORTER_OTLP_LOGS_ENDPOINT": "http://collector:4318"}), "LOGS") {
		t.Fatal("expected logs endpoint to enable logs")
	}
	if otlpEndpointConfigured(envFromMap(map[string]string{"OTEL_EXPORTER_OTLP_LOGS_ENDPOINT": "http://collector:4318"}), "TRACES") {
		t.Fatal("logs endpoint must not enable traces")
	}
}
