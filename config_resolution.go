package main

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/posthog/dbsidecar/gateway"
	"github.com/posthog/dbsidecar/pool"
	"github.com/posthog/dbsidecar/server"
	"gopkg.in/yaml.v3"
)

const (
	defaultHost = "127.0.0.1"
	defaultPort = 21522
)

// FileConfig is the optional YAML development override file.
type FileConfig struct {
	Host           string         `yaml:"host"`
	Port           int            `yaml:"port"`
	Workers        int            `yaml:"workers"`
	DefaultMaxRows int            `yaml:"default_max_rows"`
	QueryTimeout   string         `yaml:"query_timeout"` // e.g. "30s"
	LogLevel       string         `yaml:"log_level"`
	Pool           PoolFileConfig `yaml:"pool"`
}

type PoolFileConfig struct {
	Min          int    `yaml:"min"`
	Max          int    `yaml:"max"`
	Increment    int    `yaml:"increment"`
	IdleTimeout  string `yaml:"idle_timeout"`  // e.g. "2m"
	ReapInterval string `yaml:"reap_interval"` // e.g. "1m"
	WaitMode     string `yaml:"wait_mode"`     // wait | nowait
}

func loadConfigFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg, nil
}

type configCLIInputs struct {
	Set map[string]bool

	Host             string
	Port             int
	Workers          int
	DefaultMaxRows   int
	QueryTimeout     string
	LogLevel         string
	PoolMin          int
	PoolMax          int
	PoolIncrement    int
	PoolIdleTimeout  string
	PoolReapInterval string
	PoolWaitMode     string
}

type resolvedConfig struct {
	Server       server.Config
	Pool         pool.Config
	Workers      int
	QueryTimeout time.Duration
	LogLevel     slog.Level
}

func defaultResolvedConfig() resolvedConfig {
	return resolvedConfig{
		Server: server.Config{
			Host:           defaultHost,
			Port:           defaultPort,
			DefaultMaxRows: gateway.DefaultMaxRows,
		},
		Pool:     pool.DefaultConfig(),
		Workers:  gateway.DefaultWorkers,
		LogLevel: slog.LevelInfo,
	}
}

// settings applies one precedence layer. Each setter leaves the current
// value in place and warns when v does not parse.
type settings struct {
	cfg  *resolvedConfig
	warn func(string)
}

func (s settings) port(src, v string) {
	p, err := strconv.Atoi(v)
	if err != nil || p <= 0 || p > 65535 {
		s.warn("Invalid " + src + ": " + strconv.Quote(v) + " (expected 1-65535)")
		return
	}
	s.cfg.Server.Port = p
}

func (s settings) positive(src, v string, dst *int) {
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		s.warn("Invalid " + src + ": " + strconv.Quote(v) + " (expected a positive integer)")
		return
	}
	*dst = n
}

func (s settings) integer(src, v string, dst *int) {
	n, err := strconv.Atoi(v)
	if err != nil {
		s.warn("Invalid " + src + ": " + err.Error())
		return
	}
	*dst = n
}

func (s settings) duration(src, v string, dst *time.Duration) {
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		s.warn("Invalid " + src + " duration: " + strconv.Quote(v))
		return
	}
	*dst = d
}

func (s settings) waitMode(src, v string) {
	m, err := pool.ParseWaitMode(v)
	if err != nil {
		s.warn("Invalid " + src + ": " + err.Error())
		return
	}
	s.cfg.Pool.WaitMode = m
}

func (s settings) logLevel(src, v string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(v)); err != nil {
		s.warn("Invalid " + src + ": " + strconv.Quote(v) + " (expected debug, info, warn or error)")
		return
	}
	s.cfg.LogLevel = lvl
}

// resolveEffectiveConfig layers compiled defaults, the YAML file, DBSIDECAR_*
// environment variables and explicitly set CLI flags, in that order. The
// bind host is forced to loopback unless DBSIDECAR_ALLOW_NON_LOOPBACK is true.
func resolveEffectiveConfig(fileCfg *FileConfig, cli configCLIInputs, getenv func(string) string, warn func(string)) resolvedConfig {
	if getenv == nil {
		getenv = func(string) string { return "" }
	}
	if warn == nil {
		warn = func(string) {}
	}
	if cli.Set == nil {
		cli.Set = map[string]bool{}
	}

	cfg := defaultResolvedConfig()
	s := settings{cfg: &cfg, warn: warn}

	if fileCfg != nil {
		if fileCfg.Host != "" {
			cfg.Server.Host = fileCfg.Host
		}
		if fileCfg.Port != 0 {
			s.port("port", strconv.Itoa(fileCfg.Port))
		}
		if fileCfg.Workers != 0 {
			s.positive("workers", strconv.Itoa(fileCfg.Workers), &cfg.Workers)
		}
		if fileCfg.DefaultMaxRows != 0 {
			cfg.Server.DefaultMaxRows = fileCfg.DefaultMaxRows
		}
		if fileCfg.QueryTimeout != "" {
			s.duration("query_timeout", fileCfg.QueryTimeout, &cfg.QueryTimeout)
		}
		if fileCfg.LogLevel != "" {
			s.logLevel("log_level", fileCfg.LogLevel)
		}
		if fileCfg.Pool.Min != 0 {
			s.integer("pool.min", strconv.Itoa(fileCfg.Pool.Min), &cfg.Pool.Min)
		}
		if fileCfg.Pool.Max != 0 {
			s.positive("pool.max", strconv.Itoa(fileCfg.Pool.Max), &cfg.Pool.Max)
		}
		if fileCfg.Pool.Increment != 0 {
			s.positive("pool.increment", strconv.Itoa(fileCfg.Pool.Increment), &cfg.Pool.Increment)
		}
		if fileCfg.Pool.IdleTimeout != "" {
			s.duration("pool.idle_timeout", fileCfg.Pool.IdleTimeout, &cfg.Pool.IdleTimeout)
		}
		if fileCfg.Pool.ReapInterval != "" {
			s.duration("pool.reap_interval", fileCfg.Pool.ReapInterval, &cfg.Pool.ReapInterval)
		}
		if fileCfg.Pool.WaitMode != "" {
			s.waitMode("pool.wait_mode", fileCfg.Pool.WaitMode)
		}
	}

	if v := getenv("DBSIDECAR_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := getenv("DBSIDECAR_PORT"); v != "" {
		s.port("DBSIDECAR_PORT", v)
	}
	if v := getenv("DBSIDECAR_WORKERS"); v != "" {
		s.positive("DBSIDECAR_WORKERS", v, &cfg.Workers)
	}
	if v := getenv("DBSIDECAR_DEFAULT_MAX_ROWS"); v != "" {
		s.integer("DBSIDECAR_DEFAULT_MAX_ROWS", v, &cfg.Server.DefaultMaxRows)
	}
	if v := getenv("DBSIDECAR_QUERY_TIMEOUT"); v != "" {
		s.duration("DBSIDECAR_QUERY_TIMEOUT", v, &cfg.QueryTimeout)
	}
	if v := getenv("DBSIDECAR_LOG_LEVEL"); v != "" {
		s.logLevel("DBSIDECAR_LOG_LEVEL", v)
	}
	if v := getenv("DBSIDECAR_POOL_MIN"); v != "" {
		s.integer("DBSIDECAR_POOL_MIN", v, &cfg.Pool.Min)
	}
	if v := getenv("DBSIDECAR_POOL_MAX"); v != "" {
		s.positive("DBSIDECAR_POOL_MAX", v, &cfg.Pool.Max)
	}
	if v := getenv("DBSIDECAR_POOL_INCREMENT"); v != "" {
		s.positive("DBSIDECAR_POOL_INCREMENT", v, &cfg.Pool.Increment)
	}
	if v := getenv("DBSIDECAR_POOL_IDLE_TIMEOUT"); v != "" {
		s.duration("DBSIDECAR_POOL_IDLE_TIMEOUT", v, &cfg.Pool.IdleTimeout)
	}
	if v := getenv("DBSIDECAR_POOL_REAP_INTERVAL"); v != "" {
		s.duration("DBSIDECAR_POOL_REAP_INTERVAL", v, &cfg.Pool.ReapInterval)
	}
	if v := getenv("DBSIDECAR_POOL_WAIT_MODE"); v != "" {
		s.waitMode("DBSIDECAR_POOL_WAIT_MODE", v)
	}

	if cli.Set["host"] {
		cfg.Server.Host = cli.Host
	}
	if cli.Set["port"] {
		s.port("--port", strconv.Itoa(cli.Port))
	}
	if cli.Set["workers"] {
		s.positive("--workers", strconv.Itoa(cli.Workers), &cfg.Workers)
	}
	if cli.Set["default-max-rows"] {
		cfg.Server.DefaultMaxRows = cli.DefaultMaxRows
	}
	if cli.Set["query-timeout"] {
		s.duration("--query-timeout", cli.QueryTimeout, &cfg.QueryTimeout)
	}
	if cli.Set["log-level"] {
		s.logLevel("--log-level", cli.LogLevel)
	}
	if cli.Set["pool-min"] {
		s.integer("--pool-min", strconv.Itoa(cli.PoolMin), &cfg.Pool.Min)
	}
	if cli.Set["pool-max"] {
		s.positive("--pool-max", strconv.Itoa(cli.PoolMax), &cfg.Pool.Max)
	}
	if cli.Set["pool-increment"] {
		s.positive("--pool-increment", strconv.Itoa(cli.PoolIncrement), &cfg.Pool.Increment)
	}
	if cli.Set["pool-idle-timeout"] {
		s.duration("--pool-idle-timeout", cli.PoolIdleTimeout, &cfg.Pool.IdleTimeout)
	}
	if cli.Set["pool-reap-interval"] {
		s.duration("--pool-reap-interval", cli.PoolReapInterval, &cfg.Pool.ReapInterval)
	}
	if cli.Set["pool-wait-mode"] {
		s.waitMode("--pool-wait-mode", cli.PoolWaitMode)
	}

	// A negative default cap means no cap; zero would be replaced by the
	// compiled default in server.New.
	if cfg.Server.DefaultMaxRows == 0 {
		cfg.Server.DefaultMaxRows = -1
	}
	if cfg.Pool.Min < 0 || cfg.Pool.Min > cfg.Pool.Max {
		warn(fmt.Sprintf("Invalid pool bounds min=%d max=%d, clamping min.", cfg.Pool.Min, cfg.Pool.Max))
	}
	cfg.Pool = cfg.Pool.Normalize()

	allowRemote, _ := strconv.ParseBool(getenv("DBSIDECAR_ALLOW_NON_LOOPBACK"))
	if !allowRemote && !isLoopbackHost(cfg.Server.Host) {
		warn("Refusing to bind non-loopback host " + strconv.Quote(cfg.Server.Host) + "; using " + defaultHost + " (set DBSIDECAR_ALLOW_NON_LOOPBACK=true to override)")
		cfg.Server.Host = defaultHost
	}

	return cfg
}

func isLoopbackHost(host string) bool {
	host = strings.Trim(host, "[]")
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
