// Package config loads client configuration from defaults, an optional YAML
// file, an optional .env file and the environment, in that order of
// precedence (environment wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"PerpClient/internal/address"
)

// Config holds all application configuration.
type Config struct {
	Instance string `yaml:"instance"`
	LogLevel string `yaml:"log_level"`

	Ledger       LedgerConfig       `yaml:"ledger"`
	Cache        CacheConfig        `yaml:"cache"`
	Postgres     PostgresConfig     `yaml:"postgres"`
	NATS         NATSConfig         `yaml:"nats"`
	Server       ServerConfig       `yaml:"server"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
}

type LedgerConfig struct {
	// Simulate runs against the in-process ledger instead of a node.
	Simulate     bool          `yaml:"simulate"`
	Cluster      string        `yaml:"cluster"`
	RPCURL       string        `yaml:"rpc_url"`
	WSURL        string        `yaml:"ws_url"`
	ProgramID    string        `yaml:"program_id"`
	KeypairPaths []string      `yaml:"keypairs"`
	Commitment   string        `yaml:"commitment"`
	Preflight    bool          `yaml:"preflight"`
	PollInterval time.Duration `yaml:"poll_interval"`
	AwaitTimeout time.Duration `yaml:"await_timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RPS          float64       `yaml:"rps"`
	Burst        int           `yaml:"burst"`
}

type CacheConfig struct {
	Capacity  int           `yaml:"capacity"`
	Workers   int           `yaml:"workers"`
	RedisAddr string        `yaml:"redis_addr"`
	RedisTTL  time.Duration `yaml:"redis_ttl"`
}

type PostgresConfig struct {
	// URL empty disables the journal and snapshot history.
	URL          string        `yaml:"url"`
	BatchSize    int           `yaml:"batch_size"`
	FlushTimeout time.Duration `yaml:"flush_timeout"`
	Snapshots    bool          `yaml:"snapshots"`
}

type NATSConfig struct {
	// URL empty disables settlement broadcast.
	URL    string `yaml:"url"`
	Buffer int    `yaml:"buffer"`
}

type ServerConfig struct {
	GRPCAddr       string        `yaml:"grpc_addr"`
	HTTPAddr       string        `yaml:"http_addr"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type OrchestratorConfig struct {
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
}

// Default returns the configuration for a local validator.
func Default() Config {
	return Config{
		LogLevel: "info",
		Ledger: LedgerConfig{
			Cluster:      string(address.Localnet),
			Commitment:   "confirmed",
			Preflight:    true,
			PollInterval: 500 * time.Millisecond,
			AwaitTimeout: 60 * time.Second,
			MaxRetries:   3,
			RPS:          10,
			Burst:        20,
		},
		Cache: CacheConfig{
			Capacity: 4096,
			Workers:  8,
			RedisTTL: 30 * time.Second,
		},
		Postgres: PostgresConfig{
			BatchSize:    50,
			FlushTimeout: 100 * time.Millisecond,
			Snapshots:    true,
		},
		NATS: NATSConfig{Buffer: 1024},
		Server: ServerConfig{
			GRPCAddr:       ":9090",
			HTTPAddr:       ":8080",
			MetricsAddr:    ":9091",
			RequestTimeout: 30 * time.Second,
		},
		Orchestrator: OrchestratorConfig{ReconcileInterval: 15 * time.Second},
	}
}

// Load builds the configuration. path may be empty, in which case
// PERP_CONFIG_FILE is consulted; a missing .env file is not an error.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path == "" {
		path = os.Getenv("PERP_CONFIG_FILE")
	}
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.resolve(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(dst *string, key string) { *dst = envOrDefault(key, *dst) }
	num := func(dst *int, key string) {
		v, err := envIntOrDefault(key, *dst)
		errs = append(errs, err)
		*dst = v
	}
	dur := func(dst *time.Duration, key string) {
		v, err := envDurationOrDefault(key, *dst)
		errs = append(errs, err)
		*dst = v
	}
	flag := func(dst *bool, key string) {
		v, err := envBoolOrDefault(key, *dst)
		errs = append(errs, err)
		*dst = v
	}

	str(&c.Instance, "PERP_INSTANCE_ID")
	str(&c.LogLevel, "PERP_LOG_LEVEL")

	flag(&c.Ledger.Simulate, "PERP_SIMULATE")
	str(&c.Ledger.Cluster, "PERP_CLUSTER")
	str(&c.Ledger.RPCURL, "PERP_RPC_URL")
	str(&c.Ledger.WSURL, "PERP_WS_URL")
	str(&c.Ledger.ProgramID, "PERP_PROGRAM_ID")
	if v := os.Getenv("PERP_KEYPAIRS"); v != "" {
		c.Ledger.KeypairPaths = splitList(v)
	}
	str(&c.Ledger.Commitment, "PERP_COMMITMENT")
	flag(&c.Ledger.Preflight, "PERP_PREFLIGHT")
	dur(&c.Ledger.PollInterval, "PERP_POLL_INTERVAL")
	dur(&c.Ledger.AwaitTimeout, "PERP_AWAIT_TIMEOUT")
	num(&c.Ledger.MaxRetries, "PERP_RPC_MAX_RETRIES")
	num(&c.Ledger.Burst, "PERP_RPC_BURST")
	if v := os.Getenv("PERP_RPC_RPS"); v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("PERP_RPC_RPS: %w", err))
		}
		c.Ledger.RPS = rps
	}

	num(&c.Cache.Capacity, "PERP_CACHE_CAPACITY")
	num(&c.Cache.Workers, "PERP_CACHE_WORKERS")
	str(&c.Cache.RedisAddr, "PERP_REDIS_ADDR")
	dur(&c.Cache.RedisTTL, "PERP_REDIS_TTL")

	str(&c.Postgres.URL, "PERP_POSTGRES_DSN")
	num(&c.Postgres.BatchSize, "PERP_PERSIST_BATCH_SIZE")
	dur(&c.Postgres.FlushTimeout, "PERP_PERSIST_FLUSH_TIMEOUT")
	flag(&c.Postgres.Snapshots, "PERP_SNAPSHOTS")

	str(&c.NATS.URL, "PERP_NATS_URL")
	num(&c.NATS.Buffer, "PERP_BROADCAST_BUFFER")

	str(&c.Server.GRPCAddr, "PERP_GRPC_ADDR")
	str(&c.Server.HTTPAddr, "PERP_HTTP_ADDR")
	str(&c.Server.MetricsAddr, "PERP_METRICS_ADDR")
	dur(&c.Server.RequestTimeout, "PERP_REQUEST_TIMEOUT")

	dur(&c.Orchestrator.ReconcileInterval, "PERP_RECONCILE_INTERVAL")

	return errors.Join(errs...)
}

// resolve fills cluster-derived endpoints and checks the result.
func (c *Config) resolve() error {
	cluster, err := address.ParseCluster(c.Ledger.Cluster)
	if err != nil {
		return err
	}
	if c.Ledger.RPCURL == "" {
		c.Ledger.RPCURL = cluster.RPCURL()
	}
	if c.Ledger.WSURL == "" {
		c.Ledger.WSURL = address.WebsocketURLFor(c.Ledger.RPCURL)
	}
	if c.Ledger.ProgramID == "" {
		id, err := address.ProgramIDFor(cluster)
		if err != nil {
			return err
		}
		c.Ledger.ProgramID = id.String()
	}
	return c.Validate()
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := address.ParsePubkey(c.Ledger.ProgramID); err != nil {
		errs = append(errs, fmt.Errorf("ledger.program_id: %w", err))
	}
	switch c.Ledger.Commitment {
	case "processed", "confirmed", "finalized":
	default:
		errs = append(errs, fmt.Errorf("ledger.commitment: unknown level %q", c.Ledger.Commitment))
	}
	if c.Ledger.PollInterval <= 0 {
		errs = append(errs, errors.New("ledger.poll_interval must be positive"))
	}
	if c.Cache.Capacity <= 0 {
		errs = append(errs, errors.New("cache.capacity must be positive"))
	}
	if c.Cache.Workers <= 0 {
		errs = append(errs, errors.New("cache.workers must be positive"))
	}
	if c.Postgres.BatchSize <= 0 {
		errs = append(errs, errors.New("postgres.batch_size must be positive"))
	}
	if !c.Ledger.Simulate && len(c.Ledger.KeypairPaths) == 0 {
		errs = append(errs, errors.New("ledger.keypairs: at least one signing keypair is required"))
	}
	return errors.Join(errs...)
}

// ProgramID returns the parsed program address. Valid after Load.
func (c *Config) ProgramID() address.Pubkey {
	id, _ := address.ParsePubkey(c.Ledger.ProgramID)
	return id
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envDurationOrDefault(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func envBoolOrDefault(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
