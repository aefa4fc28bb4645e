// Package config handles loading and validation of the optstuff gateway
// configuration from YAML files and environment variables. Environment
// variables always override file-based values. Env var names follow the
// struct path with an OPTSTUFF_ prefix:
//
//	server.address → OPTSTUFF_SERVER_ADDRESS
//	telemetry.original_size_sample_rate → OPTSTUFF_TELEMETRY_ORIGINAL_SIZE_SAMPLE_RATE
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the default path for the YAML configuration file.
// Override via OPTSTUFF_CONFIG_FILE environment variable.
const defaultConfigFile = "/etc/optstuff/gateway.yaml"

// ---------------------------------------------------------------------------
// Enum types. All canonical forms are lowercase; Load() normalizes before
// validation.
// ---------------------------------------------------------------------------

// FailurePolicy controls rate-limit behavior when Redis is unreachable.
type FailurePolicy string

const (
	FailurePolicyPassThrough      FailurePolicy = "passthrough"
	FailurePolicyFailClosed       FailurePolicy = "failclosed"
	FailurePolicyInMemoryFallback FailurePolicy = "inmemoryfallback"
)

func (fp FailurePolicy) Valid() bool {
	switch fp {
	case FailurePolicyPassThrough, FailurePolicyFailClosed, FailurePolicyInMemoryFallback:
		return true
	}
	return false
}

// RedisMode identifies the Redis deployment topology.
type RedisMode string

const (
	RedisModeSingle   RedisMode = "single"
	RedisModeSentinel RedisMode = "sentinel"
	RedisModeCluster  RedisMode = "cluster"
)

func (m RedisMode) Valid() bool {
	switch m {
	case RedisModeSingle, RedisModeSentinel, RedisModeCluster:
		return true
	}
	return false
}

// LogLevel controls the minimum severity for structured log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the structured log encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// TLSVersion selects the minimum TLS protocol version.
type TLSVersion string

const (
	TLSVersion12 TLSVersion = "1.2"
	TLSVersion13 TLSVersion = "1.3"
)

func (v TLSVersion) Valid() bool {
	switch v {
	case TLSVersion12, TLSVersion13, "":
		return true
	}
	return false
}

// LogSink selects where request-log rows are delivered.
type LogSink string

const (
	LogSinkPostgres LogSink = "postgres"
	LogSinkHTTP     LogSink = "http"
	LogSinkNone     LogSink = "none"
)

func (s LogSink) Valid() bool {
	switch s {
	case LogSinkPostgres, LogSinkHTTP, LogSinkNone:
		return true
	}
	return false
}

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"     envPrefix:"SERVER_"`
	Admin     AdminConfig     `yaml:"admin"      envPrefix:"ADMIN_"`
	Gateway   GatewayConfig   `yaml:"gateway"    envPrefix:"GATEWAY_"`
	Upstream  UpstreamConfig  `yaml:"upstream"   envPrefix:"UPSTREAM_"`
	Engine    EngineConfig    `yaml:"engine"     envPrefix:"ENGINE_"`
	Cache     CacheConfig     `yaml:"cache"      envPrefix:"CACHE_"`
	RateLimit RateLimitConfig `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Redis     RedisConfig     `yaml:"redis"      envPrefix:"REDIS_"`
	Database  DatabaseConfig  `yaml:"database"   envPrefix:"DATABASE_"`
	Telemetry TelemetryConfig `yaml:"telemetry"  envPrefix:"TELEMETRY_"`
	Logging   LoggingConfig   `yaml:"logging"    envPrefix:"LOGGING_"`
	Tracing   TracingConfig   `yaml:"tracing"    envPrefix:"TRACING_"`
}

// ServerConfig holds the public gateway listener settings.
type ServerConfig struct {
	Address        string          `yaml:"address"         env:"ADDRESS"`
	ReadTimeout    string          `yaml:"read_timeout"    env:"READ_TIMEOUT"`
	WriteTimeout   string          `yaml:"write_timeout"   env:"WRITE_TIMEOUT"`
	IdleTimeout    string          `yaml:"idle_timeout"    env:"IDLE_TIMEOUT"`
	DrainTimeout   string          `yaml:"drain_timeout"   env:"DRAIN_TIMEOUT"`
	RequestTimeout string          `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	TLS            ServerTLSConfig `yaml:"tls"             envPrefix:"TLS_"`
}

// ServerTLSConfig holds optional TLS termination settings.
type ServerTLSConfig struct {
	Enabled      bool       `yaml:"enabled"       env:"ENABLED"`
	CertFile     string     `yaml:"cert_file"     env:"CERT_FILE"`
	KeyFile      string     `yaml:"key_file"      env:"KEY_FILE"`
	HTTP3Enabled bool       `yaml:"http3_enabled" env:"HTTP3_ENABLED"`
	MinVersion   TLSVersion `yaml:"min_version"   env:"MIN_VERSION"`
}

// AdminConfig holds the admin/observability server settings.
type AdminConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`

	// Token guards the cache administration endpoints with a bearer token.
	// When empty the endpoints are open to anyone who can reach the admin
	// listener.
	Token RedactedString `yaml:"token" env:"TOKEN"`

	// GRPCAddress enables the grpc.health.v1 service on a separate port.
	GRPCAddress string `yaml:"grpc_address" env:"GRPC_ADDRESS"`
}

// GatewayConfig holds request validation settings.
type GatewayConfig struct {
	// PathPrefix is the URL prefix under which signed image URLs are served.
	PathPrefix string `yaml:"path_prefix" env:"PATH_PREFIX"`

	// AllowMissingReferer lets requests without a Referer header through
	// projects that restrict referers. Default false (rejected).
	AllowMissingReferer bool `yaml:"allow_missing_referer" env:"ALLOW_MISSING_REFERER"`

	// DefaultSourceScheme is prepended to image paths without a scheme.
	DefaultSourceScheme string `yaml:"default_source_scheme" env:"DEFAULT_SOURCE_SCHEME"`

	SourceURLPolicy SourceURLPolicy `yaml:"source_url_policy" envPrefix:"SOURCE_URL_POLICY_"`
}

// SourceURLPolicy controls which source image URLs may be fetched. Prevents
// SSRF via crafted image paths.
type SourceURLPolicy struct {
	// AllowedSchemes restricts the URL scheme. Default: ["http", "https"].
	AllowedSchemes []string `yaml:"allowed_schemes" env:"ALLOWED_SCHEMES" envSeparator:","`
	// DenyPrivateNetworks blocks RFC 1918, loopback, link-local, and cloud
	// metadata IPs when true. Default: true.
	DenyPrivateNetworks *bool `yaml:"deny_private_networks" env:"DENY_PRIVATE_NETWORKS"`
}

// DenyPrivateNetworksEnabled returns whether private networks should be blocked.
// Defaults to true when not explicitly configured.
func (p SourceURLPolicy) DenyPrivateNetworksEnabled() bool {
	if p.DenyPrivateNetworks == nil {
		return true
	}
	return *p.DenyPrivateNetworks
}

// UpstreamConfig tunes the HTTP client used to probe source images.
type UpstreamConfig struct {
	ProbeTimeout    string `yaml:"probe_timeout"     env:"PROBE_TIMEOUT"`
	DialTimeout     string `yaml:"dial_timeout"      env:"DIAL_TIMEOUT"`
	MaxIdleConns    int    `yaml:"max_idle_conns"    env:"MAX_IDLE_CONNS"`
	IdleConnTimeout string `yaml:"idle_conn_timeout" env:"IDLE_CONN_TIMEOUT"`
	UserAgent       string `yaml:"user_agent"        env:"USER_AGENT"`
}

// EngineConfig points at the image transformation engine.
type EngineConfig struct {
	URL              string `yaml:"url"                env:"URL"`
	Timeout          string `yaml:"timeout"            env:"TIMEOUT"`
	MaxResponseBytes int64  `yaml:"max_response_bytes" env:"MAX_RESPONSE_BYTES"`
}

// CacheConfig holds config-cache (project / API key) settings.
type CacheConfig struct {
	KeyPrefix      string `yaml:"key_prefix"      env:"KEY_PREFIX"`
	PositiveTTL    string `yaml:"positive_ttl"    env:"POSITIVE_TTL"`
	NegativeTTL    string `yaml:"negative_ttl"    env:"NEGATIVE_TTL"`
	CoalesceMisses bool   `yaml:"coalesce_misses" env:"COALESCE_MISSES"`
}

// RateLimitConfig holds per-key rate limiting settings.
type RateLimitConfig struct {
	KeyPrefix     string        `yaml:"key_prefix"     env:"KEY_PREFIX"`
	FailurePolicy FailurePolicy `yaml:"failure_policy" env:"FAILURE_POLICY"`

	// FallbackMaxKeys bounds the in-memory fallback limiter used by the
	// inmemoryfallback policy.
	FallbackMaxKeys int64 `yaml:"fallback_max_keys" env:"FALLBACK_MAX_KEYS"`
}

// RedisConfig holds Redis connection and topology settings.
type RedisConfig struct {
	Endpoints        []string       `yaml:"endpoints"         env:"ENDPOINTS" envSeparator:","`
	Mode             RedisMode      `yaml:"mode"              env:"MODE"`
	MasterName       string         `yaml:"master_name"       env:"MASTER_NAME"`
	Username         string         `yaml:"username"          env:"USERNAME"`
	Password         RedactedString `yaml:"password"          env:"PASSWORD"`
	DB               int            `yaml:"db"                env:"DB"`
	PoolSize         int            `yaml:"pool_size"         env:"POOL_SIZE"`
	DialTimeout      string         `yaml:"dial_timeout"      env:"DIAL_TIMEOUT"`
	ReadTimeout      string         `yaml:"read_timeout"      env:"READ_TIMEOUT"`
	WriteTimeout     string         `yaml:"write_timeout"     env:"WRITE_TIMEOUT"`
	TLS              RedisTLSConfig `yaml:"tls"               envPrefix:"TLS_"`
	SentinelUsername string         `yaml:"sentinel_username" env:"SENTINEL_USERNAME"`
	SentinelPassword RedactedString `yaml:"sentinel_password" env:"SENTINEL_PASSWORD"`
}

// RedisTLSConfig holds Redis TLS settings.
type RedisTLSConfig struct {
	Enabled            bool `yaml:"enabled"              env:"ENABLED"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// DatabaseConfig holds the PostgreSQL source-of-record settings.
type DatabaseConfig struct {
	URL             RedactedString `yaml:"url"                env:"URL"`
	MaxConns        int32          `yaml:"max_conns"          env:"MAX_CONNS"`
	MinConns        int32          `yaml:"min_conns"          env:"MIN_CONNS"`
	MaxConnLifetime string         `yaml:"max_conn_lifetime"  env:"MAX_CONN_LIFETIME"`
	ConnectTimeout  string         `yaml:"connect_timeout"    env:"CONNECT_TIMEOUT"`

	// SecretEncryptionKey is the hex-encoded AES-256 key used to decrypt
	// API-key secrets at rest. Empty means secrets are stored in plaintext.
	SecretEncryptionKey RedactedString `yaml:"secret_encryption_key" env:"SECRET_ENCRYPTION_KEY"`
}

// TelemetryConfig holds post-response background work settings.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	// OriginalSizeSampleRate is the probability in [0,1] that a successful
	// request also measures the source image size with a HEAD request.
	OriginalSizeSampleRate float64 `yaml:"original_size_sample_rate" env:"ORIGINAL_SIZE_SAMPLE_RATE"`
	SampleTimeout          string  `yaml:"sample_timeout"            env:"SAMPLE_TIMEOUT"`
	// MaxSampleRPS caps sampler HEAD requests per second across the process.
	MaxSampleRPS float64 `yaml:"max_sample_rps" env:"MAX_SAMPLE_RPS"`

	MaxInFlight int    `yaml:"max_in_flight" env:"MAX_IN_FLIGHT"`
	TaskTimeout string `yaml:"task_timeout"  env:"TASK_TIMEOUT"`

	Sink          LogSink             `yaml:"sink"           env:"SINK"`
	HTTP          TelemetryHTTPConfig `yaml:"http"           envPrefix:"HTTP_"`
	BatchSize     int                 `yaml:"batch_size"     env:"BATCH_SIZE"`
	FlushInterval string              `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	BufferSize    int                 `yaml:"buffer_size"    env:"BUFFER_SIZE"`
}

// TelemetryHTTPConfig holds the webhook receiver for request logs.
type TelemetryHTTPConfig struct {
	URL string `yaml:"url" env:"URL"`
}

// RedactedString is a string that masks its value in String(), GoString(), and
// MarshalJSON() to prevent accidental leakage in logs or serialized output.
// Use .Value() to access the underlying secret.
type RedactedString string

const redactedPlaceholder = "[REDACTED]"

// Value returns the underlying secret string.
func (r RedactedString) Value() string { return string(r) }

// String implements fmt.Stringer and always returns a redacted placeholder.
func (r RedactedString) String() string {
	if r == "" {
		return ""
	}
	return redactedPlaceholder
}

// GoString implements fmt.GoStringer for %#v.
func (r RedactedString) GoString() string { return r.String() }

// MarshalJSON masks the value in JSON output.
func (r RedactedString) MarshalJSON() ([]byte, error) {
	if r == "" {
		return []byte(`""`), nil
	}
	return json.Marshal(redactedPlaceholder)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"  env:"LEVEL"`
	Format LogFormat `yaml:"format" env:"FORMAT"`
	// AccessLog emits one "access" line per gateway request. Default: true.
	AccessLog *bool `yaml:"access_log" env:"ACCESS_LOG"`
}

// AccessLogEnabled returns whether access logging is on. Defaults to true.
func (l LoggingConfig) AccessLogEnabled() bool {
	if l.AccessLog == nil {
		return true
	}
	return *l.AccessLog
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint"     env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate"  env:"SAMPLE_RATE"`
}

// Defaults returns a Config populated with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:        ":8080",
			ReadTimeout:    "30s",
			WriteTimeout:   "60s",
			IdleTimeout:    "120s",
			DrainTimeout:   "30s",
			RequestTimeout: "60s",
		},
		Admin: AdminConfig{
			Address:      ":9090",
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "30s",
		},
		Gateway: GatewayConfig{
			PathPrefix:          "/api/v1/",
			DefaultSourceScheme: "https",
		},
		Upstream: UpstreamConfig{
			ProbeTimeout:    "3s",
			DialTimeout:     "2s",
			MaxIdleConns:    100,
			IdleConnTimeout: "90s",
			UserAgent:       "optstuff-gateway",
		},
		Engine: EngineConfig{
			Timeout:          "30s",
			MaxResponseBytes: 50 << 20,
		},
		Cache: CacheConfig{
			KeyPrefix:      "optstuff:cfg:",
			PositiveTTL:    "60s",
			NegativeTTL:    "10s",
			CoalesceMisses: true,
		},
		RateLimit: RateLimitConfig{
			KeyPrefix:       "optstuff:rl:",
			FailurePolicy:   FailurePolicyPassThrough,
			FallbackMaxKeys: 65536,
		},
		Redis: RedisConfig{
			Endpoints:    []string{"localhost:6379"},
			Mode:         RedisModeSingle,
			PoolSize:     10,
			DialTimeout:  "5s",
			ReadTimeout:  "3s",
			WriteTimeout: "3s",
		},
		Database: DatabaseConfig{
			MaxConns:        10,
			MinConns:        1,
			MaxConnLifetime: "30m",
			ConnectTimeout:  "5s",
		},
		Telemetry: TelemetryConfig{
			Enabled:                true,
			OriginalSizeSampleRate: 0.1,
			SampleTimeout:          "3s",
			MaxSampleRPS:           50,
			MaxInFlight:            256,
			TaskTimeout:            "10s",
			Sink:                   LogSinkPostgres,
			BatchSize:              100,
			FlushInterval:          "5s",
			BufferSize:             10000,
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			ServiceName: "optstuff-gateway",
			SampleRate:  0.1,
		},
	}
}

// ConfigFilePath returns the resolved config file path (from env or default).
func ConfigFilePath() string {
	configFile := os.Getenv("OPTSTUFF_CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	return configFile
}

// Load reads configuration from a YAML file and overlays environment variable
// overrides. The config file path defaults to /etc/optstuff/gateway.yaml and
// can be overridden via OPTSTUFF_CONFIG_FILE.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given YAML file and overlays
// environment variable overrides. Used by the config watcher to reload.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile)
	if err == nil {
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
	}
	// A missing file means defaults + env overrides.

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: "OPTSTUFF_"}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalize lowercases enum fields and canonicalizes the path prefix.
func (cfg *Config) normalize() {
	cfg.RateLimit.FailurePolicy = FailurePolicy(strings.ToLower(string(cfg.RateLimit.FailurePolicy)))
	cfg.Redis.Mode = RedisMode(strings.ToLower(string(cfg.Redis.Mode)))
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
	cfg.Telemetry.Sink = LogSink(strings.ToLower(string(cfg.Telemetry.Sink)))
	cfg.Server.TLS.MinVersion = TLSVersion(normalizeTLSVersion(string(cfg.Server.TLS.MinVersion)))
	cfg.Gateway.DefaultSourceScheme = strings.ToLower(cfg.Gateway.DefaultSourceScheme)

	p := cfg.Gateway.PathPrefix
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	cfg.Gateway.PathPrefix = p
}

// normalizeTLSVersion maps the various accepted spellings to canonical "1.2" / "1.3".
func normalizeTLSVersion(v string) string {
	switch strings.ToLower(v) {
	case "1.3", "tls13", "tls1.3":
		return string(TLSVersion13)
	case "1.2", "tls12", "tls1.2":
		return string(TLSVersion12)
	default:
		return v
	}
}

// Validate checks that the configuration is internally consistent.
func Validate(cfg *Config) error {
	validators := []func(*Config) error{
		validateDurations,
		validateTLS,
		validateGateway,
		validateEngine,
		validateRateLimit,
		validateRedis,
		validateDatabase,
		validateTelemetry,
		validateLogging,
		validateTracing,
	}
	for _, v := range validators {
		if err := v(cfg); err != nil {
			return err
		}
	}
	return nil
}

func validateDurations(cfg *Config) error {
	durations := []struct {
		name, val string
	}{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"server.drain_timeout", cfg.Server.DrainTimeout},
		{"server.request_timeout", cfg.Server.RequestTimeout},
		{"admin.read_timeout", cfg.Admin.ReadTimeout},
		{"admin.write_timeout", cfg.Admin.WriteTimeout},
		{"admin.idle_timeout", cfg.Admin.IdleTimeout},
		{"upstream.probe_timeout", cfg.Upstream.ProbeTimeout},
		{"upstream.dial_timeout", cfg.Upstream.DialTimeout},
		{"upstream.idle_conn_timeout", cfg.Upstream.IdleConnTimeout},
		{"engine.timeout", cfg.Engine.Timeout},
		{"cache.positive_ttl", cfg.Cache.PositiveTTL},
		{"cache.negative_ttl", cfg.Cache.NegativeTTL},
		{"redis.dial_timeout", cfg.Redis.DialTimeout},
		{"redis.read_timeout", cfg.Redis.ReadTimeout},
		{"redis.write_timeout", cfg.Redis.WriteTimeout},
		{"database.max_conn_lifetime", cfg.Database.MaxConnLifetime},
		{"database.connect_timeout", cfg.Database.ConnectTimeout},
		{"telemetry.sample_timeout", cfg.Telemetry.SampleTimeout},
		{"telemetry.task_timeout", cfg.Telemetry.TaskTimeout},
		{"telemetry.flush_interval", cfg.Telemetry.FlushInterval},
	}

	for _, d := range durations {
		if d.val == "" {
			continue
		}
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.val, err)
		}
	}
	return nil
}

func validateTLS(cfg *Config) error {
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
		}
	}
	if cfg.Server.TLS.HTTP3Enabled && !cfg.Server.TLS.Enabled {
		return fmt.Errorf("server.tls.http3_enabled requires server.tls.enabled to be true (QUIC mandates TLS)")
	}
	if v := cfg.Server.TLS.MinVersion; v != "" && !v.Valid() {
		return fmt.Errorf("invalid server.tls.min_version %q: must be 1.2 or 1.3", v)
	}
	return nil
}

func validateGateway(cfg *Config) error {
	if cfg.Gateway.PathPrefix == "/" {
		return fmt.Errorf("gateway.path_prefix must not be the root path")
	}
	switch cfg.Gateway.DefaultSourceScheme {
	case "http", "https":
	default:
		return fmt.Errorf("invalid gateway.default_source_scheme %q: must be http or https", cfg.Gateway.DefaultSourceScheme)
	}
	for _, s := range cfg.Gateway.SourceURLPolicy.AllowedSchemes {
		if s != "http" && s != "https" {
			return fmt.Errorf("invalid gateway.source_url_policy.allowed_schemes entry %q", s)
		}
	}
	return nil
}

func validateEngine(cfg *Config) error {
	if cfg.Engine.URL == "" {
		return fmt.Errorf("engine.url is required")
	}
	u, err := url.Parse(cfg.Engine.URL)
	if err != nil {
		return fmt.Errorf("invalid engine.url %q: %w", cfg.Engine.URL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid engine.url %q: scheme and host are required", cfg.Engine.URL)
	}
	if cfg.Engine.MaxResponseBytes < 0 {
		return fmt.Errorf("engine.max_response_bytes must be >= 0")
	}
	return nil
}

func validateRateLimit(cfg *Config) error {
	if fp := cfg.RateLimit.FailurePolicy; fp != "" && !fp.Valid() {
		return fmt.Errorf("invalid rate_limit.failure_policy %q: must be passthrough, failclosed, or inmemoryfallback", fp)
	}
	if cfg.RateLimit.FallbackMaxKeys < 0 {
		return fmt.Errorf("rate_limit.fallback_max_keys must be >= 0")
	}
	return nil
}

func validateRedis(cfg *Config) error {
	rc := cfg.Redis
	if !rc.Mode.Valid() {
		return fmt.Errorf("invalid redis.mode %q", rc.Mode)
	}
	if len(rc.Endpoints) == 0 {
		return fmt.Errorf("redis.endpoints: at least one endpoint is required")
	}
	if rc.Mode == RedisModeSingle && len(rc.Endpoints) > 1 {
		return fmt.Errorf("redis.endpoints: single mode requires exactly one endpoint, got %d", len(rc.Endpoints))
	}
	if rc.Mode == RedisModeSentinel && rc.MasterName == "" {
		return fmt.Errorf("redis.master_name is required for sentinel mode")
	}
	return nil
}

func validateDatabase(cfg *Config) error {
	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if cfg.Database.MaxConns < 1 {
		return fmt.Errorf("database.max_conns must be >= 1")
	}
	if cfg.Database.MinConns < 0 || cfg.Database.MinConns > cfg.Database.MaxConns {
		return fmt.Errorf("database.min_conns must be between 0 and max_conns")
	}
	if k := cfg.Database.SecretEncryptionKey.Value(); k != "" && len(k) != 64 {
		return fmt.Errorf("database.secret_encryption_key must be 64 hex characters")
	}
	return nil
}

func validateTelemetry(cfg *Config) error {
	t := cfg.Telemetry
	if t.OriginalSizeSampleRate < 0 || t.OriginalSizeSampleRate > 1 {
		return fmt.Errorf("telemetry.original_size_sample_rate must be between 0 and 1")
	}
	if !t.Sink.Valid() {
		return fmt.Errorf("invalid telemetry.sink %q: must be postgres, http, or none", t.Sink)
	}
	if t.Sink == LogSinkHTTP && t.HTTP.URL == "" {
		return fmt.Errorf("telemetry.http.url is required when telemetry.sink is http")
	}
	if t.MaxInFlight < 1 {
		return fmt.Errorf("telemetry.max_in_flight must be >= 1")
	}
	return nil
}

func validateLogging(cfg *Config) error {
	if !cfg.Logging.Level.Valid() {
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Format.Valid() {
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	return nil
}

func validateTracing(cfg *Config) error {
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

// ParseDuration parses a duration string, returning def if the string is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// MustParseDuration parses a duration string, returning def on empty or error.
func MustParseDuration(s string, def time.Duration) time.Duration {
	d, err := ParseDuration(s, def)
	if err != nil {
		return def
	}
	return d
}

// RequiresRestart compares this config to old and returns a list of field
// paths that changed and require a process restart. An empty slice means
// the new config can be hot-reloaded safely.
func (c *Config) RequiresRestart(old *Config) []string {
	if old == nil {
		return nil
	}
	var fields []string
	add := func(changed bool, name string) {
		if changed {
			fields = append(fields, name)
		}
	}
	add(c.Server.Address != old.Server.Address, "server.address")
	add(c.Admin.Address != old.Admin.Address, "admin.address")
	add(c.Admin.GRPCAddress != old.Admin.GRPCAddress, "admin.grpc_address")
	add(c.Redis.Mode != old.Redis.Mode, "redis.mode")
	add(!equalStrings(c.Redis.Endpoints, old.Redis.Endpoints), "redis.endpoints")
	add(c.Database.URL != old.Database.URL, "database.url")
	add(c.Database.SecretEncryptionKey != old.Database.SecretEncryptionKey, "database.secret_encryption_key")
	add(c.Server.TLS.Enabled != old.Server.TLS.Enabled, "server.tls.enabled")
	add(c.Server.TLS.HTTP3Enabled != old.Server.TLS.HTTP3Enabled, "server.tls.http3_enabled")
	add(c.Gateway.PathPrefix != old.Gateway.PathPrefix, "gateway.path_prefix")
	add(c.Engine.URL != old.Engine.URL, "engine.url")
	add(c.Telemetry.Sink != old.Telemetry.Sink, "telemetry.sink")
	add(c.Cache.KeyPrefix != old.Cache.KeyPrefix, "cache.key_prefix")
	add(c.RateLimit.KeyPrefix != old.RateLimit.KeyPrefix, "rate_limit.key_prefix")
	return fields
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
