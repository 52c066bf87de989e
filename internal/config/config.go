// Package config provides configuration management for the unit migrator.
//
// Configuration is loaded from:
// 1. config.yaml file (optional)
// 2. Environment variables (standard names like DATABASE_URL, SERVER_PORT)
// 3. Default values
//
// Import Path: unitmover.io/unitmover/internal/config
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/mod/semver"
)

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	River     RiverConfig     `mapstructure:"river"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Migration MigrationConfig `mapstructure:"migration"`
	Reserve   ReserveConfig   `mapstructure:"reserve"`
	Transfer  TransferConfig  `mapstructure:"transfer"`
	Handoff   HandoffConfig   `mapstructure:"handoff"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Unit      UnitConfig      `mapstructure:"unit"`
	Source    SourceConfig    `mapstructure:"source"`
	Security  SecurityConfig  `mapstructure:"security"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port                  int           `mapstructure:"port"`
	ReadTimeout           time.Duration `mapstructure:"read_timeout"`
	WriteTimeout          time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout       time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins        []string      `mapstructure:"allowed_origins"`
	AllowCredentials      bool          `mapstructure:"allow_credentials"`
	UnsafeAllowAllOrigins bool          `mapstructure:"unsafe_allow_all_origins"`
}

// DatabaseConfig contains PostgreSQL connection settings. The pool is
// shared by the repositories and River. An empty URL and Host selects
// the in-memory repositories.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`

	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`

	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`

	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// Enabled reports whether a PostgreSQL database is configured.
func (c DatabaseConfig) Enabled() bool {
	return c.URL != "" || c.Host != ""
}

// DSN returns the PostgreSQL connection string.
// Priority: DATABASE_URL > constructed from individual fields.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslmode,
	)
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// RiverConfig contains River Queue settings.
type RiverConfig struct {
	MaxWorkers                  int           `mapstructure:"max_workers"`
	CompletedJobRetentionPeriod time.Duration `mapstructure:"completed_job_retention_period"`
}

// WorkerConfig contains worker pool settings.
type WorkerConfig struct {
	GeneralPoolSize  int           `mapstructure:"general_pool_size"`
	TransferPoolSize int           `mapstructure:"transfer_pool_size"`
	ReleaseTimeout   time.Duration `mapstructure:"release_timeout"`
}

// MigrationConfig contains orchestrator settings.
type MigrationConfig struct {
	// Enabled is the initial value of the feature toggle. Once the toggle
	// has been persisted, the stored value wins.
	Enabled bool `mapstructure:"enabled"`
	// OrchestratorID is the controller identity held by the migrator
	// until handoff.
	OrchestratorID string `mapstructure:"orchestrator_id"`
	// FundingCredits is debited from the reserve for each new unit.
	FundingCredits uint64        `mapstructure:"funding_credits"`
	ChunkSize      int           `mapstructure:"chunk_size"`
	StallAfter     time.Duration `mapstructure:"stall_after"`
	ResumeInterval time.Duration `mapstructure:"resume_interval"`
}

// ReserveConfig contains resource reserve settings.
type ReserveConfig struct {
	InitialBalance uint64        `mapstructure:"initial_balance"`
	MinThreshold   uint64        `mapstructure:"min_threshold"`
	CheckInterval  time.Duration `mapstructure:"check_interval"`
}

// TransferConfig contains transfer protocol settings.
type TransferConfig struct {
	MaxChunkSize     int           `mapstructure:"max_chunk_size"`
	SessionTTL       time.Duration `mapstructure:"session_ttl"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	ChunkAttempts    int           `mapstructure:"chunk_attempts"`
	ChunkRetryDelay  time.Duration `mapstructure:"chunk_retry_delay"`
	EndpointTemplate string        `mapstructure:"endpoint_template"` // e.g. http://%s.units.svc:8090
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	SnapshotPath     string        `mapstructure:"snapshot_path"`
	DataDir          string        `mapstructure:"data_dir"`
	ListenPort       int           `mapstructure:"listen_port"`
}

// HandoffConfig contains controller handoff saga settings.
type HandoffConfig struct {
	MaxAttempts          int           `mapstructure:"max_attempts"`
	InitialDelay         time.Duration `mapstructure:"initial_delay"`
	MaxDelay             time.Duration `mapstructure:"max_delay"`
	CompensationAttempts int           `mapstructure:"compensation_attempts"`
}

// ProviderConfig selects and configures the provisioning authority.
type ProviderConfig struct {
	Type             string        `mapstructure:"type"` // mock or kubevirt
	Namespace        string        `mapstructure:"namespace"`
	Kubeconfig       string        `mapstructure:"kubeconfig"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// UnitConfig describes the single destination unit template.
type UnitConfig struct {
	TemplateFile     string   `mapstructure:"template_file"`
	Image            string   `mapstructure:"image"`
	InitArgs         []string `mapstructure:"init_args"`
	InterfaceVersion string   `mapstructure:"interface_version"`
	CPU              int      `mapstructure:"cpu"`
	MemoryMB         int      `mapstructure:"memory_mb"`
}

// SourceConfig selects the source store.
type SourceConfig struct {
	Type     string `mapstructure:"type"` // memory or s3
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
	// Static credentials; the default AWS credential chain is used when empty.
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	PathStyle       bool   `mapstructure:"path_style"`
}

// SecurityConfig contains security-related settings.
// Secrets are auto-generated on first boot if missing.
type SecurityConfig struct {
	JWTSigningKey string `mapstructure:"jwt_signing_key"`
	// JWTVerificationKeys are retired signing keys still accepted while
	// tokens issued with them expire.
	JWTVerificationKeys []string      `mapstructure:"jwt_verification_keys"`
	JWTIssuer           string        `mapstructure:"jwt_issuer"`
	TokenLifetime       time.Duration `mapstructure:"token_lifetime"`
}

var (
	bootstrapLoggerOnce sync.Once
	bootstrapLogger     *zap.Logger
)

// Load reads configuration from file and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/unitmover")

	// No prefix: database.max_conns → DATABASE_MAX_CONNS
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.ensureSecrets(); err != nil {
		return nil, fmt.Errorf("ensure secrets: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate checks for critical configuration errors.
func (c *Config) Validate() error {
	if len(c.Security.JWTSigningKey) < 32 {
		return fmt.Errorf("security.jwt_signing_key must be at least 32 characters")
	}
	if c.Migration.OrchestratorID == "" {
		return fmt.Errorf("migration.orchestrator_id must not be empty")
	}
	if c.Migration.FundingCredits == 0 {
		return fmt.Errorf("migration.funding_credits must be positive")
	}
	if c.Migration.ChunkSize <= 0 || c.Migration.ChunkSize > c.Transfer.MaxChunkSize {
		return fmt.Errorf("migration.chunk_size must be in (0, transfer.max_chunk_size]")
	}
	if c.Handoff.MaxAttempts < 1 {
		return fmt.Errorf("handoff.max_attempts must be at least 1")
	}
	if !semver.IsValid(c.Unit.InterfaceVersion) {
		return fmt.Errorf("unit.interface_version %q is not a semantic version", c.Unit.InterfaceVersion)
	}
	switch c.Provider.Type {
	case "mock", "kubevirt":
	default:
		return fmt.Errorf("provider.type %q is not supported", c.Provider.Type)
	}
	switch c.Source.Type {
	case "memory":
	case "s3":
		if c.Source.Bucket == "" {
			return fmt.Errorf("source.bucket is required for the s3 source")
		}
	default:
		return fmt.Errorf("source.type %q is not supported", c.Source.Type)
	}
	return nil
}

// ensureSecrets auto-generates missing secrets.
func (c *Config) ensureSecrets() error {
	if c.Security.JWTSigningKey == "" {
		key, err := generateSecureRandomHex(32)
		if err != nil {
			return fmt.Errorf("auto-generate jwt signing key: %w", err)
		}
		c.Security.JWTSigningKey = key
		logBootstrapWarn(
			"auto-generated jwt_signing_key; set SECURITY_JWT_SIGNING_KEY env var for persistence",
			zap.Int("length", len(key)),
		)
	}
	return nil
}

func logBootstrapWarn(msg string, fields ...zap.Field) {
	bootstrapLoggerOnce.Do(func() {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)

		l, err := cfg.Build()
		if err != nil {
			bootstrapLogger = zap.NewNop()
			return
		}
		bootstrapLogger = l
	})

	bootstrapLogger.Warn(msg, fields...)
}

// generateSecureRandomHex produces a hex-encoded string of n random bytes.
func generateSecureRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto/rand: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.allow_credentials", true)
	v.SetDefault("server.unsafe_allow_all_origins", false)

	// Database: empty host and url select the in-memory repositories
	v.SetDefault("database.url", "")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "unitmover")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "unitmover")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "10m")
	v.SetDefault("database.auto_migrate", true)

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// River
	v.SetDefault("river.max_workers", 10)
	v.SetDefault("river.completed_job_retention_period", "24h")

	// Worker pool
	v.SetDefault("worker.general_pool_size", 50)
	v.SetDefault("worker.transfer_pool_size", 16)
	v.SetDefault("worker.release_timeout", "30s")

	// Migration
	v.SetDefault("migration.enabled", true)
	v.SetDefault("migration.orchestrator_id", "unitmover")
	v.SetDefault("migration.funding_credits", 5000)
	v.SetDefault("migration.chunk_size", 512*1024)
	v.SetDefault("migration.stall_after", "10m")
	v.SetDefault("migration.resume_interval", "2m")

	// Reserve
	v.SetDefault("reserve.initial_balance", 0)
	v.SetDefault("reserve.min_threshold", 1000)
	v.SetDefault("reserve.check_interval", "5m")

	// Transfer
	v.SetDefault("transfer.max_chunk_size", 1024*1024)
	v.SetDefault("transfer.session_ttl", "30m")
	v.SetDefault("transfer.sweep_interval", "1m")
	v.SetDefault("transfer.chunk_attempts", 3)
	v.SetDefault("transfer.chunk_retry_delay", "200ms")
	v.SetDefault("transfer.endpoint_template", "http://%s:8090")
	v.SetDefault("transfer.request_timeout", "30s")
	v.SetDefault("transfer.snapshot_path", "")
	v.SetDefault("transfer.data_dir", "./data")
	v.SetDefault("transfer.listen_port", 8090)

	// Handoff
	v.SetDefault("handoff.max_attempts", 5)
	v.SetDefault("handoff.initial_delay", "500ms")
	v.SetDefault("handoff.max_delay", "30s")
	v.SetDefault("handoff.compensation_attempts", 3)

	// Provider
	v.SetDefault("provider.type", "mock")
	v.SetDefault("provider.namespace", "units")
	v.SetDefault("provider.kubeconfig", "")
	v.SetDefault("provider.operation_timeout", "2m")

	// Unit template
	v.SetDefault("unit.template_file", "")
	v.SetDefault("unit.image", "registry.local/unitmover/unit:v1")
	v.SetDefault("unit.init_args", []string{})
	v.SetDefault("unit.interface_version", "v1.0.0")
	v.SetDefault("unit.cpu", 1)
	v.SetDefault("unit.memory_mb", 1024)

	// Source
	v.SetDefault("source.type", "memory")
	v.SetDefault("source.bucket", "")
	v.SetDefault("source.prefix", "subjects/")
	v.SetDefault("source.region", "us-east-1")
	v.SetDefault("source.endpoint", "")
	v.SetDefault("source.access_key_id", "")
	v.SetDefault("source.secret_access_key", "")
	v.SetDefault("source.path_style", false)

	// Security
	v.SetDefault("security.jwt_signing_key", "")
	v.SetDefault("security.jwt_verification_keys", []string{})
	v.SetDefault("security.jwt_issuer", "unitmover")
	v.SetDefault("security.token_lifetime", "12h")
}
