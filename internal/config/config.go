// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger      LoggerConfig      `mapstructure:"logger" yaml:"logger"`
	Engine      EngineConfig      `mapstructure:"engine" yaml:"engine"`
	Store       StoreConfig       `mapstructure:"store" yaml:"store"`
	Workspace   WorkspaceConfig   `mapstructure:"workspace" yaml:"workspace"`
	Selection   SelectionConfig   `mapstructure:"selection" yaml:"selection"`
	Personality PersonalityConfig `mapstructure:"personality" yaml:"personality"`
	Sandbox     SandboxConfig     `mapstructure:"sandbox" yaml:"sandbox"`
	A2A         A2AConfig         `mapstructure:"a2a" yaml:"a2a"`
	Hub         HubConfig         `mapstructure:"hub" yaml:"hub"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// EngineConfig tunes the solidification cycle itself.
type EngineConfig struct {
	Interval          time.Duration `mapstructure:"interval" yaml:"interval"`
	CycleTimeout      time.Duration `mapstructure:"cycle_timeout" yaml:"cycle_timeout"`
	RollbackOnFailure bool          `mapstructure:"rollback_on_failure" yaml:"rollback_on_failure"`
	Trace             bool          `mapstructure:"trace" yaml:"trace"`
}

// StoreConfig locates the persisted asset state.
type StoreConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// WorkspaceConfig describes the repository the engine operates on and which
// part of it counts as the engine's own source of truth. VerifyCommands is
// the build/lint/test sequence the sandbox runs when a source file changed.
type WorkspaceConfig struct {
	Root           string   `mapstructure:"root" yaml:"root"`
	SourcePaths    []string `mapstructure:"source_paths" yaml:"source_paths"`
	SourceMaxFiles int      `mapstructure:"source_max_files" yaml:"source_max_files"`
	SourceMaxLines int      `mapstructure:"source_max_lines" yaml:"source_max_lines"`
	VerifyCommands []string `mapstructure:"verify_commands" yaml:"verify_commands"`
}

// SelectionConfig steers gene and capsule selection.
type SelectionConfig struct {
	DriftEnabled    bool     `mapstructure:"drift_enabled" yaml:"drift_enabled"`
	BannedGenes     []string `mapstructure:"banned_genes" yaml:"banned_genes"`
	PreferredGene   string   `mapstructure:"preferred_gene" yaml:"preferred_gene"`
	MaxAlternatives int      `mapstructure:"max_alternatives" yaml:"max_alternatives"`
}

// PersonalityConfig overrides the gate and evolution policy knobs.
type PersonalityConfig struct {
	HighRiskMinRigor     float64 `mapstructure:"high_risk_min_rigor" yaml:"high_risk_min_rigor"`
	HighRiskMinObedience float64 `mapstructure:"high_risk_min_obedience" yaml:"high_risk_min_obedience"`
	HighRiskMaxTolerance float64 `mapstructure:"high_risk_max_tolerance" yaml:"high_risk_max_tolerance"`
	MinSamplesForBest    int     `mapstructure:"min_samples_for_best" yaml:"min_samples_for_best"`
}

// SandboxConfig controls the isolated verification substrate. Timeout caps
// the whole verification run; individual commands have no cutoff of their
// own.
type SandboxConfig struct {
	Mode          string        `mapstructure:"mode" yaml:"mode"`
	Image         string        `mapstructure:"image" yaml:"image"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	KeepOnFailure bool          `mapstructure:"keep_on_failure" yaml:"keep_on_failure"`
}

// A2AConfig configures peer sharing.
type A2AConfig struct {
	Enabled            bool    `mapstructure:"enabled" yaml:"enabled"`
	NodeID             string  `mapstructure:"node_id" yaml:"node_id"`
	Transport          string  `mapstructure:"transport" yaml:"transport"`
	Dir                string  `mapstructure:"dir" yaml:"dir"`
	HubURL             string  `mapstructure:"hub_url" yaml:"hub_url"`
	HubToken           string  `mapstructure:"hub_token" yaml:"-"`
	HubRateLimit       float64 `mapstructure:"hub_rate_limit" yaml:"hub_rate_limit"`
	NATSUrl            string  `mapstructure:"nats_url" yaml:"nats_url"`
	ConfidenceDecay    float64 `mapstructure:"confidence_decay" yaml:"confidence_decay"`
	BroadcastMinScore  float64 `mapstructure:"broadcast_min_score" yaml:"broadcast_min_score"`
	BroadcastMinStreak int     `mapstructure:"broadcast_min_streak" yaml:"broadcast_min_streak"`
	BroadcastMaxFiles  int     `mapstructure:"broadcast_max_files" yaml:"broadcast_max_files"`
	BroadcastMaxLines  int     `mapstructure:"broadcast_max_lines" yaml:"broadcast_max_lines"`
}

// PostgresConfig holds the connection details for a PostgreSQL database.
type PostgresConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"-"`
	DBName   string `mapstructure:"dbname" yaml:"dbname"`
	SSLMode  string `mapstructure:"sslmode" yaml:"sslmode"`
}

// DSN renders the pgx connection string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.DBName, p.SSLMode)
}

// HubConfig configures the shared hub server (evohub).
type HubConfig struct {
	Listen       string         `mapstructure:"listen" yaml:"listen"`
	MaxConns     int            `mapstructure:"max_conns" yaml:"max_conns"`
	Archive      string         `mapstructure:"archive" yaml:"archive"`
	Retention    int            `mapstructure:"retention" yaml:"retention"`
	SharedSecret string         `mapstructure:"shared_secret" yaml:"-"`
	Postgres     PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "evold")
	v.SetDefault("logger.log_file", "evold.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Engine --
	v.SetDefault("engine.interval", "15m")
	v.SetDefault("engine.cycle_timeout", "10m")
	v.SetDefault("engine.rollback_on_failure", true)
	v.SetDefault("engine.trace", false)

	// -- Store --
	v.SetDefault("store.dir", "~/.evold/state")

	// -- Workspace --
	v.SetDefault("workspace.root", ".")
	v.SetDefault("workspace.source_paths", []string{"cmd/", "internal/", "api/", "main.go", "go.mod", "go.sum"})
	v.SetDefault("workspace.source_max_files", 3)
	v.SetDefault("workspace.source_max_lines", 100)
	v.SetDefault("workspace.verify_commands", []string{"go build ./...", "go vet ./...", "go test ./..."})

	// -- Selection --
	v.SetDefault("selection.drift_enabled", false)
	v.SetDefault("selection.preferred_gene", "")
	v.SetDefault("selection.max_alternatives", 4)

	// -- Personality --
	v.SetDefault("personality.high_risk_min_rigor", 0.6)
	v.SetDefault("personality.high_risk_min_obedience", 0.5)
	v.SetDefault("personality.high_risk_max_tolerance", 0.9)
	v.SetDefault("personality.min_samples_for_best", 3)

	// -- Sandbox --
	v.SetDefault("sandbox.mode", "auto")
	v.SetDefault("sandbox.image", "golang:1.25")
	v.SetDefault("sandbox.timeout", "5m")
	v.SetDefault("sandbox.keep_on_failure", false)

	// -- A2A --
	v.SetDefault("a2a.enabled", false)
	v.SetDefault("a2a.node_id", "") // Filled from the hostname in Normalize when left empty
	v.SetDefault("a2a.transport", "file")
	v.SetDefault("a2a.dir", "") // Defaults under store.dir in Normalize
	v.SetDefault("a2a.hub_url", "")
	v.SetDefault("a2a.nats_url", "")
	v.SetDefault("a2a.hub_rate_limit", 2.0)
	v.SetDefault("a2a.confidence_decay", 0.6)
	v.SetDefault("a2a.broadcast_min_score", 0.7)
	v.SetDefault("a2a.broadcast_min_streak", 2)
	v.SetDefault("a2a.broadcast_max_files", 5)
	v.SetDefault("a2a.broadcast_max_lines", 300)

	// -- Hub --
	v.SetDefault("hub.listen", ":8844")
	v.SetDefault("hub.max_conns", 256)
	v.SetDefault("hub.archive", "memory")
	v.SetDefault("hub.retention", 4096)
	v.SetDefault("hub.postgres.host", "localhost")
	v.SetDefault("hub.postgres.port", 5432)
	v.SetDefault("hub.postgres.user", "postgres")
	v.SetDefault("hub.postgres.password", "") // Should be set via env var
	v.SetDefault("hub.postgres.dbname", "evold_hub")
	v.SetDefault("hub.postgres.sslmode", "disable")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	v.BindEnv("a2a.hub_token", "EVOLD_HUB_TOKEN")
	v.BindEnv("hub.shared_secret", "EVOLD_HUB_SECRET")
	v.BindEnv("hub.postgres.password", "EVOLD_PG_PASSWORD")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Manually load the token if Unmarshal didn't pick it up
	if cfg.A2A.Enabled && cfg.A2A.HubToken == "" {
		cfg.A2A.HubToken = os.Getenv("EVOLD_HUB_TOKEN")
	}

	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Normalize expands and absolutizes filesystem paths and fills
// host-derived defaults.
func (c *Config) Normalize() error {
	dir, err := homedir.Expand(c.Store.Dir)
	if err != nil {
		return fmt.Errorf("expanding store.dir: %w", err)
	}
	c.Store.Dir = dir

	root, err := filepath.Abs(c.Workspace.Root)
	if err != nil {
		return fmt.Errorf("resolving workspace.root: %w", err)
	}
	c.Workspace.Root = root

	if c.A2A.Dir == "" {
		c.A2A.Dir = filepath.Join(c.Store.Dir, "a2a")
	} else if c.A2A.Dir, err = homedir.Expand(c.A2A.Dir); err != nil {
		return fmt.Errorf("expanding a2a.dir: %w", err)
	}

	if c.A2A.NodeID == "" {
		if host, herr := os.Hostname(); herr == nil && host != "" {
			c.A2A.NodeID = "node-" + host
		} else {
			c.A2A.NodeID = "node-" + uuid.NewString()[:8]
		}
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Engine.CycleTimeout <= 0 {
		return fmt.Errorf("engine.cycle_timeout must be a positive duration")
	}
	if c.Workspace.SourceMaxFiles <= 0 {
		return fmt.Errorf("workspace.source_max_files must be a positive integer")
	}
	if c.Workspace.SourceMaxLines <= 0 {
		return fmt.Errorf("workspace.source_max_lines must be a positive integer")
	}
	if err := c.Personality.Validate(); err != nil {
		return fmt.Errorf("personality configuration invalid: %w", err)
	}
	if err := c.Sandbox.Validate(); err != nil {
		return fmt.Errorf("sandbox configuration invalid: %w", err)
	}
	if err := c.A2A.Validate(); err != nil {
		return fmt.Errorf("a2a configuration invalid: %w", err)
	}
	if err := c.Hub.Validate(); err != nil {
		return fmt.Errorf("hub configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the personality policy overrides.
func (p *PersonalityConfig) Validate() error {
	for name, val := range map[string]float64{
		"high_risk_min_rigor":     p.HighRiskMinRigor,
		"high_risk_min_obedience": p.HighRiskMinObedience,
		"high_risk_max_tolerance": p.HighRiskMaxTolerance,
	} {
		if val < 0 || val > 1 {
			return fmt.Errorf("%s must be between 0.0 and 1.0", name)
		}
	}
	if p.MinSamplesForBest <= 0 {
		return fmt.Errorf("min_samples_for_best must be a positive integer")
	}
	return nil
}

// Validate checks the sandbox settings.
func (s *SandboxConfig) Validate() error {
	switch s.Mode {
	case "auto", "container", "copy", "inplace":
	default:
		return fmt.Errorf("mode must be one of auto, container, copy, inplace; got %q", s.Mode)
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("sandbox timeout must be a positive duration")
	}
	return nil
}

// Validate checks the A2A settings.
func (a *A2AConfig) Validate() error {
	if !a.Enabled {
		return nil
	}
	switch a.Transport {
	case "file", "hub", "nats":
	default:
		return fmt.Errorf("transport must be one of file, hub, nats; got %q", a.Transport)
	}
	if a.Transport == "hub" && a.HubURL == "" {
		return fmt.Errorf("hub_url is required for the hub transport")
	}
	if a.Transport == "nats" && a.NATSUrl == "" {
		return fmt.Errorf("nats_url is required for the nats transport")
	}
	if a.ConfidenceDecay < 0 || a.ConfidenceDecay > 1 {
		return fmt.Errorf("confidence_decay must be between 0.0 and 1.0")
	}
	if a.BroadcastMinScore < 0 || a.BroadcastMinScore > 1 {
		return fmt.Errorf("broadcast_min_score must be between 0.0 and 1.0")
	}
	return nil
}

// Validate checks the hub server settings.
func (h *HubConfig) Validate() error {
	switch h.Archive {
	case "memory", "postgres":
	default:
		return fmt.Errorf("archive must be one of memory, postgres; got %q", h.Archive)
	}
	if h.Retention <= 0 {
		return fmt.Errorf("retention must be a positive integer")
	}
	if h.MaxConns <= 0 {
		return fmt.Errorf("max_conns must be a positive integer")
	}
	return nil
}
