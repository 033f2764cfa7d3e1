package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "BLSYNC"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabaseDriver   = DriverSQLite
	defaultDatabasePath     = "blacklist.db"
	defaultLogLevel         = "info"
	defaultTokenIssuer      = "blacklist-sync"
	defaultTokenAudience    = "blacklist-sync-clients"
	defaultTokenTTLMinutes  = 30
	defaultSyncPageSize     = 500
	defaultReconcileEvery   = 30 * time.Second
	defaultAgentServerURL   = "http://127.0.0.1:8080"
	defaultAgentStatePath   = "blacklist-agent.db"
	defaultAgentInterval    = 15 * time.Second
	defaultAgentPageSize    = 500
	defaultAgentHTTPTimeout = 10 * time.Second
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DatabaseConfig selects and locates the shared store.
type DatabaseConfig struct {
	Driver string
	Path   string
	DSN    string
}

// AppConfig captures runtime configuration for the sync server.
type AppConfig struct {
	HTTPAddress       string
	Database          DatabaseConfig
	LogLevel          string
	SigningSecret     string
	ClientSecret      string
	TokenIssuer       string
	TokenAudience     string
	TokenTTL          time.Duration
	SyncPageSize      int
	ReconcileInterval time.Duration
}

// AgentConfig captures runtime configuration for a client sync agent.
type AgentConfig struct {
	ServerURL    string
	StatePath    string
	ClientSecret string
	Interval     time.Duration
	PageSize     int
	HTTPTimeout  time.Duration
	LogLevel     string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("auth.audience", defaultTokenAudience)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("sync.page_size", defaultSyncPageSize)
	configViper.SetDefault("reconcile.interval", defaultReconcileEvery)
	configViper.SetDefault("agent.server_url", defaultAgentServerURL)
	configViper.SetDefault("agent.state_path", defaultAgentStatePath)
	configViper.SetDefault("agent.interval", defaultAgentInterval)
	configViper.SetDefault("agent.page_size", defaultAgentPageSize)
	configViper.SetDefault("agent.http_timeout", defaultAgentHTTPTimeout)
}

// LoadDatabase parses the database section on its own, for commands that only
// touch the store.
func LoadDatabase(configViper *viper.Viper) (DatabaseConfig, error) {
	cfg := DatabaseConfig{
		Driver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		Path:   configViper.GetString("database.path"),
		DSN:    configViper.GetString("database.dsn"),
	}
	if err := cfg.validate(); err != nil {
		return DatabaseConfig{}, err
	}
	return cfg, nil
}

// Load parses runtime configuration for the server from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	database, err := LoadDatabase(configViper)
	if err != nil {
		return AppConfig{}, err
	}

	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		Database:          database,
		LogLevel:          configViper.GetString("log.level"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		ClientSecret:      configViper.GetString("auth.client_secret"),
		TokenIssuer:       configViper.GetString("auth.issuer"),
		TokenAudience:     configViper.GetString("auth.audience"),
		TokenTTL:          time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		SyncPageSize:      configViper.GetInt("sync.page_size"),
		ReconcileInterval: configViper.GetDuration("reconcile.interval"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadAgent parses runtime configuration for a client sync agent from viper.
func LoadAgent(configViper *viper.Viper) (AgentConfig, error) {
	cfg := AgentConfig{
		ServerURL:    strings.TrimRight(configViper.GetString("agent.server_url"), "/"),
		StatePath:    configViper.GetString("agent.state_path"),
		ClientSecret: configViper.GetString("agent.client_secret"),
		Interval:     configViper.GetDuration("agent.interval"),
		PageSize:     configViper.GetInt("agent.page_size"),
		HTTPTimeout:  configViper.GetDuration("agent.http_timeout"),
		LogLevel:     configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return AgentConfig{}, err
	}

	return cfg, nil
}

func (c DatabaseConfig) validate() error {
	switch c.Driver {
	case DriverSQLite:
		if strings.TrimSpace(c.Path) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.DSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.Driver)
	}
	return nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.ClientSecret) == "" {
		return fmt.Errorf("auth.client_secret is required")
	}
	if strings.TrimSpace(c.TokenIssuer) == "" || strings.TrimSpace(c.TokenAudience) == "" {
		return fmt.Errorf("auth.issuer and auth.audience are required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.SyncPageSize <= 0 {
		return fmt.Errorf("sync.page_size must be positive")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("reconcile.interval must be positive")
	}
	return nil
}

func (c AgentConfig) validate() error {
	if strings.TrimSpace(c.ServerURL) == "" {
		return fmt.Errorf("agent.server_url is required")
	}
	if strings.TrimSpace(c.StatePath) == "" {
		return fmt.Errorf("agent.state_path is required")
	}
	if strings.TrimSpace(c.ClientSecret) == "" {
		return fmt.Errorf("agent.client_secret is required")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("agent.interval must be positive")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("agent.page_size must be positive")
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("agent.http_timeout must be positive")
	}
	return nil
}
