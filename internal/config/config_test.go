package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaultsAndEnvironment(testContext *testing.T) {
	testContext.Setenv("BLSYNC_AUTH_SIGNING_SECRET", "signing")
	testContext.Setenv("BLSYNC_AUTH_CLIENT_SECRET", "shared")
	testContext.Setenv("BLSYNC_SYNC_PAGE_SIZE", "250")

	cfg, err := Load(NewViper())
	if err != nil {
		testContext.Fatalf("unexpected load error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress {
		testContext.Fatalf("unexpected http address %s", cfg.HTTPAddress)
	}
	if cfg.Database.Driver != DriverSQLite || cfg.Database.Path != defaultDatabasePath {
		testContext.Fatalf("unexpected database config %#v", cfg.Database)
	}
	if cfg.SyncPageSize != 250 {
		testContext.Fatalf("expected page size from environment, got %d", cfg.SyncPageSize)
	}
	if cfg.TokenTTL != 30*time.Minute {
		testContext.Fatalf("unexpected token ttl %s", cfg.TokenTTL)
	}
	if cfg.ReconcileInterval != defaultReconcileEvery {
		testContext.Fatalf("unexpected reconcile interval %s", cfg.ReconcileInterval)
	}
}

func TestLoadRejectsMissingSecrets(testContext *testing.T) {
	_, err := Load(NewViper())
	if err == nil || !strings.Contains(err.Error(), "auth.signing_secret") {
		testContext.Fatalf("expected signing secret error, got %v", err)
	}
}

func TestLoadDatabaseValidatesDriver(testContext *testing.T) {
	configViper := NewViper()
	configViper.Set("database.driver", "postgres")
	if _, err := LoadDatabase(configViper); err == nil {
		testContext.Fatalf("expected dsn requirement for postgres")
	}

	configViper.Set("database.dsn", "postgres://sync@localhost/blacklist?sslmode=disable")
	cfg, err := LoadDatabase(configViper)
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if cfg.Driver != DriverPostgres {
		testContext.Fatalf("unexpected driver %s", cfg.Driver)
	}

	configViper.Set("database.driver", "mysql")
	if _, err := LoadDatabase(configViper); err == nil {
		testContext.Fatalf("expected unsupported driver error")
	}
}

func TestLoadAgentTrimsServerURL(testContext *testing.T) {
	configViper := NewViper()
	configViper.Set("agent.server_url", "http://sync.internal:8080/")
	configViper.Set("agent.client_secret", "shared")

	cfg, err := LoadAgent(configViper)
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if cfg.ServerURL != "http://sync.internal:8080" {
		testContext.Fatalf("unexpected server url %s", cfg.ServerURL)
	}
	if cfg.Interval != defaultAgentInterval || cfg.PageSize != defaultAgentPageSize {
		testContext.Fatalf("unexpected agent defaults %#v", cfg)
	}
}
