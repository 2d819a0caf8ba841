package config

import (
	"testing"
	"time"
)

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg.Server.Host == "" {
		t.Error("expected Server.Host to be set")
	}
	if cfg.Server.Port == 0 {
		t.Error("expected Server.Port to be non-zero")
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("expected sqlite default driver, got %q", cfg.Database.Driver)
	}
	if cfg.Auth.Secret == "" {
		t.Error("expected Auth.Secret to be set")
	}
	if cfg.Log.Level == "" {
		t.Error("expected Log.Level to be set")
	}
}

func TestConfig_DispatchDefaults(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg.Dispatch.DefaultMaxConcurrentChats != 3 {
		t.Errorf("expected default concurrency cap 3, got %d", cfg.Dispatch.DefaultMaxConcurrentChats)
	}
	if cfg.Dispatch.AvgSessionMinutes != 8 {
		t.Errorf("expected 8 minute average session, got %d", cfg.Dispatch.AvgSessionMinutes)
	}
	if cfg.Dispatch.StaleSweepInterval != time.Minute {
		t.Errorf("expected 1m sweep interval, got %v", cfg.Dispatch.StaleSweepInterval)
	}
	if cfg.Dispatch.StaleThreshold != 5*time.Minute {
		t.Errorf("expected 5m stale threshold, got %v", cfg.Dispatch.StaleThreshold)
	}
	if !cfg.Dispatch.CircuitBreaker.Enabled {
		t.Error("expected persistence circuit breaker enabled by default")
	}
}

func TestConfig_TransportDefaults(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg.Transport.ProbeTimeout != 3*time.Second {
		t.Errorf("expected 3s probe timeout, got %v", cfg.Transport.ProbeTimeout)
	}
	if cfg.Transport.MaxSocketFailures != 3 {
		t.Errorf("expected 3 consecutive socket failures, got %d", cfg.Transport.MaxSocketFailures)
	}
	if cfg.Transport.PollInterval == 0 {
		t.Error("expected PollInterval to be set")
	}
	if cfg.Transport.PollBufferSize == 0 {
		t.Error("expected PollBufferSize to be set")
	}
}

func TestConfig_DatabaseSettings(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg.Database.MaxOpenConns == 0 {
		t.Error("expected MaxOpenConns to be set")
	}
	if cfg.Database.MaxIdleConns == 0 {
		t.Error("expected MaxIdleConns to be set")
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		t.Error("expected ConnMaxLifetime to be set")
	}
}

func TestConfig_AuditDisabledByDefault(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg.Audit.Enabled {
		t.Error("expected audit stream disabled by default")
	}
	if cfg.Audit.Topic == "" {
		t.Error("expected Audit.Topic to be set")
	}
}
