package config

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("gateway-service")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.App.Name != "gateway-service" {
		t.Errorf("expected app name gateway-service, got %s", cfg.App.Name)
	}
	if cfg.Gateway.HeartbeatInterval != 30*time.Second {
		t.Errorf("expected 30s heartbeat, got %s", cfg.Gateway.HeartbeatInterval)
	}
	if cfg.Gateway.PresenceBackend != "memory" {
		t.Errorf("expected memory presence backend, got %s", cfg.Gateway.PresenceBackend)
	}
	if cfg.Kafka.DispatchTopic != "gateway.dispatch" {
		t.Errorf("unexpected dispatch topic %s", cfg.Kafka.DispatchTopic)
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("GATEWAY_HANDSHAKE_TIMEOUT", "3s")
	t.Setenv("APP_JWT_SECRET", "from-env")
	t.Setenv("GATEWAY_PRESENCE_BACKEND", "redis")

	cfg, err := LoadConfig("gateway-service")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Gateway.HandshakeTimeout != 3*time.Second {
		t.Errorf("expected 3s handshake timeout, got %s", cfg.Gateway.HandshakeTimeout)
	}
	if cfg.App.JWTSecret != "from-env" {
		t.Errorf("expected jwt secret from env, got %s", cfg.App.JWTSecret)
	}
	if cfg.Gateway.PresenceBackend != "redis" {
		t.Errorf("expected redis backend, got %s", cfg.Gateway.PresenceBackend)
	}
}

func TestLoadConfigRejectsUnknownBackend(t *testing.T) {
	t.Setenv("GATEWAY_PRESENCE_BACKEND", "etcd")

	if _, err := LoadConfig("gateway-service"); err == nil {
		t.Fatal("expected error for unknown presence backend")
	}
}

func TestLoadConfigRejectsSharedServiceSecret(t *testing.T) {
	t.Setenv("APP_JWT_SECRET", "shared")
	t.Setenv("APP_SERVICE_SECRET", "shared")

	if _, err := LoadConfig("gateway-service"); err == nil {
		t.Fatal("expected error when service secret equals jwt secret")
	}
}
