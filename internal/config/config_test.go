package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValues(t *testing.T) {
	cfg := Default()

	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.ListenAddr)
	}
	if cfg.RateLimit.Limit != 15 {
		t.Errorf("RateLimit.Limit = %d, want 15", cfg.RateLimit.Limit)
	}
	if cfg.RateLimit.Window != 30*time.Second {
		t.Errorf("RateLimit.Window = %s, want 30s", cfg.RateLimit.Window)
	}
	if cfg.Broadcast.RoomCapacity != 1000 {
		t.Errorf("Broadcast.RoomCapacity = %d, want 1000", cfg.Broadcast.RoomCapacity)
	}
	if cfg.RetryQueue.Capacity != 50 {
		t.Errorf("RetryQueue.Capacity = %d, want 50", cfg.RetryQueue.Capacity)
	}
	if cfg.Breaker.HalfOpenSuccesses != 2 {
		t.Errorf("Breaker.HalfOpenSuccesses = %d, want 2", cfg.Breaker.HalfOpenSuccesses)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chatgate.yaml")
	content := []byte("listen_addr: \":9090\"\nrate_limit:\n  limit: 3\n  window: 5s\nbroadcast:\n  room_capacity: 2\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want :9090", cfg.ListenAddr)
	}
	if cfg.RateLimit.Limit != 3 {
		t.Errorf("RateLimit.Limit = %d, want 3", cfg.RateLimit.Limit)
	}
	if cfg.Broadcast.RoomCapacity != 2 {
		t.Errorf("Broadcast.RoomCapacity = %d, want 2", cfg.Broadcast.RoomCapacity)
	}
	// Unset keys keep their defaults.
	if cfg.RetryQueue.TTL != time.Minute {
		t.Errorf("RetryQueue.TTL = %s, want 1m", cfg.RetryQueue.TTL)
	}
}

func TestSanitizeRejectsNonsenseValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chatgate.yaml")
	content := []byte("max_message_size: -1\nrate_limit:\n  limit: 0\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.MaxMessageSize != 4096 {
		t.Errorf("MaxMessageSize = %d, want default 4096", cfg.MaxMessageSize)
	}
	if cfg.RateLimit.Limit != 15 {
		t.Errorf("RateLimit.Limit = %d, want default 15", cfg.RateLimit.Limit)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/does/not/exist.yaml"); err == nil {
		t.Error("Load() with missing file should return an error")
	}
}
