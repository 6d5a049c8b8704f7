package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeWatcherConfig(t *testing.T, path, sessionsMax string) {
	t.Helper()
	content := "discord:\n  token: tok\n  dispatcher_role_id: \"1\"\n" +
		"backend:\n  universe_id: \"2\"\n  api_key: key\n" +
		"sessions:\n  max: " + sessionsMax + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeWatcherConfig(t, path, "10")

	reloaded := make(chan *Config, 4)
	w := NewWatcher(path, func(cfg *Config) { reloaded <- cfg }, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Start(ctx)
	}()

	// Give the watcher a moment to register before the first write.
	time.Sleep(100 * time.Millisecond)
	writeWatcherConfig(t, path, "20")

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 20, cfg.Sessions.Max)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}

	w.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatcherKeepsPreviousConfigOnBadReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeWatcherConfig(t, path, "10")

	reloaded := make(chan *Config, 4)
	w := NewWatcher(path, func(cfg *Config) { reloaded <- cfg }, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Start(ctx) }()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o600))
	select {
	case <-reloaded:
		t.Fatal("callback fired for invalid config")
	case <-time.After(time.Second):
	}

	writeWatcherConfig(t, path, "30")
	select {
	case cfg := <-reloaded:
		assert.Equal(t, 30, cfg.Sessions.Max)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for recovery reload")
	}
}

func TestWatcherIgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeWatcherConfig(t, path, "10")

	reloaded := make(chan *Config, 4)
	w := NewWatcher(path, func(cfg *Config) { reloaded <- cfg }, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Start(ctx) }()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1"), 0o600))
	select {
	case <-reloaded:
		t.Fatal("callback fired for unrelated file")
	case <-time.After(time.Second):
	}
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	w := NewWatcher("/nonexistent/config.yaml", func(*Config) {}, slog.New(slog.DiscardHandler))
	w.Stop()
	w.Stop()
}
