package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/mu-control/internal/config"
)

func TestWatcher_DetectsConfigChange(t *testing.T) {
	homeDir := t.TempDir()

	cfgPath := filepath.Join(homeDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("write initial config: %v", err)
	}

	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// Retry the write at short intervals until the watcher produces an
	// event. This handles platform-specific delay in notification
	// readiness.
	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()

	if err := os.WriteFile(cfgPath, []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("write updated config: %v", err)
	}

	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) != "config.yaml" {
				t.Fatalf("event path = %q, want config.yaml", ev.Path)
			}
			return
		case <-writeTick.C:
			if err := os.WriteFile(cfgPath, []byte("log_level: warn\n"), 0o644); err != nil {
				t.Fatalf("rewrite config: %v", err)
			}
		case <-deadline:
			t.Fatal("timeout waiting for watcher event")
		}
	}
}

func TestClassify_TelegramOnlyDelta(t *testing.T) {
	base := config.Config{
		BindAddr: "127.0.0.1:18790",
		LogLevel: "info",
		RepoDir:  ".",
	}

	next := base
	next.Adapters.Telegram.SecretToken = "rotated"
	if got := config.Classify(base, next); got != config.ScopeTelegram {
		t.Fatalf("scope = %v, want telegram", got)
	}

	next2 := base
	next2.BindAddr = "0.0.0.0:80"
	if got := config.Classify(base, next2); got != config.ScopeFull {
		t.Fatalf("scope = %v, want full", got)
	}

	if got := config.Classify(base, base); got != config.ScopeNone {
		t.Fatalf("scope = %v, want none", got)
	}

	// A telegram change combined with any other change escalates to full.
	next3 := next
	next3.LogLevel = "debug"
	if got := config.Classify(base, next3); got != config.ScopeFull {
		t.Fatalf("scope = %v, want full", got)
	}
}
