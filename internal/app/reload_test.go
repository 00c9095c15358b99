package app

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/lichenr3/Galatea/internal/backend/mock"
	"github.com/lichenr3/Galatea/internal/config"
)

func TestApplyConfig(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Audio.Player = config.PlayerNone
	cfg.Diagnostics.ListenAddr = ""

	dir := &mock.Directory{}
	lv := new(slog.LevelVar)
	a, err := New(context.Background(), cfg,
		WithDirectory(dir),
		WithAvatarAPI(&mock.Avatar{}),
		WithLevelVar(lv),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	next := config.Default()
	next.Client.LogLevel = config.LogDebug
	next.Client.Language = config.LanguageEn
	next.Client.EnableAudio = false
	next.Server.WSURL = "ws://elsewhere:8000/ws"

	a.applyConfig(cfg, next)

	if lv.Level() != slog.LevelDebug {
		t.Errorf("level = %s, want DEBUG", lv.Level())
	}
	if a.AudioEnabled() {
		t.Error("audio still enabled")
	}
	if got := a.store.Language(); got != "en" {
		t.Errorf("store language = %q, want en", got)
	}
	if len(dir.ContactsCalls) != 1 || dir.ContactsCalls[0] != "en" {
		t.Errorf("contacts calls = %v, want one refresh in en", dir.ContactsCalls)
	}
	if a.link.Info().URL != cfg.Server.WSURL {
		t.Errorf("link URL changed to %q, a restart-only setting", a.link.Info().URL)
	}
}

func TestNew_WatchesConfigFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "galatea.yaml")
	if err := os.WriteFile(path, []byte("audio:\n  player: none\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.Audio.Player = config.PlayerNone

	a, err := New(context.Background(), cfg,
		WithDirectory(&mock.Directory{}),
		WithAvatarAPI(&mock.Avatar{}),
		WithConfigPath(path),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	if a.watcher == nil {
		t.Fatal("watcher not created")
	}

	if _, err := New(context.Background(), cfg,
		WithDirectory(&mock.Directory{}),
		WithAvatarAPI(&mock.Avatar{}),
		WithConfigPath(filepath.Join(t.TempDir(), "missing.yaml")),
	); err == nil {
		t.Error("expected error watching a missing file")
	}
}
