package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Player.LookaheadMS != 1000 {
		t.Fatalf("expected default lookahead 1000, got %d", cfg.Player.LookaheadMS)
	}
	if cfg.Sync.IntervalMS != 250 {
		t.Fatalf("expected default sync interval 250, got %d", cfg.Sync.IntervalMS)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MUSE_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("MUSE_BUS_USERNAME", "alice")
	t.Setenv("MUSE_BUS_PASSWORD", "secret")
	t.Setenv("MUSE_BACKEND_URL", "wss://backend.test/session")
	t.Setenv("MUSE_BACKEND_MODEL", "music-test-002")
	t.Setenv("MUSE_PLAYER_SAMPLE_RATE", "44100")
	t.Setenv("MUSE_PLAYER_LOOKAHEAD_MS", "2000")
	t.Setenv("MUSE_SYNC_INTERVAL_MS", "500")
	t.Setenv("MUSE_SYNC_MAX_WEIGHT", "3.5")
	t.Setenv("MUSE_RECORDING_FORMATS", "pcm")
	t.Setenv("MUSE_JOURNAL_PATH", "./tmp.db")
	t.Setenv("MUSE_JOURNAL_RETENTION_MODE", "persistent")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if cfg.Backend.URL != "wss://backend.test/session" {
		t.Fatalf("expected backend url override")
	}
	if cfg.Backend.Model != "music-test-002" {
		t.Fatalf("expected backend model override")
	}
	if cfg.Player.SampleRate != 44100 {
		t.Fatalf("expected sample rate override, got %d", cfg.Player.SampleRate)
	}
	if cfg.Player.LookaheadMS != 2000 {
		t.Fatalf("expected lookahead override, got %d", cfg.Player.LookaheadMS)
	}
	if cfg.Sync.IntervalMS != 500 {
		t.Fatalf("expected sync interval override, got %d", cfg.Sync.IntervalMS)
	}
	if cfg.Sync.MaxWeight != 3.5 {
		t.Fatalf("expected max weight override, got %f", cfg.Sync.MaxWeight)
	}
	if len(cfg.Recording.Formats) != 1 || cfg.Recording.Formats[0] != "pcm" {
		t.Fatalf("expected recording formats override, got %v", cfg.Recording.Formats)
	}
	if cfg.Journal.Path != "./tmp.db" {
		t.Fatalf("expected journal path override")
	}
	if cfg.Journal.RetentionMode != "persistent" {
		t.Fatalf("expected journal retention mode override")
	}
}

func TestValidateRejectsBadSinkMode(t *testing.T) {
	t.Setenv("MUSE_PLAYER_SINK_MODE", "speaker")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for unknown sink mode")
	}
}

func TestValidateRejectsBadRecordingFormat(t *testing.T) {
	t.Setenv("MUSE_RECORDING_FORMATS", "ogg")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for unsupported recording format")
	}
}
