package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadRelayDefaults(t *testing.T) {
	cfg, err := LoadRelay(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress || cfg.RelayPath != "/ws" || cfg.SendBuffer != 64 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.ArchiveEnabled() || cfg.BridgeEnabled() {
		t.Fatalf("expected archive and bridge disabled by default")
	}
	if cfg.RedisChannel != "deploysync.relay" {
		t.Fatalf("unexpected redis channel %q", cfg.RedisChannel)
	}
}

func TestLoadRelayReadsEnvironment(t *testing.T) {
	t.Setenv("DEPLOYSYNC_RELAY_ALLOWED_ORIGINS", "http://a.test, http://b.test,")
	t.Setenv("DEPLOYSYNC_RELAY_CENTRAL_STORE_DRIVER", "Postgres")
	t.Setenv("DEPLOYSYNC_RELAY_CENTRAL_STORE_DSN", "host=db user=relay")
	t.Setenv("DEPLOYSYNC_RELAY_REDIS_ADDRESS", "redis:6379")

	cfg, err := LoadRelay(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "http://b.test" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
	if cfg.StoreDriver != "postgres" || !cfg.ArchiveEnabled() || !cfg.BridgeEnabled() {
		t.Fatalf("unexpected store or bridge settings %+v", cfg)
	}
}

func TestLoadRelayRejectsInvalidValues(t *testing.T) {
	testCases := []struct {
		name string
		key  string
		val  string
	}{
		{name: "relative path", key: "relay.path", val: "ws"},
		{name: "zero buffer", key: "relay.send_buffer", val: "0"},
		{name: "unknown driver", key: "relay.central_store.driver", val: "oracle"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			configViper.Set("relay.central_store.dsn", "relay.db")
			configViper.Set(testCase.key, testCase.val)
			if _, err := LoadRelay(configViper); err == nil {
				t.Fatalf("expected validation error for %s=%s", testCase.key, testCase.val)
			}
		})
	}
}

func TestLoadClient(t *testing.T) {
	configViper := NewViper()
	configViper.Set("client.throttle_ms", 250)
	configViper.Set("client.user_name", "  Ada ")

	cfg, err := LoadClient(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Throttle != 250*time.Millisecond || cfg.UserName != "Ada" {
		t.Fatalf("unexpected client config %+v", cfg)
	}
	if cfg.RelayURL != defaultRelayURL || cfg.DatabasePath != defaultDatabasePath {
		t.Fatalf("unexpected client defaults %+v", cfg)
	}

	configViper.Set("client.relay_url", "http://relay.test/ws")
	if _, err := LoadClient(configViper); err == nil {
		t.Fatalf("expected non-websocket relay url to be rejected")
	}
}

func TestLoadDotEnvPrefersLocalAndKeepsEnvironment(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, ".env"), "DEPLOYSYNC_DOTENV_SHARED=base\nDEPLOYSYNC_DOTENV_BASE=only-base\nDEPLOYSYNC_DOTENV_SET=file\n")
	mustWrite(t, filepath.Join(dir, ".env.local"), "DEPLOYSYNC_DOTENV_SHARED=local\n")
	t.Setenv("DEPLOYSYNC_DOTENV_SET", "process")
	for _, key := range []string{"DEPLOYSYNC_DOTENV_SHARED", "DEPLOYSYNC_DOTENV_BASE"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	loaded := LoadDotEnv(dir)
	if len(loaded) != 2 {
		t.Fatalf("expected both files loaded, got %v", loaded)
	}
	if got := os.Getenv("DEPLOYSYNC_DOTENV_SHARED"); got != "local" {
		t.Fatalf("expected .env.local to win, got %q", got)
	}
	if got := os.Getenv("DEPLOYSYNC_DOTENV_BASE"); got != "only-base" {
		t.Fatalf("expected .env value, got %q", got)
	}
	if got := os.Getenv("DEPLOYSYNC_DOTENV_SET"); got != "process" {
		t.Fatalf("expected process env to win, got %q", got)
	}
}

func TestLoadDotEnvWithoutFiles(t *testing.T) {
	if loaded := LoadDotEnv(t.TempDir()); len(loaded) != 0 {
		t.Fatalf("expected nothing loaded, got %v", loaded)
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}
