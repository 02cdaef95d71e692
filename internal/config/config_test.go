package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv blanks every variable Load reads; an empty value counts as unset.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"APP_ENV", "LOG_LEVEL", "HTTP_PORT", "STORE_BACKEND", "MIGRATE_ON_START",
		"DATABASE_URL", "SQLITE_PATH", "REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
		"BUS_BACKEND", "BUS_CHANNEL", "JWT_ISSUER", "JWT_SIGNING_KEY", "ACCESS_TTL",
		"APP_SECRET", "SESSION_MAX_OPEN", "REAP_INTERVAL", "RATE_LIMIT_PER_MIN",
		"ALLOWED_ORIGINS", "CONFIG_FILE",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTPPort != "8081" || cfg.StoreBackend != StorePostgres || cfg.BusBackend != BusRedis {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.SessionMaxOpen != 3*time.Hour || !cfg.MigrateOnStart {
		t.Errorf("SessionMaxOpen = %v, MigrateOnStart = %v", cfg.SessionMaxOpen, cfg.MigrateOnStart)
	}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "APP_SECRET is required") {
		t.Errorf("Validate without secret = %v", err)
	}
}

func TestLoadFileAndEnvPrecedence(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "qrattend.yaml")
	file := "http_port: 9000\nstore_backend: sqlite\nsession_max_open: 90m\napp_secret: from-file\nallowed_origins: https://a.example, https://b.example\n"
	if err := os.WriteFile(path, []byte(file), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("HTTP_PORT", "9100")
	t.Setenv("RATE_LIMIT_PER_MIN", "not-a-number")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTPPort != "9100" {
		t.Errorf("HTTPPort = %q, env should win", cfg.HTTPPort)
	}
	if cfg.StoreBackend != StoreSQLite || cfg.SessionMaxOpen != 90*time.Minute || cfg.CredentialSecret != "from-file" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.RateLimitPerMin != 120 {
		t.Errorf("RateLimitPerMin = %d, want fallback 120", cfg.RateLimitPerMin)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Errorf("AllowedOrigins = %q", cfg.AllowedOrigins)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate = %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load accepted a missing config file")
	}
}

func TestValidate(t *testing.T) {
	base := App{
		Env:              "dev",
		StoreBackend:     StoreMemory,
		BusBackend:       BusMemory,
		JWTSigningKey:    "dev-signing-secret-change",
		CredentialSecret: "super_secret_dev_key",
		SessionMaxOpen:   time.Hour,
		ReapInterval:     time.Minute,
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("dev config with placeholders rejected: %v", err)
	}

	cases := []struct {
		name string
		edit func(*App)
		want string
	}{
		{"placeholder secret in prod", func(a *App) { a.Env = "production"; a.JWTSigningKey = "a-real-key" }, "APP_SECRET is a published placeholder"},
		{"placeholder jwt key in prod", func(a *App) { a.Env = "prod"; a.CredentialSecret = "a-real-secret" }, "JWT_SIGNING_KEY is a published placeholder"},
		{"unknown store", func(a *App) { a.StoreBackend = "mongo" }, `unknown STORE_BACKEND "mongo"`},
		{"unknown bus", func(a *App) { a.BusBackend = "kafka" }, `unknown BUS_BACKEND "kafka"`},
		{"zero max open", func(a *App) { a.SessionMaxOpen = 0 }, "SESSION_MAX_OPEN must be positive"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.edit(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestValidateWorker(t *testing.T) {
	shared := App{
		Env:              "dev",
		StoreBackend:     StorePostgres,
		BusBackend:       BusRedis,
		JWTSigningKey:    "k",
		CredentialSecret: "s",
		SessionMaxOpen:   time.Hour,
		ReapInterval:     time.Minute,
	}
	if err := shared.ValidateWorker(); err != nil {
		t.Fatalf("shared backends rejected: %v", err)
	}

	local := shared
	local.StoreBackend = StoreMemory
	local.BusBackend = BusMemory
	if err := local.Validate(); err != nil {
		t.Fatalf("memory backends rejected for the API: %v", err)
	}
	err := local.ValidateWorker()
	for _, want := range []string{"STORE_BACKEND=memory", "BUS_BACKEND=memory"} {
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Errorf("ValidateWorker = %v, want mention of %s", err, want)
		}
	}

	missing := shared
	missing.CredentialSecret = ""
	if err := missing.ValidateWorker(); err == nil || !strings.Contains(err.Error(), "APP_SECRET is required") {
		t.Errorf("ValidateWorker without secret = %v", err)
	}
}
