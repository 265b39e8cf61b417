package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "8003", cfg.Server.Port)
	assert.Equal(t, "/api/presence", cfg.Server.BasePath)
	assert.Equal(t, 10*time.Second, cfg.Presence.ReapInterval)
	assert.Equal(t, 15*time.Second, cfg.Presence.StaleAfter)
	assert.Equal(t, 60*time.Second, cfg.Presence.PresentWindow)
	assert.Equal(t, 5*time.Minute, cfg.Presence.ActiveWindow)
	assert.Equal(t, "@every 10s", cfg.Presence.ReapSchedule())
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9000"
database:
  host: db
  port: 6543
  user: u
  password: p
  dbname: presence
  sslmode: require
presence:
  stale_after: 20s
  present_window: 90s
`), 0o600))

	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("PRESENCE_REAP_INTERVAL", "5s")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, 5*time.Second, cfg.Presence.ReapInterval)
	assert.Equal(t, 20*time.Second, cfg.Presence.StaleAfter)
	assert.Equal(t, 90*time.Second, cfg.Presence.PresentWindow)
	assert.Equal(t, 5*time.Minute, cfg.Presence.ActiveWindow, "unset keys keep defaults")
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "host=db port=6543 user=u password=p dbname=presence sslmode=require TimeZone=UTC", cfg.Database.GetDSN())
}

func TestLoad_DatabaseURLWins(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://x@y/z")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "postgres://x@y/z", cfg.Database.GetDSN())
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: ["), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*PresenceConfig)
		wantErr bool
	}{
		{"defaults", func(*PresenceConfig) {}, false},
		{"zero reap interval", func(p *PresenceConfig) { p.ReapInterval = 0 }, true},
		{"present shorter than stale", func(p *PresenceConfig) { p.PresentWindow = 10 * time.Second }, true},
		{"active shorter than present", func(p *PresenceConfig) { p.ActiveWindow = 30 * time.Second }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg.Presence)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
