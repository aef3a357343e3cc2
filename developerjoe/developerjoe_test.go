package developerjoe

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRunnableConfig(t *testing.T) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DatabaseType = dbTypeSQLite
	cfg.Database = filepath.Join(t.TempDir(), "bot.sqlite3")
	cfg.Discord.Token = "test-token"
	cfg.Discord.ApplicationID = "app-1"
	cfg.OpenAI.Token = "test-token"
	cfg.API.Listen = "127.0.0.1:0"
	cfg.API.Secret = "test-secret"
	cfg.API.CORS.AllowOrigins = []string{"*"}
	return cfg
}

func TestNewRejectsInvalidDatabaseType(t *testing.T) {
	cfg := newRunnableConfig(t)
	cfg.DatabaseType = "mongodb"

	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid database type")
}

func TestRunStartsAndStops(t *testing.T) {
	dj, err := New(newRunnableConfig(t))
	require.NoError(t, err)
	dj.discord.session = &mockDiscordSession{}

	done := make(chan error, 1)
	go func() { done <- dj.Run(context.Background()) }()

	select {
	case <-dj.signalReady:
	case <-time.After(10 * time.Second):
		t.Fatal("bot never finished starting")
	}

	dj.Stop()
	select {
	case err = <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("bot never shut down")
	}
}
