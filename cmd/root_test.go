package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/AustinAres2007/DeveloperJoe-sub000/developerjoe"
	"github.com/bwmarrin/discordgo"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromEnvFile(t *testing.T) {
	// Save the original environment
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				os.Setenv(parts[0], parts[1])
			}
		},
	)

	// Clear the environment before the test
	os.Clearenv()

	tmpdir := t.TempDir()

	envFile := filepath.Join(tmpdir, "test.env")

	envContent := `
# General/database config

DJ_DATABASE=/home/foo/developerjoe.sqlite3
DJ_DATABASE_TYPE=sqlite
DJ_DATABASE_LOG_LEVEL=INFO
DJ_DATABASE_SLOW_THRESHOLD=200ms
DJ_LOG_LEVEL=INFO
DJ_STARTUP_TIMEOUT=30s
DJ_SHUTDOWN_TIMEOUT=60s

# Chat config

DJ_CHAT_DEFAULT_MODEL=gpt-4
DJ_CHAT_MAX_SESSIONS_PER_USER=5
DJ_CHAT_MAX_NAME_LENGTH=24
DJ_CHAT_GREETING="Please introduce yourself."
DJ_CHAT_FAREWELL="Goodbye!"
DJ_CHAT_STREAM_FLUSH_INTERVAL=500ms

# OpenAI config

DJ_OPENAI_TOKEN=your-openai-token
DJ_OPENAI_BASE_URL=https://api.openai.com/v1
DJ_OPENAI_LOG_LEVEL=INFO
DJ_OPENAI_MAX_REQUESTS_PER_SECOND=2

# Discord bot config

DJ_DISCORD_TOKEN=your-discord-bot-token
DJ_DISCORD_APPLICATION_ID=your-discord-bot-app-id
DJ_DISCORD_GUILD_ID=
DJ_DISCORD_LOG_LEVEL=WARN
DJ_DISCORD_DISCORDGO_LOG_LEVEL=WARN
DJ_DISCORD_STARTUP_MESSAGE="I'm here!"
DJ_DISCORD_GATEWAY_INTENTS=3243773

# API server

DJ_API_LISTEN=127.0.0.1:5000
DJ_API_SSL_CERT=/etc/ssl/cert.pem
DJ_API_SSL_KEY=/etc/ssl/key.pem
DJ_API_SSL_TLS_MIN_VERSION=771
DJ_API_SECRET=your-api-secret
DJ_API_ADMIN_USERNAME=admin
DJ_API_ADMIN_PASSWORD_HASH=your-password-hash
DJ_API_LOG_LEVEL=DEBUG
DJ_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5000 https://localhost:5000
DJ_API_CORS_ALLOW_METHODS=GET POST PUT PATCH DELETE OPTIONS HEAD
DJ_API_CORS_ALLOW_CREDENTIALS=true
DJ_API_CORS_MAX_AGE=12h
DJ_API_READ_TIMEOUT=5s
DJ_API_READ_HEADER_TIMEOUT=5s
DJ_API_WRITE_TIMEOUT=10s
DJ_API_IDLE_TIMEOUT=30s
DJ_API_SESSION_MAX_AGE=6h
`

	err := os.WriteFile(envFile, []byte(envContent), 0644)
	assert.NoError(t, err)

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/developerjoe.sqlite3", cfg.Database)
	assert.Equal(t, "/home/foo/developerjoe.sqlite3", viper.GetString("database"))
	assert.Equal(t, "sqlite", viper.GetString("database_type"))

	assertLogLevel(t, slog.LevelInfo, viper.Get("database_log_level"))

	assert.Equal(t, 200*time.Millisecond, viper.GetDuration("database_slow_threshold"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("log_level"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("startup_timeout"))
	assert.Equal(t, 60*time.Second, viper.GetDuration("shutdown_timeout"))

	assert.Equal(t, "gpt-4", viper.GetString("chat.default_model"))
	assert.Equal(t, 5, viper.GetInt("chat.max_sessions_per_user"))
	assert.Equal(t, 24, viper.GetInt("chat.max_name_length"))
	assert.Equal(t, "Please introduce yourself.", viper.GetString("chat.greeting"))
	assert.Equal(t, "Goodbye!", viper.GetString("chat.farewell"))
	assert.Equal(t, 500*time.Millisecond, viper.GetDuration("chat.stream_flush_interval"))

	assert.Equal(t, "your-openai-token", viper.GetString("openai.token"))
	assert.Equal(t, "https://api.openai.com/v1", viper.GetString("openai.base_url"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("openai.log_level"))
	assert.Equal(t, 2, viper.GetInt("openai.max_requests_per_second"))

	assert.Equal(t, "your-discord-bot-token", viper.GetString("discord.token"))
	assert.Equal(t, "your-discord-bot-app-id", viper.GetString("discord.application_id"))
	assert.Equal(t, "", viper.GetString("discord.guild_id"))

	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.log_level"))
	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.discordgo_log_level"))
	assert.Equal(t, "I'm here!", viper.GetString("discord.startup_message"))
	assert.Equal(t, 3243773, viper.GetInt("discord.gateway_intents"))

	assert.Equal(t, "127.0.0.1:5000", viper.GetString("api.listen"))
	assert.Equal(t, "/etc/ssl/cert.pem", viper.GetString("api.ssl.cert"))
	assert.Equal(t, "/etc/ssl/key.pem", viper.GetString("api.ssl.key"))
	assert.Equal(t, 771, viper.GetInt("api.ssl.tls_min_version"))
	assert.Equal(t, "your-api-secret", viper.GetString("api.secret"))
	assert.Equal(t, "your-password-hash", viper.GetString("api.admin_password_hash"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("api.log_level"))
	assert.Equal(t, slog.LevelDebug, cfg.API.LogLevel.Level())
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	assert.True(t, viper.GetBool("api.cors.allow_credentials"))
	assert.Equal(t, 12*time.Hour, viper.GetDuration("api.cors.max_age"))
	assert.Equal(t, 5*time.Second, viper.GetDuration("api.read_timeout"))
	assert.Equal(t, 5*time.Second, viper.GetDuration("api.read_header_timeout"))
	assert.Equal(t, 10*time.Second, viper.GetDuration("api.write_timeout"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("api.idle_timeout"))
	assert.Equal(t, 6*time.Hour, viper.GetDuration("api.session_max_age"))

	// Unmarshal the configuration into a developerjoe.Config struct
	var config developerjoe.Config
	err = viper.Unmarshal(
		&config, viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
			),
		),
	)
	assert.NoError(t, err)

	// Verify some key fields in the Config struct
	assert.Equal(t, "/home/foo/developerjoe.sqlite3", config.Database)
	assert.Equal(t, "sqlite", config.DatabaseType)
	assert.Equal(t, slog.LevelInfo, config.DatabaseLogLevel.Level())
	assert.Equal(t, 200*time.Millisecond, config.DatabaseSlowThreshold)
	assert.Equal(t, slog.LevelInfo, config.LogLevel.Level())
	assert.Equal(t, 30*time.Second, config.StartupTimeout)
	assert.Equal(t, 60*time.Second, config.ShutdownTimeout)

	assert.Equal(t, "gpt-4", config.Chat.DefaultModel)
	assert.Equal(t, 5, config.Chat.MaxSessionsPerUser)
	assert.Equal(t, 24, config.Chat.MaxNameLength)
	assert.Equal(t, 500*time.Millisecond, config.Chat.StreamFlushInterval)

	assert.Equal(t, "your-openai-token", config.OpenAI.Token)
	assert.Equal(t, slog.LevelInfo, config.OpenAI.LogLevel.Level())
	assert.Equal(t, 2, config.OpenAI.MaxRequestsPerSecond)

	assert.Equal(t, "your-discord-bot-token", config.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", config.Discord.ApplicationID)
	assert.Equal(t, "", config.Discord.GuildID)
	assert.Equal(t, slog.LevelWarn, config.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelWarn, config.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, "I'm here!", config.Discord.StartupMessage)
	assert.Equal(t, discordgo.Intent(3243773), config.Discord.GatewayIntents)

	assert.Equal(t, "127.0.0.1:5000", config.API.Listen)
	assert.Equal(t, "/etc/ssl/cert.pem", config.API.SSL.Cert)
	assert.Equal(t, "/etc/ssl/key.pem", config.API.SSL.Key)
	assert.Equal(t, uint16(771), config.API.SSL.TLSMinVersion)
	assert.Equal(t, "your-api-secret", config.API.Secret)
	assert.Equal(t, "your-password-hash", config.API.AdminPasswordHash)
	assert.Equal(t, slog.LevelDebug, config.API.LogLevel.Level())
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		config.API.CORS.AllowOrigins,
	)
	assert.Equal(
		t,
		[]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		config.API.CORS.AllowMethods,
	)
	assert.Equal(t, 6*time.Hour, config.API.SessionMaxAge)
}

func TestGetLogLevel(t *testing.T) {
	for _, tc := range []struct {
		input    string
		expected slog.Level
	}{
		{"DEBUG", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"ERROR", slog.LevelError},
	} {
		lvl, err := getLogLevel(tc.input)
		require.NoError(t, err)
		assert.Equal(t, tc.expected, lvl)
	}

	_, err := getLogLevel("TRACE")
	assert.Error(t, err)
}
