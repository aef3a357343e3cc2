package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
	"testing"

	"github.com/AustinAres2007/DeveloperJoe-sub000/developerjoe"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	cfg        = developerjoe.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "developerjoe [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", developerjoe.DefaultDatabase)
	viper.SetDefault("database_type", developerjoe.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		developerjoe.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		developerjoe.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("log_level", developerjoe.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", developerjoe.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", developerjoe.DefaultShutdownTimeout)

	// Chat config
	viper.SetDefault("chat.default_model", developerjoe.DefaultChatModel)
	viper.SetDefault(
		"chat.max_sessions_per_user",
		developerjoe.DefaultMaxSessionsPerUser,
	)
	viper.SetDefault(
		"chat.max_name_length",
		developerjoe.DefaultMaxSessionNameLen,
	)
	viper.SetDefault("chat.greeting", developerjoe.DefaultChatGreeting)
	viper.SetDefault("chat.farewell", developerjoe.DefaultChatFarewell)
	viper.SetDefault(
		"chat.stream_flush_interval",
		developerjoe.DefaultStreamFlushInterval,
	)

	// OpenAI config
	viper.SetDefault("openai.log_level", developerjoe.DefaultOpenAILogLevel.String())
	viper.SetDefault("openai.token", "")
	viper.SetDefault("openai.base_url", developerjoe.DefaultOpenAIBaseURL)
	viper.SetDefault(
		"openai.max_requests_per_second",
		developerjoe.DefaultOpenAIMaxRequestsPerSecond,
	)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault(
		"discord.log_level",
		developerjoe.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		developerjoe.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		developerjoe.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault("discord.startup_message", developerjoe.DefaultDiscordStartupMessage)
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault("discord.custom_status", developerjoe.DefaultDiscordCustomStatus)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API config
	viper.SetDefault("api.listen", developerjoe.DefaultAPIListen)
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.admin_username", "admin")
	viper.SetDefault("api.log_level", developerjoe.DefaultAPILogLevel.String())
	viper.SetDefault(
		"api.session_max_age",
		developerjoe.DefaultAPISessionMaxAge,
	)
	viper.SetDefault("api.read_timeout", developerjoe.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		developerjoe.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", developerjoe.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", developerjoe.DefaultIdleTimeout)

	// API: SSL config
	fatalErr(viper.BindEnv("api.admin_password_hash"))
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))
	fatalErr(viper.BindEnv("api.ssl.tls_min_version"))

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		developerjoe.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		developerjoe.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		developerjoe.DefaultCORSExposeHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_origins",
		[]string{},
	)
	viper.SetDefault("api.cors.max_age", developerjoe.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		developerjoe.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(developerjoe.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = developerjoe.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	viper.Set(
		"api.cors.allow_headers",
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	viper.Set(
		"api.cors.allow_origins",
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	viper.Set(
		"api.cors.allow_methods",
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	viper.Set(
		"api.cors.expose_headers",
		viper.GetStringSlice("api.cors.expose_headers"),
	)

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"openai.log_level",
		"api.log_level",
	} {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func assertLogLevel(t testing.TB, expected slog.Level, v any) {
	t.Helper()

	lvl, ok := v.(*slog.LevelVar)
	require.Truef(t, ok, "could not convert %#v (%T) to *slog.LevelVar", v, v)
	assert.Equal(t, expected, lvl.Level())
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
