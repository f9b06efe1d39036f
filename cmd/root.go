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

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/webhead2oo9/ChatGPT-Discord-Bot/chatbot"
)

var (
	cfg        = chatbot.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "chatgpt-discord-bot [flags]",
	Short: "A Discord bot for chatting with OpenAI models",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := viper.Unmarshal(cfg, decodeHook()); err != nil {
			log.Fatalln(err)
		}
	},
}

func decodeHook() viper.DecoderConfigOption {
	return viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(" "),
			LevelToStringHookFunc(),
		),
	)
}

// LevelToStringHookFunc decodes level names (ex: "INFO") into
// *slog.LevelVar fields.
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
		if t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := levelStringToLevelVar(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		return lvl, nil
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

func Execute() {
	ctx, cancel := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
	)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		cancel()
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else if err := godotenv.Load(configFile); err != nil {
		log.Fatalf("error loading env file %q: %v", configFile, err)
	}

	viper.SetDefault("database", chatbot.DefaultDatabase)
	viper.SetDefault("database_type", chatbot.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", chatbot.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", chatbot.DefaultDatabaseLogLevel.String())
	viper.SetDefault("bot_config_file", chatbot.DefaultBotConfigFile)
	viper.SetDefault("cooldown_store", chatbot.DefaultCooldownStore)
	viper.SetDefault("development", false)
	viper.SetDefault("log_level", chatbot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", chatbot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", chatbot.DefaultShutdownTimeout)

	// OpenAI config
	viper.SetDefault("openai.token", "")
	viper.SetDefault("openai.base_url", "")
	viper.SetDefault("openai.log_level", chatbot.DefaultOpenAILogLevel.String())
	viper.SetDefault("openai.max_requests_per_second", chatbot.DefaultOpenAIMaxRequestsPerSecond)
	viper.SetDefault("openai.request_burst", chatbot.DefaultOpenAIRequestBurst)
	viper.SetDefault("openai.request_timeout", chatbot.DefaultOpenAIRequestTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.gateway_enabled", true)
	viper.SetDefault("discord.register_commands_on_start", true)
	viper.SetDefault("discord.log_level", chatbot.DefaultDiscordLogLevel.String())
	viper.SetDefault("discord.discordgo_log_level", chatbot.DefaultDiscordgoLogLevel.String())
	viper.SetDefault("discord.gateway_intents", chatbot.DefaultDiscordGatewayIntent)
	viper.SetDefault("discord.startup_message", chatbot.DefaultDiscordStartupMessage)
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault("discord.custom_status", chatbot.DefaultDiscordCustomStatus)

	// Discord: Webhook server
	viper.SetDefault("discord.webhook_server.enabled", false)
	viper.SetDefault("discord.webhook_server.listen", chatbot.DefaultDiscordWebhookServerListen)
	viper.SetDefault("discord.webhook_server.listen_network", "tcp")
	viper.SetDefault("discord.webhook_server.public_key", "")
	viper.SetDefault("discord.webhook_server.read_timeout", chatbot.DefaultReadTimeout)
	viper.SetDefault("discord.webhook_server.read_header_timeout", chatbot.DefaultReadHeaderTimeout)
	viper.SetDefault(
		"discord.webhook_server.write_timeout",
		chatbot.DefaultOpenAIRequestTimeout+chatbot.DefaultWriteTimeout,
	)
	viper.SetDefault("discord.webhook_server.idle_timeout", chatbot.DefaultIdleTimeout)
	viper.SetDefault(
		"discord.webhook_server.log_level",
		chatbot.DefaultDiscordWebhookLogLevel.String(),
	)
	viper.SetDefault(
		"discord.webhook_server.ssl.tls_min_version",
		chatbot.DefaultDiscordWebhookServerTLSMinVersion,
	)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// Discord: Webhook server: SSL
	fatalErr(viper.BindEnv("discord.webhook_server.ssl.cert_file"))
	fatalErr(viper.BindEnv("discord.webhook_server.ssl.key_file"))

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", chatbot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.token", "")
	viper.SetDefault("api.log_level", chatbot.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", chatbot.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", chatbot.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", chatbot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", chatbot.DefaultIdleTimeout)
	viper.SetDefault("api.ssl.tls_min_version", chatbot.DefaultDiscordWebhookServerTLSMinVersion)

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert_file"))
	fatalErr(viper.BindEnv("api.ssl.key_file"))

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", chatbot.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", chatbot.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", chatbot.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", chatbot.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", chatbot.DefaultAPICORSAllowCredentials)

	envPrefix := os.Getenv(chatbot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = chatbot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// space-separated lists from the environment
	for _, key := range []string{
		"api.cors.allow_headers",
		"api.cors.allow_origins",
		"api.cors.allow_methods",
		"api.cors.expose_headers",
	} {
		viper.Set(key, viper.GetStringSlice(key))
	}
}

//nolint:gochecknoinits // cobra
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"env file to load configuration from",
	)
}
