package cmd

import (
	"context"
	"fmt"
	"github.com/RindouKobayashi/NAI-BOT/naibot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = naibot.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "naibot [flags]",
	Short: "Discord bot for generating images with NovelAI",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					mapstructure.StringToSliceHookFunc(" "),
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
	switch strings.ToUpper(level) {
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

// LevelToStringHookFunc decodes level names like "INFO" into
// *slog.LevelVar fields
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
	if err := rootCmd.ExecuteContext(ctx); err != nil {
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

	viper.SetDefault("database", naibot.DefaultDatabase)
	viper.SetDefault("database_type", naibot.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", naibot.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", naibot.DefaultDatabaseLogLevel.String())
	viper.SetDefault("development", false)

	viper.SetDefault("log_level", naibot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", naibot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", naibot.DefaultShutdownTimeout)

	// Queue config
	viper.SetDefault("queue.max_per_submitter", naibot.DefaultMaxPerSubmitter)
	viper.SetDefault("queue.exempt_submitters", []string{})
	viper.SetDefault("queue.attempt_budget", naibot.DefaultAttemptBudget)
	viper.SetDefault("queue.retry_delay", naibot.DefaultRetryDelay)
	viper.SetDefault("queue.sink_timeout", naibot.DefaultSinkTimeout)
	viper.SetDefault("queue.result_timeout", naibot.DefaultResultTimeout)
	viper.SetDefault("queue.size", naibot.DefaultQueueSize)

	// NovelAI config
	viper.SetDefault("novelai.token", "")
	viper.SetDefault("novelai.image_url", naibot.DefaultNovelAIImageURL)
	viper.SetDefault("novelai.api_url", naibot.DefaultNovelAIAPIURL)
	viper.SetDefault("novelai.request_timeout", naibot.DefaultNovelAIRequestTimeout)
	viper.SetDefault(
		"novelai.max_requests_per_second",
		naibot.DefaultNovelAIMaxRequestsPerSecond,
	)
	viper.SetDefault("novelai.breaker_failures", naibot.DefaultNovelAIBreakerFailures)
	viper.SetDefault("novelai.breaker_timeout", naibot.DefaultNovelAIBreakerTimeout)
	viper.SetDefault("novelai.log_level", naibot.DefaultNovelAILogLevel.String())

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault("discord.log_level", naibot.DefaultDiscordLogLevel.String())
	viper.SetDefault(
		"discord.discordgo_log_level",
		naibot.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault("discord.gateway_intents", naibot.DefaultDiscordGatewayIntent)
	viper.SetDefault("discord.startup_message", naibot.DefaultDiscordStartupMessage)
	viper.SetDefault("discord.custom_status", naibot.DefaultDiscordCustomStatus)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API config
	viper.SetDefault("api.listen", naibot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", naibot.DefaultAPILogLevel.String())
	viper.SetDefault("api.session_max_age", naibot.DefaultAPISessionMaxAge)
	viper.SetDefault("api.read_timeout", naibot.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", naibot.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", naibot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", naibot.DefaultIdleTimeout)

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert_file"))
	fatalErr(viper.BindEnv("api.ssl.key_file"))
	viper.SetDefault("api.ssl.tls_min_version", naibot.DefaultUITLSMinVersion)

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", naibot.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", naibot.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", naibot.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", naibot.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		naibot.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(naibot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = naibot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	for _, key := range []string{
		"queue.exempt_submitters",
		"api.cors.allow_headers",
		"api.cors.allow_origins",
		"api.cors.allow_methods",
		"api.cors.expose_headers",
	} {
		viper.Set(key, viper.GetStringSlice(key))
	}

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"novelai.log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"api.log_level",
	} {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
