//nolint:lll // struct tags can't be split
package naibot

import (
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
	"log/slog"
	"net/http"
	"time"
)

const (
	EnvvarSetEnvPrefix    = "NAIBOT_ENV_PREFIX"
	DefaultEnvPrefix      = "NAIBOT"
	DefaultDatabaseType   = "sqlite"
	DefaultDatabase       = "naibot.sqlite3"
	DefaultLogLevel       = slog.LevelInfo
	DefaultStartupTimeout = 30 * time.Second

	// DefaultShutdownTimeout is how long an in-flight generation is given
	// to finish on shutdown before it's cancelled.
	DefaultShutdownTimeout = 60 * time.Second

	DefaultMaxPerSubmitter = 2
	DefaultAttemptBudget   = 2
	DefaultRetryDelay      = 10 * time.Second
	DefaultSinkTimeout     = 5 * time.Second
	DefaultResultTimeout   = 2 * time.Minute
	DefaultQueueSize       = 100

	DefaultNovelAIImageURL             = "https://image.novelai.net"
	DefaultNovelAIAPIURL               = "https://api.novelai.net"
	DefaultNovelAIRequestTimeout       = 2 * time.Minute
	DefaultNovelAIMaxRequestsPerSecond = 1.0
	DefaultNovelAIBreakerFailures      = 5
	DefaultNovelAIBreakerTimeout       = 30 * time.Second
	DefaultNovelAILogLevel             = slog.LevelInfo
	DefaultUpscaleFactor               = 4

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultDiscordGatewayIntent  = discordgo.IntentsAllWithoutPrivileged
	DefaultDiscordLogLevel       = slog.LevelWarn
	DefaultDiscordgoLogLevel     = slog.LevelWarn
	DefaultDiscordCustomStatus   = "/nai to generate!"
	DefaultDiscordStartupMessage = "I'm here!"
	DefaultDiscordErrorMessage   = "sorry, something went wrong!"
	discordMaxMessageLength      = 2000

	DefaultAPIListen               = "127.0.0.1:5000"
	DefaultAPILogLevel             = slog.LevelInfo
	DefaultUITLSMinVersion         = tls.VersionTLS12
	DefaultAPISessionMaxAge        = 6 * time.Hour
	DefaultAPICORSAllowCredentials = true
	defaultListenNetwork           = "tcp"

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelInfo
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPut,
		http.MethodPatch,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
		"X-CSRF-Token",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		"Accept-Encoding",
		xRequestIDHeader,
		"Location",
		"ETag",
		"Authorization",
		"Last-Modified",
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

// structValidator validates config and payload structs using their
// `binding` tags
var structValidator = validator.New()

type Config struct {
	// Database connection string
	Database string `yaml:"database" mapstructure:"database" json:"database" log:"[redacted]"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// Queue configures admission limits and retries for generation jobs
	Queue *QueueConfig `yaml:"queue" mapstructure:"queue" json:"queue" binding:"required"`

	// NovelAI configures the image generation API client
	NovelAI *NovelAIConfig `yaml:"novelai" mapstructure:"novelai" json:"novelai" binding:"required"`

	// API configures the backend API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api" binding:"required"`

	// Discord configures aspects of the Discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// connect to discord and register its commands.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time an in-flight generation is given to
	// finish during shutdown. After it elapses, the generation is cancelled
	// and every job still queued is aborted.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// Development enables pprof endpoints and relaxes session cookie settings
	Development bool `yaml:"development" mapstructure:"development" json:"development"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// Validate checks the config, returning every problem found
func (c *Config) Validate() error {
	var errs []error
	if err := structValidator.Struct(c); err != nil {
		errs = append(errs, err)
	}
	if c.Queue != nil {
		if err := c.Queue.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("queue: %w", err))
		}
	}
	if c.NovelAI != nil {
		if err := structValidator.Struct(c.NovelAI); err != nil {
			errs = append(errs, fmt.Errorf("novelai: %w", err))
		}
	}
	if c.Discord != nil {
		if err := structValidator.Struct(c.Discord); err != nil {
			errs = append(errs, fmt.Errorf("discord: %w", err))
		}
	}
	if c.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("shutdown_timeout must be >= 0"))
	}
	return errors.Join(errs...)
}

// QueueConfig configures admission and retries for generation jobs
type QueueConfig struct {
	// MaxPerSubmitter is the number of jobs a single user may have waiting
	// in the queue. A job stops counting once it's dequeued. 0=unlimited
	MaxPerSubmitter int `yaml:"max_per_submitter" mapstructure:"max_per_submitter" json:"max_per_submitter"`

	// ExemptSubmitters are discord user IDs not subject to MaxPerSubmitter,
	// and who can still submit while the bot is paused
	ExemptSubmitters []string `yaml:"exempt_submitters" mapstructure:"exempt_submitters" json:"exempt_submitters"`

	// AttemptBudget is the number of times a job is attempted before
	// giving up on transient failures
	AttemptBudget int `yaml:"attempt_budget" mapstructure:"attempt_budget" json:"attempt_budget"`

	// RetryDelay is the fixed delay between attempts
	RetryDelay time.Duration `yaml:"retry_delay" mapstructure:"retry_delay" json:"retry_delay"`

	// SinkTimeout limits how long delivering a single status update may take
	SinkTimeout time.Duration `yaml:"sink_timeout" mapstructure:"sink_timeout" json:"sink_timeout"`

	// ResultTimeout limits delivery of a job's final update, which
	// uploads the generated image. 0=no limit
	ResultTimeout time.Duration `yaml:"result_timeout" mapstructure:"result_timeout" json:"result_timeout"`

	// Maximum queue size. 0=unlimited
	Size int `yaml:"size" mapstructure:"size" json:"size"`
}

// Validate checks the queue settings are usable
func (q QueueConfig) Validate() error {
	var errs []error
	if q.MaxPerSubmitter < 0 {
		errs = append(errs, errors.New("max_per_submitter must be >= 0"))
	}
	if q.AttemptBudget < 1 {
		errs = append(errs, errors.New("attempt_budget must be >= 1"))
	}
	if q.RetryDelay < 0 {
		errs = append(errs, errors.New("retry_delay must be >= 0"))
	}
	if q.SinkTimeout < 0 {
		errs = append(errs, errors.New("sink_timeout must be >= 0"))
	}
	if q.ResultTimeout < 0 {
		errs = append(errs, errors.New("result_timeout must be >= 0"))
	}
	if q.Size < 0 {
		errs = append(errs, errors.New("size must be >= 0"))
	}
	return errors.Join(errs...)
}

// NovelAIConfig configures the NovelAI API client
type NovelAIConfig struct {
	// NovelAI persistent API token
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// ImageURL is the base URL for generation and director tools requests
	ImageURL string `yaml:"image_url" mapstructure:"image_url" json:"image_url" binding:"required,url"`

	// APIURL is the base URL for upscale requests
	APIURL string `yaml:"api_url" mapstructure:"api_url" json:"api_url" binding:"required,url"`

	// RequestTimeout limits a single HTTP request to the API
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" json:"request_timeout" binding:"min=1s"`

	// MaxRequestsPerSecond paces requests to the API
	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second" binding:"gt=0"`

	// BreakerFailures is the number of consecutive transient failures
	// that opens the circuit breaker
	BreakerFailures uint32 `yaml:"breaker_failures" mapstructure:"breaker_failures" json:"breaker_failures" binding:"min=1"`

	// BreakerTimeout is how long the breaker stays open before letting a
	// request through
	BreakerTimeout time.Duration `yaml:"breaker_timeout" mapstructure:"breaker_timeout" json:"breaker_timeout"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	httpClient *http.Client
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// NotificationChannelID, if set, receives StartupMessage whenever the
	// bot connects to the gateway
	NotificationChannelID string `yaml:"notification_channel_id" mapstructure:"notification_channel_id" json:"notification_channel_id"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// APIConfig configures the backend API server
type APIConfig struct {
	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required,hostname_port|filepath"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"oneof=tcp tcp4 tcp6 unix"`

	// Secret used for signing cookies
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`

	// Configuration for SSL/TLS.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"min=1s"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"min=1s"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"min=1s"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"min=1s"`

	// Max age for session cookies
	SessionMaxAge time.Duration `yaml:"session_max_age" mapstructure:"session_max_age" json:"session_max_age" binding:"min=10m,max=24h"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	CertFile string `yaml:"cert_file" mapstructure:"cert_file" json:"cert_file"`

	// Path to an SSL cert key
	KeyFile string `yaml:"key_file" mapstructure:"key_file" json:"key_file"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// Enabled reports whether a certificate and key were both provided
func (s SSLConfig) Enabled() bool {
	return s.CertFile != "" && s.KeyFile != ""
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		ExposeHeaders:    defaultExpose,
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// DefaultQueueConfig returns the default admission and retry settings:
// two queued jobs per user, two attempts, ten seconds between attempts.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		MaxPerSubmitter:  DefaultMaxPerSubmitter,
		ExemptSubmitters: []string{},
		AttemptBudget:    DefaultAttemptBudget,
		RetryDelay:       DefaultRetryDelay,
		SinkTimeout:      DefaultSinkTimeout,
		ResultTimeout:    DefaultResultTimeout,
		Size:             DefaultQueueSize,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	novelaiLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	novelaiLogLevel.Set(DefaultNovelAILogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Queue:                 DefaultQueueConfig(),
		NovelAI: &NovelAIConfig{
			ImageURL:             DefaultNovelAIImageURL,
			APIURL:               DefaultNovelAIAPIURL,
			RequestTimeout:       DefaultNovelAIRequestTimeout,
			MaxRequestsPerSecond: DefaultNovelAIMaxRequestsPerSecond,
			BreakerFailures:      DefaultNovelAIBreakerFailures,
			BreakerTimeout:       DefaultNovelAIBreakerTimeout,
			LogLevel:             novelaiLogLevel,
		},
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			StartupMessage:    DefaultDiscordStartupMessage,
			CustomStatus:      DefaultDiscordCustomStatus,
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultUITLSMinVersion,
			},
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			SessionMaxAge:     DefaultAPISessionMaxAge,
			CORS:              DefaultCORSConfig(),
		},
	}
}

func init() {
	structValidator.SetTagName("binding")
}
