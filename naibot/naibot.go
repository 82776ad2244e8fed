package naibot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gorm.io/gorm"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/RindouKobayashi/NAI-BOT/naibot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var defaultLogWriter io.Writer = os.Stdout

// interactionWaitTimeout is how long shutdown waits for interaction
// handlers that are still running
const interactionWaitTimeout = 10 * time.Second

// NAIBot connects the Discord front end, the job [Dispatcher], the
// NovelAI client, the database and the admin API.
type NAIBot struct {
	config *Config

	logger     *slog.Logger
	logHandler slog.Handler

	db    *gorm.DB
	store *Store

	novelai    *NovelAI
	dispatcher *Dispatcher
	discord    *Discord
	api        *API

	registry   *prometheus.Registry
	metrics    *botMetrics
	httpClient *http.Client

	// signalStop enables an explicit stop signal to be sent to the bot,
	// such as by the `/api/quit` endpoint
	signalStop chan struct{}

	// signalReady receives a value once Run has finished starting up
	signalReady chan struct{}

	// prevents Run from executing concurrently
	runMu     sync.Mutex
	startedAt time.Time

	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler
}

// New builds a bot from the given config. Nothing connects to Discord,
// NovelAI or the database until [NAIBot.Run] is called.
func New(config *Config) (*NAIBot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &NAIBot{
		config:      config,
		httpClient:  config.HTTPClient,
		signalStop:  make(chan struct{}, 1),
		signalReady: make(chan struct{}, 1),
		registry:    prometheus.NewRegistry(),
	}

	b.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     config.LogLevel,
			AddSource: true,
		},
	)
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	b.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	b.metrics = newBotMetrics(b.registry)

	config.NovelAI.httpClient = config.HTTPClient
	b.novelai = NewNovelAI(config.NovelAI, componentLogger(config.NovelAI.LogLevel))
	b.novelai.metrics = b.metrics

	b.dispatcher = NewDispatcher(
		config.Queue,
		b.novelai,
		WithStatsRecorder(b),
		WithDispatcherLogger(b.logger),
		withMetrics(b.metrics),
	)

	config.Discord.httpClient = config.HTTPClient
	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)
	b.discord = newDiscord(
		config.Discord,
		componentLogger(config.Discord.LogLevel).With(loggerNameKey, "discord"),
	)

	api, err := newAPI(b, config.API)
	errs = append(errs, err)
	b.api = api

	return b, errors.Join(errs...)
}

func componentLogger(level slog.Leveler) *slog.Logger {
	return slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     level,
				AddSource: true,
			},
		),
	)
}

func (b *NAIBot) ValidateConfig() error {
	return b.config.Validate()
}

// Dispatcher returns the bot's job dispatcher
func (b *NAIBot) Dispatcher() *Dispatcher {
	return b.dispatcher
}

// RecordGeneration saves a finished job's outcome, once the database
// is open
func (b *NAIBot) RecordGeneration(ctx context.Context, rec *GenerationRecord) error {
	if b.store == nil {
		return nil
	}
	return b.store.RecordGeneration(ctx, rec)
}

// RegisterSlashCommands registers the bot's slash commands with Discord
func (b *NAIBot) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return b.discord.registerCommands(options...)
}

// Run starts the bot and blocks until ctx is cancelled or a stop is
// requested via the API, then shuts down. Jobs still waiting when the
// bot shuts down are aborted.
func (b *NAIBot) Run(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.startedAt = time.Now()
	logger := b.logger

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-b.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	if err := b.initRun(startCtx, ctx); err != nil {
		logger.ErrorContext(ctx, "init error", tint.Err(err))
		return err
	}

	runtimeWG := &sync.WaitGroup{}

	go func() {
		httpErr := b.api.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
		}
	}()

	if err := b.initDiscordSession(ctx, runtimeWG); err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		return errors.Join(err, b.shutdown(ctx, runtimeWG))
	}
	if err := b.discordInit(startCtx); err != nil {
		return errors.Join(err, b.shutdown(ctx, runtimeWG))
	}

	select {
	case b.signalReady <- struct{}{}:
	default:
	}
	logger.InfoContext(ctx, "ready", "startup_duration", time.Since(b.startedAt))

	<-ctx.Done()
	return b.shutdown(ctx, runtimeWG)
}

// Stop requests a graceful shutdown of a running bot
func (b *NAIBot) Stop() {
	select {
	case b.signalStop <- struct{}{}:
	default:
	}
}

// initRun opens the database, restores the persisted paused state and
// starts the dispatcher
func (b *NAIBot) initRun(startCtx context.Context, ctx context.Context) error {
	if b.db == nil {
		handler := tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     b.config.DatabaseLogLevel,
				AddSource: true,
			},
		)
		db, err := openDB(
			startCtx,
			b.config.DatabaseType,
			b.config.Database,
			handler,
			b.config.DatabaseSlowThreshold,
		)
		if err != nil {
			return fmt.Errorf("error initializing database: %w", err)
		}
		b.db = db
	}
	b.store = NewStore(b.db, b.logger)

	state, err := b.store.LoadState(startCtx)
	if err != nil {
		return fmt.Errorf("error loading state: %w", err)
	}
	if state.AdminUsername == "" || state.AdminPassword == "" {
		b.logger.WarnContext(
			ctx,
			"admin credentials not set, the admin API won't accept logins until `init` is run",
		)
	}
	if state.Paused {
		b.logger.WarnContext(ctx, "starting paused")
		b.dispatcher.Pause()
	}

	return b.dispatcher.Start(ctx)
}

func (b *NAIBot) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	if b.discord.session == nil {
		session, err := b.discord.newSession()
		if err != nil {
			return fmt.Errorf("error creating discord session: %w", err)
		}
		b.discord.session = session
	}

	for _, h := range b.discord.removeHandlers {
		h()
	}

	identify := discordgo.Identify{Intents: b.config.Discord.GatewayIntents}
	if b.dispatcher.Paused() {
		identify.Presence = discordgo.GatewayStatusUpdate{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		}
	} else {
		identify.Presence = discordgo.GatewayStatusUpdate{
			Status: b.config.Discord.CustomStatus,
		}
	}
	b.discord.session.SetIdentify(identify)

	if b.getInteractionHandlerFunc == nil {
		b.getInteractionHandlerFunc = func(
			_ context.Context,
			i *discordgo.InteractionCreate,
		) InteractionHandler {
			return GatewayHandler{
				session:     b.discord.session,
				interaction: i,
				logger: b.discord.logger.With(
					slog.Group("interaction", interactionLogAttrs(*i)...),
				),
			}
		}
	}

	b.discord.removeHandlers = []func(){
		b.discord.session.AddHandler(b.discord.handlerConnect()),
		b.discord.session.AddHandler(b.discord.handlerDisconnect()),
		b.discord.session.AddHandler(b.discord.handlerReady()),
		b.discord.session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				handler := b.getInteractionHandlerFunc(ctx, i)
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					b.handleInteraction(ctx, handler)
				}()
			},
		),
	}
	return nil
}

// discordInit opens the gateway connection and registers commands
func (b *NAIBot) discordInit(startCtx context.Context) error {
	b.logger.InfoContext(startCtx, "connecting to discord")
	if err := b.discord.session.Open(); err != nil {
		b.logger.ErrorContext(startCtx, "error connecting to discord", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	commands, err := b.RegisterSlashCommands(discordgo.WithContext(startCtx))
	if err != nil {
		b.logger.ErrorContext(startCtx, "error registering commands", tint.Err(err))
		return err
	}
	b.logger.InfoContext(startCtx, "registered commands", "count", len(commands))

	if status := b.config.Discord.CustomStatus; status != "" && !b.dispatcher.Paused() {
		if statusErr := b.discord.session.UpdateCustomStatus(status); statusErr != nil {
			b.logger.ErrorContext(startCtx, "error updating discord status", tint.Err(statusErr))
		}
	}
	return nil
}

// shutdown stops accepting interactions, stops the dispatcher (which
// aborts anything left in the queue), then closes the discord session
// and the API server.
func (b *NAIBot) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := b.logger
	shutdownStart := time.Now()
	logger.WarnContext(
		ctx,
		"shutting down",
		"shutdown_timeout", b.config.ShutdownTimeout,
	)

	for _, h := range b.discord.removeHandlers {
		h()
	}
	b.discord.removeHandlers = nil

	var errs []error
	if err := b.dispatcher.Stop(b.config.ShutdownTimeout); err != nil {
		logger.ErrorContext(ctx, "error stopping dispatcher", tint.Err(err))
		errs = append(errs, err)
	}

	handlersDone := make(chan struct{})
	go func() {
		runtimeWG.Wait()
		close(handlersDone)
	}()
	if !waitClosed(handlersDone, interactionWaitTimeout) {
		logger.WarnContext(ctx, "interaction handlers did not finish in time")
	}

	closeCtx, closeCancel := context.WithTimeout(
		context.Background(),
		b.config.API.WriteTimeout,
	)
	defer closeCancel()

	stopWG := &sync.WaitGroup{}
	if b.api != nil && b.api.httpServer != nil {
		stopWG.Add(1)
		go func() {
			defer stopWG.Done()
			logger.InfoContext(ctx, "stopping http server")
			if err := b.api.httpServer.Shutdown(closeCtx); err != nil {
				logger.ErrorContext(ctx, "error stopping http server", tint.Err(err))
				_ = b.api.httpServer.Close()
			}
		}()
	}
	if b.discord.session != nil {
		stopWG.Add(1)
		go func() {
			defer stopWG.Done()
			logger.InfoContext(ctx, "closing discord session")
			if err := b.discord.session.Close(); err != nil {
				logger.ErrorContext(ctx, "error closing discord session", tint.Err(err))
			}
		}()
	}
	stopWG.Wait()

	if b.db != nil {
		if sqlDB, err := b.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}

	logger.InfoContext(
		ctx,
		"shutdown complete",
		"shutdown_duration", time.Since(shutdownStart),
	)
	return errors.Join(errs...)
}

// Pause stops non-exempt users from submitting new requests, and sets
// the bot's discord status to 'do not disturb'. It returns false if the
// bot was already paused.
func (b *NAIBot) Pause(ctx context.Context) bool {
	if b.dispatcher.Paused() {
		return false
	}
	b.dispatcher.Pause()
	b.logger.InfoContext(ctx, "bot paused")

	if b.discord.session != nil {
		if err := b.discord.session.UpdateStatusComplex(
			discordgo.UpdateStatusData{
				AFK:    true,
				Status: string(discordgo.StatusDoNotDisturb),
			},
		); err != nil {
			b.logger.ErrorContext(ctx, "unable to update afk status", tint.Err(err))
		}
	}
	if b.store != nil {
		if err := b.store.SetPaused(ctx, true); err != nil {
			b.logger.ErrorContext(ctx, "unable to set paused in db", tint.Err(err))
		}
	}
	return true
}

// Resume undoes [NAIBot.Pause]. It returns false if the bot wasn't paused.
func (b *NAIBot) Resume(ctx context.Context) bool {
	if !b.dispatcher.Paused() {
		b.logger.WarnContext(ctx, "bot not paused")
		return false
	}
	b.dispatcher.Resume()
	b.logger.InfoContext(ctx, "bot resumed")

	if b.discord.session != nil {
		if err := b.discord.session.UpdateCustomStatus(b.config.Discord.CustomStatus); err != nil {
			b.logger.ErrorContext(ctx, "unable to update online status", tint.Err(err))
		}
	}
	if b.store != nil {
		if err := b.store.SetPaused(ctx, false); err != nil {
			b.logger.ErrorContext(ctx, "unable to set resumed in db", tint.Err(err))
		}
	}
	return true
}

// handleInteraction acknowledges a slash command and runs it
func (b *NAIBot) handleInteraction(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	logger := handler.Logger()

	user := interactionUser(i)
	if user == nil {
		logger.ErrorContext(
			ctx,
			"no user found in interaction",
			"interaction", structToSlogValue(i),
		)
		return
	}
	ctx = WithLogger(ctx, logger)

	if user.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring", "user_id", user.ID)
		return
	}

	switch i.Type {
	case discordgo.InteractionPing:
		_ = handler.Respond(
			ctx, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponsePong,
			},
		)
	case discordgo.InteractionApplicationCommand:
		defer func() {
			if rc := recover(); rc != nil {
				handleRecover(ctx, rc)
				_ = editContent(ctx, handler, DefaultDiscordErrorMessage)
			}
		}()

		commandName := i.ApplicationCommandData().Name
		logger.InfoContext(ctx, "received command", "command", commandName, "user_id", user.ID)

		if ackErr := handler.Respond(ctx, b.discord.ackResponse(commandName)); ackErr != nil {
			logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(ackErr))
			return
		}

		switch commandName {
		case DiscordSlashCommandNAI:
			b.handleNAICommand(ctx, handler, user)
		case DiscordSlashCommandDirector:
			b.handleDirectorCommand(ctx, handler, user)
		case DiscordSlashCommandPreset:
			b.handlePresetCommand(ctx, handler, user)
		case DiscordSlashCommandLeaderboard:
			b.handleLeaderboardCommand(ctx, handler, user)
		default:
			logger.WarnContext(ctx, "unknown command", "command", commandName)
			_ = editContent(ctx, handler, DefaultDiscordErrorMessage)
		}
	default:
		logger.DebugContext(ctx, "ignoring interaction", "type", i.Type.String())
	}
}
