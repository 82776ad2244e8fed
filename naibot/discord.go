package naibot

import (
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
	"sync/atomic"
)

const (
	DiscordSlashCommandNAI         = "nai"
	DiscordSlashCommandDirector    = "director"
	DiscordSlashCommandPreset      = "preset"
	DiscordSlashCommandLeaderboard = "leaderboard"

	presetSubcommandSave   = "save"
	presetSubcommandList   = "list"
	presetSubcommandDelete = "delete"

	optionPrompt              = "prompt"
	optionNegative            = "negative"
	optionModel               = "model"
	optionWidth               = "width"
	optionHeight              = "height"
	optionSteps               = "steps"
	optionCFG                 = "cfg"
	optionSeed                = "seed"
	optionSampler             = "sampler"
	optionSMEA                = "smea"
	optionNoiseSchedule       = "noise_schedule"
	optionDynamicThresholding = "decrisper"
	optionVarietyPlus         = "variety_plus"
	optionUpscale             = "upscale"
	optionPreset              = "preset"
	optionName                = "name"
	optionImage               = "image"
	optionRequestType         = "req_type"
	optionEmotion             = "emotion"
	optionDefry               = "defry"
	optionQualityToggle       = "quality_toggle"
	optionUndesiredContent    = "undesired_content"
	optionPromptConversion    = "prompt_conversion"
	optionVibeImage           = "vibe_image"
	optionVibeInformation     = "vibe_information"
	optionVibeStrength        = "vibe_strength"

	leaderboardSize = 10
)

// Discord manages the bot's gateway session and slash commands
type Discord struct {
	session           DiscordSessionHandler
	config            *DiscordConfig
	logger            *slog.Logger
	metricConnects    atomic.Int64
	metricDisconnects atomic.Int64
	connected         atomic.Bool
	removeHandlers    []func()
}

func newDiscord(config *DiscordConfig, logger *slog.Logger) *Discord {
	return &Discord{
		config:         config,
		logger:         logger,
		removeHandlers: []func(){},
	}
}

// newSession initializes a new discordgo session, wrapped as a
// [DiscordSessionHandler]
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

func commandContexts() *[]discordgo.InteractionContextType {
	return &[]discordgo.InteractionContextType{
		discordgo.InteractionContextPrivateChannel,
		discordgo.InteractionContextGuild,
		discordgo.InteractionContextBotDM,
	}
}

func commandIntegrationTypes() *[]discordgo.ApplicationIntegrationType {
	return &[]discordgo.ApplicationIntegrationType{
		discordgo.ApplicationIntegrationUserInstall,
		discordgo.ApplicationIntegrationGuildInstall,
	}
}

func stringChoices(values ...string) []*discordgo.ApplicationCommandOptionChoice {
	choices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(values))
	for _, v := range values {
		choices = append(
			choices,
			&discordgo.ApplicationCommandOptionChoice{Name: v, Value: v},
		)
	}
	return choices
}

// generationOptions are the txt2img parameters shared by `/nai` and
// `/preset save`
func generationOptions(promptRequired bool) []*discordgo.ApplicationCommandOption {
	minPromptLength := 1
	minDim := float64(64)
	maxDim := float64(2048)
	minSteps := float64(1)
	maxSteps := float64(28)
	minCFG := float64(0)
	maxCFG := float64(cfgMax)
	minSeed := float64(0)
	maxSeed := float64(seedMax)

	return []*discordgo.ApplicationCommandOption{
		{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        optionPrompt,
			Description: "What to generate",
			Required:    promptRequired,
			MinLength:   &minPromptLength,
		},
		{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        optionNegative,
			Description: "What to avoid",
		},
		{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        optionModel,
			Description: "Model to use",
			Choices:     stringChoices(Models...),
		},
		{
			Type:        discordgo.ApplicationCommandOptionInteger,
			Name:        optionWidth,
			Description: "Image width, a multiple of 64",
			MinValue:    &minDim,
			MaxValue:    maxDim,
		},
		{
			Type:        discordgo.ApplicationCommandOptionInteger,
			Name:        optionHeight,
			Description: "Image height, a multiple of 64",
			MinValue:    &minDim,
			MaxValue:    maxDim,
		},
		{
			Type:        discordgo.ApplicationCommandOptionInteger,
			Name:        optionSteps,
			Description: "Sampling steps",
			MinValue:    &minSteps,
			MaxValue:    maxSteps,
		},
		{
			Type:        discordgo.ApplicationCommandOptionNumber,
			Name:        optionCFG,
			Description: "Prompt guidance",
			MinValue:    &minCFG,
			MaxValue:    maxCFG,
		},
		{
			Type:        discordgo.ApplicationCommandOptionInteger,
			Name:        optionSeed,
			Description: "Seed, 0 for random",
			MinValue:    &minSeed,
			MaxValue:    maxSeed,
		},
		{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        optionSampler,
			Description: "Sampler",
			Choices:     stringChoices(Samplers...),
		},
		{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        optionSMEA,
			Description: "SMEA",
			Choices:     stringChoices(SMEAOptions...),
		},
		{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        optionNoiseSchedule,
			Description: "Noise schedule",
			Choices:     stringChoices(NoiseSchedules...),
		},
		{
			Type:        discordgo.ApplicationCommandOptionBoolean,
			Name:        optionDynamicThresholding,
			Description: "Reduce artifacts at high guidance",
		},
		{
			Type:        discordgo.ApplicationCommandOptionBoolean,
			Name:        optionVarietyPlus,
			Description: "Skip guidance at high noise levels for more varied results",
		},
		{
			Type:        discordgo.ApplicationCommandOptionBoolean,
			Name:        optionUpscale,
			Description: "Upscale the result 4x (640x640 or smaller)",
		},
		{
			Type:        discordgo.ApplicationCommandOptionBoolean,
			Name:        optionQualityToggle,
			Description: "Add the model's quality tags to the prompt",
		},
		{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        optionUndesiredContent,
			Description: "Undesired content preset added to the negative prompt",
			Choices:     stringChoices(UndesiredContentPresets...),
		},
		{
			Type:        discordgo.ApplicationCommandOptionBoolean,
			Name:        optionPromptConversion,
			Description: "Convert (tag:1.2) weights to NovelAI braces",
		},
	}
}

// appCommandNAI creates the `/nai` txt2img command
func (*Discord) appCommandNAI() *discordgo.ApplicationCommand {
	minVibe := float64(0)
	options := generationOptions(true)
	options = append(
		options,
		&discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        optionPreset,
			Description: "Start from one of your saved presets",
		},
		&discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionAttachment,
			Name:        optionVibeImage,
			Description: "Vibe transfer reference image",
		},
		&discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionNumber,
			Name:        optionVibeInformation,
			Description: "Information extracted from the reference, 0-1",
			MinValue:    &minVibe,
			MaxValue:    1,
		},
		&discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionNumber,
			Name:        optionVibeStrength,
			Description: "Reference strength, 0-1",
			MinValue:    &minVibe,
			MaxValue:    1,
		},
	)
	return &discordgo.ApplicationCommand{
		Name:             DiscordSlashCommandNAI,
		Description:      "Generate an image with NovelAI",
		Type:             discordgo.ChatApplicationCommand,
		Contexts:         commandContexts(),
		IntegrationTypes: commandIntegrationTypes(),
		Options:          options,
	}
}

// appCommandDirector creates the `/director` command
func (*Discord) appCommandDirector() *discordgo.ApplicationCommand {
	minDefry := float64(0)
	return &discordgo.ApplicationCommand{
		Name:             DiscordSlashCommandDirector,
		Description:      "Transform an image with NovelAI director tools",
		Type:             discordgo.ChatApplicationCommand,
		Contexts:         commandContexts(),
		IntegrationTypes: commandIntegrationTypes(),
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionAttachment,
				Name:        optionImage,
				Description: "Image to transform",
				Required:    true,
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        optionRequestType,
				Description: "Tool to use",
				Required:    true,
				Choices:     stringChoices(DirectorRequests...),
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        optionPrompt,
				Description: "Prompt, for colorize and emotion",
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        optionEmotion,
				Description: "Emotion, for the emotion tool",
				Choices:     stringChoices(Emotions...),
			},
			{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        optionDefry,
				Description: "Strength reduction, 0-5",
				MinValue:    &minDefry,
				MaxValue:    5,
			},
		},
	}
}

// appCommandPreset creates the `/preset` command, with save, list and
// delete subcommands
func (*Discord) appCommandPreset() *discordgo.ApplicationCommand {
	nameOption := &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        optionName,
		Description: "Preset name",
		Required:    true,
		MaxLength:   presetNameMaxLen,
	}
	saveOptions := append(
		[]*discordgo.ApplicationCommandOption{nameOption},
		generationOptions(false)...,
	)
	return &discordgo.ApplicationCommand{
		Name:             DiscordSlashCommandPreset,
		Description:      "Manage your saved generation presets",
		Type:             discordgo.ChatApplicationCommand,
		Contexts:         commandContexts(),
		IntegrationTypes: commandIntegrationTypes(),
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        presetSubcommandSave,
				Description: "Save a preset",
				Options:     saveOptions,
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        presetSubcommandList,
				Description: "List your presets",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        presetSubcommandDelete,
				Description: "Delete a preset",
				Options:     []*discordgo.ApplicationCommandOption{nameOption},
			},
		},
	}
}

func (*Discord) appCommandLeaderboard() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:             DiscordSlashCommandLeaderboard,
		Description:      "Show the users with the most generations",
		Type:             discordgo.ChatApplicationCommand,
		Contexts:         commandContexts(),
		IntegrationTypes: commandIntegrationTypes(),
	}
}

// channelMessageSend sends the given message to the given discord channel ID
func (d *Discord) channelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) error {
	_, err := d.session.ChannelMessageSend(channelID, message, opts...)
	return err
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, r *discordgo.Ready) {
		var userID, username string
		if r.User != nil {
			userID = r.User.ID
			username = r.User.Username
		}
		d.logger.Info(
			"Ready",
			"session_id", r.SessionID,
			columnUserID, userID,
			"username", username,
		)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, r *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("Connected")

		if d.config.NotificationChannelID == "" || d.config.StartupMessage == "" {
			return
		}
		if sendErr := d.channelMessageSend(
			d.config.NotificationChannelID,
			d.config.StartupMessage,
			discordgo.WithRetryOnRatelimit(false),
			discordgo.WithRestRetries(1),
		); sendErr != nil {
			d.logger.Error("unable to send startup message", tint.Err(sendErr))
		} else {
			d.logger.Info("sent startup notification")
		}
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, r *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Info("disconnected")
	}
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	commands := []*discordgo.ApplicationCommand{
		d.appCommandNAI(),
		d.appCommandDirector(),
		d.appCommandPreset(),
		d.appCommandLeaderboard(),
	}

	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
		options...,
	)
	if err != nil {
		return created, fmt.Errorf("error overwriting discord commands: %w", err)
	}
	if len(created) == 0 {
		d.logger.Warn("no commands were created")
	}
	return created, nil
}

// ackResponse defers the response to a command. Generation commands are
// answered publicly, everything else is only shown to the user.
func (*Discord) ackResponse(commandName string) *discordgo.InteractionResponse {
	var flags discordgo.MessageFlags
	switch commandName {
	case DiscordSlashCommandNAI, DiscordSlashCommandDirector, DiscordSlashCommandLeaderboard:
		flags = 0
	default:
		flags = discordgo.MessageFlagsEphemeral
	}
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: flags},
	}
}

// DiscordSessionHandler defines the methods from `discordgo.Session` used
// by the bot, so the session can be mocked in tests.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error

	// UpdateStatusComplex sends the given status update, untouched
	UpdateStatusComplex(data discordgo.UpdateStatusData) error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	InteractionResponseDelete(
		interaction *discordgo.Interaction,
		options ...discordgo.RequestOption,
	) error

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error

	// HTTPClient returns the client used for REST requests
	HTTPClient() *http.Client
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) HTTPClient() *http.Client {
	return d.session.Client
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) InteractionResponseDelete(
	interaction *discordgo.Interaction,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionResponseDelete(interaction, options...)
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c.Name)
	}
	return created, nil
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) UpdateStatusComplex(data discordgo.UpdateStatusData) error {
	return d.session.UpdateStatusComplex(data)
}
