package developerjoe

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	// chatNameOption is the option name used for the chat session name
	// across commands that accept one.
	chatNameOption = "name"

	// chatQueryOption is the option name used for the user's query in
	// the ask and stream commands.
	chatQueryOption = "query"

	// chatModelOption is the option name for selecting a backend model.
	chatModelOption = "model"

	// chatImageOption is the option name for the attachment passed to
	// an image query.
	chatImageOption = "image"

	// lockRoleOption is the option name for the role in lock/unlock.
	lockRoleOption = "role"
)

// Discord manages the gateway connection, slash command registration,
// and interaction handling.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
	dj                          *DeveloperJoe
}

func newDiscord(config *DiscordConfig) (*Discord, error) {
	if config.Token == "" {
		return nil, fmt.Errorf("discord token not set")
	}
	return &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
	}, nil
}

// newSession initializes a new Discord session for the Discord struct.
// It sets up the session with the appropriate logger, token, and
// configuration.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{
		logger: d.logger.With(loggerNameKey, "discord_session_handler"),
	}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	disc.Identify.Intents = d.config.GatewayIntents
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}

	return session, nil
}

// ackResponseFlag returns the appropriate discordgo.MessageFlags based
// on the given command. Replies that carry model output are public,
// everything else is ephemeral.
func (*Discord) ackResponseFlag(command string) discordgo.MessageFlags {
	switch command {
	case DiscordSlashCommandAsk:
		return discordgo.MessageFlagsLoading
	case DiscordSlashCommandStream:
		return discordgo.MessageFlagsLoading
	case DiscordSlashCommandStart:
		return discordgo.MessageFlagsLoading
	default:
		return discordgo.MessageFlagsEphemeral
	}
}

func (d *Discord) ackResponse(commandName string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Flags: d.ackResponseFlag(commandName),
		},
	}
}

func modelChoices() []*discordgo.ApplicationCommandOptionChoice {
	models := ChatModels()
	choices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(models))
	for _, m := range models {
		choices = append(
			choices, &discordgo.ApplicationCommandOptionChoice{
				Name:  m.DisplayName(),
				Value: m.ID(),
			},
		)
	}
	return choices
}

func chatNameCommandOption(required bool) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        chatNameOption,
		Description: "Chat name (defaults to your current chat)",
		Required:    required,
	}
}

func (d *Discord) appCommandStart() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandStart,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Start a new chat",
		Options: []*discordgo.ApplicationCommandOption{
			chatNameCommandOption(false),
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        chatModelOption,
				Description: "Model to chat with",
				Choices:     modelChoices(),
			},
		},
	}
}

func (d *Discord) appCommandAsk() *discordgo.ApplicationCommand {
	minLength := 1
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandAsk,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Ask your current chat a question",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        chatQueryOption,
				Description: "Your question",
				Required:    true,
				MinLength:   &minLength,
			},
			{
				Type:        discordgo.ApplicationCommandOptionAttachment,
				Name:        chatImageOption,
				Description: "Ask about an attached image",
			},
		},
	}
}

func (d *Discord) appCommandStream() *discordgo.ApplicationCommand {
	minLength := 1
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandStream,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Ask a question, streaming the reply as it arrives",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        chatQueryOption,
				Description: "Your question",
				Required:    true,
				MinLength:   &minLength,
			},
		},
	}
}

func (d *Discord) appCommandStop() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandStop,
		Type:        discordgo.ChatApplicationCommand,
		Description: "End a chat and save its transcript",
		Options: []*discordgo.ApplicationCommandOption{
			chatNameCommandOption(false),
		},
	}
}

func (d *Discord) appCommandClear() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandClear,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Clear your current chat's history",
		Options: []*discordgo.ApplicationCommandOption{
			chatNameCommandOption(false),
		},
	}
}

func (d *Discord) appCommandSwitch() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandSwitch,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Switch your default chat",
		Options: []*discordgo.ApplicationCommandOption{
			chatNameCommandOption(true),
		},
	}
}

func (d *Discord) appCommandExport() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandExport,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Export a chat transcript as a text file",
		Options: []*discordgo.ApplicationCommandOption{
			chatNameCommandOption(false),
		},
	}
}

func (d *Discord) appCommandModels() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandModels,
		Type:        discordgo.ChatApplicationCommand,
		Description: "List available models and your chats",
	}
}

func (d *Discord) appCommandLock() *discordgo.ApplicationCommand {
	adminPerm := int64(discordgo.PermissionManageServer)
	return &discordgo.ApplicationCommand{
		Name:                     DiscordSlashCommandLock,
		Type:                     discordgo.ChatApplicationCommand,
		Description:              "Restrict a model to a role",
		DefaultMemberPermissions: &adminPerm,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        chatModelOption,
				Description: "Model to lock",
				Required:    true,
				Choices:     modelChoices(),
			},
			{
				Type:        discordgo.ApplicationCommandOptionRole,
				Name:        lockRoleOption,
				Description: "Role allowed to use the model",
				Required:    true,
			},
		},
	}
}

func (d *Discord) appCommandUnlock() *discordgo.ApplicationCommand {
	adminPerm := int64(discordgo.PermissionManageServer)
	return &discordgo.ApplicationCommand{
		Name:                     DiscordSlashCommandUnlock,
		Type:                     discordgo.ChatApplicationCommand,
		Description:              "Remove a role from a model's lock list",
		DefaultMemberPermissions: &adminPerm,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        chatModelOption,
				Description: "Model to unlock",
				Required:    true,
				Choices:     modelChoices(),
			},
			{
				Type:        discordgo.ApplicationCommandOptionRole,
				Name:        lockRoleOption,
				Description: "Role to remove",
				Required:    true,
			},
		},
	}
}

// registerCommands sends the bot's commands to the discord bulk
// overwrite endpoint.
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	commands := []*discordgo.ApplicationCommand{
		d.appCommandStart(),
		d.appCommandAsk(),
		d.appCommandStream(),
		d.appCommandStop(),
		d.appCommandClear(),
		d.appCommandSwitch(),
		d.appCommandExport(),
		d.appCommandModels(),
		d.appCommandLock(),
		d.appCommandUnlock(),
	}

	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command_name", c.Name)
	}
	return created, nil
}

// channelMessageSend sends the given message to the given discord
// channel ID.
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
	return func(s *discordgo.Session, _ *discordgo.Ready) {
		d.logger.Info(
			"Ready",
			"session_id", s.State.SessionID,
			"user_id", s.State.User.ID,
			"username", s.State.User.Username,
		)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)

		var sessionID string
		var userID string
		var username string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
			if s.State.User != nil {
				userID = s.State.User.ID
				username = s.State.User.Username
			}
		}
		d.logger.Info(
			"Connected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)
		if d.config.NotificationChannelID != "" && d.config.StartupMessage != "" {
			if sendErr := d.channelMessageSend(
				d.config.NotificationChannelID,
				d.config.StartupMessage,
				discordgo.WithRetryOnRatelimit(false),
				discordgo.WithRestRetries(1),
			); sendErr != nil {
				d.logger.Error("unable to send startup message", tint.Err(sendErr))
			}
		}
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)

		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info("disconnected", "session_id", sessionID)
	}
}

func (d *Discord) updateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

// DiscordSessionHandler defines the interface for handling Discord
// sessions. This basically defines methods from `discordgo.Session`
// which are used in this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// ChannelMessageSend sends a message to a specified channel
	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ApplicationCommandBulkOverwrite overwrites Discord application
	// commands in bulk
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// UpdateCustomStatus sets the bot's user status to the given string.
	UpdateCustomStatus(status string) error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// InteractionResponseEdit modifies the given interaction
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// FollowupMessageCreate sends a followup message for an interaction
	FollowupMessageCreate(
		interaction *discordgo.Interaction,
		wait bool,
		data *discordgo.WebhookParams,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// GuildRoles returns the guild's full role list, used to resolve
	// role rank for model lock checks
	GuildRoles(
		guildID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Role, error)

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error

	GatewayBot(options ...discordgo.RequestOption) (st *discordgo.GatewayBotResponse, err error)
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
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
	return d.session.ApplicationCommandBulkOverwrite(
		appID, guildID, commands, options...,
	)
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
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

func (d DiscordSession) FollowupMessageCreate(
	interaction *discordgo.Interaction,
	wait bool,
	data *discordgo.WebhookParams,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.FollowupMessageCreate(interaction, wait, data, options...)
}

func (d DiscordSession) GuildRoles(
	guildID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Role, error) {
	roles, err := d.session.GuildRoles(guildID, options...)
	if err != nil {
		d.logger.Error(
			"error fetching guild roles", tint.Err(err), "guild_id", guildID,
		)
	}
	return roles, err
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
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

func (d DiscordSession) GatewayBot(options ...discordgo.RequestOption) (
	st *discordgo.GatewayBotResponse,
	err error,
) {
	return d.session.GatewayBot(options...)
}
