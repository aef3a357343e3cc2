package developerjoe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

var structValidator = validator.New()

//nolint:gochecknoinits // validator tag registration
func init() {
	structValidator.SetTagName("binding")
}

var (
	// When building, set these like:
	// -ldflags "-X github.com/AustinAres2007/DeveloperJoe-sub000/developerjoe.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// DeveloperJoe is the top-level bot: it owns the database, the model
// adapter, the session registry, the permission engine, the Discord
// gateway connection and the admin API, and wires them together.
type DeveloperJoe struct {
	config     *Config
	logger     *slog.Logger
	logHandler slog.Handler

	db       DBI
	ai       *OpenAI
	registry *SessionRegistry
	locks    *ModelLocks
	history  *HistoryStore
	guilds   *GuildStore
	discord  *Discord
	api      *API

	startedAt time.Time
	runMu     sync.Mutex

	// signalStop enables an explicit stop signal to be sent to the bot,
	// apart from context cancellation
	signalStop chan struct{}

	// signalReady has a value sent on it once Run has finished starting
	// everything up. Used in tests.
	signalReady chan struct{}
}

func New(config *Config) (*DeveloperJoe, error) {
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

	d := &DeveloperJoe{
		config:      config,
		signalReady: make(chan struct{}, 1),
	}

	d.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     d.config.LogLevel,
			AddSource: true,
		},
	)
	d.logger = slog.New(d.logHandler)
	slog.SetDefault(d.logger)

	d.ai = newOpenAI(config.OpenAI, config.HTTPClient)
	d.registry = newSessionRegistry(d.ai, config.Chat)

	d.config.Discord.httpClient = config.HTTPClient
	disc, err := newDiscord(config.Discord)
	if err != nil {
		errs = append(errs, err)
	} else {
		discordgo.Logger = discordgoLoggerFunc(
			context.Background(),
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     config.Discord.DiscordGoLogLevel,
					AddSource: true,
				},
			).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
		)
		disc.logger = slog.New(
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     config.Discord.LogLevel,
					AddSource: true,
				},
			),
		).With(loggerNameKey, "discord")
		disc.dj = d
		d.discord = disc
	}

	api, err := newAPI(d, config.API)
	if err != nil {
		errs = append(errs, err)
	}
	d.api = api

	return d, errors.Join(errs...)
}

func (d *DeveloperJoe) ValidateConfig() error {
	return structValidator.Struct(d.config)
}

// RegisterSlashCommands sends the bot's slash commands to the discord
// bulk overwrite endpoint.
func (d *DeveloperJoe) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return d.discord.registerCommands(options...)
}

// initDB opens the configured database, migrates it, and hydrates the
// model lock engine from the stored guild rules.
func (d *DeveloperJoe) initDB(ctx context.Context) error {
	gormDB, err := CreateDB(ctx, d.config.DatabaseType, d.config.Database)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	// SQLite only supports one writer, so writes are serialized there
	d.db = NewDatabase(gormDB, d.logger, d.config.DatabaseType == dbTypePostgres)
	d.history = newHistoryStore(d.db)
	d.guilds = newGuildStore(d.db)
	d.locks = newModelLocks(d.guilds)

	allRules, err := d.guilds.allGuildModelLocks(ctx)
	if err != nil {
		return fmt.Errorf("loading guild model locks: %w", err)
	}
	for guildID, rules := range allRules {
		d.locks.load(guildID, rules)
	}
	d.logger.InfoContext(
		ctx, "model locks loaded", "guild_count", len(allRules),
	)
	return nil
}

// initDiscord opens the gateway connection, attaches the event
// handlers, and registers the slash commands. A session already set on
// the Discord component is kept as-is.
func (d *DeveloperJoe) initDiscord(ctx context.Context) error {
	session := d.discord.session
	if session == nil {
		newSession, err := d.discord.newSession()
		if err != nil {
			return err
		}
		session = newSession
		d.discord.session = session
	}

	d.discord.discordgoRemoveHandlerFuncs = []func(){
		session.AddHandler(d.discord.handlerReady()),
		session.AddHandler(d.discord.handlerConnect()),
		session.AddHandler(d.discord.handlerDisconnect()),
		session.AddHandler(d.discord.handlerInteractionCreate()),
	}

	if err := session.Open(); err != nil {
		return fmt.Errorf("opening discord connection: %w", err)
	}

	if _, err := d.discord.registerCommands(); err != nil {
		return fmt.Errorf("registering commands: %w", err)
	}

	if d.config.Discord.CustomStatus != "" {
		if statusErr := d.discord.updateCustomStatus(
			d.config.Discord.CustomStatus,
		); statusErr != nil {
			d.logger.WarnContext(
				ctx, "error setting custom status", tint.Err(statusErr),
			)
		}
	}
	return nil
}

// Run starts the bot and blocks until ctx is canceled or Stop is
// called, then shuts down gracefully.
func (d *DeveloperJoe) Run(ctx context.Context) error {
	// prevents concurrent runs
	d.runMu.Lock()
	defer d.runMu.Unlock()

	d.signalStop = make(chan struct{}, 1)
	d.startedAt = time.Now()
	logger := d.logger

	if err := d.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-d.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, d.config.StartupTimeout)
	defer startCancel()

	if err := d.initDB(startCtx); err != nil {
		logger.ErrorContext(ctx, "init error", tint.Err(err))
		return err
	}
	if err := d.initDiscord(startCtx); err != nil {
		logger.ErrorContext(ctx, "init error", tint.Err(err))
		return err
	}

	group := &errgroup.Group{}
	group.Go(
		func() error {
			return d.api.Serve(ctx)
		},
	)

	logger.InfoContext(ctx, "startup complete")
	select {
	case d.signalReady <- struct{}{}:
	default:
	}

	<-ctx.Done()
	d.shutdown(logger)
	return group.Wait()
}

// Stop signals a running bot to shut down.
func (d *DeveloperJoe) Stop() {
	select {
	case d.signalStop <- struct{}{}:
	default:
	}
}

// shutdown disconnects from the gateway and saves a transcript for
// every session that still has history, so any conversation in flight
// at shutdown can be recovered.
func (d *DeveloperJoe) shutdown(logger *slog.Logger) {
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(), d.config.ShutdownTimeout,
	)
	defer cancel()

	for _, remove := range d.discord.discordgoRemoveHandlerFuncs {
		remove()
	}
	if d.discord.session != nil {
		if err := d.discord.session.Close(); err != nil {
			logger.Error("error closing discord connection", tint.Err(err))
		}
	}

	saved := 0
	for ownerID := range d.registry.owners() {
		for _, session := range d.registry.Sessions(ownerID) {
			if len(session.Exchanges()) == 0 {
				continue
			}
			if _, err := d.history.Upload(shutdownCtx, session); err != nil {
				logger.Error(
					"error saving transcript at shutdown",
					tint.Err(err), "chat", session,
				)
				continue
			}
			saved++
		}
	}
	logger.Info("shutdown complete", "transcripts_saved", saved)
}
