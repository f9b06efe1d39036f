package chatbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

const msgBlacklisted = "You are not allowed to use this bot"

var errAlreadyRunning = errors.New("bot is already running")

var (
	// Set at build time, ex:
	// -ldflags "-X github.com/webhead2oo9/ChatGPT-Discord-Bot/chatbot.Version=$$(date +'%Y%m%d')"
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// Bot wires configuration, storage, Discord and OpenAI together, and
// routes interactions to the command handlers.
type Bot struct {
	config    *Config
	botConfig *BotConfig

	db        DBI
	gate      *Gate
	openai    *OpenAI
	discord   *Discord
	consent   *ConsentStore
	cooldowns CooldownStore

	// set depending on the configured cooldown store, for their
	// janitors to be started by Run
	memoryCooldowns *memoryCooldownStore
	dbCooldowns     *dbCooldownStore
	notifier        *postgresCooldownNotifier

	api           *API
	webhookServer *DiscordWebhookServer

	logger     *slog.Logger
	chatLogger *slog.Logger

	runMu     sync.Mutex
	runtimeWG sync.WaitGroup
	inFlight  atomic.Int64
	startedAt time.Time
	now       func() time.Time
}

// New opens and migrates the database, and builds every component
// except the Discord session, which is opened by [Bot.Run].
func New(ctx context.Context, config *Config, botConfig *BotConfig) (*Bot, error) {
	if err := structValidator.Struct(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := botConfig.Validate(); err != nil {
		return nil, err
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &Bot{
		config:    config,
		botConfig: botConfig,
		now:       time.Now,
		startedAt: time.Now(),
	}

	logHandler := newHandler(config.LogLevel)
	b.logger = slog.New(logHandler)
	slog.SetDefault(b.logger)

	chatLevel := slog.Leveler(config.LogLevel)
	if botConfig.DevConfig.DebugLogs {
		chatLevel = slog.LevelDebug
	}
	b.chatLogger = newNamedLogger(chatLevel, "chat")

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newHandler(config.Discord.DiscordGoLogLevel),
	)

	if err := b.initDB(ctx); err != nil {
		return nil, err
	}

	b.consent = NewConsentStore(b.db)
	if err := b.initCooldowns(); err != nil {
		return nil, err
	}

	b.openai = newOpenAI(config.OpenAI, botConfig, b.db, config.HTTPClient)
	b.gate = NewGate(botConfig, b.consent, b.cooldowns, b.openai, b.chatLogger)

	config.Discord.httpClient = config.HTTPClient
	disc, err := newDiscord(config.Discord)
	if err != nil {
		return nil, err
	}
	b.discord = disc

	if config.API != nil && config.API.Enabled {
		api, apiErr := newAPI(b, config.API, config.Development)
		if apiErr != nil {
			return nil, apiErr
		}
		b.api = api
	}
	return b, nil
}

func (b *Bot) initDB(ctx context.Context) error {
	gormLogger := newGORMLogger(
		newHandler(b.config.DatabaseLogLevel),
		b.config.DatabaseSlowThreshold,
	)
	db, err := getDB(b.config.DatabaseType, b.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}

	b.logger.DebugContext(ctx, "migrating database...")
	if err = migrate(ctx, db); err != nil {
		return fmt.Errorf("error migrating database: %w", err)
	}
	b.db = NewDatabase(db, b.logger, b.config.DatabaseType == dbTypePostgres)
	return nil
}

// initCooldowns selects the cooldown store. In-memory cooldowns are
// broadcast to other instances when using postgres.
func (b *Bot) initCooldowns() error {
	switch b.config.CooldownStore {
	case cooldownStoreDatabase:
		b.dbCooldowns = newDBCooldownStore(b.db)
		b.cooldowns = b.dbCooldowns
	default:
		b.memoryCooldowns = newMemoryCooldownStore(b.logger)
		b.cooldowns = b.memoryCooldowns
		if b.config.DatabaseType != dbTypePostgres {
			return nil
		}
		notifier, err := newPostgresCooldownNotifier(
			b.config.Database,
			b.db,
			b.memoryCooldowns,
			b.logger,
		)
		if err != nil {
			return fmt.Errorf("error creating cooldown notifier: %w", err)
		}
		b.notifier = notifier
		b.memoryCooldowns.publisher = notifier
	}
	return nil
}

// RegisterCommands overwrites the application's commands with those
// derived from the bot config, and keeps their IDs for command
// mentions.
func (b *Bot) RegisterCommands(ctx context.Context) (map[string]string, error) {
	if err := b.ensureSession(); err != nil {
		return nil, err
	}
	ids, err := b.discord.registerCommands(
		BuildCommands(b.botConfig),
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return nil, err
	}
	b.gate.SetCommandIDs(ids)
	b.logger.InfoContext(ctx, "registered commands", "commands", ids)
	return ids, nil
}

// ensureSession creates the Discord session if one hasn't been set.
// REST calls work without opening the gateway connection.
func (b *Bot) ensureSession() error {
	if b.discord.session != nil {
		return nil
	}
	session, err := b.discord.newSession()
	if err != nil {
		return err
	}
	b.discord.session = session
	return nil
}

// Run starts the gateway session, the webhook server and admin API
// (when enabled) and the cooldown janitor, blocking until ctx is
// canceled or one of them fails. In-flight interactions are given
// ShutdownTimeout to finish.
func (b *Bot) Run(ctx context.Context) error {
	if !b.runMu.TryLock() {
		return errAlreadyRunning
	}
	defer b.runMu.Unlock()

	b.startedAt = time.Now()
	logger := b.logger
	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(
		ctx,
		slog.LevelInfo,
		"starting",
		slog.Any("config", b.config),
		slog.Any("bot_config", b.botConfig),
	)

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	if b.config.Discord.RegisterCommandsOnStart {
		if _, err := b.RegisterCommands(startCtx); err != nil {
			return fmt.Errorf("error registering commands: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	// in-flight interactions aren't canceled by shutdown, only bounded
	// by ShutdownTimeout
	interactionCtx := context.WithoutCancel(gctx)

	if b.config.Discord.GatewayEnabled {
		if err := b.openGateway(interactionCtx); err != nil {
			return err
		}
		defer b.closeGateway()
	}

	if b.config.Discord.WebhookServer.Enabled {
		if err := b.ensureSession(); err != nil {
			return err
		}
		srv, err := newWebhookServer(
			interactionCtx,
			b.config.Discord.WebhookServer,
			b.discord.publicKey,
			b.config.Development,
			b.handleTrackedInteraction,
			func(i *discordgo.InteractionCreate, logger *slog.Logger) InteractionHandler {
				return newGatewayHandler(b.discord.session, i, logger)
			},
		)
		if err != nil {
			return err
		}
		b.webhookServer = srv
		g.Go(func() error { return srv.Serve(gctx) })
	} else if !b.config.Discord.GatewayEnabled {
		logger.WarnContext(ctx, "discord gateway and webhook server disabled")
	}

	if b.api != nil {
		g.Go(func() error { return b.api.Serve(gctx) })
	}

	if b.memoryCooldowns != nil {
		g.Go(
			func() error {
				b.memoryCooldowns.Run(gctx, DefaultCooldownPruneEvery)
				return nil
			},
		)
	}
	if b.dbCooldowns != nil {
		g.Go(
			func() error {
				b.dbCooldowns.Run(gctx, DefaultCooldownPruneEvery, logger)
				return nil
			},
		)
	}
	if b.notifier != nil {
		g.Go(func() error { return b.notifier.Listen(gctx) })
	}

	logger.InfoContext(ctx, "ready")
	<-gctx.Done()

	runErr := g.Wait()
	if runErr != nil {
		logger.ErrorContext(ctx, "stopping after error", tint.Err(runErr))
	}
	return errors.Join(runErr, b.shutdown(ctx))
}

// openGateway registers gateway event handlers and opens the websocket
// connection. Handlers are tracked, so shutdown can wait on them.
func (b *Bot) openGateway(ctx context.Context) error {
	if err := b.ensureSession(); err != nil {
		return err
	}
	session := b.discord.session

	for _, remove := range b.discord.removeHandlers {
		remove()
	}

	session.SetIdentify(
		discordgo.Identify{
			Intents: b.config.Discord.GatewayIntents,
		},
	)

	b.discord.removeHandlers = []func(){
		session.AddHandler(b.discord.handlerConnect()),
		session.AddHandler(b.discord.handlerDisconnect()),
		session.AddHandler(b.discord.handlerReady()),
		session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				handler := newGatewayHandler(session, i, b.chatLogger)
				b.runtimeWG.Add(1)
				go func() {
					defer b.runtimeWG.Done()
					b.handleInteraction(ctx, handler)
				}()
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				b.runtimeWG.Add(1)
				go func() {
					defer b.runtimeWG.Done()
					b.handleThreadMessage(ctx, m)
				}()
			},
		),
	}

	if err := session.Open(); err != nil {
		return fmt.Errorf("error opening discord gateway connection: %w", err)
	}
	return nil
}

func (b *Bot) closeGateway() {
	if b.discord.session == nil {
		return
	}
	if err := b.discord.session.Close(); err != nil {
		b.logger.Error("error closing discord session", tint.Err(err))
	}
}

// shutdown waits for in-flight interactions, up to ShutdownTimeout
func (b *Bot) shutdown(ctx context.Context) error {
	logger := b.logger
	logger.InfoContext(ctx, "shutting down", "in_flight", b.inFlight.Load())

	done := make(chan struct{})
	go func() {
		b.runtimeWG.Wait()
		close(done)
	}()

	timer := time.NewTimer(b.config.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
		logger.InfoContext(ctx, "shutdown complete")
		return nil
	case <-timer.C:
		return fmt.Errorf(
			"timed out waiting on %d in-flight interactions",
			b.inFlight.Load(),
		)
	}
}

// handleTrackedInteraction is handleInteraction, tracked for shutdown
func (b *Bot) handleTrackedInteraction(ctx context.Context, handler InteractionHandler) {
	b.runtimeWG.Add(1)
	defer b.runtimeWG.Done()
	b.handleInteraction(ctx, handler)
}

// handleInteraction routes an interaction by type. Blacklisted users
// are refused before any command runs.
func (b *Bot) handleInteraction(ctx context.Context, handler InteractionHandler) {
	b.inFlight.Add(1)
	defer b.inFlight.Add(-1)

	i := handler.GetInteraction()
	logger := handler.Logger()

	// the interaction token can't be used after it expires
	ctx, cancel := context.WithTimeout(WithLogger(ctx, logger), discordInteractionTokenLifespan)
	defer cancel()
	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
		}
	}()

	user := getDiscordUser(i)
	if user == nil {
		logger.ErrorContext(ctx, "no user found in interaction")
		return
	}
	logger.InfoContext(ctx, "received new interaction")

	wg := &sync.WaitGroup{}
	defer wg.Wait()
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.saveInteractionLog(ctx, i, handler)
	}()

	if user.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring")
		return
	}

	roles := memberRoles(i)
	if b.botConfig.IsBlacklisted(roles) {
		logger.InfoContext(ctx, "refusing blacklisted user")
		if i.Type == discordgo.InteractionApplicationCommandAutocomplete {
			_ = handler.Respond(ctx, autocompleteResponse(nil))
			return
		}
		_ = handler.Respond(ctx, ephemeralMessage(msgBlacklisted))
		return
	}
	staff := b.botConfig.IsStaff(user.ID, roles)

	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		switch name := i.ApplicationCommandData().Name; name {
		case commandChat:
			b.handleChatCommand(ctx, handler, user, staff)
		case commandViewSystemInstruction:
			b.handleViewSystemInstruction(ctx, handler)
		case commandTerms:
			b.handleTerms(ctx, handler)
		default:
			logger.WarnContext(ctx, "unknown command", "command", name)
			_ = handler.Respond(ctx, ephemeralMessage(msgSomethingWentWrong))
		}
	case discordgo.InteractionApplicationCommandAutocomplete:
		b.handleAutocomplete(ctx, handler)
	case discordgo.InteractionMessageComponent:
		switch customID := i.MessageComponentData().CustomID; customID {
		case customIDRegenerate:
			b.handleRegenerate(ctx, handler, user, staff)
		case customIDDelete:
			b.handleDelete(ctx, handler, user, staff)
		case customIDTermsAgree:
			b.handleTermsAgree(ctx, handler, user)
		default:
			logger.WarnContext(ctx, "unknown component", "custom_id", customID)
		}
	default:
		logger.WarnContext(ctx, "unhandled interaction type")
	}
}

func (b *Bot) saveInteractionLog(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	handler InteractionHandler,
) {
	rec, err := newInteractionLog(i, handler)
	if err != nil {
		handler.Logger().ErrorContext(ctx, "error creating interaction log", tint.Err(err))
		return
	}
	if _, err = b.db.Create(context.WithoutCancel(ctx), rec); err != nil {
		handler.Logger().ErrorContext(ctx, "error logging interaction", tint.Err(err))
	}
}

func (b *Bot) handleAutocomplete(ctx context.Context, handler InteractionHandler) {
	data := handler.GetInteraction().ApplicationCommandData()
	var choices []*discordgo.ApplicationCommandOptionChoice
	if focused := focusedOption(data); focused != nil && focused.Name == optionSystemInstruction {
		fragment, _ := focused.Value.(string)
		choices = SystemInstructionChoices(b.botConfig, fragment)
	}
	_ = handler.Respond(ctx, autocompleteResponse(choices))
}

func autocompleteResponse(
	choices []*discordgo.ApplicationCommandOptionChoice,
) *discordgo.InteractionResponse {
	if choices == nil {
		choices = []*discordgo.ApplicationCommandOptionChoice{}
	}
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionApplicationCommandAutocompleteResult,
		Data: &discordgo.InteractionResponseData{Choices: choices},
	}
}

// handleRecover logs a recovered panic with its stack trace
func handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())
	switch v := rc.(type) {
	case error:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(v), "stack_trace", stackTrace)
	case string:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(errors.New(v)),
			"stack_trace", stackTrace,
		)
	default:
		logger.ErrorContext(ctx, "recovered from panic", "panic_arg", rc, "stack_trace", stackTrace)
	}
}
