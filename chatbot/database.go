package chatbot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"

	columnUserID        = "user_id"
	columnInteractionID = "interaction_id"
	columnMessageID     = "discord_message_id"
	columnThreadID      = "thread_id"
	columnExpiresAt     = "expires_at"
)

var (
	sqliteMaxOpenConns = 1
	sqliteExecPragma   = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout = 30 * time.Second

	ErrChatLogNotFound = errors.New("chat log not found")
)

// ModelUnixTime is an embeddable model with creation and update times
// stored as unix milliseconds.
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// UserConsent records that a user agreed to the terms shown by /terms
type UserConsent struct {
	UserID    string `gorm:"primaryKey" json:"user_id"`
	Username  string `json:"username"`
	CreatedAt int64  `gorm:"autoCreateTime:milli" json:"created_at"`
}

// Cooldown is a persisted per-user cooldown entry, used by the
// database cooldown store.
type Cooldown struct {
	UserID    string `gorm:"primaryKey" json:"user_id"`
	ExpiresAt int64  `gorm:"index;not null" json:"expires_at"`
}

// ChatLog is a chat request that was admitted by the gate. It's
// created when the reply has been sent, and later used by the
// regenerate/delete buttons and for thread follow-ups.
//
//nolint:lll // struct tags can't be split
type ChatLog struct {
	ModelUintID
	ModelUnixTime

	InteractionID         string                         `json:"interaction_id" gorm:"index"`
	UserID                string                         `json:"user_id" gorm:"index;not null"`
	Username              string                         `json:"username"`
	GuildID               string                         `json:"guild_id"`
	ChannelID             string                         `json:"channel_id"`
	DiscordMessageID      string                         `json:"discord_message_id" gorm:"index"`
	ThreadID              string                         `json:"thread_id,omitempty" gorm:"index"`
	Model                 string                         `json:"model"`
	SystemInstructionName string                         `json:"system_instruction_name"`
	Prompt                string                         `json:"prompt"`
	Messages              []openai.ChatCompletionMessage `json:"messages" gorm:"serializer:json"`
	CompletionID          string                         `json:"completion_id"`
	PromptTokens          int                            `json:"prompt_tokens"`
	CompletionTokens      int                            `json:"completion_tokens"`
	TotalTokens           int                            `json:"total_tokens"`
	FollowupCount         int                            `json:"followup_count"`
	Error                 string                         `json:"error,omitempty"`
}

func (c ChatLog) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(c.ID)),
		slog.String(columnUserID, c.UserID),
		slog.String(columnInteractionID, c.InteractionID),
		slog.String(columnMessageID, c.DiscordMessageID),
		slog.String("model", c.Model),
		slog.Int("followups", c.FollowupCount),
	)
}

// DBI is the set of database operations used by the bot.
type DBI interface {
	DB() *gorm.DB
	Create(ctx context.Context, value any) (rowsAffected int64, err error)
	Save(ctx context.Context, value any) (rowsAffected int64, err error)
	Updates(ctx context.Context, model, values any) (rowsAffected int64, err error)
	Delete(ctx context.Context, value any, conds ...any) (rowsAffected int64, err error)
	Transaction(ctx context.Context, fc func(tx *gorm.DB) error, opts ...*sql.TxOptions) error
}

// database serializes writes when the backend can't handle concurrent
// writers (sqlite), and applies a default deadline to every operation.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) lock() func() {
	if d.enableConcurrentWrites {
		return func() {}
	}
	d.mu.Lock()
	return d.mu.Unlock
}

func withDBTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

func (d *database) Create(ctx context.Context, value any) (int64, error) {
	defer d.lock()()
	ctx, cancel := withDBTimeout(ctx)
	defer cancel()
	rv := d.db.WithContext(ctx).Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Save(ctx context.Context, value any) (int64, error) {
	defer d.lock()()
	ctx, cancel := withDBTimeout(ctx)
	defer cancel()
	rv := d.db.WithContext(ctx).Save(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Updates(ctx context.Context, model, values any) (int64, error) {
	defer d.lock()()
	ctx, cancel := withDBTimeout(ctx)
	defer cancel()
	rv := d.db.WithContext(ctx).Model(model).Updates(values)
	return rv.RowsAffected, rv.Error
}

func (d *database) Delete(ctx context.Context, value any, conds ...any) (int64, error) {
	defer d.lock()()
	ctx, cancel := withDBTimeout(ctx)
	defer cancel()
	rv := d.db.WithContext(ctx).Delete(value, conds...)
	return rv.RowsAffected, rv.Error
}

func (d *database) Transaction(
	ctx context.Context,
	fc func(tx *gorm.DB) error,
	opts ...*sql.TxOptions,
) error {
	defer d.lock()()
	ctx, cancel := withDBTimeout(ctx)
	defer cancel()
	return d.db.WithContext(ctx).Transaction(fc, opts...)
}

func isRecordNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// dbModels are migrated by CreateDB and on startup
func dbModels() []any {
	return []any{
		&UserConsent{},
		&Cooldown{},
		&ChatLog{},
		&InteractionLog{},
		&OpenAIChatCompletionLog{},
		&OpenAIModerationLog{},
	}
}

// CreateDB initializes and returns a GORM database connection based on
// the specified database type, and migrates all models.
//
// databaseType must be 'sqlite' or 'postgres'. database is the
// connection string, or SQLite file path.
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	handler := newHandler(slog.LevelWarn)
	gormLogger := newGORMLogger(handler, DefaultDatabaseSlowThreshold)
	dbLogger := slog.New(handler)

	dbLogger.InfoContext(
		ctx,
		"Initializing database",
		"database_type", databaseType,
		"database", database,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}
	if err = migrate(ctx, db); err != nil {
		dbLogger.ErrorContext(ctx, "migration failed", tint.Err(err))
		return db, err
	}
	return db, nil
}

func migrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			return tx.Migrator().AutoMigrate(dbModels()...)
		},
	)
}

// getDB opens a GORM connection for the given database type
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
				return nil, err
			}
		}
		db, err := gorm.Open(sqlite.Open(database), gormConfig)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		for _, pragma := range sqliteExecPragma {
			if err = db.Exec(pragma).Error; err != nil {
				return nil, fmt.Errorf("error setting %q: %w", pragma, err)
			}
		}
		return db, nil
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), gormConfig)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}
