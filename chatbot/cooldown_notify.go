package chatbot

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
)

const (
	postgresNotifyChannelCooldown = "chatbot_cooldown"
	recordSeparator               = string(rune(30))
	notifierRetryDelay            = 5 * time.Second
)

var errInvalidCooldownNotification = errors.New("invalid cooldown notification")

// postgresCooldownNotifier shares in-memory cooldowns between bot
// instances using postgres LISTEN/NOTIFY. Each instance ignores its own
// notifications.
type postgresCooldownNotifier struct {
	id     string
	dsn    string
	db     DBI
	store  *memoryCooldownStore
	logger *slog.Logger

	retryDelay time.Duration
}

func newPostgresCooldownNotifier(
	dsn string,
	db DBI,
	store *memoryCooldownStore,
	logger *slog.Logger,
) (*postgresCooldownNotifier, error) {
	id, err := generateRandomHexString(16)
	if err != nil {
		return nil, err
	}
	return &postgresCooldownNotifier{
		id:     id,
		dsn:    dsn,
		db:     db,
		store:  store,
		logger: logger.With(loggerNameKey, "cooldown_notifier", "pg_notify_id", id),

		retryDelay: notifierRetryDelay,
	}, nil
}

func generateRandomHexString(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func newCooldownNotification(notifierID, userID string, expiresAt time.Time) string {
	var ms int64
	if !expiresAt.IsZero() {
		ms = expiresAt.UnixMilli()
	}
	return strings.Join(
		[]string{notifierID, userID, strconv.FormatInt(ms, 10)},
		recordSeparator,
	)
}

// parseCooldownNotification parses a notification payload. A zero
// expiration means the cooldown was cleared.
func parseCooldownNotification(s string) (
	notifierID string,
	userID string,
	expiresAt time.Time,
	err error,
) {
	parts := strings.Split(s, recordSeparator)
	if len(parts) != 3 || parts[1] == "" {
		return "", "", time.Time{}, fmt.Errorf("%w: %q", errInvalidCooldownNotification, s)
	}
	ms, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("%w: %w", errInvalidCooldownNotification, err)
	}
	if ms > 0 {
		expiresAt = time.UnixMilli(ms)
	}
	return parts[0], parts[1], expiresAt, nil
}

func (p *postgresCooldownNotifier) Publish(
	ctx context.Context,
	userID string,
	expiresAt time.Time,
) bool {
	msg := newCooldownNotification(p.id, userID, expiresAt)
	err := p.db.DB().WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		postgresNotifyChannelCooldown,
		msg,
	).Error
	if err != nil {
		p.logger.ErrorContext(
			ctx,
			"Error sending cooldown NOTIFY",
			tint.Err(err),
			columnUserID, userID,
		)
		return false
	}
	return true
}

// handle applies a notification payload to the local store, returning
// false when it was ignored.
func (p *postgresCooldownNotifier) handle(payload string) bool {
	notifierID, userID, expiresAt, err := parseCooldownNotification(payload)
	if err != nil {
		p.logger.Warn("ignoring notification", tint.Err(err))
		return false
	}
	if notifierID == p.id {
		return false
	}
	p.store.apply(userID, expiresAt)
	return true
}

// notificationConn is a connection subscribed to the cooldown channel
type notificationConn interface {
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Release()
}

type pgNotificationConn struct {
	conn *pgxpool.Conn
}

func (c pgNotificationConn) WaitForNotification(
	ctx context.Context,
) (*pgconn.Notification, error) {
	return c.conn.Conn().WaitForNotification(ctx)
}

func (c pgNotificationConn) Release() {
	c.conn.Release()
}

// Listen applies cooldown notifications from other instances until ctx
// is canceled.
func (p *postgresCooldownNotifier) Listen(ctx context.Context) error {
	config, err := pgxpool.ParseConfig(p.dsn)
	if err != nil {
		return fmt.Errorf("error parsing database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return fmt.Errorf("error creating connection pool: %w", err)
	}
	defer pool.Close()

	return p.listen(
		ctx, func(ctx context.Context) (notificationConn, error) {
			conn, err := pool.Acquire(ctx)
			if err != nil {
				return nil, fmt.Errorf("error acquiring connection: %w", err)
			}
			if _, err = conn.Exec(ctx, "LISTEN "+postgresNotifyChannelCooldown); err != nil {
				conn.Release()
				return nil, fmt.Errorf("error setting up listener: %w", err)
			}
			return pgNotificationConn{conn: conn}, nil
		},
	)
}

// listen subscribes with the given func and applies notifications until
// ctx is canceled. A failed first subscription is returned. After that,
// a broken connection is released and the subscription is retried every
// retryDelay.
func (p *postgresCooldownNotifier) listen(
	ctx context.Context,
	subscribe func(ctx context.Context) (notificationConn, error),
) error {
	logger := p.logger.With("channel", postgresNotifyChannelCooldown)

	conn, err := subscribe(ctx)
	if err != nil {
		return err
	}
	logger.InfoContext(ctx, "Started listening on channel")

	for {
		err = p.receive(ctx, conn)
		conn.Release()
		if ctx.Err() != nil {
			return nil
		}
		logger.ErrorContext(ctx, "Error waiting for notification, reconnecting", tint.Err(err))

		conn = nil
		for conn == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.retryDelay):
			}
			conn, err = subscribe(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.ErrorContext(ctx, "Error resubscribing to channel", tint.Err(err))
			}
		}
		logger.InfoContext(ctx, "Resubscribed to channel")
	}
}

// receive handles notifications until the connection fails
func (p *postgresCooldownNotifier) receive(ctx context.Context, conn notificationConn) error {
	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		p.handle(notification.Payload)
	}
}
