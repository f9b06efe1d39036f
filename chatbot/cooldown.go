package chatbot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CooldownStore tracks per-user cooldowns. Writes are last-write-wins.
type CooldownStore interface {
	// Has reports whether the user has an unexpired cooldown
	Has(ctx context.Context, userID string) (bool, error)

	// Set starts a cooldown for the user, expiring at now+ttl
	Set(ctx context.Context, userID string, now time.Time, ttl time.Duration) error

	// Clear removes any cooldown for the user
	Clear(ctx context.Context, userID string) error
}

// cooldownPublisher is notified of local cooldown changes, so they can
// be shared with other bot instances.
type cooldownPublisher interface {
	Publish(ctx context.Context, userID string, expiresAt time.Time) bool
}

// memoryCooldownStore keeps cooldowns in-process. Expired entries are
// ignored by Has, and removed by the janitor started with Run.
type memoryCooldownStore struct {
	mu        sync.RWMutex
	entries   map[string]time.Time
	now       func() time.Time
	logger    *slog.Logger
	publisher cooldownPublisher
}

func newMemoryCooldownStore(logger *slog.Logger) *memoryCooldownStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &memoryCooldownStore{
		entries: map[string]time.Time{},
		now:     time.Now,
		logger:  logger.With(loggerNameKey, "cooldowns"),
	}
}

func (m *memoryCooldownStore) Has(_ context.Context, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	expiresAt, ok := m.entries[userID]
	if !ok {
		return false, nil
	}
	return m.now().Before(expiresAt), nil
}

func (m *memoryCooldownStore) Set(
	ctx context.Context,
	userID string,
	now time.Time,
	ttl time.Duration,
) error {
	expiresAt := now.Add(ttl)
	m.apply(userID, expiresAt)
	if m.publisher != nil {
		m.publisher.Publish(ctx, userID, expiresAt)
	}
	return nil
}

// apply sets the expiration without publishing it
func (m *memoryCooldownStore) apply(userID string, expiresAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if expiresAt.IsZero() {
		delete(m.entries, userID)
		return
	}
	m.entries[userID] = expiresAt
}

func (m *memoryCooldownStore) Clear(ctx context.Context, userID string) error {
	m.apply(userID, time.Time{})
	if m.publisher != nil {
		m.publisher.Publish(ctx, userID, time.Time{})
	}
	return nil
}

// prune removes expired entries, returning the number removed
func (m *memoryCooldownStore) prune() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for userID, expiresAt := range m.entries {
		if !now.Before(expiresAt) {
			delete(m.entries, userID)
			removed++
		}
	}
	return removed
}

func (m *memoryCooldownStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Run prunes expired entries every interval until ctx is canceled
func (m *memoryCooldownStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	m.logger.DebugContext(ctx, "cooldown janitor started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			m.logger.DebugContext(ctx, "cooldown janitor stopped")
			return
		case <-ticker.C:
			if n := m.prune(); n > 0 {
				m.logger.DebugContext(ctx, "pruned cooldowns", "removed", n)
			}
		}
	}
}

// dbCooldownStore keeps cooldowns in the cooldowns table, so they're
// shared by every instance using the same database.
type dbCooldownStore struct {
	db  DBI
	now func() time.Time
}

func newDBCooldownStore(db DBI) *dbCooldownStore {
	return &dbCooldownStore{db: db, now: time.Now}
}

func (d *dbCooldownStore) Has(ctx context.Context, userID string) (bool, error) {
	ctx, cancel := withDBTimeout(ctx)
	defer cancel()

	var count int64
	err := d.db.DB().WithContext(ctx).
		Model(&Cooldown{}).
		Where(columnUserID+" = ? AND "+columnExpiresAt+" > ?", userID, d.now().UnixMilli()).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("error checking cooldown: %w", err)
	}
	return count > 0, nil
}

func (d *dbCooldownStore) Set(
	ctx context.Context,
	userID string,
	now time.Time,
	ttl time.Duration,
) error {
	entry := &Cooldown{UserID: userID, ExpiresAt: now.Add(ttl).UnixMilli()}
	err := d.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			return tx.Clauses(
				clause.OnConflict{
					Columns:   []clause.Column{{Name: columnUserID}},
					DoUpdates: clause.AssignmentColumns([]string{columnExpiresAt}),
				},
			).Create(entry).Error
		},
	)
	if err != nil {
		return fmt.Errorf("error setting cooldown: %w", err)
	}
	return nil
}

func (d *dbCooldownStore) Clear(ctx context.Context, userID string) error {
	if _, err := d.db.Delete(ctx, &Cooldown{}, columnUserID+" = ?", userID); err != nil {
		return fmt.Errorf("error clearing cooldown: %w", err)
	}
	return nil
}

// prune deletes expired rows
func (d *dbCooldownStore) prune(ctx context.Context) (int64, error) {
	return d.db.Delete(ctx, &Cooldown{}, columnExpiresAt+" <= ?", d.now().UnixMilli())
}

// Run deletes expired rows every interval until ctx is canceled
func (d *dbCooldownStore) Run(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.prune(ctx)
			if err != nil && ctx.Err() == nil {
				logger.WarnContext(ctx, "error pruning cooldowns", tint.Err(err))
				continue
			}
			if n > 0 {
				logger.DebugContext(ctx, "pruned cooldowns", "removed", n)
			}
		}
	}
}
