package chatbot

import (
	"context"
	"fmt"

	"gorm.io/gorm/clause"
)

// ConsentChecker reports whether a user has agreed to the terms
type ConsentChecker interface {
	HasConsented(ctx context.Context, userID string) (bool, error)
}

// ConsentStore persists user agreement to the terms shown by /terms
type ConsentStore struct {
	db DBI
}

func NewConsentStore(db DBI) *ConsentStore {
	return &ConsentStore{db: db}
}

func (c *ConsentStore) HasConsented(ctx context.Context, userID string) (bool, error) {
	ctx, cancel := withDBTimeout(ctx)
	defer cancel()

	var count int64
	err := c.db.DB().WithContext(ctx).
		Model(&UserConsent{}).
		Where(columnUserID+" = ?", userID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("error checking consent: %w", err)
	}
	return count > 0, nil
}

// RecordConsent stores the user's agreement. Agreeing again is a no-op.
func (c *ConsentStore) RecordConsent(ctx context.Context, userID, username string) error {
	ctx, cancel := withDBTimeout(ctx)
	defer cancel()

	err := c.db.DB().WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&UserConsent{UserID: userID, Username: username}).Error
	if err != nil {
		return fmt.Errorf("error recording consent: %w", err)
	}
	return nil
}

// RevokeConsent removes the user's agreement
func (c *ConsentStore) RevokeConsent(ctx context.Context, userID string) error {
	if _, err := c.db.Delete(ctx, &UserConsent{}, columnUserID+" = ?", userID); err != nil {
		return fmt.Errorf("error revoking consent: %w", err)
	}
	return nil
}
