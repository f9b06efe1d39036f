package chatbot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsentStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewConsentStore(setupTestDB(t))
	u := newDiscordUser(t)

	consented, err := store.HasConsented(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, consented)

	require.NoError(t, store.RecordConsent(ctx, u.ID, u.Username))
	// agreeing twice is fine
	require.NoError(t, store.RecordConsent(ctx, u.ID, u.Username))

	consented, err = store.HasConsented(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, consented)

	require.NoError(t, store.RevokeConsent(ctx, u.ID))
	consented, err = store.HasConsented(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, consented)
}
