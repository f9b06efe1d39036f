package chatbot

import (
	"net/http"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSession(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	client := &http.Client{}
	cfg.Discord.httpClient = client

	d, err := newDiscord(cfg.Discord)
	require.NoError(t, err)

	handler, err := d.newSession()
	require.NoError(t, err)
	session, ok := handler.(DiscordSession)
	require.True(t, ok)

	assert.Same(t, client, session.session.Client)
	assert.Equal(t, "Bot "+cfg.Discord.Token, session.session.Token)
	assert.False(t, session.session.StateEnabled)
	assert.Equal(t, cfg.Discord.GatewayIntents, session.session.Identify.Intents)
	assert.Equal(t, discordgo.LogWarning, session.session.LogLevel)
}
