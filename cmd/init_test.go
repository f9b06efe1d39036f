package cmd

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webhead2oo9/ChatGPT-Discord-Bot/chatbot"
)

func TestInitCommand(t *testing.T) {
	out := resetCommand(t)
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")
	botConfigPath := filepath.Join(tempDir, "config.json")

	t.Setenv("CB_DATABASE_TYPE", "sqlite")
	t.Setenv("CB_DATABASE", dbPath)
	t.Setenv("CB_BOT_CONFIG_FILE", botConfigPath)

	rootCmd.SetArgs([]string{"init"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "Database initialized.")
	assert.Contains(t, out.String(), "Default bot config written to "+botConfigPath)

	db, err := chatbot.CreateDB(context.Background(), "sqlite", dbPath)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			if sqlDB, _ := db.DB(); sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)
	assert.True(t, db.Migrator().HasTable(&chatbot.ChatLog{}))
	assert.True(t, db.Migrator().HasTable(&chatbot.UserConsent{}))

	botCfg, err := chatbot.LoadBotConfig(botConfigPath)
	require.NoError(t, err)
	want := chatbot.DefaultBotConfig()
	assert.Equal(t, want.Features, botCfg.Features)
	assert.Equal(t, want.GenerationParameters.ModeratePrompts, botCfg.GenerationParameters.ModeratePrompts)
	assert.Equal(t, want.MaxThreadFollowupLength, botCfg.MaxThreadFollowupLength)
	assert.Equal(
		t,
		want.InputLimit(chatbot.DefaultModel),
		botCfg.InputLimit(chatbot.DefaultModel),
	)

	// an existing bot config is left alone
	out.Reset()
	rootCmd.SetArgs([]string{"init"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "already exists")
}
