package chatbot

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeBotConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const testBotConfigJSON = `{
  "owner_ids": ["1"],
  "staff_users": ["2"],
  "staff_roles": ["mods"],
  "blacklist_roles": ["banned"],
  "default_model": "gpt-4",
  "selectable_models": [
    "gpt-4",
    {"name": "local", "base_url": "http://localhost:8080/v1"}
  ],
  "staff_can_bypass_feature_restrictions": true,
  "dev_config": {"enabled": true, "debug_discord_messages": true, "debug_logs": false},
  "global_user_cooldown": 60000,
  "max_thread_followup_length": 5,
  "allow_collaboration": true,
  "generation_parameters": {
    "moderate_prompts": false,
    "default_system_instruction": "be helpful",
    "temperature": 0.7,
    "max_completion_tokens_per_model": {"gpt-4": 512},
    "max_input_chars_per_model": {"gpt-4": 4000, "local": 1000, "gpt-3.5-turbo": 3000}
  },
  "selectable_system_instructions": [
    {"name": "pirate", "system_instruction": "talk like a pirate"}
  ],
  "features": {
    "chat_single": true,
    "chat_thread": false,
    "regenerate_button": true,
    "delete_button": true,
    "view_system_instruction": false
  },
  "costs": {"gpt-4": {"prompt": 0.03, "completion": 0.06}}
}`

func TestLoadBotConfig(t *testing.T) {
	t.Parallel()
	cfg, err := LoadBotConfig(writeBotConfig(t, "config.json", testBotConfigJSON))
	require.NoError(t, err)

	assert.Equal(t, []string{"1"}, cfg.OwnerIDs)
	assert.Equal(t, "gpt-4", cfg.DefaultModel)
	assert.Equal(
		t,
		[]SelectableModel{
			{Name: "gpt-4"},
			{Name: "local", BaseURL: "http://localhost:8080/v1"},
		},
		cfg.SelectableModels,
	)
	assert.True(t, cfg.StaffCanBypassFeatureRestrictions)
	assert.True(t, cfg.DevConfig.DebugDiscordMessages)
	assert.Equal(t, time.Minute, cfg.Cooldown())
	assert.Equal(t, 5, cfg.MaxThreadFollowupLength)
	assert.True(t, cfg.AllowCollaboration)

	assert.False(t, cfg.GenerationParameters.ModeratePrompts)
	require.NotNil(t, cfg.GenerationParameters.Temperature)
	assert.InDelta(t, 0.7, *cfg.GenerationParameters.Temperature, 1e-6)
	assert.Nil(t, cfg.GenerationParameters.TopP)
	assert.Equal(t, 512, cfg.MaxCompletionTokens("gpt-4"))
	assert.Equal(t, 0, cfg.MaxCompletionTokens("local"))
	assert.Equal(t, 4000, cfg.MaxInputLength())
	assert.Equal(t, 1000, cfg.InputLimit("local"))
	assert.Equal(t, 3000, cfg.InputLimit("gpt-3.5-turbo"))

	assert.False(t, cfg.Features.ChatThread)
	assert.False(t, cfg.Features.Enabled(FeatureViewSystemInstruction))

	cost, ok := cfg.ModelCost("GPT-4")
	require.True(t, ok)
	assert.InDelta(t, 0.06, cost.Completion, 1e-9)

	m, ok := cfg.Model("local")
	require.True(t, ok)
	assert.Equal(t, "http://localhost:8080/v1", m.BaseURL)
}

func TestLoadBotConfig_YAML(t *testing.T) {
	t.Parallel()
	content := strings.Join(
		[]string{
			"default_model: gpt-4o",
			"selectable_models:",
			"  - gpt-4o",
			"selectable_system_instructions:",
			"  - name: poet",
			"    system_instruction: rhyme",
			"features:",
			"  chat_single: true",
		},
		"\n",
	)
	cfg, err := LoadBotConfig(writeBotConfig(t, "config.yaml", content))
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", cfg.DefaultModel)
	assert.Equal(t, []SelectableModel{{Name: "gpt-4o"}}, cfg.SelectableModels)
	assert.True(t, cfg.GenerationParameters.ModeratePrompts, "moderation should default to on")
	assert.Equal(t, defaultMaxInputLength, cfg.MaxInputLength())
	assert.Equal(t, defaultModelInputLimit, cfg.InputLimit("gpt-4o"))

	instruction, ok := cfg.FindSystemInstruction("POET")
	require.True(t, ok)
	assert.Equal(t, "rhyme", instruction)
}

func TestLoadBotConfig_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "malformed",
			content: `{"default_model": `,
			wantErr: "error reading bot config",
		},
		{
			name:    "duplicate instruction",
			content: `{"selectable_system_instructions": [{"name": "a", "system_instruction": "x"}, {"name": "A", "system_instruction": "y"}]}`,
			wantErr: errDuplicateInstruction.Error(),
		},
		{
			name:    "reserved instruction",
			content: `{"selectable_system_instructions": [{"name": "Default", "system_instruction": "x"}]}`,
			wantErr: "is reserved",
		},
		{
			name:    "duplicate model",
			content: `{"selectable_models": ["gpt-4", {"name": "gpt-4"}]}`,
			wantErr: "duplicate model",
		},
		{
			name:    "invalid base url",
			content: `{"selectable_models": [{"name": "local", "base_url": "not a url"}]}`,
			wantErr: "invalid bot config",
		},
		{
			name:    "negative cooldown",
			content: `{"global_user_cooldown": -1}`,
			wantErr: "invalid bot config",
		},
		{
			name:    "temperature out of range",
			content: `{"generation_parameters": {"temperature": 3}}`,
			wantErr: "invalid bot config",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				_, err := LoadBotConfig(writeBotConfig(t, "config.json", tc.content))
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
			},
		)
	}
}

func TestLoadBotConfig_Missing(t *testing.T) {
	t.Parallel()
	_, err := LoadBotConfig(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}

func TestBotConfig_FindSystemInstruction(t *testing.T) {
	t.Parallel()
	cfg := DefaultBotConfig()
	cfg.SelectableSystemInstructions = []SystemInstruction{
		{Name: "pirate", SystemInstruction: "arr"},
	}

	instruction, ok := cfg.FindSystemInstruction("default")
	assert.True(t, ok)
	assert.Empty(t, instruction)

	instruction, ok = cfg.FindSystemInstruction("")
	assert.True(t, ok)
	assert.Empty(t, instruction)

	_, ok = cfg.FindSystemInstruction("ninja")
	assert.False(t, ok)
}

func TestBotConfig_Roles(t *testing.T) {
	t.Parallel()
	cfg := DefaultBotConfig()
	cfg.OwnerIDs = []string{"owner"}
	cfg.StaffUsers = []string{"staff"}
	cfg.StaffRoles = []string{"mods"}
	cfg.BlacklistRoles = []string{"banned"}

	assert.True(t, cfg.IsStaff("owner", nil))
	assert.True(t, cfg.IsStaff("staff", nil))
	assert.True(t, cfg.IsStaff("someone", []string{"everyone", "mods"}))
	assert.False(t, cfg.IsStaff("someone", []string{"everyone"}))

	assert.True(t, cfg.IsBlacklisted([]string{"banned"}))
	assert.False(t, cfg.IsBlacklisted(nil))
}

func TestBotConfig_ResolveModel(t *testing.T) {
	t.Parallel()
	cfg := &BotConfig{}
	assert.Equal(t, DefaultModel, cfg.ResolveModel(""))
	assert.Equal(t, "gpt-4", cfg.ResolveModel("gpt-4"))

	cfg.DefaultModel = "gpt-4o"
	assert.Equal(t, "gpt-4o", cfg.ResolveModel(""))
}

func TestBotConfig_Cooldown(t *testing.T) {
	t.Parallel()
	cfg := &BotConfig{}
	assert.Zero(t, cfg.Cooldown())
	cfg.GlobalUserCooldown = 1500
	assert.Equal(t, 1500*time.Millisecond, cfg.Cooldown())
}

func TestDefaultBotConfig_Valid(t *testing.T) {
	t.Parallel()
	require.NoError(t, DefaultBotConfig().Validate())
}
