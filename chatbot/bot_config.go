//nolint:lll // struct tags can't be split
package chatbot

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	// DefaultSystemInstructionName is the sentinel value selecting
	// generation_parameters.default_system_instruction.
	DefaultSystemInstructionName = "default"
	DefaultModel                 = "gpt-3.5-turbo"

	// defaultMaxInputLength bounds the message option when no per-model
	// limits are configured.
	defaultMaxInputLength = 6000

	// defaultModelInputLimit is the gate's limit for models without
	// a configured entry.
	defaultModelInputLimit = 2000
)

// BotConfig is the bot configuration document. It's loaded once at
// startup with [LoadBotConfig] and must not be modified afterward.
type BotConfig struct {
	OwnerIDs       []string `json:"owner_ids,omitempty" yaml:"owner_ids,omitempty" mapstructure:"owner_ids"`
	StaffUsers     []string `json:"staff_users,omitempty" yaml:"staff_users,omitempty" mapstructure:"staff_users"`
	StaffRoles     []string `json:"staff_roles,omitempty" yaml:"staff_roles,omitempty" mapstructure:"staff_roles"`
	BlacklistRoles []string `json:"blacklist_roles,omitempty" yaml:"blacklist_roles,omitempty" mapstructure:"blacklist_roles"`

	DefaultModel     string            `json:"default_model,omitempty" yaml:"default_model,omitempty" mapstructure:"default_model"`
	SelectableModels []SelectableModel `json:"selectable_models,omitempty" yaml:"selectable_models,omitempty" mapstructure:"selectable_models" binding:"max=25,dive"`

	StaffCanBypassFeatureRestrictions bool `json:"staff_can_bypass_feature_restrictions" yaml:"staff_can_bypass_feature_restrictions" mapstructure:"staff_can_bypass_feature_restrictions"`

	DevConfig DevConfig `json:"dev_config" yaml:"dev_config" mapstructure:"dev_config"`

	// GlobalUserCooldown is the per-user cooldown, in milliseconds.
	GlobalUserCooldown int64 `json:"global_user_cooldown,omitempty" yaml:"global_user_cooldown,omitempty" mapstructure:"global_user_cooldown" binding:"gte=0"`

	MaxThreadFollowupLength int  `json:"max_thread_followup_length,omitempty" yaml:"max_thread_followup_length,omitempty" mapstructure:"max_thread_followup_length" binding:"gte=0"`
	AllowCollaboration      bool `json:"allow_collaboration" yaml:"allow_collaboration" mapstructure:"allow_collaboration"`

	GenerationParameters GenerationParameters `json:"generation_parameters" yaml:"generation_parameters" mapstructure:"generation_parameters"`

	SelectableSystemInstructions []SystemInstruction `json:"selectable_system_instructions,omitempty" yaml:"selectable_system_instructions,omitempty" mapstructure:"selectable_system_instructions" binding:"dive"`

	Features Features `json:"features" yaml:"features" mapstructure:"features"`

	Terms string `json:"terms,omitempty" yaml:"terms,omitempty" mapstructure:"terms"`

	// Costs is keyed by model, in USD per 1K tokens
	Costs map[string]ModelCost `json:"costs,omitempty" yaml:"costs,omitempty" mapstructure:"costs"`
}

// SelectableModel is a model offered as a choice on the chat commands.
// In the config document it may be given as a plain string (the model
// name) or as an object.
type SelectableModel struct {
	Name    string `json:"name" yaml:"name" mapstructure:"name" binding:"required,max=100"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty" mapstructure:"base_url" binding:"omitempty,url"`
}

type DevConfig struct {
	Enabled              bool `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	DebugDiscordMessages bool `json:"debug_discord_messages" yaml:"debug_discord_messages" mapstructure:"debug_discord_messages"`
	DebugLogs            bool `json:"debug_logs" yaml:"debug_logs" mapstructure:"debug_logs"`
}

type GenerationParameters struct {
	ModeratePrompts          bool     `json:"moderate_prompts" yaml:"moderate_prompts" mapstructure:"moderate_prompts"`
	DefaultSystemInstruction string   `json:"default_system_instruction,omitempty" yaml:"default_system_instruction,omitempty" mapstructure:"default_system_instruction"`
	Temperature              *float32 `json:"temperature,omitempty" yaml:"temperature,omitempty" mapstructure:"temperature" binding:"omitempty,gte=0,lte=2"`
	TopP                     *float32 `json:"top_p,omitempty" yaml:"top_p,omitempty" mapstructure:"top_p" binding:"omitempty,gte=0,lte=1"`
	PresencePenalty          *float32 `json:"presence_penalty,omitempty" yaml:"presence_penalty,omitempty" mapstructure:"presence_penalty" binding:"omitempty,gte=-2,lte=2"`
	FrequencyPenalty         *float32 `json:"frequency_penalty,omitempty" yaml:"frequency_penalty,omitempty" mapstructure:"frequency_penalty" binding:"omitempty,gte=-2,lte=2"`

	MaxCompletionTokensPerModel map[string]int `json:"max_completion_tokens_per_model,omitempty" yaml:"max_completion_tokens_per_model,omitempty" mapstructure:"max_completion_tokens_per_model"`
	MaxInputCharsPerModel       map[string]int `json:"max_input_chars_per_model,omitempty" yaml:"max_input_chars_per_model,omitempty" mapstructure:"max_input_chars_per_model"`
}

type SystemInstruction struct {
	Name              string `json:"name" yaml:"name" mapstructure:"name" binding:"required,max=100"`
	SystemInstruction string `json:"system_instruction" yaml:"system_instruction" mapstructure:"system_instruction"`
}

// Features toggles command families and message buttons
type Features struct {
	ChatSingle            bool `json:"chat_single" yaml:"chat_single" mapstructure:"chat_single"`
	ChatThread            bool `json:"chat_thread" yaml:"chat_thread" mapstructure:"chat_thread"`
	RegenerateButton      bool `json:"regenerate_button" yaml:"regenerate_button" mapstructure:"regenerate_button"`
	DeleteButton          bool `json:"delete_button" yaml:"delete_button" mapstructure:"delete_button"`
	ViewSystemInstruction bool `json:"view_system_instruction" yaml:"view_system_instruction" mapstructure:"view_system_instruction"`
}

type ModelCost struct {
	Prompt     float64 `json:"prompt" yaml:"prompt" mapstructure:"prompt"`
	Completion float64 `json:"completion" yaml:"completion" mapstructure:"completion"`
}

// Feature identifies a feature flag checked by the gate
type Feature string

const (
	FeatureChatSingle            Feature = "chat_single"
	FeatureChatThread            Feature = "chat_thread"
	FeatureRegenerateButton      Feature = "regenerate_button"
	FeatureDeleteButton          Feature = "delete_button"
	FeatureViewSystemInstruction Feature = "view_system_instruction"
)

func (f Features) Enabled(feature Feature) bool {
	switch feature {
	case FeatureChatSingle:
		return f.ChatSingle
	case FeatureChatThread:
		return f.ChatThread
	case FeatureRegenerateButton:
		return f.RegenerateButton
	case FeatureDeleteButton:
		return f.DeleteButton
	case FeatureViewSystemInstruction:
		return f.ViewSystemInstruction
	default:
		return false
	}
}

// DefaultBotConfig returns the document written by `init`
func DefaultBotConfig() *BotConfig {
	return &BotConfig{
		DefaultModel: DefaultModel,
		GenerationParameters: GenerationParameters{
			ModeratePrompts:       true,
			MaxInputCharsPerModel: map[string]int{DefaultModel: defaultModelInputLimit},
		},
		Features: Features{
			ChatSingle:            true,
			ChatThread:            true,
			RegenerateButton:      true,
			DeleteButton:          true,
			ViewSystemInstruction: true,
		},
		MaxThreadFollowupLength: 10,
		Terms:                   defaultTerms,
	}
}

// LoadBotConfig reads the bot configuration document at path. JSON and
// YAML are both accepted, based on the file extension.
func LoadBotConfig(path string) (*BotConfig, error) {
	// model names contain dots (ex: gpt-3.5-turbo), so they can't be
	// used as the key delimiter
	v := viper.NewWithOptions(viper.KeyDelimiter("::"))
	v.SetConfigFile(path)
	v.SetDefault("generation_parameters::moderate_prompts", true)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading bot config %q: %w", path, err)
	}

	cfg := &BotConfig{}
	if err := v.Unmarshal(
		cfg,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				selectableModelHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		),
	); err != nil {
		return nil, fmt.Errorf("error decoding bot config %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// selectableModelHookFunc normalizes `selectable_models` entries given
// as plain strings into SelectableModel values.
func selectableModelHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if t != reflect.TypeOf(SelectableModel{}) {
			return data, nil
		}
		if f.Kind() == reflect.String {
			return SelectableModel{Name: data.(string)}, nil
		}
		return data, nil
	}
}

var errDuplicateInstruction = errors.New("duplicate system instruction name")

// Validate checks struct constraints, and that system instruction and
// model names are unique (case-insensitive).
func (c *BotConfig) Validate() error {
	if err := structValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid bot config: %w", err)
	}

	seen := make(map[string]struct{}, len(c.SelectableSystemInstructions))
	for _, si := range c.SelectableSystemInstructions {
		key := strings.ToLower(si.Name)
		if key == DefaultSystemInstructionName {
			return fmt.Errorf(
				"invalid bot config: system instruction name %q is reserved",
				si.Name,
			)
		}
		if _, ok := seen[key]; ok {
			return fmt.Errorf("invalid bot config: %w: %q", errDuplicateInstruction, si.Name)
		}
		seen[key] = struct{}{}
	}

	models := make(map[string]struct{}, len(c.SelectableModels))
	for _, m := range c.SelectableModels {
		if _, ok := models[m.Name]; ok {
			return fmt.Errorf("invalid bot config: duplicate model %q", m.Name)
		}
		models[m.Name] = struct{}{}
	}
	return nil
}

func (c BotConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("default_model", c.resolvedDefaultModel()),
		slog.Int("selectable_models", len(c.SelectableModels)),
		slog.Int("system_instructions", len(c.SelectableSystemInstructions)),
		slog.Any("features", c.Features),
		slog.Bool("staff_bypass", c.StaffCanBypassFeatureRestrictions),
		slog.Duration("cooldown", c.Cooldown()),
	)
}

// Cooldown returns GlobalUserCooldown as a duration. Zero means cooldowns
// are disabled.
func (c *BotConfig) Cooldown() time.Duration {
	if c.GlobalUserCooldown <= 0 {
		return 0
	}
	return time.Duration(c.GlobalUserCooldown) * time.Millisecond
}

// MaxInputLength is the largest per-model input limit, used as the
// message option's maximum length.
func (c *BotConfig) MaxInputLength() int {
	limits := c.GenerationParameters.MaxInputCharsPerModel
	if len(limits) == 0 {
		return defaultMaxInputLength
	}
	values := make([]int, 0, len(limits))
	for _, v := range limits {
		values = append(values, v)
	}
	return slices.Max(values)
}

// InputLimit returns the maximum message length for the given model
func (c *BotConfig) InputLimit(model string) int {
	if limit, ok := lookupFold(c.GenerationParameters.MaxInputCharsPerModel, model); ok {
		return limit
	}
	return defaultModelInputLimit
}

// MaxCompletionTokens returns the configured completion token limit for
// the model, or zero when none is set.
func (c *BotConfig) MaxCompletionTokens(model string) int {
	limit, _ := lookupFold(c.GenerationParameters.MaxCompletionTokensPerModel, model)
	return limit
}

func (c *BotConfig) resolvedDefaultModel() string {
	if c.DefaultModel != "" {
		return c.DefaultModel
	}
	return DefaultModel
}

// ResolveModel returns the requested model, falling back to the
// configured default model.
func (c *BotConfig) ResolveModel(requested string) string {
	if requested != "" {
		return requested
	}
	return c.resolvedDefaultModel()
}

// Model returns the selectable model entry with the given name
func (c *BotConfig) Model(name string) (SelectableModel, bool) {
	for _, m := range c.SelectableModels {
		if m.Name == name {
			return m, true
		}
	}
	return SelectableModel{}, false
}

// FindSystemInstruction resolves an instruction name. The "default"
// sentinel (or an empty name) resolves to the default system
// instruction, which may be empty.
func (c *BotConfig) FindSystemInstruction(name string) (string, bool) {
	if name == "" || name == DefaultSystemInstructionName {
		return c.GenerationParameters.DefaultSystemInstruction, true
	}
	for _, si := range c.SelectableSystemInstructions {
		if strings.EqualFold(si.Name, name) {
			return si.SystemInstruction, si.SystemInstruction != ""
		}
	}
	return "", false
}

// FeatureAvailable reports whether a feature may be used, given
// whether the user is staff.
func (c *BotConfig) FeatureAvailable(feature Feature, staff bool) bool {
	return c.Features.Enabled(feature) || (staff && c.StaffCanBypassFeatureRestrictions)
}

// IsStaff reports whether the user is an owner, a staff user, or holds
// a staff role.
func (c *BotConfig) IsStaff(userID string, roles []string) bool {
	if slices.Contains(c.OwnerIDs, userID) || slices.Contains(c.StaffUsers, userID) {
		return true
	}
	return containsAny(c.StaffRoles, roles)
}

// IsBlacklisted reports whether any of the roles is blacklisted
func (c *BotConfig) IsBlacklisted(roles []string) bool {
	return containsAny(c.BlacklistRoles, roles)
}

// ModelCost returns the configured cost for a model
func (c *BotConfig) ModelCost(model string) (ModelCost, bool) {
	return lookupFold(c.Costs, model)
}

func containsAny(haystack []string, needles []string) bool {
	for _, n := range needles {
		if slices.Contains(haystack, n) {
			return true
		}
	}
	return false
}
