package chatbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
)

// GateCheck identifies one of the gate's admission checks, in the order
// they run.
type GateCheck int

const (
	CheckFeature GateCheck = iota + 1
	CheckConsent
	CheckCooldown
	CheckSystemInstruction
	CheckInputLength
	CheckModeration
)

var gateCheckNames = map[GateCheck]string{
	CheckFeature:           "feature",
	CheckConsent:           "consent",
	CheckCooldown:          "cooldown",
	CheckSystemInstruction: "system_instruction",
	CheckInputLength:       "input_length",
	CheckModeration:        "moderation",
}

func (c GateCheck) String() string {
	if s, ok := gateCheckNames[c]; ok {
		return s
	}
	return fmt.Sprintf("GateCheck(%d)", int(c))
}

const (
	msgCommandDisabled         = "This command is disabled"
	msgOnCooldown              = "You are currently on cooldown"
	msgUnknownInstruction      = "Unable to find system instruction"
	msgPromptTooLong           = "Please shorten your prompt"
	msgFlagged                 = "Your message has been flagged to be violating OpenAIs TOS"
	msgModerationUnavailable   = "Unable to check your message right now, please try again in a moment"
	msgSomethingWentWrong      = "Something went wrong"
	msgConsentRequiredTemplate = "You need to agree to our %s before using this command"
)

var (
	// ErrModerationUnavailable is returned when the moderation check
	// couldn't be completed. The request is refused.
	ErrModerationUnavailable = errors.New("moderation unavailable")

	errGateStore = errors.New("gate store error")
)

// RejectionError is returned when a request fails an admission check.
// Message is shown to the user.
type RejectionError struct {
	Check   GateCheck
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("rejected by %s check: %s", e.Check, e.Message)
}

func reject(check GateCheck, msg string) *RejectionError {
	return &RejectionError{Check: check, Message: msg}
}

// userMessage returns the message shown to the user for an error
// returned by the gate or by the completion call.
func userMessage(err error) string {
	var rejection *RejectionError
	switch {
	case errors.As(err, &rejection):
		return rejection.Message
	case errors.Is(err, ErrModerationUnavailable):
		return msgModerationUnavailable
	default:
		return msgSomethingWentWrong
	}
}

// Moderator checks text against the provider's content policy
type Moderator interface {
	Flagged(ctx context.Context, text string) (bool, error)
}

// ChatRequest is a single user request to be admitted by the gate
type ChatRequest struct {
	UserID  string
	Message string

	// SystemInstruction is the requested instruction name. Empty means
	// the default instruction.
	SystemInstruction string

	// Model is the requested model. Empty means the configured default.
	Model string

	// Staff bypasses feature flags (when enabled in the config) and the
	// cooldown.
	Staff   bool
	Feature Feature

	// History is prepended to Message, for thread follow-ups. When set,
	// SystemInstruction isn't resolved and the history's own system
	// message is kept.
	History []openai.ChatCompletionMessage
}

func (r ChatRequest) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String(columnUserID, r.UserID),
		slog.String("feature", string(r.Feature)),
		slog.String("system_instruction", r.SystemInstruction),
		slog.String("model", r.Model),
		slog.Bool("staff", r.Staff),
		slog.Int("message_length", utf8.RuneCountInString(r.Message)),
		slog.Int("history", len(r.History)),
	)
}

// Admission is the result of a request passing the gate
type Admission struct {
	InstructionName string
	Instruction     string
	Model           string
	Messages        []openai.ChatCompletionMessage
}

// Gate applies the admission checks to chat requests, in order:
// feature, consent, cooldown, system instruction, input length,
// moderation. The first failing check ends the request.
type Gate struct {
	config    *BotConfig
	consent   ConsentChecker
	cooldowns CooldownStore
	moderator Moderator
	logger    *slog.Logger

	mu         sync.RWMutex
	commandIDs map[string]string
}

func NewGate(
	config *BotConfig,
	consent ConsentChecker,
	cooldowns CooldownStore,
	moderator Moderator,
	logger *slog.Logger,
) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		config:     config,
		consent:    consent,
		cooldowns:  cooldowns,
		moderator:  moderator,
		logger:     logger.With(loggerNameKey, "gate"),
		commandIDs: map[string]string{},
	}
}

// SetCommandIDs stores the IDs of registered commands, used to mention
// /terms in the consent rejection.
func (g *Gate) SetCommandIDs(ids map[string]string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.commandIDs = ids
}

func (g *Gate) commandMention(name string) string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if id, ok := g.commandIDs[name]; ok && id != "" {
		return fmt.Sprintf("</%s:%s>", name, id)
	}
	return fmt.Sprintf("`/%s`", name)
}

// Check runs every check except moderation. Moderation involves a call
// to the provider, so callers can acknowledge the interaction before
// running [Gate.Moderate].
func (g *Gate) Check(ctx context.Context, req ChatRequest) (*Admission, error) {
	logger := contextLoggerOr(ctx, g.logger).With("request", req)

	if !g.config.FeatureAvailable(req.Feature, req.Staff) {
		return nil, reject(CheckFeature, msgCommandDisabled)
	}

	consented, err := g.consent.HasConsented(ctx, req.UserID)
	if err != nil {
		logger.ErrorContext(ctx, "error checking consent", tint.Err(err))
		return nil, fmt.Errorf("%w: %w", errGateStore, err)
	}
	if !consented {
		return nil, reject(
			CheckConsent,
			fmt.Sprintf(msgConsentRequiredTemplate, g.commandMention(commandTerms)),
		)
	}

	if !req.Staff && g.config.Cooldown() > 0 {
		onCooldown, cdErr := g.cooldowns.Has(ctx, req.UserID)
		if cdErr != nil {
			logger.ErrorContext(ctx, "error checking cooldown", tint.Err(cdErr))
			return nil, fmt.Errorf("%w: %w", errGateStore, cdErr)
		}
		if onCooldown {
			return nil, reject(CheckCooldown, msgOnCooldown)
		}
	}

	admission := &Admission{Model: g.config.ResolveModel(req.Model)}

	if len(req.History) == 0 {
		instructionName := req.SystemInstruction
		if instructionName == "" {
			instructionName = DefaultSystemInstructionName
		}
		instruction, found := g.config.FindSystemInstruction(instructionName)
		if !found {
			return nil, reject(CheckSystemInstruction, msgUnknownInstruction)
		}
		admission.InstructionName = instructionName
		admission.Instruction = instruction
	} else {
		admission.InstructionName = req.SystemInstruction
	}

	if utf8.RuneCountInString(req.Message) > g.config.InputLimit(admission.Model) {
		return nil, reject(CheckInputLength, msgPromptTooLong)
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	if len(req.History) > 0 {
		messages = append(messages, req.History...)
	} else if admission.Instruction != "" {
		messages = append(
			messages,
			openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: admission.Instruction,
			},
		)
	}
	admission.Messages = append(
		messages,
		openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: req.Message,
		},
	)
	return admission, nil
}

// Moderate runs the moderation check, when enabled. Provider failures
// return ErrModerationUnavailable rather than admitting the message.
func (g *Gate) Moderate(ctx context.Context, req ChatRequest) error {
	if !g.config.GenerationParameters.ModeratePrompts {
		return nil
	}
	flagged, err := g.moderator.Flagged(withUserID(ctx, req.UserID), req.Message)
	if err != nil {
		contextLoggerOr(ctx, g.logger).ErrorContext(
			ctx,
			"moderation check failed",
			tint.Err(err),
			columnUserID, req.UserID,
		)
		return fmt.Errorf("%w: %w", ErrModerationUnavailable, err)
	}
	if flagged {
		return reject(CheckModeration, msgFlagged)
	}
	return nil
}

// Admit runs all checks
func (g *Gate) Admit(ctx context.Context, req ChatRequest) (*Admission, error) {
	admission, err := g.Check(ctx, req)
	if err != nil {
		return nil, err
	}
	if err = g.Moderate(ctx, req); err != nil {
		return nil, err
	}
	return admission, nil
}

// RecordSuccess starts the user's cooldown, if one is configured. It
// should only be called once the reply has been sent.
func (g *Gate) RecordSuccess(ctx context.Context, userID string, now time.Time) error {
	ttl := g.config.Cooldown()
	if ttl <= 0 {
		return nil
	}
	if err := g.cooldowns.Set(ctx, userID, now, ttl); err != nil {
		return fmt.Errorf("error recording cooldown for %s: %w", userID, err)
	}
	return nil
}
