package chatbot

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// Tests which construct a Bot aren't parallel, as New sets the default
// slog logger and the discordgo logger.

func chatTestBotConfig() *BotConfig {
	cfg := DefaultBotConfig()
	cfg.GlobalUserCooldown = 60000
	return cfg
}

func recordConsent(t *testing.T, bot *Bot, u *discordgo.User) {
	t.Helper()
	require.NoError(t, bot.consent.RecordConsent(context.Background(), u.ID, u.Username))
}

func requireOnCooldown(t *testing.T, bot *Bot, userID string, want bool) {
	t.Helper()
	onCooldown, err := bot.cooldowns.Has(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, want, onCooldown)
}

func countChatLogs(t *testing.T, bot *Bot) int64 {
	t.Helper()
	var count int64
	require.NoError(t, bot.db.DB().Model(&ChatLog{}).Count(&count).Error)
	return count
}

// requireDeferred asserts the interaction was acknowledged with a
// deferred response, and returns the single edit made afterward.
func requireDeferred(t *testing.T, h *stubInteractionHandler) *discordgo.WebhookEdit {
	t.Helper()
	responses := h.responses()
	require.Len(t, responses, 1)
	assert.Equal(t, discordgo.InteractionResponseDeferredChannelMessageWithSource, responses[0].Type)

	edits := h.edits()
	require.Len(t, edits, 1)
	return edits[0].WebhookEdit
}

func TestChatSingle(t *testing.T) {
	bot, _, client := newTestBot(t, chatTestBotConfig())
	u := newDiscordUser(t)
	recordConsent(t, bot, u)

	client.On("Moderations", mock.Anything, openai.ModerationRequest{Input: "hi"}).
		Return(moderationResponse(false), nil).Once()
	client.On(
		"CreateChatCompletion",
		mock.Anything,
		mock.MatchedBy(
			func(req openai.ChatCompletionRequest) bool {
				return req.User == u.ID && len(req.Messages) == 1 && req.Messages[0].Content == "hi"
			},
		),
	).Return(completionResponse("chatcmpl-1", "hello"), nil).Once()

	i := newChatInteraction(t, u, subcommandSingle, stringOption(optionMessage, "hi"))
	h := newStubInteractionHandler(t, i)
	bot.handleInteraction(context.Background(), h)
	client.AssertExpectations(t)

	edit := requireDeferred(t, h)
	require.NotNil(t, edit.Embeds)
	require.Len(t, *edit.Embeds, 1)
	embed := (*edit.Embeds)[0]
	assert.Equal(t, "hi\n\n**ChatGPT (default):**\nhello", embed.Description)
	assert.Len(t, *edit.Components, 1)

	requireOnCooldown(t, bot, u.ID, true)

	chatLog, err := bot.findChatLog(context.Background(), columnMessageID, h.messageID)
	require.NoError(t, err)
	assert.Equal(t, u.ID, chatLog.UserID)
	assert.Equal(t, "hi", chatLog.Prompt)
	assert.Equal(t, "chatcmpl-1", chatLog.CompletionID)
	assert.Equal(t, DefaultSystemInstructionName, chatLog.SystemInstructionName)
	assert.Empty(t, chatLog.ThreadID)
	require.Len(t, chatLog.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleAssistant, chatLog.Messages[1].Role)

	// no dev follow-up unless enabled
	assert.Empty(t, h.followups())

	var interactions int64
	require.NoError(t, bot.db.DB().Model(&InteractionLog{}).Count(&interactions).Error)
	assert.Equal(t, int64(1), interactions)
}

func TestChatSingle_Attachment(t *testing.T) {
	bot, _, client := newTestBot(t, chatTestBotConfig())
	u := newDiscordUser(t)
	recordConsent(t, bot, u)

	client.On("Moderations", mock.Anything, mock.Anything).Return(moderationResponse(false), nil)
	client.On("CreateChatCompletion", mock.Anything, mock.Anything).
		Return(completionResponse("chatcmpl-long", strings.Repeat("a", embedDescriptionThreshold)), nil)

	h := newStubInteractionHandler(t, newChatInteraction(t, u, subcommandSingle, stringOption(optionMessage, "hi")))
	bot.handleInteraction(context.Background(), h)

	edit := requireDeferred(t, h)
	assert.Equal(t, attachmentPointer, *edit.Content)
	assert.Empty(t, *edit.Embeds)
	require.Len(t, edit.Files, 1)
	assert.Equal(t, "chatcmpl-long.txt", edit.Files[0].Name)
	requireOnCooldown(t, bot, u.ID, true)
}

func TestChatSingle_Rejections(t *testing.T) {
	tests := []struct {
		name      string
		configure func(t *testing.T, bot *Bot, u *discordgo.User)
		options   []*discordgo.ApplicationCommandInteractionDataOption
		want      string
	}{
		{
			name: "no consent",
			want: "You need to agree to our `/terms` before using this command",
		},
		{
			name: "disabled",
			configure: func(t *testing.T, bot *Bot, u *discordgo.User) {
				bot.botConfig.Features.ChatSingle = false
			},
			want: msgCommandDisabled,
		},
		{
			name: "on cooldown",
			configure: func(t *testing.T, bot *Bot, u *discordgo.User) {
				recordConsent(t, bot, u)
				require.NoError(t, bot.gate.RecordSuccess(context.Background(), u.ID, bot.now()))
			},
			want: msgOnCooldown,
		},
		{
			name: "unknown system instruction",
			configure: func(t *testing.T, bot *Bot, u *discordgo.User) {
				recordConsent(t, bot, u)
			},
			options: []*discordgo.ApplicationCommandInteractionDataOption{
				stringOption(optionSystemInstruction, "ninja"),
			},
			want: msgUnknownInstruction,
		},
		{
			name: "too long",
			configure: func(t *testing.T, bot *Bot, u *discordgo.User) {
				recordConsent(t, bot, u)
			},
			options: []*discordgo.ApplicationCommandInteractionDataOption{
				stringOption(optionMessage, strings.Repeat("x", defaultModelInputLimit+1)),
			},
			want: msgPromptTooLong,
		},
	}

	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				bot, _, client := newTestBot(t, chatTestBotConfig())
				u := newDiscordUser(t)
				if tc.configure != nil {
					tc.configure(t, bot, u)
				}
				options := tc.options
				if len(options) == 0 || options[0].Name != optionMessage {
					options = append([]*discordgo.ApplicationCommandInteractionDataOption{stringOption(optionMessage, "hi")}, options...)
				}

				h := newStubInteractionHandler(t, newChatInteraction(t, u, subcommandSingle, options...))
				bot.handleInteraction(context.Background(), h)

				requireEphemeral(t, h, tc.want)
				assert.Empty(t, h.edits())
				client.AssertNotCalled(t, "Moderations", mock.Anything, mock.Anything)
				client.AssertNotCalled(t, "CreateChatCompletion", mock.Anything, mock.Anything)
				assert.Zero(t, countChatLogs(t, bot))
			},
		)
	}
}

func TestChatSingle_GenerationErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(client *mockOpenAIClient)
		want  string
	}{
		{
			name: "flagged",
			setup: func(client *mockOpenAIClient) {
				client.On("Moderations", mock.Anything, mock.Anything).Return(moderationResponse(true), nil)
			},
			want: msgFlagged,
		},
		{
			name: "moderation unavailable",
			setup: func(client *mockOpenAIClient) {
				client.On("Moderations", mock.Anything, mock.Anything).
					Return(openai.ModerationResponse{}, errors.New("503"))
			},
			want: msgModerationUnavailable,
		},
		{
			name: "completion failed",
			setup: func(client *mockOpenAIClient) {
				client.On("Moderations", mock.Anything, mock.Anything).Return(moderationResponse(false), nil)
				client.On("CreateChatCompletion", mock.Anything, mock.Anything).
					Return(openai.ChatCompletionResponse{}, errors.New("500"))
			},
			want: msgSomethingWentWrong,
		},
	}

	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				bot, _, client := newTestBot(t, chatTestBotConfig())
				u := newDiscordUser(t)
				recordConsent(t, bot, u)
				tc.setup(client)

				h := newStubInteractionHandler(t, newChatInteraction(t, u, subcommandSingle, stringOption(optionMessage, "hi")))
				bot.handleInteraction(context.Background(), h)

				edit := requireDeferred(t, h)
				assert.Equal(t, tc.want, *edit.Content)
				assert.Empty(t, *edit.Embeds)
				requireOnCooldown(t, bot, u.ID, false)
				assert.Zero(t, countChatLogs(t, bot))
			},
		)
	}
}

func TestChatSingle_ModerationDisabled(t *testing.T) {
	cfg := chatTestBotConfig()
	cfg.GenerationParameters.ModeratePrompts = false
	bot, _, client := newTestBot(t, cfg)
	u := newDiscordUser(t)
	recordConsent(t, bot, u)
	client.On("CreateChatCompletion", mock.Anything, mock.Anything).
		Return(completionResponse("chatcmpl-1", "hello"), nil).Once()

	h := newStubInteractionHandler(t, newChatInteraction(t, u, subcommandSingle, stringOption(optionMessage, "hi")))
	bot.handleInteraction(context.Background(), h)

	requireDeferred(t, h)
	client.AssertNotCalled(t, "Moderations", mock.Anything, mock.Anything)
	requireOnCooldown(t, bot, u.ID, true)
}

func TestChatSingle_EditFailed(t *testing.T) {
	bot, _, client := newTestBot(t, chatTestBotConfig())
	u := newDiscordUser(t)
	recordConsent(t, bot, u)
	client.On("Moderations", mock.Anything, mock.Anything).Return(moderationResponse(false), nil)
	client.On("CreateChatCompletion", mock.Anything, mock.Anything).
		Return(completionResponse("chatcmpl-1", "hello"), nil)

	h := newStubInteractionHandler(t, newChatInteraction(t, u, subcommandSingle, stringOption(optionMessage, "hi")))
	h.editErr = errors.New("unknown webhook")
	var logs bytes.Buffer
	h.logger = slog.New(slog.NewTextHandler(&logs, nil))
	bot.handleInteraction(context.Background(), h)

	requireDeferred(t, h)
	requireOnCooldown(t, bot, u.ID, false)
	assert.Zero(t, countChatLogs(t, bot))
	assert.Contains(t, logs.String(), "unable to send chat reply")
	assert.Contains(t, logs.String(), "unknown webhook")
}

func TestChatSingle_StaffSkipsCooldown(t *testing.T) {
	cfg := chatTestBotConfig()
	bot, _, client := newTestBot(t, cfg)
	u := newDiscordUser(t)
	cfg.StaffUsers = []string{u.ID}
	recordConsent(t, bot, u)
	require.NoError(t, bot.gate.RecordSuccess(context.Background(), u.ID, bot.now()))

	client.On("Moderations", mock.Anything, mock.Anything).Return(moderationResponse(false), nil)
	client.On("CreateChatCompletion", mock.Anything, mock.Anything).
		Return(completionResponse("chatcmpl-1", "hello"), nil).Once()

	h := newStubInteractionHandler(t, newChatInteraction(t, u, subcommandSingle, stringOption(optionMessage, "hi")))
	bot.handleInteraction(context.Background(), h)

	edit := requireDeferred(t, h)
	assert.Len(t, *edit.Embeds, 1)
}

func TestChatSingle_DevFollowup(t *testing.T) {
	cfg := chatTestBotConfig()
	cfg.DevConfig = DevConfig{Enabled: true, DebugDiscordMessages: true}
	cfg.GenerationParameters.DefaultSystemInstruction = "be helpful"
	bot, _, client := newTestBot(t, cfg)
	u := newDiscordUser(t)
	recordConsent(t, bot, u)
	client.On("Moderations", mock.Anything, mock.Anything).Return(moderationResponse(false), nil)
	client.On("CreateChatCompletion", mock.Anything, mock.Anything).
		Return(completionResponse("chatcmpl-dev", "hello"), nil)

	h := newStubInteractionHandler(t, newChatInteraction(t, u, subcommandSingle, stringOption(optionMessage, "hi")))
	// a failed follow-up doesn't affect the reply
	h.followupErr = errors.New("missing access")
	bot.handleInteraction(context.Background(), h)

	requireDeferred(t, h)
	followups := h.followups()
	require.Len(t, followups, 1)
	require.Len(t, followups[0].Embeds, 1)
	assert.Equal(t, "Dev", followups[0].Embeds[0].Title)
	assert.Contains(t, followups[0].Embeds[0].Description, "chatcmpl-dev")
	assert.True(t, strings.HasSuffix(followups[0].Embeds[0].Description, "be helpful"))

	requireOnCooldown(t, bot, u.ID, true)
	assert.Equal(t, int64(1), countChatLogs(t, bot))
}

func TestBlacklistedUser(t *testing.T) {
	cfg := chatTestBotConfig()
	cfg.BlacklistRoles = []string{"banned"}
	bot, _, client := newTestBot(t, cfg)
	u := newDiscordUser(t)
	recordConsent(t, bot, u)

	i := newChatInteraction(t, u, subcommandSingle, stringOption(optionMessage, "hi"))
	i.Member.Roles = []string{"banned"}
	h := newStubInteractionHandler(t, i)
	bot.handleInteraction(context.Background(), h)

	requireEphemeral(t, h, msgBlacklisted)
	client.AssertNotCalled(t, "Moderations", mock.Anything, mock.Anything)
}

func TestBotUserIgnored(t *testing.T) {
	bot, _, _ := newTestBot(t, chatTestBotConfig())
	u := newDiscordUser(t)
	u.Bot = true

	h := newStubInteractionHandler(t, newChatInteraction(t, u, subcommandSingle, stringOption(optionMessage, "hi")))
	bot.handleInteraction(context.Background(), h)
	assert.Empty(t, h.responses())
}

func TestAutocomplete(t *testing.T) {
	cfg := chatTestBotConfig()
	cfg.SelectableSystemInstructions = []SystemInstruction{
		{Name: "pirate", SystemInstruction: "arr"},
		{Name: "poet", SystemInstruction: "rhyme"},
	}
	bot, _, _ := newTestBot(t, cfg)
	u := newDiscordUser(t)

	i := newChatInteraction(
		t,
		u,
		subcommandSingle,
		stringOption(optionMessage, "hi"),
		&discordgo.ApplicationCommandInteractionDataOption{
			Name:    optionSystemInstruction,
			Type:    discordgo.ApplicationCommandOptionString,
			Value:   "PO",
			Focused: true,
		},
	)
	i.Type = discordgo.InteractionApplicationCommandAutocomplete
	h := newStubInteractionHandler(t, i)
	bot.handleInteraction(context.Background(), h)

	responses := h.responses()
	require.Len(t, responses, 1)
	assert.Equal(t, discordgo.InteractionApplicationCommandAutocompleteResult, responses[0].Type)
	assert.Equal(t, []string{"poet"}, choiceValues(responses[0].Data.Choices))
}

// sendChat runs a successful `/chat <subcommand>` and returns its chat log
func sendChat(
	t *testing.T,
	bot *Bot,
	client *mockOpenAIClient,
	u *discordgo.User,
	subcommand string,
	message string,
) *ChatLog {
	t.Helper()
	client.On("Moderations", mock.Anything, mock.Anything).Return(moderationResponse(false), nil).Once()
	client.On("CreateChatCompletion", mock.Anything, mock.Anything).
		Return(completionResponse("chatcmpl-first", "first answer"), nil).Once()

	h := newStubInteractionHandler(t, newChatInteraction(t, u, subcommand, stringOption(optionMessage, message)))
	bot.handleInteraction(context.Background(), h)
	requireDeferred(t, h)

	chatLog, err := bot.findChatLog(context.Background(), columnMessageID, h.messageID)
	require.NoError(t, err)
	return chatLog
}

func TestChatThread(t *testing.T) {
	cfg := chatTestBotConfig()
	cfg.GlobalUserCooldown = 0
	cfg.MaxThreadFollowupLength = 1
	bot, session, client := newTestBot(t, cfg)
	u := newDiscordUser(t)
	recordConsent(t, bot, u)

	chatLog := sendChat(t, bot, client, u, subcommandThread, "tell me a story")
	require.Len(t, session.threads, 1)
	assert.Equal(t, "tell me a story", session.threads[0].Name)
	assert.Equal(t, threadAutoArchiveMinutes, session.threads[0].AutoArchiveDuration)
	require.Equal(t, "thread_"+chatLog.DiscordMessageID, chatLog.ThreadID)

	client.On("Moderations", mock.Anything, mock.Anything).Return(moderationResponse(false), nil).Once()
	client.On(
		"CreateChatCompletion",
		mock.Anything,
		mock.MatchedBy(
			func(req openai.ChatCompletionRequest) bool {
				return len(req.Messages) == 3 &&
					req.Messages[1].Content == "first answer" &&
					req.Messages[2].Content == "and then?"
			},
		),
	).Return(completionResponse("chatcmpl-second", "the end"), nil).Once()

	newMessage := func(author *discordgo.User, content string) *discordgo.MessageCreate {
		return &discordgo.MessageCreate{
			Message: &discordgo.Message{
				ID:        "followup_" + content,
				ChannelID: chatLog.ThreadID,
				GuildID:   testGuildID,
				Content:   content,
				Author:    author,
			},
		}
	}

	// other users can't join the conversation
	bot.handleThreadMessage(context.Background(), newMessage(&discordgo.User{ID: "someone else"}, "hijack"))
	assert.Empty(t, session.sentMessages())

	bot.handleThreadMessage(context.Background(), newMessage(u, "and then?"))
	client.AssertExpectations(t)

	sent := session.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "the end", sent[0].Content)
	require.NotNil(t, sent[0].Reference)
	assert.Equal(t, "followup_and then?", sent[0].Reference.MessageID)

	updated, err := bot.findChatLog(context.Background(), columnThreadID, chatLog.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.FollowupCount)
	assert.Equal(t, "chatcmpl-second", updated.CompletionID)
	assert.Len(t, updated.Messages, 4)
	assert.Equal(t, 30, updated.TotalTokens)

	// the limit has been reached
	bot.handleThreadMessage(context.Background(), newMessage(u, "more"))
	sent = session.sentMessages()
	require.Len(t, sent, 2)
	assert.Equal(t, msgThreadLimitReached, sent[1].Content)
}

func TestChatThread_LogSavedFirst(t *testing.T) {
	bot, session, client := newTestBot(t, chatTestBotConfig())
	u := newDiscordUser(t)
	recordConsent(t, bot, u)

	var saved *ChatLog
	session.onThreadStart = func(messageID string) {
		rec, err := bot.findChatLog(context.Background(), columnMessageID, messageID)
		require.NoError(t, err)
		saved = rec
	}

	chatLog := sendChat(t, bot, client, u, subcommandThread, "tell me a story")
	require.NotNil(t, saved)
	assert.Equal(t, chatLog.ID, saved.ID)
	assert.Empty(t, saved.ThreadID)

	// the thread ID is written to the same row once the thread exists
	assert.Equal(t, "thread_"+chatLog.DiscordMessageID, chatLog.ThreadID)
	assert.Equal(t, int64(1), countChatLogs(t, bot))
}

func TestChatThread_Collaboration(t *testing.T) {
	cfg := chatTestBotConfig()
	cfg.GlobalUserCooldown = 0
	cfg.AllowCollaboration = true
	bot, session, client := newTestBot(t, cfg)
	u := newDiscordUser(t)
	recordConsent(t, bot, u)
	chatLog := sendChat(t, bot, client, u, subcommandThread, "hello")

	// collaborators still go through the gate
	other := &discordgo.User{ID: "collaborator", Username: "collaborator"}
	bot.handleThreadMessage(
		context.Background(),
		&discordgo.MessageCreate{
			Message: &discordgo.Message{
				ID:        "m2",
				ChannelID: chatLog.ThreadID,
				GuildID:   testGuildID,
				Content:   "can I join?",
				Author:    other,
			},
		},
	)

	sent := session.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "You need to agree to our `/terms` before using this command", sent[0].Content)
}

func TestRegenerate(t *testing.T) {
	bot, _, client := newTestBot(t, chatTestBotConfig())
	u := newDiscordUser(t)
	recordConsent(t, bot, u)
	chatLog := sendChat(t, bot, client, u, subcommandSingle, "hi")

	// the cooldown from the first reply applies
	h := newStubInteractionHandler(t, newButtonInteraction(t, u, customIDRegenerate, chatLog.DiscordMessageID))
	bot.handleInteraction(context.Background(), h)
	requireEphemeral(t, h, msgOnCooldown)

	require.NoError(t, bot.cooldowns.Clear(context.Background(), u.ID))
	client.On("Moderations", mock.Anything, mock.Anything).Return(moderationResponse(false), nil).Once()
	client.On("CreateChatCompletion", mock.Anything, mock.Anything).
		Return(completionResponse("chatcmpl-again", "second answer"), nil).Once()

	h = newStubInteractionHandler(t, newButtonInteraction(t, u, customIDRegenerate, chatLog.DiscordMessageID))
	bot.handleInteraction(context.Background(), h)

	responses := h.responses()
	require.Len(t, responses, 1)
	assert.Equal(t, discordgo.InteractionResponseDeferredMessageUpdate, responses[0].Type)
	edits := h.edits()
	require.Len(t, edits, 1)
	assert.Equal(t, "hi\n\n**ChatGPT (default):**\nsecond answer", (*edits[0].WebhookEdit.Embeds)[0].Description)
	requireOnCooldown(t, bot, u.ID, true)

	updated, err := bot.findChatLog(context.Background(), columnMessageID, chatLog.DiscordMessageID)
	require.NoError(t, err)
	assert.Equal(t, "chatcmpl-again", updated.CompletionID)
	assert.Len(t, updated.Messages, 2)
}

func TestRegenerate_Refused(t *testing.T) {
	bot, _, client := newTestBot(t, chatTestBotConfig())
	u := newDiscordUser(t)
	recordConsent(t, bot, u)
	chatLog := sendChat(t, bot, client, u, subcommandSingle, "hi")

	other := &discordgo.User{ID: "other", Username: "other"}
	h := newStubInteractionHandler(t, newButtonInteraction(t, other, customIDRegenerate, chatLog.DiscordMessageID))
	bot.handleInteraction(context.Background(), h)
	requireEphemeral(t, h, msgNotYourMessage)

	h = newStubInteractionHandler(t, newButtonInteraction(t, u, customIDRegenerate, "unknown message"))
	bot.handleInteraction(context.Background(), h)
	requireEphemeral(t, h, msgChatNotFound)

	chatLog.FollowupCount = 1
	_, err := bot.db.Save(context.Background(), chatLog)
	require.NoError(t, err)
	h = newStubInteractionHandler(t, newButtonInteraction(t, u, customIDRegenerate, chatLog.DiscordMessageID))
	bot.handleInteraction(context.Background(), h)
	requireEphemeral(t, h, msgThreadContinued)

	bot.botConfig.Features.RegenerateButton = false
	h = newStubInteractionHandler(t, newButtonInteraction(t, u, customIDRegenerate, chatLog.DiscordMessageID))
	bot.handleInteraction(context.Background(), h)
	requireEphemeral(t, h, msgCommandDisabled)
}

func TestDelete(t *testing.T) {
	cfg := chatTestBotConfig()
	cfg.StaffRoles = []string{"mods"}
	bot, _, client := newTestBot(t, cfg)
	u := newDiscordUser(t)
	recordConsent(t, bot, u)
	chatLog := sendChat(t, bot, client, u, subcommandSingle, "hi")

	other := &discordgo.User{ID: "other", Username: "other"}
	h := newStubInteractionHandler(t, newButtonInteraction(t, other, customIDDelete, chatLog.DiscordMessageID))
	bot.handleInteraction(context.Background(), h)
	requireEphemeral(t, h, msgNotYourMessage)
	assert.Empty(t, h.callDelete)

	// staff can delete anyone's reply
	i := newButtonInteraction(t, other, customIDDelete, chatLog.DiscordMessageID)
	i.Member.Roles = []string{"mods"}
	h = newStubInteractionHandler(t, i)
	bot.handleInteraction(context.Background(), h)

	responses := h.responses()
	require.Len(t, responses, 1)
	assert.Equal(t, discordgo.InteractionResponseDeferredMessageUpdate, responses[0].Type)
	assert.Len(t, h.callDelete, 1)
	assert.Zero(t, countChatLogs(t, bot))
}

func TestDelete_Owner(t *testing.T) {
	bot, _, client := newTestBot(t, chatTestBotConfig())
	u := newDiscordUser(t)
	recordConsent(t, bot, u)
	chatLog := sendChat(t, bot, client, u, subcommandSingle, "hi")

	h := newStubInteractionHandler(t, newButtonInteraction(t, u, customIDDelete, chatLog.DiscordMessageID))
	bot.handleInteraction(context.Background(), h)
	assert.Len(t, h.callDelete, 1)
	assert.Zero(t, countChatLogs(t, bot))
}
