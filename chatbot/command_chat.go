package chatbot

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
)

const (
	msgNotYourMessage     = "You can only use this on your own messages"
	msgChatNotFound       = "Unable to find this conversation"
	msgThreadLimitReached = "This thread has reached its maximum length, please start a new one"
	msgThreadContinued    = "This conversation has already continued in its thread"
)

// handleChatCommand handles `/chat single` and `/chat thread`.
//
// Checks that don't need the provider run before the interaction is
// acknowledged, so their rejections are ephemeral. After that, the
// deferred response is edited with the reply or the error. The cooldown
// is only recorded once the reply has been sent.
func (b *Bot) handleChatCommand(
	ctx context.Context,
	handler InteractionHandler,
	user *discordgo.User,
	staff bool,
) {
	i := handler.GetInteraction()
	logger := contextLoggerOr(ctx, handler.Logger())

	subcommand, opts := commandOptions(i.ApplicationCommandData())
	feature := FeatureChatSingle
	if subcommand == subcommandThread {
		feature = FeatureChatThread
	}
	req := ChatRequest{
		UserID:            user.ID,
		Message:           optionString(opts, optionMessage),
		SystemInstruction: optionString(opts, optionSystemInstruction),
		Model:             optionString(opts, optionModel),
		Staff:             staff,
		Feature:           feature,
	}

	admission, err := b.gate.Check(ctx, req)
	if err != nil {
		logger.InfoContext(ctx, "request not admitted", tint.Err(err))
		_ = handler.Respond(ctx, ephemeralMessage(userMessage(err)))
		return
	}

	if err = handler.Respond(ctx, deferredResponse()); err != nil {
		logger.WarnContext(ctx, "unable to acknowledge chat command", tint.Err(err))
		return
	}

	resp, err := b.generate(ctx, req, admission)
	if err != nil {
		logger.InfoContext(ctx, "chat failed", tint.Err(err))
		_, _ = handler.Edit(ctx, editContent(userMessage(err)))
		return
	}

	reply := renderReply(b.botConfig, user, staff, req.Message, admission.InstructionName, resp)
	msg, err := handler.Edit(ctx, reply.WebhookEdit())
	if err != nil {
		logger.WarnContext(ctx, "unable to send chat reply", tint.Err(err))
		return
	}
	b.recordCooldown(ctx, user.ID)

	chatLog := newChatLog(i, user, req, admission, resp)
	if msg != nil {
		chatLog.DiscordMessageID = msg.ID
	}
	// the log is saved before the thread exists, so follow-ups posted
	// as soon as the thread opens can find it
	if _, err = b.db.Create(context.WithoutCancel(ctx), chatLog); err != nil {
		logger.ErrorContext(ctx, "error saving chat log", tint.Err(err))
	} else if feature == FeatureChatThread && msg != nil {
		b.startThread(ctx, chatLog, req.Message)
	}

	b.sendDevFollowup(ctx, handler, admission.Instruction, resp)
}

// generate runs the moderation check, then requests the completion
func (b *Bot) generate(
	ctx context.Context,
	req ChatRequest,
	admission *Admission,
) (openai.ChatCompletionResponse, error) {
	if err := b.gate.Moderate(ctx, req); err != nil {
		return openai.ChatCompletionResponse{}, err
	}
	return b.openai.Complete(ctx, req.UserID, admission)
}

func (b *Bot) recordCooldown(ctx context.Context, userID string) {
	if err := b.gate.RecordSuccess(ctx, userID, b.now()); err != nil {
		contextLoggerOr(ctx, b.logger).ErrorContext(ctx, "error recording cooldown", tint.Err(err))
	}
}

// sendDevFollowup sends completion diagnostics as a follow-up, when
// enabled. Failures are only logged.
func (b *Bot) sendDevFollowup(
	ctx context.Context,
	handler InteractionHandler,
	instruction string,
	resp openai.ChatCompletionResponse,
) {
	dev := b.botConfig.DevConfig
	if !dev.Enabled || !dev.DebugDiscordMessages {
		return
	}
	_, err := handler.Followup(
		ctx,
		&discordgo.WebhookParams{
			Embeds:          []*discordgo.MessageEmbed{devEmbed(b.botConfig, instruction, resp)},
			AllowedMentions: &discordgo.MessageAllowedMentions{},
		},
	)
	if err != nil {
		handler.Logger().WarnContext(ctx, "unable to send dev follow-up", tint.Err(err))
	}
}

func newChatLog(
	i *discordgo.InteractionCreate,
	user *discordgo.User,
	req ChatRequest,
	admission *Admission,
	resp openai.ChatCompletionResponse,
) *ChatLog {
	instructionName := admission.InstructionName
	if instructionName == "" {
		instructionName = DefaultSystemInstructionName
	}
	rec := &ChatLog{
		InteractionID:         i.ID,
		UserID:                user.ID,
		Username:              user.Username,
		GuildID:               i.GuildID,
		ChannelID:             i.ChannelID,
		Model:                 admission.Model,
		SystemInstructionName: instructionName,
		Prompt:                req.Message,
	}
	rec.applyCompletion(admission, resp)
	return rec
}

// applyCompletion stores the conversation, ending with the completion's
// answer, and the completion's usage.
func (c *ChatLog) applyCompletion(admission *Admission, resp openai.ChatCompletionResponse) {
	c.Messages = append(
		slices.Clone(admission.Messages),
		openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleAssistant,
			Content: completionText(resp),
		},
	)
	c.CompletionID = resp.ID
	c.PromptTokens += resp.Usage.PromptTokens
	c.CompletionTokens += resp.Usage.CompletionTokens
	c.TotalTokens += resp.Usage.TotalTokens
}

// startThread starts a public thread on the reply message. Failure is
// logged, the reply itself has already been sent.
func (b *Bot) startThread(ctx context.Context, chatLog *ChatLog, prompt string) {
	ch, err := b.discord.session.MessageThreadStartComplex(
		chatLog.ChannelID,
		chatLog.DiscordMessageID,
		&discordgo.ThreadStart{
			Name:                threadName(prompt),
			AutoArchiveDuration: threadAutoArchiveMinutes,
			Type:                discordgo.ChannelTypeGuildPublicThread,
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		contextLoggerOr(ctx, b.logger).ErrorContext(ctx, "error starting thread", tint.Err(err))
		return
	}
	chatLog.ThreadID = ch.ID
	_, err = b.db.Updates(
		context.WithoutCancel(ctx),
		chatLog,
		map[string]any{columnThreadID: chatLog.ThreadID},
	)
	if err != nil {
		contextLoggerOr(ctx, b.logger).ErrorContext(ctx, "error saving thread ID", tint.Err(err))
	}
}

// findChatLog returns the most recent chat log where column = value
func (b *Bot) findChatLog(ctx context.Context, column string, value string) (*ChatLog, error) {
	ctx, cancel := withDBTimeout(ctx)
	defer cancel()

	var rec ChatLog
	err := b.db.DB().WithContext(ctx).Where(column+" = ?", value).Last(&rec).Error
	if err != nil {
		if isRecordNotFound(err) {
			return nil, ErrChatLogNotFound
		}
		return nil, fmt.Errorf("error finding chat log: %w", err)
	}
	return &rec, nil
}

// handleThreadMessage answers a message posted in a chat thread, with
// the thread's conversation as history. Messages in other channels are
// ignored.
func (b *Bot) handleThreadMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.GuildID == "" || m.Content == "" {
		return
	}
	logger := b.chatLogger.With(
		"channel_id", m.ChannelID,
		"message_id", m.ID,
		columnUserID, m.Author.ID,
	)
	ctx = WithLogger(ctx, logger)
	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
		}
	}()

	chatLog, err := b.findChatLog(ctx, columnThreadID, m.ChannelID)
	if err != nil {
		if !errors.Is(err, ErrChatLogNotFound) {
			logger.ErrorContext(ctx, "error looking up thread", tint.Err(err))
		}
		return
	}

	if m.Author.ID != chatLog.UserID && !b.botConfig.AllowCollaboration {
		logger.DebugContext(ctx, "ignoring message from non-owner")
		return
	}

	var roles []string
	if m.Member != nil {
		roles = m.Member.Roles
	}
	if b.botConfig.IsBlacklisted(roles) {
		logger.InfoContext(ctx, "ignoring blacklisted user")
		return
	}

	session := b.discord.session
	reply := func(content string) {
		_, _ = session.ChannelMessageSendComplex(
			m.ChannelID,
			&discordgo.MessageSend{
				Content:         content,
				Reference:       m.Reference(),
				AllowedMentions: &discordgo.MessageAllowedMentions{},
			},
		)
	}

	if limit := b.botConfig.MaxThreadFollowupLength; limit > 0 && chatLog.FollowupCount >= limit {
		reply(msgThreadLimitReached)
		return
	}

	req := ChatRequest{
		UserID:            m.Author.ID,
		Message:           m.Content,
		SystemInstruction: chatLog.SystemInstructionName,
		Model:             chatLog.Model,
		Staff:             b.botConfig.IsStaff(m.Author.ID, roles),
		Feature:           FeatureChatThread,
		History:           chatLog.Messages,
	}

	if typingErr := session.ChannelTyping(m.ChannelID); typingErr != nil {
		logger.DebugContext(ctx, "unable to send typing indicator", tint.Err(typingErr))
	}

	admission, err := b.gate.Check(ctx, req)
	if err != nil {
		logger.InfoContext(ctx, "follow-up not admitted", tint.Err(err))
		reply(userMessage(err))
		return
	}
	resp, err := b.generate(ctx, req, admission)
	if err != nil {
		logger.InfoContext(ctx, "follow-up failed", tint.Err(err))
		reply(userMessage(err))
		return
	}

	if _, err = session.ChannelMessageSendComplex(
		m.ChannelID,
		renderThreadMessage(m.Reference(), resp),
	); err != nil {
		return
	}
	b.recordCooldown(ctx, m.Author.ID)

	chatLog.applyCompletion(admission, resp)
	chatLog.FollowupCount++
	if _, err = b.db.Save(context.WithoutCancel(ctx), chatLog); err != nil {
		logger.ErrorContext(ctx, "error updating chat log", tint.Err(err))
	}
}

// handleRegenerate re-runs the original request and replaces the
// reply. Only the original requester may regenerate.
func (b *Bot) handleRegenerate(
	ctx context.Context,
	handler InteractionHandler,
	user *discordgo.User,
	staff bool,
) {
	i := handler.GetInteraction()
	logger := contextLoggerOr(ctx, handler.Logger())

	if !b.botConfig.FeatureAvailable(FeatureRegenerateButton, staff) {
		_ = handler.Respond(ctx, ephemeralMessage(msgCommandDisabled))
		return
	}

	chatLog, err := b.componentChatLog(ctx, i)
	if err != nil {
		logger.WarnContext(ctx, "unable to find chat log", tint.Err(err))
		_ = handler.Respond(ctx, ephemeralMessage(msgChatNotFound))
		return
	}
	if chatLog.UserID != user.ID {
		_ = handler.Respond(ctx, ephemeralMessage(msgNotYourMessage))
		return
	}
	if chatLog.FollowupCount > 0 {
		_ = handler.Respond(ctx, ephemeralMessage(msgThreadContinued))
		return
	}

	req := ChatRequest{
		UserID:            user.ID,
		Message:           chatLog.Prompt,
		SystemInstruction: chatLog.SystemInstructionName,
		Model:             chatLog.Model,
		Staff:             staff,
		Feature:           FeatureRegenerateButton,
	}
	admission, err := b.gate.Check(ctx, req)
	if err != nil {
		logger.InfoContext(ctx, "regenerate not admitted", tint.Err(err))
		_ = handler.Respond(ctx, ephemeralMessage(userMessage(err)))
		return
	}

	if err = handler.Respond(ctx, deferredUpdate()); err != nil {
		return
	}

	resp, err := b.generate(ctx, req, admission)
	if err != nil {
		logger.InfoContext(ctx, "regenerate failed", tint.Err(err))
		_, _ = handler.Followup(
			ctx,
			&discordgo.WebhookParams{
				Content: userMessage(err),
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		)
		return
	}

	reply := renderReply(b.botConfig, user, staff, req.Message, admission.InstructionName, resp)
	if _, err = handler.Edit(ctx, reply.WebhookEdit()); err != nil {
		return
	}
	b.recordCooldown(ctx, user.ID)

	chatLog.applyCompletion(admission, resp)
	if _, err = b.db.Save(context.WithoutCancel(ctx), chatLog); err != nil {
		logger.ErrorContext(ctx, "error updating chat log", tint.Err(err))
	}
	b.sendDevFollowup(ctx, handler, admission.Instruction, resp)
}

// handleDelete deletes a reply. The requester and staff may delete.
func (b *Bot) handleDelete(
	ctx context.Context,
	handler InteractionHandler,
	user *discordgo.User,
	staff bool,
) {
	i := handler.GetInteraction()
	logger := contextLoggerOr(ctx, handler.Logger())

	if !b.botConfig.FeatureAvailable(FeatureDeleteButton, staff) {
		_ = handler.Respond(ctx, ephemeralMessage(msgCommandDisabled))
		return
	}

	chatLog, err := b.componentChatLog(ctx, i)
	if err != nil && !errors.Is(err, ErrChatLogNotFound) {
		logger.ErrorContext(ctx, "error finding chat log", tint.Err(err))
		_ = handler.Respond(ctx, ephemeralMessage(msgSomethingWentWrong))
		return
	}
	owner := chatLog != nil && chatLog.UserID == user.ID
	if !owner && !staff {
		_ = handler.Respond(ctx, ephemeralMessage(msgNotYourMessage))
		return
	}

	if err = handler.Respond(ctx, deferredUpdate()); err != nil {
		return
	}
	if err = handler.Delete(ctx); err != nil {
		return
	}
	logger.InfoContext(ctx, "deleted reply", "owner", owner)

	if chatLog != nil {
		if _, err = b.db.Delete(context.WithoutCancel(ctx), chatLog); err != nil {
			logger.ErrorContext(ctx, "error deleting chat log", tint.Err(err))
		}
	}
}

// componentChatLog finds the chat log for the message a button is on
func (b *Bot) componentChatLog(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) (*ChatLog, error) {
	if i.Message == nil {
		return nil, ErrChatLogNotFound
	}
	return b.findChatLog(ctx, columnMessageID, i.Message.ID)
}
