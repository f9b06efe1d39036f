package chatbot

import (
	"context"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	msgConsentRecorded = "Thank you! You can now use the bot"
	defaultTerms       = "By using this bot you agree that your messages are sent to OpenAI for processing."
)

// handleTerms shows the terms of use with an agreement button
func (b *Bot) handleTerms(ctx context.Context, handler InteractionHandler) {
	_ = handler.Respond(ctx, termsResponse(b.botConfig))
}

func termsResponse(cfg *BotConfig) *discordgo.InteractionResponse {
	terms := cfg.Terms
	if terms == "" {
		terms = defaultTerms
	}
	resp := ephemeralMessage(terms)
	resp.Data.Components = []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    "I agree",
					CustomID: customIDTermsAgree,
					Style:    discordgo.SuccessButton,
				},
			},
		},
	}
	return resp
}

// handleTermsAgree records the user's agreement to the terms
func (b *Bot) handleTermsAgree(
	ctx context.Context,
	handler InteractionHandler,
	user *discordgo.User,
) {
	if err := b.consent.RecordConsent(ctx, user.ID, user.Username); err != nil {
		handler.Logger().ErrorContext(ctx, "error recording consent", tint.Err(err))
		_ = handler.Respond(ctx, ephemeralMessage(msgSomethingWentWrong))
		return
	}
	handler.Logger().InfoContext(ctx, "user agreed to terms")
	_ = handler.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseUpdateMessage,
			Data: &discordgo.InteractionResponseData{
				Content:    msgConsentRecorded,
				Components: []discordgo.MessageComponent{},
			},
		},
	)
}
