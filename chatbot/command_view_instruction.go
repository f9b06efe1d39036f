package chatbot

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// handleViewSystemInstruction shows a system instruction's text to the
// requesting user. Staff can't bypass this feature flag.
func (b *Bot) handleViewSystemInstruction(ctx context.Context, handler InteractionHandler) {
	if !b.botConfig.Features.ViewSystemInstruction {
		_ = handler.Respond(ctx, ephemeralMessage(msgCommandDisabled))
		return
	}
	_, opts := commandOptions(handler.GetInteraction().ApplicationCommandData())
	_ = handler.Respond(ctx, viewSystemInstructionResponse(b.botConfig, optionString(opts, optionSystemInstruction)))
}

func viewSystemInstructionResponse(cfg *BotConfig, name string) *discordgo.InteractionResponse {
	if name == "" {
		name = DefaultSystemInstructionName
	}
	text, _ := cfg.FindSystemInstruction(name)
	if text == "" {
		text = "NONE"
	}
	return ephemeralMessage(fmt.Sprintf("System instruction `%s`:\n\n%s", name, text))
}
