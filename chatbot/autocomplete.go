package chatbot

import (
	"strings"

	"github.com/bwmarrin/discordgo"
)

// SystemInstructionChoices returns autocomplete suggestions for the
// system_instruction option. "Default" comes first, followed by the
// configured instructions, filtered by a case-insensitive substring
// match on the value when fragment isn't empty.
func SystemInstructionChoices(
	cfg *BotConfig,
	fragment string,
) []*discordgo.ApplicationCommandOptionChoice {
	candidates := systemInstructionChoices(cfg)
	if fragment != "" {
		needle := strings.ToLower(fragment)
		filtered := candidates[:0]
		for _, c := range candidates {
			value, _ := c.Value.(string)
			if strings.Contains(strings.ToLower(value), needle) {
				filtered = append(filtered, c)
			}
		}
		candidates = filtered
	}
	if len(candidates) > maxChoices {
		candidates = candidates[:maxChoices]
	}
	return candidates
}
