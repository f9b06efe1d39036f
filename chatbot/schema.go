package chatbot

import (
	"github.com/bwmarrin/discordgo"
)

const (
	commandChat                  = "chat"
	subcommandSingle             = "single"
	subcommandThread             = "thread"
	commandViewSystemInstruction = "view_system_instruction"
	commandTerms                 = "terms"

	optionMessage           = "message"
	optionSystemInstruction = "system_instruction"
	optionModel             = "model"

	customIDRegenerate = "regenerate"
	customIDDelete     = "delete"
	customIDTermsAgree = "terms_agree"

	// maxChoices is Discord's limit on choices and autocomplete results
	maxChoices = 25
)

// BuildCommands derives the application commands to register from the
// bot config. Command families that aren't enabled (and can't be
// bypassed by staff) are left out entirely.
func BuildCommands(cfg *BotConfig) []*discordgo.ApplicationCommand {
	dmPermission := false
	var commands []*discordgo.ApplicationCommand

	bypass := cfg.StaffCanBypassFeatureRestrictions
	var subcommands []*discordgo.ApplicationCommandOption
	if cfg.Features.ChatSingle || bypass {
		subcommands = append(
			subcommands,
			chatSubcommand(
				cfg,
				subcommandSingle,
				"Get a single response without the possibility to followup",
			),
		)
	}
	if cfg.Features.ChatThread || bypass {
		subcommands = append(
			subcommands,
			chatSubcommand(
				cfg,
				subcommandThread,
				"Start a thread for chatting with ChatGPT",
			),
		)
	}
	if len(subcommands) > 0 {
		commands = append(
			commands,
			&discordgo.ApplicationCommand{
				Name:         commandChat,
				Description:  "Start chatting with the AI",
				Type:         discordgo.ChatApplicationCommand,
				DMPermission: &dmPermission,
				Options:      subcommands,
			},
		)
	}

	if cfg.Features.ViewSystemInstruction {
		cmd := &discordgo.ApplicationCommand{
			Name:         commandViewSystemInstruction,
			Description:  "View a system instruction",
			Type:         discordgo.ChatApplicationCommand,
			DMPermission: &dmPermission,
		}
		if len(cfg.SelectableSystemInstructions) > 0 {
			cmd.Options = []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        optionSystemInstruction,
					Description: "The system instruction to choose",
					Required:    true,
					Choices:     systemInstructionChoices(cfg),
				},
			}
		}
		commands = append(commands, cmd)
	}

	commands = append(
		commands,
		&discordgo.ApplicationCommand{
			Name:         commandTerms,
			Description:  "View the terms of use",
			Type:         discordgo.ChatApplicationCommand,
			DMPermission: &dmPermission,
		},
	)
	return commands
}

func chatSubcommand(
	cfg *BotConfig,
	name string,
	description string,
) *discordgo.ApplicationCommandOption {
	options := []*discordgo.ApplicationCommandOption{
		{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        optionMessage,
			Description: "The message to send to the AI",
			Required:    true,
			MaxLength:   cfg.MaxInputLength(),
		},
		{
			Type:         discordgo.ApplicationCommandOptionString,
			Name:         optionSystemInstruction,
			Description:  "The system instruction to choose",
			Autocomplete: true,
		},
	}

	if len(cfg.SelectableModels) > 0 {
		choices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(cfg.SelectableModels))
		for _, m := range cfg.SelectableModels {
			choices = append(
				choices,
				&discordgo.ApplicationCommandOptionChoice{Name: m.Name, Value: m.Name},
			)
		}
		options = append(
			options,
			&discordgo.ApplicationCommandOption{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        optionModel,
				Description: "The model to use for this request",
				Choices:     choices,
			},
		)
	}

	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionSubCommand,
		Name:        name,
		Description: description,
		Options:     options,
	}
}

// systemInstructionChoices lists "Default" followed by up to 24
// configured instructions.
func systemInstructionChoices(cfg *BotConfig) []*discordgo.ApplicationCommandOptionChoice {
	instructions := cfg.SelectableSystemInstructions
	if len(instructions) > maxChoices-1 {
		instructions = instructions[:maxChoices-1]
	}
	choices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(instructions)+1)
	choices = append(
		choices,
		&discordgo.ApplicationCommandOptionChoice{
			Name:  "Default",
			Value: DefaultSystemInstructionName,
		},
	)
	for _, si := range instructions {
		choices = append(
			choices,
			&discordgo.ApplicationCommandOptionChoice{
				Name:  capitalize(si.Name),
				Value: si.Name,
			},
		)
	}
	return choices
}
