package cmd

import (
	"fmt"
	"log"
	"slices"

	"github.com/spf13/cobra"
	"github.com/webhead2oo9/ChatGPT-Discord-Bot/chatbot"
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Registers the bot's slash commands with Discord, then exits",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()
		botCfg, err := chatbot.LoadBotConfig(cfg.BotConfigFile)
		if err != nil {
			log.Fatalf("error loading bot config: %s", err.Error())
		}

		bot, err := chatbot.New(ctx, cfg, botCfg)
		if err != nil {
			log.Fatalf("error creating bot: %s", err.Error())
		}

		ids, err := bot.RegisterCommands(ctx)
		if err != nil {
			log.Fatalf("error registering commands: %s", err.Error())
		}

		out := cmd.OutOrStdout()
		names := make([]string, 0, len(ids))
		for name := range ids {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			fmt.Fprintf(out, "/%s: %s\n", name, ids[name])
		}
	},
}

//nolint:gochecknoinits // cobra
func init() {
	rootCmd.AddCommand(registerCmd)
}
