package cmd

import (
	"log"

	"github.com/spf13/cobra"
	"github.com/webhead2oo9/ChatGPT-Discord-Bot/chatbot"
)

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Starts the bot, and (optionally) the admin API and webhook server",
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

		if err = bot.Run(ctx); err != nil {
			log.Fatalf("error running bot: %s", err.Error())
		}
	},
}

//nolint:gochecknoinits // cobra
func init() {
	rootCmd.AddCommand(runCmd)
}
