package cmd

import (
	"log"

	"github.com/spf13/cobra"
	"github.com/webhead2oo9/ChatGPT-Discord-Bot/chatbot"
	"gopkg.in/yaml.v3"
)

const redacted = "[redacted]"

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML, with secrets redacted",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(redactConfig(cfg)); err != nil {
			log.Fatalf("error encoding config: %v", err)
		}
		if err := enc.Close(); err != nil {
			log.Fatalf("error encoding config: %v", err)
		}
	},
}

// redactConfig returns a copy of c with its tokens replaced
func redactConfig(c *chatbot.Config) chatbot.Config {
	cp := *c
	if c.OpenAI != nil {
		openAI := *c.OpenAI
		openAI.Token = redactString(openAI.Token)
		cp.OpenAI = &openAI
	}
	if c.Discord != nil {
		discord := *c.Discord
		discord.Token = redactString(discord.Token)
		cp.Discord = &discord
	}
	if c.API != nil {
		api := *c.API
		api.Token = redactString(api.Token)
		cp.API = &api
	}
	return cp
}

func redactString(s string) string {
	if s == "" {
		return ""
	}
	return redacted
}

//nolint:gochecknoinits // cobra
func init() {
	rootCmd.AddCommand(configCmd)
}
