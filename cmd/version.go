package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/webhead2oo9/ChatGPT-Discord-Bot/chatbot"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of the application",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(
			cmd.OutOrStdout(),
			"version=%s commit=%s built: %s",
			chatbot.Version,
			chatbot.CommitSHA,
			chatbot.BuildTime,
		)
	},
}

//nolint:gochecknoinits // cobra
func init() {
	rootCmd.AddCommand(versionCmd)
}
