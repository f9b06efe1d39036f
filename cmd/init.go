package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/webhead2oo9/ChatGPT-Discord-Bot/chatbot"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and write a default bot config",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		if cfg.DatabaseType == "" {
			log.Fatal("Environment variable CB_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable CB_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}

		// Run database migrations
		db, err := chatbot.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			defer sqlDB.Close()
		}
		fmt.Fprintln(out, "Database initialized.")

		created, err := writeDefaultBotConfig(cfg.BotConfigFile)
		if err != nil {
			log.Fatalf("Error writing bot config: %v", err)
		}
		if created {
			fmt.Fprintf(out, "Default bot config written to %s\n", cfg.BotConfigFile)
		} else {
			fmt.Fprintf(out, "Bot config %s already exists.\n", cfg.BotConfigFile)
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

// writeDefaultBotConfig writes chatbot.DefaultBotConfig as JSON to
// path, unless the file already exists.
func writeDefaultBotConfig(path string) (bool, error) {
	data, err := json.MarshalIndent(chatbot.DefaultBotConfig(), "", "  ")
	if err != nil {
		return false, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, err
	}
	if _, err = f.Write(append(data, '\n')); err != nil {
		_ = f.Close()
		return false, err
	}
	return true, f.Close()
}

//nolint:gochecknoinits // cobra
func init() {
	rootCmd.AddCommand(initCmd)
}
