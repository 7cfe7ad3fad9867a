package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/talesync/talesync/internal/config"
	"github.com/talesync/talesync/internal/token"
)

// --- token ---

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a session token for a user",
	Long: `Mint a session token for a user.

Identity is operator-provisioned: the server trusts any session token
signed with its own token secret. Hand the printed token to a client,
which sends it as "Authorization: Bearer <token>".

Examples:
  talesync token --user-id u-7f3a --user-name "Ada" --ttl 720h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user-id")
		userName, _ := cmd.Flags().GetString("user-name")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		if userID == "" {
			return fmt.Errorf("--user-id is required")
		}
		if userName == "" {
			return fmt.Errorf("--user-name is required")
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		tok := token.NewService(cfg.Auth.TokenSecret).IssueSession(userID, userName, ttl)
		fmt.Println(tok)
		printSuccess("Session token for %s (%s) valid for %s", userName, userID, ttl)
		return nil
	},
}

func init() {
	tokenCmd.Flags().String("user-id", "", "stable user identifier")
	tokenCmd.Flags().String("user-name", "", "display name embedded in the token")
	tokenCmd.Flags().Duration("ttl", 30*24*time.Hour, "token lifetime")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
