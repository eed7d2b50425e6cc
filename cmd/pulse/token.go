package main

import (
	"fmt"
	"time"

	"github.com/cuemby/pulse/pkg/auth"
	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token --user USER_ID",
	Short: "Issue an access token for local testing",
	Long: `Issue an HS256 access token signed with the configured secret.

Tokens are normally minted by the platform's auth service; this command
exists for development and smoke tests.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		userID, _ := cmd.Flags().GetString("user")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		resolver, err := auth.NewResolver(cfg.Auth.Secret, cfg.Auth.Issuer)
		if err != nil {
			return err
		}
		token, err := resolver.Issue(userID, ttl)
		if err != nil {
			return fmt.Errorf("failed to sign token: %w", err)
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().String("user", "", "User id (token subject)")
	tokenCmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	_ = tokenCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(tokenCmd)
}
