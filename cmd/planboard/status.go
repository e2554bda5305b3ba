package main

import (
	"fmt"
	"time"

	planboard "github.com/planboard/planboard-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and session status",
	Long:  "Display the configured base URL and whether the stored access token is still valid.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL: %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set, using default)"))

		fmt.Println()
		fmt.Println("Session:")
		if cfg.Auth.AccessToken == "" {
			fmt.Println("  Not logged in.")
			return nil
		}

		fmt.Printf("  Username:     %s\n", valueOrDefault(cfg.Auth.Username, "(unknown)"))
		fmt.Printf("  Access token: %s\n", maskToken(cfg.Auth.AccessToken))

		if subject, err := planboard.TokenSubject(cfg.Auth.AccessToken); err == nil {
			fmt.Printf("  User ID:      %s\n", subject)
		}

		expiry, err := planboard.TokenExpiry(cfg.Auth.AccessToken)
		switch {
		case err != nil:
			fmt.Printf("  Expiry:       unknown (%v)\n", err)
		case time.Now().After(expiry):
			fmt.Printf("  Expiry:       expired %s ago (will auto-refresh on next request)\n",
				time.Since(expiry).Round(time.Second))
		default:
			fmt.Printf("  Expiry:       in %s\n", time.Until(expiry).Round(time.Second))
		}
		return nil
	},
}
