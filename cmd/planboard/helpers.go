package main

import (
	"fmt"
	"os"

	planboard "github.com/planboard/planboard-go"
)

// getClient creates a Planboard client from the stored configuration. The
// saved token pair, if any, is loaded into the client's credential store.
func getClient() (*planboard.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	creds := planboard.NewMemoryCredentials()
	if cfg.Auth.AccessToken != "" {
		creds.SetTokens(cfg.Auth.AccessToken, cfg.Auth.RefreshToken)
	}

	client := planboard.NewClient(cfg.Default.BaseURL, planboard.WithCredentials(creds))
	return client, cfg
}

// getAuthedClient is getClient but exits when no session is stored.
func getAuthedClient() (*planboard.Client, *Config) {
	client, cfg := getClient()
	if cfg.Auth.AccessToken == "" {
		fmt.Fprintln(os.Stderr, "Not logged in. Run 'planboard login <username>' first.")
		os.Exit(1)
	}
	return client, cfg
}

// persistTokens writes the client's current token pair back to the config
// file so refreshed tokens survive across invocations.
func persistTokens(client *planboard.Client, cfg *Config) {
	creds := client.Credentials()
	if creds.AccessToken() == cfg.Auth.AccessToken && creds.RefreshToken() == cfg.Auth.RefreshToken {
		return
	}
	cfg.Auth.AccessToken = creds.AccessToken()
	cfg.Auth.RefreshToken = creds.RefreshToken()
	if err := saveConfig(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not persist refreshed tokens: %v\n", err)
	}
}

// maskToken shortens a token for display.
func maskToken(token string) string {
	if len(token) <= 12 {
		return "****"
	}
	return token[:6] + "..." + token[len(token)-4:]
}

func valueOrDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
