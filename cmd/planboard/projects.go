package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(projectsCmd)
	projectsCmd.AddCommand(projectsListCmd)
	projectsCmd.AddCommand(projectsGetCmd)
	rootCmd.AddCommand(searchCmd)
}

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "Browse projects",
}

var projectsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getAuthedClient()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		page, err := client.Projects.List(ctx, nil)
		if err != nil {
			return fmt.Errorf("list projects: %w", err)
		}
		persistTokens(client, cfg)

		fmt.Printf("%d project(s):\n", page.Count)
		for _, p := range page.Results {
			owner := ""
			if p.Owner != nil {
				owner = " — " + p.Owner.Username
			}
			fmt.Printf("  #%-5d %-40s %s (%d%%)%s\n", p.ID, p.Title, p.Status, p.Progress, owner)
		}
		return nil
	},
}

var projectsGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid project id %q", args[0])
		}

		client, cfg := getAuthedClient()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		p, err := client.Projects.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("get project: %w", err)
		}
		persistTokens(client, cfg)

		fmt.Printf("#%d %s\n", p.ID, p.Title)
		fmt.Printf("  Status:   %s (health: %s, progress: %d%%)\n", p.Status, p.Health, p.Progress)
		if p.Owner != nil {
			fmt.Printf("  Owner:    %s\n", p.Owner.Username)
		}
		if p.Description != "" {
			fmt.Printf("  About:    %s\n", p.Description)
		}
		if p.StartDate != "" || p.EndDate != "" {
			fmt.Printf("  Schedule: %s — %s\n", valueOrDefault(p.StartDate, "?"), valueOrDefault(p.EndDate, "?"))
		}
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search projects, milestones, and comments",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getAuthedClient()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		page, err := client.Search.Query(ctx, args[0], nil)
		if err != nil {
			return fmt.Errorf("search: %w", err)
		}
		persistTokens(client, cfg)

		fmt.Printf("%d result(s):\n", page.Count)
		for _, r := range page.Results {
			fmt.Printf("  [%s] %s\n", r.Type, string(r.Data))
		}
		return nil
	},
}
