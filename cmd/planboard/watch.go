package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	planboard "github.com/planboard/planboard-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch [project-id...]",
	Short: "Stream live updates",
	Long:  "Connect to the realtime notification stream, subscribe to the given project topics, and print events until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		var projectIDs []int64
		for _, arg := range args {
			id, err := strconv.ParseInt(arg, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid project id %q", arg)
			}
			projectIDs = append(projectIDs, id)
		}

		client, cfg := getAuthedClient()
		rt := client.Realtime(nil)

		rt.On("notification_received", func(ev planboard.Event) {
			n, err := ev.Notification()
			if err != nil {
				return
			}
			actor := ""
			if n.Actor != nil {
				actor = " by " + n.Actor.Username
			}
			fmt.Printf("[%s] %s: %s%s\n", n.Timestamp, n.Title, n.Message, actor)
		})

		projectEvent := func(ev planboard.Event) {
			p, err := ev.ProjectEvent()
			if err != nil {
				return
			}
			fmt.Printf("[%s] project %d: %s (%s)\n", p.Timestamp, p.ProjectID, ev.Type, p.EventType)
		}
		for _, t := range []string{"project_updated", "milestone_changed", "team_member_changed", "comment_changed"} {
			rt.On(t, projectEvent)
		}

		rt.On("error", func(ev planboard.Event) {
			e, err := ev.Err()
			if err != nil {
				return
			}
			if e.Permanent {
				fmt.Fprintf(os.Stderr, "connection lost for good: %s\n", e.Message)
				return
			}
			fmt.Fprintf(os.Stderr, "connection error: %s\n", e.Message)
		})
		rt.On("reconnecting", func(planboard.Event) {
			fmt.Fprintln(os.Stderr, "reconnecting...")
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := rt.Connect(dialCtx, "")
		cancel()
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer rt.Disconnect()
		persistTokens(client, cfg)

		for _, id := range projectIDs {
			rt.Subscribe(id)
			fmt.Printf("Subscribed to project %d\n", id)
		}
		fmt.Println("Watching for updates. Press Ctrl-C to stop.")

		<-ctx.Done()
		fmt.Println("\nBye.")
		return nil
	},
}
