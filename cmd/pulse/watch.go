package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/pulse/pkg/client"
	"github.com/cuemby/pulse/pkg/types"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch --token TOKEN",
	Short: "Connect to a pulse server and print pushed messages",
	Long: `Connect to a pulse server, optionally follow businesses and set a
refresh interval, and print every message received as a JSON line.

Examples:
  pulse watch --token $TOKEN --interval 10
  pulse watch --server https://pulse.example.com --token $TOKEN \
    --user 7 --business 42 --business 43`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().String("server", "http://localhost:8080", "Pulse server URL")
	watchCmd.Flags().String("token", "", "Access token")
	watchCmd.Flags().String("user", "", "Your user id, required with --business")
	watchCmd.Flags().StringSlice("business", nil, "Business ids to follow")
	watchCmd.Flags().Int("interval", 0, "Refresh interval in seconds (0 disables pushes)")
	watchCmd.Flags().Duration("keepalive", 5*time.Minute, "Ping interval keeping the connection from being swept as idle (0 disables)")
	_ = watchCmd.MarkFlagRequired("token")

	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	server, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("token")
	userID, _ := cmd.Flags().GetString("user")
	businesses, _ := cmd.Flags().GetStringSlice("business")
	interval, _ := cmd.Flags().GetInt("interval")
	keepalive, _ := cmd.Flags().GetDuration("keepalive")

	if len(businesses) > 0 && userID == "" {
		return fmt.Errorf("--user is required with --business")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := client.Dial(ctx, server, token, client.WithKeepalive(keepalive))
	if err != nil {
		return err
	}
	defer c.Close()

	for _, bid := range businesses {
		if err := c.JoinBusiness(bid, userID); err != nil {
			return err
		}
	}
	if interval > 0 {
		if err := c.SetRefreshInterval(interval); err != nil {
			return err
		}
	}

	enc := json.NewEncoder(os.Stdout)
	for {
		select {
		case msg, ok := <-c.Messages():
			if !ok {
				return c.Err()
			}
			if msg.Type == types.MessagePong {
				continue
			}
			if err := enc.Encode(msg); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}
