package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/matheus3301/relay/internal/client"
	"github.com/matheus3301/relay/internal/session"
	"github.com/spf13/cobra"
)

var (
	instanceFlag string
	jsonFlag     bool
	timeoutFlag  time.Duration
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "relayctl",
	Short: "Control a running relayd instance",
	Long: `relayctl talks to relayd over the instance control socket.

Examples:
  relayctl status
  relayctl send 5511999999999@s.whatsapp.net "hello"
  relayctl watch --prefix relay.
  relayctl pair`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&instanceFlag, "instance", "", "instance name (overrides config default)")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().DurationVar(&timeoutFlag, "timeout", 10*time.Second, "timeout for unary calls")

	rootCmd.AddCommand(statusCmd, partiesCmd, messagesCmd, sendCmd, deleteCmd, clearCmd, watchCmd, pairCmd)
}

// connect resolves the instance and dials its control socket.
func connect() (*client.Client, error) {
	instance := session.Resolve(instanceFlag)
	if err := session.ValidateName(instance); err != nil {
		return nil, err
	}
	c, err := client.New(session.SocketPath(instance))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to daemon for instance %q: %w", instance, err)
	}
	return c, nil
}

// withClient runs fn with a connected client and a bounded context.
func withClient(fn func(ctx context.Context, c *client.Client) error) error {
	c, err := connect()
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), timeoutFlag)
	defer cancel()
	return fn(ctx, c)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
