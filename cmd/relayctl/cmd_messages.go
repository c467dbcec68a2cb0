package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/relay/internal/client"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show instance status",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			st, err := c.GetStatus(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(st)
				return nil
			}
			fmt.Printf("Instance:    %s\n", st.Instance)
			fmt.Printf("Transport:   %s\n", st.Transport)
			if st.LinkState != "" {
				fmt.Printf("Link:        %s\n", st.LinkState)
			}
			fmt.Printf("Uptime:      %s\n", (time.Duration(st.UptimeMs) * time.Millisecond).Round(time.Second))
			fmt.Printf("Messages:    %d in %d conversations\n", st.Messages, st.Parties)
			fmt.Printf("Connections: %d\n", st.Connections)
			return nil
		})
	},
}

var partiesCmd = &cobra.Command{
	Use:   "parties",
	Short: "List conversations, most recent first",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			parties, err := c.ListParties(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(parties)
				return nil
			}
			if len(parties) == 0 {
				fmt.Println("No conversations.")
				return nil
			}
			for _, p := range parties {
				fmt.Printf("%-32s %-24s %4d  %s\n", p.ID, p.Name, p.Messages, p.LastMessageAt)
			}
			return nil
		})
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages <party>",
	Short: "Show the conversation with a party",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			msgs, err := c.ListMessages(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(msgs)
				return nil
			}
			for _, m := range msgs {
				body := m.Text
				if m.MediaKind != "" {
					body = strings.TrimSpace("[" + m.MediaKind + "] " + body)
				}
				fmt.Printf("#%-6d %s %-5s %-12s %-9s %s\n", m.ID, m.CreatedAt, m.From, m.SenderName, m.Status, body)
			}
			return nil
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <party> <text...>",
	Short: "Send a text message as the operator",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			res, err := c.SendText(ctx, args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(res)
				return nil
			}
			if !res.Delivered {
				return fmt.Errorf("message #%d recorded as %s: %s", res.Message.ID, res.Message.Status, res.Error)
			}
			fmt.Printf("Message #%d %s\n", res.Message.ID, res.Message.Status)
			return nil
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <message-id>",
	Short: "Delete a message locally and at the provider",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid message id %q", args[0])
		}
		return withClient(func(ctx context.Context, c *client.Client) error {
			if err := c.DeleteMessage(ctx, id); err != nil {
				return err
			}
			fmt.Printf("Message #%d deleted\n", id)
			return nil
		})
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear <party>",
	Short: "Delete every message of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			res, err := c.ClearConversation(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(res)
				return nil
			}
			fmt.Printf("%d messages deleted\n", len(res.Deleted))
			if res.TransportError != "" {
				fmt.Printf("Some remote deletes failed: %s\n", res.TransportError)
			}
			return nil
		})
	},
}
