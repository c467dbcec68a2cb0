package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/matheus3301/relay/internal/client"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
)

var watchPrefix string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream daemon events until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		c, err := connect()
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		stream, err := c.WatchEvents(ctx, watchPrefix)
		if err != nil {
			return err
		}
		for {
			evt, err := stream.Recv()
			if err != nil {
				if ctx.Err() != nil || client.IsEOF(err) {
					return nil
				}
				return err
			}
			if jsonFlag {
				outputJSON(evt)
				continue
			}
			fmt.Printf("%s %-24s %s\n", evt.Timestamp, evt.Kind, evt.Payload)
		}
	},
}

var pairCmd = &cobra.Command{
	Use:   "pair",
	Short: "Link the WhatsApp device by scanning QR codes",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		c, err := connect()
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		stream, err := c.StartPairing(ctx)
		if err != nil {
			return err
		}
		for {
			step, err := stream.Recv()
			if err != nil {
				if client.IsEOF(err) {
					return nil
				}
				return err
			}
			switch step.Kind {
			case "code":
				fmt.Println(renderQR(step.Code))
				fmt.Println("Scan with WhatsApp > Linked devices. Waiting...")
			case "success":
				fmt.Println("Device paired.")
				return nil
			default:
				return fmt.Errorf("pairing %s: %s", step.Kind, step.Detail)
			}
		}
	},
}

func renderQR(content string) string {
	qr, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		return "(QR generation failed: " + err.Error() + ")\n" + content
	}
	return qr.ToSmallString(false)
}

func init() {
	watchCmd.Flags().StringVar(&watchPrefix, "prefix", "", "only events whose kind starts with this prefix")
}
