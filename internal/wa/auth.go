package wa

import (
	"context"
	"fmt"

	"github.com/matheus3301/relay/internal/transport"
)

// Pair begins the QR pairing flow. The channel yields one event per QR code
// and closes after a terminal event (success, timeout or error).
func (a *Adapter) Pair(ctx context.Context) (<-chan transport.PairingEvent, error) {
	if a.IsLoggedIn() {
		return nil, transport.ErrAlreadyPaired
	}
	qrChan, err := a.client.GetQRChannel(ctx)
	if err != nil {
		return nil, fmt.Errorf("get QR channel: %w", err)
	}

	out := make(chan transport.PairingEvent, 10)
	go func() {
		defer close(out)

		// Connect must be called after GetQRChannel.
		_ = a.machine.Transition(Connecting)
		if err := a.client.Connect(); err != nil {
			_ = a.machine.Transition(AuthRequired)
			out <- transport.PairingEvent{Kind: "error", Detail: err.Error()}
			return
		}

		for item := range qrChan {
			switch item.Event {
			case "code":
				out <- transport.PairingEvent{Kind: "code", Code: item.Code}
			case "success":
				a.logger.Info("WhatsApp pairing succeeded")
				out <- transport.PairingEvent{Kind: "success"}
				return
			case "timeout":
				_ = a.machine.Transition(AuthRequired)
				out <- transport.PairingEvent{Kind: "timeout", Detail: "QR code timeout"}
				return
			default:
				if item.Error != nil {
					_ = a.machine.Transition(AuthRequired)
					out <- transport.PairingEvent{Kind: "error", Detail: item.Error.Error()}
					return
				}
			}
		}
	}()
	return out, nil
}
