package telegram

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/matheus3301/relay/internal/bus"
	"github.com/matheus3301/relay/internal/media"
	"github.com/matheus3301/relay/internal/transport"
)

// ParseUpdate converts a webhook update into a relay inbound message. ok is
// false for updates the relay ignores: non-message updates, bot authors and
// messages with neither text nor supported media.
func ParseUpdate(u *Update) (transport.Inbound, bool) {
	m := u.Message
	if m == nil || (m.From != nil && m.From.IsBot) {
		return transport.Inbound{}, false
	}
	in := transport.Inbound{
		Party:      strconv.FormatInt(m.Chat.ID, 10),
		SenderName: m.From.DisplayName(),
		Text:       m.Text,
		Handle:     strconv.FormatInt(m.MessageID, 10),
		At:         time.Unix(m.Date, 0).UTC(),
	}
	switch {
	case len(m.Photo) > 0:
		in.MediaKind, in.MediaRef = media.Photo, largestPhoto(m.Photo).FileID
	case m.Video != nil:
		in.MediaKind, in.MediaRef = media.Video, m.Video.FileID
	case m.Voice != nil:
		in.MediaKind, in.MediaRef = media.Voice, m.Voice.FileID
	case m.Audio != nil:
		in.MediaKind, in.MediaRef = media.Audio, m.Audio.FileID
	case m.Document != nil:
		in.MediaKind, in.MediaRef = media.Document, m.Document.FileID
	}
	if in.MediaRef != "" {
		in.Text = m.Caption
	}
	return in, in.Text != "" || in.MediaRef != ""
}

// HandleWebhook decodes one update and publishes it for the relay engine.
// It blocks until the engine accepted the message or ctx is done.
func (c *Client) HandleWebhook(ctx context.Context, body []byte) error {
	var u Update
	if err := json.Unmarshal(body, &u); err != nil {
		return transport.Errorf("webhook", transport.KindInvalid, "decode update: %v", err)
	}
	in, ok := ParseUpdate(&u)
	if !ok {
		return nil
	}
	return c.bus.PublishWait(ctx, bus.Event{Kind: bus.KindTransportMessage, Payload: in})
}
