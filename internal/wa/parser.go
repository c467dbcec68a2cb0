package wa

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/matheus3301/relay/internal/media"
	"github.com/matheus3301/relay/internal/transport"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// mediaDescriptor is everything whatsmeow needs to download or re-send a
// media attachment. It travels through the relay as an opaque reference.
type mediaDescriptor struct {
	Kind       media.Kind `json:"k"`
	DirectPath string     `json:"p"`
	URL        string     `json:"u,omitempty"`
	MediaKey   []byte     `json:"mk"`
	EncHash    []byte     `json:"eh"`
	FileHash   []byte     `json:"fh"`
	Length     uint64     `json:"l"`
	MimeType   string     `json:"m,omitempty"`
	FileName   string     `json:"n,omitempty"`
}

func encodeRef(d mediaDescriptor) string {
	raw, _ := json.Marshal(d)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeRef(ref string) (mediaDescriptor, error) {
	var d mediaDescriptor
	raw, err := base64.RawURLEncoding.DecodeString(ref)
	if err != nil {
		return d, fmt.Errorf("decode media ref: %w", err)
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return d, fmt.Errorf("decode media ref: %w", err)
	}
	if d.DirectPath == "" || !d.Kind.Valid() {
		return d, fmt.Errorf("incomplete media ref")
	}
	return d, nil
}

func mediaType(k media.Kind) whatsmeow.MediaType {
	switch k {
	case media.Photo:
		return whatsmeow.MediaImage
	case media.Video:
		return whatsmeow.MediaVideo
	case media.Voice, media.Audio:
		return whatsmeow.MediaAudio
	default:
		return whatsmeow.MediaDocument
	}
}

// downloadable is implemented by every whatsmeow media message type.
type downloadable interface {
	GetDirectPath() string
	GetURL() string
	GetMediaKey() []byte
	GetFileEncSHA256() []byte
	GetFileSHA256() []byte
	GetFileLength() uint64
	GetMimetype() string
}

func describe(kind media.Kind, m downloadable, fileName string) string {
	return encodeRef(mediaDescriptor{
		Kind:       kind,
		DirectPath: m.GetDirectPath(),
		URL:        m.GetURL(),
		MediaKey:   m.GetMediaKey(),
		EncHash:    m.GetFileEncSHA256(),
		FileHash:   m.GetFileSHA256(),
		Length:     m.GetFileLength(),
		MimeType:   m.GetMimetype(),
		FileName:   fileName,
	})
}

func extractTextBody(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if c := msg.GetConversation(); c != "" {
		return c
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	return ""
}

// extractMedia returns the caption, kind and reference of a media message.
// ok is false when msg carries no supported media.
func extractMedia(msg *waE2E.Message) (caption string, kind media.Kind, ref string, ok bool) {
	if msg == nil {
		return "", "", "", false
	}
	switch {
	case msg.GetImageMessage() != nil:
		m := msg.GetImageMessage()
		return m.GetCaption(), media.Photo, describe(media.Photo, m, ""), true
	case msg.GetVideoMessage() != nil:
		m := msg.GetVideoMessage()
		return m.GetCaption(), media.Video, describe(media.Video, m, ""), true
	case msg.GetAudioMessage() != nil:
		m := msg.GetAudioMessage()
		kind := media.Audio
		if m.GetPTT() {
			kind = media.Voice
		}
		return "", kind, describe(kind, m, ""), true
	case msg.GetDocumentMessage() != nil:
		m := msg.GetDocumentMessage()
		return m.GetCaption(), media.Document, describe(media.Document, m, m.GetFileName()), true
	}
	return "", "", "", false
}

// normalizeJID strips the device part so every device of a user maps to one party.
func normalizeJID(jid types.JID) types.JID {
	return jid.ToNonAD()
}

// ParseReport converts a receipt for our own messages into a relay report.
// ok is false for receipts from our other devices and for receipt types that
// say nothing about delivery.
func ParseReport(evt *events.Receipt) (transport.Report, bool) {
	if evt == nil || evt.IsFromMe || evt.Chat.Server == types.BroadcastServer || len(evt.MessageIDs) == 0 {
		return transport.Report{}, false
	}
	r := transport.Report{Party: normalizeJID(evt.Chat).String(), At: evt.Timestamp}
	switch evt.Type {
	case types.ReceiptTypeDelivered:
	case types.ReceiptTypeRead, types.ReceiptTypePlayed:
		r.Read = true
	default:
		return transport.Report{}, false
	}
	r.Handles = make([]string, len(evt.MessageIDs))
	for i, id := range evt.MessageIDs {
		r.Handles[i] = string(id)
	}
	return r, true
}

// ParseInbound converts a live whatsmeow message into a relay inbound
// message. ok is false for messages the relay does not forward: our own
// messages, status broadcasts and messages with neither text nor supported media.
func ParseInbound(evt *events.Message) (transport.Inbound, bool) {
	if evt == nil || evt.Info.IsFromMe || evt.Info.Chat.Server == types.BroadcastServer {
		return transport.Inbound{}, false
	}
	in := transport.Inbound{
		Party:      normalizeJID(evt.Info.Chat).String(),
		SenderName: evt.Info.PushName,
		Handle:     evt.Info.ID,
		At:         evt.Info.Timestamp,
	}
	if in.SenderName == "" {
		in.SenderName = evt.Info.Sender.User
	}
	if caption, kind, ref, ok := extractMedia(evt.Message); ok {
		in.Text, in.MediaKind, in.MediaRef = caption, kind, ref
		return in, true
	}
	in.Text = extractTextBody(evt.Message)
	return in, in.Text != ""
}
