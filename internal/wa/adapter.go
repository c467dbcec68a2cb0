package wa

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/matheus3301/relay/internal/bus"
	"github.com/matheus3301/relay/internal/media"
	"github.com/matheus3301/relay/internal/transport"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3"
)

// Name is the transport name reported in metrics and status.
const Name = "whatsapp"

// Adapter wraps the whatsmeow client and implements the relay transport.
type Adapter struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	machine   *LinkMachine
	logger    *zap.Logger
}

// NewAdapter opens the device store at sessionDBPath and creates a client
// whose events are published on b.
func NewAdapter(ctx context.Context, sessionDBPath string, b *bus.Bus, logger *zap.Logger) (*Adapter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	// Set device name shown on the phone's linked devices list.
	wastore.SetOSInfo("Relay", [3]uint32{0, 1, 0})

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", sessionDBPath),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create session store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("get device store: %w", err)
	}

	a := &Adapter{
		client:    whatsmeow.NewClient(deviceStore, nil),
		container: container,
		machine:   NewLinkMachine(b),
		logger:    logger.Named("wa"),
	}
	a.client.AddEventHandler(NewEventHandler(b, a.machine, a, a.logger).Handle)
	return a, nil
}

// Name implements transport.Transport.
func (a *Adapter) Name() string { return Name }

// IsLoggedIn returns whether the adapter has valid credentials.
func (a *Adapter) IsLoggedIn() bool {
	return a.client.Store.ID != nil
}

// State implements transport.Link.
func (a *Adapter) State() string {
	return string(a.machine.Current())
}

// Connect starts the WhatsApp connection. Without stored credentials it only
// records that pairing is required.
func (a *Adapter) Connect(_ context.Context) error {
	if !a.IsLoggedIn() {
		a.logger.Info("no WhatsApp credentials, pairing required")
		_ = a.machine.Transition(AuthRequired)
		return nil
	}
	_ = a.machine.Transition(Connecting)
	a.logger.Info("connecting to WhatsApp")
	if err := a.client.Connect(); err != nil {
		_ = a.machine.Transition(Disconnected)
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

// Disconnect terminates the WhatsApp connection and closes the device store.
func (a *Adapter) Disconnect() {
	a.logger.Info("disconnecting from WhatsApp")
	a.client.Disconnect()
	if err := a.container.Close(); err != nil {
		a.logger.Warn("close session store", zap.Error(err))
	}
}

// PhoneNumber returns the phone number from the device store, or empty string.
func (a *Adapter) PhoneNumber() string {
	if a.client.Store.ID == nil {
		return ""
	}
	return a.client.Store.ID.User
}

// ResolveLID resolves a LID JID to its phone number JID using the device store mapping.
// Returns the original JID if it's not a LID or if resolution fails.
func (a *Adapter) ResolveLID(ctx context.Context, jid types.JID) types.JID {
	if jid.Server != types.HiddenUserServer && jid.Server != types.HostedLIDServer {
		return jid
	}
	if a == nil || a.client == nil || a.client.Store == nil || a.client.Store.LIDs == nil {
		return jid
	}
	pn, err := a.client.Store.LIDs.GetPNForLID(ctx, jid)
	if err != nil || pn.IsEmpty() {
		return jid
	}
	return pn
}

// classify turns a whatsmeow error into a transport error.
func classify(op string, err error) error {
	kind := transport.KindRejected
	switch {
	case errors.Is(err, whatsmeow.ErrNotConnected), errors.Is(err, whatsmeow.ErrNotLoggedIn):
		kind = transport.KindUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		kind = transport.KindTimeout
	}
	return &transport.Error{Op: op, Kind: kind, Err: err}
}

func parseParty(op, party string) (types.JID, error) {
	jid, err := types.ParseJID(party)
	if err != nil {
		return types.EmptyJID, &transport.Error{Op: op, Kind: transport.KindInvalid, Err: fmt.Errorf("parse JID: %w", err)}
	}
	return jid, nil
}

// buildMessage turns relay content into a whatsmeow message. Audio cannot
// carry a caption, so it is returned separately to be sent as text.
func buildMessage(c transport.Content) (*waE2E.Message, string, error) {
	if c.MediaRef == "" {
		return &waE2E.Message{Conversation: proto.String(c.Text)}, "", nil
	}
	d, err := decodeRef(c.MediaRef)
	if err != nil {
		return nil, "", err
	}
	var caption *string
	if c.Text != "" {
		caption = proto.String(c.Text)
	}
	kind := c.MediaKind
	if kind == "" {
		kind = d.Kind
	}
	switch kind {
	case media.Photo:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			URL: proto.String(d.URL), DirectPath: proto.String(d.DirectPath),
			MediaKey: d.MediaKey, FileEncSHA256: d.EncHash, FileSHA256: d.FileHash,
			FileLength: proto.Uint64(d.Length), Mimetype: proto.String(d.MimeType),
			Caption: caption,
		}}, "", nil
	case media.Video:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			URL: proto.String(d.URL), DirectPath: proto.String(d.DirectPath),
			MediaKey: d.MediaKey, FileEncSHA256: d.EncHash, FileSHA256: d.FileHash,
			FileLength: proto.Uint64(d.Length), Mimetype: proto.String(d.MimeType),
			Caption: caption,
		}}, "", nil
	case media.Voice, media.Audio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			URL: proto.String(d.URL), DirectPath: proto.String(d.DirectPath),
			MediaKey: d.MediaKey, FileEncSHA256: d.EncHash, FileSHA256: d.FileHash,
			FileLength: proto.Uint64(d.Length), Mimetype: proto.String(d.MimeType),
			PTT: proto.Bool(kind == media.Voice),
		}}, c.Text, nil
	default:
		name := d.FileName
		if name == "" {
			name = "file"
		}
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			URL: proto.String(d.URL), DirectPath: proto.String(d.DirectPath),
			MediaKey: d.MediaKey, FileEncSHA256: d.EncHash, FileSHA256: d.FileHash,
			FileLength: proto.Uint64(d.Length), Mimetype: proto.String(d.MimeType),
			FileName: proto.String(name), Caption: caption,
		}}, "", nil
	}
}

// Send implements transport.Transport. The handle is the WhatsApp message id.
func (a *Adapter) Send(ctx context.Context, party string, c transport.Content) (transport.Receipt, error) {
	to, err := parseParty("send", party)
	if err != nil {
		return transport.Receipt{}, err
	}
	msg, followUp, err := buildMessage(c)
	if err != nil {
		return transport.Receipt{}, &transport.Error{Op: "send", Kind: transport.KindInvalid, Err: err}
	}
	resp, err := a.client.SendMessage(ctx, to, msg)
	if err != nil {
		return transport.Receipt{}, classify("send", err)
	}
	if followUp != "" {
		if _, err := a.client.SendMessage(ctx, to, &waE2E.Message{Conversation: proto.String(followUp)}); err != nil {
			a.logger.Warn("caption follow-up failed", zap.String("party", party), zap.Error(err))
		}
	}
	return transport.Receipt{Handle: resp.ID}, nil
}

// Delete implements transport.Transport by revoking the message for everyone.
func (a *Adapter) Delete(ctx context.Context, party, handle string) error {
	chat, err := parseParty("delete", party)
	if err != nil {
		return err
	}
	revoke := a.client.BuildRevoke(chat, types.EmptyJID, types.MessageID(handle))
	if _, err := a.client.SendMessage(ctx, chat, revoke); err != nil {
		return classify("delete", err)
	}
	return nil
}

// FetchMedia implements transport.Transport.
func (a *Adapter) FetchMedia(ctx context.Context, ref string) (transport.Media, error) {
	d, err := decodeRef(ref)
	if err != nil {
		return transport.Media{}, &transport.Error{Op: "fetch_media", Kind: transport.KindInvalid, Err: err}
	}
	data, err := a.client.DownloadMediaWithPath(ctx, d.DirectPath, d.EncHash, d.FileHash, d.MediaKey, int(d.Length), mediaType(d.Kind), "")
	if err != nil {
		return transport.Media{}, classify("fetch_media", err)
	}
	mime := d.MimeType
	if mime == "" {
		mime, _ = media.Detect(data)
	}
	return transport.Media{Data: data, MimeType: mime}, nil
}

// Upload implements transport.Transport. The returned reference embeds the
// upload keys so the file can be sent without uploading again.
func (a *Adapter) Upload(ctx context.Context, u transport.Upload) (string, error) {
	resp, err := a.client.Upload(ctx, u.Data, mediaType(u.Kind))
	if err != nil {
		return "", classify("upload", err)
	}
	return encodeRef(mediaDescriptor{
		Kind:       u.Kind,
		DirectPath: resp.DirectPath,
		URL:        resp.URL,
		MediaKey:   resp.MediaKey,
		EncHash:    resp.FileEncSHA256,
		FileHash:   resp.FileSHA256,
		Length:     resp.FileLength,
		MimeType:   strings.TrimSpace(u.MimeType),
		FileName:   u.FileName,
	}), nil
}
