// Package telegram implements the relay transport on the Telegram Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/matheus3301/relay/internal/bus"
	"github.com/matheus3301/relay/internal/media"
	"github.com/matheus3301/relay/internal/transport"
	"go.uber.org/zap"
)

// Name is the transport name reported in metrics and status.
const Name = "telegram"

// DefaultAPIBase is the public Bot API endpoint.
const DefaultAPIBase = "https://api.telegram.org"

// Config configures the Bot API client.
type Config struct {
	Token   string
	APIBase string
	// StagingChatID receives uploads so Telegram assigns them a file id.
	StagingChatID string
}

// Client is a Bot API client implementing transport.Transport.
type Client struct {
	http     *resty.Client
	fileBase string
	staging  string
	bus      *bus.Bus
	logger   *zap.Logger
}

// NewClient creates a Bot API client. Inbound webhook updates are published on b.
func NewClient(cfg Config, b *bus.Bus, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := strings.TrimRight(cfg.APIBase, "/")
	if base == "" {
		base = DefaultAPIBase
	}
	return &Client{
		http: resty.New().
			SetBaseURL(base+"/bot"+cfg.Token).
			SetHeader("User-Agent", "relay/1.0").
			SetTimeout(60 * time.Second),
		fileBase: base + "/file/bot" + cfg.Token,
		staging:  cfg.StagingChatID,
		bus:      b,
		logger:   logger.Named("telegram"),
	}
}

// Name implements transport.Transport.
func (c *Client) Name() string { return Name }

func requestError(op string, err error) error {
	kind := transport.KindUnavailable
	if errors.Is(err, context.DeadlineExceeded) {
		kind = transport.KindTimeout
	}
	return &transport.Error{Op: op, Kind: kind, Err: err}
}

// apiError classifies a Bot API failure. Rate limits and server errors are
// unavailability; everything else means Telegram refused the request.
func apiError(op string, status int, env envelope) error {
	code := env.ErrorCode
	if code == 0 {
		code = status
	}
	kind := transport.KindRejected
	if code == http.StatusTooManyRequests || code >= 500 || code == http.StatusUnauthorized {
		kind = transport.KindUnavailable
	}
	desc := env.Description
	if desc == "" {
		desc = http.StatusText(code)
	}
	return &transport.Error{Op: op, Kind: kind, Err: fmt.Errorf("bot api %d: %s", code, desc)}
}

func (c *Client) finish(op string, resp *resty.Response, err error, env envelope, out any) error {
	if err != nil {
		return requestError(op, err)
	}
	if resp.IsError() || !env.OK {
		return apiError(op, resp.StatusCode(), env)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return &transport.Error{Op: op, Kind: transport.KindRejected, Err: fmt.Errorf("decode result: %w", err)}
	}
	return nil
}

// call posts a JSON request to a Bot API method and decodes the result into out.
func (c *Client) call(ctx context.Context, op, method string, body, out any) error {
	var env envelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		SetResult(&env).
		SetError(&env).
		Post("/" + method)
	return c.finish(op, resp, err, env, out)
}

// sendMethod returns the Bot API method and field that send a file of kind.
func sendMethod(kind media.Kind) (method, field string) {
	switch kind {
	case media.Photo:
		return "sendPhoto", "photo"
	case media.Video:
		return "sendVideo", "video"
	case media.Voice:
		return "sendVoice", "voice"
	case media.Audio:
		return "sendAudio", "audio"
	default:
		return "sendDocument", "document"
	}
}

// fileID extracts the file id of the attachment of kind from a sent message.
func fileID(m *Message, kind media.Kind) string {
	switch kind {
	case media.Photo:
		return largestPhoto(m.Photo).FileID
	case media.Video:
		if m.Video != nil {
			return m.Video.FileID
		}
	case media.Voice:
		if m.Voice != nil {
			return m.Voice.FileID
		}
	case media.Audio:
		if m.Audio != nil {
			return m.Audio.FileID
		}
	default:
		if m.Document != nil {
			return m.Document.FileID
		}
	}
	return ""
}

func parseChatID(op, party string) (int64, error) {
	id, err := strconv.ParseInt(party, 10, 64)
	if err != nil {
		return 0, &transport.Error{Op: op, Kind: transport.KindInvalid, Err: fmt.Errorf("chat id %q: %w", party, err)}
	}
	return id, nil
}

// Send implements transport.Transport. The handle is the Telegram message id
// and media references are Telegram file ids.
func (c *Client) Send(ctx context.Context, party string, content transport.Content) (transport.Receipt, error) {
	chatID, err := parseChatID("send", party)
	if err != nil {
		return transport.Receipt{}, err
	}
	var sent Message
	if content.MediaRef == "" {
		err = c.call(ctx, "send", "sendMessage", map[string]any{"chat_id": chatID, "text": content.Text}, &sent)
	} else {
		method, field := sendMethod(content.MediaKind)
		body := map[string]any{"chat_id": chatID, field: content.MediaRef}
		if content.Text != "" {
			body["caption"] = content.Text
		}
		err = c.call(ctx, "send", method, body, &sent)
	}
	if err != nil {
		return transport.Receipt{}, err
	}
	r := transport.Receipt{Handle: strconv.FormatInt(sent.MessageID, 10)}
	if content.MediaRef != "" {
		if id := fileID(&sent, content.MediaKind); id != "" && id != content.MediaRef {
			r.MediaRef = id
		}
	}
	return r, nil
}

// Delete implements transport.Transport.
func (c *Client) Delete(ctx context.Context, party, handle string) error {
	chatID, err := parseChatID("delete", party)
	if err != nil {
		return err
	}
	msgID, err := strconv.ParseInt(handle, 10, 64)
	if err != nil {
		return &transport.Error{Op: "delete", Kind: transport.KindInvalid, Err: fmt.Errorf("message id %q: %w", handle, err)}
	}
	return c.call(ctx, "delete", "deleteMessage", map[string]any{"chat_id": chatID, "message_id": msgID}, nil)
}

// FetchMedia implements transport.Transport via getFile and the file endpoint.
func (c *Client) FetchMedia(ctx context.Context, ref string) (transport.Media, error) {
	var f File
	if err := c.call(ctx, "fetch_media", "getFile", map[string]any{"file_id": ref}, &f); err != nil {
		return transport.Media{}, err
	}
	if f.FilePath == "" {
		return transport.Media{}, transport.Errorf("fetch_media", transport.KindRejected, "file %s has no download path", ref)
	}
	resp, err := c.http.R().SetContext(ctx).Get(c.fileBase + "/" + f.FilePath)
	if err != nil {
		return transport.Media{}, requestError("fetch_media", err)
	}
	if resp.IsError() {
		return transport.Media{}, apiError("fetch_media", resp.StatusCode(), envelope{})
	}
	data := resp.Body()
	mime := f.MimeType
	if mime == "" {
		mime, _ = media.Detect(data)
	}
	return transport.Media{Data: data, MimeType: mime}, nil
}

// Upload implements transport.Transport. Telegram only assigns file ids to
// sent messages, so the file is posted to the staging chat and that message
// is removed again.
func (c *Client) Upload(ctx context.Context, u transport.Upload) (string, error) {
	if c.staging == "" {
		return "", transport.Errorf("upload", transport.KindInvalid, "no staging chat configured")
	}
	method, field := sendMethod(u.Kind)
	name := u.FileName
	if name == "" {
		name = "file"
	}

	var env envelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{"chat_id": c.staging}).
		SetFileReader(field, name, bytes.NewReader(u.Data)).
		SetResult(&env).
		SetError(&env).
		Post("/" + method)
	var staged Message
	if err := c.finish("upload", resp, err, env, &staged); err != nil {
		return "", err
	}

	id := fileID(&staged, u.Kind)
	if id == "" {
		return "", transport.Errorf("upload", transport.KindRejected, "no file id in %s result", method)
	}
	if err := c.Delete(ctx, c.staging, strconv.FormatInt(staged.MessageID, 10)); err != nil {
		c.logger.Warn("staging message not removed", zap.Int64("message_id", staged.MessageID), zap.Error(err))
	}
	return id, nil
}
