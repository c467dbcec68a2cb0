package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/matheus3301/relay/internal/dispatch"
	"github.com/matheus3301/relay/internal/media"
	"github.com/matheus3301/relay/internal/relay"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxControlSize = 64 << 10
)

// Control actions sent by the console.
const (
	actionSend  = "send"
	actionClear = "clear_history"
	actionPing  = "ping"
)

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	return v
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type controlMessage struct {
	Action    string `json:"action" validate:"required,oneof=send clear_history ping"`
	Text      string `json:"text" validate:"max=4096"`
	MediaType string `json:"media_type" validate:"omitempty,oneof=photo video document voice audio"`
	FileID    string `json:"file_id" validate:"max=2048"`
}

// wsConn is a registry.Conn over a gorilla connection. Writes are
// serialized so frames for one party leave in the order they were pushed.
type wsConn struct {
	id   string
	conn *websocket.Conn

	mu        sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{id: uuid.NewString(), conn: conn, done: make(chan struct{})}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *wsConn) sendJSON(ctx context.Context, v any) error {
	frame, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Send(ctx, frame)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) keepAlive() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}

// serveWS registers the connection for the party, displacing any previous
// one, then serves control messages until the read side fails.
func (s *Server) serveWS(c *gin.Context) {
	party := c.Param("party")
	raw, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	conn := newWSConn(raw)
	log := s.logger.With(zap.String("party", party), zap.String("conn", conn.ID()))

	if prev := s.deps.Registry.Register(party, conn); prev != nil {
		log.Debug("displaced connection", zap.String("prev", prev.ID()))
	}
	defer func() {
		s.deps.Registry.Unregister(party, conn)
		_ = conn.Close()
		log.Debug("connection closed")
	}()

	go conn.keepAlive()

	raw.SetReadLimit(maxControlSize)
	_ = raw.SetReadDeadline(time.Now().Add(pongWait))
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(pongWait))
	})

	ctx := c.Request.Context()
	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("read failed", zap.Error(err))
			}
			return
		}
		_ = raw.SetReadDeadline(time.Now().Add(pongWait))
		if reply := s.handleControl(ctx, party, data); reply != nil {
			if err := conn.sendJSON(ctx, reply); err != nil {
				return
			}
		}
	}
}

// handleControl runs one control message and returns the direct reply, if any.
func (s *Server) handleControl(ctx context.Context, party string, data []byte) any {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return dispatch.NewError("malformed message")
	}
	if err := s.validate.Struct(msg); err != nil {
		return dispatch.NewError(validationDetail(err))
	}

	switch msg.Action {
	case actionPing:
		return dispatch.NewPong()
	case actionClear:
		if _, err := s.deps.Console.Clear(ctx, party); err != nil {
			s.logger.Error("clear failed", zap.String("party", party), zap.Error(err))
			return dispatch.NewError("clear failed")
		}
		return nil
	case actionSend:
		if strings.TrimSpace(msg.Text) == "" && strings.TrimSpace(msg.FileID) == "" {
			return nil
		}
		_, err := s.deps.Console.Send(ctx, party, relay.Outbound{
			Text:      msg.Text,
			MediaKind: media.Kind(msg.MediaType),
			MediaRef:  msg.FileID,
		})
		switch {
		case err == nil, errors.Is(err, relay.ErrDeliveryFailed):
			// the failed status already reached the console
			return nil
		case errors.Is(err, relay.ErrEmptyMessage), errors.Is(err, relay.ErrInvalidMediaKind):
			return dispatch.NewError(err.Error())
		default:
			s.logger.Error("send failed", zap.String("party", party), zap.Error(err))
			return dispatch.NewError("send failed")
		}
	}
	return dispatch.NewError("unknown action")
}

func validationDetail(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid message"
	}
	fe := verrs[0]
	if fe.Field() == "action" {
		return "unknown action"
	}
	return "invalid " + fe.Field() + ": " + fe.Tag()
}
