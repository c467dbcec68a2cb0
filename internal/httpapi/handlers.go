package httpapi

import (
	"crypto/subtle"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/matheus3301/relay/internal/auth"
	"github.com/matheus3301/relay/internal/dispatch"
	"github.com/matheus3301/relay/internal/relay"
	"github.com/matheus3301/relay/internal/transport"
	"go.uber.org/zap"
)

type loginRequest struct {
	Password string `form:"password" json:"password" binding:"required"`
}

type partyView struct {
	ID            string `json:"party_id"`
	Name          string `json:"username"`
	LastMessageAt string `json:"last_message_at"`
	Messages      int    `json:"messages"`
}

type uploadedFile struct {
	ID     int64  `json:"msg_id"`
	FileID string `json:"id"`
	Type   string `json:"type"`
	Status string `json:"status"`
}

// errorStatus maps engine errors onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, relay.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, relay.ErrEmptyMessage), errors.Is(err, relay.ErrInvalidMediaKind):
		return http.StatusBadRequest
	case errors.Is(err, relay.ErrDeliveryFailed):
		return http.StatusBadGateway
	}
	var te *transport.Error
	if errors.As(err, &te) {
		switch te.Kind {
		case transport.KindInvalid:
			return http.StatusBadRequest
		case transport.KindTimeout:
			return http.StatusGatewayTimeout
		default:
			return http.StatusBadGateway
		}
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(c *gin.Context, err error) {
	code := errorStatus(err)
	if code >= 500 {
		s.logger.Error("request failed", zap.String("request_id", requestID(c)), zap.Error(err))
	}
	c.JSON(code, gin.H{"ok": false, "error": err.Error()})
}

func (s *Server) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "password required"})
		return
	}
	if !s.deps.Issuer.CheckPassword(req.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "invalid password"})
		return
	}
	token, exp, err := s.deps.Issuer.Issue()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(auth.CookieName, token, int(s.deps.Issuer.Lifetime().Seconds()), "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{"ok": true, "token": token, "expires_at": exp.UTC().Format(time.RFC3339)})
}

// listParties omits conversations whose party goes by the operator's name.
func (s *Server) listParties(c *gin.Context) {
	parties, err := s.deps.Console.Parties(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]partyView, 0, len(parties))
	for _, p := range parties {
		if s.deps.Operator != "" && strings.EqualFold(p.Name, s.deps.Operator) {
			continue
		}
		out = append(out, partyView{
			ID:            p.ID,
			Name:          p.Name,
			LastMessageAt: p.LastMessageAt.UTC().Format(time.RFC3339),
			Messages:      p.Messages,
		})
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "parties": out})
}

func (s *Server) listMessages(c *gin.Context) {
	msgs, err := s.deps.Console.Conversation(c.Request.Context(), c.Param("party"))
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]dispatch.MessageEvent, 0, len(msgs))
	for i := range msgs {
		out = append(out, dispatch.NewMessageEvent(&msgs[i]))
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "messages": out})
}

func (s *Server) deleteMessage(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid id"})
		return
	}
	if err := s.deps.Console.Delete(c.Request.Context(), id); err != nil {
		if errors.Is(err, relay.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "not_found"})
			return
		}
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "deleted": id})
}

func (s *Server) clear(c *gin.Context) {
	res, err := s.deps.Console.Clear(c.Request.Context(), c.Param("party"))
	if err != nil {
		s.fail(c, err)
		return
	}
	body := gin.H{"ok": true, "deleted": res.Deleted}
	if res.TransportErr != nil {
		body["transport_error"] = res.TransportErr.Error()
	}
	c.JSON(http.StatusOK, body)
}

// upload sends every file in the "files" field. The caption goes with the
// first file only.
func (s *Server) upload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.deps.MaxUpload)
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid multipart form"})
		return
	}
	files := form.File["files"]
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "no files"})
		return
	}
	caption := c.PostForm("caption")

	party := c.Param("party")
	out := make([]uploadedFile, 0, len(files))
	for i, fh := range files {
		data, err := readPart(fh)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error(), "files": out})
			return
		}
		if i > 0 {
			caption = ""
		}
		m, err := s.deps.Console.SendUpload(c.Request.Context(), party, fh.Filename, data, caption)
		if err != nil && m == nil {
			s.fail(c, err)
			return
		}
		out = append(out, uploadedFile{
			ID:     m.ID,
			FileID: m.MediaRef,
			Type:   string(m.MediaKind),
			Status: string(m.Status),
		})
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "files": out})
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return io.ReadAll(f)
}

func (s *Server) webhook(c *gin.Context) {
	if subtle.ConstantTimeCompare([]byte(c.Param("secret")), []byte(s.deps.WebhookSecret)) != 1 {
		c.Status(http.StatusNotFound)
		return
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	if err := s.deps.Webhook.HandleWebhook(c.Request.Context(), body); err != nil {
		if transport.KindOf(err) == transport.KindInvalid {
			c.Status(http.StatusBadRequest)
			return
		}
		s.logger.Warn("webhook rejected", zap.Error(err))
		c.Status(http.StatusServiceUnavailable)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
