package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/matheus3301/relay/internal/auth"
	"github.com/matheus3301/relay/internal/bus"
	"github.com/matheus3301/relay/internal/dispatch"
	"github.com/matheus3301/relay/internal/registry"
	"github.com/matheus3301/relay/internal/relay"
	"github.com/matheus3301/relay/internal/store"
	"github.com/matheus3301/relay/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeTransport struct {
	mu       sync.Mutex
	sent     []transport.Content
	fetches  int
	fetchErr  error
	uploadErr error
	media     map[string]transport.Media
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Send(_ context.Context, _ string, c transport.Content) (transport.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	return transport.Receipt{Handle: "remote-1"}, nil
}

func (f *fakeTransport) Delete(context.Context, string, string) error { return nil }

func (f *fakeTransport) FetchMedia(_ context.Context, ref string) (transport.Media, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return transport.Media{}, f.fetchErr
	}
	m, ok := f.media[ref]
	if !ok {
		return transport.Media{}, transport.Errorf("fetch", transport.KindRejected, "unknown file")
	}
	return m, nil
}

func (f *fakeTransport) Upload(_ context.Context, u transport.Upload) (string, error) {
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	return "staged-" + u.FileName, nil
}

type fakeWebhook struct {
	bodies [][]byte
}

func (f *fakeWebhook) HandleWebhook(_ context.Context, body []byte) error {
	f.bodies = append(f.bodies, body)
	return nil
}

type fixture struct {
	srv    *Server
	engine *relay.Engine
	reg    *registry.Registry
	tr     *fakeTransport
	hook   *fakeWebhook
	token  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Migrate()
	require.NoError(t, err)

	reg := registry.New()
	tr := &fakeTransport{media: map[string]transport.Media{
		"f1": {Data: []byte("%PDF-1.4"), MimeType: "application/pdf"},
	}}
	engine := relay.NewEngine(db, dispatch.New(reg, nil), tr, bus.New(), "admin", nil)
	issuer := auth.NewIssuer("pw", "", time.Hour)
	hook := &fakeWebhook{}

	srv, err := New(Deps{
		Console:       engine,
		Registry:      reg,
		Issuer:        issuer,
		Media:         tr,
		Webhook:       hook,
		WebhookSecret: "s3cret",
		Operator:      "admin",
	})
	require.NoError(t, err)

	token, _, err := issuer.Issue()
	require.NoError(t, err)
	return &fixture{srv: srv, engine: engine, reg: reg, tr: tr, hook: hook, token: token}
}

func (f *fixture) do(t *testing.T, method, path string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Authorization", "Bearer "+f.token)
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "body: %s", w.Body.String())
	return out
}

func TestHealthzAndRequestID(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
}

func TestLogin(t *testing.T) {
	f := newFixture(t)

	post := func(form url.Values) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		w := httptest.NewRecorder()
		f.srv.Handler().ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusBadRequest, post(url.Values{}).Code)
	assert.Equal(t, http.StatusUnauthorized, post(url.Values{"password": {"nope"}}).Code)

	w := post(url.Values{"password": {"pw"}})
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["ok"])
	assert.NotEmpty(t, body["token"])

	var cookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == auth.CookieName {
			cookie = c
		}
	}
	require.NotNil(t, cookie, "login must set the session cookie")
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, int(time.Hour.Seconds()), cookie.MaxAge, "cookie lives as long as the token")

	req := httptest.NewRequest(http.MethodGet, "/api/parties", nil)
	req.AddCookie(cookie)
	w = httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRoutesRequireAuth(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/api/parties", "/api/parties/p1/messages", "/media/f1", "/ws/p1"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		f.srv.Handler().ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
}

func TestPartiesAndMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.HandleInbound(ctx, transport.Inbound{Party: "p1", SenderName: "Ana", Text: "hi", Handle: "10"})
	require.NoError(t, err)
	_, err = f.engine.Send(ctx, "p1", relay.Outbound{Text: "hello"})
	require.NoError(t, err)
	_, err = f.engine.HandleInbound(ctx, transport.Inbound{Party: "42", SenderName: "Admin", Text: "self"})
	require.NoError(t, err)

	w := f.do(t, http.MethodGet, "/api/parties", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	parties := decode(t, w)["parties"].([]any)
	require.Len(t, parties, 1, "operator's own party must be hidden")
	p := parties[0].(map[string]any)
	assert.Equal(t, "p1", p["party_id"])
	assert.Equal(t, "Ana", p["username"])

	w = f.do(t, http.MethodGet, "/api/parties/p1/messages", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	msgs := decode(t, w)["messages"].([]any)
	require.Len(t, msgs, 2)
	first, second := msgs[0].(map[string]any), msgs[1].(map[string]any)
	assert.Equal(t, "user", first["from"])
	assert.Equal(t, "admin", second["from"])
	assert.Equal(t, "delivered", second["status"])
}

func TestDeleteMessage(t *testing.T) {
	f := newFixture(t)
	m, err := f.engine.Send(context.Background(), "p1", relay.Outbound{Text: "oops"})
	require.NoError(t, err)

	w := f.do(t, http.MethodPost, "/api/messages/999/delete", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode(t, w)["error"])

	w = f.do(t, http.MethodPost, "/api/messages/abc/delete", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	path := "/api/messages/" + jsonNumber(m.ID) + "/delete"
	w = f.do(t, http.MethodPost, path, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(m.ID), decode(t, w)["deleted"])
}

func TestClear(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.Send(ctx, "p1", relay.Outbound{Text: "a"})
	require.NoError(t, err)
	_, err = f.engine.Send(ctx, "p1", relay.Outbound{Text: "b"})
	require.NoError(t, err)

	w := f.do(t, http.MethodPost, "/api/parties/p1/clear", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["deleted"], 2)
}

func TestUpload(t *testing.T) {
	f := newFixture(t)
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("files", "pic.png")
	require.NoError(t, err)
	_, _ = fw.Write(png)
	fw, err = mw.CreateFormFile("files", "notes.txt")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("plain text notes"))
	require.NoError(t, mw.WriteField("caption", "look"))
	require.NoError(t, mw.Close())

	w := f.do(t, http.MethodPost, "/api/parties/p1/upload", &buf, mw.FormDataContentType())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	files := decode(t, w)["files"].([]any)
	require.Len(t, files, 2)
	assert.Equal(t, "photo", files[0].(map[string]any)["type"])
	assert.Equal(t, "document", files[1].(map[string]any)["type"])

	require.Len(t, f.tr.sent, 2)
	assert.Equal(t, "look", f.tr.sent[0].Text)
	assert.Empty(t, f.tr.sent[1].Text, "caption only goes with the first file")

	w = f.do(t, http.MethodPost, "/api/parties/p1/upload", &bytes.Buffer{}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUploadTransportError(t *testing.T) {
	f := newFixture(t)
	f.tr.uploadErr = transport.Errorf("upload", transport.KindInvalid, "file too big")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("files", "big.bin")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("data"))
	require.NoError(t, mw.Close())

	w := f.do(t, http.MethodPost, "/api/parties/p1/upload", &buf, mw.FormDataContentType())
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", relay.ErrNotFound, http.StatusNotFound},
		{"empty", relay.ErrEmptyMessage, http.StatusBadRequest},
		{"delivery failed", fmt.Errorf("%w: down", relay.ErrDeliveryFailed), http.StatusBadGateway},
		{"transport invalid", fmt.Errorf("upload a.txt: %w", transport.Errorf("upload", transport.KindInvalid, "bad")), http.StatusBadRequest},
		{"transport timeout", transport.Errorf("send", transport.KindTimeout, "slow"), http.StatusGatewayTimeout},
		{"transport rejected", transport.Errorf("send", transport.KindRejected, "no chat"), http.StatusBadGateway},
		{"transport unavailable", transport.Errorf("send", transport.KindUnavailable, "down"), http.StatusBadGateway},
		{"other", errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errorStatus(tt.err))
		})
	}
}

func TestMediaProxyCaches(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/media/f1", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
	assert.Equal(t, "miss", w.Header().Get("X-Cache"))

	w = f.do(t, http.MethodGet, "/media/f1", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hit", w.Header().Get("X-Cache"))
	assert.Equal(t, 1, f.tr.fetches)
}

func TestMediaProxyErrors(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/media/unknown", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	f.tr.fetchErr = transport.Errorf("fetch", transport.KindUnavailable, "provider down")
	w = f.do(t, http.MethodGet, "/media/other", nil, "")
	assert.Equal(t, http.StatusBadGateway, w.Code)

	f.tr.fetchErr = errors.New("boom")
	w = f.do(t, http.MethodGet, "/media/", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebhook(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/telegram/webhook/wrong", strings.NewReader("{}"))
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/telegram/webhook/s3cre", strings.NewReader("{}"))
	w = httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code, "secret prefix must not match")
	assert.Empty(t, f.hook.bodies)

	req = httptest.NewRequest(http.MethodPost, "/telegram/webhook/s3cret", strings.NewReader(`{"update_id":1}`))
	w = httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, f.hook.bodies, 1)
	assert.JSONEq(t, `{"update_id":1}`, string(f.hook.bodies[0]))
}

func jsonNumber(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}
