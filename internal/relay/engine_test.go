package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/relay/internal/bus"
	"github.com/matheus3301/relay/internal/dispatch"
	"github.com/matheus3301/relay/internal/media"
	"github.com/matheus3301/relay/internal/registry"
	"github.com/matheus3301/relay/internal/status"
	"github.com/matheus3301/relay/internal/store"
	"github.com/matheus3301/relay/internal/transport"
	"go.uber.org/multierr"
)

type mockTransport struct {
	mu        sync.Mutex
	sendErr   error
	deleteErr error
	uploadErr error
	delay     time.Duration
	next      int
	sent      []transport.Content
	deleted   []string
	uploads   []transport.Upload
}

func (m *mockTransport) Name() string { return "mock" }

func (m *mockTransport) Send(ctx context.Context, _ string, c transport.Content) (transport.Receipt, error) {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return transport.Receipt{}, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, c)
	if m.sendErr != nil {
		return transport.Receipt{}, m.sendErr
	}
	m.next++
	return transport.Receipt{Handle: "h" + string(rune('0'+m.next))}, nil
}

func (m *mockTransport) Delete(_ context.Context, _, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, handle)
	return m.deleteErr
}

func (m *mockTransport) FetchMedia(context.Context, string) (transport.Media, error) {
	return transport.Media{}, nil
}

func (m *mockTransport) Upload(_ context.Context, u transport.Upload) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.uploadErr != nil {
		return "", m.uploadErr
	}
	m.uploads = append(m.uploads, u)
	return "uploaded-ref", nil
}

// recConn records pushed frames decoded as JSON objects.
type recConn struct {
	id string

	mu     sync.Mutex
	events []map[string]any
}

func (c *recConn) ID() string { return c.id }

func (c *recConn) Send(_ context.Context, frame []byte) error {
	var evt map[string]any
	if err := json.Unmarshal(frame, &evt); err != nil {
		return err
	}
	c.mu.Lock()
	c.events = append(c.events, evt)
	c.mu.Unlock()
	return nil
}

func (c *recConn) Close() error { return nil }

func (c *recConn) actions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, e := range c.events {
		a := e["action"].(string)
		if a == dispatch.ActionStatusUpdate {
			a += ":" + e["status"].(string)
		}
		out = append(out, a)
	}
	return out
}

// lastStatus returns the most recent status pushed for each message id.
func (c *recConn) lastStatus() map[int64]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int64]string)
	for _, e := range c.events {
		switch e["action"] {
		case dispatch.ActionMessage:
			out[int64(e["id"].(float64))] = e["status"].(string)
		case dispatch.ActionStatusUpdate:
			out[int64(e["msg_id"].(float64))] = e["status"].(string)
		}
	}
	return out
}

// failingStore lets a test break single store calls.
type failingStore struct {
	*store.DB
	markDeliveredErr error
	setStatusErr     error
}

func (f *failingStore) MarkDelivered(ctx context.Context, id int64, handle, ref string) (*store.Message, bool, error) {
	if f.markDeliveredErr != nil {
		return nil, false, f.markDeliveredErr
	}
	return f.DB.MarkDelivered(ctx, id, handle, ref)
}

func (f *failingStore) SetStatus(ctx context.Context, id int64, to status.Status) (bool, error) {
	if f.setStatusErr != nil {
		return false, f.setStatusErr
	}
	return f.DB.SetStatus(ctx, id, to)
}

type fixture struct {
	db     *store.DB
	reg    *registry.Registry
	bus    *bus.Bus
	tr     *mockTransport
	engine *Engine
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newFixture(t *testing.T, st func(*store.DB) Store) *fixture {
	t.Helper()
	f := &fixture{db: testDB(t), reg: registry.New(), bus: bus.New(), tr: &mockTransport{}}
	var s Store = f.db
	if st != nil {
		s = st(f.db)
	}
	f.engine = NewEngine(s, dispatch.New(f.reg, nil), f.tr, f.bus, "admin", nil)
	return f
}

func (f *fixture) connect(party string) *recConn {
	c := &recConn{id: party + "-conn"}
	f.reg.Register(party, c)
	return c
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSendSuccess(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.connect("p1")

	m, err := f.engine.Send(context.Background(), "p1", Outbound{Text: "  hello  "})
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != status.Delivered || m.Handle == "" || m.Text != "hello" {
		t.Errorf("message = %+v", m)
	}
	if got := conn.actions(); !equal(got, []string{"message", "status_update:delivered"}) {
		t.Errorf("pushes = %v", got)
	}
	if f.tr.sent[0] != (transport.Content{Text: "hello"}) {
		t.Errorf("transport got %+v", f.tr.sent[0])
	}
	if m.SenderName != "admin" || !m.FromOperator {
		t.Errorf("author = %q operator=%v", m.SenderName, m.FromOperator)
	}
}

func TestSendTransportFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.tr.sendErr = transport.Errorf("send", transport.KindRejected, "chat not found")
	conn := f.connect("p1")

	m, err := f.engine.Send(context.Background(), "p1", Outbound{Text: "hi"})
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("err = %v, want ErrDeliveryFailed", err)
	}
	if m == nil || m.Status != status.Failed {
		t.Fatalf("message = %+v, want failed", m)
	}
	stored, _ := f.db.Get(context.Background(), m.ID)
	if stored.Status != status.Failed {
		t.Errorf("stored status = %s, want failed", stored.Status)
	}
	if got := conn.actions(); !equal(got, []string{"message", "status_update:failed"}) {
		t.Errorf("pushes = %v", got)
	}
	if len(f.tr.sent) != 1 {
		t.Errorf("transport called %d times, want exactly 1 (no retry)", len(f.tr.sent))
	}
}

func TestSendTimeoutEndsFailed(t *testing.T) {
	f := newFixture(t, nil)
	f.tr.delay = time.Second
	f.engine.transport = transport.WithTimeout(f.tr, 20*time.Millisecond)

	m, err := f.engine.Send(context.Background(), "p1", Outbound{Text: "slow"})
	if transport.KindOf(err) != transport.KindTimeout {
		t.Errorf("kind = %q, want timeout (err %v)", transport.KindOf(err), err)
	}
	if m.Status != status.Failed {
		t.Errorf("status = %s, want failed", m.Status)
	}
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.engine.Send(ctx, "p1", Outbound{Text: "   "}); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("blank err = %v, want ErrEmptyMessage", err)
	}
	if _, err := f.engine.Send(ctx, "p1", Outbound{MediaRef: "f1", MediaKind: "sticker"}); !errors.Is(err, ErrInvalidMediaKind) {
		t.Errorf("kind err = %v, want ErrInvalidMediaKind", err)
	}
	msgs, _ := f.db.ListByParty(ctx, "p1")
	if len(msgs) != 0 {
		t.Errorf("rejected sends persisted %d messages", len(msgs))
	}
	if len(f.tr.sent) != 0 {
		t.Error("transport called for a rejected send")
	}

	m, err := f.engine.Send(ctx, "p1", Outbound{MediaRef: "f1"})
	if err != nil {
		t.Fatal(err)
	}
	if m.MediaKind != media.Document {
		t.Errorf("default kind = %q, want document", m.MediaKind)
	}
}

func TestSendWithoutConnectionStillDelivers(t *testing.T) {
	f := newFixture(t, nil)

	m, err := f.engine.Send(context.Background(), "p1", Outbound{Text: "offline console"})
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != status.Delivered {
		t.Errorf("status = %s, want delivered", m.Status)
	}
}

func TestSendStoreFailureSendsNoStatusUpdate(t *testing.T) {
	f := newFixture(t, func(db *store.DB) Store {
		return &failingStore{DB: db, markDeliveredErr: errors.New("disk full")}
	})
	conn := f.connect("p1")

	if _, err := f.engine.Send(context.Background(), "p1", Outbound{Text: "hi"}); err == nil {
		t.Fatal("Send should surface the store error")
	}
	if got := conn.actions(); !equal(got, []string{"message"}) {
		t.Errorf("pushes = %v, want only the message event", got)
	}
}

func TestSendIgnoresCallerCancellation(t *testing.T) {
	f := newFixture(t, nil)
	f.tr.delay = 30 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m, err := f.engine.Send(ctx, "p1", Outbound{Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != status.Delivered {
		t.Errorf("status = %s, want delivered", m.Status)
	}
}

func TestSendUpload(t *testing.T) {
	f := newFixture(t, nil)
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

	m, err := f.engine.SendUpload(context.Background(), "p1", "pic.png", png, "look")
	if err != nil {
		t.Fatal(err)
	}
	if m.MediaKind != media.Photo || m.MediaRef != "uploaded-ref" || m.Text != "look" {
		t.Errorf("message = %+v", m)
	}
	if f.tr.uploads[0].FileName != "pic.png" || f.tr.uploads[0].Kind != media.Photo {
		t.Errorf("upload = %+v", f.tr.uploads[0])
	}
}

func TestSendUploadFailurePersistsNothing(t *testing.T) {
	f := newFixture(t, nil)
	f.tr.uploadErr = errors.New("too large")

	if _, err := f.engine.SendUpload(context.Background(), "p1", "a.bin", []byte("data"), ""); err == nil {
		t.Fatal("SendUpload should fail")
	}
	msgs, _ := f.db.ListByParty(context.Background(), "p1")
	if len(msgs) != 0 {
		t.Errorf("persisted %d messages", len(msgs))
	}
}

func TestInboundMarksOperatorMessagesRead(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	m1, _ := f.engine.Send(ctx, "p1", Outbound{Text: "one"})
	f.tr.sendErr = errors.New("nope")
	m2, _ := f.engine.Send(ctx, "p1", Outbound{Text: "two"})
	f.tr.sendErr = nil

	conn := f.connect("p1")
	watcher := f.connect("p2")

	in, err := f.engine.HandleInbound(ctx, transport.Inbound{Party: "p1", SenderName: "Ana", Text: "thanks"})
	if err != nil {
		t.Fatal(err)
	}
	if in.FromOperator || in.Status != status.Sent {
		t.Errorf("inbound = %+v", in)
	}

	if got := conn.actions(); !equal(got, []string{"message", "party_activity", "status_update:read"}) {
		t.Errorf("party pushes = %v", got)
	}
	if got := watcher.actions(); !equal(got, []string{"party_activity"}) {
		t.Errorf("other console pushes = %v", got)
	}

	r1, _ := f.db.Get(ctx, m1.ID)
	r2, _ := f.db.Get(ctx, m2.ID)
	if r1.Status != status.Read {
		t.Errorf("delivered message status = %s, want read", r1.Status)
	}
	if r2.Status != status.Failed {
		t.Errorf("failed message status = %s, want failed", r2.Status)
	}
}

func TestDelete(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	m, _ := f.engine.Send(ctx, "p1", Outbound{Text: "oops"})
	conn := f.connect("p1")

	if err := f.engine.Delete(ctx, m.ID); err != nil {
		t.Fatal(err)
	}
	if len(f.tr.deleted) != 1 || f.tr.deleted[0] != m.Handle {
		t.Errorf("remote deletes = %v, want [%s]", f.tr.deleted, m.Handle)
	}
	// Idempotent: second delete is silent.
	if err := f.engine.Delete(ctx, m.ID); err != nil {
		t.Fatal(err)
	}
	if got := conn.actions(); !equal(got, []string{"status_update:deleted"}) {
		t.Errorf("pushes = %v", got)
	}
	if len(f.tr.deleted) != 1 {
		t.Errorf("remote delete repeated: %v", f.tr.deleted)
	}
}

func TestDeleteSkipsTransportWithoutHandle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.tr.sendErr = errors.New("down")
	m, _ := f.engine.Send(ctx, "p1", Outbound{Text: "never left"})

	if err := f.engine.Delete(ctx, m.ID); err != nil {
		t.Fatal(err)
	}
	if len(f.tr.deleted) != 0 {
		t.Errorf("transport called for a message without handle: %v", f.tr.deleted)
	}
	got, _ := f.db.Get(ctx, m.ID)
	if got.Status != status.Deleted {
		t.Errorf("status = %s, want deleted", got.Status)
	}
}

func TestDeleteRemoteFailureStillDeletes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	m, _ := f.engine.Send(ctx, "p1", Outbound{Text: "x"})
	f.tr.deleteErr = errors.New("message too old")

	if err := f.engine.Delete(ctx, m.ID); err != nil {
		t.Fatalf("Delete err = %v, remote failure must not surface", err)
	}
	got, _ := f.db.Get(ctx, m.ID)
	if got.Status != status.Deleted {
		t.Errorf("status = %s, want deleted", got.Status)
	}
}

func TestDeleteUnknown(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.engine.Delete(context.Background(), 404); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestClear(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	a, _ := f.engine.Send(ctx, "p1", Outbound{Text: "a"})
	b, _ := f.engine.HandleInbound(ctx, transport.Inbound{Party: "p1", SenderName: "Ana", Text: "b", Handle: "u1"})
	c, _ := f.engine.Send(ctx, "p1", Outbound{Text: "c"})
	_ = f.engine.Delete(ctx, c.ID)
	f.tr.deleted = nil
	f.tr.deleteErr = errors.New("cannot delete")

	conn := f.connect("p1")
	res, err := f.engine.Clear(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if !equalIDs(res.Deleted, []int64{a.ID, b.ID}) {
		t.Errorf("deleted = %v, want [%d %d]", res.Deleted, a.ID, b.ID)
	}
	if n := len(multierr.Errors(res.TransportErr)); n != 2 {
		t.Errorf("transport errors = %d, want 2", n)
	}
	if got := conn.actions(); !equal(got, []string{"status_update:deleted", "status_update:deleted"}) {
		t.Errorf("pushes = %v", got)
	}

	again, err := f.engine.Clear(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(again.Deleted) != 0 {
		t.Errorf("second clear deleted %v", again.Deleted)
	}
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestStartConsumesTransportEvents(t *testing.T) {
	f := newFixture(t, nil)
	created, unsub := f.bus.Subscribe("relay.", 16)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.engine.Start(ctx)
	defer f.engine.Stop()

	err := f.bus.PublishWait(ctx, bus.Event{Kind: bus.KindTransportMessage, Payload: transport.Inbound{
		Party: "p9", SenderName: "Zé", Text: "hello",
	}})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-created:
		if evt.Kind != bus.KindMessageCreated {
			t.Errorf("kind = %q", evt.Kind)
		}
		m := evt.Payload.(*store.Message)
		if m.PartyID != "p9" || m.Text != "hello" {
			t.Errorf("message = %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for relayed message")
	}
}

func TestStatusChangesPublished(t *testing.T) {
	f := newFixture(t, nil)
	ch, unsub := f.bus.Subscribe(bus.KindStatusChanged, 16)
	defer unsub()

	m, err := f.engine.Send(context.Background(), "p1", Outbound{Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case evt := <-ch:
		c := evt.Payload.(status.Change)
		if c.MessageID != m.ID || c.From != status.Sent || c.To != status.Delivered || c.PartyID != "p1" {
			t.Errorf("change = %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("no status change published")
	}
}

// slowDeliveryStore stalls between the delivery commit and its return.
type slowDeliveryStore struct {
	*store.DB
	pause     time.Duration
	committed chan struct{}
	once      sync.Once
}

func (s *slowDeliveryStore) MarkDelivered(ctx context.Context, id int64, handle, ref string) (*store.Message, bool, error) {
	m, changed, err := s.DB.MarkDelivered(ctx, id, handle, ref)
	s.once.Do(func() { close(s.committed) })
	time.Sleep(s.pause)
	return m, changed, err
}

func TestInboundDuringSendKeepsFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.tr.delay = 200 * time.Millisecond
	f.tr.sendErr = transport.Errorf("send", transport.KindUnavailable, "down")
	conn := f.connect("p1")
	ctx := context.Background()

	type result struct {
		m   *store.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		m, err := f.engine.Send(ctx, "p1", Outbound{Text: "in flight"})
		done <- result{m, err}
	}()

	time.Sleep(50 * time.Millisecond)
	if _, err := f.engine.HandleInbound(ctx, transport.Inbound{Party: "p1", SenderName: "Ana", Text: "hello?"}); err != nil {
		t.Fatal(err)
	}

	res := <-done
	if !errors.Is(res.err, ErrDeliveryFailed) {
		t.Fatalf("err = %v, want ErrDeliveryFailed", res.err)
	}
	stored, _ := f.db.Get(ctx, res.m.ID)
	if stored.Status != status.Failed {
		t.Errorf("stored status = %s, want failed", stored.Status)
	}
	if got := conn.actions(); !equal(got, []string{"message", "message", "party_activity", "status_update:failed"}) {
		t.Errorf("pushes = %v", got)
	}
}

func TestInboundDuringSendReadsAfterDelivery(t *testing.T) {
	f := newFixture(t, nil)
	f.tr.delay = 200 * time.Millisecond
	conn := f.connect("p1")
	ctx := context.Background()

	type result struct {
		m   *store.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		m, err := f.engine.Send(ctx, "p1", Outbound{Text: "in flight"})
		done <- result{m, err}
	}()

	time.Sleep(50 * time.Millisecond)
	if _, err := f.engine.HandleInbound(ctx, transport.Inbound{Party: "p1", SenderName: "Ana", Text: "hello?"}); err != nil {
		t.Fatal(err)
	}

	res := <-done
	if res.err != nil {
		t.Fatal(res.err)
	}
	if res.m.Status != status.Read {
		t.Errorf("returned status = %s, want read", res.m.Status)
	}
	stored, _ := f.db.Get(ctx, res.m.ID)
	if stored.Status != status.Read {
		t.Errorf("stored status = %s, want read", stored.Status)
	}
	want := []string{"message", "message", "party_activity", "status_update:delivered", "status_update:read"}
	if got := conn.actions(); !equal(got, want) {
		t.Errorf("pushes = %v, want %v", got, want)
	}
}

func TestStatusPushesFollowCommitOrder(t *testing.T) {
	slow := &slowDeliveryStore{pause: 100 * time.Millisecond, committed: make(chan struct{})}
	f := newFixture(t, func(db *store.DB) Store {
		slow.DB = db
		return slow
	})
	conn := f.connect("p1")
	ctx := context.Background()

	var sent *store.Message
	done := make(chan error, 1)
	go func() {
		m, err := f.engine.Send(ctx, "p1", Outbound{Text: "hi"})
		sent = m
		done <- err
	}()

	<-slow.committed
	if _, err := f.engine.HandleInbound(ctx, transport.Inbound{Party: "p1", SenderName: "Ana", Text: "got it"}); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	want := []string{"message", "status_update:delivered", "message", "party_activity", "status_update:read"}
	if got := conn.actions(); !equal(got, want) {
		t.Errorf("pushes = %v, want %v", got, want)
	}
	stored, _ := f.db.Get(ctx, sent.ID)
	if last := conn.lastStatus()[sent.ID]; last != string(stored.Status) {
		t.Errorf("console shows %s, store has %s", last, stored.Status)
	}
}

func TestConcurrentTrafficPushesMatchStore(t *testing.T) {
	f := newFixture(t, nil)
	f.tr.delay = time.Millisecond
	conn := f.connect("p1")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = f.engine.Send(ctx, "p1", Outbound{Text: fmt.Sprintf("out %d", i)})
		}()
		go func() {
			defer wg.Done()
			_, _ = f.engine.HandleInbound(ctx, transport.Inbound{Party: "p1", SenderName: "Ana", Text: fmt.Sprintf("in %d", i)})
		}()
	}
	wg.Wait()

	msgs, err := f.db.ListByParty(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 40 {
		t.Fatalf("stored %d messages, want 40", len(msgs))
	}
	last := conn.lastStatus()
	for _, m := range msgs {
		if last[m.ID] != string(m.Status) {
			t.Errorf("message %d: console shows %q, store has %s", m.ID, last[m.ID], m.Status)
		}
	}
	if n := f.engine.parties.len(); n != 0 {
		t.Errorf("%d party locks left behind", n)
	}
}

func TestStalledWatcherDoesNotLoseInbound(t *testing.T) {
	f := newFixture(t, nil)
	_, unsub := f.bus.Subscribe("", 1)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.engine.Start(ctx)
	defer f.engine.Stop()

	for i := range 5 {
		pctx, pcancel := context.WithTimeout(ctx, 100*time.Millisecond)
		err := f.bus.PublishWait(pctx, bus.Event{Kind: bus.KindTransportMessage, Payload: transport.Inbound{
			Party: "p1", SenderName: "Ana", Text: fmt.Sprintf("msg %d", i),
		}})
		pcancel()
		if err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		msgs, _ := f.db.ListByParty(ctx, "p1")
		if len(msgs) == 5 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("stored %d of 5 inbound messages", len(msgs))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandleReport(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	m, err := f.engine.Send(ctx, "p1", Outbound{Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	user, _ := f.engine.HandleInbound(ctx, transport.Inbound{Party: "p1", SenderName: "Ana", Text: "x", Handle: "u1"})
	conn := f.connect("p1")

	// Read messages are not pulled back to delivered.
	if err := f.engine.HandleReport(ctx, transport.Report{Party: "p1", Handles: []string{m.Handle}}); err != nil {
		t.Fatal(err)
	}
	if len(conn.actions()) != 0 {
		t.Errorf("pushes = %v, want none", conn.actions())
	}

	m2, _ := f.engine.Send(ctx, "p1", Outbound{Text: "second"})
	conn = f.connect("p1")
	err = f.engine.HandleReport(ctx, transport.Report{Party: "p1", Handles: []string{m2.Handle, "unknown", "u1"}, Read: true})
	if err != nil {
		t.Fatal(err)
	}
	if got := conn.actions(); !equal(got, []string{"status_update:read"}) {
		t.Errorf("pushes = %v", got)
	}
	got, _ := f.db.Get(ctx, m2.ID)
	if got.Status != status.Read {
		t.Errorf("status = %s, want read", got.Status)
	}
	u, _ := f.db.Get(ctx, user.ID)
	if u.Status != status.Sent {
		t.Errorf("party message status = %s, reports only apply to operator messages", u.Status)
	}
}

func TestStartAppliesReports(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m, err := f.engine.Send(ctx, "p1", Outbound{Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	f.engine.Start(ctx)
	defer f.engine.Stop()

	if err := f.bus.PublishWait(ctx, bus.Event{Kind: bus.KindTransportReport, Payload: transport.Report{
		Party: "p1", Handles: []string{m.Handle}, Read: true,
	}}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := f.db.Get(ctx, m.ID)
		if got.Status == status.Read {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("status = %s, want read", got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
