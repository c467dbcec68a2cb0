package transport

import (
	"context"
	"errors"
	"time"

	"github.com/matheus3301/relay/internal/metrics"
)

type timeoutTransport struct {
	next    Transport
	timeout time.Duration
}

// WithTimeout bounds every call to t by d and records call metrics. Deadline
// expiry surfaces as a KindTimeout error.
func WithTimeout(t Transport, d time.Duration) Transport {
	return &timeoutTransport{next: t, timeout: d}
}

func (t *timeoutTransport) Name() string { return t.next.Name() }

func (t *timeoutTransport) bound(ctx context.Context, op string, call func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	start := time.Now()
	err := call(ctx)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && KindOf(err) != KindTimeout {
		err = &Error{Op: op, Kind: KindTimeout, Err: err}
	}
	metrics.RecordTransportCall(t.next.Name(), op, err, time.Since(start).Seconds())
	return err
}

func (t *timeoutTransport) Send(ctx context.Context, party string, c Content) (Receipt, error) {
	var r Receipt
	err := t.bound(ctx, "send", func(ctx context.Context) error {
		var err error
		r, err = t.next.Send(ctx, party, c)
		return err
	})
	return r, err
}

func (t *timeoutTransport) Delete(ctx context.Context, party, handle string) error {
	return t.bound(ctx, "delete", func(ctx context.Context) error {
		return t.next.Delete(ctx, party, handle)
	})
}

func (t *timeoutTransport) FetchMedia(ctx context.Context, ref string) (Media, error) {
	var m Media
	err := t.bound(ctx, "fetch_media", func(ctx context.Context) error {
		var err error
		m, err = t.next.FetchMedia(ctx, ref)
		return err
	})
	return m, err
}

func (t *timeoutTransport) Upload(ctx context.Context, u Upload) (string, error) {
	var ref string
	err := t.bound(ctx, "upload", func(ctx context.Context) error {
		var err error
		ref, err = t.next.Upload(ctx, u)
		return err
	})
	return ref, err
}
