// Package dispatch pushes events to registered operator connections.
//
// Delivery is at most once: a push either reaches the connection or the
// connection is treated as dead and evicted. Nothing is queued or retried.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/matheus3301/relay/internal/metrics"
	"github.com/matheus3301/relay/internal/registry"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Dispatcher delivers events through the connection registry.
type Dispatcher struct {
	reg *registry.Registry
	log *zap.Logger
}

// New creates a dispatcher over reg.
func New(reg *registry.Registry, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{reg: reg, log: log.Named("dispatch")}
}

// evict removes a dead connection. The registry compares by id, so a
// connection that was already replaced leaves the replacement alone.
func (d *Dispatcher) evict(party string, conn registry.Conn, cause error) {
	if d.reg.Unregister(party, conn) {
		metrics.Evictions.Inc()
	}
	_ = conn.Close()
	d.log.Debug("evicted connection",
		zap.String("party", party),
		zap.String("conn", conn.ID()),
		zap.Error(cause),
	)
}

// Unicast pushes event to the connection of party. It reports whether the
// push succeeded; false when there is no connection or the push failed, in
// which case the connection is unregistered and closed.
func (d *Dispatcher) Unicast(ctx context.Context, party string, event any) bool {
	conn, ok := d.reg.Lookup(party)
	if !ok {
		return false
	}
	frame, err := json.Marshal(event)
	if err != nil {
		d.log.Error("encode event", zap.Error(err))
		return false
	}
	if err := conn.Send(ctx, frame); err != nil {
		metrics.RecordPush("unicast", false)
		d.evict(party, conn, err)
		return false
	}
	metrics.RecordPush("unicast", true)
	return true
}

// Broadcast pushes event to every registered connection. Every connection is
// attempted; failed ones are evicted once the sweep is over. The returned
// error aggregates one entry per failed connection and is nil when every
// push succeeded.
func (d *Dispatcher) Broadcast(ctx context.Context, event any) error {
	frame, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	type dead struct {
		registry.Entry
		err error
	}
	var failed []dead
	for _, e := range d.reg.All() {
		if err := e.Conn.Send(ctx, frame); err != nil {
			metrics.RecordPush("broadcast", false)
			failed = append(failed, dead{e, err})
			continue
		}
		metrics.RecordPush("broadcast", true)
	}

	var errs error
	for _, f := range failed {
		d.evict(f.Party, f.Conn, f.err)
		errs = multierr.Append(errs, fmt.Errorf("push to %s (%s): %w", f.Party, f.Conn.ID(), f.err))
	}
	return errs
}
