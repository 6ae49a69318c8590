// Package terminate closes the connection named by a pair, choosing the
// teardown primitive by the state observed when the connection is resolved.
package terminate

import (
	"context"
	"errors"
	"net/netip"
	"time"

	"firestige.xyz/dropsock/internal/audit"
	"firestige.xyz/dropsock/internal/core"
	"firestige.xyz/dropsock/internal/endpoint"
	"firestige.xyz/dropsock/internal/log"
	"firestige.xyz/dropsock/internal/metrics"
	"firestige.xyz/dropsock/internal/netctx"
)

// Outcome describes what a termination attempt did.
type Outcome int

const (
	NotFound Outcome = iota
	TimeWaitReleased
	Aborted
	Failed
)

var outcomeNames = [...]string{
	NotFound:         "not_found",
	TimeWaitReleased: "time_wait_released",
	Aborted:          "aborted",
	Failed:           "failed",
}

func (o Outcome) String() string {
	if o < 0 || int(o) >= len(outcomeNames) {
		return "unknown"
	}
	return outcomeNames[o]
}

const auditTimeout = time.Second

// Engine runs termination attempts. It is safe for concurrent use.
type Engine struct {
	journal audit.Journal
}

// Option configures an Engine.
type Option func(*Engine)

// WithJournal records every attempt in j.
func WithJournal(j audit.Journal) Option {
	return func(e *Engine) {
		if j != nil {
			e.journal = j
		}
	}
}

// NewEngine creates an engine. Without options attempts are not journaled.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{journal: audit.Nop{}}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Terminate closes the connection whose remote side is p.Source and whose
// local side is p.Destination. A connection that does not exist, or vanishes
// before teardown, is not an error. Teardown failures are logged and never
// retried. The returned Outcome is informational.
func (e *Engine) Terminate(ctx context.Context, c *netctx.Context, p endpoint.Pair) Outcome {
	local, remote := p.Destination.AddrPort(), p.Source.AddrPort()
	logger := log.GetLogger().WithFields(map[string]interface{}{
		"context":     c.Name,
		"source":      p.Source.String(),
		"destination": p.Destination.String(),
	})

	start := time.Now()
	h, err := c.Table.Lookup(ctx, p.Family(), local, remote)
	metrics.TableLatencySeconds.WithLabelValues("lookup").Observe(time.Since(start).Seconds())
	if err != nil {
		out := NotFound
		if !errors.Is(err, core.ErrNotFound) {
			out = Failed
			logger.WithError(err).Warn("connection lookup failed")
		} else {
			logger.Debug("connection not found")
		}
		e.record(ctx, c, p, "", out, err)
		return out
	}

	if !sameEndpoint(h.Local(), local) || !sameEndpoint(h.Remote(), remote) {
		// a table must never hand back a different socket, a listener included
		logger.WithFields(map[string]interface{}{
			"local":  h.Local().String(),
			"remote": h.Remote().String(),
		}).Warn("lookup returned a connection with another tuple, ignoring it")
		e.record(ctx, c, p, "", NotFound, nil)
		return NotFound
	}

	state := c.Table.State(h)
	logger = logger.WithField("state", state.String())

	var op string
	out := Aborted
	start = time.Now()
	if state.IsTimeWait() {
		op, out = "release_time_wait", TimeWaitReleased
		err = c.Table.ReleaseTimeWait(ctx, h)
	} else {
		op = "abort_and_release"
		err = c.Table.AbortAndRelease(ctx, h)
	}
	metrics.TableLatencySeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		logger.Infof("dropped %s -> %s (%s)", p.Source, p.Destination, state)
	case core.IsGone(err):
		out = NotFound
		logger.WithError(err).Debug("connection vanished before teardown")
	default:
		out = Failed
		logger.WithError(err).Warn("connection teardown failed")
	}
	e.record(ctx, c, p, state.String(), out, err)
	return out
}

func (e *Engine) record(ctx context.Context, c *netctx.Context, p endpoint.Pair, state string, out Outcome, err error) {
	metrics.PairsTotal.WithLabelValues(c.Name, out.String()).Inc()

	rec := audit.Record{
		Context:     c.Name,
		Session:     audit.SessionFrom(ctx),
		Source:      p.Source.String(),
		Destination: p.Destination.String(),
		State:       state,
		Outcome:     out.String(),
		Time:        time.Now().UTC(),
	}
	if err != nil && out == Failed {
		rec.Error = err.Error()
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	if err := e.journal.Append(actx, rec); err != nil {
		metrics.AuditErrorsTotal.Inc()
		log.GetLogger().WithError(err).WithField("context", c.Name).Warn("audit append failed")
	}
}

// sameEndpoint compares endpoints, treating an IPv4-mapped IPv6 address as
// the IPv4 address it carries.
func sameEndpoint(a, b netip.AddrPort) bool {
	return a.Port() == b.Port() && a.Addr().Unmap() == b.Addr().Unmap()
}
