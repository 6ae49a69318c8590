// Package intake assembles drop requests from partial writes and runs them
// when the writer finalizes.
package intake

import (
	"context"
	"errors"
	"io"

	"github.com/google/uuid"

	"firestige.xyz/dropsock/internal/audit"
	"firestige.xyz/dropsock/internal/buffer"
	"firestige.xyz/dropsock/internal/core"
	"firestige.xyz/dropsock/internal/endpoint"
	"firestige.xyz/dropsock/internal/log"
	"firestige.xyz/dropsock/internal/metrics"
	"firestige.xyz/dropsock/internal/netctx"
	"firestige.xyz/dropsock/internal/terminate"
)

// DefaultMaxRequestBytes caps a single request.
const DefaultMaxRequestBytes = 16 * buffer.Quantum

// Intake opens sessions against contexts. It holds no per-request state and
// is safe for concurrent use.
type Intake struct {
	engine   *terminate.Engine
	maxBytes int
	quantum  int
	alloc    buffer.Allocator
}

// Option configures an Intake.
type Option func(*Intake)

// WithMaxRequestBytes sets the request size ceiling.
func WithMaxRequestBytes(n int) Option {
	return func(in *Intake) {
		if n > 0 {
			in.maxBytes = n
		}
	}
}

// WithGrowthQuantum sets the buffer growth step.
func WithGrowthQuantum(n int) Option {
	return func(in *Intake) {
		if n > 0 {
			in.quantum = n
		}
	}
}

// WithAllocator sets the allocator used by session buffers.
func WithAllocator(a buffer.Allocator) Option {
	return func(in *Intake) { in.alloc = a }
}

// New creates an intake running pairs through engine.
func New(engine *terminate.Engine, opts ...Option) *Intake {
	in := &Intake{
		engine:   engine,
		maxBytes: DefaultMaxRequestBytes,
		quantum:  buffer.Quantum,
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Open starts a session on c. kind labels the transport in metrics. Pairs
// are processed with a context detached from ctx, so a writer going away
// after Close does not cut the request short.
func (in *Intake) Open(ctx context.Context, c *netctx.Context, kind string) *Session {
	id := uuid.NewString()
	metrics.ActiveSessions.WithLabelValues(c.Name).Inc()
	return &Session{
		id:     id,
		kind:   kind,
		ctx:    audit.WithSession(context.WithoutCancel(ctx), id),
		nc:     c,
		intake: in,
		buf:    buffer.New(buffer.WithQuantum(in.quantum), buffer.WithAllocator(in.alloc)),
	}
}

// Drop runs a complete request in one call.
func (in *Intake) Drop(ctx context.Context, c *netctx.Context, kind string, text []byte) (Result, error) {
	s := in.Open(ctx, c, kind)
	if _, err := s.Write(text); err != nil {
		s.Abort()
		return Result{ID: s.id}, err
	}
	return s.Finish(), nil
}

// Result summarizes a finalized session.
type Result struct {
	ID       string `json:"session"`
	Bytes    int    `json:"accepted"`
	Attempts int    `json:"attempts"`
	// Halt is set when malformed input stopped the scan.
	Halt error `json:"-"`
}

// Session accumulates one request. It is used by a single writer and is not
// safe for concurrent use.
type Session struct {
	id     string
	kind   string
	ctx    context.Context
	nc     *netctx.Context
	intake *Intake
	buf    *buffer.Buffer
	closed bool
}

var _ io.WriteCloser = (*Session)(nil)

// ID returns the session id used in logs and the audit journal.
func (s *Session) ID() string { return s.id }

// Len returns the number of bytes accepted so far.
func (s *Session) Len() int { return s.buf.Len() }

// Write appends p to the request. The whole write is rejected with
// core.ErrTooLarge if it would push the request past the ceiling, and with
// core.ErrOutOfMemory if the buffer cannot grow; earlier content is kept.
func (s *Session) Write(p []byte) (int, error) {
	if s.closed {
		return 0, core.ErrSessionClosed
	}
	if s.buf.Len()+len(p) > s.intake.maxBytes {
		metrics.WriteRejectsTotal.WithLabelValues(s.nc.Name, "too_large").Inc()
		return 0, core.ErrTooLarge
	}
	if err := s.buf.Append(p); err != nil {
		metrics.WriteRejectsTotal.WithLabelValues(s.nc.Name, "out_of_memory").Inc()
		return 0, err
	}
	return len(p), nil
}

// Close finalizes the request: every pair is run in order, then the buffer
// is released. Closing twice is a no-op.
func (s *Session) Close() error {
	s.Finish()
	return nil
}

// Finish is Close returning what the request did. Once the session is closed
// it returns a Result carrying only the id.
func (s *Session) Finish() Result {
	if s.closed {
		return Result{ID: s.id}
	}
	s.closed = true
	defer s.release()

	res := Result{ID: s.id, Bytes: s.buf.Len()}
	logger := log.GetLogger().WithFields(map[string]interface{}{
		"context": s.nc.Name,
		"session": s.id,
	})

	sc := endpoint.NewScanner(s.buf.Terminated())
	for sc.Scan() {
		s.intake.engine.Terminate(s.ctx, s.nc, sc.Pair())
		res.Attempts++
	}
	if err := sc.Err(); err != nil {
		res.Halt = err
		metrics.ScanHaltsTotal.WithLabelValues(s.nc.Name, haltReason(err)).Inc()
		logger.WithError(err).Debugf("scan stopped at offset %d", sc.Offset())
	}

	metrics.SessionsTotal.WithLabelValues(s.nc.Name, s.kind).Inc()
	metrics.RequestBytes.WithLabelValues(s.nc.Name).Observe(float64(res.Bytes))
	logger.Debugf("request finished: %d bytes, %d pairs", res.Bytes, res.Attempts)
	return res
}

// Abort discards the request without running it.
func (s *Session) Abort() {
	if s.closed {
		return
	}
	s.closed = true
	s.release()
}

func (s *Session) release() {
	s.buf.Release()
	metrics.ActiveSessions.WithLabelValues(s.nc.Name).Dec()
}

func haltReason(err error) string {
	switch {
	case errors.Is(err, core.ErrInvalidAddress):
		return "invalid_address"
	case errors.Is(err, core.ErrInvalidPort):
		return "invalid_port"
	case errors.Is(err, core.ErrFamilyMismatch):
		return "family_mismatch"
	default:
		return "other"
	}
}
