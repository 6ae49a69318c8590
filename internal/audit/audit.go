// Package audit keeps a journal of termination attempts.
package audit

import (
	"context"
	"time"
)

// Record is one termination attempt.
type Record struct {
	Context     string    `json:"context"`
	Session     string    `json:"session,omitempty"`
	Source      string    `json:"source"`
	Destination string    `json:"destination"`
	State       string    `json:"state,omitempty"`
	Outcome     string    `json:"outcome"`
	Error       string    `json:"error,omitempty"`
	Time        time.Time `json:"time"`
}

// Journal stores records. Append must be safe for concurrent use.
type Journal interface {
	Append(ctx context.Context, r Record) error
	Recent(ctx context.Context, name string, n int64) ([]Record, error)
	Close() error
}

// Nop discards every record.
type Nop struct{}

var _ Journal = Nop{}

func (Nop) Append(context.Context, Record) error { return nil }

func (Nop) Recent(context.Context, string, int64) ([]Record, error) { return nil, nil }

func (Nop) Close() error { return nil }

type sessionKey struct{}

// WithSession tags ctx with the id of the request session it serves.
func WithSession(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

// SessionFrom returns the session id set by WithSession, or "".
func SessionFrom(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}
