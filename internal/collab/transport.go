package collab

import (
	"context"
	"errors"
)

// ErrTokenRejected is returned by a Dialer when the session token backing the
// connection is expired or invalid. It is fatal to the session: the client
// transitions to session_expired and never retries automatically.
var ErrTokenRejected = errors.New("collab: session token rejected")

// ErrConnClosed is returned by Conn operations after the connection is gone.
var ErrConnClosed = errors.New("collab: connection closed")

// Conn is one bidirectional envelope stream. Implementations must preserve
// write order; reads block until an envelope arrives or the connection fails.
type Conn interface {
	ReadEnvelope() (Envelope, error)
	WriteEnvelope(Envelope) error
	Close() error
}

// Dialer opens a connection to a submission's room. A rejected token must be
// reported as ErrTokenRejected (possibly wrapped); any other error is a
// recoverable transport failure.
type Dialer interface {
	Dial(ctx context.Context, submissionID, token string) (Conn, error)
}

// TokenValidator checks a session token out-of-band before any connection is
// opened. Backed by the application's session service in production.
type TokenValidator interface {
	Validate(ctx context.Context, token string) bool
}
