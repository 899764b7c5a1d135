package collab

import (
	"context"
	"errors"
	"sync"
)

// pipeConn is an in-memory Conn for tests. Closing either end of a pipe
// fails reads and writes on both ends.
type pipeConn struct {
	recv chan Envelope
	send chan Envelope
	done chan struct{}
	once *sync.Once
}

func newConnPipe() (client, server *pipeConn) {
	toServer := make(chan Envelope, 64)
	toClient := make(chan Envelope, 64)
	done := make(chan struct{})
	once := &sync.Once{}
	client = &pipeConn{recv: toClient, send: toServer, done: done, once: once}
	server = &pipeConn{recv: toServer, send: toClient, done: done, once: once}
	return client, server
}

func (c *pipeConn) ReadEnvelope() (Envelope, error) {
	select {
	case env := <-c.recv:
		return env, nil
	case <-c.done:
		return Envelope{}, ErrConnClosed
	}
}

func (c *pipeConn) WriteEnvelope(env Envelope) error {
	select {
	case c.send <- env:
		return nil
	case <-c.done:
		return ErrConnClosed
	}
}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// pipeDialer hands the test the server end of every dialed connection.
type pipeDialer struct {
	mu          sync.Mutex
	serverConns chan *pipeConn
	failDials   int
	rejectToken bool
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{serverConns: make(chan *pipeConn, 8)}
}

func (d *pipeDialer) Dial(ctx context.Context, submissionID, token string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rejectToken {
		return nil, ErrTokenRejected
	}
	if d.failDials > 0 {
		d.failDials--
		return nil, errors.New("connection refused")
	}
	client, server := newConnPipe()
	d.serverConns <- server
	return client, nil
}

type okValidator struct{}

func (okValidator) Validate(context.Context, string) bool { return true }

type rejectValidator struct{}

func (rejectValidator) Validate(context.Context, string) bool { return false }
