package collab

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"sync"
	"time"
)

// State is the session client's connection health classification.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateConnected      State = "connected"
	StateDegraded       State = "degraded"
	StateStale          State = "stale"
	StateFailed         State = "failed"
	StateSessionExpired State = "session_expired"
)

// Session identifies one participant's connection to one submission.
type Session struct {
	SubmissionID string
	UserID       string
	UserName     string
	UserEmail    string
	Token        string
}

// Options tunes the client's liveness and reconnection behavior. Zero values
// fall back to defaults; tests shrink the durations.
type Options struct {
	PingInterval          time.Duration
	PongTimeout           time.Duration
	MaxMissedPongs        int
	ActivityCheckInterval time.Duration
	ActivitySilenceLimit  time.Duration
	BackoffBase           time.Duration
	BackoffCap            time.Duration
	MaxReconnectAttempts  int
}

// DefaultOptions returns the production tuning.
func DefaultOptions() Options {
	return Options{
		PingInterval:          30 * time.Second,
		PongTimeout:           5 * time.Second,
		MaxMissedPongs:        2,
		ActivityCheckInterval: 10 * time.Second,
		ActivitySilenceLimit:  60 * time.Second,
		BackoffBase:           time.Second,
		BackoffCap:            10 * time.Second,
		MaxReconnectAttempts:  5,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.PingInterval <= 0 {
		o.PingInterval = def.PingInterval
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = def.PongTimeout
	}
	if o.MaxMissedPongs <= 0 {
		o.MaxMissedPongs = def.MaxMissedPongs
	}
	if o.ActivityCheckInterval <= 0 {
		o.ActivityCheckInterval = def.ActivityCheckInterval
	}
	if o.ActivitySilenceLimit <= 0 {
		o.ActivitySilenceLimit = def.ActivitySilenceLimit
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = def.BackoffBase
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = def.BackoffCap
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	return o
}

// Handler receives dispatched envelopes. Handlers run on the client's event
// loop; a panicking handler never prevents delivery to the others.
type Handler func(Envelope)

// ErrClientClosed is returned once the client has been torn down.
var ErrClientClosed = errors.New("collab: client closed")

type evKind int

const (
	evConnect evKind = iota
	evDisconnect
	evSend
	evInbound
	evReadError
	evDialResult
	evPingDue
	evPongTimeout
	evActivityCheck
	evReconnectDue
)

type clientEvent struct {
	kind evKind
	env  Envelope
	gen  uint64
	conn Conn
	err  error
}

// Client maintains one logical connection to a submission's room and presents
// a stable event surface regardless of network churn. All connection state is
// owned by a single event-loop goroutine; the exported methods only post
// events or read guarded snapshots, so callers never need locking of their
// own.
type Client struct {
	dialer    Dialer
	validator TokenValidator
	session   Session
	opts      Options

	events chan clientEvent
	ctx    context.Context
	cancel context.CancelFunc
	doneC  chan struct{}

	mu            sync.Mutex
	state         State
	handlers      map[MessageType]map[int]Handler
	nextHandlerID int
	onState       func(State)

	// loop-owned, never touched outside run()
	conn              Conn
	connGen           uint64
	pending           []Envelope
	missedPongs       int
	lastActivity      time.Time
	reconnectAttempts int
	dialInFlight      bool
	reconnectPending  bool

	pingTimer      timer
	pongTimer      timer
	activityTimer  timer
	reconnectTimer timer
}

// NewClient creates a session client and starts its event loop. The client is
// disconnected until Connect is called.
func NewClient(dialer Dialer, validator TokenValidator, session Session, opts Options) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		dialer:    dialer,
		validator: validator,
		session:   session,
		opts:      opts.withDefaults(),
		events:    make(chan clientEvent, 64),
		ctx:       ctx,
		cancel:    cancel,
		doneC:     make(chan struct{}),
		state:     StateDisconnected,
		handlers:  make(map[MessageType]map[int]Handler),
	}
	go c.run()
	return c
}

// State returns the current connection-status classification.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetStateListener registers a callback invoked on every state transition.
// Intended for the connection-status indicator.
func (c *Client) SetStateListener(fn func(State)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// On subscribes a handler for one envelope type and returns an unsubscribe
// function.
func (c *Client) On(t MessageType, h Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextHandlerID++
	id := c.nextHandlerID
	if c.handlers[t] == nil {
		c.handlers[t] = make(map[int]Handler)
	}
	c.handlers[t][id] = h
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[t], id)
	}
}

// Connect validates the session token and opens the connection. A rejected
// token moves the client to session_expired and is never retried
// automatically; the caller must re-authenticate and build a new client.
func (c *Client) Connect(ctx context.Context) error {
	if c.validator != nil && !c.validator.Validate(ctx, c.session.Token) {
		c.setState(StateSessionExpired)
		return ErrTokenRejected
	}
	return c.post(clientEvent{kind: evConnect})
}

// Send stamps the sender identity and transmits the envelope, or queues it
// for FIFO replay after reconnection if the connection is down.
func (c *Client) Send(msgType MessageType, payload any) error {
	env, err := NewEnvelope(msgType, c.session.SubmissionID, payload)
	if err != nil {
		return err
	}
	return c.post(clientEvent{kind: evSend, env: env})
}

// Disconnect tears the session down: all timers stop, the outbound queue is
// cleared, and no automatic reconnection will follow.
func (c *Client) Disconnect() {
	select {
	case <-c.doneC:
		return
	default:
	}
	_ = c.post(clientEvent{kind: evDisconnect})
	<-c.doneC
}

func (c *Client) post(ev clientEvent) error {
	select {
	case c.events <- ev:
		return nil
	case <-c.ctx.Done():
		return ErrClientClosed
	}
}

func (c *Client) run() {
	defer close(c.doneC)
	for {
		select {
		case <-c.ctx.Done():
			c.teardown()
			return
		case ev := <-c.events:
			if ev.kind == evDisconnect {
				c.teardown()
				c.setState(StateDisconnected)
				c.cancel()
				return
			}
			c.handleEvent(ev)
		}
	}
}

func (c *Client) teardown() {
	c.pingTimer.Stop()
	c.pongTimer.Stop()
	c.activityTimer.Stop()
	c.reconnectTimer.Stop()
	c.pending = nil
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connGen++
}

func (c *Client) handleEvent(ev clientEvent) {
	switch ev.kind {
	case evConnect:
		// An explicit Connect restarts the retry budget, including after
		// a terminal failed state.
		c.reconnectAttempts = 0
		c.startDial()
	case evDialResult:
		c.handleDialResult(ev)
	case evInbound:
		if ev.gen == c.connGen {
			c.handleInbound(ev.env)
		}
	case evReadError:
		if ev.gen == c.connGen && c.conn != nil {
			c.forceReconnect("read error")
		}
	case evSend:
		c.handleSend(ev.env)
	case evPingDue:
		c.sendPing(false)
	case evPongTimeout:
		c.handlePongTimeout()
	case evActivityCheck:
		c.handleActivityCheck()
	case evReconnectDue:
		c.reconnectPending = false
		c.startDial()
	}
}

func (c *Client) startDial() {
	if c.dialInFlight || c.conn != nil {
		return
	}
	c.dialInFlight = true
	c.setState(StateConnecting)
	go func() {
		if c.validator != nil && !c.validator.Validate(c.ctx, c.session.Token) {
			c.post(clientEvent{kind: evDialResult, err: ErrTokenRejected})
			return
		}
		conn, err := c.dialer.Dial(c.ctx, c.session.SubmissionID, c.session.Token)
		c.post(clientEvent{kind: evDialResult, conn: conn, err: err})
	}()
}

func (c *Client) handleDialResult(ev clientEvent) {
	c.dialInFlight = false
	if ev.err != nil {
		if errors.Is(ev.err, ErrTokenRejected) {
			c.expireSession()
			return
		}
		c.scheduleReconnect()
		return
	}

	c.conn = ev.conn
	c.connGen++
	gen := c.connGen
	c.missedPongs = 0
	c.reconnectAttempts = 0
	c.lastActivity = time.Now()
	c.setState(StateConnected)

	go c.readLoop(ev.conn, gen)

	c.flushPending()
	c.pingTimer.Arm(c.opts.PingInterval, func() { c.post(clientEvent{kind: evPingDue}) })
	c.activityTimer.Arm(c.opts.ActivityCheckInterval, func() { c.post(clientEvent{kind: evActivityCheck}) })
}

func (c *Client) readLoop(conn Conn, gen uint64) {
	for {
		env, err := conn.ReadEnvelope()
		if err != nil {
			c.post(clientEvent{kind: evReadError, gen: gen, err: err})
			return
		}
		if c.post(clientEvent{kind: evInbound, gen: gen, env: env}) != nil {
			return
		}
	}
}

// flushPending replays queued envelopes in enqueue order. A write failure
// puts the remainder back at the head of the queue.
func (c *Client) flushPending() {
	for len(c.pending) > 0 {
		env := c.pending[0]
		if err := c.writeEnvelope(env); err != nil {
			c.forceReconnect("flush write failed")
			return
		}
		c.pending = c.pending[1:]
	}
}

func (c *Client) handleInbound(env Envelope) {
	c.lastActivity = time.Now()

	switch env.Type {
	case TypePing:
		pong, _ := NewEnvelope(TypePong, c.session.SubmissionID, nil)
		c.writeEnvelope(pong)
		return
	case TypePong:
		c.missedPongs = 0
		c.pongTimer.Stop()
		if c.currentState() == StateDegraded {
			c.setState(StateConnected)
		}
		return
	case TypeSessionExpired:
		c.expireSession()
		return
	}

	c.dispatch(env)
}

func (c *Client) handleSend(env Envelope) {
	state := c.currentState()
	if c.conn != nil && (state == StateConnected || state == StateDegraded) {
		if err := c.writeEnvelope(env); err != nil {
			c.pending = append(c.pending, env)
			c.forceReconnect("send write failed")
			return
		}
		c.lastActivity = time.Now()
		return
	}

	if state == StateSessionExpired {
		return
	}
	c.pending = append(c.pending, env)
	if state == StateStale && !c.dialInFlight && !c.reconnectPending {
		c.scheduleReconnect()
	}
}

func (c *Client) writeEnvelope(env Envelope) error {
	if c.conn == nil {
		return ErrConnClosed
	}
	env.UserID = c.session.UserID
	env.UserName = c.session.UserName
	env.UserEmail = c.session.UserEmail
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now()
	}
	return c.conn.WriteEnvelope(env)
}

func (c *Client) sendPing(isRetry bool) {
	if c.conn == nil {
		return
	}
	ping, _ := NewEnvelope(TypePing, c.session.SubmissionID, nil)
	if err := c.writeEnvelope(ping); err != nil {
		c.forceReconnect("ping write failed")
		return
	}
	c.pongTimer.Arm(c.opts.PongTimeout, func() { c.post(clientEvent{kind: evPongTimeout}) })
	if !isRetry {
		c.pingTimer.Arm(c.opts.PingInterval, func() { c.post(clientEvent{kind: evPingDue}) })
	}
}

// handlePongTimeout counts a missed pong. The first miss re-sends the ping
// once immediately; at the configured consecutive-miss budget the connection
// is considered dead regardless of what the transport claims.
func (c *Client) handlePongTimeout() {
	if c.conn == nil {
		return
	}
	c.missedPongs++
	if c.missedPongs >= c.opts.MaxMissedPongs {
		c.forceReconnect("missed pongs")
		return
	}
	c.setState(StateDegraded)
	c.sendPing(true)
}

// handleActivityCheck catches the failure mode where pongs still arrive but
// no room traffic is being delivered.
func (c *Client) handleActivityCheck() {
	if c.conn == nil {
		return
	}
	if time.Since(c.lastActivity) > c.opts.ActivitySilenceLimit {
		c.forceReconnect("activity silence")
		return
	}
	c.activityTimer.Arm(c.opts.ActivityCheckInterval, func() { c.post(clientEvent{kind: evActivityCheck}) })
}

// forceReconnect closes the current connection before any new one is opened;
// the session never has two connections open at once.
func (c *Client) forceReconnect(reason string) {
	log.Printf("collab: client %s/%s reconnecting: %s", c.session.SubmissionID, c.session.UserID, reason)
	c.pingTimer.Stop()
	c.pongTimer.Stop()
	c.activityTimer.Stop()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connGen++
	c.missedPongs = 0
	c.setState(StateStale)
	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	if c.reconnectPending || c.dialInFlight {
		return
	}
	if c.reconnectAttempts >= c.opts.MaxReconnectAttempts {
		c.setState(StateFailed)
		return
	}
	delay := c.backoffDelay(c.reconnectAttempts)
	c.reconnectAttempts++
	c.reconnectPending = true
	if c.currentState() != StateConnecting {
		c.setState(StateStale)
	}
	c.reconnectTimer.Arm(delay, func() { c.post(clientEvent{kind: evReconnectDue}) })
}

// backoffDelay doubles from the base per attempt up to the cap, plus random
// jitter so a fleet of clients does not reconnect in lockstep after a shared
// outage.
func (c *Client) backoffDelay(attempt int) time.Duration {
	d := c.opts.BackoffBase
	for i := 0; i < attempt && d < c.opts.BackoffCap; i++ {
		d *= 2
	}
	if d > c.opts.BackoffCap {
		d = c.opts.BackoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	return d + jitter
}

func (c *Client) expireSession() {
	c.pingTimer.Stop()
	c.pongTimer.Stop()
	c.activityTimer.Stop()
	c.reconnectTimer.Stop()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connGen++
	c.pending = nil
	c.setState(StateSessionExpired)
	expired, _ := NewEnvelope(TypeSessionExpired, c.session.SubmissionID, nil)
	c.dispatch(expired)
}

func (c *Client) currentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	listener := c.onState
	c.mu.Unlock()
	if changed && listener != nil {
		listener(s)
	}
}

// dispatch delivers an envelope to every subscribed handler. A handler that
// panics must not prevent delivery to the others.
func (c *Client) dispatch(env Envelope) {
	c.mu.Lock()
	subs := make([]Handler, 0, len(c.handlers[env.Type]))
	for _, h := range c.handlers[env.Type] {
		subs = append(subs, h)
	}
	c.mu.Unlock()

	for _, h := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("collab: handler panic for %s: %v", env.Type, r)
				}
			}()
			h(env)
		}()
	}
}
