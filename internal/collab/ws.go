package collab

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

// wsConn adapts a gorilla websocket connection to the Conn interface.
// Gorilla allows one concurrent writer, so writes are serialized here.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

func (c *wsConn) ReadEnvelope() (Envelope, error) {
	var env Envelope
	if err := c.conn.ReadJSON(&env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (c *wsConn) WriteEnvelope(env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(env)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// WSDialer dials a room endpoint over websocket. An HTTP 401 during the
// handshake is reported as ErrTokenRejected so the session client can
// distinguish identity failure from transport failure.
type WSDialer struct {
	// BaseURL is the ws:// or wss:// prefix of the API, without a path.
	BaseURL string
}

func (d *WSDialer) Dial(ctx context.Context, submissionID, token string) (Conn, error) {
	endpoint := fmt.Sprintf("%s/api/collab/%s?token=%s", d.BaseURL, url.PathEscape(submissionID), url.QueryEscape(token))
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake status %d", ErrTokenRejected, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial room %s: %w", submissionID, err)
	}
	return newWSConn(conn), nil
}

// WSHandler upgrades authenticated HTTP requests into room connections.
// Token validation and the access check happen in the HTTP layer before
// Serve is called; by this point the member identity is trusted.
type WSHandler struct {
	registry *Registry
	upgrader websocket.Upgrader
}

func NewWSHandler(registry *Registry) *WSHandler {
	return &WSHandler{
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients load the UI from a different origin in
			// development; the token query parameter is the gate.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Serve upgrades the request and pumps envelopes between the connection and
// the submission's room until either side goes away.
func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request, submissionID string, member Member) {
	raw, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("collab: upgrade failed for %s: %v", submissionID, err)
		return
	}
	conn := newWSConn(raw)

	member.ConnectedAt = time.Now()
	room, peer := h.registry.Join(submissionID, member)

	welcome, _ := NewEnvelope(TypeConnected, submissionID, nil)
	welcome.UserID = member.UserID
	welcome.UserName = member.UserName
	if err := conn.WriteEnvelope(welcome); err != nil {
		room.Leave(peer)
		conn.Close()
		return
	}

	// Write pump: a closed Out means the room removed this member.
	go func() {
		for env := range peer.Out() {
			if err := conn.WriteEnvelope(env); err != nil {
				room.Leave(peer)
				break
			}
		}
		conn.Close()
	}()

	for {
		env, err := conn.ReadEnvelope()
		if err != nil {
			room.Leave(peer)
			conn.Close()
			return
		}
		// The sender identity on the wire is not trusted; the room sees
		// the authenticated member.
		env.UserID = member.UserID
		env.UserName = member.UserName
		env.UserEmail = member.UserEmail
		env.SubmissionID = submissionID
		room.Forward(peer, env)
	}
}
