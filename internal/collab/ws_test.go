package collab

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// TestWebSocketEndToEnd runs two session clients against a real websocket
// server and checks that a comment from one reaches the other through the
// room.
func TestWebSocketEndToEnd(t *testing.T) {
	registry := NewRegistry(testRoomOptions())
	handler := NewWSHandler(registry)

	// The test token carries the identity as "userId|userName"; production
	// resolves the member from a validated session token instead.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		submissionID := strings.TrimPrefix(r.URL.Path, "/api/collab/")
		token := r.URL.Query().Get("token")
		parts := strings.SplitN(token, "|", 2)
		if len(parts) != 2 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		handler.Serve(w, r, submissionID, Member{UserID: parts[0], UserName: parts[1]})
	}))
	defer srv.Close()

	dialer := &WSDialer{BaseURL: "ws" + strings.TrimPrefix(srv.URL, "http")}

	dial := func(user, name string) *Client {
		session := Session{
			SubmissionID: "sub_ws",
			UserID:       user,
			UserName:     name,
			Token:        user + "|" + name,
		}
		c := NewClient(dialer, okValidator{}, session, testOptions())
		if err := c.Connect(context.Background()); err != nil {
			t.Fatalf("connect %s: %v", user, err)
		}
		return c
	}

	alice := dial("usr_alice", "Alice")
	defer alice.Disconnect()
	waitState(t, alice, StateConnected, 2*time.Second)

	got := make(chan Envelope, 1)
	alice.On(TypeCommentAdded, func(env Envelope) { got <- env })

	bob := dial("usr_bob", "Bob")
	defer bob.Disconnect()
	waitState(t, bob, StateConnected, 2*time.Second)

	// Wait for Bob's membership to land before broadcasting.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if room := registry.Room("sub_ws"); room != nil && room.MemberCount() == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := bob.Send(TypeCommentAdded, CommentAddedPayload{Body: "looks good"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case env := <-got:
		if env.UserID != "usr_bob" {
			t.Fatalf("comment attributed to %q", env.UserID)
		}
		payload, err := DecodePayload(env)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body := payload.(CommentAddedPayload).Body; body != "looks good" {
			t.Fatalf("body = %q", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("comment never fanned out across the websocket")
	}
}

func TestWSDialerReportsHandshakeRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	dialer := &WSDialer{BaseURL: "ws" + strings.TrimPrefix(srv.URL, "http")}
	_, err := dialer.Dial(context.Background(), "sub_ws", "bad-token")
	if !errors.Is(err, ErrTokenRejected) {
		t.Fatalf("err = %v, want ErrTokenRejected", err)
	}
}
