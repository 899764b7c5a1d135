package collab

import (
	"testing"
	"time"
)

func dispatchToPresence(c *Client, env Envelope) {
	c.dispatch(env)
}

func TestPresenceTracksMembership(t *testing.T) {
	c := NewClient(newPipeDialer(), okValidator{}, testSession(), testOptions())
	defer c.Disconnect()
	p := NewPresence(c, "usr_a")
	defer p.Close()

	state, _ := NewEnvelope(TypeRoomState, "sub_1", RoomStatePayload{Users: []Member{
		{UserID: "usr_b", UserName: "Grace", ConnectedAt: time.Now().Add(-time.Minute)},
	}})
	dispatchToPresence(c, state)

	joined, _ := NewEnvelope(TypeUserJoined, "sub_1", nil)
	joined.UserID = "usr_c"
	joined.UserName = "Edsger"
	joined.Timestamp = time.Now()
	dispatchToPresence(c, joined)

	members := p.Members()
	if len(members) != 2 {
		t.Fatalf("members = %d, want 2", len(members))
	}
	if members[0].UserID != "usr_b" || members[1].UserID != "usr_c" {
		t.Fatalf("member order = %s, %s", members[0].UserID, members[1].UserID)
	}

	left, _ := NewEnvelope(TypeUserLeft, "sub_1", nil)
	left.UserID = "usr_b"
	dispatchToPresence(c, left)
	if members := p.Members(); len(members) != 1 || members[0].UserID != "usr_c" {
		t.Fatalf("after leave: %+v", members)
	}
}

func TestPresenceIgnoresSelfEchoes(t *testing.T) {
	c := NewClient(newPipeDialer(), okValidator{}, testSession(), testOptions())
	defer c.Disconnect()
	p := NewPresence(c, "usr_a")
	defer p.Close()

	joined, _ := NewEnvelope(TypeUserJoined, "sub_1", nil)
	joined.UserID = "usr_a"
	dispatchToPresence(c, joined)
	if got := p.Members(); len(got) != 0 {
		t.Fatalf("tracked own join: %+v", got)
	}
}

func TestPresenceTypingIndicators(t *testing.T) {
	c := NewClient(newPipeDialer(), okValidator{}, testSession(), testOptions())
	defer c.Disconnect()
	p := NewPresence(c, "usr_a")
	defer p.Close()

	start, _ := NewEnvelope(TypeTypingStart, "sub_1", nil)
	start.UserID = "usr_b"
	dispatchToPresence(c, start)
	if typing := p.Typing(); len(typing) != 1 || typing[0] != "usr_b" {
		t.Fatalf("typing = %v", typing)
	}

	stop, _ := NewEnvelope(TypeTypingStop, "sub_1", nil)
	stop.UserID = "usr_b"
	dispatchToPresence(c, stop)
	if typing := p.Typing(); len(typing) != 0 {
		t.Fatalf("typing after stop = %v", typing)
	}
}

func TestStaleCursorDescriptorsDiscarded(t *testing.T) {
	c := NewClient(newPipeDialer(), okValidator{}, testSession(), testOptions())
	defer c.Disconnect()
	p := NewPresence(c, "usr_a")
	defer p.Close()

	now := time.Now()
	newer, _ := NewEnvelope(TypeCursorPosition, "sub_1", CursorPayload{
		Position: Position{NodeID: "n2", Offset: 9, Kind: KindCursor},
	})
	newer.UserID = "usr_b"
	newer.Timestamp = now
	dispatchToPresence(c, newer)

	older, _ := NewEnvelope(TypeCursorPosition, "sub_1", CursorPayload{
		Position: Position{NodeID: "n1", Offset: 2, Kind: KindCursor},
	})
	older.UserID = "usr_b"
	older.Timestamp = now.Add(-time.Second)
	dispatchToPresence(c, older)

	cursor, ok := p.Cursor("usr_b")
	if !ok {
		t.Fatal("cursor missing")
	}
	if cursor.Position.NodeID != "n2" {
		t.Fatalf("stale descriptor overwrote newer one: %+v", cursor.Position)
	}
}

func TestUserLeftClearsCursorAndTyping(t *testing.T) {
	c := NewClient(newPipeDialer(), okValidator{}, testSession(), testOptions())
	defer c.Disconnect()
	p := NewPresence(c, "usr_a")
	defer p.Close()

	cursor, _ := NewEnvelope(TypeCursorPosition, "sub_1", CursorPayload{
		Position: Position{NodeID: "n1", Offset: 0, Kind: KindCursor},
	})
	cursor.UserID = "usr_b"
	cursor.Timestamp = time.Now()
	dispatchToPresence(c, cursor)

	start, _ := NewEnvelope(TypeTypingStart, "sub_1", nil)
	start.UserID = "usr_b"
	dispatchToPresence(c, start)

	left, _ := NewEnvelope(TypeUserLeft, "sub_1", nil)
	left.UserID = "usr_b"
	dispatchToPresence(c, left)

	if _, ok := p.Cursor("usr_b"); ok {
		t.Fatal("cursor survived user_left")
	}
	if typing := p.Typing(); len(typing) != 0 {
		t.Fatalf("typing survived user_left: %v", typing)
	}
}
