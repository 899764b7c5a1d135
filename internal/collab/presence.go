package collab

import (
	"sort"
	"sync"
	"time"
)

// CursorDescriptor is one remote user's current caret or selection. The next
// descriptor from the same user supersedes it; stale descriptors are
// discarded, never merged.
type CursorDescriptor struct {
	UserID    string
	UserName  string
	Position  Position
	Timestamp time.Time
}

// Presence is the derived view of who is connected, who is typing, and where
// each remote cursor is. It is built purely from room events observed through
// one session client and holds no authority of its own.
type Presence struct {
	selfID string

	mu      sync.Mutex
	members map[string]Member
	typing  map[string]bool
	cursors map[string]CursorDescriptor

	unsubs []func()
}

// NewPresence subscribes to the client's room events. The tracker ignores the
// local user's own echoed envelopes.
func NewPresence(c *Client, selfID string) *Presence {
	p := &Presence{
		selfID:  selfID,
		members: make(map[string]Member),
		typing:  make(map[string]bool),
		cursors: make(map[string]CursorDescriptor),
	}
	p.unsubs = []func(){
		c.On(TypeRoomState, p.onRoomState),
		c.On(TypeUserJoined, p.onUserJoined),
		c.On(TypeUserLeft, p.onUserLeft),
		c.On(TypeTypingStart, p.onTypingStart),
		c.On(TypeTypingStop, p.onTypingStop),
		c.On(TypeCursorPosition, p.onCursor),
	}
	return p
}

// Close unsubscribes from the client.
func (p *Presence) Close() {
	for _, unsub := range p.unsubs {
		unsub()
	}
}

// Members lists connected remote users, oldest connection first.
func (p *Presence) Members() []Member {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Member, 0, len(p.members))
	for _, m := range p.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Typing lists the userIds currently typing.
func (p *Presence) Typing() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.typing))
	for id := range p.typing {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Cursor returns the last known cursor for a user.
func (p *Presence) Cursor(userID string) (CursorDescriptor, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.cursors[userID]
	return d, ok
}

// Cursors returns every remote cursor currently tracked.
func (p *Presence) Cursors() []CursorDescriptor {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]CursorDescriptor, 0, len(p.cursors))
	for _, d := range p.cursors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (p *Presence) onRoomState(env Envelope) {
	payload, err := DecodePayload(env)
	if err != nil {
		return
	}
	state, ok := payload.(RoomStatePayload)
	if !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.members = make(map[string]Member, len(state.Users))
	for _, m := range state.Users {
		if m.UserID == p.selfID {
			continue
		}
		p.members[m.UserID] = m
	}
}

func (p *Presence) onUserJoined(env Envelope) {
	if env.UserID == p.selfID {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.members[env.UserID] = Member{
		UserID:      env.UserID,
		UserName:    env.UserName,
		UserEmail:   env.UserEmail,
		ConnectedAt: env.Timestamp,
	}
}

func (p *Presence) onUserLeft(env Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.members, env.UserID)
	delete(p.typing, env.UserID)
	delete(p.cursors, env.UserID)
}

func (p *Presence) onTypingStart(env Envelope) {
	if env.UserID == p.selfID {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.typing[env.UserID] = true
}

func (p *Presence) onTypingStop(env Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.typing, env.UserID)
}

func (p *Presence) onCursor(env Envelope) {
	if env.UserID == p.selfID {
		return
	}
	payload, err := DecodePayload(env)
	if err != nil {
		return
	}
	cursor, ok := payload.(CursorPayload)
	if !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if prev, ok := p.cursors[env.UserID]; ok && env.Timestamp.Before(prev.Timestamp) {
		// out-of-order descriptor, already superseded
		return
	}
	p.cursors[env.UserID] = CursorDescriptor{
		UserID:    env.UserID,
		UserName:  env.UserName,
		Position:  cursor.Position,
		Timestamp: env.Timestamp,
	}
}
