package collab

import "sync"

// Registry owns the live rooms, one per submission. It is an explicit object
// wired into the transport handler rather than package-level state, so tests
// get isolated instances.
type Registry struct {
	opts RoomOptions

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewRegistry creates an empty room registry.
func NewRegistry(opts RoomOptions) *Registry {
	return &Registry{
		opts:  opts,
		rooms: make(map[string]*Room),
	}
}

// Join adds a member to the submission's room, creating the room on first
// join. Handles the race where a room shuts down idle between lookup and
// join by retrying on a fresh room.
func (g *Registry) Join(submissionID string, member Member) (*Room, *RoomPeer) {
	for {
		room := g.get(submissionID)
		if peer := room.Join(member); peer != nil {
			return room, peer
		}
		g.drop(submissionID, room)
	}
}

// Room returns the live room for a submission, or nil if none exists.
func (g *Registry) Room(submissionID string) *Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rooms[submissionID]
}

func (g *Registry) get(submissionID string) *Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	if room, ok := g.rooms[submissionID]; ok {
		return room
	}
	room := newRoom(submissionID, g.opts)
	room.start(func() { g.drop(submissionID, room) })
	g.rooms[submissionID] = room
	return room
}

func (g *Registry) drop(submissionID string, room *Room) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rooms[submissionID] == room {
		delete(g.rooms, submissionID)
	}
}
