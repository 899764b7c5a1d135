package collab

import (
	"log"
	"time"
)

// RoomOptions tunes per-room behavior.
type RoomOptions struct {
	// SendBuffer is the per-member outbound buffer; a member that cannot
	// drain it is evicted rather than allowed to stall the room.
	SendBuffer int
	// GhostSweepInterval is how often silent members are checked.
	GhostSweepInterval time.Duration
	// GhostTimeout is the silence window after which a member that never
	// completed a liveness cycle is treated as left.
	GhostTimeout time.Duration
}

// DefaultRoomOptions returns the production tuning.
func DefaultRoomOptions() RoomOptions {
	return RoomOptions{
		SendBuffer:         64,
		GhostSweepInterval: 10 * time.Second,
		GhostTimeout:       90 * time.Second,
	}
}

func (o RoomOptions) withDefaults() RoomOptions {
	def := DefaultRoomOptions()
	if o.SendBuffer <= 0 {
		o.SendBuffer = def.SendBuffer
	}
	if o.GhostSweepInterval <= 0 {
		o.GhostSweepInterval = def.GhostSweepInterval
	}
	if o.GhostTimeout <= 0 {
		o.GhostTimeout = def.GhostTimeout
	}
	return o
}

// RoomPeer is the room's handle to one connected participant. The transport
// layer drains Out and writes each envelope to the member's connection; a
// closed Out channel means the member was removed (replaced, evicted, or the
// room shut down) and the connection should be closed.
type RoomPeer struct {
	member   Member
	out      chan Envelope
	lastSeen time.Time // loop-owned
}

// Out yields envelopes addressed to this member, in room broadcast order.
func (p *RoomPeer) Out() <-chan Envelope { return p.out }

// Member returns the participant identity this peer represents.
func (p *RoomPeer) Member() Member { return p.member }

type joinReq struct {
	member Member
	reply  chan *RoomPeer
}

type inboundMsg struct {
	from *RoomPeer
	env  Envelope
}

type countReq struct {
	reply chan int
}

// Room is the single point of serialization for one submission's live
// collaboration state. All membership changes and broadcasts pass through its
// run loop, so per-sender envelope order is preserved for every recipient and
// no locking is needed on the membership list.
type Room struct {
	submissionID string
	opts         RoomOptions

	joins   chan joinReq
	leaves  chan *RoomPeer
	inbound chan inboundMsg
	counts  chan countReq
	done    chan struct{}

	onEmpty func()
}

func newRoom(submissionID string, opts RoomOptions) *Room {
	return &Room{
		submissionID: submissionID,
		opts:         opts.withDefaults(),
		joins:        make(chan joinReq),
		leaves:       make(chan *RoomPeer),
		inbound:      make(chan inboundMsg, 256),
		counts:       make(chan countReq),
		done:         make(chan struct{}),
	}
}

// start launches the room's run loop. onEmpty is invoked once, right after
// the room shuts down idle.
func (r *Room) start(onEmpty func()) {
	r.onEmpty = onEmpty
	go r.run()
}

// SubmissionID returns the submission this room serializes.
func (r *Room) SubmissionID() string { return r.submissionID }

// Join adds a participant and returns its peer handle. Returns nil if the
// room has already shut down; callers should fetch a fresh room and retry.
// A rejoining userId replaces its old peer rather than appearing twice.
func (r *Room) Join(member Member) *RoomPeer {
	req := joinReq{member: member, reply: make(chan *RoomPeer, 1)}
	select {
	case r.joins <- req:
		return <-req.reply
	case <-r.done:
		return nil
	}
}

// Leave removes a peer and notifies the remaining members.
func (r *Room) Leave(p *RoomPeer) {
	select {
	case r.leaves <- p:
	case <-r.done:
	}
}

// Forward hands an inbound envelope from a peer to the room for fan-out.
func (r *Room) Forward(p *RoomPeer, env Envelope) {
	select {
	case r.inbound <- inboundMsg{from: p, env: env}:
	case <-r.done:
	}
}

// Broadcast delivers a server-originated envelope to every member. Used for
// lifecycle notifications that do not come from a participant, like status
// changes decided by the approval workflow.
func (r *Room) Broadcast(env Envelope) {
	select {
	case r.inbound <- inboundMsg{from: nil, env: env}:
	case <-r.done:
	}
}

// MemberCount reports the current membership size. Zero after shutdown.
func (r *Room) MemberCount() int {
	req := countReq{reply: make(chan int, 1)}
	select {
	case r.counts <- req:
		return <-req.reply
	case <-r.done:
		return 0
	}
}

func (r *Room) run() {
	members := make(map[string]*RoomPeer) // keyed by userId
	sweep := time.NewTicker(r.opts.GhostSweepInterval)
	defer sweep.Stop()

	remove := func(p *RoomPeer, announce bool) {
		current, ok := members[p.member.UserID]
		if !ok || current != p {
			return
		}
		delete(members, p.member.UserID)
		close(p.out)
		if announce {
			left, _ := NewEnvelope(TypeUserLeft, r.submissionID, nil)
			left.UserID = p.member.UserID
			left.UserName = p.member.UserName
			left.UserEmail = p.member.UserEmail
			r.fanOut(members, left, nil)
		}
	}

	for {
		if len(members) == 0 {
			// Empty room: shut down after an idle grace period. The
			// registry drops its reference via onEmpty; a racing Join
			// sees the closed done channel and retries on a new room.
			idle := time.NewTimer(r.opts.GhostTimeout)
			select {
			case req := <-r.joins:
				idle.Stop()
				r.admit(members, req)
			case req := <-r.counts:
				idle.Stop()
				req.reply <- 0
			case <-r.inbound:
				// nobody to deliver to
				idle.Stop()
			case <-idle.C:
				close(r.done)
				if r.onEmpty != nil {
					r.onEmpty()
				}
				return
			}
			continue
		}

		select {
		case req := <-r.joins:
			r.admit(members, req)

		case p := <-r.leaves:
			remove(p, true)

		case msg := <-r.inbound:
			p := msg.from
			if p == nil {
				r.fanOut(members, msg.env, nil)
				continue
			}
			if current, ok := members[p.member.UserID]; !ok || current != p {
				continue
			}
			p.lastSeen = time.Now()
			switch msg.env.Type {
			case TypePing:
				// direct reply to the sender, never fanned out
				pong, _ := NewEnvelope(TypePong, r.submissionID, nil)
				deliver(p, pong)
			case TypePong:
				// heartbeat response, nothing to forward
			default:
				r.fanOut(members, msg.env, p)
			}

		case <-sweep.C:
			now := time.Now()
			for _, p := range members {
				if now.Sub(p.lastSeen) > r.opts.GhostTimeout {
					log.Printf("collab: room %s evicting ghost member %s", r.submissionID, p.member.UserID)
					remove(p, true)
				}
			}

		case req := <-r.counts:
			req.reply <- len(members)
		}
	}
}

// admit adds a member: rejoin replaces the old peer silently, a fresh join is
// announced to everyone else, and the joiner receives a room_state snapshot
// of the members that were already present.
func (r *Room) admit(members map[string]*RoomPeer, req joinReq) {
	if old, ok := members[req.member.UserID]; ok {
		delete(members, req.member.UserID)
		close(old.out)
	}

	others := make([]Member, 0, len(members))
	for _, p := range members {
		others = append(others, p.member)
	}

	peer := &RoomPeer{
		member:   req.member,
		out:      make(chan Envelope, r.opts.SendBuffer),
		lastSeen: time.Now(),
	}

	state, _ := NewEnvelope(TypeRoomState, r.submissionID, RoomStatePayload{Users: others})
	peer.out <- state

	joined, _ := NewEnvelope(TypeUserJoined, r.submissionID, nil)
	joined.UserID = req.member.UserID
	joined.UserName = req.member.UserName
	joined.UserEmail = req.member.UserEmail
	r.fanOut(members, joined, nil)

	members[req.member.UserID] = peer
	req.reply <- peer
}

// fanOut delivers an envelope to every member except the sender. Members that
// cannot keep up are dropped from the membership map by the caller's next
// interaction; delivery itself never blocks the room.
func (r *Room) fanOut(members map[string]*RoomPeer, env Envelope, sender *RoomPeer) {
	var overflow []*RoomPeer
	for _, p := range members {
		if p == sender {
			continue
		}
		if !deliver(p, env) {
			log.Printf("collab: room %s dropping slow member %s", r.submissionID, p.member.UserID)
			overflow = append(overflow, p)
		}
	}
	for _, p := range overflow {
		delete(members, p.member.UserID)
		close(p.out)
		left, _ := NewEnvelope(TypeUserLeft, r.submissionID, nil)
		left.UserID = p.member.UserID
		left.UserName = p.member.UserName
		r.fanOut(members, left, nil)
	}
}

func deliver(p *RoomPeer, env Envelope) bool {
	select {
	case p.out <- env:
		return true
	default:
		return false
	}
}
