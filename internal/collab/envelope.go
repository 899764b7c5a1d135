// Package collab implements the real-time collaboration layer: per-submission
// rooms with broadcast fan-out, a reconnecting session client with liveness
// monitoring, cursor/selection synchronization, and the apply-or-defer policy
// for incoming remote content.
package collab

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType is the fixed vocabulary of envelope types on the wire.
type MessageType string

const (
	TypeConnected      MessageType = "connected"
	TypeUserJoined     MessageType = "user_joined"
	TypeUserLeft       MessageType = "user_left"
	TypeRoomState      MessageType = "room_state"
	TypeEditingStarted MessageType = "editing_started"
	TypeEditingStopped MessageType = "editing_stopped"
	TypeContentUpdated MessageType = "content_updated"
	TypeCommentAdded   MessageType = "comment_added"
	TypeApprovalAdded  MessageType = "approval_added"
	TypeStatusChanged  MessageType = "status_changed"
	TypeCursorPosition MessageType = "cursor_position"
	TypeTypingStart    MessageType = "typing_start"
	TypeTypingStop     MessageType = "typing_stop"
	TypePing           MessageType = "ping"
	TypePong           MessageType = "pong"
	TypeError          MessageType = "error"
	TypeSessionExpired MessageType = "session_expired"
)

// Envelope is the wire unit exchanged between session clients and a room.
// Envelopes are immutable once sent. Ordering between two envelopes from the
// same sender is preserved by the connection; nothing is guaranteed across
// senders.
type Envelope struct {
	Type         MessageType     `json:"type"`
	SubmissionID string          `json:"submissionId"`
	UserID       string          `json:"userId"`
	UserName     string          `json:"userName"`
	UserEmail    string          `json:"userEmail,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// Member is one participant in a room, as seen in room_state snapshots and
// presence views.
type Member struct {
	UserID      string    `json:"userId"`
	UserName    string    `json:"userName"`
	UserEmail   string    `json:"userEmail,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// PositionKind distinguishes a collapsed caret from a range selection.
type PositionKind string

const (
	KindCursor    PositionKind = "cursor"
	KindSelection PositionKind = "selection"
)

// Point addresses one spot in the document's structural tree. Offsets are
// node-relative so positions survive edits elsewhere in the tree.
type Point struct {
	NodeID string `json:"nodeId"`
	Offset int    `json:"offset"`
}

// Position is a portable caret or selection descriptor. For selections both
// Anchor and Focus are set; Anchor == Focus renders as a plain caret.
type Position struct {
	NodeID string       `json:"nodeId"`
	Offset int          `json:"offset"`
	Kind   PositionKind `json:"kind"`
	Anchor *Point       `json:"anchor,omitempty"`
	Focus  *Point       `json:"focus,omitempty"`
}

// Collapsed reports whether a selection position has no extent.
func (p Position) Collapsed() bool {
	if p.Kind != KindSelection || p.Anchor == nil || p.Focus == nil {
		return true
	}
	return *p.Anchor == *p.Focus
}

// RoomStatePayload is the snapshot handed to a freshly joined client.
type RoomStatePayload struct {
	Users []Member `json:"users"`
}

// ChangeSummary is the human-readable word-level delta attached to a content
// update.
type ChangeSummary struct {
	WordsAdded   int `json:"wordsAdded"`
	WordsRemoved int `json:"wordsRemoved"`
}

// ContentUpdatedPayload carries the full replacement content, the change
// summary, and the sender's last-known cursor so receivers can relate the
// change to a location.
type ContentUpdatedPayload struct {
	Content string        `json:"content"`
	Summary ChangeSummary `json:"summary"`
	Cursor  *Position     `json:"cursor,omitempty"`
}

// CursorPayload carries one user's current caret or selection.
type CursorPayload struct {
	Position Position `json:"position"`
}

// CommentAddedPayload announces a new comment to everyone in the room.
type CommentAddedPayload struct {
	CommentID  string `json:"commentId"`
	Body       string `json:"body"`
	AuthorName string `json:"authorName"`
}

// ApprovalAddedPayload announces a recorded verdict.
type ApprovalAddedPayload struct {
	Verdict string `json:"verdict"`
	Comment string `json:"comment,omitempty"`
}

// StatusChangedPayload announces a submission lifecycle transition.
type StatusChangedPayload struct {
	Status string `json:"status"`
}

// ErrorPayload reports an application-level failure, e.g. access denied.
// Errors never trigger reconnection; retrying would fail identically.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewEnvelope builds an envelope with the payload marshaled into Data.
// Identity fields are stamped by the session client at send time.
func NewEnvelope(msgType MessageType, submissionID string, payload any) (Envelope, error) {
	env := Envelope{
		Type:         msgType,
		SubmissionID: submissionID,
		Timestamp:    time.Now(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		env.Data = raw
	}
	return env, nil
}

// DecodePayload decodes an envelope's Data into the payload shape for its
// type. Types without a payload return nil. Unknown types are an error so a
// protocol drift is caught at dispatch time rather than silently ignored.
func DecodePayload(env Envelope) (any, error) {
	switch env.Type {
	case TypeRoomState:
		return decodeAs[RoomStatePayload](env)
	case TypeContentUpdated:
		return decodeAs[ContentUpdatedPayload](env)
	case TypeCursorPosition:
		return decodeAs[CursorPayload](env)
	case TypeCommentAdded:
		return decodeAs[CommentAddedPayload](env)
	case TypeApprovalAdded:
		return decodeAs[ApprovalAddedPayload](env)
	case TypeStatusChanged:
		return decodeAs[StatusChangedPayload](env)
	case TypeError:
		return decodeAs[ErrorPayload](env)
	case TypeConnected, TypeUserJoined, TypeUserLeft,
		TypeEditingStarted, TypeEditingStopped,
		TypeTypingStart, TypeTypingStop,
		TypePing, TypePong, TypeSessionExpired:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown envelope type %q", env.Type)
	}
}

func decodeAs[T any](env Envelope) (T, error) {
	var payload T
	if len(env.Data) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return payload, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return payload, nil
}
