package collab

import (
	"sync"
	"time"
)

// Rect is a rectangle on the rendering surface, origin top-left.
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// RectResolver maps a node-relative position to a screen rectangle against a
// concrete rendering surface. It is the only part of the cursor protocol tied
// to a UI toolkit; everything else stays portable.
type RectResolver interface {
	Resolve(nodeID string, offset int) (Rect, bool)
}

// Overlay is the rendered form of one remote cursor: a caret rectangle, an
// optional selection span, and a floating name label that always stays inside
// the editing surface.
type Overlay struct {
	UserID      string
	UserName    string
	Caret       Rect
	Selection   *Rect
	Label       Rect
	Approximate bool
}

const (
	labelWidth  = 120.0
	labelHeight = 20.0
)

// Codec converts portable (nodeId, offset) descriptors into overlays against
// the local rendering of the document. Positions reference nodes of the
// document tree rather than flat text offsets, so they survive edits
// elsewhere in the document.
type Codec struct {
	mu       sync.Mutex
	resolver RectResolver
	viewport Rect
}

func NewCodec(resolver RectResolver, viewport Rect) *Codec {
	return &Codec{resolver: resolver, viewport: viewport}
}

// SetViewport updates the visible editing surface bounds, e.g. after a
// window resize.
func (c *Codec) SetViewport(v Rect) {
	c.mu.Lock()
	c.viewport = v
	c.mu.Unlock()
}

// Locate renders a remote cursor descriptor into an overlay. A position whose
// node no longer exists (deleted concurrently) degrades to the viewport's
// top-left anchor with Approximate set — remote cursors must never disappear
// without explanation.
func (c *Codec) Locate(d CursorDescriptor) Overlay {
	c.mu.Lock()
	resolver := c.resolver
	viewport := c.viewport
	c.mu.Unlock()

	overlay := Overlay{UserID: d.UserID, UserName: d.UserName}

	pos := d.Position
	if pos.Kind == KindSelection && !pos.Collapsed() {
		anchorRect, anchorOK := resolver.Resolve(pos.Anchor.NodeID, pos.Anchor.Offset)
		focusRect, focusOK := resolver.Resolve(pos.Focus.NodeID, pos.Focus.Offset)
		if anchorOK && focusOK {
			overlay.Caret = focusRect
			span := boundingBox(anchorRect, focusRect)
			overlay.Selection = &span
		} else {
			overlay.Caret = fallbackAnchor(viewport)
			overlay.Approximate = true
		}
	} else {
		caret, ok := resolver.Resolve(pos.NodeID, pos.Offset)
		if ok {
			overlay.Caret = caret
		} else {
			overlay.Caret = fallbackAnchor(viewport)
			overlay.Approximate = true
		}
	}

	overlay.Label = placeLabel(overlay.Caret, viewport)
	return overlay
}

// fallbackAnchor is the degraded position at the viewport's top-left.
func fallbackAnchor(viewport Rect) Rect {
	return Rect{X: viewport.X, Y: viewport.Y, W: 2, H: 18}
}

func boundingBox(a, b Rect) Rect {
	x1 := min(a.X, b.X)
	y1 := min(a.Y, b.Y)
	x2 := max(a.X+a.W, b.X+b.W)
	y2 := max(a.Y+a.H, b.Y+b.H)
	return Rect{X: x1, Y: y1, W: x2 - x1, H: y2 - y1}
}

// placeLabel positions the floating name label above the caret, flipping
// below when there is no headroom and clamping horizontally so it never
// renders partially off-canvas.
func placeLabel(caret Rect, viewport Rect) Rect {
	label := Rect{W: labelWidth, H: labelHeight}

	label.Y = caret.Y - labelHeight
	if label.Y < viewport.Y {
		label.Y = caret.Y + caret.H
	}

	label.X = caret.X
	maxX := viewport.X + viewport.W - labelWidth
	if label.X > maxX {
		label.X = maxX
	}
	if label.X < viewport.X {
		label.X = viewport.X
	}
	return label
}

// Repositioner recomputes all remote overlays after local content is
// replaced wholesale. Node identities may have shifted and the surrounding
// re-render completes asynchronously, so the recompute is repeated a few
// times with short delays.
type Repositioner struct {
	retries int
	delay   time.Duration
	t       timer
}

func NewRepositioner(retries int, delay time.Duration) *Repositioner {
	if retries <= 0 {
		retries = 3
	}
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	return &Repositioner{retries: retries, delay: delay}
}

// Trigger runs recompute immediately, then again after each delay until the
// retry budget is spent. A new Trigger restarts the schedule.
func (r *Repositioner) Trigger(recompute func()) {
	recompute()
	r.schedule(recompute, r.retries)
}

func (r *Repositioner) schedule(recompute func(), remaining int) {
	if remaining <= 0 {
		return
	}
	r.t.Arm(r.delay, func() {
		recompute()
		r.schedule(recompute, remaining-1)
	})
}

// Stop cancels any pending recompute.
func (r *Repositioner) Stop() {
	r.t.Stop()
}
