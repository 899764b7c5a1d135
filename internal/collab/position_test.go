package collab

import (
	"sync"
	"testing"
	"time"
)

// mapResolver resolves positions from a fixed table, standing in for a live
// rendering surface.
type mapResolver struct {
	rects map[string]Rect // keyed by nodeID
}

func (m *mapResolver) Resolve(nodeID string, offset int) (Rect, bool) {
	r, ok := m.rects[nodeID]
	if !ok {
		return Rect{}, false
	}
	// One character is 8px wide in this fake surface.
	r.X += float64(offset) * 8
	return r, true
}

func testViewport() Rect {
	return Rect{X: 0, Y: 0, W: 800, H: 600}
}

func TestCursorRoundTrip(t *testing.T) {
	resolver := &mapResolver{rects: map[string]Rect{
		"node-7": {X: 100, Y: 200, W: 2, H: 18},
	}}
	codec := NewCodec(resolver, testViewport())

	overlay := codec.Locate(CursorDescriptor{
		UserID:   "usr_b",
		Position: Position{NodeID: "node-7", Offset: 5, Kind: KindCursor},
	})

	// The left edge must match what the surface itself reports for the
	// same logical position.
	want, _ := resolver.Resolve("node-7", 5)
	if overlay.Caret.X != want.X {
		t.Fatalf("caret left edge = %v, want %v", overlay.Caret.X, want.X)
	}
	if overlay.Approximate {
		t.Fatal("exact position marked approximate")
	}
}

func TestMissingNodeDegradesToAnchor(t *testing.T) {
	codec := NewCodec(&mapResolver{rects: map[string]Rect{}}, testViewport())

	overlay := codec.Locate(CursorDescriptor{
		Position: Position{NodeID: "deleted-node", Offset: 3, Kind: KindCursor},
	})
	if !overlay.Approximate {
		t.Fatal("missing node must be marked approximate")
	}
	if overlay.Caret.X != 0 || overlay.Caret.Y != 0 {
		t.Fatalf("fallback caret = %+v, want viewport top-left", overlay.Caret)
	}
}

func TestSelectionSpansAnchorToFocus(t *testing.T) {
	resolver := &mapResolver{rects: map[string]Rect{
		"n1": {X: 40, Y: 100, W: 2, H: 18},
		"n2": {X: 200, Y: 140, W: 2, H: 18},
	}}
	codec := NewCodec(resolver, testViewport())

	overlay := codec.Locate(CursorDescriptor{
		Position: Position{
			Kind:   KindSelection,
			Anchor: &Point{NodeID: "n1", Offset: 0},
			Focus:  &Point{NodeID: "n2", Offset: 0},
		},
	})
	if overlay.Selection == nil {
		t.Fatal("non-collapsed selection rendered without a span")
	}
	span := *overlay.Selection
	if span.X != 40 || span.Y != 100 {
		t.Fatalf("span origin = (%v,%v), want (40,100)", span.X, span.Y)
	}
	if span.X+span.W < 200 {
		t.Fatalf("span does not reach the focus edge: %+v", span)
	}
}

func TestCollapsedSelectionRendersAsCursor(t *testing.T) {
	resolver := &mapResolver{rects: map[string]Rect{
		"n1": {X: 40, Y: 100, W: 2, H: 18},
	}}
	codec := NewCodec(resolver, testViewport())

	same := &Point{NodeID: "n1", Offset: 4}
	overlay := codec.Locate(CursorDescriptor{
		Position: Position{NodeID: "n1", Offset: 4, Kind: KindSelection, Anchor: same, Focus: same},
	})
	if overlay.Selection != nil {
		t.Fatal("collapsed selection must not render a span")
	}
}

func TestLabelFlipsBelowAtTopEdge(t *testing.T) {
	resolver := &mapResolver{rects: map[string]Rect{
		"top": {X: 50, Y: 5, W: 2, H: 18},
	}}
	codec := NewCodec(resolver, testViewport())

	overlay := codec.Locate(CursorDescriptor{
		Position: Position{NodeID: "top", Offset: 0, Kind: KindCursor},
	})
	if overlay.Label.Y < 0 {
		t.Fatalf("label off-canvas at y=%v", overlay.Label.Y)
	}
	if overlay.Label.Y != overlay.Caret.Y+overlay.Caret.H {
		t.Fatalf("label did not flip below the caret: label y=%v", overlay.Label.Y)
	}
}

func TestLabelClampsAtRightEdge(t *testing.T) {
	vp := testViewport()
	resolver := &mapResolver{rects: map[string]Rect{
		"edge": {X: vp.W - 10, Y: 300, W: 2, H: 18},
	}}
	codec := NewCodec(resolver, vp)

	overlay := codec.Locate(CursorDescriptor{
		Position: Position{NodeID: "edge", Offset: 0, Kind: KindCursor},
	})
	if overlay.Label.X+overlay.Label.W > vp.X+vp.W {
		t.Fatalf("label extends past the right edge: x=%v w=%v", overlay.Label.X, overlay.Label.W)
	}
}

func TestRepositionerRetries(t *testing.T) {
	r := NewRepositioner(3, 5*time.Millisecond)
	defer r.Stop()

	var mu sync.Mutex
	calls := 0
	r.Trigger(func() {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := calls
		mu.Unlock()
		if n == 4 { // immediate + 3 retries
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	t.Fatalf("recompute ran %d times, want 4", calls)
}
