package collab

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"
)

// Editor is the arbiter's binding to the local rich-text editor. Content is
// an opaque serialized blob; the arbiter only ever replaces it wholesale.
type Editor interface {
	Content() string
	SetContent(content string)
}

// SaveFunc persists the local content outward (to the submission store).
type SaveFunc func(ctx context.Context, content string) error

// ArbiterOptions tunes the apply-or-defer policy. Zero values fall back to
// defaults.
type ArbiterOptions struct {
	// DebounceInterval is the quiet period after the last local change
	// before an auto-save fires.
	DebounceInterval time.Duration
	// SweepInterval is the fallback check for unsaved-but-unscheduled
	// changes and for replaying a deferred remote update.
	SweepInterval time.Duration
	// RecencyWindow is how recently a local save must have happened for an
	// incoming remote update to be deferred instead of applied.
	RecencyWindow time.Duration
	// TypingStopAfter is the local inactivity window before typing_stop.
	TypingStopAfter time.Duration
}

// DefaultArbiterOptions returns the production tuning.
func DefaultArbiterOptions() ArbiterOptions {
	return ArbiterOptions{
		DebounceInterval: 7 * time.Second,
		SweepInterval:    10 * time.Second,
		RecencyWindow:    15 * time.Second,
		TypingStopAfter:  2 * time.Second,
	}
}

func (o ArbiterOptions) withDefaults() ArbiterOptions {
	def := DefaultArbiterOptions()
	if o.DebounceInterval <= 0 {
		o.DebounceInterval = def.DebounceInterval
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = def.SweepInterval
	}
	if o.RecencyWindow <= 0 {
		o.RecencyWindow = def.RecencyWindow
	}
	if o.TypingStopAfter <= 0 {
		o.TypingStopAfter = def.TypingStopAfter
	}
	return o
}

// Arbiter decides, per incoming remote content update, whether to apply it
// now or defer it, and drives the debounced outbound auto-save. A deferred
// update is not dropped: the latest one is kept and replayed once the local
// user has been idle past the recency window with nothing unsaved.
type Arbiter struct {
	client     *Client
	editor     Editor
	save       SaveFunc
	reposition func()
	opts       ArbiterOptions

	mu           sync.Mutex
	lastSaved    string
	dirty        bool
	saveInFlight bool
	lastSaveAt   time.Time
	typing       bool
	deferred     *ContentUpdatedPayload
	cursor       *Position

	debounceTimer timer
	typingTimer   timer

	unsub func()
	done  chan struct{}
}

// NewArbiter wires the arbiter to a session client and editor. initial is
// the content already persisted when the session opens.
func NewArbiter(client *Client, editor Editor, save SaveFunc, reposition func(), initial string, opts ArbiterOptions) *Arbiter {
	a := &Arbiter{
		client:     client,
		editor:     editor,
		save:       save,
		reposition: reposition,
		opts:       opts.withDefaults(),
		lastSaved:  initial,
		done:       make(chan struct{}),
	}
	a.unsub = client.On(TypeContentUpdated, a.handleRemote)
	go a.sweepLoop()
	return a
}

// Close stops all timers and the sweep. Pending local changes are not saved.
func (a *Arbiter) Close() {
	a.debounceTimer.Stop()
	a.typingTimer.Stop()
	if a.unsub != nil {
		a.unsub()
	}
	close(a.done)
}

// OnLocalChange records one keystroke-equivalent edit: it (re)arms the save
// debounce and maintains the advisory typing indicator.
func (a *Arbiter) OnLocalChange() {
	a.mu.Lock()
	a.dirty = true
	startTyping := !a.typing
	a.typing = true
	a.mu.Unlock()

	if startTyping {
		a.client.Send(TypeTypingStart, nil)
	}
	a.typingTimer.Arm(a.opts.TypingStopAfter, a.stopTyping)
	a.debounceTimer.Arm(a.opts.DebounceInterval, a.flush)
}

func (a *Arbiter) stopTyping() {
	a.mu.Lock()
	wasTyping := a.typing
	a.typing = false
	a.mu.Unlock()
	if wasTyping {
		a.client.Send(TypeTypingStop, nil)
	}
}

// StartEditing announces that the local user opened the editing surface.
func (a *Arbiter) StartEditing() {
	a.client.Send(TypeEditingStarted, nil)
}

// StopEditing announces that the local user left the editing surface.
func (a *Arbiter) StopEditing() {
	a.stopTyping()
	a.client.Send(TypeEditingStopped, nil)
}

// SetCursor records the local caret so outgoing content updates can carry
// the sender's last-known position.
func (a *Arbiter) SetCursor(pos Position) {
	a.mu.Lock()
	a.cursor = &pos
	a.mu.Unlock()
}

// Dirty reports whether there are local changes not yet persisted. It stays
// true while the debounce is pending or a save is in flight, so the UI never
// claims "saved" prematurely.
func (a *Arbiter) Dirty() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dirty || a.saveInFlight
}

// flush persists the current local content and broadcasts it with a
// word-level change summary.
func (a *Arbiter) flush() {
	a.mu.Lock()
	if a.saveInFlight {
		a.mu.Unlock()
		return
	}
	content := a.editor.Content()
	if content == a.lastSaved {
		a.dirty = false
		a.mu.Unlock()
		return
	}
	previous := a.lastSaved
	cursor := a.cursor
	a.saveInFlight = true
	a.mu.Unlock()

	err := a.save(context.Background(), content)

	a.mu.Lock()
	a.saveInFlight = false
	if err != nil {
		a.mu.Unlock()
		log.Printf("collab: save failed, will retry on next sweep: %v", err)
		a.debounceTimer.Arm(a.opts.DebounceInterval, a.flush)
		return
	}
	a.lastSaved = content
	a.lastSaveAt = time.Now()
	a.dirty = a.editor.Content() != content
	a.mu.Unlock()

	a.client.Send(TypeContentUpdated, ContentUpdatedPayload{
		Content: content,
		Summary: wordDiff(previous, content),
		Cursor:  cursor,
	})
}

// handleRemote applies or defers an incoming content update. An update that
// arrives while the local user saved within the recency window, or has
// unsaved changes, would destroy in-progress edits — it is deferred, with
// only the latest deferred update kept.
func (a *Arbiter) handleRemote(env Envelope) {
	if env.UserID == a.client.session.UserID {
		return
	}
	payload, err := DecodePayload(env)
	if err != nil {
		log.Printf("collab: bad content_updated payload: %v", err)
		return
	}
	update, ok := payload.(ContentUpdatedPayload)
	if !ok {
		return
	}

	a.mu.Lock()
	if a.dirty || a.saveInFlight || time.Since(a.lastSaveAt) < a.opts.RecencyWindow {
		a.deferred = &update
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	a.apply(update)
}

func (a *Arbiter) apply(update ContentUpdatedPayload) {
	a.editor.SetContent(update.Content)
	a.mu.Lock()
	a.lastSaved = update.Content
	a.dirty = false
	a.mu.Unlock()
	if a.reposition != nil {
		a.reposition()
	}
}

// sweepLoop guards against a missed debounce arming and replays the deferred
// remote update once the local user has gone idle.
func (a *Arbiter) sweepLoop() {
	ticker := time.NewTicker(a.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.done:
			return
		case <-ticker.C:
			a.sweep()
		}
	}
}

func (a *Arbiter) sweep() {
	a.mu.Lock()
	needsFlush := a.dirty && !a.saveInFlight
	var replay *ContentUpdatedPayload
	if a.deferred != nil && !a.dirty && !a.saveInFlight && time.Since(a.lastSaveAt) >= a.opts.RecencyWindow {
		replay = a.deferred
		a.deferred = nil
	}
	a.mu.Unlock()

	if needsFlush {
		a.flush()
		return
	}
	if replay != nil {
		a.apply(*replay)
	}
}

// wordDiff computes the human-readable word-level delta between two content
// snapshots using word frequency counts, not positional alignment.
func wordDiff(oldText, newText string) ChangeSummary {
	oldCounts := make(map[string]int)
	for _, w := range strings.Fields(oldText) {
		oldCounts[w]++
	}
	var summary ChangeSummary
	for _, w := range strings.Fields(newText) {
		if oldCounts[w] > 0 {
			oldCounts[w]--
			continue
		}
		summary.WordsAdded++
	}
	for _, remaining := range oldCounts {
		summary.WordsRemoved += remaining
	}
	return summary
}
