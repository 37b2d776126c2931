package activity

import (
	"fmt"
	"path"
	"sync"
	"time"
)

// ThinkingLabel is shown from turn start until real content arrives.
const ThinkingLabel = "Thinking..."

// defaultMinLabelDuration is how long the label is shown at minimum before
// the first assistant text may clear it. Prevents a flash-of-shimmer on fast
// responses.
const defaultMinLabelDuration = 800 * time.Millisecond

// StepKind distinguishes the two kinds of activity steps.
type StepKind int

const (
	// StepThinking is a run of reasoning text.
	StepThinking StepKind = iota
	// StepToolCall is one tool invocation.
	StepToolCall
)

// Step is one entry of a turn's activity record.
type Step struct {
	Kind      StepKind
	Label     string
	Detail    string
	Timestamp time.Time
}

// Activity is the ephemeral per-turn record. It is created at turn start and
// retired into the last-completed snapshot at turn end.
type Activity struct {
	Label     string
	Thinking  string
	Steps     []Step
	StartedAt time.Time
}

// clone returns a defensive copy for handing outside the tracker.
func (a *Activity) clone() *Activity {
	cp := *a
	cp.Steps = append([]Step(nil), a.Steps...)
	return &cp
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithMinLabelDuration overrides the minimum label display duration.
func WithMinLabelDuration(d time.Duration) Option {
	return func(t *Tracker) {
		t.minDisplay = d
	}
}

// WithLabelChanged installs a callback fired on every label change, including
// the deferred clear. Called without the tracker lock held.
func WithLabelChanged(fn func(label string)) Option {
	return func(t *Tracker) {
		t.labelChanged = fn
	}
}

// Tracker maintains the current turn's activity and the last completed one.
// Safe for concurrent use.
type Tracker struct {
	mu           sync.Mutex
	current      *Activity
	last         *Activity
	generation   uint64
	textSeen     bool
	minDisplay   time.Duration
	labelChanged func(string)
}

// NewTracker creates a tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{minDisplay: defaultMinLabelDuration}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// BeginTurn starts a fresh activity record. Any previous live record is
// discarded; its pending deferred actions become no-ops via the generation
// counter.
func (t *Tracker) BeginTurn() {
	t.mu.Lock()
	t.generation++
	t.textSeen = false
	t.current = &Activity{
		Label:     ThinkingLabel,
		StartedAt: time.Now(),
	}
	fn := t.labelChanged
	t.mu.Unlock()

	if fn != nil {
		fn(ThinkingLabel)
	}
}

// OnThinkingDelta extends the current thinking step, or opens one. Two
// consecutive deltas "A" and "B" yield a single step with detail "AB".
func (t *Tracker) OnThinkingDelta(delta string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil || delta == "" {
		return
	}

	t.current.Thinking += delta
	if n := len(t.current.Steps); n > 0 && t.current.Steps[n-1].Kind == StepThinking {
		t.current.Steps[n-1].Detail += delta
		return
	}
	t.current.Steps = append(t.current.Steps, Step{
		Kind:      StepThinking,
		Label:     ThinkingLabel,
		Detail:    delta,
		Timestamp: time.Now(),
	})
}

// OnToolEvent always opens a new step and recomputes the label from the tool
// identifier.
func (t *Tracker) OnToolEvent(tool, arg string) {
	label := labelFor(tool, arg)

	t.mu.Lock()
	if t.current == nil {
		t.mu.Unlock()
		return
	}
	t.current.Label = label
	t.current.Steps = append(t.current.Steps, Step{
		Kind:      StepToolCall,
		Label:     label,
		Detail:    arg,
		Timestamp: time.Now(),
	})
	fn := t.labelChanged
	t.mu.Unlock()

	if fn != nil {
		fn(label)
	}
}

// OnTextDelta reacts to the first assistant text of the turn by clearing the
// label, but never before the minimum display duration has elapsed. A
// deferred clear carries the current generation and is a no-op if the
// activity has been replaced by the time it fires.
func (t *Tracker) OnTextDelta() {
	t.mu.Lock()
	if t.current == nil || t.textSeen {
		t.mu.Unlock()
		return
	}
	t.textSeen = true

	elapsed := time.Since(t.current.StartedAt)
	if elapsed >= t.minDisplay {
		t.clearLabelLocked()
		return
	}

	gen := t.generation
	remaining := t.minDisplay - elapsed
	t.mu.Unlock()

	time.AfterFunc(remaining, func() {
		t.mu.Lock()
		if t.generation != gen || t.current == nil {
			t.mu.Unlock()
			return
		}
		t.clearLabelLocked()
	})
}

// clearLabelLocked clears the label and releases the lock.
func (t *Tracker) clearLabelLocked() {
	t.current.Label = ""
	fn := t.labelChanged
	t.mu.Unlock()

	if fn != nil {
		fn("")
	}
}

// Finish retires the live activity into the last-completed snapshot.
func (t *Tracker) Finish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return
	}
	t.generation++
	t.last = t.current
	t.current = nil
}

// Current returns a snapshot of the live activity, or nil between turns.
func (t *Tracker) Current() *Activity {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return nil
	}
	return t.current.clone()
}

// Label returns the current display label, empty between turns or once
// cleared.
func (t *Tracker) Label() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return ""
	}
	return t.current.Label
}

// LastCompleted returns a snapshot of the most recently finished activity.
func (t *Tracker) LastCompleted() *Activity {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		return nil
	}
	return t.last.clone()
}

// labelFor maps a tool identifier to its display label.
func labelFor(tool, arg string) string {
	base := path.Base(arg)
	if base == "." || base == "/" {
		base = ""
	}
	switch tool {
	case "write":
		return withTarget("Writing", base)
	case "edit":
		return withTarget("Editing", base)
	case "read":
		return withTarget("Reading", base)
	case "search", "grep":
		return "Searching..."
	case "fetch", "browser":
		return "Browsing..."
	case "bash", "exec":
		return "Running command..."
	default:
		return fmt.Sprintf("Using %s...", tool)
	}
}

func withTarget(verb, base string) string {
	if base == "" {
		return verb + "..."
	}
	return fmt.Sprintf("%s %s...", verb, base)
}
