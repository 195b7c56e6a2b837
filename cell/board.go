package cell

import (
	"fmt"
	"math"
	"sync"
	"time"

	"loxone-admin/protocol"

	"golang.org/x/exp/slices"
)

// Binding is the display residue of the value events seen for one uuid
type Binding struct {
	UUID  string
	Value *Cell[string] // formatted latest value
	Age   *Cell[string] // formatted time since the latest event
	Text  *Cell[string] // latest text event

	ageMu    sync.Mutex // serializes Age writes against the reading they derive from
	mu       sync.RWMutex
	raw      float64
	hasValue bool
	created  time.Time
}

// Reading returns the latest raw value and its creation time
func (b *Binding) Reading() (value float64, created time.Time, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.raw, b.created, b.hasValue
}

func newBinding(uuid string) *Binding {
	return &Binding{
		UUID:  uuid,
		Value: New(""),
		Age:   New(""),
		Text:  New(""),
	}
}

// Board holds one Binding per uuid. Later events for a uuid always replace
// earlier ones.
type Board struct {
	mu       sync.RWMutex
	bindings map[string]*Binding
	now      func() time.Time
}

// NewBoard creates an empty board using the wall clock
func NewBoard() *Board {
	return NewBoardWithClock(time.Now)
}

// NewBoardWithClock creates an empty board using now as its clock
func NewBoardWithClock(now func() time.Time) *Board {
	return &Board{
		bindings: make(map[string]*Binding),
		now:      now,
	}
}

// Bind returns the binding for uuid, creating an empty one if needed
func (b *Board) Bind(uuid string) *Binding {
	binding, _ := b.bind(uuid)
	return binding
}

func (b *Board) bind(uuid string) (*Binding, bool) {
	b.mu.RLock()
	binding, ok := b.bindings[uuid]
	b.mu.RUnlock()
	if ok {
		return binding, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if binding, ok := b.bindings[uuid]; ok {
		return binding, false
	}
	binding = newBinding(uuid)
	b.bindings[uuid] = binding
	return binding, true
}

// Lookup returns the binding for uuid without creating it
func (b *Board) Lookup(uuid string) (*Binding, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	binding, ok := b.bindings[uuid]
	return binding, ok
}

// Len returns the number of bound uuids
func (b *Board) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.bindings)
}

// UUIDs returns the bound uuids in sorted order
func (b *Board) UUIDs() []string {
	b.mu.RLock()
	keys := make([]string, 0, len(b.bindings))
	for uuid := range b.bindings {
		keys = append(keys, uuid)
	}
	b.mu.RUnlock()
	slices.Sort(keys)
	return keys
}

// ApplyValue stores ev in the binding of its uuid. It reports whether the
// binding was created by this event. A missing creation time is replaced by
// the arrival time.
func (b *Board) ApplyValue(ev protocol.ValueEvent) bool {
	binding, created := b.bind(ev.UUID)
	now := b.now()
	at := ev.Created.Time
	if at.IsZero() {
		at = now
	}

	binding.ageMu.Lock()
	defer binding.ageMu.Unlock()

	binding.mu.Lock()
	binding.raw = ev.Value
	binding.hasValue = true
	binding.created = at
	binding.mu.Unlock()

	binding.Value.Set(FormatValue(ev.Value))
	binding.Age.Set(FormatAge(now.Sub(at)))
	return created
}

// ApplyValues applies events in order
func (b *Board) ApplyValues(events []protocol.ValueEvent) (created int) {
	for _, ev := range events {
		if b.ApplyValue(ev) {
			created++
		}
	}
	return created
}

// ApplyText stores the text of ev in the binding of its uuid
func (b *Board) ApplyText(ev protocol.TextEvent) bool {
	binding, created := b.bind(ev.UUID)
	binding.Text.Set(ev.Text)
	return created
}

// Refresh recomputes every age cell against the board's clock
func (b *Board) Refresh() {
	now := b.now()

	b.mu.RLock()
	bindings := make([]*Binding, 0, len(b.bindings))
	for _, binding := range b.bindings {
		bindings = append(bindings, binding)
	}
	b.mu.RUnlock()

	for _, binding := range bindings {
		binding.refreshAge(now)
	}
}

func (b *Binding) refreshAge(now time.Time) {
	b.ageMu.Lock()
	defer b.ageMu.Unlock()
	_, at, ok := b.Reading()
	if !ok {
		return
	}
	b.Age.Set(FormatAge(now.Sub(at)))
}

// FormatValue formats a reading with two decimals
func FormatValue(v float64) string {
	return fmt.Sprintf("%.2f", v)
}

// FormatAge formats an elapsed duration as "N seconds/minutes/hours/days ago"
func FormatAge(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%d seconds ago", roundDiv(d, time.Second))
	case d < time.Hour:
		return fmt.Sprintf("%d minutes ago", roundDiv(d, time.Minute))
	case d < 24*time.Hour:
		return fmt.Sprintf("%d hours ago", roundDiv(d, time.Hour))
	default:
		return fmt.Sprintf("%d days ago", roundDiv(d, 24*time.Hour))
	}
}

func roundDiv(d, unit time.Duration) int64 {
	return int64(math.Round(float64(d) / float64(unit)))
}
