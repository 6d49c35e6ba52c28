package scraper

import (
	"fmt"

	"github.com/JakeFAU/tradestat-ingest/internal/ingest"
)

// State is a step of one scrape attempt.
type State int

// Attempt states in the order a successful attempt visits them.
const (
	StateIdle State = iota
	StateNavigated
	StateSubmitted
	StatePaginating
	StateParsed
	StateDone
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:       "idle",
	StateNavigated:  "navigated",
	StateSubmitted:  "submitted",
	StatePaginating: "paginating",
	StateParsed:     "parsed",
	StateDone:       "done",
	StateFailed:     "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// transitions lists the legal forward moves. Failed is reachable from any
// non-terminal state and is not listed.
var transitions = map[State][]State{
	StateIdle:       {StateNavigated},
	StateNavigated:  {StateSubmitted},
	StateSubmitted:  {StatePaginating},
	StatePaginating: {StatePaginating, StateSubmitted, StateParsed},
	StateParsed:     {StateDone},
}

// machine records the path of one attempt.
type machine struct {
	state   State
	history []State
	observe func(from, to State)
}

func newMachine(observe func(from, to State)) *machine {
	return &machine{state: StateIdle, history: []State{StateIdle}, observe: observe}
}

func (m *machine) advance(to State) error {
	if m.state.Terminal() {
		return fmt.Errorf("transition %s -> %s after terminal state: %w", m.state, to, ingest.ErrInvariant)
	}
	if to != StateFailed && !allowed(m.state, to) {
		return fmt.Errorf("transition %s -> %s: %w", m.state, to, ingest.ErrInvariant)
	}
	from := m.state
	m.state = to
	if n := len(m.history); n == 0 || m.history[n-1] != to {
		m.history = append(m.history, to)
	}
	if m.observe != nil {
		m.observe(from, to)
	}
	return nil
}

// fail moves to Failed unless the attempt already ended.
func (m *machine) fail() {
	if !m.state.Terminal() {
		_ = m.advance(StateFailed)
	}
}

func allowed(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
