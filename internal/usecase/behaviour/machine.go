// Package behaviour implements the probabilistic, time-of-day-modulated
// session state machine that drives realistic idle/active/reading/
// thinking/away dynamics for the browser-automation adapter.
package behaviour

import (
	"sync"
	"time"
)

// State is a closed enumeration of behavioural states.
type State string

const (
	StateIdle      State = "idle"
	StateActive    State = "active"
	StateReading   State = "reading"
	StateThinking  State = "thinking"
	StateAway      State = "away"
	StateScrolling State = "scrolling"
)

// TimeOfDay buckets the clock hour into a four-period cycle used to
// modulate transition weights.
type TimeOfDay string

const (
	Morning   TimeOfDay = "MORNING"
	Afternoon TimeOfDay = "AFTERNOON"
	Evening   TimeOfDay = "EVENING"
	Night     TimeOfDay = "NIGHT"
)

func timeOfDay(hour int) TimeOfDay {
	switch {
	case hour >= 6 && hour <= 11:
		return Morning
	case hour >= 12 && hour <= 17:
		return Afternoon
	case hour >= 18 && hour <= 22:
		return Evening
	default:
		return Night
	}
}

// dwellRange is a [min, max] millisecond range for a state's dwell time.
type dwellRange struct{ min, max int64 }

var defaultDwell = map[State]dwellRange{
	StateIdle:      {2_000, 30_000},
	StateActive:    {10_000, 120_000},
	StateReading:   {3_000, 45_000},
	StateThinking:  {1_000, 10_000},
	StateAway:      {300_000, 1_800_000},
	StateScrolling: {5_000, 60_000},
}

// edge is a weighted transition target.
type edge struct {
	to     State
	weight float64
}

// timeOfDayMultiplier scales an edge's weight for a given time of day;
// 1.0 when unspecified.
type timeOfDayMultiplier map[TimeOfDay]float64

var defaultTransitions = map[State][]edge{
	StateIdle: {
		{StateActive, 5}, {StateReading, 2}, {StateAway, 1}, {StateScrolling, 2},
	},
	StateActive: {
		{StateReading, 3}, {StateThinking, 2}, {StateIdle, 2}, {StateScrolling, 3},
	},
	StateReading: {
		{StateThinking, 4}, {StateActive, 2}, {StateIdle, 1},
	},
	StateThinking: {
		{StateActive, 5}, {StateIdle, 1},
	},
	StateAway: {
		{StateIdle, 3}, {StateActive, 1},
	},
	StateScrolling: {
		{StateReading, 3}, {StateActive, 2}, {StateIdle, 1},
	},
}

// defaultMultipliers makes "active"/"scrolling" more likely during peak
// hours and favors "away"/"idle" at night, applied per target state.
var defaultMultipliers = map[State]timeOfDayMultiplier{
	StateActive:    {Morning: 1.2, Afternoon: 1.3, Evening: 1.1, Night: 0.4},
	StateScrolling: {Morning: 1.1, Afternoon: 1.2, Evening: 1.3, Night: 0.6},
	StateReading:   {Morning: 1.0, Afternoon: 1.0, Evening: 1.2, Night: 0.8},
	StateAway:      {Morning: 0.6, Afternoon: 0.5, Evening: 0.7, Night: 2.0},
	StateIdle:      {Morning: 0.8, Afternoon: 0.8, Evening: 0.9, Night: 1.5},
	StateThinking:  {Morning: 1.0, Afternoon: 1.0, Evening: 1.0, Night: 1.0},
}

// paceMultiplier scales an outbound action's human-timing delay by the
// current behavioural state: a session that is "away" or "idle" should
// take noticeably longer to respond than one already "active" or
// "thinking" mid-conversation.
var paceMultiplier = map[State]float64{
	StateIdle:      1.8,
	StateActive:    1.0,
	StateReading:   1.2,
	StateThinking:  1.3,
	StateAway:      3.5,
	StateScrolling: 1.4,
}

// PaceMultiplier returns the pacing multiplier for s, defaulting to 1.0
// for an unrecognized state.
func PaceMultiplier(s State) float64 {
	if m, ok := paceMultiplier[s]; ok {
		return m
	}
	return 1.0
}

// Transition describes a completed state change.
type Transition struct {
	From    State
	To      State
	DwellMs int64
}

// TransitionHandler is invoked synchronously on every transition, forced
// or natural.
type TransitionHandler func(Transition)

// Profile scales dwell durations for one simulated session.
type Profile struct {
	Scale float64 // default 1.0
}

// Machine is the behavioural state machine. Construct with NewMachine,
// which requires injected random/clock closures so tests are
// deterministic.
type Machine struct {
	mu      sync.Mutex
	state   State
	enterAt time.Time
	dwellMs int64

	random func() float64
	clock  func() time.Time
	scale  float64

	listeners []TransitionHandler

	running bool
	timer   *time.Timer
}

// NewMachine constructs a Machine in StateIdle. random must return a
// value in [0,1); clock supplies the current time.
func NewMachine(profile Profile, random func() float64, clock func() time.Time) *Machine {
	scale := profile.Scale
	if scale <= 0 {
		scale = 1.0
	}
	m := &Machine{
		state:  StateIdle,
		random: random,
		clock:  clock,
		scale:  scale,
	}
	m.enterAt = clock()
	m.dwellMs = m.sampleDwell(StateIdle)
	return m
}

// State returns the current behavioural state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnTransition registers a listener, invoked synchronously. Returns an
// unsubscribe function.
func (m *Machine) OnTransition(h TransitionHandler) func() {
	m.mu.Lock()
	m.listeners = append(m.listeners, h)
	idx := len(m.listeners) - 1
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if idx < len(m.listeners) {
			m.listeners[idx] = nil
		}
	}
}

func (m *Machine) notify(tr Transition) {
	for _, l := range m.listeners {
		if l != nil {
			l(tr)
		}
	}
}

func (m *Machine) sampleDwell(s State) int64 {
	r := defaultDwell[s]
	lo := float64(r.min) * m.scale
	hi := float64(r.max) * m.scale
	if hi <= lo {
		return int64(lo)
	}
	return int64(lo + m.random()*(hi-lo))
}

func (m *Machine) pickNext(from State) State {
	edges := defaultTransitions[from]
	tod := timeOfDay(m.clock().Hour())

	total := 0.0
	weighted := make([]float64, len(edges))
	for i, e := range edges {
		w := e.weight
		if mult, ok := defaultMultipliers[e.to]; ok {
			if f, ok := mult[tod]; ok {
				w *= f
			}
		}
		weighted[i] = w
		total += w
	}
	if total <= 0 {
		// Fall back to raw weights per spec.
		total = 0
		for i, e := range edges {
			weighted[i] = e.weight
			total += e.weight
		}
	}
	if total <= 0 || len(edges) == 0 {
		return from
	}

	r := m.random() * total
	acc := 0.0
	for i, e := range edges {
		acc += weighted[i]
		if r < acc {
			return e.to
		}
	}
	return edges[len(edges)-1].to
}

// Tick advances the machine's clock-relative elapsed time; if the current
// dwell has elapsed, transitions to the next state. Disallowed while
// running in timer mode.
func (m *Machine) Tick() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.tickLocked()
}

func (m *Machine) tickLocked() {
	elapsed := m.clock().Sub(m.enterAt).Milliseconds()
	if elapsed < m.dwellMs {
		return
	}
	from := m.state
	to := m.pickNext(from)
	dwell := m.dwellMs
	m.state = to
	m.enterAt = m.clock()
	m.dwellMs = m.sampleDwell(to)
	m.notify(Transition{From: from, To: to, DwellMs: dwell})
}

// Start begins timer mode: an internal one-shot timer fires per dwell.
func (m *Machine) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.scheduleLocked()
}

func (m *Machine) scheduleLocked() {
	remaining := time.Duration(m.dwellMs)*time.Millisecond - m.clock().Sub(m.enterAt)
	if remaining < 0 {
		remaining = 0
	}
	m.timer = time.AfterFunc(remaining, func() {
		m.mu.Lock()
		if !m.running {
			m.mu.Unlock()
			return
		}
		m.tickLocked()
		m.scheduleLocked()
		m.mu.Unlock()
	})
}

// Stop cancels the internal timer, ending timer mode.
func (m *Machine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// ForceTransition immediately changes state, resets dwell, and notifies
// listeners.
func (m *Machine) ForceTransition(target State) {
	m.mu.Lock()
	from := m.state
	dwell := m.clock().Sub(m.enterAt).Milliseconds()
	m.state = target
	m.enterAt = m.clock()
	m.dwellMs = m.sampleDwell(target)
	m.mu.Unlock()

	m.notify(Transition{From: from, To: target, DwellMs: dwell})
}
