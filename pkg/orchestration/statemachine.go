package orchestration

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

var validTransitions = map[Phase][]Phase{
	Init:         {Distributing, Failed},
	Distributing: {Broadcasting, Evaluating, Done, Failed},
	Broadcasting: {Training, Failed},
	Training:     {Gathering, Failed},
	Gathering:    {Aggregating, Broadcasting, Done, Failed},
	Aggregating:  {Broadcasting, Evaluating, Failed},
	Evaluating:   {Done, Failed},
	Done:         {}, // Terminal state
	Failed:       {}, // Terminal state
}

// StateMachine tracks the phase of one rank and how long each phase took.
type StateMachine struct {
	mu        sync.RWMutex
	phase     Phase
	round     int
	since     time.Time
	durations map[Phase]time.Duration
}

func NewStateMachine() *StateMachine {
	return &StateMachine{
		phase:     Init,
		round:     -1,
		since:     time.Now(),
		durations: make(map[Phase]time.Duration),
	}
}

func ValidateTransition(from, to Phase) bool {
	return slices.Contains(validTransitions[from], to)
}

// Transition moves to the next phase and returns how long the previous one lasted.
func (sm *StateMachine) Transition(to Phase, round int) (time.Duration, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !ValidateTransition(sm.phase, to) {
		return 0, fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, sm.phase, to)
	}

	now := time.Now()
	elapsed := now.Sub(sm.since)
	sm.durations[sm.phase] += elapsed
	sm.phase = to
	sm.round = round
	sm.since = now

	return elapsed, nil
}

// Fail moves to Failed from any non-terminal phase.
func (sm *StateMachine) Fail() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if IsTerminal(sm.phase) {
		return
	}
	now := time.Now()
	sm.durations[sm.phase] += now.Sub(sm.since)
	sm.phase = Failed
	sm.since = now
}

func (sm *StateMachine) Current() (Phase, int) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	return sm.phase, sm.round
}

// Durations returns the accumulated time spent per phase.
func (sm *StateMachine) Durations() map[Phase]time.Duration {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	out := make(map[Phase]time.Duration, len(sm.durations))
	for p, d := range sm.durations {
		out[p] = d
	}

	return out
}

func IsTerminal(p Phase) bool {
	return p == Done || p == Failed
}
