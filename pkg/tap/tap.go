// Package tap tracks the IEEE 1149.1 TAP controller and builds the TMS bit
// streams a CMSIS-DAP probe clocks out when an SWJ-DP is moved between its SWD
// and JTAG personalities.
package tap

import (
	"fmt"
	"slices"
)

// State represents one of the 16 defined IEEE 1149.1 TAP controller states.
type State uint8

const (
	StateTestLogicReset State = iota
	StateRunTestIdle
	StateSelectDRScan
	StateCaptureDR
	StateShiftDR
	StateExit1DR
	StatePauseDR
	StateExit2DR
	StateUpdateDR
	StateSelectIRScan
	StateCaptureIR
	StateShiftIR
	StateExit1IR
	StatePauseIR
	StateExit2IR
	StateUpdateIR
	numStates
)

var stateNames = [numStates]string{
	"TestLogicReset", "RunTestIdle",
	"SelectDRScan", "CaptureDR", "ShiftDR", "Exit1DR", "PauseDR", "Exit2DR", "UpdateDR",
	"SelectIRScan", "CaptureIR", "ShiftIR", "Exit1IR", "PauseIR", "Exit2IR", "UpdateIR",
}

func (s State) String() string {
	if s < numStates {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", s)
}

// edges holds the successor for TMS=0 and TMS=1.
var edges = [numStates][2]State{
	StateTestLogicReset: {StateRunTestIdle, StateTestLogicReset},
	StateRunTestIdle:    {StateRunTestIdle, StateSelectDRScan},
	StateSelectDRScan:   {StateCaptureDR, StateSelectIRScan},
	StateCaptureDR:      {StateShiftDR, StateExit1DR},
	StateShiftDR:        {StateShiftDR, StateExit1DR},
	StateExit1DR:        {StatePauseDR, StateUpdateDR},
	StatePauseDR:        {StatePauseDR, StateExit2DR},
	StateExit2DR:        {StateShiftDR, StateUpdateDR},
	StateUpdateDR:       {StateRunTestIdle, StateSelectDRScan},
	StateSelectIRScan:   {StateCaptureIR, StateTestLogicReset},
	StateCaptureIR:      {StateShiftIR, StateExit1IR},
	StateShiftIR:        {StateShiftIR, StateExit1IR},
	StateExit1IR:        {StatePauseIR, StateUpdateIR},
	StatePauseIR:        {StatePauseIR, StateExit2IR},
	StateExit2IR:        {StateShiftIR, StateUpdateIR},
	StateUpdateIR:       {StateRunTestIdle, StateSelectDRScan},
}

// NextState returns the state reached after one TCK with the given TMS.
// It panics on a state outside the diagram.
func NextState(current State, tms bool) State {
	if current >= numStates {
		panic(fmt.Sprintf("tap: unhandled state %d", current))
	}
	if tms {
		return edges[current][1]
	}
	return edges[current][0]
}

// Sequence is a TMS drive pattern together with the states it visits.
// States[0] is the state before the first clock.
type Sequence struct {
	TMS    []bool
	States []State
}

// Bits returns the pattern as a Bits value for transmission.
func (s Sequence) Bits() Bits {
	return BitsFromBools(s.TMS)
}

// StateMachine tracks the TAP state locally without doing any I/O.
type StateMachine struct {
	state State
}

// NewStateMachine creates a TAP state machine initialized to Test-Logic-Reset.
func NewStateMachine() *StateMachine {
	return &StateMachine{state: StateTestLogicReset}
}

func (m *StateMachine) State() State {
	return m.state
}

// Clock advances one TCK and returns the new state.
func (m *StateMachine) Clock(tms bool) State {
	m.state = NextState(m.state, tms)
	return m.state
}

// Reset clocks five TMS=1 cycles, which reaches Test-Logic-Reset from any state.
func (m *StateMachine) Reset() Sequence {
	seq := Sequence{
		TMS:    []bool{true, true, true, true, true},
		States: []State{m.state},
	}
	for _, bit := range seq.TMS {
		seq.States = append(seq.States, m.Clock(bit))
	}
	return seq
}

// GoTo computes the shortest TMS pattern to target, applies it and returns it.
func (m *StateMachine) GoTo(target State) (Sequence, error) {
	path, err := shortestPath(m.state, target)
	if err != nil {
		return Sequence{}, err
	}
	for _, bit := range path.TMS {
		m.Clock(bit)
	}
	return path, nil
}

// shortestPath runs a breadth-first search over the state diagram, keeping
// one predecessor per state instead of copying partial paths.
func shortestPath(from, to State) (Sequence, error) {
	if from >= numStates {
		return Sequence{}, fmt.Errorf("tap: invalid start state %d", from)
	}
	if to >= numStates {
		return Sequence{}, fmt.Errorf("tap: invalid target state %d", to)
	}
	if from == to {
		return Sequence{States: []State{from}}, nil
	}

	type step struct {
		prev State
		tms  bool
		seen bool
	}
	var visit [numStates]step
	visit[from].seen = true
	queue := []State{from}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for bit, next := range edges[cur] {
			if visit[next].seen {
				continue
			}
			visit[next] = step{prev: cur, tms: bit == 1, seen: true}
			if next == to {
				return unwind(from, to, func(s State) (State, bool) {
					return visit[s].prev, visit[s].tms
				}), nil
			}
			queue = append(queue, next)
		}
	}

	return Sequence{}, fmt.Errorf("tap: no path from %s to %s", from, to)
}

func unwind(from, to State, back func(State) (State, bool)) Sequence {
	var tms []bool
	states := []State{to}
	for s := to; s != from; {
		prev, bit := back(s)
		tms = append(tms, bit)
		states = append(states, prev)
		s = prev
	}
	slices.Reverse(tms)
	slices.Reverse(states)
	return Sequence{TMS: tms, States: states}
}
