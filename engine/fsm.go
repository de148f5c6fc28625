package engine

import "fmt"

// Phase enumerates the workflow states. The loop moves
// Init -> Deciding -> (ToolPending -> Executing -> Deciding)* -> Done|Failed.
type Phase string

const (
	PhaseInit        Phase = "INIT"
	PhaseDeciding    Phase = "DECIDING"
	PhaseToolPending Phase = "TOOL_PENDING"
	PhaseExecuting   Phase = "EXECUTING"
	PhaseDone        Phase = "DONE"
	PhaseFailed      Phase = "FAILED"
)

// validTransitions is the static transition table. Any edge not listed is a
// programming error, caught by fsm.to at runtime.
var validTransitions = map[Phase][]Phase{
	PhaseInit:        {PhaseDeciding, PhaseFailed},
	PhaseDeciding:    {PhaseDeciding, PhaseToolPending, PhaseDone, PhaseFailed},
	PhaseToolPending: {PhaseExecuting, PhaseFailed},
	PhaseExecuting:   {PhaseDeciding, PhaseFailed},
	PhaseDone:        {},
	PhaseFailed:      {},
}

// fsm tracks the current phase of one run. Not safe for concurrent use; each
// run owns its own instance under the thread lock.
type fsm struct {
	phase Phase
}

func newFSM() *fsm { return &fsm{phase: PhaseInit} }

// to advances the machine, rejecting edges outside the transition table.
func (f *fsm) to(next Phase) error {
	for _, allowed := range validTransitions[f.phase] {
		if allowed == next {
			f.phase = next
			return nil
		}
	}
	return fmt.Errorf("invalid transition %s -> %s", f.phase, next)
}
