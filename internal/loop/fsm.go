package loop

import (
	"fmt"

	"github.com/felixgeelhaar/statekit"
)

// Loop phases. The machine exists to make illegal phase jumps loud: the
// budget check may only terminate out of syncing, a missing task may only
// finish out of scheduling, and so on.
const (
	PhaseIdle       = "idle"
	PhaseScheduling = "scheduling"
	PhaseExecuting  = "executing"
	PhaseEvaluating = "evaluating"
	PhaseSyncing    = "syncing"
	PhaseDone       = "done"
	PhaseAborted    = "aborted"
)

// Phase events.
const (
	evBegin    = "begin"
	evDispatch = "dispatch"
	evEvaluate = "evaluate"
	evSync     = "sync"
	evContinue = "continue"
	evFinish   = "finish"
	evAbort    = "abort"
)

type phaseContext struct{}

type phaseMachine struct {
	interp *statekit.Interpreter[phaseContext]
}

func newPhaseMachine() (*phaseMachine, error) {
	builder := statekit.NewMachine[phaseContext]("run-loop").
		WithInitial(PhaseIdle).
		WithContext(phaseContext{})

	builder.State(PhaseIdle).
		On(evBegin).Target(PhaseScheduling).
		On(evAbort).Target(PhaseAborted).
		Done()

	builder.State(PhaseScheduling).
		On(evDispatch).Target(PhaseExecuting).
		On(evFinish).Target(PhaseDone).
		On(evAbort).Target(PhaseAborted).
		Done()

	builder.State(PhaseExecuting).
		On(evEvaluate).Target(PhaseEvaluating).
		On(evAbort).Target(PhaseAborted).
		Done()

	builder.State(PhaseEvaluating).
		On(evSync).Target(PhaseSyncing).
		On(evAbort).Target(PhaseAborted).
		Done()

	builder.State(PhaseSyncing).
		On(evContinue).Target(PhaseScheduling).
		On(evFinish).Target(PhaseDone).
		On(evAbort).Target(PhaseAborted).
		Done()

	// Terminal phases absorb every event.
	builder.State(PhaseDone).
		On(evFinish).Target(PhaseDone).
		Done()
	builder.State(PhaseAborted).
		On(evAbort).Target(PhaseAborted).
		Done()

	machine, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("building phase machine: %w", err)
	}

	interp := statekit.NewInterpreter(machine)
	interp.Start()
	return &phaseMachine{interp: interp}, nil
}

// fire sends a phase event and errors when the transition is not legal
// from the current phase.
func (m *phaseMachine) fire(event string) error {
	before := m.current()
	m.interp.Send(statekit.Event{Type: statekit.EventType(event)})
	if m.current() == before {
		return fmt.Errorf("phase event %q is not valid in phase %q", event, before)
	}
	return nil
}

func (m *phaseMachine) current() string {
	return string(m.interp.State().Value)
}
