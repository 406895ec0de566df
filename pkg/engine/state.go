package engine

import "fmt"

// State is the lifecycle state of a station.
type State string

const (
	StateInit               State = "init"
	StateSystemSetup        State = "system_setup"
	StateTestBedPreparation State = "test_bed_preparation"
	StateUUTSetup           State = "uut_setup"
	StateTestSequence       State = "test_sequence"
	StateUUTRecovery        State = "uut_recovery"
	StateResultHandler      State = "result_handler"
	StateTerminating        State = "terminating"
	StateTerminated         State = "terminated"
)

// stateForSlot maps a slot to the state the station is in while it runs.
var stateForSlot = map[Slot]State{
	SlotSystemSetup:        StateSystemSetup,
	SlotTestBedPreparation: StateTestBedPreparation,
	SlotUUTSetup:           StateUUTSetup,
	SlotTestSequence:       StateTestSequence,
	SlotUUTRecovery:        StateUUTRecovery,
	SlotResultHandler:      StateResultHandler,
}

// IsTerminal returns true if the station has finished.
func (s State) IsTerminal() bool {
	return s == StateTerminated
}

// IsIterating returns true if the station is inside a per-UUT iteration.
func (s State) IsIterating() bool {
	switch s {
	case StateTestBedPreparation, StateUUTSetup, StateTestSequence,
		StateUUTRecovery, StateResultHandler:
		return true
	default:
		return false
	}
}

// Validate checks if the state is known.
func (s State) Validate() error {
	switch s {
	case StateInit, StateSystemSetup, StateTestBedPreparation, StateUUTSetup,
		StateTestSequence, StateUUTRecovery, StateResultHandler,
		StateTerminating, StateTerminated:
		return nil
	default:
		return fmt.Errorf("invalid station state: %s", s)
	}
}
