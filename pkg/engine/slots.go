package engine

import "fmt"

// Slot identifies one of the six lifecycle positions a procedure can occupy.
type Slot string

const (
	// SlotSystemSetup runs once per process before the first iteration.
	SlotSystemSetup Slot = "system_setup"

	// SlotTestBedPreparation runs at the start of every iteration.
	SlotTestBedPreparation Slot = "test_bed_preparation"

	// SlotUUTSetup prepares the next UUT and produces UUTSetupData.
	SlotUUTSetup Slot = "uut_setup"

	// SlotTestSequence tests the UUT. It is the only mandatory slot.
	SlotTestSequence Slot = "test_sequence"

	// SlotUUTRecovery runs after the UUT resource stack has been unwound.
	SlotUUTRecovery Slot = "uut_recovery"

	// SlotResultHandler consumes the outcome of the iteration.
	SlotResultHandler Slot = "result_handler"
)

// Slots lists every slot in lifecycle order.
var Slots = []Slot{
	SlotSystemSetup,
	SlotTestBedPreparation,
	SlotUUTSetup,
	SlotTestSequence,
	SlotUUTRecovery,
	SlotResultHandler,
}

// Validate checks if the slot is known.
func (s Slot) Validate() error {
	switch s {
	case SlotSystemSetup, SlotTestBedPreparation, SlotUUTSetup,
		SlotTestSequence, SlotUUTRecovery, SlotResultHandler:
		return nil
	default:
		return fmt.Errorf("invalid slot: %s", s)
	}
}

// IsPerIteration returns true if the slot runs once per UUT.
func (s Slot) IsPerIteration() bool {
	return s != SlotSystemSetup
}

// Request is a token a procedure uses to declare one input it needs.
type Request string

const (
	// SystemSetupDataRequest asks for the value returned by the system setup procedure.
	SystemSetupDataRequest Request = "system_setup_data"

	// UUTSetupDataRequest asks for the value returned by the UUT setup procedure.
	UUTSetupDataRequest Request = "uut_setup_data"

	// TestSequenceDataRequest asks for the value returned by the test sequence.
	TestSequenceDataRequest Request = "test_sequence_data"

	// TestResultInfoRequest asks for the TestResultInfo of the current iteration.
	TestResultInfoRequest Request = "test_result_info"

	// SystemResourceStackRequest asks for the process-lifetime resource stack.
	SystemResourceStackRequest Request = "system_resource_stack"

	// UUTResourceStackRequest asks for the per-iteration resource stack.
	UUTResourceStackRequest Request = "uut_resource_stack"
)

// Validate checks if the request token is known.
func (r Request) Validate() error {
	switch r {
	case SystemSetupDataRequest, UUTSetupDataRequest, TestSequenceDataRequest,
		TestResultInfoRequest, SystemResourceStackRequest, UUTResourceStackRequest:
		return nil
	default:
		return fmt.Errorf("invalid request: %s", r)
	}
}

// IsStack returns true if the request resolves to a resource stack.
func (r Request) IsStack() bool {
	return r == SystemResourceStackRequest || r == UUTResourceStackRequest
}

// legality maps every slot to the requests it may resolve.
var legality = map[Slot]map[Request]bool{
	SlotSystemSetup: {
		SystemResourceStackRequest: true,
	},
	SlotTestBedPreparation: {
		SystemSetupDataRequest: true,
	},
	SlotUUTSetup: {
		SystemSetupDataRequest:  true,
		UUTResourceStackRequest: true,
	},
	SlotTestSequence: {
		SystemSetupDataRequest: true,
		UUTSetupDataRequest:    true,
	},
	SlotUUTRecovery: {
		SystemSetupDataRequest:  true,
		UUTSetupDataRequest:     true,
		TestSequenceDataRequest: true,
		TestResultInfoRequest:   true,
	},
	SlotResultHandler: {
		SystemSetupDataRequest:  true,
		UUTSetupDataRequest:     true,
		TestSequenceDataRequest: true,
		TestResultInfoRequest:   true,
	},
}

// IsLegal reports whether a procedure in slot may request req.
func IsLegal(slot Slot, req Request) bool {
	return legality[slot][req]
}

// producedBy maps data requests to the slot that produces them.
var producedBy = map[Request]Slot{
	SystemSetupDataRequest:  SlotSystemSetup,
	UUTSetupDataRequest:     SlotUUTSetup,
	TestSequenceDataRequest: SlotTestSequence,
	TestResultInfoRequest:   SlotTestSequence,
}
