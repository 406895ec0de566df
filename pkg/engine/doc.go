// Package engine provides the test-cycle orchestration engine for testrig.
//
// # Overview
//
// A station runs a fixed lifecycle of six procedure slots against a stream of
// units under test (UUTs):
//
//  1. SystemSetup - once per process, produces SystemSetupData
//  2. TestBedPreparation - start of every iteration
//  3. UUTSetup - produces UUTSetupData for the current UUT
//  4. TestSequence - runs behind the isolation boundary, produces TestSequenceData
//  5. UUTRecovery - after the UUT resource stack has been unwound
//  6. ResultHandler - consumes TestSequenceData and TestResultInfo
//
// Steps 2 to 6 repeat until a voluntary quit or an external interrupt.
//
// # Procedures and Requests
//
// User code is registered per slot as a Procedure. A procedure declares the
// context values it needs with request tokens; the registry checks every
// request against the legality table at registration time, so a procedure
// that asks for data its slot cannot see is rejected before the first
// iteration starts:
//
//	st := engine.New(engine.Config{Name: "bench-1"})
//	err := st.RegisterTestSequence(func(ctx context.Context, in *engine.Inputs) (interface{}, error) {
//	    var uut Board
//	    if err := in.Bind(engine.UUTSetupDataRequest, &uut); err != nil {
//	        return nil, err
//	    }
//	    return measure(ctx, uut)
//	}, engine.UUTSetupDataRequest)
//
// # Resource Stacks
//
// Two ResourceStacks own cleanup. The system stack lives for the whole
// process and is unwound exactly once during termination. The UUT stack is
// recreated every iteration and is unwound right after the test sequence
// finishes, before UUTRecovery runs. Release actions run in reverse order of
// acquisition; a failing release never prevents the remaining ones.
//
// # Test Results
//
// Every iteration yields exactly one TestResult. Evaluate applies the rules
// in a fixed order: a FailureSignal (see Fail) fails the UUT with its reason,
// any other error or panic fails it with the fault description, a returned
// TestResult or ResultCarrier passes through, and anything else passes.
//
// # Isolation
//
// The test sequence is executed through a SequenceRunner. InProcessRunner
// runs it on a goroutine; the isolation package provides a runner that
// re-executes the station binary and talks to the child over a bounded
// JSON-lines channel.
//
// # Termination
//
// Station.Quit, or a procedure returning Quit, requests a voluntary quit.
// Cancelling the context passed to Station.Run is an external interrupt.
// Either one skips the rest of the current iteration, unwinds the in-flight
// UUT stack and then the system stack.
package engine
