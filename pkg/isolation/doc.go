// Package isolation runs the test sequence in a separate operating-system
// process so that a crash, hang or runaway sequence cannot take the station
// down with it.
//
// The isolation unit is a re-execution of the station binary with
// EnvWorker set. In that mode Station.Run does not run the lifecycle; it
// serves exactly one invocation over a pair of inherited pipes and exits.
// The parent talks to the unit with the newline-delimited JSON protocol in
// the protocol subpackage:
//
//	station                       isolation unit
//	   |  spawn (fd3 invoke, fd4 result)  |
//	   | <------------- READY ----------- |
//	   | -------------- INVOKE ---------> |
//	   | <------------- EVENT* ---------- |
//	   | <---------- DONE | ERROR ------- |
//	   | <------------- EXIT ------------ |
//
// The unit's stdout and stderr never carry protocol traffic; they are
// forwarded line by line to the station logger.
//
// A unit that exits without DONE is reported as crashed. A unit that
// outlives its timeout, or is still running when the station is interrupted,
// is sent SIGTERM (to its whole process group), given KillGrace to exit, and
// then killed.
package isolation
