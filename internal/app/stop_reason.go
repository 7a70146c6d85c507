package app

// StopReason is logged when the App stops.
type StopReason string

const (
	StopUnknown     StopReason = "unknown"
	StopSignal      StopReason = "signal"
	StopStartupFail StopReason = "startup_failure"
	StopFatalError  StopReason = "fatal_error"
	StopCommandDone StopReason = "command_done"
)
