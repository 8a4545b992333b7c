package flow

import "errors"

var (
	// ErrAlreadyComplete is returned by Submit once every step has passed.
	ErrAlreadyComplete = errors.New("flow already complete")

	// ErrBusy is returned when a submission is already running for the flow.
	ErrBusy = errors.New("a command is already running for this flow")

	// ErrEnded is returned for operations on a flow that has been ended.
	ErrEnded = errors.New("flow has ended")

	// ErrUnknownFlow is returned when no flow is registered under a slug.
	ErrUnknownFlow = errors.New("unknown flow")

	// ErrInvalidDefinition is returned when a flow definition fails validation.
	ErrInvalidDefinition = errors.New("invalid flow definition")

	// ErrProcedureFailed is returned when a setup or teardown command fails.
	ErrProcedureFailed = errors.New("flow procedure failed")
)
