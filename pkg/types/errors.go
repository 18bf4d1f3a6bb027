package types

import "errors"

var (
	// ErrDispatcherRunning is returned by StartDispatcher when the unit
	// already has an active dispatcher.
	ErrDispatcherRunning = errors.New("dispatcher is already running")

	// ErrDeviceStopped is returned from Transact calls aborted by Stop.
	ErrDeviceStopped = errors.New("device stopped")

	// ErrSlotExhausted is returned when no operation context slot can be
	// allocated for a new dispatcher worker.
	ErrSlotExhausted = errors.New("operation context slots exhausted")
)
