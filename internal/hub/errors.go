package hub

import "errors"

var (
	// ErrConnectionLimit is returned by Register when the account's live
	// connection count would exceed the configured ceiling
	ErrConnectionLimit = errors.New("connection limit exceeded")

	// ErrStaleGeneration is returned when an operation was queued against a
	// coordinator incarnation that has since been torn down
	ErrStaleGeneration = errors.New("stale coordinator generation")

	// ErrCoordinatorBusy is returned when a coordinator's operation queue is
	// at capacity
	ErrCoordinatorBusy = errors.New("coordinator operation queue full")
)
