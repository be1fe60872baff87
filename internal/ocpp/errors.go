package ocpp

import "errors"

// Outbound command failures. A station that is not connected cannot execute a
// command; a connected station that answers Rejected would not.
var (
	ErrStationNotConnected = errors.New("charging station not connected")
	ErrCommandRejected     = errors.New("command rejected by charging station")
	ErrCommandTimeout      = errors.New("command timed out")
)
