package server

import (
	"errors"
	"fmt"
)

// Command failures form a closed set so that api callers can branch on the
// outcome instead of matching error strings.
var (
	ErrUnknownChargePoint = errors.New("unknown charge point")
	ErrNotConnected       = errors.New("charge point not connected")
	ErrAlreadyConnected   = errors.New("charge point already connected")
	ErrCommandTimeout     = errors.New("timeout waiting for charge point response")
)

// CommandRejectedError is returned when the charge point answered with a
// CallError frame or an explicit Rejected status.
type CommandRejectedError struct {
	Code        string
	Description string
}

func (e *CommandRejectedError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("command rejected: %s", e.Code)
	}
	return fmt.Sprintf("command rejected: %s: %s", e.Code, e.Description)
}

// MalformedFrameError marks data that is not a valid OCPP-J frame. It is not
// fatal for the session; the frame is logged and skipped.
type MalformedFrameError struct {
	Reason string
}

func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("malformed frame: %s", e.Reason)
}
