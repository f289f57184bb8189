package session

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is returned for requests rejected before any state
	// change: missing session id, empty message, non-positive turn number.
	ErrInvalidInput = errors.New("session: invalid input")

	// ErrTurnOutOfOrder is returned when a caller-supplied turn number is not
	// the session's next turn.
	ErrTurnOutOfOrder = errors.New("session: turn number out of order")
)

// TurnError reports a turn that failed inside a phase. The session's turn
// counter is only advanced when STORING completes, so a TurnError from any
// phase leaves it where it was.
type TurnError struct {
	Phase      Phase
	SessionID  string
	TurnNumber int
	Err        error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn %d of session %s failed while %s: %v", e.TurnNumber, e.SessionID, e.Phase, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }

// FailedPhase returns the phase a turn failed in, if err is a TurnError.
func FailedPhase(err error) (Phase, bool) {
	var te *TurnError
	if errors.As(err, &te) {
		return te.Phase, true
	}
	return "", false
}
