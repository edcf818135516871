package webhook

import "fmt"

/* Status represents the current state of a delivery
 * Follows the lifecycle: Pending -> Retrying* -> Success/Failed
 */
type Status int

const (
	Pending Status = iota + 1
	Retrying
	Success
	Failed
)

// String returns the string representation of the status
func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Retrying:
		return "retrying"
	case Success:
		return "success"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// NewStatus creates a Status from a string
func NewStatus(str string) Status {
	switch str {
	case "pending":
		return Pending
	case "retrying":
		return Retrying
	case "success":
		return Success
	case "failed":
		return Failed
	default:
		return Pending
	}
}

// Validate checks if the status is valid
func (s Status) Validate() error {
	if s < Pending || s > Failed {
		return fmt.Errorf("invalid status: %d", s)
	}
	return nil
}

// IsFinal returns true if the status is a terminal state
func (s Status) IsFinal() bool {
	return s == Success || s == Failed
}

// MarshalText lets the status travel as its name in JSON documents
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
