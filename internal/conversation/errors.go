package conversation

import "errors"

var (
	// ErrNotFound is returned when a conversation does not exist.
	ErrNotFound = errors.New("conversation: not found")

	// ErrInvalidTransition is returned for moves the state machine forbids.
	ErrInvalidTransition = errors.New("conversation: invalid transition")

	// ErrVersionConflict is returned when another writer updated the row first.
	ErrVersionConflict = errors.New("conversation: version conflict")

	// ErrSuperseded means a human became authoritative; callers skip, they do not fail.
	ErrSuperseded = errors.New("conversation: superseded by human authority")

	// ErrMissingOperator is returned when an authority change has no operator id.
	ErrMissingOperator = errors.New("conversation: operator id required")

	// ErrForbidden is returned when a principal lacks the role for an action.
	ErrForbidden = errors.New("conversation: forbidden")

	// ErrNoChange lets a Mutate callback skip the write.
	ErrNoChange = errors.New("conversation: no change")
)
