package domain

import "time"

// State is a step of the sequential workflow machine.
type State string

const (
	StateIdle         State = "IDLE"
	StateSpecCreation State = "SPEC_CREATION"
	StateSpecFrozen   State = "SPEC_FROZEN"
	StateTestWriting  State = "TEST_WRITING"
	StateImplementing State = "IMPLEMENTING"
	StateRunningTests State = "RUNNING_TESTS"
	StateCodeReview   State = "CODE_REVIEW"
	StateCompleted    State = "COMPLETED"
	StatePaused       State = "PAUSED"
	StateError        State = "ERROR"
)

var States = []State{
	StateIdle,
	StateSpecCreation,
	StateSpecFrozen,
	StateTestWriting,
	StateImplementing,
	StateRunningTests,
	StateCodeReview,
	StateCompleted,
	StatePaused,
	StateError,
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateError
}

func (s State) Valid() bool {
	for _, known := range States {
		if s == known {
			return true
		}
	}
	return false
}

type Event string

const (
	EventStart              Event = "START"
	EventSpecCreated        Event = "SPEC_CREATED"
	EventTestsWritten       Event = "TESTS_WRITTEN"
	EventImplementationDone Event = "IMPLEMENTATION_DONE"
	EventTestsPassed        Event = "TESTS_PASSED"
	EventTestsFailed        Event = "TESTS_FAILED"
	EventReviewApproved     Event = "REVIEW_APPROVED"
	EventReviewRejected     Event = "REVIEW_REJECTED"
	EventUserContinue       Event = "USER_CONTINUE"
	EventUserAbort          Event = "USER_ABORT"
	EventError              Event = "ERROR"
)

var Events = []Event{
	EventStart,
	EventSpecCreated,
	EventTestsWritten,
	EventImplementationDone,
	EventTestsPassed,
	EventTestsFailed,
	EventReviewApproved,
	EventReviewRejected,
	EventUserContinue,
	EventUserAbort,
	EventError,
}

// Transition is one entry of the machine history.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Event  Event     `json:"event"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}
