package workflow

import "pingpong/internal/domain"

// Rule maps a state and event to the states the machine may move to. Rules
// with several targets are resolved by a guard in the machine.
type Rule struct {
	From  domain.State
	Event domain.Event
	To    []domain.State
}

// Transitions is the complete transition table. ERROR is reachable from
// every non-terminal state and is not listed.
var Transitions = []Rule{
	{From: domain.StateIdle, Event: domain.EventStart, To: []domain.State{domain.StateSpecCreation}},
	{From: domain.StateSpecCreation, Event: domain.EventSpecCreated, To: []domain.State{domain.StateSpecFrozen}},
	{From: domain.StateSpecCreation, Event: domain.EventUserAbort, To: []domain.State{domain.StateIdle}},
	{From: domain.StateSpecFrozen, Event: domain.EventSpecCreated, To: []domain.State{domain.StateTestWriting}},
	{From: domain.StateTestWriting, Event: domain.EventTestsWritten, To: []domain.State{domain.StateImplementing}},
	{From: domain.StateImplementing, Event: domain.EventImplementationDone, To: []domain.State{domain.StateRunningTests}},
	{From: domain.StateRunningTests, Event: domain.EventTestsPassed, To: []domain.State{domain.StateCodeReview}},
	{From: domain.StateRunningTests, Event: domain.EventTestsFailed, To: []domain.State{domain.StateImplementing, domain.StatePaused}},
	{From: domain.StateCodeReview, Event: domain.EventReviewApproved, To: []domain.State{domain.StateCompleted}},
	{From: domain.StateCodeReview, Event: domain.EventReviewRejected, To: []domain.State{domain.StateTestWriting}},
	{From: domain.StatePaused, Event: domain.EventUserContinue, To: []domain.State{domain.StateImplementing}},
	{From: domain.StatePaused, Event: domain.EventUserAbort, To: []domain.State{domain.StateIdle}},
}

func lookup(from domain.State, event domain.Event) (Rule, bool) {
	for _, r := range Transitions {
		if r.From == from && r.Event == event {
			return r, true
		}
	}
	return Rule{}, false
}

// IsValidTransition reports whether the table allows moving from one state
// to the other under any event.
func IsValidTransition(from, to domain.State) bool {
	if from.Terminal() {
		return false
	}
	if to == domain.StateError {
		return true
	}
	for _, r := range Transitions {
		if r.From != from {
			continue
		}
		for _, target := range r.To {
			if target == to {
				return true
			}
		}
	}
	return false
}

// CanHandle reports whether event is accepted in state from.
func CanHandle(from domain.State, event domain.Event) bool {
	if from.Terminal() {
		return false
	}
	if event == domain.EventError {
		return true
	}
	_, ok := lookup(from, event)
	return ok
}
