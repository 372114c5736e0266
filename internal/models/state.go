package models

// ItemState enumerates the lifecycle states of a request item.
type ItemState string

const (
	StateNew       ItemState = "NEW"
	StateApproved  ItemState = "APPROVED"
	StateDenied    ItemState = "DENIED"
	StateReopened  ItemState = "REOPENED"
	StateCancelled ItemState = "CANCELLED"
	StateModified  ItemState = "MODIFIED"
)

// AllStates lists every known item state.
var AllStates = []ItemState{StateNew, StateApproved, StateDenied, StateReopened, StateCancelled, StateModified}

// IsOpen reports whether the state still awaits resolution.
func (s ItemState) IsOpen() bool {
	switch s {
	case StateNew, StateReopened, StateModified:
		return true
	}
	return false
}

// CanModifyLength reports whether the requested length may still be edited.
func (s ItemState) CanModifyLength() bool {
	switch s {
	case StateNew, StateReopened, StateModified:
		return true
	}
	return false
}

// Valid reports whether the value is a known state.
func (s ItemState) Valid() bool {
	switch s {
	case StateNew, StateApproved, StateDenied, StateReopened, StateCancelled, StateModified:
		return true
	}
	return false
}

// Label returns the human readable state name used in history messages.
func (s ItemState) Label() string {
	switch s {
	case StateNew:
		return "New"
	case StateApproved:
		return "Approved"
	case StateDenied:
		return "Denied"
	case StateReopened:
		return "Reopened"
	case StateCancelled:
		return "Cancelled"
	case StateModified:
		return "Modification requested"
	}
	return "Unknown"
}

// Result returns the pending/resolved wording for status summaries.
func (s ItemState) Result() string {
	switch s {
	case StateNew, StateReopened, StateModified:
		return "Pending"
	case StateApproved:
		return "Granted"
	case StateDenied:
		return "Denied"
	case StateCancelled:
		return "Cancelled"
	}
	return "Unknown"
}

// openTransitions are reachable by the item owner without any privilege.
var openTransitions = map[ItemState][]ItemState{
	StateNew:       {StateCancelled},
	StateReopened:  {StateCancelled},
	StateCancelled: {StateReopened},
}

// privilegedTransitions extend the open set for actors holding the
// force-status privilege.
var privilegedTransitions = map[ItemState][]ItemState{
	StateNew:      {StateApproved, StateDenied},
	StateReopened: {StateDenied, StateApproved},
	StateDenied:   {StateApproved, StateReopened, StateCancelled},
	StateApproved: {StateCancelled, StateDenied},
	StateModified: {StateApproved, StateCancelled, StateDenied, StateReopened},
}

// AllowedTransitions returns the states reachable from current.
func AllowedTransitions(current ItemState, privileged bool) []ItemState {
	allowed := append([]ItemState(nil), openTransitions[current]...)
	if privileged {
		allowed = append(allowed, privilegedTransitions[current]...)
	}
	return allowed
}

// CanTransition reports whether moving from current to next is legal.
func CanTransition(current, next ItemState, privileged bool) bool {
	for _, s := range AllowedTransitions(current, privileged) {
		if s == next {
			return true
		}
	}
	return false
}

// ItemAccess describes the relationship an actor has with a request item,
// derived from ownership, rule evaluation and the force-status privilege.
type ItemAccess struct {
	Owner      bool
	CanApprove bool
	Force      bool
}

// VisibleActions returns the transition buttons the presentation layer should
// offer. Authority is still enforced by the state machine itself; this is a
// pure projection of the transition table.
func VisibleActions(state ItemState, access ItemAccess) []ItemState {
	switch {
	case access.Force:
		return AllowedTransitions(state, true)
	case access.CanApprove:
		switch state {
		case StateNew, StateReopened:
			return []ItemState{StateApproved, StateDenied}
		}
		return nil
	case access.Owner:
		return AllowedTransitions(state, false)
	}
	return nil
}
