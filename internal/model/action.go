package model

import "fmt"

// Action is a user mutation on a single email.
type Action string

const (
	ActionRead   Action = "read"
	ActionUnread Action = "unread"
	ActionStar   Action = "star"
	ActionUnstar Action = "unstar"
	ActionFlag   Action = "flag"
	ActionUnflag Action = "unflag"
	ActionDelete Action = "delete"
)

// Actions lists every supported action.
var Actions = []Action{
	ActionRead, ActionUnread, ActionStar, ActionUnstar,
	ActionFlag, ActionUnflag, ActionDelete,
}

// ErrUnknownAction is returned by ParseAction for names outside the set.
type ErrUnknownAction struct {
	Name string
}

func (e *ErrUnknownAction) Error() string {
	return fmt.Sprintf("unknown action %q", e.Name)
}

// ParseAction validates an action name.
func ParseAction(name string) (Action, error) {
	for _, a := range Actions {
		if string(a) == name {
			return a, nil
		}
	}
	return "", &ErrUnknownAction{Name: name}
}

// FlagUpdate is a partial update of an email's local state. Nil fields are
// left unchanged.
type FlagUpdate struct {
	Read    *bool
	Starred *bool
	Flagged *bool
	Deleted *bool
}

// Empty reports whether the update changes nothing.
func (u FlagUpdate) Empty() bool {
	return u.Read == nil && u.Starred == nil && u.Flagged == nil && u.Deleted == nil
}

// Apply mutates e according to u.
func (u FlagUpdate) Apply(e *Email) {
	if u.Read != nil {
		e.Read = *u.Read
	}
	if u.Starred != nil {
		e.Starred = *u.Starred
	}
	if u.Flagged != nil {
		e.Flagged = *u.Flagged
	}
	if u.Deleted != nil {
		e.Deleted = *u.Deleted
	}
}

// Update returns the local state change an action implies.
func (a Action) Update() FlagUpdate {
	t, f := true, false
	switch a {
	case ActionRead:
		return FlagUpdate{Read: &t}
	case ActionUnread:
		return FlagUpdate{Read: &f}
	case ActionStar:
		return FlagUpdate{Starred: &t}
	case ActionUnstar:
		return FlagUpdate{Starred: &f}
	case ActionFlag:
		return FlagUpdate{Flagged: &t}
	case ActionUnflag:
		return FlagUpdate{Flagged: &f}
	case ActionDelete:
		return FlagUpdate{Deleted: &t}
	}
	return FlagUpdate{}
}

// Operation returns the remote operation kind for the action.
func (a Action) Operation() OperationKind {
	switch a {
	case ActionRead:
		return OpRead
	case ActionUnread:
		return OpUnread
	case ActionStar:
		return OpStar
	case ActionUnstar:
		return OpUnstar
	case ActionFlag:
		return OpFlag
	case ActionUnflag:
		return OpUnflag
	case ActionDelete:
		return OpDelete
	}
	return ""
}
