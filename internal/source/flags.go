package source

import (
	"strings"

	"github.com/nhle/vexmail/internal/model"
)

// Server flag names. Starring uses a keyword so it stays independent of
// \Flagged.
const (
	FlagSeen      = `\Seen`
	FlagFlagged   = `\Flagged`
	FlagDeleted   = `\Deleted`
	FlagStarred   = "$Starred"
	FlagImportant = "$Important"
)

// FlagChange is the server-side STORE an operation maps to.
type FlagChange struct {
	Add   bool
	Flag  string
	Purge bool
}

// ChangeFor returns the flag change applying kind. Delete also purges the
// message from the mailbox.
func ChangeFor(kind model.OperationKind) (FlagChange, bool) {
	switch kind {
	case model.OpRead:
		return FlagChange{Add: true, Flag: FlagSeen}, true
	case model.OpUnread:
		return FlagChange{Flag: FlagSeen}, true
	case model.OpFlag:
		return FlagChange{Add: true, Flag: FlagFlagged}, true
	case model.OpUnflag:
		return FlagChange{Flag: FlagFlagged}, true
	case model.OpStar:
		return FlagChange{Add: true, Flag: FlagStarred}, true
	case model.OpUnstar:
		return FlagChange{Flag: FlagStarred}, true
	case model.OpDelete:
		return FlagChange{Add: true, Flag: FlagDeleted, Purge: true}, true
	}
	return FlagChange{}, false
}

// StateOf maps server flags onto local state. Every field is set, so
// applying the result overwrites the local flags.
func StateOf(flags []string) (update model.FlagUpdate, important bool) {
	var read, starred, flagged, deleted bool
	for _, f := range flags {
		switch {
		case strings.EqualFold(f, FlagSeen):
			read = true
		case strings.EqualFold(f, FlagFlagged):
			flagged = true
		case strings.EqualFold(f, FlagDeleted):
			deleted = true
		case strings.EqualFold(f, FlagStarred):
			starred = true
		case strings.EqualFold(f, FlagImportant):
			important = true
		}
	}
	return model.FlagUpdate{Read: &read, Starred: &starred, Flagged: &flagged, Deleted: &deleted}, important
}
