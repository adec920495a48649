package model

import "strings"

// Label is a named category an email can carry.
type Label struct {
	Name        string `json:"name" db:"name"`
	DisplayName string `json:"display_name" db:"display_name"`
	Color       string `json:"color" db:"color"`
	System      bool   `json:"system" db:"system"`
}

// System label names.
const (
	LabelInbox     = "inbox"
	LabelSent      = "sent"
	LabelDrafts    = "drafts"
	LabelSpam      = "spam"
	LabelTrash     = "trash"
	LabelStarred   = "starred"
	LabelImportant = "important"
)

// MailboxLabel maps a remote folder name to the system label it implies.
// Unknown folders map to their lower-cased name.
func MailboxLabel(mailbox string) string {
	name := strings.ToLower(mailbox)
	if i := strings.LastIndexAny(name, "/."); i >= 0 {
		name = name[i+1:]
	}
	switch name {
	case "inbox":
		return LabelInbox
	case "sent", "sent items", "sent mail":
		return LabelSent
	case "drafts", "draft":
		return LabelDrafts
	case "spam", "junk", "junk e-mail":
		return LabelSpam
	case "trash", "deleted items", "bin":
		return LabelTrash
	default:
		return name
	}
}
