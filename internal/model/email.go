package model

import (
	"fmt"
	"strings"
	"time"
)

// Address is a single mailbox address with an optional display name.
type Address struct {
	Name string `json:"name,omitempty"`
	Addr string `json:"addr"`
}

// String formats the address the way a mail client displays it.
func (a Address) String() string {
	if a.Name == "" {
		return a.Addr
	}
	return fmt.Sprintf("%s <%s>", a.Name, a.Addr)
}

// Email is the locally stored projection of a remote message.
type Email struct {
	// ID is the stable local identifier. It is derived from the remote
	// identity at first insert and never changes afterwards, even when the
	// message is rebound to a new UID after a UID-validity change.
	ID string `json:"id"`

	// Mailbox is the remote folder the message lives in (e.g. "INBOX").
	Mailbox string `json:"mailbox"`

	// UID is the message's remote UID within Mailbox.
	UID uint32 `json:"uid"`

	// UIDValidity is the mailbox UIDVALIDITY the UID belongs to.
	UIDValidity uint32 `json:"uid_validity"`

	// MessageID is the RFC 5322 Message-ID header, used as the fallback
	// dedup key when UIDs are reassigned.
	MessageID string `json:"message_id,omitempty"`

	// ThreadID links the message to its conversation.
	ThreadID string `json:"thread_id"`

	Subject string    `json:"subject"`
	From    Address   `json:"from"`
	To      []Address `json:"to,omitempty"`
	Cc      []Address `json:"cc,omitempty"`
	Bcc     []Address `json:"bcc,omitempty"`

	// TextBody is the text/plain part.
	TextBody string `json:"text_body,omitempty"`

	// HTMLBody is the sanitized text/html part.
	HTMLBody string `json:"html_body,omitempty"`

	// Date is the message's Date header, falling back to the server's
	// internal date.
	Date time.Time `json:"date"`

	Read      bool `json:"read"`
	Starred   bool `json:"starred"`
	Flagged   bool `json:"flagged"`
	Important bool `json:"important"`

	// Deleted marks a tombstone. Deleted emails stay in the store so later
	// syncs and queued operations can still resolve them.
	Deleted bool `json:"deleted"`

	// Labels holds system and user label names.
	Labels []string `json:"labels,omitempty"`

	// Size is the RFC 822 size reported by the server.
	Size int64 `json:"size"`

	AttachmentCount int `json:"attachment_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	SyncedAt  time.Time `json:"synced_at"`
}

// EmailID builds the local identifier for a newly seen remote message.
func EmailID(mailbox string, uidValidity, uid uint32) string {
	return fmt.Sprintf("%s:%d:%d", strings.ToLower(mailbox), uidValidity, uid)
}

// HasLabel reports whether the email carries the named label.
func (e *Email) HasLabel(name string) bool {
	for _, l := range e.Labels {
		if l == name {
			return true
		}
	}
	return false
}

// Thread groups related emails into a conversation.
type Thread struct {
	ID string `json:"id"`

	// Subject is the subject of the first message, as displayed.
	Subject string `json:"subject"`

	// SubjectKey is the normalized subject used for subject-based matching.
	SubjectKey string `json:"subject_key"`

	Participants []string  `json:"participants,omitempty"`
	EmailCount   int       `json:"email_count"`
	LastDate     time.Time `json:"last_date"`
	HasUnread    bool      `json:"has_unread"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AddParticipant records addr on the thread if it is not already present.
func (t *Thread) AddParticipant(addr string) {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if addr == "" {
		return
	}
	for _, p := range t.Participants {
		if p == addr {
			return
		}
	}
	t.Participants = append(t.Participants, addr)
}

// Attachment is the metadata of a stored attachment. The payload itself
// lives in attachment storage and is addressed by StoragePath.
type Attachment struct {
	ID          string    `json:"id"`
	EmailID     string    `json:"email_id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	StoragePath string    `json:"storage_path,omitempty"`
	Checksum    string    `json:"checksum,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// MailboxStats summarizes the local store.
type MailboxStats struct {
	Total           int `json:"total" db:"total"`
	Unread          int `json:"unread" db:"unread"`
	Starred         int `json:"starred" db:"starred"`
	Flagged         int `json:"flagged" db:"flagged"`
	Important       int `json:"important" db:"important"`
	Deleted         int `json:"deleted" db:"deleted"`
	WithAttachments int `json:"with_attachments" db:"with_attachments"`
	Threads         int `json:"threads" db:"threads"`
	PendingOps      int `json:"pending_operations" db:"pending_operations"`
	FailedOps       int `json:"failed_operations" db:"failed_operations"`
}
