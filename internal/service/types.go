package service

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nhle/vexmail/internal/cache"
	"github.com/nhle/vexmail/internal/model"
	"github.com/nhle/vexmail/internal/realtime"
	"github.com/nhle/vexmail/internal/retry"
	"github.com/nhle/vexmail/internal/source/email"
	mailsync "github.com/nhle/vexmail/internal/sync"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
	MaxBatchSize    = 500

	snippetLength = 160
)

// Listing selects the emails a page is taken from. Label takes precedence
// over Mailbox. The zero Listing is the inbox.
type Listing struct {
	Mailbox string
	Label   string
}

func (l Listing) scope() string {
	switch {
	case l.Label != "":
		return "label:" + l.Label
	case l.Mailbox != "":
		return "mailbox:" + l.Mailbox
	default:
		return "label:" + model.LabelInbox
	}
}

// Summary is an email as shown in a listing, without bodies.
type Summary struct {
	ID              string          `json:"id"`
	ThreadID        string          `json:"thread_id"`
	Mailbox         string          `json:"mailbox"`
	Subject         string          `json:"subject"`
	From            model.Address   `json:"from"`
	To              []model.Address `json:"to,omitempty"`
	Date            time.Time       `json:"date"`
	Snippet         string          `json:"snippet"`
	Read            bool            `json:"read"`
	Starred         bool            `json:"starred"`
	Flagged         bool            `json:"flagged"`
	Important       bool            `json:"important"`
	Deleted         bool            `json:"deleted,omitempty"`
	Labels          []string        `json:"labels,omitempty"`
	AttachmentCount int             `json:"attachment_count"`
}

func summarize(e model.Email) Summary {
	return Summary{
		ID:              e.ID,
		ThreadID:        e.ThreadID,
		Mailbox:         e.Mailbox,
		Subject:         e.Subject,
		From:            e.From,
		To:              e.To,
		Date:            e.Date,
		Snippet:         snippet(e.TextBody),
		Read:            e.Read,
		Starred:         e.Starred,
		Flagged:         e.Flagged,
		Important:       e.Important,
		Deleted:         e.Deleted,
		Labels:          e.Labels,
		AttachmentCount: e.AttachmentCount,
	}
}

// snippet collapses whitespace and cuts body to snippetLength runes.
func snippet(body string) string {
	s := strings.Join(strings.Fields(body), " ")
	if utf8.RuneCountInString(s) <= snippetLength {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:snippetLength])) + "…"
}

// Page is one page of a listing or search.
type Page struct {
	Emails   []Summary `json:"emails"`
	Page     int       `json:"page"`
	PageSize int       `json:"page_size"`
	Total    int       `json:"total"`
	Pages    int       `json:"pages"`
	HasMore  bool      `json:"has_more"`

	// Cached is set when the page was served from the cache.
	Cached bool `json:"cached"`
}

// EmailDetail is a full email with its attachment metadata.
type EmailDetail struct {
	Email       model.Email        `json:"email"`
	Attachments []model.Attachment `json:"attachments"`
	Cached      bool               `json:"cached"`
}

// ThreadDetail is a conversation with its emails, oldest first.
type ThreadDetail struct {
	Thread model.Thread `json:"thread"`
	Emails []Summary    `json:"emails"`
	Cached bool         `json:"cached"`
}

// ActionStatus is how a mutation ended for one email.
type ActionStatus string

const (
	// StatusApplied means the server accepted the change, or the message is
	// already gone there.
	StatusApplied ActionStatus = "applied"

	// StatusQueued means the change is local and waits in the retry queue.
	StatusQueued ActionStatus = "queued"

	// StatusAuthFailed means the change is local but the server rejected
	// the credentials. Nothing retries it until the account is fixed.
	StatusAuthFailed ActionStatus = "auth_failed"

	StatusNotFound ActionStatus = "not_found"
	StatusError    ActionStatus = "error"
)

// ActionResult reports the outcome of an action on one email.
type ActionResult struct {
	ID          string       `json:"id"`
	Action      model.Action `json:"action"`
	Status      ActionStatus `json:"status"`
	OperationID string       `json:"operation_id,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// BatchResult reports a batch action per email, in request order.
type BatchResult struct {
	Action    model.Action   `json:"action"`
	Results   []ActionResult `json:"results"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
}

// SyncStatus is how a triggered sync ended.
type SyncStatus string

const (
	SyncCompleted      SyncStatus = "completed"
	SyncPartial        SyncStatus = "partial"
	SyncFailed         SyncStatus = "failed"
	SyncAlreadyRunning SyncStatus = "already_running"
)

// SyncReport is the result of TriggerSync.
type SyncReport struct {
	Status  SyncStatus                  `json:"status"`
	Results map[string]*mailsync.Result `json:"results,omitempty"`
	Errors  map[string]string           `json:"errors,omitempty"`
}

// Stats aggregates counters from every component.
type Stats struct {
	Mailbox  *model.MailboxStats `json:"mailbox"`
	Labels   []model.Label       `json:"labels"`
	Cache    cache.Stats         `json:"cache"`
	HitRate  float64             `json:"cache_hit_rate"`
	Realtime realtime.Stats      `json:"realtime"`
	Sync     mailsync.Status     `json:"sync"`
	Retry    retry.Status        `json:"retry"`
	Pool     *email.PoolStats    `json:"pool,omitempty"`
}

// Health reports whether the backend can serve and reach the server.
type Health struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Healthy reports whether every check passed.
func (h Health) Healthy() bool {
	return h.Status == "ok"
}
