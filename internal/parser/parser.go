// Package parser turns raw RFC 5322 messages into the fields the store keeps.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/nhle/vexmail/internal/model"
)

// ErrMalformedMessage is returned when a message cannot be parsed at all.
// Sync skips such messages and continues with the batch.
var ErrMalformedMessage = errors.New("malformed message")

// Part is a decoded attachment.
type Part struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Parsed is the structured content of a message.
type Parsed struct {
	MessageID  string
	InReplyTo  string
	References []string

	Subject string
	From    model.Address
	To      []model.Address
	Cc      []model.Address
	Bcc     []model.Address
	Date    time.Time

	TextBody string

	// HTMLBody is already sanitized.
	HTMLBody string

	Important   bool
	Attachments []Part
}

// ThreadReferences returns the Message-IDs this message refers to, most
// specific first: In-Reply-To, then References from newest to oldest.
func (p *Parsed) ThreadReferences() []string {
	seen := make(map[string]bool)
	var refs []string
	add := func(id string) {
		if id != "" && !seen[id] && id != p.MessageID {
			seen[id] = true
			refs = append(refs, id)
		}
	}
	add(p.InReplyTo)
	for i := len(p.References) - 1; i >= 0; i-- {
		add(p.References[i])
	}
	return refs
}

// Parse decodes a raw message.
func Parse(raw []byte) (*Parsed, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrMalformedMessage)
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	defer mr.Close()

	h := mr.Header
	if len(h.Map()) == 0 {
		return nil, fmt.Errorf("%w: no headers", ErrMalformedMessage)
	}

	p := &Parsed{}
	p.Subject, _ = h.Subject()
	if ids := msgIDs(h, "Message-Id"); len(ids) > 0 {
		p.MessageID = ids[0]
	}
	if ids := msgIDs(h, "In-Reply-To"); len(ids) > 0 {
		p.InReplyTo = ids[0]
	}
	p.References = msgIDs(h, "References")
	if d, err := h.Date(); err == nil {
		p.Date = d
	}

	if from := addresses(h, "From"); len(from) > 0 {
		p.From = from[0]
	} else if sender := addresses(h, "Sender"); len(sender) > 0 {
		p.From = sender[0]
	}
	p.To = addresses(h, "To")
	p.Cc = addresses(h, "Cc")
	p.Bcc = addresses(h, "Bcc")
	p.Important = isImportant(h)

	var html string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) {
				continue
			}
			// Keep what was decoded so far; a truncated tail should not
			// lose the headers and first body part.
			break
		}

		switch ph := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := ph.ContentType()
			if contentType == "" {
				contentType = "text/plain"
			}
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}

			switch {
			case strings.HasPrefix(contentType, "text/plain") && p.TextBody == "":
				p.TextBody = string(body)
			case strings.HasPrefix(contentType, "text/html") && html == "":
				html = string(body)
			}

		case *mail.AttachmentHeader:
			filename, _ := ph.Filename()
			contentType, _, _ := ph.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}

			p.Attachments = append(p.Attachments, Part{
				Filename:    filename,
				ContentType: contentType,
				Content:     body,
			})
		}
	}

	if html != "" {
		p.HTMLBody = SanitizeHTML(html)
		if p.TextBody == "" {
			p.TextBody = TextFromHTML(html)
		}
	}

	return p, nil
}

func addresses(h mail.Header, key string) []model.Address {
	list, err := h.AddressList(key)
	if err != nil {
		return nil
	}
	out := make([]model.Address, 0, len(list))
	for _, a := range list {
		out = append(out, model.Address{Name: a.Name, Addr: strings.ToLower(a.Address)})
	}
	return out
}

func isImportant(h mail.Header) bool {
	if v := strings.ToLower(h.Get("Importance")); v == "high" {
		return true
	}
	if v := strings.TrimSpace(h.Get("X-Priority")); v != "" {
		return v[0] == '1' || v[0] == '2'
	}
	return false
}

// msgIDs reads a Message-ID list header. Values some mailers send without
// angle brackets fail strict parsing and are split on whitespace and
// commas instead.
func msgIDs(h mail.Header, key string) []string {
	ids, err := h.MsgIDList(key)
	if err != nil {
		ids = strings.FieldsFunc(h.Get(key), func(r rune) bool {
			return r == ',' || unicode.IsSpace(r)
		})
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = bracket(id); id != "" && id != "<>" {
			out = append(out, id)
		}
	}
	return out
}

// bracket normalizes a Message-ID to its angle-bracketed form.
func bracket(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	return "<" + strings.Trim(id, "<>") + ">"
}
