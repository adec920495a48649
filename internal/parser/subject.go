package parser

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// replyPrefix matches one reply or forward marker, including counted
// forms like "Re[2]:" and common localized variants.
var replyPrefix = regexp.MustCompile(`^(?i)(re|fwd?|aw|sv|wg|antw)(\[\d+\])?\s*:\s*`)

// listTag matches a leading mailing-list tag such as "[golang-nuts]".
var listTag = regexp.MustCompile(`^\[[^\]]{1,40}\]\s*`)

// NormalizeSubject reduces a subject to the key used for subject-based
// threading: reply and forward markers stripped, Unicode normalized, case
// folded, and whitespace collapsed.
func NormalizeSubject(subject string) string {
	s := norm.NFKC.String(subject)
	s = strings.TrimSpace(s)

	for {
		before := s
		s = strings.TrimSpace(replyPrefix.ReplaceAllString(s, ""))
		s = strings.TrimSpace(listTag.ReplaceAllString(s, ""))
		if s == before {
			break
		}
	}

	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}
