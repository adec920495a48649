package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// Key prefixes. Invalidation works on these prefixes, so every key built
// below starts with one of them.
const (
	ListingPrefix = "emails:list:"
	DetailPrefix  = "email:detail:"
	StatsKey      = "email:stats"
	SearchPrefix  = "search:"
	ThreadPrefix  = "thread:"
)

// ListingKey addresses one page of a mailbox or label listing.
func ListingKey(scope string, page, size int) string {
	return ListingPrefix + strings.ToLower(scope) + ":" + strconv.Itoa(page) + ":" + strconv.Itoa(size)
}

// ListingScopePrefix matches every page of one listing.
func ListingScopePrefix(scope string) string {
	return ListingPrefix + strings.ToLower(scope) + ":"
}

func DetailKey(id string) string { return DetailPrefix + id }

func ThreadKey(id string) string { return ThreadPrefix + id }

// SearchKey addresses one page of a search. The query is case-folded and
// whitespace-collapsed before hashing.
func SearchKey(query string, page, size int) string {
	norm := strings.Join(strings.Fields(strings.ToLower(query)), " ")
	sum := sha256.Sum256([]byte(norm))
	return SearchPrefix + hex.EncodeToString(sum[:8]) + ":" + strconv.Itoa(page) + ":" + strconv.Itoa(size)
}
