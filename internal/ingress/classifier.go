// Package ingress decides whether an inbound chat message should become a
// task. Chat traffic is noisy; short messages, slash commands, greetings,
// and provider redeliveries are filtered out before anything touches the
// store.
package ingress

import (
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"
)

var (
	commandPattern  = regexp.MustCompile(`^/\w+`)
	greetingPattern = regexp.MustCompile(`(?i)^(status|help|oi|olá|ola|hey|hi)$`)
)

// Rejection reasons returned by ShouldCreate.
const (
	ReasonTooShort  = "too_short"
	ReasonCommand   = "command"
	ReasonGreeting  = "greeting"
	ReasonDuplicate = "duplicate"
)

// Classifier filters inbound messages. Each instance owns its seen-cache;
// there is no process-global state.
type Classifier struct {
	minLength int

	mu      sync.Mutex
	maxSeen int
	seen    map[string]struct{}
	order   []string
}

func NewClassifier(minLength, seenCacheSize int) *Classifier {
	if minLength <= 0 {
		minLength = 5
	}
	if seenCacheSize <= 0 {
		seenCacheSize = 100
	}
	return &Classifier{
		minLength: minLength,
		maxSeen:   seenCacheSize,
		seen:      make(map[string]struct{}, seenCacheSize),
	}
}

// ShouldCreate reports whether the message warrants a new task. When it
// returns false, reason names the filter that rejected it. A message that
// passes records its external id, so provider redeliveries of the same id
// are rejected afterwards.
func (c *Classifier) ShouldCreate(message, externalID string) (bool, string) {
	trimmed := strings.TrimSpace(message)
	// Length is judged on what remains after trimming, in runes, so padding
	// cannot smuggle a short message past the filter and multi-byte text is
	// not penalized.
	if utf8.RuneCountInString(trimmed) < c.minLength {
		return false, ReasonTooShort
	}
	if commandPattern.MatchString(trimmed) {
		return false, ReasonCommand
	}
	if greetingPattern.MatchString(trimmed) {
		return false, ReasonGreeting
	}
	if externalID != "" && !c.markSeen(externalID) {
		return false, ReasonDuplicate
	}
	return true, ""
}

// markSeen records an external id, returning false if it was already known.
// The cache is bounded FIFO by insertion order.
func (c *Classifier) markSeen(externalID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.seen[externalID]; ok {
		return false
	}
	if len(c.seen) >= c.maxSeen {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.seen, oldest)
	}
	c.seen[externalID] = struct{}{}
	c.order = append(c.order, externalID)
	return true
}

// SeenCount returns the number of cached external ids.
func (c *Classifier) SeenCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
