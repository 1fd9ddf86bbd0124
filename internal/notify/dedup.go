// Package notify delivers outbound progress notifications. Sends are
// debounced through a short-window cache, bounded by a timeout, and
// failures are logged and swallowed so reconciliation never depends on a
// chat provider being up.
package notify

import (
	"sync"
	"time"
)

// Deduper suppresses repeat sends of the same (recipient, message) pair
// within a time window. The cache is bounded; when full, the oldest entry
// is evicted first.
type Deduper struct {
	mu         sync.Mutex
	window     time.Duration
	maxEntries int
	entries    map[string]time.Time
	order      []string
	now        func() time.Time
}

func NewDeduper(window time.Duration, maxEntries int) *Deduper {
	if window <= 0 {
		window = 5 * time.Second
	}
	if maxEntries <= 0 {
		maxEntries = 256
	}
	return &Deduper{
		window:     window,
		maxEntries: maxEntries,
		entries:    make(map[string]time.Time, maxEntries),
		now:        time.Now,
	}
}

func dedupKey(recipient, message string) string {
	return recipient + "\x00" + message
}

// ShouldSend reports whether the message may be sent now, and records the
// send time when it is allowed. A message identical to one sent less than
// the window ago is suppressed.
func (d *Deduper) ShouldSend(recipient, message string) bool {
	return d.check(recipient, message, false)
}

// ShouldSendForce always permits the send but still records it, resetting
// the window for subsequent non-forced duplicates.
func (d *Deduper) ShouldSendForce(recipient, message string) bool {
	return d.check(recipient, message, true)
}

func (d *Deduper) check(recipient, message string, force bool) bool {
	key := dedupKey(recipient, message)
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if last, ok := d.entries[key]; ok {
		if !force && now.Sub(last) < d.window {
			return false
		}
		d.entries[key] = now
		return true
	}

	if len(d.entries) >= d.maxEntries {
		d.evictOldestLocked()
	}
	d.entries[key] = now
	d.order = append(d.order, key)
	return true
}

func (d *Deduper) evictOldestLocked() {
	for len(d.order) > 0 {
		oldest := d.order[0]
		d.order = d.order[1:]
		if _, ok := d.entries[oldest]; ok {
			delete(d.entries, oldest)
			return
		}
	}
}

// Len returns the number of cached entries.
func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
