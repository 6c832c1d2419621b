package audit

import (
	"time"

	"content_assurance/internal/model"
)

// Filter selects entries by time range and action. Zero fields match
// everything; From is inclusive and To exclusive.
type Filter struct {
	From   time.Time
	To     time.Time
	Action model.Action
}

func (f Filter) Match(e Entry) bool {
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.Timestamp.Before(f.To) {
		return false
	}
	return f.Action == "" || e.Action == f.Action
}

// Query returns up to limit of the newest retained entries matching f,
// newest last. A limit <= 0 returns every match.
func (c *Chain) Query(f Filter, limit int) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Entry
	for _, e := range c.entries {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Find returns the newest retained entry recorded for requestID.
func (c *Chain) Find(requestID string) (Entry, bool) {
	if requestID == "" {
		return Entry{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.entries) - 1; i >= 0; i-- {
		if c.entries[i].RequestID == requestID {
			return c.entries[i], true
		}
	}
	return Entry{}, false
}
