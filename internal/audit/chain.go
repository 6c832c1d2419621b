package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"content_assurance/internal/model"
)

const (
	DefaultMaxEntries   = 10000
	DefaultMaxPending   = 10000
	DefaultWriteTimeout = 2 * time.Second
)

// Chain is the in-memory tail of the audit log. Appends are serialized by a
// single mutex, which is the only point where concurrent enforcement calls
// coordinate.
type Chain struct {
	mu           sync.Mutex
	entries      []Entry
	nextID       int64
	headHash     string
	anchorHash   string
	truncatedAt  int64
	maxEntries   int
	store        Store
	// pending holds entries the store has not accepted yet, oldest first.
	// They are retried ahead of every new write so the store never sees a
	// gap in the id sequence.
	pending      []Entry
	maxPending   int
	writeTimeout time.Duration
	logger       *zap.Logger
	now          func() time.Time
}

type ChainOption func(*Chain)

// WithStore persists every appended entry to s.
func WithStore(s Store) ChainOption {
	return func(c *Chain) { c.store = s }
}

// WithMaxEntries bounds the retained window; older entries are evicted FIFO.
func WithMaxEntries(n int) ChainOption {
	return func(c *Chain) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// WithMaxPending bounds how many unpersisted entries are kept for retry.
func WithMaxPending(n int) ChainOption {
	return func(c *Chain) {
		if n > 0 {
			c.maxPending = n
		}
	}
}

func WithWriteTimeout(d time.Duration) ChainOption {
	return func(c *Chain) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

func WithLogger(l *zap.Logger) ChainOption {
	return func(c *Chain) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithClock(now func() time.Time) ChainOption {
	return func(c *Chain) {
		if now != nil {
			c.now = now
		}
	}
}

func NewChain(opts ...ChainOption) *Chain {
	c := &Chain{
		nextID:       1,
		headHash:     GenesisHash,
		anchorHash:   GenesisHash,
		maxEntries:   DefaultMaxEntries,
		maxPending:   DefaultMaxPending,
		writeTimeout: DefaultWriteTimeout,
		logger:       zap.NewNop(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Restore builds a chain that continues from the newest entries in loader.
// The loaded window is verified before it is accepted. loader also becomes
// the chain's store unless another is given in opts.
func Restore(ctx context.Context, loader Loader, opts ...ChainOption) (*Chain, error) {
	c := NewChain(append([]ChainOption{WithStore(loader)}, opts...)...)
	tail, err := loader.LoadTail(ctx, c.maxEntries)
	if err != nil {
		return nil, fmt.Errorf("audit: load tail: %w", err)
	}
	if len(tail) == 0 {
		return c, nil
	}
	anchor := tail[0].PreviousEntryHash
	if tail[0].ID == 1 && anchor != GenesisHash {
		return nil, fmt.Errorf("audit: stored chain starts at id 1 without the genesis hash")
	}
	if report := VerifyRecords(tail, anchor); !report.OK {
		return nil, fmt.Errorf("audit: stored chain failed verification: %v", report.Errors)
	}
	for i := range tail {
		tail[i].Persisted = true
	}
	last := tail[len(tail)-1]
	c.entries = tail
	c.anchorHash = anchor
	c.truncatedAt = tail[0].ID - 1
	c.nextID = last.ID + 1
	c.headHash = last.EntryHash
	c.logger.Info("audit chain restored",
		zap.Int("retained", len(tail)),
		zap.Int64("head_id", last.ID),
		zap.Int64("truncated_at", c.truncatedAt))
	return c, nil
}

// Append links a record of result to the chain tail and returns it. It never
// fails: if the store rejects the write the entry is still linked, is
// returned with Persisted=false, and is written again ahead of the next
// append or Flush.
func (c *Chain) Append(ctx context.Context, sample model.ContentSample, result model.EnforcementResult) Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := result.Timestamp
	if ts.IsZero() {
		ts = c.now()
	}
	e := Entry{
		ID:                c.nextID,
		Timestamp:         ts.UTC().Truncate(time.Microsecond),
		RequestID:         result.RequestID,
		InputHash:         HashText(sample.InputText),
		OutputHash:        HashText(sample.OutputText),
		Action:            result.Action,
		CompositeScore:    result.DimensionScore.Composite,
		ViolationCount:    len(result.Violations),
		UserRef:           UserRef(sample.UserID),
		PolicyVersion:     result.PolicyVersion,
		PreviousEntryHash: c.headHash,
	}
	h, err := ComputeHash(e)
	if err != nil {
		// The entry is still linked; verification reports it.
		c.logger.Error("audit entry hash failed", zap.Int64("id", e.ID), zap.Error(err))
	}
	e.EntryHash = h

	c.entries = append(c.entries, e)
	c.nextID++
	c.headHash = e.EntryHash
	if c.store != nil {
		c.pending = append(c.pending, e)
		c.flushLocked(ctx)
		c.trimPendingLocked()
	}
	e = c.entries[len(c.entries)-1]
	c.evictLocked()
	return e
}

// Flush retries entries the store rejected earlier and returns how many are
// still unpersisted.
func (c *Chain) Flush(ctx context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store != nil {
		c.flushLocked(ctx)
	}
	return len(c.pending)
}

// Pending is the number of entries waiting to be persisted.
func (c *Chain) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Chain) flushLocked(ctx context.Context) {
	if len(c.pending) == 0 {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.writeTimeout)
	defer cancel()

	done := 0
	for _, e := range c.pending {
		if err := c.store.Write(wctx, e); err != nil {
			c.logger.Warn("audit entry not persisted",
				zap.Int64("id", e.ID),
				zap.String("request_id", e.RequestID),
				zap.Int("pending", len(c.pending)-done),
				zap.Error(err))
			break
		}
		c.markPersistedLocked(e.ID)
		done++
	}
	if done > 0 {
		if done > 1 {
			c.logger.Info("audit backlog persisted", zap.Int("entries", done))
		}
		c.pending = append([]Entry(nil), c.pending[done:]...)
	}
}

func (c *Chain) markPersistedLocked(id int64) {
	if len(c.entries) == 0 {
		return
	}
	i := id - c.entries[0].ID
	if i >= 0 && i < int64(len(c.entries)) {
		c.entries[i].Persisted = true
	}
}

// trimPendingLocked drops the oldest unpersisted entries past maxPending.
// The store then has a permanent gap, so this is logged as an error.
func (c *Chain) trimPendingLocked() {
	over := len(c.pending) - c.maxPending
	if over <= 0 {
		return
	}
	c.logger.Error("audit backlog full, dropping unpersisted entries",
		zap.Int64("from_id", c.pending[0].ID),
		zap.Int64("to_id", c.pending[over-1].ID))
	c.pending = append([]Entry(nil), c.pending[over:]...)
}

func (c *Chain) evictLocked() {
	over := len(c.entries) - c.maxEntries
	if over <= 0 {
		return
	}
	last := c.entries[over-1]
	c.anchorHash = last.EntryHash
	c.truncatedAt = last.ID
	c.entries = append([]Entry(nil), c.entries[over:]...)
}

// VerifyIntegrity recomputes every retained entry and its linkage. The oldest
// retained entry must link to the truncation anchor.
func (c *Chain) VerifyIntegrity() bool {
	return c.Verify().OK
}

// Verify is VerifyIntegrity with the full report.
func (c *Chain) Verify() VerifyReport {
	entries, anchor, head := c.window()
	report := VerifyRecords(entries, anchor)
	if report.OK && report.LastHash != head {
		report.OK = false
		report.Errors = append(report.Errors, "head hash does not match newest entry")
	}
	return report
}

// Recent returns up to limit of the newest retained entries, newest last.
// A limit <= 0 returns the whole retained window.
func (c *Chain) Recent(limit int) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	start := 0
	if limit > 0 && len(c.entries) > limit {
		start = len(c.entries) - limit
	}
	return append([]Entry(nil), c.entries[start:]...)
}

// ExportRecent is Recent for export collaborators.
func (c *Chain) ExportRecent(limit int) []Entry {
	return c.Recent(limit)
}

// ExportChainSummary describes the retained window and whether it verifies.
func (c *Chain) ExportChainSummary() Summary {
	c.mu.Lock()
	entries := append([]Entry(nil), c.entries...)
	anchor, head := c.anchorHash, c.headHash
	total, truncatedAt := c.nextID-1, c.truncatedAt
	c.mu.Unlock()

	s := Summary{
		TotalEntries:    total,
		RetainedEntries: len(entries),
		ChainValid:      VerifyRecords(entries, anchor).OK,
		TruncatedAt:     truncatedAt,
		AnchorHash:      anchor,
		HeadHash:        head,
		MerkleRoot:      EntriesRoot(entries),
	}
	if len(entries) > 0 {
		oldest := entries[0].Timestamp
		newest := entries[len(entries)-1].Timestamp
		s.OldestTimestamp = &oldest
		s.NewestTimestamp = &newest
		s.ChainValid = s.ChainValid && entries[len(entries)-1].EntryHash == head
	}
	return s
}

// Since returns retained entries with a timestamp at or after t.
func (c *Chain) Since(t time.Time) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Entry
	for _, e := range c.entries {
		if !e.Timestamp.Before(t) {
			out = append(out, e)
		}
	}
	return out
}

func (c *Chain) window() ([]Entry, string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Entry(nil), c.entries...), c.anchorHash, c.headHash
}
