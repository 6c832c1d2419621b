package audit

import (
	"context"
	"strings"
	"time"

	"content_assurance/internal/model"
)

// GenesisHash is the previous-entry hash of the first entry in a chain.
var GenesisHash = strings.Repeat("0", 64)

// Entry is one hash-linked record of an enforcement decision. It holds only
// digests of the sample text, never the text itself.
type Entry struct {
	ID                int64        `json:"id"`
	Timestamp         time.Time    `json:"timestamp"`
	RequestID         string       `json:"request_id"`
	InputHash         string       `json:"input_hash"`
	OutputHash        string       `json:"output_hash"`
	Action            model.Action `json:"action"`
	CompositeScore    float64      `json:"composite_score"`
	ViolationCount    int          `json:"violation_count"`
	UserRef           string       `json:"user_ref,omitempty"`
	PolicyVersion     string       `json:"policy_version"`
	PreviousEntryHash string       `json:"previous_entry_hash"`
	EntryHash         string       `json:"entry_hash"`
	// Persisted is false when the configured store rejected the write. It is
	// not covered by EntryHash.
	Persisted bool `json:"persisted"`
}

// RootRecord commits a batch of consecutive entries to a Merkle root.
type RootRecord struct {
	FromID    int64     `json:"from_id"`
	ToID      int64     `json:"to_id"`
	RootHash  string    `json:"root_hash"`
	CreatedAt time.Time `json:"created_at"`
}

// Summary describes the retained window of a chain.
type Summary struct {
	TotalEntries    int64      `json:"total_entries"`
	RetainedEntries int        `json:"retained_entries"`
	OldestTimestamp *time.Time `json:"oldest_timestamp,omitempty"`
	NewestTimestamp *time.Time `json:"newest_timestamp,omitempty"`
	ChainValid      bool       `json:"chain_valid"`
	TruncatedAt     int64      `json:"truncated_at"`
	AnchorHash      string     `json:"anchor_hash"`
	HeadHash        string     `json:"head_hash"`
	MerkleRoot      string     `json:"merkle_root,omitempty"`
}

// VerifyReport is the outcome of re-verifying a sequence of entries.
type VerifyReport struct {
	OK           bool     `json:"ok"`
	Total        int64    `json:"total"`
	FirstID      int64    `json:"first_id"`
	LastID       int64    `json:"last_id"`
	LastHash     string   `json:"last_hash"`
	RootsChecked int      `json:"roots_checked"`
	Errors       []string `json:"errors"`
}

// Store durably records appended entries. Writes arrive in id order from a
// single goroutine at a time.
type Store interface {
	Write(ctx context.Context, e Entry) error
	Close() error
}

// Loader is a Store that can return its most recent entries so a chain can
// resume after a restart.
type Loader interface {
	Store
	// LoadTail returns up to limit of the newest entries, oldest first.
	LoadTail(ctx context.Context, limit int) ([]Entry, error)
}
