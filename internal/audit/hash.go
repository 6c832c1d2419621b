package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

func hashBytes(parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// HashText digests sample text for storage in an entry.
func HashText(s string) string {
	return hashBytes([]byte(s))
}

// UserRef pseudonymises a user id. Empty ids map to the empty string.
func UserRef(userID string) string {
	if userID == "" {
		return ""
	}
	return hashBytes([]byte("user:"), []byte(userID))
}

// ComputeHash returns the entry hash implied by e's own fields and its
// PreviousEntryHash.
func ComputeHash(e Entry) (string, error) {
	payload, err := StableJSON(hashedFields(e))
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize entry %d: %w", e.ID, err)
	}
	return hashBytes([]byte(e.PreviousEntryHash), []byte(fmt.Sprintf("|%d|", e.ID)), payload), nil
}

// VerifyEntry reports whether e's stored hash matches its fields.
func VerifyEntry(e Entry) bool {
	h, err := ComputeHash(e)
	return err == nil && h == e.EntryHash
}

func hashedFields(e Entry) map[string]interface{} {
	return map[string]interface{}{
		"id":              e.ID,
		"timestamp":       canonicalTime(e.Timestamp),
		"request_id":      e.RequestID,
		"input_hash":      e.InputHash,
		"output_hash":     e.OutputHash,
		"action":          string(e.Action),
		"composite_score": e.CompositeScore,
		"violation_count": e.ViolationCount,
		"user_ref":        e.UserRef,
		"policy_version":  e.PolicyVersion,
	}
}

// canonicalTime keeps microsecond precision, which survives a round trip
// through every store.
func canonicalTime(t time.Time) string {
	return t.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano)
}
