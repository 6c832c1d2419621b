// Package privacy summarizes per-user enforcement counts without exposing
// small groups: counts under k are redacted and the rest carry Laplace noise.
package privacy

import (
	"bufio"
	"encoding/json"
	"math"
	"math/rand"
	"os"
	"sort"
	"time"

	"content_assurance/internal/audit"
	"content_assurance/internal/model"
)

type UserCount struct {
	UserRef   string  `json:"user_ref"`
	// Count is the exact tally. Only Noised leaves the process.
	Count     int     `json:"-"`
	Noised    float64 `json:"noised"`
	WindowHrs int     `json:"window_hours"`
}

type UserSummary struct {
	Items          []UserCount `json:"items"`
	RedactedCount  int         `json:"redacted_count"`
	TotalSeen      int         `json:"total_seen"`
	AppliedK       int         `json:"k"`
	AppliedEpsilon float64     `json:"epsilon"`
}

// UserCounts counts non-allow decisions per pseudonymous user among entries
// newer than now-window. Entries without a user are skipped.
func UserCounts(entries []audit.Entry, window time.Duration, now time.Time) map[string]int {
	counts := map[string]int{}
	cutoff := now.Add(-window)
	for _, e := range entries {
		countEntry(counts, e, cutoff)
	}
	return counts
}

// FileUserCounts is UserCounts over a file store's entries.log.
func FileUserCounts(entriesPath string, window time.Duration, now time.Time) (map[string]int, error) {
	counts := map[string]int{}
	cutoff := now.Add(-window)

	file, err := os.Open(entriesPath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 5*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e audit.Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, err
		}
		countEntry(counts, e, cutoff)
	}
	return counts, scanner.Err()
}

func countEntry(counts map[string]int, e audit.Entry, cutoff time.Time) {
	if e.UserRef == "" || e.Action == model.ActionAllow {
		return
	}
	if !e.Timestamp.IsZero() && e.Timestamp.Before(cutoff) {
		return
	}
	counts[e.UserRef]++
}

// SummarizeUserCounts applies k-anonymity and Laplace noise. A zero seed
// draws noise from the clock; any other seed is reproducible.
func SummarizeUserCounts(counts map[string]int, k int, epsilon float64, seed int64, windowHours int) UserSummary {
	if k <= 0 {
		k = 1
	}
	if epsilon <= 0 {
		epsilon = 0.7
	}
	var rng *rand.Rand
	if seed == 0 {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	} else {
		rng = rand.New(rand.NewSource(seed))
	}

	refs := make([]string, 0, len(counts))
	total := 0
	for ref, n := range counts {
		refs = append(refs, ref)
		total += n
	}
	sort.Strings(refs)

	redacted := 0
	items := make([]UserCount, 0, len(refs))
	for _, ref := range refs {
		count := counts[ref]
		if count < k {
			redacted++
			continue
		}
		items = append(items, UserCount{
			UserRef:   ref,
			Count:     count,
			Noised:    float64(count) + laplace(rng, 1/epsilon),
			WindowHrs: windowHours,
		})
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Noised > items[j].Noised
	})

	return UserSummary{
		Items:          items,
		RedactedCount:  redacted,
		TotalSeen:      total,
		AppliedK:       k,
		AppliedEpsilon: epsilon,
	}
}

func laplace(rng *rand.Rand, scale float64) float64 {
	if scale <= 0 {
		return 0
	}
	u := rng.Float64() - 0.5
	sign := 1.0
	if u < 0 {
		sign = -1.0
	}
	return -scale * sign * math.Log(1-2*math.Abs(u))
}
