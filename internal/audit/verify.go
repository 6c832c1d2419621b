package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

type verifier struct {
	report       VerifyReport
	expectedPrev string
	expectedID   int64
}

func newVerifier(anchor string, firstID int64) *verifier {
	return &verifier{
		report:       VerifyReport{OK: true, FirstID: firstID},
		expectedPrev: anchor,
		expectedID:   firstID,
	}
}

func (v *verifier) fail(format string, args ...interface{}) {
	v.report.OK = false
	v.report.Errors = append(v.report.Errors, fmt.Sprintf(format, args...))
}

func (v *verifier) check(e Entry) {
	if e.ID != v.expectedID {
		v.fail("id mismatch: got %d want %d", e.ID, v.expectedID)
	}
	if e.PreviousEntryHash != v.expectedPrev {
		v.fail("previous_entry_hash mismatch at %d", e.ID)
	}
	computed, err := ComputeHash(e)
	if err != nil {
		v.fail("%v", err)
	} else if computed != e.EntryHash {
		v.fail("entry_hash mismatch at %d", e.ID)
	}
	v.expectedPrev = e.EntryHash
	v.expectedID = e.ID + 1
	v.report.Total++
	v.report.LastID = e.ID
	v.report.LastHash = e.EntryHash
}

// VerifyRecords re-verifies a contiguous run of entries. anchor is the hash
// the first entry must link to: GenesisHash for a complete chain, or the
// truncation anchor for a window whose predecessors were evicted.
func VerifyRecords(entries []Entry, anchor string) VerifyReport {
	if len(entries) == 0 {
		return VerifyReport{OK: true, LastHash: anchor}
	}
	v := newVerifier(anchor, entries[0].ID)
	for _, e := range entries {
		v.check(e)
	}
	return v.report
}

// VerifyFile re-verifies a file store from a cold read: hash linkage from
// genesis, id sequence, and every complete batch against roots.log.
func VerifyFile(entriesPath, rootsPath string, batchSize int) VerifyReport {
	v := newVerifier(GenesisHash, 1)
	file, err := os.Open(entriesPath)
	if err != nil {
		v.fail("open entries: %v", err)
		return v.report
	}
	defer file.Close()

	roots, err := readRoots(rootsPath)
	if err != nil {
		v.fail("read roots: %v", err)
		return v.report
	}
	rootIndex := 0
	var batch []string

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 5*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			v.fail("decode entry: %v", err)
			continue
		}
		v.check(e)

		batch = append(batch, e.EntryHash)
		if batchSize > 0 && len(batch) == batchSize {
			if rootIndex >= len(roots) {
				v.fail("missing root record for batch ending %d", e.ID)
				batch = nil
				continue
			}
			if roots[rootIndex].RootHash != MerkleRoot(batch) {
				v.fail("root mismatch for batch ending %d", e.ID)
			}
			v.report.RootsChecked++
			rootIndex++
			batch = nil
		}
	}
	if err := scanner.Err(); err != nil {
		v.fail("scan: %v", err)
	}
	return v.report
}

func readRoots(path string) ([]RootRecord, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return []RootRecord{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 5*1024*1024)
	out := []RootRecord{}
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec RootRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, scanner.Err()
}
