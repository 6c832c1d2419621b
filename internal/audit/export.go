package audit

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"
)

var csvHeader = []string{
	"id", "timestamp", "request_id", "action", "composite_score", "violation_count",
	"user_ref", "policy_version", "input_hash", "output_hash",
	"previous_entry_hash", "entry_hash", "persisted",
}

// WriteCSV writes entries as a flat CSV table with a header row.
func WriteCSV(w io.Writer, entries []Entry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, e := range entries {
		row := []string{
			strconv.FormatInt(e.ID, 10),
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			e.RequestID,
			string(e.Action),
			strconv.FormatFloat(e.CompositeScore, 'f', -1, 64),
			strconv.Itoa(e.ViolationCount),
			e.UserRef,
			e.PolicyVersion,
			e.InputHash,
			e.OutputHash,
			e.PreviousEntryHash,
			e.EntryHash,
			strconv.FormatBool(e.Persisted),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
