package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"content_assurance/internal/audit"
	"content_assurance/internal/model"
)

const maxBodyBytes = 1 << 20

// ValidateRequest is the body of POST /v1/validate.
type ValidateRequest struct {
	Input   string            `json:"input"`
	Output  string            `json:"output"`
	Context map[string]string `json:"context,omitempty"`
	UserID  string            `json:"user_id,omitempty"`
}

// maxBatchItems bounds one POST /v1/validate/batch call.
const maxBatchItems = 100

var (
	errEmptyBody     = errors.New("empty body")
	errBatchTooLarge = fmt.Errorf("batch holds more than %d items", maxBatchItems)
)

func readBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
}

func decodeValidateRequest(r *http.Request) (ValidateRequest, error) {
	var req ValidateRequest
	body, err := readBody(r)
	if err != nil {
		return req, err
	}
	if len(body) == 0 {
		return req, errEmptyBody
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return req, err
	}
	return req, nil
}

func decodeBatchRequest(r *http.Request) ([]ValidateRequest, error) {
	body, err := readBody(r)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, errEmptyBody
	}
	var reqs []ValidateRequest
	if err := json.Unmarshal(body, &reqs); err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return nil, errEmptyBody
	}
	if len(reqs) > maxBatchItems {
		return nil, errBatchTooLarge
	}
	return reqs, nil
}

// queryInt returns the integer query parameter key, or def when it is
// missing, malformed, or outside [lo, hi].
func queryInt(r *http.Request, key string, def, lo, hi int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n < lo || n > hi {
		return def
	}
	return n
}

func queryFloat(r *http.Request, key string, def float64) float64 {
	f, err := strconv.ParseFloat(r.URL.Query().Get(key), 64)
	if err != nil || f <= 0 {
		return def
	}
	return f
}

// queryTime parses an RFC 3339 query parameter. A missing parameter is the
// zero time.
func queryTime(r *http.Request, key string) (time.Time, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be an RFC 3339 timestamp", key)
	}
	return t, nil
}

// queryFilter reads the from, to and action parameters shared by the audit
// listing endpoints.
func queryFilter(r *http.Request) (audit.Filter, error) {
	var f audit.Filter
	var err error
	if f.From, err = queryTime(r, "from"); err != nil {
		return f, err
	}
	if f.To, err = queryTime(r, "to"); err != nil {
		return f, err
	}
	if !f.From.IsZero() && !f.To.IsZero() && !f.From.Before(f.To) {
		return f, errors.New("from must be before to")
	}
	if raw := r.URL.Query().Get("action"); raw != "" {
		f.Action = model.Action(strings.ToLower(raw))
		if !f.Action.Valid() {
			return f, fmt.Errorf("unknown action %q", raw)
		}
	}
	return f, nil
}
