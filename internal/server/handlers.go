package server

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"content_assurance/internal/audit"
	"content_assurance/internal/enforce"
	"content_assurance/internal/policy"
	"content_assurance/internal/privacy"
	"content_assurance/internal/ratelimit"
)

const signatureHeader = "X-Guard-Signature"

type Handler struct {
	Service *enforce.Service
	// Files, when set, is the durable store behind the chain. Verify and
	// summary also report on it.
	Files           *audit.FileStore
	PolicyPath      string
	SharedSecret    string
	KAnonymity      int
	DPEpsilon       float64
	DPSeed          int64
	Limiter         ratelimit.Limiter
	RateLimitPerMin int
	Logger          *zap.Logger
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	snap := h.Service.Policies().Current()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":             true,
		"policy_version": snap.Version,
	})
}

func (h *Handler) Validate(w http.ResponseWriter, r *http.Request) {
	req, err := decodeValidateRequest(r)
	if err != nil {
		if errors.Is(err, errEmptyBody) {
			writeJSON(w, http.StatusBadRequest, errorPayload("empty body"))
			return
		}
		writeJSON(w, http.StatusBadRequest, errorPayload("invalid json"))
		return
	}
	decision, err := h.Service.Enforce(r.Context(), req.Input, req.Output, req.Context, req.UserID)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorPayload("request cancelled"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":       true,
		"decision": decision.Result,
		"audit":    decision.Audit,
	})
}

// ValidateBatch evaluates each request in a JSON array in order. A failed
// item is reported in place and does not stop the rest.
func (h *Handler) ValidateBatch(w http.ResponseWriter, r *http.Request) {
	reqs, err := decodeBatchRequest(r)
	if err != nil {
		switch {
		case errors.Is(err, errEmptyBody):
			writeJSON(w, http.StatusBadRequest, errorPayload("empty batch"))
		case errors.Is(err, errBatchTooLarge):
			writeJSON(w, http.StatusRequestEntityTooLarge, errorPayload(err.Error()))
		default:
			writeJSON(w, http.StatusBadRequest, errorPayload("invalid json"))
		}
		return
	}
	results := make([]map[string]interface{}, 0, len(reqs))
	for _, req := range reqs {
		decision, err := h.Service.Enforce(r.Context(), req.Input, req.Output, req.Context, req.UserID)
		if err != nil {
			results = append(results, errorPayload("request cancelled"))
			continue
		}
		results = append(results, map[string]interface{}{
			"ok":       true,
			"decision": decision.Result,
			"audit":    decision.Audit,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"results": results,
		"count":   len(results),
	})
}

func (h *Handler) RecentEntries(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100, 1, 500)
	filter, err := queryFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorPayload(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":    true,
		"items": h.Service.Chain().Query(filter, limit),
	})
}

func (h *Handler) AuditEntry(w http.ResponseWriter, r *http.Request) {
	e, ok := h.Service.Chain().Find(chi.URLParam(r, "requestID"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorPayload("audit entry not found"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":       true,
		"entry":    e,
		"verified": audit.VerifyEntry(e),
	})
}

func (h *Handler) VerifyAudit(w http.ResponseWriter, r *http.Request) {
	report := h.Service.Chain().Verify()
	payload := map[string]interface{}{"report": report}
	ok := report.OK
	if h.Files != nil {
		entriesPath, rootsPath := h.Files.Paths()
		durable := audit.VerifyFile(entriesPath, rootsPath, h.Files.BatchSize())
		payload["durable"] = durable
		ok = ok && durable.OK
	}
	payload["ok"] = ok
	status := http.StatusOK
	if !ok {
		status = http.StatusConflict
		h.Logger.Warn("audit verification failed",
			zap.Strings("errors", report.Errors))
	}
	writeJSON(w, status, payload)
}

func (h *Handler) ChainSummary(w http.ResponseWriter, r *http.Request) {
	payload := map[string]interface{}{
		"ok":              true,
		"summary":         h.Service.Chain().ExportChainSummary(),
		"k_anonymity":     h.KAnonymity,
		"dp_epsilon":      h.DPEpsilon,
		"server_time_utc": time.Now().UTC(),
	}
	if h.Files != nil {
		last, err := h.Files.LastRoot()
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errorPayload("root read failed"))
			return
		}
		payload["last_root"] = last
		payload["current_root"] = h.Files.CurrentBatchRoot()
		payload["batch_size"] = h.Files.BatchSize()
	}
	writeJSON(w, http.StatusOK, payload)
}

func (h *Handler) ExportEntries(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 0, 1, 1<<20)
	filter, err := queryFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorPayload(err.Error()))
		return
	}
	entries := h.Service.Chain().Query(filter, limit)
	switch strings.ToLower(r.URL.Query().Get("format")) {
	case "", "json":
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "items": entries})
	case "csv":
		var buf bytes.Buffer
		if err := audit.WriteCSV(&buf, entries); err != nil {
			writeJSON(w, http.StatusInternalServerError, errorPayload("export failed"))
			return
		}
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="audit.csv"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(buf.Bytes())
	default:
		writeJSON(w, http.StatusBadRequest, errorPayload("format must be json or csv"))
	}
}

// PrivacyUserSummary reports noised per-user counts. Callers may ask for a
// larger k or a smaller epsilon than configured, never the reverse, and the
// noise seed is always the server's.
func (h *Handler) PrivacyUserSummary(w http.ResponseWriter, r *http.Request) {
	windowHours := queryInt(r, "window_hours", 24, 1, 168)
	k := queryInt(r, "k", h.KAnonymity, 1, 1000)
	if k < h.KAnonymity {
		k = h.KAnonymity
	}
	eps := queryFloat(r, "epsilon", h.DPEpsilon)
	if h.DPEpsilon > 0 && eps > h.DPEpsilon {
		eps = h.DPEpsilon
	}
	seed := h.DPSeed

	window := time.Duration(windowHours) * time.Hour
	now := time.Now().UTC()
	counts := privacy.UserCounts(h.Service.Chain().Since(now.Add(-window)), window, now)
	summary := privacy.SummarizeUserCounts(counts, k, eps, seed, windowHours)
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "summary": summary})
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "stats": h.Service.Stats()})
}

type dimensionView struct {
	Threshold       float64  `json:"threshold"`
	Severity        string   `json:"severity"`
	Critical        bool     `json:"critical"`
	Patterns        []string `json:"patterns"`
	RequiresContent bool     `json:"requires_content,omitempty"`
}

type ruleView struct {
	ID       string `json:"id"`
	Category string `json:"category"`
	Severity string `json:"severity"`
	Action   string `json:"action"`
	Enabled  bool   `json:"enabled"`
}

type policyView struct {
	Version          string                   `json:"version"`
	Checksum         string                   `json:"checksum"`
	Generation       uint64                   `json:"generation"`
	LoadedAt         time.Time                `json:"loaded_at"`
	FailClosed       bool                     `json:"fail_closed"`
	ComplianceMin    float64                  `json:"compliance_min_confidence"`
	MinContentLength int                      `json:"min_content_length"`
	Dimensions       map[string]dimensionView `json:"dimensions"`
	Rules            []ruleView               `json:"rules"`
	SeverityActions  map[string]string        `json:"severity_actions"`
	SafeOutputs      []string                 `json:"safe_output_categories"`
}

func viewPolicy(snap *policy.Snapshot) policyView {
	v := policyView{
		Version:          snap.Version,
		Checksum:         snap.Checksum,
		Generation:       snap.Generation,
		LoadedAt:         snap.LoadedAt,
		FailClosed:       snap.FailClosed,
		ComplianceMin:    snap.ComplianceMin,
		MinContentLength: snap.MinContentLength,
		Dimensions:       make(map[string]dimensionView, len(snap.Dimensions)),
		Rules:            make([]ruleView, 0, len(snap.Rules)),
		SeverityActions:  make(map[string]string, len(snap.SeverityActions)),
	}
	for name, d := range snap.Dimensions {
		v.Dimensions[name] = dimensionView{
			Threshold:       d.Threshold,
			Severity:        string(d.Severity),
			Critical:        d.Critical,
			Patterns:        d.Patterns.Patterns(),
			RequiresContent: d.RequiresContent,
		}
	}
	for _, rule := range snap.Rules {
		v.Rules = append(v.Rules, ruleView{
			ID:       rule.ID,
			Category: rule.Category,
			Severity: string(rule.Severity),
			Action:   string(rule.Action),
			Enabled:  rule.Enabled,
		})
	}
	for sev, action := range snap.SeverityActions {
		v.SeverityActions[string(sev)] = string(action)
	}
	for category := range snap.SafeOutputs {
		v.SafeOutputs = append(v.SafeOutputs, category)
	}
	sort.Strings(v.SafeOutputs)
	return v
}

func (h *Handler) PolicyInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":     true,
		"policy": viewPolicy(h.Service.Policies().Current()),
	})
}

// ReloadPolicy swaps in the policy document in the body, or re-reads
// PolicyPath when the body is empty. A rejected document leaves the active
// policy in place.
func (h *Handler) ReloadPolicy(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorPayload("invalid body"))
		return
	}
	if h.SharedSecret != "" {
		if !verifySignature(body, r.Header.Get(signatureHeader), h.SharedSecret) {
			writeJSON(w, http.StatusUnauthorized, errorPayload("invalid signature"))
			return
		}
	}

	store := h.Service.Policies()
	var snap *policy.Snapshot
	if len(bytes.TrimSpace(body)) == 0 {
		if h.PolicyPath == "" {
			writeJSON(w, http.StatusBadRequest, errorPayload("no policy path configured"))
			return
		}
		snap, err = store.ReloadFile(h.PolicyPath)
	} else {
		snap, err = store.Reload(bytes.NewReader(body))
	}
	if err != nil {
		var cfgErr *policy.ConfigError
		if errors.As(err, &cfgErr) {
			writeJSON(w, http.StatusUnprocessableEntity, errorPayload(cfgErr.Error()))
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorPayload("policy reload failed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "policy": viewPolicy(snap)})
}

func verifySignature(body []byte, header string, secret string) bool {
	if header == "" || secret == "" {
		return false
	}
	const prefix = "sha256="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}
	provided := header[len(prefix):]
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	expected := hex.EncodeToString(h.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(provided))
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func errorPayload(msg string) map[string]interface{} {
	return map[string]interface{}{"ok": false, "error": msg}
}
