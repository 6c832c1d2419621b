package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Action is the enforcement decision attached to a validation call.
type Action string

const (
	ActionAllow    Action = "allow"
	ActionWarn     Action = "warn"
	ActionFlag     Action = "flag"
	ActionBlock    Action = "block"
	ActionEscalate Action = "escalate"
)

var actionRank = map[Action]int{
	ActionAllow:    0,
	ActionWarn:     1,
	ActionFlag:     2,
	ActionBlock:    3,
	ActionEscalate: 4,
}

// Rank orders actions escalate > block > flag > warn > allow. Unknown actions rank -1.
func (a Action) Rank() int {
	r, ok := actionRank[a]
	if !ok {
		return -1
	}
	return r
}

func (a Action) Valid() bool {
	_, ok := actionRank[a]
	return ok
}

// MoreSevere returns whichever of a and b ranks higher; a wins ties.
func MoreSevere(a, b Action) Action {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	if !a.Valid() {
		return "", fmt.Errorf("unknown action %q", s)
	}
	return a, nil
}

// Severity grades a violation.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

func (s Severity) Rank() int {
	return severityRank[s]
}

func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if !sev.Valid() {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// Dimension names the five scoring axes.
const (
	DimensionSafety          = "safety"
	DimensionPersonalization = "personalization"
	DimensionIntegrity       = "integrity"
	DimensionEthics          = "ethics"
	DimensionLogic           = "logic"
)

// Dimensions lists the scoring axes in their canonical order.
var Dimensions = []string{
	DimensionSafety,
	DimensionPersonalization,
	DimensionIntegrity,
	DimensionEthics,
	DimensionLogic,
}

// ContentSample is one validation request. It is treated as read-only once
// handed to the enforcer.
type ContentSample struct {
	InputText  string            `json:"input"`
	OutputText string            `json:"output"`
	Context    map[string]string `json:"context,omitempty"`
	UserID     string            `json:"user_id,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// DimensionScore holds the five 0-100 axis scores and their mean.
type DimensionScore struct {
	Safety          float64 `json:"safety"`
	Personalization float64 `json:"personalization"`
	Integrity       float64 `json:"integrity"`
	Ethics          float64 `json:"ethics"`
	Logic           float64 `json:"logic"`
	Composite       float64 `json:"composite"`
}

// Get returns the score for a named dimension.
func (d DimensionScore) Get(name string) (float64, bool) {
	switch name {
	case DimensionSafety:
		return d.Safety, true
	case DimensionPersonalization:
		return d.Personalization, true
	case DimensionIntegrity:
		return d.Integrity, true
	case DimensionEthics:
		return d.Ethics, true
	case DimensionLogic:
		return d.Logic, true
	default:
		return 0, false
	}
}

// ProtocolResult is the outcome of the three protocol checks.
type ProtocolResult struct {
	Truth              bool     `json:"truth_verified"`
	Honesty            bool     `json:"honesty_verified"`
	Transparency       bool     `json:"transparency_verified"`
	TransparencyExempt bool     `json:"transparency_exempt"`
	ConfidenceScore    float64  `json:"confidence_score"`
	Compliant          bool     `json:"is_compliant"`
	Issues             []string `json:"issues"`
	Recommendations    []string `json:"recommendations,omitempty"`
}

// Violation records a breached threshold or a matched custom rule.
type Violation struct {
	Dimension     string   `json:"dimension"`
	ObservedScore float64  `json:"observed_score"`
	Threshold     float64  `json:"threshold"`
	Severity      Severity `json:"severity"`
	Description   string   `json:"description"`
	RuleID        string   `json:"rule_id,omitempty"`
	Action        Action   `json:"action"`
}

// EnforcementResult is the decision returned for a ContentSample.
type EnforcementResult struct {
	RequestID        string         `json:"request_id"`
	Action           Action         `json:"action"`
	DimensionScore   DimensionScore `json:"dimension_score"`
	ProtocolResult   ProtocolResult `json:"protocol_result"`
	Violations       []Violation    `json:"violations"`
	SafeOutput       string         `json:"safe_output"`
	Reason           string         `json:"reason"`
	ContentHash      string         `json:"content_hash"`
	PolicyVersion    string         `json:"policy_version"`
	ProcessingTimeMs float64        `json:"processing_time_ms"`
	Timestamp        time.Time      `json:"timestamp"`
}

// Digest hashes the fields that depend only on the sample and the policy
// snapshot. Request id, timing and timestamp are left out, so two evaluations
// of the same input against the same snapshot share a digest.
func (r EnforcementResult) Digest() string {
	stable := r
	stable.RequestID = ""
	stable.ProcessingTimeMs = 0
	stable.Timestamp = time.Time{}
	data, err := json.Marshal(stable)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
