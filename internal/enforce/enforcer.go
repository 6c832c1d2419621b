// Package enforce turns dimension scores and protocol results into an
// enforcement decision, and wires that decision into the audit chain.
package enforce

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"content_assurance/internal/model"
	"content_assurance/internal/policy"
	"content_assurance/internal/protocol"
	"content_assurance/internal/scoring"
	"content_assurance/internal/textnorm"
)

// SystemErrorDescription marks the single violation of a fail-closed result.
const SystemErrorDescription = "system_error"

const systemDimension = "system"

// fallbackSafeOutput is used when there is no snapshot to read messages from.
const fallbackSafeOutput = "I apologize, but I'm unable to process that request at this time. " +
	"Please try again or contact support if the issue persists."

var ErrNilSnapshot = errors.New("enforce: nil policy snapshot")

// DimensionScorer computes the five dimension scores.
type DimensionScorer interface {
	Score(text string, ctx map[string]string, snap *policy.Snapshot) (model.DimensionScore, error)
}

// ProtocolValidator runs the protocol checks.
type ProtocolValidator interface {
	Validate(text string, snap *policy.Snapshot) (model.ProtocolResult, error)
}

// EvaluationError wraps any failure inside evaluation. It never leaves
// Enforce; it is logged and converted into the fail-closed result.
type EvaluationError struct {
	Stage string
	Err   error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("enforce: %s: %v", e.Stage, e.Err)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// Enforcer is safe for concurrent use. It reads only the snapshot passed to
// each call.
type Enforcer struct {
	scorer    DimensionScorer
	validator ProtocolValidator
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string
}

type Option func(*Enforcer)

func WithScorer(s DimensionScorer) Option {
	return func(e *Enforcer) { e.scorer = s }
}

func WithValidator(v ProtocolValidator) Option {
	return func(e *Enforcer) { e.validator = v }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Enforcer) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Enforcer) { e.now = now }
}

func WithIDGenerator(fn func() string) Option {
	return func(e *Enforcer) { e.newID = fn }
}

func NewEnforcer(opts ...Option) *Enforcer {
	e := &Enforcer{
		scorer:    scoring.New(),
		validator: protocol.New(),
		logger:    zap.NewNop(),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enforce evaluates sample against snap. It always returns a result: any
// error or panic during evaluation yields a zero-scored block (or escalate,
// when the snapshot disables fail-closed), never allow.
func (e *Enforcer) Enforce(sample model.ContentSample, snap *policy.Snapshot) model.EnforcementResult {
	start := e.now()
	res, err := e.evaluate(sample, snap)
	if err != nil {
		res = e.failClosed(sample, snap, err)
	}
	res.RequestID = e.newID()
	res.ContentHash = ContentHash(sample.InputText, sample.OutputText)
	if snap != nil {
		res.PolicyVersion = snap.Version
	}
	end := e.now()
	res.Timestamp = end.UTC()
	res.ProcessingTimeMs = float64(end.Sub(start).Microseconds()) / 1000
	return res
}

func (e *Enforcer) evaluate(sample model.ContentSample, snap *policy.Snapshot) (res model.EnforcementResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &EvaluationError{Stage: "panic", Err: fmt.Errorf("%v\n%s", r, debug.Stack())}
		}
	}()
	if snap == nil {
		return res, &EvaluationError{Stage: "snapshot", Err: ErrNilSnapshot}
	}

	scores, err := e.scorer.Score(sample.OutputText, sample.Context, snap)
	if err != nil {
		return res, &EvaluationError{Stage: "score", Err: err}
	}
	text, err := textnorm.Normalize(sample.OutputText, sample.Context)
	if err != nil {
		return res, &EvaluationError{Stage: "normalize", Err: err}
	}
	proto, err := e.validator.Validate(text, snap)
	if err != nil {
		return res, &EvaluationError{Stage: "validate", Err: err}
	}

	violations, err := thresholdViolations(scores, snap)
	if err != nil {
		return res, &EvaluationError{Stage: "thresholds", Err: err}
	}
	violations = append(violations, ruleViolations(strings.ToLower(text), scores, snap)...)

	action := model.ActionAllow
	for _, v := range violations {
		action = model.MoreSevere(action, v.Action)
	}
	protocolDowngrade := action == model.ActionAllow && !proto.Compliant
	if protocolDowngrade {
		action = model.ActionWarn
	}

	res = model.EnforcementResult{
		Action:         action,
		DimensionScore: scores,
		ProtocolResult: proto,
		Violations:     violations,
	}
	switch {
	case action == model.ActionAllow:
		res.SafeOutput = sample.OutputText
		res.Reason = "all dimension thresholds and protocol checks passed"
	case protocolDowngrade:
		res.SafeOutput = snap.SafeOutput(policy.SafeOutputProtocol)
		res.Reason = fmt.Sprintf("protocol non-compliant (confidence %.2f)", proto.ConfidenceScore)
	default:
		worst := mostSevere(violations)
		res.SafeOutput = snap.SafeOutput(worst.Dimension)
		res.Reason = fmt.Sprintf("%s: %s", worst.Action, worst.Description)
	}
	return res, nil
}

func thresholdViolations(scores model.DimensionScore, snap *policy.Snapshot) ([]model.Violation, error) {
	out := make([]model.Violation, 0, len(model.Dimensions))
	for _, name := range model.Dimensions {
		dim, ok := snap.Dimension(name)
		if !ok {
			return nil, fmt.Errorf("dimension %q missing from snapshot", name)
		}
		observed, _ := scores.Get(name)
		if observed >= dim.Threshold {
			continue
		}
		action := snap.ActionFor(dim.Severity)
		if dim.Critical {
			action = model.MoreSevere(action, model.ActionBlock)
		}
		out = append(out, model.Violation{
			Dimension:     name,
			ObservedScore: observed,
			Threshold:     dim.Threshold,
			Severity:      dim.Severity,
			Description:   fmt.Sprintf("%s score %.2f below threshold %.2f", name, observed, dim.Threshold),
			Action:        action,
		})
	}
	return out, nil
}

func ruleViolations(lower string, scores model.DimensionScore, snap *policy.Snapshot) []model.Violation {
	var out []model.Violation
	for _, rule := range snap.Rules {
		if !rule.Enabled {
			continue
		}
		hits := rule.Patterns.Matches(lower)
		if len(hits) == 0 {
			continue
		}
		observed, _ := scores.Get(rule.Category)
		desc := rule.Description
		if desc == "" {
			desc = "custom rule matched"
		}
		out = append(out, model.Violation{
			Dimension:     rule.Category,
			ObservedScore: observed,
			Severity:      rule.Severity,
			Description:   fmt.Sprintf("%s (%s)", desc, strings.Join(hits, ", ")),
			RuleID:        rule.ID,
			Action:        rule.Action,
		})
	}
	return out
}

// mostSevere picks the violation that decides the safe output category:
// highest action, then highest severity, then first in order.
func mostSevere(vs []model.Violation) model.Violation {
	var worst model.Violation
	for i, v := range vs {
		if i == 0 ||
			v.Action.Rank() > worst.Action.Rank() ||
			(v.Action == worst.Action && v.Severity.Rank() > worst.Severity.Rank()) {
			worst = v
		}
	}
	return worst
}

func (e *Enforcer) failClosed(sample model.ContentSample, snap *policy.Snapshot, err error) model.EnforcementResult {
	action := model.ActionBlock
	safe := fallbackSafeOutput
	if snap != nil {
		if !snap.FailClosed {
			action = model.ActionEscalate
		}
		safe = snap.SafeOutput(policy.SafeOutputSystem)
	}
	e.logger.Error("evaluation failed, returning fail-closed result",
		zap.String("action", string(action)),
		zap.Bool("has_user", sample.UserID != ""),
		zap.Error(err))
	return model.EnforcementResult{
		Action:         action,
		DimensionScore: model.DimensionScore{},
		ProtocolResult: model.ProtocolResult{Issues: []string{SystemErrorDescription}},
		Violations: []model.Violation{{
			Dimension:   systemDimension,
			Severity:    model.SeverityCritical,
			Description: SystemErrorDescription,
			Action:      action,
		}},
		SafeOutput: safe,
		Reason:     SystemErrorDescription,
	}
}

// ContentHash digests the input and output text. Each part is prefixed with
// its length so ("ab", "c") and ("a", "bc") differ.
func ContentHash(input, output string) string {
	h := sha256.New()
	var n [8]byte
	for _, part := range []string{input, output} {
		binary.BigEndian.PutUint64(n[:], uint64(len(part)))
		h.Write(n[:])
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}
