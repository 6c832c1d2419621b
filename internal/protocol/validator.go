// Package protocol runs the truth, honesty and transparency checks.
package protocol

import (
	"errors"
	"fmt"
	"strings"

	"content_assurance/internal/model"
	"content_assurance/internal/policy"
)

const checkCount = 3

const (
	IssueTruth        = "truth verification failed: overconfident claims detected"
	IssueHonesty      = "honesty check failed: secretive or manipulative patterns detected"
	IssueTransparency = "transparency check failed: claims without supporting reasoning"
)

var recommendations = map[string]string{
	IssueTruth:        "Avoid absolute claims. Use hedging language like 'likely', 'may', 'suggests'.",
	IssueHonesty:      "Avoid secretive language. Be open about the nature of the information.",
	IssueTransparency: "Provide reasoning for claims. Explain 'why' or cite sources.",
}

var ErrNilSnapshot = errors.New("protocol: nil policy snapshot")

// Validator is stateless and safe for concurrent use.
type Validator struct{}

func New() *Validator {
	return &Validator{}
}

// Validate runs the three checks against text. Each check is independent;
// ConfidenceScore is the fraction that passed.
func (v *Validator) Validate(text string, snap *policy.Snapshot) (model.ProtocolResult, error) {
	if snap == nil {
		return model.ProtocolResult{}, ErrNilSnapshot
	}
	lower := strings.ToLower(text)
	res := model.ProtocolResult{Issues: []string{}}

	if hits := snap.Truth.Matches(lower); len(hits) == 0 {
		res.Truth = true
	} else {
		res.Issues = append(res.Issues, withEvidence(IssueTruth, hits))
		res.Recommendations = append(res.Recommendations, recommendations[IssueTruth])
	}

	if hits := snap.Honesty.Matches(lower); len(hits) == 0 {
		res.Honesty = true
	} else {
		res.Issues = append(res.Issues, withEvidence(IssueHonesty, hits))
		res.Recommendations = append(res.Recommendations, recommendations[IssueHonesty])
	}

	res.Transparency, res.TransparencyExempt = transparent(text, lower, snap.Transparency)
	if !res.Transparency {
		res.Issues = append(res.Issues, IssueTransparency)
		res.Recommendations = append(res.Recommendations, recommendations[IssueTransparency])
	}

	passed := 0
	for _, ok := range []bool{res.Truth, res.Honesty, res.Transparency} {
		if ok {
			passed++
		}
	}
	res.ConfidenceScore = float64(passed) / checkCount
	res.Compliant = passed == checkCount && res.ConfidenceScore >= snap.ComplianceMin
	return res, nil
}

// transparent reports whether the check passed and whether it was skipped
// for short text.
func transparent(text, lower string, cfg policy.Transparency) (bool, bool) {
	if len([]rune(strings.TrimSpace(text))) < cfg.MinLength {
		return true, true
	}
	if !cfg.Claims.Any(lower) {
		return true, false
	}
	return cfg.Explanations.Any(lower), false
}

func withEvidence(issue string, hits []string) string {
	return fmt.Sprintf("%s (%s)", issue, strings.Join(hits, ", "))
}
