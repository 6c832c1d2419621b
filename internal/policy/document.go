package policy

// Document is the on-disk JSON form of a policy. Load starts from
// DefaultDocument and decodes the source over it, so a source only needs the
// keys it changes. A dimension present in the source replaces the default
// dimension entirely.
type Document struct {
	Version                 string                     `json:"version"`
	FailClosed              bool                       `json:"fail_closed"`
	ComplianceMinConfidence float64                    `json:"compliance_min_confidence"`
	MinContentLength        int                        `json:"min_content_length"`
	Dimensions              map[string]DimensionConfig `json:"dimensions"`
	Protocol                ProtocolConfig             `json:"protocol"`
	Rules                   []RuleConfig               `json:"rules"`
	SeverityActions         map[string]string          `json:"severity_actions"`
	SafeOutputs             map[string]string          `json:"safe_outputs"`
}

// DimensionConfig configures one scoring axis.
type DimensionConfig struct {
	Base      float64  `json:"base"`
	Delta     float64  `json:"delta"`
	Threshold float64  `json:"threshold"`
	Severity  string   `json:"severity"`
	Critical  bool     `json:"critical"`
	Patterns  []string `json:"patterns"`
	// RequiresContent exempts text shorter than min_content_length; such
	// text scores Neutral (or Base when Neutral is unset).
	RequiresContent bool               `json:"requires_content"`
	Neutral         *float64           `json:"neutral,omitempty"`
	ContextBonus    map[string]float64 `json:"context_bonus,omitempty"`
	Repetition      *RepetitionConfig  `json:"repetition,omitempty"`
}

// RepetitionConfig subtracts Penalty from texts of more than MinWords words
// whose share of distinct words is below MaxUniqueRatio.
type RepetitionConfig struct {
	Penalty        float64 `json:"penalty"`
	MinWords       int     `json:"min_words"`
	MaxUniqueRatio float64 `json:"max_unique_ratio"`
}

type ProtocolConfig struct {
	Truth        CheckConfig        `json:"truth"`
	Honesty      CheckConfig        `json:"honesty"`
	Transparency TransparencyConfig `json:"transparency"`
}

type CheckConfig struct {
	Patterns []string `json:"patterns"`
}

type TransparencyConfig struct {
	MinLength           int      `json:"min_length"`
	ClaimPatterns       []string `json:"claim_patterns"`
	ExplanationPatterns []string `json:"explanation_patterns"`
}

// RuleConfig is a custom rule matched against output text.
type RuleConfig struct {
	ID          string   `json:"id"`
	Category    string   `json:"category"`
	Patterns    []string `json:"patterns"`
	Severity    string   `json:"severity"`
	Action      string   `json:"action"`
	Enabled     *bool    `json:"enabled,omitempty"`
	Description string   `json:"description"`
}

const (
	SafeOutputDefault  = "default"
	SafeOutputProtocol = "protocol"
	SafeOutputSystem   = "system"
)

// DefaultDocument returns the built-in policy.
func DefaultDocument() Document {
	return Document{
		Version:                 "1.0.0",
		FailClosed:              true,
		ComplianceMinConfidence: 0.8,
		MinContentLength:        10,
		Dimensions: map[string]DimensionConfig{
			"safety": {
				Base: 100, Delta: -20, Threshold: 85, Severity: "critical", Critical: true,
				Patterns: []string{
					`re:\bharm`, `re:\bhurt`, "attack", `re:\bkill`, "destroy",
					`re:\bhate\b`, "violence", "weapon", `re:\bbomb`, "poison",
				},
			},
			"personalization": {
				Base: 80, Delta: 4, Threshold: 70, Severity: "low",
				Patterns:     []string{`re:\byou\b`, `re:\byour\b`, "help", "assist", "would you like"},
				ContextBonus: map[string]float64{"user_preferences": 5, "conversation_history": 3},
			},
			"integrity": {
				Base: 95, Delta: -15, Threshold: 80, Severity: "medium",
				Patterns: []string{"trust me", "believe me", "guarantee", "secret", "don't tell", "definitely"},
			},
			"ethics": {
				Base: 100, Delta: -20, Threshold: 90, Severity: "critical", Critical: true,
				Patterns: []string{
					"cheat", `re:\blie[sd]?\b`, "deceive", "manipulate",
					"exploit", "abuse", "steal", "fraud",
				},
			},
			"logic": {
				Base: 85, Delta: 3, Threshold: 75, Severity: "low", RequiresContent: true,
				Patterns:   []string{"because", "therefore", `re:\bthus\b`, `re:\bsince\b`, "based on"},
				Repetition: &RepetitionConfig{Penalty: 15, MinWords: 5, MaxUniqueRatio: 0.5},
			},
		},
		Protocol: ProtocolConfig{
			Truth: CheckConfig{Patterns: []string{
				"definitely", "absolutely certain", "100% guarantee", "always true",
				"never wrong", "guaranteed to work", "everyone knows", "obviously", "undeniably",
			}},
			Honesty: CheckConfig{Patterns: []string{
				"just between us", "don't tell", "keep this secret", "you can trust me",
				"believe me", "trust me on this", "off the record", "confidentially",
			}},
			Transparency: TransparencyConfig{
				MinLength:     50,
				ClaimPatterns: []string{`re:\b(is|are|will|should|must|can|cannot|always|never)\b`},
				ExplanationPatterns: []string{
					"because", "the reason", "this is based on", "according to",
					"evidence suggests", "research shows", "in my understanding",
					"i believe", "it appears that", "based on", "considering",
				},
			},
		},
		Rules: []RuleConfig{
			{
				ID:          "self-harm-escalation",
				Category:    "safety",
				Patterns:    []string{"suicide", "self-harm", "kill myself", "end my life"},
				Severity:    "critical",
				Action:      "escalate",
				Description: "self-harm language requires human review",
			},
			{
				ID:          "pii-disclosure",
				Category:    "privacy",
				Patterns:    []string{`re:\b\d{3}-\d{2}-\d{4}\b`, "social security number"},
				Severity:    "high",
				Action:      "flag",
				Description: "possible personal identifier in output",
			},
		},
		SeverityActions: map[string]string{
			"low":      "warn",
			"medium":   "warn",
			"high":     "flag",
			"critical": "block",
		},
		SafeOutputs: map[string]string{
			SafeOutputDefault: "I apologize, but I need to rephrase that response to ensure it meets " +
				"our safety standards. How can I help you in a constructive way?",
			"safety": "I can't help with that, but I'm happy to help with something else. " +
				"If you or someone else is in danger, please contact local emergency services.",
			"ethics":          "I can't assist with that request. Is there another way I can help?",
			"integrity":       "Let me give you a more careful answer that is open about what I do and don't know.",
			"logic":           "Let me restate that with clearer reasoning.",
			"personalization": "Let me tailor that answer better to what you asked.",
			"privacy":         "That response contained personal information and has been withheld.",
			SafeOutputProtocol: "Please note: this response may contain unqualified or unsupported claims. " +
				"Verify important details independently.",
			SafeOutputSystem: "I apologize, but I'm unable to process that request at this time. " +
				"Please try again or contact support if the issue persists.",
		},
	}
}
