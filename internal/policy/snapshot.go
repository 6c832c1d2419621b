package policy

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"content_assurance/internal/model"
)

// Dimension is the compiled configuration of one scoring axis.
type Dimension struct {
	Name            string
	Base            float64
	Delta           float64
	Threshold       float64
	Severity        model.Severity
	Critical        bool
	Patterns        Matcher
	RequiresContent bool
	Neutral         float64
	ContextBonus    map[string]float64
	Repetition      Repetition
}

// Repetition is a compiled RepetitionConfig. The zero value never applies.
type Repetition struct {
	Penalty        float64
	MinWords       int
	MaxUniqueRatio float64
}

// Applies reports whether text is long enough and repetitive enough to be
// penalized.
func (r Repetition) Applies(text string) bool {
	if r.Penalty == 0 {
		return false
	}
	words := strings.Fields(strings.ToLower(text))
	if len(words) <= r.MinWords {
		return false
	}
	unique := make(map[string]struct{}, len(words))
	for _, w := range words {
		unique[w] = struct{}{}
	}
	return float64(len(unique))/float64(len(words)) < r.MaxUniqueRatio
}

// Rule is a compiled custom rule.
type Rule struct {
	ID          string
	Category    string
	Patterns    Matcher
	Severity    model.Severity
	Action      model.Action
	Enabled     bool
	Description string
}

type Transparency struct {
	MinLength    int
	Claims       Matcher
	Explanations Matcher
}

// Snapshot is an immutable, versioned policy. Nothing mutates a Snapshot
// after Load returns it; reloading produces a new one.
type Snapshot struct {
	Version          string
	Checksum         string
	Generation       uint64
	LoadedAt         time.Time
	FailClosed       bool
	ComplianceMin    float64
	MinContentLength int
	Dimensions       map[string]Dimension
	Truth            Matcher
	Honesty          Matcher
	Transparency     Transparency
	Rules            []Rule
	SeverityActions  map[model.Severity]model.Action
	SafeOutputs      map[string]string
}

// Dimension returns the compiled axis by name.
func (s *Snapshot) Dimension(name string) (Dimension, bool) {
	d, ok := s.Dimensions[name]
	return d, ok
}

// ActionFor maps a severity to its configured enforcement action.
func (s *Snapshot) ActionFor(sev model.Severity) model.Action {
	if a, ok := s.SeverityActions[sev]; ok {
		return a
	}
	return model.ActionBlock
}

// SafeOutput returns the substitute message for a category, falling back to
// the default message.
func (s *Snapshot) SafeOutput(category string) string {
	if msg, ok := s.SafeOutputs[category]; ok && msg != "" {
		return msg
	}
	return s.SafeOutputs[SafeOutputDefault]
}

// Load decodes and validates a policy document.
func Load(r io.Reader) (*Snapshot, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &ConfigError{Message: "read source", Err: err}
	}
	doc := DefaultDocument()
	// Decoding a JSON array into a populated slice reuses its elements, so
	// source rules would inherit omitted fields from the built-in ones.
	defaultRules := doc.Rules
	doc.Rules = nil
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, &ConfigError{Message: fmt.Sprintf("decode document: %v", err), Err: err}
	}
	if doc.Rules == nil && !hasKey(data, "rules") {
		doc.Rules = defaultRules
	}
	sum := sha256.Sum256(data)
	return Compile(doc, hex.EncodeToString(sum[:]))
}

func hasKey(data []byte, key string) bool {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return false
	}
	_, ok := top[key]
	return ok
}

// LoadFile reads a policy document from path.
func LoadFile(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ConfigError{Field: "source", Message: fmt.Sprintf("open %s", path), Err: err}
	}
	defer f.Close()
	return Load(f)
}

// Default compiles the built-in document.
func Default() *Snapshot {
	snap, err := Compile(DefaultDocument(), "builtin")
	if err != nil {
		panic(fmt.Sprintf("policy: built-in document invalid: %v", err))
	}
	return snap
}

// Compile validates doc and builds a Snapshot from it.
func Compile(doc Document, checksum string) (*Snapshot, error) {
	snap := &Snapshot{
		Version:          strings.TrimSpace(doc.Version),
		Checksum:         checksum,
		LoadedAt:         time.Now().UTC(),
		FailClosed:       doc.FailClosed,
		ComplianceMin:    doc.ComplianceMinConfidence,
		MinContentLength: doc.MinContentLength,
		Dimensions:       make(map[string]Dimension, len(model.Dimensions)),
		SeverityActions:  make(map[model.Severity]model.Action, 4),
		SafeOutputs:      make(map[string]string, len(doc.SafeOutputs)),
	}
	if snap.Version == "" {
		if len(checksum) > 12 {
			snap.Version = "sha256:" + checksum[:12]
		} else {
			snap.Version = checksum
		}
	}
	if !inRange(snap.ComplianceMin, 0, 1) {
		return nil, configErrorf("compliance_min_confidence", "%v out of range [0, 1]", snap.ComplianceMin)
	}
	if snap.MinContentLength < 0 {
		return nil, configErrorf("min_content_length", "must be >= 0")
	}

	for name := range doc.Dimensions {
		if !isDimension(name) {
			return nil, configErrorf("dimensions."+name, "unknown dimension")
		}
	}
	for _, name := range model.Dimensions {
		cfg, ok := doc.Dimensions[name]
		if !ok {
			return nil, configErrorf("dimensions."+name, "missing")
		}
		dim, err := compileDimension(name, cfg)
		if err != nil {
			return nil, err
		}
		snap.Dimensions[name] = dim
	}

	var err error
	if snap.Truth, err = compileMatcher("protocol.truth.patterns", doc.Protocol.Truth.Patterns); err != nil {
		return nil, err
	}
	if snap.Honesty, err = compileMatcher("protocol.honesty.patterns", doc.Protocol.Honesty.Patterns); err != nil {
		return nil, err
	}
	tr := doc.Protocol.Transparency
	if tr.MinLength < 0 {
		return nil, configErrorf("protocol.transparency.min_length", "must be >= 0")
	}
	snap.Transparency.MinLength = tr.MinLength
	if snap.Transparency.Claims, err = compileMatcher("protocol.transparency.claim_patterns", tr.ClaimPatterns); err != nil {
		return nil, err
	}
	if snap.Transparency.Explanations, err = compileMatcher("protocol.transparency.explanation_patterns", tr.ExplanationPatterns); err != nil {
		return nil, err
	}

	if snap.Rules, err = compileRules(doc.Rules); err != nil {
		return nil, err
	}

	for key, val := range doc.SeverityActions {
		sev, err := model.ParseSeverity(key)
		if err != nil {
			return nil, configErrorf("severity_actions."+key, "%v", err)
		}
		act, err := model.ParseAction(val)
		if err != nil {
			return nil, configErrorf("severity_actions."+key, "%v", err)
		}
		snap.SeverityActions[sev] = act
	}
	for _, sev := range []model.Severity{model.SeverityLow, model.SeverityMedium, model.SeverityHigh, model.SeverityCritical} {
		if _, ok := snap.SeverityActions[sev]; !ok {
			return nil, configErrorf("severity_actions."+string(sev), "missing")
		}
	}

	for k, v := range doc.SafeOutputs {
		snap.SafeOutputs[k] = v
	}
	if strings.TrimSpace(snap.SafeOutputs[SafeOutputDefault]) == "" {
		return nil, configErrorf("safe_outputs.default", "required")
	}
	return snap, nil
}

func compileDimension(name string, cfg DimensionConfig) (Dimension, error) {
	field := "dimensions." + name
	if !inRange(cfg.Base, 0, 100) {
		return Dimension{}, configErrorf(field+".base", "%v out of range [0, 100]", cfg.Base)
	}
	if !inRange(cfg.Threshold, 0, 100) {
		return Dimension{}, configErrorf(field+".threshold", "%v out of range [0, 100]", cfg.Threshold)
	}
	if !inRange(cfg.Delta, -100, 100) {
		return Dimension{}, configErrorf(field+".delta", "%v out of range [-100, 100]", cfg.Delta)
	}
	sev, err := model.ParseSeverity(cfg.Severity)
	if err != nil {
		return Dimension{}, configErrorf(field+".severity", "%v", err)
	}
	neutral := cfg.Base
	if cfg.Neutral != nil {
		neutral = *cfg.Neutral
		if !inRange(neutral, 0, 100) {
			return Dimension{}, configErrorf(field+".neutral", "%v out of range [0, 100]", neutral)
		}
	}
	bonus := make(map[string]float64, len(cfg.ContextBonus))
	for k, v := range cfg.ContextBonus {
		if !inRange(v, -100, 100) {
			return Dimension{}, configErrorf(field+".context_bonus."+k, "%v out of range [-100, 100]", v)
		}
		bonus[k] = v
	}
	var rep Repetition
	if r := cfg.Repetition; r != nil {
		switch {
		case !inRange(r.Penalty, 0, 100):
			return Dimension{}, configErrorf(field+".repetition.penalty", "%v out of range [0, 100]", r.Penalty)
		case r.MinWords < 0:
			return Dimension{}, configErrorf(field+".repetition.min_words", "%d is negative", r.MinWords)
		case r.MaxUniqueRatio <= 0 || r.MaxUniqueRatio > 1:
			return Dimension{}, configErrorf(field+".repetition.max_unique_ratio", "%v out of range (0, 1]", r.MaxUniqueRatio)
		}
		rep = Repetition{Penalty: r.Penalty, MinWords: r.MinWords, MaxUniqueRatio: r.MaxUniqueRatio}
	}
		m, err := compileMatcher(field+".patterns", cfg.Patterns)
	if err != nil {
		return Dimension{}, err
	}
	return Dimension{
		Name:            name,
		Base:            cfg.Base,
		Delta:           cfg.Delta,
		Threshold:       cfg.Threshold,
		Severity:        sev,
		Critical:        cfg.Critical,
		Patterns:        m,
		RequiresContent: cfg.RequiresContent,
		Neutral:         neutral,
		ContextBonus:    bonus,
		Repetition:      rep,
	}, nil
}

func compileRules(cfgs []RuleConfig) ([]Rule, error) {
	rules := make([]Rule, 0, len(cfgs))
	seen := make(map[string]struct{}, len(cfgs))
	for i, rc := range cfgs {
		field := fmt.Sprintf("rules[%d]", i)
		id := strings.TrimSpace(rc.ID)
		if id == "" {
			return nil, configErrorf(field+".id", "required")
		}
		if _, dup := seen[id]; dup {
			return nil, configErrorf(field+".id", "duplicate rule id %q", id)
		}
		seen[id] = struct{}{}
		if len(rc.Patterns) == 0 {
			return nil, configErrorf(field+".patterns", "at least one pattern required")
		}
		sev, err := model.ParseSeverity(rc.Severity)
		if err != nil {
			return nil, configErrorf(field+".severity", "%v", err)
		}
		act, err := model.ParseAction(rc.Action)
		if err != nil {
			return nil, configErrorf(field+".action", "%v", err)
		}
		m, err := compileMatcher(field+".patterns", rc.Patterns)
		if err != nil {
			return nil, err
		}
		enabled := true
		if rc.Enabled != nil {
			enabled = *rc.Enabled
		}
		category := strings.TrimSpace(rc.Category)
		if category == "" {
			category = "custom"
		}
		rules = append(rules, Rule{
			ID:          id,
			Category:    category,
			Patterns:    m,
			Severity:    sev,
			Action:      act,
			Enabled:     enabled,
			Description: rc.Description,
		})
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules, nil
}

func isDimension(name string) bool {
	for _, d := range model.Dimensions {
		if d == name {
			return true
		}
	}
	return false
}

func inRange(v, lo, hi float64) bool {
	return !math.IsNaN(v) && v >= lo && v <= hi
}
