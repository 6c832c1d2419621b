package enforce

import (
	"context"
	"errors"
	"strings"
	"testing"
	"testing/quick"
	"time"

	"content_assurance/internal/audit"
	"content_assurance/internal/model"
	"content_assurance/internal/policy"
)

func sample(output string) model.ContentSample {
	return model.ContentSample{InputText: "question", OutputText: output}
}

func TestScenarioNeutralTextAllowed(t *testing.T) {
	snap := policy.Default()
	text := "It is sunny and 72°F today."
	res := NewEnforcer().Enforce(model.ContentSample{InputText: text, OutputText: text}, snap)
	if res.Action != model.ActionAllow {
		t.Fatalf("action = %s (%s)", res.Action, res.Reason)
	}
	if res.SafeOutput != text {
		t.Fatalf("safe output = %q", res.SafeOutput)
	}
	for _, name := range model.Dimensions {
		dim, _ := snap.Dimension(name)
		if v, _ := res.DimensionScore.Get(name); v < dim.Base {
			t.Fatalf("%s = %v below base", name, v)
		}
	}
	if len(res.Violations) != 0 {
		t.Fatalf("violations = %+v", res.Violations)
	}
}

func TestScenarioHarmBlocked(t *testing.T) {
	out := "Here is how to harm your neighbour."
	res := NewEnforcer().Enforce(sample(out), policy.Default())
	if res.DimensionScore.Safety >= 85 {
		t.Fatalf("safety = %v, want below 85", res.DimensionScore.Safety)
	}
	if res.Action != model.ActionBlock {
		t.Fatalf("action = %s", res.Action)
	}
	if res.SafeOutput == out || res.SafeOutput == "" {
		t.Fatalf("offending text returned: %q", res.SafeOutput)
	}
	if res.SafeOutput != policy.Default().SafeOutput(model.DimensionSafety) {
		t.Fatalf("expected safety safe output, got %q", res.SafeOutput)
	}
}

func TestScenarioSecrecyWarns(t *testing.T) {
	res := NewEnforcer().Enforce(sample("Please keep this secret."), policy.Default())
	if res.ProtocolResult.Honesty || res.ProtocolResult.Compliant {
		t.Fatalf("expected honesty failure: %+v", res.ProtocolResult)
	}
	if len(res.Violations) != 0 {
		t.Fatalf("no threshold should be breached: %+v", res.Violations)
	}
	if res.Action != model.ActionWarn {
		t.Fatalf("action = %s", res.Action)
	}
	if res.SafeOutput != policy.Default().SafeOutput(policy.SafeOutputProtocol) {
		t.Fatalf("safe output = %q", res.SafeOutput)
	}
}

func TestScenarioEmptyOutput(t *testing.T) {
	res := NewEnforcer().Enforce(sample(""), policy.Default())
	if !res.ProtocolResult.TransparencyExempt || !res.ProtocolResult.Transparency {
		t.Fatalf("transparency not exempted: %+v", res.ProtocolResult)
	}
	if res.Action != model.ActionAllow {
		t.Fatalf("action = %s (%s)", res.Action, res.Reason)
	}
}

func TestScenarioDeterministicDigest(t *testing.T) {
	snap := policy.Default()
	s := model.ContentSample{
		InputText:  "tell me",
		OutputText: "Trust me, you should definitely avoid harm because it hurts.",
		Context:    map[string]string{"user_preferences": "brief"},
	}
	enf := NewEnforcer()
	first := enf.Enforce(s, snap).Digest()
	for i := 0; i < 10; i++ {
		if got := enf.Enforce(s, snap).Digest(); got != first {
			t.Fatalf("run %d digest %s != %s", i, got, first)
		}
	}
}

func TestActionOrderingCriticalBeatsLow(t *testing.T) {
	snap, err := policy.Load(strings.NewReader(`{"dimensions":{"logic":{"base":85,"delta":3,"threshold":90,"severity":"low","requires_content":true}}}`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	res := NewEnforcer().Enforce(sample("This will harm nobody at all, trust the plan."), snap)
	var sev []model.Severity
	for _, v := range res.Violations {
		sev = append(sev, v.Severity)
	}
	if len(sev) != 2 || sev[0] != model.SeverityCritical || sev[1] != model.SeverityLow {
		t.Fatalf("violations = %+v", res.Violations)
	}
	if res.Action != model.ActionBlock {
		t.Fatalf("action = %s, want block", res.Action)
	}
}

func TestCustomRuleEscalates(t *testing.T) {
	res := NewEnforcer().Enforce(sample("I want to end my life."), policy.Default())
	if res.Action != model.ActionEscalate {
		t.Fatalf("action = %s", res.Action)
	}
	var found bool
	for _, v := range res.Violations {
		if v.RuleID == "self-harm-escalation" {
			found = true
		}
	}
	if !found {
		t.Fatalf("rule violation missing: %+v", res.Violations)
	}
}

func TestDisabledRuleIgnored(t *testing.T) {
	snap, err := policy.Load(strings.NewReader(`{"rules":[{"id":"pii","category":"privacy","patterns":["ssn"],"severity":"high","action":"block","enabled":false}]}`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	res := NewEnforcer().Enforce(sample("my ssn is on file"), snap)
	if res.Action != model.ActionAllow {
		t.Fatalf("disabled rule applied: %s", res.Action)
	}
}

func TestProtocolNonComplianceOnlyDowngradesAllow(t *testing.T) {
	res := NewEnforcer().Enforce(sample("Keep this secret: here is how to harm them."), policy.Default())
	if res.Action != model.ActionBlock {
		t.Fatalf("action = %s, want block to survive protocol failure", res.Action)
	}
}

type panicScorer struct{}

func (panicScorer) Score(string, map[string]string, *policy.Snapshot) (model.DimensionScore, error) {
	panic("index out of range")
}

type errValidator struct{}

func (errValidator) Validate(string, *policy.Snapshot) (model.ProtocolResult, error) {
	return model.ProtocolResult{}, errors.New("corrupt pattern table")
}

func assertFailClosed(t *testing.T, res model.EnforcementResult, want model.Action) {
	t.Helper()
	if res.Action != want {
		t.Fatalf("action = %s, want %s", res.Action, want)
	}
	if res.DimensionScore != (model.DimensionScore{}) {
		t.Fatalf("scores not zeroed: %+v", res.DimensionScore)
	}
	if len(res.Violations) != 1 || res.Violations[0].Severity != model.SeverityCritical ||
		res.Violations[0].Description != SystemErrorDescription {
		t.Fatalf("violations = %+v", res.Violations)
	}
	if strings.Contains(res.SafeOutput, "index out of range") || strings.Contains(res.SafeOutput, "corrupt") {
		t.Fatalf("internal detail leaked: %q", res.SafeOutput)
	}
	if res.ContentHash == "" || res.RequestID == "" {
		t.Fatalf("traceability fields missing: %+v", res)
	}
}

func TestFailClosedOnPanic(t *testing.T) {
	res := NewEnforcer(WithScorer(panicScorer{})).Enforce(sample("hello world"), policy.Default())
	assertFailClosed(t, res, model.ActionBlock)
}

func TestFailClosedOnError(t *testing.T) {
	res := NewEnforcer(WithValidator(errValidator{})).Enforce(sample("hello world"), policy.Default())
	assertFailClosed(t, res, model.ActionBlock)
}

func TestFailClosedOnNilSnapshot(t *testing.T) {
	res := NewEnforcer().Enforce(sample("hello world"), nil)
	assertFailClosed(t, res, model.ActionBlock)
}

func TestFailClosedOnCorruptSnapshot(t *testing.T) {
	broken := *policy.Default()
	broken.Dimensions = nil
	res := NewEnforcer().Enforce(sample("hello world"), &broken)
	assertFailClosed(t, res, model.ActionBlock)
}

func TestFailOpenToggleEscalates(t *testing.T) {
	snap, err := policy.Load(strings.NewReader(`{"fail_closed":false}`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	res := NewEnforcer(WithScorer(panicScorer{})).Enforce(sample("hello world"), snap)
	assertFailClosed(t, res, model.ActionEscalate)
}

func TestEnforceNeverAllowsOnFailureProperty(t *testing.T) {
	enf := NewEnforcer(WithScorer(panicScorer{}))
	snap := policy.Default()
	f := func(in, out string) bool {
		res := enf.Enforce(model.ContentSample{InputText: in, OutputText: out}, snap)
		return res.Action == model.ActionBlock && res.DimensionScore.Composite == 0
	}
	if err := quick.Check(f, nil); err != nil {
		t.Fatalf("property check failed: %v", err)
	}
}

func TestEnforceClampProperty(t *testing.T) {
	enf := NewEnforcer()
	snap := policy.Default()
	f := func(out string) bool {
		res := enf.Enforce(sample(out+" harm kill hate because you"), snap)
		for _, name := range model.Dimensions {
			v, _ := res.DimensionScore.Get(name)
			if v < 0 || v > 100 {
				return false
			}
		}
		return res.DimensionScore.Composite >= 0 && res.DimensionScore.Composite <= 100
	}
	if err := quick.Check(f, nil); err != nil {
		t.Fatalf("property check failed: %v", err)
	}
}

func TestContentHashLengthPrefixed(t *testing.T) {
	if ContentHash("ab", "c") == ContentHash("a", "bc") {
		t.Fatalf("content hash must separate input and output")
	}
	if ContentHash("a", "b") != ContentHash("a", "b") {
		t.Fatalf("content hash not stable")
	}
}

func TestServiceAppendsToChain(t *testing.T) {
	mem := audit.NewMemoryStore()
	chain := audit.NewChain(audit.WithStore(mem))
	svc := NewService(policy.NewStore(nil, nil), nil, chain, nil)

	outputs := []string{"It is sunny today.", "Here is how to harm them.", "Please keep this secret."}
	for _, out := range outputs {
		d, err := svc.Enforce(context.Background(), "q", out, map[string]string{"channel": "web"}, "user-7")
		if err != nil {
			t.Fatalf("enforce: %v", err)
		}
		if !d.Audit.Persisted || d.Audit.Action != d.Result.Action {
			t.Fatalf("audit entry mismatch: %+v", d.Audit)
		}
		if d.Audit.InputHash != audit.HashText("q") || d.Audit.UserRef != audit.UserRef("user-7") {
			t.Fatalf("audit digests wrong: %+v", d.Audit)
		}
	}
	if !chain.VerifyIntegrity() || len(mem.Entries()) != 3 {
		t.Fatalf("chain not intact")
	}
	st := svc.Stats()
	if st.TotalValidations != 3 || st.Actions["block"] != 1 || st.Actions["warn"] != 1 || st.Actions["allow"] != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if st.BlockRate != 0.3333 || st.ComplianceRate != 0.6667 {
		t.Fatalf("rates = %+v", st)
	}
}

func TestServiceCancelledContext(t *testing.T) {
	svc := NewService(nil, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := svc.Enforce(ctx, "q", "a", nil, ""); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if svc.Chain().ExportChainSummary().TotalEntries != 0 {
		t.Fatalf("cancelled call should not be audited")
	}
}

func TestServiceUsesSnapshotCapturedAtCallStart(t *testing.T) {
	store := policy.NewStore(nil, nil)
	svc := NewService(store, nil, nil, nil)
	d1, _ := svc.Enforce(context.Background(), "q", "fine text here", nil, "")
	if _, err := store.Reload(strings.NewReader(`{"version":"2.0.0"}`)); err != nil {
		t.Fatalf("reload: %v", err)
	}
	d2, _ := svc.Enforce(context.Background(), "q", "fine text here", nil, "")
	if d1.Result.PolicyVersion != "1.0.0" || d2.Result.PolicyVersion != "2.0.0" {
		t.Fatalf("versions = %s, %s", d1.Result.PolicyVersion, d2.Result.PolicyVersion)
	}
}

func TestInjectedClockAndIDs(t *testing.T) {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	calls := 0
	clock := func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * 1500 * time.Microsecond)
	}
	enf := NewEnforcer(WithClock(clock), WithIDGenerator(func() string { return "req-fixed" }))
	res := enf.Enforce(sample("a plain answer"), policy.Default())
	if res.RequestID != "req-fixed" {
		t.Fatalf("request id = %q", res.RequestID)
	}
	if !res.Timestamp.Equal(base.Add(3 * time.Millisecond)) {
		t.Fatalf("timestamp = %v", res.Timestamp)
	}
	if res.ProcessingTimeMs != 1.5 {
		t.Fatalf("processing time = %v, want 1.5", res.ProcessingTimeMs)
	}
}
