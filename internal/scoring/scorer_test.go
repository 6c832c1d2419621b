package scoring

import (
	"errors"
	"math"
	"strings"
	"testing"
	"testing/quick"

	"content_assurance/internal/model"
	"content_assurance/internal/policy"
)

func TestScoreNeutralText(t *testing.T) {
	snap := policy.Default()
	got, err := New().Score("It is sunny and 72°F today.", nil, snap)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	for _, name := range model.Dimensions {
		dim, _ := snap.Dimension(name)
		v, _ := got.Get(name)
		if v < dim.Base {
			t.Fatalf("%s = %v, below base %v", name, v, dim.Base)
		}
	}
}

func TestScorePenaltiesAndBonuses(t *testing.T) {
	snap := policy.Default()
	text := "You could harm someone and cheat, because therefore is how it goes."
	got, err := New().Score(text, nil, snap)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if got.Safety != 80 {
		t.Fatalf("safety = %v, want 80", got.Safety)
	}
	if got.Ethics != 80 {
		t.Fatalf("ethics = %v, want 80", got.Ethics)
	}
	if got.Personalization != 84 {
		t.Fatalf("personalization = %v, want 84", got.Personalization)
	}
	if got.Logic != 91 {
		t.Fatalf("logic = %v, want 91", got.Logic)
	}
}

func TestScoreCountsEachPatternOnce(t *testing.T) {
	snap := policy.Default()
	got, err := New().Score("harm harm harm harm harm harm", nil, snap)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if got.Safety != 80 {
		t.Fatalf("safety = %v, want 80", got.Safety)
	}
}

func TestScoreClampsAtZero(t *testing.T) {
	snap := policy.Default()
	text := "harm hurt attack kill destroy hate violence weapon bomb poison"
	got, err := New().Score(text, nil, snap)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if got.Safety != 0 {
		t.Fatalf("safety = %v, want 0", got.Safety)
	}
}

func TestScoreContextBonus(t *testing.T) {
	snap := policy.Default()
	got, err := New().Score("a plain sentence here", map[string]string{"user_preferences": "concise"}, snap)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if got.Personalization != 85 {
		t.Fatalf("personalization = %v, want 85", got.Personalization)
	}
}

func TestScoreShortTextExemption(t *testing.T) {
	snap := policy.Default()
	b, err := New().ScoreDetailed("because", nil, snap)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	logic, _ := snap.Dimension(model.DimensionLogic)
	if b.Scores.Logic != logic.Neutral {
		t.Fatalf("logic = %v, want neutral %v", b.Scores.Logic, logic.Neutral)
	}
	if len(b.Exempt) != 1 || b.Exempt[0] != model.DimensionLogic {
		t.Fatalf("exempt = %v", b.Exempt)
	}
}

func TestScoreRepetitionPenalty(t *testing.T) {
	snap := policy.Default()
	logic, _ := snap.Dimension(model.DimensionLogic)
	cases := []struct {
		name string
		text string
		want float64
	}{
		{"repetitive", "the cat the cat the cat the cat sat down", logic.Base - 15},
		{"varied", "the quick brown fox jumps over a lazy dog", logic.Base},
		{"five words", "go go go go go", logic.Base},
		{"repetitive with marker", "because because because because because because", logic.Base + 3 - 15},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := New().Score(tc.text, nil, snap)
			if err != nil {
				t.Fatalf("score: %v", err)
			}
			if got.Logic != tc.want {
				t.Fatalf("logic = %v, want %v", got.Logic, tc.want)
			}
		})
	}
}

func TestScoreRepetitionSkipsShortText(t *testing.T) {
	snap, err := policy.Load(strings.NewReader(`{"min_content_length": 200}`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b, err := New().ScoreDetailed("the cat the cat the cat the cat sat down", nil, snap)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	logic, _ := snap.Dimension(model.DimensionLogic)
	if b.Scores.Logic != logic.Neutral {
		t.Fatalf("short repetitive text scored %v, want neutral %v", b.Scores.Logic, logic.Neutral)
	}
}

func TestScoreConversationHistoryBonus(t *testing.T) {
	snap := policy.Default()
	ctx := map[string]string{"user_preferences": "concise", "conversation_history": "earlier turn"}
	got, err := New().Score("a plain sentence here", ctx, snap)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if got.Personalization != 88 {
		t.Fatalf("personalization = %v, want 88", got.Personalization)
	}
}

func TestCompositeRoundsToSixPlaces(t *testing.T) {
	got := Composite(model.DimensionScore{
		Safety: 100, Personalization: 80.0000001, Integrity: 95, Ethics: 90, Logic: 85,
	})
	if got != 90 {
		t.Fatalf("composite = %v, want 90", got)
	}
}

func TestScoreHTMLContent(t *testing.T) {
	snap := policy.Default()
	ctx := map[string]string{"content_type": "text/html"}
	got, err := New().Score(`<p>Nothing <span class="harm-free">bad</span> here at all.</p>`, ctx, snap)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if got.Safety != 100 {
		t.Fatalf("markup leaked into scoring: safety = %v", got.Safety)
	}
}

func TestScoreErrors(t *testing.T) {
	if _, err := New().Score("text", nil, nil); !errors.Is(err, ErrNilSnapshot) {
		t.Fatalf("expected ErrNilSnapshot, got %v", err)
	}
	snap := policy.Default()
	broken := *snap
	broken.Dimensions = map[string]policy.Dimension{}
	if _, err := New().Score("text", nil, &broken); !errors.Is(err, ErrMissingDimension) {
		t.Fatalf("expected ErrMissingDimension, got %v", err)
	}
}

func TestScoreClampAndCompositeProperty(t *testing.T) {
	snap := policy.Default()
	words := []string{"harm", "you", "secret", "steal", "because", "help", "kill", "lies", "thus", "plain", "trust me"}
	scorer := New()
	f := func(picks []uint8, prefs bool) bool {
		parts := make([]string, 0, len(picks))
		for _, p := range picks {
			parts = append(parts, words[int(p)%len(words)])
		}
		ctx := map[string]string{}
		if prefs {
			ctx["user_preferences"] = "yes"
		}
		got, err := scorer.Score(strings.Join(parts, " "), ctx, snap)
		if err != nil {
			return false
		}
		sum := 0.0
		for _, name := range model.Dimensions {
			v, _ := got.Get(name)
			if v < 0 || v > 100 {
				return false
			}
			sum += v
		}
		if got.Composite < 0 || got.Composite > 100 {
			return false
		}
		return got.Composite == Composite(got) && math.Abs(got.Composite-sum/5) < 1e-6
	}
	if err := quick.Check(f, nil); err != nil {
		t.Fatalf("property check failed: %v", err)
	}
}

func TestScoreDeterministic(t *testing.T) {
	snap := policy.Default()
	text := "Trust me, you should definitely harm nobody because it is wrong."
	first, err := New().Score(text, nil, snap)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, _ := New().Score(text, nil, snap)
		if again != first {
			t.Fatalf("run %d differs: %+v vs %+v", i, again, first)
		}
	}
}
