// Package scoring computes the five dimension scores and their composite.
package scoring

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"content_assurance/internal/model"
	"content_assurance/internal/policy"
	"content_assurance/internal/textnorm"
)

// scorePlaces is the precision every dimension is rounded to before the
// composite is taken.
const scorePlaces = 6

var (
	ErrNilSnapshot      = errors.New("scoring: nil policy snapshot")
	ErrMissingDimension = errors.New("scoring: dimension missing from snapshot")

	minScore = decimal.Zero
	maxScore = decimal.NewFromInt(100)
	five     = decimal.NewFromInt(int64(len(model.Dimensions)))
)

// Breakdown is a DimensionScore together with the evidence behind it.
type Breakdown struct {
	Scores  model.DimensionScore
	Matches map[string][]string
	// Exempt lists dimensions that scored their neutral value because the
	// text was too short.
	Exempt []string
}

// Scorer is stateless and safe for concurrent use.
type Scorer struct{}

func New() *Scorer {
	return &Scorer{}
}

// Score computes the five dimension scores for text against snap.
func (s *Scorer) Score(text string, ctx map[string]string, snap *policy.Snapshot) (model.DimensionScore, error) {
	b, err := s.ScoreDetailed(text, ctx, snap)
	if err != nil {
		return model.DimensionScore{}, err
	}
	return b.Scores, nil
}

// ScoreDetailed is Score plus the matched patterns per dimension.
func (s *Scorer) ScoreDetailed(text string, ctx map[string]string, snap *policy.Snapshot) (Breakdown, error) {
	if snap == nil {
		return Breakdown{}, ErrNilSnapshot
	}
	text, err := textnorm.Normalize(text, ctx)
	if err != nil {
		return Breakdown{}, fmt.Errorf("scoring: normalize html: %w", err)
	}
	lower := strings.ToLower(text)
	short := len([]rune(strings.TrimSpace(text))) < snap.MinContentLength

	out := Breakdown{Matches: make(map[string][]string, len(model.Dimensions))}
	values := make(map[string]decimal.Decimal, len(model.Dimensions))
	for _, name := range model.Dimensions {
		dim, ok := snap.Dimension(name)
		if !ok {
			return Breakdown{}, fmt.Errorf("%w: %s", ErrMissingDimension, name)
		}
		if dim.RequiresContent && short {
			values[name] = clamp(decimal.NewFromFloat(dim.Neutral))
			out.Exempt = append(out.Exempt, name)
			continue
		}
		matched := dim.Patterns.Matches(lower)
		if len(matched) > 0 {
			out.Matches[name] = matched
		}
		values[name] = dimensionValue(dim, len(matched), dim.Repetition.Applies(lower), ctx)
	}

	out.Scores = model.DimensionScore{
		Safety:          values[model.DimensionSafety].InexactFloat64(),
		Personalization: values[model.DimensionPersonalization].InexactFloat64(),
		Integrity:       values[model.DimensionIntegrity].InexactFloat64(),
		Ethics:          values[model.DimensionEthics].InexactFloat64(),
		Logic:           values[model.DimensionLogic].InexactFloat64(),
	}
	out.Scores.Composite = Composite(out.Scores)
	return out, nil
}

func dimensionValue(dim policy.Dimension, matches int, repetitive bool, ctx map[string]string) decimal.Decimal {
	v := decimal.NewFromFloat(dim.Base).
		Add(decimal.NewFromFloat(dim.Delta).Mul(decimal.NewFromInt(int64(matches))))
	if repetitive {
		v = v.Sub(decimal.NewFromFloat(dim.Repetition.Penalty))
	}
	for key, bonus := range dim.ContextBonus {
		if strings.TrimSpace(ctx[key]) != "" {
			v = v.Add(decimal.NewFromFloat(bonus))
		}
	}
	return clamp(v)
}

func clamp(v decimal.Decimal) decimal.Decimal {
	if v.LessThan(minScore) {
		v = minScore
	}
	if v.GreaterThan(maxScore) {
		v = maxScore
	}
	return v.Round(scorePlaces)
}

// Composite returns the unweighted mean of the five dimension values rounded
// to six places, computed in decimal so the result does not depend on
// summation order.
func Composite(d model.DimensionScore) float64 {
	sum := decimal.Zero
	for _, name := range model.Dimensions {
		v, _ := d.Get(name)
		sum = sum.Add(decimal.NewFromFloat(v))
	}
	return sum.Div(five).Round(scorePlaces).InexactFloat64()
}
