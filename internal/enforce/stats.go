package enforce

import (
	"sync"

	"github.com/shopspring/decimal"

	"content_assurance/internal/model"
)

// Stats accumulates counters over every decision the service returns.
type Stats struct {
	mu           sync.Mutex
	total        int64
	actions      map[model.Action]int64
	compositeSum decimal.Decimal
	compliant    int64
	systemErrors int64
	unpersisted  int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	TotalValidations int64            `json:"total_validations"`
	Actions          map[string]int64 `json:"actions"`
	BlockRate        float64          `json:"block_rate"`
	AverageComposite float64          `json:"average_composite"`
	ComplianceRate   float64          `json:"compliance_rate"`
	SystemErrors     int64            `json:"system_errors"`
	Unpersisted      int64            `json:"unpersisted_entries"`
}

func NewStats() *Stats {
	return &Stats{actions: make(map[model.Action]int64)}
}

func (s *Stats) Record(res model.EnforcementResult, persisted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	s.actions[res.Action]++
	s.compositeSum = s.compositeSum.Add(decimal.NewFromFloat(res.DimensionScore.Composite))
	if res.ProtocolResult.Compliant {
		s.compliant++
	}
	if isSystemError(res) {
		s.systemErrors++
	}
	if !persisted {
		s.unpersisted++
	}
}

func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := StatsSnapshot{
		TotalValidations: s.total,
		Actions:          make(map[string]int64, len(s.actions)),
		SystemErrors:     s.systemErrors,
		Unpersisted:      s.unpersisted,
	}
	for a, n := range s.actions {
		out.Actions[string(a)] = n
	}
	if s.total == 0 {
		return out
	}
	total := decimal.NewFromInt(s.total)
	out.BlockRate = decimal.NewFromInt(s.actions[model.ActionBlock]).Div(total).Round(4).InexactFloat64()
	out.AverageComposite = s.compositeSum.Div(total).Round(2).InexactFloat64()
	out.ComplianceRate = decimal.NewFromInt(s.compliant).Div(total).Round(4).InexactFloat64()
	return out
}

func isSystemError(res model.EnforcementResult) bool {
	return len(res.Violations) == 1 && res.Violations[0].Description == SystemErrorDescription
}
