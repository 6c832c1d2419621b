package enforce

import (
	"context"
	"time"

	"go.uber.org/zap"

	"content_assurance/internal/audit"
	"content_assurance/internal/model"
	"content_assurance/internal/policy"
)

// Decision is what a caller gets back from Service.Enforce.
type Decision struct {
	Result model.EnforcementResult `json:"result"`
	Audit  audit.Entry             `json:"audit"`
}

// Service is the single entry point front ends call. It captures the active
// policy snapshot, evaluates, and records the decision in the audit chain.
type Service struct {
	policies *policy.Store
	enforcer *Enforcer
	chain    *audit.Chain
	stats    *Stats
	logger   *zap.Logger
	now      func() time.Time
}

func NewService(policies *policy.Store, enforcer *Enforcer, chain *audit.Chain, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policies == nil {
		policies = policy.NewStore(nil, logger)
	}
	if enforcer == nil {
		enforcer = NewEnforcer(WithLogger(logger))
	}
	if chain == nil {
		chain = audit.NewChain(audit.WithLogger(logger))
	}
	return &Service{
		policies: policies,
		enforcer: enforcer,
		chain:    chain,
		stats:    NewStats(),
		logger:   logger,
		now:      time.Now,
	}
}

// Enforce validates output (produced for input) and appends the decision to
// the audit chain. The only error is a context already done on entry;
// evaluation and persistence failures are reflected in the Decision.
func (s *Service) Enforce(ctx context.Context, input, output string, meta map[string]string, userID string) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	sample := model.ContentSample{
		InputText:  input,
		OutputText: output,
		Context:    copyContext(meta),
		UserID:     userID,
		Timestamp:  s.now().UTC(),
	}
	snap := s.policies.Current()
	res := s.enforcer.Enforce(sample, snap)
	entry := s.chain.Append(ctx, sample, res)
	s.stats.Record(res, entry.Persisted)

	if res.Action != model.ActionAllow {
		s.logger.Info("content not allowed",
			zap.String("request_id", res.RequestID),
			zap.String("action", string(res.Action)),
			zap.Int("violations", len(res.Violations)),
			zap.Float64("composite", res.DimensionScore.Composite),
			zap.String("policy_version", res.PolicyVersion),
			zap.Int64("audit_id", entry.ID))
	}
	return Decision{Result: res, Audit: entry}, nil
}

func (s *Service) Stats() StatsSnapshot {
	return s.stats.Snapshot()
}

func (s *Service) Chain() *audit.Chain {
	return s.chain
}

func (s *Service) Policies() *policy.Store {
	return s.policies
}

func copyContext(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
