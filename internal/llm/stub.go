package llm

import "context"

// Stub is the no-credentials backend: regeneration copies the winning
// variant and refinement echoes the rule verdict. Deterministic, so
// local runs and tests behave the same every time.
type Stub struct{}

// NewStub returns the stub backend.
func NewStub() *Stub { return &Stub{} }

// Mode identifies the backend on the health endpoint.
func (s *Stub) Mode() string { return "stub" }

// RewriteVariant promotes the winning HTML as the replacement.
func (s *Stub) RewriteVariant(ctx context.Context, in RewriteInput) (string, error) {
	return in.WinningHTML, nil
}

// RefineIdentity leaves the rule classification untouched.
func (s *Stub) RefineIdentity(ctx context.Context, in RefineInput) (RefineResult, error) {
	return RefineResult{
		State:      in.RuleState,
		Confidence: in.RuleConfidence,
		Reasoning:  "rule classification unchanged (stub backend)",
	}, nil
}
