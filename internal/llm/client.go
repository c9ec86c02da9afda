// Package llm wraps the model backend used for variant regeneration and
// identity refinement. Bedrock is the real backend; without credentials
// the service runs on the deterministic stub.
package llm

import (
	"context"

	"github.com/morphlab/adapt/internal/behavior"
	"github.com/morphlab/adapt/internal/config"
)

// RewriteInput carries everything the model sees when regenerating a
// losing variant.
type RewriteInput struct {
	SeedHTML      string
	WinningHTML   string
	LosingHTML    string
	WinningScore  float64
	LosingScore   float64
	IdentityState string
	Vector        behavior.Vector
}

// RefineInput asks the model to second-guess a low-confidence rule
// classification.
type RefineInput struct {
	Vector         behavior.Vector
	RecentEvents   []string
	RuleState      string
	RuleConfidence float64
}

// RefineResult is the model's classification verdict.
type RefineResult struct {
	State      string
	Confidence float64
	Reasoning  string
}

// Client is the model surface the workflow and regenerator depend on.
type Client interface {
	RewriteVariant(ctx context.Context, in RewriteInput) (string, error)
	RefineIdentity(ctx context.Context, in RefineInput) (RefineResult, error)
	Mode() string
}

// New picks the backend for the given configuration: Bedrock when the
// LLM block is enabled, otherwise the stub.
func New(ctx context.Context, cfg config.LLMConfig) (Client, error) {
	if !cfg.Enabled {
		return NewStub(), nil
	}
	return NewBedrock(ctx, cfg)
}
