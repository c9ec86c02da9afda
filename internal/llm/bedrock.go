package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/morphlab/adapt/internal/behavior"
	"github.com/morphlab/adapt/internal/config"
)

// Bedrock invokes Claude through AWS Bedrock. All traffic stays inside
// AWS; credentials come from the default chain.
type Bedrock struct {
	client  *bedrockruntime.Client
	modelID string
	region  string
	timeout time.Duration
}

type bedrockMessage struct {
	Role    string                `json:"role"`
	Content []bedrockContentBlock `json:"content"`
}

type bedrockContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	System           string           `json:"system,omitempty"`
	Messages         []bedrockMessage `json:"messages"`
	Temperature      float64          `json:"temperature,omitempty"`
}

type bedrockResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// NewBedrock builds the Bedrock-backed client.
func NewBedrock(ctx context.Context, cfg config.LLMConfig) (*Bedrock, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	b := &Bedrock{
		client:  bedrockruntime.NewFromConfig(awsCfg),
		modelID: cfg.ModelID,
		region:  cfg.Region,
		timeout: cfg.Timeout(),
	}

	log.Printf("[LLM] Bedrock backend ready (model=%s, region=%s)", b.modelID, b.region)
	return b, nil
}

// Mode identifies the backend on the health endpoint.
func (b *Bedrock) Mode() string { return "bedrock" }

const rewriteSystemPrompt = `You are a conversion optimization specialist. You rewrite one HTML component of a page so it performs better for a specific visitor profile.

Rules:
- Respond with the rewritten HTML only. No explanations, no markdown fences.
- Keep the same outermost tag as the component you are replacing.
- Preserve every data-ai-* attribute exactly where it appears.
- Never add script tags, inline event handlers, or external resources.
- Keep length and structure close to the original component.`

// RewriteVariant asks the model for a replacement for the losing slot.
func (b *Bedrock) RewriteVariant(ctx context.Context, in RewriteInput) (string, error) {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "## Visitor profile\nIdentity state: %s\n%s\n", in.IdentityState, describeVector(in.Vector))
	fmt.Fprintf(&prompt, "\n## Original component (seed)\n%s\n", in.SeedHTML)
	fmt.Fprintf(&prompt, "\n## Winning variant (score %.2f)\n%s\n", in.WinningScore, in.WinningHTML)
	fmt.Fprintf(&prompt, "\n## Underperforming variant to replace (score %.2f)\n%s\n", in.LosingScore, in.LosingHTML)
	prompt.WriteString("\nRewrite the underperforming variant. Borrow what works from the winning variant and adapt tone and emphasis to the visitor profile.")

	raw, err := b.invoke(ctx, rewriteSystemPrompt, prompt.String(), 4000, 0.7)
	if err != nil {
		return "", err
	}

	html := stripFences(raw)
	if html == "" {
		return "", fmt.Errorf("model returned empty variant")
	}
	return html, nil
}

const refineSystemPrompt = `You classify e-commerce visitors into exactly one of these identity states: exploratory, confident, cautious, overwhelmed, comparison_focused, ready_to_decide, impulse_buyer.

Respond with JSON only, exactly this shape:
{"identity_state": "<state>", "confidence": <0.0-1.0>, "reasoning": "<one sentence>"}`

// RefineIdentity asks the model to confirm or overrule a low-confidence
// rule classification.
func (b *Bedrock) RefineIdentity(ctx context.Context, in RefineInput) (RefineResult, error) {
	var prompt strings.Builder
	prompt.WriteString("## Behavioral evidence\n")
	prompt.WriteString(describeVector(in.Vector) + "\n")
	if len(in.RecentEvents) > 0 {
		fmt.Fprintf(&prompt, "Recent events: %s\n", strings.Join(in.RecentEvents, ", "))
	}
	fmt.Fprintf(&prompt, "\nA rule-based pass classified this visitor as %q with confidence %.2f. Confirm or overrule it.",
		in.RuleState, in.RuleConfidence)

	raw, err := b.invoke(ctx, refineSystemPrompt, prompt.String(), 300, 0.2)
	if err != nil {
		return RefineResult{}, err
	}
	return parseRefine(raw)
}

func (b *Bedrock) invoke(ctx context.Context, system, user string, maxTokens int, temperature float64) (string, error) {
	request := bedrockRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokens,
		System:           system,
		Messages: []bedrockMessage{{
			Role:    "user",
			Content: []bedrockContentBlock{{Type: "text", Text: user}},
		}},
		Temperature: temperature,
	}

	body, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	output, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return "", fmt.Errorf("invoking %s: %w", b.modelID, err)
	}

	var response bedrockResponse
	if err := json.Unmarshal(output.Body, &response); err != nil {
		return "", fmt.Errorf("parsing model response: %w", err)
	}

	var text strings.Builder
	for _, c := range response.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}

	log.Printf("[LLM] %s responded (in: %d tokens, out: %d tokens, stop: %s)",
		b.modelID, response.Usage.InputTokens, response.Usage.OutputTokens, response.StopReason)

	return text.String(), nil
}

func describeVector(v behavior.Vector) string {
	return fmt.Sprintf("Behavioral vector: exploration=%.2f hesitation=%.2f engagement=%.2f velocity=%.2f focus=%.2f",
		v.ExplorationScore, v.HesitationScore, v.EngagementDepth, v.DecisionVelocity, v.ContentFocusRatio)
}

// stripFences removes a markdown code fence if the model wrapped its
// answer in one despite instructions.
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if i := strings.Index(s, "\n"); i >= 0 {
		s = s[i+1:]
	} else {
		s = strings.TrimPrefix(s, "```html")
		s = strings.TrimPrefix(s, "```")
	}
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func parseRefine(raw string) (RefineResult, error) {
	s := stripFences(raw)
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return RefineResult{}, fmt.Errorf("no JSON object in model output")
	}

	var out struct {
		IdentityState string  `json:"identity_state"`
		Confidence    float64 `json:"confidence"`
		Reasoning     string  `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), &out); err != nil {
		return RefineResult{}, fmt.Errorf("parsing refinement: %w", err)
	}
	if !behavior.KnownStates[out.IdentityState] {
		return RefineResult{}, fmt.Errorf("model returned unknown state %q", out.IdentityState)
	}

	conf := out.Confidence
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	return RefineResult{State: out.IdentityState, Confidence: conf, Reasoning: out.Reasoning}, nil
}
