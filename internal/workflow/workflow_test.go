package workflow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morphlab/adapt/internal/behavior"
	"github.com/morphlab/adapt/internal/config"
	"github.com/morphlab/adapt/internal/guardrail"
	"github.com/morphlab/adapt/internal/identity"
	"github.com/morphlab/adapt/internal/ingest"
	"github.com/morphlab/adapt/internal/llm"
	"github.com/morphlab/adapt/internal/regen"
	"github.com/morphlab/adapt/internal/store"
	"github.com/morphlab/adapt/internal/variant"
)

const seedHTML = `<div data-ai-component="hero"><h1>Welcome</h1></div>`

func testConfig() *config.Config {
	return &config.Config{
		Server:    config.ServerConfig{RequestDeadlineMS: 500},
		LLM:       config.LLMConfig{TimeoutSeconds: 5},
		Bandit:    config.BanditConfig{Epsilon: 0, RegenGap: 1.0, MinTrials: 5, LockTTLMS: 30000},
		Ingest:    config.IngestConfig{QueueDepth: 64, Watermark: 48, Workers: 1, SessionRatePerS: 50, SessionBurst: 100},
		Behavior:  config.BehaviorConfig{RecentEventLimit: 50, WindowSeconds: 600},
		Guardrail: config.GuardrailConfig{MaxHTMLBytes: 64 * 1024},
		Rewards:   config.DefaultRewards(),
	}
}

type env struct {
	st   store.Store
	biz  *store.Business
	ring *AuditRing
	orc  *Orchestrator
}

func newEnv(t *testing.T, st store.Store, client llm.Client, cfg *config.Config) *env {
	t.Helper()
	biz := &store.Business{
		BusinessID:        "biz_flow01",
		Name:              "Flow Test Co",
		APIKey:            "pk_live_flow",
		Tier:              "pro",
		MonthlyEventLimit: 100000,
		IsActive:          true,
		CreatedAt:         time.Now().UTC(),
	}
	require.NoError(t, st.PutBusiness(context.Background(), biz))

	ring := NewAuditRing(128)
	guard := guardrail.New(cfg.Guardrail)
	bandit := variant.New(st, cfg.Bandit, cfg.Rewards)
	engine := regen.New(st, client, guard, nil, cfg.Bandit, cfg.LLM, ring)
	orc := New(st, identity.NewResolver(st), ingest.New(st, nil, cfg.Ingest),
		bandit, guard, client, engine, ring, cfg)
	return &env{st: st, biz: biz, ring: ring, orc: orc}
}

func (e *env) request(userID string) Request {
	return Request{
		Business:    e.biz,
		UserID:      userID,
		ComponentID: "hero",
		SeedHTML:    seedHTML,
		Now:         time.Now().UTC(),
	}
}

func setSlot(t *testing.T, st store.Store, key store.VariantKey, slot string, score float64, trials int) {
	t.Helper()
	rec, err := st.GetVariant(context.Background(), key)
	require.NoError(t, err)
	prior := rec.Variants.Slot(slot).Version()
	require.NoError(t, st.UpdateVariantScore(context.Background(), key, slot, prior, score, trials))
}

func stages(entries []AuditEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Stage)
	}
	return out
}

func ringHas(r *AuditRing, stage string) bool {
	for _, e := range r.Recent(0) {
		if e.Stage == stage {
			return true
		}
	}
	return false
}

// faultStore fails or delays selected operations to exercise the
// per-stage degradation paths.
type faultStore struct {
	store.Store
	failUser    bool
	failEvents  bool
	failVariant bool
	eventsDelay time.Duration
}

func (f *faultStore) GetUser(ctx context.Context, businessID, userID string) (*store.User, error) {
	if f.failUser {
		return nil, store.ErrUnavailable
	}
	return f.Store.GetUser(ctx, businessID, userID)
}

func (f *faultStore) GetRecentEvents(ctx context.Context, businessID, userID string, limit int, window time.Duration) ([]*store.Event, error) {
	if f.eventsDelay > 0 {
		time.Sleep(f.eventsDelay)
	}
	if f.failEvents {
		return nil, store.ErrUnavailable
	}
	return f.Store.GetRecentEvents(ctx, businessID, userID, limit, window)
}

func (f *faultStore) GetOrInitVariant(ctx context.Context, key store.VariantKey, seedHTML string) (*store.VariantRecord, error) {
	if f.failVariant {
		return nil, store.ErrUnavailable
	}
	return f.Store.GetOrInitVariant(ctx, key, seedHTML)
}

// fakeClient pretends to be the Bedrock backend for refinement tests.
type fakeClient struct {
	refined    llm.RefineResult
	refineErr  error
	lastRefine llm.RefineInput
	called     bool
}

func (f *fakeClient) Mode() string { return "bedrock" }

func (f *fakeClient) RewriteVariant(ctx context.Context, in llm.RewriteInput) (string, error) {
	return "", errors.New("not wired in this test")
}

func (f *fakeClient) RefineIdentity(ctx context.Context, in llm.RefineInput) (llm.RefineResult, error) {
	f.called = true
	f.lastRefine = in
	return f.refined, f.refineErr
}

func TestAuditRingRecent(t *testing.T) {
	r := NewAuditRing(8)
	r.Record("one", "first")
	r.Record("two", "second")
	r.Record("three", "third")

	recent := r.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "three", recent[0].Stage)
	assert.Equal(t, "two", recent[1].Stage)

	all := r.Recent(0)
	require.Len(t, all, 3)
	assert.Equal(t, "one", all[2].Stage)
}

func TestAuditRingWraps(t *testing.T) {
	r := NewAuditRing(4)
	for _, s := range []string{"a", "b", "c", "d", "e", "f"} {
		r.Record(s, "")
	}

	all := r.Recent(10)
	require.Len(t, all, 4)
	assert.Equal(t, []string{"f", "e", "d", "c"}, stages(all))
}

func TestOptimizeFreshUser(t *testing.T) {
	e := newEnv(t, store.NewMemoryStore(), llm.NewStub(), testConfig())

	res := e.orc.Optimize(context.Background(), e.request(""))

	assert.True(t, strings.HasPrefix(res.UserID, "usr_"))
	assert.True(t, strings.HasPrefix(res.SessionID, "session_"))
	assert.Equal(t, store.SlotA, res.Variant)
	assert.Equal(t, seedHTML, res.HTML)
	assert.False(t, res.Explored)
	assert.False(t, res.Degraded)
	assert.Equal(t, behavior.StateExploratory, res.IdentityState)
	assert.Equal(t, 0.5, res.Confidence)
	assert.Equal(t, []string{
		"identity_resolved",
		"event_recorded",
		"analytics_computed",
		"identity_classified",
		"variant_selected",
		"guardrail_approved",
	}, stages(res.AuditLog))

	// The served slot earned its trial.
	key := store.VariantKey{BusinessID: e.biz.BusinessID, UserID: res.UserID, ComponentID: "hero"}
	rec, err := e.st.GetVariant(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Variants.A.NumberOfTrials)
	assert.Equal(t, 0, rec.Variants.B.NumberOfTrials)

	// The classification landed on the session snapshot.
	user, err := e.st.GetUser(context.Background(), e.biz.BusinessID, res.UserID)
	require.NoError(t, err)
	assert.Equal(t, behavior.StateExploratory, user.LastSession.IdentityState)
	assert.Equal(t, 0.5, user.LastSession.IdentityConfidence)
	assert.Len(t, user.LastSession.BehavioralVector, 5)
	assert.Equal(t, seedHTML, user.LastHTML)

	assert.True(t, ringHas(e.ring, "variant_selected"))
}

func TestOptimizeServesWinningSlot(t *testing.T) {
	e := newEnv(t, store.NewMemoryStore(), llm.NewStub(), testConfig())
	ctx := context.Background()

	key := store.VariantKey{BusinessID: e.biz.BusinessID, UserID: "usr_win", ComponentID: "hero"}
	_, err := e.st.GetOrInitVariant(ctx, key, seedHTML)
	require.NoError(t, err)
	winner := `<div data-ai-component="hero"><h1>Welcome back</h1></div>`
	require.NoError(t, e.st.ReplaceVariantHTML(ctx, key, store.SlotA, winner, store.HistoryEntry{HTML: seedHTML, Timestamp: time.Now().UTC()}))
	setSlot(t, e.st, key, store.SlotA, 2.0, 3)

	res := e.orc.Optimize(ctx, e.request("usr_win"))

	assert.Equal(t, store.SlotA, res.Variant)
	assert.Equal(t, winner, res.HTML)
	assert.False(t, res.Explored)

	rec, err := e.st.GetVariant(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 4, rec.Variants.A.NumberOfTrials)
	assert.Equal(t, 0, rec.Variants.B.NumberOfTrials)
}

func TestOptimizeExploresUndertriedSlot(t *testing.T) {
	cfg := testConfig()
	cfg.Bandit.Epsilon = 1.0
	e := newEnv(t, store.NewMemoryStore(), llm.NewStub(), cfg)
	ctx := context.Background()

	key := store.VariantKey{BusinessID: e.biz.BusinessID, UserID: "usr_exp", ComponentID: "hero"}
	_, err := e.st.GetOrInitVariant(ctx, key, seedHTML)
	require.NoError(t, err)
	setSlot(t, e.st, key, store.SlotA, 2.0, 3)

	res := e.orc.Optimize(ctx, e.request("usr_exp"))

	assert.Equal(t, store.SlotB, res.Variant)
	assert.True(t, res.Explored)

	rec, err := e.st.GetVariant(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Variants.A.NumberOfTrials)
	assert.Equal(t, 1, rec.Variants.B.NumberOfTrials)
}

func TestOptimizeGuardrailFallsBackToRival(t *testing.T) {
	e := newEnv(t, store.NewMemoryStore(), llm.NewStub(), testConfig())
	ctx := context.Background()

	key := store.VariantKey{BusinessID: e.biz.BusinessID, UserID: "usr_rival", ComponentID: "hero"}
	_, err := e.st.GetOrInitVariant(ctx, key, seedHTML)
	require.NoError(t, err)
	bad := `<div data-ai-component="hero"><script>alert(1)</script></div>`
	require.NoError(t, e.st.ReplaceVariantHTML(ctx, key, store.SlotA, bad, store.HistoryEntry{HTML: seedHTML, Timestamp: time.Now().UTC()}))
	setSlot(t, e.st, key, store.SlotA, 5.0, 5)

	res := e.orc.Optimize(ctx, e.request("usr_rival"))

	assert.Equal(t, store.SlotB, res.Variant)
	assert.Equal(t, seedHTML, res.HTML)
	assert.Contains(t, stages(res.AuditLog), "guardrail_fallback")

	rec, err := e.st.GetVariant(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 5, rec.Variants.A.NumberOfTrials)
	assert.Equal(t, 1, rec.Variants.B.NumberOfTrials)
}

func TestOptimizeGuardrailFallsBackToSeed(t *testing.T) {
	e := newEnv(t, store.NewMemoryStore(), llm.NewStub(), testConfig())
	ctx := context.Background()

	key := store.VariantKey{BusinessID: e.biz.BusinessID, UserID: "usr_seed", ComponentID: "hero"}
	_, err := e.st.GetOrInitVariant(ctx, key, seedHTML)
	require.NoError(t, err)
	bad := `<div data-ai-component="hero"><script>alert(1)</script></div>`
	entry := store.HistoryEntry{HTML: seedHTML, Timestamp: time.Now().UTC()}
	require.NoError(t, e.st.ReplaceVariantHTML(ctx, key, store.SlotA, bad, entry))
	require.NoError(t, e.st.ReplaceVariantHTML(ctx, key, store.SlotB, bad, entry))
	setSlot(t, e.st, key, store.SlotA, 5.0, 5)

	res := e.orc.Optimize(ctx, e.request("usr_seed"))

	assert.Equal(t, store.SlotA, res.Variant)
	assert.Equal(t, seedHTML, res.HTML)

	// Nothing servable came from the record, so no slot earned a trial.
	rec, err := e.st.GetVariant(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 5, rec.Variants.A.NumberOfTrials)
	assert.Equal(t, 0, rec.Variants.B.NumberOfTrials)
}

func TestOptimizeResolverDegraded(t *testing.T) {
	st := &faultStore{Store: store.NewMemoryStore(), failUser: true}
	e := newEnv(t, st, llm.NewStub(), testConfig())

	res := e.orc.Optimize(context.Background(), e.request("usr_gone"))

	assert.True(t, res.Degraded)
	assert.Equal(t, seedHTML, res.HTML)
	assert.Equal(t, []string{"storage_degraded"}, stages(res.AuditLog))
	assert.True(t, ringHas(e.ring, "storage_degraded"))
}

func TestOptimizeAnalyticsDegraded(t *testing.T) {
	st := &faultStore{Store: store.NewMemoryStore(), failEvents: true}
	e := newEnv(t, st, llm.NewStub(), testConfig())

	res := e.orc.Optimize(context.Background(), e.request("usr_blind"))

	assert.True(t, res.Degraded)
	assert.Equal(t, behavior.StateExploratory, res.IdentityState)
	assert.Equal(t, behavior.Neutral(), res.Vector)
	got := stages(res.AuditLog)
	assert.Contains(t, got, "analytics_degraded")
	assert.Contains(t, got, "variant_selected")
	assert.Contains(t, got, "guardrail_approved")

	// Selection still ran against the store.
	key := store.VariantKey{BusinessID: e.biz.BusinessID, UserID: res.UserID, ComponentID: "hero"}
	rec, err := e.st.GetVariant(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Variants.A.NumberOfTrials)
}

func TestOptimizeDecisionDegraded(t *testing.T) {
	st := &faultStore{Store: store.NewMemoryStore(), failVariant: true}
	e := newEnv(t, st, llm.NewStub(), testConfig())

	res := e.orc.Optimize(context.Background(), e.request("usr_stuck"))

	assert.True(t, res.Degraded)
	assert.Equal(t, store.SlotA, res.Variant)
	assert.Equal(t, seedHTML, res.HTML)
	assert.Contains(t, stages(res.AuditLog), "decision_degraded")

	key := store.VariantKey{BusinessID: e.biz.BusinessID, UserID: res.UserID, ComponentID: "hero"}
	_, err := e.st.GetVariant(context.Background(), key)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestOptimizeDeadlineSkipsTrial(t *testing.T) {
	cfg := testConfig()
	cfg.Server.RequestDeadlineMS = 40
	st := &faultStore{Store: store.NewMemoryStore(), eventsDelay: 80 * time.Millisecond}
	e := newEnv(t, st, llm.NewStub(), cfg)

	res := e.orc.Optimize(context.Background(), e.request("usr_slow"))

	assert.True(t, res.Degraded)
	assert.Equal(t, seedHTML, res.HTML)
	got := stages(res.AuditLog)
	require.NotEmpty(t, got)
	assert.Equal(t, "deadline_exceeded", got[len(got)-1])

	// Served past the budget, so the pick went uncounted.
	key := store.VariantKey{BusinessID: e.biz.BusinessID, UserID: res.UserID, ComponentID: "hero"}
	rec, err := e.st.GetVariant(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Variants.A.NumberOfTrials)
	assert.Equal(t, 0, rec.Variants.B.NumberOfTrials)
}

func TestOptimizeLinksGlobalUID(t *testing.T) {
	e := newEnv(t, store.NewMemoryStore(), llm.NewStub(), testConfig())

	req := e.request("usr_linked")
	req.GlobalUID = "guid_abc"
	res := e.orc.Optimize(context.Background(), req)

	assert.NotContains(t, stages(res.AuditLog), "link_degraded")
	gu, err := e.st.GetGlobalUser(context.Background(), "guid_abc")
	require.NoError(t, err)
	assert.True(t, gu.Has(e.biz.BusinessID, "usr_linked"))
}

func TestOptimizeRefinementOverridesLowConfidence(t *testing.T) {
	client := &fakeClient{refined: llm.RefineResult{State: behavior.StateCautious, Confidence: 0.9}}
	e := newEnv(t, store.NewMemoryStore(), client, testConfig())

	res := e.orc.Optimize(context.Background(), e.request("usr_refined"))

	assert.True(t, client.called)
	assert.Equal(t, behavior.StateExploratory, client.lastRefine.RuleState)
	assert.Equal(t, 0.5, client.lastRefine.RuleConfidence)
	assert.Equal(t, behavior.StateCautious, res.IdentityState)
	assert.Equal(t, 0.9, res.Confidence)
	assert.Contains(t, stages(res.AuditLog), "identity_refined")
}

func TestOptimizeRefinementDiscardsUnknownState(t *testing.T) {
	client := &fakeClient{refined: llm.RefineResult{State: "soothsayer", Confidence: 0.99}}
	e := newEnv(t, store.NewMemoryStore(), client, testConfig())

	res := e.orc.Optimize(context.Background(), e.request("usr_rules"))

	assert.True(t, client.called)
	assert.Equal(t, behavior.StateExploratory, res.IdentityState)
	assert.Equal(t, 0.5, res.Confidence)
	assert.NotContains(t, stages(res.AuditLog), "identity_refined")
}

func TestRewardSchedulesRegeneration(t *testing.T) {
	e := newEnv(t, store.NewMemoryStore(), llm.NewStub(), testConfig())
	ctx := context.Background()

	user := &store.User{
		BusinessID: e.biz.BusinessID,
		UserID:     "usr_rwd",
		LastSession: &store.Session{
			SessionID:          "session_rwd",
			IdentityState:      behavior.StateConfident,
			IdentityConfidence: 0.9,
			StartedAt:          time.Now().UTC(),
		},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, e.st.SaveUser(ctx, user))

	key := store.VariantKey{BusinessID: e.biz.BusinessID, UserID: "usr_rwd", ComponentID: "hero"}
	_, err := e.st.GetOrInitVariant(ctx, key, seedHTML)
	require.NoError(t, err)
	setSlot(t, e.st, key, store.SlotA, 3.0, 5)
	setSlot(t, e.st, key, store.SlotB, 1.5, 5)

	outcomes, err := e.orc.Reward(ctx, e.biz, "usr_rwd", []string{"hero"}, store.SlotA, 3.0)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, variant.OutcomeUpdated, outcomes[0].Status)
	assert.True(t, outcomes[0].Regenerate)
	assert.Equal(t, store.SlotB, outcomes[0].RegenSlot)

	// Stub backend: the request is acknowledged and skipped, on the
	// shared audit ring.
	assert.True(t, ringHas(e.ring, "regeneration_skipped"))
}

func TestRewardUnknownComponent(t *testing.T) {
	e := newEnv(t, store.NewMemoryStore(), llm.NewStub(), testConfig())

	outcomes, err := e.orc.Reward(context.Background(), e.biz, "usr_none", []string{"ghost"}, store.SlotA, 1.0)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, variant.OutcomeNotFound, outcomes[0].Status)
	assert.False(t, ringHas(e.ring, "regeneration_skipped"))
}

func TestMode(t *testing.T) {
	e := newEnv(t, store.NewMemoryStore(), llm.NewStub(), testConfig())
	assert.Equal(t, "stub", e.orc.Mode())

	e2 := newEnv(t, store.NewMemoryStore(), &fakeClient{}, testConfig())
	assert.Equal(t, "multi-agent", e2.orc.Mode())
}
