// Package workflow sequences the per-request decision pipeline:
// resolve the visitor, record the view, aggregate recent behavior,
// classify identity, pick a variant, and guard the markup. Every stage
// may fail on its own; the pipeline keeps going and serves the best
// markup it still has, leaving an audit entry behind.
package workflow

import (
	"context"
	"fmt"
	"log"
	"time"

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

// refineBelow is the rule-confidence threshold under which the model is
// asked to second-guess the classification.
const refineBelow = 0.75

// sessionSaveGrace bounds the detached session snapshot write.
const sessionSaveGrace = 2 * time.Second

// Request is one optimize call after authentication.
type Request struct {
	Business    *store.Business
	UserID      string
	SessionID   string
	GlobalUID   string
	ComponentID string
	SeedHTML    string
	Now         time.Time
}

// Result carries everything the response needs. Variant is the slot
// label whose markup was chosen; when the guardrail forces the seed,
// HTML is the seed and no trial is counted under that label.
type Result struct {
	UserID        string
	SessionID     string
	Variant       string
	HTML          string
	IdentityState string
	Confidence    float64
	Vector        behavior.Vector
	AuditLog      []AuditEntry
	Explored      bool
	Degraded      bool
}

// Orchestrator owns the pipeline and the shared audit ring. One per
// process; safe for concurrent requests.
type Orchestrator struct {
	store    store.Store
	resolver *identity.Resolver
	ingestor *ingest.Ingestor
	bandit   *variant.Bandit
	guard    *guardrail.Validator
	llm      llm.Client
	regen    *regen.Engine
	ring     *AuditRing
	cfg      *config.Config
}

// New assembles the orchestrator from its stage components.
func New(
	st store.Store,
	resolver *identity.Resolver,
	ingestor *ingest.Ingestor,
	bandit *variant.Bandit,
	guard *guardrail.Validator,
	client llm.Client,
	engine *regen.Engine,
	ring *AuditRing,
	cfg *config.Config,
) *Orchestrator {
	return &Orchestrator{
		store:    st,
		resolver: resolver,
		ingestor: ingestor,
		bandit:   bandit,
		guard:    guard,
		llm:      client,
		regen:    engine,
		ring:     ring,
		cfg:      cfg,
	}
}

// Mode reports the decision backend: "multi-agent" when a real model
// backs refinement and regeneration, "stub" otherwise.
func (o *Orchestrator) Mode() string {
	if o.llm != nil && o.llm.Mode() == "bedrock" {
		return "multi-agent"
	}
	return "stub"
}

// Optimize runs the full pipeline for one component view. It always
// returns a servable result; failures downgrade the response rather
// than abort it. The soft deadline covers everything up to the trial
// commit; past it the chosen markup is still served but the trial is
// not counted.
func (o *Orchestrator) Optimize(ctx context.Context, req Request) *Result {
	softCtx, cancel := context.WithTimeout(ctx, o.cfg.Server.RequestDeadline())
	defer cancel()

	biz := req.Business
	res := &Result{
		UserID:        req.UserID,
		SessionID:     req.SessionID,
		Variant:       store.SlotA,
		HTML:          req.SeedHTML,
		IdentityState: behavior.StateExploratory,
		Confidence:    0.5,
		Vector:        behavior.Neutral(),
	}
	audit := func(stage, format string, args ...interface{}) {
		res.AuditLog = append(res.AuditLog, AuditEntry{
			Stage:     stage,
			Detail:    fmt.Sprintf(format, args...),
			Timestamp: time.Now().UTC(),
		})
	}

	// Stage 0: identity resolution. Without a user record there is
	// nothing to select against, so this is the one failure that ends
	// the pipeline early. The caller still gets their seed back.
	user, err := o.resolver.ResolveUser(softCtx, biz.BusinessID, req.UserID, req.SessionID, req.Now)
	if err != nil {
		audit("storage_degraded", "identity resolver: %v", err)
		res.Degraded = true
		o.ring.Append(res.AuditLog)
		return res
	}
	res.UserID = user.UserID
	res.SessionID = user.LastSession.SessionID
	audit("identity_resolved", "user=%s session=%s", user.UserID, user.LastSession.SessionID)

	if req.GlobalUID != "" {
		if _, err := o.resolver.Link(softCtx, biz.BusinessID, user.UserID, req.GlobalUID, req.Now); err != nil {
			audit("link_degraded", "global uid link: %v", err)
		}
	}

	// Stage 1: record the view. Quota exhaustion or a full queue only
	// costs us this one event.
	view := &store.Event{
		BusinessID:  biz.BusinessID,
		UserID:      user.UserID,
		SessionID:   user.LastSession.SessionID,
		GlobalUID:   user.GlobalUID,
		EventName:   behavior.EventComponentViewed,
		ComponentID: req.ComponentID,
		Timestamp:   req.Now,
	}
	if _, err := o.ingestor.Submit(softCtx, biz, []*store.Event{view}, req.Now); err != nil {
		audit("ingest_degraded", "component view not recorded: %v", err)
	} else {
		audit("event_recorded", "component_viewed component=%s", req.ComponentID)
	}

	// Stage 2: analytics over the recent window.
	var sig behavior.Signals
	events, err := o.store.GetRecentEvents(softCtx, biz.BusinessID, user.UserID,
		o.cfg.Behavior.RecentEventLimit, o.cfg.Behavior.Window())
	if err != nil {
		audit("analytics_degraded", "recent events unavailable: %v", err)
		res.Degraded = true
	} else {
		res.Vector, sig = behavior.Aggregate(events, req.Now)
		audit("analytics_computed", "%d events in window", len(events))
	}

	// Stage 3: identity classification, with optional model refinement
	// when the rules are unsure.
	res.IdentityState, res.Confidence = behavior.Classify(res.Vector, sig)
	if o.llm != nil && o.llm.Mode() == "bedrock" && res.Confidence < refineBelow {
		refined, rerr := o.llm.RefineIdentity(softCtx, llm.RefineInput{
			Vector:         res.Vector,
			RecentEvents:   eventNames(events),
			RuleState:      res.IdentityState,
			RuleConfidence: res.Confidence,
		})
		if rerr == nil && behavior.KnownStates[refined.State] {
			res.IdentityState, res.Confidence = refined.State, refined.Confidence
			audit("identity_refined", "model verdict %s (%.2f)", refined.State, refined.Confidence)
		}
	}
	audit("identity_classified", "state=%s confidence=%.2f", res.IdentityState, res.Confidence)

	// Stage 4: variant selection. No write happens here; the trial is
	// only committed after the guardrail accepts what we serve.
	key := store.VariantKey{BusinessID: biz.BusinessID, UserID: user.UserID, ComponentID: req.ComponentID}
	sel, err := o.bandit.Select(softCtx, key, req.SeedHTML, biz.Tier)
	if err != nil {
		audit("decision_degraded", "variant selection: %v", err)
		res.Degraded = true
		o.finish(softCtx, res, user, req.Now)
		return res
	}
	res.Variant = sel.Slot
	res.Explored = sel.Explored
	audit("variant_selected", "slot=%s explored=%v", sel.Slot, sel.Explored)

	// Stage 5: guardrail. A rejected slot falls back to its rival, then
	// to the seed. Only the markup actually served earns a trial.
	served := sel.Slot
	res.HTML = sel.HTML
	verdict := o.guard.Validate(req.SeedHTML, sel.HTML)
	if verdict.Approved {
		audit("guardrail_approved", "slot=%s", sel.Slot)
	} else {
		other := store.Other(sel.Slot)
		otherHTML := sel.Record.Variants.Slot(other).CurrentHTML
		if ov := o.guard.Validate(req.SeedHTML, otherHTML); ov.Approved {
			served = other
			res.Variant = other
			res.HTML = otherHTML
			audit("guardrail_fallback", "slot %s rejected (%s); serving %s", sel.Slot, verdict.Reason, other)
		} else {
			served = ""
			res.HTML = req.SeedHTML
			audit("guardrail_fallback", "slot %s rejected (%s); serving seed", sel.Slot, verdict.Reason)
		}
	}

	// The deadline gate sits between the guardrail and the commit: a
	// late pipeline still serves its markup, but the trial is not
	// counted.
	if softCtx.Err() == nil && served != "" {
		if _, err := o.bandit.CommitTrial(ctx, key, sel.Record, served); err != nil {
			audit("trial_uncounted", "trial commit for slot %s: %v", served, err)
		}
	}

	o.finish(softCtx, res, user, req.Now)
	return res
}

// finish persists the session snapshot and flushes the audit log. The
// deadline entry, when due, goes in last.
func (o *Orchestrator) finish(softCtx context.Context, res *Result, user *store.User, now time.Time) {
	o.persistSession(res, user, now)
	if softCtx.Err() != nil {
		res.Degraded = true
		res.AuditLog = append(res.AuditLog, AuditEntry{
			Stage:     "deadline_exceeded",
			Detail:    "pipeline over budget",
			Timestamp: time.Now().UTC(),
		})
	}
	o.ring.Append(res.AuditLog)
}

// persistSession embeds the classification outcome on the user record.
// Detached from the request deadline; losing the snapshot only costs
// the next request its warm start.
func (o *Orchestrator) persistSession(res *Result, user *store.User, now time.Time) {
	user.LastSession.IdentityState = res.IdentityState
	user.LastSession.IdentityConfidence = res.Confidence
	user.LastSession.BehavioralVector = res.Vector.AsMap()
	user.LastHTML = res.HTML
	user.UpdatedAt = now

	pctx, cancel := context.WithTimeout(context.Background(), sessionSaveGrace)
	defer cancel()
	if err := o.store.SaveUser(pctx, user); err != nil {
		log.Printf("[Workflow] Session snapshot save failed for %s/%s: %v", user.BusinessID, user.UserID, err)
	}
}

// Reward applies one reward to every named component and schedules
// regeneration for any record whose score gap crossed the threshold.
// Outcomes come back in component order even when a later write fails.
func (o *Orchestrator) Reward(ctx context.Context, biz *store.Business, userID string, componentIDs []string, slot string, amount float64) ([]variant.Outcome, error) {
	outcomes, err := o.bandit.Reward(ctx, biz.BusinessID, userID, componentIDs, slot, amount)

	var user *store.User
	for i := range outcomes {
		out := &outcomes[i]
		if !out.Regenerate {
			continue
		}
		if user == nil {
			u, uerr := o.store.GetUser(ctx, biz.BusinessID, userID)
			if uerr != nil {
				log.Printf("[Workflow] User load for regeneration context failed (%s/%s): %v", biz.BusinessID, userID, uerr)
				u = &store.User{BusinessID: biz.BusinessID, UserID: userID}
			}
			user = u
		}
		state, vec := sessionIdentity(user)
		key := store.VariantKey{BusinessID: biz.BusinessID, UserID: userID, ComponentID: out.ComponentID}
		o.regen.Schedule(key, out.RegenSlot, state, vec)
	}
	return outcomes, err
}

// sessionIdentity recovers the classification embedded on the user, or
// the neutral default when no session has been classified yet.
func sessionIdentity(u *store.User) (string, behavior.Vector) {
	if u.LastSession == nil || u.LastSession.IdentityState == "" {
		return behavior.StateExploratory, behavior.Neutral()
	}
	return u.LastSession.IdentityState, behavior.FromMap(u.LastSession.BehavioralVector)
}

func eventNames(events []*store.Event) []string {
	names := make([]string, 0, len(events))
	for _, ev := range events {
		names = append(names, ev.EventName)
	}
	return names
}
