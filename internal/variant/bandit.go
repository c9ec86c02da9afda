// Package variant implements the per-user A/B decision policy: epsilon-greedy
// slot selection over the variant store, incremental-mean reward updates with
// optimistic concurrency, and the regeneration trigger.
package variant

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"

	"github.com/morphlab/adapt/internal/config"
	"github.com/morphlab/adapt/internal/store"
)

// Per-component reward outcomes.
const (
	OutcomeUpdated  = "updated"
	OutcomeConflict = "conflict"
	OutcomeNotFound = "not_found"
)

// Selection is the result of one slot pick. The trial count is not
// committed yet; the caller commits after the guardrail approves.
type Selection struct {
	Slot     string
	HTML     string
	Explored bool
	Record   *store.VariantRecord
}

// Outcome reports what happened to one component record during a reward.
type Outcome struct {
	ComponentID string               `json:"component_id"`
	Status      string               `json:"status"`
	Slot        string               `json:"slot,omitempty"`
	NewScore    float64              `json:"new_score"`
	Trials      int                  `json:"number_of_trials"`
	Regenerate  bool                 `json:"-"`
	RegenSlot   string               `json:"-"`
	Record      *store.VariantRecord `json:"record,omitempty"`
}

// Bandit drives variant selection and scoring.
type Bandit struct {
	store   store.Store
	cfg     config.BanditConfig
	rewards map[string]float64
}

// New creates a Bandit. rewards falls back to the built-in weights when nil.
func New(st store.Store, cfg config.BanditConfig, rewards map[string]float64) *Bandit {
	if rewards == nil {
		rewards = config.DefaultRewards()
	}
	return &Bandit{store: st, cfg: cfg, rewards: rewards}
}

// RewardValue resolves the reward amount for an update: an explicit value
// wins over the configured per-type weight, unknown types default to 1.0,
// and negative amounts clamp to zero.
func (b *Bandit) RewardValue(rewardType string, explicit *float64) float64 {
	v := 1.0
	if explicit != nil {
		v = *explicit
	} else if w, ok := b.rewards[rewardType]; ok {
		v = w
	}
	if v < 0 {
		return 0
	}
	return v
}

// Select loads or initializes the record for key and picks a slot: with
// probability epsilon the slot with fewer trials, otherwise the higher
// scoring slot, ties broken by fewer trials then A. The pick is not yet
// counted; call CommitTrial once the response is actually served.
func (b *Bandit) Select(ctx context.Context, key store.VariantKey, seedHTML, tier string) (*Selection, error) {
	rec, err := b.store.GetOrInitVariant(ctx, key, seedHTML)
	if err != nil {
		return nil, fmt.Errorf("loading variant record: %w", err)
	}

	explored := rand.Float64() < b.cfg.EpsilonFor(tier)
	slot := pickSlot(&rec.Variants, explored)
	return &Selection{
		Slot:     slot,
		HTML:     rec.Variants.Slot(slot).CurrentHTML,
		Explored: explored,
		Record:   rec,
	}, nil
}

func pickSlot(v *store.Variants, explore bool) string {
	a, bb := v.A, v.B
	if explore {
		if bb.NumberOfTrials < a.NumberOfTrials {
			return store.SlotB
		}
		return store.SlotA
	}
	switch {
	case a.CurrentScore > bb.CurrentScore:
		return store.SlotA
	case bb.CurrentScore > a.CurrentScore:
		return store.SlotB
	case bb.NumberOfTrials < a.NumberOfTrials:
		return store.SlotB
	default:
		return store.SlotA
	}
}

// CommitTrial increments the served slot's trial count with one conflict
// retry against fresh state. Returns the committed count. A second
// conflict leaves the count alone; the response is served regardless.
func (b *Bandit) CommitTrial(ctx context.Context, key store.VariantKey, rec *store.VariantRecord, slot string) (int, error) {
	s := rec.Variants.Slot(slot)
	if s == nil {
		return 0, fmt.Errorf("unknown slot %q", slot)
	}
	prior := s.Version()
	err := b.store.UpdateVariantScore(ctx, key, slot, prior, prior.Score, prior.Trials+1)
	if err == nil {
		s.NumberOfTrials = prior.Trials + 1
		return s.NumberOfTrials, nil
	}
	if !errors.Is(err, store.ErrConflict) {
		return 0, fmt.Errorf("committing trial: %w", err)
	}

	fresh, ferr := b.store.GetVariant(ctx, key)
	if ferr != nil {
		return 0, fmt.Errorf("reloading record after trial conflict: %w", ferr)
	}
	fs := fresh.Variants.Slot(slot)
	prior = fs.Version()
	if err := b.store.UpdateVariantScore(ctx, key, slot, prior, prior.Score, prior.Trials+1); err != nil {
		log.Printf("[Bandit] Trial commit conflicted twice for %s/%s/%s slot %s; serving uncounted",
			key.BusinessID, key.UserID, key.ComponentID, slot)
		return fs.NumberOfTrials, fmt.Errorf("committing trial: %w", err)
	}
	fs.NumberOfTrials = prior.Trials + 1
	rec.Variants = fresh.Variants
	return fs.NumberOfTrials, nil
}

// Reward applies amount r to the attributed slot of each component record
// for the user. Each record updates independently under compare-and-set
// with one retry; a second conflict reports the authoritative record. The
// update keeps the trial count, which was charged at selection time, so
// the rolling mean divides by the current count.
func (b *Bandit) Reward(ctx context.Context, businessID, userID string, componentIDs []string, slot string, r float64) ([]Outcome, error) {
	if slot != store.SlotA && slot != store.SlotB {
		return nil, fmt.Errorf("unknown slot %q", slot)
	}
	if r < 0 {
		r = 0
	}

	outcomes := make([]Outcome, 0, len(componentIDs))
	for _, componentID := range componentIDs {
		key := store.VariantKey{BusinessID: businessID, UserID: userID, ComponentID: componentID}
		out, err := b.rewardOne(ctx, key, slot, r)
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, nil
}

func (b *Bandit) rewardOne(ctx context.Context, key store.VariantKey, slot string, r float64) (Outcome, error) {
	out := Outcome{ComponentID: key.ComponentID, Slot: slot}

	rec, err := b.store.GetVariant(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		out.Status = OutcomeNotFound
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("loading record for reward: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		s := rec.Variants.Slot(slot)
		prior := s.Version()
		newScore := rollingMean(prior.Score, prior.Trials, r)

		err = b.store.UpdateVariantScore(ctx, key, slot, prior, newScore, prior.Trials)
		if err == nil {
			s.CurrentScore = newScore
			out.Status = OutcomeUpdated
			out.NewScore = newScore
			out.Trials = prior.Trials
			out.RegenSlot, out.Regenerate = b.ShouldRegenerate(rec)
			return out, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return out, fmt.Errorf("updating score: %w", err)
		}
		if rec, err = b.store.GetVariant(ctx, key); err != nil {
			return out, fmt.Errorf("reloading record after score conflict: %w", err)
		}
	}

	// Second conflict: hand back the authoritative state.
	out.Status = OutcomeConflict
	out.Record = rec
	s := rec.Variants.Slot(slot)
	out.NewScore = s.CurrentScore
	out.Trials = s.NumberOfTrials
	return out, nil
}

// rollingMean folds reward r into the slot mean. The trial for this
// serve was already counted at selection, so the divisor is the current
// count, floored at one for rewards that arrive before any selection.
func rollingMean(score float64, trials int, r float64) float64 {
	n := trials
	if n < 1 {
		n = 1
	}
	return score + (r-score)/float64(n)
}

// ShouldRegenerate reports whether the record has a settled loser: both
// slots past the minimum trial count and the score gap at least the
// configured regeneration threshold. Returns the losing slot label.
func (b *Bandit) ShouldRegenerate(rec *store.VariantRecord) (string, bool) {
	a, bb := rec.Variants.A, rec.Variants.B
	if a.NumberOfTrials < b.cfg.MinTrials || bb.NumberOfTrials < b.cfg.MinTrials {
		return "", false
	}
	gap := a.CurrentScore - bb.CurrentScore
	loser := store.SlotB
	if gap < 0 {
		gap = -gap
		loser = store.SlotA
	}
	if gap < b.cfg.RegenGap {
		return "", false
	}
	return loser, true
}
