// Package regen runs asynchronous variant regeneration: when the bandit
// reports a settled loser, the losing slot's markup is rewritten by the
// model, re-grafted onto the seed skeleton, validated and installed.
package regen

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/morphlab/adapt/internal/behavior"
	"github.com/morphlab/adapt/internal/config"
	"github.com/morphlab/adapt/internal/guardrail"
	"github.com/morphlab/adapt/internal/llm"
	"github.com/morphlab/adapt/internal/pkg/distlock"
	"github.com/morphlab/adapt/internal/store"
)

const (
	acquireTimeout = 2 * time.Second
	storageGrace   = 5 * time.Second
)

// AuditSink receives regeneration audit entries. Implemented by the
// workflow's recent-log ring.
type AuditSink interface {
	Record(stage, detail string)
}

// Engine schedules and executes regeneration jobs.
type Engine struct {
	store store.Store
	llm   llm.Client
	guard *guardrail.Validator
	redis *redis.Client
	cfg   config.BanditConfig

	llmTimeout time.Duration
	audit      AuditSink
	inflight   sync.WaitGroup
}

// New creates an Engine. rdb may be nil; the advisory lock then falls
// back to its process-local table.
func New(st store.Store, client llm.Client, guard *guardrail.Validator, rdb *redis.Client, banditCfg config.BanditConfig, llmCfg config.LLMConfig, audit AuditSink) *Engine {
	return &Engine{
		store:      st,
		llm:        client,
		guard:      guard,
		redis:      rdb,
		cfg:        banditCfg,
		llmTimeout: llmCfg.Timeout(),
		audit:      audit,
	}
}

// Schedule fires regeneration of the losing slot, detached from the
// request that triggered it. At most one job runs per record; while the
// advisory lock is held further triggers coalesce into the running job.
// Returns whether a new job was started.
func (e *Engine) Schedule(key store.VariantKey, loser, identityState string, vec behavior.Vector) bool {
	if e.llm == nil || e.llm.Mode() != "bedrock" {
		e.record("regeneration_skipped", fmt.Sprintf("stub mode, %s slot %s stays", key.ComponentID, loser))
		return false
	}

	lockKey := fmt.Sprintf("regen:%s:%s:%s", key.BusinessID, key.UserID, key.ComponentID)
	lock := distlock.NewLock(e.redis, lockKey, e.cfg.LockTTL())

	ctx, cancel := context.WithTimeout(context.Background(), acquireTimeout)
	defer cancel()
	ok, err := lock.Acquire(ctx)
	if err != nil {
		log.Printf("[Regen] Lock acquire failed for %s: %v", lockKey, err)
		return false
	}
	if !ok {
		e.record("regeneration_coalesced", fmt.Sprintf("%s slot %s already regenerating", key.ComponentID, loser))
		return false
	}

	e.inflight.Add(1)
	go e.run(lock, key, loser, identityState, vec)
	return true
}

// Wait blocks until every in-flight job finishes. Used at shutdown.
func (e *Engine) Wait() {
	e.inflight.Wait()
}

func (e *Engine) run(lock distlock.DistLock, key store.VariantKey, loser, identityState string, vec behavior.Vector) {
	defer e.inflight.Done()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), acquireTimeout)
		defer cancel()
		if err := lock.Release(ctx); err != nil {
			log.Printf("[Regen] Lock release failed for %s/%s/%s: %v", key.BusinessID, key.UserID, key.ComponentID, err)
		}
	}()

	// Detached from the triggering request; bounded by the model deadline
	// plus room for the storage writes.
	ctx, cancel := context.WithTimeout(context.Background(), e.llmTimeout+storageGrace)
	defer cancel()

	rec, err := e.store.GetVariant(ctx, key)
	if err != nil {
		e.fail(key, loser, fmt.Sprintf("loading record: %v", err))
		return
	}
	losing := rec.Variants.Slot(loser)
	winning := rec.Variants.Slot(store.Other(loser))
	if losing == nil || winning == nil {
		e.fail(key, loser, "slot missing from record")
		return
	}
	seed := originalSeed(rec)

	generated, err := e.llm.RewriteVariant(ctx, llm.RewriteInput{
		SeedHTML:      seed,
		WinningHTML:   winning.CurrentHTML,
		LosingHTML:    losing.CurrentHTML,
		WinningScore:  winning.CurrentScore,
		LosingScore:   losing.CurrentScore,
		IdentityState: identityState,
		Vector:        vec,
	})
	if err != nil {
		e.fail(key, loser, fmt.Sprintf("model call: %v", err))
		return
	}

	candidate := Graft(seed, generated)
	if candidate == "" {
		e.fail(key, loser, "model output unusable after grafting")
		return
	}
	if verdict := e.guard.Validate(seed, candidate); !verdict.Approved {
		e.fail(key, loser, fmt.Sprintf("guardrail %s: %s", verdict.Reason, verdict.Detail))
		return
	}
	if candidate == losing.CurrentHTML {
		e.record("regeneration_noop", fmt.Sprintf("%s slot %s regenerated unchanged", key.ComponentID, loser))
		return
	}

	archive := store.HistoryEntry{
		HTML:      losing.CurrentHTML,
		Score:     losing.CurrentScore,
		Timestamp: time.Now().UTC(),
	}
	if err := e.store.ReplaceVariantHTML(ctx, key, loser, candidate, archive); err != nil {
		e.fail(key, loser, fmt.Sprintf("installing html: %v", err))
		return
	}

	e.record("regeneration_installed", fmt.Sprintf("%s slot %s replaced (retired score %.2f)", key.ComponentID, loser, archive.Score))
	log.Printf("[Regen] Installed new %s slot for %s/%s/%s (retired score %.2f)",
		loser, key.BusinessID, key.UserID, key.ComponentID, archive.Score)
}

func (e *Engine) fail(key store.VariantKey, loser, detail string) {
	e.record("regeneration_failed", fmt.Sprintf("%s slot %s: %s", key.ComponentID, loser, detail))
	log.Printf("[Regen] Regeneration failed for %s/%s/%s slot %s: %s",
		key.BusinessID, key.UserID, key.ComponentID, loser, detail)
}

func (e *Engine) record(stage, detail string) {
	if e.audit != nil {
		e.audit.Record(stage, detail)
	}
}

// originalSeed recovers the author's original markup: the first archived
// entry on either slot, or the current markup when nothing has been
// replaced yet (both slots still hold the seed then).
func originalSeed(rec *store.VariantRecord) string {
	for _, s := range []*store.VariantSlot{rec.Variants.A, rec.Variants.B} {
		if len(s.History) > 0 && s.History[0].HTML != "" {
			return s.History[0].HTML
		}
	}
	return rec.Variants.A.CurrentHTML
}
