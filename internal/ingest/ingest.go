// Package ingest is the behavioral event pipeline: it validates incoming
// batches, coalesces the high-frequency stream, throttles per session,
// charges the tenant quota and hands accepted events to a background
// writer pool.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/morphlab/adapt/internal/behavior"
	"github.com/morphlab/adapt/internal/config"
	"github.com/morphlab/adapt/internal/ratelimit"
	"github.com/morphlab/adapt/internal/store"
)

// Per-event outcomes reported in a batch response.
const (
	StatusAccepted  = "accepted"
	StatusCoalesced = "coalesced"
	StatusDropped   = "dropped"
	StatusRejected  = "rejected"
)

// Rejection and drop reasons.
const (
	ReasonUnknownEvent   = "unknown_event_name"
	ReasonMissingUser    = "missing_user_id"
	ReasonMissingSession = "missing_session_id"
	ReasonRateLimited    = "session_rate_limited"
	ReasonBackpressure   = "queue_backpressure"
)

const (
	insertBatchMax = 25
	flushLinger    = 50 * time.Millisecond
	flushTimeout   = 10 * time.Second
)

// Result is the outcome for one event, positionally matched to the
// submitted batch.
type Result struct {
	Index  int    `json:"index"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// BatchResult summarizes what happened to a submitted batch.
type BatchResult struct {
	Accepted  int      `json:"accepted"`
	Dropped   int      `json:"dropped"`
	Coalesced int      `json:"coalesced"`
	Results   []Result `json:"results"`
}

// Ingestor validates and admits behavioral events, then persists them
// asynchronously through a worker pool.
type Ingestor struct {
	store    store.Store
	coal     *ratelimit.Coalescer
	sessions *ratelimit.Limiter
	cfg      config.IngestConfig

	queue chan *store.Event

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	totalStored    int64
	totalFailed    int64
	totalDropped   int64
	totalCoalesced int64
}

// New creates an Ingestor. rdb may be nil, in which case coalescing and
// session throttling run on process-local state.
func New(st store.Store, rdb *redis.Client, cfg config.IngestConfig) *Ingestor {
	return &Ingestor{
		store:    st,
		coal:     ratelimit.NewCoalescer(rdb),
		sessions: ratelimit.NewLimiter(rdb, "sess", float64(cfg.SessionRatePerS), cfg.SessionBurst),
		cfg:      cfg,
		queue:    make(chan *store.Event, cfg.QueueDepth),
	}
}

// Start launches the writer pool.
func (i *Ingestor) Start() error {
	i.mu.Lock()
	if i.running {
		i.mu.Unlock()
		return fmt.Errorf("ingestor already running")
	}
	i.running = true
	i.ctx, i.cancel = context.WithCancel(context.Background())
	i.mu.Unlock()

	log.Printf("[Ingest] Starting %d workers (queue_depth=%d, watermark=%d)",
		i.cfg.Workers, i.cfg.QueueDepth, i.cfg.Watermark)

	for n := 0; n < i.cfg.Workers; n++ {
		i.wg.Add(1)
		go i.worker(n)
	}
	return nil
}

// Stop drains the queue and waits for the workers to finish.
func (i *Ingestor) Stop() {
	i.mu.Lock()
	if !i.running {
		i.mu.Unlock()
		return
	}
	i.running = false
	i.cancel()
	i.mu.Unlock()

	log.Println("[Ingest] Stopping workers...")
	i.wg.Wait()

	log.Printf("[Ingest] Stopped. Stored: %d, failed: %d, dropped: %d, coalesced: %d",
		atomic.LoadInt64(&i.totalStored),
		atomic.LoadInt64(&i.totalFailed),
		atomic.LoadInt64(&i.totalDropped),
		atomic.LoadInt64(&i.totalCoalesced))
}

// Stats returns pipeline counters for the dashboard.
func (i *Ingestor) Stats() map[string]int64 {
	return map[string]int64{
		"events_stored":    atomic.LoadInt64(&i.totalStored),
		"events_failed":    atomic.LoadInt64(&i.totalFailed),
		"events_dropped":   atomic.LoadInt64(&i.totalDropped),
		"events_coalesced": atomic.LoadInt64(&i.totalCoalesced),
		"queue_depth":      int64(len(i.queue)),
	}
}

type candidate struct {
	idx      int
	ev       *store.Event
	absorbed int
}

// Submit runs a batch through validation, coalescing, throttling and the
// monthly quota, then enqueues what survives. Each submitted event gets a
// positional Result; the returned error is reserved for quota and storage
// failures, which fail the batch as a whole.
func (i *Ingestor) Submit(ctx context.Context, biz *store.Business, events []*store.Event, now time.Time) (*BatchResult, error) {
	res := &BatchResult{Results: make([]Result, len(events))}
	if len(events) == 0 {
		return res, nil
	}

	var cands []candidate
	for idx, ev := range events {
		res.Results[idx] = Result{Index: idx}
		switch {
		case ev == nil || ev.EventName == "" || !behavior.KnownEvents[ev.EventName]:
			res.Results[idx].Status = StatusRejected
			res.Results[idx].Reason = ReasonUnknownEvent
		case ev.UserID == "":
			res.Results[idx].Status = StatusRejected
			res.Results[idx].Reason = ReasonMissingUser
		case ev.SessionID == "":
			res.Results[idx].Status = StatusRejected
			res.Results[idx].Reason = ReasonMissingSession
		default:
			ev.BusinessID = biz.BusinessID
			if ev.Timestamp.IsZero() {
				ev.Timestamp = now
			}
			cands = append(cands, candidate{idx: idx, ev: ev})
		}
	}

	// Client timestamp order so coalescing windows line up.
	sort.SliceStable(cands, func(a, b int) bool {
		return cands[a].ev.Timestamp.Before(cands[b].ev.Timestamp)
	})

	admitted := i.coalesce(ctx, cands, res)

	// When the queue is already deep, shed the throttleable class before
	// anything is charged or persisted.
	depth := len(i.queue)
	var toStore []*candidate
	for _, c := range admitted {
		if depth >= i.cfg.Watermark && behavior.IsHighFrequency(c.ev.EventName) {
			i.drop(res, c.idx, ReasonBackpressure)
			continue
		}
		toStore = append(toStore, c)
	}

	// All-or-nothing quota charge for the events about to persist.
	if len(toStore) > 0 {
		if _, err := i.store.ConsumeQuota(ctx, biz.BusinessID, int64(len(toStore)), store.MonthKey(now)); err != nil {
			return nil, fmt.Errorf("charging event quota: %w", err)
		}
	}

	for _, c := range toStore {
		select {
		case i.queue <- c.ev:
			res.Results[c.idx].Status = StatusAccepted
			res.Accepted++
		default:
			i.drop(res, c.idx, ReasonBackpressure)
		}
	}
	return res, nil
}

// coalesce applies both coalescing layers and the per-session bucket to
// the validated candidates, marking merged and throttled entries on res.
func (i *Ingestor) coalesce(ctx context.Context, cands []candidate, res *BatchResult) []*candidate {
	// Layer one: within this batch, repeated high-frequency events inside
	// the interval merge into the first occurrence.
	heads := make(map[string]int)
	var kept []*candidate
	for n := range cands {
		c := &cands[n]
		interval := coalesceInterval(c.ev.EventName)
		if interval <= 0 {
			kept = append(kept, c)
			continue
		}
		key := streamKey(c.ev)
		if h, ok := heads[key]; ok {
			head := kept[h]
			if c.ev.Timestamp.Sub(head.ev.Timestamp) < interval {
				head.absorbed++
				i.merge(res, c.idx)
				continue
			}
		}
		heads[key] = len(kept)
		kept = append(kept, c)
	}

	// Layer two: the cross-request gate, then the session bucket. A head
	// the gate suppresses still hands its absorbed count forward, so
	// nothing silently vanishes between requests.
	var admitted []*candidate
	for _, c := range kept {
		interval := coalesceInterval(c.ev.EventName)
		if interval > 0 {
			ok, carried := i.coal.Admit(ctx, streamKey(c.ev), interval, c.absorbed, c.ev.Timestamp)
			if !ok {
				i.merge(res, c.idx)
				continue
			}
			if total := c.absorbed + carried; total > 0 {
				if c.ev.Properties == nil {
					c.ev.Properties = make(map[string]interface{})
				}
				c.ev.Properties["coalesced_count"] = total
			}
			if !i.sessions.Allow(ctx, ratelimit.SessionKey(c.ev.UserID, c.ev.SessionID)) {
				i.drop(res, c.idx, ReasonRateLimited)
				continue
			}
		}
		admitted = append(admitted, c)
	}
	return admitted
}

func (i *Ingestor) merge(res *BatchResult, idx int) {
	res.Results[idx].Status = StatusCoalesced
	res.Coalesced++
	atomic.AddInt64(&i.totalCoalesced, 1)
}

func (i *Ingestor) drop(res *BatchResult, idx int, reason string) {
	res.Results[idx].Status = StatusDropped
	res.Results[idx].Reason = reason
	res.Dropped++
	atomic.AddInt64(&i.totalDropped, 1)
}

func coalesceInterval(name string) time.Duration {
	return time.Duration(behavior.HighFrequency[name]) * time.Millisecond
}

func streamKey(ev *store.Event) string {
	return ev.BusinessID + ":" + ev.UserID + ":" + ev.SessionID + ":" + ev.EventName
}

// worker pulls events off the queue, micro-batching writes.
func (i *Ingestor) worker(n int) {
	defer i.wg.Done()
	for {
		select {
		case <-i.ctx.Done():
			i.drain(n)
			return
		case ev := <-i.queue:
			i.flush(n, i.collect(ev))
		}
	}
}

// collect gathers up to insertBatchMax events, waiting flushLinger for
// stragglers after the first.
func (i *Ingestor) collect(first *store.Event) []*store.Event {
	batch := append(make([]*store.Event, 0, insertBatchMax), first)
	timeout := time.After(flushLinger)
	for len(batch) < insertBatchMax {
		select {
		case ev := <-i.queue:
			batch = append(batch, ev)
		case <-timeout:
			return batch
		case <-i.ctx.Done():
			return batch
		}
	}
	return batch
}

// drain empties whatever is buffered at shutdown.
func (i *Ingestor) drain(n int) {
	batch := make([]*store.Event, 0, insertBatchMax)
	for {
		select {
		case ev := <-i.queue:
			batch = append(batch, ev)
			if len(batch) == insertBatchMax {
				i.flush(n, batch)
				batch = make([]*store.Event, 0, insertBatchMax)
			}
		default:
			i.flush(n, batch)
			return
		}
	}
}

func (i *Ingestor) flush(workerNum int, batch []*store.Event) {
	if len(batch) == 0 {
		return
	}
	// Fresh deadline so an in-flight flush survives Stop.
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	if _, err := i.store.InsertEvents(ctx, batch); err != nil {
		atomic.AddInt64(&i.totalFailed, int64(len(batch)))
		log.Printf("[Ingest] Worker %d failed to persist %d events: %v", workerNum, len(batch), err)
		return
	}
	atomic.AddInt64(&i.totalStored, int64(len(batch)))
	i.touchSessions(ctx, batch)
}

// touchSessions appends event names to each user's live session history.
// Best effort: the event log is authoritative, the session copy is a
// convenience snapshot for identity refinement.
func (i *Ingestor) touchSessions(ctx context.Context, batch []*store.Event) {
	type sessionRef struct {
		biz, user, session string
	}
	grouped := make(map[sessionRef][]string)
	var order []sessionRef
	for _, ev := range batch {
		k := sessionRef{ev.BusinessID, ev.UserID, ev.SessionID}
		if _, ok := grouped[k]; !ok {
			order = append(order, k)
		}
		grouped[k] = append(grouped[k], ev.EventName)
	}
	for _, k := range order {
		u, err := i.store.GetUser(ctx, k.biz, k.user)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				log.Printf("[Ingest] Session touch skipped for %s/%s: %v", k.biz, k.user, err)
			}
			continue
		}
		if u.LastSession == nil || u.LastSession.SessionID != k.session {
			continue
		}
		for _, name := range grouped[k] {
			u.LastSession.RecordEvent(name)
		}
		if err := i.store.SaveUser(ctx, u); err != nil {
			log.Printf("[Ingest] Session touch failed for %s/%s: %v", k.biz, k.user, err)
		}
	}
}
