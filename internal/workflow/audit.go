package workflow

import (
	"sync"
	"time"
)

// AuditEntry is one timestamped pipeline observation.
type AuditEntry struct {
	Stage     string    `json:"stage"`
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
}

const defaultRingSize = 512

// AuditRing keeps the most recent audit entries in memory for the
// recent-logs endpoint. Also the sink for regeneration entries.
type AuditRing struct {
	mu      sync.Mutex
	entries []AuditEntry
	next    int
	filled  bool
}

// NewAuditRing creates a ring holding up to capacity entries.
func NewAuditRing(capacity int) *AuditRing {
	if capacity <= 0 {
		capacity = defaultRingSize
	}
	return &AuditRing{entries: make([]AuditEntry, capacity)}
}

// Record adds one entry stamped now.
func (r *AuditRing) Record(stage, detail string) {
	r.push(AuditEntry{Stage: stage, Detail: detail, Timestamp: time.Now().UTC()})
}

// Append adds already-stamped entries in order.
func (r *AuditRing) Append(entries []AuditEntry) {
	for _, e := range entries {
		r.push(e)
	}
}

func (r *AuditRing) push(e AuditEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = e
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.filled = true
	}
}

// Recent returns up to n entries, newest first.
func (r *AuditRing) Recent(n int) []AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.next
	if r.filled {
		size = len(r.entries)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]AuditEntry, 0, n)
	for i := 0; i < n; i++ {
		idx := (r.next - 1 - i + len(r.entries)) % len(r.entries)
		out = append(out, r.entries[idx])
	}
	return out
}
