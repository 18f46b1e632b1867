package ingestion

import (
	"FlashLever/internal/observability"
	"container/list"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DurableChecker is the cold-path lookup behind the LRU.
type DurableChecker interface {
	IsDuplicate(requestID uuid.UUID) (bool, error)
}

// Deduper implements two-tier deduplication of command request ids: an
// in-memory LRU on the hot path and an optional durable log behind it.
// Safe for concurrent use.
type Deduper struct {
	mu      sync.Mutex
	lru     *RequestLRU
	durable DurableChecker
	metrics *observability.Metrics

	tier2Errors int64
}

func NewDeduper(capacity int, durable DurableChecker, metrics *observability.Metrics) *Deduper {
	return &Deduper{
		lru:     NewRequestLRU(capacity),
		durable: durable,
		metrics: metrics,
	}
}

// IsDuplicate checks whether the request was already handled.
func (d *Deduper) IsDuplicate(kind CommandType, id uuid.UUID) bool {
	d.mu.Lock()
	hit := d.lru.Contains(id)
	d.mu.Unlock()
	if hit {
		d.recordDuplicate(kind, "lru")
		return true
	}
	if d.durable == nil {
		return false
	}

	start := time.Now()
	isDup, err := d.durable.IsDuplicate(id)
	if d.metrics != nil {
		d.metrics.DedupTier2Duration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		// A durable lookup failure must not block command processing.
		d.mu.Lock()
		d.tier2Errors++
		d.mu.Unlock()
		return false
	}
	if isDup {
		d.recordDuplicate(kind, "postgres")
		d.MarkProcessed(id)
		return true
	}
	return false
}

// MarkProcessed adds id to the LRU after the command was handled.
func (d *Deduper) MarkProcessed(id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	evicted := d.lru.Add(id)
	if d.metrics != nil {
		d.metrics.DedupLRUSize.Set(float64(d.lru.Size()))
		if evicted {
			d.metrics.DedupLRUEvictions.Inc()
		}
	}
}

// Warm preloads recently handled ids, newest first, e.g. from the command
// log at startup.
func (d *Deduper) Warm(ids []uuid.UUID) {
	for i := len(ids) - 1; i >= 0; i-- {
		d.MarkProcessed(ids[i])
	}
}

func (d *Deduper) Tier2Errors() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tier2Errors
}

func (d *Deduper) recordDuplicate(kind CommandType, tier string) {
	if d.metrics != nil {
		d.metrics.CommandDuplicates.WithLabelValues(string(kind), tier).Inc()
	}
}

// --- LRU Implementation ---

// RequestLRU is an LRU set of request ids. Not thread-safe.
type RequestLRU struct {
	capacity int
	cache    map[uuid.UUID]*list.Element
	order    *list.List

	evictions int64
}

func NewRequestLRU(capacity int) *RequestLRU {
	return &RequestLRU{
		capacity: capacity,
		cache:    make(map[uuid.UUID]*list.Element, capacity),
		order:    list.New(),
	}
}

// Contains checks if id exists (promotes to front)
func (l *RequestLRU) Contains(id uuid.UUID) bool {
	elem, ok := l.cache[id]
	if ok {
		l.order.MoveToFront(elem)
	}
	return ok
}

// Add inserts id, or promotes it if present, and reports whether the
// oldest entry was evicted to make room.
func (l *RequestLRU) Add(id uuid.UUID) bool {
	if elem, ok := l.cache[id]; ok {
		l.order.MoveToFront(elem)
		return false
	}
	l.cache[id] = l.order.PushFront(id)
	if l.order.Len() <= l.capacity {
		return false
	}
	oldest := l.order.Back()
	l.order.Remove(oldest)
	delete(l.cache, oldest.Value.(uuid.UUID))
	l.evictions++
	return true
}

func (l *RequestLRU) Size() int { return l.order.Len() }

func (l *RequestLRU) Evictions() int64 { return l.evictions }
