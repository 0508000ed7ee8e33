package ingestion

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"VaultLedger/internal/observability"

	"github.com/rs/zerolog"
)

// KeyStore is the durable dedup tier: the operation log itself.
type KeyStore interface {
	IsDuplicate(ctx context.Context, operation, idempotencyKey string) (bool, error)
}

// Deduplicator implements two-tier command deduplication: a bounded LRU of
// recently applied keys in front of the persisted operation log.
type Deduplicator struct {
	mu    sync.Mutex
	lru   *KeyLRU
	store KeyStore

	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewDeduplicator(capacity int, store KeyStore, metrics *observability.Metrics, logger zerolog.Logger) *Deduplicator {
	return &Deduplicator{
		lru:     NewKeyLRU(capacity),
		store:   store,
		metrics: metrics,
		logger:  logger,
	}
}

func compositeKey(operation, key string) string {
	return fmt.Sprintf("%s:%s", operation, key)
}

// IsDuplicate reports whether the command was already applied. A store
// error is logged and treated as not-duplicate: the idempotency index on the
// operation log still rejects the second write.
func (d *Deduplicator) IsDuplicate(ctx context.Context, operation, key string) bool {
	ck := compositeKey(operation, key)

	d.mu.Lock()
	hit := d.lru.Contains(ck)
	d.mu.Unlock()
	if hit {
		d.recordDuplicate(operation, "lru")
		return true
	}

	if d.store == nil {
		return false
	}
	dup, err := d.store.IsDuplicate(ctx, operation, key)
	if err != nil {
		d.logger.Warn().Err(err).Str("operation", operation).Str("key", key).Msg("dedup store lookup failed")
		return false
	}
	if dup {
		d.recordDuplicate(operation, "postgres")
		d.MarkProcessed(operation, key)
	}
	return dup
}

// MarkProcessed records key after the vault applied the command.
func (d *Deduplicator) MarkProcessed(operation, key string) {
	d.mu.Lock()
	d.lru.Add(compositeKey(operation, key))
	size := d.lru.Size()
	d.mu.Unlock()
	if d.metrics != nil {
		d.metrics.DedupLRUSize.Set(float64(size))
	}
}

// Warm preloads composite keys, oldest first, e.g. from the tail of the
// operation log on startup.
func (d *Deduplicator) Warm(keys []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lru.WarmFromKeys(keys)
	if d.metrics != nil {
		d.metrics.DedupLRUSize.Set(float64(d.lru.Size()))
	}
}

func (d *Deduplicator) recordDuplicate(operation, tier string) {
	if d.metrics != nil {
		d.metrics.IdempotencyDuplicates.WithLabelValues(operation, tier).Inc()
	}
}

// --- LRU ---

// KeyLRU is a fixed-capacity set of keys with least-recently-used eviction.
// Not safe for concurrent use.
type KeyLRU struct {
	capacity int
	cache    map[string]*list.Element
	order    *list.List

	evictions int64
}

func NewKeyLRU(capacity int) *KeyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &KeyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (l *KeyLRU) Contains(key string) bool {
	elem, ok := l.cache[key]
	if ok {
		l.order.MoveToFront(elem)
	}
	return ok
}

// Add inserts a key (or promotes if exists)
func (l *KeyLRU) Add(key string) {
	if elem, ok := l.cache[key]; ok {
		l.order.MoveToFront(elem)
		return
	}
	l.cache[key] = l.order.PushFront(key)
	if l.order.Len() > l.capacity {
		l.evictOldest()
	}
}

func (l *KeyLRU) evictOldest() {
	elem := l.order.Back()
	if elem == nil {
		return
	}
	l.order.Remove(elem)
	delete(l.cache, elem.Value.(string))
	l.evictions++
}

// WarmFromKeys loads keys without promoting ones already present.
func (l *KeyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		if _, ok := l.cache[key]; ok {
			continue
		}
		l.cache[key] = l.order.PushFront(key)
		if l.order.Len() > l.capacity {
			l.evictOldest()
		}
	}
}

func (l *KeyLRU) Size() int {
	return l.order.Len()
}

func (l *KeyLRU) Evictions() int64 {
	return l.evictions
}
