package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/rs/zerolog"

	"PerpClient/internal/account"
	"PerpClient/internal/address"
	"PerpClient/internal/ledger"
	"PerpClient/internal/observability"
	"PerpClient/internal/protocol"
)

// Entry is a decoded snapshot of one program account.
type Entry struct {
	Ref       account.Ref
	Entity    account.Entity
	Slot      uint64
	FetchedAt time.Time
}

// SnapshotSink observes every snapshot fetched from the ledger.
type SnapshotSink interface {
	RecordSnapshot(ctx context.Context, e Entry, data []byte) error
}

// FetchError reports a failed ledger read. It unwraps to the cause, so
// errors.Is(err, protocol.ErrNotFound) and protocol.IsRetryable work.
type FetchError struct {
	Ref account.Ref
	Err error
}

func (e *FetchError) Error() string {
	if e.Ref.ID.IsZero() {
		return fmt.Sprintf("fetch %s collection: %v", e.Ref.Kind, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.Ref, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// generation is the invalidation state of a key when a fetch started.
type generation struct {
	key  uint64
	kind uint64
}

// Cache is a read-through cache of program accounts.
//
// A fetch that started before an invalidation of its key (or of its whole
// kind) never stores its result, so no entry is older than the last
// invalidation. Cached entities are shared; callers must not mutate them.
type Cache struct {
	client   ledger.Client
	registry address.Pubkey

	mu       sync.Mutex
	mem      *lru
	keyGen   map[string]uint64
	kindGen  map[account.Kind]uint64
	touched  map[account.Kind]uint64
	complete map[account.Kind][]account.Ref

	remote  Remote
	sink    SnapshotSink
	pool    *pond.WorkerPool
	metrics *observability.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

type config struct {
	capacity int
	workers  int
	remote   Remote
	sink     SnapshotSink
	metrics  *observability.Metrics
	logger   zerolog.Logger
	now      func() time.Time
}

type Option func(*config)

// WithCapacity bounds the number of in-memory entries.
func WithCapacity(n int) Option { return func(c *config) { c.capacity = n } }

// WithWorkers bounds the concurrency of Refresh.
func WithWorkers(n int) Option { return func(c *config) { c.workers = n } }

func WithRemote(r Remote) Option { return func(c *config) { c.remote = r } }

func WithSnapshotSink(s SnapshotSink) Option { return func(c *config) { c.sink = s } }

func WithMetrics(m *observability.Metrics) Option { return func(c *config) { c.metrics = m } }

func WithLogger(l zerolog.Logger) Option { return func(c *config) { c.logger = l } }

func WithClock(now func() time.Time) Option { return func(c *config) { c.now = now } }

// New returns a cache reading through client. Close releases its workers.
func New(client ledger.Client, deriver *address.Deriver, opts ...Option) (*Cache, error) {
	cfg := config{
		capacity: 10_000,
		workers:  8,
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	registry, err := deriver.Registry()
	if err != nil {
		return nil, fmt.Errorf("cache: derive registry: %w", err)
	}

	return &Cache{
		client:   client,
		registry: registry,
		mem:      newLRU(cfg.capacity),
		keyGen:   make(map[string]uint64),
		kindGen:  make(map[account.Kind]uint64),
		touched:  make(map[account.Kind]uint64),
		complete: make(map[account.Kind][]account.Ref),
		remote:   cfg.remote,
		sink:     cfg.sink,
		pool:     pond.New(cfg.workers, cfg.workers*16, pond.MinWorkers(1)),
		metrics:  cfg.metrics,
		logger:   cfg.logger,
		now:      cfg.now,
	}, nil
}

// Close stops the refresh workers.
func (c *Cache) Close() {
	c.pool.StopAndWait()
}

// RegistryID is the address of the registry singleton.
func (c *Cache) RegistryID() address.Pubkey { return c.registry }

// Len returns the number of in-memory entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mem.len()
}

// Get returns the entity, fetching it on a miss.
func (c *Cache) Get(ctx context.Context, kind account.Kind, id address.Pubkey) (Entry, error) {
	ref := account.Ref{Kind: kind, ID: id}
	key := ref.Key()

	c.mu.Lock()
	if e, ok := c.mem.get(key); ok {
		c.mu.Unlock()
		c.lookup(kind, "hit")
		return e, nil
	}
	gen := c.generationOf(ref)
	c.mu.Unlock()

	if e, ok := c.fromRemote(ctx, ref); ok {
		c.lookup(kind, "remote")
		c.storeIfCurrent(ref, gen, e)
		return e, nil
	}

	c.lookup(kind, "miss")
	e, data, err := c.fetch(ctx, ref)
	if err != nil {
		return Entry{}, err
	}
	stored := c.storeIfCurrent(ref, gen, e)
	c.publish(ctx, e, data, stored)
	return e, nil
}

// GetAll enumerates a collection. It is served from memory only when the
// whole collection was loaded and nothing of the kind was invalidated or
// evicted since.
func (c *Cache) GetAll(ctx context.Context, kind account.Kind) ([]Entry, error) {
	c.mu.Lock()
	if refs, ok := c.complete[kind]; ok {
		out := make([]Entry, 0, len(refs))
		for _, r := range refs {
			e, ok := c.mem.peek(r.Key())
			if !ok {
				break
			}
			out = append(out, e)
		}
		if len(out) == len(refs) {
			c.mu.Unlock()
			c.lookup(kind, "hit")
			return out, nil
		}
		delete(c.complete, kind)
	}
	touched := c.touched[kind]
	c.mu.Unlock()

	c.lookup(kind, "miss")
	start := c.now()
	raws, err := c.client.FetchAll(ctx, kind)
	c.observeFetch(kind, start)
	if err != nil {
		return nil, &FetchError{Ref: account.Ref{Kind: kind}, Err: err}
	}

	entries := make([]Entry, 0, len(raws))
	for _, raw := range raws {
		e, err := c.decode(account.Ref{Kind: kind, ID: raw.ID}, raw)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	c.mu.Lock()
	if c.touched[kind] == touched {
		refs := make([]account.Ref, len(entries))
		for i, e := range entries {
			refs[i] = e.Ref
			c.put(e)
		}
		if c.allPresent(refs) {
			c.complete[kind] = refs
		}
	} else {
		c.staleDiscard(kind)
	}
	c.mu.Unlock()

	for i, raw := range raws {
		c.publish(ctx, entries[i], raw.Data, false)
	}
	return entries, nil
}

// Exists reports whether the entity exists on the ledger right now. It
// never answers from memory.
func (c *Cache) Exists(ctx context.Context, kind account.Kind, id address.Pubkey) (bool, error) {
	ref := account.Ref{Kind: kind, ID: id}
	c.mu.Lock()
	gen := c.generationOf(ref)
	c.mu.Unlock()

	e, data, err := c.fetch(ctx, ref)
	if errors.Is(err, protocol.ErrNotFound) {
		c.mu.Lock()
		if c.generationOf(ref) == gen && c.mem.remove(ref.Key()) {
			delete(c.complete, kind)
		}
		c.mu.Unlock()
		return false, nil
	}
	if err != nil {
		return false, err
	}
	stored := c.storeIfCurrent(ref, gen, e)
	c.publish(ctx, e, data, stored)
	return true, nil
}

// Invalidate drops one entry from every tier.
func (c *Cache) Invalidate(kind account.Kind, id address.Pubkey) {
	ref := account.Ref{Kind: kind, ID: id}
	key := ref.Key()

	c.mu.Lock()
	c.keyGen[key]++
	c.touched[kind]++
	c.mem.remove(key)
	delete(c.complete, kind)
	c.mu.Unlock()

	c.countInvalidation(kind)
	c.dropRemote(key)
}

// InvalidateKind drops every entry of a collection.
func (c *Cache) InvalidateKind(kind account.Kind) {
	c.mu.Lock()
	c.kindGen[kind]++
	c.touched[kind]++
	var keys []string
	for key, elem := range c.mem.entries {
		if elem.Value.(*lruItem).entry.Ref.Kind == kind {
			keys = append(keys, key)
		}
	}
	for _, key := range keys {
		c.mem.remove(key)
	}
	delete(c.complete, kind)
	c.mu.Unlock()

	c.countInvalidation(kind)
	c.dropRemote(keys...)
}

// Refresh invalidates the entries and refetches them concurrently. Entities
// that no longer exist are simply dropped.
func (c *Cache) Refresh(ctx context.Context, refs ...account.Ref) error {
	for _, r := range refs {
		c.Invalidate(r.Kind, r.ID)
	}
	group, gctx := c.pool.GroupContext(ctx)
	for _, r := range refs {
		r := r
		group.Submit(func() error {
			_, err := c.Get(gctx, r.Kind, r.ID)
			if errors.Is(err, protocol.ErrNotFound) {
				return nil
			}
			return err
		})
	}
	return group.Wait()
}

// === internals ===

func (c *Cache) generationOf(ref account.Ref) generation {
	return generation{key: c.keyGen[ref.Key()], kind: c.kindGen[ref.Kind]}
}

func (c *Cache) fetch(ctx context.Context, ref account.Ref) (Entry, []byte, error) {
	start := c.now()
	raw, err := c.client.Fetch(ctx, ref.ID)
	c.observeFetch(ref.Kind, start)
	if err != nil {
		return Entry{}, nil, &FetchError{Ref: ref, Err: err}
	}
	e, err := c.decode(ref, raw)
	if err != nil {
		return Entry{}, nil, err
	}
	return e, raw.Data, nil
}

func (c *Cache) decode(ref account.Ref, raw *ledger.RawAccount) (Entry, error) {
	entity, err := account.Decode(ref.Kind, raw.Data)
	if err != nil {
		return Entry{}, &FetchError{Ref: ref, Err: err}
	}
	return Entry{Ref: ref, Entity: entity, Slot: raw.Slot, FetchedAt: c.now()}, nil
}

func (c *Cache) storeIfCurrent(ref account.Ref, gen generation, e Entry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generationOf(ref) != gen {
		c.staleDiscard(ref.Kind)
		return false
	}
	c.put(e)
	return true
}

// put must be called with mu held.
func (c *Cache) put(e Entry) {
	for _, ev := range c.mem.put(e.Ref.Key(), e) {
		delete(c.complete, ev.Ref.Kind)
		if c.metrics != nil {
			c.metrics.CacheEvictions.Inc()
		}
	}
	if c.metrics != nil {
		c.metrics.CacheEntries.Set(float64(c.mem.len()))
	}
}

func (c *Cache) allPresent(refs []account.Ref) bool {
	for _, r := range refs {
		if _, ok := c.mem.peek(r.Key()); !ok {
			return false
		}
	}
	return true
}

func (c *Cache) fromRemote(ctx context.Context, ref account.Ref) (Entry, bool) {
	if c.remote == nil {
		return Entry{}, false
	}
	data, ok, err := c.remote.Get(ctx, ref.Key())
	if err != nil {
		c.logger.Warn().Err(err).Str("ref", ref.String()).Msg("remote cache read failed")
		return Entry{}, false
	}
	if !ok {
		return Entry{}, false
	}
	entity, err := account.Decode(ref.Kind, data)
	if err != nil {
		c.logger.Warn().Err(err).Str("ref", ref.String()).Msg("remote cache entry undecodable")
		return Entry{}, false
	}
	return Entry{Ref: ref, Entity: entity, FetchedAt: c.now()}, true
}

// publish hands a fresh ledger read to the shared tier and the sink.
// Failures are logged; they never fail the read.
func (c *Cache) publish(ctx context.Context, e Entry, data []byte, shared bool) {
	if shared && c.remote != nil {
		if err := c.remote.Set(ctx, e.Ref.Key(), data); err != nil {
			c.logger.Warn().Err(err).Str("ref", e.Ref.String()).Msg("remote cache write failed")
		}
	}
	if c.sink != nil {
		if err := c.sink.RecordSnapshot(ctx, e, data); err != nil {
			c.logger.Warn().Err(err).Str("ref", e.Ref.String()).Msg("snapshot sink failed")
		}
	}
}

func (c *Cache) dropRemote(keys ...string) {
	if c.remote == nil || len(keys) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.remote.Del(ctx, keys...); err != nil {
		c.logger.Warn().Err(err).Strs("keys", keys).Msg("remote cache delete failed")
	}
}

func (c *Cache) lookup(kind account.Kind, result string) {
	if c.metrics != nil {
		c.metrics.CacheLookups.WithLabelValues(kind.String(), result).Inc()
	}
}

func (c *Cache) observeFetch(kind account.Kind, start time.Time) {
	if c.metrics != nil {
		c.metrics.CacheFetchDuration.WithLabelValues(kind.String()).Observe(c.now().Sub(start).Seconds())
	}
}

func (c *Cache) staleDiscard(kind account.Kind) {
	c.logger.Debug().Str("kind", kind.String()).Msg("discarded fetch raced by invalidation")
	if c.metrics != nil {
		c.metrics.CacheStaleDiscards.WithLabelValues(kind.String()).Inc()
	}
}

func (c *Cache) countInvalidation(kind account.Kind) {
	if c.metrics != nil {
		c.metrics.CacheInvalidations.WithLabelValues(kind.String(), "local").Inc()
	}
}
