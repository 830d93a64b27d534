package callerid

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// CacheConfig bounds the work the cache hands to its resolver.
type CacheConfig struct {
	// Workers is the maximum number of lookups running at once.
	Workers int64

	// LookupTimeout caps each resolver call, text and photo stage separately.
	LookupTimeout time.Duration
}

// DefaultCacheConfig returns the limits used when the caller has no opinion.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Workers:       4,
		LookupTimeout: 5 * time.Second,
	}
}

// CacheStats is a point-in-time snapshot of cache activity.
type CacheStats struct {
	Entries int
	Lookups uint64
	Hits    uint64
	Joins   uint64
}

// entry tracks one call's resolution. All fields are guarded by Cache.mu.
type entry struct {
	id        Identification
	subs      []Callback
	wantPhoto bool

	profile  Profile
	loader   func(ctx context.Context) (*Photo, error)
	textDone bool

	photoStarted bool
	photoFired   bool
	settled      bool
}

// Cache maps call IDs to resolved profiles. Concurrent Resolve calls for the
// same call share a single resolver lookup, and every subscriber receives
// each fired signal exactly once on the delivery context.
type Cache struct {
	resolver Resolver
	poster   Poster
	cfg      CacheConfig
	sem      *semaphore.Weighted
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	entries map[int]*entry
	closed  bool

	lookups atomic.Uint64
	hits    atomic.Uint64
	joins   atomic.Uint64
}

// NewCache creates a resolution cache. The cache lives until Close.
func NewCache(resolver Resolver, poster Poster, cfg CacheConfig, logger *slog.Logger) *Cache {
	def := DefaultCacheConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = def.LookupTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		resolver: resolver,
		poster:   poster,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(cfg.Workers),
		logger:   logger.With("component", "callerid"),
		ctx:      ctx,
		cancel:   cancel,
		entries:  make(map[int]*entry),
	}
}

// Resolve requests the profile for id and returns immediately. cb is
// subscribed to the call's text and photo signals; anything already resolved
// is delivered right away without another lookup.
func (c *Cache) Resolve(id Identification, wantPhoto bool, cb Callback) {
	if id.CallID < 0 {
		c.logger.Warn("resolve with negative call id ignored", "call_id", id.CallID)
		return
	}
	if cb == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id.CallID]
	if !ok {
		e = &entry{
			id:        id,
			subs:      []Callback{cb},
			wantPhoto: wantPhoto,
		}
		c.entries[id.CallID] = e
		c.lookups.Add(1)
		c.logger.Debug("starting lookup", "call_id", id.CallID, "want_photo", wantPhoto)
		c.spawn(func() { c.lookupText(e) })
		return
	}

	e.subs = append(e.subs, cb)
	if !e.textDone {
		c.joins.Add(1)
	} else {
		c.hits.Add(1)
		c.deliverText(e, cb)
		if e.photoFired {
			c.deliverPhoto(e, cb)
		}
		if e.settled {
			c.deliverSettled(e, cb)
		}
	}

	if wantPhoto && !e.wantPhoto {
		e.wantPhoto = true
		if e.textDone && e.loader != nil && !e.photoStarted {
			e.photoStarted = true
			c.spawn(func() { c.lookupPhoto(e) })
		}
	}
}

// Evict drops the entry for callID. Lookups already running still deliver to
// the subscribers they have; a later Resolve starts over.
func (c *Cache) Evict(callID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[callID]; ok {
		delete(c.entries, callID)
		c.logger.Debug("cache entry evicted", "call_id", callID)
	}
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[int]*entry)
}

// Stats returns current counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	n := len(c.entries)
	c.mu.Unlock()
	return CacheStats{
		Entries: n,
		Lookups: c.lookups.Load(),
		Hits:    c.hits.Load(),
		Joins:   c.joins.Load(),
	}
}

// Close cancels running lookups and background tasks and waits for them to
// exit.
func (c *Cache) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.Clear()
}

// Go runs fn in the background with a context that is cancelled by Close,
// and Close waits for it to return. It reports false once the cache is
// closed, in which case fn does not run.
func (c *Cache) Go(fn func(ctx context.Context)) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		fn(c.ctx)
	}()
	return true
}

func (c *Cache) spawn(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.sem.Acquire(c.ctx, 1); err != nil {
			return
		}
		defer c.sem.Release(1)
		fn()
	}()
}

// lookupText runs the resolver and publishes the text stage.
func (c *Cache) lookupText(e *entry) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.LookupTimeout)
	defer cancel()

	id := e.id
	profile := fallbackProfile(id)
	var loader func(ctx context.Context) (*Photo, error)

	lk, err := c.resolver.Lookup(ctx, id.Number)
	switch {
	case err == nil && lk != nil:
		if lk.Name != "" {
			profile.Name = lk.Name
		}
		profile.Location = lk.Location
		profile.PersonRef = lk.PersonRef
		profile.Region = lk.Region
		profile.City = lk.City
		if lk.Label != "" {
			profile.Label = lk.Label
		}
		loader = lk.LoadPhoto
	case err == nil, errors.Is(err, ErrResolutionUnavailable):
		c.logger.Debug("no profile for caller", "call_id", id.CallID)
	default:
		c.logger.Warn("caller lookup failed, using fallback",
			"call_id", id.CallID,
			"error", err,
		)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e.profile = profile
	e.loader = loader
	e.textDone = true
	for _, cb := range e.subs {
		c.deliverText(e, cb)
	}

	if loader == nil {
		c.settle(e)
		return
	}
	if e.wantPhoto && !e.photoStarted {
		e.photoStarted = true
		c.spawn(func() { c.lookupPhoto(e) })
	}
}

// lookupPhoto runs the secondary photo step and publishes it if it produced
// an image.
func (c *Cache) lookupPhoto(e *entry) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.LookupTimeout)
	defer cancel()

	c.mu.Lock()
	loader := e.loader
	callID := e.id.CallID
	c.mu.Unlock()

	photo, err := loader(ctx)
	if err != nil {
		c.logger.Warn("photo lookup failed", "call_id", callID, "error", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil && photo != nil && len(photo.Data) > 0 {
		e.profile.Photo = photo
		e.photoFired = true
		for _, cb := range e.subs {
			c.deliverPhoto(e, cb)
		}
	}
	c.settle(e)
}

// settle marks that no further signal will be fired. Caller holds c.mu.
func (c *Cache) settle(e *entry) {
	e.settled = true
	for _, cb := range e.subs {
		c.deliverSettled(e, cb)
	}
}

// The deliver helpers are called with c.mu held; Post never blocks, and
// posting under the lock keeps per-call signal order on the delivery context.

func (c *Cache) deliverText(e *entry, cb Callback) {
	p := e.profile
	p.Photo = nil
	c.post(func() { cb.OnTextResolved(p.CallID, p) })
}

func (c *Cache) deliverPhoto(e *entry, cb Callback) {
	p := e.profile
	c.post(func() { cb.OnPhotoResolved(p.CallID, p) })
}

func (c *Cache) deliverSettled(e *entry, cb Callback) {
	s, ok := cb.(settler)
	if !ok {
		return
	}
	callID := e.id.CallID
	c.post(func() { s.settled(callID) })
}

func (c *Cache) post(fn func()) {
	if !c.poster.Post(fn) {
		c.logger.Debug("delivery context closed, signal dropped")
	}
}
