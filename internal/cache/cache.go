// Package cache memoizes decoded coding units by content fingerprint so
// interactive overlay queries do not re-parse tile data.
//
// At most one decode runs per fingerprint. The decode runs on a context
// detached from the caller that started it: a caller that gives up returns
// early, while the decode finishes and populates the cache for everyone
// else waiting on it.
package cache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sync/singleflight"

	"github.com/zsiec/av1scope/internal/partition"
	"github.com/zsiec/av1scope/internal/spatial"
)

// Default budgets.
const (
	DefaultMaxBytes   = 256 << 20
	DefaultMaxEntries = 4096
)

// ErrDecodePanic is wrapped in a CacheError when a decode function panics.
var ErrDecodePanic = errors.New("cache: decode panicked")

// Fingerprint identifies a decode input.
type Fingerprint [32]byte

func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:8])
}

// NewFingerprint hashes everything a frame's CU decode depends on: its tile
// group payloads, base quantizer index, the frame header fields the decode
// reads (see partition.AppendDecodeContext), sequence header identity and
// syntax table identity.
func NewFingerprint(tileGroups [][]byte, baseQIdx int, header []byte, sequence, table [32]byte) Fingerprint {
	h := sha256.New()
	var n [8]byte
	for _, g := range tileGroups {
		binary.LittleEndian.PutUint64(n[:], uint64(len(g)))
		h.Write(n[:])
		h.Write(g)
	}
	binary.LittleEndian.PutUint64(n[:], uint64(baseQIdx))
	h.Write(n[:])
	binary.LittleEndian.PutUint64(n[:], uint64(len(header)))
	h.Write(n[:])
	h.Write(header)
	h.Write(sequence[:])
	h.Write(table[:])
	var f Fingerprint
	h.Sum(f[:0])
	return f
}

// Value is a decoded frame: its CUs (possibly partial) and the spatial
// index over them. DecodeErr records why a decode stopped early; it is part
// of the value because the same input always fails the same way. Values are
// immutable and stay valid after eviction.
type Value struct {
	Result    *partition.Result
	Index     *spatial.Index
	DecodeErr error
}

// SizeBytes estimates the memory the value holds.
func (v *Value) SizeBytes() int {
	n := int(unsafe.Sizeof(*v))
	if v.Result != nil {
		n += len(v.Result.CUs) * int(unsafe.Sizeof(partition.CodingUnit{}))
		n += len(v.Result.Tiles) * int(unsafe.Sizeof(partition.TileSpan{}))
		for i := range v.Result.CUs {
			n += len(v.Result.CUs[i].MVs) * int(unsafe.Sizeof(partition.MV{}))
		}
	}
	if v.Index != nil {
		n += v.Index.SizeBytes()
	}
	return n
}

// CacheError is returned when a lookup fails for a reason other than the
// decode's own outcome.
type CacheError struct {
	Fingerprint Fingerprint
	Err         error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("cache %s: %v", e.Fingerprint, e.Err)
}

func (e *CacheError) Unwrap() error {
	return e.Err
}

// DecodeFunc produces the value for a fingerprint. A returned error is a
// hard failure and is not cached; partial results belong in
// Value.DecodeErr.
type DecodeFunc func(ctx context.Context) (*Value, error)

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Decodes   int64 `json:"decodes"`
	Shared    int64 `json:"shared"`
	Evictions int64 `json:"evictions"`
	Entries   int   `json:"entries"`
	Bytes     int   `json:"bytes"`
}

// Cache is an LRU of decoded frames bounded by bytes and entries.
type Cache struct {
	log        *slog.Logger
	maxBytes   int
	maxEntries int

	mu    sync.Mutex
	lru   *list.List
	items map[Fingerprint]*list.Element
	bytes int

	flight singleflight.Group

	hits      atomic.Int64
	misses    atomic.Int64
	decodes   atomic.Int64
	shared    atomic.Int64
	evictions atomic.Int64
}

type entry struct {
	key  Fingerprint
	val  *Value
	size int
}

// Option configures a Cache.
type Option func(*Cache)

// WithMaxBytes bounds the estimated size of all cached values.
func WithMaxBytes(n int) Option {
	return func(c *Cache) { c.maxBytes = n }
}

// WithMaxEntries bounds the number of cached values.
func WithMaxEntries(n int) Option {
	return func(c *Cache) { c.maxEntries = n }
}

// WithLogger sets the logger. If log is nil, slog.Default() is used.
func WithLogger(log *slog.Logger) Option {
	return func(c *Cache) {
		if log != nil {
			c.log = log
		}
	}
}

// New returns an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		log:        slog.Default(),
		maxBytes:   DefaultMaxBytes,
		maxEntries: DefaultMaxEntries,
		lru:        list.New(),
		items:      make(map[Fingerprint]*list.Element),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With("component", "parse-cache")
	return c
}

// Lookup returns the cached value for key without decoding.
func (c *Cache) Lookup(key Fingerprint) (*Value, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.lru.MoveToFront(el)
	return el.Value.(*entry).val, true
}

// Get returns the value for key, decoding it with decode on a miss.
// Concurrent callers with the same key share one decode. If ctx ends first
// Get returns a CacheError wrapping ctx.Err() and the decode carries on.
func (c *Cache) Get(ctx context.Context, key Fingerprint, decode DecodeFunc) (*Value, error) {
	if v, ok := c.Lookup(key); ok {
		c.hits.Add(1)
		return v, nil
	}
	c.misses.Add(1)

	detached := context.WithoutCancel(ctx)
	ch := c.flight.DoChan(string(key[:]), func() (any, error) {
		// A caller that missed may arrive after the previous flight stored
		// the value.
		if v, ok := c.Lookup(key); ok {
			return v, nil
		}
		return c.run(detached, key, decode)
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.shared.Add(1)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Value), nil
	case <-ctx.Done():
		return nil, &CacheError{Fingerprint: key, Err: ctx.Err()}
	}
}

func (c *Cache) run(ctx context.Context, key Fingerprint, decode DecodeFunc) (v *Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("decode panicked", "fingerprint", key, "panic", r)
			v, err = nil, &CacheError{Fingerprint: key, Err: fmt.Errorf("%w: %v", ErrDecodePanic, r)}
		}
	}()

	c.decodes.Add(1)
	v, err = decode(ctx)
	if err != nil {
		return nil, err
	}
	c.add(key, v)
	return v, nil
}

func (c *Cache) add(key Fingerprint, v *Value) {
	size := v.SizeBytes()
	c.mu.Lock()
	defer c.mu.Unlock()

	if size > c.maxBytes {
		c.log.Debug("value exceeds cache budget, not stored", "fingerprint", key, "bytes", size)
		return
	}
	if el, ok := c.items[key]; ok {
		c.lru.MoveToFront(el)
		return
	}
	c.items[key] = c.lru.PushFront(&entry{key: key, val: v, size: size})
	c.bytes += size

	for c.bytes > c.maxBytes || c.lru.Len() > c.maxEntries {
		el := c.lru.Back()
		e := el.Value.(*entry)
		c.lru.Remove(el)
		delete(c.items, e.key)
		c.bytes -= e.size
		c.evictions.Add(1)
		c.log.Debug("evicted", "fingerprint", e.key, "bytes", e.size)
	}
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	entries, bytes := c.lru.Len(), c.bytes
	c.mu.Unlock()
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Decodes:   c.decodes.Load(),
		Shared:    c.shared.Load(),
		Evictions: c.evictions.Load(),
		Entries:   entries,
		Bytes:     bytes,
	}
}
