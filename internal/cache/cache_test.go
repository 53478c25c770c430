package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zsiec/av1scope/internal/partition"
	"github.com/zsiec/av1scope/internal/spatial"
)

func testValue(n int) *Value {
	cus := make([]partition.CodingUnit, n)
	for i := range cus {
		cus[i] = partition.CodingUnit{X: 4 * i, W: 4, H: 4}
	}
	return &Value{
		Result: &partition.Result{Width: 4 * n, Height: 4, CUs: cus},
		Index:  spatial.Build(4*n, 4, cus),
	}
}

func key(b byte) Fingerprint {
	return NewFingerprint([][]byte{{b}}, 0, nil, [32]byte{}, [32]byte{})
}

func TestFingerprint(t *testing.T) {
	t.Parallel()
	seq := [32]byte{1}
	table := [32]byte{2}
	hdr := []byte{1, 0, 4}
	base := NewFingerprint([][]byte{[]byte("ab"), []byte("c")}, 32, hdr, seq, table)

	variants := map[string]Fingerprint{
		"regrouped": NewFingerprint([][]byte{[]byte("a"), []byte("bc")}, 32, hdr, seq, table),
		"tile":      NewFingerprint([][]byte{[]byte("ab"), []byte("d")}, 32, hdr, seq, table),
		"qp":        NewFingerprint([][]byte{[]byte("ab"), []byte("c")}, 33, hdr, seq, table),
		"sequence":  NewFingerprint([][]byte{[]byte("ab"), []byte("c")}, 32, hdr, [32]byte{9}, table),
		"table":     NewFingerprint([][]byte{[]byte("ab"), []byte("c")}, 32, hdr, seq, [32]byte{9}),
		"header":    NewFingerprint([][]byte{[]byte("ab"), []byte("c")}, 32, []byte{1, 2, 4}, seq, table),
		"no header": NewFingerprint([][]byte{[]byte("ab"), []byte("c")}, 32, nil, seq, table),
	}
	for name, f := range variants {
		if f == base {
			t.Errorf("%s: fingerprint unchanged", name)
		}
	}
	if again := NewFingerprint([][]byte{[]byte("ab"), []byte("c")}, 32, hdr, seq, table); again != base {
		t.Error("fingerprint not deterministic")
	}
}

func TestGetHitAfterMiss(t *testing.T) {
	t.Parallel()
	c := New()
	var calls atomic.Int32
	decode := func(context.Context) (*Value, error) {
		calls.Add(1)
		return testValue(4), nil
	}

	v1, err := c.Get(context.Background(), key(1), decode)
	if err != nil {
		t.Fatal(err)
	}
	v2, err := c.Get(context.Background(), key(1), decode)
	if err != nil {
		t.Fatal(err)
	}
	if v1 != v2 || calls.Load() != 1 {
		t.Errorf("second Get decoded again: calls=%d", calls.Load())
	}
	s := c.Stats()
	if s.Hits != 1 || s.Misses != 1 || s.Decodes != 1 || s.Entries != 1 || s.Bytes <= 0 {
		t.Errorf("stats: %+v", s)
	}
}

func TestConcurrentGetSingleDecode(t *testing.T) {
	t.Parallel()
	c := New()
	release := make(chan struct{})
	var calls atomic.Int32
	decode := func(context.Context) (*Value, error) {
		calls.Add(1)
		<-release
		return testValue(8), nil
	}

	const n = 16
	var wg sync.WaitGroup
	results := make([]*Value, n)
	started := make(chan struct{}, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started <- struct{}{}
			v, err := c.Get(context.Background(), key(2), decode)
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = v
		}()
	}
	for range n {
		<-started
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("decode ran %d times, want 1", calls.Load())
	}
	for i, v := range results {
		if v != results[0] {
			t.Errorf("result %d differs", i)
		}
	}
}

func TestCancelledCallerDoesNotCancelDecode(t *testing.T) {
	t.Parallel()
	c := New()
	release := make(chan struct{})
	done := make(chan struct{})
	decode := func(ctx context.Context) (*Value, error) {
		defer close(done)
		<-release
		if ctx.Err() != nil {
			t.Error("decode context was cancelled")
		}
		return testValue(2), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx, key(3), decode)
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	err := <-errCh
	var ce *CacheError
	if !errors.As(err, &ce) || !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want CacheError wrapping context.Canceled", err)
	}

	close(release)
	<-done
	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := c.Lookup(key(3)); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("abandoned decode did not populate the cache")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestEviction(t *testing.T) {
	t.Parallel()
	c := New(WithMaxEntries(2))
	ctx := context.Background()
	first, _ := c.Get(ctx, key(1), func(context.Context) (*Value, error) { return testValue(3), nil })
	c.Get(ctx, key(2), func(context.Context) (*Value, error) { return testValue(3), nil })
	c.Lookup(key(1))
	c.Get(ctx, key(3), func(context.Context) (*Value, error) { return testValue(3), nil })

	if _, ok := c.Lookup(key(2)); ok {
		t.Error("least recently used entry survived")
	}
	if _, ok := c.Lookup(key(1)); !ok {
		t.Error("recently used entry evicted")
	}
	if s := c.Stats(); s.Evictions != 1 || s.Entries != 2 {
		t.Errorf("stats: %+v", s)
	}
	// Values handed out stay intact.
	if len(first.Result.CUs) != 3 {
		t.Error("returned value changed")
	}
}

func TestByteBudget(t *testing.T) {
	t.Parallel()
	small := testValue(1).SizeBytes()
	c := New(WithMaxBytes(2*small + small/2))
	ctx := context.Background()
	for i := range 3 {
		c.Get(ctx, key(byte(i)), func(context.Context) (*Value, error) { return testValue(1), nil })
	}
	if s := c.Stats(); s.Entries != 2 || s.Bytes > 2*small+small/2 {
		t.Errorf("stats: %+v", s)
	}

	big, err := c.Get(ctx, key(9), func(context.Context) (*Value, error) { return testValue(100), nil })
	if err != nil || big == nil {
		t.Fatalf("oversized value not returned: %v", err)
	}
	if _, ok := c.Lookup(key(9)); ok {
		t.Error("oversized value was stored")
	}
}

func TestDecodeFailures(t *testing.T) {
	t.Parallel()
	c := New()
	ctx := context.Background()
	boom := errors.New("read failed")

	if _, err := c.Get(ctx, key(1), func(context.Context) (*Value, error) { return nil, boom }); !errors.Is(err, boom) {
		t.Errorf("got %v", err)
	}
	if _, ok := c.Lookup(key(1)); ok {
		t.Error("hard failure was cached")
	}

	_, err := c.Get(ctx, key(2), func(context.Context) (*Value, error) { panic("bad") })
	var ce *CacheError
	if !errors.As(err, &ce) || !errors.Is(err, ErrDecodePanic) {
		t.Errorf("got %v", err)
	}

	partial := testValue(1)
	partial.DecodeErr = partition.ErrTrailingData
	v, err := c.Get(ctx, key(3), func(context.Context) (*Value, error) { return partial, nil })
	if err != nil || !errors.Is(v.DecodeErr, partition.ErrTrailingData) {
		t.Errorf("partial value: %v %v", v, err)
	}
}
