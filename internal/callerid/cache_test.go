package callerid

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flowpbx/callcard/internal/looper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeResolver answers from a fixed table. When gate is non-nil every lookup
// blocks until it is closed.
type fakeResolver struct {
	calls   atomic.Int32
	gate    chan struct{}
	lookups map[string]*Lookup
	err     error
}

func (f *fakeResolver) Lookup(ctx context.Context, number string) (*Lookup, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	lk, ok := f.lookups[number]
	if !ok {
		return nil, ErrResolutionUnavailable
	}
	return lk, nil
}

type signal struct {
	kind    string
	profile Profile
}

// recorder collects signals. It is only touched from the looper goroutine
// and from the test goroutine after a Flush.
type recorder struct {
	mu      sync.Mutex
	signals []signal
}

func (r *recorder) OnTextResolved(_ int, p Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, signal{kind: "text", profile: p})
}

func (r *recorder) OnPhotoResolved(_ int, p Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, signal{kind: "photo", profile: p})
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.signals))
	for _, s := range r.signals {
		out = append(out, s.kind)
	}
	return out
}

func (r *recorder) last() signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.signals[len(r.signals)-1]
}

func photoLoader(data string) func(context.Context) (*Photo, error) {
	return func(context.Context) (*Photo, error) {
		return &Photo{ContentType: "image/png", Data: []byte(data)}, nil
	}
}

func newTestCache(t *testing.T, res Resolver) (*Cache, *looper.Looper) {
	t.Helper()
	l := looper.New(testLogger())
	l.Start(context.Background())
	c := NewCache(res, l, DefaultCacheConfig(), testLogger())
	t.Cleanup(func() {
		c.Close()
		l.Stop()
	})
	return c, l
}

// waitFor flushes the looper until cond holds or the deadline passes.
func waitFor(t *testing.T, l *looper.Looper, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := l.Flush(ctx); err != nil {
			return false
		}
		return cond()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCache_ConcurrentResolveSingleLookup(t *testing.T) {
	res := &fakeResolver{
		gate: make(chan struct{}),
		lookups: map[string]*Lookup{
			"5551234": {Name: "Alice", LoadPhoto: photoLoader("png")},
		},
	}
	c, l := newTestCache(t, res)
	id := Identification{CallID: 7, Number: "5551234"}

	const n = 10
	recs := make([]*recorder, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		recs[i] = &recorder{}
		wg.Add(1)
		go func(r *recorder) {
			defer wg.Done()
			c.Resolve(id, true, r)
		}(recs[i])
	}
	wg.Wait()
	close(res.gate)

	for _, r := range recs {
		waitFor(t, l, func() bool { return len(r.kinds()) == 2 })
	}

	assert.EqualValues(t, 1, res.calls.Load(), "resolver must run once per call id")
	for _, r := range recs {
		assert.Equal(t, []string{"text", "photo"}, r.kinds())
		assert.Equal(t, "Alice", r.last().profile.Name)
	}

	stats := c.Stats()
	assert.EqualValues(t, 1, stats.Lookups)
	assert.EqualValues(t, n-1, stats.Joins)
}

func TestCache_TwoCallersShareCompletion(t *testing.T) {
	res := &fakeResolver{
		gate:    make(chan struct{}),
		lookups: map[string]*Lookup{"5551234": {Name: "Alice"}},
	}
	c, l := newTestCache(t, res)
	id := Identification{CallID: 7, Number: "5551234"}

	a, b := &recorder{}, &recorder{}
	c.Resolve(id, true, a)
	c.Resolve(id, true, b)
	close(res.gate)

	waitFor(t, l, func() bool { return len(a.kinds()) == 1 && len(b.kinds()) == 1 })

	assert.EqualValues(t, 1, res.calls.Load())
	assert.Equal(t, a.last().profile, b.last().profile)
	assert.Equal(t, "text", a.last().kind)
}

func TestCache_HitDoesNotLookupAgain(t *testing.T) {
	res := &fakeResolver{
		lookups: map[string]*Lookup{
			"100": {Name: "Bob", Location: "Oslo", LoadPhoto: photoLoader("jpg")},
		},
	}
	c, l := newTestCache(t, res)
	id := Identification{CallID: 1, Number: "100"}

	first := &recorder{}
	c.Resolve(id, true, first)
	waitFor(t, l, func() bool { return len(first.kinds()) == 2 })

	second := &recorder{}
	c.Resolve(id, true, second)
	waitFor(t, l, func() bool { return len(second.kinds()) == 2 })

	assert.EqualValues(t, 1, res.calls.Load())
	assert.Equal(t, []string{"text", "photo"}, second.kinds())
	assert.True(t, second.last().profile.HasPhoto())
	assert.Equal(t, "Oslo", second.last().profile.Location)
	assert.EqualValues(t, 1, c.Stats().Hits)
}

func TestCache_PhotoOnlyWhenRequested(t *testing.T) {
	res := &fakeResolver{
		lookups: map[string]*Lookup{"200": {Name: "Carol", LoadPhoto: photoLoader("gif")}},
	}
	c, l := newTestCache(t, res)
	id := Identification{CallID: 2, Number: "200"}

	textOnly := &recorder{}
	c.Resolve(id, false, textOnly)
	waitFor(t, l, func() bool { return len(textOnly.kinds()) == 1 })

	// Nobody asked for the photo yet, so it must not have been loaded.
	require.NoError(t, l.Flush(context.Background()))
	assert.Equal(t, []string{"text"}, textOnly.kinds())

	withPhoto := &recorder{}
	c.Resolve(id, true, withPhoto)
	waitFor(t, l, func() bool { return len(withPhoto.kinds()) == 2 })

	// Every subscriber gets every fired signal.
	waitFor(t, l, func() bool { return len(textOnly.kinds()) == 2 })
	assert.Equal(t, []string{"text", "photo"}, textOnly.kinds())
	assert.EqualValues(t, 1, res.calls.Load())
}

func TestCache_NoPhotoSignalWithoutPhoto(t *testing.T) {
	res := &fakeResolver{lookups: map[string]*Lookup{"300": {Name: "Dan"}}}
	c, l := newTestCache(t, res)

	r := &recorder{}
	c.Resolve(Identification{CallID: 3, Number: "300"}, true, r)
	waitFor(t, l, func() bool { return len(r.kinds()) == 1 })

	require.NoError(t, l.Flush(context.Background()))
	assert.Equal(t, []string{"text"}, r.kinds())
}

func TestCache_ResolverFailureGivesFallback(t *testing.T) {
	res := &fakeResolver{err: errors.New("directory offline")}
	c, l := newTestCache(t, res)

	r := &recorder{}
	c.Resolve(Identification{CallID: 4, Number: "5550000", ExistingLabel: "Mobile"}, true, r)
	waitFor(t, l, func() bool { return len(r.kinds()) == 1 })

	p := r.last().profile
	assert.Equal(t, "5550000", p.Number)
	assert.Empty(t, p.Name)
	assert.Empty(t, p.Location)
	assert.Equal(t, "Mobile", p.Label)
}

func TestCache_PresentedNameFillsMissingName(t *testing.T) {
	res := &fakeResolver{lookups: map[string]*Lookup{
		"5551234": {Name: "Alice"},
		"5550000": {Region: "NSW"},
	}}
	c, l := newTestCache(t, res)

	known := &recorder{}
	c.Resolve(Identification{CallID: 1, Number: "5551234", PresentedName: "A. Smith"}, false, known)
	unknown := &recorder{}
	c.Resolve(Identification{CallID: 2, Number: "5550000", PresentedName: "Bob"}, false, unknown)
	waitFor(t, l, func() bool { return len(known.kinds()) == 1 && len(unknown.kinds()) == 1 })

	assert.Equal(t, "Alice", known.last().profile.Name)

	p := unknown.last().profile
	assert.Equal(t, "Bob", p.Name)
	assert.Empty(t, p.Label)
	assert.Equal(t, "NSW", p.Region)
}

func TestCache_GoEndsWithClose(t *testing.T) {
	c, _ := newTestCache(t, &fakeResolver{})

	finished := make(chan struct{})
	require.True(t, c.Go(func(ctx context.Context) {
		<-ctx.Done()
		close(finished)
	}))

	c.Close()
	select {
	case <-finished:
	default:
		t.Fatal("Close returned before the task finished")
	}
	assert.False(t, c.Go(func(context.Context) { t.Error("task ran after Close") }))
}

func TestCache_NegativeCallIDIgnored(t *testing.T) {
	res := &fakeResolver{}
	c, l := newTestCache(t, res)

	r := &recorder{}
	c.Resolve(Identification{CallID: -1, Number: "1"}, true, r)
	require.NoError(t, l.Flush(context.Background()))

	assert.Empty(t, r.kinds())
	assert.EqualValues(t, 0, res.calls.Load())
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestCache_EvictStartsOver(t *testing.T) {
	res := &fakeResolver{lookups: map[string]*Lookup{"400": {Name: "Eve"}}}
	c, l := newTestCache(t, res)
	id := Identification{CallID: 5, Number: "400"}

	r := &recorder{}
	c.Resolve(id, false, r)
	waitFor(t, l, func() bool { return len(r.kinds()) == 1 })
	assert.Equal(t, 1, c.Stats().Entries)

	c.Evict(5)
	assert.Equal(t, 0, c.Stats().Entries)

	r2 := &recorder{}
	c.Resolve(id, false, r2)
	waitFor(t, l, func() bool { return len(r2.kinds()) == 1 })
	assert.EqualValues(t, 2, res.calls.Load())
}

func TestCache_AwaitStages(t *testing.T) {
	res := &fakeResolver{
		lookups: map[string]*Lookup{"500": {Name: "Frank", Label: "Work", LoadPhoto: photoLoader("img")}},
	}
	c, _ := newTestCache(t, res)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	r := c.Await(Identification{CallID: 6, Number: "500"}, true)
	text, ok, err := r.Text(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Frank", text.Name)
	assert.Equal(t, "Work", text.Label)
	assert.False(t, text.HasPhoto())

	photo, ok, err := r.Photo(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("img"), photo.Photo.Data)
}

func TestCache_AwaitPhotoOmitted(t *testing.T) {
	res := &fakeResolver{lookups: map[string]*Lookup{"600": {Name: "Gina"}}}
	c, _ := newTestCache(t, res)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	r := c.Await(Identification{CallID: 8, Number: "600"}, true)
	_, ok, err := r.Photo(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	text, ok, err := r.Text(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Gina", text.Name)
}
