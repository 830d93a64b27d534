package callerid

import (
	"context"
	"sync"
)

// stage is a single-assignment value.
type stage struct {
	once    sync.Once
	done    chan struct{}
	profile Profile
	ok      bool
}

func newStage() *stage {
	return &stage{done: make(chan struct{})}
}

func (s *stage) resolve(p Profile, ok bool) {
	s.once.Do(func() {
		s.profile = p
		s.ok = ok
		close(s.done)
	})
}

func (s *stage) wait(ctx context.Context) (Profile, bool, error) {
	select {
	case <-s.done:
		return s.profile, s.ok, nil
	case <-ctx.Done():
		return Profile{}, false, ctx.Err()
	}
}

// Result is a two-stage future over a cache resolution. Text always
// completes before Photo.
type Result struct {
	callID int
	text   *stage
	photo  *stage
}

// Await subscribes to id like Resolve and returns the signals as a Result
// instead of callbacks. With wantPhoto false the photo stage completes
// immediately as omitted.
func (c *Cache) Await(id Identification, wantPhoto bool) *Result {
	r := &Result{
		callID: id.CallID,
		text:   newStage(),
		photo:  newStage(),
	}
	if !wantPhoto {
		r.photo.resolve(Profile{}, false)
	}
	if id.CallID < 0 {
		r.text.resolve(Profile{}, false)
		r.photo.resolve(Profile{}, false)
	}
	c.Resolve(id, wantPhoto, r)
	return r
}

// CallID returns the call the result belongs to.
func (r *Result) CallID() int { return r.callID }

// Text waits for the text stage. ok is false only when the call ID was
// rejected.
func (r *Result) Text(ctx context.Context) (Profile, bool, error) {
	return r.text.wait(ctx)
}

// Photo waits for the photo stage. ok is false when no photo was produced
// or none was requested.
func (r *Result) Photo(ctx context.Context) (Profile, bool, error) {
	return r.photo.wait(ctx)
}

func (r *Result) OnTextResolved(_ int, p Profile) {
	r.text.resolve(p, true)
}

func (r *Result) OnPhotoResolved(_ int, p Profile) {
	r.photo.resolve(p, true)
}

func (r *Result) settled(int) {
	r.text.resolve(Profile{}, false)
	r.photo.resolve(Profile{}, false)
}
