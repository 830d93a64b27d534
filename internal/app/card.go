// Package app wires call-control events to the incoming call card. It owns
// the presenter for the call on screen and serializes everything that
// touches it onto the delivery context.
package app

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sync"

	"github.com/flowpbx/callcard/internal/api"
	"github.com/flowpbx/callcard/internal/callerid"
	"github.com/flowpbx/callcard/internal/incall"
)

// ErrStopped is returned once the delivery context no longer accepts work.
var ErrStopped = errors.New("app: card stopped")

// Card outcomes reported through ActionCounts.
const (
	OutcomeAnswered = "answered"
	OutcomeRejected = "rejected"
	OutcomeEnded    = "ended"
	OutcomeReplaced = "replaced"
)

// Poster schedules work on the delivery context.
type Poster interface {
	Post(fn func()) bool
}

// ProfileCache is the caller ID cache as the card uses it. Its task
// runner carries the contact-viewed writes so they end with the cache.
type ProfileCache interface {
	incall.ProfileSource
	incall.TaskRunner
	Evict(callID int)
}

// Deps are the collaborators of a Card. Viewed is optional.
type Deps struct {
	Calls    incall.CallList
	Actions  incall.CallActions
	Profiles ProfileCache
	Notifier incall.StateNotifier
	Viewed   incall.ContactViewRecorder
	Location incall.LocationPolicy
	Loop     Poster
	Logger   *slog.Logger
}

// Card shows one incoming call card at a time. The newest ringing call
// wins; a card it replaces is closed as replaced. Card implements
// sip.CallHandler and api.CardService.
type Card struct {
	deps   Deps
	logger *slog.Logger

	// Owned by the delivery context.
	presenter *incall.Presenter
	view      *api.CardView

	mu       sync.Mutex
	outcomes map[string]uint64
}

// New creates a card controller.
func New(deps Deps) *Card {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Card{
		deps:     deps,
		logger:   deps.Logger.With("component", "card"),
		outcomes: make(map[string]uint64),
	}
}

// OnIncomingCall queues showing a card for id.
func (c *Card) OnIncomingCall(id callerid.Identification) {
	if !c.deps.Loop.Post(func() { c.show(id) }) {
		c.logger.Warn("incoming call dropped, card stopped", "call_id", id.CallID)
	}
}

// OnCallEnded queues closing the card for callID if it is on screen.
func (c *Card) OnCallEnded(callID int) {
	if !c.deps.Loop.Post(func() { c.end(callID) }) {
		c.logger.Debug("call end dropped, card stopped", "call_id", callID)
	}
}

// show replaces the card on screen with one for id. Stale offers, where id
// is no longer the newest ringing call, are skipped.
func (c *Card) show(id callerid.Identification) {
	cur, ok := c.deps.Calls.IncomingCall()
	if !ok || cur.CallID != id.CallID {
		c.logger.Debug("stale incoming call skipped", "call_id", id.CallID)
		return
	}

	if p := c.presenter; p != nil && !p.Terminal() {
		if p.CallID() == id.CallID {
			return
		}
		p.OnCallEnded(p.CallID())
		c.count(OutcomeReplaced)
	}

	c.deps.Notifier.NotifyTransition(incall.StateIncoming)

	view := api.NewCardView(id.CallID)
	p := incall.NewPresenter(incall.Deps{
		Calls:    c.deps.Calls,
		Profiles: c.deps.Profiles,
		Actions:  c.deps.Actions,
		Notifier: c.deps.Notifier,
		Viewed:   c.deps.Viewed,
		Tasks:    c.deps.Profiles,
		Location: c.deps.Location,
		Logger:   c.deps.Logger,
	}, view)
	c.presenter = p
	c.view = view

	if err := p.Start(context.Background()); err != nil {
		c.logger.Warn("card start failed", "call_id", id.CallID, "error", err)
		c.idle()
	}
}

// end closes the card for a call that went away and shows the next ringing
// call, if any.
func (c *Card) end(callID int) {
	c.deps.Profiles.Evict(callID)

	p := c.presenter
	if p == nil || p.CallID() != callID || p.Terminal() {
		return
	}
	p.OnCallEnded(callID)
	c.count(OutcomeEnded)

	if next, ok := c.deps.Calls.IncomingCall(); ok {
		c.show(next)
		return
	}
	c.idle()
}

// idle broadcasts that nothing is ringing.
func (c *Card) idle() {
	if _, ok := c.deps.Calls.IncomingCall(); ok {
		return
	}
	c.deps.Notifier.NotifyTransition(incall.StateNoCalls)
}

// Current returns the slots of the card on screen.
func (c *Card) Current(ctx context.Context) (api.CardSnapshot, error) {
	var snap api.CardSnapshot
	err := c.run(ctx, func() error {
		p, err := c.shown()
		if err != nil {
			return err
		}
		snap = c.view.Snapshot()
		snap.CallID = p.CallID()
		snap.State = p.State()
		return nil
	})
	return snap, err
}

// Photo returns the caller photo of the card on screen, or nil if it has
// none yet.
func (c *Card) Photo(ctx context.Context) (*callerid.Photo, error) {
	var photo *callerid.Photo
	err := c.run(ctx, func() error {
		if _, err := c.shown(); err != nil {
			return err
		}
		photo = c.view.Photo()
		return nil
	})
	return photo, err
}

// Answer accepts the call on screen. A second action on the same card
// returns incall.ErrDuplicateAction; a card whose call ended returns
// incall.ErrNoIncomingCall.
func (c *Card) Answer(ctx context.Context) error {
	return c.act(ctx, OutcomeAnswered, (*incall.Presenter).Answer)
}

// Reject declines the call on screen.
func (c *Card) Reject(ctx context.Context) error {
	return c.act(ctx, OutcomeRejected, (*incall.Presenter).Reject)
}

func (c *Card) act(ctx context.Context, outcome string, action func(*incall.Presenter, context.Context) bool) error {
	// The command must go out even if the requester stops waiting.
	actx := context.WithoutCancel(ctx)
	return c.run(ctx, func() error {
		// A card closed because the call went away is no card at all; only
		// a card the user already acted on is a duplicate.
		p := c.presenter
		if p == nil || p.State() == incall.StateEnded {
			return incall.ErrNoIncomingCall
		}
		callID := p.CallID()
		if !action(p, actx) {
			return incall.ErrDuplicateAction
		}
		c.count(outcome)
		c.deps.Profiles.Evict(callID)
		if outcome == OutcomeRejected {
			if next, ok := c.deps.Calls.IncomingCall(); ok {
				c.show(next)
			} else {
				c.idle()
			}
		}
		return nil
	})
}

// BackPressed offers a back navigation to the card on screen.
func (c *Card) BackPressed(ctx context.Context) (bool, error) {
	var handled bool
	err := c.run(ctx, func() error {
		p, err := c.shown()
		if err != nil {
			return err
		}
		handled = p.OnBackPressed()
		return nil
	})
	return handled, err
}

// ActionCounts returns how many cards closed with each outcome.
func (c *Card) ActionCounts() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.outcomes)
}

// shown returns the presenter whose card is still open. Delivery context
// only.
func (c *Card) shown() (*incall.Presenter, error) {
	if c.presenter == nil || c.view.Closed() {
		return nil, incall.ErrNoIncomingCall
	}
	return c.presenter, nil
}

func (c *Card) count(outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes[outcome]++
}

// run executes fn on the delivery context and waits for its result.
func (c *Card) run(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	if !c.deps.Loop.Post(func() { done <- fn() }) {
		return ErrStopped
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
