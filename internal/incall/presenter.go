package incall

import (
	"context"
	"log/slog"
	"time"

	"github.com/flowpbx/callcard/internal/callerid"
	"github.com/looplab/fsm"
)

// Card lifecycle states.
const (
	StateCreated            = "created"
	StateAwaitingResolution = "awaiting_resolution"
	StateResolved           = "resolved"
	StateAnswered           = "answered"
	StateRejected           = "rejected"
	StateEnded              = "ended"
)

const (
	eventBind   = "bind"
	eventText   = "text_resolved"
	eventAnswer = "answer"
	eventReject = "reject"
	eventEnd    = "end"
)

// markViewedTimeout bounds the background contact-viewed write.
const markViewedTimeout = 5 * time.Second

// Deps are the collaborators of a Presenter. Viewed is optional; contacts
// are only marked viewed when Tasks is set as well.
type Deps struct {
	Calls    CallList
	Profiles ProfileSource
	Actions  CallActions
	Notifier StateNotifier
	Viewed   ContactViewRecorder
	Tasks    TaskRunner
	Location LocationPolicy
	Logger   *slog.Logger
}

// Presenter runs one incoming call card. It is not safe for concurrent use:
// every method, including the resolution callbacks, must run on the
// delivery context.
type Presenter struct {
	deps   Deps
	view   View
	logger *slog.Logger
	fsm    *fsm.FSM

	id     callerid.Identification
	bound  bool
	viewed bool
}

// NewPresenter creates a presenter that drives view.
func NewPresenter(deps Deps, view View) *Presenter {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	p := &Presenter{
		deps:   deps,
		view:   view,
		logger: deps.Logger.With("component", "incall"),
	}
	p.fsm = fsm.NewFSM(
		StateCreated,
		fsm.Events{
			{Name: eventBind, Src: []string{StateCreated}, Dst: StateAwaitingResolution},
			{Name: eventText, Src: []string{StateAwaitingResolution}, Dst: StateResolved},
			{Name: eventAnswer, Src: []string{StateAwaitingResolution, StateResolved}, Dst: StateAnswered},
			{Name: eventReject, Src: []string{StateAwaitingResolution, StateResolved}, Dst: StateRejected},
			{Name: eventEnd, Src: []string{StateCreated, StateAwaitingResolution, StateResolved}, Dst: StateEnded},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				p.logger.Debug("card state changed",
					"call_id", p.id.CallID,
					"from", e.Src,
					"to", e.Dst,
				)
			},
		},
	)
	return p
}

// Start binds the presenter to the call currently prompting the user. With
// no incoming call the view is closed and ErrNoIncomingCall is returned.
func (p *Presenter) Start(ctx context.Context) error {
	id, ok := p.deps.Calls.IncomingCall()
	if !ok {
		p.logger.Warn("card opened without an incoming call")
		_ = p.fsm.Event(ctx, eventEnd)
		p.view.Close()
		return ErrNoIncomingCall
	}
	p.OnIncomingCall(id)
	return nil
}

// OnIncomingCall binds id and requests its profile, photo included. Only the
// first binding counts.
func (p *Presenter) OnIncomingCall(id callerid.Identification) {
	if err := p.fsm.Event(context.Background(), eventBind); err != nil {
		p.logger.Debug("incoming call ignored", "call_id", id.CallID, "state", p.fsm.Current())
		return
	}
	p.id = id
	p.bound = true
	p.logger.Info("incoming call card shown", "call_id", id.CallID, "number", id.Number)
	p.deps.Profiles.Resolve(id, true, p)
}

// OnTextResolved fills the name and location slots.
func (p *Presenter) OnTextResolved(callID int, prof callerid.Profile) {
	if !p.accepts(callID) {
		return
	}
	if err := p.fsm.Event(context.Background(), eventText); err != nil {
		p.logger.Debug("text resolution dropped", "call_id", callID, "state", p.fsm.Current())
		return
	}

	p.view.SetName(DisplayName(prof))
	p.view.SetLocationText(p.deps.Location.Compose(prof))

	if prof.PersonRef != "" {
		p.markViewed(prof.PersonRef)
	}
}

// OnPhotoResolved fills the photo slot.
func (p *Presenter) OnPhotoResolved(callID int, prof callerid.Profile) {
	if !p.accepts(callID) {
		return
	}
	if p.fsm.Current() != StateResolved {
		p.logger.Debug("photo resolution dropped", "call_id", callID, "state", p.fsm.Current())
		return
	}
	if prof.HasPhoto() {
		p.view.SetPhoto(prof.Photo)
	}
}

// Answer accepts the call. Only the first action on a card dispatches a
// command; the return value reports whether this call did.
func (p *Presenter) Answer(ctx context.Context) bool {
	if err := p.fsm.Event(ctx, eventAnswer); err != nil {
		p.logger.Debug("answer ignored", "call_id", p.id.CallID, "state", p.fsm.Current())
		return false
	}

	p.deps.Notifier.NotifyTransition(StateInCall)
	if err := p.deps.Actions.Answer(ctx, p.id.CallID); err != nil {
		p.logger.Error("answer dispatch failed", "call_id", p.id.CallID, "error", err)
	}
	p.view.Close()
	return true
}

// Reject declines the call without an immediate hangup or a reason.
func (p *Presenter) Reject(ctx context.Context) bool {
	if err := p.fsm.Event(ctx, eventReject); err != nil {
		p.logger.Debug("reject ignored", "call_id", p.id.CallID, "state", p.fsm.Current())
		return false
	}

	if err := p.deps.Actions.Reject(ctx, p.id.CallID, false, ""); err != nil {
		p.logger.Error("reject dispatch failed", "call_id", p.id.CallID, "error", err)
	}
	p.view.Close()
	return true
}

// OnBackPressed never consumes the back key: the card cannot be dismissed
// without answering or rejecting.
func (p *Presenter) OnBackPressed() bool {
	return false
}

// OnCallEnded closes the card when the bound call goes away without a user
// action.
func (p *Presenter) OnCallEnded(callID int) {
	if !p.bound || callID != p.id.CallID {
		return
	}
	if err := p.fsm.Event(context.Background(), eventEnd); err != nil {
		return
	}
	p.logger.Info("call ended before user action", "call_id", callID)
	p.view.Close()
}

// State returns the card lifecycle state.
func (p *Presenter) State() string {
	return p.fsm.Current()
}

// Terminal reports whether the card has been answered, rejected or ended.
func (p *Presenter) Terminal() bool {
	switch p.fsm.Current() {
	case StateAnswered, StateRejected, StateEnded:
		return true
	}
	return false
}

// CallID returns the bound call ID, or -1 before binding.
func (p *Presenter) CallID() int {
	if !p.bound {
		return -1
	}
	return p.id.CallID
}

func (p *Presenter) accepts(callID int) bool {
	if !p.bound || callID != p.id.CallID {
		p.logger.Debug("resolution for another call dropped", "call_id", callID)
		return false
	}
	return true
}

func (p *Presenter) markViewed(personRef string) {
	if p.viewed || p.deps.Viewed == nil || p.deps.Tasks == nil {
		return
	}
	p.viewed = true

	rec := p.deps.Viewed
	logger := p.logger
	callID := p.id.CallID
	started := p.deps.Tasks.Go(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, markViewedTimeout)
		defer cancel()
		if err := rec.MarkViewed(ctx, personRef); err != nil {
			logger.Warn("marking contact viewed failed",
				"call_id", callID,
				"person_ref", personRef,
				"error", err,
			)
		}
	})
	if !started {
		logger.Debug("contact view not recorded, shutting down",
			"call_id", callID,
			"person_ref", personRef,
		)
	}
}
