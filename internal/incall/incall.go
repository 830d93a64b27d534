// Package incall drives the incoming call card: it binds the ringing call,
// fills the card from the caller ID cache and turns the user's answer or
// reject into exactly one call-control command.
package incall

import (
	"context"
	"errors"

	"github.com/flowpbx/callcard/internal/callerid"
)

var (
	// ErrNoIncomingCall means the card was opened while nothing was ringing.
	ErrNoIncomingCall = errors.New("incall: no incoming call")

	// ErrDuplicateAction means answer or reject arrived after the card had
	// already reached a terminal state.
	ErrDuplicateAction = errors.New("incall: call already handled")
)

// CallState is the phone-level UI state broadcast to other components.
type CallState string

const (
	StateNoCalls  CallState = "no_calls"
	StateIncoming CallState = "incoming"
	StateInCall   CallState = "in_call"
)

// CallList reports the call currently prompting the user, if any.
type CallList interface {
	IncomingCall() (callerid.Identification, bool)
}

// CallActions sends call-control commands for a call.
type CallActions interface {
	Answer(ctx context.Context, callID int) error
	Reject(ctx context.Context, callID int, immediate bool, reason string) error
}

// StateNotifier is told about UI state transitions before they take effect.
type StateNotifier interface {
	NotifyTransition(state CallState)
}

// View is the set of slots the card exposes to the presentation layer.
// All methods are called on the delivery context.
type View interface {
	SetName(name string)
	SetLocationText(text string)
	SetPhoto(photo *callerid.Photo)
	Close()
}

// ProfileSource is the subset of the caller ID cache the presenter uses.
type ProfileSource interface {
	Resolve(id callerid.Identification, wantPhoto bool, cb callerid.Callback)
}

// TaskRunner runs work off the delivery context for as long as its owner
// lives. Go reports false once the owner is shutting down.
type TaskRunner interface {
	Go(fn func(ctx context.Context)) bool
}

// ContactViewRecorder records that a directory contact was shown to the
// user.
type ContactViewRecorder interface {
	MarkViewed(ctx context.Context, personRef string) error
}
