package api

import (
	"sync"

	"github.com/flowpbx/callcard/internal/callerid"
)

// CardSnapshot is the JSON shape of the card currently on screen.
type CardSnapshot struct {
	CallID   int    `json:"call_id"`
	Name     string `json:"name"`
	Location string `json:"location"`
	HasPhoto bool   `json:"has_photo"`
	State    string `json:"state"`
}

// CardView holds the slots a presenter fills for one call so HTTP clients
// can render them. Setters run on the delivery context while handlers read
// concurrently.
type CardView struct {
	mu       sync.RWMutex
	callID   int
	name     string
	location string
	photo    *callerid.Photo
	closed   bool
}

// NewCardView creates an empty view for callID.
func NewCardView(callID int) *CardView {
	return &CardView{callID: callID}
}

func (v *CardView) SetName(name string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.name = name
}

func (v *CardView) SetLocationText(text string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.location = text
}

func (v *CardView) SetPhoto(p *callerid.Photo) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.photo = p
}

// Close marks the card dismissed. Slots keep their last values.
func (v *CardView) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
}

// Closed reports whether Close was called.
func (v *CardView) Closed() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.closed
}

// Snapshot returns the current slot values. State is left for the caller,
// which owns the presenter.
func (v *CardView) Snapshot() CardSnapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return CardSnapshot{
		CallID:   v.callID,
		Name:     v.name,
		Location: v.location,
		HasPhoto: v.photo != nil && len(v.photo.Data) > 0,
	}
}

// Photo returns the caller photo, or nil if none has been set.
func (v *CardView) Photo() *callerid.Photo {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.photo
}
