package sip

import (
	"log/slog"
	"sync"
	"time"

	"github.com/flowpbx/callcard/internal/callerid"
)

// responder sends final responses on the INVITE server transaction of a
// ringing call.
type responder interface {
	respond(code int, reason string) error
}

// RingingCall is an inbound call that has been offered to the user but not
// yet answered, rejected or cancelled.
type RingingCall struct {
	// ID is the call-list identifier handed to the card. Never negative.
	ID int

	// SIPCallID is the Call-ID header of the INVITE.
	SIPCallID string

	// Caller is the identity received in the From header.
	Caller callerid.Identification

	// ReceivedAt is when the INVITE arrived.
	ReceivedAt time.Time

	resp  responder
	final chan struct{} // closed when the call leaves the list
}

// CallList tracks ringing calls between INVITE receipt and a final
// response. It hands out the integer call IDs the card works with and
// answers which call is currently prompting the user.
type CallList struct {
	mu     sync.RWMutex
	byID   map[int]*RingingCall
	bySIP  map[string]*RingingCall
	nextID int
	logger *slog.Logger
}

// NewCallList creates an empty call list.
func NewCallList(logger *slog.Logger) *CallList {
	return &CallList{
		byID:   make(map[int]*RingingCall),
		bySIP:  make(map[string]*RingingCall),
		logger: logger.With("subsystem", "call-list"),
	}
}

// add registers a ringing call and assigns its ID. A retransmitted INVITE
// with a known Call-ID returns the existing entry and false.
func (cl *CallList) add(sipCallID, number, displayName string, resp responder) (*RingingCall, bool) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if c, ok := cl.bySIP[sipCallID]; ok {
		return c, false
	}

	c := &RingingCall{
		ID:        cl.nextID,
		SIPCallID: sipCallID,
		Caller: callerid.Identification{
			CallID:        cl.nextID,
			Number:        number,
			PresentedName: displayName,
		},
		ReceivedAt: time.Now(),
		resp:       resp,
		final:      make(chan struct{}),
	}
	cl.nextID++
	cl.byID[c.ID] = c
	cl.bySIP[sipCallID] = c

	cl.logger.Debug("ringing call added",
		"call_id", c.ID,
		"sip_call_id", sipCallID,
	)
	return c, true
}

// Remove takes a call off the list and releases its INVITE handler.
// Returns nil if it is not ringing.
func (cl *CallList) Remove(id int) *RingingCall {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	c, ok := cl.byID[id]
	if !ok {
		return nil
	}
	delete(cl.byID, id)
	delete(cl.bySIP, c.SIPCallID)
	close(c.final)
	cl.logger.Debug("ringing call removed", "call_id", id)
	return c
}

// Get returns a ringing call by ID without removing it.
func (cl *CallList) Get(id int) *RingingCall {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.byID[id]
}

// BySIPCallID returns the ringing call for a SIP Call-ID.
func (cl *CallList) BySIPCallID(sipCallID string) *RingingCall {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.bySIP[sipCallID]
}

// IncomingCall returns the identity of the call prompting the user: the
// most recent ringing call.
func (cl *CallList) IncomingCall() (callerid.Identification, bool) {
	cl.mu.RLock()
	defer cl.mu.RUnlock()

	var newest *RingingCall
	for _, c := range cl.byID {
		if newest == nil || c.ID > newest.ID {
			newest = c
		}
	}
	if newest == nil {
		return callerid.Identification{}, false
	}
	return newest.Caller, true
}

// Count returns the number of ringing calls.
func (cl *CallList) Count() int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return len(cl.byID)
}
