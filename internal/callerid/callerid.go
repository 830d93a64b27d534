package callerid

import (
	"context"
	"errors"
)

// ErrResolutionUnavailable is returned by a Resolver that has nothing to say
// about a number. The cache absorbs it into a fallback profile.
var ErrResolutionUnavailable = errors.New("callerid: resolution unavailable")

// Identification is the raw identity of a call as reported by the call list.
// It is a value type and never modified after construction.
type Identification struct {
	// CallID is the call-list identifier. Must be non-negative.
	CallID int

	// Number is the caller's number as received (user part of the From URI).
	Number string

	// ExistingLabel is a phone-type label already attached to the call,
	// such as "Mobile". Empty when absent.
	ExistingLabel string

	// PresentedName is the caller name sent by the network (the SIP From
	// display name). It is shown when the directory has no name.
	PresentedName string
}

// Photo is an encoded contact image.
type Photo struct {
	ContentType string
	Data        []byte
}

// Profile is the display-ready identity for a call. Empty strings mean the
// field could not be resolved.
type Profile struct {
	CallID    int
	Name      string
	Number    string
	Location  string
	Label     string
	Photo     *Photo
	PersonRef string

	// Region and City are the number-plan descriptions of the caller's
	// prefix, used when the directory has no location for the contact.
	Region string
	City   string
}

// HasPhoto reports whether the profile carries image data.
func (p Profile) HasPhoto() bool {
	return p.Photo != nil && len(p.Photo.Data) > 0
}

// fallbackProfile is what subscribers see when the resolver fails.
func fallbackProfile(id Identification) Profile {
	return Profile{
		CallID: id.CallID,
		Name:   id.PresentedName,
		Number: id.Number,
		Label:  id.ExistingLabel,
	}
}

// Lookup is the result of the text stage of a resolution. LoadPhoto is the
// secondary, possibly slower, photo step; nil when the contact has no photo.
type Lookup struct {
	Name      string
	Location  string
	Label     string
	PersonRef string
	Region    string
	City      string

	LoadPhoto func(ctx context.Context) (*Photo, error)
}

// Resolver turns a raw number into contact details. Lookup is invoked at most
// once per uncached call and always off the delivery context.
type Resolver interface {
	Lookup(ctx context.Context, number string) (*Lookup, error)
}

// Callback receives resolution signals for one call. Both methods run on the
// delivery context. OnTextResolved always precedes OnPhotoResolved.
type Callback interface {
	OnTextResolved(callID int, p Profile)
	OnPhotoResolved(callID int, p Profile)
}

// Poster schedules fn on the delivery context. Post must not block.
type Poster interface {
	Post(fn func()) bool
}

// settler is implemented by subscribers that need to know when no further
// signal will arrive for a call (see Result).
type settler interface {
	settled(callID int)
}
