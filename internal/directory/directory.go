// Package directory resolves caller numbers against the local contact
// directory and number plan.
package directory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowpbx/callcard/internal/callerid"
	"github.com/flowpbx/callcard/internal/database"
	"github.com/flowpbx/callcard/internal/database/models"
	"github.com/nyaruka/phonenumbers"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/language"
)

// defaultQueryTimeout bounds a shared query once it is detached from the
// caller that started it.
const defaultQueryTimeout = 10 * time.Second

// NumberPlan says how caller numbers are read and described. Region is the
// ISO 3166 region national numbers are dialled in; Language is the language
// of geographic descriptions.
type NumberPlan struct {
	Region   string
	Language string
}

// NewNumberPlan derives the plan from a BCP 47 locale such as "en-AU". A
// locale without a region gets the most likely one for its language.
func NewNumberPlan(locale string) NumberPlan {
	tag, err := language.Parse(locale)
	if err != nil {
		tag = language.AmericanEnglish
	}
	base, _ := tag.Base()
	region, _ := tag.Region()
	return NumberPlan{Region: region.String(), Language: base.String()}
}

// Resolver implements callerid.Resolver over the SQLite directory and the
// libphonenumber geocoder. Concurrent lookups of the same number, or photo
// loads of the same contact, share one query even when they belong to
// different calls.
type Resolver struct {
	contacts database.ContactRepository
	prefixes database.PrefixRepository
	plan     NumberPlan
	logger   *slog.Logger
	timeout  time.Duration
	group    singleflight.Group
}

// New creates a directory resolver.
func New(contacts database.ContactRepository, prefixes database.PrefixRepository, plan NumberPlan, logger *slog.Logger) *Resolver {
	return &Resolver{
		contacts: contacts,
		prefixes: prefixes,
		plan:     plan,
		logger:   logger.With("component", "directory"),
		timeout:  defaultQueryTimeout,
	}
}

// entry is what one shared number query produces.
type entry struct {
	contact *models.Contact
	prefix  *models.NumberPrefix
	geo     string
}

// Lookup returns the contact details and geography for number. The region
// is the geocoder's description, or the number prefix table's for numbers
// the geocoder cannot place; the city always comes from the prefix table.
// callerid.ErrResolutionUnavailable is returned when nothing is known.
func (r *Resolver) Lookup(ctx context.Context, number string) (*callerid.Lookup, error) {
	key := database.CanonicalNumber(number, r.plan.Region)
	if key == "" {
		return nil, callerid.ErrResolutionUnavailable
	}

	v, err := r.shared(ctx, "number:"+key, func(qctx context.Context) (any, error) {
		contact, err := r.contacts.GetByNumber(qctx, key)
		if err != nil {
			return nil, fmt.Errorf("looking up contact: %w", err)
		}
		prefix, err := r.prefixes.Match(qctx, key)
		if err != nil {
			return nil, fmt.Errorf("matching prefix: %w", err)
		}
		return entry{contact: contact, prefix: prefix, geo: r.describe(key)}, nil
	})
	if err != nil {
		return nil, err
	}

	e := v.(entry)
	if e.contact == nil && e.prefix == nil && e.geo == "" {
		return nil, callerid.ErrResolutionUnavailable
	}

	lk := &callerid.Lookup{Region: e.geo}
	if e.prefix != nil {
		if lk.Region == "" {
			lk.Region = e.prefix.Region
		}
		lk.City = e.prefix.City
	}
	if c := e.contact; c != nil {
		lk.Name = c.Name
		lk.Location = c.Location
		lk.Label = c.Label
		lk.PersonRef = c.ID
		if c.HasPhoto {
			lk.LoadPhoto = r.photoLoader(c.ID)
		}
	}
	r.logger.Debug("number resolved",
		"number", key,
		"contact", lk.PersonRef,
		"region", lk.Region,
	)
	return lk, nil
}

// describe returns the geographic description of a valid number in the
// plan's language, or "".
func (r *Resolver) describe(number string) string {
	num, ok := database.ParseNumber(number, r.plan.Region)
	if !ok {
		return ""
	}
	desc, err := phonenumbers.GetGeocodingForNumber(num, r.plan.Language)
	if err != nil {
		r.logger.Debug("geocoding failed", "number", number, "error", err)
		return ""
	}
	return desc
}

// MarkViewed records that the contact identified by personRef was shown on
// a call card.
func (r *Resolver) MarkViewed(ctx context.Context, personRef string) error {
	if err := r.contacts.MarkViewed(ctx, personRef); err != nil {
		return fmt.Errorf("marking contact %s viewed: %w", personRef, err)
	}
	return nil
}

// Photo returns the stored photo for a contact, or nil.
func (r *Resolver) Photo(ctx context.Context, contactID string) (*callerid.Photo, error) {
	v, err := r.shared(ctx, "photo:"+contactID, func(qctx context.Context) (any, error) {
		p, err := r.contacts.GetPhoto(qctx, contactID)
		if err != nil {
			return nil, fmt.Errorf("loading photo: %w", err)
		}
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	p := v.(*models.ContactPhoto)
	if p == nil {
		return nil, nil
	}
	return &callerid.Photo{ContentType: p.ContentType, Data: p.Data}, nil
}

func (r *Resolver) photoLoader(contactID string) func(context.Context) (*callerid.Photo, error) {
	return func(ctx context.Context) (*callerid.Photo, error) {
		return r.Photo(ctx, contactID)
	}
}

// shared runs fn once per key among concurrent callers. The query runs on a
// context detached from the caller that started it; each caller stops
// waiting when its own ctx ends.
func (r *Resolver) shared(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	ch := r.group.DoChan(key, func() (any, error) {
		qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		return fn(qctx)
	})
	select {
	case res := <-ch:
		if res.Shared {
			r.logger.Debug("directory query shared", "key", key)
		}
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
