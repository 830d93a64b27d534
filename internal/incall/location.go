package incall

import (
	"strings"

	"github.com/flowpbx/callcard/internal/callerid"
	"golang.org/x/text/language"
)

// DefaultUnknownLocation is shown when nothing is known about where a call
// comes from.
const DefaultUnknownLocation = "Unknown"

// LocationPolicy decides how the location line of the card is built.
type LocationPolicy struct {
	// PreferCity selects the city of the number prefix over any directory
	// location. Set for Chinese locales, where the city is what users
	// expect to see.
	PreferCity bool

	// Unknown is the text used when no location is available.
	Unknown string
}

// NewLocationPolicy builds the policy for a BCP 47 locale such as "en-US" or
// "zh-CN". Unparseable locales fall back to the default behaviour.
func NewLocationPolicy(locale, unknown string) LocationPolicy {
	if unknown == "" {
		unknown = DefaultUnknownLocation
	}
	p := LocationPolicy{Unknown: unknown}

	tag, err := language.Parse(locale)
	if err != nil {
		return p
	}
	base, _ := tag.Base()
	p.PreferCity = base.String() == "zh"
	return p
}

// Location returns the bare location for p following the policy, or the
// unknown marker.
func (lp LocationPolicy) Location(p callerid.Profile) string {
	var loc string
	if lp.PreferCity {
		loc = p.City
	} else {
		loc = firstNonEmpty(p.Location, p.Region)
	}
	if loc == "" {
		unknown := lp.Unknown
		if unknown == "" {
			unknown = DefaultUnknownLocation
		}
		return unknown
	}
	return loc
}

// Compose returns the full location line: the label, if any, followed by
// the location.
func (lp LocationPolicy) Compose(p callerid.Profile) string {
	loc := lp.Location(p)
	label := strings.TrimSpace(p.Label)
	if label == "" {
		return loc
	}
	return label + " " + loc
}

// DisplayName is the name line of the card: the resolved or presented
// name, else the raw number.
func DisplayName(p callerid.Profile) string {
	return firstNonEmpty(p.Name, p.Number)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
