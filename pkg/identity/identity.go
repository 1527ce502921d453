// Package identity models the workstation identity that owns cluster locks.
//
// An identity travels on the wire as "host:application:thread". The host is
// everything before the first separator, the thread everything after the last
// one, and the application is whatever sits in between (it may itself contain
// separators). Ownership compares host and application only so that any thread
// of the same application instance may release or re-enter a lock.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Separator joins the identity components on the wire.
const Separator = ":"

// ErrMalformed is returned when a string cannot be parsed as an identity.
var ErrMalformed = errors.New("malformed workstation identity")

// Workstation identifies a single application thread running on a host.
type Workstation struct {
	Host        string
	Application string
	Thread      string
}

// New returns a Workstation with the given components.
func New(host, application, thread string) Workstation {
	return Workstation{Host: host, Application: application, Thread: thread}
}

// Parse parses the wire form of an identity.
func Parse(s string) (Workstation, error) {
	first := strings.Index(s, Separator)
	last := strings.LastIndex(s, Separator)

	if first < 0 || first == last {
		return Workstation{}, fmt.Errorf("%w: %q needs at least two %q separators", ErrMalformed, s, Separator)
	}

	if first == 0 {
		return Workstation{}, fmt.Errorf("%w: %q has an empty host", ErrMalformed, s)
	}

	return Workstation{
		Host:        s[:first],
		Application: s[first+1 : last],
		Thread:      s[last+1:],
	}, nil
}

// MustParse is like Parse but panics on error. It is intended for tests and
// constants.
func MustParse(s string) Workstation {
	w, err := Parse(s)
	if err != nil {
		panic(err)
	}

	return w
}

// String returns the wire form of the identity.
func (w Workstation) String() string {
	return w.Host + Separator + w.Application + Separator + w.Thread
}

// Owner returns the identity without its thread component, the part that
// decides lock ownership.
func (w Workstation) Owner() string {
	return w.Host + Separator + w.Application
}

// SameOwner reports whether both identities belong to the same application
// instance, ignoring the thread.
func (w Workstation) SameOwner(other Workstation) bool {
	return w.Host == other.Host && w.Application == other.Application
}

// SameOwner compares two wire-form identities, ignoring the thread. A
// malformed identity on either side is logged and never matches, even when
// both strings are identical.
func SameOwner(ctx context.Context, a, b string) bool {
	wa, err := Parse(a)
	if err != nil {
		zerolog.Ctx(ctx).
			Warn().
			Err(err).
			Str("identity", a).
			Msg("unable to compare lock owners")

		return false
	}

	wb, err := Parse(b)
	if err != nil {
		zerolog.Ctx(ctx).
			Warn().
			Err(err).
			Str("identity", b).
			Msg("unable to compare lock owners")

		return false
	}

	return wa.SameOwner(wb)
}
