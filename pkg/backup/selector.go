package backup

import (
	"github.com/sidkik/savesync/pkg/errors"
)

// Selector picks the store to use for an operation: the remote store when
// it's authenticated, the local mirror otherwise.
type Selector struct {
	Remote Store

	// Authenticated reports whether Remote is usable. A nil func means
	// Remote is usable whenever it's set.
	Authenticated func() bool

	Mirror Store
}

// Active returns the store that operations should use right now.
func (s Selector) Active() (Store, error) {
	if s.Remote != nil && (s.Authenticated == nil || s.Authenticated()) {
		return s.Remote, nil
	}
	if s.Mirror != nil {
		return s.Mirror, nil
	}
	return nil, errors.PreconditionError{
		Reason: "no backup store is available: configure a remote bucket or a mirror directory",
	}
}
