// Package synerr defines the sentinel error kinds of the synchronizer's
// failure policy. Each is a distinguishable value so callers can branch
// with errors.Is/errors.As the way forkchoice.ErrParentNotFound is
// inspected by chainsync in the teacher codebase.
package synerr

import "github.com/cockroachdb/errors"

// Kinds of failure the synchronizer must classify and police. See
// SPEC_FULL.md §7 for the policy attached to each.
var (
	// ErrMalformedModifier is returned when a delivered payload fails to
	// deserialize, or its declared id does not match its computed id.
	ErrMalformedModifier = errors.New("malformed modifier")

	// ErrSpam is returned when a modifier arrives that was never requested.
	ErrSpam = errors.New("unrequested modifier (spam)")

	// ErrNonDelivery is returned when a requested modifier timed out.
	ErrNonDelivery = errors.New("modifier delivery timed out")

	// ErrNonsenseSync is returned when a peer's sync summary cannot be
	// compared against our own (malformed or genuinely incomparable).
	ErrNonsenseSync = errors.New("nonsense sync comparison")

	// ErrUnknownSerializer is returned when a modifier type id has no
	// registered codec.
	ErrUnknownSerializer = errors.New("unregistered modifier type")

	// ErrReaderUnavailable is returned when a message arrives before the
	// bootstrap history/mempool readers have been received.
	ErrReaderUnavailable = errors.New("view reader not yet available")

	// ErrOversizedMessage is returned when an outbound message would exceed
	// the configured size limits.
	ErrOversizedMessage = errors.New("outbound message exceeds configured limits")
)

// Wrap attaches context to one of the sentinel kinds while keeping it
// matchable with errors.Is.
func Wrap(kind error, context string) error {
	return errors.Wrap(kind, context)
}
