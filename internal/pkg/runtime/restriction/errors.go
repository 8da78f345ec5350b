package restriction

import (
	"fmt"
)

// Cause classifies a user-visible illegal coherence operation.
type Cause string

const (
	// PartialAcquire is an acquire that overlaps a restricted subtree
	// without dominating it.
	PartialAcquire Cause = "partial acquire of a restricted subtree"
	// PartialRestriction is an attach that overlaps an acquired subtree
	// without dominating it.
	PartialRestriction Cause = "partial restriction of an acquired subtree"
	// InterferingAcquire is an acquire of fields that are already acquired.
	InterferingAcquire Cause = "interfering acquire of already acquired fields"
	// InterferingRestriction is an attach over fields that are already
	// restricted and not acquired.
	InterferingRestriction Cause = "interfering restriction of already restricted fields"
	// UnrestrictedAcquire is an acquire of fields with no restriction.
	UnrestrictedAcquire Cause = "acquire of unrestricted fields"
	// UnacquiredRelease is a release of fields with no matching acquire.
	UnacquiredRelease Cause = "release of unacquired fields"
)

// OpError reports an illegal coherence operation back to the user,
// it names the offending operation and its owning task.
type OpError struct {
	Cause Cause
	Op    Op
}

func newOpError(cause Cause, op Op) error {
	return &OpError{Cause: cause, Op: op}
}

func (e *OpError) Error() string {
	return fmt.Sprintf("illegal %s by operation (ID %d) in task %s (ID %d)", e.Cause, e.Op.ID, e.Op.Task, e.Op.TaskID)
}
