// Package coorderr defines the typed error kinds propagated by every public
// operation in the coordination core (spec.md §7), as sentinel errors
// checked with errors.Is.
package coorderr

import "errors"

var (
	// ErrDuplicateEntry is returned by CreateAsync when path already exists.
	ErrDuplicateEntry = errors.New("coord: duplicate entry")

	// ErrEntryNotFound is returned by Get/Set/Delete of a missing path.
	ErrEntryNotFound = errors.New("coord: entry not found")

	// ErrParentNotFound is returned by CreateAsync beneath a missing parent.
	ErrParentNotFound = errors.New("coord: parent not found")

	// ErrVersionConflict is returned by SetValueAsync with a stale
	// expected_version.
	ErrVersionConflict = errors.New("coord: version conflict")

	// ErrSessionEnded is returned when an operation is attempted with a
	// no-longer-live local session.
	ErrSessionEnded = errors.New("coord: session ended")

	// ErrCancelled is returned when an operation's cancellation signal
	// fires before it completes.
	ErrCancelled = errors.New("coord: cancelled")

	// ErrTransportFailure reports a failed exchange-message send. The lock
	// manager returns it as soon as a send fails; sends are not retried.
	ErrTransportFailure = errors.New("coord: transport failure")

	// ErrStoreFailure reports a backing-store error other than a CAS
	// conflict. Session allocation returns it once its backoff policy gives
	// up; the lock manager and the facade return it on the first such
	// error, without retrying.
	ErrStoreFailure = errors.New("coord: store failure")
)
