package model

import "errors"

// Domain errors for the model package. They map onto the failure kinds the
// interlocking core surfaces and are matched with errors.Is.
var (
	// ErrAlreadyLocked is returned when a reserve hits an item owned by
	// another locomotive. The wrap carries the current owner.
	ErrAlreadyLocked = errors.New("model: already locked")

	// ErrLockViolation is returned when a hard lock is attempted on an item
	// that is not reserved by the requesting locomotive.
	ErrLockViolation = errors.New("model: lock violation")

	// ErrNotOwner is returned when a release is attempted by a locomotive
	// that does not own the item.
	ErrNotOwner = errors.New("model: not owner")

	// ErrNoRouteFound is returned when no admissible route can be reserved
	// from the current track-base.
	ErrNoRouteFound = errors.New("model: no route found")

	// ErrBoosterOff is returned when a reserve, lock, or execute is refused
	// because track power is off.
	ErrBoosterOff = errors.New("model: booster off")

	// ErrOverrun is the fatal error raised when a locomotive passes the
	// overrun feedback of its active route.
	ErrOverrun = errors.New("model: overrun")

	// ErrInUse is returned when a mutation is refused because the entity is
	// not free.
	ErrInUse = errors.New("model: in use")

	// ErrNotOnTrack is returned when automatic mode is requested for a
	// locomotive that is not placed on a track-base.
	ErrNotOnTrack = errors.New("model: loco not on a track")

	// ErrWrongState is returned when a mode change is requested from a
	// state that does not allow it.
	ErrWrongState = errors.New("model: wrong state")

	// ErrUnknownObject is returned when a referenced entity cannot be
	// resolved.
	ErrUnknownObject = errors.New("model: unknown object")

	// ErrInvalidSerialization is returned when a persisted entity string
	// cannot be decoded.
	ErrInvalidSerialization = errors.New("model: invalid serialization")
)
