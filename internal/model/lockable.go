package model

import (
	"fmt"
	"sync"
)

// LockState is the reservation state of a lockable layout item.
type LockState uint8

// Lock states. SoftLocked is treated like Reserved for the owner check; it
// is used by collaborators that claim an item without driving onto it.
const (
	LockStateFree LockState = iota
	LockStateReserved
	LockStateSoftLocked
	LockStateHardLocked
)

// String returns a short state name for logs.
func (s LockState) String() string {
	switch s {
	case LockStateReserved:
		return "reserved"
	case LockStateSoftLocked:
		return "softlocked"
	case LockStateHardLocked:
		return "hardlocked"
	default:
		return "free"
	}
}

// Locker is the three-phase ownership protocol shared by every reservable
// layout item. Route relation traversal dispatches through this interface.
type Locker interface {
	Reserve(loco LocoID) error
	Lock(loco LocoID) error
	Release(loco LocoID) error
}

// Lockable is the reservation capability embedded in every reservable
// entity. The zero value is free and usable.
//
// Each Lockable carries its own mutex covering the atomic read-check-write
// of (state, owner); there is no global lock. Multi-resource operations
// avoid deadlock by always acquiring in the route's declared relation
// order and never blocking on a busy item.
type Lockable struct {
	mu    sync.Mutex
	state LockState
	loco  LocoID
}

// Reserve transitions Free -> Reserved for loco. Reserving an item already
// owned by the same locomotive succeeds without changing a harder state.
func (l *Lockable) Reserve(loco LocoID) error {
	if loco == LocoNone {
		return fmt.Errorf("%w: reserve without loco", ErrLockViolation)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.loco == loco {
		if l.state == LockStateFree {
			l.state = LockStateReserved
		}
		return nil
	}
	if l.state != LockStateFree {
		return fmt.Errorf("%w: loco %d", ErrAlreadyLocked, l.loco)
	}
	l.state = LockStateReserved
	l.loco = loco
	return nil
}

// Lock transitions Reserved (or SoftLocked) -> HardLocked for the owning
// locomotive. Locking an item already hard-locked by the same locomotive
// succeeds.
func (l *Lockable) Lock(loco LocoID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.loco != loco {
		return fmt.Errorf("%w: owned by loco %d", ErrLockViolation, l.loco)
	}
	switch l.state {
	case LockStateHardLocked:
		return nil
	case LockStateReserved, LockStateSoftLocked:
		l.state = LockStateHardLocked
		return nil
	default:
		return fmt.Errorf("%w: not reserved", ErrLockViolation)
	}
}

// Release transitions back to Free. Releasing a free item succeeds
// trivially; otherwise the caller must be the owner.
func (l *Lockable) Release(loco LocoID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == LockStateFree && l.loco == LocoNone {
		return nil
	}
	if l.loco != loco {
		return fmt.Errorf("%w: owned by loco %d", ErrNotOwner, l.loco)
	}
	l.state = LockStateFree
	l.loco = LocoNone
	return nil
}

// ReleaseForce frees the item regardless of owner. Admin use only.
func (l *Lockable) ReleaseForce() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = LockStateFree
	l.loco = LocoNone
}

// SoftLock claims the item as SoftLocked for loco. It follows the same
// rules as Reserve.
func (l *Lockable) SoftLock(loco LocoID) error {
	if err := l.Reserve(loco); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == LockStateReserved {
		l.state = LockStateSoftLocked
	}
	return nil
}

// LockState returns the current state.
func (l *Lockable) LockState() LockState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// LockedBy returns the owning locomotive, LocoNone when free.
func (l *Lockable) LockedBy() LocoID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loco
}

// IsInUse reports whether the item is reserved or locked by anyone.
func (l *Lockable) IsInUse() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state != LockStateFree || l.loco != LocoNone
}

// serializeLockable appends the lockable fields to a serial builder.
func (l *Lockable) serializeLockable(b *serialBuilder) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b.addInt("lockState", int(l.state))
	b.addInt("locoID", int(l.loco))
}

// deserializeLockable restores the lockable fields from parsed arguments.
// A persisted HardLocked state is degraded to Reserved: the hard lock
// implies a running automode thread, which does not survive a restart.
func (l *Lockable) deserializeLockable(args map[string]string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = LockState(argInt(args, "lockState", int(LockStateFree)))
	l.loco = LocoID(argInt(args, "locoID", int(LocoNone)))
	if l.state == LockStateHardLocked {
		l.state = LockStateReserved
	}
	if l.loco == LocoNone {
		l.state = LockStateFree
	}
	if l.state == LockStateFree {
		l.loco = LocoNone
	}
}
