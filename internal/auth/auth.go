// Package auth implements the engine's authorization policy: a single
// owner plus a delegated admin set, injected into the orchestrator at
// construction and queried per call. Keeping it an explicit object avoids
// hidden global state and makes authorization independently testable.
package auth

import (
	"errors"
	"sync"
)

var (
	// ErrNotAdmin is returned when a caller lacks admin rights.
	ErrNotAdmin = errors.New("auth: caller is not an admin")

	// ErrNotOwner is returned when an owner-only operation is attempted
	// by anyone else.
	ErrNotOwner = errors.New("auth: caller is not the owner")
)

// Policy holds the owner address and the delegated admin set.
type Policy struct {
	mu     sync.RWMutex
	owner  string
	admins map[string]bool
}

// NewPolicy creates a policy with the given owner and no delegated admins.
func NewPolicy(owner string) *Policy {
	return &Policy{
		owner:  owner,
		admins: make(map[string]bool),
	}
}

// Owner returns the current owner address.
func (p *Policy) Owner() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.owner
}

// IsOwner reports whether addr is the owner.
func (p *Policy) IsOwner(addr string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return addr == p.owner
}

// IsAdmin reports whether addr holds admin rights (the owner always does).
func (p *Policy) IsAdmin(addr string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return addr == p.owner || p.admins[addr]
}

// RequireAdmin fails with ErrNotAdmin unless addr holds admin rights.
func (p *Policy) RequireAdmin(addr string) error {
	if !p.IsAdmin(addr) {
		return ErrNotAdmin
	}
	return nil
}

// RequireOwner fails with ErrNotOwner unless addr is the owner.
func (p *Policy) RequireOwner(addr string) error {
	if !p.IsOwner(addr) {
		return ErrNotOwner
	}
	return nil
}

// SetAdmin grants or revokes admin rights for addr. Owner-only.
func (p *Policy) SetAdmin(caller, addr string, enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if caller != p.owner {
		return ErrNotOwner
	}
	if enabled {
		p.admins[addr] = true
	} else {
		delete(p.admins, addr)
	}
	return nil
}

// TransferOwnership moves ownership to newOwner. Owner-only.
func (p *Policy) TransferOwnership(caller, newOwner string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if caller != p.owner {
		return ErrNotOwner
	}
	p.owner = newOwner
	return nil
}
