package core

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

// Role names the coarse capabilities the node recognises. The owner holds
// every role implicitly.
type Role string

const (
	// RoleOwner administers the ledger: genesis, reserve governance, proof
	// finalization, role grants.
	RoleOwner Role = "OWNER"
	// RoleDistributor may route deposits and drive distribution batches.
	RoleDistributor Role = "DISTRIBUTOR"
	// RoleTreasury may withdraw from the named pools.
	RoleTreasury Role = "TREASURY"
	// RoleUpdater is the backend identity: subscription updates and weekly
	// proof submission.
	RoleUpdater Role = "UPDATER"
)

// ErrUnauthorized is returned when a caller lacks the role an operation
// requires.
var ErrUnauthorized = errors.New("core: caller lacks required role")

// Valid reports whether the role is one of the recognised names.
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleDistributor, RoleTreasury, RoleUpdater:
		return true
	}
	return false
}

// Authority maps addresses to roles. It is mutated only under the node's
// write lock.
type Authority struct {
	owner  common.Address
	grants map[Role]map[common.Address]struct{}
}

// NewAuthority constructs an authority with the given owner.
func NewAuthority(owner common.Address) *Authority {
	return &Authority{owner: owner, grants: map[Role]map[common.Address]struct{}{}}
}

// Owner returns the owner address.
func (a *Authority) Owner() common.Address { return a.owner }

// Grant assigns a role to an address. Unknown roles are ignored.
func (a *Authority) Grant(role Role, addr common.Address) {
	if a == nil || !role.Valid() {
		return
	}
	set, ok := a.grants[role]
	if !ok {
		set = map[common.Address]struct{}{}
		a.grants[role] = set
	}
	set[addr] = struct{}{}
}

// Revoke removes a role from an address. The owner cannot be revoked.
func (a *Authority) Revoke(role Role, addr common.Address) {
	if a == nil {
		return
	}
	if set, ok := a.grants[role]; ok {
		delete(set, addr)
	}
}

// HasRole reports whether the address holds the role. The owner holds all
// roles.
func (a *Authority) HasRole(role Role, addr common.Address) bool {
	if a == nil {
		return false
	}
	if addr == a.owner {
		return true
	}
	set, ok := a.grants[role]
	if !ok {
		return false
	}
	_, held := set[addr]
	return held
}

// Require returns ErrUnauthorized unless the address holds the role.
func (a *Authority) Require(role Role, addr common.Address) error {
	if !a.HasRole(role, addr) {
		return ErrUnauthorized
	}
	return nil
}
