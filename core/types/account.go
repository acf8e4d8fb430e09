package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// User is one account in the referral network. The address is assigned at
// registration and never changes; the sponsor link is set once and only the
// genesis root is allowed to have none.
type User struct {
	Address            common.Address `json:"address"`
	Sponsor            common.Address `json:"sponsor"`
	HasSponsor         bool           `json:"hasSponsor"`
	DirectReferrals    uint32         `json:"directReferrals"`
	SubscriptionActive bool           `json:"subscriptionActive"`
	SubscriptionExpiry int64          `json:"subscriptionExpiry"`
	AvailableBalance   *big.Int       `json:"availableBalance"`
	LockedBalance      *big.Int       `json:"lockedBalance"`
	TotalEarned        *big.Int       `json:"totalEarned"`
	TotalWithdrawn     *big.Int       `json:"totalWithdrawn"`
	RegisteredAt       int64          `json:"registeredAt"`
}

// Normalize replaces nil balances with zero so callers never have to nil-check
// big.Int fields loaded from storage.
func (u *User) Normalize() *User {
	if u == nil {
		return nil
	}
	if u.AvailableBalance == nil {
		u.AvailableBalance = big.NewInt(0)
	}
	if u.LockedBalance == nil {
		u.LockedBalance = big.NewInt(0)
	}
	if u.TotalEarned == nil {
		u.TotalEarned = big.NewInt(0)
	}
	if u.TotalWithdrawn == nil {
		u.TotalWithdrawn = big.NewInt(0)
	}
	return u
}

// Clone returns a deep copy so engines can mutate freely before committing.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	clone := *u
	clone.AvailableBalance = cloneBig(u.AvailableBalance)
	clone.LockedBalance = cloneBig(u.LockedBalance)
	clone.TotalEarned = cloneBig(u.TotalEarned)
	clone.TotalWithdrawn = cloneBig(u.TotalWithdrawn)
	return &clone
}

// Subscribed reports whether the user counts toward distribution snapshots at
// the supplied unix timestamp.
func (u *User) Subscribed(now int64) bool {
	if u == nil {
		return false
	}
	return u.SubscriptionActive && u.SubscriptionExpiry > now
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
