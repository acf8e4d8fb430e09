package ledger

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"settlechain/core/types"
)

type mockRegistryState struct {
	users     map[common.Address]*types.User
	index     []common.Address
	available *big.Int
	locked    *big.Int
}

func newMockRegistryState() *mockRegistryState {
	return &mockRegistryState{
		users:     make(map[common.Address]*types.User),
		available: big.NewInt(0),
		locked:    big.NewInt(0),
	}
}

func (m *mockRegistryState) GetUser(addr common.Address) (*types.User, bool, error) {
	user, ok := m.users[addr]
	if !ok {
		return nil, false, nil
	}
	return user.Clone(), true, nil
}

func (m *mockRegistryState) PutUser(user *types.User) error {
	m.users[user.Address] = user.Clone()
	return nil
}

func (m *mockRegistryState) AppendUserIndex(addr common.Address) error {
	m.index = append(m.index, addr)
	return nil
}

func (m *mockRegistryState) UserIndex() ([]common.Address, error) {
	return append([]common.Address(nil), m.index...), nil
}

func (m *mockRegistryState) AddObligations(availableDelta, lockedDelta *big.Int) error {
	if availableDelta != nil {
		m.available.Add(m.available, availableDelta)
	}
	if lockedDelta != nil {
		m.locked.Add(m.locked, lockedDelta)
	}
	return nil
}

var (
	rootAddr    = common.HexToAddress("0xA0")
	sponsorAddr = common.HexToAddress("0xA1")
	leafAddr    = common.HexToAddress("0xA2")
)

func newTestRegistry(state *mockRegistryState) *Registry {
	registry := NewRegistry()
	registry.SetState(state)
	registry.SetRoot(rootAddr)
	registry.SetNowFunc(func() time.Time { return time.Unix(1_700_000_000, 0).UTC() })
	return registry
}

func TestRegisterRootAndLeaf(t *testing.T) {
	state := newMockRegistryState()
	registry := newTestRegistry(state)

	if err := registry.Register(rootAddr, common.Address{}); err != nil {
		t.Fatalf("register root: %v", err)
	}
	if err := registry.Register(sponsorAddr, rootAddr); err != nil {
		t.Fatalf("register sponsor: %v", err)
	}
	if err := registry.Register(leafAddr, sponsorAddr); err != nil {
		t.Fatalf("register leaf: %v", err)
	}

	root := state.users[rootAddr]
	if root.DirectReferrals != 1 {
		t.Fatalf("root directs = %d, want 1", root.DirectReferrals)
	}
	leaf := state.users[leafAddr]
	if !leaf.HasSponsor || leaf.Sponsor != sponsorAddr {
		t.Fatalf("leaf sponsor link wrong: %+v", leaf)
	}
}

func TestRegisterRejectsUnknownSponsor(t *testing.T) {
	registry := newTestRegistry(newMockRegistryState())
	if err := registry.Register(leafAddr, sponsorAddr); err != ErrSponsorUnknown {
		t.Fatalf("expected ErrSponsorUnknown, got %v", err)
	}
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	state := newMockRegistryState()
	registry := newTestRegistry(state)
	if err := registry.Register(rootAddr, common.Address{}); err != nil {
		t.Fatalf("register root: %v", err)
	}
	if err := registry.Register(rootAddr, common.Address{}); err != ErrAlreadyRegistered {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
}

func TestWithdrawDebitsAvailableOnly(t *testing.T) {
	state := newMockRegistryState()
	registry := newTestRegistry(state)
	if err := registry.Register(rootAddr, common.Address{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	user := state.users[rootAddr]
	user.AvailableBalance = big.NewInt(1000)
	user.LockedBalance = big.NewInt(400)
	state.available = big.NewInt(1000)
	state.locked = big.NewInt(400)

	if err := registry.Withdraw(rootAddr, big.NewInt(1200)); err != ErrInsufficientBalance {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if err := registry.Withdraw(rootAddr, big.NewInt(600)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	updated := state.users[rootAddr]
	if updated.AvailableBalance.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("available = %v, want 400", updated.AvailableBalance)
	}
	if updated.LockedBalance.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("locked touched by withdrawal: %v", updated.LockedBalance)
	}
	if updated.TotalWithdrawn.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("totalWithdrawn = %v, want 600", updated.TotalWithdrawn)
	}
	if state.available.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("obligations not reduced: %v", state.available)
	}
}

func TestWithdrawRejectsZeroAmount(t *testing.T) {
	registry := newTestRegistry(newMockRegistryState())
	if err := registry.Withdraw(rootAddr, big.NewInt(0)); err != ErrInvalidAmount {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestSubscribedUsersRespectsExpiry(t *testing.T) {
	state := newMockRegistryState()
	registry := newTestRegistry(state)
	for _, addr := range []common.Address{rootAddr, sponsorAddr, leafAddr} {
		sponsor := rootAddr
		if addr == rootAddr {
			sponsor = common.Address{}
		}
		if err := registry.Register(addr, sponsor); err != nil {
			t.Fatalf("register %s: %v", addr.Hex(), err)
		}
	}

	now := registry.now().Unix()
	if err := registry.SetSubscription(rootAddr, true, now+3600); err != nil {
		t.Fatalf("subscribe root: %v", err)
	}
	if err := registry.SetSubscription(sponsorAddr, true, now-1); err != nil {
		t.Fatalf("subscribe sponsor: %v", err)
	}
	// leaf never subscribed

	subscribed, err := registry.SubscribedUsers()
	if err != nil {
		t.Fatalf("subscribed: %v", err)
	}
	if len(subscribed) != 1 || subscribed[0] != rootAddr {
		t.Fatalf("unexpected snapshot %v", subscribed)
	}
}
