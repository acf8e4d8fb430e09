package solvency

import (
	"math/big"
	"testing"
)

type mockGuardState struct {
	pools       *big.Int
	reserve     *big.Int
	available   *big.Int
	locked      *big.Int
	tripped     bool
	transitions int
}

func newMockGuardState(pools, reserve, available, locked int64) *mockGuardState {
	return &mockGuardState{
		pools:     big.NewInt(pools),
		reserve:   big.NewInt(reserve),
		available: big.NewInt(available),
		locked:    big.NewInt(locked),
	}
}

func (m *mockGuardState) PoolBalancesTotal() (*big.Int, error) {
	return new(big.Int).Set(m.pools), nil
}

func (m *mockGuardState) ReserveBalance() (*big.Int, error) {
	return new(big.Int).Set(m.reserve), nil
}

func (m *mockGuardState) Obligations() (*big.Int, *big.Int, error) {
	return new(big.Int).Set(m.available), new(big.Int).Set(m.locked), nil
}

func (m *mockGuardState) BreakerTripped() (bool, error) { return m.tripped, nil }

func (m *mockGuardState) SetBreakerTripped(tripped bool) error {
	m.tripped = tripped
	m.transitions++
	return nil
}

func newTestGuard(state *mockGuardState) *Guard {
	guard := NewGuard()
	guard.SetState(state)
	return guard
}

func TestRatioComputation(t *testing.T) {
	state := newMockGuardState(110_000, 10_000, 60_000, 40_000)
	guard := newTestGuard(state)

	status, err := guard.Observe()
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	// reserves 120000 / obligations 100000 = 120.00%
	if status.RatioBps.Cmp(big.NewInt(12_000)) != 0 {
		t.Fatalf("ratio = %v, want 12000", status.RatioBps)
	}
}

func TestBreakerTripsBelowActivation(t *testing.T) {
	state := newMockGuardState(100_000, 0, 60_000, 40_000) // exactly 100%
	guard := newTestGuard(state)

	tripped, err := guard.Reevaluate()
	if err != nil {
		t.Fatalf("reevaluate: %v", err)
	}
	if !tripped || !state.tripped {
		t.Fatal("breaker should trip below 110%")
	}
	if err := guard.Ensure(); err != ErrInsufficientSolvency {
		t.Fatalf("expected ErrInsufficientSolvency, got %v", err)
	}
}

func TestHysteresisHoldsBetweenThresholds(t *testing.T) {
	state := newMockGuardState(100_000, 0, 60_000, 40_000)
	guard := newTestGuard(state)

	if _, err := guard.Reevaluate(); err != nil {
		t.Fatalf("trip: %v", err)
	}

	// Recovery to 115% is not enough; breaker must stay tripped.
	state.pools = big.NewInt(115_000)
	tripped, err := guard.Reevaluate()
	if err != nil {
		t.Fatalf("reevaluate at 115%%: %v", err)
	}
	if !tripped {
		t.Fatal("breaker cleared below the recovery threshold")
	}

	// 130% clears it.
	state.pools = big.NewInt(130_000)
	tripped, err = guard.Reevaluate()
	if err != nil {
		t.Fatalf("reevaluate at 130%%: %v", err)
	}
	if tripped || state.tripped {
		t.Fatal("breaker should clear at the recovery threshold")
	}
}

func TestNormalStaysNormalAboveActivation(t *testing.T) {
	state := newMockGuardState(115_000, 0, 60_000, 40_000) // 115%
	guard := newTestGuard(state)

	tripped, err := guard.Reevaluate()
	if err != nil {
		t.Fatalf("reevaluate: %v", err)
	}
	if tripped || state.transitions != 0 {
		t.Fatal("no transition expected at 115% from Normal")
	}
}

func TestZeroObligationsIsFullySolvent(t *testing.T) {
	state := newMockGuardState(0, 0, 0, 0)
	state.tripped = true
	guard := newTestGuard(state)

	tripped, err := guard.Reevaluate()
	if err != nil {
		t.Fatalf("reevaluate: %v", err)
	}
	if tripped {
		t.Fatal("empty obligations must clear the breaker")
	}
}
