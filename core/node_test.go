package core

import (
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"settlechain/core/types"
	"settlechain/native/ledger"
	"settlechain/native/mlm"
	"settlechain/native/proof"
	"settlechain/native/reserve"
	"settlechain/native/solvency"
	"settlechain/native/treasury"
	"settlechain/storage"
)

var (
	owner       = common.HexToAddress("0xaa")
	distributor = common.HexToAddress("0xd1")
	treasurer   = common.HexToAddress("0xe1")
	updater     = common.HexToAddress("0xf1")
	root        = common.HexToAddress("0x01")
)

func member(i int) common.Address {
	return common.HexToAddress(fmt.Sprintf("0x%040x", 0x100+i))
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestNode(t *testing.T) (*Node, *testClock) {
	t.Helper()
	node := NewNode(storage.NewMemDB(), owner)
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	node.SetNowFunc(clock.Now)

	err := node.InitGenesis(GenesisConfig{
		Owner:            owner,
		Root:             root,
		RulebookCID:      "QmPlan",
		RulebookHash:     []byte{0xde, 0xad, 0xbe, 0xef},
		PoolDailyLimit:   big.NewInt(1_000_000_000_000),
		PoolMonthlyLimit: big.NewInt(1_000_000_000_000),
	})
	if err != nil {
		t.Fatalf("genesis: %v", err)
	}
	node.Authority().Grant(RoleDistributor, distributor)
	node.Authority().Grant(RoleTreasury, treasurer)
	node.Authority().Grant(RoleUpdater, updater)
	return node, clock
}

// seedNetwork registers member(1) under root and member(2) under member(1),
// subscribing both.
func seedNetwork(t *testing.T, node *Node, clock *testClock) {
	t.Helper()
	if err := node.RegisterUser(member(1), root); err != nil {
		t.Fatalf("register member 1: %v", err)
	}
	if err := node.RegisterUser(member(2), member(1)); err != nil {
		t.Fatalf("register member 2: %v", err)
	}
	expiry := clock.Now().Add(90 * 24 * time.Hour).Unix()
	for _, addr := range []common.Address{member(1), member(2)} {
		if err := node.SetSubscription(updater, addr, true, expiry); err != nil {
			t.Fatalf("subscribe %s: %v", addr.Hex(), err)
		}
	}
}

func TestGenesisRunsOnce(t *testing.T) {
	node, _ := newTestNode(t)
	err := node.InitGenesis(GenesisConfig{Root: root, RulebookCID: "QmPlan", RulebookHash: []byte{1}})
	if err != ErrAlreadyInitialized {
		t.Fatalf("second genesis: %v", err)
	}
	rulebook, err := node.Rulebook()
	if err != nil {
		t.Fatalf("rulebook: %v", err)
	}
	if rulebook.IPFSCid != "QmPlan" {
		t.Fatalf("rulebook cid = %q", rulebook.IPFSCid)
	}
}

func TestRoleGates(t *testing.T) {
	node, clock := newTestNode(t)
	seedNetwork(t, node, clock)
	stranger := common.HexToAddress("0x99")

	if _, err := node.DepositWeeklyPerformance(stranger, big.NewInt(100), "Qm"); err != ErrUnauthorized {
		t.Fatalf("deposit as stranger: %v", err)
	}
	if err := node.WithdrawPool(stranger, treasury.PoolCompany, big.NewInt(1)); err != ErrUnauthorized {
		t.Fatalf("pool withdraw as stranger: %v", err)
	}
	if err := node.SetSubscription(stranger, member(1), true, 0); err != ErrUnauthorized {
		t.Fatalf("subscription as stranger: %v", err)
	}
	if _, err := node.SubmitWeeklyProof(stranger, 1, "Qm", 1, nil, nil); err != ErrUnauthorized {
		t.Fatalf("proof as stranger: %v", err)
	}
	if _, err := node.FinalizeWeek(distributor, 1); err != ErrUnauthorized {
		t.Fatalf("finalize as distributor: %v", err)
	}
	// The owner holds every role implicitly.
	if _, err := node.DepositWeeklyPerformance(owner, big.NewInt(1_000), "Qm"); err != nil {
		t.Fatalf("deposit as owner: %v", err)
	}
}

func TestDepositAndDistributionFlow(t *testing.T) {
	node, clock := newTestNode(t)
	seedNetwork(t, node, clock)

	week, err := node.DepositWeeklyPerformance(distributor, big.NewInt(1_000_000), "QmWeek1")
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if week != 1 {
		t.Fatalf("week = %d, want 1", week)
	}

	receipt, err := node.ProcessDistributionBatch(distributor, week, 50)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !receipt.Completed || receipt.ProcessedUsers != 2 {
		t.Fatalf("receipt: %+v", receipt)
	}

	// Snapshot share is 600,000 MLM / 2 subscribers = 300,000 each.
	// member(2)'s chain pays member(1) 6% and root 3%; member(1)'s chain
	// pays root 6%.
	rootDash, err := node.GetUserDashboard(root)
	if err != nil {
		t.Fatalf("root dashboard: %v", err)
	}
	if rootDash.TotalEarned.Cmp(big.NewInt(27_000)) != 0 {
		t.Fatalf("root earned %v, want 27000", rootDash.TotalEarned)
	}
	memberDash, err := node.GetUserDashboard(member(1))
	if err != nil {
		t.Fatalf("member dashboard: %v", err)
	}
	if memberDash.TotalEarned.Cmp(big.NewInt(18_000)) != 0 {
		t.Fatalf("member earned %v, want 18000", memberDash.TotalEarned)
	}
	if memberDash.AvailableBalance.Cmp(big.NewInt(12_600)) != 0 {
		t.Fatalf("member available %v, want 12600", memberDash.AvailableBalance)
	}
	if memberDash.LockedBalance.Cmp(big.NewInt(5_400)) != 0 {
		t.Fatalf("member locked %v, want 5400", memberDash.LockedBalance)
	}

	state, err := node.GetSystemState()
	if err != nil {
		t.Fatalf("system state: %v", err)
	}
	if state.CurrentWeek != 1 {
		t.Fatalf("currentWeek = %d", state.CurrentWeek)
	}
	if state.TotalDeposited.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("totalDeposited = %v", state.TotalDeposited)
	}
	if state.TotalDistributed.Cmp(big.NewInt(45_000)) != 0 {
		t.Fatalf("totalDistributed = %v", state.TotalDistributed)
	}
	// The undistributed MLM remainder sweeps into the company pool.
	if state.PoolBalances[treasury.PoolMLM].Sign() != 0 {
		t.Fatalf("mlm pool = %v", state.PoolBalances[treasury.PoolMLM])
	}
	if state.PoolBalances[treasury.PoolCompany].Cmp(big.NewInt(785_000)) != 0 {
		t.Fatalf("company pool = %v", state.PoolBalances[treasury.PoolCompany])
	}
	if state.ReserveBalance.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("reserve = %v", state.ReserveBalance)
	}

	if _, err := node.ProcessDistributionBatch(distributor, week, 50); !errors.Is(err, mlm.ErrBatchAlreadyCompleted) {
		t.Fatalf("re-process: %v", err)
	}
}

func TestUserWithdraw(t *testing.T) {
	node, clock := newTestNode(t)
	seedNetwork(t, node, clock)
	if _, err := node.DepositWeeklyPerformance(distributor, big.NewInt(1_000_000), "QmWeek1"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := node.ProcessDistributionBatch(distributor, 1, 50); err != nil {
		t.Fatalf("process: %v", err)
	}

	if err := node.Withdraw(member(1), big.NewInt(12_600)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if err := node.Withdraw(member(1), big.NewInt(1)); err != ledger.ErrInsufficientBalance {
		t.Fatalf("overdraw: %v", err)
	}
	dash, err := node.GetUserDashboard(member(1))
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	if dash.TotalWithdrawn.Cmp(big.NewInt(12_600)) != 0 {
		t.Fatalf("totalWithdrawn = %v", dash.TotalWithdrawn)
	}
	if dash.LockedBalance.Cmp(big.NewInt(5_400)) != 0 {
		t.Fatalf("locked balance touched: %v", dash.LockedBalance)
	}
}

func TestBreakerBlocksOperations(t *testing.T) {
	node, clock := newTestNode(t)
	seedNetwork(t, node, clock)
	if _, err := node.DepositWeeklyPerformance(distributor, big.NewInt(1_000_000), "QmWeek1"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := node.ProcessDistributionBatch(distributor, 1, 50); err != nil {
		t.Fatalf("process: %v", err)
	}

	// Drain the withdrawable pools until reserves no longer cover the user
	// obligations at the activation threshold.
	state, err := node.GetSystemState()
	if err != nil {
		t.Fatalf("system state: %v", err)
	}
	for _, name := range []string{treasury.PoolLiquidity, treasury.PoolInfrastructure, treasury.PoolCompany} {
		balance := state.PoolBalances[name]
		if balance.Sign() == 0 {
			continue
		}
		if err := node.WithdrawPool(treasurer, name, balance); err != nil {
			t.Fatalf("drain %s: %v", name, err)
		}
	}

	state, err = node.GetSystemState()
	if err != nil {
		t.Fatalf("system state after drain: %v", err)
	}
	if !state.BreakerTripped {
		t.Fatalf("breaker not tripped, ratio %v bps", state.SolvencyRatioBps)
	}

	if err := node.Withdraw(member(1), big.NewInt(1)); err != solvency.ErrInsufficientSolvency {
		t.Fatalf("withdraw while tripped: %v", err)
	}
	if _, err := node.DepositWeeklyPerformance(distributor, big.NewInt(100), "Qm"); err != solvency.ErrInsufficientSolvency {
		t.Fatalf("deposit while tripped: %v", err)
	}
	if err := node.WithdrawPool(treasurer, treasury.PoolCompany, big.NewInt(1)); err != solvency.ErrInsufficientSolvency {
		t.Fatalf("pool withdraw while tripped: %v", err)
	}
}

func TestReserveGovernanceFlow(t *testing.T) {
	node, clock := newTestNode(t)
	seedNetwork(t, node, clock)
	if _, err := node.DepositWeeklyPerformance(distributor, big.NewInt(1_000_000), "QmWeek1"); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if _, err := node.ProposeReserveUsage(distributor, big.NewInt(5_000), "ops", types.ReserveDestinationCompany, common.Address{}); err != ErrUnauthorized {
		t.Fatalf("propose as distributor: %v", err)
	}

	proposal, err := node.ProposeReserveUsage(owner, big.NewInt(5_000), "infrastructure incident", types.ReserveDestinationCompany, common.Address{})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}

	if _, err := node.ExecuteProposal(owner, proposal.ID); err != reserve.ErrTimelockNotElapsed {
		t.Fatalf("early execute: %v", err)
	}
	clock.Advance(reserve.Timelock)
	executed, err := node.ExecuteProposal(owner, proposal.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !executed.Executed {
		t.Fatalf("proposal not executed: %+v", executed)
	}

	state, err := node.GetSystemState()
	if err != nil {
		t.Fatalf("system state: %v", err)
	}
	if state.ReserveBalance.Cmp(big.NewInt(5_000)) != 0 {
		t.Fatalf("reserve = %v, want 5000", state.ReserveBalance)
	}

	// A cancelled proposal frees the single active slot.
	second, err := node.ProposeReserveUsage(owner, big.NewInt(1_000), "disputed", types.ReserveDestinationLiquidityPool, common.Address{})
	if err != nil {
		t.Fatalf("second propose: %v", err)
	}
	if _, err := node.CancelProposal(owner, second.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	stored, ok, err := node.GetReserveProposal(second.ID)
	if err != nil || !ok {
		t.Fatalf("lookup: %v %v", ok, err)
	}
	if !stored.Cancelled {
		t.Fatal("proposal not cancelled")
	}
}

func TestProofLifecycleThroughNode(t *testing.T) {
	node, _ := newTestNode(t)

	if _, err := node.SubmitWeeklyProof(updater, 1, "QmA", 2, big.NewInt(45_000), big.NewInt(1_000_000)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := node.FinalizeWeek(owner, 1); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if _, err := node.SubmitWeeklyProof(updater, 1, "QmB", 2, nil, nil); err != proof.ErrProofFinalized {
		t.Fatalf("submit after finalize: %v", err)
	}
	record, ok, err := node.GetWeeklyProof(1)
	if err != nil || !ok {
		t.Fatalf("lookup: %v %v", ok, err)
	}
	if record.IPFSHash != "QmA" {
		t.Fatalf("finalized hash mutated: %q", record.IPFSHash)
	}
	weeks, err := node.GetAllWeeks()
	if err != nil || len(weeks) != 1 || weeks[0] != 1 {
		t.Fatalf("weeks = %v (%v)", weeks, err)
	}
}

func TestFailedOperationLeavesNoTrace(t *testing.T) {
	node, clock := newTestNode(t)
	seedNetwork(t, node, clock)

	// Registering under an unknown sponsor must not leave a partial user.
	err := node.RegisterUser(member(3), common.HexToAddress("0x9999"))
	if err != ledger.ErrSponsorUnknown {
		t.Fatalf("register: %v", err)
	}
	if _, err := node.GetUserDashboard(member(3)); err != ledger.ErrUserUnknown {
		t.Fatalf("phantom user: %v", err)
	}
}
