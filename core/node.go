package core

import (
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"settlechain/core/events"
	"settlechain/core/state"
	"settlechain/core/types"
	"settlechain/native/deposit"
	"settlechain/native/ledger"
	"settlechain/native/mlm"
	"settlechain/native/proof"
	"settlechain/native/reserve"
	"settlechain/native/solvency"
	"settlechain/native/treasury"
	"settlechain/storage"
)

var (
	// ErrAlreadyInitialized is returned when genesis runs twice.
	ErrAlreadyInitialized = errors.New("core: ledger already initialized")
	// ErrNotInitialized is returned when an operation runs before genesis.
	ErrNotInitialized = errors.New("core: ledger not initialized")
)

// GenesisConfig seeds a fresh ledger.
type GenesisConfig struct {
	Owner            common.Address
	Root             common.Address
	RulebookCID      string
	RulebookHash     []byte
	PoolDailyLimit   *big.Int
	PoolMonthlyLimit *big.Int
}

// SystemState is the aggregate snapshot served to dashboards.
type SystemState struct {
	CurrentWeek       uint64              `json:"currentWeek"`
	PoolBalances      map[string]*big.Int `json:"poolBalances"`
	ReserveBalance    *big.Int            `json:"reserveBalance"`
	TotalDeposited    *big.Int            `json:"totalDeposited"`
	TotalDistributed  *big.Int            `json:"totalDistributed"`
	SolvencyRatioBps  *big.Int            `json:"solvencyRatioBps"`
	SolvencyUnbounded bool                `json:"solvencyUnbounded"`
	BreakerTripped    bool                `json:"breakerTripped"`
	ActiveUsers       int                 `json:"activeUsers"`
}

// UserDashboard is the per-user read model.
type UserDashboard struct {
	Address                common.Address `json:"address"`
	Sponsor                common.Address `json:"sponsor"`
	HasSponsor             bool           `json:"hasSponsor"`
	DirectReferrals        uint32         `json:"directReferrals"`
	QualifiedForDeepLevels bool           `json:"qualifiedForDeepLevels"`
	SubscriptionActive     bool           `json:"subscriptionActive"`
	SubscriptionExpiry     int64          `json:"subscriptionExpiry"`
	AvailableBalance       *big.Int       `json:"availableBalance"`
	LockedBalance          *big.Int       `json:"lockedBalance"`
	TotalEarned            *big.Int       `json:"totalEarned"`
	TotalWithdrawn         *big.Int       `json:"totalWithdrawn"`
}

// Node is the single sequential writer over the settlement ledger. Every
// mutating operation takes the write lock, runs inside one state transaction,
// and either commits fully or leaves no trace.
type Node struct {
	mu sync.RWMutex

	ledger    *state.Ledger
	authority *Authority

	registry     *ledger.Registry
	treasury     *treasury.Engine
	router       *deposit.Router
	distribution *mlm.Engine
	guard        *solvency.Guard
	governor     *reserve.Governor
	anchor       *proof.Anchor
}

// NewNode wires the engines over the given storage backend. Role grants and
// genesis happen separately.
func NewNode(db storage.Database, owner common.Address) *Node {
	led := state.NewLedger(db)
	node := &Node{
		ledger:       led,
		authority:    NewAuthority(owner),
		registry:     ledger.NewRegistry(),
		treasury:     treasury.NewEngine(),
		router:       deposit.NewRouter(),
		distribution: mlm.NewEngine(),
		guard:        solvency.NewGuard(),
		governor:     reserve.NewGovernor(),
		anchor:       proof.NewAnchor(),
	}
	node.registry.SetState(led)
	node.treasury.SetState(led)
	node.router.SetState(led)
	node.router.SetSubscriberSource(node.registry)
	node.distribution.SetState(led)
	node.distribution.SetSolvencyGate(node.guard)
	node.guard.SetState(led)
	node.governor.SetState(led)
	node.governor.SetSubscriberSource(node.registry)
	node.anchor.SetState(led)
	return node
}

// Authority exposes the role table, for configuration at startup.
func (n *Node) Authority() *Authority { return n.authority }

// SetEmitter propagates one event emitter to every engine.
func (n *Node) SetEmitter(emitter events.Emitter) {
	n.registry.SetEmitter(emitter)
	n.treasury.SetEmitter(emitter)
	n.router.SetEmitter(emitter)
	n.distribution.SetEmitter(emitter)
	n.guard.SetEmitter(emitter)
	n.governor.SetEmitter(emitter)
	n.anchor.SetEmitter(emitter)
}

// SetNowFunc propagates one clock to every time-gated engine.
func (n *Node) SetNowFunc(now func() time.Time) {
	n.registry.SetNowFunc(now)
	n.treasury.SetNowFunc(now)
	n.router.SetNowFunc(now)
	n.governor.SetNowFunc(now)
	n.anchor.SetNowFunc(now)
}

// SetSolvencyThresholds overrides the breaker thresholds before serving.
func (n *Node) SetSolvencyThresholds(activationBps, recoveryBps uint64) {
	n.guard.SetThresholds(activationBps, recoveryBps)
}

func (n *Node) withTx(fn func() error) error {
	if err := n.ledger.Begin(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		n.ledger.Rollback()
		return err
	}
	return n.ledger.Commit()
}

// InitGenesis seeds the ledger: pools, the root user, and the immutable
// rulebook anchor. It fails if the ledger has already been initialized.
func (n *Node) InitGenesis(genesis GenesisConfig) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok, err := n.ledger.Rulebook(); err != nil {
		return err
	} else if ok {
		return ErrAlreadyInitialized
	}
	n.registry.SetRoot(genesis.Root)
	return n.withTx(func() error {
		if err := n.treasury.InitPools(genesis.PoolDailyLimit, genesis.PoolMonthlyLimit); err != nil {
			return err
		}
		if err := n.registry.Register(genesis.Root, common.Address{}); err != nil {
			return err
		}
		_, err := n.anchor.AnchorRulebook(genesis.RulebookCID, genesis.RulebookHash)
		return err
	})
}

// LoadGenesisRoot restores the registry's root marker on restart.
func (n *Node) LoadGenesisRoot(root common.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.registry.SetRoot(root)
}

// RegisterUser adds a leaf user under an existing sponsor.
func (n *Node) RegisterUser(addr, sponsor common.Address) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.withTx(func() error {
		return n.registry.Register(addr, sponsor)
	})
}

// SetSubscription records a user's activation state. Backend role.
func (n *Node) SetSubscription(caller, addr common.Address, active bool, expiry int64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.authority.Require(RoleUpdater, caller); err != nil {
		return err
	}
	return n.withTx(func() error {
		return n.registry.SetSubscription(addr, active, expiry)
	})
}

// DepositWeeklyPerformance routes a weekly deposit. Distributor role;
// rejected while the circuit breaker is active.
func (n *Node) DepositWeeklyPerformance(caller common.Address, amount *big.Int, proofTag string) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.authority.Require(RoleDistributor, caller); err != nil {
		return 0, err
	}
	var week uint64
	err := n.withTx(func() error {
		if err := n.guard.Ensure(); err != nil {
			return err
		}
		var err error
		week, err = n.router.DepositWeeklyPerformance(amount, proofTag)
		if err != nil {
			return err
		}
		// A deposit raises reserves; it may clear a previously tripped
		// breaker on the next evaluation but never trips it.
		_, err = n.guard.Reevaluate()
		return err
	})
	if err != nil {
		return 0, err
	}
	return week, nil
}

// ProcessDistributionBatch walks the next chunk of the week's batch. The
// cursor progress made before a solvency pause is committed, and the pause is
// surfaced as solvency.ErrInsufficientSolvency alongside the receipt.
func (n *Node) ProcessDistributionBatch(caller common.Address, week uint64, chunkSize int) (*mlm.Receipt, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.authority.Require(RoleDistributor, caller); err != nil {
		return nil, err
	}
	if err := n.ledger.Begin(); err != nil {
		return nil, err
	}
	receipt, err := n.distribution.ProcessBatch(week, chunkSize)
	if err != nil {
		n.ledger.Rollback()
		return nil, err
	}
	if err := n.ledger.Commit(); err != nil {
		return nil, err
	}
	if receipt.PausedForSolvency {
		return receipt, solvency.ErrInsufficientSolvency
	}
	return receipt, nil
}

// Withdraw pays out from the caller's available balance. Blocked while the
// breaker is active.
func (n *Node) Withdraw(caller common.Address, amount *big.Int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.withTx(func() error {
		if err := n.guard.Ensure(); err != nil {
			return err
		}
		if err := n.registry.Withdraw(caller, amount); err != nil {
			return err
		}
		_, err := n.guard.Reevaluate()
		return err
	})
}

// WithdrawPool draws from a named treasury pool. Treasury role; blocked while
// the breaker is active.
func (n *Node) WithdrawPool(caller common.Address, pool string, amount *big.Int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.authority.Require(RoleTreasury, caller); err != nil {
		return err
	}
	return n.withTx(func() error {
		if err := n.guard.Ensure(); err != nil {
			return err
		}
		if err := n.treasury.Withdraw(pool, amount); err != nil {
			return err
		}
		_, err := n.guard.Reevaluate()
		return err
	})
}

// ProposeReserveUsage opens a timelocked draw on the emergency reserve.
// Owner role.
func (n *Node) ProposeReserveUsage(caller common.Address, amount *big.Int, justification string, destination types.ReserveDestination, recipient common.Address) (*types.ReserveProposal, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.authority.Require(RoleOwner, caller); err != nil {
		return nil, err
	}
	var proposal *types.ReserveProposal
	err := n.withTx(func() error {
		var err error
		proposal, err = n.governor.Propose(caller, amount, justification, destination, recipient)
		return err
	})
	if err != nil {
		return nil, err
	}
	return proposal, nil
}

// ExecuteProposal moves a matured reserve draw. Owner role.
func (n *Node) ExecuteProposal(caller common.Address, id uint64) (*types.ReserveProposal, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.authority.Require(RoleOwner, caller); err != nil {
		return nil, err
	}
	var proposal *types.ReserveProposal
	err := n.withTx(func() error {
		var err error
		proposal, err = n.governor.Execute(id)
		if err != nil {
			return err
		}
		// Executing a draw moves or removes reserves; re-check the breaker.
		_, err = n.guard.Reevaluate()
		return err
	})
	if err != nil {
		return nil, err
	}
	return proposal, nil
}

// CancelProposal terminates a pending reserve draw. The proposer may cancel
// their own; the owner may cancel any.
func (n *Node) CancelProposal(caller common.Address, id uint64) (*types.ReserveProposal, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	var proposal *types.ReserveProposal
	err := n.withTx(func() error {
		var err error
		proposal, err = n.governor.Cancel(id, caller, n.authority.HasRole(RoleOwner, caller))
		return err
	})
	if err != nil {
		return nil, err
	}
	return proposal, nil
}

// SubmitWeeklyProof upserts the week's draft audit record. Backend role.
func (n *Node) SubmitWeeklyProof(caller common.Address, week uint64, ipfsHash string, totalUsers uint64, totalCommissions, totalProfits *big.Int) (*types.WeeklyProof, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.authority.Require(RoleUpdater, caller); err != nil {
		return nil, err
	}
	var record *types.WeeklyProof
	err := n.withTx(func() error {
		var err error
		record, err = n.anchor.SubmitWeeklyProof(caller, week, ipfsHash, totalUsers, totalCommissions, totalProfits)
		return err
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// FinalizeWeek freezes the week's proof permanently. Owner role.
func (n *Node) FinalizeWeek(caller common.Address, week uint64) (*types.WeeklyProof, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.authority.Require(RoleOwner, caller); err != nil {
		return nil, err
	}
	var record *types.WeeklyProof
	err := n.withTx(func() error {
		var err error
		record, err = n.anchor.FinalizeWeek(week)
		return err
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// GetSystemState assembles the aggregate dashboard snapshot.
func (n *Node) GetSystemState() (*SystemState, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	week, err := n.ledger.CurrentWeek()
	if err != nil {
		return nil, err
	}
	balances := map[string]*big.Int{}
	for _, name := range []string{treasury.PoolLiquidity, treasury.PoolInfrastructure, treasury.PoolCompany, treasury.PoolMLM} {
		pool, ok, err := n.ledger.Pool(name)
		if err != nil {
			return nil, err
		}
		if ok {
			balances[name] = pool.Balance
		} else {
			balances[name] = big.NewInt(0)
		}
	}
	reserveBalance, err := n.ledger.ReserveBalance()
	if err != nil {
		return nil, err
	}
	deposited, err := n.ledger.TotalDeposited()
	if err != nil {
		return nil, err
	}
	distributed, err := n.ledger.TotalDistributed()
	if err != nil {
		return nil, err
	}
	status, err := n.guard.Observe()
	if err != nil {
		return nil, err
	}
	active, err := n.registry.ActiveUserCount()
	if err != nil {
		return nil, err
	}
	return &SystemState{
		CurrentWeek:       week,
		PoolBalances:      balances,
		ReserveBalance:    reserveBalance,
		TotalDeposited:    deposited,
		TotalDistributed:  distributed,
		SolvencyRatioBps:  status.RatioBps,
		SolvencyUnbounded: status.Unbounded,
		BreakerTripped:    status.Tripped,
		ActiveUsers:       active,
	}, nil
}

// GetUserDashboard returns the per-user read model.
func (n *Node) GetUserDashboard(addr common.Address) (*UserDashboard, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	user, ok, err := n.ledger.GetUser(addr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ledger.ErrUserUnknown
	}
	return &UserDashboard{
		Address:                user.Address,
		Sponsor:                user.Sponsor,
		HasSponsor:             user.HasSponsor,
		DirectReferrals:        user.DirectReferrals,
		QualifiedForDeepLevels: mlm.QualifiedForDeepLevels(user.DirectReferrals),
		SubscriptionActive:     user.SubscriptionActive,
		SubscriptionExpiry:     user.SubscriptionExpiry,
		AvailableBalance:       user.AvailableBalance,
		LockedBalance:          user.LockedBalance,
		TotalEarned:            user.TotalEarned,
		TotalWithdrawn:         user.TotalWithdrawn,
	}, nil
}

// GetWeeklyProof returns the stored proof for the week, if any.
func (n *Node) GetWeeklyProof(week uint64) (*types.WeeklyProof, bool, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.anchor.WeeklyProof(week)
}

// GetAllWeeks lists every week with a stored proof, ascending.
func (n *Node) GetAllWeeks() ([]uint64, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.anchor.Weeks()
}

// GetReserveProposal returns a stored proposal by id.
func (n *Node) GetReserveProposal(id uint64) (*types.ReserveProposal, bool, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.ledger.GetReserveProposal(id)
}

// GetBatch returns the distribution cursor for a week.
func (n *Node) GetBatch(week uint64) (*types.DistributionBatch, bool, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.ledger.GetBatch(week)
}

// Rulebook returns the anchored commission plan, if genesis has run.
func (n *Node) Rulebook() (*types.Rulebook, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	rulebook, ok, err := n.ledger.Rulebook()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotInitialized
	}
	return rulebook, nil
}
