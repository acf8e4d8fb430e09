package deposit

import (
	"errors"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"settlechain/core/events"
	"settlechain/core/types"
	"settlechain/native/treasury"
)

// Deposit share constants in basis points. The emergency reserve is carved
// out of the liquidity share: 20% of the 5% liquidity allocation, i.e. 1% of
// every deposit.
const (
	LiquidityShareBps      = 500
	InfrastructureShareBps = 1200
	CompanyShareBps        = 2300
	MLMShareBps            = 6000
	ReserveOfLiquidityBps  = 2000

	bpsDenominator = 10_000

	// EventTypeDepositRouted is emitted once a weekly deposit has been split
	// across the pools and its distribution batch opened.
	EventTypeDepositRouted = "deposit.routed"
)

var (
	errStateNotConfigured = errors.New("deposit: state not configured")

	// ErrInvalidAmount rejects zero or negative deposits.
	ErrInvalidAmount = errors.New("deposit: amount must be positive")
	// ErrMissingProofTag rejects deposits without an IPFS proof tag.
	ErrMissingProofTag = errors.New("deposit: proof tag required")
)

type routerState interface {
	CreditPool(name string, amount *big.Int) error
	CreditReserve(amount *big.Int) error
	PutDeposit(deposit *types.WeeklyDeposit) error
	PutBatch(batch *types.DistributionBatch) error
	CurrentWeek() (uint64, error)
	SetCurrentWeek(week uint64) error
	AddTotalDeposited(amount *big.Int) error
}

type subscriberSource interface {
	SubscribedUsers() ([]common.Address, error)
}

// Split is the exact decomposition of one weekly deposit. LiquidityNet plus
// Reserve equals the gross 5% liquidity share; Company absorbs the rounding
// remainder so every part sums back to the deposited amount.
type Split struct {
	LiquidityNet   *big.Int
	Reserve        *big.Int
	Infrastructure *big.Int
	Company        *big.Int
	MLM            *big.Int
}

// Total sums the split back together.
func (s Split) Total() *big.Int {
	total := new(big.Int).Add(s.LiquidityNet, s.Reserve)
	total.Add(total, s.Infrastructure)
	total.Add(total, s.Company)
	total.Add(total, s.MLM)
	return total
}

// ComputeSplit decomposes amount using integer bps arithmetic. Each share
// rounds down; the company share takes the remainder.
func ComputeSplit(amount *big.Int) Split {
	liquidityGross := bpsShare(amount, LiquidityShareBps)
	infrastructure := bpsShare(amount, InfrastructureShareBps)
	mlm := bpsShare(amount, MLMShareBps)
	company := new(big.Int).Sub(amount, liquidityGross)
	company.Sub(company, infrastructure)
	company.Sub(company, mlm)

	reserve := bpsShare(liquidityGross, ReserveOfLiquidityBps)
	liquidityNet := new(big.Int).Sub(liquidityGross, reserve)

	return Split{
		LiquidityNet:   liquidityNet,
		Reserve:        reserve,
		Infrastructure: infrastructure,
		Company:        company,
		MLM:            mlm,
	}
}

func bpsShare(amount *big.Int, bps int64) *big.Int {
	share := new(big.Int).Mul(amount, big.NewInt(bps))
	return share.Div(share, big.NewInt(bpsDenominator))
}

// Router accepts weekly performance deposits, splits them across the pools,
// and opens the distribution batch for the week.
type Router struct {
	state       routerState
	subscribers subscriberSource
	emitter     events.Emitter
	nowFn       func() time.Time
}

// NewRouter constructs a deposit router with default no-op dependencies.
func NewRouter() *Router {
	return &Router{
		emitter: events.NoopEmitter{},
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
}

// SetState wires the router to the state backend.
func (r *Router) SetState(state routerState) { r.state = state }

// SetSubscriberSource wires the source of the batch snapshot, normally the
// user registry.
func (r *Router) SetSubscriberSource(src subscriberSource) { r.subscribers = src }

// SetEmitter configures the event emitter. Nil resets it to a no-op.
func (r *Router) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		r.emitter = events.NoopEmitter{}
		return
	}
	r.emitter = emitter
}

// SetNowFunc overrides the time source. Nil restores the default UTC clock.
func (r *Router) SetNowFunc(now func() time.Time) {
	if now == nil {
		r.nowFn = func() time.Time { return time.Now().UTC() }
		return
	}
	r.nowFn = now
}

func (r *Router) now() time.Time {
	if r == nil || r.nowFn == nil {
		return time.Now().UTC()
	}
	return r.nowFn()
}

func (r *Router) emit(event *types.Event) {
	if r == nil || r.emitter == nil || event == nil {
		return
	}
	r.emitter.Emit(depositEvent{evt: event})
}

// DepositWeeklyPerformance routes one weekly performance deposit. It
// allocates the next week number, credits the pools and the emergency
// reserve, and opens a distribution batch over the current subscriber
// snapshot. The caller is responsible for role and circuit-breaker checks.
func (r *Router) DepositWeeklyPerformance(amount *big.Int, proofTag string) (uint64, error) {
	if r == nil || r.state == nil || r.subscribers == nil {
		return 0, errStateNotConfigured
	}
	if amount == nil || amount.Sign() <= 0 {
		return 0, ErrInvalidAmount
	}
	if strings.TrimSpace(proofTag) == "" {
		return 0, ErrMissingProofTag
	}

	split := ComputeSplit(amount)
	if err := r.state.CreditPool(treasury.PoolLiquidity, split.LiquidityNet); err != nil {
		return 0, err
	}
	if err := r.state.CreditReserve(split.Reserve); err != nil {
		return 0, err
	}
	if err := r.state.CreditPool(treasury.PoolInfrastructure, split.Infrastructure); err != nil {
		return 0, err
	}
	if err := r.state.CreditPool(treasury.PoolCompany, split.Company); err != nil {
		return 0, err
	}
	if err := r.state.CreditPool(treasury.PoolMLM, split.MLM); err != nil {
		return 0, err
	}

	current, err := r.state.CurrentWeek()
	if err != nil {
		return 0, err
	}
	week := current + 1
	if err := r.state.SetCurrentWeek(week); err != nil {
		return 0, err
	}

	snapshot, err := r.subscribers.SubscribedUsers()
	if err != nil {
		return 0, err
	}

	now := r.now().Unix()
	record := &types.WeeklyDeposit{
		Week:       week,
		Amount:     new(big.Int).Set(amount),
		ProofTag:   proofTag,
		ReceivedAt: now,
	}
	if err := r.state.PutDeposit(record); err != nil {
		return 0, err
	}

	batch := &types.DistributionBatch{
		Week:           week,
		TotalAmount:    new(big.Int).Set(split.MLM),
		Snapshot:       snapshot,
		SnapshotDigest: snapshotDigest(snapshot),
		StartIndex:     0,
		EndIndex:       len(snapshot),
		Distributed:    big.NewInt(0),
		Redirected:     big.NewInt(0),
	}
	// An empty snapshot completes immediately; the whole MLM share stays in
	// the pool for the batch engine's completion sweep.
	if err := r.state.PutBatch(batch); err != nil {
		return 0, err
	}

	if err := r.state.AddTotalDeposited(amount); err != nil {
		return 0, err
	}

	r.emit(&types.Event{Type: EventTypeDepositRouted, Attributes: map[string]string{
		"week":           strconv.FormatUint(week, 10),
		"amount":         amount.String(),
		"proofTag":       proofTag,
		"liquidity":      split.LiquidityNet.String(),
		"reserve":        split.Reserve.String(),
		"infrastructure": split.Infrastructure.String(),
		"company":        split.Company.String(),
		"mlm":            split.MLM.String(),
		"snapshotSize":   strconv.Itoa(len(snapshot)),
	}})
	return week, nil
}

func snapshotDigest(snapshot []common.Address) []byte {
	buf := make([]byte, 0, len(snapshot)*common.AddressLength)
	for _, addr := range snapshot {
		buf = append(buf, addr.Bytes()...)
	}
	return ethcrypto.Keccak256(buf)
}

type depositEvent struct {
	evt *types.Event
}

func (d depositEvent) EventType() string {
	if d.evt == nil {
		return ""
	}
	return d.evt.Type
}

func (d depositEvent) Event() *types.Event { return d.evt }
