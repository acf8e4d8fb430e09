package treasury

import (
	"errors"
	"math/big"
	"time"

	"settlechain/core/events"
	"settlechain/core/types"
)

// Pool names. The MLM pool is an accounting bucket for pending commissions
// and is not withdrawable through the treasury.
const (
	PoolLiquidity      = "liquidity"
	PoolInfrastructure = "infrastructure"
	PoolCompany        = "company"
	PoolMLM            = "mlm"
)

const (
	dayLayout   = "2006-01-02"
	monthLayout = "2006-01"

	// EventTypePoolWithdrawal is emitted when treasury funds leave a pool.
	EventTypePoolWithdrawal = "treasury.pool.withdrawn"
)

var (
	errStateNotConfigured = errors.New("treasury: state not configured")

	// ErrUnknownPool is returned for a pool name outside the withdrawable set.
	ErrUnknownPool = errors.New("treasury: unknown pool")
	// ErrInvalidAmount rejects zero or negative amounts.
	ErrInvalidAmount = errors.New("treasury: amount must be positive")
	// ErrInsufficientBalance is returned when a withdrawal exceeds the pool
	// balance.
	ErrInsufficientBalance = errors.New("treasury: insufficient pool balance")
	// ErrWithdrawalLimitExceeded is returned when a withdrawal would breach
	// the daily or monthly cap.
	ErrWithdrawalLimitExceeded = errors.New("treasury: withdrawal limit exceeded")
)

type treasuryState interface {
	Pool(name string) (*types.Pool, bool, error)
	PutPool(pool *types.Pool) error
}

// Engine enforces the per-pool withdrawal caps. Period counters reset lazily:
// the first write after a day or month boundary zeroes the matching counter.
type Engine struct {
	state   treasuryState
	emitter events.Emitter
	nowFn   func() time.Time
}

// NewEngine constructs a treasury engine with default no-op dependencies.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
}

// SetState wires the engine to the state backend.
func (e *Engine) SetState(state treasuryState) { e.state = state }

// SetEmitter configures the event emitter. Nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source. Nil restores the default UTC clock.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = func() time.Time { return time.Now().UTC() }
		return
	}
	e.nowFn = now
}

func (e *Engine) now() time.Time {
	if e == nil || e.nowFn == nil {
		return time.Now().UTC()
	}
	return e.nowFn()
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(treasuryEvent{evt: event})
}

// Withdrawable reports whether the named pool accepts treasury withdrawals.
func Withdrawable(name string) bool {
	switch name {
	case PoolLiquidity, PoolInfrastructure, PoolCompany:
		return true
	}
	return false
}

// InitPools creates the four pools with the supplied caps if they do not
// already exist. Called once at genesis.
func (e *Engine) InitPools(dailyLimit, monthlyLimit *big.Int) error {
	if e == nil || e.state == nil {
		return errStateNotConfigured
	}
	now := e.now()
	for _, name := range []string{PoolLiquidity, PoolInfrastructure, PoolCompany, PoolMLM} {
		if _, exists, err := e.state.Pool(name); err != nil {
			return err
		} else if exists {
			continue
		}
		pool := &types.Pool{
			Name:               name,
			Balance:            big.NewInt(0),
			WithdrawnToday:     big.NewInt(0),
			WithdrawnThisMonth: big.NewInt(0),
			DailyLimit:         cloneOrZero(dailyLimit),
			MonthlyLimit:       cloneOrZero(monthlyLimit),
			DayAnchor:          now.Format(dayLayout),
			MonthAnchor:        now.Format(monthLayout),
		}
		if err := e.state.PutPool(pool); err != nil {
			return err
		}
	}
	return nil
}

// Withdraw debits the named pool subject to the balance and both period caps.
// Either every check passes and the full amount moves, or nothing does.
func (e *Engine) Withdraw(name string, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errStateNotConfigured
	}
	if !Withdrawable(name) {
		return ErrUnknownPool
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	pool, ok, err := e.state.Pool(name)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnknownPool
	}

	now := e.now()
	rolloverWindows(pool, now)

	if pool.Balance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	if pool.DailyLimit.Sign() > 0 {
		spent := new(big.Int).Add(pool.WithdrawnToday, amount)
		if spent.Cmp(pool.DailyLimit) > 0 {
			return ErrWithdrawalLimitExceeded
		}
	}
	if pool.MonthlyLimit.Sign() > 0 {
		spent := new(big.Int).Add(pool.WithdrawnThisMonth, amount)
		if spent.Cmp(pool.MonthlyLimit) > 0 {
			return ErrWithdrawalLimitExceeded
		}
	}

	pool.Balance = new(big.Int).Sub(pool.Balance, amount)
	pool.WithdrawnToday = new(big.Int).Add(pool.WithdrawnToday, amount)
	pool.WithdrawnThisMonth = new(big.Int).Add(pool.WithdrawnThisMonth, amount)
	if err := e.state.PutPool(pool); err != nil {
		return err
	}

	e.emit(&types.Event{Type: EventTypePoolWithdrawal, Attributes: map[string]string{
		"pool":   name,
		"amount": amount.String(),
	}})
	return nil
}

// rolloverWindows resets the period counters when the clock has crossed a
// day or month boundary since the last write.
func rolloverWindows(pool *types.Pool, now time.Time) {
	day := now.Format(dayLayout)
	if pool.DayAnchor != day {
		pool.DayAnchor = day
		pool.WithdrawnToday = big.NewInt(0)
	}
	month := now.Format(monthLayout)
	if pool.MonthAnchor != month {
		pool.MonthAnchor = month
		pool.WithdrawnThisMonth = big.NewInt(0)
	}
}

func cloneOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

type treasuryEvent struct {
	evt *types.Event
}

func (t treasuryEvent) EventType() string {
	if t.evt == nil {
		return ""
	}
	return t.evt.Type
}

func (t treasuryEvent) Event() *types.Event { return t.evt }
