package solvency

import (
	"errors"
	"math/big"
	"strconv"

	"settlechain/core/events"
	"settlechain/core/types"
)

// Breaker thresholds in basis points. The gap between activation and
// recovery is deliberate hysteresis: once tripped, the breaker only clears
// well above the trip point.
const (
	DefaultActivationBps uint64 = 11_000
	DefaultRecoveryBps   uint64 = 13_000

	ratioScaleBps = 10_000

	// EventTypeBreakerTripped is emitted when the circuit breaker engages.
	EventTypeBreakerTripped = "solvency.breaker.tripped"
	// EventTypeBreakerCleared is emitted when the circuit breaker releases.
	EventTypeBreakerCleared = "solvency.breaker.cleared"
)

var (
	errStateNotConfigured = errors.New("solvency: state not configured")

	// ErrInsufficientSolvency is returned by guarded operations while the
	// circuit breaker is active.
	ErrInsufficientSolvency = errors.New("solvency: circuit breaker active")
)

type guardState interface {
	PoolBalancesTotal() (*big.Int, error)
	ReserveBalance() (*big.Int, error)
	Obligations() (available, locked *big.Int, err error)
	BreakerTripped() (bool, error)
	SetBreakerTripped(tripped bool) error
}

// Status is one observation of the solvency ratio.
type Status struct {
	ReservesTotal   *big.Int
	ObligationTotal *big.Int
	RatioBps        *big.Int
	Unbounded       bool
	Tripped         bool
}

// Guard computes the reserve/obligation ratio and drives the circuit
// breaker. Reserves are the pool balances plus the unlocked emergency
// reserve; obligations are the outstanding user balances.
type Guard struct {
	state         guardState
	emitter       events.Emitter
	activationBps uint64
	recoveryBps   uint64
}

// NewGuard constructs a guard with the default 110%/130% thresholds.
func NewGuard() *Guard {
	return &Guard{
		emitter:       events.NoopEmitter{},
		activationBps: DefaultActivationBps,
		recoveryBps:   DefaultRecoveryBps,
	}
}

// SetState wires the guard to the state backend.
func (g *Guard) SetState(state guardState) { g.state = state }

// SetEmitter configures the event emitter. Nil resets it to a no-op.
func (g *Guard) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		g.emitter = events.NoopEmitter{}
		return
	}
	g.emitter = emitter
}

// SetThresholds overrides the activation and recovery thresholds. Values are
// ignored unless recovery exceeds activation.
func (g *Guard) SetThresholds(activationBps, recoveryBps uint64) {
	if recoveryBps <= activationBps || activationBps == 0 {
		return
	}
	g.activationBps = activationBps
	g.recoveryBps = recoveryBps
}

func (g *Guard) emit(event *types.Event) {
	if g == nil || g.emitter == nil || event == nil {
		return
	}
	g.emitter.Emit(solvencyEvent{evt: event})
}

// Observe computes the current solvency status without changing the breaker.
func (g *Guard) Observe() (Status, error) {
	if g == nil || g.state == nil {
		return Status{}, errStateNotConfigured
	}
	pools, err := g.state.PoolBalancesTotal()
	if err != nil {
		return Status{}, err
	}
	reserve, err := g.state.ReserveBalance()
	if err != nil {
		return Status{}, err
	}
	available, locked, err := g.state.Obligations()
	if err != nil {
		return Status{}, err
	}
	tripped, err := g.state.BreakerTripped()
	if err != nil {
		return Status{}, err
	}

	reserves := new(big.Int).Add(pools, reserve)
	obligations := new(big.Int).Add(available, locked)
	status := Status{
		ReservesTotal:   reserves,
		ObligationTotal: obligations,
		Tripped:         tripped,
	}
	if obligations.Sign() == 0 {
		status.Unbounded = true
		status.RatioBps = big.NewInt(0)
		return status, nil
	}
	ratio := new(big.Int).Mul(reserves, big.NewInt(ratioScaleBps))
	status.RatioBps = ratio.Div(ratio, obligations)
	return status, nil
}

// Reevaluate recomputes the ratio and applies the hysteresis transitions:
// Normal -> Tripped below the activation threshold, Tripped -> Normal at or
// above the recovery threshold. It returns whether the breaker is tripped
// after the evaluation.
func (g *Guard) Reevaluate() (bool, error) {
	status, err := g.Observe()
	if err != nil {
		return false, err
	}
	if status.Tripped {
		if status.Unbounded || status.RatioBps.Cmp(new(big.Int).SetUint64(g.recoveryBps)) >= 0 {
			if err := g.state.SetBreakerTripped(false); err != nil {
				return true, err
			}
			g.emit(&types.Event{Type: EventTypeBreakerCleared, Attributes: map[string]string{
				"ratioBps":    ratioAttr(status),
				"recoveryBps": strconv.FormatUint(g.recoveryBps, 10),
			}})
			return false, nil
		}
		return true, nil
	}
	if !status.Unbounded && status.RatioBps.Cmp(new(big.Int).SetUint64(g.activationBps)) < 0 {
		if err := g.state.SetBreakerTripped(true); err != nil {
			return false, err
		}
		g.emit(&types.Event{Type: EventTypeBreakerTripped, Attributes: map[string]string{
			"ratioBps":      ratioAttr(status),
			"activationBps": strconv.FormatUint(g.activationBps, 10),
		}})
		return true, nil
	}
	return false, nil
}

// Ensure fails fast with ErrInsufficientSolvency while the breaker is active.
func (g *Guard) Ensure() error {
	if g == nil || g.state == nil {
		return errStateNotConfigured
	}
	tripped, err := g.state.BreakerTripped()
	if err != nil {
		return err
	}
	if tripped {
		return ErrInsufficientSolvency
	}
	return nil
}

func ratioAttr(status Status) string {
	if status.Unbounded {
		return "unbounded"
	}
	return status.RatioBps.String()
}

type solvencyEvent struct {
	evt *types.Event
}

func (s solvencyEvent) EventType() string {
	if s.evt == nil {
		return ""
	}
	return s.evt.Type
}

func (s solvencyEvent) Event() *types.Event { return s.evt }
