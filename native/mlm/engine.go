package mlm

import (
	"errors"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"settlechain/core/events"
	"settlechain/core/types"
	"settlechain/native/solvency"
	"settlechain/native/treasury"
)

// DefaultChunkSize bounds how many snapshot entries one ProcessBatch call
// walks before yielding the cursor.
const DefaultChunkSize = 50

const (
	// EventTypeBatchChunk is emitted after each processed chunk.
	EventTypeBatchChunk = "mlm.batch.chunk"
	// EventTypeBatchCompleted is emitted when a week's batch finishes.
	EventTypeBatchCompleted = "mlm.batch.completed"
	// EventTypeCommissionCredited is emitted per commission credit.
	EventTypeCommissionCredited = "mlm.commission.credited"
)

var (
	errStateNotConfigured = errors.New("mlm: state not configured")

	// ErrInvalidWeek is returned when no deposit exists for the week.
	ErrInvalidWeek = errors.New("mlm: unknown week")
	// ErrBatchAlreadyCompleted is returned when the batch has already been
	// processed to completion.
	ErrBatchAlreadyCompleted = errors.New("mlm: batch already completed")
)

type engineState interface {
	GetUser(addr common.Address) (*types.User, bool, error)
	PutUser(user *types.User) error
	GetDeposit(week uint64) (*types.WeeklyDeposit, bool, error)
	PutDeposit(deposit *types.WeeklyDeposit) error
	GetBatch(week uint64) (*types.DistributionBatch, bool, error)
	PutBatch(batch *types.DistributionBatch) error
	DebitPool(name string, amount *big.Int) error
	CreditPool(name string, amount *big.Int) error
	AddObligations(availableDelta, lockedDelta *big.Int) error
	AddTotalDistributed(amount *big.Int) error
}

// SolvencyGate is the hook the engine uses to re-check the circuit breaker
// between credits. Reevaluate returns whether the breaker is tripped after
// the check.
type SolvencyGate interface {
	Reevaluate() (bool, error)
}

// Receipt summarises one ProcessBatch call.
type Receipt struct {
	Week              uint64
	ProcessedInCall   int
	ProcessedUsers    uint32
	CreditsApplied    int
	Distributed       *big.Int
	Completed         bool
	PausedForSolvency bool
}

// Engine walks batch snapshots and credits sponsor chains. It is strictly
// sequential; the resumable cursor in the batch record is the only
// concurrency concession.
type Engine struct {
	state   engineState
	gate    SolvencyGate
	emitter events.Emitter
}

// NewEngine constructs a distribution engine with default no-op dependencies.
func NewEngine() *Engine {
	return &Engine{emitter: events.NoopEmitter{}}
}

// SetState wires the engine to the state backend.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetSolvencyGate wires the circuit-breaker hook. A nil gate disables the
// mid-batch checks.
func (e *Engine) SetSolvencyGate(gate SolvencyGate) { e.gate = gate }

// SetEmitter configures the event emitter. Nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(mlmEvent{evt: event})
}

func (e *Engine) gateTripped() (bool, error) {
	if e.gate == nil {
		return false, nil
	}
	return e.gate.Reevaluate()
}

// ProcessBatch processes up to chunkSize snapshot entries of the week's
// batch, starting at the persisted cursor. Re-invoking continues where the
// previous call stopped; once the cursor reaches the end the batch is marked
// completed and the parent deposit processed. A solvency pause commits the
// progress made so far and sets PausedForSolvency on the receipt.
func (e *Engine) ProcessBatch(week uint64, chunkSize int) (*Receipt, error) {
	if e == nil || e.state == nil {
		return nil, errStateNotConfigured
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	deposit, ok, err := e.state.GetDeposit(week)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidWeek
	}
	batch, ok, err := e.state.GetBatch(week)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidWeek
	}
	if batch.Completed {
		return nil, ErrBatchAlreadyCompleted
	}

	// Fail fast before touching anything if the breaker is already active.
	if tripped, err := e.gateTripped(); err != nil {
		return nil, err
	} else if tripped {
		return nil, solvency.ErrInsufficientSolvency
	}

	share := perUserShare(batch)
	receipt := &Receipt{Week: week}
	end := batch.StartIndex + chunkSize
	if end > batch.EndIndex {
		end = batch.EndIndex
	}

	for i := batch.StartIndex; i < end; i++ {
		source, ok, err := e.state.GetUser(batch.Snapshot[i])
		if err != nil {
			return nil, err
		}
		if ok {
			applied, err := e.distributeFor(batch, share, source)
			if err != nil {
				return nil, err
			}
			receipt.CreditsApplied += applied
		}
		batch.ProcessedUsers++
		batch.StartIndex = i + 1
		receipt.ProcessedInCall++

		if tripped, err := e.gateTripped(); err != nil {
			return nil, err
		} else if tripped {
			receipt.PausedForSolvency = true
			break
		}
	}

	if !receipt.PausedForSolvency && batch.StartIndex == batch.EndIndex {
		if err := e.complete(batch, deposit); err != nil {
			return nil, err
		}
		receipt.Completed = true
	}

	if err := e.state.PutBatch(batch); err != nil {
		return nil, err
	}
	receipt.ProcessedUsers = batch.ProcessedUsers
	receipt.Distributed = new(big.Int).Set(batch.Distributed)

	e.emit(&types.Event{Type: EventTypeBatchChunk, Attributes: map[string]string{
		"week":        strconv.FormatUint(week, 10),
		"processed":   strconv.Itoa(receipt.ProcessedInCall),
		"cursor":      strconv.Itoa(batch.StartIndex),
		"distributed": batch.Distributed.String(),
	}})
	return receipt, nil
}

func (e *Engine) distributeFor(batch *types.DistributionBatch, share *big.Int, source *types.User) (int, error) {
	credits, redirected, err := ComputeCredits(share, source, e.state.GetUser)
	if err != nil {
		return 0, err
	}
	for _, credit := range credits {
		if err := e.apply(batch, credit); err != nil {
			return 0, err
		}
	}
	if redirected.Sign() > 0 {
		if err := e.state.DebitPool(treasury.PoolMLM, redirected); err != nil {
			return 0, err
		}
		if err := e.state.CreditPool(treasury.PoolCompany, redirected); err != nil {
			return 0, err
		}
		batch.Redirected = new(big.Int).Add(batch.Redirected, redirected)
	}
	return len(credits), nil
}

func (e *Engine) apply(batch *types.DistributionBatch, credit Credit) error {
	recipient, ok, err := e.state.GetUser(credit.Recipient)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := e.state.DebitPool(treasury.PoolMLM, credit.Amount); err != nil {
		return err
	}
	recipient.AvailableBalance = new(big.Int).Add(recipient.AvailableBalance, credit.Available)
	recipient.LockedBalance = new(big.Int).Add(recipient.LockedBalance, credit.Locked)
	recipient.TotalEarned = new(big.Int).Add(recipient.TotalEarned, credit.Amount)
	if err := e.state.PutUser(recipient); err != nil {
		return err
	}
	if err := e.state.AddObligations(credit.Available, credit.Locked); err != nil {
		return err
	}
	if err := e.state.AddTotalDistributed(credit.Amount); err != nil {
		return err
	}
	batch.Distributed = new(big.Int).Add(batch.Distributed, credit.Amount)

	e.emit(&types.Event{Type: EventTypeCommissionCredited, Attributes: map[string]string{
		"week":      strconv.FormatUint(batch.Week, 10),
		"recipient": credit.Recipient.Hex(),
		"source":    credit.Source.Hex(),
		"level":     strconv.Itoa(credit.Level),
		"amount":    credit.Amount.String(),
		"available": credit.Available.String(),
		"locked":    credit.Locked.String(),
	}})
	return nil
}

// complete sweeps the undistributed remainder of the week's MLM share into
// the company pool and marks the deposit processed.
func (e *Engine) complete(batch *types.DistributionBatch, deposit *types.WeeklyDeposit) error {
	leftover := new(big.Int).Sub(batch.TotalAmount, batch.Distributed)
	leftover.Sub(leftover, batch.Redirected)
	if leftover.Sign() > 0 {
		if err := e.state.DebitPool(treasury.PoolMLM, leftover); err != nil {
			return err
		}
		if err := e.state.CreditPool(treasury.PoolCompany, leftover); err != nil {
			return err
		}
	}
	batch.Completed = true
	deposit.Processed = true
	if err := e.state.PutDeposit(deposit); err != nil {
		return err
	}
	e.emit(&types.Event{Type: EventTypeBatchCompleted, Attributes: map[string]string{
		"week":        strconv.FormatUint(batch.Week, 10),
		"users":       strconv.FormatUint(uint64(batch.ProcessedUsers), 10),
		"distributed": batch.Distributed.String(),
		"redirected":  batch.Redirected.String(),
		"swept":       leftover.String(),
	}})
	return nil
}

func perUserShare(batch *types.DistributionBatch) *big.Int {
	if batch.EndIndex == 0 {
		return big.NewInt(0)
	}
	return new(big.Int).Div(batch.TotalAmount, big.NewInt(int64(batch.EndIndex)))
}

type mlmEvent struct {
	evt *types.Event
}

func (m mlmEvent) EventType() string {
	if m.evt == nil {
		return ""
	}
	return m.evt.Type
}

func (m mlmEvent) Event() *types.Event { return m.evt }
