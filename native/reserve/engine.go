package reserve

import (
	"errors"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"settlechain/core/events"
	"settlechain/core/types"
	"settlechain/native/treasury"
)

// Timelock is the mandatory delay between proposing a reserve draw and
// executing it.
const Timelock = 24 * time.Hour

const (
	// EventTypeProposed is emitted when a reserve draw is proposed.
	EventTypeProposed = "reserve.proposal.created"
	// EventTypeExecuted is emitted when a proposal's funds move.
	EventTypeExecuted = "reserve.proposal.executed"
	// EventTypeCancelled is emitted when a proposal is terminated unexecuted.
	EventTypeCancelled = "reserve.proposal.cancelled"
)

var (
	errStateNotConfigured = errors.New("reserve: state not configured")

	// ErrActiveProposalExists is returned by Propose while another proposal
	// is still non-terminal.
	ErrActiveProposalExists = errors.New("reserve: active proposal exists")
	// ErrInvalidAmount is returned for nil or non-positive amounts.
	ErrInvalidAmount = errors.New("reserve: invalid amount")
	// ErrEmptyJustification is returned when a proposal carries no rationale.
	ErrEmptyJustification = errors.New("reserve: justification required")
	// ErrInvalidDestination is returned for unknown destinations or a
	// missing external recipient.
	ErrInvalidDestination = errors.New("reserve: invalid destination")
	// ErrInsufficientReserve is returned when the draw exceeds the reserve.
	ErrInsufficientReserve = errors.New("reserve: insufficient reserve balance")
	// ErrProposalNotFound is returned for unknown proposal ids.
	ErrProposalNotFound = errors.New("reserve: proposal not found")
	// ErrProposalTerminal is returned when acting on an executed or
	// cancelled proposal.
	ErrProposalTerminal = errors.New("reserve: proposal already terminal")
	// ErrTimelockNotElapsed is returned by Execute before the delay passes.
	ErrTimelockNotElapsed = errors.New("reserve: timelock not elapsed")
	// ErrNotProposer is returned when an unprivileged caller cancels a
	// proposal they did not open.
	ErrNotProposer = errors.New("reserve: caller is not the proposer")
)

type governorState interface {
	ReserveBalance() (*big.Int, error)
	CreditReserve(amount *big.Int) error
	DebitReserve(amount *big.Int) error
	NextReserveProposalID() (uint64, error)
	PutReserveProposal(p *types.ReserveProposal) error
	GetReserveProposal(id uint64) (*types.ReserveProposal, bool, error)
	ActiveReserveProposal() (uint64, bool, error)
	SetActiveReserveProposal(id uint64) error
	GetUser(addr common.Address) (*types.User, bool, error)
	PutUser(user *types.User) error
	AddObligations(availableDelta, lockedDelta *big.Int) error
	CreditPool(name string, amount *big.Int) error
}

type subscriberSource interface {
	SubscribedUsers() ([]common.Address, error)
}

// Governor runs the timelocked propose/execute/cancel workflow over the
// emergency reserve. At most one proposal is non-terminal at a time.
type Governor struct {
	state       governorState
	subscribers subscriberSource
	emitter     events.Emitter
	nowFunc     func() time.Time
}

// NewGovernor constructs a governor with default no-op dependencies.
func NewGovernor() *Governor {
	return &Governor{emitter: events.NoopEmitter{}, nowFunc: time.Now}
}

// SetState wires the governor to the state backend.
func (g *Governor) SetState(state governorState) { g.state = state }

// SetSubscriberSource wires the lookup used by the users_distribution
// destination.
func (g *Governor) SetSubscriberSource(src subscriberSource) { g.subscribers = src }

// SetEmitter configures the event emitter. Nil resets it to a no-op.
func (g *Governor) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		g.emitter = events.NoopEmitter{}
		return
	}
	g.emitter = emitter
}

// SetNowFunc overrides the clock used for the timelock.
func (g *Governor) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	g.nowFunc = now
}

func (g *Governor) emit(event *types.Event) {
	if g == nil || g.emitter == nil || event == nil {
		return
	}
	g.emitter.Emit(reserveEvent{evt: event})
}

// Propose opens a timelocked draw on the reserve. It fails while another
// proposal is non-terminal, when the amount exceeds the reserve balance, or
// when the destination is malformed.
func (g *Governor) Propose(proposer common.Address, amount *big.Int, justification string, destination types.ReserveDestination, recipient common.Address) (*types.ReserveProposal, error) {
	if g == nil || g.state == nil {
		return nil, errStateNotConfigured
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if strings.TrimSpace(justification) == "" {
		return nil, ErrEmptyJustification
	}
	if !destination.Valid() {
		return nil, ErrInvalidDestination
	}
	if destination == types.ReserveDestinationExternal && recipient == (common.Address{}) {
		return nil, ErrInvalidDestination
	}
	if _, active, err := g.state.ActiveReserveProposal(); err != nil {
		return nil, err
	} else if active {
		return nil, ErrActiveProposalExists
	}
	balance, err := g.state.ReserveBalance()
	if err != nil {
		return nil, err
	}
	if balance.Cmp(amount) < 0 {
		return nil, ErrInsufficientReserve
	}

	id, err := g.state.NextReserveProposalID()
	if err != nil {
		return nil, err
	}
	proposal := &types.ReserveProposal{
		ID:                id,
		Proposer:          proposer,
		Amount:            new(big.Int).Set(amount),
		Justification:     justification,
		Destination:       destination,
		ExternalRecipient: recipient,
		ProposedAt:        g.nowFunc().Unix(),
	}
	if err := g.state.PutReserveProposal(proposal); err != nil {
		return nil, err
	}
	if err := g.state.SetActiveReserveProposal(id); err != nil {
		return nil, err
	}

	g.emit(&types.Event{Type: EventTypeProposed, Attributes: map[string]string{
		"id":          strconv.FormatUint(id, 10),
		"proposer":    proposer.Hex(),
		"amount":      amount.String(),
		"destination": string(destination),
	}})
	return proposal.Clone(), nil
}

// Execute moves a matured proposal's funds to its destination. The reserve
// balance is re-checked at execution time; a draw that no longer fits fails
// without terminating the proposal.
func (g *Governor) Execute(id uint64) (*types.ReserveProposal, error) {
	if g == nil || g.state == nil {
		return nil, errStateNotConfigured
	}
	proposal, ok, err := g.state.GetReserveProposal(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrProposalNotFound
	}
	if proposal.Terminal() {
		return nil, ErrProposalTerminal
	}
	now := g.nowFunc()
	if now.Before(time.Unix(proposal.ProposedAt, 0).Add(Timelock)) {
		return nil, ErrTimelockNotElapsed
	}
	balance, err := g.state.ReserveBalance()
	if err != nil {
		return nil, err
	}
	if balance.Cmp(proposal.Amount) < 0 {
		return nil, ErrInsufficientReserve
	}
	if err := g.state.DebitReserve(proposal.Amount); err != nil {
		return nil, err
	}
	if err := g.deliver(proposal); err != nil {
		return nil, err
	}

	proposal.Executed = true
	proposal.ExecutedAt = now.Unix()
	if err := g.state.PutReserveProposal(proposal); err != nil {
		return nil, err
	}
	if err := g.state.SetActiveReserveProposal(0); err != nil {
		return nil, err
	}

	g.emit(&types.Event{Type: EventTypeExecuted, Attributes: map[string]string{
		"id":          strconv.FormatUint(id, 10),
		"amount":      proposal.Amount.String(),
		"destination": string(proposal.Destination),
		"recipient":   proposal.ExternalRecipient.Hex(),
	}})
	return proposal.Clone(), nil
}

// Cancel terminates a not-yet-executed proposal. Only the proposer may
// cancel unless the caller is privileged.
func (g *Governor) Cancel(id uint64, caller common.Address, privileged bool) (*types.ReserveProposal, error) {
	if g == nil || g.state == nil {
		return nil, errStateNotConfigured
	}
	proposal, ok, err := g.state.GetReserveProposal(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrProposalNotFound
	}
	if proposal.Terminal() {
		return nil, ErrProposalTerminal
	}
	if !privileged && caller != proposal.Proposer {
		return nil, ErrNotProposer
	}

	proposal.Cancelled = true
	if err := g.state.PutReserveProposal(proposal); err != nil {
		return nil, err
	}
	if err := g.state.SetActiveReserveProposal(0); err != nil {
		return nil, err
	}

	g.emit(&types.Event{Type: EventTypeCancelled, Attributes: map[string]string{
		"id":     strconv.FormatUint(id, 10),
		"caller": caller.Hex(),
	}})
	return proposal.Clone(), nil
}

// deliver routes the drawn amount to the proposal's destination. The
// users_distribution split rounds down per head; the dust is returned to the
// reserve rather than minted to anyone.
func (g *Governor) deliver(proposal *types.ReserveProposal) error {
	switch proposal.Destination {
	case types.ReserveDestinationLiquidityPool:
		return g.state.CreditPool(treasury.PoolLiquidity, proposal.Amount)
	case types.ReserveDestinationInfrastructure:
		return g.state.CreditPool(treasury.PoolInfrastructure, proposal.Amount)
	case types.ReserveDestinationCompany:
		return g.state.CreditPool(treasury.PoolCompany, proposal.Amount)
	case types.ReserveDestinationUsers:
		return g.distributeToUsers(proposal.Amount)
	case types.ReserveDestinationExternal:
		// Funds leave the ledger; the executed event carries the recipient.
		return nil
	}
	return ErrInvalidDestination
}

func (g *Governor) distributeToUsers(amount *big.Int) error {
	if g.subscribers == nil {
		return errStateNotConfigured
	}
	addrs, err := g.subscribers.SubscribedUsers()
	if err != nil {
		return err
	}
	if len(addrs) == 0 {
		return g.state.CreditReserve(amount)
	}

	perUser := new(big.Int).Div(amount, big.NewInt(int64(len(addrs))))
	if perUser.Sign() > 0 {
		for _, addr := range addrs {
			user, ok, err := g.state.GetUser(addr)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			user.AvailableBalance = new(big.Int).Add(user.AvailableBalance, perUser)
			user.TotalEarned = new(big.Int).Add(user.TotalEarned, perUser)
			if err := g.state.PutUser(user); err != nil {
				return err
			}
			if err := g.state.AddObligations(perUser, nil); err != nil {
				return err
			}
		}
	}

	dust := new(big.Int).Mul(perUser, big.NewInt(int64(len(addrs))))
	dust.Sub(amount, dust)
	if dust.Sign() > 0 {
		return g.state.CreditReserve(dust)
	}
	return nil
}

type reserveEvent struct {
	evt *types.Event
}

func (r reserveEvent) EventType() string {
	if r.evt == nil {
		return ""
	}
	return r.evt.Type
}

func (r reserveEvent) Event() *types.Event { return r.evt }
