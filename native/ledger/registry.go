package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"settlechain/core/events"
	"settlechain/core/types"
)

const (
	// EventTypeUserRegistered is emitted when a new user joins the network.
	EventTypeUserRegistered = "ledger.user.registered"
	// EventTypeSubscriptionUpdated is emitted when a user's subscription
	// state changes.
	EventTypeSubscriptionUpdated = "ledger.subscription.updated"
	// EventTypeWithdrawal is emitted when a user withdraws available funds.
	EventTypeWithdrawal = "ledger.user.withdrawn"
)

var (
	errStateNotConfigured = errors.New("ledger: state not configured")

	// ErrAlreadyRegistered is returned when the address already has a record.
	ErrAlreadyRegistered = errors.New("ledger: user already registered")
	// ErrSponsorUnknown is returned when the sponsor has no record.
	ErrSponsorUnknown = errors.New("ledger: sponsor not registered")
	// ErrUserUnknown is returned when the address has no record.
	ErrUserUnknown = errors.New("ledger: user not registered")
	// ErrInvalidAmount rejects zero or negative amounts.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
	// ErrInsufficientBalance is returned when a withdrawal exceeds the
	// available balance.
	ErrInsufficientBalance = errors.New("ledger: insufficient available balance")
)

type registryState interface {
	GetUser(addr common.Address) (*types.User, bool, error)
	PutUser(user *types.User) error
	AppendUserIndex(addr common.Address) error
	UserIndex() ([]common.Address, error)
	AddObligations(availableDelta, lockedDelta *big.Int) error
}

// Registry maintains the user arena: the sponsor tree, subscription state,
// and per-user balances.
type Registry struct {
	state   registryState
	emitter events.Emitter
	nowFn   func() time.Time
	root    common.Address
	hasRoot bool
}

// NewRegistry constructs a registry with default no-op dependencies.
func NewRegistry() *Registry {
	return &Registry{
		emitter: events.NoopEmitter{},
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
}

// SetState wires the registry to the state backend.
func (r *Registry) SetState(state registryState) { r.state = state }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op
// implementation.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		r.emitter = events.NoopEmitter{}
		return
	}
	r.emitter = emitter
}

// SetNowFunc overrides the time source. Nil restores the default UTC clock.
func (r *Registry) SetNowFunc(now func() time.Time) {
	if now == nil {
		r.nowFn = func() time.Time { return time.Now().UTC() }
		return
	}
	r.nowFn = now
}

// SetRoot designates the genesis root address, the only user allowed to
// register without a sponsor.
func (r *Registry) SetRoot(root common.Address) {
	r.root = root
	r.hasRoot = true
}

func (r *Registry) emit(event *types.Event) {
	if r == nil || r.emitter == nil || event == nil {
		return
	}
	r.emitter.Emit(ledgerEvent{evt: event})
}

func (r *Registry) now() time.Time {
	if r == nil || r.nowFn == nil {
		return time.Now().UTC()
	}
	return r.nowFn()
}

// Register creates a new leaf user under the supplied sponsor. The sponsor
// must already be registered unless the address is the designated root.
func (r *Registry) Register(addr, sponsor common.Address) error {
	if r == nil || r.state == nil {
		return errStateNotConfigured
	}
	if _, exists, err := r.state.GetUser(addr); err != nil {
		return err
	} else if exists {
		return ErrAlreadyRegistered
	}

	isRoot := r.hasRoot && addr == r.root
	if !isRoot {
		sponsorUser, ok, err := r.state.GetUser(sponsor)
		if err != nil {
			return err
		}
		if !ok {
			return ErrSponsorUnknown
		}
		sponsorUser.DirectReferrals++
		if err := r.state.PutUser(sponsorUser); err != nil {
			return err
		}
	}

	now := r.now().Unix()
	user := (&types.User{
		Address:      addr,
		Sponsor:      sponsor,
		HasSponsor:   !isRoot,
		RegisteredAt: now,
	}).Normalize()
	if err := r.state.PutUser(user); err != nil {
		return err
	}
	if err := r.state.AppendUserIndex(addr); err != nil {
		return err
	}

	attrs := map[string]string{
		"address":      addr.Hex(),
		"registeredAt": strconv.FormatInt(now, 10),
	}
	if !isRoot {
		attrs["sponsor"] = sponsor.Hex()
	}
	r.emit(&types.Event{Type: EventTypeUserRegistered, Attributes: attrs})
	return nil
}

// SetSubscription records the activation state of a user's recurring
// subscription. Expiry is a unix timestamp; expired subscriptions exclude the
// user from future distribution snapshots.
func (r *Registry) SetSubscription(addr common.Address, active bool, expiry int64) error {
	if r == nil || r.state == nil {
		return errStateNotConfigured
	}
	user, ok, err := r.state.GetUser(addr)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUserUnknown
	}
	user.SubscriptionActive = active
	user.SubscriptionExpiry = expiry
	if err := r.state.PutUser(user); err != nil {
		return err
	}
	r.emit(&types.Event{Type: EventTypeSubscriptionUpdated, Attributes: map[string]string{
		"address": addr.Hex(),
		"active":  strconv.FormatBool(active),
		"expiry":  strconv.FormatInt(expiry, 10),
	}})
	return nil
}

// Withdraw debits the user's available balance and records the withdrawal.
// The locked portion of past credits is never touched here.
func (r *Registry) Withdraw(addr common.Address, amount *big.Int) error {
	if r == nil || r.state == nil {
		return errStateNotConfigured
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	user, ok, err := r.state.GetUser(addr)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUserUnknown
	}
	if user.AvailableBalance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	user.AvailableBalance = new(big.Int).Sub(user.AvailableBalance, amount)
	user.TotalWithdrawn = new(big.Int).Add(user.TotalWithdrawn, amount)
	if err := r.state.PutUser(user); err != nil {
		return err
	}
	if err := r.state.AddObligations(new(big.Int).Neg(amount), nil); err != nil {
		return err
	}
	r.emit(&types.Event{Type: EventTypeWithdrawal, Attributes: map[string]string{
		"address": addr.Hex(),
		"amount":  amount.String(),
	}})
	return nil
}

// SubscribedUsers snapshots every address with an active, unexpired
// subscription in registration order.
func (r *Registry) SubscribedUsers() ([]common.Address, error) {
	if r == nil || r.state == nil {
		return nil, errStateNotConfigured
	}
	index, err := r.state.UserIndex()
	if err != nil {
		return nil, err
	}
	now := r.now().Unix()
	subscribed := make([]common.Address, 0, len(index))
	for _, addr := range index {
		user, ok, err := r.state.GetUser(addr)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("ledger: indexed user %s missing", addr.Hex())
		}
		if user.Subscribed(now) {
			subscribed = append(subscribed, addr)
		}
	}
	return subscribed, nil
}

// ActiveUserCount returns the number of currently subscribed users.
func (r *Registry) ActiveUserCount() (int, error) {
	subscribed, err := r.SubscribedUsers()
	if err != nil {
		return 0, err
	}
	return len(subscribed), nil
}

type ledgerEvent struct {
	evt *types.Event
}

func (l ledgerEvent) EventType() string {
	if l.evt == nil {
		return ""
	}
	return l.evt.Type
}

func (l ledgerEvent) Event() *types.Event { return l.evt }
