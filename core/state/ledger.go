package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"settlechain/core/types"
	"settlechain/storage"
)

// Key prefixes for the ledger keyspace. The week and proposal identifiers are
// zero padded so lexicographic iteration matches numeric order.
const (
	prefixUser            = "user/"
	keyUserIndex          = "users/index"
	prefixPool            = "pool/"
	prefixDeposit         = "deposit/"
	prefixBatch           = "batch/"
	prefixProof           = "proof/week/"
	keyRulebook           = "proof/rulebook"
	keyReserveBalance     = "reserve/balance"
	keyReserveNextID      = "reserve/nextid"
	prefixReserveProposal = "reserve/proposal/"
	keyReserveActive      = "reserve/active"
	keyCurrentWeek        = "meta/currentWeek"
	keyTotalDeposited     = "meta/totalDeposited"
	keyTotalDistributed   = "meta/totalDistributed"
	keyTotalAvailable     = "meta/totalAvailable"
	keyTotalLocked        = "meta/totalLocked"
	keyBreakerTripped     = "meta/breakerTripped"
)

var (
	errTxInProgress  = errors.New("state: transaction already in progress")
	errNoTransaction = errors.New("state: no transaction in progress")

	// ErrInsufficientPool is returned when a debit exceeds a pool balance.
	ErrInsufficientPool = errors.New("state: insufficient pool balance")
)

// Ledger is the single authoritative store for all settlement state. All
// mutating operations run inside an overlay transaction so a failed operation
// never leaves partial writes behind.
type Ledger struct {
	db storage.Database
	tx *overlay
}

type overlay struct {
	writes  map[string][]byte
	deletes map[string]struct{}
}

// NewLedger wraps the supplied database.
func NewLedger(db storage.Database) *Ledger {
	return &Ledger{db: db}
}

// Begin opens an overlay transaction. Writes are buffered until Commit.
func (l *Ledger) Begin() error {
	if l.tx != nil {
		return errTxInProgress
	}
	l.tx = &overlay{writes: make(map[string][]byte), deletes: make(map[string]struct{})}
	return nil
}

// Commit flushes the buffered writes to the underlying database.
func (l *Ledger) Commit() error {
	if l.tx == nil {
		return errNoTransaction
	}
	tx := l.tx
	l.tx = nil
	for key := range tx.deletes {
		if err := l.db.Delete([]byte(key)); err != nil {
			return err
		}
	}
	for key, value := range tx.writes {
		if err := l.db.Put([]byte(key), value); err != nil {
			return err
		}
	}
	return nil
}

// Rollback discards the buffered writes.
func (l *Ledger) Rollback() {
	l.tx = nil
}

func (l *Ledger) put(key string, value []byte) error {
	if l.tx != nil {
		delete(l.tx.deletes, key)
		l.tx.writes[key] = append([]byte(nil), value...)
		return nil
	}
	return l.db.Put([]byte(key), value)
}

func (l *Ledger) get(key string) ([]byte, bool, error) {
	if l.tx != nil {
		if _, gone := l.tx.deletes[key]; gone {
			return nil, false, nil
		}
		if value, ok := l.tx.writes[key]; ok {
			return append([]byte(nil), value...), true, nil
		}
	}
	value, err := l.db.Get([]byte(key))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (l *Ledger) iterate(prefix string, fn func(key string, value []byte) bool) error {
	seen := make(map[string]struct{})
	if l.tx != nil {
		staged := make([]string, 0, len(l.tx.writes))
		for key := range l.tx.writes {
			if strings.HasPrefix(key, prefix) {
				staged = append(staged, key)
			}
		}
		sort.Strings(staged)
		for _, key := range staged {
			seen[key] = struct{}{}
			if !fn(key, l.tx.writes[key]) {
				return nil
			}
		}
	}
	return l.db.IteratePrefix([]byte(prefix), func(key, value []byte) bool {
		k := string(key)
		if _, staged := seen[k]; staged {
			return true
		}
		if l.tx != nil {
			if _, gone := l.tx.deletes[k]; gone {
				return true
			}
		}
		return fn(k, value)
	})
}

func (l *Ledger) putJSON(key string, v interface{}) error {
	blob, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return l.put(key, blob)
}

func (l *Ledger) getJSON(key string, v interface{}) (bool, error) {
	blob, ok, err := l.get(key)
	if err != nil || !ok {
		return false, err
	}
	return true, json.Unmarshal(blob, v)
}

func weekKey(prefix string, week uint64) string {
	return fmt.Sprintf("%s%020d", prefix, week)
}

// --- Users ---

// GetUser loads a user record by address.
func (l *Ledger) GetUser(addr common.Address) (*types.User, bool, error) {
	user := &types.User{}
	ok, err := l.getJSON(prefixUser+addr.Hex(), user)
	if err != nil || !ok {
		return nil, false, err
	}
	return user.Normalize(), true, nil
}

// PutUser stores a user record.
func (l *Ledger) PutUser(user *types.User) error {
	if user == nil {
		return errors.New("state: nil user")
	}
	return l.putJSON(prefixUser+user.Address.Hex(), user)
}

// AppendUserIndex records a newly registered address in registration order.
func (l *Ledger) AppendUserIndex(addr common.Address) error {
	index, err := l.UserIndex()
	if err != nil {
		return err
	}
	index = append(index, addr)
	return l.putJSON(keyUserIndex, index)
}

// UserIndex returns every registered address in registration order.
func (l *Ledger) UserIndex() ([]common.Address, error) {
	var index []common.Address
	if _, err := l.getJSON(keyUserIndex, &index); err != nil {
		return nil, err
	}
	return index, nil
}

// --- Pools ---

// Pool loads a treasury pool by name.
func (l *Ledger) Pool(name string) (*types.Pool, bool, error) {
	pool := &types.Pool{}
	ok, err := l.getJSON(prefixPool+name, pool)
	if err != nil || !ok {
		return nil, false, err
	}
	return pool, true, nil
}

// PutPool stores a treasury pool record.
func (l *Ledger) PutPool(pool *types.Pool) error {
	if pool == nil {
		return errors.New("state: nil pool")
	}
	return l.putJSON(prefixPool+pool.Name, pool)
}

// CreditPool adds amount to the named pool balance.
func (l *Ledger) CreditPool(name string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	pool, ok, err := l.Pool(name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("state: pool %q not found", name)
	}
	pool.Balance = new(big.Int).Add(pool.Balance, amount)
	return l.PutPool(pool)
}

// DebitPool subtracts amount from the named pool balance.
func (l *Ledger) DebitPool(name string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	pool, ok, err := l.Pool(name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("state: pool %q not found", name)
	}
	if pool.Balance.Cmp(amount) < 0 {
		return ErrInsufficientPool
	}
	pool.Balance = new(big.Int).Sub(pool.Balance, amount)
	return l.PutPool(pool)
}

// PoolBalancesTotal sums every pool balance.
func (l *Ledger) PoolBalancesTotal() (*big.Int, error) {
	total := big.NewInt(0)
	err := l.iterate(prefixPool, func(key string, value []byte) bool {
		pool := &types.Pool{}
		if json.Unmarshal(value, pool) != nil {
			return true
		}
		if pool.Balance != nil {
			total.Add(total, pool.Balance)
		}
		return true
	})
	return total, err
}

// --- Deposits and batches ---

// PutDeposit stores a weekly deposit record.
func (l *Ledger) PutDeposit(deposit *types.WeeklyDeposit) error {
	if deposit == nil {
		return errors.New("state: nil deposit")
	}
	return l.putJSON(weekKey(prefixDeposit, deposit.Week), deposit)
}

// GetDeposit loads a weekly deposit by week number.
func (l *Ledger) GetDeposit(week uint64) (*types.WeeklyDeposit, bool, error) {
	deposit := &types.WeeklyDeposit{}
	ok, err := l.getJSON(weekKey(prefixDeposit, week), deposit)
	if err != nil || !ok {
		return nil, false, err
	}
	if deposit.Amount == nil {
		deposit.Amount = big.NewInt(0)
	}
	return deposit, true, nil
}

// PutBatch stores a distribution batch cursor.
func (l *Ledger) PutBatch(batch *types.DistributionBatch) error {
	if batch == nil {
		return errors.New("state: nil batch")
	}
	return l.putJSON(weekKey(prefixBatch, batch.Week), batch)
}

// GetBatch loads a distribution batch by week number.
func (l *Ledger) GetBatch(week uint64) (*types.DistributionBatch, bool, error) {
	batch := &types.DistributionBatch{}
	ok, err := l.getJSON(weekKey(prefixBatch, week), batch)
	if err != nil || !ok {
		return nil, false, err
	}
	if batch.TotalAmount == nil {
		batch.TotalAmount = big.NewInt(0)
	}
	if batch.Distributed == nil {
		batch.Distributed = big.NewInt(0)
	}
	if batch.Redirected == nil {
		batch.Redirected = big.NewInt(0)
	}
	return batch, true, nil
}

// CurrentWeek returns the most recently allocated week number (zero before the
// first deposit).
func (l *Ledger) CurrentWeek() (uint64, error) {
	var week uint64
	if _, err := l.getJSON(keyCurrentWeek, &week); err != nil {
		return 0, err
	}
	return week, nil
}

// SetCurrentWeek records the most recently allocated week number.
func (l *Ledger) SetCurrentWeek(week uint64) error {
	return l.putJSON(keyCurrentWeek, week)
}

// --- Emergency reserve ---

// ReserveBalance returns the unlocked emergency reserve.
func (l *Ledger) ReserveBalance() (*big.Int, error) {
	return l.bigValue(keyReserveBalance)
}

// CreditReserve adds amount to the emergency reserve.
func (l *Ledger) CreditReserve(amount *big.Int) error {
	return l.adjustBig(keyReserveBalance, amount, false)
}

// DebitReserve subtracts amount from the emergency reserve.
func (l *Ledger) DebitReserve(amount *big.Int) error {
	return l.adjustBig(keyReserveBalance, amount, true)
}

// NextReserveProposalID allocates the next monotonic proposal identifier.
func (l *Ledger) NextReserveProposalID() (uint64, error) {
	var next uint64
	if _, err := l.getJSON(keyReserveNextID, &next); err != nil {
		return 0, err
	}
	next++
	if err := l.putJSON(keyReserveNextID, next); err != nil {
		return 0, err
	}
	return next, nil
}

// PutReserveProposal stores a proposal record.
func (l *Ledger) PutReserveProposal(p *types.ReserveProposal) error {
	if p == nil {
		return errors.New("state: nil proposal")
	}
	return l.putJSON(weekKey(prefixReserveProposal, p.ID), p)
}

// GetReserveProposal loads a proposal by identifier.
func (l *Ledger) GetReserveProposal(id uint64) (*types.ReserveProposal, bool, error) {
	p := &types.ReserveProposal{}
	ok, err := l.getJSON(weekKey(prefixReserveProposal, id), p)
	if err != nil || !ok {
		return nil, false, err
	}
	if p.Amount == nil {
		p.Amount = big.NewInt(0)
	}
	return p, true, nil
}

// ActiveReserveProposal returns the identifier of the single non-terminal
// proposal, if any.
func (l *Ledger) ActiveReserveProposal() (uint64, bool, error) {
	var id uint64
	ok, err := l.getJSON(keyReserveActive, &id)
	if err != nil || !ok {
		return 0, false, err
	}
	return id, id != 0, nil
}

// SetActiveReserveProposal records the non-terminal proposal identifier. Zero
// clears the slot.
func (l *Ledger) SetActiveReserveProposal(id uint64) error {
	return l.putJSON(keyReserveActive, id)
}

// --- Proofs ---

// PutWeeklyProof stores a weekly proof record.
func (l *Ledger) PutWeeklyProof(p *types.WeeklyProof) error {
	if p == nil {
		return errors.New("state: nil proof")
	}
	return l.putJSON(weekKey(prefixProof, p.Week), p)
}

// GetWeeklyProof loads a weekly proof by week timestamp.
func (l *Ledger) GetWeeklyProof(week uint64) (*types.WeeklyProof, bool, error) {
	p := &types.WeeklyProof{}
	ok, err := l.getJSON(weekKey(prefixProof, week), p)
	if err != nil || !ok {
		return nil, false, err
	}
	if p.TotalCommissions == nil {
		p.TotalCommissions = big.NewInt(0)
	}
	if p.TotalProfits == nil {
		p.TotalProfits = big.NewInt(0)
	}
	return p, true, nil
}

// ProofWeeks returns every recorded proof week in ascending order.
func (l *Ledger) ProofWeeks() ([]uint64, error) {
	var weeks []uint64
	err := l.iterate(prefixProof, func(key string, value []byte) bool {
		p := &types.WeeklyProof{}
		if json.Unmarshal(value, p) != nil {
			return true
		}
		weeks = append(weeks, p.Week)
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(weeks, func(i, j int) bool { return weeks[i] < weeks[j] })
	return weeks, nil
}

// Rulebook loads the genesis rulebook.
func (l *Ledger) Rulebook() (*types.Rulebook, bool, error) {
	rb := &types.Rulebook{}
	ok, err := l.getJSON(keyRulebook, rb)
	if err != nil || !ok {
		return nil, false, err
	}
	return rb, true, nil
}

// SetRulebook writes the genesis rulebook. Callers must enforce the
// write-once rule.
func (l *Ledger) SetRulebook(rb *types.Rulebook) error {
	if rb == nil {
		return errors.New("state: nil rulebook")
	}
	return l.putJSON(keyRulebook, rb)
}

// --- Aggregates ---

// TotalDeposited returns the cumulative routed deposit amount.
func (l *Ledger) TotalDeposited() (*big.Int, error) {
	return l.bigValue(keyTotalDeposited)
}

// AddTotalDeposited increases the cumulative deposit counter.
func (l *Ledger) AddTotalDeposited(amount *big.Int) error {
	return l.adjustBig(keyTotalDeposited, amount, false)
}

// TotalDistributed returns the cumulative credited commission amount.
func (l *Ledger) TotalDistributed() (*big.Int, error) {
	return l.bigValue(keyTotalDistributed)
}

// AddTotalDistributed increases the cumulative distribution counter.
func (l *Ledger) AddTotalDistributed(amount *big.Int) error {
	return l.adjustBig(keyTotalDistributed, amount, false)
}

// Obligations returns the outstanding available and locked user balance
// totals tracked alongside every credit and debit.
func (l *Ledger) Obligations() (available, locked *big.Int, err error) {
	available, err = l.bigValue(keyTotalAvailable)
	if err != nil {
		return nil, nil, err
	}
	locked, err = l.bigValue(keyTotalLocked)
	if err != nil {
		return nil, nil, err
	}
	return available, locked, nil
}

// AddObligations applies signed deltas to the outstanding balance totals.
func (l *Ledger) AddObligations(availableDelta, lockedDelta *big.Int) error {
	if availableDelta != nil && availableDelta.Sign() != 0 {
		if err := l.shiftBig(keyTotalAvailable, availableDelta); err != nil {
			return err
		}
	}
	if lockedDelta != nil && lockedDelta.Sign() != 0 {
		if err := l.shiftBig(keyTotalLocked, lockedDelta); err != nil {
			return err
		}
	}
	return nil
}

// BreakerTripped reports the persisted circuit-breaker flag.
func (l *Ledger) BreakerTripped() (bool, error) {
	var tripped bool
	if _, err := l.getJSON(keyBreakerTripped, &tripped); err != nil {
		return false, err
	}
	return tripped, nil
}

// SetBreakerTripped persists the circuit-breaker flag.
func (l *Ledger) SetBreakerTripped(tripped bool) error {
	return l.putJSON(keyBreakerTripped, tripped)
}

// --- big.Int helpers ---

func (l *Ledger) bigValue(key string) (*big.Int, error) {
	var raw string
	ok, err := l.getJSON(key, &raw)
	if err != nil || !ok {
		return big.NewInt(0), err
	}
	value, valid := new(big.Int).SetString(raw, 10)
	if !valid {
		return nil, fmt.Errorf("state: corrupt numeric value at %s", key)
	}
	return value, nil
}

func (l *Ledger) adjustBig(key string, amount *big.Int, debit bool) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("state: negative adjustment at %s", key)
	}
	current, err := l.bigValue(key)
	if err != nil {
		return err
	}
	if debit {
		if current.Cmp(amount) < 0 {
			return ErrInsufficientPool
		}
		current.Sub(current, amount)
	} else {
		current.Add(current, amount)
	}
	return l.putJSON(key, current.String())
}

func (l *Ledger) shiftBig(key string, delta *big.Int) error {
	current, err := l.bigValue(key)
	if err != nil {
		return err
	}
	current.Add(current, delta)
	if current.Sign() < 0 {
		return fmt.Errorf("state: negative total at %s", key)
	}
	return l.putJSON(key, current.String())
}
