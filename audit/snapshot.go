package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"settlechain/core/types"
)

// SnapshotVersion is the schema version written into exported snapshots.
const SnapshotVersion = "1.0"

var (
	// ErrWeekMismatch is returned when a snapshot and proof disagree on the
	// week they describe.
	ErrWeekMismatch = errors.New("audit: snapshot week does not match proof")
	// ErrSummaryMismatch is returned when snapshot aggregates do not equal
	// the anchored proof values.
	ErrSummaryMismatch = errors.New("audit: snapshot summary does not reconcile")
)

// Snapshot is the off-engine weekly export anchored via IPFS. Its summary
// fields must reconcile exactly with the on-ledger WeeklyProof.
type Snapshot struct {
	Version    string         `json:"version"`
	WeekNumber uint64         `json:"weekNumber"`
	Rulebook   RulebookRef    `json:"rulebook"`
	Summary    Summary        `json:"summary"`
	Users      []UserSnapshot `json:"users"`
}

// RulebookRef points at the anchored commission plan.
type RulebookRef struct {
	Address string `json:"address"`
	IPFSCid string `json:"ipfsCid"`
}

// Summary carries the aggregates that must match the weekly proof.
type Summary struct {
	TotalUsers       uint64   `json:"totalUsers"`
	TotalCommissions *big.Int `json:"totalCommissions"`
	TotalProfits     *big.Int `json:"totalProfits"`
}

// UserSnapshot is one user's row in the weekly export.
type UserSnapshot struct {
	Address     string                    `json:"address"`
	Level       int                       `json:"level"`
	LAI         LAIStatus                 `json:"lai"`
	Profit      *big.Int                  `json:"profit"`
	Commissions map[string]LevelCommission `json:"commissions"`
}

// LAIStatus mirrors the subscription flag in the export schema.
type LAIStatus struct {
	Active bool `json:"active"`
}

// LevelCommission is the amount a user earned at one level during the week.
type LevelCommission struct {
	Amount *big.Int `json:"amount"`
}

type userAccumulator struct {
	level       int
	active      bool
	profit      *big.Int
	commissions map[int]*big.Int
}

// Builder accumulates one week's credits and produces the export snapshot.
// It is not safe for concurrent use; feed it from the sequential writer.
type Builder struct {
	week     uint64
	rulebook RulebookRef
	users    map[common.Address]*userAccumulator
	order    []common.Address
	profits  *big.Int
}

// NewBuilder starts an empty snapshot for the given week.
func NewBuilder(week uint64, rulebookAddress, rulebookCid string) *Builder {
	return &Builder{
		week:     week,
		rulebook: RulebookRef{Address: rulebookAddress, IPFSCid: rulebookCid},
		users:    map[common.Address]*userAccumulator{},
		profits:  big.NewInt(0),
	}
}

func (b *Builder) user(addr common.Address) *userAccumulator {
	acc, ok := b.users[addr]
	if !ok {
		acc = &userAccumulator{profit: big.NewInt(0), commissions: map[int]*big.Int{}}
		b.users[addr] = acc
		b.order = append(b.order, addr)
	}
	return acc
}

// AddUser registers a user row with their qualification level and
// subscription status. Safe to call before or after recording commissions.
func (b *Builder) AddUser(addr common.Address, level int, active bool) {
	acc := b.user(addr)
	acc.level = level
	acc.active = active
}

// RecordCommission accumulates one credited commission for the recipient at
// the given level.
func (b *Builder) RecordCommission(recipient common.Address, level int, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	acc := b.user(recipient)
	existing, ok := acc.commissions[level]
	if !ok {
		existing = big.NewInt(0)
		acc.commissions[level] = existing
	}
	existing.Add(existing, amount)
}

// RecordProfit accumulates a user's trading profit for the week.
func (b *Builder) RecordProfit(addr common.Address, amount *big.Int) {
	if amount == nil {
		return
	}
	acc := b.user(addr)
	acc.profit = new(big.Int).Add(acc.profit, amount)
	b.profits.Add(b.profits, amount)
}

// Build materialises the snapshot. User rows are ordered by first sighting so
// repeated builds over the same feed are byte-stable.
func (b *Builder) Build() *Snapshot {
	snapshot := &Snapshot{
		Version:    SnapshotVersion,
		WeekNumber: b.week,
		Rulebook:   b.rulebook,
		Summary: Summary{
			TotalUsers:       uint64(len(b.order)),
			TotalCommissions: big.NewInt(0),
			TotalProfits:     new(big.Int).Set(b.profits),
		},
		Users: make([]UserSnapshot, 0, len(b.order)),
	}
	for _, addr := range b.order {
		acc := b.users[addr]
		row := UserSnapshot{
			Address:     addr.Hex(),
			Level:       acc.level,
			LAI:         LAIStatus{Active: acc.active},
			Profit:      new(big.Int).Set(acc.profit),
			Commissions: map[string]LevelCommission{},
		}
		levels := make([]int, 0, len(acc.commissions))
		for level := range acc.commissions {
			levels = append(levels, level)
		}
		sort.Ints(levels)
		for _, level := range levels {
			amount := acc.commissions[level]
			row.Commissions[fmt.Sprintf("L%d", level)] = LevelCommission{Amount: new(big.Int).Set(amount)}
			snapshot.Summary.TotalCommissions.Add(snapshot.Summary.TotalCommissions, amount)
		}
		snapshot.Users = append(snapshot.Users, row)
	}
	return snapshot
}

// EncodeJSON renders the snapshot in the anchored export format.
func (s *Snapshot) EncodeJSON() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// DecodeSnapshot parses a previously exported snapshot.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("audit: decode snapshot: %w", err)
	}
	return &snapshot, nil
}

// Reconcile checks that the snapshot's aggregates equal the anchored weekly
// proof exactly. Any drift fails the audit.
func Reconcile(snapshot *Snapshot, anchored *types.WeeklyProof) error {
	if snapshot == nil || anchored == nil {
		return ErrSummaryMismatch
	}
	if snapshot.WeekNumber != anchored.Week {
		return fmt.Errorf("%w: snapshot week %d, proof week %d", ErrWeekMismatch, snapshot.WeekNumber, anchored.Week)
	}
	if snapshot.Summary.TotalUsers != anchored.TotalUsers {
		return fmt.Errorf("%w: totalUsers %d vs %d", ErrSummaryMismatch, snapshot.Summary.TotalUsers, anchored.TotalUsers)
	}
	if cmpBig(snapshot.Summary.TotalCommissions, anchored.TotalCommissions) != 0 {
		return fmt.Errorf("%w: totalCommissions %s vs %s", ErrSummaryMismatch, bigString(snapshot.Summary.TotalCommissions), bigString(anchored.TotalCommissions))
	}
	if cmpBig(snapshot.Summary.TotalProfits, anchored.TotalProfits) != 0 {
		return fmt.Errorf("%w: totalProfits %s vs %s", ErrSummaryMismatch, bigString(snapshot.Summary.TotalProfits), bigString(anchored.TotalProfits))
	}
	return nil
}

func cmpBig(a, b *big.Int) int {
	if a == nil {
		a = big.NewInt(0)
	}
	if b == nil {
		b = big.NewInt(0)
	}
	return a.Cmp(b)
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
