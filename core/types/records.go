package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// WeeklyDeposit records one routed performance deposit. Amount never changes
// after routing; Processed flips true when the distribution batch completes.
type WeeklyDeposit struct {
	Week       uint64   `json:"week"`
	Amount     *big.Int `json:"amount"`
	ProofTag   string   `json:"proofTag"`
	Processed  bool     `json:"processed"`
	ReceivedAt int64    `json:"receivedAt"`
}

// Clone returns a deep copy of the deposit record.
func (d *WeeklyDeposit) Clone() *WeeklyDeposit {
	if d == nil {
		return nil
	}
	clone := *d
	clone.Amount = cloneBig(d.Amount)
	return &clone
}

// DistributionBatch is the resumable cursor over one week's distribution. The
// snapshot is fixed when the deposit is routed; repeated chunk calls advance
// StartIndex until it reaches EndIndex.
type DistributionBatch struct {
	Week           uint64           `json:"week"`
	TotalAmount    *big.Int         `json:"totalAmount"`
	Snapshot       []common.Address `json:"snapshot"`
	SnapshotDigest []byte           `json:"snapshotDigest"`
	StartIndex     int              `json:"startIndex"`
	EndIndex       int              `json:"endIndex"`
	ProcessedUsers uint32           `json:"processedUsers"`
	Distributed    *big.Int         `json:"distributed"`
	Redirected     *big.Int         `json:"redirected"`
	Completed      bool             `json:"completed"`
}

// Clone returns a deep copy of the batch cursor.
func (b *DistributionBatch) Clone() *DistributionBatch {
	if b == nil {
		return nil
	}
	clone := *b
	clone.TotalAmount = cloneBig(b.TotalAmount)
	clone.Distributed = cloneBig(b.Distributed)
	clone.Redirected = cloneBig(b.Redirected)
	clone.Snapshot = append([]common.Address(nil), b.Snapshot...)
	clone.SnapshotDigest = append([]byte(nil), b.SnapshotDigest...)
	return &clone
}

// Pool is one treasury bucket with lazily-reset withdrawal windows. The
// anchors record which day/month the running counters belong to; a write in a
// later period resets the counter first.
type Pool struct {
	Name               string   `json:"name"`
	Balance            *big.Int `json:"balance"`
	WithdrawnToday     *big.Int `json:"withdrawnToday"`
	WithdrawnThisMonth *big.Int `json:"withdrawnThisMonth"`
	DailyLimit         *big.Int `json:"dailyLimit"`
	MonthlyLimit       *big.Int `json:"monthlyLimit"`
	DayAnchor          string   `json:"dayAnchor"`
	MonthAnchor        string   `json:"monthAnchor"`
}

// Clone returns a deep copy of the pool record.
func (p *Pool) Clone() *Pool {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Balance = cloneBig(p.Balance)
	clone.WithdrawnToday = cloneBig(p.WithdrawnToday)
	clone.WithdrawnThisMonth = cloneBig(p.WithdrawnThisMonth)
	clone.DailyLimit = cloneBig(p.DailyLimit)
	clone.MonthlyLimit = cloneBig(p.MonthlyLimit)
	return &clone
}

// ReserveDestination enumerates where an approved emergency-reserve draw is
// delivered.
type ReserveDestination string

const (
	ReserveDestinationUsers          ReserveDestination = "users_distribution"
	ReserveDestinationLiquidityPool  ReserveDestination = "liquidity_pool"
	ReserveDestinationInfrastructure ReserveDestination = "infrastructure"
	ReserveDestinationCompany        ReserveDestination = "company"
	ReserveDestinationExternal       ReserveDestination = "external_address"
)

// Valid reports whether the destination is one of the recognised values.
func (d ReserveDestination) Valid() bool {
	switch d {
	case ReserveDestinationUsers, ReserveDestinationLiquidityPool,
		ReserveDestinationInfrastructure, ReserveDestinationCompany,
		ReserveDestinationExternal:
		return true
	}
	return false
}

// ReserveProposal is one timelocked draw on the emergency reserve. At most one
// proposal is non-terminal at a time.
type ReserveProposal struct {
	ID                uint64             `json:"id"`
	Proposer          common.Address     `json:"proposer"`
	Amount            *big.Int           `json:"amount"`
	Justification     string             `json:"justification"`
	Destination       ReserveDestination `json:"destination"`
	ExternalRecipient common.Address     `json:"externalRecipient"`
	ProposedAt        int64              `json:"proposedAt"`
	ExecutedAt        int64              `json:"executedAt"`
	Cancelled         bool               `json:"cancelled"`
	Executed          bool               `json:"executed"`
}

// Terminal reports whether the proposal has reached a final state.
func (p *ReserveProposal) Terminal() bool {
	if p == nil {
		return true
	}
	return p.Cancelled || p.Executed
}

// Clone returns a deep copy of the proposal record.
func (p *ReserveProposal) Clone() *ReserveProposal {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Amount = cloneBig(p.Amount)
	return &clone
}

// WeeklyProof is the per-week audit record. It may be upserted until
// finalized, after which it is permanently immutable.
type WeeklyProof struct {
	Week             uint64         `json:"week"`
	IPFSHash         string         `json:"ipfsHash"`
	TotalUsers       uint64         `json:"totalUsers"`
	TotalCommissions *big.Int       `json:"totalCommissions"`
	TotalProfits     *big.Int       `json:"totalProfits"`
	Submitter        common.Address `json:"submitter"`
	SubmittedAt      int64          `json:"submittedAt"`
	Finalized        bool           `json:"finalized"`
	FinalizedAt      int64          `json:"finalizedAt"`
}

// Clone returns a deep copy of the proof record.
func (p *WeeklyProof) Clone() *WeeklyProof {
	if p == nil {
		return nil
	}
	clone := *p
	clone.TotalCommissions = cloneBig(p.TotalCommissions)
	clone.TotalProfits = cloneBig(p.TotalProfits)
	return &clone
}

// Rulebook anchors the published commission plan. Written exactly once at
// genesis and never mutated.
type Rulebook struct {
	IPFSCid     string `json:"ipfsCid"`
	ContentHash []byte `json:"contentHash"`
	DeployedAt  int64  `json:"deployedAt"`
}
