package proof

import (
	"errors"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"settlechain/core/events"
	"settlechain/core/types"
)

const (
	// EventTypeRulebookAnchored is emitted when the commission plan is set.
	EventTypeRulebookAnchored = "proof.rulebook.anchored"
	// EventTypeProofSubmitted is emitted on each weekly proof upsert.
	EventTypeProofSubmitted = "proof.week.submitted"
	// EventTypeProofFinalized is emitted when a weekly proof becomes
	// immutable.
	EventTypeProofFinalized = "proof.week.finalized"
)

var (
	errStateNotConfigured = errors.New("proof: state not configured")

	// ErrRulebookAlreadySet is returned when the rulebook is anchored twice.
	ErrRulebookAlreadySet = errors.New("proof: rulebook already set")
	// ErrRulebookInvalid is returned for an empty CID or content hash.
	ErrRulebookInvalid = errors.New("proof: invalid rulebook")
	// ErrInvalidWeek is returned for week zero.
	ErrInvalidWeek = errors.New("proof: invalid week")
	// ErrEmptyHash is returned when a proof carries no IPFS hash.
	ErrEmptyHash = errors.New("proof: ipfs hash required")
	// ErrZeroUsers is returned when a proof reports no users.
	ErrZeroUsers = errors.New("proof: total users must be positive")
	// ErrProofNotFound is returned by Finalize for a missing week.
	ErrProofNotFound = errors.New("proof: no proof for week")
	// ErrProofFinalized is returned on any attempt to change a finalized
	// proof.
	ErrProofFinalized = errors.New("proof: cannot update finalized proof")
)

type anchorState interface {
	Rulebook() (*types.Rulebook, bool, error)
	SetRulebook(rb *types.Rulebook) error
	PutWeeklyProof(p *types.WeeklyProof) error
	GetWeeklyProof(week uint64) (*types.WeeklyProof, bool, error)
	ProofWeeks() ([]uint64, error)
}

// Anchor maintains the immutable rulebook and the draft-then-finalize weekly
// proof records.
type Anchor struct {
	state   anchorState
	emitter events.Emitter
	nowFunc func() time.Time
}

// NewAnchor constructs a proof anchor with default no-op dependencies.
func NewAnchor() *Anchor {
	return &Anchor{emitter: events.NoopEmitter{}, nowFunc: time.Now}
}

// SetState wires the anchor to the state backend.
func (a *Anchor) SetState(state anchorState) { a.state = state }

// SetEmitter configures the event emitter. Nil resets it to a no-op.
func (a *Anchor) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		a.emitter = events.NoopEmitter{}
		return
	}
	a.emitter = emitter
}

// SetNowFunc overrides the clock used for submission timestamps.
func (a *Anchor) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	a.nowFunc = now
}

func (a *Anchor) emit(event *types.Event) {
	if a == nil || a.emitter == nil || event == nil {
		return
	}
	a.emitter.Emit(proofEvent{evt: event})
}

// AnchorRulebook writes the commission-plan anchor. It succeeds exactly once
// per deployment.
func (a *Anchor) AnchorRulebook(ipfsCid string, contentHash []byte) (*types.Rulebook, error) {
	if a == nil || a.state == nil {
		return nil, errStateNotConfigured
	}
	if strings.TrimSpace(ipfsCid) == "" || len(contentHash) == 0 {
		return nil, ErrRulebookInvalid
	}
	if _, ok, err := a.state.Rulebook(); err != nil {
		return nil, err
	} else if ok {
		return nil, ErrRulebookAlreadySet
	}
	rulebook := &types.Rulebook{
		IPFSCid:     ipfsCid,
		ContentHash: append([]byte(nil), contentHash...),
		DeployedAt:  a.nowFunc().Unix(),
	}
	if err := a.state.SetRulebook(rulebook); err != nil {
		return nil, err
	}
	a.emit(&types.Event{Type: EventTypeRulebookAnchored, Attributes: map[string]string{
		"ipfsCid": ipfsCid,
	}})
	return rulebook, nil
}

// SubmitWeeklyProof upserts the week's draft proof. Resubmission replaces the
// draft until the week is finalized, after which it fails.
func (a *Anchor) SubmitWeeklyProof(submitter common.Address, week uint64, ipfsHash string, totalUsers uint64, totalCommissions, totalProfits *big.Int) (*types.WeeklyProof, error) {
	if a == nil || a.state == nil {
		return nil, errStateNotConfigured
	}
	if week == 0 {
		return nil, ErrInvalidWeek
	}
	if strings.TrimSpace(ipfsHash) == "" {
		return nil, ErrEmptyHash
	}
	if totalUsers == 0 {
		return nil, ErrZeroUsers
	}
	existing, ok, err := a.state.GetWeeklyProof(week)
	if err != nil {
		return nil, err
	}
	if ok && existing.Finalized {
		return nil, ErrProofFinalized
	}

	record := &types.WeeklyProof{
		Week:             week,
		IPFSHash:         ipfsHash,
		TotalUsers:       totalUsers,
		TotalCommissions: bigOrZero(totalCommissions),
		TotalProfits:     bigOrZero(totalProfits),
		Submitter:        submitter,
		SubmittedAt:      a.nowFunc().Unix(),
	}
	if err := a.state.PutWeeklyProof(record); err != nil {
		return nil, err
	}
	a.emit(&types.Event{Type: EventTypeProofSubmitted, Attributes: map[string]string{
		"week":      strconv.FormatUint(week, 10),
		"ipfsHash":  ipfsHash,
		"submitter": submitter.Hex(),
	}})
	return record.Clone(), nil
}

// FinalizeWeek freezes the week's proof permanently.
func (a *Anchor) FinalizeWeek(week uint64) (*types.WeeklyProof, error) {
	if a == nil || a.state == nil {
		return nil, errStateNotConfigured
	}
	record, ok, err := a.state.GetWeeklyProof(week)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrProofNotFound
	}
	if record.Finalized {
		return nil, ErrProofFinalized
	}
	record.Finalized = true
	record.FinalizedAt = a.nowFunc().Unix()
	if err := a.state.PutWeeklyProof(record); err != nil {
		return nil, err
	}
	a.emit(&types.Event{Type: EventTypeProofFinalized, Attributes: map[string]string{
		"week": strconv.FormatUint(week, 10),
	}})
	return record.Clone(), nil
}

// WeeklyProof returns the stored proof for the week, if any.
func (a *Anchor) WeeklyProof(week uint64) (*types.WeeklyProof, bool, error) {
	if a == nil || a.state == nil {
		return nil, false, errStateNotConfigured
	}
	return a.state.GetWeeklyProof(week)
}

// Weeks lists every week with a stored proof, ascending.
func (a *Anchor) Weeks() ([]uint64, error) {
	if a == nil || a.state == nil {
		return nil, errStateNotConfigured
	}
	return a.state.ProofWeeks()
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

type proofEvent struct {
	evt *types.Event
}

func (p proofEvent) EventType() string {
	if p.evt == nil {
		return ""
	}
	return p.evt.Type
}

func (p proofEvent) Event() *types.Event { return p.evt }
