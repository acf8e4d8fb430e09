package mlm

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"settlechain/core/types"
)

// Commission plan constants. Rates apply per level against the per-user MLM
// pool share; L6 and deeper require a qualified ancestor.
const (
	MaxLevels        = 10
	QualifiedDirects = 5

	lockedShareBps = 3_000
	bpsDenominator = 10_000
)

// LevelRateBps holds the commission rate for levels 1 through 10.
var LevelRateBps = [MaxLevels]int64{600, 300, 250, 200, 100, 100, 100, 100, 100, 100}

// QualifiedForDeepLevels reports whether a direct-referral count unlocks the
// L6-L10 commission levels.
func QualifiedForDeepLevels(directReferrals uint32) bool {
	return directReferrals >= QualifiedDirects
}

// Credit is one computed commission for a single ancestor.
type Credit struct {
	Recipient common.Address
	Source    common.Address
	Level     int
	Amount    *big.Int
	Available *big.Int
	Locked    *big.Int
}

// SplitCredit divides a commission into its immediately-available and locked
// portions. The locked share rounds down so the rounding unit stays
// withdrawable.
func SplitCredit(amount *big.Int) (available, locked *big.Int) {
	locked = new(big.Int).Mul(amount, big.NewInt(lockedShareBps))
	locked.Div(locked, big.NewInt(bpsDenominator))
	available = new(big.Int).Sub(amount, locked)
	return available, locked
}

// ComputeCredits walks the sponsor chain of source up to ten levels and
// produces the commissions owed against share, the MLM pool amount
// attributable to the source's activity. Level amounts withheld from
// unqualified ancestors are summed into redirected; the caller routes them
// to the company pool.
func ComputeCredits(share *big.Int, source *types.User, lookup func(common.Address) (*types.User, bool, error)) ([]Credit, *big.Int, error) {
	redirected := big.NewInt(0)
	if share == nil || share.Sign() <= 0 || source == nil {
		return nil, redirected, nil
	}

	credits := make([]Credit, 0, MaxLevels)
	current := source
	for level := 1; level <= MaxLevels; level++ {
		if !current.HasSponsor {
			break
		}
		ancestor, ok, err := lookup(current.Sponsor)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			break
		}
		amount := new(big.Int).Mul(share, big.NewInt(LevelRateBps[level-1]))
		amount.Div(amount, big.NewInt(bpsDenominator))
		if amount.Sign() > 0 {
			if level >= 6 && !QualifiedForDeepLevels(ancestor.DirectReferrals) {
				redirected.Add(redirected, amount)
			} else {
				available, locked := SplitCredit(amount)
				credits = append(credits, Credit{
					Recipient: ancestor.Address,
					Source:    source.Address,
					Level:     level,
					Amount:    amount,
					Available: available,
					Locked:    locked,
				})
			}
		}
		current = ancestor
	}
	return credits, redirected, nil
}
