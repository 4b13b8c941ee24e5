package rewards

import (
	"math/big"

	"reelchain/core/engagement"
)

// Calculator converts an engagement snapshot into a reward amount. It is
// pure: no I/O, no clock, and the same snapshot always yields the same
// amount.
type Calculator struct {
	params Params
}

// NewCalculator constructs a calculator after validating the schedule.
func NewCalculator(params Params) (*Calculator, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Calculator{params: params.Clone()}, nil
}

// Params returns a copy of the active reward schedule.
func (c *Calculator) Params() Params {
	return c.params.Clone()
}

// Compute returns the reward for the supplied snapshot in smallest
// settlement units. The result is monotonically non-decreasing in each
// counter and never negative; a snapshot with no engagement yields zero.
func (c *Calculator) Compute(snapshot *engagement.Snapshot) *big.Int {
	total := new(big.Int)
	if snapshot == nil {
		return total
	}
	total.Add(total, mulCount(snapshot.Likes, c.params.LikeRate))
	total.Add(total, mulCount(snapshot.Shares, c.params.ShareRate))
	total.Add(total, mulCount(snapshot.Comments, c.params.CommentRate))
	if snapshot.Likes >= c.params.ViralThreshold {
		total.Add(total, c.params.ViralBonus)
	}
	return total
}

func mulCount(count uint64, rate *big.Int) *big.Int {
	if rate == nil || count == 0 {
		return new(big.Int)
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(count), rate)
}
