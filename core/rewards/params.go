package rewards

import (
	"fmt"
	"math/big"
)

// TokenScale is the number of smallest settlement units per whole token.
var TokenScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// Params controls the engagement reward schedule. All rates are expressed in
// the smallest settlement unit (10^-18 tokens) and are fixed for the lifetime
// of the process.
type Params struct {
	// LikeRate is the reward paid per like.
	LikeRate *big.Int

	// ShareRate is the reward paid per share.
	ShareRate *big.Int

	// CommentRate is the reward paid per comment.
	CommentRate *big.Int

	// ViralThreshold is the like count at which the viral bonus applies.
	// The comparison is inclusive: a video with exactly this many likes
	// earns the bonus.
	ViralThreshold uint64

	// ViralBonus is the flat bonus granted once the threshold is reached.
	ViralBonus *big.Int
}

// DefaultParams returns the production reward schedule: 0.1 tokens per like,
// 0.5 per share, 0.2 per comment, and a 50 token bonus at 1000 likes.
func DefaultParams() Params {
	return Params{
		LikeRate:       scaled(1, 10),
		ShareRate:      scaled(5, 10),
		CommentRate:    scaled(2, 10),
		ViralThreshold: 1000,
		ViralBonus:     scaled(50, 1),
	}
}

// ParamSpec expresses a reward schedule as whole-token fractions, the form
// used by configuration files. Zero denominators default to 1.
type ParamSpec struct {
	LikeRateNumerator      int64
	LikeRateDenominator    int64
	ShareRateNumerator     int64
	ShareRateDenominator   int64
	CommentRateNumerator   int64
	CommentRateDenominator int64
	ViralThreshold         uint64
	ViralBonusTokens       int64
}

// NewParams converts a spec into a validated schedule in smallest units.
func NewParams(spec ParamSpec) (Params, error) {
	params := Params{
		LikeRate:       scaled(spec.LikeRateNumerator, orOne(spec.LikeRateDenominator)),
		ShareRate:      scaled(spec.ShareRateNumerator, orOne(spec.ShareRateDenominator)),
		CommentRate:    scaled(spec.CommentRateNumerator, orOne(spec.CommentRateDenominator)),
		ViralThreshold: spec.ViralThreshold,
		ViralBonus:     scaled(spec.ViralBonusTokens, 1),
	}
	if err := params.Validate(); err != nil {
		return Params{}, err
	}
	return params, nil
}

func orOne(denominator int64) int64 {
	if denominator == 0 {
		return 1
	}
	return denominator
}

// Validate ensures every rate is present and non-negative.
func (p Params) Validate() error {
	for name, rate := range map[string]*big.Int{
		"like rate":    p.LikeRate,
		"share rate":   p.ShareRate,
		"comment rate": p.CommentRate,
		"viral bonus":  p.ViralBonus,
	} {
		if rate == nil {
			return fmt.Errorf("rewards: %s is required", name)
		}
		if rate.Sign() < 0 {
			return fmt.Errorf("rewards: %s must not be negative", name)
		}
	}
	if p.ViralThreshold == 0 && p.ViralBonus != nil && p.ViralBonus.Sign() > 0 {
		// A zero threshold would grant the bonus to videos with no
		// engagement, breaking the zero-snapshot-yields-zero rule.
		return fmt.Errorf("rewards: viral threshold must be positive when a bonus is configured")
	}
	return nil
}

// Clone returns a deep copy so shared configuration cannot be mutated by
// callers holding a Params value.
func (p Params) Clone() Params {
	out := Params{ViralThreshold: p.ViralThreshold}
	out.LikeRate = copyInt(p.LikeRate)
	out.ShareRate = copyInt(p.ShareRate)
	out.CommentRate = copyInt(p.CommentRate)
	out.ViralBonus = copyInt(p.ViralBonus)
	return out
}

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// scaled returns numerator/denominator tokens in smallest units.
func scaled(numerator, denominator int64) *big.Int {
	v := new(big.Int).Mul(big.NewInt(numerator), TokenScale)
	return v.Div(v, big.NewInt(denominator))
}
