package prize

import (
	"crypto/rand"
	"math/big"

	"github.com/adlumen/popup-reward-service/pkg/models"
)

// RandFunc returns a draw in [0, 1). Injectable so tests can pin outcomes.
type RandFunc func() float64

const randPrecision = 1 << 53

// SecureRand draws from crypto/rand. Used for real plays so wheel odds
// cannot be predicted from a seeded PRNG stream.
func SecureRand() float64 {
	v, err := rand.Int(rand.Reader, big.NewInt(randPrecision))
	if err != nil {
		return 0
	}
	return float64(v.Int64()) / float64(randPrecision)
}

// Select picks one prize from a weighted list. The caller guarantees the
// list is non-empty. Missing/negative weights count as zero.
//
// The walk subtracts each weight from the scaled draw and picks the first
// prize where the remainder is <= 0. Known boundary: when the draw is
// exactly 0 and the first prize has weight 0, the remainder is already 0
// after subtracting, so the zero-weight first prize wins. Kept on purpose
// for parity with existing campaigns; do not change to a strict <.
func Select(prizes []models.Prize, rnd RandFunc) models.Prize {
	var total float64
	for _, p := range prizes {
		if p.Weight > 0 {
			total += p.Weight
		}
	}

	remainder := rnd() * total
	for _, p := range prizes {
		if p.Weight > 0 {
			remainder -= p.Weight
		}
		if remainder <= 0 {
			return p
		}
	}

	// All weights zero: nothing can drive the remainder below a positive
	// draw, so fall back to the first prize rather than failing the play.
	return prizes[0]
}
