package venue

import (
	"errors"
	"math/big"
)

// FeeDenominator is the unit of pool fee tiers: 3000 means 0.3%.
const FeeDenominator = 1_000_000

const maxIterations = 255

var (
	errEmptyReserves = errors.New("empty reserves")
	errNoConvergence = errors.New("stable swap math did not converge")

	one = big.NewInt(1)
	two = big.NewInt(2)
)

// constantProductOut computes x*y=k output with the fee taken from the input.
func constantProductOut(amountIn, reserveIn, reserveOut *big.Int, fee uint32) (*big.Int, error) {
	if reserveIn.Sign() <= 0 || reserveOut.Sign() <= 0 {
		return nil, errEmptyReserves
	}
	inWithFee := new(big.Int).Mul(amountIn, big.NewInt(int64(FeeDenominator-fee)))
	inWithFee.Quo(inWithFee, big.NewInt(FeeDenominator))

	num := new(big.Int).Mul(reserveOut, inWithFee)
	den := new(big.Int).Add(reserveIn, inWithFee)
	return num.Quo(num, den), nil
}

// stableD solves the two-coin StableSwap invariant for D by Newton iteration.
// ann is the amplification coefficient multiplied by the coin count.
func stableD(x0, x1, ann *big.Int) (*big.Int, error) {
	s := new(big.Int).Add(x0, x1)
	if s.Sign() == 0 {
		return new(big.Int), nil
	}
	if x0.Sign() <= 0 || x1.Sign() <= 0 {
		return nil, errEmptyReserves
	}
	d := new(big.Int).Set(s)
	annS := new(big.Int).Mul(ann, s)
	annMinusOne := new(big.Int).Sub(ann, one)

	for i := 0; i < maxIterations; i++ {
		dp := new(big.Int).Set(d)
		dp.Mul(dp, d).Quo(dp, new(big.Int).Mul(x0, two))
		dp.Mul(dp, d).Quo(dp, new(big.Int).Mul(x1, two))

		prev := d
		num := new(big.Int).Mul(dp, two)
		num.Add(num, annS).Mul(num, d)
		den := new(big.Int).Mul(annMinusOne, d)
		den.Add(den, new(big.Int).Mul(dp, big.NewInt(3)))
		d = num.Quo(num, den)

		if new(big.Int).Sub(d, prev).CmpAbs(one) <= 0 {
			return d, nil
		}
	}
	return nil, errNoConvergence
}

// stableY returns the new balance of the output coin when the input coin's
// balance becomes x, keeping D constant.
func stableY(x, d, ann *big.Int) (*big.Int, error) {
	if x.Sign() <= 0 {
		return nil, errEmptyReserves
	}
	c := new(big.Int).Mul(d, d)
	c.Quo(c, new(big.Int).Mul(x, two))
	c.Mul(c, d).Quo(c, new(big.Int).Mul(ann, two))
	b := new(big.Int).Quo(d, ann)
	b.Add(b, x)

	y := new(big.Int).Set(d)
	for i := 0; i < maxIterations; i++ {
		prev := y
		num := new(big.Int).Mul(y, y)
		num.Add(num, c)
		den := new(big.Int).Mul(y, two)
		den.Add(den, b).Sub(den, d)
		if den.Sign() <= 0 {
			return nil, errNoConvergence
		}
		y = num.Quo(num, den)
		if new(big.Int).Sub(y, prev).CmpAbs(one) <= 0 {
			return y, nil
		}
	}
	return nil, errNoConvergence
}

// stableSwapOut computes the StableSwap output for dx of the input coin,
// deducting the fee from the output.
func stableSwapOut(amountIn, reserveIn, reserveOut *big.Int, amp uint64, fee uint32) (*big.Int, error) {
	ann := new(big.Int).SetUint64(amp * 2)
	d, err := stableD(reserveIn, reserveOut, ann)
	if err != nil {
		return nil, err
	}
	x := new(big.Int).Add(reserveIn, amountIn)
	y, err := stableY(x, d, ann)
	if err != nil {
		return nil, err
	}
	dy := new(big.Int).Sub(reserveOut, y)
	dy.Sub(dy, one)
	if dy.Sign() <= 0 {
		return new(big.Int), nil
	}
	feeAmt := new(big.Int).Mul(dy, big.NewInt(int64(fee)))
	feeAmt.Quo(feeAmt, big.NewInt(FeeDenominator))
	return dy.Sub(dy, feeAmt), nil
}
