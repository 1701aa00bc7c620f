package vault

import "math/big"

// Base is the fixed-point unit: 1e18 represents 100%. Every ratio division in
// the protocol truncates toward zero, which systematically rounds in the
// lender's favour. That direction is a hard invariant; do not switch any of
// these helpers to half-up rounding.
var Base = mustBigInt("1000000000000000000")

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// mulDiv computes floor(a * b / denom). A nil or zero denominator yields zero.
func mulDiv(a, b, denom *big.Int) *big.Int {
	if a == nil || b == nil || denom == nil || denom.Sign() == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, denom)
}

// loanFromCollUnit sizes a loan from an absolute loan-per-collateral-unit
// price: floor(collAmount * loanPerCollUnit / Base).
func loanFromCollUnit(collAmount, loanPerCollUnit *big.Int) *big.Int {
	return mulDiv(collAmount, loanPerCollUnit, Base)
}

// loanFromLtv sizes a loan from an oracle collateral valuation and an LTV
// fraction of Base.
func loanFromLtv(collAmount, price, ltv *big.Int) *big.Int {
	collValue := mulDiv(collAmount, price, Base)
	return mulDiv(collValue, ltv, Base)
}

// pctOf computes floor(amount * pct / Base) where pct is a fraction of Base.
func pctOf(amount, pct *big.Int) *big.Int {
	return mulDiv(amount, pct, Base)
}

// repayFromLoan computes the simple-interest repayment obligation:
// floor(loanAmount * (Base + rate) / Base).
func repayFromLoan(loanAmount, rate *big.Int) *big.Int {
	if rate == nil {
		rate = big.NewInt(0)
	}
	factor := new(big.Int).Add(Base, rate)
	return mulDiv(loanAmount, factor, Base)
}

// proRataReclaim computes the collateral released for a partial repayment:
// floor(initColl * repayAmount / initRepay), capped so the cumulative
// reclaimed amount never exceeds initColl. Floor dust stays with the vault
// until the final repayment sweeps it.
func proRataReclaim(initColl, repayAmount, initRepay, reclaimedSoFar *big.Int) *big.Int {
	reclaim := mulDiv(initColl, repayAmount, initRepay)
	remaining := new(big.Int).Sub(initColl, reclaimedSoFar)
	if remaining.Sign() < 0 {
		return big.NewInt(0)
	}
	if reclaim.Cmp(remaining) > 0 {
		return remaining
	}
	return reclaim
}
