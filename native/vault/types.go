package vault

import (
	"fmt"
	"math/big"

	"github.com/mysofinance/v2-sub001/native/quote"
)

// Vault is a per-lender funding silo. Loans issued by a vault are keyed by a
// monotonically increasing loan ID scoped to the vault address.
type Vault struct {
	Addr  [20]byte
	Owner [20]byte
	// Signers may authorise off-chain quotes on behalf of the owner. The
	// owner is always an implicit signer.
	Signers [][20]byte
	// LoanCount is the next loan ID to assign.
	LoanCount uint64
	// LockedCollateral tracks, per token, collateral backing open loans that
	// is held in the vault's pooled balance (compartment loans hold theirs at
	// the compartment address instead).
	LockedCollateral map[string]*big.Int
}

// Clone returns a deep copy of the vault record.
func (v *Vault) Clone() *Vault {
	if v == nil {
		return nil
	}
	clone := &Vault{Addr: v.Addr, Owner: v.Owner, LoanCount: v.LoanCount}
	clone.Signers = make([][20]byte, len(v.Signers))
	copy(clone.Signers, v.Signers)
	clone.LockedCollateral = make(map[string]*big.Int, len(v.LockedCollateral))
	for token, amt := range v.LockedCollateral {
		if amt == nil {
			clone.LockedCollateral[token] = big.NewInt(0)
			continue
		}
		clone.LockedCollateral[token] = new(big.Int).Set(amt)
	}
	return clone
}

// Locked returns the locked collateral for the token, never nil.
func (v *Vault) Locked(token string) *big.Int {
	if v == nil || v.LockedCollateral == nil {
		return big.NewInt(0)
	}
	if amt, ok := v.LockedCollateral[token]; ok && amt != nil {
		return amt
	}
	return big.NewInt(0)
}

func (v *Vault) setLocked(token string, amt *big.Int) {
	if v.LockedCollateral == nil {
		v.LockedCollateral = make(map[string]*big.Int)
	}
	if amt == nil || amt.Sign() < 0 {
		amt = big.NewInt(0)
	}
	v.LockedCollateral[token] = amt
}

// Loan is the record created atomically at borrow time. Repaid and reclaimed
// amounts only ever increase; the record becomes immutable once the
// collateral is unlocked or fully repaid and swept.
type Loan struct {
	ID        uint64
	Vault     [20]byte
	Borrower  [20]byte
	CollToken string
	LoanToken string
	// Expiry and EarliestRepay bound the repayable window [EarliestRepay,
	// Expiry).
	Expiry        int64
	EarliestRepay int64

	InitCollAmount  *big.Int
	InitLoanAmount  *big.Int
	InitRepayAmount *big.Int

	AmountRepaidSoFar    *big.Int
	AmountReclaimedSoFar *big.Int

	CollUnlocked    bool
	Compartment     quote.CompartmentKind
	CompartmentAddr [20]byte
}

// Clone returns a deep copy of the loan record.
func (l *Loan) Clone() *Loan {
	if l == nil {
		return nil
	}
	clone := *l
	clone.InitCollAmount = cloneBigInt(l.InitCollAmount)
	clone.InitLoanAmount = cloneBigInt(l.InitLoanAmount)
	clone.InitRepayAmount = cloneBigInt(l.InitRepayAmount)
	clone.AmountRepaidSoFar = cloneBigInt(l.AmountRepaidSoFar)
	clone.AmountReclaimedSoFar = cloneBigInt(l.AmountReclaimedSoFar)
	return &clone
}

// FullyRepaid reports whether the loan's repayment obligation is settled.
func (l *Loan) FullyRepaid() bool {
	if l == nil || l.InitRepayAmount == nil || l.AmountRepaidSoFar == nil {
		return false
	}
	return l.AmountRepaidSoFar.Cmp(l.InitRepayAmount) >= 0
}

// Open reports whether the loan is still repayable at the given time.
func (l *Loan) Open(now int64) bool {
	return l != nil && !l.FullyRepaid() && now < l.Expiry
}

// Defaulted reports whether the loan expired without full repayment.
func (l *Loan) Defaulted(now int64) bool {
	return l != nil && !l.FullyRepaid() && now >= l.Expiry
}

// SanitizeLoan validates a loan record's counters against its invariants and
// returns a cloned instance with non-nil amounts.
func SanitizeLoan(l *Loan) (*Loan, error) {
	if l == nil {
		return nil, fmt.Errorf("nil loan")
	}
	clone := l.Clone()
	if clone.InitCollAmount.Sign() <= 0 || clone.InitLoanAmount.Sign() <= 0 || clone.InitRepayAmount.Sign() <= 0 {
		return nil, fmt.Errorf("loan amounts must be positive")
	}
	if clone.AmountRepaidSoFar.Cmp(clone.InitRepayAmount) > 0 {
		return nil, fmt.Errorf("repaid amount exceeds repay obligation")
	}
	if clone.AmountReclaimedSoFar.Cmp(clone.InitCollAmount) > 0 {
		return nil, fmt.Errorf("reclaimed amount exceeds initial collateral")
	}
	if clone.EarliestRepay > clone.Expiry {
		return nil, fmt.Errorf("earliest repay after expiry")
	}
	return clone, nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
