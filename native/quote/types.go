package quote

import (
	"fmt"
	"math/big"
	"strings"
)

// CompartmentKind enumerates the closed set of collateral compartment
// capabilities a quote may request. The set is fixed at compile time for a
// given deployment.
type CompartmentKind uint8

const (
	// NoCompartment pools the loan's collateral with the vault balance.
	NoCompartment CompartmentKind = iota
	// StakingCompartment isolates the loan's collateral in a per-loan
	// sub-account so staking-eligible tokens never commingle.
	StakingCompartment
)

// Valid reports whether the compartment kind is within the supported range.
func (k CompartmentKind) Valid() bool {
	switch k {
	case NoCompartment, StakingCompartment:
		return true
	default:
		return false
	}
}

// GeneralQuoteInfo carries the loan terms shared by every tuple of a quote.
type GeneralQuoteInfo struct {
	// Borrower restricts the quote to a single borrower; the zero address
	// leaves it open to anyone.
	Borrower [20]byte
	// CollToken and LoanToken are canonical token symbols.
	CollToken string
	LoanToken string
	// OracleAddr selects LTV-based pricing when non-zero; the zero address
	// means tuples carry an absolute loan-per-collateral-unit price.
	OracleAddr [20]byte
	MinLoan    *big.Int
	MaxLoan    *big.Int
	// ValidUntil is the unix timestamp after which the quote is unusable.
	ValidUntil int64
	// EarliestRepayTenor is the minimum seconds between borrow and repay.
	EarliestRepayTenor int64
	CompartmentKind    CompartmentKind
	IsSingleUse        bool
	// WhitelistAddr names the authority whose signed claims gate borrowers;
	// zero disables the allow-list.
	WhitelistAddr                 [20]byte
	IsWhitelistAddrSingleBorrower bool
}

// QuoteTuple is one concrete rate/tenor choice within a quote. Immutable once
// part of a committed quote.
type QuoteTuple struct {
	// LoanPerCollUnitOrLtv is loan-token wei per 1e18 collateral units when
	// the quote has no oracle, otherwise an LTV fraction of BASE.
	LoanPerCollUnitOrLtv  *big.Int
	InterestRatePctInBase *big.Int
	UpfrontFeePctInBase   *big.Int
	Tenor                 int64
}

// OnChainQuote is a lender-published quote stored in the vault's registry.
type OnChainQuote struct {
	Info   GeneralQuoteInfo
	Tuples []QuoteTuple
	Salt   [32]byte
}

// OffChainQuote is a lender-signed quote whose tuples are committed to via a
// Merkle root rather than stored on chain.
type OffChainQuote struct {
	Info       GeneralQuoteInfo
	TuplesRoot [32]byte
	Salt       [32]byte
	Nonce      uint64
	// Signature is the 65-byte compact (r || s || v) personal-sign signature
	// over the canonical payload hash.
	Signature []byte
}

var zeroAddr [20]byte

// IsZeroAddress reports whether the raw address is entirely zero.
func IsZeroAddress(addr [20]byte) bool { return addr == zeroAddr }

// NormalizeToken canonicalises a token symbol to its uppercase form.
func NormalizeToken(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if trimmed == "" {
		return "", fmt.Errorf("empty token symbol")
	}
	return trimmed, nil
}

// Clone returns a deep copy of the tuple with non-nil amounts.
func (t QuoteTuple) Clone() QuoteTuple {
	clone := QuoteTuple{Tenor: t.Tenor}
	clone.LoanPerCollUnitOrLtv = cloneBigInt(t.LoanPerCollUnitOrLtv)
	clone.InterestRatePctInBase = cloneBigInt(t.InterestRatePctInBase)
	clone.UpfrontFeePctInBase = cloneBigInt(t.UpfrontFeePctInBase)
	return clone
}

// Validate rejects tuples that could never produce a well-formed loan.
func (t QuoteTuple) Validate() error {
	if t.LoanPerCollUnitOrLtv == nil || t.LoanPerCollUnitOrLtv.Sign() <= 0 {
		return fmt.Errorf("quote tuple: loan per collateral unit must be positive")
	}
	if t.InterestRatePctInBase == nil || t.InterestRatePctInBase.Sign() < 0 {
		return fmt.Errorf("quote tuple: negative interest rate")
	}
	if t.UpfrontFeePctInBase == nil || t.UpfrontFeePctInBase.Sign() < 0 {
		return fmt.Errorf("quote tuple: negative upfront fee")
	}
	if t.Tenor <= 0 {
		return fmt.Errorf("quote tuple: tenor must be positive")
	}
	return nil
}

// SanitizeInfo validates and normalises the shared quote terms, returning a
// copy with canonical token casing and non-nil amounts. The original value is
// not mutated.
func SanitizeInfo(info GeneralQuoteInfo) (GeneralQuoteInfo, error) {
	out := info
	collToken, err := NormalizeToken(info.CollToken)
	if err != nil {
		return out, fmt.Errorf("collateral token: %w", err)
	}
	loanToken, err := NormalizeToken(info.LoanToken)
	if err != nil {
		return out, fmt.Errorf("loan token: %w", err)
	}
	if collToken == loanToken {
		return out, fmt.Errorf("collateral and loan token must differ")
	}
	out.CollToken = collToken
	out.LoanToken = loanToken
	out.MinLoan = cloneBigInt(info.MinLoan)
	out.MaxLoan = cloneBigInt(info.MaxLoan)
	if out.MinLoan.Sign() < 0 || out.MaxLoan.Sign() < 0 {
		return out, fmt.Errorf("loan bounds must be non-negative")
	}
	if out.MaxLoan.Sign() > 0 && out.MinLoan.Cmp(out.MaxLoan) > 0 {
		return out, fmt.Errorf("min loan exceeds max loan")
	}
	if out.EarliestRepayTenor < 0 {
		return out, fmt.Errorf("earliest repay tenor must be non-negative")
	}
	if !out.CompartmentKind.Valid() {
		return out, fmt.Errorf("invalid compartment kind: %d", out.CompartmentKind)
	}
	return out, nil
}

// Clone returns a deep copy of the on-chain quote.
func (q *OnChainQuote) Clone() *OnChainQuote {
	if q == nil {
		return nil
	}
	clone := &OnChainQuote{Info: cloneInfo(q.Info), Salt: q.Salt}
	clone.Tuples = make([]QuoteTuple, len(q.Tuples))
	for i, tuple := range q.Tuples {
		clone.Tuples[i] = tuple.Clone()
	}
	return clone
}

// Clone returns a deep copy of the off-chain quote.
func (q *OffChainQuote) Clone() *OffChainQuote {
	if q == nil {
		return nil
	}
	clone := &OffChainQuote{
		Info:       cloneInfo(q.Info),
		TuplesRoot: q.TuplesRoot,
		Salt:       q.Salt,
		Nonce:      q.Nonce,
	}
	if len(q.Signature) > 0 {
		clone.Signature = append([]byte(nil), q.Signature...)
	}
	return clone
}

func cloneInfo(info GeneralQuoteInfo) GeneralQuoteInfo {
	out := info
	out.MinLoan = cloneBigInt(info.MinLoan)
	out.MaxLoan = cloneBigInt(info.MaxLoan)
	return out
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
