package pool

import (
	"fmt"
	"math/big"

	"github.com/mysofinance/v2-sub001/native/quote"
)

// ProposalStatus enumerates the loan proposal lifecycle. Transitions are
// strictly ordered; every operation validates the status it requires.
type ProposalStatus uint8

const (
	StatusUnlisted ProposalStatus = iota
	StatusTermsProposed
	StatusLoanTermsLocked
	StatusLoanDeployed
	StatusRolledback
	StatusRepaid
	StatusDefaulted
)

// Valid reports whether the status value is within the supported range.
func (s ProposalStatus) Valid() bool {
	return s <= StatusDefaulted
}

func (s ProposalStatus) String() string {
	switch s {
	case StatusUnlisted:
		return "unlisted"
	case StatusTermsProposed:
		return "terms_proposed"
	case StatusLoanTermsLocked:
		return "loan_terms_locked"
	case StatusLoanDeployed:
		return "loan_deployed"
	case StatusRolledback:
		return "rolledback"
	case StatusRepaid:
		return "repaid"
	case StatusDefaulted:
		return "defaulted"
	default:
		return "unknown"
	}
}

// RepaymentScheduleEntry defines one repayment period. LoanTokenDue and
// CollTokenDueIfConverted are fractions of the eventual finalized loan amount
// (Base = 100%) and are resolved to absolute token amounts only once total
// subscriptions are known.
type RepaymentScheduleEntry struct {
	LoanTokenDue            *big.Int
	CollTokenDueIfConverted *big.Int
	DueTimestamp            int64
	ConversionGracePeriod   int64
	RepaymentGracePeriod    int64
}

// LoanTerms is the arranger-proposed, borrower-locked term sheet.
type LoanTerms struct {
	Borrower              [20]byte
	MinTotalSubscriptions *big.Int
	MaxTotalSubscriptions *big.Int
	// CollPerLoanToken is the default-reserve collateral backing per 1e18
	// loan tokens. Zero is a deliberate opt-out of default protection:
	// conversion and default claims then resolve to zero and are rejected
	// as zero-amount claims.
	CollPerLoanToken     *big.Int
	ArrangerFeePctInBase *big.Int
	Schedule             []RepaymentScheduleEntry
}

// Clone returns a deep copy of the terms.
func (t LoanTerms) Clone() LoanTerms {
	clone := LoanTerms{Borrower: t.Borrower}
	clone.MinTotalSubscriptions = cloneBigInt(t.MinTotalSubscriptions)
	clone.MaxTotalSubscriptions = cloneBigInt(t.MaxTotalSubscriptions)
	clone.CollPerLoanToken = cloneBigInt(t.CollPerLoanToken)
	clone.ArrangerFeePctInBase = cloneBigInt(t.ArrangerFeePctInBase)
	clone.Schedule = make([]RepaymentScheduleEntry, len(t.Schedule))
	for i, entry := range t.Schedule {
		clone.Schedule[i] = RepaymentScheduleEntry{
			LoanTokenDue:            cloneBigInt(entry.LoanTokenDue),
			CollTokenDueIfConverted: cloneBigInt(entry.CollTokenDueIfConverted),
			DueTimestamp:            entry.DueTimestamp,
			ConversionGracePeriod:   entry.ConversionGracePeriod,
			RepaymentGracePeriod:    entry.RepaymentGracePeriod,
		}
	}
	return clone
}

// PeriodState tracks the runtime accounting of one repayment period once the
// terms are finalized and amounts become absolute.
type PeriodState struct {
	// LoanTokenDue and CollTokenDueIfConverted are absolute amounts.
	LoanTokenDue            *big.Int
	CollTokenDueIfConverted *big.Int
	// SubscriptionsConverted sums the subscription amounts of lenders who
	// exercised conversion this period.
	SubscriptionsConverted *big.Int
	// CollTokenConverted is the collateral actually paid out to converters.
	CollTokenConverted *big.Int
	// LoanTokenRepaid is the unconverted remainder the borrower settled.
	LoanTokenRepaid *big.Int
	Settled         bool
}

// LoanProposal is a peer-to-pool loan negotiation. Static fields are fixed at
// creation; dynamic fields evolve with the state machine.
type LoanProposal struct {
	ID          [32]byte
	FundingPool [20]byte
	CollToken   string
	LoanToken   string
	Arranger    [20]byte
	// WhitelistAuthority optionally gates lender subscriptions.
	WhitelistAuthority     [20]byte
	UnsubscribeGracePeriod int64
	ExecutionGracePeriod   int64
	CreatedAt              int64

	Status ProposalStatus
	// TermsUpdateCount is the optimistic-lock version borrowers must present
	// when locking terms.
	TermsUpdateCount    uint64
	LastTermsUpdateTime int64
	LoanTermsLockedTime int64
	FinalizedAt         int64
	DefaultedAt         int64
	CurrentRepaymentIdx int

	Terms              LoanTerms
	TotalSubscriptions *big.Int
	FinalLoanAmount    *big.Int
	FinalCollAmount    *big.Int
	ArrangerFee        *big.Int
	ProtocolFee        *big.Int
	// RemainingCollAtDefault freezes the pro-rata base for default claims.
	RemainingCollAtDefault *big.Int
	Periods                []PeriodState
}

// Clone returns a deep copy of the proposal record.
func (p *LoanProposal) Clone() *LoanProposal {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Terms = p.Terms.Clone()
	clone.TotalSubscriptions = cloneBigInt(p.TotalSubscriptions)
	clone.FinalLoanAmount = cloneBigInt(p.FinalLoanAmount)
	clone.FinalCollAmount = cloneBigInt(p.FinalCollAmount)
	clone.ArrangerFee = cloneBigInt(p.ArrangerFee)
	clone.ProtocolFee = cloneBigInt(p.ProtocolFee)
	clone.RemainingCollAtDefault = cloneBigInt(p.RemainingCollAtDefault)
	clone.Periods = make([]PeriodState, len(p.Periods))
	for i, period := range p.Periods {
		clone.Periods[i] = PeriodState{
			LoanTokenDue:            cloneBigInt(period.LoanTokenDue),
			CollTokenDueIfConverted: cloneBigInt(period.CollTokenDueIfConverted),
			SubscriptionsConverted:  cloneBigInt(period.SubscriptionsConverted),
			CollTokenConverted:      cloneBigInt(period.CollTokenConverted),
			LoanTokenRepaid:         cloneBigInt(period.LoanTokenRepaid),
			Settled:                 period.Settled,
		}
	}
	return &clone
}

// FundingPool is a shared deposit pool lenders subscribe from. The pool
// custodies deposits at its own account address.
type FundingPool struct {
	Addr      [20]byte
	LoanToken string
}

// Subscription is a lender's locked commitment toward one proposal.
type Subscription struct {
	Amount       *big.Int
	SubscribedAt int64
	LockupUntil  int64
}

// Clone returns a deep copy of the subscription.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	return &Subscription{
		Amount:       cloneBigInt(s.Amount),
		SubscribedAt: s.SubscribedAt,
		LockupUntil:  s.LockupUntil,
	}
}

// SanitizePool normalises the pool record's token symbol.
func SanitizePool(p *FundingPool) (*FundingPool, error) {
	if p == nil {
		return nil, fmt.Errorf("nil funding pool")
	}
	token, err := quote.NormalizeToken(p.LoanToken)
	if err != nil {
		return nil, err
	}
	return &FundingPool{Addr: p.Addr, LoanToken: token}, nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
