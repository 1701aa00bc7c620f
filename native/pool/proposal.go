package pool

import (
	"errors"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	nativecommon "github.com/mysofinance/v2-sub001/native/common"
	"github.com/mysofinance/v2-sub001/native/quote"
)

var (
	errProposalExists       = errors.New("pool engine: proposal already exists")
	ErrInvalidTerms         = errors.New("pool engine: invalid loan terms")
	ErrMaxBelowSubscribed   = errors.New("pool engine: max subscriptions below current total")
	ErrFirstDueTooSoon      = errors.New("pool engine: first due date inside lock windows")
	ErrBelowMinTotal        = errors.New("pool engine: total subscriptions below minimum")
	ErrDueTruncatesToZero   = errors.New("pool engine: period due amount truncates to zero")
	ErrCollateralShort      = errors.New("pool engine: received collateral below required amount")
	ErrRepaymentShort       = errors.New("pool engine: received repayment below amount due")
	ErrNotFinalized         = errors.New("pool engine: collateral not yet provided")
	ErrAlreadyFinalized     = errors.New("pool engine: collateral already provided")
	ErrPeriodNotSettled     = errors.New("pool engine: repayment period not settled")
	ErrRepaymentNotLapsed   = errors.New("pool engine: repayment window still open")
	ErrRollbackNotPermitted = errors.New("pool engine: rollback conditions not met")
)

// CreateProposal registers a new unlisted proposal tied to a funding pool.
// The salt disambiguates repeated proposals by the same arranger.
func (e *Engine) CreateProposal(poolAddr, arranger, whitelistAuthority [20]byte, collToken string, unsubscribeGrace, executionGrace int64, salt [32]byte) (*LoanProposal, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	pool, err := e.loadPool(poolAddr)
	if err != nil {
		return nil, err
	}
	collToken, err = quote.NormalizeToken(collToken)
	if err != nil {
		return nil, err
	}
	if collToken == pool.LoanToken {
		return nil, fmt.Errorf("pool engine: collateral and loan token must differ")
	}
	if unsubscribeGrace <= 0 || executionGrace <= 0 {
		return nil, fmt.Errorf("pool engine: grace periods must be positive")
	}
	id := proposalID(poolAddr, arranger, salt)
	if existing, err := e.state.GetProposal(id); err == nil && existing != nil {
		return nil, errProposalExists
	}
	p := &LoanProposal{
		ID:                     id,
		FundingPool:            poolAddr,
		CollToken:              collToken,
		LoanToken:              pool.LoanToken,
		Arranger:               arranger,
		WhitelistAuthority:     whitelistAuthority,
		UnsubscribeGracePeriod: unsubscribeGrace,
		ExecutionGracePeriod:   executionGrace,
		CreatedAt:              e.now(),
		Status:                 StatusUnlisted,
		TotalSubscriptions:     big.NewInt(0),
	}
	if err := e.state.PutProposal(p); err != nil {
		return nil, err
	}
	e.emit(NewProposalCreatedEvent(p))
	return p.Clone(), nil
}

func proposalID(poolAddr, arranger [20]byte, salt [32]byte) [32]byte {
	var id [32]byte
	copy(id[:], ethcrypto.Keccak256([]byte("loan-proposal"), poolAddr[:], arranger[:], salt[:]))
	return id
}

// ProposeOrUpdateTerms publishes or revises the term sheet. Each update bumps
// the terms version and restarts the cool-off, so a borrower locking terms
// always names the exact version they agreed to.
func (e *Engine) ProposeOrUpdateTerms(id [32]byte, caller [20]byte, terms LoanTerms) (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return 0, err
	}
	p, err := e.loadProposal(id)
	if err != nil {
		return 0, err
	}
	if caller != p.Arranger {
		return 0, ErrNotArranger
	}
	if p.Status != StatusUnlisted && p.Status != StatusTermsProposed {
		return 0, ErrInvalidStatus
	}
	now := e.now()
	if p.LastTermsUpdateTime != 0 && now < p.LastTermsUpdateTime+e.params.TermsUpdateCoolOff {
		return 0, ErrCoolOffActive
	}
	if err := e.validateTerms(terms, now); err != nil {
		return 0, err
	}
	if p.TotalSubscriptions.Sign() > 0 && terms.MaxTotalSubscriptions.Cmp(p.TotalSubscriptions) < 0 {
		return 0, ErrMaxBelowSubscribed
	}
	p.Terms = terms.Clone()
	p.TermsUpdateCount++
	p.LastTermsUpdateTime = now
	p.Status = StatusTermsProposed
	if err := e.state.PutProposal(p); err != nil {
		return 0, err
	}
	e.emit(NewTermsProposedEvent(id, p.TermsUpdateCount))
	return p.TermsUpdateCount, nil
}

func (e *Engine) validateTerms(terms LoanTerms, now int64) error {
	if terms.Borrower == ([20]byte{}) {
		return fmt.Errorf("%w: zero borrower", ErrInvalidTerms)
	}
	if terms.MinTotalSubscriptions == nil || terms.MinTotalSubscriptions.Sign() <= 0 {
		return fmt.Errorf("%w: min subscriptions must be positive", ErrInvalidTerms)
	}
	if terms.MaxTotalSubscriptions == nil || terms.MaxTotalSubscriptions.Cmp(terms.MinTotalSubscriptions) < 0 {
		return fmt.Errorf("%w: max subscriptions below min", ErrInvalidTerms)
	}
	if terms.CollPerLoanToken == nil || terms.CollPerLoanToken.Sign() < 0 {
		return fmt.Errorf("%w: negative collateral backing", ErrInvalidTerms)
	}
	if terms.ArrangerFeePctInBase == nil || terms.ArrangerFeePctInBase.Sign() < 0 {
		return fmt.Errorf("%w: negative arranger fee", ErrInvalidTerms)
	}
	if feeCap := e.params.ArrangerFeeCapPctInBase; feeCap != nil && terms.ArrangerFeePctInBase.Cmp(feeCap) > 0 {
		return fmt.Errorf("%w: arranger fee above cap", ErrInvalidTerms)
	}
	if len(terms.Schedule) == 0 {
		return fmt.Errorf("%w: empty repayment schedule", ErrInvalidTerms)
	}
	prevDue := now
	for i, entry := range terms.Schedule {
		if entry.LoanTokenDue == nil || entry.LoanTokenDue.Sign() <= 0 {
			return fmt.Errorf("%w: period %d loan due must be positive", ErrInvalidTerms, i)
		}
		if entry.CollTokenDueIfConverted == nil || entry.CollTokenDueIfConverted.Sign() < 0 {
			return fmt.Errorf("%w: period %d negative conversion collateral", ErrInvalidTerms, i)
		}
		if entry.ConversionGracePeriod <= 0 || entry.RepaymentGracePeriod <= 0 {
			return fmt.Errorf("%w: period %d grace periods must be positive", ErrInvalidTerms, i)
		}
		minDue := prevDue + e.params.MinRepaymentInterval
		if i == 0 {
			minDue = now
		}
		if entry.DueTimestamp <= minDue {
			return fmt.Errorf("%w: period %d due timestamp too early", ErrInvalidTerms, i)
		}
		// Relative amounts must survive resolution at the smallest raise the
		// terms permit, otherwise lenders could lock into unservable periods.
		if mulDiv(entry.LoanTokenDue, terms.MinTotalSubscriptions, base).Sign() == 0 {
			return fmt.Errorf("%w: period %d due resolves to zero at minimum subscriptions", ErrInvalidTerms, i)
		}
		if entry.CollTokenDueIfConverted.Sign() > 0 &&
			mulDiv(entry.CollTokenDueIfConverted, terms.MinTotalSubscriptions, base).Sign() == 0 {
			return fmt.Errorf("%w: period %d conversion collateral resolves to zero at minimum subscriptions", ErrInvalidTerms, i)
		}
		prevDue = entry.DueTimestamp
	}
	return nil
}

// LockLoanTerms is the borrower's acceptance of a specific terms version. The
// expected version must match the stored one so an arranger update racing the
// borrower cannot swap the deal underneath them.
func (e *Engine) LockLoanTerms(id [32]byte, caller [20]byte, expectedTermsUpdateCount uint64) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	p, err := e.loadProposal(id)
	if err != nil {
		return err
	}
	if p.Status != StatusTermsProposed {
		return ErrInvalidStatus
	}
	if caller != p.Terms.Borrower {
		return ErrNotBorrower
	}
	if p.TermsUpdateCount != expectedTermsUpdateCount {
		return ErrStaleTerms
	}
	now := e.now()
	earliestFirstDue := now + p.UnsubscribeGracePeriod + p.ExecutionGracePeriod + e.params.FirstDueMinLead
	if p.Terms.Schedule[0].DueTimestamp < earliestFirstDue {
		return ErrFirstDueTooSoon
	}
	p.Status = StatusLoanTermsLocked
	p.LoanTermsLockedTime = now
	if err := e.state.PutProposal(p); err != nil {
		return err
	}
	e.emit(NewTermsLockedEvent(id, p.TermsUpdateCount, now))
	return nil
}

// FinalizeLoanTermsAndTransferColl resolves the relative schedule into
// absolute amounts and pulls the borrower's collateral into the proposal's
// custody address. Callable only after the unsubscribe window has closed and
// before the execution window lapses.
func (e *Engine) FinalizeLoanTermsAndTransferColl(id [32]byte, caller [20]byte, collSendAmount, expectedTransferFee *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if collSendAmount == nil || collSendAmount.Sign() <= 0 || expectedTransferFee == nil || expectedTransferFee.Sign() < 0 {
		return errInvalidAmount
	}
	p, err := e.loadProposal(id)
	if err != nil {
		return err
	}
	if p.Status != StatusLoanTermsLocked {
		return ErrInvalidStatus
	}
	if p.FinalizedAt != 0 {
		return ErrAlreadyFinalized
	}
	if caller != p.Terms.Borrower {
		return ErrNotBorrower
	}
	now := e.now()
	unsubscribeEnd := p.LoanTermsLockedTime + p.UnsubscribeGracePeriod
	executionEnd := unsubscribeEnd + p.ExecutionGracePeriod
	if now < unsubscribeEnd || now >= executionEnd {
		return ErrOutsideWindow
	}
	if p.TotalSubscriptions.Cmp(p.Terms.MinTotalSubscriptions) < 0 {
		return ErrBelowMinTotal
	}

	finalLoan := new(big.Int).Set(p.TotalSubscriptions)
	periods := make([]PeriodState, len(p.Terms.Schedule))
	requiredColl := mulDiv(finalLoan, p.Terms.CollPerLoanToken, base)
	for i, entry := range p.Terms.Schedule {
		loanDue := mulDiv(entry.LoanTokenDue, finalLoan, base)
		if loanDue.Sign() == 0 {
			return ErrDueTruncatesToZero
		}
		collDue := mulDiv(entry.CollTokenDueIfConverted, finalLoan, base)
		requiredColl = new(big.Int).Add(requiredColl, collDue)
		periods[i] = PeriodState{
			LoanTokenDue:            loanDue,
			CollTokenDueIfConverted: collDue,
			SubscriptionsConverted:  big.NewInt(0),
			CollTokenConverted:      big.NewInt(0),
			LoanTokenRepaid:         big.NewInt(0),
		}
	}

	custody := ProposalAddress(id)
	received, fee, err := e.transferToken(caller, custody, p.CollToken, collSendAmount)
	if err != nil {
		return err
	}
	if fee.Cmp(expectedTransferFee) != 0 {
		return ErrTransferFeeMismatch
	}
	if received.Cmp(requiredColl) < 0 {
		return ErrCollateralShort
	}

	p.FinalLoanAmount = finalLoan
	p.FinalCollAmount = received
	p.ArrangerFee = mulDiv(finalLoan, p.Terms.ArrangerFeePctInBase, base)
	p.ProtocolFee = mulDiv(finalLoan, e.params.ProtocolFeePctInBase, base)
	p.Periods = periods
	p.FinalizedAt = now
	if err := e.state.PutProposal(p); err != nil {
		return err
	}
	e.emit(NewFinalizedEvent(id, finalLoan, received, p.ArrangerFee, p.ProtocolFee))
	return nil
}

// ExecuteLoanProposal disburses the loan from the funding pool custody to the
// borrower, net of arranger and protocol fees. Anyone may trigger execution
// once the borrower has finalized.
func (e *Engine) ExecuteLoanProposal(id [32]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	p, err := e.loadProposal(id)
	if err != nil {
		return err
	}
	if p.Status != StatusLoanTermsLocked {
		return ErrInvalidStatus
	}
	if p.FinalizedAt == 0 {
		return ErrNotFinalized
	}
	now := e.now()
	executionEnd := p.LoanTermsLockedTime + p.UnsubscribeGracePeriod + p.ExecutionGracePeriod
	if now >= executionEnd {
		return ErrOutsideWindow
	}

	toBorrower := new(big.Int).Sub(p.FinalLoanAmount, p.ArrangerFee)
	toBorrower.Sub(toBorrower, p.ProtocolFee)
	if toBorrower.Sign() < 0 {
		return fmt.Errorf("pool engine: fees exceed loan amount")
	}
	if p.ArrangerFee.Sign() > 0 {
		if _, _, err := e.transferToken(p.FundingPool, p.Arranger, p.LoanToken, p.ArrangerFee); err != nil {
			return err
		}
	}
	if p.ProtocolFee.Sign() > 0 {
		if _, _, err := e.transferToken(p.FundingPool, e.params.Treasury, p.LoanToken, p.ProtocolFee); err != nil {
			return err
		}
	}
	if toBorrower.Sign() > 0 {
		if _, _, err := e.transferToken(p.FundingPool, p.Terms.Borrower, p.LoanToken, toBorrower); err != nil {
			return err
		}
	}
	p.Status = StatusLoanDeployed
	p.CurrentRepaymentIdx = 0
	if err := e.state.PutProposal(p); err != nil {
		return err
	}
	e.emit(NewExecutedEvent(id, toBorrower))
	return nil
}

// Rollback abandons a locked proposal. The borrower or arranger may roll back
// while the unsubscribe window is open or when the raise missed its minimum;
// anyone may roll back once the execution window lapsed without execution.
// Collateral already provided returns to the borrower in full.
func (e *Engine) Rollback(id [32]byte, caller [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	p, err := e.loadProposal(id)
	if err != nil {
		return err
	}
	if p.Status != StatusLoanTermsLocked {
		return ErrInvalidStatus
	}
	now := e.now()
	unsubscribeEnd := p.LoanTermsLockedTime + p.UnsubscribeGracePeriod
	executionEnd := unsubscribeEnd + p.ExecutionGracePeriod
	privileged := caller == p.Terms.Borrower || caller == p.Arranger
	belowMin := p.TotalSubscriptions.Cmp(p.Terms.MinTotalSubscriptions) < 0
	switch {
	case now >= executionEnd:
		// Lapsed unexecuted; anyone may clean up.
	case belowMin && now >= unsubscribeEnd:
		// The raise missed its minimum once unsubscribing closed; anyone
		// may unwind.
	case privileged && now < unsubscribeEnd:
	case privileged && belowMin:
	default:
		return ErrRollbackNotPermitted
	}

	if p.FinalizedAt != 0 && p.FinalCollAmount != nil && p.FinalCollAmount.Sign() > 0 {
		custody := ProposalAddress(id)
		if _, _, err := e.transferToken(custody, p.Terms.Borrower, p.CollToken, p.FinalCollAmount); err != nil {
			return err
		}
	}
	p.Status = StatusRolledback
	if err := e.state.PutProposal(p); err != nil {
		return err
	}
	e.emit(NewRolledbackEvent(id))
	return nil
}

// ExerciseConversion lets a subscribed lender swap their pro-rata share of the
// current period's repayment claim for collateral during the conversion
// window. Each lender converts at most once per period.
func (e *Engine) ExerciseConversion(id [32]byte, lender [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	p, err := e.loadProposal(id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusLoanDeployed {
		return nil, ErrInvalidStatus
	}
	idx := p.CurrentRepaymentIdx
	entry := p.Terms.Schedule[idx]
	now := e.now()
	if now < entry.DueTimestamp || now >= entry.DueTimestamp+entry.ConversionGracePeriod {
		return nil, ErrOutsideWindow
	}
	sub, err := e.loadSubscription(id, lender)
	if err != nil {
		return nil, err
	}
	if sub == nil || sub.Amount.Sign() == 0 {
		return nil, ErrNotSubscribed
	}
	if e.state.Converted(id, idx, lender) {
		return nil, ErrAlreadyConverted
	}
	period := &p.Periods[idx]
	convAmount := mulDiv(period.CollTokenDueIfConverted, sub.Amount, p.TotalSubscriptions)
	if convAmount.Sign() == 0 {
		return nil, ErrZeroClaim
	}
	custody := ProposalAddress(id)
	if _, _, err := e.transferToken(custody, lender, p.CollToken, convAmount); err != nil {
		return nil, err
	}
	period.SubscriptionsConverted = new(big.Int).Add(period.SubscriptionsConverted, sub.Amount)
	period.CollTokenConverted = new(big.Int).Add(period.CollTokenConverted, convAmount)
	if err := e.state.PutConverted(id, idx, lender); err != nil {
		return nil, err
	}
	if period.SubscriptionsConverted.Cmp(p.TotalSubscriptions) >= 0 {
		// Every subscriber took collateral instead of repayment, so nothing
		// remains due and the period settles without a borrower call.
		period.Settled = true
		if idx == len(p.Periods)-1 {
			custodyAcc, err := e.loadAccount(custody)
			if err != nil {
				return nil, err
			}
			residual := custodyAcc.Balance(p.CollToken)
			if residual.Sign() > 0 {
				if _, _, err := e.transferToken(custody, p.Terms.Borrower, p.CollToken, residual); err != nil {
					return nil, err
				}
			}
			p.Status = StatusRepaid
		} else {
			p.CurrentRepaymentIdx = idx + 1
		}
	}
	if err := e.state.PutProposal(p); err != nil {
		return nil, err
	}
	e.emit(NewConversionEvent(id, idx, lender, sub.Amount, convAmount))
	return convAmount, nil
}

// Repay settles the current period's unconverted remainder during the
// repayment window. Conversion collateral left unexercised returns to the
// borrower; on the final period all remaining collateral does.
func (e *Engine) Repay(id [32]byte, caller [20]byte, sendAmount, expectedTransferFee *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if sendAmount == nil || sendAmount.Sign() < 0 || expectedTransferFee == nil || expectedTransferFee.Sign() < 0 {
		return nil, errInvalidAmount
	}
	p, err := e.loadProposal(id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusLoanDeployed {
		return nil, ErrInvalidStatus
	}
	if caller != p.Terms.Borrower {
		return nil, ErrNotBorrower
	}
	idx := p.CurrentRepaymentIdx
	entry := p.Terms.Schedule[idx]
	now := e.now()
	windowStart := entry.DueTimestamp + entry.ConversionGracePeriod
	windowEnd := windowStart + entry.RepaymentGracePeriod
	if now < windowStart || now >= windowEnd {
		return nil, ErrOutsideWindow
	}
	period := &p.Periods[idx]

	unconverted := new(big.Int).Sub(p.TotalSubscriptions, period.SubscriptionsConverted)
	remainingDue := mulDiv(period.LoanTokenDue, unconverted, p.TotalSubscriptions)
	custody := ProposalAddress(id)
	if remainingDue.Sign() > 0 {
		received, fee, err := e.transferToken(caller, custody, p.LoanToken, sendAmount)
		if err != nil {
			return nil, err
		}
		if fee.Cmp(expectedTransferFee) != 0 {
			return nil, ErrTransferFeeMismatch
		}
		if received.Cmp(remainingDue) < 0 {
			return nil, ErrRepaymentShort
		}
		// Anything above the amount due goes straight back; custody keeps
		// only what lender claims will later drain.
		surplus := new(big.Int).Sub(received, remainingDue)
		if surplus.Sign() > 0 {
			if err := e.moveBalance(custody, caller, p.LoanToken, surplus); err != nil {
				return nil, err
			}
		}
	}
	period.LoanTokenRepaid = remainingDue
	period.Settled = true

	// Conversion collateral reserved for this period but never exercised
	// flows back to the borrower.
	unusedColl := new(big.Int).Sub(period.CollTokenDueIfConverted, period.CollTokenConverted)
	lastPeriod := idx == len(p.Periods)-1
	if lastPeriod {
		custodyAcc, err := e.loadAccount(custody)
		if err != nil {
			return nil, err
		}
		unusedColl = custodyAcc.Balance(p.CollToken)
	}
	if unusedColl.Sign() > 0 {
		if _, _, err := e.transferToken(custody, p.Terms.Borrower, p.CollToken, unusedColl); err != nil {
			return nil, err
		}
	}
	if lastPeriod {
		p.Status = StatusRepaid
	} else {
		p.CurrentRepaymentIdx = idx + 1
	}
	if err := e.state.PutProposal(p); err != nil {
		return nil, err
	}
	e.emit(NewRepaidEvent(id, idx, remainingDue, unusedColl, lastPeriod))
	return remainingDue, nil
}

// ClaimRepayment pays a non-converting lender their pro-rata share of a
// settled period. Each lender claims a period at most once; converters are
// excluded because they took collateral instead.
func (e *Engine) ClaimRepayment(id [32]byte, lender [20]byte, idx int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	p, err := e.loadProposal(id)
	if err != nil {
		return nil, err
	}
	if p.Status == StatusRolledback || p.Status == StatusLoanTermsLocked || p.Status == StatusTermsProposed || p.Status == StatusUnlisted {
		return nil, ErrInvalidStatus
	}
	if idx < 0 || idx >= len(p.Periods) {
		return nil, fmt.Errorf("pool engine: repayment period %d out of range", idx)
	}
	period := &p.Periods[idx]
	if !period.Settled {
		return nil, ErrPeriodNotSettled
	}
	sub, err := e.loadSubscription(id, lender)
	if err != nil {
		return nil, err
	}
	if sub == nil || sub.Amount.Sign() == 0 {
		return nil, ErrNotSubscribed
	}
	if e.state.Converted(id, idx, lender) {
		return nil, ErrAlreadyConverted
	}
	if e.state.RepaymentClaimed(id, idx, lender) {
		return nil, ErrAlreadyClaimed
	}
	share := mulDiv(period.LoanTokenDue, sub.Amount, p.TotalSubscriptions)
	if share.Sign() == 0 {
		return nil, ErrZeroClaim
	}
	custody := ProposalAddress(id)
	if _, _, err := e.transferToken(custody, lender, p.LoanToken, share); err != nil {
		return nil, err
	}
	if err := e.state.PutRepaymentClaimed(id, idx, lender); err != nil {
		return nil, err
	}
	e.emit(NewRepaymentClaimedEvent(id, idx, lender, share))
	return share, nil
}

// MarkAsDefaulted flags a deployed loan whose current repayment window lapsed
// unsettled. Anyone may call; the remaining collateral balance is frozen as
// the pro-rata base for default claims.
func (e *Engine) MarkAsDefaulted(id [32]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	p, err := e.loadProposal(id)
	if err != nil {
		return err
	}
	if p.Status != StatusLoanDeployed {
		return ErrInvalidStatus
	}
	idx := p.CurrentRepaymentIdx
	entry := p.Terms.Schedule[idx]
	windowEnd := entry.DueTimestamp + entry.ConversionGracePeriod + entry.RepaymentGracePeriod
	if e.now() < windowEnd {
		return ErrRepaymentNotLapsed
	}
	if p.Periods[idx].Settled {
		return ErrInvalidStatus
	}
	custodyAcc, err := e.loadAccount(ProposalAddress(id))
	if err != nil {
		return err
	}
	p.Status = StatusDefaulted
	p.DefaultedAt = e.now()
	p.RemainingCollAtDefault = new(big.Int).Set(custodyAcc.Balance(p.CollToken))
	if err := e.state.PutProposal(p); err != nil {
		return err
	}
	e.emit(NewDefaultedEvent(id, idx, p.RemainingCollAtDefault))
	return nil
}

// ClaimDefaultProceeds pays a lender their pro-rata share of the collateral
// frozen at default. Each lender claims at most once.
func (e *Engine) ClaimDefaultProceeds(id [32]byte, lender [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	p, err := e.loadProposal(id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusDefaulted {
		return nil, ErrInvalidStatus
	}
	sub, err := e.loadSubscription(id, lender)
	if err != nil {
		return nil, err
	}
	if sub == nil || sub.Amount.Sign() == 0 {
		return nil, ErrNotSubscribed
	}
	if e.state.DefaultClaimed(id, lender) {
		return nil, ErrAlreadyClaimed
	}
	share := mulDiv(p.RemainingCollAtDefault, sub.Amount, p.TotalSubscriptions)
	if share.Sign() == 0 {
		return nil, ErrZeroClaim
	}
	custody := ProposalAddress(id)
	if _, _, err := e.transferToken(custody, lender, p.CollToken, share); err != nil {
		return nil, err
	}
	if err := e.state.PutDefaultClaimed(id, lender); err != nil {
		return nil, err
	}
	e.emit(NewDefaultClaimedEvent(id, lender, share))
	return share, nil
}
