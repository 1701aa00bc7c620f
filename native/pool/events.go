package pool

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"github.com/mysofinance/v2-sub001/core/types"
)

const (
	EventTypePoolDeposit      = "pool.deposited"
	EventTypePoolWithdraw     = "pool.withdrew"
	EventTypeSubscribed       = "pool.subscribed"
	EventTypeUnsubscribed     = "pool.unsubscribed"
	EventTypeProposalCreated  = "pool.proposal.created"
	EventTypeTermsProposed    = "pool.proposal.terms_proposed"
	EventTypeTermsLocked      = "pool.proposal.terms_locked"
	EventTypeFinalized        = "pool.proposal.finalized"
	EventTypeExecuted         = "pool.proposal.executed"
	EventTypeRolledback       = "pool.proposal.rolledback"
	EventTypeConverted        = "pool.proposal.converted"
	EventTypeRepaid           = "pool.proposal.repaid"
	EventTypeRepaymentClaimed = "pool.proposal.repayment_claimed"
	EventTypeDefaulted        = "pool.proposal.defaulted"
	EventTypeDefaultClaimed   = "pool.proposal.default_claimed"
)

type poolEvent struct {
	evt *types.Event
}

func (e poolEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e poolEvent) Event() *types.Event { return e.evt }

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func NewPoolDepositEvent(pool, lender [20]byte, received *big.Int) poolEvent {
	return poolEvent{evt: &types.Event{
		Type: EventTypePoolDeposit,
		Attributes: map[string]string{
			"pool":     hex.EncodeToString(pool[:]),
			"lender":   hex.EncodeToString(lender[:]),
			"received": formatAmount(received),
		},
	}}
}

func NewPoolWithdrawEvent(pool, lender [20]byte, amount *big.Int) poolEvent {
	return poolEvent{evt: &types.Event{
		Type: EventTypePoolWithdraw,
		Attributes: map[string]string{
			"pool":   hex.EncodeToString(pool[:]),
			"lender": hex.EncodeToString(lender[:]),
			"amount": formatAmount(amount),
		},
	}}
}

func NewSubscribedEvent(id [32]byte, lender [20]byte, amount, total *big.Int) poolEvent {
	return poolEvent{evt: &types.Event{
		Type: EventTypeSubscribed,
		Attributes: map[string]string{
			"proposal": hex.EncodeToString(id[:]),
			"lender":   hex.EncodeToString(lender[:]),
			"amount":   formatAmount(amount),
			"total":    formatAmount(total),
		},
	}}
}

func NewUnsubscribedEvent(id [32]byte, lender [20]byte, amount, total *big.Int) poolEvent {
	return poolEvent{evt: &types.Event{
		Type: EventTypeUnsubscribed,
		Attributes: map[string]string{
			"proposal": hex.EncodeToString(id[:]),
			"lender":   hex.EncodeToString(lender[:]),
			"amount":   formatAmount(amount),
			"total":    formatAmount(total),
		},
	}}
}

func NewProposalCreatedEvent(p *LoanProposal) poolEvent {
	return poolEvent{evt: &types.Event{
		Type: EventTypeProposalCreated,
		Attributes: map[string]string{
			"proposal":  hex.EncodeToString(p.ID[:]),
			"pool":      hex.EncodeToString(p.FundingPool[:]),
			"arranger":  hex.EncodeToString(p.Arranger[:]),
			"collToken": p.CollToken,
			"loanToken": p.LoanToken,
		},
	}}
}

func NewTermsProposedEvent(id [32]byte, version uint64) poolEvent {
	return poolEvent{evt: &types.Event{
		Type: EventTypeTermsProposed,
		Attributes: map[string]string{
			"proposal": hex.EncodeToString(id[:]),
			"version":  strconv.FormatUint(version, 10),
		},
	}}
}

func NewTermsLockedEvent(id [32]byte, version uint64, lockedAt int64) poolEvent {
	return poolEvent{evt: &types.Event{
		Type: EventTypeTermsLocked,
		Attributes: map[string]string{
			"proposal": hex.EncodeToString(id[:]),
			"version":  strconv.FormatUint(version, 10),
			"lockedAt": strconv.FormatInt(lockedAt, 10),
		},
	}}
}

func NewFinalizedEvent(id [32]byte, finalLoan, finalColl, arrangerFee, protocolFee *big.Int) poolEvent {
	return poolEvent{evt: &types.Event{
		Type: EventTypeFinalized,
		Attributes: map[string]string{
			"proposal":    hex.EncodeToString(id[:]),
			"finalLoan":   formatAmount(finalLoan),
			"finalColl":   formatAmount(finalColl),
			"arrangerFee": formatAmount(arrangerFee),
			"protocolFee": formatAmount(protocolFee),
		},
	}}
}

func NewExecutedEvent(id [32]byte, toBorrower *big.Int) poolEvent {
	return poolEvent{evt: &types.Event{
		Type: EventTypeExecuted,
		Attributes: map[string]string{
			"proposal":   hex.EncodeToString(id[:]),
			"toBorrower": formatAmount(toBorrower),
		},
	}}
}

func NewRolledbackEvent(id [32]byte) poolEvent {
	return poolEvent{evt: &types.Event{
		Type: EventTypeRolledback,
		Attributes: map[string]string{
			"proposal": hex.EncodeToString(id[:]),
		},
	}}
}

func NewConversionEvent(id [32]byte, idx int, lender [20]byte, subAmount, collOut *big.Int) poolEvent {
	return poolEvent{evt: &types.Event{
		Type: EventTypeConverted,
		Attributes: map[string]string{
			"proposal":  hex.EncodeToString(id[:]),
			"period":    strconv.Itoa(idx),
			"lender":    hex.EncodeToString(lender[:]),
			"subAmount": formatAmount(subAmount),
			"collOut":   formatAmount(collOut),
		},
	}}
}

func NewRepaidEvent(id [32]byte, idx int, loanRepaid, collReturned *big.Int, final bool) poolEvent {
	return poolEvent{evt: &types.Event{
		Type: EventTypeRepaid,
		Attributes: map[string]string{
			"proposal":     hex.EncodeToString(id[:]),
			"period":       strconv.Itoa(idx),
			"loanRepaid":   formatAmount(loanRepaid),
			"collReturned": formatAmount(collReturned),
			"final":        strconv.FormatBool(final),
		},
	}}
}

func NewRepaymentClaimedEvent(id [32]byte, idx int, lender [20]byte, amount *big.Int) poolEvent {
	return poolEvent{evt: &types.Event{
		Type: EventTypeRepaymentClaimed,
		Attributes: map[string]string{
			"proposal": hex.EncodeToString(id[:]),
			"period":   strconv.Itoa(idx),
			"lender":   hex.EncodeToString(lender[:]),
			"amount":   formatAmount(amount),
		},
	}}
}

func NewDefaultedEvent(id [32]byte, idx int, remainingColl *big.Int) poolEvent {
	return poolEvent{evt: &types.Event{
		Type: EventTypeDefaulted,
		Attributes: map[string]string{
			"proposal":      hex.EncodeToString(id[:]),
			"period":        strconv.Itoa(idx),
			"remainingColl": formatAmount(remainingColl),
		},
	}}
}

func NewDefaultClaimedEvent(id [32]byte, lender [20]byte, amount *big.Int) poolEvent {
	return poolEvent{evt: &types.Event{
		Type: EventTypeDefaultClaimed,
		Attributes: map[string]string{
			"proposal": hex.EncodeToString(id[:]),
			"lender":   hex.EncodeToString(lender[:]),
			"amount":   formatAmount(amount),
		},
	}}
}
