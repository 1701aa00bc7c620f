package vault

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"github.com/mysofinance/v2-sub001/core/types"
)

const (
	EventTypeVaultCreated       = "vault.created"
	EventTypeBorrowed           = "vault.loan.borrowed"
	EventTypeRepaid             = "vault.loan.repaid"
	EventTypeCollateralUnlocked = "vault.loan.collateral_unlocked"
	EventTypeWithdrew           = "vault.withdrew"
)

type vaultEvent struct {
	evt *types.Event
}

func (e vaultEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e vaultEvent) Event() *types.Event { return e.evt }

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// NewVaultCreatedEvent emits the payload for a newly registered vault.
func NewVaultCreatedEvent(v *Vault) vaultEvent {
	attrs := make(map[string]string)
	if v != nil {
		attrs["vault"] = hex.EncodeToString(v.Addr[:])
		attrs["owner"] = hex.EncodeToString(v.Owner[:])
	}
	return vaultEvent{evt: &types.Event{Type: EventTypeVaultCreated, Attributes: attrs}}
}

// NewBorrowedEvent carries the loan ID and the full loan terms for indexers.
func NewBorrowedEvent(l *Loan) vaultEvent {
	attrs := make(map[string]string)
	if l != nil {
		attrs["vault"] = hex.EncodeToString(l.Vault[:])
		attrs["loanId"] = strconv.FormatUint(l.ID, 10)
		attrs["borrower"] = hex.EncodeToString(l.Borrower[:])
		attrs["collToken"] = l.CollToken
		attrs["loanToken"] = l.LoanToken
		attrs["expiry"] = strconv.FormatInt(l.Expiry, 10)
		attrs["earliestRepay"] = strconv.FormatInt(l.EarliestRepay, 10)
		attrs["initCollAmount"] = formatAmount(l.InitCollAmount)
		attrs["initLoanAmount"] = formatAmount(l.InitLoanAmount)
		attrs["initRepayAmount"] = formatAmount(l.InitRepayAmount)
		if l.CompartmentAddr != ([20]byte{}) {
			attrs["compartment"] = hex.EncodeToString(l.CompartmentAddr[:])
		}
	}
	return vaultEvent{evt: &types.Event{Type: EventTypeBorrowed, Attributes: attrs}}
}

// NewRepaidEvent emits the repayment amount and the collateral reclaimed.
func NewRepaidEvent(vaultAddr [20]byte, loanID uint64, amount, reclaimed *big.Int) vaultEvent {
	return vaultEvent{evt: &types.Event{
		Type: EventTypeRepaid,
		Attributes: map[string]string{
			"vault":     hex.EncodeToString(vaultAddr[:]),
			"loanId":    strconv.FormatUint(loanID, 10),
			"amount":    formatAmount(amount),
			"reclaimed": formatAmount(reclaimed),
		},
	}}
}

// NewCollateralUnlockedEvent emits the total collateral swept to the owner.
func NewCollateralUnlockedEvent(vaultAddr [20]byte, token string, amountUnlocked *big.Int) vaultEvent {
	return vaultEvent{evt: &types.Event{
		Type: EventTypeCollateralUnlocked,
		Attributes: map[string]string{
			"vault":          hex.EncodeToString(vaultAddr[:]),
			"token":          token,
			"amountUnlocked": formatAmount(amountUnlocked),
		},
	}}
}

// NewWithdrewEvent emits the payload for an owner withdrawal.
func NewWithdrewEvent(vaultAddr [20]byte, token string, amount *big.Int) vaultEvent {
	return vaultEvent{evt: &types.Event{
		Type: EventTypeWithdrew,
		Attributes: map[string]string{
			"vault":  hex.EncodeToString(vaultAddr[:]),
			"token":  token,
			"amount": formatAmount(amount),
		},
	}}
}
