package vault

import (
	"errors"
	"math/big"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/mysofinance/v2-sub001/core/events"
	"github.com/mysofinance/v2-sub001/core/types"
	nativecommon "github.com/mysofinance/v2-sub001/native/common"
	"github.com/mysofinance/v2-sub001/native/oracle"
	"github.com/mysofinance/v2-sub001/native/quote"
)

var (
	errNilState               = errors.New("vault engine: state not configured")
	errVaultNotFound          = errors.New("vault engine: vault not found")
	errVaultExists            = errors.New("vault engine: vault already registered")
	errLoanNotFound           = errors.New("vault engine: loan not found")
	errInvalidAmount          = errors.New("vault engine: amount must be positive")
	errInsufficientBalance    = errors.New("vault engine: insufficient balance")
	errNotOwner               = errors.New("vault engine: caller is not the vault owner")
	errNotBorrower            = errors.New("vault engine: caller is not the loan borrower")
	errQuoteExpired           = errors.New("vault engine: quote expired")
	errBorrowerMismatch       = errors.New("vault engine: borrower not eligible for quote")
	errTenorTooShort          = errors.New("vault engine: tenor not beyond earliest repay tenor")
	errLoanTooSmall           = errors.New("vault engine: loan below quote minimum")
	errLoanTooLarge           = errors.New("vault engine: loan above quote maximum")
	errZeroLoan               = errors.New("vault engine: loan amount truncates to zero")
	errZeroRepayObligation    = errors.New("vault engine: repay obligation truncates to zero")
	errTransferFeeMismatch    = errors.New("vault engine: observed transfer fee differs from expected")
	errOracleNotConfigured    = errors.New("vault engine: oracle quote without price source")
	errOutsideRepayWindow     = errors.New("vault engine: outside repayable window")
	errAlreadyRepaid          = errors.New("vault engine: loan already fully repaid")
	errRepayExceedsObligation = errors.New("vault engine: repayment exceeds outstanding obligation")
	errZeroReclaim            = errors.New("vault engine: repayment reclaims zero collateral")
	errNotDefaulted           = errors.New("vault engine: loan not defaulted")
	errAlreadyUnlocked        = errors.New("vault engine: collateral already unlocked")
	errTokenMismatch          = errors.New("vault engine: loan collateral token mismatch")
	errCollateralCommitted    = errors.New("vault engine: amount exceeds uncommitted balance")
)

const moduleName = "vault"

type engineState interface {
	GetVault(addr [20]byte) (*Vault, error)
	PutVault(v *Vault) error
	GetLoan(vaultAddr [20]byte, id uint64) (*Loan, error)
	PutLoan(l *Loan) error
	GetAccount(addr [20]byte) (*types.Account, error)
	PutAccount(addr [20]byte, acc *types.Account) error
	TokenTransferFeeBps(token string) uint64
}

// Engine manages vault funding and the per-loan lifecycle: borrow, partial
// repayment with pro-rata collateral reclaim, and post-default unlock.
type Engine struct {
	state   engineState
	emitter events.Emitter
	pauses  nativecommon.PauseView
	price   oracle.PriceSource
	nowFn   func() int64
}

// NewEngine creates a vault engine with a no-op emitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetPauses wires the governance pause switches.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetPriceSource configures the oracle used for LTV-based quotes.
func (e *Engine) SetPriceSource(src oracle.PriceSource) {
	if e == nil {
		return
	}
	e.price = src
}

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// CreateVault registers a new vault. The owner is always accepted as an
// off-chain quote signer in addition to the explicit signer set.
func (e *Engine) CreateVault(addr, owner [20]byte, signers [][20]byte) (*Vault, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if existing, err := e.state.GetVault(addr); err == nil && existing != nil {
		return nil, errVaultExists
	}
	v := &Vault{
		Addr:             addr,
		Owner:            owner,
		Signers:          append([][20]byte{owner}, signers...),
		LockedCollateral: make(map[string]*big.Int),
	}
	if err := e.state.PutVault(v); err != nil {
		return nil, err
	}
	e.emit(NewVaultCreatedEvent(v))
	return v.Clone(), nil
}

// Deposit moves loan-token liquidity from the caller into the vault.
func (e *Engine) Deposit(vaultAddr, from [20]byte, token string, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	if _, err := e.loadVault(vaultAddr); err != nil {
		return err
	}
	_, _, err := e.transferToken(from, vaultAddr, token, amount)
	return err
}

// Withdraw releases uncommitted vault balance to the owner. Collateral locked
// behind open loans cannot be withdrawn.
func (e *Engine) Withdraw(vaultAddr, caller [20]byte, token string, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	v, err := e.loadVault(vaultAddr)
	if err != nil {
		return err
	}
	if v.Owner != caller {
		return errNotOwner
	}
	token, err = quote.NormalizeToken(token)
	if err != nil {
		return err
	}
	acc, err := e.loadAccount(vaultAddr)
	if err != nil {
		return err
	}
	free := new(big.Int).Sub(acc.Balance(token), v.Locked(token))
	if free.Cmp(amount) < 0 {
		return errCollateralCommitted
	}
	if _, _, err := e.transferToken(vaultAddr, caller, token, amount); err != nil {
		return err
	}
	e.emit(NewWithdrewEvent(vaultAddr, token, amount))
	return nil
}

// CreateLoan computes the loan terms from a verified quote tuple, pulls
// collateral from the borrower with a fee-on-transfer cross-check, pays out
// the loan amount and persists the new loan record.
func (e *Engine) CreateLoan(vaultAddr, borrower [20]byte, collSendAmount, expectedTransferFee *big.Int, info quote.GeneralQuoteInfo, tuple quote.QuoteTuple) (*Loan, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if collSendAmount == nil || collSendAmount.Sign() <= 0 {
		return nil, errInvalidAmount
	}
	if expectedTransferFee == nil {
		expectedTransferFee = big.NewInt(0)
	}
	info, err := quote.SanitizeInfo(info)
	if err != nil {
		return nil, err
	}
	if err := tuple.Validate(); err != nil {
		return nil, err
	}
	now := e.now()
	if info.ValidUntil <= now {
		return nil, errQuoteExpired
	}
	if !quote.IsZeroAddress(info.Borrower) && info.Borrower != borrower {
		return nil, errBorrowerMismatch
	}
	if tuple.Tenor <= info.EarliestRepayTenor {
		return nil, errTenorTooShort
	}

	v, err := e.loadVault(vaultAddr)
	if err != nil {
		return nil, err
	}

	initLoanAmount, err := e.sizeLoan(collSendAmount, info, tuple)
	if err != nil {
		return nil, err
	}
	if initLoanAmount.Sign() == 0 {
		return nil, errZeroLoan
	}
	if info.MinLoan.Sign() > 0 && initLoanAmount.Cmp(info.MinLoan) < 0 {
		return nil, errLoanTooSmall
	}
	if info.MaxLoan.Sign() > 0 && initLoanAmount.Cmp(info.MaxLoan) > 0 {
		return nil, errLoanTooLarge
	}

	upfrontFee := pctOf(collSendAmount, tuple.UpfrontFeePctInBase)
	netColl := new(big.Int).Sub(collSendAmount, expectedTransferFee)
	netColl.Sub(netColl, upfrontFee)
	if netColl.Sign() <= 0 {
		return nil, errInvalidAmount
	}

	initRepayAmount := repayFromLoan(initLoanAmount, tuple.InterestRatePctInBase)
	if initRepayAmount.Sign() == 0 {
		return nil, errZeroRepayObligation
	}

	// Pull collateral first so the observed transit fee can be cross-checked
	// against the caller's declaration before anything is paid out.
	_, observedFee, err := e.transferToken(borrower, vaultAddr, info.CollToken, collSendAmount)
	if err != nil {
		return nil, err
	}
	if observedFee.Cmp(expectedTransferFee) != 0 {
		return nil, errTransferFeeMismatch
	}

	loan := &Loan{
		ID:                   v.LoanCount,
		Vault:                vaultAddr,
		Borrower:             borrower,
		CollToken:            info.CollToken,
		LoanToken:            info.LoanToken,
		Expiry:               now + tuple.Tenor,
		EarliestRepay:        now + info.EarliestRepayTenor,
		InitCollAmount:       netColl,
		InitLoanAmount:       initLoanAmount,
		InitRepayAmount:      initRepayAmount,
		AmountRepaidSoFar:    big.NewInt(0),
		AmountReclaimedSoFar: big.NewInt(0),
		Compartment:          info.CompartmentKind,
	}

	switch info.CompartmentKind {
	case quote.StakingCompartment:
		loan.CompartmentAddr = CompartmentAddress(vaultAddr, loan.ID)
		if err := e.moveBalance(vaultAddr, loan.CompartmentAddr, info.CollToken, netColl); err != nil {
			return nil, err
		}
	default:
		locked := new(big.Int).Add(v.Locked(info.CollToken), netColl)
		v.setLocked(info.CollToken, locked)
	}

	if _, _, err := e.transferToken(vaultAddr, borrower, info.LoanToken, initLoanAmount); err != nil {
		return nil, err
	}

	v.LoanCount++
	if err := e.state.PutLoan(loan); err != nil {
		return nil, err
	}
	if err := e.state.PutVault(v); err != nil {
		return nil, err
	}
	e.emit(NewBorrowedEvent(loan))
	return loan.Clone(), nil
}

// Repay accepts a partial or full repayment inside the repayable window and
// releases collateral to the borrower pro rata.
func (e *Engine) Repay(vaultAddr [20]byte, loanID uint64, caller [20]byte, amount, expectedTransferFee *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, errInvalidAmount
	}
	if expectedTransferFee == nil {
		expectedTransferFee = big.NewInt(0)
	}
	loan, err := e.loadLoan(vaultAddr, loanID)
	if err != nil {
		return nil, err
	}
	if loan.Borrower != caller {
		return nil, errNotBorrower
	}
	now := e.now()
	if now < loan.EarliestRepay || now >= loan.Expiry {
		return nil, errOutsideRepayWindow
	}
	if loan.FullyRepaid() {
		return nil, errAlreadyRepaid
	}
	projected := new(big.Int).Add(loan.AmountRepaidSoFar, amount)
	if projected.Cmp(loan.InitRepayAmount) > 0 {
		return nil, errRepayExceedsObligation
	}

	reclaim := proRataReclaim(loan.InitCollAmount, amount, loan.InitRepayAmount, loan.AmountReclaimedSoFar)
	if projected.Cmp(loan.InitRepayAmount) == 0 {
		// Final repayment sweeps the floor-rounding dust.
		reclaim = new(big.Int).Sub(loan.InitCollAmount, loan.AmountReclaimedSoFar)
	}
	if reclaim.Sign() == 0 {
		return nil, errZeroReclaim
	}

	_, observedFee, err := e.transferToken(caller, vaultAddr, loan.LoanToken, amount)
	if err != nil {
		return nil, err
	}
	if observedFee.Cmp(expectedTransferFee) != 0 {
		return nil, errTransferFeeMismatch
	}

	collSource := vaultAddr
	if loan.Compartment == quote.StakingCompartment {
		collSource = loan.CompartmentAddr
	}
	if _, _, err := e.transferToken(collSource, caller, loan.CollToken, reclaim); err != nil {
		return nil, err
	}

	loan.AmountRepaidSoFar = projected
	loan.AmountReclaimedSoFar = new(big.Int).Add(loan.AmountReclaimedSoFar, reclaim)

	if loan.Compartment != quote.StakingCompartment {
		v, err := e.loadVault(vaultAddr)
		if err != nil {
			return nil, err
		}
		locked := new(big.Int).Sub(v.Locked(loan.CollToken), reclaim)
		v.setLocked(loan.CollToken, locked)
		if err := e.state.PutVault(v); err != nil {
			return nil, err
		}
	}

	if err := e.state.PutLoan(loan); err != nil {
		return nil, err
	}
	e.emit(NewRepaidEvent(vaultAddr, loan.ID, amount, reclaim))
	return reclaim, nil
}

// UnlockCollateral sweeps the unreclaimed collateral of defaulted loans to
// the vault owner. Each loan must be past expiry, not fully repaid and not
// already unlocked; any disqualified loan fails the whole call.
func (e *Engine) UnlockCollateral(vaultAddr, caller [20]byte, token string, loanIDs []uint64) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	v, err := e.loadVault(vaultAddr)
	if err != nil {
		return nil, err
	}
	if v.Owner != caller {
		return nil, errNotOwner
	}
	token, err = quote.NormalizeToken(token)
	if err != nil {
		return nil, err
	}
	now := e.now()
	totalUnlocked := big.NewInt(0)
	loans := make([]*Loan, 0, len(loanIDs))
	for _, id := range loanIDs {
		loan, err := e.loadLoan(vaultAddr, id)
		if err != nil {
			return nil, err
		}
		if loan.CollToken != token {
			return nil, errTokenMismatch
		}
		if !loan.Defaulted(now) {
			if loan.FullyRepaid() {
				return nil, errAlreadyRepaid
			}
			return nil, errNotDefaulted
		}
		if loan.CollUnlocked {
			return nil, errAlreadyUnlocked
		}
		loans = append(loans, loan)
	}
	for _, loan := range loans {
		unreclaimed := new(big.Int).Sub(loan.InitCollAmount, loan.AmountReclaimedSoFar)
		if unreclaimed.Sign() > 0 {
			source := vaultAddr
			if loan.Compartment == quote.StakingCompartment {
				source = loan.CompartmentAddr
			} else {
				locked := new(big.Int).Sub(v.Locked(token), unreclaimed)
				v.setLocked(token, locked)
			}
			if _, _, err := e.transferToken(source, v.Owner, token, unreclaimed); err != nil {
				return nil, err
			}
			totalUnlocked.Add(totalUnlocked, unreclaimed)
		}
		loan.CollUnlocked = true
		if err := e.state.PutLoan(loan); err != nil {
			return nil, err
		}
	}
	if err := e.state.PutVault(v); err != nil {
		return nil, err
	}
	e.emit(NewCollateralUnlockedEvent(vaultAddr, token, totalUnlocked))
	return totalUnlocked, nil
}

// GetLoan returns a defensive copy of the loan record.
func (e *Engine) GetLoan(vaultAddr [20]byte, loanID uint64) (*Loan, error) {
	loan, err := e.loadLoan(vaultAddr, loanID)
	if err != nil {
		return nil, err
	}
	return loan.Clone(), nil
}

// GetVault returns a defensive copy of the vault record.
func (e *Engine) GetVault(addr [20]byte) (*Vault, error) {
	v, err := e.loadVault(addr)
	if err != nil {
		return nil, err
	}
	return v.Clone(), nil
}

// CompartmentAddress derives the deterministic per-loan collateral
// compartment address for a vault and loan ID.
func CompartmentAddress(vaultAddr [20]byte, loanID uint64) [20]byte {
	var out [20]byte
	id := new(big.Int).SetUint64(loanID).Bytes()
	hash := ethcrypto.Keccak256([]byte("compartment"), vaultAddr[:], id)
	copy(out[:], hash[12:])
	return out
}

func (e *Engine) sizeLoan(collSendAmount *big.Int, info quote.GeneralQuoteInfo, tuple quote.QuoteTuple) (*big.Int, error) {
	if quote.IsZeroAddress(info.OracleAddr) {
		return loanFromCollUnit(collSendAmount, tuple.LoanPerCollUnitOrLtv), nil
	}
	if e.price == nil {
		return nil, errOracleNotConfigured
	}
	price, err := e.price.Price(info.CollToken, info.LoanToken)
	if err != nil {
		return nil, err
	}
	return loanFromLtv(collSendAmount, price, tuple.LoanPerCollUnitOrLtv), nil
}

func (e *Engine) loadVault(addr [20]byte) (*Vault, error) {
	v, err := e.state.GetVault(addr)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, errVaultNotFound
	}
	return v, nil
}

func (e *Engine) loadLoan(vaultAddr [20]byte, id uint64) (*Loan, error) {
	loan, err := e.state.GetLoan(vaultAddr, id)
	if err != nil {
		return nil, err
	}
	if loan == nil {
		return nil, errLoanNotFound
	}
	return loan, nil
}

func (e *Engine) loadAccount(addr [20]byte) (*types.Account, error) {
	acc, err := e.state.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		acc = types.NewAccount()
	}
	return acc, nil
}

// transferToken moves tokens between accounts, applying the token's
// fee-on-transfer deduction in transit. It returns the amount actually
// received and the fee burnt.
func (e *Engine) transferToken(from, to [20]byte, token string, amount *big.Int) (*big.Int, *big.Int, error) {
	token, err := quote.NormalizeToken(token)
	if err != nil {
		return nil, nil, err
	}
	fromAcc, err := e.loadAccount(from)
	if err != nil {
		return nil, nil, err
	}
	if fromAcc.Balance(token).Cmp(amount) < 0 {
		return nil, nil, errInsufficientBalance
	}
	toAcc, err := e.loadAccount(to)
	if err != nil {
		return nil, nil, err
	}
	feeBps := e.state.TokenTransferFeeBps(token)
	fee := new(big.Int).Mul(amount, new(big.Int).SetUint64(feeBps))
	fee.Quo(fee, big.NewInt(10_000))
	received := new(big.Int).Sub(amount, fee)

	fromAcc.SetBalance(token, new(big.Int).Sub(fromAcc.Balance(token), amount))
	toAcc.SetBalance(token, new(big.Int).Add(toAcc.Balance(token), received))

	if err := e.state.PutAccount(from, fromAcc); err != nil {
		return nil, nil, err
	}
	if err := e.state.PutAccount(to, toAcc); err != nil {
		return nil, nil, err
	}
	return received, fee, nil
}

// moveBalance shifts custody between two protocol-controlled addresses with
// no transit fee.
func (e *Engine) moveBalance(from, to [20]byte, token string, amount *big.Int) error {
	fromAcc, err := e.loadAccount(from)
	if err != nil {
		return err
	}
	if fromAcc.Balance(token).Cmp(amount) < 0 {
		return errInsufficientBalance
	}
	toAcc, err := e.loadAccount(to)
	if err != nil {
		return err
	}
	fromAcc.SetBalance(token, new(big.Int).Sub(fromAcc.Balance(token), amount))
	toAcc.SetBalance(token, new(big.Int).Add(toAcc.Balance(token), amount))
	if err := e.state.PutAccount(from, fromAcc); err != nil {
		return err
	}
	return e.state.PutAccount(to, toAcc)
}

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}
