package pool

import (
	"errors"
	"math/big"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/mysofinance/v2-sub001/core/events"
	"github.com/mysofinance/v2-sub001/core/types"
	nativecommon "github.com/mysofinance/v2-sub001/native/common"
	"github.com/mysofinance/v2-sub001/native/quote"
)

var (
	errNilState            = errors.New("pool engine: state not configured")
	errPoolNotFound        = errors.New("pool engine: funding pool not found")
	errPoolExists          = errors.New("pool engine: funding pool already registered")
	errProposalNotFound    = errors.New("pool engine: proposal not found")
	errInvalidAmount       = errors.New("pool engine: amount must be positive")
	errInsufficientBalance = errors.New("pool engine: insufficient balance")
	ErrInvalidStatus       = errors.New("pool engine: invalid action for current status")
	ErrNotArranger         = errors.New("pool engine: caller is not the arranger")
	ErrNotBorrower         = errors.New("pool engine: caller is not the borrower")
	ErrStaleTerms          = errors.New("pool engine: stale terms version")
	ErrCoolOffActive       = errors.New("pool engine: terms update cool-off not elapsed")
	ErrOutsideWindow       = errors.New("pool engine: outside permitted time window")
	ErrLockupActive        = errors.New("pool engine: subscription lockup active")
	ErrBelowMinSubscribe   = errors.New("pool engine: free capacity below requested minimum")
	ErrNotSubscribed       = errors.New("pool engine: no subscription for lender")
	ErrAlreadyConverted    = errors.New("pool engine: already converted this period")
	ErrAlreadyClaimed      = errors.New("pool engine: already claimed")
	ErrZeroClaim           = errors.New("pool engine: claim amount truncates to zero")
	ErrTransferFeeMismatch = errors.New("pool engine: observed transfer fee differs from expected")
	ErrNotWhitelisted      = errors.New("pool engine: lender not whitelisted for proposal")
)

const moduleName = "pool"

// base is the fixed-point unit; 1e18 represents 100%.
var base = func() *big.Int {
	v, ok := new(big.Int).SetString("1000000000000000000", 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}()

// mulDiv computes floor(a * b / denom); divisions truncate toward zero.
func mulDiv(a, b, denom *big.Int) *big.Int {
	if a == nil || b == nil || denom == nil || denom.Sign() == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, denom)
}

type engineState interface {
	GetPool(addr [20]byte) (*FundingPool, error)
	PutPool(p *FundingPool) error
	GetProposal(id [32]byte) (*LoanProposal, error)
	PutProposal(p *LoanProposal) error
	PoolBalance(pool, lender [20]byte) (*big.Int, error)
	PutPoolBalance(pool, lender [20]byte, amount *big.Int) error
	GetSubscription(id [32]byte, lender [20]byte) (*Subscription, error)
	PutSubscription(id [32]byte, lender [20]byte, sub *Subscription) error
	Converted(id [32]byte, idx int, lender [20]byte) bool
	PutConverted(id [32]byte, idx int, lender [20]byte) error
	RepaymentClaimed(id [32]byte, idx int, lender [20]byte) bool
	PutRepaymentClaimed(id [32]byte, idx int, lender [20]byte) error
	DefaultClaimed(id [32]byte, lender [20]byte) bool
	PutDefaultClaimed(id [32]byte, lender [20]byte) error
	WhitelistClaim(authority, claimant [20]byte) (int64, bool)
	GetAccount(addr [20]byte) (*types.Account, error)
	PutAccount(addr [20]byte, acc *types.Account) error
	TokenTransferFeeBps(token string) uint64
}

// Params groups the governance-controlled knobs of the peer-to-pool track.
type Params struct {
	// TermsUpdateCoolOff is the minimum seconds between arranger term
	// updates, giving subscribed lenders visibility before a lock.
	TermsUpdateCoolOff int64
	// MinRepaymentInterval is the minimum spacing between due dates.
	MinRepaymentInterval int64
	// FirstDueMinLead is how far beyond the unsubscribe and execution
	// windows the first due date must sit at lock time.
	FirstDueMinLead int64
	// SubscribeCooldown gates unsubscribing right after subscribing.
	SubscribeCooldown       int64
	ProtocolFeePctInBase    *big.Int
	ArrangerFeeCapPctInBase *big.Int
	Treasury                [20]byte
}

// Engine drives the funding pool ledger and the loan proposal state machine.
type Engine struct {
	state   engineState
	emitter events.Emitter
	pauses  nativecommon.PauseView
	params  Params
	nowFn   func() int64
}

// NewEngine creates a pool engine with a no-op emitter.
func NewEngine(params Params) *Engine {
	return &Engine{
		params:  params,
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

// ProposalAddress derives the deterministic custody address holding a
// proposal's collateral and repayment balances.
func ProposalAddress(id [32]byte) [20]byte {
	var out [20]byte
	hash := ethcrypto.Keccak256([]byte("loan-proposal"), id[:])
	copy(out[:], hash[12:])
	return out
}

// CreatePool registers a funding pool for the given loan token.
func (e *Engine) CreatePool(addr [20]byte, loanToken string) (*FundingPool, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if existing, err := e.state.GetPool(addr); err == nil && existing != nil {
		return nil, errPoolExists
	}
	pool, err := SanitizePool(&FundingPool{Addr: addr, LoanToken: loanToken})
	if err != nil {
		return nil, err
	}
	if err := e.state.PutPool(pool); err != nil {
		return nil, err
	}
	return pool, nil
}

// Deposit moves loan tokens from the lender into the pool's custody and
// credits their free balance with the amount actually received.
func (e *Engine) Deposit(poolAddr, lender [20]byte, amount *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, errInvalidAmount
	}
	pool, err := e.loadPool(poolAddr)
	if err != nil {
		return nil, err
	}
	received, _, err := e.transferToken(lender, pool.Addr, pool.LoanToken, amount)
	if err != nil {
		return nil, err
	}
	balance, err := e.poolBalance(poolAddr, lender)
	if err != nil {
		return nil, err
	}
	balance = new(big.Int).Add(balance, received)
	if err := e.state.PutPoolBalance(poolAddr, lender, balance); err != nil {
		return nil, err
	}
	e.emit(NewPoolDepositEvent(poolAddr, lender, received))
	return received, nil
}

// WithdrawDeposit releases free (unsubscribed) balance back to the lender.
func (e *Engine) WithdrawDeposit(poolAddr, lender [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	pool, err := e.loadPool(poolAddr)
	if err != nil {
		return err
	}
	balance, err := e.poolBalance(poolAddr, lender)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return errInsufficientBalance
	}
	if _, _, err := e.transferToken(pool.Addr, lender, pool.LoanToken, amount); err != nil {
		return err
	}
	balance = new(big.Int).Sub(balance, amount)
	if err := e.state.PutPoolBalance(poolAddr, lender, balance); err != nil {
		return err
	}
	e.emit(NewPoolWithdrawEvent(poolAddr, lender, amount))
	return nil
}

// Subscribe commits up to maxAmount of the lender's free balance toward the
// proposal, bounded by the proposal's remaining capacity. The call reverts
// when the resulting commitment would fall below minAmount.
func (e *Engine) Subscribe(id [32]byte, lender [20]byte, minAmount, maxAmount *big.Int, lockupSeconds int64) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if maxAmount == nil || maxAmount.Sign() <= 0 || minAmount == nil || minAmount.Sign() < 0 {
		return nil, errInvalidAmount
	}
	if lockupSeconds < 0 {
		return nil, errInvalidAmount
	}
	p, err := e.loadProposal(id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusTermsProposed && p.Status != StatusLoanTermsLocked {
		return nil, ErrInvalidStatus
	}
	now := e.now()
	if err := e.checkLenderWhitelist(p, lender, now); err != nil {
		return nil, err
	}

	capacity := new(big.Int).Sub(p.Terms.MaxTotalSubscriptions, p.TotalSubscriptions)
	if capacity.Sign() <= 0 {
		return nil, ErrBelowMinSubscribe
	}
	balance, err := e.poolBalance(p.FundingPool, lender)
	if err != nil {
		return nil, err
	}
	amount := new(big.Int).Set(maxAmount)
	if amount.Cmp(capacity) > 0 {
		amount.Set(capacity)
	}
	if amount.Cmp(balance) > 0 {
		amount.Set(balance)
	}
	if amount.Sign() <= 0 || amount.Cmp(minAmount) < 0 {
		return nil, ErrBelowMinSubscribe
	}

	sub, err := e.loadSubscription(id, lender)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		sub = &Subscription{Amount: big.NewInt(0)}
	}
	sub.Amount = new(big.Int).Add(sub.Amount, amount)
	sub.SubscribedAt = now
	if lockupSeconds > 0 && now+lockupSeconds > sub.LockupUntil {
		sub.LockupUntil = now + lockupSeconds
	}

	balance = new(big.Int).Sub(balance, amount)
	if err := e.state.PutPoolBalance(p.FundingPool, lender, balance); err != nil {
		return nil, err
	}
	if err := e.state.PutSubscription(id, lender, sub); err != nil {
		return nil, err
	}
	p.TotalSubscriptions = new(big.Int).Add(p.TotalSubscriptions, amount)
	if err := e.state.PutProposal(p); err != nil {
		return nil, err
	}
	e.emit(NewSubscribedEvent(id, lender, amount, p.TotalSubscriptions))
	return amount, nil
}

// Unsubscribe releases part of a subscription back to the lender's free
// balance. The release is phase-gated: freely before lock after a cooldown,
// only inside the unsubscribe grace window after lock, freely after a
// rollback, and never once the loan is deployed.
func (e *Engine) Unsubscribe(id [32]byte, lender [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	p, err := e.loadProposal(id)
	if err != nil {
		return err
	}
	sub, err := e.loadSubscription(id, lender)
	if err != nil {
		return err
	}
	if sub == nil || sub.Amount.Sign() == 0 {
		return ErrNotSubscribed
	}
	if sub.Amount.Cmp(amount) < 0 {
		return errInsufficientBalance
	}
	now := e.now()
	switch p.Status {
	case StatusTermsProposed:
		if now < sub.SubscribedAt+e.params.SubscribeCooldown {
			return ErrOutsideWindow
		}
		if now < sub.LockupUntil {
			return ErrLockupActive
		}
	case StatusLoanTermsLocked:
		windowStart := p.LoanTermsLockedTime
		windowEnd := p.LoanTermsLockedTime + p.UnsubscribeGracePeriod
		if now < windowStart || now >= windowEnd {
			return ErrOutsideWindow
		}
		if now < sub.LockupUntil {
			return ErrLockupActive
		}
	case StatusRolledback:
		// Rolled-back proposals release subscriptions unconditionally.
	default:
		return ErrInvalidStatus
	}

	sub.Amount = new(big.Int).Sub(sub.Amount, amount)
	if err := e.state.PutSubscription(id, lender, sub); err != nil {
		return err
	}
	balance, err := e.poolBalance(p.FundingPool, lender)
	if err != nil {
		return err
	}
	balance = new(big.Int).Add(balance, amount)
	if err := e.state.PutPoolBalance(p.FundingPool, lender, balance); err != nil {
		return err
	}
	p.TotalSubscriptions = new(big.Int).Sub(p.TotalSubscriptions, amount)
	if err := e.state.PutProposal(p); err != nil {
		return err
	}
	e.emit(NewUnsubscribedEvent(id, lender, amount, p.TotalSubscriptions))
	return nil
}

// SubscriptionAmountOf returns the lender's current subscription amount.
func (e *Engine) SubscriptionAmountOf(id [32]byte, lender [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	sub, err := e.loadSubscription(id, lender)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return big.NewInt(0), nil
	}
	return cloneBigInt(sub.Amount), nil
}

// PoolBalanceOf returns the lender's free (unsubscribed) pool balance.
func (e *Engine) PoolBalanceOf(poolAddr, lender [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.poolBalance(poolAddr, lender)
}

// GetProposal returns a defensive copy of the proposal record.
func (e *Engine) GetProposal(id [32]byte) (*LoanProposal, error) {
	p, err := e.loadProposal(id)
	if err != nil {
		return nil, err
	}
	return p.Clone(), nil
}

func (e *Engine) checkLenderWhitelist(p *LoanProposal, lender [20]byte, now int64) error {
	if p.WhitelistAuthority == ([20]byte{}) {
		return nil
	}
	until, ok := e.state.WhitelistClaim(p.WhitelistAuthority, lender)
	if !ok || until <= now {
		return ErrNotWhitelisted
	}
	return nil
}

func (e *Engine) loadPool(addr [20]byte) (*FundingPool, error) {
	pool, err := e.state.GetPool(addr)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, errPoolNotFound
	}
	return pool, nil
}

func (e *Engine) loadProposal(id [32]byte) (*LoanProposal, error) {
	p, err := e.state.GetProposal(id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errProposalNotFound
	}
	if p.TotalSubscriptions == nil {
		p.TotalSubscriptions = big.NewInt(0)
	}
	return p, nil
}

func (e *Engine) loadSubscription(id [32]byte, lender [20]byte) (*Subscription, error) {
	sub, err := e.state.GetSubscription(id, lender)
	if err != nil {
		return nil, err
	}
	if sub != nil && sub.Amount == nil {
		sub.Amount = big.NewInt(0)
	}
	return sub, nil
}

func (e *Engine) poolBalance(poolAddr, lender [20]byte) (*big.Int, error) {
	balance, err := e.state.PoolBalance(poolAddr, lender)
	if err != nil {
		return nil, err
	}
	if balance == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(balance), nil
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
// fee-on-transfer deduction in transit.
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
