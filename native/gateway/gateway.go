package gateway

import (
	"errors"
	"math/big"
	"time"

	"github.com/mysofinance/v2-sub001/core/events"
	nativecommon "github.com/mysofinance/v2-sub001/native/common"
	"github.com/mysofinance/v2-sub001/native/quote"
	"github.com/mysofinance/v2-sub001/native/vault"
)

var (
	errNilState               = errors.New("borrower gateway: state not configured")
	errNotWired               = errors.New("borrower gateway: engine dependencies not configured")
	ErrDeadlinePassed         = errors.New("borrower gateway: deadline passed")
	ErrVaultNotRegistered     = errors.New("borrower gateway: vault not registered")
	ErrQuoteNotFound          = errors.New("borrower gateway: on-chain quote not found")
	ErrCallbackNotWhitelisted = errors.New("borrower gateway: callback not whitelisted")
	ErrCallbackUnknown        = errors.New("borrower gateway: callback implementation not registered")
	ErrNotWhitelisted         = errors.New("borrower gateway: borrower not whitelisted for quote")
)

const moduleName = "gateway"

// SwapCallback is the strategy interface for flash-style "looping" adapters.
// The adapter is invoked mid-transaction with the borrowed funds already in
// the borrower's balance and is expected to leave the borrower's accounts in
// a state that satisfies the surrounding operation's final checks. Any error
// reverts the entire transaction.
type SwapCallback interface {
	Exchange(borrower [20]byte, loanToken, collToken string, loanAmount *big.Int) error
}

type gatewayState interface {
	Snapshot() int
	RevertToSnapshot(rev int)
	DiscardSnapshot(rev int)
	CallbackWhitelisted(addr [20]byte) bool
	WhitelistClaim(authority, claimant [20]byte) (int64, bool)
	PutWhitelistClaim(authority, claimant [20]byte, whitelistedUntil int64) error
	QuotaNow(addr [20]byte) (nativecommon.QuotaNow, error)
	PutQuotaNow(addr [20]byte, q nativecommon.QuotaNow) error
}

// Gateway orchestrates borrow and repay transactions across the quote
// registry, off-chain verifier, Merkle selector and loan engine. It owns no
// loan state itself; everything it writes goes through the shared store so a
// late failure rolls the whole operation back.
type Gateway struct {
	state     gatewayState
	registry  *quote.Registry
	verifier  *quote.Verifier
	engine    *vault.Engine
	pauses    nativecommon.PauseView
	emitter   events.Emitter
	quota     nativecommon.Quota
	callbacks map[[20]byte]SwapCallback
	nowFn     func() int64
}

// NewGateway constructs a gateway wired to the given protocol engines.
func NewGateway(registry *quote.Registry, verifier *quote.Verifier, engine *vault.Engine) *Gateway {
	return &Gateway{
		registry:  registry,
		verifier:  verifier,
		engine:    engine,
		emitter:   events.NoopEmitter{},
		callbacks: make(map[[20]byte]SwapCallback),
		nowFn:     func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the gateway.
func (g *Gateway) SetState(state gatewayState) { g.state = state }

// SetPauses wires the governance pause switches.
func (g *Gateway) SetPauses(p nativecommon.PauseView) {
	if g == nil {
		return
	}
	g.pauses = p
}

// SetQuota configures the per-borrower throttles applied on borrow.
func (g *Gateway) SetQuota(q nativecommon.Quota) {
	if g == nil {
		return
	}
	g.quota = q
	if g.quota.MaxVolumePerEpoch != nil {
		g.quota.MaxVolumePerEpoch = new(big.Int).Set(q.MaxVolumePerEpoch)
	}
}

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (g *Gateway) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		g.emitter = events.NoopEmitter{}
		return
	}
	g.emitter = emitter
}

// SetNowFunc overrides the time source, primarily for tests.
func (g *Gateway) SetNowFunc(now func() int64) {
	if now == nil {
		g.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	g.nowFn = now
}

// RegisterCallback binds a whitelistable callback address to its
// implementation. The closed set of adapters is known at deployment time.
func (g *Gateway) RegisterCallback(addr [20]byte, cb SwapCallback) {
	if g == nil || cb == nil {
		return
	}
	g.callbacks[addr] = cb
}

func (g *Gateway) now() int64 {
	if g == nil || g.nowFn == nil {
		return time.Now().Unix()
	}
	return g.nowFn()
}

// BorrowParams carries the borrower-supplied inputs shared by both borrow
// paths.
type BorrowParams struct {
	Vault               [20]byte
	Borrower            [20]byte
	CollSendAmount      *big.Int
	ExpectedTransferFee *big.Int
	Deadline            int64
	// CallbackAddr selects a whitelisted looping adapter; zero disables it.
	CallbackAddr [20]byte
}

// BorrowWithOnChainQuote executes a borrow against a registered on-chain
// quote, selecting the tuple by index.
func (g *Gateway) BorrowWithOnChainQuote(p BorrowParams, q *quote.OnChainQuote, tupleIdx int) (*vault.Loan, error) {
	loan, err := g.borrow(p, func(vaultAddr [20]byte) (quote.GeneralQuoteInfo, quote.QuoteTuple, func() error, error) {
		hash, hashErr := quote.OnChainQuoteHash(q, vaultAddr)
		if hashErr != nil {
			return quote.GeneralQuoteInfo{}, quote.QuoteTuple{}, nil, hashErr
		}
		if !g.registry.IsOnChainQuote(vaultAddr, hash) {
			return quote.GeneralQuoteInfo{}, quote.QuoteTuple{}, nil, ErrQuoteNotFound
		}
		tuple, selErr := quote.SelectTuple(q, tupleIdx)
		if selErr != nil {
			return quote.GeneralQuoteInfo{}, quote.QuoteTuple{}, nil, selErr
		}
		consume := func() error {
			if !q.Info.IsSingleUse {
				return nil
			}
			return g.registry.DeleteQuoteHash(vaultAddr, hash)
		}
		return q.Info, tuple, consume, nil
	})
	return loan, err
}

// BorrowWithOffChainQuote executes a borrow against a lender-signed off-chain
// quote, proving the chosen tuple against the quote's Merkle root.
func (g *Gateway) BorrowWithOffChainQuote(p BorrowParams, q *quote.OffChainQuote, tuple quote.QuoteTuple, proof [][32]byte) (*vault.Loan, error) {
	loan, err := g.borrow(p, func(vaultAddr [20]byte) (quote.GeneralQuoteInfo, quote.QuoteTuple, func() error, error) {
		lender, verifyErr := g.verifier.Verify(q, vaultAddr)
		if verifyErr != nil {
			return quote.GeneralQuoteInfo{}, quote.QuoteTuple{}, nil, verifyErr
		}
		verified, proofErr := quote.VerifyTuple(q.TuplesRoot, tuple, proof)
		if proofErr != nil {
			return quote.GeneralQuoteInfo{}, quote.QuoteTuple{}, nil, proofErr
		}
		consume := func() error {
			if !q.Info.IsSingleUse {
				return nil
			}
			return g.verifier.RevokeNonce(lender, q.Nonce)
		}
		return q.Info, verified, consume, nil
	})
	return loan, err
}

type quoteResolver func(vaultAddr [20]byte) (quote.GeneralQuoteInfo, quote.QuoteTuple, func() error, error)

func (g *Gateway) borrow(p BorrowParams, resolve quoteResolver) (*vault.Loan, error) {
	if g == nil || g.state == nil {
		return nil, errNilState
	}
	if g.registry == nil || g.verifier == nil || g.engine == nil {
		return nil, errNotWired
	}
	if err := nativecommon.Guard(g.pauses, moduleName); err != nil {
		return nil, err
	}
	now := g.now()
	if p.Deadline > 0 && now > p.Deadline {
		return nil, ErrDeadlinePassed
	}
	if _, err := g.engine.GetVault(p.Vault); err != nil {
		return nil, ErrVaultNotRegistered
	}

	snap := g.state.Snapshot()
	loan, err := g.borrowLocked(p, resolve, now)
	if err != nil {
		g.state.RevertToSnapshot(snap)
		revertsTotal.Inc()
		return nil, err
	}
	g.state.DiscardSnapshot(snap)
	borrowsTotal.Inc()
	return loan, nil
}

func (g *Gateway) borrowLocked(p BorrowParams, resolve quoteResolver, now int64) (*vault.Loan, error) {
	info, tuple, consume, err := resolve(p.Vault)
	if err != nil {
		return nil, err
	}
	if err := g.checkWhitelist(info, p.Borrower, now); err != nil {
		return nil, err
	}
	loan, err := g.engine.CreateLoan(p.Vault, p.Borrower, p.CollSendAmount, p.ExpectedTransferFee, info, tuple)
	if err != nil {
		return nil, err
	}
	if err := g.chargeQuota(p.Borrower, loan.InitLoanAmount, now); err != nil {
		return nil, err
	}
	if consume != nil {
		if err := consume(); err != nil {
			return nil, err
		}
	}
	if p.CallbackAddr != ([20]byte{}) {
		cb, err := g.resolveCallback(p.CallbackAddr)
		if err != nil {
			return nil, err
		}
		if err := cb.Exchange(p.Borrower, loan.LoanToken, loan.CollToken, loan.InitLoanAmount); err != nil {
			return nil, err
		}
	}
	return loan, nil
}

// Repay settles part or all of a loan through the gateway, optionally letting
// a whitelisted adapter source the repayment tokens first.
func (g *Gateway) Repay(vaultAddr [20]byte, loanID uint64, borrower [20]byte, amount, expectedTransferFee *big.Int, deadline int64, callbackAddr [20]byte) (*big.Int, error) {
	if g == nil || g.state == nil {
		return nil, errNilState
	}
	if g.engine == nil {
		return nil, errNotWired
	}
	if err := nativecommon.Guard(g.pauses, moduleName); err != nil {
		return nil, err
	}
	now := g.now()
	if deadline > 0 && now > deadline {
		return nil, ErrDeadlinePassed
	}
	if _, err := g.engine.GetVault(vaultAddr); err != nil {
		return nil, ErrVaultNotRegistered
	}

	snap := g.state.Snapshot()
	reclaimed, err := g.repayLocked(vaultAddr, loanID, borrower, amount, expectedTransferFee, callbackAddr)
	if err != nil {
		g.state.RevertToSnapshot(snap)
		revertsTotal.Inc()
		return nil, err
	}
	g.state.DiscardSnapshot(snap)
	repaysTotal.Inc()
	return reclaimed, nil
}

func (g *Gateway) repayLocked(vaultAddr [20]byte, loanID uint64, borrower [20]byte, amount, expectedTransferFee *big.Int, callbackAddr [20]byte) (*big.Int, error) {
	if callbackAddr != ([20]byte{}) {
		loan, err := g.engine.GetLoan(vaultAddr, loanID)
		if err != nil {
			return nil, err
		}
		cb, err := g.resolveCallback(callbackAddr)
		if err != nil {
			return nil, err
		}
		// The adapter swaps ahead of the repayment so the borrower holds the
		// loan tokens the engine is about to pull.
		if err := cb.Exchange(borrower, loan.LoanToken, loan.CollToken, amount); err != nil {
			return nil, err
		}
	}
	return g.engine.Repay(vaultAddr, loanID, borrower, amount, expectedTransferFee)
}

func (g *Gateway) resolveCallback(addr [20]byte) (SwapCallback, error) {
	if !g.state.CallbackWhitelisted(addr) {
		return nil, ErrCallbackNotWhitelisted
	}
	cb, ok := g.callbacks[addr]
	if !ok {
		return nil, ErrCallbackUnknown
	}
	return cb, nil
}

func (g *Gateway) checkWhitelist(info quote.GeneralQuoteInfo, borrower [20]byte, now int64) error {
	if quote.IsZeroAddress(info.WhitelistAddr) {
		return nil
	}
	if info.IsWhitelistAddrSingleBorrower {
		if info.WhitelistAddr != borrower {
			return ErrNotWhitelisted
		}
		return nil
	}
	until, ok := g.state.WhitelistClaim(info.WhitelistAddr, borrower)
	if !ok || until <= now {
		return ErrNotWhitelisted
	}
	return nil
}

func (g *Gateway) chargeQuota(borrower [20]byte, volume *big.Int, now int64) error {
	if g.quota.MaxBorrowsPerEpoch == 0 && (g.quota.MaxVolumePerEpoch == nil || g.quota.MaxVolumePerEpoch.Sign() == 0) {
		return nil
	}
	epochSeconds := int64(g.quota.EpochSeconds)
	if epochSeconds <= 0 {
		epochSeconds = 86_400
	}
	epochID := uint64(now / epochSeconds)
	prev, err := g.state.QuotaNow(borrower)
	if err != nil {
		return err
	}
	next, err := nativecommon.CheckQuota(g.quota, epochID, prev, volume)
	if err != nil {
		return err
	}
	return g.state.PutQuotaNow(borrower, next)
}

func (g *Gateway) emit(evt events.Event) {
	if g == nil || g.emitter == nil || evt == nil {
		return
	}
	g.emitter.Emit(evt)
}
