package pool

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/mysofinance/v2-sub001/core/types"
)

type mockPoolState struct {
	pools          map[[20]byte]*FundingPool
	proposals      map[[32]byte]*LoanProposal
	balances       map[string]*big.Int
	subs           map[string]*Subscription
	converted      map[string]bool
	repayClaimed   map[string]bool
	defaultClaimed map[string]bool
	whitelist      map[string]int64
	accounts       map[[20]byte]*types.Account
	feeBps         map[string]uint64
}

func newMockPoolState() *mockPoolState {
	return &mockPoolState{
		pools:          make(map[[20]byte]*FundingPool),
		proposals:      make(map[[32]byte]*LoanProposal),
		balances:       make(map[string]*big.Int),
		subs:           make(map[string]*Subscription),
		converted:      make(map[string]bool),
		repayClaimed:   make(map[string]bool),
		defaultClaimed: make(map[string]bool),
		whitelist:      make(map[string]int64),
		accounts:       make(map[[20]byte]*types.Account),
		feeBps:         make(map[string]uint64),
	}
}

func pairKey(a, b []byte) string { return fmt.Sprintf("%x/%x", a, b) }

func (m *mockPoolState) GetPool(addr [20]byte) (*FundingPool, error) { return m.pools[addr], nil }

func (m *mockPoolState) PutPool(p *FundingPool) error {
	m.pools[p.Addr] = p
	return nil
}

func (m *mockPoolState) GetProposal(id [32]byte) (*LoanProposal, error) { return m.proposals[id], nil }

func (m *mockPoolState) PutProposal(p *LoanProposal) error {
	m.proposals[p.ID] = p
	return nil
}

func (m *mockPoolState) PoolBalance(pool, lender [20]byte) (*big.Int, error) {
	return m.balances[pairKey(pool[:], lender[:])], nil
}

func (m *mockPoolState) PutPoolBalance(pool, lender [20]byte, amount *big.Int) error {
	m.balances[pairKey(pool[:], lender[:])] = amount
	return nil
}

func (m *mockPoolState) GetSubscription(id [32]byte, lender [20]byte) (*Subscription, error) {
	return m.subs[pairKey(id[:], lender[:])], nil
}

func (m *mockPoolState) PutSubscription(id [32]byte, lender [20]byte, sub *Subscription) error {
	m.subs[pairKey(id[:], lender[:])] = sub
	return nil
}

func periodKey(id [32]byte, idx int, lender [20]byte) string {
	return fmt.Sprintf("%x/%d/%x", id, idx, lender)
}

func (m *mockPoolState) Converted(id [32]byte, idx int, lender [20]byte) bool {
	return m.converted[periodKey(id, idx, lender)]
}

func (m *mockPoolState) PutConverted(id [32]byte, idx int, lender [20]byte) error {
	m.converted[periodKey(id, idx, lender)] = true
	return nil
}

func (m *mockPoolState) RepaymentClaimed(id [32]byte, idx int, lender [20]byte) bool {
	return m.repayClaimed[periodKey(id, idx, lender)]
}

func (m *mockPoolState) PutRepaymentClaimed(id [32]byte, idx int, lender [20]byte) error {
	m.repayClaimed[periodKey(id, idx, lender)] = true
	return nil
}

func (m *mockPoolState) DefaultClaimed(id [32]byte, lender [20]byte) bool {
	return m.defaultClaimed[pairKey(id[:], lender[:])]
}

func (m *mockPoolState) PutDefaultClaimed(id [32]byte, lender [20]byte) error {
	m.defaultClaimed[pairKey(id[:], lender[:])] = true
	return nil
}

func (m *mockPoolState) WhitelistClaim(authority, claimant [20]byte) (int64, bool) {
	until, ok := m.whitelist[pairKey(authority[:], claimant[:])]
	return until, ok
}

func (m *mockPoolState) GetAccount(addr [20]byte) (*types.Account, error) { return m.accounts[addr], nil }

func (m *mockPoolState) PutAccount(addr [20]byte, acc *types.Account) error {
	m.accounts[addr] = acc
	return nil
}

func (m *mockPoolState) TokenTransferFeeBps(token string) uint64 { return m.feeBps[token] }

func (m *mockPoolState) fund(addr [20]byte, token string, amount *big.Int) {
	acc := m.accounts[addr]
	if acc == nil {
		acc = types.NewAccount()
		m.accounts[addr] = acc
	}
	acc.SetBalance(token, new(big.Int).Add(acc.Balance(token), amount))
}

func (m *mockPoolState) balance(addr [20]byte, token string) *big.Int {
	acc := m.accounts[addr]
	if acc == nil {
		return big.NewInt(0)
	}
	return acc.Balance(token)
}

func wei(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), base) }

func pct(n int64) *big.Int { return new(big.Int).Quo(new(big.Int).Mul(base, big.NewInt(n)), big.NewInt(1000)) }

var (
	poolAddr = [20]byte{0x10}
	arranger = [20]byte{0x11}
	borrower = [20]byte{0x12}
	treasury = [20]byte{0x13}
	lender1  = [20]byte{0x21}
	lender2  = [20]byte{0x22}
	lender3  = [20]byte{0x23}
)

type fixture struct {
	engine *Engine
	state  *mockPoolState
	id     [32]byte
	now    int64
}

func (f *fixture) setNow(now int64) {
	f.now = now
}

func testParams() Params {
	return Params{
		TermsUpdateCoolOff:      0,
		MinRepaymentInterval:    100,
		FirstDueMinLead:         100,
		SubscribeCooldown:       0,
		ProtocolFeePctInBase:    big.NewInt(0),
		ArrangerFeeCapPctInBase: pct(100), // 10%
		Treasury:                treasury,
	}
}

func testTerms(collDueRel *big.Int) LoanTerms {
	return LoanTerms{
		Borrower:              borrower,
		MinTotalSubscriptions: wei(100),
		MaxTotalSubscriptions: wei(1000),
		CollPerLoanToken:      pct(500), // 0.5 coll per loan token
		ArrangerFeePctInBase:  pct(5),   // 0.5%
		Schedule: []RepaymentScheduleEntry{{
			LoanTokenDue:            pct(1100), // 110%
			CollTokenDueIfConverted: collDueRel,
			DueTimestamp:            2000,
			ConversionGracePeriod:   50,
			RepaymentGracePeriod:    50,
		}},
	}
}

// newFixture runs the common path: pool created, three lenders deposited
// 500/300/200 and subscribed in full, terms proposed with the given relative
// conversion collateral.
func newFixture(t *testing.T, collDueRel *big.Int) *fixture {
	t.Helper()
	state := newMockPoolState()
	f := &fixture{engine: NewEngine(testParams()), state: state, now: 1000}
	f.engine.SetState(state)
	f.engine.SetNowFunc(func() int64 { return f.now })

	if _, err := f.engine.CreatePool(poolAddr, "USDC"); err != nil {
		t.Fatalf("create pool: %v", err)
	}
	p, err := f.engine.CreateProposal(poolAddr, arranger, [20]byte{}, "WETH", 100, 100, [32]byte{0x01})
	if err != nil {
		t.Fatalf("create proposal: %v", err)
	}
	f.id = p.ID

	if _, err := f.engine.ProposeOrUpdateTerms(f.id, arranger, testTerms(collDueRel)); err != nil {
		t.Fatalf("propose terms: %v", err)
	}

	amounts := map[[20]byte]*big.Int{lender1: wei(500), lender2: wei(300), lender3: wei(200)}
	for lender, amount := range amounts {
		state.fund(lender, "USDC", amount)
		if _, err := f.engine.Deposit(poolAddr, lender, amount); err != nil {
			t.Fatalf("deposit: %v", err)
		}
		got, err := f.engine.Subscribe(f.id, lender, amount, amount, 0)
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		if got.Cmp(amount) != 0 {
			t.Fatalf("subscribed %s, want %s", got, amount)
		}
	}
	return f
}

// lockAndDeploy advances through lock, finalize and execute with the
// collateral amount the terms require.
func (f *fixture) lockAndDeploy(t *testing.T, collAmount *big.Int) {
	t.Helper()
	f.setNow(1100)
	if err := f.engine.LockLoanTerms(f.id, borrower, 1); err != nil {
		t.Fatalf("lock terms: %v", err)
	}
	f.setNow(1200)
	f.state.fund(borrower, "WETH", collAmount)
	if err := f.engine.FinalizeLoanTermsAndTransferColl(f.id, borrower, collAmount, big.NewInt(0)); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := f.engine.ExecuteLoanProposal(f.id); err != nil {
		t.Fatalf("execute: %v", err)
	}
}

func TestProposalLifecycleWithArrangerFee(t *testing.T) {
	f := newFixture(t, big.NewInt(0))

	p, err := f.engine.GetProposal(f.id)
	if err != nil {
		t.Fatalf("get proposal: %v", err)
	}
	if p.TotalSubscriptions.Cmp(wei(1000)) != 0 {
		t.Fatalf("total subscriptions = %s, want %s", p.TotalSubscriptions, wei(1000))
	}

	f.setNow(1100)
	if err := f.engine.LockLoanTerms(f.id, borrower, 2); !errors.Is(err, ErrStaleTerms) {
		t.Fatalf("expected ErrStaleTerms for wrong version, got %v", err)
	}
	if err := f.engine.LockLoanTerms(f.id, arranger, 1); !errors.Is(err, ErrNotBorrower) {
		t.Fatalf("expected ErrNotBorrower, got %v", err)
	}
	if err := f.engine.LockLoanTerms(f.id, borrower, 1); err != nil {
		t.Fatalf("lock terms: %v", err)
	}

	// Finalize is gated to the execution window after the unsubscribe grace.
	f.setNow(1150)
	f.state.fund(borrower, "WETH", wei(500))
	if err := f.engine.FinalizeLoanTermsAndTransferColl(f.id, borrower, wei(500), big.NewInt(0)); !errors.Is(err, ErrOutsideWindow) {
		t.Fatalf("expected ErrOutsideWindow, got %v", err)
	}
	f.setNow(1200)
	if err := f.engine.ExecuteLoanProposal(f.id); !errors.Is(err, ErrNotFinalized) {
		t.Fatalf("expected ErrNotFinalized, got %v", err)
	}
	if err := f.engine.FinalizeLoanTermsAndTransferColl(f.id, borrower, wei(500), big.NewInt(0)); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := f.engine.ExecuteLoanProposal(f.id); err != nil {
		t.Fatalf("execute: %v", err)
	}

	// 0.5% arranger fee on the 1000 raise.
	if got := f.state.balance(borrower, "USDC"); got.Cmp(wei(995)) != 0 {
		t.Fatalf("borrower received %s, want %s", got, wei(995))
	}
	if got := f.state.balance(arranger, "USDC"); got.Cmp(wei(5)) != 0 {
		t.Fatalf("arranger fee = %s, want %s", got, wei(5))
	}

	p, err = f.engine.GetProposal(f.id)
	if err != nil {
		t.Fatalf("get proposal: %v", err)
	}
	if p.Status != StatusLoanDeployed {
		t.Fatalf("status = %s, want loan_deployed", p.Status)
	}
	if p.FinalLoanAmount.Cmp(wei(1000)) != 0 || p.FinalCollAmount.Cmp(wei(500)) != 0 {
		t.Fatalf("final loan %s / coll %s, want 1000 / 500", p.FinalLoanAmount, p.FinalCollAmount)
	}
	if p.Periods[0].LoanTokenDue.Cmp(wei(1100)) != 0 {
		t.Fatalf("absolute period due = %s, want %s", p.Periods[0].LoanTokenDue, wei(1100))
	}

	// No post-deployment subscription changes.
	if _, err := f.engine.Subscribe(f.id, lender1, wei(1), wei(1), 0); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus for late subscribe, got %v", err)
	}
	if err := f.engine.Unsubscribe(f.id, lender1, wei(1)); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus for late unsubscribe, got %v", err)
	}
}

func TestRepaymentAndProRataClaims(t *testing.T) {
	f := newFixture(t, big.NewInt(0))
	f.lockAndDeploy(t, wei(500))

	f.setNow(2040)
	if _, err := f.engine.Repay(f.id, borrower, wei(1100), big.NewInt(0)); !errors.Is(err, ErrOutsideWindow) {
		t.Fatalf("expected ErrOutsideWindow during conversion grace, got %v", err)
	}

	f.setNow(2050)
	f.state.fund(borrower, "USDC", wei(105))
	repaid, err := f.engine.Repay(f.id, borrower, wei(1100), big.NewInt(0))
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if repaid.Cmp(wei(1100)) != 0 {
		t.Fatalf("repaid %s, want %s", repaid, wei(1100))
	}
	// Final period returns the whole default reserve.
	if got := f.state.balance(borrower, "WETH"); got.Cmp(wei(500)) != 0 {
		t.Fatalf("returned collateral = %s, want %s", got, wei(500))
	}
	p, _ := f.engine.GetProposal(f.id)
	if p.Status != StatusRepaid {
		t.Fatalf("status = %s, want repaid", p.Status)
	}

	wantShares := map[[20]byte]*big.Int{lender1: wei(550), lender2: wei(330), lender3: wei(220)}
	total := big.NewInt(0)
	for lender, want := range wantShares {
		share, err := f.engine.ClaimRepayment(f.id, lender, 0)
		if err != nil {
			t.Fatalf("claim repayment: %v", err)
		}
		if share.Cmp(want) != 0 {
			t.Fatalf("share = %s, want %s", share, want)
		}
		total.Add(total, share)
	}
	if total.Cmp(wei(1100)) != 0 {
		t.Fatalf("claims total %s, want full repayment %s", total, wei(1100))
	}
	if got := f.state.balance(ProposalAddress(f.id), "USDC"); got.Sign() != 0 {
		t.Fatalf("custody should be drained, holds %s", got)
	}
	if _, err := f.engine.ClaimRepayment(f.id, lender1, 0); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed, got %v", err)
	}
}

func TestConversionReducesRepayment(t *testing.T) {
	// 20% of the final loan amount reserved as conversion collateral.
	f := newFixture(t, pct(200))
	f.lockAndDeploy(t, wei(700))

	f.setNow(1990)
	if _, err := f.engine.ExerciseConversion(f.id, lender1); !errors.Is(err, ErrOutsideWindow) {
		t.Fatalf("expected ErrOutsideWindow before due date, got %v", err)
	}

	f.setNow(2000)
	conv, err := f.engine.ExerciseConversion(f.id, lender1)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	// 200 * 500/1000 subscription share.
	if conv.Cmp(wei(100)) != 0 {
		t.Fatalf("conversion amount = %s, want %s", conv, wei(100))
	}
	if _, err := f.engine.ExerciseConversion(f.id, lender1); !errors.Is(err, ErrAlreadyConverted) {
		t.Fatalf("expected ErrAlreadyConverted, got %v", err)
	}

	f.setNow(2050)
	repaid, err := f.engine.Repay(f.id, borrower, wei(550), big.NewInt(0))
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	// Half the subscriptions converted, so half the due amount remains.
	if repaid.Cmp(wei(550)) != 0 {
		t.Fatalf("repaid %s, want %s", repaid, wei(550))
	}
	// All remaining collateral (700 - 100 converted) flows back on the final
	// period.
	if got := f.state.balance(borrower, "WETH"); got.Cmp(wei(600)) != 0 {
		t.Fatalf("returned collateral = %s, want %s", got, wei(600))
	}

	if _, err := f.engine.ClaimRepayment(f.id, lender1, 0); !errors.Is(err, ErrAlreadyConverted) {
		t.Fatalf("converted lender must not claim repayment, got %v", err)
	}
	share2, err := f.engine.ClaimRepayment(f.id, lender2, 0)
	if err != nil {
		t.Fatalf("claim lender2: %v", err)
	}
	share3, err := f.engine.ClaimRepayment(f.id, lender3, 0)
	if err != nil {
		t.Fatalf("claim lender3: %v", err)
	}
	total := new(big.Int).Add(share2, share3)
	if total.Cmp(wei(550)) != 0 {
		t.Fatalf("non-converted claims total %s, want %s", total, wei(550))
	}
}

func TestDefaultAndProRataCollateralClaims(t *testing.T) {
	f := newFixture(t, big.NewInt(0))
	f.lockAndDeploy(t, wei(500))

	f.setNow(2099)
	if err := f.engine.MarkAsDefaulted(f.id); !errors.Is(err, ErrRepaymentNotLapsed) {
		t.Fatalf("expected ErrRepaymentNotLapsed, got %v", err)
	}

	f.setNow(2100)
	if err := f.engine.MarkAsDefaulted(f.id); err != nil {
		t.Fatalf("mark defaulted: %v", err)
	}
	p, _ := f.engine.GetProposal(f.id)
	if p.Status != StatusDefaulted {
		t.Fatalf("status = %s, want defaulted", p.Status)
	}
	if p.RemainingCollAtDefault.Cmp(wei(500)) != 0 {
		t.Fatalf("remaining collateral = %s, want %s", p.RemainingCollAtDefault, wei(500))
	}

	if _, err := f.engine.Repay(f.id, borrower, wei(1100), big.NewInt(0)); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus for repay after default, got %v", err)
	}

	wantShares := map[[20]byte]*big.Int{lender1: wei(250), lender2: wei(150), lender3: wei(100)}
	total := big.NewInt(0)
	for lender, want := range wantShares {
		share, err := f.engine.ClaimDefaultProceeds(f.id, lender)
		if err != nil {
			t.Fatalf("claim default proceeds: %v", err)
		}
		if share.Cmp(want) != 0 {
			t.Fatalf("default share = %s, want %s", share, want)
		}
		total.Add(total, share)
	}
	if total.Cmp(wei(500)) != 0 {
		t.Fatalf("default claims total %s, want %s", total, wei(500))
	}
	if _, err := f.engine.ClaimDefaultProceeds(f.id, lender2); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed, got %v", err)
	}
}

func TestRollbackReleasesSubscriptionsAndCollateral(t *testing.T) {
	f := newFixture(t, big.NewInt(0))

	f.setNow(1100)
	if err := f.engine.LockLoanTerms(f.id, borrower, 1); err != nil {
		t.Fatalf("lock terms: %v", err)
	}
	// Inside the unsubscribe window the borrower may abandon the deal.
	f.setNow(1150)
	if err := f.engine.Rollback(f.id, lender1); !errors.Is(err, ErrRollbackNotPermitted) {
		t.Fatalf("expected ErrRollbackNotPermitted for third party, got %v", err)
	}
	if err := f.engine.Rollback(f.id, borrower); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	p, _ := f.engine.GetProposal(f.id)
	if p.Status != StatusRolledback {
		t.Fatalf("status = %s, want rolledback", p.Status)
	}

	// Everyone exits in full.
	amounts := map[[20]byte]*big.Int{lender1: wei(500), lender2: wei(300), lender3: wei(200)}
	for lender, amount := range amounts {
		if err := f.engine.Unsubscribe(f.id, lender, amount); err != nil {
			t.Fatalf("unsubscribe after rollback: %v", err)
		}
		if err := f.engine.WithdrawDeposit(poolAddr, lender, amount); err != nil {
			t.Fatalf("withdraw after rollback: %v", err)
		}
		if got := f.state.balance(lender, "USDC"); got.Cmp(amount) != 0 {
			t.Fatalf("lender balance = %s, want %s", got, amount)
		}
	}
	if got := f.state.balance(poolAddr, "USDC"); got.Sign() != 0 {
		t.Fatalf("pool custody should be empty, holds %s", got)
	}
}

func TestRollbackAfterLapsedExecutionReturnsCollateral(t *testing.T) {
	f := newFixture(t, big.NewInt(0))
	f.setNow(1100)
	if err := f.engine.LockLoanTerms(f.id, borrower, 1); err != nil {
		t.Fatalf("lock terms: %v", err)
	}
	f.setNow(1200)
	f.state.fund(borrower, "WETH", wei(500))
	if err := f.engine.FinalizeLoanTermsAndTransferColl(f.id, borrower, wei(500), big.NewInt(0)); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	// Execution window lapses without execution; anyone may clean up and the
	// collateral flows back to the borrower.
	f.setNow(1300)
	if err := f.engine.ExecuteLoanProposal(f.id); !errors.Is(err, ErrOutsideWindow) {
		t.Fatalf("expected ErrOutsideWindow for lapsed execute, got %v", err)
	}
	if err := f.engine.Rollback(f.id, lender2); err != nil {
		t.Fatalf("rollback after lapse: %v", err)
	}
	if got := f.state.balance(borrower, "WETH"); got.Cmp(wei(500)) != 0 {
		t.Fatalf("borrower collateral = %s, want %s", got, wei(500))
	}
}

func TestSubscribeClampsToCapacityAndBalance(t *testing.T) {
	state := newMockPoolState()
	now := int64(1000)
	e := NewEngine(testParams())
	e.SetState(state)
	e.SetNowFunc(func() int64 { return now })

	if _, err := e.CreatePool(poolAddr, "USDC"); err != nil {
		t.Fatalf("create pool: %v", err)
	}
	p, err := e.CreateProposal(poolAddr, arranger, [20]byte{}, "WETH", 100, 100, [32]byte{0x02})
	if err != nil {
		t.Fatalf("create proposal: %v", err)
	}

	// Nothing to subscribe to while unlisted.
	if _, err := e.Subscribe(p.ID, lender1, wei(1), wei(1), 0); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus before terms, got %v", err)
	}

	terms := testTerms(big.NewInt(0))
	terms.MaxTotalSubscriptions = wei(600)
	if _, err := e.ProposeOrUpdateTerms(p.ID, arranger, terms); err != nil {
		t.Fatalf("propose terms: %v", err)
	}

	state.fund(lender1, "USDC", wei(500))
	if _, err := e.Deposit(poolAddr, lender1, wei(500)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	// Requesting more than the free balance clamps to the balance.
	got, err := e.Subscribe(p.ID, lender1, wei(100), wei(900), 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if got.Cmp(wei(500)) != 0 {
		t.Fatalf("subscribed %s, want balance-clamped %s", got, wei(500))
	}

	state.fund(lender2, "USDC", wei(300))
	if _, err := e.Deposit(poolAddr, lender2, wei(300)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	// Remaining capacity is 100; a 200 minimum cannot be met.
	if _, err := e.Subscribe(p.ID, lender2, wei(200), wei(300), 0); !errors.Is(err, ErrBelowMinSubscribe) {
		t.Fatalf("expected ErrBelowMinSubscribe, got %v", err)
	}
	got, err = e.Subscribe(p.ID, lender2, wei(50), wei(300), 0)
	if err != nil {
		t.Fatalf("subscribe remainder: %v", err)
	}
	if got.Cmp(wei(100)) != 0 {
		t.Fatalf("subscribed %s, want capacity-clamped %s", got, wei(100))
	}
}

func TestTermsUpdateCoolOffAndVersioning(t *testing.T) {
	state := newMockPoolState()
	now := int64(1000)
	params := testParams()
	params.TermsUpdateCoolOff = 100
	e := NewEngine(params)
	e.SetState(state)
	e.SetNowFunc(func() int64 { return now })

	if _, err := e.CreatePool(poolAddr, "USDC"); err != nil {
		t.Fatalf("create pool: %v", err)
	}
	p, err := e.CreateProposal(poolAddr, arranger, [20]byte{}, "WETH", 100, 100, [32]byte{0x03})
	if err != nil {
		t.Fatalf("create proposal: %v", err)
	}
	if _, err := e.ProposeOrUpdateTerms(p.ID, borrower, testTerms(big.NewInt(0))); !errors.Is(err, ErrNotArranger) {
		t.Fatalf("expected ErrNotArranger, got %v", err)
	}
	version, err := e.ProposeOrUpdateTerms(p.ID, arranger, testTerms(big.NewInt(0)))
	if err != nil {
		t.Fatalf("propose terms: %v", err)
	}
	if version != 1 {
		t.Fatalf("version = %d, want 1", version)
	}
	now = 1050
	if _, err := e.ProposeOrUpdateTerms(p.ID, arranger, testTerms(big.NewInt(0))); !errors.Is(err, ErrCoolOffActive) {
		t.Fatalf("expected ErrCoolOffActive, got %v", err)
	}
	now = 1100
	version, err = e.ProposeOrUpdateTerms(p.ID, arranger, testTerms(big.NewInt(0)))
	if err != nil {
		t.Fatalf("update terms: %v", err)
	}
	if version != 2 {
		t.Fatalf("version = %d, want 2", version)
	}
}

func TestFinalizeRequiresMinimumRaise(t *testing.T) {
	state := newMockPoolState()
	now := int64(1000)
	e := NewEngine(testParams())
	e.SetState(state)
	e.SetNowFunc(func() int64 { return now })

	if _, err := e.CreatePool(poolAddr, "USDC"); err != nil {
		t.Fatalf("create pool: %v", err)
	}
	p, err := e.CreateProposal(poolAddr, arranger, [20]byte{}, "WETH", 100, 100, [32]byte{0x04})
	if err != nil {
		t.Fatalf("create proposal: %v", err)
	}
	if _, err := e.ProposeOrUpdateTerms(p.ID, arranger, testTerms(big.NewInt(0))); err != nil {
		t.Fatalf("propose terms: %v", err)
	}
	state.fund(lender1, "USDC", wei(50))
	if _, err := e.Deposit(poolAddr, lender1, wei(50)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := e.Subscribe(p.ID, lender1, wei(50), wei(50), 0); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	now = 1100
	if err := e.LockLoanTerms(p.ID, borrower, 1); err != nil {
		t.Fatalf("lock terms: %v", err)
	}
	now = 1200
	state.fund(borrower, "WETH", wei(500))
	if err := e.FinalizeLoanTermsAndTransferColl(p.ID, borrower, wei(500), big.NewInt(0)); !errors.Is(err, ErrBelowMinTotal) {
		t.Fatalf("expected ErrBelowMinTotal, got %v", err)
	}
	// A raise below the minimum lets the borrower roll back even after the
	// unsubscribe window.
	if err := e.Rollback(p.ID, borrower); err != nil {
		t.Fatalf("rollback under-subscribed: %v", err)
	}
}

func TestFullConversionSettlesFinalPeriod(t *testing.T) {
	// 20% conversion collateral; every subscriber converts, so the period
	// settles without a borrower repayment and the proposal cannot default.
	f := newFixture(t, pct(200))
	f.lockAndDeploy(t, wei(700))

	f.setNow(2000)
	wantConv := map[[20]byte]*big.Int{lender1: wei(100), lender2: wei(60), lender3: wei(40)}
	for lender, want := range wantConv {
		conv, err := f.engine.ExerciseConversion(f.id, lender)
		if err != nil {
			t.Fatalf("convert: %v", err)
		}
		if conv.Cmp(want) != 0 {
			t.Fatalf("conversion amount = %s, want %s", conv, want)
		}
	}

	p, _ := f.engine.GetProposal(f.id)
	if !p.Periods[0].Settled {
		t.Fatal("fully converted period must settle")
	}
	if p.Status != StatusRepaid {
		t.Fatalf("status = %s, want repaid", p.Status)
	}
	// The untouched default reserve flows back to the borrower.
	if got := f.state.balance(borrower, "WETH"); got.Cmp(wei(500)) != 0 {
		t.Fatalf("residual collateral = %s, want %s", got, wei(500))
	}

	f.setNow(2100)
	if err := f.engine.MarkAsDefaulted(f.id); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus for default after full conversion, got %v", err)
	}
	if _, err := f.engine.ClaimDefaultProceeds(f.id, lender1); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus for default claim, got %v", err)
	}
}

func TestFullConversionAdvancesToNextPeriod(t *testing.T) {
	state := newMockPoolState()
	now := int64(1000)
	e := NewEngine(testParams())
	e.SetState(state)
	e.SetNowFunc(func() int64 { return now })

	if _, err := e.CreatePool(poolAddr, "USDC"); err != nil {
		t.Fatalf("create pool: %v", err)
	}
	p, err := e.CreateProposal(poolAddr, arranger, [20]byte{}, "WETH", 100, 100, [32]byte{0x05})
	if err != nil {
		t.Fatalf("create proposal: %v", err)
	}
	terms := testTerms(big.NewInt(0))
	terms.Schedule = []RepaymentScheduleEntry{
		{
			LoanTokenDue:            pct(550),
			CollTokenDueIfConverted: pct(200),
			DueTimestamp:            2000,
			ConversionGracePeriod:   50,
			RepaymentGracePeriod:    50,
		},
		{
			LoanTokenDue:            pct(550),
			CollTokenDueIfConverted: big.NewInt(0),
			DueTimestamp:            2200,
			ConversionGracePeriod:   50,
			RepaymentGracePeriod:    50,
		},
	}
	if _, err := e.ProposeOrUpdateTerms(p.ID, arranger, terms); err != nil {
		t.Fatalf("propose terms: %v", err)
	}
	state.fund(lender1, "USDC", wei(1000))
	if _, err := e.Deposit(poolAddr, lender1, wei(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := e.Subscribe(p.ID, lender1, wei(1000), wei(1000), 0); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	now = 1100
	if err := e.LockLoanTerms(p.ID, borrower, 1); err != nil {
		t.Fatalf("lock terms: %v", err)
	}
	now = 1200
	state.fund(borrower, "WETH", wei(700))
	if err := e.FinalizeLoanTermsAndTransferColl(p.ID, borrower, wei(700), big.NewInt(0)); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := e.ExecuteLoanProposal(p.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	// The sole subscriber converts the first period in full; the machine
	// advances without a repayment call.
	now = 2000
	conv, err := e.ExerciseConversion(p.ID, lender1)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if conv.Cmp(wei(200)) != 0 {
		t.Fatalf("conversion amount = %s, want %s", conv, wei(200))
	}
	got, err := e.GetProposal(p.ID)
	if err != nil {
		t.Fatalf("get proposal: %v", err)
	}
	if !got.Periods[0].Settled || got.CurrentRepaymentIdx != 1 {
		t.Fatalf("settled = %v idx = %d, want settled period advanced to 1", got.Periods[0].Settled, got.CurrentRepaymentIdx)
	}
	if got.Status != StatusLoanDeployed {
		t.Fatalf("status = %s, want loan_deployed", got.Status)
	}

	// Second period repays normally and returns the default reserve.
	now = 2250
	repaid, err := e.Repay(p.ID, borrower, wei(550), big.NewInt(0))
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if repaid.Cmp(wei(550)) != 0 {
		t.Fatalf("repaid %s, want %s", repaid, wei(550))
	}
	got, _ = e.GetProposal(p.ID)
	if got.Status != StatusRepaid {
		t.Fatalf("status = %s, want repaid", got.Status)
	}
	if bal := state.balance(borrower, "WETH"); bal.Cmp(wei(500)) != 0 {
		t.Fatalf("returned collateral = %s, want %s", bal, wei(500))
	}
}

func TestTermsRejectAmountsResolvingToZero(t *testing.T) {
	state := newMockPoolState()
	now := int64(1000)
	e := NewEngine(testParams())
	e.SetState(state)
	e.SetNowFunc(func() int64 { return now })

	if _, err := e.CreatePool(poolAddr, "USDC"); err != nil {
		t.Fatalf("create pool: %v", err)
	}
	p, err := e.CreateProposal(poolAddr, arranger, [20]byte{}, "WETH", 100, 100, [32]byte{0x06})
	if err != nil {
		t.Fatalf("create proposal: %v", err)
	}

	// A 1-wei relative due against a 1000-wei minimum raise floors to zero.
	terms := testTerms(big.NewInt(0))
	terms.MinTotalSubscriptions = big.NewInt(1000)
	terms.Schedule[0].LoanTokenDue = big.NewInt(1)
	if _, err := e.ProposeOrUpdateTerms(p.ID, arranger, terms); !errors.Is(err, ErrInvalidTerms) {
		t.Fatalf("expected ErrInvalidTerms for due resolving to zero, got %v", err)
	}

	// Same for positive conversion collateral that floors to zero.
	terms = testTerms(big.NewInt(1))
	terms.MinTotalSubscriptions = big.NewInt(1000)
	if _, err := e.ProposeOrUpdateTerms(p.ID, arranger, terms); !errors.Is(err, ErrInvalidTerms) {
		t.Fatalf("expected ErrInvalidTerms for conversion collateral resolving to zero, got %v", err)
	}

	// Zero conversion collateral stays a legal opt-out.
	terms = testTerms(big.NewInt(0))
	terms.MinTotalSubscriptions = big.NewInt(1000)
	if _, err := e.ProposeOrUpdateTerms(p.ID, arranger, terms); err != nil {
		t.Fatalf("propose terms with zero conversion collateral: %v", err)
	}
}

func TestThirdPartyRollbackWhenRaiseMissesMinimum(t *testing.T) {
	state := newMockPoolState()
	now := int64(1000)
	e := NewEngine(testParams())
	e.SetState(state)
	e.SetNowFunc(func() int64 { return now })

	if _, err := e.CreatePool(poolAddr, "USDC"); err != nil {
		t.Fatalf("create pool: %v", err)
	}
	p, err := e.CreateProposal(poolAddr, arranger, [20]byte{}, "WETH", 100, 100, [32]byte{0x07})
	if err != nil {
		t.Fatalf("create proposal: %v", err)
	}
	if _, err := e.ProposeOrUpdateTerms(p.ID, arranger, testTerms(big.NewInt(0))); err != nil {
		t.Fatalf("propose terms: %v", err)
	}
	state.fund(lender1, "USDC", wei(50))
	if _, err := e.Deposit(poolAddr, lender1, wei(50)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := e.Subscribe(p.ID, lender1, wei(50), wei(50), 0); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	now = 1100
	if err := e.LockLoanTerms(p.ID, borrower, 1); err != nil {
		t.Fatalf("lock terms: %v", err)
	}

	// While unsubscribing is still open only the borrower or arranger may
	// unwind an under-subscribed raise.
	now = 1150
	if err := e.Rollback(p.ID, lender2); !errors.Is(err, ErrRollbackNotPermitted) {
		t.Fatalf("expected ErrRollbackNotPermitted inside unsubscribe window, got %v", err)
	}
	// Once it closes with the raise below minimum, anyone may.
	now = 1200
	if err := e.Rollback(p.ID, lender2); err != nil {
		t.Fatalf("third-party rollback of under-subscribed raise: %v", err)
	}
	got, _ := e.GetProposal(p.ID)
	if got.Status != StatusRolledback {
		t.Fatalf("status = %s, want rolledback", got.Status)
	}
}

func TestRepayRefundsSurplus(t *testing.T) {
	f := newFixture(t, big.NewInt(0))
	f.lockAndDeploy(t, wei(500))

	f.setNow(2050)
	f.state.fund(borrower, "USDC", wei(205))
	repaid, err := f.engine.Repay(f.id, borrower, wei(1200), big.NewInt(0))
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if repaid.Cmp(wei(1100)) != 0 {
		t.Fatalf("repaid %s, want %s", repaid, wei(1100))
	}
	// The 100 above the due amount comes straight back.
	if got := f.state.balance(borrower, "USDC"); got.Cmp(wei(100)) != 0 {
		t.Fatalf("borrower balance = %s, want refunded surplus %s", got, wei(100))
	}
	// Custody holds exactly what the lender claims will drain.
	if got := f.state.balance(ProposalAddress(f.id), "USDC"); got.Cmp(wei(1100)) != 0 {
		t.Fatalf("custody balance = %s, want %s", got, wei(1100))
	}
}
