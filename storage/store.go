package storage

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"

	"github.com/mysofinance/v2-sub001/core/types"
	nativecommon "github.com/mysofinance/v2-sub001/native/common"
	"github.com/mysofinance/v2-sub001/native/pool"
	"github.com/mysofinance/v2-sub001/native/vault"
)

// Key prefixes. Every record lives under exactly one prefix so the store can
// serve all protocol engines from a single key-value backend.
const (
	prefixAccount       = "acct/"
	prefixVault         = "vault/"
	prefixLoan          = "loan/"
	prefixQuoteHash     = "quote/"
	prefixNonceRevoked  = "nonce/"
	prefixWhitelist     = "wl/"
	prefixQuota         = "quota/"
	prefixCallback      = "cbwl/"
	prefixTransferFee   = "feebps/"
	prefixPause         = "pause/"
	prefixPool          = "pool/"
	prefixProposal      = "prop/"
	prefixPoolBalance   = "pbal/"
	prefixSubscription  = "sub/"
	prefixConverted     = "conv/"
	prefixRepayClaimed  = "rclaim/"
	prefixDefaultClaim  = "dclaim/"
)

var trueByte = []byte{1}

// preimage records the prior value of a key so an open snapshot can undo the
// write.
type preimage struct {
	key     string
	value   []byte
	existed bool
}

// Store is the protocol state layer shared by every engine. It journals
// writes while snapshots are open so a failed multi-step transaction can be
// rolled back atomically.
type Store struct {
	mu        sync.Mutex
	db        Database
	journal   []preimage
	snapshots []int
}

// NewStore wraps the database in a protocol store.
func NewStore(db Database) *Store {
	return &Store{db: db}
}

// Snapshot marks the current state; RevertToSnapshot undoes everything
// written since.
func (s *Store) Snapshot() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, len(s.journal))
	return len(s.snapshots) - 1
}

// RevertToSnapshot restores the state captured by Snapshot, dropping the
// given snapshot and any nested ones.
func (s *Store) RevertToSnapshot(rev int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rev < 0 || rev >= len(s.snapshots) {
		return
	}
	mark := s.snapshots[rev]
	for i := len(s.journal) - 1; i >= mark; i-- {
		entry := s.journal[i]
		if entry.existed {
			_ = s.db.Put([]byte(entry.key), entry.value)
		} else {
			_ = s.db.Delete([]byte(entry.key))
		}
	}
	s.journal = s.journal[:mark]
	s.snapshots = s.snapshots[:rev]
}

// DiscardSnapshot commits the writes made since the snapshot into the
// enclosing scope. Discarding the outermost snapshot clears the journal.
func (s *Store) DiscardSnapshot(rev int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rev < 0 || rev != len(s.snapshots)-1 {
		return
	}
	s.snapshots = s.snapshots[:rev]
	if len(s.snapshots) == 0 {
		s.journal = s.journal[:0]
	}
}

func (s *Store) put(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(key)
	return s.db.Put([]byte(key), value)
}

func (s *Store) delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(key)
	return s.db.Delete([]byte(key))
}

// record captures the key's pre-image while at least one snapshot is open.
func (s *Store) record(key string) {
	if len(s.snapshots) == 0 {
		return
	}
	prev, err := s.db.Get([]byte(key))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return
	}
	s.journal = append(s.journal, preimage{key: key, value: prev, existed: err == nil})
}

func (s *Store) getJSON(key string, out any) (bool, error) {
	raw, err := s.db.Get([]byte(key))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("storage: decode %q: %w", key, err)
	}
	return true, nil
}

func (s *Store) putJSON(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage: encode %q: %w", key, err)
	}
	return s.put(key, raw)
}

func addrKey(prefix string, addr [20]byte) string {
	return prefix + hex.EncodeToString(addr[:])
}

func hashKey(prefix string, h [32]byte) string {
	return prefix + hex.EncodeToString(h[:])
}

// --- accounts ---

func (s *Store) GetAccount(addr [20]byte) (*types.Account, error) {
	var acc types.Account
	ok, err := s.getJSON(addrKey(prefixAccount, addr), &acc)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	if acc.Balances == nil {
		acc.Balances = make(map[string]*big.Int)
	}
	return &acc, nil
}

func (s *Store) PutAccount(addr [20]byte, acc *types.Account) error {
	if acc == nil {
		return fmt.Errorf("storage: nil account")
	}
	return s.putJSON(addrKey(prefixAccount, addr), acc)
}

// --- vaults and loans ---

func (s *Store) GetVault(addr [20]byte) (*vault.Vault, error) {
	var v vault.Vault
	ok, err := s.getJSON(addrKey(prefixVault, addr), &v)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (s *Store) PutVault(v *vault.Vault) error {
	if v == nil {
		return fmt.Errorf("storage: nil vault")
	}
	return s.putJSON(addrKey(prefixVault, v.Addr), v)
}

func loanKey(vaultAddr [20]byte, id uint64) string {
	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], id)
	return prefixLoan + hex.EncodeToString(vaultAddr[:]) + "/" + hex.EncodeToString(idBuf[:])
}

func (s *Store) GetLoan(vaultAddr [20]byte, id uint64) (*vault.Loan, error) {
	var l vault.Loan
	ok, err := s.getJSON(loanKey(vaultAddr, id), &l)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (s *Store) PutLoan(l *vault.Loan) error {
	if l == nil {
		return fmt.Errorf("storage: nil loan")
	}
	return s.putJSON(loanKey(l.Vault, l.ID), l)
}

// VaultSigners reads the signer set off the vault record, so the off-chain
// verifier always sees the same signers the vault was created with.
func (s *Store) VaultSigners(vaultAddr [20]byte) ([][20]byte, error) {
	v, err := s.GetVault(vaultAddr)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.Signers, nil
}

// --- quote registry ---

func quoteHashKey(vaultAddr [20]byte, hash [32]byte) string {
	return prefixQuoteHash + hex.EncodeToString(vaultAddr[:]) + "/" + hex.EncodeToString(hash[:])
}

func (s *Store) QuoteHashPut(vaultAddr [20]byte, hash [32]byte) error {
	return s.put(quoteHashKey(vaultAddr, hash), trueByte)
}

func (s *Store) QuoteHashDelete(vaultAddr [20]byte, hash [32]byte) error {
	return s.delete(quoteHashKey(vaultAddr, hash))
}

func (s *Store) QuoteHashExists(vaultAddr [20]byte, hash [32]byte) bool {
	return s.db.Has([]byte(quoteHashKey(vaultAddr, hash)))
}

// --- off-chain quote nonces ---

func nonceKey(lender [20]byte, nonce uint64) string {
	return prefixNonceRevoked + hex.EncodeToString(lender[:]) + "/" + strconv.FormatUint(nonce, 10)
}

func (s *Store) NonceRevoked(lender [20]byte, nonce uint64) bool {
	return s.db.Has([]byte(nonceKey(lender, nonce)))
}

func (s *Store) RevokeNonce(lender [20]byte, nonce uint64) error {
	return s.put(nonceKey(lender, nonce), trueByte)
}

// --- whitelist claims ---

func whitelistKey(authority, claimant [20]byte) string {
	return prefixWhitelist + hex.EncodeToString(authority[:]) + "/" + hex.EncodeToString(claimant[:])
}

func (s *Store) WhitelistClaim(authority, claimant [20]byte) (int64, bool) {
	raw, err := s.db.Get([]byte(whitelistKey(authority, claimant)))
	if err != nil || len(raw) != 8 {
		return 0, false
	}
	until := int64(binary.BigEndian.Uint64(raw))
	if until <= 0 {
		return 0, false
	}
	return until, true
}

func (s *Store) PutWhitelistClaim(authority, claimant [20]byte, whitelistedUntil int64) error {
	if whitelistedUntil <= 0 {
		return s.delete(whitelistKey(authority, claimant))
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(whitelistedUntil))
	return s.put(whitelistKey(authority, claimant), buf[:])
}

// --- borrower quotas ---

func (s *Store) QuotaNow(addr [20]byte) (nativecommon.QuotaNow, error) {
	var q nativecommon.QuotaNow
	if _, err := s.getJSON(addrKey(prefixQuota, addr), &q); err != nil {
		return nativecommon.QuotaNow{}, err
	}
	if q.VolumeWei == nil {
		q.VolumeWei = big.NewInt(0)
	}
	return q, nil
}

func (s *Store) PutQuotaNow(addr [20]byte, q nativecommon.QuotaNow) error {
	return s.putJSON(addrKey(prefixQuota, addr), q)
}

// --- callback whitelist ---

func (s *Store) CallbackWhitelisted(addr [20]byte) bool {
	return s.db.Has([]byte(addrKey(prefixCallback, addr)))
}

func (s *Store) SetCallbackWhitelisted(addr [20]byte, whitelisted bool) error {
	key := addrKey(prefixCallback, addr)
	if whitelisted {
		return s.put(key, trueByte)
	}
	return s.delete(key)
}

// --- token transfer fees ---

func (s *Store) TokenTransferFeeBps(token string) uint64 {
	raw, err := s.db.Get([]byte(prefixTransferFee + token))
	if err != nil || len(raw) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(raw)
}

func (s *Store) SetTokenTransferFeeBps(token string, bps uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], bps)
	return s.put(prefixTransferFee+token, buf[:])
}

// --- module pauses ---

func (s *Store) IsPaused(module string) bool {
	return s.db.Has([]byte(prefixPause + module))
}

func (s *Store) SetPaused(module string, paused bool) error {
	key := prefixPause + module
	if paused {
		return s.put(key, trueByte)
	}
	return s.delete(key)
}

// --- funding pools and proposals ---

func (s *Store) GetPool(addr [20]byte) (*pool.FundingPool, error) {
	var p pool.FundingPool
	ok, err := s.getJSON(addrKey(prefixPool, addr), &p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *Store) PutPool(p *pool.FundingPool) error {
	if p == nil {
		return fmt.Errorf("storage: nil funding pool")
	}
	return s.putJSON(addrKey(prefixPool, p.Addr), p)
}

func (s *Store) GetProposal(id [32]byte) (*pool.LoanProposal, error) {
	var p pool.LoanProposal
	ok, err := s.getJSON(hashKey(prefixProposal, id), &p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *Store) PutProposal(p *pool.LoanProposal) error {
	if p == nil {
		return fmt.Errorf("storage: nil proposal")
	}
	return s.putJSON(hashKey(prefixProposal, p.ID), p)
}

func poolBalanceKey(poolAddr, lender [20]byte) string {
	return prefixPoolBalance + hex.EncodeToString(poolAddr[:]) + "/" + hex.EncodeToString(lender[:])
}

func (s *Store) PoolBalance(poolAddr, lender [20]byte) (*big.Int, error) {
	raw, err := s.db.Get([]byte(poolBalanceKey(poolAddr, lender)))
	if errors.Is(err, ErrNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(raw), nil
}

func (s *Store) PutPoolBalance(poolAddr, lender [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("storage: invalid pool balance")
	}
	return s.put(poolBalanceKey(poolAddr, lender), amount.Bytes())
}

func subscriptionKey(id [32]byte, lender [20]byte) string {
	return prefixSubscription + hex.EncodeToString(id[:]) + "/" + hex.EncodeToString(lender[:])
}

func (s *Store) GetSubscription(id [32]byte, lender [20]byte) (*pool.Subscription, error) {
	var sub pool.Subscription
	ok, err := s.getJSON(subscriptionKey(id, lender), &sub)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &sub, nil
}

func (s *Store) PutSubscription(id [32]byte, lender [20]byte, sub *pool.Subscription) error {
	if sub == nil {
		return fmt.Errorf("storage: nil subscription")
	}
	return s.putJSON(subscriptionKey(id, lender), sub)
}

func periodFlagKey(prefix string, id [32]byte, idx int, lender [20]byte) string {
	return prefix + hex.EncodeToString(id[:]) + "/" + strconv.Itoa(idx) + "/" + hex.EncodeToString(lender[:])
}

func (s *Store) Converted(id [32]byte, idx int, lender [20]byte) bool {
	return s.db.Has([]byte(periodFlagKey(prefixConverted, id, idx, lender)))
}

func (s *Store) PutConverted(id [32]byte, idx int, lender [20]byte) error {
	return s.put(periodFlagKey(prefixConverted, id, idx, lender), trueByte)
}

func (s *Store) RepaymentClaimed(id [32]byte, idx int, lender [20]byte) bool {
	return s.db.Has([]byte(periodFlagKey(prefixRepayClaimed, id, idx, lender)))
}

func (s *Store) PutRepaymentClaimed(id [32]byte, idx int, lender [20]byte) error {
	return s.put(periodFlagKey(prefixRepayClaimed, id, idx, lender), trueByte)
}

func defaultClaimKey(id [32]byte, lender [20]byte) string {
	return prefixDefaultClaim + hex.EncodeToString(id[:]) + "/" + hex.EncodeToString(lender[:])
}

func (s *Store) DefaultClaimed(id [32]byte, lender [20]byte) bool {
	return s.db.Has([]byte(defaultClaimKey(id, lender)))
}

func (s *Store) PutDefaultClaimed(id [32]byte, lender [20]byte) error {
	return s.put(defaultClaimKey(id, lender), trueByte)
}
