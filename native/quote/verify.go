package quote

import (
	"errors"

	"github.com/mysofinance/v2-sub001/crypto"
)

var (
	errVerifierState    = errors.New("quote verifier: state not configured")
	ErrInvalidSignature = errors.New("quote verifier: signature does not recover a registered signer")
	ErrNonceRevoked     = errors.New("quote verifier: nonce already revoked")
)

type verifierState interface {
	VaultSigners(vault [20]byte) ([][20]byte, error)
	NonceRevoked(lender [20]byte, nonce uint64) bool
	RevokeNonce(lender [20]byte, nonce uint64) error
}

// Verifier validates lender-signed off-chain quotes against a vault's
// registered signer set and the per-lender revoked nonce set.
type Verifier struct {
	state verifierState
}

// NewVerifier constructs an off-chain quote verifier.
func NewVerifier() *Verifier { return &Verifier{} }

// SetState configures the state backend used by the verifier.
func (v *Verifier) SetState(state verifierState) { v.state = state }

// Verify recomputes the canonical payload hash of the quote for the given
// vault, recovers the signer and checks it against the vault's signer set and
// the signer's revoked nonces. The recovered lender address is returned.
func (v *Verifier) Verify(q *OffChainQuote, vault [20]byte) ([20]byte, error) {
	var lender [20]byte
	if v == nil || v.state == nil {
		return lender, errVerifierState
	}
	if q == nil {
		return lender, errors.New("quote verifier: nil quote")
	}
	info, err := SanitizeInfo(q.Info)
	if err != nil {
		return lender, err
	}
	sanitized := q.Clone()
	sanitized.Info = info
	hash, err := OffChainQuotePayloadHash(sanitized, vault)
	if err != nil {
		return lender, err
	}
	recovered, err := crypto.RecoverSigner(hash, q.Signature)
	if err != nil {
		return lender, err
	}
	signers, err := v.state.VaultSigners(vault)
	if err != nil {
		return lender, err
	}
	registered := false
	for _, signer := range signers {
		if signer == recovered {
			registered = true
			break
		}
	}
	if !registered {
		return lender, ErrInvalidSignature
	}
	if v.state.NonceRevoked(recovered, q.Nonce) {
		return lender, ErrNonceRevoked
	}
	return recovered, nil
}

// RevokeNonce invalidates a nonce for the lender. Lenders call this to pull
// outstanding off-chain quotes; the gateway calls it when a single-use quote
// is consumed.
func (v *Verifier) RevokeNonce(lender [20]byte, nonce uint64) error {
	if v == nil || v.state == nil {
		return errVerifierState
	}
	if v.state.NonceRevoked(lender, nonce) {
		return ErrNonceRevoked
	}
	return v.state.RevokeNonce(lender, nonce)
}
