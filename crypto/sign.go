package crypto

import (
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// PersonalSignDigest applies the EIP-191 personal-message prefix to a 32-byte
// payload hash and returns the digest that is actually signed. Keeping the
// prefixing in one place ensures signers and verifiers cannot drift apart.
func PersonalSignDigest(payloadHash [32]byte) [32]byte {
	prefixed := append([]byte("\x19Ethereum Signed Message:\n32"), payloadHash[:]...)
	var out [32]byte
	copy(out[:], ethcrypto.Keccak256(prefixed))
	return out
}

// SignPayloadHash signs the personal-sign digest of the given payload hash and
// returns the 65-byte compact signature (r || s || v).
func (k *PrivateKey) SignPayloadHash(payloadHash [32]byte) ([]byte, error) {
	if k == nil || k.PrivateKey == nil {
		return nil, fmt.Errorf("nil private key")
	}
	digest := PersonalSignDigest(payloadHash)
	return ethcrypto.Sign(digest[:], k.PrivateKey)
}

// RecoverSigner recovers the 20-byte signer address from a payload hash and a
// 65-byte compact signature produced by SignPayloadHash. A v value of 27/28 is
// normalised to the 0/1 recovery id expected by secp256k1.
func RecoverSigner(payloadHash [32]byte, sig []byte) ([20]byte, error) {
	var signer [20]byte
	if len(sig) != 65 {
		return signer, fmt.Errorf("invalid signature length: %d", len(sig))
	}
	normalized := append([]byte(nil), sig...)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	digest := PersonalSignDigest(payloadHash)
	pub, err := ethcrypto.SigToPub(digest[:], normalized)
	if err != nil {
		return signer, fmt.Errorf("signature recovery failed: %w", err)
	}
	copy(signer[:], ethcrypto.PubkeyToAddress(*pub).Bytes())
	return signer, nil
}
