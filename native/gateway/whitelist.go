package gateway

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	ethcommon "github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/mysofinance/v2-sub001/crypto"
)

var (
	ErrStaleWhitelistClaim   = errors.New("borrower gateway: whitelist claim not newer than current")
	ErrInvalidWhitelistProof = errors.New("borrower gateway: whitelist claim not signed by authority")
)

var whitelistClaimArgs = abi.Arguments{
	{Type: typeAddressArg()}, // gateway
	{Type: typeAddressArg()}, // claimant
	{Type: typeUint256Arg()}, // whitelisted until
	{Type: typeUint256Arg()}, // chain id
	{Type: typeBytes32Arg()}, // salt
}

func typeAddressArg() abi.Type { return mustABIType("address") }
func typeUint256Arg() abi.Type { return mustABIType("uint256") }
func typeBytes32Arg() abi.Type { return mustABIType("bytes32") }

func mustABIType(name string) abi.Type {
	typ, err := abi.NewType(name, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// WhitelistClaimHash computes the payload an authority signs to whitelist a
// borrower until the given timestamp. The gateway address and chain ID bind
// the claim to one deployment.
func WhitelistClaimHash(gatewayAddr, claimant [20]byte, whitelistedUntil int64, chainID uint64, salt [32]byte) ([32]byte, error) {
	var hash [32]byte
	packed, err := whitelistClaimArgs.Pack(
		ethcommon.BytesToAddress(gatewayAddr[:]),
		ethcommon.BytesToAddress(claimant[:]),
		big.NewInt(whitelistedUntil),
		new(big.Int).SetUint64(chainID),
		salt,
	)
	if err != nil {
		return hash, err
	}
	copy(hash[:], ethcrypto.Keccak256(packed))
	return hash, nil
}

// ClaimWhitelistStatus lets a borrower self-submit an authority-signed claim.
// The signed whitelistedUntil always takes precedence over a prior claim but
// must be strictly newer, so replaying an old claim cannot roll freshness
// back.
func (g *Gateway) ClaimWhitelistStatus(gatewayAddr, authority, claimant [20]byte, whitelistedUntil int64, chainID uint64, salt [32]byte, sig []byte) error {
	if g == nil || g.state == nil {
		return errNilState
	}
	hash, err := WhitelistClaimHash(gatewayAddr, claimant, whitelistedUntil, chainID, salt)
	if err != nil {
		return err
	}
	signer, err := crypto.RecoverSigner(hash, sig)
	if err != nil {
		return err
	}
	if signer != authority {
		return ErrInvalidWhitelistProof
	}
	if current, ok := g.state.WhitelistClaim(authority, claimant); ok && whitelistedUntil <= current {
		return ErrStaleWhitelistClaim
	}
	if err := g.state.PutWhitelistClaim(authority, claimant, whitelistedUntil); err != nil {
		return err
	}
	g.emit(NewWhitelistUpdatedEvent(authority, [][20]byte{claimant}, whitelistedUntil))
	return nil
}

// SetWhitelistStatus lets an authority update whitelist expiries directly for
// a batch of addresses. A zero timestamp de-lists the address.
func (g *Gateway) SetWhitelistStatus(authority [20]byte, addrs [][20]byte, whitelistedUntil int64) error {
	if g == nil || g.state == nil {
		return errNilState
	}
	for _, addr := range addrs {
		if err := g.state.PutWhitelistClaim(authority, addr, whitelistedUntil); err != nil {
			return err
		}
	}
	g.emit(NewWhitelistUpdatedEvent(authority, addrs, whitelistedUntil))
	return nil
}
