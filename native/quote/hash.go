package quote

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	ethcommon "github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// The wire contract fixes the ABI field order of every signed or hashed
// payload. Changing any type or position here is a breaking protocol change.

var (
	typeUint256 = mustABIType("uint256")
	typeBytes32 = mustABIType("bytes32")
	typeAddress = mustABIType("address")
	typeBool    = mustABIType("bool")
	typeUint8   = mustABIType("uint8")
)

var generalInfoArgs = abi.Arguments{
	{Type: typeAddress}, // borrower
	{Type: typeBytes32}, // collateral token id
	{Type: typeBytes32}, // loan token id
	{Type: typeAddress}, // oracle
	{Type: typeUint256}, // min loan
	{Type: typeUint256}, // max loan
	{Type: typeUint256}, // valid until
	{Type: typeUint256}, // earliest repay tenor
	{Type: typeUint8},   // compartment kind
	{Type: typeBool},    // single use
	{Type: typeAddress}, // whitelist authority
	{Type: typeBool},    // whitelist single borrower
}

var tupleArgs = abi.Arguments{
	{Type: typeUint256}, // loan per coll unit or LTV
	{Type: typeUint256}, // interest rate pct
	{Type: typeUint256}, // upfront fee pct
	{Type: typeUint256}, // tenor
}

var payloadTailArgs = abi.Arguments{
	{Type: typeBytes32}, // tuples root / tuples commitment
	{Type: typeBytes32}, // salt
	{Type: typeUint256}, // nonce (zero for on-chain quotes)
	{Type: typeAddress}, // vault
}

func mustABIType(name string) abi.Type {
	typ, err := abi.NewType(name, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// TokenID returns the 32-byte identifier a token symbol is encoded as on the
// wire.
func TokenID(symbol string) [32]byte {
	var id [32]byte
	copy(id[:], ethcrypto.Keccak256([]byte(symbol)))
	return id
}

func packInfo(info GeneralQuoteInfo) ([]byte, error) {
	collID := TokenID(info.CollToken)
	loanID := TokenID(info.LoanToken)
	minLoan := info.MinLoan
	if minLoan == nil {
		minLoan = big.NewInt(0)
	}
	maxLoan := info.MaxLoan
	if maxLoan == nil {
		maxLoan = big.NewInt(0)
	}
	return generalInfoArgs.Pack(
		ethcommon.BytesToAddress(info.Borrower[:]),
		collID,
		loanID,
		ethcommon.BytesToAddress(info.OracleAddr[:]),
		minLoan,
		maxLoan,
		big.NewInt(info.ValidUntil),
		big.NewInt(info.EarliestRepayTenor),
		uint8(info.CompartmentKind),
		info.IsSingleUse,
		ethcommon.BytesToAddress(info.WhitelistAddr[:]),
		info.IsWhitelistAddrSingleBorrower,
	)
}

// EncodeTuple produces the canonical ABI encoding of a quote tuple. This is
// the Merkle leaf pre-image and part of the on-chain content hash.
func EncodeTuple(tuple QuoteTuple) ([]byte, error) {
	if err := tuple.Validate(); err != nil {
		return nil, err
	}
	return tupleArgs.Pack(
		tuple.LoanPerCollUnitOrLtv,
		tuple.InterestRatePctInBase,
		tuple.UpfrontFeePctInBase,
		big.NewInt(tuple.Tenor),
	)
}

// TuplesCommitment hashes the ordered tuple list of an on-chain quote into a
// single 32-byte commitment.
func TuplesCommitment(tuples []QuoteTuple) ([32]byte, error) {
	var commitment [32]byte
	if len(tuples) == 0 {
		return commitment, fmt.Errorf("quote has no tuples")
	}
	var concat []byte
	for i, tuple := range tuples {
		encoded, err := EncodeTuple(tuple)
		if err != nil {
			return commitment, fmt.Errorf("tuple %d: %w", i, err)
		}
		concat = append(concat, encoded...)
	}
	copy(commitment[:], ethcrypto.Keccak256(concat))
	return commitment, nil
}

func payloadHash(info GeneralQuoteInfo, commitment, salt [32]byte, nonce uint64, vault [20]byte) ([32]byte, error) {
	var hash [32]byte
	infoBytes, err := packInfo(info)
	if err != nil {
		return hash, err
	}
	tail, err := payloadTailArgs.Pack(
		commitment,
		salt,
		new(big.Int).SetUint64(nonce),
		ethcommon.BytesToAddress(vault[:]),
	)
	if err != nil {
		return hash, err
	}
	copy(hash[:], ethcrypto.Keccak256(append(infoBytes, tail...)))
	return hash, nil
}

// OnChainQuoteHash computes the content hash under which an on-chain quote is
// registered. The hash covers every quote field plus the vault address so a
// quote cannot be replayed against a different vault.
func OnChainQuoteHash(q *OnChainQuote, vault [20]byte) ([32]byte, error) {
	var hash [32]byte
	if q == nil {
		return hash, fmt.Errorf("nil quote")
	}
	commitment, err := TuplesCommitment(q.Tuples)
	if err != nil {
		return hash, err
	}
	return payloadHash(q.Info, commitment, q.Salt, 0, vault)
}

// OffChainQuotePayloadHash computes the hash a lender signs when issuing an
// off-chain quote for the given vault.
func OffChainQuotePayloadHash(q *OffChainQuote, vault [20]byte) ([32]byte, error) {
	var hash [32]byte
	if q == nil {
		return hash, fmt.Errorf("nil quote")
	}
	return payloadHash(q.Info, q.TuplesRoot, q.Salt, q.Nonce, vault)
}
