// Package attest implements the typed-data attestation protocol binding a
// settlement instruction to the enclave measurement that produced it.
//
// The schema is protocol-fixed: field order, solidity types and the
// EigenDarkSettlement domain must match the hook contract bit for bit, or
// recovered signers will not line up.
package attest

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/eigendark/offchain/pkg/crypto"
	"github.com/eigendark/offchain/pkg/settlement"
)

const (
	domainName    = "EigenDarkSettlement"
	domainVersion = "0.1"
)

// ErrAttestationInvalid covers measurement mismatch and signature recovery
// failure. Callers discard the settlement either way.
var ErrAttestationInvalid = errors.New("invalid attestation")

var settlementTypes = apitypes.Types{
	"EIP712Domain": []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Settlement": []apitypes.Type{
		{Name: "orderId", Type: "bytes32"},
		{Name: "poolId", Type: "bytes32"},
		{Name: "trader", Type: "address"},
		{Name: "delta0", Type: "int128"},
		{Name: "delta1", Type: "int128"},
		{Name: "submittedAt", Type: "uint64"},
		{Name: "enclaveMeasurement", Type: "bytes32"},
		{Name: "metadataHash", Type: "bytes32"},
		{Name: "sqrtPriceX96", Type: "uint160"},
		{Name: "twapDeviationBps", Type: "uint64"},
		{Name: "checkedLiquidity", Type: "uint128"},
	},
}

func domain(chainID int64, hook common.Address) apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              domainName,
		Version:           domainVersion,
		ChainId:           (*math.HexOrDecimal256)(big.NewInt(chainID)),
		VerifyingContract: hook.Hex(),
	}
}

// Digest computes the EIP-712 digest of an instruction under the settlement
// domain. Both signing and verification go through here so the bytes cannot
// drift apart.
func Digest(chainID int64, hook common.Address, ins *settlement.Instruction) (common.Hash, error) {
	typedData := apitypes.TypedData{
		Types:       settlementTypes,
		PrimaryType: "Settlement",
		Domain:      domain(chainID, hook),
		Message: apitypes.TypedDataMessage{
			"orderId":            ins.OrderID.Hex(),
			"poolId":             ins.PoolID.Hex(),
			"trader":             ins.Trader.Hex(),
			"delta0":             ins.Delta0.String(),
			"delta1":             ins.Delta1.String(),
			"submittedAt":        fmt.Sprintf("%d", ins.SubmittedAt),
			"enclaveMeasurement": ins.EnclaveMeasurement.Hex(),
			"metadataHash":       ins.MetadataHash.Hex(),
			"sqrtPriceX96":       ins.SqrtPriceX96.String(),
			"twapDeviationBps":   fmt.Sprintf("%d", ins.TwapDeviationBps),
			"checkedLiquidity":   ins.CheckedLiquidity.String(),
		},
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash domain: %w", err)
	}
	typedDataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash message: %w", err)
	}

	// Final digest: keccak256("\x19\x01" || domainSeparator || typedDataHash)
	rawData := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(typedDataHash)))
	return ethcrypto.Keccak256Hash(rawData), nil
}

// Signer produces settlement attestations under the service's configured
// measurement. The measurement embedded in the signed message always comes
// from configuration, never from the caller.
type Signer struct {
	key         *crypto.Signer
	chainID     int64
	hook        common.Address
	measurement common.Hash
}

func NewSigner(key *crypto.Signer, chainID int64, hook common.Address, measurement common.Hash) *Signer {
	return &Signer{key: key, chainID: chainID, hook: hook, measurement: measurement}
}

// Address returns the attestor's signing address.
func (s *Signer) Address() common.Address {
	return s.key.Address()
}

// Sign attests an instruction. The instruction's measurement field is forced
// to the configured value before hashing.
func (s *Signer) Sign(ins *settlement.Instruction) (*settlement.Attestation, error) {
	ins.EnclaveMeasurement = s.measurement

	digest, err := Digest(s.chainID, s.hook, ins)
	if err != nil {
		return nil, err
	}
	signature, err := s.key.Sign(digest.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to sign settlement: %w", err)
	}

	return &settlement.Attestation{
		Measurement: s.measurement,
		Signature:   signature,
		Digest:      digest,
	}, nil
}

// Verifier independently re-verifies attestations on the delivery side.
type Verifier struct {
	chainID     int64
	hook        common.Address
	measurement common.Hash
}

func NewVerifier(chainID int64, hook common.Address, measurement common.Hash) *Verifier {
	return &Verifier{chainID: chainID, hook: hook, measurement: measurement}
}

// Verify recomputes the typed-data digest from the received settlement fields
// (never from signature-trusted data) and recovers the signing address.
// Returns ErrAttestationInvalid when the declared measurement does not match
// the expected one or the signature does not recover.
func (v *Verifier) Verify(ins *settlement.Instruction, att *settlement.Attestation) (common.Address, error) {
	// common.Hash normalizes hex case on decode, so equality here is the
	// case-insensitive comparison the protocol requires.
	if att.Measurement != v.measurement {
		return common.Address{}, fmt.Errorf("%w: measurement mismatch", ErrAttestationInvalid)
	}

	digest, err := Digest(v.chainID, v.hook, ins)
	if err != nil {
		return common.Address{}, err
	}
	signer, err := crypto.RecoverAddress(digest.Bytes(), att.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrAttestationInvalid, err)
	}
	return signer, nil
}
