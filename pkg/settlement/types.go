package settlement

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// EncryptedOrder is an admitted order. The payload stays an opaque encrypted
// blob end to end; this service never decrypts it. Immutable after admission.
type EncryptedOrder struct {
	OrderID    string `json:"orderId"`
	Trader     string `json:"trader"`
	TokenIn    string `json:"tokenIn"`
	TokenOut   string `json:"tokenOut"`
	Amount     string `json:"amount"`
	LimitPrice string `json:"limitPrice"`
	Payload    string `json:"payload"`
	ReceivedAt int64  `json:"receivedAt"`
}

// Instruction is the settlement the hook contract will apply. OrderID here is
// the keccak hash of the admission UUID, not the UUID itself.
type Instruction struct {
	OrderID            common.Hash
	PoolID             common.Hash
	Trader             common.Address
	Delta0             *big.Int
	Delta1             *big.Int
	SubmittedAt        uint64
	EnclaveMeasurement common.Hash
	MetadataHash       common.Hash
	SqrtPriceX96       *big.Int
	TwapDeviationBps   uint64
	CheckedLiquidity   *big.Int
}

// Attestation binds an instruction to the enclave identity that produced it.
type Attestation struct {
	Measurement common.Hash `json:"measurement"`
	Signature   []byte      `json:"signature"`
	Digest      common.Hash `json:"digest"`
}

// Envelope pairs an instruction with its attestation. Immutable once built.
type Envelope struct {
	Settlement  *Instruction
	Attestation *Attestation
}

// WireSettlement is the JSON form pushed to the gateway and persisted on
// disk. int128/uint160/uint128 fields travel as base-10 strings so no JSON
// number precision is lost.
type WireSettlement struct {
	OrderID            string `json:"orderId"`
	PoolID             string `json:"poolId"`
	Trader             string `json:"trader"`
	Delta0             string `json:"delta0"`
	Delta1             string `json:"delta1"`
	SubmittedAt        uint64 `json:"submittedAt"`
	EnclaveMeasurement string `json:"enclaveMeasurement"`
	MetadataHash       string `json:"metadataHash,omitempty"`
	SqrtPriceX96       string `json:"sqrtPriceX96,omitempty"`
	TwapDeviationBps   uint64 `json:"twapDeviationBps,omitempty"`
	CheckedLiquidity   string `json:"checkedLiquidity,omitempty"`
}

type WireAttestation struct {
	Signature   string `json:"signature"`
	Digest      string `json:"digest"`
	Measurement string `json:"measurement"`
}

// WireEnvelope is the webhook body. OrderID at the top level is the client's
// admission UUID; the one inside Settlement is the on-chain hash.
type WireEnvelope struct {
	OrderID     string          `json:"orderId"`
	Settlement  WireSettlement  `json:"settlement"`
	Attestation WireAttestation `json:"attestation"`
}

// Wire converts an instruction to its JSON form.
func (ins *Instruction) Wire() WireSettlement {
	return WireSettlement{
		OrderID:            ins.OrderID.Hex(),
		PoolID:             ins.PoolID.Hex(),
		Trader:             ins.Trader.Hex(),
		Delta0:             ins.Delta0.String(),
		Delta1:             ins.Delta1.String(),
		SubmittedAt:        ins.SubmittedAt,
		EnclaveMeasurement: ins.EnclaveMeasurement.Hex(),
		MetadataHash:       ins.MetadataHash.Hex(),
		SqrtPriceX96:       ins.SqrtPriceX96.String(),
		TwapDeviationBps:   ins.TwapDeviationBps,
		CheckedLiquidity:   ins.CheckedLiquidity.String(),
	}
}

// Wire converts an attestation to its JSON form.
func (a *Attestation) Wire() WireAttestation {
	return WireAttestation{
		Signature:   hexutil.Encode(a.Signature),
		Digest:      a.Digest.Hex(),
		Measurement: a.Measurement.Hex(),
	}
}

// ParseWire decodes a wire settlement back into an instruction. Auxiliary
// fields absent from older envelopes (metadataHash, sqrtPriceX96,
// twapDeviationBps, checkedLiquidity) decode as zero.
func ParseWire(w WireSettlement) (*Instruction, error) {
	if !common.IsHexAddress(w.Trader) {
		return nil, fmt.Errorf("invalid trader address %q", w.Trader)
	}
	delta0, ok := new(big.Int).SetString(w.Delta0, 10)
	if !ok {
		return nil, fmt.Errorf("invalid delta0 %q", w.Delta0)
	}
	delta1, ok := new(big.Int).SetString(w.Delta1, 10)
	if !ok {
		return nil, fmt.Errorf("invalid delta1 %q", w.Delta1)
	}
	sqrtPrice := big.NewInt(0)
	if w.SqrtPriceX96 != "" {
		if sqrtPrice, ok = new(big.Int).SetString(w.SqrtPriceX96, 10); !ok {
			return nil, fmt.Errorf("invalid sqrtPriceX96 %q", w.SqrtPriceX96)
		}
	}
	liquidity := big.NewInt(0)
	if w.CheckedLiquidity != "" {
		if liquidity, ok = new(big.Int).SetString(w.CheckedLiquidity, 10); !ok {
			return nil, fmt.Errorf("invalid checkedLiquidity %q", w.CheckedLiquidity)
		}
	}

	return &Instruction{
		OrderID:            common.HexToHash(w.OrderID),
		PoolID:             common.HexToHash(w.PoolID),
		Trader:             common.HexToAddress(w.Trader),
		Delta0:             delta0,
		Delta1:             delta1,
		SubmittedAt:        w.SubmittedAt,
		EnclaveMeasurement: common.HexToHash(w.EnclaveMeasurement),
		MetadataHash:       common.HexToHash(w.MetadataHash),
		SqrtPriceX96:       sqrtPrice,
		TwapDeviationBps:   w.TwapDeviationBps,
		CheckedLiquidity:   liquidity,
	}, nil
}

// ParseWireAttestation decodes the attestation half of an envelope.
func ParseWireAttestation(w WireAttestation) (*Attestation, error) {
	sig, err := hexutil.Decode(w.Signature)
	if err != nil {
		return nil, fmt.Errorf("invalid signature: %w", err)
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("invalid signature length: %d", len(sig))
	}
	return &Attestation{
		Measurement: common.HexToHash(w.Measurement),
		Signature:   sig,
		Digest:      common.HexToHash(w.Digest),
	}, nil
}
