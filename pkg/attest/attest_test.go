package attest

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/eigendark/offchain/pkg/crypto"
	"github.com/eigendark/offchain/pkg/settlement"
)

var (
	testChainID     = int64(11155111)
	testHook        = common.HexToAddress("0x00000000000000000000000000000000000000a0")
	testMeasurement = common.HexToHash("0x1111111111111111111111111111111111111111111111111111111111111111")
)

func testInstruction() *settlement.Instruction {
	return &settlement.Instruction{
		OrderID:            common.HexToHash("0x2222222222222222222222222222222222222222222222222222222222222222"),
		PoolID:             common.HexToHash("0x3333333333333333333333333333333333333333333333333333333333333333"),
		Trader:             common.HexToAddress("0xAA00000000000000000000000000000000000000"),
		Delta0:             big.NewInt(-1500),
		Delta1:             big.NewInt(3000000),
		SubmittedAt:        1700000000,
		EnclaveMeasurement: testMeasurement,
		MetadataHash:       common.HexToHash("0x4444444444444444444444444444444444444444444444444444444444444444"),
		SqrtPriceX96:       new(big.Int).Lsh(big.NewInt(1), 96),
		TwapDeviationBps:   42,
		CheckedLiquidity:   big.NewInt(15000),
	}
}

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return NewSigner(key, testChainID, testHook, testMeasurement)
}

// TestSignVerifyRoundTrip proves an honest envelope verifies and the recovered
// address is the attestor's.
func TestSignVerifyRoundTrip(t *testing.T) {
	signer := newTestSigner(t)
	ins := testInstruction()

	att, err := signer.Sign(ins)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if len(att.Signature) != 65 {
		t.Fatalf("signature length: got %d, want 65", len(att.Signature))
	}

	verifier := NewVerifier(testChainID, testHook, testMeasurement)
	recovered, err := verifier.Verify(ins, att)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if recovered != signer.Address() {
		t.Errorf("recovered %s, want %s", recovered.Hex(), signer.Address().Hex())
	}
}

// TestVerifyFieldTamper flips every signed field one at a time and checks the
// recovered address no longer matches the attestor.
func TestVerifyFieldTamper(t *testing.T) {
	signer := newTestSigner(t)
	verifier := NewVerifier(testChainID, testHook, testMeasurement)

	ins := testInstruction()
	att, err := signer.Sign(ins)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	mutations := map[string]func(*settlement.Instruction){
		"orderId":          func(m *settlement.Instruction) { m.OrderID[0] ^= 0xff },
		"poolId":           func(m *settlement.Instruction) { m.PoolID[0] ^= 0xff },
		"trader":           func(m *settlement.Instruction) { m.Trader[0] ^= 0xff },
		"delta0":           func(m *settlement.Instruction) { m.Delta0 = big.NewInt(-1501) },
		"delta1":           func(m *settlement.Instruction) { m.Delta1 = big.NewInt(3000001) },
		"submittedAt":      func(m *settlement.Instruction) { m.SubmittedAt++ },
		"metadataHash":     func(m *settlement.Instruction) { m.MetadataHash[0] ^= 0xff },
		"sqrtPriceX96":     func(m *settlement.Instruction) { m.SqrtPriceX96 = big.NewInt(123) },
		"twapDeviationBps": func(m *settlement.Instruction) { m.TwapDeviationBps++ },
		"checkedLiquidity": func(m *settlement.Instruction) { m.CheckedLiquidity = big.NewInt(1) },
	}

	for field, mutate := range mutations {
		t.Run(field, func(t *testing.T) {
			tampered := testInstruction()
			mutate(tampered)

			recovered, err := verifier.Verify(tampered, att)
			if err == nil && recovered == signer.Address() {
				t.Errorf("tampered %s still recovers the attestor", field)
			}
		})
	}
}

func TestVerifyMeasurementMismatch(t *testing.T) {
	signer := newTestSigner(t)
	ins := testInstruction()
	att, err := signer.Sign(ins)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	other := common.HexToHash("0x9999999999999999999999999999999999999999999999999999999999999999")
	verifier := NewVerifier(testChainID, testHook, other)

	if _, err := verifier.Verify(ins, att); !errors.Is(err, ErrAttestationInvalid) {
		t.Fatalf("expected ErrAttestationInvalid, got %v", err)
	}
}

// TestVerifyDomainBinding confirms chain id and hook address are part of the
// signed domain: the same envelope must not verify under another deployment.
func TestVerifyDomainBinding(t *testing.T) {
	signer := newTestSigner(t)
	ins := testInstruction()
	att, err := signer.Sign(ins)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	wrongChain := NewVerifier(1, testHook, testMeasurement)
	if recovered, err := wrongChain.Verify(ins, att); err == nil && recovered == signer.Address() {
		t.Error("envelope verified under a different chain id")
	}

	otherHook := common.HexToAddress("0x00000000000000000000000000000000000000b0")
	wrongHook := NewVerifier(testChainID, otherHook, testMeasurement)
	if recovered, err := wrongHook.Verify(ins, att); err == nil && recovered == signer.Address() {
		t.Error("envelope verified under a different hook address")
	}
}

// TestSignForcesMeasurement checks the signed measurement always comes from
// the signer's configuration, not from the instruction handed in.
func TestSignForcesMeasurement(t *testing.T) {
	signer := newTestSigner(t)
	ins := testInstruction()
	ins.EnclaveMeasurement = common.HexToHash("0xdeaddeaddeaddeaddeaddeaddeaddeaddeaddeaddeaddeaddeaddeaddeaddead")

	att, err := signer.Sign(ins)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if att.Measurement != testMeasurement {
		t.Errorf("attestation measurement %s, want configured %s", att.Measurement.Hex(), testMeasurement.Hex())
	}
	if ins.EnclaveMeasurement != testMeasurement {
		t.Error("instruction measurement was not overwritten before hashing")
	}
}

func TestDigestStableAcrossCalls(t *testing.T) {
	ins := testInstruction()
	first, err := Digest(testChainID, testHook, ins)
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	second, err := Digest(testChainID, testHook, ins)
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	if first != second {
		t.Error("digest is not deterministic")
	}
}
