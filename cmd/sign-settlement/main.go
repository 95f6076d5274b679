package main

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"

	"github.com/eigendark/offchain/pkg/attest"
	"github.com/eigendark/offchain/pkg/crypto"
	"github.com/eigendark/offchain/pkg/settlement"
)

// Demo tool: generates a keypair, builds a sample settlement, signs it with
// the attestation domain and verifies the result. Useful for wiring the hook
// contract against known-good envelopes.
func main() {
	fmt.Println("Generating new keypair...")
	signer, err := crypto.GenerateKey()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Address: %s\n", signer.Address().Hex())
	fmt.Printf("Private Key: %s (KEEP SECRET!)\n\n", signer.PrivateKeyHex())

	chainID := int64(11155111)
	hook := common.HexToAddress("0x00000000000000000000000000000000000000a0")
	measurement := common.HexToHash("0x1111111111111111111111111111111111111111111111111111111111111111")

	builder := settlement.NewBuilder(hook, measurement)
	order := &settlement.EncryptedOrder{
		OrderID:    "00000000-0000-0000-0000-000000000001",
		Trader:     signer.Address().Hex(),
		TokenIn:    "0x0000000000000000000000000000000000000001",
		TokenOut:   "0x0000000000000000000000000000000000000002",
		Amount:     "1.5",
		LimitPrice: "2000",
	}

	price, _ := new(big.Int).SetString("2000000000000000000000", 10) // 2000 * 1e18
	ins, err := builder.Build(order, price, 0)
	if err != nil {
		fmt.Printf("Error building settlement: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Settlement Details:")
	fmt.Printf("  OrderID: %s\n", ins.OrderID.Hex())
	fmt.Printf("  PoolID: %s\n", ins.PoolID.Hex())
	fmt.Printf("  Trader: %s\n", ins.Trader.Hex())
	fmt.Printf("  Delta0: %s\n", ins.Delta0.String())
	fmt.Printf("  Delta1: %s\n", ins.Delta1.String())
	fmt.Printf("  SqrtPriceX96: %s\n\n", ins.SqrtPriceX96.String())

	attestor := attest.NewSigner(signer, chainID, hook, measurement)
	att, err := attestor.Sign(ins)
	if err != nil {
		fmt.Printf("Error signing: %v\n", err)
		os.Exit(1)
	}

	env := settlement.WireEnvelope{
		OrderID:     order.OrderID,
		Settlement:  ins.Wire(),
		Attestation: att.Wire(),
	}
	envJSON, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		fmt.Printf("Error marshaling JSON: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Signed Envelope (JSON):")
	fmt.Println(string(envJSON))
	fmt.Println()

	fmt.Println("Verifying attestation...")
	verifier := attest.NewVerifier(chainID, hook, measurement)
	recovered, err := verifier.Verify(ins, att)
	if err != nil {
		fmt.Printf("Verification failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Recovered signer: %s\n", recovered.Hex())
	fmt.Printf("Valid: %v\n", recovered == signer.Address())
}
