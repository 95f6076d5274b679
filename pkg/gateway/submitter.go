package gateway

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/eigendark/offchain/params"
	"github.com/eigendark/offchain/pkg/crypto"
	"github.com/eigendark/offchain/pkg/settlement"
)

// hookABI covers the single entrypoint the gateway calls on the hook
// contract. The tuple layout must match the attested settlement exactly.
const hookABI = `[{"type":"function","name":"registerSettlement","stateMutability":"nonpayable","inputs":[{"name":"s","type":"tuple","components":[{"name":"orderId","type":"bytes32"},{"name":"poolId","type":"bytes32"},{"name":"trader","type":"address"},{"name":"delta0","type":"int128"},{"name":"delta1","type":"int128"},{"name":"submittedAt","type":"uint64"},{"name":"enclaveMeasurement","type":"bytes32"},{"name":"metadataHash","type":"bytes32"},{"name":"sqrtPriceX96","type":"uint160"},{"name":"twapDeviationBps","type":"uint64"},{"name":"checkedLiquidity","type":"uint128"}]},{"name":"signature","type":"bytes"}],"outputs":[]}]`

// hookSettlement mirrors the contract tuple for abi packing.
type hookSettlement struct {
	OrderId            [32]byte
	PoolId             [32]byte
	Trader             common.Address
	Delta0             *big.Int
	Delta1             *big.Int
	SubmittedAt        uint64
	EnclaveMeasurement [32]byte
	MetadataHash       [32]byte
	SqrtPriceX96       *big.Int
	TwapDeviationBps   uint64
	CheckedLiquidity   *big.Int
}

// Submitter delivers verified settlements to the hook contract. A zero-value
// Submitter is a valid "not configured" submitter: Ready reports false and
// Submit always errors.
type Submitter struct {
	client   *ethclient.Client
	contract *bind.BoundContract
	opts     *bind.TransactOpts
	hook     common.Address
	log      *zap.SugaredLogger
}

// NewSubmitter dials the RPC endpoint and prepares a transactor for the
// configured submitter key. Call only when cfg.SubmitterConfigured().
func NewSubmitter(cfg *params.Gateway, log *zap.SugaredLogger) (*Submitter, error) {
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc %s: %w", cfg.RPCURL, err)
	}

	signer, err := crypto.FromPrivateKeyHex(cfg.SubmitterKey)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("submitter key: %w", err)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(signer.ECDSA(), big.NewInt(cfg.ChainID))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("transactor: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(hookABI))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("parse hook abi: %w", err)
	}
	hook := common.HexToAddress(cfg.HookAddress)

	log.Infow("submitter ready", "hook", hook.Hex(), "from", signer.Address().Hex(), "chainId", cfg.ChainID)
	return &Submitter{
		client:   client,
		contract: bind.NewBoundContract(hook, parsed, client, client, client),
		opts:     opts,
		hook:     hook,
		log:      log,
	}, nil
}

// Ready reports whether on-chain delivery is possible.
func (s *Submitter) Ready() bool {
	return s != nil && s.client != nil
}

// Submit registers one settlement on the hook and waits for it to mine.
// Returns the transaction hash on success.
func (s *Submitter) Submit(ctx context.Context, env settlement.WireEnvelope) (string, error) {
	if !s.Ready() {
		return "", fmt.Errorf("submitter not configured")
	}

	ins, err := settlement.ParseWire(env.Settlement)
	if err != nil {
		return "", fmt.Errorf("decode settlement: %w", err)
	}
	att, err := settlement.ParseWireAttestation(env.Attestation)
	if err != nil {
		return "", fmt.Errorf("decode attestation: %w", err)
	}

	tuple := hookSettlement{
		OrderId:            ins.OrderID,
		PoolId:             ins.PoolID,
		Trader:             ins.Trader,
		Delta0:             ins.Delta0,
		Delta1:             ins.Delta1,
		SubmittedAt:        ins.SubmittedAt,
		EnclaveMeasurement: ins.EnclaveMeasurement,
		MetadataHash:       ins.MetadataHash,
		SqrtPriceX96:       ins.SqrtPriceX96,
		TwapDeviationBps:   ins.TwapDeviationBps,
		CheckedLiquidity:   ins.CheckedLiquidity,
	}

	opts := *s.opts
	opts.Context = ctx

	tx, err := s.contract.Transact(&opts, "registerSettlement", tuple, att.Signature)
	if err != nil {
		return "", fmt.Errorf("registerSettlement: %w", err)
	}
	s.log.Infow("settlement tx sent", "orderId", env.OrderID, "tx", tx.Hash().Hex())

	receipt, err := bind.WaitMined(ctx, s.client, tx)
	if err != nil {
		return "", fmt.Errorf("wait mined %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != 1 {
		return "", fmt.Errorf("tx %s reverted", tx.Hash().Hex())
	}
	return tx.Hash().Hex(), nil
}

// Close releases the RPC connection.
func (s *Submitter) Close() {
	if s != nil && s.client != nil {
		s.client.Close()
	}
}
