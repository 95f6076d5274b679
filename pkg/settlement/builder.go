package settlement

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/eigendark/offchain/pkg/oracle"
)

// ErrDeltaOverflow aborts settlement when a delta leaves the int128 range the
// hook contract accounts in.
var ErrDeltaOverflow = errors.New("value exceeds int128 range")

// Protocol-fixed pool parameters. The hook registers every dark pool at the
// 0.3% fee tier with its standard tick spacing; these are not configurable.
const (
	poolFee             = 3000
	poolTickSpacing     = 60
	liquidityMultiplier = 10
)

var (
	int128Min = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
	int128Max = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))

	oneE18 = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

	poolKeyArgs abi.Arguments
)

func init() {
	addressT, _ := abi.NewType("address", "", nil)
	uint24T, _ := abi.NewType("uint24", "", nil)
	int24T, _ := abi.NewType("int24", "", nil)
	poolKeyArgs = abi.Arguments{
		{Name: "currency0", Type: addressT},
		{Name: "currency1", Type: addressT},
		{Name: "fee", Type: uint24T},
		{Name: "tickSpacing", Type: int24T},
		{Name: "hooks", Type: addressT},
	}
}

// Builder deterministically turns an admitted order plus a normalized price
// into a settlement instruction. Byte-identical inputs produce byte-identical
// instructions (submittedAt aside), which signature verification depends on.
type Builder struct {
	hook        common.Address
	measurement common.Hash
	now         func() time.Time
}

func NewBuilder(hook common.Address, measurement common.Hash) *Builder {
	return &Builder{hook: hook, measurement: measurement, now: time.Now}
}

// WithNow overrides the timestamp source for deterministic tests.
func (b *Builder) WithNow(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Build produces the instruction for an order at a given 18-decimal execution
// price. Returns ErrDeltaOverflow when either delta leaves the int128 range.
func (b *Builder) Build(order *EncryptedOrder, executionPrice *big.Int, twapDeviationBps uint64) (*Instruction, error) {
	poolID, err := b.PoolID(order.TokenIn, order.TokenOut)
	if err != nil {
		return nil, err
	}

	amountIn, err := ParseUnits(order.Amount, 18)
	if err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}

	// delta0 gives exactly amountIn; delta1 takes floor(amountIn*price/1e18).
	amountOut := new(big.Int).Mul(amountIn, executionPrice)
	amountOut.Quo(amountOut, oneE18)

	delta0, err := toInt128(new(big.Int).Neg(amountIn))
	if err != nil {
		return nil, err
	}
	delta1, err := toInt128(amountOut)
	if err != nil {
		return nil, err
	}

	metadataHash := crypto.Keccak256Hash([]byte(fmt.Sprintf(
		"%s-%s-%s-%s", order.OrderID, order.Trader, order.Amount, order.LimitPrice)))

	return &Instruction{
		OrderID:            crypto.Keccak256Hash([]byte(order.OrderID)),
		PoolID:             poolID,
		Trader:             common.HexToAddress(order.Trader),
		Delta0:             delta0,
		Delta1:             delta1,
		SubmittedAt:        uint64(b.now().Unix()),
		EnclaveMeasurement: b.measurement,
		MetadataHash:       metadataHash,
		SqrtPriceX96:       oracle.SqrtPriceX96(executionPrice),
		TwapDeviationBps:   twapDeviationBps,
		CheckedLiquidity:   new(big.Int).Mul(amountIn, big.NewInt(liquidityMultiplier)),
	}, nil
}

// PoolID derives the pool identifier from the PoolKey tuple the way the hook
// does on-chain: keccak256(abi.encode(currency0, currency1, fee, tickSpacing,
// hooks)). Currencies keep the order's input order; they are not sorted.
func (b *Builder) PoolID(tokenIn, tokenOut string) (common.Hash, error) {
	encoded, err := poolKeyArgs.Pack(
		common.HexToAddress(strings.ToLower(tokenIn)),
		common.HexToAddress(strings.ToLower(tokenOut)),
		big.NewInt(poolFee),
		big.NewInt(poolTickSpacing),
		b.hook,
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode pool key: %w", err)
	}
	return crypto.Keccak256Hash(encoded), nil
}

// ParseUnits scales a positive decimal string to an integer with the given
// number of decimals, truncating any excess fractional digits.
func ParseUnits(value string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return nil, fmt.Errorf("invalid decimal %q: %w", value, err)
	}
	return d.Shift(decimals).BigInt(), nil
}

func toInt128(value *big.Int) (*big.Int, error) {
	if value.Cmp(int128Min) < 0 || value.Cmp(int128Max) > 0 {
		return nil, ErrDeltaOverflow
	}
	return value, nil
}
