package settlement

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	testHook        = common.HexToAddress("0x00000000000000000000000000000000000000a0")
	testMeasurement = common.HexToHash("0x1111111111111111111111111111111111111111111111111111111111111111")
)

func testOrder() *EncryptedOrder {
	return &EncryptedOrder{
		OrderID:    "00000000-0000-0000-0000-000000000001",
		Trader:     "0xAA00000000000000000000000000000000000000",
		TokenIn:    "0x0000000000000000000000000000000000000001",
		TokenOut:   "0x0000000000000000000000000000000000000002",
		Amount:     "1.5",
		LimitPrice: "2000",
	}
}

func priceE18(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func TestBuildDeltas(t *testing.T) {
	b := NewBuilder(testHook, testMeasurement)
	ins, err := b.Build(testOrder(), priceE18(2000), 0)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	// 1.5 tokens in at price 2000 -> 3000 tokens out
	wantIn, _ := new(big.Int).SetString("1500000000000000000", 10)
	wantOut, _ := new(big.Int).SetString("3000000000000000000000", 10)

	if got := new(big.Int).Neg(ins.Delta0); got.Cmp(wantIn) != 0 {
		t.Errorf("delta0: got %s, want -%s", ins.Delta0.String(), wantIn.String())
	}
	if ins.Delta1.Cmp(wantOut) != 0 {
		t.Errorf("delta1: got %s, want %s", ins.Delta1.String(), wantOut.String())
	}
	if ins.Delta0.Sign() >= 0 {
		t.Error("delta0 must be negative (trader pays tokenIn)")
	}

	// delta0 + amountIn must cancel exactly
	sum := new(big.Int).Add(ins.Delta0, wantIn)
	if sum.Sign() != 0 {
		t.Errorf("delta0 does not cancel amountIn, residue %s", sum.String())
	}
}

func TestBuildTruncatesAmountOut(t *testing.T) {
	b := NewBuilder(testHook, testMeasurement)
	order := testOrder()
	order.Amount = "1.5"

	// 1.5e18 * 1 / 1e18 floors to 1: fractional output is dropped, never
	// rounded up
	ins, err := b.Build(order, big.NewInt(1), 0)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if ins.Delta1.Cmp(big.NewInt(1)) != 0 {
		t.Errorf("delta1: got %s, want 1", ins.Delta1.String())
	}
}

func TestBuildDeltaOverflow(t *testing.T) {
	b := NewBuilder(testHook, testMeasurement)
	order := testOrder()
	// 2^127 base units pre-scaling is far outside int128 once shifted by 1e18
	order.Amount = "170141183460469231731687303715884105728"

	_, err := b.Build(order, priceE18(1), 0)
	if !errors.Is(err, ErrDeltaOverflow) {
		t.Fatalf("expected ErrDeltaOverflow, got %v", err)
	}
}

func TestBuildDeterministic(t *testing.T) {
	fixed := time.Unix(1700000000, 0)
	b := NewBuilder(testHook, testMeasurement).WithNow(func() time.Time { return fixed })

	first, err := b.Build(testOrder(), priceE18(2000), 42)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	second, err := b.Build(testOrder(), priceE18(2000), 42)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if first.OrderID != second.OrderID || first.PoolID != second.PoolID ||
		first.MetadataHash != second.MetadataHash ||
		first.Delta0.Cmp(second.Delta0) != 0 || first.Delta1.Cmp(second.Delta1) != 0 ||
		first.SubmittedAt != second.SubmittedAt {
		t.Error("identical inputs produced different instructions")
	}
	if first.SubmittedAt != uint64(fixed.Unix()) {
		t.Errorf("submittedAt: got %d, want %d", first.SubmittedAt, fixed.Unix())
	}
}

func TestPoolIDInputOrderMatters(t *testing.T) {
	b := NewBuilder(testHook, testMeasurement)

	ab, err := b.PoolID("0x0000000000000000000000000000000000000001", "0x0000000000000000000000000000000000000002")
	if err != nil {
		t.Fatalf("PoolID: %v", err)
	}
	ba, err := b.PoolID("0x0000000000000000000000000000000000000002", "0x0000000000000000000000000000000000000001")
	if err != nil {
		t.Fatalf("PoolID: %v", err)
	}

	// currencies are not sorted before hashing
	if ab == ba {
		t.Error("pool id must depend on token input order")
	}

	// case-insensitive: checksummed and lowercased inputs agree
	mixed, err := b.PoolID("0x0000000000000000000000000000000000000001", "0x0000000000000000000000000000000000000002")
	if err != nil {
		t.Fatalf("PoolID: %v", err)
	}
	if mixed != ab {
		t.Error("pool id must be stable across address casing")
	}
}

func TestPoolIDDependsOnHook(t *testing.T) {
	a := NewBuilder(testHook, testMeasurement)
	b := NewBuilder(common.HexToAddress("0x00000000000000000000000000000000000000b0"), testMeasurement)

	idA, _ := a.PoolID("0x0000000000000000000000000000000000000001", "0x0000000000000000000000000000000000000002")
	idB, _ := b.PoolID("0x0000000000000000000000000000000000000001", "0x0000000000000000000000000000000000000002")
	if idA == idB {
		t.Error("pool id must bind the hook address")
	}
}

func TestParseUnits(t *testing.T) {
	cases := []struct {
		value    string
		decimals int32
		want     string
	}{
		{"1.5", 18, "1500000000000000000"},
		{"0.000000000000000001", 18, "1"},
		{"2000", 6, "2000000000"},
		{"1.2345678901234567899", 18, "1234567890123456789"}, // truncates 19th digit
	}
	for _, tc := range cases {
		got, err := ParseUnits(tc.value, tc.decimals)
		if err != nil {
			t.Fatalf("ParseUnits(%q): %v", tc.value, err)
		}
		if got.String() != tc.want {
			t.Errorf("ParseUnits(%q, %d) = %s, want %s", tc.value, tc.decimals, got.String(), tc.want)
		}
	}

	if _, err := ParseUnits("abc", 18); err == nil {
		t.Error("expected error for invalid decimal")
	}
}

func TestWireRoundTrip(t *testing.T) {
	b := NewBuilder(testHook, testMeasurement).WithNow(func() time.Time { return time.Unix(1700000000, 0) })
	ins, err := b.Build(testOrder(), priceE18(2000), 7)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	decoded, err := ParseWire(ins.Wire())
	if err != nil {
		t.Fatalf("ParseWire: %v", err)
	}

	if decoded.OrderID != ins.OrderID || decoded.PoolID != ins.PoolID || decoded.Trader != ins.Trader {
		t.Error("identity fields changed across the wire")
	}
	if decoded.Delta0.Cmp(ins.Delta0) != 0 || decoded.Delta1.Cmp(ins.Delta1) != 0 {
		t.Error("deltas changed across the wire")
	}
	if decoded.SqrtPriceX96.Cmp(ins.SqrtPriceX96) != 0 || decoded.CheckedLiquidity.Cmp(ins.CheckedLiquidity) != 0 {
		t.Error("price fields changed across the wire")
	}
	if decoded.TwapDeviationBps != 7 || decoded.SubmittedAt != ins.SubmittedAt {
		t.Error("scalar fields changed across the wire")
	}
}

func TestParseWireMissingAuxFields(t *testing.T) {
	w := WireSettlement{
		OrderID:            "0x2222222222222222222222222222222222222222222222222222222222222222",
		PoolID:             "0x3333333333333333333333333333333333333333333333333333333333333333",
		Trader:             "0xAA00000000000000000000000000000000000000",
		Delta0:             "-100",
		Delta1:             "200",
		SubmittedAt:        1700000000,
		EnclaveMeasurement: testMeasurement.Hex(),
	}

	ins, err := ParseWire(w)
	if err != nil {
		t.Fatalf("ParseWire: %v", err)
	}
	if ins.SqrtPriceX96.Sign() != 0 || ins.CheckedLiquidity.Sign() != 0 || ins.TwapDeviationBps != 0 {
		t.Error("absent aux fields must decode as zero")
	}
}

func TestParseWireRejectsBadValues(t *testing.T) {
	base := WireSettlement{
		Trader: "0xAA00000000000000000000000000000000000000",
		Delta0: "-100",
		Delta1: "200",
	}

	bad := base
	bad.Trader = "not-an-address"
	if _, err := ParseWire(bad); err == nil {
		t.Error("expected error for invalid trader")
	}

	bad = base
	bad.Delta0 = "1.5"
	if _, err := ParseWire(bad); err == nil {
		t.Error("expected error for non-integer delta0")
	}
}

func TestParseWireAttestationLength(t *testing.T) {
	w := WireAttestation{
		Signature:   "0x0011",
		Digest:      "0x4444444444444444444444444444444444444444444444444444444444444444",
		Measurement: testMeasurement.Hex(),
	}
	if _, err := ParseWireAttestation(w); err == nil {
		t.Error("expected error for short signature")
	}
}
