package compute

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	addressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	decimalRe = regexp.MustCompile(`^\d+(\.\d+)?$`)
)

// OrderRequest is the POST /orders body.
type OrderRequest struct {
	Trader     string `json:"trader"`
	TokenIn    string `json:"tokenIn"`
	TokenOut   string `json:"tokenOut"`
	Amount     string `json:"amount"`
	LimitPrice string `json:"limitPrice"`
	Payload    string `json:"payload"`
}

// ValidationError enumerates every violated constraint by field path, the
// flattened shape clients consume from 400 responses.
type ValidationError struct {
	FieldErrors map[string][]string `json:"fieldErrors"`
}

func (e *ValidationError) Error() string {
	fields := make([]string, 0, len(e.FieldErrors))
	for field := range e.FieldErrors {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fmt.Sprintf("invalid order: %s", strings.Join(fields, ", "))
}

func (e *ValidationError) add(field, reason string) {
	if e.FieldErrors == nil {
		e.FieldErrors = map[string][]string{}
	}
	e.FieldErrors[field] = append(e.FieldErrors[field], reason)
}

// ValidateOrder checks an order request against the admission constraints.
// Returns nil when the request is well-formed.
func ValidateOrder(req *OrderRequest) *ValidationError {
	verr := &ValidationError{}

	checkAddress(verr, "trader", req.Trader)
	checkAddress(verr, "tokenIn", req.TokenIn)
	checkAddress(verr, "tokenOut", req.TokenOut)
	checkDecimal(verr, "amount", req.Amount)
	checkDecimal(verr, "limitPrice", req.LimitPrice)

	if req.Payload == "" {
		verr.add("payload", "must not be empty")
	}
	if req.TokenIn != "" && strings.EqualFold(req.TokenIn, req.TokenOut) {
		verr.add("tokenOut", "tokenIn and tokenOut must differ")
	}

	if len(verr.FieldErrors) == 0 {
		return nil
	}
	return verr
}

func checkAddress(verr *ValidationError, field, value string) {
	if !addressRe.MatchString(value) {
		verr.add(field, "invalid address")
	}
}

func checkDecimal(verr *ValidationError, field, value string) {
	if !decimalRe.MatchString(value) {
		verr.add(field, "must be a positive decimal string")
		return
	}
	d, err := decimal.NewFromString(value)
	if err != nil || d.Sign() <= 0 {
		verr.add(field, "value must be positive")
	}
}
