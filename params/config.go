package params

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var bytes32Re = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// Compute is the configuration for the order-processing service.
// Values resolve with priority: ENV > .env file > defaults.
type Compute struct {
	Port             int           `envconfig:"PORT" default:"8080"`
	ChainID          int64         `envconfig:"CHAIN_ID" default:"11155111"`
	HookAddress      string        `envconfig:"HOOK_ADDRESS" required:"true"`
	Measurement      string        `envconfig:"ATTESTATION_MEASUREMENT" required:"true"`
	AttestorKey      string        `envconfig:"ATTESTOR_PRIVATE_KEY" required:"true"`
	GatewayWebhook   string        `envconfig:"GATEWAY_WEBHOOK_URL" required:"true"`
	GatewayAPIKey    string        `envconfig:"GATEWAY_API_KEY"`
	GatewayTimeout   time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"5s"`
	OrderAPIKey      string        `envconfig:"ORDER_API_KEY"`
	MaxPendingOrders int           `envconfig:"MAX_PENDING_ORDERS" default:"64"`
	PythEndpoint     string        `envconfig:"PYTH_ENDPOINT"`
	PythTwapWindow   int           `envconfig:"PYTH_TWAP_WINDOW" default:"300"`
	// PythPriceIDs maps "tokenin-tokenout" (lowercased addresses) to a Pyth
	// feed id, e.g. {"0xabc...-0xdef...": "0x1234..."}.
	PythPriceIDs string `envconfig:"PYTH_PRICE_IDS"`

	priceIDs map[string]string
}

// Gateway is the configuration for the verification/delivery service.
type Gateway struct {
	Port            int           `envconfig:"PORT" default:"4000"`
	ComputeURL      string        `envconfig:"EIGEN_COMPUTE_URL" default:"http://127.0.0.1:8080"`
	ComputeAPIKey   string        `envconfig:"COMPUTE_API_KEY"`
	WebhookKey      string        `envconfig:"COMPUTE_WEBHOOK_KEY"`
	AdminAPIKey     string        `envconfig:"ADMIN_API_KEY"`
	ChainID         int64         `envconfig:"CHAIN_ID" default:"11155111"`
	HookAddress     string        `envconfig:"HOOK_ADDRESS" required:"true"`
	Measurement     string        `envconfig:"ATTESTATION_MEASUREMENT" required:"true"`
	RPCURL          string        `envconfig:"RPC_URL"`
	SubmitterKey    string        `envconfig:"SUBMITTER_KEY"`
	StorageDir      string        `envconfig:"GATEWAY_DATA_DIR" default:"data"`
	RetryInterval   time.Duration `envconfig:"SETTLEMENT_RETRY_INTERVAL" default:"30s"`
	PersistDebounce time.Duration `envconfig:"PERSIST_DEBOUNCE" default:"200ms"`
	OrderRateWindow time.Duration `envconfig:"ORDER_RATE_WINDOW" default:"60s"`
	OrderRateMax    int           `envconfig:"ORDER_RATE_MAX" default:"120"`
	AdminRateWindow time.Duration `envconfig:"ADMIN_RATE_WINDOW" default:"60s"`
	AdminRateMax    int           `envconfig:"ADMIN_RATE_MAX" default:"60"`
	SubmitTimeout   time.Duration `envconfig:"HOOK_SUBMIT_TIMEOUT" default:"15s"`
	AllowedOrigins  []string      `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// LoadCompute loads and validates compute configuration. envPath may be empty,
// in which case .env is loaded from the working directory when present.
func LoadCompute(envPath string) (*Compute, error) {
	loadDotenv(envPath)

	var cfg Compute
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadGateway loads and validates gateway configuration.
func LoadGateway(envPath string) (*Gateway, error) {
	loadDotenv(envPath)

	var cfg Gateway
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadDotenv(envPath string) {
	// .env is optional; explicit env vars always win because godotenv
	// never overrides variables that are already set.
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}
}

func (c *Compute) validate() error {
	if !common.IsHexAddress(c.HookAddress) {
		return fmt.Errorf("HOOK_ADDRESS %q is not a valid address", c.HookAddress)
	}
	if !bytes32Re.MatchString(c.Measurement) {
		return fmt.Errorf("ATTESTATION_MEASUREMENT must be a 0x-prefixed 32-byte hex string")
	}
	if c.MaxPendingOrders <= 0 {
		return fmt.Errorf("MAX_PENDING_ORDERS must be positive, got %d", c.MaxPendingOrders)
	}
	c.priceIDs = map[string]string{}
	if c.PythPriceIDs != "" {
		if err := json.Unmarshal([]byte(c.PythPriceIDs), &c.priceIDs); err != nil {
			return fmt.Errorf("PYTH_PRICE_IDS is not a valid JSON object: %w", err)
		}
	}
	return nil
}

// PriceIDFor returns the configured Pyth feed id for a token pair key
// ("tokenin-tokenout", lowercased), or "" when the pair has no feed.
func (c *Compute) PriceIDFor(pair string) string {
	return c.priceIDs[pair]
}

func (g *Gateway) validate() error {
	if !common.IsHexAddress(g.HookAddress) {
		return fmt.Errorf("HOOK_ADDRESS %q is not a valid address", g.HookAddress)
	}
	if !bytes32Re.MatchString(g.Measurement) {
		return fmt.Errorf("ATTESTATION_MEASUREMENT must be a 0x-prefixed 32-byte hex string")
	}
	if g.RetryInterval < 0 {
		return fmt.Errorf("SETTLEMENT_RETRY_INTERVAL must not be negative")
	}
	return nil
}

// SubmitterConfigured reports whether on-chain delivery can run. Without both
// an RPC endpoint and a submitter key the retry worker skips every cycle and
// settlements stay pending.
func (g *Gateway) SubmitterConfigured() bool {
	return g.RPCURL != "" && g.SubmitterKey != ""
}
