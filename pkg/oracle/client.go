package oracle

// REST client for the Pyth Hermes price service. Only the numeric
// normalization is settlement-critical; transport failures degrade to the
// order's limit price upstream.

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const DefaultTwapWindow = 300

// OraclePrice is a normalized spot/TWAP pair, all fields at PriceDecimals.
type OraclePrice struct {
	Price       *big.Int
	Twap        *big.Int
	PublishTime int64
	Confidence  *big.Int
}

type hermesPrice struct {
	Price       string `json:"price"`
	Conf        string `json:"conf"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"`
}

type hermesLatestResponse struct {
	Parsed []struct {
		ID    string      `json:"id"`
		Price hermesPrice `json:"price"`
	} `json:"parsed"`
}

type hermesTwapResponse struct {
	Parsed []struct {
		ID   string      `json:"id"`
		Twap hermesPrice `json:"twap"`
	} `json:"parsed"`
}

// Client fetches and normalizes prices from a Hermes endpoint.
type Client struct {
	http       *resty.Client
	twapWindow int
	log        *zap.SugaredLogger
}

func NewClient(endpoint string, twapWindow int, log *zap.SugaredLogger) *Client {
	if twapWindow <= 0 {
		twapWindow = DefaultTwapWindow
	}
	httpClient := resty.New().
		SetBaseURL(endpoint).
		SetTimeout(5 * time.Second).
		SetRetryCount(2)
	return &Client{http: httpClient, twapWindow: twapWindow, log: log}
}

// FetchPrice returns the latest normalized spot price and TWAP for a feed id.
// A TWAP fetch failure falls back to the spot price.
func (c *Client) FetchPrice(ctx context.Context, priceID string) (*OraclePrice, error) {
	var latest hermesLatestResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("ids[]", priceID).
		SetQueryParam("parsed", "true").
		SetResult(&latest).
		Get("/v2/updates/price/latest")
	if err != nil {
		return nil, fmt.Errorf("fetch latest price: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch latest price: hermes returned %s", resp.Status())
	}
	if len(latest.Parsed) == 0 {
		return nil, fmt.Errorf("price feed %s missing parsed data", priceID)
	}

	parsed := latest.Parsed[0].Price
	price, err := NormalizePrice(parsed.Price, parsed.Expo, PriceDecimals)
	if err != nil {
		return nil, fmt.Errorf("normalize price: %w", err)
	}
	confidence, err := NormalizePrice(parsed.Conf, parsed.Expo, PriceDecimals)
	if err != nil {
		return nil, fmt.Errorf("normalize confidence: %w", err)
	}

	twap := new(big.Int).Set(price)
	if t, err := c.fetchTwap(ctx, priceID); err != nil {
		c.log.Warnw("twap fetch failed; using spot price", "price_id", priceID, "err", err)
	} else {
		twap = t
	}

	return &OraclePrice{
		Price:       price,
		Twap:        twap,
		PublishTime: parsed.PublishTime,
		Confidence:  confidence,
	}, nil
}

func (c *Client) fetchTwap(ctx context.Context, priceID string) (*big.Int, error) {
	var out hermesTwapResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("ids[]", priceID).
		SetQueryParam("parsed", "true").
		SetResult(&out).
		Get(fmt.Sprintf("/v2/updates/twap/%d/latest", c.twapWindow))
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("hermes returned %s", resp.Status())
	}
	if len(out.Parsed) == 0 {
		return nil, fmt.Errorf("twap feed %s missing parsed data", priceID)
	}
	return NormalizePrice(out.Parsed[0].Twap.Price, out.Parsed[0].Twap.Expo, PriceDecimals)
}
