// Package compute runs the order-processing pipeline: admission, pricing,
// settlement construction, attestation signing and the webhook push that
// hands the envelope to the gateway.
package compute

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/eigendark/offchain/params"
	"github.com/eigendark/offchain/pkg/attest"
	"github.com/eigendark/offchain/pkg/oracle"
	"github.com/eigendark/offchain/pkg/queue"
	"github.com/eigendark/offchain/pkg/settlement"
)

// PayloadExecutor runs the confidential part of an order. Decryption and
// execution of the opaque payload happen outside this service; implementations
// plug in here.
type PayloadExecutor interface {
	Execute(ctx context.Context, order *settlement.EncryptedOrder) error
}

// NoopExecutor is the default: the payload passes through untouched.
type NoopExecutor struct{}

func (NoopExecutor) Execute(context.Context, *settlement.EncryptedOrder) error { return nil }

// Service wires the queue, oracle, builder and signer into the pipeline and
// pushes settled envelopes to the gateway in queue-event order.
type Service struct {
	cfg      *params.Compute
	queue    *queue.Queue
	builder  *settlement.Builder
	signer   *attest.Signer
	oracle   *oracle.Client
	executor PayloadExecutor
	push     *resty.Client
	log      *zap.SugaredLogger

	events chan queue.Item
}

// NewService assembles the pipeline. oracleClient may be nil (settlement then
// prices at the order's limit price); executor may be nil (NoopExecutor).
func NewService(cfg *params.Compute, q *queue.Queue, builder *settlement.Builder, signer *attest.Signer, oracleClient *oracle.Client, executor PayloadExecutor, log *zap.SugaredLogger) *Service {
	if executor == nil {
		executor = NoopExecutor{}
	}

	// Every order emits at most three lifecycle events (queued, processing,
	// terminal), so a buffer derived from queue capacity guarantees a full
	// burst cannot overflow while the notifier is blocked on the gateway.
	buffer := 4 * cfg.MaxPendingOrders
	if buffer < 256 {
		buffer = 256
	}

	s := &Service{
		cfg:      cfg,
		queue:    q,
		builder:  builder,
		signer:   signer,
		oracle:   oracleClient,
		executor: executor,
		push:     resty.New().SetTimeout(cfg.GatewayTimeout),
		log:      log,
		events:   make(chan queue.Item, buffer),
	}

	q.OnChange(func(item queue.Item) {
		log.Infow("queue status update", "order_id", item.Order.OrderID, "status", item.Status)
		select {
		case s.events <- item:
		default:
			log.Warnw("event channel full; dropping notification", "order_id", item.Order.OrderID)
		}
	})
	go s.notifier()

	return s
}

// SubmitOrder admits a validated order and starts processing it.
func (s *Service) SubmitOrder(req *OrderRequest) (queue.Item, error) {
	item, err := s.queue.Enqueue(settlement.EncryptedOrder{
		Trader:     req.Trader,
		TokenIn:    req.TokenIn,
		TokenOut:   req.TokenOut,
		Amount:     req.Amount,
		LimitPrice: req.LimitPrice,
		Payload:    req.Payload,
	})
	if err != nil {
		return queue.Item{}, err
	}

	go s.process(item.Order)
	return item, nil
}

func (s *Service) process(order settlement.EncryptedOrder) {
	s.queue.MarkProcessing(order.OrderID)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.runPipeline(ctx, order); err != nil {
		s.log.Errorw("order processing failed", "order_id", order.OrderID, "err", err)
		s.queue.MarkFailed(order.OrderID, err.Error())
	}
}

func (s *Service) runPipeline(ctx context.Context, order settlement.EncryptedOrder) error {
	if err := s.executor.Execute(ctx, &order); err != nil {
		return fmt.Errorf("payload execution: %w", err)
	}

	executionPrice, deviationBps, err := s.resolvePrice(ctx, &order)
	if err != nil {
		return err
	}

	ins, err := s.builder.Build(&order, executionPrice, deviationBps)
	if err != nil {
		return err
	}
	att, err := s.signer.Sign(ins)
	if err != nil {
		return err
	}

	s.queue.MarkSettled(order.OrderID, &settlement.WireEnvelope{
		OrderID:     order.OrderID,
		Settlement:  ins.Wire(),
		Attestation: att.Wire(),
	})
	return nil
}

// resolvePrice returns the 18-decimal execution price and TWAP deviation.
// Without a feed for the pair (or on oracle failure) the order's limit price
// is the execution price and deviation is zero.
func (s *Service) resolvePrice(ctx context.Context, order *settlement.EncryptedOrder) (*big.Int, uint64, error) {
	fallback := func() (*big.Int, uint64, error) {
		price, err := settlement.ParseUnits(order.LimitPrice, 18)
		if err != nil {
			return nil, 0, fmt.Errorf("parse limit price: %w", err)
		}
		return price, 0, nil
	}

	if s.oracle == nil {
		return fallback()
	}
	pair := strings.ToLower(order.TokenIn) + "-" + strings.ToLower(order.TokenOut)
	priceID := s.cfg.PriceIDFor(pair)
	if priceID == "" {
		return fallback()
	}

	op, err := s.oracle.FetchPrice(ctx, priceID)
	if err != nil {
		s.log.Warnw("oracle fetch failed; using limit price", "order_id", order.OrderID, "pair", pair, "err", err)
		return fallback()
	}
	return op.Price, oracle.TwapDeviationBps(op.Price, op.Twap), nil
}

// notifier drains queue events in order and pushes settled envelopes to the
// gateway. One consumer keeps per-order delivery ordered.
func (s *Service) notifier() {
	for item := range s.events {
		if item.Status != queue.StatusSettled || item.Settlement == nil {
			continue
		}
		if err := s.notifyGateway(item); err != nil {
			s.log.Errorw("failed to notify gateway", "order_id", item.Order.OrderID, "err", err)
		}
	}
}

func (s *Service) notifyGateway(item queue.Item) error {
	req := s.push.R().SetBody(item.Settlement)
	if s.cfg.GatewayAPIKey != "" {
		req.SetHeader("X-Api-Key", s.cfg.GatewayAPIKey)
	}

	resp, err := req.Post(s.cfg.GatewayWebhook)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("gateway returned %s: %s", resp.Status(), resp.String())
	}
	s.log.Infow("pushed settlement to gateway", "order_id", item.Order.OrderID)
	return nil
}
