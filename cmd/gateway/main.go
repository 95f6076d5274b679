package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"github.com/eigendark/offchain/params"
	"github.com/eigendark/offchain/pkg/attest"
	"github.com/eigendark/offchain/pkg/gateway"
	"github.com/eigendark/offchain/pkg/storage"
	"github.com/eigendark/offchain/pkg/store"
	"github.com/eigendark/offchain/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg, err := params.LoadGateway("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logFile := os.Getenv("LOG_FILE")
	if logFile == "" {
		logFile = "data/gateway.log"
	}
	logger, err := util.NewServiceLogger(logFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	verifier := attest.NewVerifier(cfg.ChainID, common.HexToAddress(cfg.HookAddress), common.HexToHash(cfg.Measurement))

	st, err := store.Open(cfg.StorageDir, cfg.PersistDebounce, sugar)
	if err != nil {
		sugar.Fatalw("open settlement store", "err", err)
	}
	defer st.Close()

	audit, err := storage.OpenAudit(cfg.StorageDir, sugar)
	if err != nil {
		sugar.Fatalw("open audit store", "err", err)
	}
	defer audit.Close()

	// On-chain delivery is optional: without RPC_URL and SUBMITTER_KEY the
	// gateway still verifies and stores settlements for later delivery.
	var submitter *gateway.Submitter
	if cfg.SubmitterConfigured() {
		submitter, err = gateway.NewSubmitter(cfg, sugar)
		if err != nil {
			sugar.Fatalw("submitter init", "err", err)
		}
		defer submitter.Close()
	} else {
		sugar.Warn("submitter not configured, settlements will stay pending")
	}

	retry := gateway.NewRetryWorker(st, submitter, cfg.RetryInterval, cfg.SubmitTimeout, sugar)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go retry.Run(ctx)

	server := gateway.NewServer(cfg, verifier, st, audit, submitter, retry, sugar)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(fmt.Sprintf(":%d", cfg.Port)) }()

	select {
	case <-ctx.Done():
		sugar.Info("shutting down, flushing settlement store")
	case err := <-errCh:
		sugar.Errorw("server stopped", "err", err)
	}
}
