package main

import (
	"fmt"
	"log"
	"os"

	"github.com/ethereum/go-ethereum/common"

	"github.com/eigendark/offchain/params"
	"github.com/eigendark/offchain/pkg/api"
	"github.com/eigendark/offchain/pkg/attest"
	"github.com/eigendark/offchain/pkg/compute"
	"github.com/eigendark/offchain/pkg/crypto"
	"github.com/eigendark/offchain/pkg/oracle"
	"github.com/eigendark/offchain/pkg/queue"
	"github.com/eigendark/offchain/pkg/settlement"
	"github.com/eigendark/offchain/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg, err := params.LoadCompute("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Setup logging (write to both console and file)
	logFile := os.Getenv("LOG_FILE")
	if logFile == "" {
		logFile = "data/compute.log"
	}
	logger, err := util.NewServiceLogger(logFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	signer, err := crypto.FromPrivateKeyHex(cfg.AttestorKey)
	if err != nil {
		sugar.Fatalw("attestor key", "err", err)
	}

	hook := common.HexToAddress(cfg.HookAddress)
	measurement := common.HexToHash(cfg.Measurement)

	builder := settlement.NewBuilder(hook, measurement)
	attestor := attest.NewSigner(signer, cfg.ChainID, hook, measurement)

	var oracleClient *oracle.Client
	if cfg.PythEndpoint != "" {
		oracleClient = oracle.NewClient(cfg.PythEndpoint, cfg.PythTwapWindow, sugar)
	} else {
		sugar.Warn("no oracle endpoint configured, settling at limit prices")
	}

	q := queue.New(cfg.MaxPendingOrders, sugar)
	svc := compute.NewService(cfg, q, builder, attestor, oracleClient, nil, sugar)

	sugar.Infow("compute service configured",
		"attestor", attestor.Address().Hex(),
		"hook", hook.Hex(),
		"chainId", cfg.ChainID,
		"capacity", cfg.MaxPendingOrders,
	)

	server := api.NewServer(cfg, svc, q, sugar)
	if err := server.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil {
		sugar.Fatalw("server stopped", "err", err)
	}
}
