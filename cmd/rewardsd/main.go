package main

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"
	"os"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"reelchain/claim"
	"reelchain/config"
	"reelchain/core/rewards"
	"reelchain/ledger"
	"reelchain/models"
	"reelchain/observability/logging"
	"reelchain/recon"
	"reelchain/registry"
	"reelchain/server"
	"reelchain/videostore"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("config error", "error", err)
		os.Exit(1)
	}

	logger := logging.Setup("rewardsd", cfg.Env, slog.LevelInfo)

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		logger.Error("database connection error", "error", err)
		os.Exit(1)
	}
	if err := models.AutoMigrate(db); err != nil {
		logger.Error("auto migrate error", "error", err)
		os.Exit(1)
	}

	params, err := cfg.RewardParams()
	if err != nil {
		logger.Error("reward params error", "error", err)
		os.Exit(1)
	}
	calculator, err := rewards.NewCalculator(params)
	if err != nil {
		logger.Error("calculator init error", "error", err)
		os.Exit(1)
	}

	client, err := ledger.DialEVMClient(cfg.EVMRPCURL)
	if err != nil {
		logger.Error("evm dial error", "endpoint", cfg.EVMRPCURL, "error", err)
		os.Exit(1)
	}
	key, err := gethcrypto.HexToECDSA(cfg.PrivateKeyHex())
	if err != nil {
		logger.Error("settlement key error", "error", err)
		os.Exit(1)
	}
	pool, err := ledger.NewEVM(ledger.EVMConfig{
		Client:        client,
		PoolAddress:   common.HexToAddress(cfg.PoolAddress),
		ChainID:       big.NewInt(cfg.ChainID),
		Key:           key,
		Confirmations: cfg.Confirmations,
	})
	if err != nil {
		logger.Error("ledger init error", "error", err)
		os.Exit(1)
	}

	videos := videostore.New(db)
	claims := registry.New(db)

	engine, err := claim.NewEngine(claim.Config{
		DB:                  db,
		Store:               videos,
		Registry:            claims,
		Ledger:              pool,
		Calculator:          calculator,
		Logger:              logger,
		SubmitTimeout:       cfg.SubmitTimeout,
		ConfirmPollInterval: cfg.ConfirmPollEvery,
		ConfirmTimeout:      cfg.ConfirmTimeout,
	})
	if err != nil {
		logger.Error("claim engine init error", "error", err)
		os.Exit(1)
	}

	reconciler, err := recon.NewReconciler(recon.Config{
		DB:           db,
		Ledger:       pool,
		Registry:     claims,
		OutputDir:    cfg.ReconOutputDir,
		DryRun:       cfg.ReconDryRun,
		StalledAfter: cfg.ReconStalledAfter,
		Logger:       logger,
	})
	if err != nil {
		logger.Error("reconciler init error", "error", err)
		os.Exit(1)
	}
	scheduler := recon.NewScheduler(recon.SchedulerConfig{
		Reconciler: reconciler,
		Window:     cfg.ReconWindow,
		RunHour:    cfg.ReconRunHour,
		RunMinute:  cfg.ReconRunMinute,
		Logger:     logger,
	})
	go scheduler.Start(context.Background())

	srv := server.New(server.Config{
		DB:                     db,
		Videos:                 videos,
		Registry:               claims,
		Engine:                 engine,
		Ledger:                 pool,
		Logger:                 logger,
		ClaimRequestsPerMinute: cfg.ClaimsPerMinute,
		ClaimBurst:             cfg.ClaimBurst,
	})

	addr := ":" + cfg.Port
	logger.Info("starting rewardsd", "addr", addr, "env", cfg.Env)
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
