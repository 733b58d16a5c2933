package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/multisigner/api"
	"github.com/vultisig/multisigner/config"
	"github.com/vultisig/multisigner/internal/crypto"
	"github.com/vultisig/multisigner/ledger"
	"github.com/vultisig/multisigner/service"
	"github.com/vultisig/multisigner/storage"
	"github.com/vultisig/multisigner/storage/postgres"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.ReadConfig("config")
	if err != nil {
		logger.Fatalf("fail to read config, err: %v", err)
	}

	sdClient, err := statsd.New(cfg.Datadog.Host + ":" + cfg.Datadog.Port)
	if err != nil {
		logger.Fatalf("fail to create statsd client, err: %v", err)
	}
	defer func() {
		if err := sdClient.Close(); err != nil {
			logger.Errorf("fail to close statsd client, err: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.NewPostgresBackend(ctx, cfg.Database.DSN)
	if err != nil {
		logger.Fatalf("fail to connect to database, err: %v", err)
	}
	defer db.Close()

	redisStorage, err := storage.NewRedisStorage(cfg.Redis)
	if err != nil {
		logger.Fatalf("fail to connect to redis, err: %v", err)
	}
	defer redisStorage.Close()

	client := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr(),
		Username: cfg.Redis.User,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer client.Close()
	queue := service.NewTaskQueue(client, logger)

	gateway, err := ledger.NewRPCClient(cfg.Ledger, logger)
	if err != nil {
		logger.Fatalf("fail to create ledger client, err: %v", err)
	}
	sealer, err := crypto.NewSealer(cfg.Encryption.Password, cfg.Encryption.Salt)
	if err != nil {
		logger.Fatalf("fail to create sealer, err: %v", err)
	}

	var (
		archiver service.Archiver
		archive  api.ProposalArchive
	)
	if cfg.BlockStorage.Bucket != "" {
		blockStorage, err := storage.NewBlockStorage(cfg.BlockStorage, logger)
		if err != nil {
			logger.Fatalf("fail to create block storage, err: %v", err)
		}
		archiver, archive = blockStorage, blockStorage
	} else {
		logger.Warn("block storage bucket is not set, finished proposals will not be archived")
	}

	svc, err := buildServices(cfg, db, gateway, sealer, queue, archiver, logger)
	if err != nil {
		logger.Fatalf("fail to build services, err: %v", err)
	}

	sweeper := service.NewSweeper(db, queue, cfg.Workflow.StaleAfter, logger)
	if err := sweeper.Start(cfg.Workflow.SweepSchedule); err != nil {
		logger.Fatalf("fail to start sweeper, err: %v", err)
	}
	defer sweeper.Stop()

	server, err := api.NewServer(cfg.Server.Port, svc, redisStorage, redisStorage, archive, sdClient, logger)
	if err != nil {
		logger.Fatalf("fail to create server, err: %v", err)
	}
	e := server.Routes()
	go func() {
		logger.Infof("Starting server on port %d", cfg.Server.Port)
		if err := e.Start(fmt.Sprintf(":%d", cfg.Server.Port)); err != nil {
			logger.Infof("server stopped: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	if err := e.Shutdown(context.Background()); err != nil {
		logger.Errorf("fail to shutdown server, err: %v", err)
	}
}

func buildServices(cfg *config.Config,
	db storage.DatabaseStorage,
	gateway ledger.Gateway,
	sealer *crypto.Sealer,
	queue *service.TaskQueue,
	archiver service.Archiver,
	logger *logrus.Logger) (api.Services, error) {
	workflow, err := service.NewWorkflow(db, gateway, sealer, queue, queue, logger)
	if err != nil {
		return api.Services{}, err
	}
	wallets, err := service.NewWalletService(db, gateway, queue, logger)
	if err != nil {
		return api.Services{}, err
	}
	registry, err := service.NewRegistry(db, gateway, queue, logger)
	if err != nil {
		return api.Services{}, err
	}
	submitter, err := service.NewSubmitter(db, gateway, queue, archiver, queue, service.SubmitterConfig{
		MaxRetries: cfg.Submission.MaxRetries,
		RetryDelay: cfg.Submission.RetryDelay,
	}, logger)
	if err != nil {
		return api.Services{}, err
	}
	collector, err := service.NewCollector(db, gateway, submitter, queue, logger)
	if err != nil {
		return api.Services{}, err
	}
	return api.Services{
		Workflow:  workflow,
		Wallets:   wallets,
		Registry:  registry,
		Collector: collector,
		Submitter: submitter,
	}, nil
}
