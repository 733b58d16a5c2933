package main

import (
	"context"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/multisigner/config"
	"github.com/vultisig/multisigner/internal/crypto"
	"github.com/vultisig/multisigner/internal/tasks"
	"github.com/vultisig/multisigner/ledger"
	"github.com/vultisig/multisigner/notify"
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

	db, err := postgres.NewPostgresBackend(context.Background(), cfg.Database.DSN)
	if err != nil {
		logger.Fatalf("fail to connect to database, err: %v", err)
	}
	defer db.Close()

	redisStorage, err := storage.NewRedisStorage(cfg.Redis)
	if err != nil {
		logger.Fatalf("fail to connect to redis, err: %v", err)
	}
	defer redisStorage.Close()

	redisOptions := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr(),
		Username: cfg.Redis.User,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	client := asynq.NewClient(redisOptions)
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

	var archiver service.Archiver
	if cfg.BlockStorage.Bucket != "" {
		blockStorage, err := storage.NewBlockStorage(cfg.BlockStorage, logger)
		if err != nil {
			logger.Fatalf("fail to create block storage, err: %v", err)
		}
		archiver = blockStorage
	}

	workflow, err := service.NewWorkflow(db, gateway, sealer, queue, queue, logger)
	if err != nil {
		logger.Fatalf("fail to create workflow, err: %v", err)
	}
	submitter, err := service.NewSubmitter(db, gateway, queue, archiver, queue, service.SubmitterConfig{
		MaxRetries: cfg.Submission.MaxRetries,
		RetryDelay: cfg.Submission.RetryDelay,
	}, logger)
	if err != nil {
		logger.Fatalf("fail to create submitter, err: %v", err)
	}
	dispatcher := notify.NewDispatcher(db, redisStorage, logger)

	workerService, err := service.NewWorker(workflow, submitter, dispatcher, sdClient, logger)
	if err != nil {
		logger.Fatalf("fail to create worker service, err: %v", err)
	}

	srv := asynq.NewServer(
		redisOptions,
		asynq.Config{
			Logger:      logger,
			Concurrency: 10,
			Queues: map[string]int{
				tasks.QUEUE_NAME:              10,
				tasks.NOTIFICATION_QUEUE_NAME: 5,
			},
		},
	)

	logger.WithFields(logrus.Fields{
		"redis": cfg.Redis.Addr(),
	}).Info("Starting worker")

	// mux maps a type to a handler
	mux := asynq.NewServeMux()
	workerService.Register(mux)

	if err := srv.Run(mux); err != nil {
		logger.Fatalf("could not run server: %v", err)
	}
}
