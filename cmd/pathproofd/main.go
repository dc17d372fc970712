package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"PathProof-Chain/internal/api"
	"PathProof-Chain/internal/config"
	"PathProof-Chain/internal/job"
	"PathProof-Chain/internal/ledger"
	"PathProof-Chain/internal/observability/alerting"
	"PathProof-Chain/internal/observability/metrics"
	"PathProof-Chain/internal/pathvalidator"
	"PathProof-Chain/internal/storage/sqldb"
	"PathProof-Chain/pkg/logger"
)

// main 是 pathproofd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("pathproofd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer logger.Sync()
	l := logger.L()

	book, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer book.Close()

	validator, err := pathvalidator.New(book, cfg.ValidatorConfig(),
		pathvalidator.WithObserver(metrics.ObserveValidation))
	if err != nil {
		return err
	}

	store, err := openJobStore(ctx, cfg)
	if err != nil {
		return err
	}
	queue, err := job.NewQueue(ctx, cfg.Queue.QueueConfig)
	if err != nil {
		_ = store.Close()
		return err
	}
	jobs := job.NewService(store, queue, cfg.JobStore.Retries)
	defer func() {
		if err := jobs.Close(); err != nil {
			l.Error("关闭任务服务失败", slog.Any("error", err))
		}
	}()

	processor := job.NewProcessor(validator, store, queue, queue,
		job.WithWorkerCount(cfg.Queue.Workers),
		job.WithAlertDispatcher(newAlertDispatcher(cfg.Alerting)),
	)
	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			l.Error("任务处理器异常退出", slog.Any("error", err))
		}
	}()

	if cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				l.Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	cfgValidator := validator.Config()
	l.Info("pathproofd 启动",
		slog.String("address", cfg.Server.Address),
		slog.String("ledger", cfg.Ledger.Driver),
		slog.String("job_store", cfg.JobStore.Driver),
		slog.String("queue", cfg.Queue.Driver),
		slog.String("treasury", cfgValidator.Treasury.Hex()),
		slog.Uint64("fee", cfgValidator.Fee),
		slog.Int("max_speed", int(cfgValidator.MaxSpeed)),
	)

	server := api.NewServer(cfg.Server.Address,
		api.WithValidator(validator),
		api.WithJobs(jobs),
		api.WithAccounts(book),
	)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// openLedger 打开账本并写入创世余额。
func openLedger(ctx context.Context, cfg *config.Config) (ledger.Ledger, error) {
	var book ledger.Ledger
	switch cfg.Ledger.Driver {
	case config.DriverMemory:
		book = ledger.NewMemoryLedger()
	default:
		db, err := sqldb.Open(ctx, cfg.Ledger.SQL())
		if err != nil {
			return nil, err
		}
		if err := sqldb.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
		book = ledger.NewSQLLedger(db)
	}
	for _, alloc := range cfg.Ledger.Genesis {
		if err := book.Seed(ctx, common.HexToAddress(alloc.Address), alloc.Balance); err != nil {
			_ = book.Close()
			return nil, fmt.Errorf("写入创世余额失败: %w", err)
		}
	}
	return book, nil
}

func openJobStore(ctx context.Context, cfg *config.Config) (job.Store, error) {
	if cfg.JobStore.Driver == config.DriverMemory {
		return job.NewMemoryStore(), nil
	}
	db, err := sqldb.Open(ctx, cfg.JobStore.SQL())
	if err != nil {
		return nil, err
	}
	if err := sqldb.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return job.NewSQLStore(db), nil
}

func newAlertDispatcher(cfg config.AlertingConfig) alerting.Dispatcher {
	var notifiers []alerting.Notifier
	if cfg.Log {
		notifiers = append(notifiers, &alerting.LogNotifier{})
	}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:    cfg.WebhookURL,
			Client: &http.Client{Timeout: cfg.Timeout},
		})
	}
	if len(notifiers) == 0 {
		return nil
	}
	return alerting.NewFanout(notifiers...)
}
