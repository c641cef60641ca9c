package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/lvdashuaibi/littleseckill/config"
	"github.com/lvdashuaibi/littleseckill/internal/api"
	intkafka "github.com/lvdashuaibi/littleseckill/internal/kafka"
	"github.com/lvdashuaibi/littleseckill/internal/ledger"
	"github.com/lvdashuaibi/littleseckill/internal/lock"
	"github.com/lvdashuaibi/littleseckill/internal/logger"
	"github.com/lvdashuaibi/littleseckill/internal/materializer"
	"github.com/lvdashuaibi/littleseckill/internal/metrics"
	"github.com/lvdashuaibi/littleseckill/internal/model"
	"github.com/lvdashuaibi/littleseckill/internal/queue"
	"github.com/lvdashuaibi/littleseckill/internal/repository"
	"github.com/lvdashuaibi/littleseckill/internal/sequence"
	"github.com/lvdashuaibi/littleseckill/internal/service"
	"github.com/lvdashuaibi/littleseckill/internal/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	configPath = flag.String("config", "config/config.yaml", "配置文件路径")
	instanceID = flag.Int("instance", 1, "实例ID，用于区分多个实例")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log).With().Int("instance", *instanceID).Logger()
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("littleseckill exited")
	}
	log.Info().Msg("littleseckill stopped")
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.InitTracerProvider(cfg.Tracing, logger.Component(log, "tracing"))
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	mysqlRepo, err := repository.NewMySQLRepository(ctx, cfg.MySQL, logger.Component(log, "mysql"))
	if err != nil {
		return err
	}
	defer mysqlRepo.Close()
	if err := mysqlRepo.Migrate(ctx); err != nil {
		return err
	}

	redisRepo, err := repository.NewRedisRepository(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer redisRepo.Close()

	guard, err := ledger.NewGuard(ctx, redisRepo)
	if err != nil {
		return err
	}
	ids := sequence.NewIDWorker(redisRepo.Client())

	distributedLock, err := newLock(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer distributedLock.Close()

	q, err := newQueue(ctx, cfg, redisRepo, log)
	if err != nil {
		return err
	}
	defer q.Close()

	g, gctx := errgroup.WithContext(ctx)

	sink, closeSink := newDeadLetterSink(gctx, cfg, log)
	defer closeSink()

	mat := materializer.New(q, distributedLock, mysqlRepo, sink, m,
		logger.Component(log, "materializer"), materializer.OptionsFromConfig(cfg.Seckill))
	svc := service.NewSeckillService(guard, ids, q, mysqlRepo, m,
		logger.Component(log, "seckill"), cfg.Seckill.SequenceNamespace)

	gin.SetMode(gin.ReleaseMode)
	port := cfg.Server.Port + *instanceID - 1
	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", port),
		Handler: api.NewRouter(api.RouterOptions{
			Service:     svc,
			Gatherer:    reg,
			GraphQLPath: cfg.GraphQL.Path,
			Log:         logger.Component(log, "http"),
		}),
	}

	g.Go(func() error {
		return mat.Run(gctx)
	})
	g.Go(func() error {
		log.Info().Int("port", port).Str("queue", cfg.Seckill.QueueVariant).Str("lock", cfg.Seckill.LockBackend).Msg("littleseckill started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newLock(ctx context.Context, cfg *config.Config, log zerolog.Logger) (lock.Lock, error) {
	l := logger.Component(log, "lock")
	switch cfg.Seckill.LockBackend {
	case config.LockBackendEtcd:
		return lock.NewEtcdLock(cfg.ETCD, l)
	default:
		return lock.NewRedisLock(ctx, cfg.Redis, l)
	}
}

func newQueue(ctx context.Context, cfg *config.Config, redisRepo *repository.RedisRepository, log zerolog.Logger) (queue.Queue, error) {
	sc := cfg.Seckill
	if sc.QueueVariant == config.QueueVariantMemory {
		return queue.NewMemoryQueue(sc.QueueCapacity, sc.BlockTimeout), nil
	}
	return queue.NewStreamQueue(ctx, redisRepo.Client(), queue.StreamOptions{
		Key:          sc.StreamKey,
		Group:        sc.ConsumerGroup,
		Consumer:     fmt.Sprintf("%s-%d", sc.ConsumerName, *instanceID),
		Block:        sc.BlockTimeout,
		ReclaimBatch: sc.ReclaimBatch,
	}, logger.Component(log, "queue"))
}

// newDeadLetterSink 配置了Kafka时死信写入Kafka并启动监控消费者，否则只记录日志
func newDeadLetterSink(ctx context.Context, cfg *config.Config, log zerolog.Logger) (materializer.DeadLetterSink, func()) {
	if len(cfg.Kafka.Brokers) == 0 {
		return materializer.NewLogSink(logger.Component(log, "dead_letter")), func() {}
	}

	producer := intkafka.NewDeadLetterProducer(cfg.Kafka)
	consumerLog := logger.Component(log, "dead_letter_monitor")
	consumer := intkafka.NewDeadLetterConsumer(cfg.Kafka, consumerLog)
	consumer.Start(ctx, func(ctx context.Context, dl *model.DeadLetter) error {
		consumerLog.Warn().
			Int64("order_id", dl.Record.OrderID).
			Int64("user_id", dl.Record.UserID).
			Int64("voucher_id", dl.Record.VoucherID).
			Int64("attempts", dl.Attempts).
			Str("reason", dl.Reason).
			Msg("dead-lettered admission needs manual reconciliation")
		return nil
	})

	return producer, func() {
		if err := consumer.Stop(); err != nil {
			log.Error().Err(err).Msg("stop dead letter consumer")
		}
		if err := producer.Close(); err != nil {
			log.Error().Err(err).Msg("close dead letter producer")
		}
	}
}
