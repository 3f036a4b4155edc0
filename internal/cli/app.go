package cli

import (
	"context"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/fedqueue/internal/blob"
	"github.com/ChuLiYu/fedqueue/internal/config"
	"github.com/ChuLiYu/fedqueue/internal/deadletter"
	"github.com/ChuLiYu/fedqueue/internal/delivery"
	"github.com/ChuLiYu/fedqueue/internal/dispatcher"
	"github.com/ChuLiYu/fedqueue/internal/keys"
	"github.com/ChuLiYu/fedqueue/internal/media"
	"github.com/ChuLiYu/fedqueue/internal/metrics"
	"github.com/ChuLiYu/fedqueue/internal/notify"
	"github.com/ChuLiYu/fedqueue/internal/queue"
	"github.com/ChuLiYu/fedqueue/internal/resolver"
	"github.com/ChuLiYu/fedqueue/internal/retry"
	"github.com/ChuLiYu/fedqueue/internal/scheduler"
	"github.com/ChuLiYu/fedqueue/internal/server"
	"github.com/ChuLiYu/fedqueue/internal/signature"
	"github.com/ChuLiYu/fedqueue/internal/snapshot"
)

// app 持有一次 run 的全部元件
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	metrics    *metrics.Collector
	keys       *keys.Store
	redis      *redis.Client
	resolver   *resolver.Resolver
	snapshots  *snapshot.Manager
	broker     queue.Broker
	dead       deadletter.Store
	sink       notify.Sink
	dispatcher *dispatcher.Dispatcher
	scheduler  *scheduler.Runner
}

// newApp 依設定建立所有元件；失敗時關閉已建立的部分
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			err = multierr.Append(err, a.close())
		}
	}()

	if cfg.Metrics.Enabled {
		a.metrics = metrics.NewCollector(nil)
	}

	a.keys = keys.NewStore()
	for _, k := range cfg.Keys {
		if err := a.keys.LoadFile(k.KeyID, k.PrivateKeyFile); err != nil {
			return nil, fmt.Errorf("load key %s: %w", k.KeyID, err)
		}
	}

	if cfg.UsesRedis() {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.Redis.Addr,
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
		})
	}

	a.resolver = resolver.New(resolver.Config{
		TTL:          cfg.Resolver.TTL,
		CacheSize:    cfg.Resolver.CacheSize,
		Timeout:      cfg.Resolver.Timeout,
		MaxBodyBytes: cfg.Resolver.MaxBodyBytes,
		UserAgent:    cfg.App.UserAgent,
	}, nil, a.signFetch(), logger, a.metrics)

	if cfg.Resolver.SnapshotPath != "" {
		a.snapshots = snapshot.NewManager(cfg.Resolver.SnapshotPath)
		if a.snapshots.Exists() {
			n, err := a.resolver.LoadSnapshot(a.snapshots)
			if err != nil {
				// 快照只是暖機用，壞掉就從空快取開始
				logger.Warn("ignoring resolver snapshot", zap.Error(err))
			} else {
				logger.Info("resolver cache warmed", zap.Int("documents", n))
			}
		}
	}

	store, err := a.blobStore(ctx)
	if err != nil {
		return nil, err
	}
	variants := make([]media.VariantSpec, 0, len(cfg.Media.Variants))
	for _, v := range cfg.Media.Variants {
		variants = append(variants, media.VariantSpec{Name: v.Name, MaxEdge: v.MaxEdge})
	}
	pipeline := media.New(media.Config{
		AllowedTypes: cfg.Media.AllowedTypes,
		MaxBytes:     cfg.Media.MaxBytes,
		MaxPixels:    cfg.Media.MaxPixels,
		FetchTimeout: cfg.Media.FetchTimeout,
		JPEGQuality:  cfg.Media.JPEGQuality,
		KeyPrefix:    cfg.Media.KeyPrefix,
		Variants:     variants,
	}, store, nil, logger, a.metrics)

	deliverer := delivery.New(delivery.Config{
		Timeout:          cfg.Delivery.Timeout,
		MaxResponseBytes: cfg.Delivery.MaxResponseBytes,
		StaleKeyMinAge:   cfg.Delivery.StaleKeyMinAge,
		UserAgent:        cfg.App.UserAgent,
	}, nil, a.resolver, a.keys, logger, a.metrics)

	if a.broker, err = a.newBroker(ctx); err != nil {
		return nil, err
	}
	if a.dead, err = a.deadLetters(ctx); err != nil {
		return nil, err
	}
	if cfg.Notify.Driver == "redis" {
		a.sink = notify.NewRedisSink(a.redis, cfg.Notify.Channel)
	} else {
		a.sink = notify.NewLogSink(logger)
	}

	handlers := &dispatcher.Handlers{
		Delivery:    deliverer,
		Media:       pipeline,
		Documents:   a.resolver,
		Broker:      a.broker,
		Sink:        a.sink,
		Logger:      logger,
		DigestLimit: cfg.Scheduler.DigestLimit,
	}
	a.dispatcher = dispatcher.New(dispatcher.Deps{
		Broker:  a.broker,
		Handler: handlers.Handle,
		Retry: retry.New(retry.Config{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
			Jitter:      cfg.Retry.Jitter,
		}, nil),
		DeadLetters: a.dead,
		Sink:        a.sink,
		Logger:      logger,
		Metrics:     a.metrics,
	}, dispatcher.Config{
		Workers:       cfg.Worker.WorkerCount,
		JobTimeout:    cfg.Worker.JobTimeout,
		ConsumeWait:   cfg.Worker.ConsumeWait,
		ShutdownGrace: cfg.Worker.ShutdownGrace,
	})

	if cfg.Scheduler.Enabled {
		a.scheduler = scheduler.New(a.dispatcher, logger, a.metrics)
		if len(cfg.Scheduler.Outboxes) > 0 {
			if err := a.scheduler.Add(scheduler.DigestOutboxes(cfg.Scheduler.DigestInterval, cfg.Scheduler.Outboxes, cfg.Scheduler.DigestLimit)); err != nil {
				return nil, err
			}
		}
		if err := a.scheduler.Add(scheduler.RefreshActors(cfg.Scheduler.RefreshInterval, a.resolver, cfg.Scheduler.RefreshMinAge, cfg.Scheduler.RefreshBatch)); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// signFetch 以服務金鑰簽署對外 GET；沒有設定時不簽
func (a *app) signFetch() resolver.SignFunc {
	keyID := a.cfg.App.ServiceKeyID
	if keyID == "" {
		return nil
	}
	return func(r *http.Request) error {
		key, err := a.keys.Get(keyID)
		if err != nil {
			return err
		}
		_, err = signature.Sign(r, nil, keyID, key)
		return err
	}
}

func (a *app) blobStore(ctx context.Context) (blob.Store, error) {
	if a.cfg.Blob.Driver != "minio" {
		return blob.NewMemoryStore(), nil
	}
	m := a.cfg.Blob.Minio
	return blob.NewMinioStore(ctx, blob.MinioConfig{
		Endpoint:  m.Endpoint,
		AccessKey: m.AccessKey,
		SecretKey: m.SecretKey,
		Bucket:    m.Bucket,
		Region:    m.Region,
		UseSSL:    m.UseSSL,
	})
}

func (a *app) newBroker(ctx context.Context) (queue.Broker, error) {
	q := a.cfg.Queue
	switch q.Driver {
	case "redis":
		return queue.NewRedisBroker(ctx, a.redis, queue.RedisConfig{
			Prefix:      q.Redis.Prefix,
			Visibility:  q.VisibilityTimeout,
			OrphanGrace: q.Redis.OrphanGrace,
		}, a.logger)
	case "lmstfy":
		return queue.NewLmstfyBroker(queue.LmstfyConfig{
			Host:       q.Lmstfy.Host,
			Port:       q.Lmstfy.Port,
			Namespace:  q.Lmstfy.Namespace,
			Token:      q.Lmstfy.Token,
			Queue:      q.Lmstfy.Queue,
			Tries:      q.Lmstfy.Tries,
			TTL:        q.Lmstfy.TTL,
			Visibility: q.VisibilityTimeout,
		}), nil
	default:
		return queue.NewMemoryBroker(q.VisibilityTimeout), nil
	}
}

func (a *app) deadLetters(ctx context.Context) (deadletter.Store, error) {
	if a.cfg.DeadLetter.Driver == "postgres" {
		return deadletter.NewPostgresStore(ctx, a.cfg.DeadLetter.PostgresDSN)
	}
	return deadletter.OpenJournal(a.cfg.DeadLetter.JournalPath)
}

// run 啟動所有元件並阻塞到 ctx 結束或任一 server 失敗
func (a *app) run(ctx context.Context) error {
	if err := a.dispatcher.Start(ctx); err != nil {
		return err
	}
	if a.scheduler != nil {
		if err := a.scheduler.Start(ctx); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	srv := a.cfg.Server
	if srv.GRPCAddr != "" {
		grpcServer := server.NewGRPCServer(a.dispatcher, a.logger)
		g.Go(func() error {
			a.logger.Info("gRPC server listening", zap.String("addr", srv.GRPCAddr))
			return server.ServeGRPC(gctx, grpcServer, srv.GRPCAddr)
		})
	}
	if srv.HTTPAddr != "" {
		verifier := signature.NewVerifier(a.resolver, a.cfg.Signature.ClockSkew)
		h := server.NewHTTP(server.HTTPConfig{MaxInboxBody: srv.MaxInboxBody}, a.dispatcher, verifier, a.sink, a.metrics, a.logger)
		g.Go(func() error {
			a.logger.Info("HTTP server listening", zap.String("addr", srv.HTTPAddr))
			return server.ServeHTTP(gctx, srv.HTTPAddr, h.Router())
		})
	}

	a.logger.Info("fedqueue started",
		zap.String("queue", a.cfg.Queue.Driver),
		zap.Int("workers", a.cfg.Worker.WorkerCount))

	<-gctx.Done()
	a.logger.Info("shutting down")
	return g.Wait()
}

// close 依相反順序停止並釋放元件
func (a *app) close() error {
	var err error
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.dispatcher != nil {
		a.dispatcher.Stop()
	}
	if a.snapshots != nil && a.resolver != nil {
		if n, serr := a.resolver.SaveSnapshot(a.snapshots); serr != nil {
			err = multierr.Append(err, fmt.Errorf("save resolver snapshot: %w", serr))
		} else {
			a.logger.Info("resolver snapshot saved", zap.Int("documents", n))
		}
	}
	if a.sink != nil {
		err = multierr.Append(err, a.sink.Close())
	}
	if a.dead != nil {
		err = multierr.Append(err, a.dead.Close())
	}
	if a.broker != nil {
		err = multierr.Append(err, a.broker.Close())
	}
	// RedisBroker 關閉時已一併關閉 client
	if _, owned := a.broker.(*queue.RedisBroker); a.redis != nil && !owned {
		err = multierr.Append(err, a.redis.Close())
	}
	return err
}
