package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/aq2208/zalo-notifier/configs"
	"github.com/aq2208/zalo-notifier/internal/adapter/cache"
	ophttp "github.com/aq2208/zalo-notifier/internal/adapter/http"
	"github.com/aq2208/zalo-notifier/internal/adapter/observ"
	"github.com/aq2208/zalo-notifier/internal/adapter/queue"
	"github.com/aq2208/zalo-notifier/internal/adapter/zalo"
	domain "github.com/aq2208/zalo-notifier/internal/entity"
	"github.com/aq2208/zalo-notifier/internal/usecase"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

func newConsumeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "consume",
		Short: "Consume tasks from RabbitMQ and notify users (default)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			log, closer, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer closeQuietly(closer)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return Consume(ctx, cfg, log)
		},
	}
}

// NewRegistry registers the built-in task handlers.
func NewRegistry(cfg configs.Config) *queue.Registry {
	reg := queue.NewRegistry()
	reg.Register(domain.ActionDownloadImage, usecase.NewDownloadReadyHandler(cfg.Notify.BaseURL, cfg.Dispatch.HandlerTimeout))
	reg.Register(domain.ActionSendOTP, usecase.NewOTPHandler(cfg.Notify.OTPTemplate, cfg.Dispatch.OTPTimeout))
	return reg
}

// Consume runs the consumer until ctx is cancelled or the broker stays
// unreachable. A nil return means a requested shutdown.
func Consume(ctx context.Context, cfg configs.Config, log *slog.Logger) error {
	log.Info("zalo-notifier: Starting up...", "queue", cfg.QueueName())

	// metrics
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observ.New(promReg)

	// redis (optional)
	var (
		rdb      *redis.Client
		zaloOpts []zalo.ClientOption
		dispOpts []queue.DispatcherOption
	)
	if cfg.Redis.Addr != "" {
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		c, err := cache.NewClient(pctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		cancel()
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		rdb = c
		defer rdb.Close()
		zaloOpts = append(zaloOpts, zalo.WithUIDCache(cache.NewRedisCache(rdb, cfg.Redis.TTL)))
		dispOpts = append(dispOpts, queue.WithIdempotency(cache.NewRedisIdempotencyStore(rdb, cfg.ClaimTTL(), cfg.Redis.TTL)))
		log.Info("duplicate guard enabled", "redis", cfg.Redis.Addr)
	}

	bot := zalo.NewClient(cfg.Zalo.GatewayURL, cfg.Zalo.Token, cfg.Zalo.Timeout, log, zaloOpts...)

	dispOpts = append(dispOpts,
		queue.WithHandlerTimeout(cfg.Dispatch.HandlerTimeout),
		queue.WithFallbackTimeout(cfg.Dispatch.FallbackTimeout),
		queue.WithRequeue(cfg.Dispatch.RequeueOnError),
		queue.WithMetrics(metrics),
	)
	dispatcher := queue.NewDispatcher(NewRegistry(cfg), bot, log, dispOpts...)

	mgr := queue.NewManager(cfg.BrokerURL(), log,
		queue.WithDialer(queue.AMQPDialer(cfg.Rabbit.Heartbeat, cfg.App.Name)),
		queue.WithRetry(cfg.Rabbit.ConnectRetries, cfg.Rabbit.ConnectDelay),
		queue.WithPrefetch(cfg.Rabbit.Prefetch),
		queue.WithCloseTimeout(cfg.Rabbit.CloseTimeout),
		queue.WithStateObserver(metrics),
	)

	// ops http
	var srv *http.Server
	if cfg.App.HTTPAddr != "" {
		srv = &http.Server{
			Addr:              cfg.App.HTTPAddr,
			Handler:           ophttp.NewRouter(mgr, promReg, log),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("ops http listening", "addr", cfg.App.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("ops http failed", "err", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	if err := mgr.Connect(ctx); err != nil {
		_ = mgr.Close()
		return err
	}
	if err := mgr.StartConsuming(subscription(cfg), dispatcher); err != nil {
		_ = mgr.Close()
		return fmt.Errorf("start consumer: %w", err)
	}

	if cfg.Zalo.Listen {
		lctx, cancelListen := context.WithCancel(ctx)
		defer cancelListen()
		listener := zalo.NewListener(bot, cfg.Zalo.Greeting, cfg.Zalo.PollInterval, log)
		go func() { _ = listener.Run(lctx) }()
	}

	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case <-mgr.Done():
	}

	if err := mgr.Close(); err != nil {
		log.Error("forced exit", "err", err)
		return fmt.Errorf("forced exit: %w", err)
	}
	if err := mgr.Err(); err != nil {
		return err
	}
	log.Info("zalo-notifier stopped")
	return nil
}
