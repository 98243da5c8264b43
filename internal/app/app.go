package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/nao1215/notifygw/internal/cache"
	"github.com/nao1215/notifygw/internal/config"
	"github.com/nao1215/notifygw/internal/lookup"
	"github.com/nao1215/notifygw/internal/notification"
	"github.com/nao1215/notifygw/internal/queue"
	"github.com/nao1215/notifygw/internal/store"
	"github.com/nao1215/notifygw/pkg/httpclient"
	"github.com/nao1215/notifygw/pkg/metrics"
)

// Broker はキューへの投入口。疎通確認と終了処理も行える。
type Broker interface {
	notification.Publisher
	Ping(ctx context.Context) error
	Close() error
}

// Infra は外部の依存先に接続済みのクライアント群。
// Newが実際の接続から組み立て、テストでは差し替えたものをAssembleに渡す。
type Infra struct {
	Store     *store.Store
	Cache     *cache.Cache
	Broker    Broker
	Users     notification.UserLookup
	Templates notification.TemplateLookup
}

// App は通知ゲートウェイのプロセス全体。
type App struct {
	cfg     *config.Config
	infra   Infra
	service *notification.Service
	server  *notification.Server
	metrics *metrics.Metrics
	logger  logrus.FieldLogger
}

// New は設定に従って各依存先へ接続し、Appを組み立てる。
// ブローカーに接続できない場合は起動を続け、最初の投入時に再接続する。
func New(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (*App, error) {
	st, err := store.Open(ctx, store.Config{
		Driver:          cfg.DBDriver,
		DSN:             cfg.DBDSN,
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnLifetime,
	}, logger)
	if err != nil {
		return nil, err
	}

	c, err := cache.Open(ctx, cfg.RedisURL)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	broker := queue.NewPublisher(queue.Config{
		URL:        cfg.RabbitMQURL,
		EmailQueue: cfg.EmailQueue,
		PushQueue:  cfg.PushQueue,
	}, logger.WithField("component", "queue"))
	if err := broker.Connect(ctx); err != nil {
		logger.WithError(err).Warn("message broker unavailable at startup, will retry on publish")
	}

	infra := Infra{
		Store:     st,
		Cache:     c,
		Broker:    broker,
		Users:     lookup.NewUsers(httpclient.New(cfg.UserServiceURL, httpclient.WithTimeout(cfg.LookupTimeout))),
		Templates: lookup.NewTemplates(httpclient.New(cfg.TemplateServiceURL, httpclient.WithTimeout(cfg.LookupTimeout))),
	}
	return Assemble(cfg, infra, logger), nil
}

// Option はAssembleの設定を変更する関数。
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock は現在時刻の取得方法を差し替える。レート制限のバケットと再投入の猶予判定に使われる。
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Assemble は接続済みの依存先からサービスとHTTPサーバーを組み立てる。
func Assemble(cfg *config.Config, infra Infra, logger logrus.FieldLogger, opts ...Option) *App {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg, "gateway")

	svc := notification.NewService(notification.Deps{
		Store:     infra.Store,
		Cache:     infra.Cache,
		Counter:   infra.Cache,
		Publisher: infra.Broker,
		Users:     infra.Users,
		Templates: infra.Templates,
		Logger:    logger,
		Recorder:  m,
		Now:       o.now,
	}, notification.Options{
		RateLimit:           cfg.RateLimitMax,
		RateWindow:          cfg.RateLimitWindow,
		IdempotencyTTL:      cfg.IdempotencyTTL,
		StatusTTL:           cfg.StatusTTL,
		RedriveAfter:        cfg.RedriveAfter,
		StatusStoreFallback: cfg.StatusStoreFallback,
	})

	server := notification.NewServer(svc, notification.ServerConfig{
		Port:            cfg.Port,
		JWTSecret:       cfg.JWTSecret,
		AllowedOrigins:  cfg.AllowedOrigins,
		GlobalRPS:       cfg.GlobalRPS,
		GlobalBurst:     cfg.GlobalBurst,
		HealthTimeout:   cfg.HealthTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, healthChecks(infra), m, logger)

	return &App{
		cfg:     cfg,
		infra:   infra,
		service: svc,
		server:  server,
		metrics: m,
		logger:  logger,
	}
}

// healthChecks は/healthで確認する依存先の一覧を返す。
func healthChecks(infra Infra) []notification.HealthCheck {
	return []notification.HealthCheck{
		{Name: "database", Check: infra.Store.Ping},
		{Name: "redis", Check: infra.Cache.Ping},
		{Name: "rabbitmq", Check: infra.Broker.Ping},
	}
}

// Handler はHTTPハンドラーを返す。
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Run はHTTPサーバーと接続プール統計の記録を開始し、ctxがキャンセルされるまでブロックする。
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Go(func() {
		reportPoolStats(ctx, a.infra.Store.DB(), a.metrics, a.cfg.DBStatsInterval)
	})

	err := a.server.Run(ctx)
	cancel()
	wg.Wait()
	if err != nil {
		return fmt.Errorf("HTTPサーバーが異常終了: %w", err)
	}
	return nil
}

// Close は全ての依存先への接続を閉じる。
func (a *App) Close() error {
	var errs []error
	if a.infra.Broker != nil {
		errs = append(errs, a.infra.Broker.Close())
	}
	if a.infra.Cache != nil {
		errs = append(errs, a.infra.Cache.Close())
	}
	if a.infra.Store != nil {
		errs = append(errs, a.infra.Store.Close())
	}
	return errors.Join(errs...)
}
