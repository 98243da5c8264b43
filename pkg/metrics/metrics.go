// Package metrics はゲートウェイのPrometheusメトリクスを定義する。
//
// HTTPリクエストの件数・所要時間・処理中件数に加え、
// 冪等判定の結果、キュー投入、レート制限、状態更新などのドメイン指標を持つ。
// コレクタはプロセスごとのレジストリに登録し、グローバル状態を持たない。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "notifygw"

// Metrics はゲートウェイが公開するコレクタの集合。
// nilレシーバーでも各記録メソッドは安全に呼べる。
type Metrics struct {
	RequestCounter   *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge
	Outcomes         *prometheus.CounterVec
	Publishes        *prometheus.CounterVec
	RateLimited      prometheus.Counter
	StatusUpdates    *prometheus.CounterVec
	DBConnPoolStats  *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New はレジストリにコレクタを登録してMetricsを生成する。
func New(reg *prometheus.Registry, subsystem string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestCounter: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		RequestsInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
		),
		Outcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "submissions_total",
				Help:      "Notification submissions by idempotency outcome",
			},
			[]string{"outcome"},
		),
		Publishes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "queue_publishes_total",
				Help:      "Queue publications by channel and result",
			},
			[]string{"channel", "result"},
		),
		RateLimited: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "rate_limited_total",
				Help:      "Submissions rejected by the per-user rate limiter",
			},
		),
		StatusUpdates: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "status_updates_total",
				Help:      "Status updates by target status and whether they were applied",
			},
			[]string{"status", "applied"},
		),
		DBConnPoolStats: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "db_connection_pool",
				Help:      "Database connection pool statistics",
			},
			[]string{"stat"},
		),
		gatherer: reg,
	}
}

// Handler は/metrics用のHTTPハンドラーを返す。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// GinMiddleware はHTTPリクエストの件数・所要時間・処理中件数を記録する。
// ルートラベルにはパスパラメータ展開前のテンプレートを使う。
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		m.RequestsInFlight.Inc()
		defer m.RequestsInFlight.Dec()

		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method
		m.RequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
		m.RequestCounter.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

// ObserveOutcome は冪等判定の結果（new/redrive/report）を記録する。
func (m *Metrics) ObserveOutcome(outcome string) {
	if m == nil {
		return
	}
	m.Outcomes.WithLabelValues(outcome).Inc()
}

// ObservePublish はキュー投入の成否を記録する。
func (m *Metrics) ObservePublish(channel string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Publishes.WithLabelValues(channel, result).Inc()
}

// ObserveRateLimited はレート制限による拒否を記録する。
func (m *Metrics) ObserveRateLimited() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

// ObserveStatusUpdate は状態更新の適用結果を記録する。
func (m *Metrics) ObserveStatusUpdate(status string, applied bool) {
	if m == nil {
		return
	}
	m.StatusUpdates.WithLabelValues(status, strconv.FormatBool(applied)).Inc()
}

// RecordDBPoolStats はデータベース接続プールの統計を記録する。
func (m *Metrics) RecordDBPoolStats(open, inUse, idle int, waitCount int64, waitDuration time.Duration) {
	if m == nil {
		return
	}
	m.DBConnPoolStats.WithLabelValues("open").Set(float64(open))
	m.DBConnPoolStats.WithLabelValues("in_use").Set(float64(inUse))
	m.DBConnPoolStats.WithLabelValues("idle").Set(float64(idle))
	m.DBConnPoolStats.WithLabelValues("wait_count").Set(float64(waitCount))
	m.DBConnPoolStats.WithLabelValues("wait_duration_ms").Set(float64(waitDuration.Milliseconds()))
}
