package notification

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	healthOK       = "ok"
	healthDegraded = "degraded"
	healthDown     = "down"
)

// componentHealth は依存先1つ分のヘルスチェック結果。
type componentHealth struct {
	Status         string `json:"status"`
	ResponseTimeMS int64  `json:"response_time_ms"`
	Error          string `json:"error,omitempty"`
}

// healthReport は/healthの応答。
type healthReport struct {
	Status        string                     `json:"status"`
	Service       string                     `json:"service"`
	Timestamp     time.Time                  `json:"timestamp"`
	UptimeSeconds int64                      `json:"uptime_seconds"`
	Services      map[string]componentHealth `json:"services"`
}

// checkHealth は全依存先を並行に確認する。1つでも失敗すればdegradedとする。
func (s *Server) checkHealth(ctx context.Context) healthReport {
	report := healthReport{
		Status:        healthOK,
		Service:       "notification-gateway",
		Timestamp:     time.Now().UTC(),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Services:      make(map[string]componentHealth, len(s.checks)),
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, hc := range s.checks {
		wg.Go(func() {
			cctx, cancel := context.WithTimeout(ctx, s.cfg.HealthTimeout)
			defer cancel()

			start := time.Now()
			err := hc.Check(cctx)
			result := componentHealth{
				Status:         healthOK,
				ResponseTimeMS: time.Since(start).Milliseconds(),
			}
			if err != nil {
				result.Status = healthDown
				result.Error = err.Error()
			}

			mu.Lock()
			defer mu.Unlock()
			report.Services[hc.Name] = result
			if err != nil {
				report.Status = healthDegraded
			}
		})
	}
	wg.Wait()
	return report
}

// handleHealth はヘルスチェックのハンドラ。degradedの場合は503を返す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		report := s.checkHealth(c.Request.Context())
		code := http.StatusOK
		if report.Status != healthOK {
			code = http.StatusServiceUnavailable
			s.logger.WithField("services", report.Services).Warn("health check degraded")
		}
		c.JSON(code, report)
	}
}
