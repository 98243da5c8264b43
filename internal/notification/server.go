package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/nao1215/notifygw/pkg/httpclient"
	"github.com/nao1215/notifygw/pkg/metrics"
	"github.com/nao1215/notifygw/pkg/middleware"
)

// ServerConfig はHTTPサーバーの設定。
type ServerConfig struct {
	// Port はリッスンポート。
	Port string
	// JWTSecret は内部APIのサービストークン検証に使うシークレット。
	JWTSecret string
	// AllowedOrigins はCORSで許可するオリジン。
	AllowedOrigins []string
	// GlobalRPS はプロセス全体の受付レート。0以下で無制限。
	GlobalRPS float64
	// GlobalBurst はプロセス全体の受付バースト。
	GlobalBurst int
	// HealthTimeout は依存先ごとのヘルスチェックの上限時間。
	HealthTimeout time.Duration
	// ShutdownTimeout はグレースフルシャットダウンの上限時間。
	ShutdownTimeout time.Duration
}

// HealthCheck は依存先1つ分の疎通確認。
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Server は通知ゲートウェイのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// service は冪等ディスパッチのドメインサービス。
	service *Service
	// checks はヘルスチェック対象の依存先。
	checks []HealthCheck
	// metrics はPrometheusのコレクタ。nilの場合は/metricsを公開しない。
	metrics *metrics.Metrics
	// logger は構造化ロガー。
	logger logrus.FieldLogger
	// startedAt はプロセスの起動時刻。稼働時間の算出に使う。
	startedAt time.Time
	// cfg はサーバーの設定。
	cfg ServerConfig
}

// NewServer は新しい通知ゲートウェイサーバーを生成する。
func NewServer(svc *Service, cfg ServerConfig, checks []HealthCheck, m *metrics.Metrics, logger logrus.FieldLogger) *Server {
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 3 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger(logger))
	if m != nil {
		router.Use(m.GinMiddleware())
	}
	router.Use(middleware.CORS(cfg.AllowedOrigins))

	s := &Server{
		router:    router,
		port:      cfg.Port,
		service:   svc,
		checks:    checks,
		metrics:   m,
		logger:    logger,
		startedAt: time.Now(),
		cfg:       cfg,
	}
	s.setupRoutes()

	return s
}

// Handler はHTTPハンドラーを返す。テストやhttptestから使う。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるとグレースフルに停止する。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("port", s.port).Info("notification gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down notification gateway")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("サーバーの停止に失敗: %w", err)
	}
	return nil
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	api := s.router.Group("/api/v1")
	api.Use(middleware.Throttle(s.cfg.GlobalRPS, s.cfg.GlobalBurst))
	{
		notifications := api.Group("/notifications")
		{
			// 通知の送信（冪等）
			notifications.POST("/send", s.handleSend())
			// 配信状態の照会
			notifications.GET("/status", s.handleStatus())
			// ユーザー別の通知一覧
			notifications.GET("", s.handleList())
		}

		// 配信ワーカー向けの内部API
		internal := api.Group("/internal/notifications")
		internal.Use(middleware.ServiceAuth(s.cfg.JWTSecret))
		{
			internal.PATCH("/:request_id/status", s.handleUpdateStatus())
			internal.POST("/:request_id/redrive", s.handleRedrive())
		}
	}

	s.router.GET("/health", s.handleHealth())
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
}

// handleSend は通知の送信を受け付けるハンドラ。
// X-Request-IDヘッダーを冪等キーとして使う。
func (s *Server) handleSend() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(middleware.HeaderRequestID)
		if requestID == "" {
			c.JSON(http.StatusBadRequest, ErrorResponse("X-Request-ID header is required", "MISSING_REQUEST_ID"))
			return
		}

		var req SendRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse(fmt.Sprintf("Invalid request body: %v", err), "VALIDATION_ERROR"))
			return
		}

		ctx := httpclient.WithRequestID(c.Request.Context(), requestID)
		resp, err := s.service.Submit(ctx, requestID, req)
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// handleStatus はrequest_idクエリで配信状態を返すハンドラ。
func (s *Server) handleStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.Query("request_id")
		if requestID == "" {
			c.JSON(http.StatusBadRequest, ErrorResponse("request_id query parameter is required", "VALIDATION_ERROR"))
			return
		}

		p, err := s.service.GetStatus(c.Request.Context(), requestID)
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, statusResponse(requestID, p))
	}
}

// listItem はユーザー別一覧の1件分。
type listItem struct {
	RequestID    string    `json:"request_id"`
	Channel      Channel   `json:"channel"`
	TemplateCode string    `json:"template_code"`
	Status       Status    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// listResponse はユーザー別一覧の応答。
type listResponse struct {
	Success bool       `json:"success"`
	Message string     `json:"message"`
	Error   *string    `json:"error"`
	Data    []listItem `json:"data"`
	Meta    gin.H      `json:"meta"`
}

// handleList はユーザーの通知リクエストを新しい順に返すハンドラ。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Query("user_id")
		limit := 0
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, ErrorResponse("limit must be a positive integer", "VALIDATION_ERROR"))
				return
			}
			limit = n
		}

		rows, err := s.service.ListByUser(c.Request.Context(), userID, limit)
		if err != nil {
			s.writeError(c, err)
			return
		}

		items := make([]listItem, 0, len(rows))
		for _, r := range rows {
			items = append(items, listItem{
				RequestID:    r.RequestID,
				Channel:      r.Channel,
				TemplateCode: r.TemplateCode,
				Status:       r.Status,
				ErrorMessage: r.ErrorMessage,
				CreatedAt:    r.CreatedAt,
				UpdatedAt:    r.UpdatedAt,
			})
		}
		c.JSON(http.StatusOK, listResponse{
			Success: true,
			Message: "Notifications retrieved successfully",
			Data:    items,
			Meta:    gin.H{"user_id": userID, "count": len(items)},
		})
	}
}

// handleUpdateStatus は配信ワーカーからの状態更新を適用するハンドラ。
// 後退する遷移は200でmeta.applied=falseを返す。
func (s *Server) handleUpdateStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.Param("request_id")

		var update StatusUpdate
		if err := c.ShouldBindJSON(&update); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse(fmt.Sprintf("Invalid request body: %v", err), "VALIDATION_ERROR"))
			return
		}

		row, applied, err := s.service.UpdateStatus(c.Request.Context(), requestID, update)
		if err != nil {
			s.writeError(c, err)
			return
		}

		p := row.Projection()
		resp := statusResponse(requestID, &p)
		resp.Meta.Applied = &applied
		resp.Message = "Status updated"
		if !applied {
			resp.Message = fmt.Sprintf("Status transition from %s to %s ignored", row.Status, update.Status)
		}
		c.JSON(http.StatusOK, resp)
	}
}

// handleRedrive はqueuedのまま残った通知を手動で再投入するハンドラ。
func (s *Server) handleRedrive() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.Param("request_id")
		ctx := httpclient.WithRequestID(c.Request.Context(), requestID)

		resp, err := s.service.RedriveStored(ctx, requestID)
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// writeError はドメインのエラーをHTTPステータスと応答に変換する。
func (s *Server) writeError(c *gin.Context, err error) {
	_ = c.Error(err)

	var rl *RateLimitError
	var ve *ValidationError
	switch {
	case errors.As(err, &rl):
		resp := ErrorResponse("Rate limit exceeded. Try again later.", "TOO_MANY_REQUESTS")
		resp.Meta = &ResponseMeta{RateLimit: s.service.RateLimitMeta()}
		c.Header("Retry-After", strconv.Itoa(int(rl.Window.Seconds())))
		c.JSON(http.StatusTooManyRequests, resp)
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, ErrorResponse(ve.Detail, "VALIDATION_ERROR"))
	case errors.Is(err, ErrValidation):
		c.JSON(http.StatusBadRequest, ErrorResponse("Validation failed", "VALIDATION_ERROR"))
	case errors.Is(err, ErrUserNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse("User not found", "USER_NOT_FOUND"))
	case errors.Is(err, ErrTemplateNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse("Template not found", "TEMPLATE_NOT_FOUND"))
	case errors.Is(err, ErrStatusNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse("Status not found for this request id", "NOT_FOUND"))
	case errors.Is(err, ErrRequestNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse("Notification request not found", "NOT_FOUND"))
	case errors.Is(err, ErrNotRedrivable):
		c.JSON(http.StatusConflict, ErrorResponse("Only queued notifications can be re-driven", "NOT_REDRIVABLE"))
	case errors.Is(err, ErrPublish):
		s.logger.WithError(err).Error("failed to publish notification")
		c.JSON(http.StatusBadGateway, ErrorResponse("Failed to queue notification", "DELIVERY_ERROR"))
	default:
		s.logger.WithError(err).Error("unexpected error")
		c.JSON(http.StatusInternalServerError, ErrorResponse("Internal server error", "INTERNAL_ERROR"))
	}
}
