package notification

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultIdempotencyTTL は冪等応答キャッシュの既定の保持期間。
	DefaultIdempotencyTTL = 24 * time.Hour
	// DefaultStatusTTL は状態射影キャッシュの既定の保持期間。
	DefaultStatusTTL = time.Hour
	// DefaultRedriveAfter はqueuedのリクエストを再投入するまでの既定の猶予時間。
	DefaultRedriveAfter = time.Minute
	// DefaultListLimit はユーザー別一覧の既定の最大件数。
	DefaultListLimit = 50
	// MaxListLimit はユーザー別一覧で指定できる最大件数。
	MaxListLimit = 200
)

// Deps はServiceが利用する外部コンポーネント。
type Deps struct {
	Store     Store
	Cache     Cache
	Counter   Counter
	Publisher Publisher
	Users     UserLookup
	Templates TemplateLookup
	Logger    logrus.FieldLogger
	// Recorder がnilの場合はメトリクスを記録しない。
	Recorder Recorder
	// Now がnilの場合はtime.Nowを使う。
	Now func() time.Time
}

// Options はServiceの動作設定。0の項目は既定値を使う。
type Options struct {
	RateLimit      int64
	RateWindow     time.Duration
	IdempotencyTTL time.Duration
	StatusTTL      time.Duration
	// RedriveAfter が負の場合は猶予なしで常に再投入する。
	RedriveAfter time.Duration
	// StatusStoreFallback がtrueの場合、状態キャッシュのミス時にストアを参照する。
	StatusStoreFallback bool
}

// Service は冪等な通知ディスパッチの入口。
// レート制限、冪等判定、ディスパッチ、状態照会をまとめる。
type Service struct {
	limiter     *RateLimiter
	coordinator *Coordinator
	dispatcher  *Dispatcher
	status      *StatusReader
	store       Store
	validator   *Validator
	recorder    Recorder
	now         func() time.Time
	logger      logrus.FieldLogger
}

// NewService はServiceを組み立てる。
func NewService(deps Deps, opts Options) *Service {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = logrus.New()
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = DefaultIdempotencyTTL
	}
	if opts.StatusTTL <= 0 {
		opts.StatusTTL = DefaultStatusTTL
	}
	switch {
	case opts.RedriveAfter == 0:
		opts.RedriveAfter = DefaultRedriveAfter
	case opts.RedriveAfter < 0:
		opts.RedriveAfter = 0
	}

	coordinator := &Coordinator{
		cache:          deps.Cache,
		store:          deps.Store,
		idempotencyTTL: opts.IdempotencyTTL,
		redriveAfter:   opts.RedriveAfter,
		statusTTL:      opts.StatusTTL,
		now:            now,
		logger:         logger,
	}
	return &Service{
		limiter:     NewRateLimiter(deps.Counter, opts.RateLimit, opts.RateWindow),
		coordinator: coordinator,
		dispatcher: &Dispatcher{
			store:          deps.Store,
			cache:          deps.Cache,
			publisher:      deps.Publisher,
			users:          deps.Users,
			templates:      deps.Templates,
			coordinator:    coordinator,
			statusTTL:      opts.StatusTTL,
			idempotencyTTL: opts.IdempotencyTTL,
			now:            now,
			logger:         logger,
			recorder:       recorder,
		},
		status: &StatusReader{
			cache:         deps.Cache,
			store:         deps.Store,
			statusTTL:     opts.StatusTTL,
			storeFallback: opts.StatusStoreFallback,
			logger:        logger,
			recorder:      recorder,
		},
		store:     deps.Store,
		validator: NewValidator(),
		recorder:  recorder,
		now:       now,
		logger:    logger,
	}
}

// Submit は送信リクエストを受け付ける。
// 入力検証、レート制限、冪等判定の順に進み、判定結果に応じて投入・再投入・報告を行う。
func (s *Service) Submit(ctx context.Context, requestID string, req SendRequest) (*Response, error) {
	if requestID == "" {
		return nil, invalid("request_id is required")
	}
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}

	count, allowed, err := s.limiter.Allow(ctx, req.UserID, s.now())
	if err != nil {
		return nil, err
	}
	if !allowed {
		s.recorder.ObserveRateLimited()
		return nil, &RateLimitError{Count: count, Limit: s.limiter.Limit(), Window: s.limiter.Window()}
	}

	outcome, err := s.coordinator.Resolve(ctx, requestID, &req)
	if err != nil {
		return nil, err
	}
	s.recorder.ObserveOutcome(outcome.Kind.String())

	switch outcome.Kind {
	case OutcomeNew:
		return s.dispatcher.Dispatch(ctx, requestID, req)
	case OutcomeRedrive:
		return s.dispatcher.Redrive(ctx, outcome.Request)
	default:
		return outcome.Response, nil
	}
}

// RedriveStored はストア上でqueuedのままのリクエストを手動で再投入する。
// 行の内容から送信リクエストを復元するため、呼び出し元はrequest_idだけを指定する。
func (s *Service) RedriveStored(ctx context.Context, requestID string) (*Response, error) {
	row, err := s.store.FindByRequestID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	resp, err := s.dispatcher.Redrive(ctx, row)
	if err == nil {
		s.recorder.ObserveOutcome("manual_redrive")
	}
	return resp, err
}

// GetStatus はrequest_idの状態射影を返す。
func (s *Service) GetStatus(ctx context.Context, requestID string) (*Projection, error) {
	return s.status.GetStatus(ctx, requestID)
}

// UpdateStatus は下流ワーカーからの状態更新を適用する。
func (s *Service) UpdateStatus(ctx context.Context, requestID string, update StatusUpdate) (*Request, bool, error) {
	if err := s.validator.Validate(update); err != nil {
		return nil, false, err
	}
	return s.status.UpdateStatus(ctx, requestID, update.Status, update.ErrorMessage)
}

// ListByUser はユーザーの通知リクエストを新しい順に返す。
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Request, error) {
	if userID == "" {
		return nil, invalid("user_id is required")
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	return s.store.ListByUserID(ctx, userID, limit)
}

// RateLimitMeta は429応答に載せる制限の内容を返す。
func (s *Service) RateLimitMeta() *RateLimitMeta {
	return &RateLimitMeta{
		MaxRequests: s.limiter.Limit(),
		TimeWindow:  windowLabel(s.limiter.Window()),
	}
}
