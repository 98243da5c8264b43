package notification

import (
	"context"
	"time"

	"github.com/nao1215/notifygw/pkg/message"
)

// Store は通知リクエストの永続ストア。状態の正とする。
type Store interface {
	// Insert は新しい行を作成する。request_idが重複する場合はErrDuplicateRequestをラップして返す。
	Insert(ctx context.Context, req *Request) error
	// FindByRequestID はrequest_idで行を取得する。存在しない場合はErrRequestNotFound。
	FindByRequestID(ctx context.Context, requestID string) (*Request, error)
	// UpdateStatus は前進する遷移の場合のみ状態を更新し、更新後の行と適用有無を返す。
	// 後退・同一状態への遷移はエラーにせずapplied=falseを返す。
	UpdateStatus(ctx context.Context, requestID string, status Status, errorMessage string) (*Request, bool, error)
	// ListByUserID はユーザーの行を新しい順に最大limit件返す。
	ListByUserID(ctx context.Context, userID string, limit int) ([]*Request, error)
}

// Cache は冪等応答と状態射影の高速キャッシュ。正ではない。
// 取得系はキーが存在しない場合にfound=falseを返し、接続障害はエラーとして返す。
type Cache interface {
	GetResponse(ctx context.Context, requestID string) (*Response, bool, error)
	SetResponse(ctx context.Context, requestID string, resp *Response, ttl time.Duration) error
	GetStatus(ctx context.Context, requestID string) (*Projection, bool, error)
	SetStatus(ctx context.Context, requestID string, p Projection, ttl time.Duration) error
}

// Counter はレート制限用の原子的なカウンタ。
type Counter interface {
	// Incr はuserIDとbucketのカウンタを1増やし、増加後の値を返す。
	// 最初の増加時のみttlで期限を設定する。
	Incr(ctx context.Context, userID, bucket string, ttl time.Duration) (int64, error)
}

// Publisher はチャネル別の配信キューへメッセージを投入する。
type Publisher interface {
	Publish(ctx context.Context, channel Channel, msg *message.Message) error
}

// UserLookup はユーザーサービスから連絡先を取得する。
// 存在しない場合はErrUserNotFoundをラップして返す。
type UserLookup interface {
	GetUser(ctx context.Context, userID string) (*User, error)
}

// TemplateLookup はテンプレートサービスから最新版のテンプレートを取得する。
// 存在しない場合はErrTemplateNotFoundをラップして返す。
type TemplateLookup interface {
	GetTemplate(ctx context.Context, code string) (*Template, error)
}

// Recorder はドメインのメトリクスを記録する。
type Recorder interface {
	ObserveOutcome(outcome string)
	ObservePublish(channel string, err error)
	ObserveRateLimited()
	ObserveStatusUpdate(status string, applied bool)
}

// nopRecorder は何も記録しないRecorder。
type nopRecorder struct{}

func (nopRecorder) ObserveOutcome(string) {}
func (nopRecorder) ObservePublish(string, error) {}
func (nopRecorder) ObserveRateLimited() {}
func (nopRecorder) ObserveStatusUpdate(string, bool) {}
