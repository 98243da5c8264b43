package notification

import (
	"time"

	"github.com/nao1215/notifygw/pkg/message"
)

// Channel は通知の配信チャネルを表す。
type Channel string

const (
	// ChannelEmail はメール配信を表す。
	ChannelEmail Channel = "email"
	// ChannelPush はプッシュ通知配信を表す。
	ChannelPush Channel = "push"
)

// Valid はチャネルが既知の値かどうかを返す。
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelPush:
		return true
	}
	return false
}

// Status は通知リクエストの配信状態を表す。
// queued → processing → {delivered, failed} の順にのみ進む。
type Status string

const (
	// StatusQueued は配信キューに投入済みで、ワーカーが未着手の状態。
	StatusQueued Status = "queued"
	// StatusProcessing はワーカーが配信処理中の状態。
	StatusProcessing Status = "processing"
	// StatusDelivered は配信が完了した終端状態。
	StatusDelivered Status = "delivered"
	// StatusFailed は配信に失敗した終端状態。
	StatusFailed Status = "failed"
)

// Valid は状態が既知の値かどうかを返す。
func (s Status) Valid() bool {
	return s.rank() >= 0
}

// Terminal は終端状態かどうかを返す。
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

// CanTransitionTo はsからnextへの遷移が前進かどうかを返す。
// 同一状態への遷移、後退、終端状態同士の遷移はすべてfalse。
func (s Status) CanTransitionTo(next Status) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	return s.rank() < next.rank()
}

// Predecessors はsへ前進できる状態の一覧を返す。
// 条件付きUPDATEのWHERE句に使う。
func (s Status) Predecessors() []Status {
	var out []Status
	for _, p := range []Status{StatusQueued, StatusProcessing, StatusDelivered, StatusFailed} {
		if p.CanTransitionTo(s) {
			out = append(out, p)
		}
	}
	return out
}

func (s Status) rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusProcessing:
		return 1
	case StatusDelivered, StatusFailed:
		return 2
	}
	return -1
}

// Payload は呼び出し元が渡すテンプレート変数。内容は解釈しない。
type Payload map[string]any

// Request は永続化される通知リクエスト。ストアが正とする記録。
type Request struct {
	// ID は作成時に採番されるサロゲートキー（UUID v4）。
	ID string
	// RequestID は呼び出し元が指定する冪等キー。一意かつ不変。
	RequestID string
	// UserID は通知先ユーザーの識別子。
	UserID string
	// Channel は配信チャネル。不変。
	Channel Channel
	// TemplateCode はテンプレートのコード。不変。
	TemplateCode string
	// Payload はテンプレート変数。不変。
	Payload Payload
	// Status は現在の配信状態。
	Status Status
	// ErrorMessage はStatusがfailedの場合のみ設定される。
	ErrorMessage string
	// CreatedAt は作成日時。
	CreatedAt time.Time
	// UpdatedAt は状態またはエラーメッセージの最終更新日時。
	UpdatedAt time.Time
}

// sendRequest は保存済みの行から送信リクエストを復元する。
func (r *Request) sendRequest() SendRequest {
	return SendRequest{
		UserID:       r.UserID,
		Channel:      r.Channel,
		TemplateCode: r.TemplateCode,
		Data:         r.Payload,
	}
}

// Projection はリクエストから状態キャッシュ用の射影を作る。
func (r *Request) Projection() Projection {
	return Projection{
		Status:       r.Status,
		UserID:       r.UserID,
		Channel:      r.Channel,
		ErrorMessage: r.ErrorMessage,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

// Projection は "status:<request_id>" にキャッシュされる軽量な状態ビュー。
type Projection struct {
	Status       Status    `json:"status"`
	UserID       string    `json:"user_id"`
	Channel      Channel   `json:"channel"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	// LastEnqueuedAt は最後にキューへ投入した時刻。再投入の猶予判定に使う。
	LastEnqueuedAt time.Time `json:"last_enqueued_at,omitzero"`
}

// enqueuedAt は再投入の猶予判定の基準時刻を返す。
func (p *Projection) enqueuedAt() time.Time {
	if !p.LastEnqueuedAt.IsZero() {
		return p.LastEnqueuedAt
	}
	return p.UpdatedAt
}

// SendRequest は送信APIのリクエストボディ。
// user_idが空の場合はレート制限を受けないが、ユーザー解決で失敗する。
type SendRequest struct {
	UserID       string  `json:"user_id"`
	Channel      Channel `json:"channel" validate:"required,notification_channel"`
	TemplateCode string  `json:"template_code" validate:"required,max=128"`
	Data         Payload `json:"data"`
}

// StatusUpdate は下流ワーカーからの状態更新リクエストのボディ。
type StatusUpdate struct {
	Status       Status `json:"status" validate:"required,notification_status"`
	ErrorMessage string `json:"error_message" validate:"max=2000"`
}

// User はユーザーサービスから取得した連絡先情報。
type User struct {
	ID        string
	Email     string
	PushToken string
}

// Template はテンプレートサービスから取得した最新版のテンプレート。
type Template struct {
	Code         string
	Name         string
	Language     string
	Subject      string
	Body         string
	BodyHTML     string
	Placeholders []string
	Version      int
}

// buildMessage はユーザーとテンプレートから配信キュー用のメッセージを組み立てる。
func buildMessage(requestID string, req SendRequest, user *User, tmpl *Template, now time.Time) *message.Message {
	return message.New(
		requestID,
		req.UserID,
		message.Channel(req.Channel),
		req.TemplateCode,
		message.Contact{Email: user.Email, PushToken: user.PushToken},
		message.Content{
			Subject:      tmpl.Subject,
			Body:         tmpl.Body,
			BodyHTML:     tmpl.BodyHTML,
			Language:     tmpl.Language,
			Placeholders: tmpl.Placeholders,
			Version:      tmpl.Version,
		},
		req.Data,
		now,
	)
}
