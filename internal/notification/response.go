package notification

import (
	"fmt"
	"time"
)

// 応答メッセージ。呼び出し元はこれらの文言で状態を表示するため変更しない。
const (
	msgQueued           = "Notification queued"
	msgRequeued         = "Notification re-queued"
	msgStillQueued      = "Notification is queued"
	msgProcessing       = "Notification is being processed"
	msgDelivered        = "Notification delivered successfully"
	msgAlreadyProcessed = "Notification already processed"
	msgStatusRetrieved  = "Status retrieved successfully"

	noteAlreadyProcessed = "This request was already processed. Returning existing result."
)

// Response は全APIで共通の応答エンベロープ。
// 冪等キャッシュにはこの構造のままJSONで保存される。
type Response struct {
	Success bool          `json:"success"`
	Message string        `json:"message"`
	Error   *string       `json:"error"`
	Data    *ResponseData `json:"data"`
	Meta    *ResponseMeta `json:"meta,omitempty"`
}

// ResponseData は応答の主データ。
type ResponseData struct {
	RequestID string  `json:"request_id"`
	Status    Status  `json:"status"`
	UserID    string  `json:"user_id,omitempty"`
	Channel   Channel `json:"channel,omitempty"`
}

// ResponseMeta は応答の付帯情報。用途ごとに必要な項目だけが設定される。
type ResponseMeta struct {
	UserContact  *UserContact   `json:"user_contact,omitempty"`
	Template     *TemplateMeta  `json:"template,omitempty"`
	Note         string         `json:"note,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	RateLimit    *RateLimitMeta `json:"rate_limit,omitempty"`
	RequestedAt  *time.Time     `json:"requested_at,omitempty"`
	LastUpdated  *time.Time     `json:"last_updated,omitempty"`
	Applied      *bool          `json:"applied,omitempty"`
}

// UserContact は配信先の連絡先。
type UserContact struct {
	Email     string `json:"email,omitempty"`
	PushToken string `json:"push_token,omitempty"`
}

// TemplateMeta は投入時に解決したテンプレートの情報。
type TemplateMeta struct {
	Code          string   `json:"code"`
	Language      string   `json:"language,omitempty"`
	Subject       string   `json:"subject,omitempty"`
	Body          string   `json:"body,omitempty"`
	BodyHTML      string   `json:"body_html,omitempty"`
	Placeholders  []string `json:"placeholders,omitempty"`
	VersionNumber int      `json:"version_number,omitempty"`
}

// RateLimitMeta は429応答に付与する制限の内容。
type RateLimitMeta struct {
	MaxRequests int64  `json:"max_requests"`
	TimeWindow  string `json:"time_window"`
}

// ErrorResponse は失敗応答を組み立てる。
func ErrorResponse(message, code string) *Response {
	return &Response{
		Success: false,
		Message: message,
		Error:   &code,
	}
}

// queuedResponse はキュー投入成功時の応答を組み立てる。
func queuedResponse(message, requestID string, user *User, tmpl *Template) *Response {
	return &Response{
		Success: true,
		Message: message,
		Data: &ResponseData{
			RequestID: requestID,
			Status:    StatusQueued,
		},
		Meta: &ResponseMeta{
			UserContact: &UserContact{Email: user.Email, PushToken: user.PushToken},
			Template: &TemplateMeta{
				Code:          tmpl.Code,
				Language:      tmpl.Language,
				Subject:       tmpl.Subject,
				Body:          tmpl.Body,
				BodyHTML:      tmpl.BodyHTML,
				Placeholders:  tmpl.Placeholders,
				VersionNumber: tmpl.Version,
			},
		},
	}
}

// storedResponse はストアの行から「処理済み」の応答を再構成する。
func storedResponse(row *Request) *Response {
	resp := &Response{
		Success: true,
		Message: msgAlreadyProcessed,
		Data: &ResponseData{
			RequestID: row.RequestID,
			Status:    row.Status,
		},
		Meta: &ResponseMeta{Note: noteAlreadyProcessed},
	}
	if row.Status == StatusFailed {
		resp.Meta.ErrorMessage = row.ErrorMessage
	}
	return resp
}

// withStatus はキャッシュ済みの応答を状態射影に合わせて書き換えた複製を返す。
// 元の応答は変更しない。
func withStatus(cached *Response, p *Projection) *Response {
	out := *cached
	if cached.Data != nil {
		data := *cached.Data
		out.Data = &data
	} else {
		out.Data = &ResponseData{}
	}
	if cached.Meta != nil {
		meta := *cached.Meta
		out.Meta = &meta
	}
	if p == nil {
		return &out
	}

	out.Data.Status = p.Status
	switch p.Status {
	case StatusQueued:
		out.Message = msgStillQueued
	case StatusProcessing:
		out.Message = msgProcessing
	case StatusDelivered:
		out.Message = msgDelivered
	case StatusFailed:
		out.Message = fmt.Sprintf("Notification failed: %s", p.ErrorMessage)
		if out.Meta == nil {
			out.Meta = &ResponseMeta{}
		}
		out.Meta.ErrorMessage = p.ErrorMessage
	}
	return &out
}

// statusResponse は状態照会APIの応答を組み立てる。
func statusResponse(requestID string, p *Projection) *Response {
	createdAt, updatedAt := p.CreatedAt, p.UpdatedAt
	resp := &Response{
		Success: true,
		Message: msgStatusRetrieved,
		Data: &ResponseData{
			RequestID: requestID,
			Status:    p.Status,
			UserID:    p.UserID,
			Channel:   p.Channel,
		},
		Meta: &ResponseMeta{
			RequestedAt: &createdAt,
			LastUpdated: &updatedAt,
		},
	}
	if p.Status == StatusFailed {
		resp.Meta.ErrorMessage = p.ErrorMessage
	}
	return resp
}
