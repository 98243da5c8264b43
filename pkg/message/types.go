package message

import (
	"time"
)

// Channel は配信チャネルを表す。キュー名の選択に使う。
type Channel string

const (
	// ChannelEmail はメール配信を表す。
	ChannelEmail Channel = "email"
	// ChannelPush はプッシュ通知配信を表す。
	ChannelPush Channel = "push"
)

// Message は配信キューに投入される1件の通知メッセージ。
// 下流の配信ワーカー（email/push）はこの形式をデコードして処理する。
type Message struct {
	// ID はメッセージの一意識別子（UUID）。再投入ごとに新しく採番される。
	ID string `json:"id"`
	// RequestID は呼び出し元が指定した冪等キー。
	RequestID string `json:"request_id"`
	// CorrelationID は配信結果を要求と突き合わせるための識別子。常にRequestIDと同じ値。
	CorrelationID string `json:"correlation_id"`
	// UserID は通知先ユーザーの識別子。
	UserID string `json:"user_id"`
	// Channel は配信チャネル。
	Channel Channel `json:"channel"`
	// TemplateCode は使用するテンプレートのコード。
	TemplateCode string `json:"template_code"`

	// Email はメール配信先アドレス。emailチャネルのみ。
	Email string `json:"email,omitempty"`
	// PushToken はプッシュ配信先デバイストークン。pushチャネルのみ。
	PushToken string `json:"push_token,omitempty"`

	// Subject はメールの件名。
	Subject string `json:"subject,omitempty"`
	// Title はプッシュ通知のタイトル。
	Title string `json:"title,omitempty"`
	// Body はテンプレート本文（未レンダリング）。
	Body string `json:"body,omitempty"`
	// BodyHTML はメールのHTML本文（未レンダリング）。
	BodyHTML string `json:"body_html,omitempty"`
	// Language はテンプレートの言語コード。
	Language string `json:"language,omitempty"`
	// Placeholders はテンプレートが要求するプレースホルダー名の一覧。
	Placeholders []string `json:"placeholders,omitempty"`
	// TemplateVersion は使用したテンプレートのバージョン番号。
	TemplateVersion int `json:"template_version,omitempty"`

	// Data は呼び出し元が渡したテンプレート変数。内容は解釈せずそのまま渡す。
	Data map[string]any `json:"data"`
	// Attempts は配信試行回数。投入時は常に0。
	Attempts int `json:"attempts"`
	// Timestamp はメッセージの生成時刻（UTC）。
	Timestamp time.Time `json:"timestamp"`
}

// Contact は配信先の連絡先情報。
type Contact struct {
	Email     string
	PushToken string
}

// Content はテンプレートから取り出した配信内容。
type Content struct {
	Subject      string
	Body         string
	BodyHTML     string
	Language     string
	Placeholders []string
	Version      int
}
