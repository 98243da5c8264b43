package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// New はチャネルに応じた連絡先と配信内容を詰めた新しいメッセージを生成する。
// emailチャネルにはメールアドレスと件名・HTML本文を、pushチャネルにはデバイストークンとタイトルを設定する。
func New(requestID, userID string, channel Channel, templateCode string, contact Contact, content Content, data map[string]any, now time.Time) *Message {
	if data == nil {
		data = map[string]any{}
	}
	m := &Message{
		ID:              uuid.New().String(),
		RequestID:       requestID,
		CorrelationID:   requestID,
		UserID:          userID,
		Channel:         channel,
		TemplateCode:    templateCode,
		Body:            content.Body,
		Language:        content.Language,
		Placeholders:    content.Placeholders,
		TemplateVersion: content.Version,
		Data:            data,
		Attempts:        0,
		Timestamp:       now.UTC(),
	}

	switch channel {
	case ChannelEmail:
		m.Email = contact.Email
		m.Subject = content.Subject
		m.BodyHTML = content.BodyHTML
	case ChannelPush:
		m.PushToken = contact.PushToken
		m.Title = content.Subject
	}
	return m
}

// Encode はメッセージをJSONにシリアライズする。
func (m *Message) Encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("メッセージのシリアライズに失敗: %w", err)
	}
	return b, nil
}

// Decode はJSONからメッセージをデシリアライズする。
// request_idとchannelが欠けている場合はエラーを返す。
func Decode(b []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("メッセージのデシリアライズに失敗: %w", err)
	}
	if m.RequestID == "" {
		return nil, errors.New("メッセージにrequest_idがありません")
	}
	if m.Channel != ChannelEmail && m.Channel != ChannelPush {
		return nil, fmt.Errorf("不明なチャネルです: %q", m.Channel)
	}
	return &m, nil
}
