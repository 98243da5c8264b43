package lookup

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/nao1215/notifygw/internal/notification"
	"github.com/nao1215/notifygw/pkg/httpclient"
)

// envelope はユーザーサービス・テンプレートサービス共通のレスポンス形式。
type envelope[T any] struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    *T     `json:"data"`
}

// userData はユーザーサービスのdata部。
type userData struct {
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	PushToken string `json:"push_token"`
}

// templateData はテンプレートサービスのdata部。
type templateData struct {
	Code          string `json:"code"`
	Name          string `json:"name"`
	Language      string `json:"language"`
	LatestVersion *struct {
		VersionNumber int      `json:"version_number"`
		Subject       string   `json:"subject"`
		Body          string   `json:"body"`
		BodyHTML      string   `json:"body_html"`
		Placeholders  []string `json:"placeholders"`
	} `json:"latest_version"`
}

// Users はユーザーサービスから連絡先を取得する。
type Users struct {
	client *httpclient.Client
}

// NewUsers はUsersを生成する。
func NewUsers(client *httpclient.Client) *Users {
	return &Users{client: client}
}

// GetUser はユーザーの連絡先を取得する。404の場合はErrUserNotFoundを返す。
func (u *Users) GetUser(ctx context.Context, userID string) (*notification.User, error) {
	var resp envelope[userData]
	if err := u.client.GetJSON(ctx, "/api/v1/users/"+url.PathEscape(userID), &resp); err != nil {
		if httpclient.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", notification.ErrUserNotFound, userID)
		}
		return nil, fmt.Errorf("ユーザーサービスの呼び出しに失敗: %w", err)
	}
	if !resp.Success || resp.Data == nil {
		return nil, fmt.Errorf("%w: %s", notification.ErrUserNotFound, userID)
	}

	id := resp.Data.UserID
	if id == "" {
		id = userID
	}
	return &notification.User{
		ID:        id,
		Email:     resp.Data.Email,
		PushToken: resp.Data.PushToken,
	}, nil
}

// Templates はテンプレートサービスから最新版のテンプレートを取得する。
type Templates struct {
	client *httpclient.Client
}

// NewTemplates はTemplatesを生成する。
func NewTemplates(client *httpclient.Client) *Templates {
	return &Templates{client: client}
}

// errNoVersion は公開済みのバージョンが無いテンプレート。
var errNoVersion = errors.New("公開済みのバージョンがありません")

// GetTemplate はテンプレートの最新版を取得する。404またはバージョン無しの場合はErrTemplateNotFoundを返す。
func (t *Templates) GetTemplate(ctx context.Context, code string) (*notification.Template, error) {
	var resp envelope[templateData]
	if err := t.client.GetJSON(ctx, "/api/v1/templates/"+url.PathEscape(code), &resp); err != nil {
		if httpclient.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", notification.ErrTemplateNotFound, code)
		}
		return nil, fmt.Errorf("テンプレートサービスの呼び出しに失敗: %w", err)
	}
	if !resp.Success || resp.Data == nil {
		return nil, fmt.Errorf("%w: %s", notification.ErrTemplateNotFound, code)
	}
	latest := resp.Data.LatestVersion
	if latest == nil {
		return nil, fmt.Errorf("%w: %s: %w", notification.ErrTemplateNotFound, code, errNoVersion)
	}

	tmplCode := resp.Data.Code
	if tmplCode == "" {
		tmplCode = code
	}
	return &notification.Template{
		Code:         tmplCode,
		Name:         resp.Data.Name,
		Language:     resp.Data.Language,
		Subject:      latest.Subject,
		Body:         latest.Body,
		BodyHTML:     latest.BodyHTML,
		Placeholders: latest.Placeholders,
		Version:      latest.VersionNumber,
	}, nil
}
