package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Dispatcher は新しい通知リクエストを解決・永続化し、配信キューへ投入する。
type Dispatcher struct {
	store          Store
	cache          Cache
	publisher      Publisher
	users          UserLookup
	templates      TemplateLookup
	coordinator    *Coordinator
	statusTTL      time.Duration
	idempotencyTTL time.Duration
	now            func() time.Time
	logger         logrus.FieldLogger
	recorder       Recorder
}

// Dispatch はユーザーとテンプレートを解決し、行を作成してからキューに投入する。
// 同じrequest_idの行が同時に作成された場合はエラーにせず、既存の結果を返す。
// 行の作成以降の書き込みは呼び出し元のキャンセルの影響を受けない。
func (d *Dispatcher) Dispatch(ctx context.Context, requestID string, req SendRequest) (*Response, error) {
	if !req.Channel.Valid() {
		return nil, invalid("unsupported channel %q", req.Channel)
	}

	user, tmpl, err := d.resolve(ctx, req)
	if err != nil {
		return nil, err
	}

	now := d.now().UTC()
	row := &Request{
		ID:           uuid.New().String(),
		RequestID:    requestID,
		UserID:       req.UserID,
		Channel:      req.Channel,
		TemplateCode: req.TemplateCode,
		Payload:      req.Data,
		Status:       StatusQueued,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	wctx := context.WithoutCancel(ctx)
	log := d.logger.WithFields(logrus.Fields{"request_id": requestID, "channel": req.Channel})

	if err := d.store.Insert(wctx, row); err != nil {
		if !errors.Is(err, ErrDuplicateRequest) {
			return nil, fmt.Errorf("通知リクエストの保存に失敗: %w", err)
		}
		log.Info("concurrent submission won the insert, reporting existing request")
		existing, err := d.store.FindByRequestID(wctx, requestID)
		if err != nil {
			return nil, fmt.Errorf("既存の通知リクエストの取得に失敗: %w", err)
		}
		return d.coordinator.report(wctx, existing), nil
	}

	p := row.Projection()
	p.LastEnqueuedAt = now
	if err := d.cache.SetStatus(wctx, requestID, p, d.statusTTL); err != nil {
		log.WithError(err).Warn("failed to cache status projection")
	}

	if err := d.publish(wctx, requestID, req, user, tmpl, now); err != nil {
		return nil, err
	}

	resp := queuedResponse(msgQueued, requestID, user, tmpl)
	if err := d.cache.SetResponse(wctx, requestID, resp, d.idempotencyTTL); err != nil {
		log.WithError(err).Warn("failed to cache idempotent response")
	}
	log.Info("notification queued")
	return resp, nil
}

// Redrive はqueuedのまま残っている行を、新しい行を作らずに再投入する。
// チャネル・テンプレート・ペイロードは行の内容に従い、ユーザーとテンプレートだけを改めて解決する。
func (d *Dispatcher) Redrive(ctx context.Context, row *Request) (*Response, error) {
	if row.Status != StatusQueued {
		return nil, fmt.Errorf("%w: request %s is %s", ErrNotRedrivable, row.RequestID, row.Status)
	}
	requestID := row.RequestID
	req := row.sendRequest()
	if !req.Channel.Valid() {
		return nil, invalid("unsupported channel %q", req.Channel)
	}

	user, tmpl, err := d.resolve(ctx, req)
	if err != nil {
		return nil, err
	}

	log := d.logger.WithFields(logrus.Fields{"request_id": requestID, "channel": req.Channel})
	now := d.now().UTC()
	wctx := context.WithoutCancel(ctx)
	if err := d.publish(wctx, requestID, req, user, tmpl, now); err != nil {
		return nil, err
	}

	p := row.Projection()
	p.LastEnqueuedAt = now
	if err := d.cache.SetStatus(wctx, requestID, p, d.statusTTL); err != nil {
		log.WithError(err).Warn("failed to refresh status projection")
	}
	resp := queuedResponse(msgRequeued, requestID, user, tmpl)
	if err := d.cache.SetResponse(wctx, requestID, resp, d.idempotencyTTL); err != nil {
		log.WithError(err).Warn("failed to refresh idempotent response")
	}
	log.Info("notification re-queued")
	return resp, nil
}

// resolve はユーザーとテンプレートを取得する。どちらかが無ければ永続化の前に中断する。
func (d *Dispatcher) resolve(ctx context.Context, req SendRequest) (*User, *Template, error) {
	if req.UserID == "" {
		return nil, nil, fmt.Errorf("%w: user_id is empty", ErrUserNotFound)
	}
	user, err := d.users.GetUser(ctx, req.UserID)
	if err != nil {
		return nil, nil, err
	}
	tmpl, err := d.templates.GetTemplate(ctx, req.TemplateCode)
	if err != nil {
		return nil, nil, err
	}
	return user, tmpl, nil
}

// publish はメッセージを組み立ててチャネルのキューへ投入する。内部で再試行はしない。
func (d *Dispatcher) publish(ctx context.Context, requestID string, req SendRequest, user *User, tmpl *Template, now time.Time) error {
	msg := buildMessage(requestID, req, user, tmpl, now)
	err := d.publisher.Publish(ctx, req.Channel, msg)
	d.recorder.ObservePublish(string(req.Channel), err)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublish, err)
	}
	return nil
}
