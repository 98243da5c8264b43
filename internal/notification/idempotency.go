package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// OutcomeKind は冪等判定の結果の種類。
type OutcomeKind int

const (
	// OutcomeNew は未処理の新しいリクエスト。ディスパッチが必要。
	OutcomeNew OutcomeKind = iota
	// OutcomeRedrive はqueuedのまま猶予時間を過ぎたリクエスト。行を作らずに再投入する。
	OutcomeRedrive
	// OutcomeReport は処理済みのリクエスト。既存の結果を返すだけ。
	OutcomeReport
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeNew:
		return "new"
	case OutcomeRedrive:
		return "redrive"
	case OutcomeReport:
		return "report"
	}
	return "unknown"
}

// Outcome はResolveの判定結果。
type Outcome struct {
	Kind OutcomeKind
	// Response はReportの場合に返す応答。
	Response *Response
	// Request はRedriveの場合にストアから読み直した行。再投入する内容は常にこの行に従う。
	Request *Request
}

// Coordinator はrequest_idを新規・再投入・報告のいずれかに分類する。
// キャッシュを先に参照し、ミス時はストアで確認する。
type Coordinator struct {
	cache          Cache
	store          Store
	idempotencyTTL time.Duration
	redriveAfter   time.Duration
	statusTTL      time.Duration
	now            func() time.Time
	logger         logrus.FieldLogger
}

// Resolve はrequest_idの扱いを判定する。
// キャッシュの読み取り障害はミス扱いせずにエラーとして返す。
func (c *Coordinator) Resolve(ctx context.Context, requestID string, req *SendRequest) (Outcome, error) {
	if requestID == "" {
		return Outcome{}, invalid("request_id is required")
	}

	cached, found, err := c.cache.GetResponse(ctx, requestID)
	if err != nil {
		return Outcome{}, fmt.Errorf("冪等キャッシュの取得に失敗: %w", err)
	}
	if found {
		return c.fromCache(ctx, requestID, cached, req)
	}

	row, err := c.store.FindByRequestID(ctx, requestID)
	if errors.Is(err, ErrRequestNotFound) {
		return Outcome{Kind: OutcomeNew}, nil
	}
	if err != nil {
		return Outcome{}, err
	}
	c.warnOnMismatch(row, req)
	return Outcome{Kind: OutcomeReport, Response: c.report(ctx, row)}, nil
}

// fromCache はキャッシュ済み応答と状態射影から判定する。
// 再投入の候補になった場合だけストアの行を読み直し、queuedのままであることを確かめる。
func (c *Coordinator) fromCache(ctx context.Context, requestID string, cached *Response, req *SendRequest) (Outcome, error) {
	p, found, err := c.cache.GetStatus(ctx, requestID)
	if err != nil {
		return Outcome{}, fmt.Errorf("状態キャッシュの取得に失敗: %w", err)
	}
	if !found {
		return Outcome{Kind: OutcomeReport, Response: withStatus(cached, nil)}, nil
	}

	if p.Status == StatusQueued && c.redriveDue(p) {
		row, err := c.store.FindByRequestID(ctx, requestID)
		if err != nil {
			return Outcome{}, err
		}
		c.warnOnMismatch(row, req)
		if row.Status != StatusQueued {
			c.refreshStatus(ctx, row)
			return Outcome{Kind: OutcomeReport, Response: c.report(ctx, row)}, nil
		}
		return Outcome{Kind: OutcomeRedrive, Request: row}, nil
	}
	return Outcome{Kind: OutcomeReport, Response: withStatus(cached, p)}, nil
}

// redriveDue はqueuedの射影が再投入の猶予時間を過ぎているかどうかを返す。
func (c *Coordinator) redriveDue(p *Projection) bool {
	if c.redriveAfter <= 0 {
		return true
	}
	return c.now().Sub(p.enqueuedAt()) >= c.redriveAfter
}

// report はストアの行から応答を再構成し、冪等キャッシュに書き戻す。
// 書き戻しの失敗は応答に影響しないため警告ログに留める。
func (c *Coordinator) report(ctx context.Context, row *Request) *Response {
	resp := storedResponse(row)
	if err := c.cache.SetResponse(context.WithoutCancel(ctx), row.RequestID, resp, c.idempotencyTTL); err != nil {
		c.logger.WithError(err).WithField("request_id", row.RequestID).Warn("failed to repopulate idempotency cache")
	}
	return resp
}

// refreshStatus は古くなった状態キャッシュをストアの行で置き換える。
func (c *Coordinator) refreshStatus(ctx context.Context, row *Request) {
	if err := c.cache.SetStatus(context.WithoutCancel(ctx), row.RequestID, row.Projection(), c.statusTTL); err != nil {
		c.logger.WithError(err).WithField("request_id", row.RequestID).Warn("failed to refresh status projection")
	}
}

// warnOnMismatch は同じrequest_idで内容の異なるリクエストが来た場合に記録する。
// 判定自体は既存の行を優先する。
func (c *Coordinator) warnOnMismatch(row *Request, req *SendRequest) {
	if req == nil {
		return
	}
	if row.Channel != req.Channel || row.TemplateCode != req.TemplateCode || row.UserID != req.UserID {
		c.logger.WithFields(logrus.Fields{
			"request_id":        row.RequestID,
			"stored_user":       row.UserID,
			"incoming_user":     req.UserID,
			"stored_channel":    row.Channel,
			"incoming_channel":  req.Channel,
			"stored_template":   row.TemplateCode,
			"incoming_template": req.TemplateCode,
		}).Warn("request_id reused with a different payload")
	}
}
