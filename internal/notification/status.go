package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// StatusReader は通知の配信状態の照会と更新を扱う。
type StatusReader struct {
	cache         Cache
	store         Store
	statusTTL     time.Duration
	storeFallback bool
	logger        logrus.FieldLogger
	recorder      Recorder
}

// GetStatus は状態キャッシュから射影を返す。
// キャッシュにない場合、storeFallbackが有効ならストアから読み直してキャッシュし直す。
func (r *StatusReader) GetStatus(ctx context.Context, requestID string) (*Projection, error) {
	if requestID == "" {
		return nil, invalid("request_id is required")
	}

	p, found, err := r.cache.GetStatus(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("状態キャッシュの取得に失敗: %w", err)
	}
	if found {
		return p, nil
	}
	if !r.storeFallback {
		return nil, ErrStatusNotFound
	}

	row, err := r.store.FindByRequestID(ctx, requestID)
	if errors.Is(err, ErrRequestNotFound) {
		return nil, ErrStatusNotFound
	}
	if err != nil {
		return nil, err
	}

	fresh := row.Projection()
	if err := r.cache.SetStatus(context.WithoutCancel(ctx), requestID, fresh, r.statusTTL); err != nil {
		r.logger.WithError(err).WithField("request_id", requestID).Warn("failed to re-cache status projection")
	}
	return &fresh, nil
}

// UpdateStatus は状態を前進させ、状態キャッシュを更新する。
// 後退や同一状態への遷移はエラーにせず、記録だけしてapplied=falseを返す。
// failed以外への遷移ではerrorMessageを無視する。
func (r *StatusReader) UpdateStatus(ctx context.Context, requestID string, status Status, errorMessage string) (*Request, bool, error) {
	if !status.Valid() {
		return nil, false, invalid("unknown status %q", status)
	}
	if status != StatusFailed {
		errorMessage = ""
	}

	wctx := context.WithoutCancel(ctx)
	row, applied, err := r.store.UpdateStatus(wctx, requestID, status, errorMessage)
	if err != nil {
		return nil, false, err
	}
	r.recorder.ObserveStatusUpdate(string(status), applied)

	log := r.logger.WithFields(logrus.Fields{
		"request_id": requestID,
		"current":    row.Status,
		"requested":  status,
	})
	if !applied {
		log.Warn("ignored non-forward status transition")
		return row, false, nil
	}

	fresh := row.Projection()
	if prev, found, err := r.cache.GetStatus(wctx, requestID); err == nil && found {
		fresh.LastEnqueuedAt = prev.LastEnqueuedAt
	}
	if err := r.cache.SetStatus(wctx, requestID, fresh, r.statusTTL); err != nil {
		log.WithError(err).Warn("failed to refresh status projection")
	}
	log.Info("status updated")
	return row, true, nil
}
