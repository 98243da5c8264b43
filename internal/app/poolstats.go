package app

import (
	"context"
	"database/sql"
	"time"

	"github.com/nao1215/notifygw/pkg/metrics"
)

// reportPoolStats はctxがキャンセルされるまで、intervalごとに接続プールの統計をメトリクスへ記録する。
func reportPoolStats(ctx context.Context, db *sql.DB, m *metrics.Metrics, interval time.Duration) {
	if db == nil || m == nil || interval <= 0 {
		return
	}

	record := func() {
		s := db.Stats()
		m.RecordDBPoolStats(s.OpenConnections, s.InUse, s.Idle, s.WaitCount, s.WaitDuration)
	}
	record()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			record()
		}
	}
}
