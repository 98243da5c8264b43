package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/notifygw/internal/notification"
	"github.com/nao1215/notifygw/pkg/migration"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// newTestStore はマイグレーション済みのインメモリSQLiteのStoreを返す。
func newTestStore(t *testing.T) *Store {
	t.Helper()

	logger, _ := test.NewNullLogger()
	s, err := Open(t.Context(), Config{Driver: "sqlite", DSN: ":memory:"}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newRequest(requestID, userID string, createdAt time.Time) *notification.Request {
	return &notification.Request{
		ID:           "id-" + requestID,
		RequestID:    requestID,
		UserID:       userID,
		Channel:      notification.ChannelEmail,
		TemplateCode: "welcome",
		Payload:      notification.Payload{"name": "Ada", "count": float64(3)},
		Status:       notification.StatusQueued,
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	}
}

func TestStore_InsertAndFind(t *testing.T) {
	t.Parallel()

	t.Run("挿入した行をrequest_idで取得できること", func(t *testing.T) {
		t.Parallel()

		s := newTestStore(t)
		require.NoError(t, s.Insert(t.Context(), newRequest("r1", "u1", baseTime)))

		got, err := s.FindByRequestID(t.Context(), "r1")
		require.NoError(t, err)
		assert.Equal(t, "id-r1", got.ID)
		assert.Equal(t, "u1", got.UserID)
		assert.Equal(t, notification.ChannelEmail, got.Channel)
		assert.Equal(t, "welcome", got.TemplateCode)
		assert.Equal(t, notification.StatusQueued, got.Status)
		assert.Equal(t, notification.Payload{"name": "Ada", "count": float64(3)}, got.Payload)
		assert.Empty(t, got.ErrorMessage)
		assert.True(t, got.CreatedAt.Equal(baseTime), "created_at: %s", got.CreatedAt)
		assert.True(t, got.UpdatedAt.Equal(baseTime), "updated_at: %s", got.UpdatedAt)
	})

	t.Run("payloadがnilでも空オブジェクトとして保存されること", func(t *testing.T) {
		t.Parallel()

		s := newTestStore(t)
		req := newRequest("r1", "u1", baseTime)
		req.Payload = nil
		require.NoError(t, s.Insert(t.Context(), req))

		got, err := s.FindByRequestID(t.Context(), "r1")
		require.NoError(t, err)
		assert.Empty(t, got.Payload)
	})

	t.Run("同じrequest_idの挿入はErrDuplicateRequest", func(t *testing.T) {
		t.Parallel()

		s := newTestStore(t)
		require.NoError(t, s.Insert(t.Context(), newRequest("r1", "u1", baseTime)))

		dup := newRequest("r1", "u1", baseTime)
		dup.ID = "another-id"
		err := s.Insert(t.Context(), dup)
		assert.ErrorIs(t, err, notification.ErrDuplicateRequest)
	})

	t.Run("並行に挿入しても1件だけが成功すること", func(t *testing.T) {
		t.Parallel()

		s := newTestStore(t)
		var (
			wg         sync.WaitGroup
			mu         sync.Mutex
			ok, dupErr int
		)
		for i := range 10 {
			wg.Go(func() {
				req := newRequest("r1", "u1", baseTime)
				req.ID = fmt.Sprintf("id-%d", i)
				err := s.Insert(context.Background(), req)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					ok++
				case errors.Is(err, notification.ErrDuplicateRequest):
					dupErr++
				}
			})
		}
		wg.Wait()

		assert.Equal(t, 1, ok)
		assert.Equal(t, 9, dupErr)
	})

	t.Run("存在しないrequest_idはErrRequestNotFound", func(t *testing.T) {
		t.Parallel()

		s := newTestStore(t)
		_, err := s.FindByRequestID(t.Context(), "missing")
		assert.ErrorIs(t, err, notification.ErrRequestNotFound)
	})
}

func TestStore_UpdateStatus(t *testing.T) {
	t.Parallel()

	t.Run("前進する遷移は更新日時とともに適用されること", func(t *testing.T) {
		t.Parallel()

		s := newTestStore(t)
		s.now = func() time.Time { return baseTime.Add(time.Minute) }
		require.NoError(t, s.Insert(t.Context(), newRequest("r1", "u1", baseTime)))

		got, applied, err := s.UpdateStatus(t.Context(), "r1", notification.StatusProcessing, "")
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, notification.StatusProcessing, got.Status)
		assert.True(t, got.UpdatedAt.Equal(baseTime.Add(time.Minute)))
		assert.True(t, got.CreatedAt.Equal(baseTime))

		got, applied, err = s.UpdateStatus(t.Context(), "r1", notification.StatusFailed, "bounced")
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, notification.StatusFailed, got.Status)
		assert.Equal(t, "bounced", got.ErrorMessage)
	})

	t.Run("後退や終端状態からの遷移は適用されないこと", func(t *testing.T) {
		t.Parallel()

		s := newTestStore(t)
		require.NoError(t, s.Insert(t.Context(), newRequest("r1", "u1", baseTime)))
		_, _, err := s.UpdateStatus(t.Context(), "r1", notification.StatusDelivered, "")
		require.NoError(t, err)

		for _, next := range []notification.Status{
			notification.StatusQueued,
			notification.StatusProcessing,
			notification.StatusDelivered,
			notification.StatusFailed,
		} {
			got, applied, err := s.UpdateStatus(t.Context(), "r1", next, "late")
			require.NoError(t, err, next)
			assert.False(t, applied, next)
			assert.Equal(t, notification.StatusDelivered, got.Status, next)
			assert.Empty(t, got.ErrorMessage, next)
		}
	})

	t.Run("存在しないrequest_idはErrRequestNotFound", func(t *testing.T) {
		t.Parallel()

		s := newTestStore(t)
		_, _, err := s.UpdateStatus(t.Context(), "missing", notification.StatusProcessing, "")
		assert.ErrorIs(t, err, notification.ErrRequestNotFound)

		_, _, err = s.UpdateStatus(t.Context(), "missing", notification.StatusQueued, "")
		assert.ErrorIs(t, err, notification.ErrRequestNotFound)
	})
}

func TestStore_ListByUserID(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	for i := range 5 {
		require.NoError(t, s.Insert(t.Context(), newRequest(fmt.Sprintf("r%d", i), "u1", baseTime.Add(time.Duration(i)*time.Minute))))
	}
	require.NoError(t, s.Insert(t.Context(), newRequest("other", "u2", baseTime)))

	got, err := s.ListByUserID(t.Context(), "u1", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "r4", got[0].RequestID)
	assert.Equal(t, "r3", got[1].RequestID)
	assert.Equal(t, "r2", got[2].RequestID)

	got, err = s.ListByUserID(t.Context(), "nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMigrate_Idempotent(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	logger, _ := test.NewNullLogger()
	require.NoError(t, Migrate(t.Context(), s.DB(), migration.DialectSQLite, logger))

	var n int
	require.NoError(t, s.DB().QueryRowContext(t.Context(), "SELECT COUNT(*) FROM schema_migrations").Scan(&n))
	assert.Equal(t, 1, n)
	require.NoError(t, s.Ping(t.Context()))
}

func TestOpen_UnknownDriver(t *testing.T) {
	t.Parallel()

	logger, _ := test.NewNullLogger()
	_, err := Open(t.Context(), Config{Driver: "postgres", DSN: "x"}, logger)
	assert.Error(t, err)

	_, err = Open(t.Context(), Config{Driver: "mysql", DSN: "::not a dsn::"}, logger)
	assert.Error(t, err)
}
