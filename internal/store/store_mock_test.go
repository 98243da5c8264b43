package store

import (
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/notifygw/internal/notification"
	"github.com/nao1215/notifygw/pkg/migration"
)

var requestColumns = []string{
	"id", "request_id", "user_id", "channel", "template_code", "payload",
	"status", "error_message", "created_at", "updated_at",
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, migration.DialectMySQL), mock
}

func TestStore_Insert_DriverErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		driverErr error
		wantDup   bool
	}{
		{name: "MySQLの1062は重複として扱う", driverErr: &mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'r1'"}, wantDup: true},
		{name: "MySQLのその他のエラーはそのまま返す", driverErr: &mysql.MySQLError{Number: 1213, Message: "Deadlock found"}},
		{name: "接続エラーはそのまま返す", driverErr: sql.ErrConnDone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s, mock := newMockStore(t)
			mock.ExpectExec(`INSERT INTO notification_requests`).
				WithArgs("id-r1", "r1", "u1", "email", "welcome", `{"count":3,"name":"Ada"}`, "queued", "", baseTime, baseTime).
				WillReturnError(tt.driverErr)

			err := s.Insert(t.Context(), newRequest("r1", "u1", baseTime))
			require.Error(t, err)
			assert.Equal(t, tt.wantDup, errors.Is(err, notification.ErrDuplicateRequest))
			assert.ErrorIs(t, err, tt.driverErr)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestStore_UpdateStatus_Query(t *testing.T) {
	t.Parallel()

	t.Run("前段の状態だけを条件にしたUPDATEを発行すること", func(t *testing.T) {
		t.Parallel()

		s, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE notification_requests\s+SET status = \?, error_message = \?, updated_at = \?\s+WHERE request_id = \? AND status IN \(\?, \?\)`).
			WithArgs("delivered", "", sqlmock.AnyArg(), "r1", "queued", "processing").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(`SELECT .+ FROM notification_requests WHERE request_id = \?`).
			WithArgs("r1").
			WillReturnRows(sqlmock.NewRows(requestColumns).
				AddRow("id-r1", "r1", "u1", "email", "welcome", []byte(`{}`), "delivered", "", baseTime, baseTime))

		got, applied, err := s.UpdateStatus(t.Context(), "r1", notification.StatusDelivered, "")
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, notification.StatusDelivered, got.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("queuedへの遷移はUPDATEを発行しないこと", func(t *testing.T) {
		t.Parallel()

		s, mock := newMockStore(t)
		mock.ExpectQuery(`SELECT .+ FROM notification_requests WHERE request_id = \?`).
			WithArgs("r1").
			WillReturnRows(sqlmock.NewRows(requestColumns).
				AddRow("id-r1", "r1", "u1", "push", "welcome", []byte(`{}`), "processing", "", baseTime, baseTime))

		got, applied, err := s.UpdateStatus(t.Context(), "r1", notification.StatusQueued, "")
		require.NoError(t, err)
		assert.False(t, applied)
		assert.Equal(t, notification.StatusProcessing, got.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("UPDATEの失敗はエラーを返すこと", func(t *testing.T) {
		t.Parallel()

		s, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE notification_requests`).WillReturnError(sql.ErrConnDone)

		_, _, err := s.UpdateStatus(t.Context(), "r1", notification.StatusProcessing, "")
		assert.ErrorIs(t, err, sql.ErrConnDone)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStore_ScanErrors(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT .+ FROM notification_requests WHERE request_id = \?`).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows(requestColumns).
			AddRow("id-r1", "r1", "u1", "email", "welcome", []byte(`not json`), "queued", "", baseTime, baseTime))

	_, err := s.FindByRequestID(t.Context(), "r1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, notification.ErrRequestNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ListByUserID_QueryError(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectQuery(`FROM notification_requests\s+WHERE user_id = \?`).
		WithArgs("u1", 10).
		WillReturnError(sql.ErrConnDone)

	_, err := s.ListByUserID(t.Context(), "u1", 10)
	assert.ErrorIs(t, err, sql.ErrConnDone)
	assert.NoError(t, mock.ExpectationsWereMet())
}
