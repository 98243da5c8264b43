package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/nao1215/notifygw/internal/notification"
	"github.com/nao1215/notifygw/pkg/migration"
)

// mysqlDuplicateEntry はMySQLの一意制約違反（ER_DUP_ENTRY）のエラー番号。
const mysqlDuplicateEntry = 1062

const selectColumns = `id, request_id, user_id, channel, template_code, payload, status, error_message, created_at, updated_at`

// Store はnotification_requestsテーブルを扱う通知リクエストの永続ストア。
// SQLiteとMySQLで同じクエリを使う。
type Store struct {
	db      *sql.DB
	dialect migration.Dialect
	now     func() time.Time
}

// New は接続済みのデータベースからStoreを生成する。マイグレーションは行わない。
func New(db *sql.DB, dialect migration.Dialect) *Store {
	return &Store{
		db:      db,
		dialect: dialect,
		now:     time.Now,
	}
}

// DB は接続プールを返す。プール統計の収集に使う。
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect はSQL方言を返す。
func (s *Store) Dialect() migration.Dialect {
	return s.dialect
}

// Ping はデータベースへの疎通を確認する。
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close は接続プールを閉じる。
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert は新しい通知リクエストを作成する。
// request_idの一意制約に違反した場合はErrDuplicateRequestをラップして返す。
func (s *Store) Insert(ctx context.Context, req *notification.Request) error {
	payload, err := encodePayload(req.Payload)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notification_requests
			(id, request_id, user_id, channel, template_code, payload, status, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID,
		req.RequestID,
		req.UserID,
		string(req.Channel),
		req.TemplateCode,
		payload,
		string(req.Status),
		req.ErrorMessage,
		req.CreatedAt.UTC(),
		req.UpdatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", notification.ErrDuplicateRequest, req.RequestID)
		}
		return fmt.Errorf("通知リクエストの挿入に失敗: %w", err)
	}
	return nil
}

// FindByRequestID はrequest_idで通知リクエストを取得する。
func (s *Store) FindByRequestID(ctx context.Context, requestID string) (*notification.Request, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM notification_requests WHERE request_id = ?`, requestID)

	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", notification.ErrRequestNotFound, requestID)
	}
	if err != nil {
		return nil, fmt.Errorf("通知リクエストの取得に失敗: %w", err)
	}
	return req, nil
}

// UpdateStatus は現在の状態がstatusの前段にある場合のみ更新する。
// 比較と更新を1つのUPDATE文で行うため、並行する更新でも状態は後退しない。
// 更新されなかった場合は行を読み直し、存在しなければErrRequestNotFoundを返す。
func (s *Store) UpdateStatus(ctx context.Context, requestID string, status notification.Status, errorMessage string) (*notification.Request, bool, error) {
	applied := false
	if preds := status.Predecessors(); len(preds) > 0 {
		args := []any{string(status), errorMessage, s.now().UTC(), requestID}
		for _, p := range preds {
			args = append(args, string(p))
		}
		res, err := s.db.ExecContext(ctx, `
			UPDATE notification_requests
			SET status = ?, error_message = ?, updated_at = ?
			WHERE request_id = ? AND status IN (`+placeholders(len(preds))+`)`,
			args...,
		)
		if err != nil {
			return nil, false, fmt.Errorf("状態の更新に失敗: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, false, fmt.Errorf("更新件数の取得に失敗: %w", err)
		}
		applied = n > 0
	}

	req, err := s.FindByRequestID(ctx, requestID)
	if err != nil {
		return nil, false, err
	}
	return req, applied, nil
}

// ListByUserID はユーザーの通知リクエストを新しい順に最大limit件返す。
func (s *Store) ListByUserID(ctx context.Context, userID string, limit int) ([]*notification.Request, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM notification_requests
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("通知リクエスト一覧の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*notification.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("通知リクエストの読み取りに失敗: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("通知リクエスト一覧の走査に失敗: %w", err)
	}
	return out, nil
}

// scanner は*sql.Rowと*sql.Rowsの共通部分。
type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(sc scanner) (*notification.Request, error) {
	var (
		req     notification.Request
		channel string
		status  string
		payload []byte
	)
	if err := sc.Scan(
		&req.ID,
		&req.RequestID,
		&req.UserID,
		&channel,
		&req.TemplateCode,
		&payload,
		&status,
		&req.ErrorMessage,
		&req.CreatedAt,
		&req.UpdatedAt,
	); err != nil {
		return nil, err
	}
	req.Channel = notification.Channel(channel)
	req.Status = notification.Status(status)
	req.CreatedAt = req.CreatedAt.UTC()
	req.UpdatedAt = req.UpdatedAt.UTC()

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req.Payload); err != nil {
			return nil, fmt.Errorf("payloadのデコードに失敗: %w", err)
		}
	}
	return &req, nil
}

// encodePayload はテンプレート変数をJSONにする。nilは空オブジェクトとして保存する。
func encodePayload(p notification.Payload) (string, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("payloadのエンコードに失敗: %w", err)
	}
	return string(b), nil
}

// isUniqueViolation はドライバのエラーが一意制約違反かどうかを判定する。
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == mysqlDuplicateEntry
	}
	return false
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
