package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"

	"github.com/nao1215/notifygw/pkg/migration"
)

//go:embed migrations/sqlite/*.sql migrations/mysql/*.sql
var migrations embed.FS

// Config はデータベース接続の設定。
type Config struct {
	// Driver は "sqlite" または "mysql"。
	Driver string
	// DSN は接続文字列。
	DSN string
	// MaxOpenConns は最大接続数。0以下の場合はドライバの既定値。
	MaxOpenConns int
	// MaxIdleConns は最大アイドル接続数。
	MaxIdleConns int
	// ConnMaxLifetime は接続の最大寿命。0の場合は無期限。
	ConnMaxLifetime time.Duration
}

// Open はデータベースに接続し、マイグレーションを適用したStoreを返す。
func Open(ctx context.Context, cfg Config, logger logrus.FieldLogger) (*Store, error) {
	dialect, db, err := open(cfg)
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	if err := Migrate(ctx, db, dialect, logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db, dialect), nil
}

// Migrate は方言に対応する埋め込みマイグレーションを適用する。
func Migrate(ctx context.Context, db *sql.DB, dialect migration.Dialect, logger logrus.FieldLogger) error {
	if err := migration.Run(ctx, db, dialect, migrations, "migrations/"+string(dialect), logger); err != nil {
		return fmt.Errorf("マイグレーションに失敗: %w", err)
	}
	return nil
}

// open はドライバ別に接続プールを作成する。
func open(cfg Config) (migration.Dialect, *sql.DB, error) {
	var (
		dialect migration.Dialect
		db      *sql.DB
	)
	switch cfg.Driver {
	case "", string(migration.DialectSQLite):
		dialect = migration.DialectSQLite
		d, err := sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return "", nil, fmt.Errorf("データベース接続に失敗: %w", err)
		}
		// インメモリDBは接続ごとに別のDBになるため1接続に固定する
		if isMemoryDSN(cfg.DSN) {
			cfg.MaxOpenConns = 1
		}
		db = d
	case string(migration.DialectMySQL):
		dialect = migration.DialectMySQL
		mc, err := mysql.ParseDSN(cfg.DSN)
		if err != nil {
			return "", nil, fmt.Errorf("MySQLのDSNが不正です: %w", err)
		}
		// DATETIME列をtime.Timeとして読み取る
		mc.ParseTime = true
		mc.Loc = time.UTC
		connector, err := mysql.NewConnector(mc)
		if err != nil {
			return "", nil, fmt.Errorf("MySQLコネクタの作成に失敗: %w", err)
		}
		db = sql.OpenDB(connector)
	default:
		return "", nil, fmt.Errorf("未対応のドライバです: %q", cfg.Driver)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return dialect, db, nil
}

func isMemoryDSN(dsn string) bool {
	return dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
}
