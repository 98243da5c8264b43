// Package store は通知リクエストをSQLiteまたはMySQLに永続化する。
//
// request_idの一意制約を同時投入の最終的な調停役とし、
// 状態の更新は条件付きUPDATEで前進する遷移だけを適用する。
// スキーマはmigrations配下のSQLを埋め込み、起動時に適用する。
package store
