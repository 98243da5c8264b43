// Package middleware は通知ゲートウェイのGin HTTP APIで使用する共通ミドルウェアを提供する。
//
// 内部API向けサービストークンの検証、リクエストIDの伝播、構造化アクセスログ、
// パニックリカバリ、CORS設定、プロセス全体のスロットリングを含む。
package middleware
