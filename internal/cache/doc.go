// Package cache はRedis上の冪等応答キャッシュ、状態射影キャッシュ、レート制限カウンタを提供する。
//
// キャッシュは正ではない。キーが無い場合はfound=falseを返し、
// 接続障害はミスとして扱わずにエラーを返す。
package cache
