// Package app は設定から各依存先のクライアントを生成し、通知ゲートウェイを組み立てる。
//
// sql.DB、redis.Client、AMQP接続、Prometheusレジストリ、ロガーはここで一度だけ作られ、
// 各コンポーネントへ注入される。
package app
