// Package config は環境変数と.envファイルから通知ゲートウェイの設定を読み込む。
package config
