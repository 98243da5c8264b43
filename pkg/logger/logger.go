// Package logger はゲートウェイ全体で使う構造化ロガー（logrus）を生成する。
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// New はJSON形式で標準出力に書き出すロガーを生成する。
// すべてのログに "service" フィールドが付与される。
func New(service, level string) *logrus.Entry {
	return NewWithWriter(service, level, os.Stdout)
}

// NewWithWriter は出力先を指定してロガーを生成する。
func NewWithWriter(service, level string, out io.Writer) *logrus.Entry {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	log.SetOutput(out)
	log.SetLevel(ParseLevel(level))

	return log.WithField("service", service)
}

// ParseLevel はLOG_LEVELの文字列をlogrusのレベルに変換する。
// 不明な値はinfoとして扱う。
func ParseLevel(level string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}
