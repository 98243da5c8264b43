// 通知ゲートウェイのエントリポイント。
// 通知の送信要求を冪等に受け付け、チャネル別の配信キューへ投入する。
// 配信ワーカーからの状態通知もここで受け取る。
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/notifygw/internal/app"
	"github.com/nao1215/notifygw/internal/config"
	"github.com/nao1215/notifygw/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New("notification-gateway", "info").WithError(err).Fatal("failed to load configuration")
	}
	log := logger.New("notification-gateway", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize gateway")
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.WithError(err).Warn("failed to close connections")
		}
	}()

	log.WithField("port", cfg.Port).Info("starting notification gateway")
	if err := a.Run(ctx); err != nil {
		log.WithError(err).Error("notification gateway stopped with error")
		return
	}
	log.Info("notification gateway stopped")
}
