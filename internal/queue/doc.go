// Package queue はRabbitMQのチャネル別キューへ通知メッセージを投入する。
package queue
