// Package lookup はユーザーサービスとテンプレートサービスへのHTTP問い合わせを行う。
//
// どちらも {success, data} 形式のエンベロープを返す。404は
// notification.ErrUserNotFound / notification.ErrTemplateNotFound に変換する。
package lookup
