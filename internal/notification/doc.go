// Package notification は通知ゲートウェイの中核である冪等ディスパッチを提供する。
//
// 呼び出し元が指定したrequest_idを冪等キーとして、再送されたリクエストを重複排除する。
// 新しいリクエストはユーザーとテンプレートを解決して永続化し、チャネル別の配信キューへ投入する。
// 処理済みのリクエストには現在の配信状態を反映した既存の結果を返し、
// queuedのまま猶予時間を過ぎたリクエストは行を作らずに再投入する。
//
// 配信状態は queued → processing → {delivered, failed} の順にのみ進み、
// 後退する更新は記録だけして無視する。ユーザーごとの受付件数は固定ウィンドウで制限する。
//
// ストア・キャッシュ・キュー・外部参照はインターフェースとして受け取り、
// 具体的な実装はinternal/appで注入する。
package notification
