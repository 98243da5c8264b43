// Package httpclient はサービス間のHTTP通信を行うJSONクライアントを提供する。
//
// ゲートウェイがユーザーサービスやテンプレートサービスを参照する際、
// またnotifyctlがゲートウェイを呼び出す際に使用する。
// 2xx以外の応答はStatusErrorとして返し、呼び出し側で404等を判別できる。
package httpclient
