// Package message はゲートウェイが配信キューへ投入する通知メッセージの形式を定義する。
//
// ゲートウェイと下流の配信ワーカーの双方がこのパッケージを使い、
// 同じJSON形式でメッセージをエンコード・デコードする。
package message
