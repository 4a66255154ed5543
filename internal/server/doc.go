// Package server は、HTTPサーバーとWebSocket通信を管理します。
//
// 責務:
//   - ginエンジンの構築とルーティング
//   - Basic認証とCORSの設定
//   - /video の MJPEG 配信と /ws/video の WebSocket 配信
//   - 録画とエンコーダプロセスの操作エンドポイント
//   - 配信・エンコーダ・録画・HTTPの順でのグレースフルシャットダウン
package server
