// Package camera カメラデバイスからのフレーム取得を担う
//
// # 責務
// - デバイスインデックスによるカメラのオープンとクローズ
// - 生フレームの逐次取得（遅延・無限・再開不可のシーケンス）
// - 利用可能なキャプチャバックエンドの優先順位付きネゴシエーション
// - 利用可能なデバイスインデックスの列挙
//
// # 使い分け
// このパッケージは以下の場合に使用する：
// - 番号指定でカメラを開き、フレームを順番に取り出したい
// - 接続されているカメラのインデックス一覧を取得したい
//
// # 仕様
//   - Source: 登録済みバックエンドを優先順に試し、最初に成功したものでデバイスを開く
//   - Handle: open / failed / closed の状態を持ち、Close はちょうど一度だけデバイスを解放する
//   - 読み取りエラーはリトライせず、ストリーム終了として扱う
//   - Registry: インデックス0から順に調べ、最初に失敗した時点で探索を打ち切る
//
// # バックエンド
//   - v4l2: Linux の V4L2 デバイスを go4vl で直接読む（MJPEG）
//   - gocv: OpenCV の VideoCapture（ビルドタグ gocv が必要）
//   - ffmpeg: ffmpeg プロセス経由で MJPEG を読む（全プラットフォーム）
//
// # 前提要件
//   - ffmpeg: ffmpeg バックエンドで使用
//     Ubuntu/Debian: sudo apt install ffmpeg
//   - v4l-utils: カメラ名の取得に使用
//     Ubuntu/Debian: sudo apt install v4l-utils
//   - videoグループへの参加: デバイスアクセス権限
//     sudo usermod -a -G video $USER
package camera
