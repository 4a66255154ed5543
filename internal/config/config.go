package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Log       LogConfig       `yaml:"log"`
	Camera    CameraConfig    `yaml:"camera"`
	Stream    StreamConfig    `yaml:"stream"`
	Recording RecordingConfig `yaml:"recording"`
	Transcode TranscodeConfig `yaml:"transcode"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout     time.Duration `yaml:"read_timeout"`     // 読み込みタイムアウト
	WriteTimeout    time.Duration `yaml:"write_timeout"`    // 書き込みタイムアウト
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // 停止処理の待ち時間

	CORSOrigins []string `yaml:"cors_origins"` // 許可するオリジン（空なら CORS 無効）
}

// AuthConfig はBasic認証の設定
type AuthConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Username string `yaml:"username"`
	// パスワードは環境変数 CAMCAST_PASSWORD からのみ読む
	Password string `yaml:"-"`
}

// Accounts は gin.BasicAuth に渡すユーザー名とパスワードの組を返す
func (a AuthConfig) Accounts() map[string]string {
	return map[string]string{a.Username: a.Password}
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level  string `yaml:"level"`  // debug / info / warn / error
	Format string `yaml:"format"` // console / json
}

// CameraConfig はカメラ関連の設定
type CameraConfig struct {
	DefaultIndex int           `yaml:"default_index"` // 指定がないときに使うカメラ
	MaxIndex     int           `yaml:"max_index"`     // 列挙するインデックスの上限
	Width        int           `yaml:"width"`         // 画像幅
	Height       int           `yaml:"height"`        // 画像高さ
	FPS          int           `yaml:"fps"`           // フレームレート (fps)
	OpenTimeout  time.Duration `yaml:"open_timeout"`  // 最初のフレームを待つ上限
	Backends     []string      `yaml:"backends"`      // 試すバックエンド（空なら登録順）
	FFmpegPath   string        `yaml:"ffmpeg_path"`   // ffmpeg バックエンドで使う実行ファイル
}

// StreamConfig は /video 配信の設定
type StreamConfig struct {
	Quality         int  `yaml:"quality"`          // JPEG品質 1-100
	FlipHorizontal  bool `yaml:"flip_horizontal"`  // 左右反転
	Width           int  `yaml:"width"`            // 縮小先の幅（0 なら縮小しない）
	Height          int  `yaml:"height"`           // 縮小先の高さ
	SharedCapture   bool `yaml:"shared_capture"`   // インデックスごとにキャプチャを共有する
	SubscriberQueue int  `yaml:"subscriber_queue"` // 共有キャプチャでの購読者ごとのキュー長
}

// RecordingConfig は録画の設定
type RecordingConfig struct {
	Dir            string `yaml:"dir"`             // 出力先ディレクトリ
	BatchSize      int    `yaml:"batch_size"`      // まとめて書き出す枚数
	Width          int    `yaml:"width"`           // 動画の幅
	Height         int    `yaml:"height"`          // 動画の高さ
	FPS            int    `yaml:"fps"`             // 動画のフレームレート
	Quality        int    `yaml:"quality"`         // JPEG品質 1-100
	FlipHorizontal bool   `yaml:"flip_horizontal"` // 左右反転
	Writer         string `yaml:"writer"`          // ffmpeg / gocv
}

// TranscodeConfig は外部エンコーダの設定
type TranscodeConfig struct {
	FFmpegPath string        `yaml:"ffmpeg_path"` // ffmpeg 実行ファイル
	Quality    int           `yaml:"quality"`     // ffmpeg の -q:v
	StartGrace time.Duration `yaml:"start_grace"` // この時間内に終了したら起動失敗
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            5001,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    0, // ストリーミング用にタイムアウト無効化
			ShutdownTimeout: 5 * time.Second,
		},
		Auth: AuthConfig{
			Enabled:  true,
			Username: "admin",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Camera: CameraConfig{
			DefaultIndex: 0,
			MaxIndex:     10,
			Width:        640,
			Height:       480,
			FPS:          20,
			OpenTimeout:  10 * time.Second,
			FFmpegPath:   "ffmpeg",
		},
		Stream: StreamConfig{
			Quality:         5,
			SubscriberQueue: 4,
		},
		Recording: RecordingConfig{
			Dir:       "recordings",
			BatchSize: 10,
			Width:     640,
			Height:    480,
			FPS:       20,
			Quality:   80,
			Writer:    "ffmpeg",
		},
		Transcode: TranscodeConfig{
			FFmpegPath: "ffmpeg",
			Quality:    5,
			StartGrace: 500 * time.Millisecond,
		},
	}
}

// Load は設定を読み込む
//
// デフォルト値、YAMLファイル（path が空なら CAMCAST_CONFIG）、環境変数の順に上書きする。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CAMCAST_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("設定ファイルの解析に失敗 (%s): %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server.Host = getEnvOrDefault("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsIntOrDefault("PORT", c.Server.Port)
	c.Auth.Username = getEnvOrDefault("CAMCAST_USER", c.Auth.Username)
	c.Auth.Password = getEnvOrDefault("CAMCAST_PASSWORD", c.Auth.Password)
	c.Log.Level = getEnvOrDefault("CAMCAST_LOG_LEVEL", c.Log.Level)
	c.Recording.Dir = getEnvOrDefault("CAMCAST_RECORDING_DIR", c.Recording.Dir)
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	var errs []error

	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("無効なポート番号: %d", c.Server.Port))
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 {
		errs = append(errs, fmt.Errorf("タイムアウトに負の値は指定できません"))
	}

	// 認証設定の検証
	if c.Auth.Enabled {
		if c.Auth.Username == "" {
			errs = append(errs, fmt.Errorf("認証が有効ですがユーザー名が設定されていません"))
		}
		if c.Auth.Password == "" {
			errs = append(errs, fmt.Errorf("認証が有効ですがパスワードが設定されていません (CAMCAST_PASSWORD)"))
		}
	}

	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("無効なログ形式: %s", c.Log.Format))
	}

	// カメラ設定の検証
	if c.Camera.DefaultIndex < 0 {
		errs = append(errs, fmt.Errorf("無効なカメラインデックス: %d", c.Camera.DefaultIndex))
	}
	if c.Camera.MaxIndex < 1 {
		errs = append(errs, fmt.Errorf("列挙上限は1以上にしてください: %d", c.Camera.MaxIndex))
	}
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 || c.Camera.FPS <= 0 {
		errs = append(errs, fmt.Errorf("無効なカメラ設定: %dx%d@%d", c.Camera.Width, c.Camera.Height, c.Camera.FPS))
	}

	// 配信設定の検証
	if c.Stream.Quality < 1 || c.Stream.Quality > 100 {
		errs = append(errs, fmt.Errorf("配信品質は1-100の範囲で指定してください: %d", c.Stream.Quality))
	}
	if (c.Stream.Width == 0) != (c.Stream.Height == 0) || c.Stream.Width < 0 || c.Stream.Height < 0 {
		errs = append(errs, fmt.Errorf("無効な縮小サイズ: %dx%d", c.Stream.Width, c.Stream.Height))
	}
	if c.Stream.SubscriberQueue < 1 {
		errs = append(errs, fmt.Errorf("購読キュー長は1以上にしてください: %d", c.Stream.SubscriberQueue))
	}

	// 録画設定の検証
	if c.Recording.Dir == "" {
		errs = append(errs, fmt.Errorf("録画ディレクトリが設定されていません"))
	}
	if c.Recording.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("バッチサイズは1以上にしてください: %d", c.Recording.BatchSize))
	}
	if c.Recording.Width <= 0 || c.Recording.Height <= 0 || c.Recording.FPS <= 0 {
		errs = append(errs, fmt.Errorf("無効な録画設定: %dx%d@%d", c.Recording.Width, c.Recording.Height, c.Recording.FPS))
	}
	if c.Recording.Quality < 1 || c.Recording.Quality > 100 {
		errs = append(errs, fmt.Errorf("録画品質は1-100の範囲で指定してください: %d", c.Recording.Quality))
	}

	// エンコーダ設定の検証
	if c.Transcode.Quality < 2 || c.Transcode.Quality > 31 {
		errs = append(errs, fmt.Errorf("エンコーダ品質は2-31の範囲で指定してください: %d", c.Transcode.Quality))
	}
	if c.Transcode.StartGrace <= 0 {
		errs = append(errs, fmt.Errorf("起動猶予時間は正の値にしてください: %s", c.Transcode.StartGrace))
	}

	return errors.Join(errs...)
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
