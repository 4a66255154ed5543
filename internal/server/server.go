package server

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"camcast/internal/camera"
	"camcast/internal/config"
	"camcast/internal/recording"
	"camcast/internal/stream"
	"camcast/internal/transcode"
)

//go:embed templates/*.html
var templateFS embed.FS

// Deps はサーバーが操作するコンポーネント
type Deps struct {
	Multiplexer *stream.Multiplexer
	Registry    *camera.Registry
	Recordings  *recording.Manager
	Transcoder  *transcode.Supervisor
}

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	engine     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader
	started    time.Time

	mux        *stream.Multiplexer
	registry   *camera.Registry
	recordings *recording.Manager
	transcoder *transcode.Supervisor
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, deps Deps) (*Server, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("テンプレートの読み込みに失敗: %w", err)
	}

	s := &Server{
		config:     cfg,
		engine:     gin.New(),
		started:    time.Now(),
		mux:        deps.Multiplexer,
		registry:   deps.Registry,
		recordings: deps.Recordings,
		transcoder: deps.Transcoder,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.engine.SetHTMLTemplate(tmpl)
	s.engine.Use(gin.Recovery(), requestLogger())
	if origins := cfg.Server.CORSOrigins; len(origins) > 0 {
		s.engine.Use(cors.New(corsConfig(origins)))
	}
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.ServerAddress(),
		Handler:      s.engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s, nil
}

// Handler はルーティング済みのハンドラを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	// ヘルスチェックは認証なし
	s.engine.GET("/health", s.handleHealth)

	var g *gin.RouterGroup
	if s.config.Auth.Enabled {
		g = s.engine.Group("/", gin.BasicAuth(s.config.Auth.Accounts()))
	} else {
		g = s.engine.Group("/")
	}

	g.GET("/", s.handleIndex)
	g.GET("/video", s.handleVideo)
	g.GET("/ws/video", s.handleVideoWebSocket)
	g.POST("/start_stream", s.handleStartStream)
	g.GET("/stream", s.handleStream)
	g.POST("/start_recording", s.handleStartRecording)
	g.POST("/stop_recording", s.handleStopRecording)

	api := g.Group("/api")
	api.GET("/cameras", s.handleCameras)
	api.GET("/status", s.handleStatus)
	api.GET("/recordings", s.handleRecordings)
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders: []string{"Content-Type"},
		MaxAge:        12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}

// requestLogger はリクエストごとにアクセスログを出力する
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		evt := log.Info()
		if c.Writer.Status() >= http.StatusInternalServerError {
			evt = log.Error()
		}
		evt.Str("component", "http").
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Str("client", c.ClientIP()).
			Dur("elapsed", time.Since(start)).
			Msg("リクエストを処理しました")
	}
}

// Start はサーバーを起動する
//
// ctx のキャンセルか SIGINT/SIGTERM を受け取るとシャットダウンして戻る。
func (s *Server) Start(ctx context.Context) error {
	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		log.Info().Str("component", "http").Str("addr", s.httpServer.Addr).Msg("HTTPサーバーを起動しています")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// コンテキストかシグナルを待つ
	select {
	case <-ctx.Done():
		log.Info().Str("component", "http").Msg("コンテキストがキャンセルされました")
	case sig := <-sigCh:
		log.Info().Str("component", "http").Stringer("signal", sig).Msg("シグナルを受信しました")
	case err := <-shutdownCh:
		return err
	}

	// グレースフルシャットダウン
	timeout := s.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown はサーバーをグレースフルにシャットダウンする
//
// 配信セッション、エンコーダ、録画、HTTPサーバーの順に止める。
// 録画は ctx の期限が切れていても残りのバッチを書き出してから戻る。
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Str("component", "http").Msg("サーバーをシャットダウンしています...")

	var errs []error
	if s.mux != nil {
		if err := s.mux.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("配信の停止に失敗: %w", err))
		}
	}
	if s.transcoder != nil {
		if err := s.transcoder.Stop(); err != nil && !errors.Is(err, transcode.ErrNoProcess) {
			errs = append(errs, fmt.Errorf("エンコーダの停止に失敗: %w", err))
		}
	}
	if s.recordings != nil {
		if err := s.recordings.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("録画の停止に失敗: %w", err))
		}
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("サーバーのシャットダウンに失敗: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	log.Info().Str("component", "http").Msg("サーバーが正常にシャットダウンされました")
	return nil
}
