package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"camcast/internal/camera"
	"camcast/internal/mjpeg"
	"camcast/internal/recording"
	"camcast/internal/stream"
	"camcast/internal/transcode"
	"camcast/internal/transform"
)

const wsWriteTimeout = 5 * time.Second

// errorResponse はエラー時のレスポンス
type errorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// videoQuery は /video と /ws/video のクエリパラメータ
type videoQuery struct {
	CameraIndex *int  `form:"camera_index"`
	Quality     *int  `form:"quality"`
	Width       *int  `form:"width"`
	Height      *int  `form:"height"`
	Flip        *bool `form:"flip"`
}

// indexPage はトップページのテンプレートに渡す値
type indexPage struct {
	Cameras      []camera.DeviceInfo
	DefaultIndex int
	Sessions     int
	Recording    recording.StatusInfo
	Transcoder   transcode.Status
}

// handleHealth はヘルスチェックエンドポイント
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

// handleIndex は直近の列挙結果と録画・エンコーダの状態を表示する
func (s *Server) handleIndex(c *gin.Context) {
	c.HTML(http.StatusOK, "index.html", indexPage{
		Cameras:      s.registry.DescribeAll(c.Request.Context()),
		DefaultIndex: s.config.Camera.DefaultIndex,
		Sessions:     len(s.mux.Sessions()),
		Recording:    s.recordings.Status(),
		Transcoder:   s.transcoder.Status(),
	})
}

// handleVideo はMJPEGストリーミングエンドポイント
func (s *Server) handleVideo(c *gin.Context) {
	index, opts, ok := s.parseVideoQuery(c)
	if !ok {
		return
	}

	sess, err := s.mux.OpenSession(c.Request.Context(), index, opts)
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	// レスポンスヘッダーを設定
	setStreamHeaders(c)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	w := mjpeg.NewWriter(c.Writer)
	err = sess.Stream(c.Request.Context(), stream.ChunkWriterFunc(func(chunk transform.Chunk) error {
		return w.WritePart(chunk.Data)
	}))
	log.Debug().Str("component", "http").Str("session", sess.ID()).Uint64("parts", w.Parts()).Err(err).Msg("MJPEG配信を終了しました")
}

// handleVideoWebSocket は同じチャンクを WebSocket のバイナリメッセージで配信する
func (s *Server) handleVideoWebSocket(c *gin.Context) {
	index, opts, ok := s.parseVideoQuery(c)
	if !ok {
		return
	}

	// アップグレード前に開いてエラーをHTTPステータスで返す
	sess, err := s.mux.OpenSession(c.Request.Context(), index, opts)
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		_ = sess.Close()
		log.Warn().Str("component", "http").Err(err).Msg("WebSocketへのアップグレードに失敗")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// クライアントからの切断を読み取り側で検知する
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	err = sess.Stream(ctx, stream.ChunkWriterFunc(func(chunk transform.Chunk) error {
		if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
			return err
		}
		return conn.WriteMessage(websocket.BinaryMessage, chunk.Data)
	}))

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err != nil && !errors.Is(err, stream.ErrClientGone) && !errors.Is(err, context.Canceled) {
		msg = websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "")
	}
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	log.Debug().Str("component", "http").Str("session", sess.ID()).Err(err).Msg("WebSocket配信を終了しました")
}

// handleStartStream はエンコーダプロセスを起動し直す
func (s *Server) handleStartStream(c *gin.Context) {
	index, ok := s.parseCameraForm(c)
	if !ok {
		return
	}

	if _, err := s.transcoder.Start(c.Request.Context(), index); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.Redirect(http.StatusSeeOther, "/")
}

// handleStream は現在のエンコーダプロセスの出力を配信する
func (s *Server) handleStream(c *gin.Context) {
	sub, err := s.transcoder.Subscribe(s.config.Stream.SubscriberQueue)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	defer sub.Cancel()

	setStreamHeaders(c)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	w := mjpeg.NewWriter(c.Writer)
	done := c.Request.Context().Done()
	for {
		select {
		case <-done:
			return
		case frame, ok := <-sub.C():
			if !ok {
				log.Debug().Str("component", "http").Err(sub.Err()).Uint64("parts", w.Parts()).Msg("エンコーダ出力の配信を終了しました")
				return
			}
			if err := w.WritePart(frame); err != nil {
				return
			}
		}
	}
}

// handleStartRecording は録画を開始する
func (s *Server) handleStartRecording(c *gin.Context) {
	index, ok := s.parseCameraForm(c)
	if !ok {
		return
	}

	if _, err := s.recordings.Start(c.Request.Context(), index); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.Redirect(http.StatusSeeOther, "/")
}

// handleStopRecording は録画を停止する
func (s *Server) handleStopRecording(c *gin.Context) {
	if _, err := s.recordings.Stop(c.Request.Context()); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.Redirect(http.StatusSeeOther, "/")
}

// handleCameras はカメラ一覧取得エンドポイント
//
// refresh=true のときは列挙し直す。
func (s *Server) handleCameras(c *gin.Context) {
	ctx := c.Request.Context()
	if refresh, _ := strconv.ParseBool(c.Query("refresh")); refresh {
		if _, err := s.registry.Enumerate(ctx, s.config.Camera.MaxIndex); err != nil {
			s.abortWithError(c, err)
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"cameras":       s.registry.DescribeAll(ctx),
		"default_index": s.config.Camera.DefaultIndex,
	})
}

// handleStatus はシステム状態取得エンドポイント
func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "running",
		"server": gin.H{
			"host": s.config.Server.Host,
			"port": s.config.Server.Port,
		},
		"uptime":     time.Since(s.started).Round(time.Second).String(),
		"sessions":   s.mux.Sessions(),
		"recording":  s.recordings.Status(),
		"transcoder": s.transcoder.Status(),
		"timestamp":  time.Now(),
	})
}

// handleRecordings は録画ファイルの一覧を返す
func (s *Server) handleRecordings(c *gin.Context) {
	files, err := s.recordings.Files()
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recordings": files})
}

// ヘルパー関数

// parseVideoQuery はクエリからカメラインデックスと変換設定を組み立てる
func (s *Server) parseVideoQuery(c *gin.Context) (int, transform.Options, bool) {
	var q videoQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		s.abortWithStatus(c, http.StatusBadRequest, "invalid_parameter", err.Error())
		return 0, transform.Options{}, false
	}

	index := s.config.Camera.DefaultIndex
	if q.CameraIndex != nil {
		index = *q.CameraIndex
	}

	opts := transform.Options{
		ResizeTo:       transform.Size{Width: s.config.Stream.Width, Height: s.config.Stream.Height},
		FlipHorizontal: s.config.Stream.FlipHorizontal,
		Quality:        s.config.Stream.Quality,
	}
	if q.Quality != nil {
		opts.Quality = *q.Quality
		if opts.Quality == 0 {
			s.abortWithStatus(c, http.StatusBadRequest, "invalid_parameter", "品質は1-100の範囲で指定してください")
			return 0, transform.Options{}, false
		}
	}
	if q.Width != nil || q.Height != nil {
		opts.ResizeTo = transform.Size{}
		if q.Width != nil {
			opts.ResizeTo.Width = *q.Width
		}
		if q.Height != nil {
			opts.ResizeTo.Height = *q.Height
		}
	}
	if q.Flip != nil {
		opts.FlipHorizontal = *q.Flip
	}

	if err := opts.Validate(); err != nil {
		s.abortWithError(c, err)
		return 0, transform.Options{}, false
	}
	return index, opts, true
}

// parseCameraForm はフォームの camera を読む。省略時は既定のカメラ
func (s *Server) parseCameraForm(c *gin.Context) (int, bool) {
	value := c.PostForm("camera")
	if value == "" {
		return s.config.Camera.DefaultIndex, true
	}
	index, err := strconv.Atoi(value)
	if err != nil {
		s.abortWithStatus(c, http.StatusBadRequest, "invalid_parameter", "カメラ番号が不正です: "+value)
		return 0, false
	}
	return index, true
}

func setStreamHeaders(c *gin.Context) {
	c.Header("Content-Type", mjpeg.ContentType)
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Header("Pragma", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
}

// abortWithError はエラーの種類に応じたステータスで応答する
func (s *Server) abortWithError(c *gin.Context, err error) {
	status, code := classifyError(err)
	if status >= http.StatusInternalServerError {
		log.Error().Str("component", "http").Str("path", c.Request.URL.Path).Err(err).Msg("リクエストの処理に失敗")
	}
	s.abortWithStatus(c, status, code, err.Error())
}

func (s *Server) abortWithStatus(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, errorResponse{
		Error:     code,
		Message:   message,
		Timestamp: time.Now(),
	})
}

// classifyError はエラーをHTTPステータスとエラーコードに変換する
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, transform.ErrInvalidOptions):
		return http.StatusBadRequest, "invalid_parameter"
	case errors.Is(err, camera.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable, "camera_unavailable"
	case errors.Is(err, stream.ErrShutdown):
		return http.StatusServiceUnavailable, "shutting_down"
	case errors.Is(err, transcode.ErrSubprocessFailure):
		return http.StatusBadGateway, "subprocess_failure"
	case errors.Is(err, transcode.ErrNoProcess):
		return http.StatusNotFound, "no_stream"
	case errors.Is(err, recording.ErrAlreadyRecording):
		return http.StatusConflict, "already_recording"
	case errors.Is(err, recording.ErrNotRecording):
		return http.StatusConflict, "not_recording"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
