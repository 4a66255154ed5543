package camera

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Source は優先順に並んだバックエンドからデバイスを開く
type Source struct {
	backends []Backend
	settings Settings
}

// NewSource は新しいSourceを作成する
func NewSource(backends []Backend, settings Settings) *Source {
	return &Source{
		backends: backends,
		settings: settings,
	}
}

// Settings はデバイスに要求する取得設定を返す
func (s *Source) Settings() Settings {
	return s.settings
}

// Open は指定インデックスのデバイスを開く
//
// どのバックエンドでも開けなかった場合は ErrDeviceUnavailable を返す。
func (s *Source) Open(ctx context.Context, index int) (*Handle, error) {
	if index < 0 {
		return nil, fmt.Errorf("%w: 不正なインデックス %d", ErrDeviceUnavailable, index)
	}

	var causes []error
	for _, b := range s.backends {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		dev, err := b.Open(ctx, index, s.settings)
		if err != nil {
			log.Debug().Str("component", "camera").Str("backend", b.Name()).Int("index", index).Err(err).Msg("バックエンドでのオープンに失敗")
			causes = append(causes, fmt.Errorf("%s: %w", b.Name(), err))
			continue
		}

		log.Info().Str("component", "camera").Str("backend", b.Name()).Int("index", index).Msg("カメラを開きました")
		return newHandle(index, b.Name(), dev), nil
	}

	if len(causes) == 0 {
		return nil, fmt.Errorf("%w: カメラ %d（バックエンド未設定）", ErrDeviceUnavailable, index)
	}
	return nil, fmt.Errorf("%w: カメラ %d: %w", ErrDeviceUnavailable, index, errors.Join(causes...))
}
