// Package speech turns voice notes into text.
package speech

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/z-relay/internal/config"
)

// ErrAudioTooLong is returned for audio longer than the configured limit.
var ErrAudioTooLong = errors.New("speech: audio exceeds maximum duration")

// Transcriber converts a voice message into text. An empty result with a nil error
// means nothing could be recognised or transcription is disabled.
type Transcriber interface {
	TranscribeVoice(ctx context.Context, audio []byte, format string, seconds float64) (string, error)
}

type recognizer interface {
	recognize(ctx context.Context, audio []byte, format string) (string, error)
}

// Service 语音识别服务。
type Service struct {
	cfg    config.SpeechConfig
	asr    recognizer
	logger *zap.Logger
}

var _ Transcriber = (*Service)(nil)

// NewService 创建语音服务实例。
func NewService(cfg config.SpeechConfig, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("speech")
	return &Service{
		cfg:    cfg,
		asr:    newVolcengineASR(cfg, logger),
		logger: logger,
	}
}

// Enabled 表示是否配置了识别凭证。
func (s *Service) Enabled() bool {
	return s.cfg.Enabled
}

// TranscribeVoice implements Transcriber. seconds is the duration declared by the
// chat network; 0 means unknown and is accepted.
func (s *Service) TranscribeVoice(ctx context.Context, audio []byte, format string, seconds float64) (string, error) {
	if !s.cfg.Enabled {
		s.logger.Debug("transcription disabled, voice ignored")
		return "", nil
	}
	if len(audio) == 0 {
		return "", nil
	}
	if s.cfg.MaxSeconds > 0 && seconds > s.cfg.MaxSeconds {
		return "", fmt.Errorf("%w: %.1fs > %.1fs", ErrAudioTooLong, seconds, s.cfg.MaxSeconds)
	}

	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.Timeout)*time.Second)
		defer cancel()
	}

	start := time.Now()
	text, err := s.asr.recognize(ctx, audio, normalizeFormat(format))
	if err != nil {
		return "", fmt.Errorf("transcribe voice: %w", err)
	}
	s.logger.Info("voice transcribed",
		zap.Int("bytes", len(audio)),
		zap.Float64("seconds", seconds),
		zap.Int("chars", len([]rune(text))),
		zap.Duration("took", time.Since(start)),
	)
	return strings.TrimSpace(text), nil
}

// normalizeFormat 根据常见的 MIME 类型或扩展名推断音频格式。
func normalizeFormat(format string) string {
	f := strings.ToLower(strings.TrimSpace(format))
	f = strings.TrimPrefix(f, "audio/")
	f = strings.TrimPrefix(f, ".")
	switch {
	case f == "":
		return "ogg"
	case strings.Contains(f, "ogg"), strings.Contains(f, "opus"):
		return "ogg"
	case strings.Contains(f, "mpeg"), f == "mp3":
		return "mp3"
	case strings.Contains(f, "wav"):
		return "wav"
	case f == "pcm", f == "raw":
		return "pcm"
	}
	return f
}
