package transport

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// VoicePrefix marks text that was transcribed from a voice message.
const VoicePrefix = "[VOICE] "

// Handler receives inbound events that carry text.
type Handler interface {
	HandleInbound(ctx context.Context, in Inbound) error
}

// Transcriber turns voice audio into text.
type Transcriber interface {
	TranscribeVoice(ctx context.Context, audio []byte, format string, seconds float64) (string, error)
}

// Listener 消费入站事件：文本直接转交，语音先转写再转交，空文本丢弃。
type Listener struct {
	source  Source
	handler Handler
	stt     Transcriber
	logger  *zap.Logger
	wg      sync.WaitGroup
}

// NewListener wires source to handler. stt may be nil, in which case voice events
// are dropped.
func NewListener(source Source, handler Handler, stt Transcriber, logger *zap.Logger) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		source:  source,
		handler: handler,
		stt:     stt,
		logger:  logger.Named("listener"),
	}
}

// Run consumes events until the source closes or ctx is done. Text events are
// forwarded in arrival order; voice events are transcribed concurrently. Run waits
// for pending transcriptions before returning.
func (l *Listener) Run(ctx context.Context) error {
	defer l.wg.Wait()

	events := l.source.Inbound()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return ErrClosed
			}
			if ev.Kind == KindVoice {
				l.wg.Add(1)
				go func() {
					defer l.wg.Done()
					l.handleVoice(ctx, ev)
				}()
				continue
			}
			l.forward(ctx, ev)
		}
	}
}

func (l *Listener) handleVoice(ctx context.Context, ev Inbound) {
	if l.stt == nil || len(ev.Audio) == 0 {
		l.logger.Info("voice message dropped", zap.Int64("user_id", ev.UserID), zap.Bool("stt", l.stt != nil))
		return
	}
	text, err := l.stt.TranscribeVoice(ctx, ev.Audio, ev.AudioFormat, ev.DurationSeconds)
	if err != nil {
		l.logger.Warn("voice transcription failed",
			zap.Int64("user_id", ev.UserID),
			zap.Float64("seconds", ev.DurationSeconds),
			zap.Error(err),
		)
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	ev.Text = VoicePrefix + text
	ev.Audio = nil
	l.forward(ctx, ev)
}

func (l *Listener) forward(ctx context.Context, ev Inbound) {
	if strings.TrimSpace(ev.Text) == "" {
		return
	}
	if err := l.handler.HandleInbound(ctx, ev); err != nil && !errors.Is(err, context.Canceled) {
		l.logger.Warn("inbound message rejected",
			zap.Int64("user_id", ev.UserID),
			zap.Int64("message_id", ev.MessageID),
			zap.Error(err),
		)
	}
}
