package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-relay/internal/service/speech"
)

// newTranscribeCmd 手动验证语音识别配置：识别一个本地音频文件并打印文本。
func newTranscribeCmd(a *app) *cobra.Command {
	var (
		format   string
		duration float64
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "transcribe <audio-file>",
		Short: "Run speech recognition on a local audio file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !a.cfg.Speech.Enabled {
				return errors.New("speech recognition disabled, set SPEECH_APP_ID and SPEECH_ACCESS_TOKEN")
			}
			path := args[0]
			audio, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read audio file: %w", err)
			}
			if format == "" {
				format = strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			svc := speech.NewService(a.cfg.Speech, a.logger)
			a.logger.Info("transcribing", zap.String("file", path), zap.String("format", format), zap.Int("bytes", len(audio)))
			start := time.Now()
			text, err := svc.TranscribeVoice(ctx, audio, format, duration)
			if err != nil {
				return err
			}
			a.logger.Info("transcription finished", zap.Duration("elapsed", time.Since(start)))
			fmt.Fprintln(cmd.OutOrStdout(), text)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "audio format, defaults to the file extension")
	cmd.Flags().Float64Var(&duration, "duration", 0, "declared duration in seconds, checked against STT_MAX_SECONDS")
	cmd.Flags().DurationVar(&timeout, "timeout", 45*time.Second, "request timeout")
	return cmd
}
