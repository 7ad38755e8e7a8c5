package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/z-relay/internal/admin"
	"github.com/zhouzirui/z-relay/internal/config"
	"github.com/zhouzirui/z-relay/internal/handler"
	"github.com/zhouzirui/z-relay/internal/history"
	"github.com/zhouzirui/z-relay/internal/metrics"
	"github.com/zhouzirui/z-relay/internal/model/profile"
	"github.com/zhouzirui/z-relay/internal/router"
	"github.com/zhouzirui/z-relay/internal/schedule"
	"github.com/zhouzirui/z-relay/internal/service/ai"
	"github.com/zhouzirui/z-relay/internal/service/speech"
	"github.com/zhouzirui/z-relay/internal/transport"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(a *app) *cobra.Command {
	var console bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect to the bridge and answer users",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), a, console)
		},
	}
	cmd.Flags().BoolVar(&console, "console", false, "read admin commands from stdin while serving")
	return cmd
}

func runServe(parent context.Context, a *app, console bool) error {
	cfg, logger := a.cfg, a.logger
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	store, err := openHistory(cfg.History, logger)
	if err != nil {
		return err
	}
	profiles := profile.NewFileStore(cfg.History.Dir)

	prompts, err := ai.NewPromptLibrary(cfg.Prompts, logger)
	if err != nil {
		return err
	}
	llm, err := ai.NewService(ctx, cfg.AI, logger)
	if err != nil {
		return fmt.Errorf("initialize AI service: %w", err)
	}

	bridge, err := transport.DialBridge(ctx, bridgeConfig(cfg.Transport), logger)
	if err != nil {
		return err
	}
	defer bridge.Close()
	logger.Info("bridge connected", zap.String("url", cfg.Transport.URL))

	m := metrics.New()
	rt, err := router.New(router.Deps{
		Transport: bridge,
		Store:     store,
		LLM:       llm,
		Prompts:   prompts,
		Profiles:  profiles,
		Metrics:   m,
	}, router.Options{
		Debounce:             cfg.Router.Debounce,
		ContextChunks:        cfg.History.ContextChunks,
		DefaultHuman:         cfg.Router.DefaultHuman,
		CycleTimeout:         cfg.Router.CycleTimeout,
		IncludeActionsPrompt: cfg.Router.IncludeActionsPrompt,
		IncludeProfilePrompt: cfg.Router.IncludeProfilePrompt,
	}, router.WithLogger(logger))
	if err != nil {
		return err
	}

	var stt transport.Transcriber
	if cfg.Speech.Enabled {
		stt = speech.NewService(cfg.Speech, logger)
	} else {
		logger.Info("speech recognition disabled, voice messages will be dropped")
	}

	sched, err := schedule.New(cfg.Schedule, rt, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return transport.NewListener(bridge, rt, stt, logger).Run(gctx)
	})
	g.Go(func() error { return sched.Run(gctx) })
	if cfg.Prompts.Watch {
		g.Go(func() error { return prompts.Watch(gctx) })
	}
	if cfg.Server.Enabled {
		srv := &http.Server{
			Addr: cfg.Server.Addr,
			Handler: handler.NewRouter(handler.Deps{
				Receiver:    rt,
				Transcriber: stt,
				History:     store,
				Dispatcher:  rt,
				Profiles:    profiles,
				Metrics:     m,
			}, logger),
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       120 * time.Second,
		}
		g.Go(func() error { return runServer(gctx, srv, logger) })
	}

	if console {
		// Run 阻塞在 stdin 上，不放进 errgroup；退出命令结束整个进程。
		shell := admin.NewShell(admin.Deps{
			History:   store,
			Router:    rt,
			Transport: bridge,
			Profiles:  profiles,
		}, cfg.Schedule.Instruction, logger)
		go func() {
			if err := shell.Run(gctx, os.Stdin, os.Stdout); err != nil {
				logger.Warn("admin console stopped", zap.Error(err))
			}
			cancel()
		}()
	}

	logger.Info("relay started",
		zap.Duration("debounce", cfg.Router.Debounce),
		zap.Bool("http", cfg.Server.Enabled),
		zap.Bool("speech", cfg.Speech.Enabled),
		zap.Bool("schedule", sched.Enabled()))

	runErr := g.Wait()
	if errors.Is(runErr, transport.ErrClosed) {
		logger.Error("bridge connection lost")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := rt.Shutdown(shutdownCtx); err != nil {
		logger.Warn("router shutdown incomplete", zap.Error(err))
	}
	logger.Info("relay stopped")
	return runErr
}

func openHistory(cfg config.HistoryConfig, logger *zap.Logger) (*history.Store, error) {
	return history.NewStore(history.Config{
		BaseDir:             cfg.Dir,
		MaxMessagesPerChunk: cfg.MaxMessagesPerChunk,
		ContextChunks:       cfg.ContextChunks,
	}, history.WithLogger(logger))
}

func bridgeConfig(cfg config.TransportConfig) transport.BridgeConfig {
	return transport.BridgeConfig{
		URL:           cfg.URL,
		Token:         cfg.Token,
		SendRate:      cfg.SendRate,
		SendBurst:     cfg.SendBurst,
		TypingRefresh: cfg.TypingRefresh,
	}
}

func runServer(ctx context.Context, srv *http.Server, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
