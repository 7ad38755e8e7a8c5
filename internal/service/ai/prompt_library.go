package ai

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-relay/internal/config"
)

// DefaultSystemPrompt is used when the configured prompt file is missing.
const DefaultSystemPrompt = "You are a friendly assistant. Keep replies short and clear."

const promptExt = ".txt"

// PromptLibrary 管理系统提示词文件：主提示词缺失时使用默认文本，动作说明提示词可选。
type PromptLibrary struct {
	dir         string
	systemName  string
	actionsName string
	logger      *zap.Logger

	mu      sync.RWMutex
	system  string
	actions string
}

// NewPromptLibrary loads the prompts described by cfg. Missing files are not errors.
func NewPromptLibrary(cfg config.PromptsConfig, logger *zap.Logger) (*PromptLibrary, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	lib := &PromptLibrary{
		dir:         cfg.Dir,
		systemName:  cfg.SystemName,
		actionsName: cfg.ActionsName,
		logger:      logger.Named("prompts"),
	}
	if lib.systemName == "" {
		lib.systemName = "default"
	}
	if err := lib.Reload(); err != nil {
		return nil, err
	}
	return lib, nil
}

// SystemPrompt 返回当前的主系统提示词。
func (l *PromptLibrary) SystemPrompt() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.system
}

// ActionsPrompt returns the action-instruction prompt, or "" when none is configured.
func (l *PromptLibrary) ActionsPrompt() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.actions
}

// Reload 重新读取提示词文件。读取失败（非缺失）时保留旧内容并返回错误。
func (l *PromptLibrary) Reload() error {
	system, found, err := l.read(l.systemName)
	if err != nil {
		return err
	}
	if !found || system == "" {
		l.logger.Warn("system prompt not found, using default",
			zap.String("dir", l.dir),
			zap.String("name", l.systemName),
		)
		system = DefaultSystemPrompt
	}

	var actions string
	if l.actionsName != "" {
		actions, found, err = l.read(l.actionsName)
		if err != nil {
			return err
		}
		if !found {
			l.logger.Info("actions prompt not found, skipping", zap.String("name", l.actionsName))
		}
	}

	l.mu.Lock()
	l.system = system
	l.actions = actions
	l.mu.Unlock()
	return nil
}

func (l *PromptLibrary) read(name string) (string, bool, error) {
	path := filepath.Join(l.dir, name+promptExt)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read prompt %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), true, nil
}

// Watch reloads the prompts whenever a watched file changes, until ctx is done.
// A missing directory is not watched and Watch simply waits for ctx.
func (l *PromptLibrary) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create prompt watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(l.dir); err != nil {
		l.logger.Warn("prompt directory not watched", zap.String("dir", l.dir), zap.Error(err))
		<-ctx.Done()
		return nil
	}
	l.logger.Info("watching prompts", zap.String("dir", l.dir))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !l.relevant(event) {
				continue
			}
			if err := l.Reload(); err != nil {
				l.logger.Error("prompt reload failed", zap.Error(err))
				continue
			}
			l.logger.Info("prompts reloaded", zap.String("file", filepath.Base(event.Name)))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Warn("prompt watcher error", zap.Error(err))
		}
	}
}

func (l *PromptLibrary) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	base := filepath.Base(event.Name)
	return base == l.systemName+promptExt || (l.actionsName != "" && base == l.actionsName+promptExt)
}
