// Package history persists per-user conversations as append-only, size-bounded JSON
// chunk files: <base>/user_<id>/chunk_0001.json, chunk_0002.json, ...
package history

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/z-relay/internal/model/chat"
)

const (
	DefaultMaxMessagesPerChunk = 20
	DefaultContextChunks       = 5
)

// Config 描述对话存储的位置与分块策略。
type Config struct {
	BaseDir             string
	MaxMessagesPerChunk int
	ContextChunks       int
}

// Option customises a Store.
type Option func(*Store)

// WithLogger sets the logger used for fail-open diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger.Named("history")
		}
	}
}

// WithClock overrides the time source used to stamp messages.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store is safe for concurrent use. Writes for one user are serialised by a per-user
// mutex; different users never contend.
type Store struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// NewStore creates the base directory if needed and returns a Store.
func NewStore(cfg Config, opts ...Option) (*Store, error) {
	if cfg.BaseDir == "" {
		return nil, fmt.Errorf("history base dir is required")
	}
	if cfg.MaxMessagesPerChunk <= 0 {
		cfg.MaxMessagesPerChunk = DefaultMaxMessagesPerChunk
	}
	if cfg.ContextChunks <= 0 {
		cfg.ContextChunks = DefaultContextChunks
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}

	s := &Store{
		cfg:    cfg,
		logger: zap.NewNop(),
		now:    time.Now,
		locks:  make(map[int64]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Config returns the effective configuration.
func (s *Store) Config() Config {
	return s.cfg
}

// BaseDir returns the root directory of the store.
func (s *Store) BaseDir() string {
	return s.cfg.BaseDir
}

// UserDir returns the directory holding userID's chunks.
func (s *Store) UserDir(userID int64) string {
	return filepath.Join(s.cfg.BaseDir, chat.UserDirName(userID))
}

func (s *Store) lockUser(userID int64) func() {
	s.mu.Lock()
	l, ok := s.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[userID] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Append adds msg to the user's newest chunk, rolling over to a new chunk when the
// newest one is full. A corrupt newest chunk is set aside and replaced by an empty chunk
// with the same index. Only write failures are returned.
func (s *Store) Append(ctx context.Context, userID int64, msg chat.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	unlock := s.lockUser(userID)
	defer unlock()

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = chat.NewTimestamp(s.now())
	}
	if err := os.MkdirAll(s.UserDir(userID), 0o755); err != nil {
		return fmt.Errorf("create user dir: %w", err)
	}

	chunk, err := s.currentChunk(userID)
	if err != nil {
		return err
	}

	chunk.Messages = append(chunk.Messages, msg)
	touchMeta(&chunk.Meta, msg)

	if err := s.writeChunk(userID, chunk); err != nil {
		return err
	}
	s.logger.Debug("message appended",
		zap.Int64("user_id", userID),
		zap.Int("chunk", chunk.ChunkIndex),
		zap.String("role", string(msg.Role)),
		zap.Int64("message_id", msg.MessageID),
	)
	return nil
}

// currentChunk returns the chunk the next message goes to. Caller holds the user lock.
func (s *Store) currentChunk(userID int64) (chat.Chunk, error) {
	indices, err := s.chunkIndices(userID)
	if err != nil {
		return chat.Chunk{}, err
	}
	if len(indices) == 0 {
		return chat.NewChunk(userID, 1, chat.ChunkMeta{}), nil
	}

	last := indices[len(indices)-1]
	chunk, err := s.readChunk(userID, last)
	if err != nil {
		s.logger.Warn("newest chunk unreadable, starting it over",
			zap.Int64("user_id", userID),
			zap.Int("chunk", last),
			zap.Error(err),
		)
		s.quarantine(userID, last)
		return chat.NewChunk(userID, last, s.carryBefore(userID, indices[:len(indices)-1])), nil
	}

	if chunk.Full(s.cfg.MaxMessagesPerChunk) {
		return chat.NewChunk(userID, last+1, chunk.Meta), nil
	}
	if chunk.Messages == nil {
		chunk.Messages = []chat.Message{}
	}
	return chunk, nil
}

// carryBefore returns the meta of the newest readable chunk among indices.
func (s *Store) carryBefore(userID int64, indices []int) chat.ChunkMeta {
	for i := len(indices) - 1; i >= 0; i-- {
		chunk, err := s.readChunk(userID, indices[i])
		if err == nil {
			return chunk.Meta
		}
	}
	return chat.ChunkMeta{}
}

func touchMeta(meta *chat.ChunkMeta, msg chat.Message) {
	if meta.CreatedAt.IsZero() || msg.CreatedAt.Before(meta.CreatedAt) {
		meta.CreatedAt = msg.CreatedAt
	}
	if meta.UpdatedAt.Before(msg.CreatedAt) {
		meta.UpdatedAt = msg.CreatedAt
	}
	if msg.MessageID == 0 {
		return
	}
	switch msg.Role {
	case chat.RoleUser:
		meta.LastUserMessageID = msg.MessageID
	case chat.RoleAssistant:
		meta.LastAssistantMessageID = msg.MessageID
	}
}

// Tail returns the messages of the newest maxChunks chunks in chronological order.
// maxChunks <= 0 uses the configured context size. Unreadable chunks are skipped.
func (s *Store) Tail(ctx context.Context, userID int64, maxChunks int) ([]chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if maxChunks <= 0 {
		maxChunks = s.cfg.ContextChunks
	}

	unlock := s.lockUser(userID)
	defer unlock()

	indices, err := s.chunkIndices(userID)
	if err != nil {
		return nil, err
	}
	if len(indices) > maxChunks {
		indices = indices[len(indices)-maxChunks:]
	}

	var out []chat.Message
	for _, idx := range indices {
		chunk, err := s.readChunk(userID, idx)
		if err != nil {
			s.logger.Warn("skipping unreadable chunk",
				zap.Int64("user_id", userID),
				zap.Int("chunk", idx),
				zap.Error(err),
			)
			continue
		}
		out = append(out, chunk.Messages...)
	}
	return out, nil
}

// LastMessageID returns the newest known transport id for role, searching chunks from
// newest to oldest. Unknown roles and every failure yield 0.
func (s *Store) LastMessageID(ctx context.Context, userID int64, role chat.Role) int64 {
	if role != chat.RoleUser && role != chat.RoleAssistant {
		return 0
	}
	if ctx.Err() != nil {
		return 0
	}

	unlock := s.lockUser(userID)
	defer unlock()

	indices, err := s.chunkIndices(userID)
	if err != nil {
		s.logger.Warn("list chunks failed", zap.Int64("user_id", userID), zap.Error(err))
		return 0
	}
	for i := len(indices) - 1; i >= 0; i-- {
		chunk, err := s.readChunk(userID, indices[i])
		if err != nil {
			continue
		}
		if id := chunk.LastID(role); id != 0 {
			return id
		}
	}
	return 0
}
