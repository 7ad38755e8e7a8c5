package history

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/zhouzirui/z-relay/internal/model/chat"
)

const corruptSuffix = ".corrupt"

func (s *Store) chunkPath(userID int64, index int) string {
	return filepath.Join(s.UserDir(userID), chat.ChunkFileName(index))
}

// chunkIndices lists the user's chunk indices in ascending order. A missing user
// directory is not an error.
func (s *Store) chunkIndices(userID int64) ([]int, error) {
	entries, err := os.ReadDir(s.UserDir(userID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list chunks for user %d: %w", userID, err)
	}

	indices := make([]int, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if idx, ok := chat.ParseChunkFileName(entry.Name()); ok {
			indices = append(indices, idx)
		}
	}
	sort.Ints(indices)
	return indices, nil
}

func (s *Store) readChunk(userID int64, index int) (chat.Chunk, error) {
	path := s.chunkPath(userID, index)
	data, err := os.ReadFile(path)
	if err != nil {
		return chat.Chunk{}, err
	}

	var chunk chat.Chunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return chat.Chunk{}, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if chunk.UserID == 0 {
		chunk.UserID = userID
	}
	if chunk.ChunkIndex == 0 {
		chunk.ChunkIndex = index
	}
	return chunk, nil
}

// writeChunk replaces the chunk file atomically: temp file in the same directory,
// fsync, rename.
func (s *Store) writeChunk(userID int64, chunk chat.Chunk) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(chunk); err != nil {
		return fmt.Errorf("encode chunk: %w", err)
	}

	dir := s.UserDir(userID)
	tmp, err := os.CreateTemp(dir, ".chunk-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp chunk: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp chunk: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp chunk: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp chunk: %w", err)
	}
	if err := os.Rename(tmpPath, s.chunkPath(userID, chunk.ChunkIndex)); err != nil {
		cleanup()
		return fmt.Errorf("replace chunk: %w", err)
	}
	return nil
}

// quarantine copies an unreadable chunk next to itself with a .corrupt suffix so the
// original bytes survive the overwrite that follows.
func (s *Store) quarantine(userID int64, index int) {
	path := s.chunkPath(userID, index)
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	if err := os.WriteFile(path+corruptSuffix, data, 0o644); err != nil {
		s.logger.Warn("could not back up corrupt chunk", zap.String("path", path), zap.Error(err))
		return
	}
	s.logger.Info("corrupt chunk backed up", zap.String("path", path+corruptSuffix))
}
