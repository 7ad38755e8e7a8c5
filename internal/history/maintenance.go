package history

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/z-relay/internal/model/chat"
)

// DialogSummary is the per-user overview shown by the admin surfaces.
type DialogSummary struct {
	UserID                 int64     `json:"userId"`
	Chunks                 int       `json:"chunks"`
	Messages               int       `json:"messages"`
	FirstActivity          time.Time `json:"firstActivity,omitempty"`
	LastActivity           time.Time `json:"lastActivity,omitempty"`
	LastUserMessageID      int64     `json:"lastUserMessageId"`
	LastAssistantMessageID int64     `json:"lastAssistantMessageId"`
}

// Users lists every user id that has a directory under the store, ascending.
func (s *Store) Users(ctx context.Context) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.cfg.BaseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list users: %w", err)
	}

	var users []int64
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if id, ok := chat.ParseUserDirName(entry.Name()); ok {
			users = append(users, id)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users, nil
}

// Summary aggregates chunk and message counts for one user.
func (s *Store) Summary(ctx context.Context, userID int64) (DialogSummary, error) {
	if err := ctx.Err(); err != nil {
		return DialogSummary{}, err
	}

	unlock := s.lockUser(userID)
	defer unlock()

	indices, err := s.chunkIndices(userID)
	if err != nil {
		return DialogSummary{}, err
	}

	summary := DialogSummary{UserID: userID, Chunks: len(indices)}
	for _, idx := range indices {
		chunk, err := s.readChunk(userID, idx)
		if err != nil {
			continue
		}
		summary.Messages += len(chunk.Messages)
		if !chunk.Meta.CreatedAt.IsZero() && (summary.FirstActivity.IsZero() || chunk.Meta.CreatedAt.Time.Before(summary.FirstActivity)) {
			summary.FirstActivity = chunk.Meta.CreatedAt.Time
		}
		if chunk.Meta.UpdatedAt.Time.After(summary.LastActivity) {
			summary.LastActivity = chunk.Meta.UpdatedAt.Time
		}
		if id := chunk.LastID(chat.RoleUser); id != 0 {
			summary.LastUserMessageID = id
		}
		if id := chunk.LastID(chat.RoleAssistant); id != 0 {
			summary.LastAssistantMessageID = id
		}
	}
	return summary, nil
}

// RebuildMeta recomputes the meta of every chunk of every user, carrying the last ids
// forward chunk to chunk, and rewrites only chunks whose meta changed. Running it twice
// reports zero updates the second time.
func (s *Store) RebuildMeta(ctx context.Context) (updated, total int, err error) {
	users, err := s.Users(ctx)
	if err != nil {
		return 0, 0, err
	}

	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			return updated, total, err
		}
		u, t, err := s.rebuildUser(userID)
		updated += u
		total += t
		if err != nil {
			return updated, total, err
		}
	}

	s.logger.Info("chunk meta rebuilt",
		zap.Int("users", len(users)),
		zap.Int("chunks", total),
		zap.Int("updated", updated),
	)
	return updated, total, nil
}

func (s *Store) rebuildUser(userID int64) (updated, total int, err error) {
	unlock := s.lockUser(userID)
	defer unlock()

	indices, err := s.chunkIndices(userID)
	if err != nil {
		return 0, 0, err
	}

	var carry chat.ChunkMeta
	for _, idx := range indices {
		chunk, err := s.readChunk(userID, idx)
		if err != nil {
			s.logger.Warn("skipping unreadable chunk during rebuild",
				zap.Int64("user_id", userID),
				zap.Int("chunk", idx),
				zap.Error(err),
			)
			continue
		}
		total++

		changed := chunk.RecomputeMeta(carry)
		if chunk.UserID != userID || chunk.ChunkIndex != idx {
			chunk.UserID = userID
			chunk.ChunkIndex = idx
			changed = true
		}
		if chunk.Messages == nil {
			chunk.Messages = []chat.Message{}
		}
		if changed {
			if err := s.writeChunk(userID, chunk); err != nil {
				return updated, total, err
			}
			updated++
		}
		carry = chunk.Meta
	}
	return updated, total, nil
}

// Prune deletes all but the newest keep chunks of a user and returns the removed file
// names. Remaining chunks keep their indices.
func (s *Store) Prune(ctx context.Context, userID int64, keep int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if keep < 1 {
		return nil, fmt.Errorf("keep must be at least 1, got %d", keep)
	}

	unlock := s.lockUser(userID)
	defer unlock()

	indices, err := s.chunkIndices(userID)
	if err != nil {
		return nil, err
	}
	if len(indices) <= keep {
		return nil, nil
	}

	var removed []string
	for _, idx := range indices[:len(indices)-keep] {
		if err := os.Remove(s.chunkPath(userID, idx)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("remove chunk %d: %w", idx, err)
		}
		removed = append(removed, chat.ChunkFileName(idx))
	}
	s.logger.Info("history pruned",
		zap.Int64("user_id", userID),
		zap.Int("removed", len(removed)),
		zap.Int("kept", keep),
	)
	return removed, nil
}

// Delete removes the user's whole directory, profile included.
func (s *Store) Delete(ctx context.Context, userID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	unlock := s.lockUser(userID)
	defer unlock()

	dir := s.UserDir(userID)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrUnknownUser
		}
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete dialog %d: %w", userID, err)
	}
	s.logger.Info("dialog deleted", zap.Int64("user_id", userID))
	return nil
}

// ErrUnknownUser is returned when a user has no stored dialog.
var ErrUnknownUser = errors.New("history: no dialog for user")
