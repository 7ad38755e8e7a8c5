package chat

import (
	"fmt"
	"strconv"
	"strings"
)

// ChunkMeta 记录分块的时间范围以及截至该分块的最后消息编号。
type ChunkMeta struct {
	CreatedAt              Timestamp `json:"created_at"`
	UpdatedAt              Timestamp `json:"updated_at"`
	LastUserMessageID      int64     `json:"last_user_message_id"`
	LastAssistantMessageID int64     `json:"last_assistant_message_id"`
}

// LastID returns the recorded id for role, 0 for roles that carry none.
func (m ChunkMeta) LastID(role Role) int64 {
	switch role {
	case RoleUser:
		return m.LastUserMessageID
	case RoleAssistant:
		return m.LastAssistantMessageID
	}
	return 0
}

// Chunk 是单个分块文件的内容。
type Chunk struct {
	UserID     int64     `json:"user_id"`
	ChunkIndex int       `json:"chunk_index"`
	Messages   []Message `json:"messages"`
	Meta       ChunkMeta `json:"meta"`
}

// NewChunk returns an empty chunk whose meta inherits the last ids of carry.
func NewChunk(userID int64, index int, carry ChunkMeta) Chunk {
	return Chunk{
		UserID:     userID,
		ChunkIndex: index,
		Messages:   []Message{},
		Meta: ChunkMeta{
			LastUserMessageID:      carry.LastUserMessageID,
			LastAssistantMessageID: carry.LastAssistantMessageID,
		},
	}
}

// LastID returns the newest non-zero id of role among the messages, falling back to
// the meta value.
func (c Chunk) LastID(role Role) int64 {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		msg := c.Messages[i]
		if msg.Role == role && msg.MessageID != 0 {
			return msg.MessageID
		}
	}
	return c.Meta.LastID(role)
}

// RecomputeMeta derives the meta from the messages. carry holds the ids inherited from
// older chunks and is used for any role absent here. It reports whether Meta changed.
func (c *Chunk) RecomputeMeta(carry ChunkMeta) bool {
	next := ChunkMeta{
		LastUserMessageID:      carry.LastUserMessageID,
		LastAssistantMessageID: carry.LastAssistantMessageID,
	}

	for _, msg := range c.Messages {
		if !msg.CreatedAt.IsZero() {
			if next.CreatedAt.IsZero() || msg.CreatedAt.Before(next.CreatedAt) {
				next.CreatedAt = msg.CreatedAt
			}
			if next.UpdatedAt.IsZero() || next.UpdatedAt.Before(msg.CreatedAt) {
				next.UpdatedAt = msg.CreatedAt
			}
		}
		if msg.MessageID == 0 {
			continue
		}
		switch msg.Role {
		case RoleUser:
			next.LastUserMessageID = msg.MessageID
		case RoleAssistant:
			next.LastAssistantMessageID = msg.MessageID
		}
	}

	if next.CreatedAt.IsZero() {
		next.CreatedAt = c.Meta.CreatedAt
	}
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = c.Meta.UpdatedAt
	}

	changed := !next.CreatedAt.Equal(c.Meta.CreatedAt.Time) ||
		!next.UpdatedAt.Equal(c.Meta.UpdatedAt.Time) ||
		next.LastUserMessageID != c.Meta.LastUserMessageID ||
		next.LastAssistantMessageID != c.Meta.LastAssistantMessageID
	c.Meta = next
	return changed
}

// Full reports whether the chunk holds at least limit messages.
func (c Chunk) Full(limit int) bool {
	return limit > 0 && len(c.Messages) >= limit
}

// UserDirName 返回用户目录名，如 user_42。
func UserDirName(userID int64) string {
	return fmt.Sprintf("user_%d", userID)
}

// ParseUserDirName is the inverse of UserDirName.
func ParseUserDirName(name string) (int64, bool) {
	rest, ok := strings.CutPrefix(name, "user_")
	if !ok || rest == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// ChunkFileName 返回分块文件名，序号补零到四位。
func ChunkFileName(index int) string {
	return fmt.Sprintf("chunk_%04d.json", index)
}

// ParseChunkFileName extracts the index from a chunk file name.
func ParseChunkFileName(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, "chunk_")
	if !ok {
		return 0, false
	}
	rest, ok = strings.CutSuffix(rest, ".json")
	if !ok || rest == "" {
		return 0, false
	}
	idx, err := strconv.Atoi(rest)
	if err != nil || idx <= 0 {
		return 0, false
	}
	return idx, true
}
