package chat

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageReadsLegacyFields(t *testing.T) {
	raw := `{"role":"user","content":"hi","created_at":"2024-03-01T10:11:12.345+02:00","message_id":null}`

	var msg Message
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))

	assert.Equal(t, RoleUser, msg.Role)
	assert.Equal(t, int64(0), msg.MessageID)
	assert.Equal(t, "2024-03-01T08:11:12", msg.CreatedAt.String())
}

func TestMessageAlwaysWritesMessageID(t *testing.T) {
	msg := Message{Role: RoleSystem, Content: "note", CreatedAt: NewTimestamp(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))}

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"system","content":"note","created_at":"2024-01-02T03:04:05","message_id":0}`, string(data))
}

func TestRecomputeMetaCarriesIDs(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	chunk := NewChunk(7, 2, ChunkMeta{LastUserMessageID: 10, LastAssistantMessageID: 11})
	chunk.Messages = append(chunk.Messages,
		Message{Role: RoleUser, Content: "a", CreatedAt: NewTimestamp(base), MessageID: 12},
		Message{Role: RoleSystem, Content: "b", CreatedAt: NewTimestamp(base.Add(time.Minute))},
	)

	changed := chunk.RecomputeMeta(ChunkMeta{LastUserMessageID: 10, LastAssistantMessageID: 11})
	require.True(t, changed)
	assert.Equal(t, int64(12), chunk.Meta.LastUserMessageID)
	assert.Equal(t, int64(11), chunk.Meta.LastAssistantMessageID)
	assert.Equal(t, "2024-05-01T12:00:00", chunk.Meta.CreatedAt.String())
	assert.Equal(t, "2024-05-01T12:01:00", chunk.Meta.UpdatedAt.String())

	assert.False(t, chunk.RecomputeMeta(ChunkMeta{LastUserMessageID: 10, LastAssistantMessageID: 11}))
	assert.Equal(t, int64(11), chunk.LastID(RoleAssistant))
	assert.Equal(t, int64(0), chunk.LastID(RoleSystem))
}
