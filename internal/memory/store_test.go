package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func newSQLiteTestStore(t *testing.T) Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	s, err := NewSQLiteStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLiteTestStore(t)) })
	t.Run("mem", func(t *testing.T) { fn(t, NewMemStore()) })
}

func TestEnsureAndGetConversation(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.GetConversation(ctx, "c1")
		assert.True(t, errors.Is(err, ErrNotFound))

		c, err := s.EnsureConversation(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, "c1", c.ID)
		assert.Empty(t, c.PersonaMode)
		assert.False(t, c.CreatedAt.IsZero())

		again, err := s.EnsureConversation(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, c.CreatedAt.Unix(), again.CreatedAt.Unix())

		require.NoError(t, s.SetPersonaMode(ctx, "c1", "concise"))
		got, err := s.GetConversation(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, "concise", got.PersonaMode)

		require.NoError(t, s.SetPersonaMode(ctx, "fresh", "companion"))
		got, err = s.GetConversation(ctx, "fresh")
		require.NoError(t, err)
		assert.Equal(t, "companion", got.PersonaMode)
	})
}

func TestAppendMessages_Ordinals(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		first, err := s.AppendMessages(ctx, "c1", []NewMessage{
			{Role: RoleUser, Content: "hi"},
			{Role: RoleAssistant, Content: "hello", Model: "qwen3:4b", PersonaMode: "assistant"},
		})
		require.NoError(t, err)
		require.Len(t, first, 2)
		assert.Equal(t, int64(1), first[0].Seq)
		assert.Equal(t, int64(2), first[1].Seq)
		assert.NotEqual(t, first[0].ID, first[1].ID)

		second, err := s.AppendMessages(ctx, "c1", []NewMessage{
			{Role: RoleUser, Content: "again"},
			{Role: RoleTool, Content: "3", ToolCallID: "call_0"},
			{Role: RoleAssistant, Content: "done"},
		})
		require.NoError(t, err)
		assert.Equal(t, []int64{3, 4, 5}, seqs(second))

		other, err := s.AppendMessages(ctx, "c2", []NewMessage{{Role: RoleUser, Content: "x"}})
		require.NoError(t, err)
		assert.Equal(t, int64(1), other[0].Seq)

		all, err := s.Messages(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 2, 3, 4, 5}, seqs(all))
		assert.Equal(t, "call_0", all[3].ToolCallID)
		assert.Equal(t, "qwen3:4b", all[1].Model)

		recent, err := s.RecentMessages(ctx, "c1", 2)
		require.NoError(t, err)
		assert.Equal(t, []int64{4, 5}, seqs(recent))

		none, err := s.RecentMessages(ctx, "c1", 0)
		require.NoError(t, err)
		assert.Empty(t, none)

		conv, err := s.GetConversation(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, 5, conv.MessageCount)
	})
}

func TestAppendMessages_RejectsBadRoleAtomically(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.AppendMessages(ctx, "c1", []NewMessage{
			{Role: RoleUser, Content: "ok"},
			{Role: "system", Content: "nope"},
		})
		require.Error(t, err)

		msgs, err := s.Messages(ctx, "c1")
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})
}

func TestAppendMessages_ConcurrentGapFree(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		const writers, batches = 8, 10

		var wg sync.WaitGroup
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for b := 0; b < batches; b++ {
					_, err := s.AppendMessages(ctx, "shared", []NewMessage{
						{Role: RoleUser, Content: fmt.Sprintf("w%d b%d", w, b)},
						{Role: RoleAssistant, Content: "ok"},
					})
					assert.NoError(t, err)
				}
			}(w)
		}
		wg.Wait()

		msgs, err := s.Messages(ctx, "shared")
		require.NoError(t, err)
		require.Len(t, msgs, writers*batches*2)
		for i, m := range msgs {
			assert.Equal(t, int64(i+1), m.Seq)
			if i%2 == 1 {
				assert.Equal(t, RoleAssistant, m.Role, "batch split at seq %d", m.Seq)
			}
		}
	})
}

func TestListConversations(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.AppendMessages(ctx, "old", []NewMessage{{Role: RoleUser, Content: "a"}})
		require.NoError(t, err)
		_, err = s.AppendMessages(ctx, "new", []NewMessage{{Role: RoleUser, Content: "b"}, {Role: RoleAssistant, Content: "c"}})
		require.NoError(t, err)

		convs, err := s.ListConversations(ctx)
		require.NoError(t, err)
		require.Len(t, convs, 2)
		counts := map[string]int{}
		for _, c := range convs {
			counts[c.ID] = c.MessageCount
		}
		assert.Equal(t, map[string]int{"old": 1, "new": 2}, counts)
	})
}

func seqs(msgs []Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.Seq
	}
	return out
}
