package maintenance

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/dotmemory/pkg/logger"
	"github.com/dotsetgreg/dotmemory/pkg/memory"
)

func openStore(t *testing.T, withIndex bool) *memory.Store {
	t.Helper()
	ctx := context.Background()
	records, err := memory.OpenSQLiteStore(ctx, filepath.Join(t.TempDir(), "memory.db"), logger.Nop())
	require.NoError(t, err)
	var idx memory.SimilarityIndex
	if withIndex {
		cidx, err := memory.NewChromemIndex("")
		require.NoError(t, err)
		idx = cidx
	}
	store := memory.NewStore(records, idx, logger.Nop())
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func putVector(t *testing.T, store *memory.Store, session, content string) int64 {
	t.Helper()
	emb := memory.NewChargramEmbedder(32)
	vec, err := emb.Embed(context.Background(), content)
	require.NoError(t, err)
	id, err := store.Put(context.Background(), memory.Memory{
		SessionID:      session,
		TurnNumber:     1,
		Type:           memory.TypeFact,
		Content:        content,
		Confidence:     0.9,
		Embedding:      vec,
		EmbeddingModel: emb.ModelID(),
	})
	require.NoError(t, err)
	return id
}

func TestNew_RejectsBadSchedule(t *testing.T) {
	store := openStore(t, false)

	_, err := New(store, "every tuesday", logger.Nop())
	assert.ErrorContains(t, err, "invalid schedule")

	_, err = New(nil, "* * * * *", logger.Nop())
	assert.Error(t, err)
}

func TestRunOnce_ReportsMismatchWithoutRepairing(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, true)
	putVector(t, store, "ok", "User's name is Asha")
	id := putVector(t, store, "drift", "User prefers tea")
	require.NoError(t, store.Index().Remove(ctx, "drift", id))

	s, err := New(store, "*/30 * * * *", logger.Nop())
	require.NoError(t, err)

	rep := s.RunOnce(ctx)
	require.NoError(t, rep.Err)
	assert.True(t, rep.Checkpointed)
	assert.Len(t, rep.Audits, 2)
	assert.Equal(t, []string{"drift"}, rep.Inconsistent)

	n, err := store.Index().Count(ctx, "drift")
	require.NoError(t, err)
	assert.Zero(t, n, "audit must not repair the index")
	assert.Same(t, s.LastReport(), s.LastReport())
}

func TestRunOnce_WithoutIndexStillCheckpoints(t *testing.T) {
	store := openStore(t, false)
	s, err := New(store, "* * * * *", logger.Nop())
	require.NoError(t, err)

	rep := s.RunOnce(context.Background())
	assert.NoError(t, rep.Err)
	assert.True(t, rep.Checkpointed)
	assert.Empty(t, rep.Audits)
}

func TestScheduler_RunsOncePerDueMinute(t *testing.T) {
	store := openStore(t, false)
	s, err := New(store, "* * * * *", logger.Nop())
	require.NoError(t, err)

	var minute atomic.Int64
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base.Add(time.Duration(minute.Load()) * time.Minute) }
	s.tick = 2 * time.Millisecond

	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool { return s.LastReport() != nil }, time.Second, time.Millisecond)
	first := s.LastReport()
	time.Sleep(20 * time.Millisecond)
	assert.Same(t, first, s.LastReport(), "same minute must not run twice")

	minute.Store(1)
	require.Eventually(t, func() bool { return s.LastReport() != first }, time.Second, time.Millisecond)
}

func TestScheduler_SkipsWhenNotDue(t *testing.T) {
	store := openStore(t, false)
	s, err := New(store, "0 3 * * *", logger.Nop())
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	s.tick = 2 * time.Millisecond

	s.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	s.Stop()
	s.Stop()

	assert.Nil(t, s.LastReport())
}
