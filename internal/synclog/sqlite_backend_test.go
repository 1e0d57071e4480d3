package synclog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.db")
	b, err := NewSQLiteBackend(path)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Append(ctx, "f1", []OpRecord{testRecord(1, "a1"), testRecord(2, "a2")}))
	require.NoError(t, b.Append(ctx, "f2", []OpRecord{testRecord(1, "b1")}))
	require.NoError(t, b.Close())

	b2, err := NewSQLiteBackend(path)
	require.NoError(t, err)
	defer b2.Close()

	logs, err := b2.Load(ctx)
	require.NoError(t, err)
	require.Len(t, logs["f1"], 2)
	assert.Equal(t, uint64(2), logs["f1"][1].Seq)
	assert.Equal(t, "a2", logs["f1"][1].OpID)
	assert.JSONEq(t, `{"k":"v"}`, string(logs["f1"][1].Data))
	require.Len(t, logs["f2"], 1)
}

func TestSQLiteBackendNullDataSurvives(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.db")
	b, err := NewSQLiteBackend(path)
	require.NoError(t, err)
	defer b.Close()

	rec := testRecord(1, "del1")
	rec.OpType = OpTypeDelete
	rec.Data = nil
	ctx := context.Background()
	require.NoError(t, b.Append(ctx, "f1", []OpRecord{rec}))

	logs, err := b.Load(ctx)
	require.NoError(t, err)
	require.Len(t, logs["f1"], 1)
	assert.Nil(t, logs["f1"][0].Data)
	assert.Equal(t, OpTypeDelete, logs["f1"][0].OpType)
}

func TestSQLiteBackendAppendIsAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.db")
	b, err := NewSQLiteBackend(path)
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	require.NoError(t, b.Append(ctx, "f1", []OpRecord{testRecord(1, "a1")}))

	// The second record collides on op_id, so the whole batch must roll back.
	err = b.Append(ctx, "f1", []OpRecord{testRecord(2, "a2"), testRecord(3, "a1")})
	require.Error(t, err)

	logs, err := b.Load(ctx)
	require.NoError(t, err)
	require.Len(t, logs["f1"], 1)
	assert.Equal(t, "a1", logs["f1"][0].OpID)
}
