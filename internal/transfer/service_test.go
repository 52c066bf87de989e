package transfer

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"

	"unitmover.io/unitmover/internal/domain"
	apperrors "unitmover.io/unitmover/internal/pkg/errors"
	"unitmover.io/unitmover/internal/pkg/logger"
)

func init() {
	_ = logger.Init("error", "json")
}

func newTestService(t *testing.T, maxChunk int) (*Service, *MemorySink, *testclock.Clock) {
	t.Helper()
	clk := testclock.NewClock(time.Now())
	sink := NewMemorySink()
	svc := NewService(sink, Config{MaxChunkSize: maxChunk, SessionTTL: time.Minute, Clock: clk})
	return svc, sink, clk
}

func putAll(t *testing.T, svc *Service, sessionID string, item domain.Item, chunkSize int) ItemManifest {
	t.Helper()
	chunks, manifest := Split(item, chunkSize)
	for _, ch := range chunks {
		_, err := svc.PutChunk(context.Background(), sessionID, item.ID, ch.Index, ch.Data, ch.Hash)
		require.NoError(t, err)
	}
	return manifest
}

func TestSplit(t *testing.T) {
	item := domain.Item{ID: "m1", Data: []byte("abcdefghij")}
	chunks, manifest := Split(item, 4)

	require.Len(t, chunks, 3)
	require.Equal(t, []byte("ij"), chunks[2].Data)
	require.Equal(t, uint32(3), manifest.ChunkCount)
	require.Equal(t, uint64(10), manifest.ExpectedLength)
	require.Equal(t, HashItem(item.Data), manifest.ExpectedHash)
	for i, ch := range chunks {
		require.Equal(t, uint32(i), ch.Index)
		require.Equal(t, HashChunk(ch.Data), ch.Hash)
	}

	empty, m := Split(domain.Item{ID: "e"}, 4)
	require.Empty(t, empty)
	require.Zero(t, m.ChunkCount)
}

func TestHashDomainsDiffer(t *testing.T) {
	data := []byte("same bytes")
	require.NotEqual(t, HashChunk(data), HashItem(data))

	parsed, err := ParseHash(FormatHash(HashChunk(data)))
	require.NoError(t, err)
	require.Equal(t, HashChunk(data), parsed)

	_, err = ParseHash("abc")
	require.Error(t, err)
}

func TestBegin_RejectsZeroItems(t *testing.T) {
	svc, _, _ := newTestService(t, 16)
	_, err := svc.Begin(context.Background(), 0, 10)
	require.True(t, apperrors.IsCode(err, apperrors.CodeInvalidArgument))
}

func TestPutChunk_Validation(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, 4)
	id, err := svc.Begin(ctx, 1, 6)
	require.NoError(t, err)

	big := []byte("12345")
	_, err = svc.PutChunk(ctx, id, "m1", 0, big, HashChunk(big))
	require.True(t, apperrors.IsCode(err, apperrors.CodeChunkTooLarge))

	_, err = svc.PutChunk(ctx, id, "m1", 0, []byte("abcd"), HashChunk([]byte("abce")))
	require.True(t, apperrors.IsCode(err, apperrors.CodeChunkHashMismatch))

	_, err = svc.PutChunk(ctx, "missing", "m1", 0, []byte("abcd"), HashChunk([]byte("abcd")))
	require.True(t, apperrors.IsCode(err, apperrors.CodeSessionNotFound))

	_, err = svc.PutChunk(ctx, id, "m1", 0, []byte("abcd"), HashChunk([]byte("abcd")))
	require.NoError(t, err)
	_, err = svc.PutChunk(ctx, id, "m1", 1, []byte("efg"), HashChunk([]byte("efg")))
	require.True(t, apperrors.IsCode(err, apperrors.CodeSessionOverflow))
}

func TestPutChunk_IdempotentAndConflict(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, 16)
	id, err := svc.Begin(ctx, 1, 8)
	require.NoError(t, err)

	data := []byte("abcd")
	ack, err := svc.PutChunk(ctx, id, "m1", 0, data, HashChunk(data))
	require.NoError(t, err)
	require.Equal(t, uint64(4), ack.BytesReceived)
	require.False(t, ack.Duplicate)

	ack, err = svc.PutChunk(ctx, id, "m1", 0, data, HashChunk(data))
	require.NoError(t, err)
	require.True(t, ack.Duplicate)
	require.Equal(t, uint64(4), ack.BytesReceived)

	other := []byte("wxyz")
	_, err = svc.PutChunk(ctx, id, "m1", 0, other, HashChunk(other))
	require.True(t, apperrors.IsCode(err, apperrors.CodeChunkConflict))
}

func TestCommitItem(t *testing.T) {
	ctx := context.Background()
	svc, sink, _ := newTestService(t, 4)

	m1 := domain.Item{ID: "m1", Data: []byte("hello world")}
	m2 := domain.Item{ID: "m2", Data: []byte("second!")}
	count, total := Totals([]domain.Item{m1, m2})
	id, err := svc.Begin(ctx, count, total)
	require.NoError(t, err)

	t.Run("incomplete", func(t *testing.T) {
		chunks, manifest := Split(m1, 4)
		_, err := svc.PutChunk(ctx, id, m1.ID, chunks[0].Index, chunks[0].Data, chunks[0].Hash)
		require.NoError(t, err)
		_, err = svc.CommitItem(ctx, id, manifest)
		require.True(t, apperrors.IsCode(err, apperrors.CodeItemIncomplete))
	})

	t.Run("success", func(t *testing.T) {
		manifest := putAll(t, svc, id, m1, 4)
		res, err := svc.CommitItem(ctx, id, manifest)
		require.NoError(t, err)
		require.True(t, res.OK())

		got, ok := sink.Item("m1")
		require.True(t, ok)
		require.Equal(t, m1.Data, got)

		res, err = svc.CommitItem(ctx, id, manifest)
		require.NoError(t, err)
		require.True(t, res.OK())
	})

	t.Run("hash mismatch marks item failed", func(t *testing.T) {
		manifest := putAll(t, svc, id, m2, 4)
		manifest.ExpectedHash = HashItem([]byte("SECOND!"))
		res, err := svc.CommitItem(ctx, id, manifest)
		require.NoError(t, err)
		require.Equal(t, CommitVerifyFailed, res.Status)
		require.Equal(t, "hash mismatch", res.Reason)

		_, ok := sink.Item("m2")
		require.False(t, ok)
	})

	summary, err := svc.Finalize(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.TransferSummary{
		ItemsCommitted: 1,
		ItemsFailed:    1,
		ItemsMissing:   0,
		TotalBytes:     uint64(len(m1.Data)),
		FailedItems:    []string{"m2"},
	}, summary)
	require.False(t, summary.Clean())

	_, err = svc.Finalize(ctx, id)
	require.True(t, apperrors.IsCode(err, apperrors.CodeSessionNotFound))
}

func TestCommitItem_LengthMismatch(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, 8)
	item := domain.Item{ID: "m1", Data: []byte("abc")}
	id, err := svc.Begin(ctx, 1, 3)
	require.NoError(t, err)

	manifest := putAll(t, svc, id, item, 8)
	manifest.ExpectedLength = 4
	res, err := svc.CommitItem(ctx, id, manifest)
	require.NoError(t, err)
	require.Equal(t, "length mismatch", res.Reason)
}

func TestCommitItem_EmptyItem(t *testing.T) {
	ctx := context.Background()
	svc, sink, _ := newTestService(t, 8)
	id, err := svc.Begin(ctx, 1, 0)
	require.NoError(t, err)

	_, manifest := Split(domain.Item{ID: "empty"}, 8)
	res, err := svc.CommitItem(ctx, id, manifest)
	require.NoError(t, err)
	require.True(t, res.OK())
	require.Equal(t, 1, sink.Len())
}

func TestFinalize_CountsMissing(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, 8)
	id, err := svc.Begin(ctx, 3, 100)
	require.NoError(t, err)

	manifest := putAll(t, svc, id, domain.Item{ID: "m1", Data: []byte("x")}, 8)
	_, err = svc.CommitItem(ctx, id, manifest)
	require.NoError(t, err)

	summary, err := svc.Finalize(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 1, summary.ItemsCommitted)
	require.Equal(t, 2, summary.ItemsMissing)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, 8)
	id, err := svc.Begin(ctx, 1, 1)
	require.NoError(t, err)

	require.NoError(t, svc.Cancel(ctx, id))
	require.True(t, apperrors.IsCode(svc.Cancel(ctx, id), apperrors.CodeSessionNotFound))
}

func TestSessionTTL(t *testing.T) {
	ctx := context.Background()
	svc, _, clk := newTestService(t, 8)

	stale, err := svc.Begin(ctx, 1, 1)
	require.NoError(t, err)
	clk.Advance(2 * time.Minute)

	_, err = svc.PutChunk(ctx, stale, "m1", 0, []byte("x"), HashChunk([]byte("x")))
	require.True(t, apperrors.IsCode(err, apperrors.CodeSessionNotFound))

	a, err := svc.Begin(ctx, 1, 1)
	require.NoError(t, err)
	_, err = svc.Begin(ctx, 1, 1)
	require.NoError(t, err)

	clk.Advance(30 * time.Second)
	_, err = svc.PutChunk(ctx, a, "m1", 0, []byte("x"), HashChunk([]byte("x")))
	require.NoError(t, err)

	clk.Advance(45 * time.Second)
	require.Equal(t, 1, svc.Sweep(ctx))
	require.Equal(t, 1, svc.Stats()["sessions"])
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc, _, clk := newTestService(t, 4)
	item := domain.Item{ID: "m1", Data: []byte("snapshot me")}
	id, err := svc.Begin(ctx, 2, 100)
	require.NoError(t, err)

	chunks, manifest := Split(item, 4)
	for _, ch := range chunks[:2] {
		_, err := svc.PutChunk(ctx, id, item.ID, ch.Index, ch.Data, ch.Hash)
		require.NoError(t, err)
	}
	done := putAll(t, svc, id, domain.Item{ID: "m0", Data: []byte("ok")}, 4)
	_, err = svc.CommitItem(ctx, id, done)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "sessions.snap")
	n, err := svc.SaveSnapshot(path)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	sink := NewMemorySink()
	restored := NewService(sink, Config{MaxChunkSize: 4, SessionTTL: time.Minute, Clock: clk})
	n, err = restored.RestoreSnapshot(path)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	ack, err := restored.PutChunk(ctx, id, item.ID, chunks[0].Index, chunks[0].Data, chunks[0].Hash)
	require.NoError(t, err)
	require.True(t, ack.Duplicate)

	last := chunks[2]
	_, err = restored.PutChunk(ctx, id, item.ID, last.Index, last.Data, last.Hash)
	require.NoError(t, err)
	res, err := restored.CommitItem(ctx, id, manifest)
	require.NoError(t, err)
	require.True(t, res.OK())

	got, ok := sink.Item("m1")
	require.True(t, ok)
	require.True(t, bytes.Equal(item.Data, got))

	summary, err := restored.Finalize(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 2, summary.ItemsCommitted)

	n, err = restored.RestoreSnapshot(path)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestDirSink(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewDirSink(dir)
	require.NoError(t, err)

	require.NoError(t, sink.WriteItem(context.Background(), "notes/2024", []byte("data")))
	require.FileExists(t, sink.Path("notes/2024"))
	require.Error(t, sink.WriteItem(context.Background(), "..", []byte("x")))
}
