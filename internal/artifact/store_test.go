package artifact

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"

	"github.com/example/meshforge/internal/blob"
	"github.com/example/meshforge/internal/model"
	"github.com/example/meshforge/internal/store"
)

type brokenIndex struct {
	*store.Memory
}

func (brokenIndex) RecordArtifact(context.Context, model.Artifact) error {
	return errors.New("disk full")
}

type erroringReader struct{ err error }

func (e erroringReader) Read([]byte) (int, error) { return 0, e.err }

func TestLocationIsStableAndOwnerScoped(t *testing.T) {
	a := Location("alice", "job-1")
	assert.Equal(t, a, Location("alice", "job-1"))
	assert.NotEqual(t, a, Location("bob", "job-1"))
	assert.True(t, strings.HasPrefix(a, "artifacts/"))
	assert.True(t, strings.HasSuffix(a, "/job-1.glb"))
	assert.NotContains(t, Location("../../etc", "job"), "..")
}

func TestPutOpenList(t *testing.T) {
	ctx := context.Background()
	s := NewStore(blob.LocalFS{Root: t.TempDir()}, store.NewMemory(), nil)
	payload := []byte("glTF\x02\x00\x00\x00model-bytes")

	a, err := s.Put(ctx, "alice", "job-1", bytes.NewReader(payload))
	require.NoError(t, err)
	sum := blake3.Sum256(payload)
	assert.Equal(t, hex.EncodeToString(sum[:]), a.Checksum)
	assert.EqualValues(t, len(payload), a.SizeBytes)
	assert.Equal(t, ContentTypeGLB, a.ContentType)
	assert.Equal(t, "alice", a.Owner)

	meta, rc, err := s.Open(ctx, a.Location)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, a.Location, meta.Location)

	_, err = s.Put(ctx, "alice", "job-2", bytes.NewReader([]byte("second")))
	require.NoError(t, err)

	list, err := s.ListByOwner(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "job-1", list[0].JobID)
	assert.Equal(t, "job-2", list[1].JobID)

	_, _, err = s.Open(ctx, "artifacts/none/missing.glb")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestPutSourceErrorPassesThrough(t *testing.T) {
	s := NewStore(blob.LocalFS{Root: t.TempDir()}, store.NewMemory(), nil)
	src := erroringReader{err: model.ErrArtifactMissing}

	_, err := s.Put(context.Background(), "alice", "job-1", src)
	require.ErrorIs(t, err, model.ErrArtifactMissing)
	assert.NotErrorIs(t, err, model.ErrWriteFailed)

	list, err := s.ListByOwner(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestPutWriteFailure(t *testing.T) {
	root := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(root, []byte("x"), 0o644))
	s := NewStore(blob.LocalFS{Root: root}, store.NewMemory(), nil)

	_, err := s.Put(context.Background(), "alice", "job-1", bytes.NewReader([]byte("data")))
	require.ErrorIs(t, err, model.ErrWriteFailed)
}

func TestPutIndexFailureRemovesBlob(t *testing.T) {
	fs := blob.LocalFS{Root: t.TempDir()}
	s := NewStore(fs, brokenIndex{store.NewMemory()}, nil)

	_, err := s.Put(context.Background(), "alice", "job-1", bytes.NewReader([]byte("data")))
	require.ErrorIs(t, err, model.ErrWriteFailed)
	assert.False(t, fs.Exists(Location("alice", "job-1")))
}

func TestDiscard(t *testing.T) {
	ctx := context.Background()
	fs := blob.LocalFS{Root: t.TempDir()}
	s := NewStore(fs, store.NewMemory(), nil)

	a, err := s.Put(ctx, "alice", "job-1", bytes.NewReader([]byte("data")))
	require.NoError(t, err)
	require.NoError(t, s.Discard(ctx, a.Location))

	assert.False(t, fs.Exists(a.Location))
	_, err = s.Get(ctx, a.Location)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.NoError(t, s.Discard(ctx, a.Location))
}

func TestPutReplacesUnindexedBlob(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	fs := blob.LocalFS{Root: root}
	s := NewStore(fs, store.NewMemory(), nil)

	loc := Location("alice", "job-1")
	require.NoError(t, os.MkdirAll(filepath.Dir(filepath.Join(root, loc)), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, loc), []byte("partial leftovers"), 0o644))

	a, err := s.Put(ctx, "alice", "job-1", bytes.NewReader([]byte("fresh")))
	require.NoError(t, err)
	assert.EqualValues(t, 5, a.SizeBytes)

	_, rc, err := s.Open(ctx, loc)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(got))
}

func TestPutKeepsIndexedArtifact(t *testing.T) {
	ctx := context.Background()
	s := NewStore(blob.LocalFS{Root: t.TempDir()}, store.NewMemory(), nil)

	_, err := s.Put(ctx, "alice", "job-1", bytes.NewReader([]byte("first")))
	require.NoError(t, err)
	_, err = s.Put(ctx, "alice", "job-1", bytes.NewReader([]byte("second")))
	require.ErrorIs(t, err, model.ErrWriteFailed)

	_, rc, err := s.Open(ctx, Location("alice", "job-1"))
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))
}
