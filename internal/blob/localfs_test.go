package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingReader struct {
	data []byte
	err  error
	done bool
}

func (f *failingReader) Read(p []byte) (int, error) {
	if f.done {
		return 0, f.err
	}
	f.done = true
	return copy(p, f.data), nil
}

func TestLocalFSPutAndOpen(t *testing.T) {
	fs := LocalFS{Root: t.TempDir()}
	var mirror bytes.Buffer

	n, err := fs.Put(context.Background(), "artifacts/abc/job.glb", bytes.NewReader([]byte("glTF-binary")), &mirror)
	require.NoError(t, err)
	assert.EqualValues(t, 11, n)
	assert.Equal(t, "glTF-binary", mirror.String())
	assert.True(t, fs.Exists("artifacts/abc/job.glb"))

	f, err := fs.Open("artifacts/abc/job.glb")
	require.NoError(t, err)
	defer f.Close()
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "glTF-binary", string(got))
}

func TestLocalFSPutRefusesOverwrite(t *testing.T) {
	fs := LocalFS{Root: t.TempDir()}
	_, err := fs.Put(context.Background(), "a.glb", bytes.NewReader([]byte("one")))
	require.NoError(t, err)

	_, err = fs.Put(context.Background(), "a.glb", bytes.NewReader([]byte("two")))
	require.ErrorIs(t, err, os.ErrExist)
}

func TestLocalFSPutFailureLeavesNothingVisible(t *testing.T) {
	root := t.TempDir()
	fs := LocalFS{Root: root}
	boom := errors.New("connection reset")

	_, err := fs.Put(context.Background(), "artifacts/o/j.glb", &failingReader{data: []byte("partial"), err: boom})
	require.Error(t, err)

	var srcErr *SourceError
	require.ErrorAs(t, err, &srcErr)
	assert.ErrorIs(t, err, boom)
	assert.False(t, fs.Exists("artifacts/o/j.glb"))

	entries, err := os.ReadDir(filepath.Join(root, "artifacts", "o"))
	require.NoError(t, err)
	assert.Empty(t, entries, "temp file must be cleaned up")
}

func TestLocalFSPutHonoursContext(t *testing.T) {
	fs := LocalFS{Root: t.TempDir()}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fs.Put(ctx, "x.glb", bytes.NewReader([]byte("data")))
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, fs.Exists("x.glb"))
}

func TestLocalFSRejectsEscapingPaths(t *testing.T) {
	fs := LocalFS{Root: t.TempDir()}
	for _, p := range []string{"../escape.glb", "/abs.glb", ".", "a/../../b"} {
		_, err := fs.Put(context.Background(), p, bytes.NewReader(nil))
		assert.ErrorIs(t, err, ErrInvalidPath, p)
	}
}

func TestLocalFSRemoveMissingIsNoop(t *testing.T) {
	fs := LocalFS{Root: t.TempDir()}
	assert.NoError(t, fs.Remove("nope.glb"))
}
