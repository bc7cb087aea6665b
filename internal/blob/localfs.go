package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var ErrInvalidPath = errors.New("invalid blob path")

// LocalFS stores blobs as files below Root. Put writes to a temporary file in
// the destination directory and renames it into place, so a blob is either
// absent or complete.
type LocalFS struct {
	Root string
}

// SourceError marks a failure reading from the caller's reader, as opposed to
// a local write failure.
type SourceError struct {
	Err error
}

func (e *SourceError) Error() string { return "read source: " + e.Err.Error() }
func (e *SourceError) Unwrap() error { return e.Err }

func (l LocalFS) abs(relPath string) (string, string, error) {
	clean := filepath.Clean(relPath)
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidPath, relPath)
	}
	return clean, filepath.Join(l.Root, clean), nil
}

// Put copies r into relPath and returns the number of bytes written. Extra
// writers (for example a hash) receive the same bytes.
func (l LocalFS) Put(ctx context.Context, relPath string, r io.Reader, extra ...io.Writer) (int64, error) {
	_, abs, err := l.abs(relPath)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return 0, err
	}
	if _, err := os.Stat(abs); err == nil {
		return 0, fmt.Errorf("%w: %s exists", os.ErrExist, relPath)
	}

	tmp, err := os.CreateTemp(filepath.Dir(abs), "."+filepath.Base(abs)+".*.tmp")
	if err != nil {
		return 0, err
	}
	published := false
	defer func() {
		if !published {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	src := &sourceReader{ctx: ctx, r: r}
	dst := io.Writer(tmp)
	if len(extra) > 0 {
		dst = io.MultiWriter(append([]io.Writer{tmp}, extra...)...)
	}
	n, err := io.Copy(dst, src)
	if err != nil {
		if src.err != nil {
			return n, &SourceError{Err: src.err}
		}
		return n, err
	}
	if err := tmp.Sync(); err != nil {
		return n, err
	}
	if err := tmp.Close(); err != nil {
		return n, err
	}
	if err := os.Rename(tmp.Name(), abs); err != nil {
		return n, err
	}
	published = true
	return n, nil
}

func (l LocalFS) Open(relPath string) (*os.File, error) {
	_, abs, err := l.abs(relPath)
	if err != nil {
		return nil, err
	}
	return os.Open(abs)
}

func (l LocalFS) Exists(relPath string) bool {
	_, abs, err := l.abs(relPath)
	if err != nil {
		return false
	}
	_, err = os.Stat(abs)
	return err == nil
}

func (l LocalFS) Remove(relPath string) error {
	_, abs, err := l.abs(relPath)
	if err != nil {
		return err
	}
	err = os.Remove(abs)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// sourceReader stops the copy when ctx is done and remembers read failures.
type sourceReader struct {
	ctx context.Context
	r   io.Reader
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	if err := s.ctx.Err(); err != nil {
		s.err = err
		return 0, err
	}
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF {
		s.err = err
	}
	return n, err
}
