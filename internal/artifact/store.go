// Package artifact commits generated model files and tracks which principal
// owns each one.
package artifact

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/example/meshforge/internal/blob"
	"github.com/example/meshforge/internal/model"
	"github.com/example/meshforge/internal/store"
)

const ContentTypeGLB = "model/gltf-binary"

// Store writes artifact bytes to a blob store and records them in an index.
// An artifact appears in the index only after its bytes are fully published.
type Store struct {
	blobs  blob.LocalFS
	index  store.ArtifactIndex
	logger *zap.Logger
	now    func() time.Time
}

func NewStore(blobs blob.LocalFS, index store.ArtifactIndex, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		blobs:  blobs,
		index:  index,
		logger: logger.With(zap.String("component", "artifact_store")),
		now:    time.Now,
	}
}

// Location derives the storage key for a job's artifact. The owner is hashed
// so that arbitrary principal ids never reach the filesystem.
func Location(owner, jobID string) string {
	sum := blake3.Sum256([]byte(owner))
	return path.Join("artifacts", hex.EncodeToString(sum[:8]), jobID+".glb")
}

// Put streams r into the location derived from (owner, jobID). Local I/O
// failures wrap model.ErrWriteFailed; failures reading r are returned as-is.
func (s *Store) Put(ctx context.Context, owner, jobID string, r io.Reader) (model.Artifact, error) {
	location := Location(owner, jobID)
	if _, err := s.index.GetArtifact(ctx, location); errors.Is(err, model.ErrNotFound) && s.blobs.Exists(location) {
		// Published by a run that stopped before indexing it.
		s.logger.Warn("replacing unindexed blob", zap.String("location", location))
		if err := s.blobs.Remove(location); err != nil {
			return model.Artifact{}, fmt.Errorf("%w: remove stale blob: %v", model.ErrWriteFailed, err)
		}
	}
	hasher := blake3.New()

	size, err := s.blobs.Put(ctx, location, r, hasher)
	if err != nil {
		var srcErr *blob.SourceError
		if errors.As(err, &srcErr) {
			return model.Artifact{}, srcErr.Err
		}
		return model.Artifact{}, fmt.Errorf("%w: %v", model.ErrWriteFailed, err)
	}

	a := model.Artifact{
		Location:    location,
		Owner:       owner,
		JobID:       jobID,
		SizeBytes:   size,
		Checksum:    hex.EncodeToString(hasher.Sum(nil)),
		ContentType: ContentTypeGLB,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.index.RecordArtifact(ctx, a); err != nil {
		if rmErr := s.blobs.Remove(location); rmErr != nil {
			s.logger.Warn("failed to remove unindexed blob", zap.String("location", location), zap.Error(rmErr))
		}
		return model.Artifact{}, fmt.Errorf("%w: record artifact: %v", model.ErrWriteFailed, err)
	}

	s.logger.Info("artifact committed",
		zap.String("location", location),
		zap.String("job_id", jobID),
		zap.Int64("size_bytes", size),
	)
	return a, nil
}

func (s *Store) Get(ctx context.Context, location string) (model.Artifact, error) {
	return s.index.GetArtifact(ctx, location)
}

// Open returns the artifact metadata and a reader over its bytes.
func (s *Store) Open(ctx context.Context, location string) (model.Artifact, io.ReadCloser, error) {
	a, err := s.index.GetArtifact(ctx, location)
	if err != nil {
		return model.Artifact{}, nil, err
	}
	f, err := s.blobs.Open(location)
	if err != nil {
		return model.Artifact{}, nil, fmt.Errorf("open artifact %s: %w", location, err)
	}
	return a, f, nil
}

func (s *Store) ListByOwner(ctx context.Context, owner string) ([]model.Artifact, error) {
	return s.index.ListArtifactsByOwner(ctx, owner)
}

// Discard removes a committed artifact. It is only used to roll back a commit
// whose job could not be marked succeeded.
func (s *Store) Discard(ctx context.Context, location string) error {
	if err := s.index.DeleteArtifact(ctx, location); err != nil && !errors.Is(err, model.ErrNotFound) {
		return err
	}
	return s.blobs.Remove(location)
}
