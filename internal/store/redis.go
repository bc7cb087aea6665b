package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/meshforge/internal/model"
)

// RedisOptions configures the Redis adapter.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Redis stores job and artifact records as JSON strings, with sorted sets as
// per-owner and active-job indexes. Transitions use WATCH/MULTI so concurrent
// writers to the same job are detected.
type Redis struct {
	client    *redis.Client
	keyPrefix string
	now       func() time.Time
}

const txRetries = 5

func OpenRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedis(client, opts.KeyPrefix), nil
}

// NewRedis wraps an existing client. An empty prefix defaults to "meshforge:".
func NewRedis(client *redis.Client, keyPrefix string) *Redis {
	if keyPrefix == "" {
		keyPrefix = "meshforge:"
	}
	return &Redis{client: client, keyPrefix: keyPrefix, now: time.Now}
}

func (s *Redis) Close() error { return s.client.Close() }

func (s *Redis) jobKey(id string) string { return s.keyPrefix + "job:" + id }
func (s *Redis) ownerJobsKey(owner string) string { return s.keyPrefix + "owner:" + owner + ":jobs" }
func (s *Redis) activeKey() string { return s.keyPrefix + "jobs:active" }
func (s *Redis) artifactKey(location string) string { return s.keyPrefix + "artifact:" + location }
func (s *Redis) ownerArtifactsKey(owner string) string { return s.keyPrefix + "owner:" + owner + ":artifacts" }
func (s *Redis) artifactSeqKey() string { return s.keyPrefix + "artifact:seq" }

func (s *Redis) CreateJob(ctx context.Context, job model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	key := s.jobKey(job.ID)
	score := float64(job.CreatedAt.UnixNano())

	return s.watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("job %s: %w", job.ID, model.ErrConflict)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZAdd(ctx, s.ownerJobsKey(job.Owner), redis.Z{Score: score, Member: job.ID})
			if !job.State.Terminal() {
				pipe.ZAdd(ctx, s.activeKey(), redis.Z{Score: score, Member: job.ID})
			}
			return nil
		})
		return err
	}, key)
}

func (s *Redis) GetJob(ctx context.Context, id string) (model.Job, error) {
	raw, err := s.client.Get(ctx, s.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Job{}, model.ErrNotFound
	}
	if err != nil {
		return model.Job{}, err
	}
	var job model.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return model.Job{}, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return job, nil
}

func (s *Redis) TransitionJob(ctx context.Context, id string, tr model.Transition) (model.Job, error) {
	key := s.jobKey(id)
	var current, next model.Job

	err := s.watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return model.ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &current); err != nil {
			return fmt.Errorf("failed to unmarshal job: %w", err)
		}
		next, err = current.Apply(tr, s.now())
		if err != nil {
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if next.State.Terminal() {
				pipe.ZRem(ctx, s.activeKey(), id)
			}
			return nil
		})
		return err
	}, key)
	if err != nil {
		return current, err
	}
	return next, nil
}

func (s *Redis) ListJobs(ctx context.Context, owner string, state *model.JobState, limit int) ([]model.Job, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	ids, err := s.client.ZRevRange(ctx, s.ownerJobsKey(owner), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	jobs, err := s.loadJobs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]model.Job, 0, min(limit, len(jobs)))
	for _, job := range jobs {
		if state != nil && job.State != *state {
			continue
		}
		out = append(out, job)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Redis) ListActiveJobs(ctx context.Context) ([]model.Job, error) {
	ids, err := s.client.ZRange(ctx, s.activeKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return s.loadJobs(ctx, ids)
}

func (s *Redis) loadJobs(ctx context.Context, ids []string) ([]model.Job, error) {
	if len(ids) == 0 {
		return []model.Job{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.jobKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]model.Job, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var job model.Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job: %w", err)
		}
		out = append(out, job)
	}
	return out, nil
}

func (s *Redis) RecordArtifact(ctx context.Context, a model.Artifact) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal artifact: %w", err)
	}
	seq, err := s.client.Incr(ctx, s.artifactSeqKey()).Result()
	if err != nil {
		return err
	}
	key := s.artifactKey(a.Location)

	return s.watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("artifact %s: %w", a.Location, model.ErrConflict)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZAdd(ctx, s.ownerArtifactsKey(a.Owner), redis.Z{Score: float64(seq), Member: a.Location})
			return nil
		})
		return err
	}, key)
}

func (s *Redis) GetArtifact(ctx context.Context, location string) (model.Artifact, error) {
	raw, err := s.client.Get(ctx, s.artifactKey(location)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Artifact{}, model.ErrNotFound
	}
	if err != nil {
		return model.Artifact{}, err
	}
	var a model.Artifact
	if err := json.Unmarshal(raw, &a); err != nil {
		return model.Artifact{}, fmt.Errorf("failed to unmarshal artifact: %w", err)
	}
	return a, nil
}

func (s *Redis) ListArtifactsByOwner(ctx context.Context, owner string) ([]model.Artifact, error) {
	locations, err := s.client.ZRange(ctx, s.ownerArtifactsKey(owner), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]model.Artifact, 0, len(locations))
	if len(locations) == 0 {
		return out, nil
	}
	keys := make([]string, len(locations))
	for i, loc := range locations {
		keys[i] = s.artifactKey(loc)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var a model.Artifact
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, fmt.Errorf("failed to unmarshal artifact: %w", err)
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *Redis) DeleteArtifact(ctx context.Context, location string) error {
	a, err := s.GetArtifact(ctx, location)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.artifactKey(location))
		pipe.ZRem(ctx, s.ownerArtifactsKey(a.Owner), location)
		return nil
	})
	return err
}

// watch runs fn in an optimistic transaction, retrying when a watched key
// changes underneath it.
func (s *Redis) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	var err error
	for i := 0; i < txRetries; i++ {
		err = s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}
