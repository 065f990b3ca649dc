package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Popie52/httpjobs/internal/model"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const maxTxRetries = 5

// RedisJobStore keeps each job as a JSON document, tracks ids in two sets
// (all jobs and active jobs) and stores run logs in a capped list per job
// with the newest entry at the head.
type RedisJobStore struct {
	client *redis.Client
	prefix string
	retain int
}

func NewRedisJobStore(client *redis.Client, prefix string, retain int) *RedisJobStore {
	if prefix == "" {
		prefix = "httpjobs"
	}
	if retain <= 0 {
		retain = DefaultRunLogRetain
	}
	return &RedisJobStore{
		client: client,
		prefix: prefix,
		retain: retain,
	}
}

func (s *RedisJobStore) jobKey(id string) string    { return fmt.Sprintf("%s:job:%s", s.prefix, id) }
func (s *RedisJobStore) runLogKey(id string) string { return fmt.Sprintf("%s:runlogs:%s", s.prefix, id) }
func (s *RedisJobStore) allKey() string             { return s.prefix + ":jobs" }
func (s *RedisJobStore) activeKey() string          { return s.prefix + ":jobs:active" }

func (s *RedisJobStore) Get(ctx context.Context, id string) (*model.Job, error) {
	data, err := s.client.Get(ctx, s.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeJob(data)
}

func (s *RedisJobStore) List(ctx context.Context) ([]*model.Job, error) {
	return s.listSet(ctx, s.allKey())
}

func (s *RedisJobStore) ListActive(ctx context.Context) ([]*model.Job, error) {
	return s.listSet(ctx, s.activeKey())
}

func (s *RedisJobStore) listSet(ctx context.Context, setKey string) ([]*model.Job, error) {
	ids, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []*model.Job{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.jobKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	jobs := make([]*model.Job, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			// deleted between SMEMBERS and MGET
			continue
		}
		j, err := decodeJob([]byte(str))
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (s *RedisJobStore) Insert(ctx context.Context, job *model.Job) (*model.Job, error) {
	j := job.Clone()
	j.ID = uuid.NewString()

	data, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.jobKey(j.ID), data, 0)
		pipe.SAdd(ctx, s.allKey(), j.ID)
		if j.Active {
			pipe.SAdd(ctx, s.activeKey(), j.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return j, nil
}

func (s *RedisJobStore) UpdateSchedule(ctx context.Context, id string, lastRunAt, nextRunAt time.Time) error {
	_, err := s.mutate(ctx, id, func(j *model.Job) {
		j.LastRunAt = &lastRunAt
		j.NextRunAt = &nextRunAt
	})
	return err
}

func (s *RedisJobStore) UpdateFields(ctx context.Context, id string, patch model.JobPatch) (*model.Job, error) {
	return s.mutate(ctx, id, patch.Apply)
}

func (s *RedisJobStore) SetActive(ctx context.Context, id string, active bool) (*model.Job, error) {
	return s.mutate(ctx, id, func(j *model.Job) { j.Active = active })
}

// mutate is an optimistic read-modify-write of one job document. The active
// set is kept in step with the document inside the same transaction.
func (s *RedisJobStore) mutate(ctx context.Context, id string, fn func(*model.Job)) (*model.Job, error) {
	key := s.jobKey(id)
	var out *model.Job

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return model.ErrNotFound
		}
		if err != nil {
			return err
		}

		j, err := decodeJob(data)
		if err != nil {
			return err
		}
		fn(j)
		data, err = json.Marshal(j)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if j.Active {
				pipe.SAdd(ctx, s.activeKey(), id)
			} else {
				pipe.SRem(ctx, s.activeKey(), id)
			}
			return nil
		})
		if err != nil {
			return err
		}
		out = j
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("update job %s: %w", id, redis.TxFailedErr)
}

func (s *RedisJobStore) Delete(ctx context.Context, id string) error {
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.jobKey(id))
		pipe.SRem(ctx, s.allKey(), id)
		pipe.SRem(ctx, s.activeKey(), id)
		pipe.Del(ctx, s.runLogKey(id))
		return nil
	})
	if err != nil {
		return err
	}
	if del.Val() == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (s *RedisJobStore) AppendRunLog(ctx context.Context, log *model.RunLog) error {
	l := *log
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	data, err := json.Marshal(&l)
	if err != nil {
		return err
	}

	jobKey, key := s.jobKey(l.JobID), s.runLogKey(l.JobID)
	txf := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, jobKey).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return model.ErrNotFound
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LPush(ctx, key, data)
			pipe.LTrim(ctx, key, 0, int64(s.retain-1))
			return nil
		})
		return err
	}

	// a delete racing the append aborts the transaction
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, jobKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("append run log of job %s: %w", l.JobID, redis.TxFailedErr)
}

func (s *RedisJobStore) ListRunLogs(ctx context.Context, jobID string, limit int) ([]*model.RunLog, error) {
	limit = normalizeLimit(limit)
	values, err := s.client.LRange(ctx, s.runLogKey(jobID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}

	logs := make([]*model.RunLog, 0, len(values))
	for _, v := range values {
		var l model.RunLog
		if err := json.Unmarshal([]byte(v), &l); err != nil {
			return nil, fmt.Errorf("decode run log of job %s: %w", jobID, err)
		}
		logs = append(logs, &l)
	}
	return logs, nil
}

func decodeJob(data []byte) (*model.Job, error) {
	var j model.Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	return &j, nil
}
