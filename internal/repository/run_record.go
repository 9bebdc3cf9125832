// Package repository persists run records for after-the-fact diagnostics
// and the control CLI.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"runnerd/internal/runner"
	appErr "runnerd/pkg/errors"
)

const (
	recordKeyPrefix = "runner:record:"
	recentIndexKey  = "runner:records:recent"
)

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	PoolSize     int           `yaml:"poolSize"`
}

// NewRedisClient connects and verifies the connection with a ping.
func NewRedisClient(cfg RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("addr cannot be empty")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// RunRecordRepository stores finished run records in Redis with a TTL and
// keeps a recency index for listing.
type RunRecordRepository struct {
	client *redis.Client
	ttl    time.Duration
}

var _ runner.RecordSink = (*RunRecordRepository)(nil)

// NewRunRecordRepository creates the repository. ttl bounds how long a
// record stays queryable.
func NewRunRecordRepository(client *redis.Client, ttl time.Duration) *RunRecordRepository {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RunRecordRepository{client: client, ttl: ttl}
}

// SaveRunRecord writes the record and indexes it by finish time. Index
// entries older than the TTL are pruned on every write.
func (r *RunRecordRepository) SaveRunRecord(ctx context.Context, record runner.RunRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return appErr.Wrapf(err, appErr.RepositoryError, "marshal run record failed")
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, recordKeyPrefix+record.TaskID, data, r.ttl)
	pipe.ZAdd(ctx, recentIndexKey, redis.Z{
		Score:  float64(record.FinishedAt.UnixMilli()),
		Member: record.TaskID,
	})
	horizon := time.Now().Add(-r.ttl).UnixMilli()
	pipe.ZRemRangeByScore(ctx, recentIndexKey, "-inf", fmt.Sprintf("%d", horizon))
	if _, err := pipe.Exec(ctx); err != nil {
		return appErr.Wrapf(err, appErr.RepositoryError, "save run record %s failed", record.TaskID)
	}
	return nil
}

// GetRunRecord looks up one record by task id.
func (r *RunRecordRepository) GetRunRecord(ctx context.Context, taskID string) (runner.RunRecord, error) {
	data, err := r.client.Get(ctx, recordKeyPrefix+taskID).Bytes()
	if err == redis.Nil {
		return runner.RunRecord{}, appErr.NotFoundError("run record")
	}
	if err != nil {
		return runner.RunRecord{}, appErr.Wrapf(err, appErr.RepositoryError, "get run record %s failed", taskID)
	}
	var record runner.RunRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return runner.RunRecord{}, appErr.Wrapf(err, appErr.RepositoryError, "decode run record %s failed", taskID)
	}
	return record, nil
}

// ListRecent returns up to limit records, newest first. Records whose keys
// already expired are skipped.
func (r *RunRecordRepository) ListRecent(ctx context.Context, limit int) ([]runner.RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	taskIDs, err := r.client.ZRevRange(ctx, recentIndexKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.RepositoryError, "list run records failed")
	}

	records := make([]runner.RunRecord, 0, len(taskIDs))
	for _, taskID := range taskIDs {
		record, err := r.GetRunRecord(ctx, taskID)
		if err != nil {
			if appErr.GetCode(err) == appErr.NotFound {
				continue
			}
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}
