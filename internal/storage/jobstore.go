package storage

import (
	"context"
	"log"

	"github.com/maneesh/labarchive/internal/models"
)

// JobStore keeps archive job records in TiDB with a Redis read cache.
// Either backend may be nil.
type JobStore struct {
	tidb  *TiDBClient
	redis *RedisClient
}

// NewJobStore creates a job store over the given backends
func NewJobStore(tidb *TiDBClient, redis *RedisClient) *JobStore {
	return &JobStore{tidb: tidb, redis: redis}
}

// RecordJob writes the job to TiDB, then refreshes the cache
func (js *JobStore) RecordJob(ctx context.Context, job *models.ArchiveJob) error {
	if js.tidb != nil {
		if err := js.tidb.UpsertJob(ctx, job); err != nil {
			return err
		}
	}
	if js.redis != nil {
		if err := js.redis.SetJob(ctx, job); err != nil {
			// Log error but don't fail the request
			log.Printf("Warning: failed to cache job %s: %v", job.SessionToken, err)
		}
	}
	return nil
}

// GetJob looks in the cache first and falls back to TiDB
func (js *JobStore) GetJob(ctx context.Context, token string) (*models.ArchiveJob, error) {
	if js.redis != nil {
		job, err := js.redis.GetJob(ctx, token)
		if err != nil {
			log.Printf("Warning: cache lookup failed for job %s: %v", token, err)
		} else if job != nil {
			log.Printf("Cache HIT for job: %s", token)
			return job, nil
		}
	}

	if js.tidb == nil {
		return nil, ErrJobNotFound
	}

	log.Printf("Cache MISS for job: %s", token)
	job, err := js.tidb.GetJob(ctx, token)
	if err != nil {
		return nil, err
	}

	if js.redis != nil {
		if err := js.redis.SetJob(ctx, job); err != nil {
			log.Printf("Warning: failed to update cache: %v", err)
		}
	}
	return job, nil
}
