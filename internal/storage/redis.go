package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/maneesh/labarchive/internal/models"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("labarchive-storage")

const (
	// CacheTTL is the time-to-live for cached job records (5 minutes)
	CacheTTL = 5 * time.Minute

	sessionSequenceKey = "labarchive:session-seq"
)

// RedisClient wraps Redis operations with tracing
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient initializes a new Redis client
func NewRedisClient(addr, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test the connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &RedisClient{client: client}, nil
}

// Close closes the Redis connection
func (rc *RedisClient) Close() error {
	return rc.client.Close()
}

// NextSequence increments the shared session counter so that replicas
// sharing a workspace volume never hand out the same sequence number
func (rc *RedisClient) NextSequence(ctx context.Context) (uint64, error) {
	ctx, span := tracer.Start(ctx, "redis.next_sequence")
	defer span.End()

	seq, err := rc.client.Incr(ctx, sessionSequenceKey).Uint64()
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to increment session sequence: %w", err)
	}

	span.SetAttributes(attribute.Int64("sequence", int64(seq)))
	return seq, nil
}

func jobKey(token string) string {
	return fmt.Sprintf("job:%s", token)
}

// GetJob retrieves a cached job record. A cache miss returns nil, nil.
func (rc *RedisClient) GetJob(ctx context.Context, token string) (*models.ArchiveJob, error) {
	ctx, span := tracer.Start(ctx, "redis.get_job",
		trace.WithAttributes(
			attribute.String("session_token", token),
		),
	)
	defer span.End()

	data, err := rc.client.Get(ctx, jobKey(token)).Result()
	if err == redis.Nil {
		span.SetAttributes(attribute.String("cache_status", "miss"))
		return nil, nil
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get from cache: %w", err)
	}

	var job models.ArchiveJob
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to unmarshal cached job: %w", err)
	}

	span.SetAttributes(attribute.String("cache_status", "hit"))
	return &job, nil
}

// SetJob caches a job record for CacheTTL
func (rc *RedisClient) SetJob(ctx context.Context, job *models.ArchiveJob) error {
	ctx, span := tracer.Start(ctx, "redis.set_job",
		trace.WithAttributes(
			attribute.String("session_token", job.SessionToken),
			attribute.String("status", string(job.Status)),
		),
	)
	defer span.End()

	data, err := json.Marshal(job)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	if err := rc.client.Set(ctx, jobKey(job.SessionToken), data, CacheTTL).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to set cache: %w", err)
	}
	return nil
}
