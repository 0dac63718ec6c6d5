// Package store keeps the launcher-side status of workloads in Redis so that
// redelivered launch requests can be recognised.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"workload-launcher-go/internal/models"
	"workload-launcher-go/internal/redisclient"
)

// DefaultRecordTTL bounds how long a workload record outlives its last update.
const DefaultRecordTTL = 72 * time.Hour

var ErrNotFound = errors.New("workload not found")

const (
	fieldStatus    = "status"
	fieldDataplane = "dataplane"
	fieldMutexKey  = "mutex_key"
	fieldReason    = "reason"
	fieldUpdatedAt = "updated_at"
)

// Lua script for atomic check-and-claim of a workload.
// KEYS[1] workload hash, ARGV dataplane, mutex key, unix time, ttl seconds.
// Returns {claimed (1|0), status, dataplane}.
//
// A workload with no record, or one claimed or launched by the same dataplane,
// is (re)claimed. Anything else is left untouched and reported back.
var claimScript = redis.NewScript(`
local key = KEYS[1]
local status = redis.call('HGET', key, 'status')
local owner = redis.call('HGET', key, 'dataplane')

if (not status) or (owner == ARGV[1] and (status == 'claimed' or status == 'launched')) then
    redis.call('HSET', key, 'status', 'claimed', 'dataplane', ARGV[1], 'mutex_key', ARGV[2], 'updated_at', ARGV[3])
    redis.call('HDEL', key, 'reason')
    redis.call('EXPIRE', key, tonumber(ARGV[4]))
    return {1, 'claimed', ARGV[1]}
end

return {0, status, owner or ''}
`)

// Lua script for atomic compare-and-set of a workload status.
// KEYS[1] workload hash, ARGV status, dataplane, unix time, reason,
// ttl seconds, keep cancelled (1|0).
// Returns 1 when written, 0 when a cancelled record was left alone.
var markScript = redis.NewScript(`
local key = KEYS[1]
if ARGV[6] == '1' and redis.call('HGET', key, 'status') == 'cancelled' then
    return 0
end

redis.call('HSET', key, 'status', ARGV[1], 'dataplane', ARGV[2], 'updated_at', ARGV[3])
if ARGV[4] ~= '' then
    redis.call('HSET', key, 'reason', ARGV[4])
else
    redis.call('HDEL', key, 'reason')
end
redis.call('EXPIRE', key, tonumber(ARGV[5]))
return 1
`)

// ClaimResult is the outcome of a claim attempt.
type ClaimResult struct {
	Claimed   bool
	Status    models.WorkloadStatus
	Dataplane string
}

// Store is a Redis backed workload status store.
type Store struct {
	redis     *redis.Client
	dataplane string
	ttl       time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

// NewStore creates a status store claiming workloads on behalf of dataplane.
func NewStore(client *redis.Client, dataplane string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		redis:     client,
		dataplane: dataplane,
		ttl:       DefaultRecordTTL,
		now:       time.Now,
		logger:    logger,
	}
}

// Dataplane returns the identity claims are made under.
func (s *Store) Dataplane() string {
	return s.dataplane
}

// Claim atomically records that this dataplane is launching the workload.
func (s *Store) Claim(ctx context.Context, workloadID, mutexKey string) (*ClaimResult, error) {
	res, err := claimScript.Run(ctx, s.redis,
		[]string{redisclient.WorkloadKey(workloadID)},
		s.dataplane, mutexKey, s.now().Unix(), int64(s.ttl.Seconds()),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("claim of workload %s failed: %w", workloadID, err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("claim of workload %s returned %d values", workloadID, len(res))
	}

	claimed, _ := res[0].(int64)
	status, _ := res[1].(string)
	owner, _ := res[2].(string)
	result := &ClaimResult{
		Claimed:   claimed == 1,
		Status:    models.WorkloadStatus(status),
		Dataplane: owner,
	}

	if !result.Claimed {
		s.logger.Info("Workload claim refused",
			zap.String("workload_id", workloadID),
			zap.String("status", status),
			zap.String("owner", owner),
		)
	}
	return result, nil
}

// MarkLaunched records that the pod set of the workload is running. A
// cancelled workload stays cancelled.
func (s *Store) MarkLaunched(ctx context.Context, workloadID string) error {
	return s.mark(ctx, workloadID, models.WorkloadStatusLaunched, "")
}

// MarkFailed records a terminal launch failure. A cancelled workload stays
// cancelled.
func (s *Store) MarkFailed(ctx context.Context, workloadID, reason string) error {
	return s.mark(ctx, workloadID, models.WorkloadStatusFailed, reason)
}

// MarkCancelled records an external cancellation.
func (s *Store) MarkCancelled(ctx context.Context, workloadID string) error {
	return s.mark(ctx, workloadID, models.WorkloadStatusCancelled, "")
}

func (s *Store) mark(ctx context.Context, workloadID string, status models.WorkloadStatus, reason string) error {
	keepCancelled := 0
	if status != models.WorkloadStatusCancelled {
		keepCancelled = 1
	}

	written, err := markScript.Run(ctx, s.redis,
		[]string{redisclient.WorkloadKey(workloadID)},
		string(status), s.dataplane, s.now().Unix(), reason, int64(s.ttl.Seconds()), keepCancelled,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to mark workload %s %s: %w", workloadID, status, err)
	}
	if written == 0 {
		s.logger.Info("Workload was cancelled, keeping status",
			zap.String("workload_id", workloadID),
			zap.String("outcome", string(status)),
		)
	}
	return nil
}

// Get returns the record of a workload or ErrNotFound.
func (s *Store) Get(ctx context.Context, workloadID string) (*models.WorkloadRecord, error) {
	fields, err := s.redis.HGetAll(ctx, redisclient.WorkloadKey(workloadID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get workload %s: %w", workloadID, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	record := &models.WorkloadRecord{
		WorkloadID: workloadID,
		Status:     models.WorkloadStatus(fields[fieldStatus]),
		Dataplane:  fields[fieldDataplane],
		MutexKey:   fields[fieldMutexKey],
		Reason:     fields[fieldReason],
	}
	if ts, err := strconv.ParseInt(fields[fieldUpdatedAt], 10, 64); err == nil {
		record.UpdatedAt = time.Unix(ts, 0).UTC()
	}
	return record, nil
}
