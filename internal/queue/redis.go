package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"conveyor/internal/config"
	"conveyor/internal/storage"
)

// RedisSubstrate shares queues across hosts using Redis Streams.
//
// Each queue maps to one stream consumed by a single consumer group. Job
// bodies live in per-job hashes so attempt counts survive redelivery, and
// delayed jobs wait in a per-queue sorted set scored by their due time in
// milliseconds. Stalled deliveries are reclaimed with XAUTOCLAIM once their
// idle time exceeds the lease.
type RedisSubstrate struct {
	rdb      *redis.Client
	prefix   string
	group    string
	consumer string

	mu     sync.Mutex
	claims map[string]redisClaim // jobID -> live claim
	groups map[string]bool       // streams whose group exists
}

type redisClaim struct {
	queue    string
	streamID string
}

// NewRedis connects to the configured Redis instance and verifies it responds.
func NewRedis(ctx context.Context, cfg config.Redis) (*RedisSubstrate, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, substrateErr("connect", err)
	}

	host, _ := os.Hostname()
	if host == "" {
		host = "conveyor"
	}
	return &RedisSubstrate{
		rdb:      rdb,
		prefix:   cfg.StreamPrefix,
		group:    cfg.Group,
		consumer: fmt.Sprintf("%s-%d", host, os.Getpid()),
		claims:   make(map[string]redisClaim),
		groups:   make(map[string]bool),
	}, nil
}

// Close releases the Redis connection pool.
func (s *RedisSubstrate) Close() error { return s.rdb.Close() }

func (s *RedisSubstrate) streamKey(queue string) string {
	return s.prefix + ":stream:" + queue
}

func (s *RedisSubstrate) scheduledKey(queue string) string {
	return s.prefix + ":scheduled:" + queue
}

func (s *RedisSubstrate) jobKey(jobID string) string {
	return s.prefix + ":job:" + jobID
}

func (s *RedisSubstrate) statsKey(queue string) string {
	return s.prefix + ":stats:" + queue
}

func (s *RedisSubstrate) ensureGroup(ctx context.Context, queue string) error {
	stream := s.streamKey(queue)
	s.mu.Lock()
	exists := s.groups[stream]
	s.mu.Unlock()
	if exists {
		return nil
	}

	err := s.rdb.XGroupCreateMkStream(ctx, stream, s.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	s.mu.Lock()
	s.groups[stream] = true
	s.mu.Unlock()
	return nil
}

// Enqueue stores the job hash and publishes the job ID to the queue's stream,
// or parks it in the scheduled set when a delay is requested.
func (s *RedisSubstrate) Enqueue(ctx context.Context, queue string, payload []byte, opts EnqueueOptions) (string, error) {
	if queue == "" {
		return "", errors.New("queue name must not be empty")
	}
	if err := s.ensureGroup(ctx, queue); err != nil {
		return "", substrateErr("enqueue", err)
	}

	jobID := opts.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	now := time.Now().UTC()
	status := StatusWaiting
	if opts.Delay > 0 {
		status = StatusDelayed
	}

	fields := map[string]any{
		"queue":        queue,
		"payload":      string(payload),
		"status":       string(status),
		"attempts":     0,
		"max_attempts": maxAttempts,
		"priority":     opts.Priority,
		"enqueued_at":  storage.FormatTime(now),
	}
	if err := s.rdb.HSet(ctx, s.jobKey(jobID), fields).Err(); err != nil {
		return "", substrateErr("enqueue", err)
	}

	if opts.Delay > 0 {
		due := now.Add(opts.Delay)
		err := s.rdb.ZAdd(ctx, s.scheduledKey(queue), redis.Z{
			Score:  float64(due.UnixMilli()),
			Member: jobID,
		}).Err()
		if err != nil {
			return "", substrateErr("enqueue", err)
		}
		return jobID, nil
	}

	err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.streamKey(queue),
		Values: map[string]any{"job": jobID},
	}).Err()
	if err != nil {
		return "", substrateErr("enqueue", err)
	}
	return jobID, nil
}

// moveDue republishes scheduled jobs whose due time has passed.
func (s *RedisSubstrate) moveDue(ctx context.Context, queue string) error {
	now := time.Now().UTC().UnixMilli()
	ids, err := s.rdb.ZRangeByScore(ctx, s.scheduledKey(queue), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now, 10),
		Count: 128,
	}).Result()
	if err != nil {
		return err
	}

	for _, jobID := range ids {
		if err := s.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: s.streamKey(queue),
			Values: map[string]any{"job": jobID},
		}).Err(); err != nil {
			return err
		}
		if err := s.rdb.ZRem(ctx, s.scheduledKey(queue), jobID).Err(); err != nil {
			return err
		}
		_ = s.rdb.HSet(ctx, s.jobKey(jobID), "status", string(StatusWaiting)).Err()
	}
	return nil
}

// Lease claims the next deliverable job. Reclaimed stalled deliveries take
// precedence over fresh ones so a crashed consumer's work is picked up first.
func (s *RedisSubstrate) Lease(ctx context.Context, queue string, leaseFor time.Duration) (*Job, error) {
	if err := s.ensureGroup(ctx, queue); err != nil {
		return nil, substrateErr("lease", err)
	}
	if err := s.moveDue(ctx, queue); err != nil {
		return nil, substrateErr("lease", err)
	}

	stream := s.streamKey(queue)

	// Messages idle beyond the lease belong to a stalled consumer.
	claimed, _, err := s.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    s.group,
		Consumer: s.consumer,
		MinIdle:  leaseFor,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, substrateErr("lease", err)
	}
	if len(claimed) > 0 {
		return s.deliver(ctx, queue, claimed[0], leaseFor)
	}

	res, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{stream, ">"},
		Count:    1,
		Block:    time.Second,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, substrateErr("lease", err)
	}
	if len(res) == 0 || len(res[0].Messages) == 0 {
		return nil, nil
	}
	return s.deliver(ctx, queue, res[0].Messages[0], leaseFor)
}

func (s *RedisSubstrate) deliver(ctx context.Context, queue string, msg redis.XMessage, leaseFor time.Duration) (*Job, error) {
	jobID, ok := msg.Values["job"].(string)
	if !ok || jobID == "" {
		// Malformed entry; drop it rather than poison the group.
		_ = s.rdb.XAck(ctx, s.streamKey(queue), s.group, msg.ID).Err()
		_ = s.rdb.XDel(ctx, s.streamKey(queue), msg.ID).Err()
		return nil, nil
	}

	attempts, err := s.rdb.HIncrBy(ctx, s.jobKey(jobID), "attempts", 1).Result()
	if err != nil {
		return nil, substrateErr("lease", err)
	}
	expires := time.Now().UTC().Add(leaseFor)
	err = s.rdb.HSet(ctx, s.jobKey(jobID),
		"status", string(StatusActive),
		"lease_expires_at", storage.FormatTime(expires),
	).Err()
	if err != nil {
		return nil, substrateErr("lease", err)
	}

	job, err := s.loadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		// Hash evicted out from under the stream entry; discard.
		_ = s.rdb.XAck(ctx, s.streamKey(queue), s.group, msg.ID).Err()
		_ = s.rdb.XDel(ctx, s.streamKey(queue), msg.ID).Err()
		return nil, nil
	}
	job.Queue = queue
	job.Status = StatusActive
	job.AttemptsMade = int(attempts)
	job.LeaseExpiresAt = &expires

	s.mu.Lock()
	s.claims[jobID] = redisClaim{queue: queue, streamID: msg.ID}
	s.mu.Unlock()
	return job, nil
}

func (s *RedisSubstrate) loadJob(ctx context.Context, jobID string) (*Job, error) {
	h, err := s.rdb.HGetAll(ctx, s.jobKey(jobID)).Result()
	if err != nil {
		return nil, substrateErr("load job", err)
	}
	if len(h) == 0 {
		return nil, nil
	}

	job := &Job{
		ID:      jobID,
		Queue:   h["queue"],
		Payload: []byte(h["payload"]),
		Status:  Status(h["status"]),
	}
	job.AttemptsMade, _ = strconv.Atoi(h["attempts"])
	job.MaxAttempts, _ = strconv.Atoi(h["max_attempts"])
	job.Priority, _ = strconv.Atoi(h["priority"])
	if t, err := storage.ParseTime(h["enqueued_at"]); err == nil {
		job.EnqueuedAt = t
	}
	if t, err := storage.ParseTime(h["lease_expires_at"]); err == nil {
		job.LeaseExpiresAt = &t
	}
	return job, nil
}

func (s *RedisSubstrate) claim(jobID string) (redisClaim, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[jobID]
	return c, ok
}

func (s *RedisSubstrate) dropClaim(jobID string) {
	s.mu.Lock()
	delete(s.claims, jobID)
	s.mu.Unlock()
}

// RenewLease resets the delivery's idle clock so XAUTOCLAIM will not hand the
// job to another consumer, and extends the recorded expiry.
func (s *RedisSubstrate) RenewLease(ctx context.Context, jobID string, extension time.Duration) error {
	c, ok := s.claim(jobID)
	if !ok {
		return fmt.Errorf("renew lease %s: %w", jobID, ErrJobNotFound)
	}

	err := s.rdb.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   s.streamKey(c.queue),
		Group:    s.group,
		Consumer: s.consumer,
		MinIdle:  0,
		Messages: []string{c.streamID},
	}).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return substrateErr("renew lease", err)
	}

	expires := time.Now().UTC().Add(extension)
	if err := s.rdb.HSet(ctx, s.jobKey(jobID), "lease_expires_at", storage.FormatTime(expires)).Err(); err != nil {
		return substrateErr("renew lease", err)
	}
	return nil
}

// Ack acknowledges the delivery and marks the job completed.
func (s *RedisSubstrate) Ack(ctx context.Context, jobID string) error {
	c, ok := s.claim(jobID)
	if !ok {
		return fmt.Errorf("ack %s: %w", jobID, ErrJobNotFound)
	}
	if err := s.settle(ctx, c, jobID); err != nil {
		return err
	}
	err := s.rdb.HSet(ctx, s.jobKey(jobID), "status", string(StatusCompleted), "lease_expires_at", "").Err()
	if err != nil {
		return substrateErr("ack", err)
	}
	if err := s.rdb.HIncrBy(ctx, s.statsKey(c.queue), "completed", 1).Err(); err != nil {
		return substrateErr("ack", err)
	}
	s.dropClaim(jobID)
	return nil
}

// Nack acknowledges the delivery and either reschedules the job or marks it
// failed for good.
func (s *RedisSubstrate) Nack(ctx context.Context, jobID string, resolution Resolution) error {
	c, ok := s.claim(jobID)
	if !ok {
		return fmt.Errorf("nack %s: %w", jobID, ErrJobNotFound)
	}
	if err := s.settle(ctx, c, jobID); err != nil {
		return err
	}

	if resolution.Terminal {
		err := s.rdb.HSet(ctx, s.jobKey(jobID), "status", string(StatusFailed), "lease_expires_at", "").Err()
		if err != nil {
			return substrateErr("nack", err)
		}
		if err := s.rdb.HIncrBy(ctx, s.statsKey(c.queue), "failed", 1).Err(); err != nil {
			return substrateErr("nack", err)
		}
		s.dropClaim(jobID)
		return nil
	}

	due := time.Now().UTC().Add(resolution.RetryAfter)
	err := s.rdb.ZAdd(ctx, s.scheduledKey(c.queue), redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: jobID,
	}).Err()
	if err != nil {
		return substrateErr("nack", err)
	}
	err = s.rdb.HSet(ctx, s.jobKey(jobID), "status", string(StatusDelayed), "lease_expires_at", "").Err()
	if err != nil {
		return substrateErr("nack", err)
	}
	s.dropClaim(jobID)
	return nil
}

// settle removes the stream entry backing a resolved delivery.
func (s *RedisSubstrate) settle(ctx context.Context, c redisClaim, jobID string) error {
	stream := s.streamKey(c.queue)
	if err := s.rdb.XAck(ctx, stream, s.group, c.streamID).Err(); err != nil {
		return substrateErr("settle", err)
	}
	if err := s.rdb.XDel(ctx, stream, c.streamID).Err(); err != nil {
		return substrateErr("settle", err)
	}
	return nil
}

// Stats reports approximate per-state counts for a queue. Waiting and active
// derive from the stream and its pending entries; completed and failed come
// from monotonic counters.
func (s *RedisSubstrate) Stats(ctx context.Context, queue string) (Stats, error) {
	stats := Stats{Queue: queue}

	total, err := s.rdb.XLen(ctx, s.streamKey(queue)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, substrateErr("stats", err)
	}

	var pending int64
	if err := s.ensureGroup(ctx, queue); err == nil {
		p, err := s.rdb.XPending(ctx, s.streamKey(queue), s.group).Result()
		if err == nil {
			pending = p.Count
		} else if !errors.Is(err, redis.Nil) {
			return Stats{}, substrateErr("stats", err)
		}
	}
	stats.Active = int(pending)
	stats.Waiting = int(total - pending)
	if stats.Waiting < 0 {
		stats.Waiting = 0
	}

	delayed, err := s.rdb.ZCard(ctx, s.scheduledKey(queue)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, substrateErr("stats", err)
	}
	stats.Delayed = int(delayed)

	counters, err := s.rdb.HGetAll(ctx, s.statsKey(queue)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, substrateErr("stats", err)
	}
	stats.Completed, _ = strconv.Atoi(counters["completed"])
	stats.Failed, _ = strconv.Atoi(counters["failed"])
	return stats, nil
}
