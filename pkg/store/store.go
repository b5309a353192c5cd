// Package store is the durable state facade backing the review pipeline:
// the job queue with visibility timeouts, the per-PR claim registry, agent
// state blobs, iteration watermarks, the timeout schedule, and ingest
// deduplication keys. Everything lives in redis; operations are atomic at
// the entry granularity.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/codeready-toolchain/revue/pkg/models"
	"github.com/codeready-toolchain/revue/pkg/resilience"
)

// Sentinel errors for store operations.
var (
	// ErrStoreUnavailable indicates the backend stayed unreachable after the
	// retry kit exhausted its budget.
	ErrStoreUnavailable = errors.New("state store unavailable")

	// ErrNoEntries indicates the queue is empty.
	ErrNoEntries = errors.New("no queue entries available")

	// ErrDuplicate indicates an entry with the same dedup key is already
	// queued or has an active agent.
	ErrDuplicate = errors.New("duplicate event")

	// ErrStateTooLarge indicates a state blob exceeds the 1 MiB limit.
	ErrStateTooLarge = errors.New("state blob exceeds size limit")

	// ErrStateNotFound indicates no state blob exists for the agent.
	ErrStateNotFound = errors.New("state not found")

	// ErrWatermarkNotFound indicates no watermark exists for the PR.
	ErrWatermarkNotFound = errors.New("watermark not found")
)

// Key layout. A single logical namespace keeps cross-key scans trivial to
// reason about and lets tests flush one prefix.
const (
	keyQueue     = "revue:queue"            // LIST of entry ids, oldest at tail
	keyPending   = "revue:pending"          // ZSET entry id → visibility deadline
	keyEntry     = "revue:entry:"           // JSON queue entry
	keyClaim     = "revue:claim:"           // pr id → agent id
	keyState     = "revue:state:"           // agent id → state blob
	keyWatermark = "revue:watermark:"       // repo:pr → iteration id
	keyTimeouts  = "revue:agent:deadlines"  // ZSET agent id → deadline
	keyDedup     = "revue:dedup:"           // ingest dedup keys
)

// Blob and TTL limits.
const (
	maxStateSize = 1 << 20 // 1 MiB
	stateTTL     = 24 * time.Hour
	watermarkTTL = 30 * 24 * time.Hour
	dedupTTL     = time.Hour
)

// ClaimResult is the outcome of a ClaimPR CAS.
type ClaimResult struct {
	OK              bool
	PreviousAgentID string
}

// Store is the redis-backed state store. All operations except Ping run
// inside the retry kit; exhaustion surfaces as ErrStoreUnavailable.
type Store struct {
	rdb   redis.UniversalClient
	retry resilience.RetryConfig
	// callTimeout bounds each individual redis round trip.
	callTimeout time.Duration
}

// New creates a store over an existing redis client.
func New(rdb redis.UniversalClient, retry resilience.RetryConfig) *Store {
	return &Store{
		rdb:         rdb,
		retry:       retry,
		callTimeout: 10 * time.Second,
	}
}

// Ping verifies backend reachability (used by the health endpoint).
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// do runs op inside the retry kit with per-call timeouts, classifying every
// redis error as transient. Exhaustion maps to ErrStoreUnavailable.
func (s *Store) do(ctx context.Context, op func(ctx context.Context) error) error {
	err := resilience.Retry(ctx, s.retry, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
		defer cancel()
		if err := op(callCtx); err != nil && !isRecordError(err) {
			return resilience.Transient(err)
		} else if err != nil {
			return err
		}
		return nil
	})
	if err != nil && resilience.IsTransient(err) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return err
}

// isRecordError reports whether err is a domain outcome rather than a
// backend failure (never retried, never mapped to ErrStoreUnavailable).
func isRecordError(err error) bool {
	return errors.Is(err, redis.Nil) ||
		errors.Is(err, ErrNoEntries) ||
		errors.Is(err, ErrDuplicate) ||
		errors.Is(err, ErrStateTooLarge) ||
		errors.Is(err, ErrStateNotFound) ||
		errors.Is(err, ErrWatermarkNotFound) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// ---- Job queue ----

// Enqueue appends the event to the durable queue. The dedup key must already
// be held (see TryDedup); Enqueue itself does not deduplicate.
func (s *Store) Enqueue(ctx context.Context, event models.PREvent) (string, error) {
	entry := models.QueueEntry{
		ID:         uuid.NewString(),
		Event:      event,
		EnqueuedAt: time.Now(),
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("marshal queue entry: %w", err)
	}

	err = s.do(ctx, func(ctx context.Context) error {
		pipe := s.rdb.TxPipeline()
		pipe.Set(ctx, keyEntry+entry.ID, payload, 0)
		pipe.LPush(ctx, keyQueue, entry.ID)
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return "", err
	}
	return entry.ID, nil
}

// Dequeue pops the oldest visible entry and registers it as pending with the
// given visibility timeout. Unacked entries are redelivered by
// RequeueExpired once the timeout lapses. Returns ErrNoEntries when idle.
func (s *Store) Dequeue(ctx context.Context, workerID string, visibility time.Duration) (*models.QueueEntry, error) {
	var entry models.QueueEntry
	err := s.do(ctx, func(ctx context.Context) error {
		id, err := s.rdb.RPop(ctx, keyQueue).Result()
		if errors.Is(err, redis.Nil) {
			return ErrNoEntries
		}
		if err != nil {
			return err
		}

		payload, err := s.rdb.Get(ctx, keyEntry+id).Result()
		if errors.Is(err, redis.Nil) {
			// Entry acked or expired between pop and get; treat as empty poll.
			return ErrNoEntries
		}
		if err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(payload), &entry); err != nil {
			return fmt.Errorf("unmarshal queue entry %s: %w", id, err)
		}

		entry.Attempts++
		entry.VisibleAt = time.Now().Add(visibility)
		updated, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal queue entry %s: %w", id, err)
		}

		pipe := s.rdb.TxPipeline()
		pipe.Set(ctx, keyEntry+id, updated, 0)
		pipe.ZAdd(ctx, keyPending, redis.Z{
			Score:  float64(entry.VisibleAt.UnixMilli()),
			Member: id,
		})
		_, err = pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Ack removes a delivered entry permanently.
func (s *Store) Ack(ctx context.Context, entryID string) error {
	return s.do(ctx, func(ctx context.Context) error {
		pipe := s.rdb.TxPipeline()
		pipe.ZRem(ctx, keyPending, entryID)
		pipe.Del(ctx, keyEntry+entryID)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// RequeueExpired moves pending entries whose visibility deadline has passed
// back onto the queue. Returns the number of entries redelivered.
func (s *Store) RequeueExpired(ctx context.Context, now time.Time) (int, error) {
	var requeued int
	err := s.do(ctx, func(ctx context.Context) error {
		requeued = 0
		ids, err := s.rdb.ZRangeByScore(ctx, keyPending, &redis.ZRangeBy{
			Min: "-inf",
			Max: fmt.Sprintf("%d", now.UnixMilli()),
		}).Result()
		if err != nil {
			return err
		}
		for _, id := range ids {
			removed, err := s.rdb.ZRem(ctx, keyPending, id).Result()
			if err != nil {
				return err
			}
			// Another replica already requeued it.
			if removed == 0 {
				continue
			}
			if err := s.rdb.LPush(ctx, keyQueue, id).Err(); err != nil {
				return err
			}
			requeued++
		}
		return nil
	})
	return requeued, err
}

// QueueDepth returns the number of entries waiting for delivery.
func (s *Store) QueueDepth(ctx context.Context) (int64, error) {
	var depth int64
	err := s.do(ctx, func(ctx context.Context) error {
		n, err := s.rdb.LLen(ctx, keyQueue).Result()
		depth = n
		return err
	})
	return depth, err
}

// ---- Ingest deduplication ----

// TryDedup atomically records the dedup key. Returns ErrDuplicate when the
// key is already held by a queued entry or an active agent. Keys expire after
// an hour as a backstop; ClearDedup releases them at terminal.
func (s *Store) TryDedup(ctx context.Context, key string) error {
	return s.do(ctx, func(ctx context.Context) error {
		ok, err := s.rdb.SetNX(ctx, keyDedup+key, 1, dedupTTL).Result()
		if err != nil {
			return err
		}
		if !ok {
			return ErrDuplicate
		}
		return nil
	})
}

// ClearDedup releases a dedup key once its event reaches a terminal agent
// status (or is dropped).
func (s *Store) ClearDedup(ctx context.Context, key string) error {
	return s.do(ctx, func(ctx context.Context) error {
		return s.rdb.Del(ctx, keyDedup+key).Err()
	})
}
