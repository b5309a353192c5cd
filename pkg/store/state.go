package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/codeready-toolchain/revue/pkg/models"
)

// PutState checkpoints an agent's state blob. Last write wins; blobs expire
// after 24 hours so abandoned runs cannot accumulate.
func (s *Store) PutState(ctx context.Context, agentID string, state *models.AgentState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal agent state: %w", err)
	}
	if len(payload) > maxStateSize {
		return fmt.Errorf("%w: %d bytes", ErrStateTooLarge, len(payload))
	}
	return s.do(ctx, func(ctx context.Context) error {
		return s.rdb.Set(ctx, keyState+agentID, payload, stateTTL).Err()
	})
}

// GetState loads an agent's state blob; ErrStateNotFound when absent.
func (s *Store) GetState(ctx context.Context, agentID string) (*models.AgentState, error) {
	var state models.AgentState
	err := s.do(ctx, func(ctx context.Context) error {
		payload, err := s.rdb.Get(ctx, keyState+agentID).Result()
		if errors.Is(err, redis.Nil) {
			return ErrStateNotFound
		}
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(payload), &state)
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// DeleteState drops an agent's state blob.
func (s *Store) DeleteState(ctx context.Context, agentID string) error {
	return s.do(ctx, func(ctx context.Context) error {
		return s.rdb.Del(ctx, keyState+agentID).Err()
	})
}

// ---- Iteration watermark ----

// SetWatermark atomically records the last successfully reviewed iteration
// for (repository, PR). Written only by the agent reaching terminal success.
func (s *Store) SetWatermark(ctx context.Context, repositoryID string, prID, iterationID int) error {
	return s.do(ctx, func(ctx context.Context) error {
		key := fmt.Sprintf("%s%s:%d", keyWatermark, repositoryID, prID)
		return s.rdb.Set(ctx, key, iterationID, watermarkTTL).Err()
	})
}

// GetWatermark returns the last reviewed iteration, or ErrWatermarkNotFound.
func (s *Store) GetWatermark(ctx context.Context, repositoryID string, prID int) (int, error) {
	var iteration int
	err := s.do(ctx, func(ctx context.Context) error {
		key := fmt.Sprintf("%s%s:%d", keyWatermark, repositoryID, prID)
		v, err := s.rdb.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return ErrWatermarkNotFound
		}
		if err != nil {
			return err
		}
		iteration, err = strconv.Atoi(v)
		return err
	})
	if err != nil {
		return 0, err
	}
	return iteration, nil
}

// ---- Timeout schedule ----

// ScheduleTimeout registers an agent's wall deadline in the supervisor's
// sorted set.
func (s *Store) ScheduleTimeout(ctx context.Context, agentID string, at time.Time) error {
	return s.do(ctx, func(ctx context.Context) error {
		return s.rdb.ZAdd(ctx, keyTimeouts, redis.Z{
			Score:  float64(at.UnixMilli()),
			Member: agentID,
		}).Err()
	})
}

// CancelTimeout removes an agent from the timeout schedule (terminal exit).
func (s *Store) CancelTimeout(ctx context.Context, agentID string) error {
	return s.do(ctx, func(ctx context.Context) error {
		return s.rdb.ZRem(ctx, keyTimeouts, agentID).Err()
	})
}

// DueTimeouts pops and returns every agent whose deadline is at or before
// now. Each agent id is returned at most once across concurrent scanners.
func (s *Store) DueTimeouts(ctx context.Context, now time.Time) ([]string, error) {
	var due []string
	err := s.do(ctx, func(ctx context.Context) error {
		due = due[:0]
		ids, err := s.rdb.ZRangeByScore(ctx, keyTimeouts, &redis.ZRangeBy{
			Min: "-inf",
			Max: fmt.Sprintf("%d", now.UnixMilli()),
		}).Result()
		if err != nil {
			return err
		}
		for _, id := range ids {
			removed, err := s.rdb.ZRem(ctx, keyTimeouts, id).Result()
			if err != nil {
				return err
			}
			if removed > 0 {
				due = append(due, id)
			}
		}
		return nil
	})
	return due, err
}
