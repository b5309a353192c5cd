package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Claim TTL is a backstop only: claims are released explicitly at terminal,
// and the TTL outlives the longest possible agent run by a wide margin.
const claimTTL = time.Hour

// releaseScript deletes the claim only if it is still held by the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ClaimPR attempts the compare-and-set that makes agent execution per PR
// strictly serial: it succeeds iff no other running agent holds the PR.
// On failure the holder's agent id is returned so the orchestrator can run
// the cancel-and-wait protocol.
func (s *Store) ClaimPR(ctx context.Context, prID int, agentID string) (ClaimResult, error) {
	var result ClaimResult
	err := s.do(ctx, func(ctx context.Context) error {
		key := fmt.Sprintf("%s%d", keyClaim, prID)
		ok, err := s.rdb.SetNX(ctx, key, agentID, claimTTL).Result()
		if err != nil {
			return err
		}
		if ok {
			result = ClaimResult{OK: true}
			return nil
		}
		holder, err := s.rdb.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			// Holder released between SETNX and GET; report contention and
			// let the caller retry the claim.
			result = ClaimResult{OK: false}
			return nil
		}
		if err != nil {
			return err
		}
		result = ClaimResult{OK: false, PreviousAgentID: holder}
		return nil
	})
	return result, err
}

// ReleasePR releases the claim if agentID is still the holder; otherwise it
// is a no-op.
func (s *Store) ReleasePR(ctx context.Context, prID int, agentID string) error {
	return s.do(ctx, func(ctx context.Context) error {
		key := fmt.Sprintf("%s%d", keyClaim, prID)
		return releaseScript.Run(ctx, s.rdb, []string{key}, agentID).Err()
	})
}

// ForceReleasePR unconditionally drops the claim. Used by the orchestrator
// when a stale agent fails to release within the cancel-wait window, and by
// boot recovery.
func (s *Store) ForceReleasePR(ctx context.Context, prID int) error {
	return s.do(ctx, func(ctx context.Context) error {
		return s.rdb.Del(ctx, fmt.Sprintf("%s%d", keyClaim, prID)).Err()
	})
}

// ClaimHolder returns the agent currently holding the PR, or "" if unclaimed.
func (s *Store) ClaimHolder(ctx context.Context, prID int) (string, error) {
	var holder string
	err := s.do(ctx, func(ctx context.Context) error {
		v, err := s.rdb.Get(ctx, fmt.Sprintf("%s%d", keyClaim, prID)).Result()
		if errors.Is(err, redis.Nil) {
			holder = ""
			return nil
		}
		holder = v
		return err
	})
	return holder, err
}
