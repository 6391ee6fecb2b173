// Package workflow persists ephemeral WorkflowState snapshots so a paused
// or replanned execution can resume after a dispatcher restart, and
// resolves pending human-in-the-loop approvals raised by the executor.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pml-systems/pml-gateway/internal/executor"
	"github.com/pml-systems/pml-gateway/internal/telemetry"
	"github.com/pml-systems/pml-gateway/internal/toolerr"
)

// DefaultTTL bounds how long a paused workflow's state survives without a
// command touching it.
const DefaultTTL = time.Hour

// Store is a Redis-backed, TTL-bound WorkflowState record keyed by
// workflow id. It implements executor.StateSink.
type Store struct {
	rdb  *redis.Client
	ttl  time.Duration
	tele telemetry.Bundle
}

// NewStore constructs a Store backed by rdb. ttl defaults to DefaultTTL
// when zero or negative.
func NewStore(rdb *redis.Client, ttl time.Duration, tele telemetry.Bundle) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{rdb: rdb, ttl: ttl, tele: tele}
}

func redisKey(workflowID string) string {
	return fmt.Sprintf("workflow:state:%s", workflowID)
}

// Persist writes ws under its workflow id with a fresh TTL. It satisfies
// executor.StateSink so the executor can checkpoint a paused or in-flight
// workflow without depending on this package directly.
func (s *Store) Persist(ctx context.Context, ws executor.WorkflowState) error {
	payload, err := json.Marshal(ws)
	if err != nil {
		return fmt.Errorf("marshal workflow state: %w", err)
	}
	if err := s.rdb.Set(ctx, redisKey(ws.WorkflowID), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("persist workflow state: %w", err)
	}
	return nil
}

// Get loads the workflow state for workflowID and refreshes its TTL, since
// every command touching a workflow resets the expiry clock. A missing or
// expired key surfaces as toolerr.ErrWorkflowNotFound.
func (s *Store) Get(ctx context.Context, workflowID string) (executor.WorkflowState, error) {
	key := redisKey(workflowID)
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return executor.WorkflowState{}, toolerr.ErrWorkflowNotFound
	}
	if err != nil {
		return executor.WorkflowState{}, fmt.Errorf("load workflow state: %w", err)
	}
	var ws executor.WorkflowState
	if err := json.Unmarshal(raw, &ws); err != nil {
		return executor.WorkflowState{}, fmt.Errorf("unmarshal workflow state: %w", err)
	}
	if err := s.rdb.Expire(ctx, key, s.ttl).Err(); err != nil {
		s.tele.Logger.Warn(ctx, "workflow state TTL refresh failed", "workflowId", workflowID, "err", err)
	}
	return ws, nil
}

// Delete removes a workflow's state, e.g. once the dispatcher observes a
// terminal status and no longer needs cross-restart resume for it.
func (s *Store) Delete(ctx context.Context, workflowID string) error {
	if err := s.rdb.Del(ctx, redisKey(workflowID)).Err(); err != nil {
		return fmt.Errorf("delete workflow state: %w", err)
	}
	return nil
}
