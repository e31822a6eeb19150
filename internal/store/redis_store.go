package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/n8n-work/engine-go/internal/models"
)

// RedisStore is the minimal dialect named in the Store contract: no
// CTE/RETURNING, no row-skip-lock. Every CAS is a Lua script evaluated
// atomically by the Redis server, which is the closest equivalent to a
// "single UPDATE guarded by a predicate" that a key-value store offers.
// Extended from a plain Get/Set/Delete cache wrapper into a store able
// to carry the full execution/step-result/event schema.
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisStore dials Redis with a simple addr/password/db configuration.
func NewRedisStore(addr, password string, db int, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: connect redis: %w", err)
	}
	return &RedisStore{client: client, logger: logger.With(zap.String("component", "redis_store"))}, nil
}

func (s *RedisStore) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }
func (s *RedisStore) Close() error                   { return s.client.Close() }

func execKey(id string) string       { return "exec:" + id }
func pendingZKey() string            { return "exec:pending" }
func suspendedZKey() string          { return "exec:suspended" }
func stepResultKey(e, step string) string { return "stepresult:" + e + ":" + step }
func stepResultSetKey(e string) string    { return "stepresults:" + e }
func eventKey(id string) string      { return "event:" + id }
func eventsZKey(e string) string     { return "events:" + e }
func timerIdxKey(e, step string) string { return "timeridx:" + e + ":" + step }

type execHash struct {
	ID                 string `json:"id"`
	WorkflowID         string `json:"workflow_id"`
	Status             string `json:"status"`
	Input              string `json:"input"`
	Output             string `json:"output"`
	CreatedAtMs        int64  `json:"created_at_ms"`
	UpdatedAtMs        int64  `json:"updated_at_ms"`
	StartedAtEpochMs   int64  `json:"started_at_epoch_ms"`
	CompletedAtEpochMs int64  `json:"completed_at_epoch_ms"`
	LockedUntilEpochMs int64  `json:"locked_until_epoch_ms"`
	LockID             string `json:"lock_id"`
	RetryCount         int    `json:"retry_count"`
	MaxRetries         int    `json:"max_retries"`
	Error              string `json:"error"`
	SuspendedStep      string `json:"suspended_step"`
	ParentExecutionID  string `json:"parent_execution_id"`
}

func (h *execHash) toModel() (*models.Execution, error) {
	e := &models.Execution{
		ID:         h.ID,
		WorkflowID: h.WorkflowID,
		Status:     models.ExecutionStatus(h.Status),
		CreatedAt:  time.UnixMilli(h.CreatedAtMs),
		UpdatedAt:  time.UnixMilli(h.UpdatedAtMs),
		RetryCount: h.RetryCount,
		MaxRetries: h.MaxRetries,
		LockID:     h.LockID,
	}
	if h.Input != "" {
		if err := json.Unmarshal([]byte(h.Input), &e.Input); err != nil {
			return nil, fmt.Errorf("store: decode input: %w", err)
		}
	}
	if h.Output != "" {
		if err := json.Unmarshal([]byte(h.Output), &e.Output); err != nil {
			return nil, fmt.Errorf("store: decode output: %w", err)
		}
	}
	if h.StartedAtEpochMs != 0 {
		v := h.StartedAtEpochMs
		e.StartedAtEpochMs = &v
	}
	if h.CompletedAtEpochMs != 0 {
		v := h.CompletedAtEpochMs
		e.CompletedAtEpochMs = &v
	}
	if h.LockedUntilEpochMs != 0 {
		v := h.LockedUntilEpochMs
		e.LockedUntilEpochMs = &v
	}
	if h.Error != "" {
		v := h.Error
		e.Error = &v
	}
	if h.SuspendedStep != "" {
		v := h.SuspendedStep
		e.SuspendedStep = &v
	}
	if h.ParentExecutionID != "" {
		v := h.ParentExecutionID
		e.ParentExecutionID = &v
	}
	return e, nil
}

func (s *RedisStore) getHash(ctx context.Context, id string) (*execHash, error) {
	raw, err := s.client.Get(ctx, execKey(id)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get execution: %w", err)
	}
	var h execHash
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		return nil, fmt.Errorf("store: decode execution: %w", err)
	}
	return &h, nil
}

func (s *RedisStore) putHash(ctx context.Context, h *execHash) error {
	raw, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("store: encode execution: %w", err)
	}
	return s.client.Set(ctx, execKey(h.ID), raw, 0).Err()
}

func (s *RedisStore) CreateExecution(ctx context.Context, workflowID string, input map[string]interface{}, maxRetries int) (*models.Execution, error) {
	id := uuid.NewString()
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("store: encode input: %w", err)
	}
	now := time.Now()
	h := &execHash{
		ID: id, WorkflowID: workflowID, Status: string(models.ExecutionPending),
		Input: string(inputJSON), CreatedAtMs: now.UnixMilli(), UpdatedAtMs: now.UnixMilli(),
		MaxRetries: maxRetries,
	}
	if err := s.putHash(ctx, h); err != nil {
		return nil, err
	}
	if err := s.client.ZAdd(ctx, pendingZKey(), &redis.Z{Score: float64(now.UnixMilli()), Member: id}).Err(); err != nil {
		return nil, fmt.Errorf("store: index pending: %w", err)
	}
	return h.toModel()
}

func (s *RedisStore) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	h, err := s.getHash(ctx, id)
	if err != nil {
		return nil, err
	}
	return h.toModel()
}

// acquireLeaseScript is the Lua equivalent of the SQL CAS: it reads the
// execution hash, checks the same predicate (status, retry budget,
// lease expiry), and writes a fresh lock_id — all inside one atomic
// script evaluation so no other client can interleave.
var acquireLeaseScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return nil end
local h = cjson.decode(raw)
local now = tonumber(ARGV[1])
local lease_ms = tonumber(ARGV[2])
local new_lock_id = ARGV[3]

if not (h.status == 'pending' or h.status == 'running') then return nil end
if h.retry_count >= h.max_retries then return nil end
if h.locked_until_epoch_ms ~= 0 and h.locked_until_epoch_ms >= now then return nil end

h.lock_id = new_lock_id
h.locked_until_epoch_ms = now + lease_ms
h.status = 'running'
h.updated_at_ms = now
redis.call('SET', KEYS[1], cjson.encode(h))
return cjson.encode({lock_id = new_lock_id, retry_count = h.retry_count})
`)

func (s *RedisStore) AcquireLease(ctx context.Context, id string, leaseMs int64) (*Lease, error) {
	lockID := uuid.NewString()
	res, err := acquireLeaseScript.Run(ctx, s.client, []string{execKey(id)},
		time.Now().UnixMilli(), leaseMs, lockID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: acquire lease: %w", err)
	}
	var out struct {
		LockID     string `json:"lock_id"`
		RetryCount int    `json:"retry_count"`
	}
	if err := json.Unmarshal([]byte(res.(string)), &out); err != nil {
		return nil, fmt.Errorf("store: decode lease result: %w", err)
	}
	return &Lease{LockID: out.LockID, RetryCount: out.RetryCount}, nil
}

var releaseLeaseScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return 0 end
local h = cjson.decode(raw)
if h.lock_id ~= ARGV[1] then return 0 end
h.lock_id = ''
h.locked_until_epoch_ms = 0
h.updated_at_ms = tonumber(ARGV[2])
redis.call('SET', KEYS[1], cjson.encode(h))
return 1
`)

func (s *RedisStore) ReleaseLease(ctx context.Context, id, lockID string) error {
	_, err := releaseLeaseScript.Run(ctx, s.client, []string{execKey(id)}, lockID, time.Now().UnixMilli()).Result()
	if err != nil {
		return fmt.Errorf("store: release lease: %w", err)
	}
	return nil
}

// FindPending scans the pending index and leases each row it can CAS, in
// index order — the minimal dialect's stand-in for row-skip-lock: no
// cross-client blocking occurs because the CAS itself (not a row lock)
// decides ownership. The index is scored by the time a row became
// eligible (its creation, or the retry time FailExecution sets, or the
// moment WakeIfDue/ResumeExecution requeues it), so rows come back in
// that order, not strictly by created_at.
func (s *RedisStore) FindPending(ctx context.Context, limit int, leaseMs int64, scheduledBefore *time.Time) ([]*models.Execution, error) {
	before := time.Now()
	if scheduledBefore != nil {
		before = *scheduledBefore
	}
	ids, err := s.client.ZRangeByScore(ctx, pendingZKey(), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", before.UnixMilli()), Offset: 0, Count: int64(limit * 4),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("store: find pending scan: %w", err)
	}
	out := make([]*models.Execution, 0, limit)
	for _, id := range ids {
		if len(out) >= limit {
			break
		}
		lease, err := s.AcquireLease(ctx, id, leaseMs)
		if err != nil {
			return nil, err
		}
		if lease == nil {
			continue
		}
		exec, err := s.GetExecution(ctx, id)
		if err != nil {
			continue
		}
		if exec.Status.IsTerminal() {
			s.client.ZRem(ctx, pendingZKey(), id)
			continue
		}
		out = append(out, exec)
	}
	return out, nil
}

var completeScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return 0 end
local h = cjson.decode(raw)
if h.lock_id ~= ARGV[1] then return 0 end
h.status = 'completed'
h.output = ARGV[2]
h.completed_at_epoch_ms = tonumber(ARGV[3])
h.lock_id = ''
h.locked_until_epoch_ms = 0
h.updated_at_ms = tonumber(ARGV[3])
redis.call('SET', KEYS[1], cjson.encode(h))
return 1
`)

func (s *RedisStore) CompleteExecution(ctx context.Context, id, lockID string, output map[string]interface{}, excludedLarge []string) error {
	for _, key := range excludedLarge {
		if output != nil {
			output[key] = models.ExcludedOutputSentinel
		}
	}
	outputJSON, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("store: encode output: %w", err)
	}
	res, err := completeScript.Run(ctx, s.client, []string{execKey(id)}, lockID, string(outputJSON), time.Now().UnixMilli()).Result()
	if err != nil {
		return fmt.Errorf("store: complete execution: %w", err)
	}
	if res.(int64) == 0 {
		return ErrLeaseNotHeld
	}
	s.client.ZRem(ctx, pendingZKey(), id)
	return nil
}

func (s *RedisStore) FailExecution(ctx context.Context, id, lockID, errMsg string, retryable bool, retryBaseMs int64) (*FailOutcome, error) {
	h, err := s.getHash(ctx, id)
	if err != nil {
		if err == ErrNotFound {
			return &FailOutcome{WillRetry: false}, nil
		}
		return nil, err
	}
	if h.LockID != lockID {
		return &FailOutcome{WillRetry: false}, nil
	}

	now := time.Now()
	if retryable && h.RetryCount+1 < h.MaxRetries {
		h.RetryCount++
		h.Status = string(models.ExecutionPending)
		h.Error = errMsg
		h.LockID = ""
		h.LockedUntilEpochMs = 0
		h.UpdatedAtMs = now.UnixMilli()
		if err := s.putHash(ctx, h); err != nil {
			return nil, err
		}
		backoff := time.Duration(retryBaseMs) * time.Millisecond * time.Duration(1<<uint(h.RetryCount))
		nextRunAt := now.Add(backoff)
		s.client.ZAdd(ctx, pendingZKey(), &redis.Z{Score: float64(nextRunAt.UnixMilli()), Member: id})
		return &FailOutcome{WillRetry: true, NextRunAt: &nextRunAt}, nil
	}

	h.Status = string(models.ExecutionFailed)
	h.Error = errMsg
	h.CompletedAtEpochMs = now.UnixMilli()
	h.LockID = ""
	h.LockedUntilEpochMs = 0
	h.UpdatedAtMs = now.UnixMilli()
	if err := s.putHash(ctx, h); err != nil {
		return nil, err
	}
	s.client.ZRem(ctx, pendingZKey(), id)
	return &FailOutcome{WillRetry: false}, nil
}

func (s *RedisStore) transitionReleasing(ctx context.Context, id, lockID, status, suspendedStep string) error {
	h, err := s.getHash(ctx, id)
	if err != nil {
		return err
	}
	if h.LockID != lockID {
		return ErrLeaseNotHeld
	}
	h.Status = status
	h.SuspendedStep = suspendedStep
	h.LockID = ""
	h.LockedUntilEpochMs = 0
	h.UpdatedAtMs = time.Now().UnixMilli()
	if err := s.putHash(ctx, h); err != nil {
		return err
	}
	if status == "sleeping" || status == "waiting_for_signal" {
		s.client.ZRem(ctx, pendingZKey(), id)
		s.client.ZAdd(ctx, suspendedZKey(), &redis.Z{Score: float64(time.Now().UnixMilli()), Member: id})
	}
	return nil
}

// WakeIfDue moves a sleeping execution whose timer has fired, or a
// waiting_for_signal execution with a pending signal or an elapsed
// timeout, back to pending so AcquireLease/FindPending can pick it up.
func (s *RedisStore) WakeIfDue(ctx context.Context, id string) (bool, error) {
	h, err := s.getHash(ctx, id)
	if err != nil {
		if err == ErrNotFound {
			return false, nil
		}
		return false, err
	}
	if h.Status != string(models.ExecutionSleeping) && h.Status != string(models.ExecutionWaitingForSignal) {
		return false, nil
	}

	now := time.Now()
	due := false
	if h.Status == string(models.ExecutionSleeping) {
		timers, err := s.listEvents(ctx, id, func(ev *models.WorkflowEvent) bool {
			return ev.Type == models.EventTimer && ev.Name == h.SuspendedStep && ev.ConsumedAt == nil && ev.VisibleAt != nil && !ev.VisibleAt.After(now)
		})
		if err != nil {
			return false, err
		}
		due = len(timers) > 0
	} else {
		signals, err := s.listEvents(ctx, id, func(ev *models.WorkflowEvent) bool {
			return ev.Type == models.EventSignal && ev.ConsumedAt == nil
		})
		if err != nil {
			return false, err
		}
		if len(signals) > 0 {
			due = true
		} else {
			timeouts, err := s.listEvents(ctx, id, func(ev *models.WorkflowEvent) bool {
				return ev.Type == models.EventTimer && ev.Name == h.SuspendedStep && ev.ConsumedAt == nil && ev.VisibleAt != nil && !ev.VisibleAt.After(now)
			})
			if err != nil {
				return false, err
			}
			due = len(timeouts) > 0
		}
	}
	if !due {
		return false, nil
	}

	h.Status = string(models.ExecutionPending)
	h.UpdatedAtMs = now.UnixMilli()
	if err := s.putHash(ctx, h); err != nil {
		return false, err
	}
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, suspendedZKey(), id)
	pipe.ZAdd(ctx, pendingZKey(), &redis.Z{Score: float64(now.UnixMilli()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("store: wake if due requeue: %w", err)
	}
	return true, nil
}

// ListSuspended returns up to limit executions currently sleeping or
// waiting_for_signal, for the poller to sweep with WakeIfDue each tick.
func (s *RedisStore) ListSuspended(ctx context.Context, limit int) ([]*models.Execution, error) {
	ids, err := s.client.ZRange(ctx, suspendedZKey(), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("store: list suspended: %w", err)
	}
	out := make([]*models.Execution, 0, len(ids))
	for _, id := range ids {
		exec, err := s.GetExecution(ctx, id)
		if err == ErrNotFound {
			s.client.ZRem(ctx, suspendedZKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, nil
}

func (s *RedisStore) SetSleeping(ctx context.Context, id, lockID, step string, wakeAt time.Time) error {
	if err := s.transitionReleasing(ctx, id, lockID, string(models.ExecutionSleeping), step); err != nil {
		return err
	}
	return s.ScheduleTimer(ctx, id, step, wakeAt)
}

func (s *RedisStore) SetWaiting(ctx context.Context, id, lockID, step, signalName string, timeoutAt *time.Time) error {
	var suspendedStep string
	if timeoutAt != nil {
		suspendedStep = step + ":timeout"
	}
	if err := s.transitionReleasing(ctx, id, lockID, string(models.ExecutionWaitingForSignal), suspendedStep); err != nil {
		return err
	}
	if timeoutAt == nil {
		return nil
	}
	return s.ScheduleTimer(ctx, id, step+":timeout", *timeoutAt)
}

func (s *RedisStore) CancelExecution(ctx context.Context, id string) (CancelOutcome, error) {
	h, err := s.getHash(ctx, id)
	if err != nil {
		if err == ErrNotFound {
			return CancelNotFound, nil
		}
		return "", err
	}
	switch h.Status {
	case string(models.ExecutionCancelled):
		return CancelAlreadyCancelled, nil
	case string(models.ExecutionPending), string(models.ExecutionRunning), string(models.ExecutionSleeping), string(models.ExecutionWaitingForSignal):
		h.Status = string(models.ExecutionCancelled)
		h.CompletedAtEpochMs = time.Now().UnixMilli()
		h.UpdatedAtMs = time.Now().UnixMilli()
		if err := s.putHash(ctx, h); err != nil {
			return "", err
		}
		s.client.ZRem(ctx, pendingZKey(), id)
		s.client.ZRem(ctx, suspendedZKey(), id)
		return CancelOK, nil
	default:
		return CancelNotCancellable, nil
	}
}

func (s *RedisStore) ResumeExecution(ctx context.Context, id string, resetRetries, requeue bool) (ResumeOutcome, error) {
	h, err := s.getHash(ctx, id)
	if err != nil {
		if err == ErrNotFound {
			return ResumeNotFound, nil
		}
		return "", err
	}
	if h.Status != string(models.ExecutionCancelled) && h.Status != string(models.ExecutionFailed) {
		return ResumeNotResumable, nil
	}
	h.Status = string(models.ExecutionPending)
	h.CompletedAtEpochMs = 0
	if resetRetries {
		h.RetryCount = 0
	}
	h.UpdatedAtMs = time.Now().UnixMilli()
	if err := s.putHash(ctx, h); err != nil {
		return "", err
	}
	s.client.ZAdd(ctx, pendingZKey(), &redis.Z{Score: float64(time.Now().UnixMilli()), Member: id})
	return ResumeOK, nil
}

type stepResultJSON struct {
	ExecutionID string     `json:"execution_id"`
	StepID      string     `json:"step_id"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Output      []byte     `json:"output,omitempty"`
	Error       *string    `json:"error,omitempty"`
}

func (s *RedisStore) UpsertStepResult(ctx context.Context, executionID, stepID string, patch StepResultPatch) error {
	key := stepResultKey(executionID, stepID)
	existing := stepResultJSON{ExecutionID: executionID, StepID: stepID}
	if raw, err := s.client.Get(ctx, key).Result(); err == nil {
		_ = json.Unmarshal([]byte(raw), &existing)
	} else if err != redis.Nil {
		return fmt.Errorf("store: get step result: %w", err)
	}
	if patch.StartedAt != nil {
		existing.StartedAt = patch.StartedAt
	}
	if patch.CompletedAt != nil {
		existing.CompletedAt = patch.CompletedAt
	}
	if patch.Output != nil {
		existing.Output = patch.Output
	}
	if patch.Error != nil {
		existing.Error = patch.Error
	}
	raw, err := json.Marshal(existing)
	if err != nil {
		return fmt.Errorf("store: encode step result: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, raw, 0)
	pipe.SAdd(ctx, stepResultSetKey(executionID), stepID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: upsert step result: %w", err)
	}
	return nil
}

func (s *RedisStore) GetStepResults(ctx context.Context, executionID string) (map[string]*models.StepResult, error) {
	stepIDs, err := s.client.SMembers(ctx, stepResultSetKey(executionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: list step results: %w", err)
	}
	out := make(map[string]*models.StepResult, len(stepIDs))
	for _, stepID := range stepIDs {
		raw, err := s.client.Get(ctx, stepResultKey(executionID, stepID)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("store: get step result: %w", err)
		}
		var sr stepResultJSON
		if err := json.Unmarshal([]byte(raw), &sr); err != nil {
			return nil, fmt.Errorf("store: decode step result: %w", err)
		}
		out[stepID] = &models.StepResult{
			ExecutionID: sr.ExecutionID, StepID: sr.StepID,
			StartedAt: sr.StartedAt, CompletedAt: sr.CompletedAt,
			Output: sr.Output, Error: sr.Error,
		}
	}
	return out, nil
}

func (s *RedisStore) AppendEvent(ctx context.Context, event *models.WorkflowEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	event.CreatedAt = time.Now()
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("store: encode event: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, eventKey(event.ID), raw, 0)
	pipe.ZAdd(ctx, eventsZKey(event.ExecutionID), &redis.Z{Score: float64(event.CreatedAt.UnixNano()), Member: event.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: append event: %w", err)
	}
	return nil
}

var consumeSignalScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return 0 end
local ev = cjson.decode(raw)
if ev.consumed_at ~= nil and ev.consumed_at ~= cjson.null then return 0 end
ev.consumed_at = ARGV[1]
redis.call('SET', KEYS[1], cjson.encode(ev))
return 1
`)

func (s *RedisStore) ConsumeSignal(ctx context.Context, eventID string) (bool, error) {
	res, err := consumeSignalScript.Run(ctx, s.client, []string{eventKey(eventID)}, time.Now().Format(time.RFC3339Nano)).Result()
	if err != nil {
		return false, fmt.Errorf("store: consume signal: %w", err)
	}
	return res.(int64) == 1, nil
}

// ConsumeTimer marks a fired timer event consumed, using the same CAS
// script as ConsumeSignal since the consumed_at field isn't specific to
// either event kind.
func (s *RedisStore) ConsumeTimer(ctx context.Context, eventID string) (bool, error) {
	res, err := consumeSignalScript.Run(ctx, s.client, []string{eventKey(eventID)}, time.Now().Format(time.RFC3339Nano)).Result()
	if err != nil {
		return false, fmt.Errorf("store: consume timer: %w", err)
	}
	return res.(int64) == 1, nil
}

func (s *RedisStore) listEvents(ctx context.Context, executionID string, filter func(*models.WorkflowEvent) bool) ([]*models.WorkflowEvent, error) {
	ids, err := s.client.ZRange(ctx, eventsZKey(executionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	out := make([]*models.WorkflowEvent, 0, len(ids))
	for _, id := range ids {
		raw, err := s.client.Get(ctx, eventKey(id)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("store: get event: %w", err)
		}
		var ev models.WorkflowEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("store: decode event: %w", err)
		}
		if filter == nil || filter(&ev) {
			out = append(out, &ev)
		}
	}
	return out, nil
}

func (s *RedisStore) GetPendingSignals(ctx context.Context, executionID string) ([]*models.WorkflowEvent, error) {
	return s.listEvents(ctx, executionID, func(ev *models.WorkflowEvent) bool {
		return ev.Type == models.EventSignal && ev.ConsumedAt == nil
	})
}

func (s *RedisStore) CheckTimer(ctx context.Context, executionID, stepName string) (*models.WorkflowEvent, error) {
	now := time.Now()
	matches, err := s.listEvents(ctx, executionID, func(ev *models.WorkflowEvent) bool {
		return ev.Type == models.EventTimer && ev.Name == stepName && ev.ConsumedAt == nil &&
			ev.VisibleAt != nil && !ev.VisibleAt.After(now)
	})
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return matches[0], nil
}

func (s *RedisStore) ScheduleTimer(ctx context.Context, executionID, stepName string, wakeAt time.Time) error {
	ok, err := s.client.SetNX(ctx, timerIdxKey(executionID, stepName), "1", 0).Result()
	if err != nil {
		return fmt.Errorf("store: schedule timer idempotency check: %w", err)
	}
	if !ok {
		return nil
	}
	return s.AppendEvent(ctx, &models.WorkflowEvent{
		ExecutionID: executionID, Type: models.EventTimer, Name: stepName, VisibleAt: &wakeAt,
	})
}

func (s *RedisStore) AppendStreamChunk(ctx context.Context, chunk *models.StepStreamChunk) error {
	key := fmt.Sprintf("streamchunk:%s:%s", chunk.ExecutionID, chunk.StepID)
	raw, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("store: encode stream chunk: %w", err)
	}
	return s.client.ZAdd(ctx, key, &redis.Z{Score: float64(chunk.ChunkIndex), Member: raw}).Err()
}

func (s *RedisStore) GetStreamChunks(ctx context.Context, executionID, stepID string) ([]*models.StepStreamChunk, error) {
	key := fmt.Sprintf("streamchunk:%s:%s", executionID, stepID)
	raws, err := s.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("store: get stream chunks: %w", err)
	}
	out := make([]*models.StepStreamChunk, 0, len(raws))
	for _, raw := range raws {
		var c models.StepStreamChunk
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, fmt.Errorf("store: decode stream chunk: %w", err)
		}
		out = append(out, &c)
	}
	return out, nil
}
