package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/quantrail/tradingcore/core/observability"
	"github.com/redis/go-redis/v9"
)

// casTransitionScript performs the store's CAS state update atomically:
// it only applies the patch fields and sets the new state if the task's
// current state still equals "from". Keeps the engine's Transition contract
// race-free without round-tripping a GET then SET.
const casTransitionScript = `
local current = redis.call("HGET", KEYS[1], "state")
if current == false then
    return -1
end
if current ~= ARGV[1] then
    return 0
end
redis.call("HSET", KEYS[1], "state", ARGV[2], "blob", ARGV[3])
return 1
`

// RedisStore implements Store and Coordinator over go-redis, using Lua
// scripts preloaded via EVALSHA for the CAS Transition operation so the
// check-and-set is atomic server-side.
type RedisStore struct {
	client *redis.Client

	casTransitionSHA string
}

// NewRedisStore dials addr and preloads the CAS Lua script.
func NewRedisStore(addr string, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	sha, err := client.ScriptLoad(ctx, casTransitionScript).Result()
	if err != nil {
		return nil, errors.New("failed to preload cas transition script: " + err.Error())
	}

	return &RedisStore{client: client, casTransitionSHA: sha}, nil
}

func observeLatency(start time.Time) {
	observability.RedisLatency.Observe(time.Since(start).Seconds())
}

// taskRecord is the JSON envelope stored in the task hash's "blob" field;
// state lives in its own hash field so the Lua script can CAS on it without
// decoding JSON server-side.
type taskRecord struct {
	Task
}

func (s *RedisStore) taskKey(id string) string { return Key(ResourceTask, id) }

func (s *RedisStore) Admit(ctx context.Context, task *Task) error {
	defer observeLatency(time.Now())
	key := s.taskKey(task.ID)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return err
	}
	if exists > 0 {
		return ErrAlreadyExists
	}
	blob, err := json.Marshal(task)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, "state", string(task.State), "blob", blob)
	for _, dep := range task.Dependencies {
		pipe.SAdd(ctx, SetDependents(dep), task.ID)
	}
	if task.State == TaskReady {
		pipe.ZAdd(ctx, ZSetReady(task.Queue), redis.Z{Score: float64(task.Priority), Member: task.ID})
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Transition(ctx context.Context, id string, from, to TaskState, patch func(*Task)) error {
	defer observeLatency(time.Now())
	key := s.taskKey(id)
	current, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	patched := current.Clone()
	patched.State = to
	if patch != nil {
		patch(patched)
	}
	patchBlob, err := json.Marshal(patched)
	if err != nil {
		return err
	}
	res, err := s.client.EvalSha(ctx, s.casTransitionSHA, []string{key}, string(from), string(to), patchBlob).Result()
	if err != nil {
		return err
	}
	code, _ := res.(int64)
	switch code {
	case -1:
		return ErrNotFound
	case 0:
		return ErrStaleState
	}
	return s.syncIndexes(ctx, current, patched, to)
}

// syncIndexes maintains the ready/retry sorted sets that LoadReady and
// ListDueRetries read from, since the CAS script only touches the hash.
func (s *RedisStore) syncIndexes(ctx context.Context, before, after *Task, to TaskState) error {
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, ZSetReady(before.Queue), before.ID)
	pipe.ZRem(ctx, ZSetRetries(before.Queue), before.ID)
	if to == TaskReady {
		pipe.ZAdd(ctx, ZSetReady(after.Queue), redis.Z{Score: float64(after.EffectivePriority), Member: after.ID})
	}
	if to == TaskPending && after.NextRetryAt != nil {
		pipe.ZAdd(ctx, ZSetRetries(after.Queue), redis.Z{Score: float64(after.NextRetryAt.UnixMilli()), Member: after.ID})
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) LoadReady(ctx context.Context, queue Queue, limit int) ([]*Task, error) {
	ids, err := s.client.ZRevRange(ctx, ZSetReady(queue), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.GetTask(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *RedisStore) LoadDependents(ctx context.Context, id string) ([]string, error) {
	return s.client.SMembers(ctx, SetDependents(id)).Result()
}

func (s *RedisStore) GetTask(ctx context.Context, id string) (*Task, error) {
	blob, err := s.client.HGet(ctx, s.taskKey(id), "blob").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var t Task
	if err := json.Unmarshal(blob, &t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &t, nil
}

func (s *RedisStore) RecordResult(ctx context.Context, id string, to TaskState, result *Result) error {
	defer observeLatency(time.Now())
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	t.State = to
	t.Result = result
	now := time.Now()
	t.CompletedAt = &now
	blob, err := json.Marshal(t)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.taskKey(id), "state", string(to), "blob", blob)
	pipe.ZRem(ctx, ZSetReady(t.Queue), id)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Retain(ctx context.Context, policy RetentionPolicy) (int, error) {
	// Retain deletes nothing on Redis and always reports 0: terminal tasks
	// stay in the keyspace, and Admit sets no TTL on task keys.
	return 0, nil
}

func (s *RedisStore) ListDueRetries(ctx context.Context, queue Queue, now time.Time, limit int) ([]*Task, error) {
	ids, err := s.client.ZRangeByScore(ctx, ZSetRetries(queue), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.UnixMilli()), Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.GetTask(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// ListNonTerminal scans every task hash and returns those in queue that
// haven't reached a terminal state. Redis keeps no standing index of
// non-terminal tasks (Ready lives in a ZSET, Pending/Running don't), so this
// walks the full task keyspace the same way QueueStats does; it's only
// called from EmergencyStop, which is rare enough to afford the scan.
func (s *RedisStore) ListNonTerminal(ctx context.Context, queue Queue) ([]*Task, error) {
	var out []*Task
	iter := s.client.Scan(ctx, 0, Prefix(ResourceTask)+"*", 0).Iterator()
	for iter.Next(ctx) {
		blob, err := s.client.HGet(ctx, iter.Val(), "blob").Bytes()
		if err != nil {
			continue
		}
		var t Task
		if err := json.Unmarshal(blob, &t); err != nil || t.Queue != queue || t.State.IsTerminal() {
			continue
		}
		out = append(out, &t)
	}
	return out, iter.Err()
}

func (s *RedisStore) workflowKey(id string) string { return Key(ResourceWorkflow, id) }

func (s *RedisStore) AdmitWorkflow(ctx context.Context, wf *Workflow) error {
	key := s.workflowKey(wf.ID)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return err
	}
	if exists > 0 {
		return ErrAlreadyExists
	}
	blob, err := json.Marshal(wf)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, blob, 0).Err()
}

func (s *RedisStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	blob, err := s.client.Get(ctx, s.workflowKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var wf Workflow
	if err := json.Unmarshal(blob, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

func (s *RedisStore) UpdateWorkflow(ctx context.Context, wf *Workflow) error {
	blob, err := json.Marshal(wf)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.workflowKey(wf.ID), blob, 0).Err()
}

func (s *RedisStore) ListTasksByParentWorkflow(ctx context.Context, workflowID string) ([]*Task, error) {
	var out []*Task
	iter := s.client.Scan(ctx, 0, Prefix(ResourceTask)+"*", 0).Iterator()
	for iter.Next(ctx) {
		blob, err := s.client.HGet(ctx, iter.Val(), "blob").Bytes()
		if err != nil {
			continue
		}
		var t Task
		if err := json.Unmarshal(blob, &t); err == nil && t.ParentWorkflowID == workflowID {
			out = append(out, &t)
		}
	}
	return out, iter.Err()
}

func (s *RedisStore) ListNonTerminalWorkflows(ctx context.Context) ([]*Workflow, error) {
	var out []*Workflow
	iter := s.client.Scan(ctx, 0, Prefix(ResourceWorkflow)+"*", 0).Iterator()
	for iter.Next(ctx) {
		blob, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var wf Workflow
		if err := json.Unmarshal(blob, &wf); err == nil {
			if wf.State != WorkflowCompleted && wf.State != WorkflowFailed && wf.State != WorkflowCancelled {
				out = append(out, &wf)
			}
		}
	}
	return out, iter.Err()
}

func (s *RedisStore) AppendEvent(ctx context.Context, ev *Event) error {
	blob, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	key := Key(ResourceEvent, ev.CorrelationID)
	return s.client.RPush(ctx, key, blob).Err()
}

func (s *RedisStore) ListEventsByCorrelation(ctx context.Context, correlationID string) ([]*Event, error) {
	raw, err := s.client.LRange(ctx, Key(ResourceEvent, correlationID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Event, 0, len(raw))
	for _, r := range raw {
		var ev Event
		if err := json.Unmarshal([]byte(r), &ev); err == nil {
			out = append(out, &ev)
		}
	}
	return out, nil
}

func (s *RedisStore) GetLastFire(ctx context.Context, name string) (time.Time, bool, error) {
	val, err := s.client.Get(ctx, "tradingcore:lastfire:"+name).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(val), true, nil
}

func (s *RedisStore) SetLastFire(ctx context.Context, name string, t time.Time) error {
	return s.client.Set(ctx, "tradingcore:lastfire:"+name, t.UnixMilli(), 0).Err()
}

func (s *RedisStore) QueueStats(ctx context.Context, queue Queue) (QueueStatus, error) {
	status := QueueStatus{Queue: queue, SampledAt: time.Now()}

	readyCount, err := s.client.ZCard(ctx, ZSetReady(queue)).Result()
	if err != nil {
		return status, err
	}
	status.Ready = int(readyCount)

	var oldestReady time.Time
	iter := s.client.Scan(ctx, 0, Prefix(ResourceTask)+"*", 0).Iterator()
	for iter.Next(ctx) {
		blob, err := s.client.HGet(ctx, iter.Val(), "blob").Bytes()
		if err != nil {
			continue
		}
		var t Task
		if err := json.Unmarshal(blob, &t); err != nil || t.Queue != queue {
			continue
		}
		switch t.State {
		case TaskPending:
			status.Pending++
		case TaskRunning:
			status.Running++
		case TaskCompleted:
			status.CompletedTotal++
		case TaskFailed:
			status.FailedTotal++
		case TaskReady:
			if oldestReady.IsZero() || t.ReadySince.Before(oldestReady) {
				oldestReady = t.ReadySince
			}
		}
	}
	if err := iter.Err(); err != nil {
		return status, err
	}
	if !oldestReady.IsZero() {
		status.OldestReadyAge = time.Since(oldestReady)
	}
	return status, nil
}

// --- Coordinator ---

func (s *RedisStore) AcquireLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error) {
	defer observeLatency(time.Now())
	return s.client.SetNX(ctx, key, ownerID, ttl).Result()
}

func (s *RedisStore) RenewLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error) {
	defer observeLatency(time.Now())
	script := `
		local val = redis.call("get", KEYS[1])
		if not val then return -1 end
		if val == ARGV[1] then return redis.call("pexpire", KEYS[1], tonumber(ARGV[2])) end
		return -2
	`
	res, err := s.client.Eval(ctx, script, []string{key}, ownerID, int64(ttl/time.Millisecond)).Result()
	if err != nil {
		return false, err
	}
	v, _ := res.(int64)
	return v == 1, nil
}

func (s *RedisStore) ReleaseLock(ctx context.Context, key string, ownerID string) error {
	defer observeLatency(time.Now())
	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		end
		return 0
	`
	_, err := s.client.Eval(ctx, script, []string{key}, ownerID).Result()
	return err
}

func (s *RedisStore) GetLockOwner(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

func (s *RedisStore) AcquireLease(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return s.AcquireLock(ctx, key, value, ttl)
}

func (s *RedisStore) RenewLease(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return s.RenewLock(ctx, key, value, ttl)
}

func (s *RedisStore) ReleaseLease(ctx context.Context, key string, value string) error {
	return s.ReleaseLock(ctx, key, value)
}

func (s *RedisStore) IsLeaseOwner(ctx context.Context, key string, value string) (bool, error) {
	owner, err := s.GetLockOwner(ctx, key)
	if err != nil {
		return false, err
	}
	return owner == value, nil
}

func (s *RedisStore) IncrementEpoch(ctx context.Context, key string) (int64, error) {
	return s.client.Incr(ctx, key+":epoch").Result()
}

func (s *RedisStore) ScanLocks(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

func (s *RedisStore) IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	return s.IncrementEpoch(ctx, resourceID)
}

func (s *RedisStore) GetDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	val, err := s.client.Get(ctx, resourceID+":epoch").Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return val, err
}
