package redis

import goredis "github.com/redis/go-redis/v9"

// assignScript claims a task for a worker and moves it from the backlog to
// the worker's private log in one step.
//
// KEYS: claim, assign log, pending, assignment, inflight, capacity, backlog, pending index
// ARGV: task, worker, claim ttl ms, now ms, backlog id, payload, retry, enforce, default capacity, source, enqueued at ms
//
// Returns 1 when assigned, 0 when the claim is held, -1 when the worker is
// full and -2 when the backlog entry was already consumed.
var assignScript = goredis.NewScript(`
if #redis.call('XRANGE', KEYS[7], ARGV[5], ARGV[5]) == 0 then
  return -2
end
if ARGV[8] == '1' then
  local cap = tonumber(redis.call('HGET', KEYS[6], ARGV[2])) or tonumber(ARGV[9])
  local inflight = tonumber(redis.call('HGET', KEYS[5], ARGV[2])) or 0
  if inflight >= cap then
    return -1
  end
end
if not redis.call('SET', KEYS[1], ARGV[2], 'NX', 'PX', ARGV[3]) then
  return 0
end
local delivery = redis.call('XADD', KEYS[2], '*', 'task_id', ARGV[1], 'payload', ARGV[6], 'assigned_at', ARGV[4], 'retry_count', ARGV[7])
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
redis.call('HSET', KEYS[4],
  'task_id', ARGV[1], 'worker_id', ARGV[2], 'payload', ARGV[6], 'assigned_at', ARGV[4],
  'retry_count', ARGV[7], 'backlog_id', ARGV[5], 'delivery_id', delivery,
  'source', ARGV[10], 'enqueued_at', ARGV[11])
redis.call('HINCRBY', KEYS[5], ARGV[2], 1)
redis.call('XDEL', KEYS[7], ARGV[5])
redis.call('SADD', KEYS[8], ARGV[2])
return 1
`)

// ackScript applies a worker acknowledgement. Acks that match no live
// assignment owned by the worker are a no-op.
//
// KEYS: assignment, pending, claim, inflight, outcome, assign log, backlog, pending index
// ARGV: task, worker, status, note, now ms, group
//
// Returns 0 for a no-op, 1 when the outcome was recorded, 2 when a released task was requeued.
var ackScript = goredis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'worker_id')
if owner ~= ARGV[2] then
  return 0
end
local fields = redis.call('HMGET', KEYS[1], 'payload', 'retry_count', 'delivery_id')
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('DEL', KEYS[3])
if redis.call('HINCRBY', KEYS[4], ARGV[2], -1) < 0 then
  redis.call('HSET', KEYS[4], ARGV[2], 0)
end
if fields[3] then
  redis.pcall('XACK', KEYS[6], ARGV[6], fields[3])
  redis.pcall('XDEL', KEYS[6], fields[3])
end
local result = 1
if ARGV[3] == 'released' then
  redis.call('XADD', KEYS[7], '*', 'task_id', ARGV[1], 'payload', fields[1] or '{}',
    'source', 'requeue', 'retry_count', fields[2] or '0', 'enqueued_at', ARGV[5])
  result = 2
else
  redis.call('HSET', KEYS[5], 'task_id', ARGV[1], 'status', ARGV[3], 'note', ARGV[4],
    'worker_id', ARGV[2], 'acked_at', ARGV[5])
end
redis.call('DEL', KEYS[1])
if redis.call('ZCARD', KEYS[2]) == 0 then
  redis.call('SREM', KEYS[8], ARGV[2])
end
return result
`)

// reclaimScript recovers an assignment past its visibility timeout: the task
// goes back to the backlog with retry+1, or to the dead-letter log once the
// retry budget is spent.
//
// KEYS: pending, claim, inflight, assignment, backlog, dead letter, pending index, assign log
// ARGV: task, worker, max retries, now ms, reason, group
//
// Returns {0, 0} when the assignment was already gone, {1, retry} when
// requeued and {2, retry} when dead-lettered.
var reclaimScript = goredis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return {0, 0}
end
redis.call('DEL', KEYS[2])
if redis.call('HINCRBY', KEYS[3], ARGV[2], -1) < 0 then
  redis.call('HSET', KEYS[3], ARGV[2], 0)
end
local fields = redis.call('HMGET', KEYS[4], 'payload', 'retry_count', 'delivery_id')
redis.call('DEL', KEYS[4])
local payload = fields[1] or '{}'
local retry = (tonumber(fields[2]) or 0) + 1
if fields[3] then
  redis.pcall('XACK', KEYS[8], ARGV[6], fields[3])
  redis.pcall('XDEL', KEYS[8], fields[3])
end
local result = 1
if retry > tonumber(ARGV[3]) then
  redis.call('XADD', KEYS[6], '*', 'task_id', ARGV[1], 'last_worker_id', ARGV[2], 'reason', ARGV[5],
    'retry_count', tostring(retry), 'recorded_at', ARGV[4], 'payload', payload)
  result = 2
else
  redis.call('XADD', KEYS[5], '*', 'task_id', ARGV[1], 'payload', payload, 'source', 'requeue',
    'retry_count', tostring(retry), 'enqueued_at', ARGV[4])
end
if redis.call('ZCARD', KEYS[1]) == 0 then
  redis.call('SREM', KEYS[7], ARGV[2])
end
return {result, retry}
`)
