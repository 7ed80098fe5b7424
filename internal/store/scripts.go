package store

// slidingWindowLua implements the fixed-window-by-floor counter as a
// single atomic increment-with-TTL: KEYS[1] is the already-quantized
// window key, ARGV[1] is the window size in seconds. TTL is only
// (re)armed on the first hit in a window so a late-arriving EXPIRE never
// resets a window an earlier request already started.
const slidingWindowLua = `
local key = KEYS[1]
local window_seconds = tonumber(ARGV[1])

local count = redis.call('INCR', key)
if count == 1 then
  redis.call('EXPIRE', key, window_seconds * 2)
end

return count
`

// tokenBucketLua implements the token-bucket refill-then-consume algorithm
// as a single atomic script: KEYS[1] is the bucket key, ARGV =
// (capacity, refillPerSecond, cost, nowMicros, ttlSeconds). It returns
// {allowed (0/1), remaining tokens as a string, to avoid float precision
// loss across the Lua/RESP boundary}. Embedding the whole algorithm as one
// EVAL means no other client can observe a half-updated bucket.
const tokenBucketLua = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local data = redis.call('HMGET', key, 'tokens', 'last_refill')
local tokens = tonumber(data[1])
local last_refill = tonumber(data[2])

if tokens == nil then
  tokens = capacity
end
if last_refill == nil then
  last_refill = now
end

local elapsed_seconds = (now - last_refill) / 1000000
if elapsed_seconds < 0 then
  elapsed_seconds = 0
end

tokens = math.min(capacity, tokens + elapsed_seconds * refill_rate)

local allowed = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_refill', tostring(now))
redis.call('EXPIRE', key, ttl)

return {allowed, tostring(tokens)}
`

// circuitCASLua performs the compare-and-set half of CircuitSwap: it writes
// the fields supplied in ARGV only if the stored version still matches
// ARGV[1], and returns 1 on a successful swap or 0 if another instance
// already advanced the record (the Go caller re-reads and retries).
const circuitCASLua = `
local key = KEYS[1]
local expected_version = tonumber(ARGV[1])
local new_state = ARGV[2]
local new_failures = ARGV[3]
local new_successes = ARGV[4]
local new_opened_at = ARGV[5]
local new_half_open = ARGV[6]
local new_version = ARGV[7]

local current_version = tonumber(redis.call('HGET', key, 'version'))
if current_version == nil then
  current_version = 0
end

if current_version ~= expected_version then
  return 0
end

redis.call('HSET', key,
  'state', new_state,
  'failures', new_failures,
  'successes', new_successes,
  'opened_at', new_opened_at,
  'half_open_in_flight', new_half_open,
  'version', new_version)
redis.call('EXPIRE', key, 86400)

return 1
`
