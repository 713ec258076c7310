package redis

// Result codes returned by updateSessionScript in place of the new version.
const (
	codeNotFound       = -1
	codeConflict       = -2
	codeRegression     = -3
	codeAccountChanged = -4
)

const (
	// createSessionScript atomically creates a session, its account (if
	// missing) and every index that references them
	createSessionScript = `
local session_key = KEYS[1]       -- presence:session:{sessionID}
local account_key = KEYS[2]       -- presence:account:{accountID}
local account_sessions = KEYS[3]  -- presence:account:{accountID}:sessions
local accounts_set = KEYS[4]      -- presence:accounts
local open_set = KEYS[5]          -- presence:sessions:open

local session_id = ARGV[1]
local account_id = ARGV[2]
local started_at = ARGV[3]
local last_seen_at = ARGV[4]
local last_activity_at = ARGV[5]
local last_login_at = ARGV[6]
local accumulated_ms = tonumber(ARGV[7])
local created_at = ARGV[8]

if redis.call('EXISTS', session_key) == 1 then
  return 0
end

redis.call('HSET', session_key,
  'id', session_id,
  'account_id', account_id,
  'started_at', started_at,
  'last_seen_at', last_seen_at,
  'last_activity_at', last_activity_at,
  'last_login_at', last_login_at,
  'accumulated_ms', accumulated_ms,
  'version', 1,
  'created_at', created_at
)

-- Accounts are created active; the identity system deactivates them explicitly
if redis.call('EXISTS', account_key) == 0 then
  redis.call('HSET', account_key,
    'id', account_id,
    'active', '1',
    'total_ms', 0,
    'updated_at', created_at
  )
end
redis.call('SADD', accounts_set, account_id)
redis.call('SADD', account_sessions, session_id)

if started_at ~= '' then
  redis.call('SADD', open_set, session_id)
end

if accumulated_ms > 0 then
  redis.call('HINCRBY', account_key, 'total_ms', accumulated_ms)
end

return 1
`

	// updateSessionScript is the compare-and-update primitive. The session
	// write, the open index and the account aggregate move together.
	updateSessionScript = `
local session_key = KEYS[1]   -- presence:session:{sessionID}
local open_set = KEYS[2]      -- presence:sessions:open
local account_key = KEYS[3]   -- presence:account:{accountID}

local expected_version = ARGV[1]
local session_id = ARGV[2]
local account_id = ARGV[3]
local started_at = ARGV[4]
local last_seen_at = ARGV[5]
local last_activity_at = ARGV[6]
local last_login_at = ARGV[7]
local new_acc = tonumber(ARGV[8])
local updated_at = ARGV[9]

local current = redis.call('HMGET', session_key, 'version', 'accumulated_ms', 'account_id')
if not current[1] then
  return -1
end
if current[1] ~= expected_version then
  return -2
end

local old_acc = tonumber(current[2])
if new_acc < old_acc then
  return -3
end
if current[3] ~= account_id then
  return -4
end

local version = redis.call('HINCRBY', session_key, 'version', 1)
redis.call('HSET', session_key,
  'started_at', started_at,
  'last_seen_at', last_seen_at,
  'last_activity_at', last_activity_at,
  'last_login_at', last_login_at,
  'accumulated_ms', new_acc
)

if started_at ~= '' then
  redis.call('SADD', open_set, session_id)
else
  redis.call('SREM', open_set, session_id)
end

local delta = new_acc - old_acc
if delta > 0 then
  redis.call('HINCRBY', account_key, 'total_ms', delta)
  redis.call('HSET', account_key, 'updated_at', updated_at)
end

return version
`

	// upsertAccountScript creates the account if missing and optionally
	// sets its active flag ('' leaves it untouched)
	upsertAccountScript = `
local account_key = KEYS[1]   -- presence:account:{accountID}
local accounts_set = KEYS[2]  -- presence:accounts

local account_id = ARGV[1]
local active = ARGV[2]
local updated_at = ARGV[3]

if redis.call('EXISTS', account_key) == 0 then
  redis.call('HSET', account_key,
    'id', account_id,
    'active', '1',
    'total_ms', 0,
    'updated_at', updated_at
  )
  redis.call('SADD', accounts_set, account_id)
end

if active ~= '' then
  redis.call('HSET', account_key, 'active', active, 'updated_at', updated_at)
end

return 'OK'
`

	// raiseWatermarkScript only ever increases the stored watermark
	raiseWatermarkScript = `
local watermarks = KEYS[1]    -- presence:audit:watermarks

local session_id = ARGV[1]
local value = tonumber(ARGV[2])

local current = tonumber(redis.call('HGET', watermarks, session_id) or '-1')
if value > current then
  redis.call('HSET', watermarks, session_id, value)
  return 1
end

return 0
`
)
