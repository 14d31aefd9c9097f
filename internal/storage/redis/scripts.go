package redis

const (
	// appendEventScript appends an event unless its ID was already recorded
	appendEventScript = `
local log_key = KEYS[1]     -- kguard:events:{userID}
local ids_key = KEYS[2]     -- kguard:events:{userID}:ids
local users_key = KEYS[3]   -- kguard:events:users

local event_id = ARGV[1]
local user_id = ARGV[2]
local payload = ARGV[3]

-- A retried append of the same event is a no-op
if redis.call('SISMEMBER', ids_key, event_id) == 1 then
  return 0
end

redis.call('RPUSH', log_key, payload)
redis.call('SADD', ids_key, event_id)
redis.call('SADD', users_key, user_id)

return 1
`
)
