package store

import "github.com/go-redis/redis/v8"

// createNudgeScript inserts a nudge only if the conversation has no active one.
// KEYS: active pointer, nudge hash, due index, chain index
// ARGV: id, payload, status, scheduled_ms, conversation_id, awaiting_approval, created_ms
var createNudgeScript = redis.NewScript(`
local existing = redis.call("GET", KEYS[1])
if existing then
	return {0, existing}
end
redis.call("SET", KEYS[1], ARGV[1])
redis.call("HSET", KEYS[2],
	"payload", ARGV[2],
	"status", ARGV[3],
	"claimed_by", "",
	"claimed_at", "0",
	"cancel_requested", "",
	"scheduled_at", ARGV[4],
	"conversation_id", ARGV[5],
	"awaiting_approval", ARGV[6])
if ARGV[6] ~= "1" then
	redis.call("ZADD", KEYS[3], ARGV[4], ARGV[1])
end
redis.call("ZADD", KEYS[4], ARGV[7], ARGV[1])
return {1, ARGV[1]}
`)

// claimDueScript claims up to ARGV[2] due nudges for worker ARGV[3]. A nudge is
// claimable when it is pending or approved, not parked for approval, and either
// unowned or owned by a claim older than the lease. Claimed members are pushed
// to the end of their lease in the due index so overlapping ticks skip them.
// KEYS: due index
// ARGV: now_ms, batch, worker, lease_ms, nudge key prefix
var claimDueScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local lease = tonumber(ARGV[4])
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", "0", ARGV[2])
local claimed = {}
for _, id in ipairs(ids) do
	local key = ARGV[5] .. id
	local status = redis.call("HGET", key, "status")
	if status ~= "pending" and status ~= "approved" then
		redis.call("ZREM", KEYS[1], id)
	elseif redis.call("HGET", key, "awaiting_approval") == "1" then
		redis.call("ZREM", KEYS[1], id)
	else
		local owner = redis.call("HGET", key, "claimed_by")
		local claimedAt = tonumber(redis.call("HGET", key, "claimed_at") or "0") or 0
		if owner == false or owner == "" or claimedAt + lease <= now then
			redis.call("HSET", key, "claimed_by", ARGV[3], "claimed_at", ARGV[1])
			redis.call("ZADD", KEYS[1], tostring(now + lease), id)
			table.insert(claimed, id)
		end
	end
end
return claimed
`)

// claimOneScript claims a single nudge regardless of its scheduled time.
// KEYS: nudge hash, due index
// ARGV: id, now_ms, worker, lease_ms
// Returns 1 on success, 0 when held by another live claim, -1 when not claimable.
var claimOneScript = redis.NewScript(`
local status = redis.call("HGET", KEYS[1], "status")
if status ~= "pending" and status ~= "approved" then
	return -1
end
local now = tonumber(ARGV[2])
local lease = tonumber(ARGV[4])
local owner = redis.call("HGET", KEYS[1], "claimed_by")
local claimedAt = tonumber(redis.call("HGET", KEYS[1], "claimed_at") or "0") or 0
if owner ~= false and owner ~= "" and claimedAt + lease > now then
	return 0
end
redis.call("HSET", KEYS[1], "claimed_by", ARGV[3], "claimed_at", ARGV[2])
redis.call("ZADD", KEYS[2], tostring(now + lease), ARGV[1])
return 1
`)
