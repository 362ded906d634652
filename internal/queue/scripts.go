package queue

import "github.com/redis/go-redis/v9"

// commitScript 将已写入的消息 id 推入就绪列表并标记为已提交。
// KEYS[1]=就绪列表 KEYS[2]=消息哈希
// ARGV[1]=id ARGV[2]=列表上限(0为不限) ARGV[3]=head|tail ARGV[4]=status
// 返回 1 成功，-1 列表已满
var commitScript = redis.NewScript(`
local cap = tonumber(ARGV[2])
if cap > 0 and redis.call('LLEN', KEYS[1]) >= cap then
	return -1
end
if ARGV[3] == 'head' then
	redis.call('LPUSH', KEYS[1], ARGV[1])
else
	redis.call('RPUSH', KEYS[1], ARGV[1])
end
redis.call('HSET', KEYS[2], 'committed', '1', 'status', ARGV[4])
return 1
`)

// dequeueScript 按 KEYS 顺序（高优先级在前）弹出第一个仍存在消息哈希的 id，并写入处理记录。
// ARGV[1]=消息key前缀 ARGV[2]=处理记录key前缀 ARGV[3]=consumer
// ARGV[4]=started_at ARGV[5]=visibility_timeout(秒) ARGV[6]=queue
var dequeueScript = redis.NewScript(`
for i = 1, #KEYS do
	while true do
		local id = redis.call('LPOP', KEYS[i])
		if not id then
			break
		end
		local mkey = ARGV[1] .. id
		if redis.call('EXISTS', mkey) == 1 then
			redis.call('HSET', ARGV[2] .. id,
				'consumer', ARGV[3], 'started_at', ARGV[4],
				'visibility_timeout', ARGV[5], 'queue', ARGV[6])
			redis.call('HSET', mkey, 'status', 'PROCESSING')
			return id
		end
	end
end
return false
`)

// partitionDequeueScript 在桶未被占用时弹出一个 id，占用桶并写入处理记录。
// KEYS[1]=分区列表 KEYS[2]=分区桶锁
// ARGV[1..6] 同 dequeueScript，ARGV[7]=桶锁TTL(毫秒) ARGV[8]=bucket
var partitionDequeueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
	return false
end
while true do
	local id = redis.call('LPOP', KEYS[1])
	if not id then
		return false
	end
	local mkey = ARGV[1] .. id
	if redis.call('EXISTS', mkey) == 1 then
		redis.call('SET', KEYS[2], id, 'PX', ARGV[7])
		redis.call('HSET', ARGV[2] .. id,
			'consumer', ARGV[3], 'started_at', ARGV[4],
			'visibility_timeout', ARGV[5], 'queue', ARGV[6], 'bucket', ARGV[8])
		redis.call('HSET', mkey, 'status', 'PROCESSING')
		return id
	end
end
`)

// settleScript 校验处理记录仍归调用方所有后，原子地结算一条在途消息：
// 删除处理记录，按动作确认、重新入队或写入死信，并释放该消息持有的分区桶锁。
// KEYS[1]=处理记录 KEYS[2]=消息哈希 KEYS[3]=跟踪集合 KEYS[4]=就绪列表 KEYS[5]=死信列表 KEYS[6]=分区桶锁(可选)
// ARGV[1]=id ARGV[2]=consumer ARGV[3]=started_at(空串不校验) ARGV[4]=ack|retry|dlq|drop
// ARGV[5]=retry_count ARGV[6]=reclaims ARGV[7]=head|tail ARGV[8]=死信记录 ARGV[9]=重试状态
// 返回 1 已结算，0 消息已不存在，-1 处理记录已不属于调用方（未做任何修改）
var settleScript = redis.NewScript(`
local function release()
	if #KEYS >= 6 and redis.call('GET', KEYS[6]) == ARGV[1] then
		redis.call('DEL', KEYS[6])
	end
end

local owner = redis.call('HMGET', KEYS[1], 'consumer', 'started_at')
if not owner[1] then
	if redis.call('EXISTS', KEYS[2]) == 1 then
		return -1
	end
	release()
	return 0
end
if owner[1] ~= ARGV[2] or (ARGV[3] ~= '' and owner[2] ~= ARGV[3]) then
	return -1
end

redis.call('DEL', KEYS[1])
if ARGV[4] == 'retry' then
	redis.call('HSET', KEYS[2], 'retry_count', ARGV[5], 'reclaims', ARGV[6], 'status', ARGV[9])
	if ARGV[7] == 'head' then
		redis.call('LPUSH', KEYS[4], ARGV[1])
	else
		redis.call('RPUSH', KEYS[4], ARGV[1])
	end
else
	if ARGV[4] == 'dlq' then
		redis.call('RPUSH', KEYS[5], ARGV[8])
	end
	redis.call('DEL', KEYS[2])
	redis.call('ZREM', KEYS[3], ARGV[1])
end
release()
return 1
`)

// promoteScript 将到期的延迟消息移入就绪列表。
// KEYS[1]=延迟集合 KEYS[2]=消息哈希 KEYS[3]=就绪列表 ARGV[1]=id
// 返回 1 已提升，0 已被其他节点处理，-1 消息哈希缺失
var promoteScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return 0
end
if redis.call('EXISTS', KEYS[2]) == 0 then
	return -1
end
redis.call('RPUSH', KEYS[3], ARGV[1])
redis.call('HSET', KEYS[2], 'status', 'PENDING')
return 1
`)
