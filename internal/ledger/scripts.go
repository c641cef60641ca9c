package ledger

const (
	reserveScriptName           = "seckill_reserve"
	reserveAndPublishScriptName = "seckill_reserve_publish"
	releaseScriptName           = "seckill_release"
)

// KEYS[1]: 库存键 seckill:stock:{voucherId}
// KEYS[2]: 已下单用户集合 seckill:order:{voucherId}
// ARGV[1]: userId
// 返回 0 预占成功，1 库存不足，2 重复下单
const reserveScript = `
local stock = tonumber(redis.call('get', KEYS[1]))
if (not stock) or stock <= 0 then
    return 1
end

if redis.call('sismember', KEYS[2], ARGV[1]) == 1 then
    return 2
end

redis.call('incrby', KEYS[1], -1)
redis.call('sadd', KEYS[2], ARGV[1])
return 0
`

// 同 reserveScript，成功时在同一次脚本执行内把准入记录写入Stream
// KEYS[3]: Stream键
// ARGV[2]: orderId  ARGV[3]: voucherId  ARGV[4]: createdAt (unix ms)
const reserveAndPublishScript = `
local stock = tonumber(redis.call('get', KEYS[1]))
if (not stock) or stock <= 0 then
    return 1
end

if redis.call('sismember', KEYS[2], ARGV[1]) == 1 then
    return 2
end

redis.call('incrby', KEYS[1], -1)
redis.call('sadd', KEYS[2], ARGV[1])
redis.call('xadd', KEYS[3], '*', 'orderId', ARGV[2], 'userId', ARGV[1], 'voucherId', ARGV[3], 'createdAt', ARGV[4])
return 0
`

// 释放预占：只有用户仍在集合中时才归还库存
// 返回 1 已释放，0 无需释放
const releaseScript = `
if redis.call('srem', KEYS[2], ARGV[1]) == 1 then
    redis.call('incrby', KEYS[1], 1)
    return 1
end
return 0
`
