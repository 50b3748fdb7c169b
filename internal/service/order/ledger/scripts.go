package ledger

// KEYS[1]: 商品库存 hash, 例如: stockflow:{ledger}:stock:p-1
// ARGV[1]: 数量
// 返回 {code, value}: 1 成功; 0 库存不足, value 为当前 available; -1 商品不存在
var reserveScript = `
if redis.call('exists', KEYS[1]) == 0 then
    return {-1, 0}
end
local qty = tonumber(ARGV[1])
local available = tonumber(redis.call('hget', KEYS[1], 'available'))
if qty > available then
    return {0, available}
end
redis.call('hincrby', KEYS[1], 'available', -qty)
redis.call('hincrby', KEYS[1], 'locked', qty)
return {1, available - qty}
`

// 返回 -2 表示 qty 超过 locked, 不做任何修改
var confirmScript = `
if redis.call('exists', KEYS[1]) == 0 then
    return {-1, 0}
end
local qty = tonumber(ARGV[1])
local locked = tonumber(redis.call('hget', KEYS[1], 'locked'))
if qty > locked then
    return {-2, locked}
end
redis.call('hincrby', KEYS[1], 'locked', -qty)
redis.call('hincrby', KEYS[1], 'deducted', qty)
redis.call('hincrby', KEYS[1], 'total', -qty)
return {1, locked - qty}
`

var releaseScript = `
if redis.call('exists', KEYS[1]) == 0 then
    return {-1, 0}
end
local qty = tonumber(ARGV[1])
local locked = tonumber(redis.call('hget', KEYS[1], 'locked'))
if qty > locked then
    return {-2, locked}
end
redis.call('hincrby', KEYS[1], 'locked', -qty)
redis.call('hincrby', KEYS[1], 'available', qty)
return {1, locked - qty}
`

// KEYS[1]: 商品 id 集合
// ARGV[1]: 库存 hash 前缀, 其后每 3 个参数为 id, name, total
var resetScript = `
local old = redis.call('smembers', KEYS[1])
for _, id in ipairs(old) do
    redis.call('del', ARGV[1] .. id)
end
redis.call('del', KEYS[1])
for i = 2, #ARGV, 3 do
    redis.call('hset', ARGV[1] .. ARGV[i],
        'name', ARGV[i + 1],
        'total', ARGV[i + 2],
        'available', ARGV[i + 2],
        'locked', 0,
        'deducted', 0)
    redis.call('sadd', KEYS[1], ARGV[i])
end
return #old
`

var snapshotScript = `
local ids = redis.call('smembers', KEYS[1])
local out = {}
local missing = {'', '0', '0', '0', '0'}
for _, id in ipairs(ids) do
    local v = redis.call('hmget', ARGV[1] .. id, 'name', 'total', 'available', 'locked', 'deducted')
    table.insert(out, id)
    for j = 1, 5 do
        table.insert(out, v[j] or missing[j])
    end
end
return out
`
