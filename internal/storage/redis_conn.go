package storage

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Conn 是 Acquire 作用域内可用的连接句柄。
// 读取类方法在 key 不存在时返回 (零值, false, nil)，不把 redis.Nil 当作错误。
type Conn struct {
	cmd redis.Cmdable
}

// Get 读取字符串值
func (c *Conn) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.cmd.Get(ctx, key).Result()
	return stringResult(v, err)
}

// Set 写入字符串值，ttl<=0 时不过期
func (c *Conn) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return c.cmd.Set(ctx, key, value, ttl).Err()
}

// SetNX 仅在 key 不存在时写入
func (c *Conn) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return c.cmd.SetNX(ctx, key, value, ttl).Result()
}

// Del 删除 key，返回删除数量
func (c *Conn) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	return c.cmd.Del(ctx, keys...).Result()
}

// Exists 判断 key 是否存在
func (c *Conn) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.cmd.Exists(ctx, key).Result()
	return n > 0, err
}

// Expire 设置过期时间
func (c *Conn) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.cmd.Expire(ctx, key, ttl).Result()
}

// LPush 左侧入列
func (c *Conn) LPush(ctx context.Context, key string, values ...any) (int64, error) {
	return c.cmd.LPush(ctx, key, values...).Result()
}

// RPush 右侧入列
func (c *Conn) RPush(ctx context.Context, key string, values ...any) (int64, error) {
	return c.cmd.RPush(ctx, key, values...).Result()
}

// LPop 左侧出列
func (c *Conn) LPop(ctx context.Context, key string) (string, bool, error) {
	v, err := c.cmd.LPop(ctx, key).Result()
	return stringResult(v, err)
}

// RPop 右侧出列
func (c *Conn) RPop(ctx context.Context, key string) (string, bool, error) {
	v, err := c.cmd.RPop(ctx, key).Result()
	return stringResult(v, err)
}

// LRange 读取列表区间
func (c *Conn) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return c.cmd.LRange(ctx, key, start, stop).Result()
}

// LTrim 裁剪列表
func (c *Conn) LTrim(ctx context.Context, key string, start, stop int64) error {
	return c.cmd.LTrim(ctx, key, start, stop).Err()
}

// LLen 列表长度
func (c *Conn) LLen(ctx context.Context, key string) (int64, error) {
	return c.cmd.LLen(ctx, key).Result()
}

// ZAdd 添加有序集合成员
func (c *Conn) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return c.cmd.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

// ZRangeByScore 按分数范围读取成员，count<=0 表示不限
func (c *Conn) ZRangeByScore(ctx context.Context, key, min, max string, offset, count int64) ([]string, error) {
	by := &redis.ZRangeBy{Min: min, Max: max}
	if count > 0 {
		by.Offset = offset
		by.Count = count
	}
	return c.cmd.ZRangeByScore(ctx, key, by).Result()
}

// ZRem 删除有序集合成员
func (c *Conn) ZRem(ctx context.Context, key string, members ...any) (int64, error) {
	return c.cmd.ZRem(ctx, key, members...).Result()
}

// ZCard 有序集合大小
func (c *Conn) ZCard(ctx context.Context, key string) (int64, error) {
	return c.cmd.ZCard(ctx, key).Result()
}

// HGet 读取哈希字段
func (c *Conn) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := c.cmd.HGet(ctx, key, field).Result()
	return stringResult(v, err)
}

// HSet 写入哈希字段
func (c *Conn) HSet(ctx context.Context, key string, values map[string]any) error {
	if len(values) == 0 {
		return nil
	}
	return c.cmd.HSet(ctx, key, values).Err()
}

// HDel 删除哈希字段
func (c *Conn) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	return c.cmd.HDel(ctx, key, fields...).Result()
}

// HGetAll 读取整个哈希，key 不存在时返回空 map
func (c *Conn) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.cmd.HGetAll(ctx, key).Result()
}

// HIncrBy 哈希字段自增
func (c *Conn) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	return c.cmd.HIncrBy(ctx, key, field, incr).Result()
}

// Scan 完整遍历匹配 pattern 的 key
func (c *Conn) Scan(ctx context.Context, pattern string, batch int64) ([]string, error) {
	if batch <= 0 {
		batch = 100
	}
	var (
		keys   []string
		cursor uint64
	)
	for {
		page, next, err := c.cmd.Scan(ctx, cursor, pattern, batch).Result()
		if err != nil {
			return keys, err
		}
		keys = append(keys, page...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// Publish 向频道发布消息，返回收到消息的订阅者数量
func (c *Conn) Publish(ctx context.Context, channel string, msg any) (int64, error) {
	return c.cmd.Publish(ctx, channel, msg).Result()
}

// Eval 执行 Lua 脚本（优先 EVALSHA）
func (c *Conn) Eval(ctx context.Context, script *redis.Script, keys []string, args ...any) (any, error) {
	res, err := script.Run(ctx, c.cmd, keys, args...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return res, err
}

// TxPipelined 在 MULTI/EXEC 中执行 fn
func (c *Conn) TxPipelined(ctx context.Context, fn func(pipe redis.Pipeliner) error) error {
	_, err := c.cmd.TxPipelined(ctx, fn)
	return err
}

func stringResult(v string, err error) (string, bool, error) {
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}
