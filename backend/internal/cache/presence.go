package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// PresenceMember Redis 中的在线成员
type PresenceMember struct {
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username,omitempty"`
	ExpireAt  time.Time `json:"-"`
}

// 清理过期成员
// KEYS[1] = roomKey(room)
// KEYS[2] = namesKey(room)
// ARGV[1] = now (unix seconds)
var cleanupScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

// RedisPresence 房间名单的 Redis 镜像，用逻辑 TTL（score=expireAt）表达在线
type RedisPresence struct {
	rdb redis.UniversalClient
	now func() time.Time
}

func NewRedisPresence(rdb redis.UniversalClient) *RedisPresence {
	return &RedisPresence{rdb: rdb, now: time.Now}
}

// NewRedisClient 单地址返回普通客户端，多地址返回集群客户端
func NewRedisClient(addrs []string, password string) redis.UniversalClient {
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    addrs,
		Password: password,
	})
}

// AddMember 加入或刷新 TTL
func (p *RedisPresence) AddMember(ctx context.Context, room, sessionID, userID, username string, ttl time.Duration) error {
	member, err := json.Marshal(PresenceMember{SessionID: sessionID, UserID: userID, Username: username})
	if err != nil {
		return err
	}
	expireAt := p.now().Add(ttl).Unix()

	// 同一 slot 内的两个键用事务写；房间索引单独写，集群下可能在别的 slot
	tx := p.rdb.TxPipeline()
	tx.ZAdd(ctx, roomKey(room), redis.Z{Score: float64(expireAt), Member: sessionID})
	tx.HSet(ctx, namesKey(room), sessionID, member)
	if _, err := tx.Exec(ctx); err != nil {
		return fmt.Errorf("presence add %s/%s: %w", room, sessionID, err)
	}
	return p.rdb.SAdd(ctx, roomsKey(), room).Err()
}

func (p *RedisPresence) RemoveMember(ctx context.Context, room, sessionID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(room), sessionID)
	tx.HDel(ctx, namesKey(room), sessionID)
	if _, err := tx.Exec(ctx); err != nil {
		return fmt.Errorf("presence remove %s/%s: %w", room, sessionID, err)
	}
	n, err := p.rdb.ZCard(ctx, roomKey(room)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return p.rdb.SRem(ctx, roomsKey(), room).Err()
	}
	return nil
}

// AliveMembers 先清理过期成员，再返回在线成员
func (p *RedisPresence) AliveMembers(ctx context.Context, room string) ([]PresenceMember, error) {
	now := p.now().Unix()
	err := cleanupScript.Run(ctx, p.rdb, []string{roomKey(room), namesKey(room)}, now).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("presence cleanup %s: %w", room, err)
	}

	alive, err := p.rdb.ZRangeByScoreWithScores(ctx, roomKey(room), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(alive) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(alive))
	for _, z := range alive {
		id, _ := z.Member.(string)
		ids = append(ids, id)
	}
	values, err := p.rdb.HMGet(ctx, namesKey(room), ids...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	members := make([]PresenceMember, 0, len(ids))
	for i, v := range values {
		m := PresenceMember{SessionID: ids[i]}
		if s, ok := v.(string); ok {
			_ = json.Unmarshal([]byte(s), &m)
		}
		m.ExpireAt = time.Unix(int64(alive[i].Score), 0)
		members = append(members, m)
	}
	return members, nil
}

// Rooms 有在线成员的房间；成员已全部过期的房间顺便从索引里删掉
func (p *RedisPresence) Rooms(ctx context.Context) ([]string, error) {
	rooms, err := p.rdb.SMembers(ctx, roomsKey()).Result()
	if err != nil {
		return nil, err
	}
	now := strconv.FormatInt(p.now().Unix(), 10)
	out := make([]string, 0, len(rooms))
	for _, room := range rooms {
		n, err := p.rdb.ZCount(ctx, roomKey(room), "("+now, "+inf").Result()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			_ = p.rdb.SRem(ctx, roomsKey(), room).Err()
			continue
		}
		out = append(out, room)
	}
	return out, nil
}
