package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ChuLiYu/fedqueue/pkg/types"
)

// Redis 鍵配置（prefix 預設 fedqueue）:
//
//	<prefix>:ready       LIST  可取出的任務（JSON）
//	<prefix>:delayed     ZSET  score = not_before（ms）
//	<prefix>:processing  LIST  已取出尚未 Ack
//	<prefix>:leases      ZSET  score = lease 到期時間（ms）
//	<prefix>:orphans     HASH  沒有 lease 的 processing 任務 → 第一次看到的時間（ms）
//
// 取出使用 BLMOVE ready → processing，Ack 從 processing 與 leases 移除。

// promoteScript 將到期的延遲任務移到 ready
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, m in ipairs(due) do
	if redis.call('ZREM', KEYS[1], m) == 1 then
		redis.call('RPUSH', KEYS[2], m)
	end
end
return #due
`)

// reapScript 將 lease 過期的任務從 processing 放回 ready
var reapScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local n = 0
for _, m in ipairs(expired) do
	redis.call('ZREM', KEYS[1], m)
	if redis.call('LREM', KEYS[2], 1, m) > 0 then
		redis.call('RPUSH', KEYS[3], m)
		n = n + 1
	end
end
return n
`)

// orphanScript 將 processing 中沒有 lease 的任務放回 ready
// （consumer 在 BLMOVE 與 ZADD 之間崩潰時留下的）。
// 第一次看到時只記下時間，超過 grace 仍沒有 lease 才回收，
// 避免搶走其他行程剛取出、還沒來得及 ZADD 的任務。
var orphanScript = redis.NewScript(`
local items = redis.call('LRANGE', KEYS[1], 0, -1)
local now = tonumber(ARGV[1])
local grace = tonumber(ARGV[2])
local n = 0
for _, m in ipairs(items) do
	if redis.call('ZSCORE', KEYS[2], m) then
		redis.call('HDEL', KEYS[4], m)
	else
		local seen = redis.call('HGET', KEYS[4], m)
		if not seen then
			redis.call('HSET', KEYS[4], m, now)
		elseif now - tonumber(seen) >= grace then
			redis.call('HDEL', KEYS[4], m)
			if redis.call('LREM', KEYS[1], 1, m) > 0 then
				redis.call('RPUSH', KEYS[3], m)
				n = n + 1
			end
		end
	end
end
return n
`)

const promoteBatch = 200

// RedisConfig RedisBroker 設定
type RedisConfig struct {
	Prefix      string
	Visibility  time.Duration
	OrphanGrace time.Duration // 沒有 lease 的 processing 任務要經過多久才回收
}

// RedisBroker 以 Redis list / zset 實作的 Broker
type RedisBroker struct {
	client     *redis.Client
	visibility time.Duration
	grace      time.Duration
	logger     *zap.Logger
	now        func() time.Time

	mu        sync.Mutex
	lastSweep time.Time

	ready, delayed, processing, leases, orphans string
}

// NewRedisBroker 建立 RedisBroker；上次崩潰留下的孤兒任務在 grace 之後回收
func NewRedisBroker(ctx context.Context, client *redis.Client, cfg RedisConfig, logger *zap.Logger) (*RedisBroker, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "fedqueue"
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = 5 * time.Minute
	}
	if cfg.OrphanGrace <= 0 {
		cfg.OrphanGrace = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	b := &RedisBroker{
		client:     client,
		visibility: cfg.Visibility,
		grace:      cfg.OrphanGrace,
		logger:     logger.Named("queue.redis"),
		now:        time.Now,
		ready:      cfg.Prefix + ":ready",
		delayed:    cfg.Prefix + ":delayed",
		processing: cfg.Prefix + ":processing",
		leases:     cfg.Prefix + ":leases",
		orphans:    cfg.Prefix + ":orphans",
	}

	if _, err := b.reclaimOrphans(ctx, b.now()); err != nil {
		return nil, fmt.Errorf("recover orphans: %w", err)
	}
	return b, nil
}

// reclaimOrphans 標記沒有 lease 的 processing 任務，已標記超過 grace 的放回 ready
func (b *RedisBroker) reclaimOrphans(ctx context.Context, now time.Time) (int, error) {
	b.mu.Lock()
	b.lastSweep = now
	b.mu.Unlock()

	n, err := orphanScript.Run(ctx, b.client,
		[]string{b.processing, b.leases, b.ready, b.orphans},
		now.UnixMilli(), b.grace.Milliseconds()).Int()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		b.logger.Warn("requeued orphaned deliveries", zap.Int("count", n))
	}
	return n, nil
}

// sweepDue 每個 grace 週期最多掃描一次 processing
func (b *RedisBroker) sweepDue(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.Sub(b.lastSweep) >= b.grace
}

// Publish 寫入 ready 或 delayed
func (b *RedisBroker) Publish(ctx context.Context, job types.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if !job.Ready(time.Now()) {
		return b.client.ZAdd(ctx, b.delayed, redis.Z{
			Score:  float64(job.NotBefore.UnixMilli()),
			Member: raw,
		}).Err()
	}
	return b.client.RPush(ctx, b.ready, raw).Err()
}

// Consume 先推進到期任務與過期 lease，再以 BLMOVE 取出
func (b *RedisBroker) Consume(ctx context.Context, wait time.Duration) (*Delivery, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := promoteScript.Run(ctx, b.client, []string{b.delayed, b.ready}, now, promoteBatch).Err(); err != nil {
		return nil, fmt.Errorf("promote delayed: %w", err)
	}
	n, err := reapScript.Run(ctx, b.client, []string{b.leases, b.processing, b.ready}, now, promoteBatch).Int()
	if err != nil {
		return nil, fmt.Errorf("reap leases: %w", err)
	}
	if n > 0 {
		b.logger.Info("redelivering expired leases", zap.Int("count", n))
	}
	if now := b.now(); b.sweepDue(now) {
		if _, err := b.reclaimOrphans(ctx, now); err != nil {
			return nil, fmt.Errorf("reclaim orphans: %w", err)
		}
	}

	if wait <= 0 {
		// BLMOVE 的 timeout 0 代表永久阻塞
		wait = time.Second
	}
	raw, err := b.client.BLMove(ctx, b.ready, b.processing, "LEFT", "RIGHT", wait).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	deadline := time.Now().Add(b.visibility).UnixMilli()
	if err := b.client.ZAdd(ctx, b.leases, redis.Z{Score: float64(deadline), Member: raw}).Err(); err != nil {
		return nil, fmt.Errorf("lease: %w", err)
	}

	var job types.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// 無法解碼的記錄仍交給 dispatcher，讓它以 Malformed 進死信
		b.logger.Warn("undecodable job in queue", zap.Error(err))
		job = types.Job{ID: types.JobID(uuid.NewString()), Payload: json.RawMessage(strconv.Quote(raw))}
	}
	return &Delivery{Job: job, Receipt: raw}, nil
}

// Ack 從 processing 與 leases 移除
func (b *RedisBroker) Ack(ctx context.Context, d *Delivery) error {
	var removed *redis.IntCmd
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.LRem(ctx, b.processing, 1, d.Receipt)
		pipe.ZRem(ctx, b.leases, d.Receipt)
		pipe.HDel(ctx, b.orphans, d.Receipt)
		return nil
	})
	if err != nil {
		return err
	}
	if removed.Val() == 0 {
		return ErrUnknownReceipt
	}
	return nil
}

// Stats 回報各列表長度
func (b *RedisBroker) Stats(ctx context.Context) (Stats, error) {
	pipe := b.client.Pipeline()
	ready := pipe.LLen(ctx, b.ready)
	delayed := pipe.ZCard(ctx, b.delayed)
	inFlight := pipe.LLen(ctx, b.processing)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, err
	}
	return Stats{Ready: ready.Val(), Delayed: delayed.Val(), InFlight: inFlight.Val()}, nil
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}
