// ============================================================================
// fedqueue Retry - 重試 / 退避決策
// ============================================================================
//
// Package: internal/retry
// 文件: retry.go
//
// 決策表:
//   Delivered / Permanent → Ack
//   Malformed             → DeadLetter（永遠不會成功）
//   Retryable             → attempt+1 < MaxAttempts ? Requeue(backoff) : DeadLetter
//
// 退避:
//   delay = min(MaxDelay, BaseDelay·2^attempt) · (1 + U[0, Jitter))
//   Jitter 限制在 [0, 1)，因此封頂前 attempt+1 的最小值一定大於 attempt 的最大值
//
// ============================================================================

package retry

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/ChuLiYu/fedqueue/pkg/types"
)

// Config 重試設定
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
}

// DefaultConfig 預設值：8 次，30s 起跳，上限 6h
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 8,
		BaseDelay:   30 * time.Second,
		MaxDelay:    6 * time.Hour,
		Jitter:      0.2,
	}
}

// Scheduler 根據 outcome 決定任務的下一步
type Scheduler struct {
	cfg Config

	mu  sync.Mutex
	rnd *rand.Rand
}

// New 建立 Scheduler；rnd 為 nil 時使用隨機種子
func New(cfg Config, rnd *rand.Rand) *Scheduler {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	cfg.Jitter = math.Max(0, math.Min(cfg.Jitter, 0.99))
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Scheduler{cfg: cfg, rnd: rnd}
}

// MaxAttempts 回傳設定的最大嘗試次數
func (s *Scheduler) MaxAttempts() int {
	return s.cfg.MaxAttempts
}

// Decide 回傳 job 在 outcome 之後的處置
func (s *Scheduler) Decide(job types.Job, outcome types.Outcome) types.Decision {
	switch outcome.Kind {
	case types.OutcomeDelivered, types.OutcomePermanent:
		return types.Decision{Action: types.ActionAck}
	case types.OutcomeMalformed:
		return types.Decision{Action: types.ActionDeadLetter}
	case types.OutcomeRetryable:
		if job.Attempt+1 >= s.cfg.MaxAttempts {
			return types.Decision{Action: types.ActionDeadLetter}
		}
		return types.Decision{Action: types.ActionRequeue, Delay: s.Backoff(job.Attempt)}
	default:
		return types.Decision{Action: types.ActionDeadLetter}
	}
}

// Reason 描述 DeadLetter 的原因
func (s *Scheduler) Reason(job types.Job, outcome types.Outcome) string {
	switch outcome.Kind {
	case types.OutcomeMalformed:
		return "malformed payload"
	case types.OutcomeRetryable:
		return fmt.Sprintf("retries exhausted after %d attempts", job.Attempt+1)
	default:
		return outcome.Kind.String()
	}
}

// Backoff 計算第 attempt 次失敗後的延遲（attempt 從 0 開始）
func (s *Scheduler) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(s.cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if d > float64(s.cfg.MaxDelay) || math.IsInf(d, 0) {
		d = float64(s.cfg.MaxDelay)
	}
	if s.cfg.Jitter > 0 {
		s.mu.Lock()
		u := s.rnd.Float64()
		s.mu.Unlock()
		d *= 1 + u*s.cfg.Jitter
	}
	return time.Duration(d)
}
