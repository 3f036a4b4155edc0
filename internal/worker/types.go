package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/fedqueue/internal/queue"
	"github.com/ChuLiYu/fedqueue/pkg/types"
)

// Handler 執行一個任務並回報結果；必須可重入（同一任務可能被執行多次）
type Handler func(ctx context.Context, job types.Job) types.Outcome

// Task 代表要執行的任務
type Task struct {
	Delivery *queue.Delivery // 從 broker 取出的任務，Ack 用
	Timeout  time.Duration   // 整體執行期限
}

// Result 代表任務執行結果
type Result struct {
	Delivery *queue.Delivery
	Outcome  types.Outcome
	Duration time.Duration // 實際執行時間
}
