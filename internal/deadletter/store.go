// ============================================================================
// fedqueue Dead Letters - 永不丟棄的失敗任務記錄
// ============================================================================
//
// Package: internal/deadletter
// 文件: store.go
//
// 進入死信的條件：
//   1. 重試次數用完（Retryable 且 attempt+1 >= max_attempts）
//   2. payload 無法解析（Malformed）
//
// 實作：
//   JournalStore   append-only JSON lines，每筆記錄帶 CRC32，寫入後 fsync
//   PostgresStore  jackc/pgx（dead_letters 表，job_id 主鍵）
//
// 兩者都以 job id 去重：dispatcher 在寫入死信後、Ack 前崩潰時，
// broker 重新投遞同一個 job，再次 Put 不會產生第二筆記錄。
//
// ============================================================================

package deadletter

import (
	"context"
	"errors"

	"github.com/ChuLiYu/fedqueue/pkg/types"
)

var (
	ErrClosed           = errors.New("deadletter: store closed")
	ErrChecksumMismatch = errors.New("deadletter: checksum mismatch")
	ErrJournalDamaged   = errors.New("deadletter: journal could not be rolled back after a failed write")
)

// Store 死信存放介面
type Store interface {
	// Put 寫入一筆死信；同一個 job id 重複寫入視為成功
	Put(ctx context.Context, letter types.DeadLetter) error

	// List 由新到舊回傳最多 limit 筆，limit <= 0 回傳全部
	List(ctx context.Context, limit int) ([]types.DeadLetter, error)

	Count(ctx context.Context) (int, error)

	Close() error
}
