package deadletter

// ============================================================================
// JournalStore 核心實作
// 職責：
// 1. 追加死信到日誌檔案（append-only）
// 2. 開啟時重放並驗證每筆記錄的 checksum
// 3. 以 job id 去重
// 4. 每次寫入 fsync，確保死信不會因崩潰遺失
// 5. 寫入或 fsync 失敗時截斷回寫入前的長度，不留下半行
// ============================================================================

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/multierr"

	"github.com/ChuLiYu/fedqueue/pkg/types"
)

// journalFile 是 JournalStore 需要的檔案操作，*os.File 即可滿足
type journalFile interface {
	io.ReadWriteSeeker
	Sync() error
	Truncate(size int64) error
	Close() error
}

// record 日誌中的一行
type record struct {
	Seq      uint64          `json:"seq"`
	JobID    types.JobID     `json:"job_id"`
	Letter   json.RawMessage `json:"letter"`
	Checksum uint32          `json:"checksum"`
}

// CorruptionError 重放時遇到無法使用的記錄
type CorruptionError struct {
	Seq    uint64 // 最後一筆成功讀取的 seq
	Offset int64  // 損壞記錄在檔案中的位置
	Cause  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("deadletter: journal corrupted at offset %d after seq=%d: %v", e.Offset, e.Seq, e.Cause)
}

func (e *CorruptionError) Unwrap() error {
	return e.Cause
}

// JournalStore 檔案型死信存放
type JournalStore struct {
	mu      sync.Mutex
	file    journalFile
	path    string
	size    int64 // 最後一筆完整記錄的結尾
	damaged error // 回滾失敗後不再接受寫入
	seq     uint64
	seen    map[types.JobID]struct{}
	letters []types.DeadLetter
	closed  bool
}

/*
OpenJournal 建立或開啟死信日誌

行為：
- 檔案不存在時建立（含上層目錄）
- 檔案已存在時重放全部記錄，驗證 checksum 並重建索引
- 最後一行不完整（寫入中途崩潰）時截斷該行
- 中間的記錄損壞時回傳 *CorruptionError，不覆寫檔案
*/
func OpenJournal(path string) (*JournalStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	s := &JournalStore{
		file: file,
		path: path,
		seen: make(map[types.JobID]struct{}),
	}
	if err := s.replay(); err != nil {
		file.Close()
		return nil, err
	}
	end, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		file.Close()
		return nil, err
	}
	s.size = end
	return s, nil
}

// replay 從頭讀取並驗證全部記錄
func (s *JournalStore) replay() error {
	reader := bufio.NewReader(s.file)
	var offset int64

	for {
		line, err := reader.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			if len(bytes.TrimSpace(line)) > 0 {
				// 最後一行沒有換行：寫入被中斷，截斷後繼續使用
				return s.file.Truncate(offset)
			}
			return nil
		}
		if err != nil {
			return err
		}

		var r record
		if err := json.Unmarshal(line, &r); err != nil {
			return &CorruptionError{Seq: s.seq, Offset: offset, Cause: err}
		}
		if !verify(r) {
			return &CorruptionError{Seq: s.seq, Offset: offset, Cause: ErrChecksumMismatch}
		}
		var letter types.DeadLetter
		if err := json.Unmarshal(r.Letter, &letter); err != nil {
			return &CorruptionError{Seq: s.seq, Offset: offset, Cause: err}
		}

		s.seq = r.Seq
		s.index(letter)
		offset += int64(len(line))
	}
}

func (s *JournalStore) index(letter types.DeadLetter) {
	if _, dup := s.seen[letter.Job.ID]; dup {
		return
	}
	s.seen[letter.Job.ID] = struct{}{}
	s.letters = append(s.letters, letter)
}

// Put 追加一筆死信並 fsync
func (s *JournalStore) Put(ctx context.Context, letter types.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.damaged != nil {
		return s.damaged
	}
	if _, dup := s.seen[letter.Job.ID]; dup {
		return nil
	}

	raw, err := json.Marshal(letter)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	seq := s.seq + 1
	line, err := json.Marshal(record{
		Seq:      seq,
		JobID:    letter.Job.ID,
		Letter:   raw,
		Checksum: checksum(seq, raw),
	})
	if err != nil {
		return err
	}
	line = append(line, '\n')

	if _, err := s.file.Write(line); err != nil {
		return s.rollback(fmt.Errorf("append dead letter: %w", err))
	}
	if err := s.file.Sync(); err != nil {
		return s.rollback(fmt.Errorf("sync dead letter journal: %w", err))
	}

	s.size += int64(len(line))
	s.seq = seq
	s.index(letter)
	return nil
}

// rollback 把檔案截斷回最後一筆完整記錄；失敗時標記為損壞
func (s *JournalStore) rollback(cause error) error {
	err := s.file.Truncate(s.size)
	if err == nil {
		_, err = s.file.Seek(s.size, io.SeekStart)
	}
	if err != nil {
		s.damaged = fmt.Errorf("%w: %v", ErrJournalDamaged, err)
		return multierr.Append(cause, s.damaged)
	}
	return cause
}

// List 由新到舊回傳
func (s *JournalStore) List(ctx context.Context, limit int) ([]types.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.letters)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]types.DeadLetter, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.letters[i])
	}
	return out, nil
}

func (s *JournalStore) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.letters), nil
}

// LastSeq 最後寫入的序號
func (s *JournalStore) LastSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Close 關閉後的 JournalStore 不可再使用
func (s *JournalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}
