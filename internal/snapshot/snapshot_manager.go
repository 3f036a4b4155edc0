// ============================================================================
// Resolver 快取快照
// ============================================================================
//
// 關機時把 resolver 內仍新鮮的遠端文件寫成一個 JSON 檔，啟動時讀回暖機，
// 避免重啟後對所有遠端實例重新抓取 actor。
//
// 檔案格式:
//   {"schema_ver":1,"saved_at":...,"entries":[{"id","raw","fetched_at"}, ...]}
//
// 寫入流程: 同目錄 CreateTemp → 寫入 → fsync → rename，
// 讀到一半的檔案永遠不會出現在 path 上。
//
// ============================================================================

package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	ErrCorruptedSnapshot   = errors.New("snapshot: file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot: incompatible schema version")
)

// SchemaVersion 目前的快照格式版本
const SchemaVersion = 1

// Entry 一份快取的遠端文件；Raw 為抓取時的原始 JSON
type Entry struct {
	ID        string          `json:"id"`
	Raw       json.RawMessage `json:"raw"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Data 快照內容
type Data struct {
	SchemaVer int       `json:"schema_ver"`
	SavedAt   time.Time `json:"saved_at"`
	Entries   []Entry   `json:"entries"`
}

// Fresh 回傳在 now 時仍未超過 ttl 的條目；ttl <= 0 時全部保留。
// 同一個 id 出現多次時保留 FetchedAt 最新的一份。
func (d Data) Fresh(ttl time.Duration, now time.Time) []Entry {
	latest := make(map[string]int, len(d.Entries))
	out := make([]Entry, 0, len(d.Entries))
	for _, e := range d.Entries {
		if e.ID == "" || len(e.Raw) == 0 {
			continue
		}
		if ttl > 0 && now.Sub(e.FetchedAt) >= ttl {
			continue
		}
		if i, seen := latest[e.ID]; seen {
			if e.FetchedAt.After(out[i].FetchedAt) {
				out[i] = e
			}
			continue
		}
		latest[e.ID] = len(out)
		out = append(out, e)
	}
	return out
}

// Manager 讀寫單一快照檔
type Manager struct {
	path string
	mu   sync.Mutex
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write 原子性寫入快照
func (m *Manager) Write(data Data) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data.SchemaVer = SchemaVersion
	if data.SavedAt.IsZero() {
		data.SavedAt = time.Now()
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(m.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()
	if err := writeSynced(tmp, raw); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

func writeSynced(f *os.File, raw []byte) error {
	if _, err := f.Write(raw); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Load 讀取快照；檔案不存在時回傳空的 Data
func (m *Manager) Load() (Data, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return Data{SchemaVer: SchemaVersion}, nil
	}
	if err != nil {
		return Data{}, fmt.Errorf("read snapshot: %w", err)
	}

	var data Data
	if err := json.Unmarshal(raw, &data); err != nil {
		return Data{}, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != SchemaVersion {
		return Data{}, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}
	return data, nil
}

func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

func (m *Manager) Path() string { return m.path }
