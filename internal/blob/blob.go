// ============================================================================
// fedqueue Blob - 媒體物件儲存
// ============================================================================
//
// Package: internal/blob
// 文件: blob.go
//
// 兩種實作：
//   - MemoryStore：單機 / 測試
//   - MinioStore：S3 相容儲存（minio-go）
//
// 鍵由呼叫者決定；媒體管線使用內容雜湊，重複上傳同一個鍵是冪等的
//
// ============================================================================

package blob

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrNotFound = errors.New("blob: object not found")
)

// Object 儲存的物件
type Object struct {
	Key         string
	Data        []byte
	ContentType string
}

// Store 物件儲存介面
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) (*Object, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// MemoryStore 記憶體物件儲存
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]Object
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]Object)}
}

func (s *MemoryStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = Object{Key: key, Data: append([]byte(nil), data...), ContentType: contentType}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	obj.Data = append([]byte(nil), obj.Data...)
	return &obj, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[key]
	return ok, nil
}

// Keys 回傳目前所有鍵（測試用）
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	return keys
}
