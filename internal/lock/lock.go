// ============================================================================
// Forge-Queue Lock Service - 租約式分散鎖
// ============================================================================
//
// Package: internal/lock
// 文件: lock.go
// 功能:
//   1. Service 介面: TryAcquire / Release，所有鎖都帶 TTL，持有者崩潰後自動失效
//   2. AcquireWithin: 在限定時間內輪詢取得鎖
//   3. MemoryBackend: 單機模式的租約表，每個 Client 代表一個持有者
//
// 使用者:
//   - dispatcher 以短 TTL 的 "forge:dispatch" 序列化每次分派
//   - 每個執行中的任務持有 "forge:job:<id>"
//
// ============================================================================

package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// 鍵名
const (
	DispatchKey   = "forge:dispatch"
	jobKeyPrefix  = "forge:job:"
	defaultPoll   = 50 * time.Millisecond
	minimumPollMs = 5
)

// ErrNotHeld 釋放一個不屬於自己的鎖
var ErrNotHeld = errors.New("lock not held by this owner")

// Service 分散鎖服務
type Service interface {
	// TryAcquire 嘗試取得鎖，已被他人持有時回傳 false（非錯誤）
	// 同一持有者重複取得會刷新 TTL
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release 釋放鎖；鎖已過期或不存在時為 no-op
	Release(ctx context.Context, key string) error
}

// JobKey 任務租約的鍵名
func JobKey(id string) string {
	return jobKeyPrefix + id
}

// AcquireWithin 在 wait 時間內重複嘗試取得鎖
//
// 參數：
//   - svc: 鎖服務
//   - key: 鎖的鍵
//   - ttl: 租約長度
//   - wait: 最長等待時間（<=0 只嘗試一次）
//
// 返回值：
//   - bool: 是否取得
//   - error: 鎖服務錯誤（ctx 取消時回傳 ctx.Err()）
func AcquireWithin(ctx context.Context, svc Service, key string, ttl, wait time.Duration) (bool, error) {
	ok, err := svc.TryAcquire(ctx, key, ttl)
	if err != nil || ok || wait <= 0 {
		return ok, err
	}

	poll := defaultPoll
	if p := wait / 10; p < poll {
		poll = p
	}
	if poll < minimumPollMs*time.Millisecond {
		poll = minimumPollMs * time.Millisecond
	}

	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			return false, nil
		case <-ticker.C:
			ok, err := svc.TryAcquire(ctx, key, ttl)
			if err != nil || ok {
				return ok, err
			}
		}
	}
}

// ============================================================================
// 記憶體租約表
// ============================================================================

type lease struct {
	owner     string
	expiresAt time.Time
}

// MemoryBackend 單一程序內共用的租約表
type MemoryBackend struct {
	mu     sync.Mutex
	leases map[string]lease
	now    func() time.Time
}

// NewMemoryBackend 建立記憶體租約表
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		leases: make(map[string]lease),
		now:    time.Now,
	}
}

// WithClock 替換時鐘（測試用）
func (b *MemoryBackend) WithClock(now func() time.Time) *MemoryBackend {
	b.now = now
	return b
}

// Client 以指定持有者身分操作租約表
func (b *MemoryBackend) Client(owner string) *MemoryService {
	return &MemoryService{backend: b, owner: owner}
}

// Holder 目前的持有者（過期視為無人持有）
func (b *MemoryBackend) Holder(key string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.leases[key]
	if !ok || !l.expiresAt.After(b.now()) {
		return "", false
	}
	return l.owner, true
}

// MemoryService MemoryBackend 上某個持有者的視角
type MemoryService struct {
	backend *MemoryBackend
	owner   string
}

// Owner 持有者識別
func (s *MemoryService) Owner() string { return s.owner }

// TryAcquire 實作 Service
func (s *MemoryService) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if ttl <= 0 {
		return false, fmt.Errorf("lock ttl must be positive, got %s", ttl)
	}

	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if l, ok := b.leases[key]; ok && l.expiresAt.After(now) && l.owner != s.owner {
		return false, nil
	}
	b.leases[key] = lease{owner: s.owner, expiresAt: now.Add(ttl)}
	return true, nil
}

// Release 實作 Service
func (s *MemoryService) Release(ctx context.Context, key string) error {
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.leases[key]
	if !ok || !l.expiresAt.After(b.now()) {
		delete(b.leases, key)
		return nil
	}
	if l.owner != s.owner {
		return fmt.Errorf("%w: %s held by %s", ErrNotHeld, key, l.owner)
	}
	delete(b.leases, key)
	return nil
}

var _ Service = (*MemoryService)(nil)
