// ============================================================================
// Forge-Queue Memory Store - 記憶體任務儲存
// ============================================================================
//
// Package: internal/jobstore
// 文件: memory.go
// 功能: 以單一 map 作為任務的真實來源，狀態變更透過條件更新完成
//
// 數據結構設計:
//   jobs map[JobID]*Job - 主存儲，包含所有任務
//   └─ 查詢以線性掃描 + 排序完成，狀態只存在 Job.Status 一處
//
// 並發安全:
//   - 使用 sync.RWMutex 保護 jobs map
//   - ConditionalUpdate 在寫鎖內完成「檢查狀態 → 套用 → 寫回」
//   - 多個 dispatcher 共用同一個 MemoryStore 時，搶佔天然互斥
//
// 快照支持:
//   - Snapshot() - 深拷貝所有任務
//   - Restore() - 從快照恢復
//   - 搭配 SnapshotManager 在單機模式下持久化
//
// ============================================================================

package jobstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/forge-queue/pkg/types"
)

// MemoryStore 記憶體任務儲存
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[types.JobID]*types.Job // 所有任務的統一儲存，透過 Status 欄位區分狀態
}

// NewMemoryStore 建立新的記憶體儲存
//
// 併發安全：返回的實例是執行緒安全的
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[types.JobID]*types.Job),
	}
}

// Insert 新增任務
//
// 錯誤處理：
//   - ErrDuplicateJob: 任務 ID 已存在於系統中
func (s *MemoryStore) Insert(_ context.Context, job *types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// Get 取得任務副本
func (s *MemoryStore) Get(_ context.Context, id types.JobID) (*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job.Clone(), nil
}

// ConditionalUpdate compare-and-swap 狀態更新
//
// apply 失敗時不寫回任何變更。
func (s *MemoryStore) ConditionalUpdate(_ context.Context, id types.JobID, expected types.JobStatus, apply Apply) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if job.Status != expected {
		return nil, fmt.Errorf("%w: %s is %s, expected %s", ErrStatusMismatch, id, job.Status, expected)
	}

	updated := job.Clone()
	if err := apply(updated); err != nil {
		return nil, err
	}
	s.jobs[id] = updated
	return updated.Clone(), nil
}

// FindNextEligible 取得下一批可執行任務
func (s *MemoryStore) FindNextEligible(_ context.Context, limit int, now time.Time) ([]*types.Job, error) {
	out := s.collect(func(j *types.Job) bool {
		return j.Status == types.StatusQueued && j.IsDue(now)
	})
	sortEligible(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FindStale 取得執行過久的任務
func (s *MemoryStore) FindStale(_ context.Context, cutoff time.Time) ([]*types.Job, error) {
	out := s.collect(func(j *types.Job) bool {
		return j.Status == types.StatusProcessing && j.StartedAt != nil && j.StartedAt.Before(cutoff)
	})
	sortByCreated(out)
	return out, nil
}

// FindDueRetries 取得到期可重試的任務
func (s *MemoryStore) FindDueRetries(_ context.Context, now time.Time) ([]*types.Job, error) {
	out := s.collect(func(j *types.Job) bool {
		return j.Status == types.StatusFailed && j.NextRetryAt != nil && !j.NextRetryAt.After(now)
	})
	sortEligible(out)
	return out, nil
}

// FindDueScheduled 取得在 (since, now] 之間到期的排程任務
func (s *MemoryStore) FindDueScheduled(_ context.Context, since, now time.Time) ([]*types.Job, error) {
	out := s.collect(func(j *types.Job) bool {
		return j.Status == types.StatusQueued && j.ScheduledAt != nil &&
			j.ScheduledAt.After(since) && !j.ScheduledAt.After(now)
	})
	sortEligible(out)
	return out, nil
}

// FindExpired 取得已過期但仍在排隊的任務
func (s *MemoryStore) FindExpired(_ context.Context, now time.Time) ([]*types.Job, error) {
	out := s.collect(func(j *types.Job) bool {
		return j.Status == types.StatusQueued && j.IsExpired(now)
	})
	sortByCreated(out)
	return out, nil
}

// FindByBatchID 取得批次內所有任務
func (s *MemoryStore) FindByBatchID(_ context.Context, batchID string) ([]*types.Job, error) {
	out := s.collect(func(j *types.Job) bool {
		return j.BatchID == batchID
	})
	sortByBatchPosition(out)
	return out, nil
}

// Count 計算符合條件的任務數
func (s *MemoryStore) Count(_ context.Context, filter Filter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, j := range s.jobs {
		if filter.matches(j) {
			n++
		}
	}
	return n, nil
}

// Stats 取得各狀態任務的統計資訊
func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := newStats()
	for _, j := range s.jobs {
		st.ByStatus[j.Status]++
		st.Total++
	}
	return st, nil
}

// Delete 刪除任務
func (s *MemoryStore) Delete(_ context.Context, id types.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	delete(s.jobs, id)
	return nil
}

// Close 記憶體儲存不需釋放資源
func (s *MemoryStore) Close() error { return nil }

// ============================================================================
// 快照與恢復相關方法
// ============================================================================

// Snapshot 生成快照資料
//
// 併發安全：使用讀鎖保護
func (s *MemoryStore) Snapshot() SnapshotData {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// 深拷貝所有任務
	jobsCopy := make(map[types.JobID]*types.Job, len(s.jobs))
	for id, job := range s.jobs {
		jobsCopy[id] = job.Clone()
	}
	return SnapshotData{
		Jobs:      jobsCopy,
		SchemaVer: SnapshotSchemaVersion,
	}
}

// Restore 從快照恢復狀態，取代現有的所有任務
func (s *MemoryStore) Restore(data SnapshotData) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs = make(map[types.JobID]*types.Job, len(data.Jobs))
	for id, job := range data.Jobs {
		if job == nil {
			continue
		}
		s.jobs[id] = job.Clone()
	}
}

// collect 在讀鎖下取得符合條件的任務副本
func (s *MemoryStore) collect(match func(*types.Job) bool) []*types.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Job
	for _, j := range s.jobs {
		if match(j) {
			out = append(out, j.Clone())
		}
	}
	return out
}
