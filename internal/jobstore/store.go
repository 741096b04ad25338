// ============================================================================
// Forge-Queue Job Store - 任務持久化介面
// ============================================================================
//
// Package: internal/jobstore
// 文件: store.go
// 功能: 定義 dispatcher / reaper / 提交邊界共用的任務儲存介面
//
// 一致性規則:
//   1. 所有狀態變更都經過 ConditionalUpdate（compare-and-swap）
//      - 讀取任務，確認 Status == expected
//      - 對副本套用具名轉換（Job.Claim / Job.Fail ...）
//      - 在同一個臨界區（或交易）內寫回
//   2. 期望狀態不符時返回 ErrStatusMismatch，呼叫者視為「別人先做了」
//   3. 對外一律交出副本，呼叫者修改回傳值不影響儲存內容
//
// 實作:
//   - MemoryStore: 單一 map + RWMutex，可搭配 SnapshotManager 持久化
//   - SQLiteStore: mattn/go-sqlite3，條件更新使用 UPDATE ... WHERE status = ?
//
// ============================================================================

package jobstore

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/ChuLiYu/forge-queue/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrDuplicateJob 任務 ID 重複
	ErrDuplicateJob = errors.New("job already exists")
	// ErrJobNotFound 任務不存在
	ErrJobNotFound = errors.New("job not found")
	// ErrStatusMismatch 條件更新時任務狀態不是預期值
	ErrStatusMismatch = errors.New("job status mismatch")
)

// Filter Count 的查詢條件，空欄位代表不限制
type Filter struct {
	OwnerID  string
	BatchID  string
	Statuses []types.JobStatus
}

// Stats 各狀態的任務數
type Stats struct {
	Total    int                     `json:"total"`
	ByStatus map[types.JobStatus]int `json:"by_status"`
}

// Labels 以字串為鍵的狀態統計（metrics 使用）
func (s Stats) Labels() map[string]int {
	out := make(map[string]int, len(types.AllStatuses))
	for _, st := range types.AllStatuses {
		out[string(st)] = s.ByStatus[st]
	}
	return out
}

// Apply 對任務副本套用的狀態轉換
type Apply func(job *types.Job) error

// Store 任務儲存介面
type Store interface {
	// Insert 新增任務，ID 重複時返回 ErrDuplicateJob
	Insert(ctx context.Context, job *types.Job) error

	// Get 取得任務副本
	Get(ctx context.Context, id types.JobID) (*types.Job, error)

	// ConditionalUpdate 只有在狀態等於 expected 時才套用 apply 並寫回
	//
	// 返回值：
	//   - *types.Job: 更新後的副本
	//   - error: ErrJobNotFound、ErrStatusMismatch 或 apply 返回的錯誤
	ConditionalUpdate(ctx context.Context, id types.JobID, expected types.JobStatus, apply Apply) (*types.Job, error)

	// FindNextEligible queued 且已到執行時間的任務，依 (priority desc, created_at asc) 排序
	FindNextEligible(ctx context.Context, limit int, now time.Time) ([]*types.Job, error)

	// FindStale processing 且 StartedAt 早於 cutoff 的任務
	FindStale(ctx context.Context, cutoff time.Time) ([]*types.Job, error)

	// FindDueRetries failed 且 NextRetryAt <= now 的任務
	FindDueRetries(ctx context.Context, now time.Time) ([]*types.Job, error)

	// FindDueScheduled queued 且 ScheduledAt 落在 (since, now] 的任務
	FindDueScheduled(ctx context.Context, since, now time.Time) ([]*types.Job, error)

	// FindExpired queued 且 ExpiresAt <= now 的任務
	FindExpired(ctx context.Context, now time.Time) ([]*types.Job, error)

	// FindByBatchID 批次內所有任務，依 BatchPosition 排序
	FindByBatchID(ctx context.Context, batchID string) ([]*types.Job, error)

	// Count 符合條件的任務數
	Count(ctx context.Context, filter Filter) (int, error)

	// Stats 各狀態任務數
	Stats(ctx context.Context) (Stats, error)

	// Delete 刪除任務
	Delete(ctx context.Context, id types.JobID) error

	// Close 釋放資源
	Close() error
}

// ============================================================================
// 共用輔助函數
// ============================================================================

// sortEligible 依 (priority desc, created_at asc, id asc) 排序
func sortEligible(jobs []*types.Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].Priority != jobs[j].Priority {
			return jobs[i].Priority > jobs[j].Priority
		}
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
}

func sortByBatchPosition(jobs []*types.Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].BatchPosition != jobs[j].BatchPosition {
			return jobs[i].BatchPosition < jobs[j].BatchPosition
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}

func sortByCreated(jobs []*types.Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}

// matches 任務是否符合 Filter
func (f Filter) matches(j *types.Job) bool {
	if f.OwnerID != "" && j.OwnerID != f.OwnerID {
		return false
	}
	if f.BatchID != "" && j.BatchID != f.BatchID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, st := range f.Statuses {
		if j.Status == st {
			return true
		}
	}
	return false
}

func newStats() Stats {
	return Stats{ByStatus: make(map[types.JobStatus]int, len(types.AllStatuses))}
}
