package jobstore

// ============================================================================
// 職責說明：
// 1. 將 MemoryStore 的完整狀態序列化為 JSON 快照檔
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// 4. 單機模式下定期寫入，重啟時恢復
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/forge-queue/pkg/types"
)

// SnapshotSchemaVersion 目前的快照格式版本
const SnapshotSchemaVersion = 1

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

// SnapshotData 快照資料，包含所有任務的完整狀態
type SnapshotData struct {
	Jobs      map[types.JobID]*types.Job `json:"jobs"`           // 所有任務的完整資料
	SchemaVer int                        `json:"schema_version"` // 版本號
	TakenAt   time.Time                  `json:"taken_at"`
}

// SnapshotManager 快照管理器
type SnapshotManager struct {
	path string     // 快照檔案路徑
	mu   sync.Mutex // 保護檔案操作
}

// NewSnapshotManager 建立快照管理器實例
func NewSnapshotManager(path string) *SnapshotManager {
	return &SnapshotManager{path: path}
}

// Write 原子性寫入快照
//
// 使用原子性寫入流程：
// 1. 寫入臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換原始檔案
func (m *SnapshotManager) Write(data SnapshotData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data.SchemaVer = SnapshotSchemaVersion
	if data.TakenAt.IsZero() {
		data.TakenAt = time.Now()
	}

	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create snapshot dir: %w", err)
		}
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load 載入快照
//
// 行為：
//   - 如果檔案不存在，回傳空的 SnapshotData（首次啟動）
//   - 驗證 schema 版本是否相容
//   - 偵測損壞的快照檔案
func (m *SnapshotManager) Load() (SnapshotData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var data SnapshotData

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return SnapshotData{
				Jobs:      make(map[types.JobID]*types.Job),
				SchemaVer: SnapshotSchemaVersion,
			}, nil
		}
		return data, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != SnapshotSchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SnapshotSchemaVersion)
	}
	if data.Jobs == nil {
		data.Jobs = make(map[types.JobID]*types.Job)
	}
	return data, nil
}

// Exists 檢查快照檔案是否存在
func (m *SnapshotManager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Path 快照檔案路徑
func (m *SnapshotManager) Path() string {
	return m.path
}

// ============================================================================
// 定期持久化
// ============================================================================

// PersistentMemoryStore MemoryStore + 定期快照
type PersistentMemoryStore struct {
	*MemoryStore
	snapshots *SnapshotManager
	interval  time.Duration
	log       *zap.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// OpenPersistentMemoryStore 從快照恢復 MemoryStore，並每 interval 寫入一次快照
//
// 參數：
//   - path: 快照檔案路徑
//   - interval: 寫入間隔（<=0 只在 Close 時寫入）
//   - log: 可為 nil
func OpenPersistentMemoryStore(path string, interval time.Duration, log *zap.Logger) (*PersistentMemoryStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	mgr := NewSnapshotManager(path)
	data, err := mgr.Load()
	if err != nil {
		return nil, err
	}

	mem := NewMemoryStore()
	mem.Restore(data)
	log.Info("memory store restored",
		zap.String("path", path),
		zap.Int("jobs", len(data.Jobs)))

	s := &PersistentMemoryStore{
		MemoryStore: mem,
		snapshots:   mgr,
		interval:    interval,
		log:         log.Named("snapshot"),
		stopCh:      make(chan struct{}),
	}
	if interval > 0 {
		s.wg.Add(1)
		go s.loop()
	}
	return s, nil
}

// Flush 立即寫入快照
func (s *PersistentMemoryStore) Flush() error {
	return s.snapshots.Write(s.Snapshot())
}

func (s *PersistentMemoryStore) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.Flush(); err != nil {
				s.log.Error("snapshot write failed", zap.Error(err))
			}
		}
	}
}

// Close 停止定期寫入並寫入最後一次快照
func (s *PersistentMemoryStore) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		err = s.Flush()
	})
	return err
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PersistentMemoryStore)(nil)
)
