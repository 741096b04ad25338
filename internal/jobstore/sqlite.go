package jobstore

// ============================================================================
// SQLiteStore - 以 SQLite 持久化任務
// ============================================================================
//
// 表結構:
//   查詢用欄位（status、priority、各時間戳）獨立成欄位並建立索引，
//   完整任務以 JSON 存在 data 欄位，讀取時以 data 為準。
//   時間戳以 Unix 奈秒整數儲存，避免 driver 的時間字串格式差異。
//
// 條件更新:
//   BEGIN
//     SELECT data FROM jobs WHERE id = ?
//     (檢查 status、套用轉換)
//     UPDATE jobs SET ... WHERE id = ? AND status = ?   -- 0 列受影響 = ErrStatusMismatch
//   COMMIT
//
//   多個行程共用同一個資料庫檔案時，WHERE status = ? 保證只有一個搶佔成功。
//
// ============================================================================

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ChuLiYu/forge-queue/pkg/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id             TEXT PRIMARY KEY,
	owner_id       TEXT NOT NULL DEFAULT '',
	batch_id       TEXT NOT NULL DEFAULT '',
	batch_position INTEGER NOT NULL DEFAULT 0,
	status         TEXT NOT NULL,
	priority       INTEGER NOT NULL,
	created_at     INTEGER NOT NULL,
	scheduled_at   INTEGER,
	expires_at     INTEGER,
	next_retry_at  INTEGER,
	started_at     INTEGER,
	data           TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_eligible ON jobs (status, priority DESC, created_at ASC);
CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs (owner_id, status);
CREATE INDEX IF NOT EXISTS idx_jobs_batch ON jobs (batch_id, batch_position);
`

// SQLiteStore SQLite 任務儲存
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite 開啟（必要時建立）SQLite 資料庫
//
// 參數：
//   - path: 資料庫檔案路徑
//
// 返回值：
//   - *SQLiteStore: 已完成 schema 初始化的儲存
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// 單一連線讓同一行程內的交易序列化
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Insert 新增任務
func (s *SQLiteStore) Insert(ctx context.Context, job *types.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO jobs (
		id, owner_id, batch_id, batch_position, status, priority, created_at,
		scheduled_at, expires_at, next_retry_at, started_at, data
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(job.ID), job.OwnerID, job.BatchID, job.BatchPosition, string(job.Status), int(job.Priority),
		job.CreatedAt.UnixNano(), nanos(job.ScheduledAt), nanos(job.ExpiresAt), nanos(job.NextRetryAt),
		nanos(job.StartedAt), string(data))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
		}
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// Get 取得任務
func (s *SQLiteStore) Get(ctx context.Context, id types.JobID) (*types.Job, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM jobs WHERE id = ?`, string(id)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return decodeJob(data)
}

// ConditionalUpdate compare-and-swap 狀態更新
func (s *SQLiteStore) ConditionalUpdate(ctx context.Context, id types.JobID, expected types.JobStatus, apply Apply) (*types.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	var data string
	err = tx.QueryRowContext(ctx, `SELECT data FROM jobs WHERE id = ?`, string(id)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}

	job, err := decodeJob(data)
	if err != nil {
		return nil, err
	}
	if job.Status != expected {
		return nil, fmt.Errorf("%w: %s is %s, expected %s", ErrStatusMismatch, id, job.Status, expected)
	}
	if err := apply(job); err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET
		status = ?, priority = ?, scheduled_at = ?, expires_at = ?, next_retry_at = ?, started_at = ?, data = ?
		WHERE id = ? AND status = ?`,
		string(job.Status), int(job.Priority), nanos(job.ScheduledAt), nanos(job.ExpiresAt),
		nanos(job.NextRetryAt), nanos(job.StartedAt), string(encoded),
		string(id), string(expected))
	if err != nil {
		return nil, fmt.Errorf("failed to update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: %s changed concurrently", ErrStatusMismatch, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return job, nil
}

// FindNextEligible 取得下一批可執行任務
func (s *SQLiteStore) FindNextEligible(ctx context.Context, limit int, now time.Time) ([]*types.Job, error) {
	if limit <= 0 {
		limit = -1 // SQLite: 無上限
	}
	return s.query(ctx, `SELECT data FROM jobs
		WHERE status = ? AND (scheduled_at IS NULL OR scheduled_at <= ?)
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT ?`, string(types.StatusQueued), now.UnixNano(), limit)
}

// FindStale 取得執行過久的任務
func (s *SQLiteStore) FindStale(ctx context.Context, cutoff time.Time) ([]*types.Job, error) {
	return s.query(ctx, `SELECT data FROM jobs
		WHERE status = ? AND started_at IS NOT NULL AND started_at < ?
		ORDER BY created_at ASC`, string(types.StatusProcessing), cutoff.UnixNano())
}

// FindDueRetries 取得到期可重試的任務
func (s *SQLiteStore) FindDueRetries(ctx context.Context, now time.Time) ([]*types.Job, error) {
	return s.query(ctx, `SELECT data FROM jobs
		WHERE status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		ORDER BY priority DESC, created_at ASC, id ASC`, string(types.StatusFailed), now.UnixNano())
}

// FindDueScheduled 取得在 (since, now] 之間到期的排程任務
func (s *SQLiteStore) FindDueScheduled(ctx context.Context, since, now time.Time) ([]*types.Job, error) {
	return s.query(ctx, `SELECT data FROM jobs
		WHERE status = ? AND scheduled_at IS NOT NULL AND scheduled_at > ? AND scheduled_at <= ?
		ORDER BY priority DESC, created_at ASC, id ASC`,
		string(types.StatusQueued), since.UnixNano(), now.UnixNano())
}

// FindExpired 取得已過期但仍在排隊的任務
func (s *SQLiteStore) FindExpired(ctx context.Context, now time.Time) ([]*types.Job, error) {
	return s.query(ctx, `SELECT data FROM jobs
		WHERE status = ? AND expires_at IS NOT NULL AND expires_at <= ?
		ORDER BY created_at ASC`, string(types.StatusQueued), now.UnixNano())
}

// FindByBatchID 取得批次內所有任務
func (s *SQLiteStore) FindByBatchID(ctx context.Context, batchID string) ([]*types.Job, error) {
	return s.query(ctx, `SELECT data FROM jobs WHERE batch_id = ?
		ORDER BY batch_position ASC, created_at ASC`, batchID)
}

// Count 計算符合條件的任務數
func (s *SQLiteStore) Count(ctx context.Context, filter Filter) (int, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	if filter.BatchID != "" {
		where = append(where, "batch_id = ?")
		args = append(args, filter.BatchID)
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}

	q := "SELECT COUNT(*) FROM jobs"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}

	var n int
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return n, nil
}

// Stats 取得各狀態任務數
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	st := newStats()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, fmt.Errorf("failed to scan stats: %w", err)
		}
		st.ByStatus[types.JobStatus(status)] = n
		st.Total += n
	}
	return st, rows.Err()
}

// Delete 刪除任務
func (s *SQLiteStore) Delete(ctx context.Context, id types.JobID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, string(id))
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return nil
}

// Close 關閉資料庫
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...interface{}) ([]*types.Job, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var out []*types.Job
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		job, err := decodeJob(data)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func decodeJob(data string) (*types.Job, error) {
	var job types.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}
	return &job, nil
}

// nanos 可為 NULL 的時間欄位
func nanos(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

var _ Store = (*SQLiteStore)(nil)
