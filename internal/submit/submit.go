// ============================================================================
// Forge-Queue Submission Service - 任務提交邊界
// ============================================================================
//
// Package: internal/submit
// 文件: submit.go
// 功能:
//   1. 驗證提交請求並轉換為 types.JobSpec
//   2. 透過 ResourceMonitor 做全域與 owner 准入控制
//   3. 單筆 / 批次提交，批次回傳逐筆結果與初始進度
//   4. 查詢、取消、刪除（僅終態）與批次進度
//
// 使用者: HTTP API（gin）、gRPC JobService、CLI
//
// ============================================================================

package submit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ChuLiYu/forge-queue/internal/jobstore"
	"github.com/ChuLiYu/forge-queue/internal/metrics"
	"github.com/ChuLiYu/forge-queue/internal/monitor"
	"github.com/ChuLiYu/forge-queue/internal/notify"
	"github.com/ChuLiYu/forge-queue/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrValidation 請求內容不合法
	ErrValidation = errors.New("invalid submission")
	// ErrCapacityExceeded 全域或 owner 的活躍任務數已達上限
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrJobActive 任務尚未到終態，不能刪除
	ErrJobActive = errors.New("job is still active")
	// ErrBatchNotFound 批次不存在
	ErrBatchNotFound = errors.New("batch not found")
)

// 參考預設值
const (
	DefaultMaxBatchSize       = 100
	DefaultMaxRetries         = 2 // MaxAttempts = 3
	DefaultMaxRetriesCap      = 10
	DefaultMaxExpirationHours = 24 * 7
)

// Config 提交配置
type Config struct {
	MaxBatchSize       int `yaml:"max_batch_size"`
	DefaultMaxRetries  int `yaml:"default_max_retries"`
	MaxRetriesCap      int `yaml:"max_retries_cap"`
	MaxExpirationHours int `yaml:"max_expiration_hours"`
}

// Request 單筆提交請求
type Request struct {
	OwnerID         string                 `json:"owner_id"`
	ContentType     string                 `json:"content_type"`
	Language        string                 `json:"language,omitempty"`
	Payload         map[string]interface{} `json:"payload"`
	Priority        string                 `json:"priority,omitempty"`
	ExpirationHours int                    `json:"expiration_hours,omitempty"`
	ScheduledAt     string                 `json:"scheduled_at,omitempty"` // RFC 3339
	BatchID         string                 `json:"batch_id,omitempty"`
	BatchPosition   int                    `json:"batch_position,omitempty"`
	MaxRetries      *int                   `json:"max_retries,omitempty"`
}

// ItemResult 批次中單筆的結果
type ItemResult struct {
	Position int         `json:"position"`
	JobID    types.JobID `json:"job_id,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// BatchResult 批次提交結果
type BatchResult struct {
	BatchID  string              `json:"batch_id"`
	Accepted int                 `json:"accepted"`
	Rejected int                 `json:"rejected"`
	Items    []ItemResult        `json:"items"`
	Progress types.BatchProgress `json:"progress"`
}

// Service 提交服務
type Service struct {
	cfg      Config
	store    jobstore.Store
	monitor  *monitor.Monitor
	notifier notify.Notifier
	metrics  *metrics.Collector
	log      *zap.Logger
	now      func() time.Time
}

// New 建立提交服務
//
// 參數：
//   - cfg: 配置（零值使用預設）
//   - store: 任務儲存
//   - mon: 准入控制
//   - notifier: 可為 nil
//   - m: 可為 nil
//   - log: 可為 nil
func New(cfg Config, store jobstore.Store, mon *monitor.Monitor, notifier notify.Notifier, m *metrics.Collector, log *zap.Logger) *Service {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	if cfg.DefaultMaxRetries < 0 {
		cfg.DefaultMaxRetries = 0
	} else if cfg.DefaultMaxRetries == 0 {
		cfg.DefaultMaxRetries = DefaultMaxRetries
	}
	if cfg.MaxRetriesCap <= 0 {
		cfg.MaxRetriesCap = DefaultMaxRetriesCap
	}
	if cfg.MaxExpirationHours <= 0 {
		cfg.MaxExpirationHours = DefaultMaxExpirationHours
	}
	if notifier == nil {
		notifier = notify.Multi{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		cfg:      cfg,
		store:    store,
		monitor:  mon,
		notifier: notifier,
		metrics:  m,
		log:      log.Named("submit"),
		now:      time.Now,
	}
}

// WithClock 替換時鐘（測試用）
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Validate 驗證請求並轉為 JobSpec
func (s *Service) Validate(req Request) (types.JobSpec, error) {
	var spec types.JobSpec
	now := s.now()

	if req.OwnerID == "" {
		return spec, fmt.Errorf("%w: owner_id is required", ErrValidation)
	}
	if len(req.Payload) == 0 {
		return spec, fmt.Errorf("%w: payload is required", ErrValidation)
	}

	ct := types.ContentType(req.ContentType)
	if ct == "" {
		ct = types.ContentText
	}
	if !ct.Valid() {
		return spec, fmt.Errorf("%w: unsupported content_type %q", ErrValidation, req.ContentType)
	}

	priority, err := types.ParsePriority(req.Priority)
	if err != nil {
		return spec, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if req.ExpirationHours < 0 || req.ExpirationHours > s.cfg.MaxExpirationHours {
		return spec, fmt.Errorf("%w: expiration_hours must be between 0 and %d", ErrValidation, s.cfg.MaxExpirationHours)
	}

	var scheduledAt *time.Time
	if req.ScheduledAt != "" {
		at, err := time.Parse(time.RFC3339, req.ScheduledAt)
		if err != nil {
			return spec, fmt.Errorf("%w: scheduled_at must be RFC 3339: %v", ErrValidation, err)
		}
		if at.Before(now) {
			return spec, fmt.Errorf("%w: scheduled_at %s is in the past", ErrValidation, req.ScheduledAt)
		}
		scheduledAt = &at
	}

	retries := s.cfg.DefaultMaxRetries
	if req.MaxRetries != nil {
		retries = *req.MaxRetries
		if retries < 0 || retries > s.cfg.MaxRetriesCap {
			return spec, fmt.Errorf("%w: max_retries must be between 0 and %d", ErrValidation, s.cfg.MaxRetriesCap)
		}
	}
	if req.BatchPosition < 0 {
		return spec, fmt.Errorf("%w: batch_position must not be negative", ErrValidation)
	}

	return types.JobSpec{
		OwnerID:       req.OwnerID,
		BatchID:       req.BatchID,
		BatchPosition: req.BatchPosition,
		ContentType:   ct,
		Language:      req.Language,
		Payload:       req.Payload,
		Priority:      priority,
		ScheduledAt:   scheduledAt,
		Expiration:    time.Duration(req.ExpirationHours) * time.Hour,
		MaxAttempts:   retries + 1,
	}, nil
}

// Submit 提交單筆任務
//
// 返回值：
//   - *types.Job: 已寫入的 queued 任務
//   - error: ErrValidation、ErrCapacityExceeded 或 store 錯誤
func (s *Service) Submit(ctx context.Context, req Request) (*types.Job, error) {
	spec, err := s.Validate(req)
	if err != nil {
		return nil, err
	}
	if err := s.admit(ctx, req.OwnerID); err != nil {
		return nil, err
	}
	job, err := s.insert(ctx, spec)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordSubmitted(1)
	s.publish(ctx, job, nil)
	return job, nil
}

func (s *Service) admit(ctx context.Context, owner string) error {
	ok, err := s.monitor.CanAcceptMoreJobs(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: system is at its active job limit", ErrCapacityExceeded)
	}
	ok, err = s.monitor.CanUserSubmitMoreJobs(ctx, owner)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: owner %s has too many active jobs", ErrCapacityExceeded, owner)
	}
	return nil
}

func (s *Service) insert(ctx context.Context, spec types.JobSpec) (*types.Job, error) {
	job := types.NewJob(spec, s.now())
	if err := s.store.Insert(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to store job: %w", err)
	}
	s.log.Info("job submitted",
		zap.String("job_id", string(job.ID)),
		zap.String("owner_id", job.OwnerID),
		zap.String("priority", job.Priority.String()),
		zap.String("batch_id", job.BatchID))
	return job, nil
}

// SubmitBatch 提交一批任務
//
// 每筆獨立驗證，容量不足或驗證失敗只影響該筆。
// 所有任務共用新產生的 batch id，BatchPosition 依輸入順序。
//
// 返回值：
//   - *BatchResult: 逐筆結果與初始進度
//   - error: 批次本身不合法（空、超過上限）或 store 錯誤
func (s *Service) SubmitBatch(ctx context.Context, owner string, reqs []Request) (*BatchResult, error) {
	if owner == "" {
		return nil, fmt.Errorf("%w: owner_id is required", ErrValidation)
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("%w: batch is empty", ErrValidation)
	}
	if len(reqs) > s.cfg.MaxBatchSize {
		return nil, fmt.Errorf("%w: batch of %d exceeds the limit of %d", ErrValidation, len(reqs), s.cfg.MaxBatchSize)
	}

	room, err := s.monitor.Headroom(ctx, owner)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{BatchID: uuid.NewString(), Items: make([]ItemResult, 0, len(reqs))}
	for i, req := range reqs {
		req.OwnerID = owner
		req.BatchID = result.BatchID
		req.BatchPosition = i
		item := ItemResult{Position: i}

		spec, err := s.Validate(req)
		switch {
		case err != nil:
			item.Error = err.Error()
		case room <= 0:
			item.Error = ErrCapacityExceeded.Error()
		default:
			job, err := s.insert(ctx, spec)
			if err != nil {
				item.Error = err.Error()
				break
			}
			room--
			item.JobID = job.ID
			s.publish(ctx, job, nil)
		}

		if item.Error != "" {
			result.Rejected++
		} else {
			result.Accepted++
		}
		result.Items = append(result.Items, item)
	}
	s.metrics.RecordSubmitted(result.Accepted)

	if result.Accepted > 0 {
		progress, err := s.BatchProgress(ctx, result.BatchID)
		if err != nil {
			return nil, err
		}
		result.Progress = progress
		if err := s.notifier.PublishBatchProgress(ctx, result.BatchID, progress); err != nil {
			s.log.Warn("failed to publish batch progress", zap.String("batch_id", result.BatchID), zap.Error(err))
		}
	} else {
		result.Progress = types.BatchProgress{BatchID: result.BatchID}
	}

	s.log.Info("batch submitted",
		zap.String("batch_id", result.BatchID),
		zap.String("owner_id", owner),
		zap.Int("accepted", result.Accepted),
		zap.Int("rejected", result.Rejected))
	return result, nil
}

// Get 取得任務
func (s *Service) Get(ctx context.Context, id types.JobID) (*types.Job, error) {
	return s.store.Get(ctx, id)
}

// Cancel 取消 queued 或 processing 的任務
//
// processing 的任務由 worker 在下一次 provider 嘗試前發現並停止。
func (s *Service) Cancel(ctx context.Context, id types.JobID) (*types.Job, error) {
	const maxAttempts = 3
	for i := 0; i < maxAttempts; i++ {
		cur, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if cur.Status != types.StatusQueued && cur.Status != types.StatusProcessing {
			return nil, fmt.Errorf("%w: cannot cancel a %s job", types.ErrInvalidTransition, cur.Status)
		}

		now := s.now()
		job, err := s.store.ConditionalUpdate(ctx, id, cur.Status, func(j *types.Job) error {
			return j.Cancel(now)
		})
		if errors.Is(err, jobstore.ErrStatusMismatch) {
			continue
		}
		if err != nil {
			return nil, err
		}

		s.metrics.RecordCancelled()
		s.log.Info("job cancelled", zap.String("job_id", string(id)), zap.String("from", string(cur.Status)))
		s.publish(ctx, job, nil)
		s.publishBatch(ctx, job.BatchID)
		return job, nil
	}
	return nil, fmt.Errorf("failed to cancel job %s: %w", id, jobstore.ErrStatusMismatch)
}

// Delete 刪除終態任務
func (s *Service) Delete(ctx context.Context, id types.JobID) error {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !job.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrJobActive, id, job.Status)
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.log.Info("job deleted", zap.String("job_id", string(id)))
	return nil
}

// BatchProgress 彙總批次進度
func (s *Service) BatchProgress(ctx context.Context, batchID string) (types.BatchProgress, error) {
	jobs, err := s.store.FindByBatchID(ctx, batchID)
	if err != nil {
		return types.BatchProgress{}, err
	}
	if len(jobs) == 0 {
		return types.BatchProgress{}, fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
	}
	return types.ComputeBatchProgress(batchID, jobs), nil
}

// Stats 各狀態任務數
func (s *Service) Stats(ctx context.Context) (jobstore.Stats, error) {
	return s.store.Stats(ctx)
}

func (s *Service) publish(ctx context.Context, job *types.Job, payload map[string]interface{}) {
	if err := s.notifier.PublishJobStatus(ctx, job.ID, job.Status, payload); err != nil {
		s.log.Warn("failed to publish job status", zap.String("job_id", string(job.ID)), zap.Error(err))
	}
}

func (s *Service) publishBatch(ctx context.Context, batchID string) {
	if batchID == "" {
		return
	}
	progress, err := s.BatchProgress(ctx, batchID)
	if err != nil {
		return
	}
	if err := s.notifier.PublishBatchProgress(ctx, batchID, progress); err != nil {
		s.log.Warn("failed to publish batch progress", zap.String("batch_id", batchID), zap.Error(err))
	}
}
