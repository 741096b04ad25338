// Package types 定義了 forge-queue 系統中使用的核心領域模型
package types

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobID 任務唯一識別碼
type JobID string

// JobStatus 任務狀態（封閉列舉，任何時刻只會處於其中一種）
type JobStatus string

// 定義任務狀態常數
const (
	StatusQueued     JobStatus = "queued"     // 排隊中：等待 dispatcher 認領
	StatusProcessing JobStatus = "processing" // 執行中：已被某個實例認領
	StatusCompleted  JobStatus = "completed"  // 完成
	StatusFailed     JobStatus = "failed"     // 失敗：NextRetryAt 非空時仍可重試
	StatusCancelled  JobStatus = "cancelled"  // 已取消
	StatusExpired    JobStatus = "expired"    // 逾期未執行
)

// AllStatuses 依生命週期順序列出所有狀態
var AllStatuses = []JobStatus{
	StatusQueued,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
	StatusExpired,
}

// ActiveStatuses 佔用系統容量的狀態
var ActiveStatuses = []JobStatus{StatusQueued, StatusProcessing}

// Priority 任務優先級，數值越大越優先
type Priority int

const (
	PriorityLow Priority = iota
	PriorityStandard
	PriorityHigh
	PriorityUrgent
)

var priorityNames = map[Priority]string{
	PriorityLow:      "low",
	PriorityStandard: "standard",
	PriorityHigh:     "high",
	PriorityUrgent:   "urgent",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority 解析優先級字串，空字串回傳預設的 Standard
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityStandard, nil
	}
	for p, name := range priorityNames {
		if strings.EqualFold(name, s) {
			return p, nil
		}
	}
	return PriorityStandard, fmt.Errorf("unknown priority %q", s)
}

// MarshalText 讓 JSON/YAML 以字串形式輸出優先級
func (p Priority) MarshalText() ([]byte, error) {
	if _, ok := priorityNames[p]; !ok {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText 實作 encoding.TextUnmarshaler
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ContentType 生成內容類型
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentVideo ContentType = "video"
)

// Valid 檢查內容類型是否受支援
func (c ContentType) Valid() bool {
	return c == ContentText || c == ContentVideo
}

// 預設值
const (
	DefaultMaxAttempts = 3
	DefaultExpiration  = 24 * time.Hour
)

// ErrInvalidTransition 目前狀態不允許此轉換
var ErrInvalidTransition = errors.New("invalid job status transition")

// Job 任務結構，代表系統中的一個生成工作單元
type Job struct {
	// 識別
	ID            JobID  `json:"id"`
	OwnerID       string `json:"owner_id"`
	BatchID       string `json:"batch_id,omitempty"`
	BatchPosition int    `json:"batch_position,omitempty"`

	// 請求內容
	ContentType ContentType            `json:"content_type"`
	Language    string                 `json:"language,omitempty"`
	Payload     map[string]interface{} `json:"payload"`

	// 狀態與排程
	Status      JobStatus  `json:"status"`
	Priority    Priority   `json:"priority"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`

	// 重試
	AttemptCount int        `json:"attempt_count"`
	MaxAttempts  int        `json:"max_attempts"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty"`

	// 執行資訊
	StartedAt          *time.Time             `json:"started_at,omitempty"`
	CompletedAt        *time.Time             `json:"completed_at,omitempty"`
	ProcessingDuration time.Duration          `json:"processing_duration"`
	Result             map[string]interface{} `json:"result,omitempty"`
	Provider           string                 `json:"provider,omitempty"`
	FallbackUsed       bool                   `json:"fallback_used,omitempty"`
	ErrorMessage       string                 `json:"error_message,omitempty"`
	ErrorCode          string                 `json:"error_code,omitempty"`
}

// JobSpec 建立任務所需的輸入，由提交邊界驗證後傳入
type JobSpec struct {
	OwnerID       string
	BatchID       string
	BatchPosition int
	ContentType   ContentType
	Language      string
	Payload       map[string]interface{}
	Priority      Priority
	ScheduledAt   *time.Time
	Expiration    time.Duration
	MaxAttempts   int
}

// NewJob 建立新任務並蓋上時間戳與預設值
//
// 參數：
//   - spec: 任務輸入
//   - now: 建立時間
//
// 返回值：
//   - *Job: 狀態為 Queued 的新任務
func NewJob(spec JobSpec, now time.Time) *Job {
	maxAttempts := spec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	expiration := spec.Expiration
	if expiration <= 0 {
		expiration = DefaultExpiration
	}

	// 過期時間從可執行時間起算，排程任務不會在開始前就過期
	base := now
	if spec.ScheduledAt != nil && spec.ScheduledAt.After(now) {
		base = *spec.ScheduledAt
	}
	expiresAt := base.Add(expiration)

	return &Job{
		ID:            JobID(uuid.New().String()),
		OwnerID:       spec.OwnerID,
		BatchID:       spec.BatchID,
		BatchPosition: spec.BatchPosition,
		ContentType:   spec.ContentType,
		Language:      spec.Language,
		Payload:       spec.Payload,
		Status:        StatusQueued,
		Priority:      spec.Priority,
		CreatedAt:     now,
		UpdatedAt:     now,
		ScheduledAt:   spec.ScheduledAt,
		ExpiresAt:     &expiresAt,
		MaxAttempts:   maxAttempts,
	}
}

// Clone 深拷貝任務，store 對外只交出副本
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.ScheduledAt = cloneTime(j.ScheduledAt)
	c.ExpiresAt = cloneTime(j.ExpiresAt)
	c.NextRetryAt = cloneTime(j.NextRetryAt)
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	c.Payload = cloneMap(j.Payload)
	c.Result = cloneMap(j.Result)
	return &c
}

// IsTerminal 任務是否已不會再變動
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case StatusCompleted, StatusCancelled, StatusExpired:
		return true
	case StatusFailed:
		return j.NextRetryAt == nil
	}
	return false
}

// IsDue 任務是否已到可執行時間
func (j *Job) IsDue(now time.Time) bool {
	return j.ScheduledAt == nil || !j.ScheduledAt.After(now)
}

// IsExpired 任務是否已超過過期時間
func (j *Job) IsExpired(now time.Time) bool {
	return j.ExpiresAt != nil && !j.ExpiresAt.After(now)
}

// ============================================================================
// 狀態轉換
// ============================================================================
//
//   Queued ──Claim──▶ Processing ──Complete──▶ Completed
//     │                  │
//     │                  └──Fail──▶ Failed ──Requeue──▶ Queued (AttemptCount < MaxAttempts)
//     ├──Expire──▶ Expired
//     └──Cancel──▶ Cancelled ◀──Cancel── Processing
//
// 所有欄位變更都透過以下方法，確保狀態機不變式成立。

// Claim Queued → Processing
func (j *Job) Claim(now time.Time) error {
	if j.Status != StatusQueued {
		return fmt.Errorf("%w: claim from %s", ErrInvalidTransition, j.Status)
	}
	started := now
	j.Status = StatusProcessing
	j.StartedAt = &started
	j.CompletedAt = nil
	j.UpdatedAt = now
	return nil
}

// Outcome 一次成功執行的結果
type Outcome struct {
	Output       map[string]interface{}
	Provider     string
	FallbackUsed bool
}

// Complete Processing → Completed
func (j *Job) Complete(out Outcome, now time.Time) error {
	if j.Status != StatusProcessing {
		return fmt.Errorf("%w: complete from %s", ErrInvalidTransition, j.Status)
	}
	completed := now
	j.Status = StatusCompleted
	j.Result = out.Output
	j.Provider = out.Provider
	j.FallbackUsed = out.FallbackUsed
	j.CompletedAt = &completed
	if j.StartedAt != nil {
		j.ProcessingDuration = now.Sub(*j.StartedAt)
	}
	j.NextRetryAt = nil
	j.ErrorMessage = ""
	j.ErrorCode = ""
	j.UpdatedAt = now
	return nil
}

// Fail Processing → Failed，並累加嘗試次數
//
// nextRetryAt 為 nil 代表終態失敗。嘗試次數達上限時即使給了 nextRetryAt 也視為終態。
func (j *Job) Fail(message, code string, nextRetryAt *time.Time, now time.Time) error {
	if j.Status != StatusProcessing {
		return fmt.Errorf("%w: fail from %s", ErrInvalidTransition, j.Status)
	}
	if j.AttemptCount < j.MaxAttempts {
		j.AttemptCount++
	}
	j.Status = StatusFailed
	j.ErrorMessage = message
	j.ErrorCode = code
	if j.StartedAt != nil {
		j.ProcessingDuration = now.Sub(*j.StartedAt)
	}
	if nextRetryAt != nil && j.AttemptCount < j.MaxAttempts {
		at := *nextRetryAt
		j.NextRetryAt = &at
	} else {
		completed := now
		j.NextRetryAt = nil
		j.CompletedAt = &completed
	}
	j.UpdatedAt = now
	return nil
}

// Requeue Failed → Queued，僅限仍有重試額度的任務
func (j *Job) Requeue(now time.Time) error {
	if j.Status != StatusFailed {
		return fmt.Errorf("%w: requeue from %s", ErrInvalidTransition, j.Status)
	}
	if j.NextRetryAt == nil || j.AttemptCount >= j.MaxAttempts {
		return fmt.Errorf("%w: retry budget exhausted (%d/%d)", ErrInvalidTransition, j.AttemptCount, j.MaxAttempts)
	}
	j.Status = StatusQueued
	j.NextRetryAt = nil
	j.StartedAt = nil
	j.UpdatedAt = now
	return nil
}

// Cancel Queued|Processing → Cancelled
func (j *Job) Cancel(now time.Time) error {
	if j.Status != StatusQueued && j.Status != StatusProcessing {
		return fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, j.Status)
	}
	completed := now
	j.Status = StatusCancelled
	j.NextRetryAt = nil
	j.CompletedAt = &completed
	j.UpdatedAt = now
	return nil
}

// Expire Queued → Expired
func (j *Job) Expire(now time.Time) error {
	if j.Status != StatusQueued {
		return fmt.Errorf("%w: expire from %s", ErrInvalidTransition, j.Status)
	}
	completed := now
	j.Status = StatusExpired
	j.CompletedAt = &completed
	j.UpdatedAt = now
	return nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	c := make(map[string]interface{}, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
