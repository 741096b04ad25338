package types

import "time"

// GenerationRequest 交給 provider 執行的請求
type GenerationRequest struct {
	JobID       JobID                  `json:"job_id"`
	ContentType ContentType            `json:"content_type"`
	Language    string                 `json:"language,omitempty"`
	Payload     map[string]interface{} `json:"payload"`
}

// RequestFromJob 由任務建立 provider 請求
func RequestFromJob(j *Job) GenerationRequest {
	return GenerationRequest{
		JobID:       j.ID,
		ContentType: j.ContentType,
		Language:    j.Language,
		Payload:     j.Payload,
	}
}

// GenerationResult provider 執行結果
type GenerationResult struct {
	Provider     string                 `json:"provider"`
	Output       map[string]interface{} `json:"output"`
	FallbackUsed bool                   `json:"fallback_used"` // 非排名第一的 provider 成功
	Attempts     int                    `json:"attempts"`      // 本次執行嘗試過的 provider 數
	Duration     time.Duration          `json:"duration"`
}

// Outcome 轉為任務的完成資訊
func (r *GenerationResult) Outcome() Outcome {
	return Outcome{
		Output:       r.Output,
		Provider:     r.Provider,
		FallbackUsed: r.FallbackUsed,
	}
}

// BatchProgress 批次進度快照
type BatchProgress struct {
	BatchID    string  `json:"batch_id"`
	Total      int     `json:"total"`
	Queued     int     `json:"queued"`
	Processing int     `json:"processing"`
	Completed  int     `json:"completed"`
	Failed     int     `json:"failed"`
	Cancelled  int     `json:"cancelled"`
	Expired    int     `json:"expired"`
	Percent    float64 `json:"percent"` // 已到終態的比例（0-100）
	Done       bool    `json:"done"`
}

// ComputeBatchProgress 彙總同一批次任務的進度
//
// 等待重試中的 Failed 任務計入 Queued，只有終態失敗才計入 Failed。
func ComputeBatchProgress(batchID string, jobs []*Job) BatchProgress {
	p := BatchProgress{BatchID: batchID, Total: len(jobs)}
	terminal := 0
	for _, j := range jobs {
		switch j.Status {
		case StatusQueued:
			p.Queued++
		case StatusProcessing:
			p.Processing++
		case StatusCompleted:
			p.Completed++
		case StatusFailed:
			if j.NextRetryAt != nil {
				p.Queued++
			} else {
				p.Failed++
			}
		case StatusCancelled:
			p.Cancelled++
		case StatusExpired:
			p.Expired++
		}
		if j.IsTerminal() {
			terminal++
		}
	}
	if p.Total > 0 {
		p.Percent = float64(terminal) / float64(p.Total) * 100
		p.Done = terminal == p.Total
	}
	return p
}
