// ============================================================================
// Forge-Queue HTTP API - 提交與管理介面
// ============================================================================
//
// Package: internal/api
// 文件: api.go
// 功能:
//   1. gin 路由: 任務 / 批次的提交、查詢、取消、刪除
//   2. GET /events: 以 SSE 推送 Broadcaster 的事件
//   3. GET /health、GET /stats、GET /metrics
//   4. /health 附帶熔斷器狀態與各內容類型目前的 provider 排名
//
// 錯誤對應:
//   submit.ErrValidation        → 400
//   submit.ErrCapacityExceeded  → 429
//   not found                   → 404
//   非法狀態轉換 / 任務仍活躍     → 409
//   其他                         → 500
//
// ============================================================================

package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ChuLiYu/forge-queue/internal/breaker"
	"github.com/ChuLiYu/forge-queue/internal/jobstore"
	"github.com/ChuLiYu/forge-queue/internal/metrics"
	"github.com/ChuLiYu/forge-queue/internal/monitor"
	"github.com/ChuLiYu/forge-queue/internal/notify"
	"github.com/ChuLiYu/forge-queue/internal/provider"
	"github.com/ChuLiYu/forge-queue/internal/submit"
	"github.com/ChuLiYu/forge-queue/pkg/types"
)

// API 包裝提交服務並提供 HTTP handlers
type API struct {
	submit     *submit.Service
	events     *notify.Broadcaster
	monitor    *monitor.Monitor
	breaker    *breaker.Breaker
	ranker     Ranker
	metrics    *metrics.Collector
	instanceID string
	log        *zap.Logger
}

// Ranker 目前的 provider 排名（failover.Executor 實作）
type Ranker interface {
	Rank(req types.GenerationRequest) []provider.Scored
}

// Options API 的依賴
type Options struct {
	Submit     *submit.Service
	Events     *notify.Broadcaster // nil 時 /events 返回 503
	Monitor    *monitor.Monitor    // nil 時 /health 不回報負載
	Breaker    *breaker.Breaker    // nil 時 /health 不回報熔斷狀態
	Ranker     Ranker              // nil 時 /health 不回報排名
	Metrics    *metrics.Collector
	InstanceID string
	Log        *zap.Logger
}

// NewAPI 建立 API
func NewAPI(opts Options) *API {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &API{
		submit:     opts.Submit,
		events:     opts.Events,
		monitor:    opts.Monitor,
		breaker:    opts.Breaker,
		ranker:     opts.Ranker,
		metrics:    opts.Metrics,
		instanceID: opts.InstanceID,
		log:        log.Named("api"),
	}
}

// NewRouter 建立已掛好路由的 gin.Engine
func (a *API) NewRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), a.requestLogger())
	a.SetupRoutes(router)
	return router
}

// SetupRoutes 註冊所有路由
func (a *API) SetupRoutes(router *gin.Engine) {
	// 任務
	router.POST("/jobs", a.submitJob)
	router.GET("/jobs/:id", a.getJob)
	router.POST("/jobs/:id/cancel", a.cancelJob)
	router.DELETE("/jobs/:id", a.deleteJob)

	// 批次
	router.POST("/batches", a.submitBatch)
	router.GET("/batches/:id", a.getBatch)

	// 狀態
	router.GET("/stats", a.getStats)
	router.GET("/events", a.streamEvents)
	router.GET("/health", a.healthCheck)
	router.GET("/metrics", gin.WrapH(a.metrics.Handler()))
}

// BatchRequest POST /batches 的請求內容
type BatchRequest struct {
	OwnerID string           `json:"owner_id" binding:"required"`
	Jobs    []submit.Request `json:"jobs" binding:"required"`
}

// submitJob handles POST /jobs
func (a *API) submitJob(c *gin.Context) {
	var req submit.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := a.submit.Submit(c.Request.Context(), req)
	if err != nil {
		a.abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

// submitBatch handles POST /batches
func (a *API) submitBatch(c *gin.Context) {
	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := a.submit.SubmitBatch(c.Request.Context(), req.OwnerID, req.Jobs)
	if err != nil {
		a.abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// getJob handles GET /jobs/:id
func (a *API) getJob(c *gin.Context) {
	job, err := a.submit.Get(c.Request.Context(), types.JobID(c.Param("id")))
	if err != nil {
		a.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// cancelJob handles POST /jobs/:id/cancel
func (a *API) cancelJob(c *gin.Context) {
	job, err := a.submit.Cancel(c.Request.Context(), types.JobID(c.Param("id")))
	if err != nil {
		a.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// deleteJob handles DELETE /jobs/:id
func (a *API) deleteJob(c *gin.Context) {
	if err := a.submit.Delete(c.Request.Context(), types.JobID(c.Param("id"))); err != nil {
		a.abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// getBatch handles GET /batches/:id
func (a *API) getBatch(c *gin.Context) {
	progress, err := a.submit.BatchProgress(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, progress)
}

// getStats handles GET /stats
func (a *API) getStats(c *gin.Context) {
	stats, err := a.submit.Stats(c.Request.Context())
	if err != nil {
		a.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// healthCheck handles GET /health
func (a *API) healthCheck(c *gin.Context) {
	body := gin.H{
		"status":    "healthy",
		"node":      a.instanceID,
		"timestamp": time.Now().UTC(),
	}
	if a.monitor != nil {
		body["load"] = a.monitor.Load()
		body["dispatch_capacity"] = a.monitor.HasDispatchCapacity()
	}
	if a.breaker != nil {
		body["breakers"] = a.breaker.Snapshot()
	}
	if a.ranker != nil {
		ranking := make(map[types.ContentType][]RankedProvider, 2)
		for _, ct := range []types.ContentType{types.ContentText, types.ContentVideo} {
			ranking[ct] = rankView(a.ranker.Rank(types.GenerationRequest{ContentType: ct}))
		}
		body["ranking"] = ranking
	}
	c.JSON(http.StatusOK, body)
}

// RankedProvider /health 排名中的一列
type RankedProvider struct {
	Provider     string  `json:"provider"`
	Score        float64 `json:"score"`
	Cost         float64 `json:"cost"`
	Availability float64 `json:"availability"`
	Quality      float64 `json:"quality"`
	Latency      float64 `json:"latency"`
}

func rankView(scored []provider.Scored) []RankedProvider {
	out := make([]RankedProvider, 0, len(scored))
	for _, sc := range scored {
		out = append(out, RankedProvider{
			Provider:     sc.Provider.Name(),
			Score:        sc.Score,
			Cost:         sc.Cost,
			Availability: sc.Avail,
			Quality:      sc.Quality,
			Latency:      sc.Latency,
		})
	}
	return out
}

// streamEvents handles GET /events
//
// 可選 query: job_id 只推送該任務的狀態，batch_id 只推送該批次的進度。
func (a *API) streamEvents(c *gin.Context) {
	if a.events == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event stream disabled"})
		return
	}
	jobID := c.Query("job_id")
	batchID := c.Query("batch_id")

	sub := a.events.Subscribe()
	defer a.events.Unsubscribe(sub)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	clientGone := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-clientGone:
			return false
		case ev, ok := <-sub.C:
			if !ok {
				return false
			}
			if !matches(ev, jobID, batchID) {
				return true
			}
			c.SSEvent(ev.Kind, ev)
			return true
		}
	})
}

func matches(ev notify.Event, jobID, batchID string) bool {
	if jobID != "" && string(ev.JobID) != jobID {
		return false
	}
	if batchID != "" && (ev.Progress == nil || ev.Progress.BatchID != batchID) {
		return false
	}
	return true
}

// abort 把服務層錯誤轉成 HTTP 狀態碼
func (a *API) abort(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, submit.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, submit.ErrCapacityExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, jobstore.ErrJobNotFound), errors.Is(err, submit.ErrBatchNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrInvalidTransition),
		errors.Is(err, submit.ErrJobActive),
		errors.Is(err, jobstore.ErrStatusMismatch):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
