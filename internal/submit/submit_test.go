package submit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/forge-queue/internal/jobstore"
	"github.com/ChuLiYu/forge-queue/internal/monitor"
	"github.com/ChuLiYu/forge-queue/internal/notify"
	"github.com/ChuLiYu/forge-queue/pkg/types"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store *jobstore.MemoryStore
	svc   *Service
	sub   *notify.Subscription
}

func newFixture(t *testing.T, monCfg monitor.Config, cfg Config) *fixture {
	t.Helper()
	store := jobstore.NewMemoryStore()
	b := notify.NewBroadcaster(256)
	sub := b.Subscribe()
	t.Cleanup(func() { b.Unsubscribe(sub) })

	svc := New(cfg, store, monitor.New(monCfg, store), b, nil, nil).
		WithClock(func() time.Time { return now })
	return &fixture{store: store, svc: svc, sub: sub}
}

func payload() map[string]interface{} {
	return map[string]interface{}{"prompt": "write a haiku"}
}

func TestSubmitAppliesDefaults(t *testing.T) {
	f := newFixture(t, monitor.Config{}, Config{})

	job, err := f.svc.Submit(context.Background(), Request{OwnerID: "alice", Payload: payload()})
	require.NoError(t, err)

	assert.Equal(t, types.StatusQueued, job.Status)
	assert.Equal(t, types.ContentText, job.ContentType)
	assert.Equal(t, types.PriorityStandard, job.Priority)
	assert.Equal(t, DefaultMaxRetries+1, job.MaxAttempts)
	require.NotNil(t, job.ExpiresAt)
	assert.Equal(t, now.Add(types.DefaultExpiration), *job.ExpiresAt)

	stored, err := f.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, stored.ID)

	ev := <-f.sub.C
	assert.Equal(t, job.ID, ev.JobID)
	assert.Equal(t, types.StatusQueued, ev.Status)
}

func TestSubmitHonoursOverrides(t *testing.T) {
	f := newFixture(t, monitor.Config{}, Config{})
	retries := 0
	at := now.Add(time.Hour)

	job, err := f.svc.Submit(context.Background(), Request{
		OwnerID:         "alice",
		ContentType:     "video",
		Language:        "fr",
		Payload:         payload(),
		Priority:        "high",
		ExpirationHours: 2,
		ScheduledAt:     at.Format(time.RFC3339),
		MaxRetries:      &retries,
	})
	require.NoError(t, err)

	assert.Equal(t, types.ContentVideo, job.ContentType)
	assert.Equal(t, "fr", job.Language)
	assert.Equal(t, types.PriorityHigh, job.Priority)
	assert.Equal(t, 1, job.MaxAttempts)
	require.NotNil(t, job.ScheduledAt)
	assert.True(t, at.Equal(*job.ScheduledAt))
	assert.True(t, at.Add(2*time.Hour).Equal(*job.ExpiresAt), "expiry counts from the scheduled time")
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, monitor.Config{}, Config{})
	tooMany := 11
	negative := -1

	tests := []struct {
		name string
		req  Request
	}{
		{"missing owner", Request{Payload: payload()}},
		{"missing payload", Request{OwnerID: "alice"}},
		{"bad content type", Request{OwnerID: "alice", Payload: payload(), ContentType: "audio"}},
		{"bad priority", Request{OwnerID: "alice", Payload: payload(), Priority: "critical"}},
		{"negative expiration", Request{OwnerID: "alice", Payload: payload(), ExpirationHours: -1}},
		{"expiration too long", Request{OwnerID: "alice", Payload: payload(), ExpirationHours: DefaultMaxExpirationHours + 1}},
		{"bad scheduled_at", Request{OwnerID: "alice", Payload: payload(), ScheduledAt: "tomorrow"}},
		{"scheduled in the past", Request{OwnerID: "alice", Payload: payload(), ScheduledAt: now.Add(-time.Minute).Format(time.RFC3339)}},
		{"retries above cap", Request{OwnerID: "alice", Payload: payload(), MaxRetries: &tooMany}},
		{"negative retries", Request{OwnerID: "alice", Payload: payload(), MaxRetries: &negative}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Submit(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}

	stats, err := f.svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)
}

func TestSubmitRejectsOverCapacity(t *testing.T) {
	t.Run("owner ceiling", func(t *testing.T) {
		f := newFixture(t, monitor.Config{MaxPerOwner: 2}, Config{})
		ctx := context.Background()
		for i := 0; i < 2; i++ {
			_, err := f.svc.Submit(ctx, Request{OwnerID: "alice", Payload: payload()})
			require.NoError(t, err)
		}
		_, err := f.svc.Submit(ctx, Request{OwnerID: "alice", Payload: payload()})
		assert.ErrorIs(t, err, ErrCapacityExceeded)

		_, err = f.svc.Submit(ctx, Request{OwnerID: "bob", Payload: payload()})
		assert.NoError(t, err, "other owners are unaffected")
	})

	t.Run("global ceiling", func(t *testing.T) {
		f := newFixture(t, monitor.Config{MaxActive: 1}, Config{})
		ctx := context.Background()
		_, err := f.svc.Submit(ctx, Request{OwnerID: "alice", Payload: payload()})
		require.NoError(t, err)
		_, err = f.svc.Submit(ctx, Request{OwnerID: "bob", Payload: payload()})
		assert.ErrorIs(t, err, ErrCapacityExceeded)
	})
}

func TestSubmitBatch(t *testing.T) {
	f := newFixture(t, monitor.Config{}, Config{})
	reqs := []Request{
		{Payload: payload()},
		{Payload: payload(), Priority: "critical"},
		{Payload: payload(), Priority: "low"},
	}

	res, err := f.svc.SubmitBatch(context.Background(), "alice", reqs)
	require.NoError(t, err)

	assert.NotEmpty(t, res.BatchID)
	assert.Equal(t, 2, res.Accepted)
	assert.Equal(t, 1, res.Rejected)
	require.Len(t, res.Items, 3)
	assert.NotEmpty(t, res.Items[0].JobID)
	assert.Contains(t, res.Items[1].Error, "invalid submission")
	assert.Empty(t, res.Items[1].JobID)
	assert.Equal(t, 2, res.Items[2].Position)

	assert.Equal(t, 2, res.Progress.Total)
	assert.Equal(t, 2, res.Progress.Queued)
	assert.False(t, res.Progress.Done)

	jobs, err := f.store.FindByBatchID(context.Background(), res.BatchID)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, 0, jobs[0].BatchPosition)
	assert.Equal(t, 2, jobs[1].BatchPosition)
	for _, j := range jobs {
		assert.Equal(t, "alice", j.OwnerID)
	}

	// 兩筆 queued 狀態加一筆批次進度
	var kinds []string
	for len(f.sub.C) > 0 {
		kinds = append(kinds, (<-f.sub.C).Kind)
	}
	assert.Equal(t, []string{notify.KindJobStatus, notify.KindJobStatus, notify.KindBatchProgress}, kinds)
}

func TestSubmitBatchRespectsHeadroom(t *testing.T) {
	f := newFixture(t, monitor.Config{MaxPerOwner: 2}, Config{})
	reqs := make([]Request, 4)
	for i := range reqs {
		reqs[i] = Request{Payload: payload()}
	}

	res, err := f.svc.SubmitBatch(context.Background(), "alice", reqs)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Accepted)
	assert.Equal(t, 2, res.Rejected)
	assert.Equal(t, ErrCapacityExceeded.Error(), res.Items[3].Error)
}

func TestSubmitBatchLimits(t *testing.T) {
	f := newFixture(t, monitor.Config{}, Config{MaxBatchSize: 2})
	ctx := context.Background()

	_, err := f.svc.SubmitBatch(ctx, "alice", nil)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.SubmitBatch(ctx, "", []Request{{Payload: payload()}})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.SubmitBatch(ctx, "alice", make([]Request, 3))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSubmitBatchAllRejected(t *testing.T) {
	f := newFixture(t, monitor.Config{}, Config{})
	res, err := f.svc.SubmitBatch(context.Background(), "alice", []Request{{}, {}})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Accepted)
	assert.Equal(t, 0, res.Progress.Total)

	_, err = f.svc.BatchProgress(context.Background(), res.BatchID)
	assert.ErrorIs(t, err, ErrBatchNotFound)
}

func TestCancel(t *testing.T) {
	f := newFixture(t, monitor.Config{}, Config{})
	ctx := context.Background()

	res, err := f.svc.SubmitBatch(ctx, "alice", []Request{{Payload: payload()}, {Payload: payload()}})
	require.NoError(t, err)
	for len(f.sub.C) > 0 {
		<-f.sub.C
	}

	id := res.Items[0].JobID
	job, err := f.svc.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, job.Status)
	require.NotNil(t, job.CompletedAt)

	ev := <-f.sub.C
	assert.Equal(t, types.StatusCancelled, ev.Status)
	ev = <-f.sub.C
	require.Equal(t, notify.KindBatchProgress, ev.Kind)
	assert.Equal(t, 1, ev.Progress.Cancelled)

	_, err = f.svc.Cancel(ctx, id)
	assert.ErrorIs(t, err, types.ErrInvalidTransition)

	_, err = f.svc.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, jobstore.ErrJobNotFound)
}

func TestCancelProcessingJob(t *testing.T) {
	f := newFixture(t, monitor.Config{}, Config{})
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, Request{OwnerID: "alice", Payload: payload()})
	require.NoError(t, err)
	_, err = f.store.ConditionalUpdate(ctx, job.ID, types.StatusQueued, func(j *types.Job) error {
		return j.Claim(now)
	})
	require.NoError(t, err)

	got, err := f.svc.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, got.Status)
}

func TestDeleteOnlyTerminalJobs(t *testing.T) {
	f := newFixture(t, monitor.Config{}, Config{})
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, Request{OwnerID: "alice", Payload: payload()})
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.Delete(ctx, job.ID), ErrJobActive)

	_, err = f.svc.Cancel(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, f.svc.Delete(ctx, job.ID))

	_, err = f.svc.Get(ctx, job.ID)
	assert.ErrorIs(t, err, jobstore.ErrJobNotFound)
	assert.ErrorIs(t, f.svc.Delete(ctx, job.ID), jobstore.ErrJobNotFound)
}

func TestStats(t *testing.T) {
	f := newFixture(t, monitor.Config{}, Config{})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.svc.Submit(ctx, Request{OwnerID: "alice", Payload: payload()})
		require.NoError(t, err)
	}

	stats, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 3, stats.ByStatus[types.StatusQueued])
}
