package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/forge-queue/internal/jobstore"
	"github.com/ChuLiYu/forge-queue/internal/lock"
	"github.com/ChuLiYu/forge-queue/internal/notify"
	"github.com/ChuLiYu/forge-queue/internal/retry"
	"github.com/ChuLiYu/forge-queue/pkg/types"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func processingJob(t *testing.T, store jobstore.Store, startedAgo time.Duration, attempts, maxAttempts int) *types.Job {
	t.Helper()
	j := types.NewJob(types.JobSpec{OwnerID: "alice", ContentType: types.ContentText, MaxAttempts: maxAttempts}, now.Add(-time.Hour))
	require.NoError(t, j.Claim(now.Add(-startedAgo)))
	j.AttemptCount = attempts
	require.NoError(t, store.Insert(context.Background(), j))
	return j
}

type fakeRunning map[types.JobID]bool

func (f fakeRunning) IsRunning(id types.JobID) bool { return f[id] }

type fakeRecorder struct {
	reaped   map[string]int
	terminal int
	retried  int
}

func (f *fakeRecorder) RecordReaped(reason string) {
	if f.reaped == nil {
		f.reaped = make(map[string]int)
	}
	f.reaped[reason]++
}

func (f *fakeRecorder) RecordFailed(terminal bool) {
	if terminal {
		f.terminal++
	} else {
		f.retried++
	}
}

func newReaper(store jobstore.Store, deps Deps) *Reaper {
	deps.Store = store
	deps.Policy = retry.NewPolicy(retry.Config{BaseDelay: time.Second, MaxDelay: 10 * time.Second}).
		WithRandom(func() float64 { return 0.5 })
	return New(Config{StaleTimeout: 10 * time.Minute}, deps).WithClock(func() time.Time { return now })
}

func TestSweepSchedulesRetryForStaleJob(t *testing.T) {
	store := jobstore.NewMemoryStore()
	rec := &fakeRecorder{}
	job := processingJob(t, store, 15*time.Minute, 0, 3)

	report, err := newReaper(store, Deps{Recorder: rec}).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Scanned: 1, Requeued: 1, Abandoned: 1}, report)

	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	require.NotNil(t, got.NextRetryAt)
	assert.Equal(t, now.Add(time.Second), *got.NextRetryAt, "jitter 0.5 maps to factor 1.0")
	assert.Equal(t, CodeStaleTimeout, got.ErrorCode)
	assert.False(t, got.IsTerminal())

	assert.Equal(t, 1, rec.reaped[ReasonAbandoned])
	assert.Equal(t, 1, rec.retried)
}

func TestSweepStaleJobAtMaxAttemptsFailsTerminally(t *testing.T) {
	store := jobstore.NewMemoryStore()
	b := notify.NewBroadcaster(4)
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	job := processingJob(t, store, time.Hour, 3, 3)

	report, err := newReaper(store, Deps{Notifier: b}).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Equal(t, MsgExceededRetries, got.ErrorMessage)
	assert.Nil(t, got.NextRetryAt)
	assert.Equal(t, 3, got.AttemptCount, "attempt count never exceeds the maximum")
	assert.True(t, got.IsTerminal())

	ev := <-sub.C
	assert.Equal(t, job.ID, ev.JobID)
	assert.Equal(t, types.StatusFailed, ev.Status)
}

func TestSweepLastAttemptIsTerminal(t *testing.T) {
	store := jobstore.NewMemoryStore()
	job := processingJob(t, store, time.Hour, 2, 3)

	report, err := newReaper(store, Deps{}).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	got, _ := store.Get(context.Background(), job.ID)
	assert.Equal(t, 3, got.AttemptCount)
	assert.Nil(t, got.NextRetryAt)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Equal(t, MsgExceededRetries, got.ErrorMessage, "last attempt reports the exhausted budget")
	assert.Equal(t, CodeStaleTimeout, got.ErrorCode)
}

func TestSweepIgnoresFreshJobs(t *testing.T) {
	store := jobstore.NewMemoryStore()
	job := processingJob(t, store, time.Minute, 0, 3)

	report, err := newReaper(store, Deps{}).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{}, report)

	got, _ := store.Get(context.Background(), job.ID)
	assert.Equal(t, types.StatusProcessing, got.Status)
}

func TestSweepClassifiesSlowJobs(t *testing.T) {
	store := jobstore.NewMemoryStore()
	rec := &fakeRecorder{}
	slow := processingJob(t, store, time.Hour, 0, 3)
	processingJob(t, store, time.Hour, 0, 3)

	report, err := newReaper(store, Deps{
		Running:  fakeRunning{slow.ID: true},
		Recorder: rec,
	}).Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Slow)
	assert.Equal(t, 1, report.Abandoned)
	assert.Equal(t, 1, rec.reaped[ReasonSlow])
	assert.Equal(t, 1, rec.reaped[ReasonAbandoned])
}

func TestSweepReleasesJobLease(t *testing.T) {
	store := jobstore.NewMemoryStore()
	backend := lock.NewMemoryBackend()
	locks := backend.Client("node-1")

	job := processingJob(t, store, time.Hour, 0, 3)
	ok, err := locks.TryAcquire(context.Background(), lock.JobKey(string(job.ID)), time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = newReaper(store, Deps{Locks: locks}).Sweep(context.Background())
	require.NoError(t, err)

	_, held := backend.Holder(lock.JobKey(string(job.ID)))
	assert.False(t, held)
}

type racingStore struct {
	*jobstore.MemoryStore
}

// FindStale 回傳任務後立刻把它完成，模擬 worker 搶先寫回
func (s racingStore) FindStale(ctx context.Context, cutoff time.Time) ([]*types.Job, error) {
	jobs, err := s.MemoryStore.FindStale(ctx, cutoff)
	for _, j := range jobs {
		_, _ = s.ConditionalUpdate(ctx, j.ID, types.StatusProcessing, func(job *types.Job) error {
			return job.Complete(types.Outcome{Provider: "p"}, now)
		})
	}
	return jobs, err
}

func TestSweepLosesRaceToCompletion(t *testing.T) {
	store := racingStore{jobstore.NewMemoryStore()}
	job := processingJob(t, store, time.Hour, 0, 3)

	report, err := newReaper(store, Deps{}).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Conflicts)

	got, _ := store.Get(context.Background(), job.ID)
	assert.Equal(t, types.StatusCompleted, got.Status)
}
