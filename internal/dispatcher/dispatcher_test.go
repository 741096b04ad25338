package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/forge-queue/internal/breaker"
	"github.com/ChuLiYu/forge-queue/internal/failover"
	"github.com/ChuLiYu/forge-queue/internal/jobstore"
	"github.com/ChuLiYu/forge-queue/internal/lock"
	"github.com/ChuLiYu/forge-queue/internal/monitor"
	"github.com/ChuLiYu/forge-queue/internal/notify"
	"github.com/ChuLiYu/forge-queue/internal/provider"
	"github.com/ChuLiYu/forge-queue/internal/retry"
	"github.com/ChuLiYu/forge-queue/internal/worker"
	"github.com/ChuLiYu/forge-queue/pkg/types"
)

// ============================================================================
// 測試輔助
// ============================================================================

// scripted 由測試決定每次呼叫結果的 provider
type scripted struct {
	name string
	cost float64
	fn   func(ctx context.Context, req types.GenerationRequest) (map[string]interface{}, error)

	mu    sync.Mutex
	calls map[types.JobID]int
}

func newScripted(name string, cost float64, fn func(ctx context.Context, req types.GenerationRequest) (map[string]interface{}, error)) *scripted {
	if fn == nil {
		fn = func(context.Context, types.GenerationRequest) (map[string]interface{}, error) {
			return map[string]interface{}{"text": "ok"}, nil
		}
	}
	return &scripted{name: name, cost: cost, fn: fn, calls: make(map[types.JobID]int)}
}

func (s *scripted) Name() string      { return s.name }
func (s *scripted) IsAvailable() bool { return true }
func (s *scripted) Capabilities() provider.Capabilities {
	return provider.Capabilities{ContentTypes: []types.ContentType{types.ContentText, types.ContentVideo}}
}
func (s *scripted) CostPerUnit() float64          { return s.cost }
func (s *scripted) QualityScore() float64         { return 5 }
func (s *scripted) AverageLatency() time.Duration { return 0 }
func (s *scripted) SuccessRate() float64          { return 1 }
func (s *scripted) CurrentLoad() float64          { return 0 }
func (s *scripted) Execute(ctx context.Context, req types.GenerationRequest) (map[string]interface{}, error) {
	s.mu.Lock()
	s.calls[req.JobID]++
	s.mu.Unlock()
	return s.fn(ctx, req)
}

func (s *scripted) Calls(id types.JobID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

func (s *scripted) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	store   jobstore.Store
	pool    *worker.Pool
	breaker *breaker.Breaker
	backend *lock.MemoryBackend
	events  *notify.Broadcaster
	sub     *notify.Subscription
	clock   *fakeClock
	d       *Dispatcher
}

type harnessOpts struct {
	store     jobstore.Store
	backend   *lock.MemoryBackend
	owner     string
	poolSize  int
	slotWait  time.Duration
	cfg       Config
	sampler   func() float64
	providers []provider.Provider
	realClock bool
	health    bool // 啟用 provider 健康探測循環
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	if o.store == nil {
		o.store = jobstore.NewMemoryStore()
	}
	if o.backend == nil {
		o.backend = lock.NewMemoryBackend()
	}
	if o.owner == "" {
		o.owner = "node-1"
	}
	if o.poolSize == 0 {
		o.poolSize = 4
	}
	if o.slotWait == 0 {
		o.slotWait = 50 * time.Millisecond
	}
	if o.cfg.LockWait == 0 {
		o.cfg.LockWait = 20 * time.Millisecond
	}

	pool := worker.NewPool(o.poolSize, o.slotWait)
	require.NoError(t, pool.Start())

	br := breaker.New(breaker.Config{Threshold: 5, Cooldown: time.Minute}, nil)
	registry := provider.NewRegistry(o.providers...)
	exec := failover.New(failover.Config{}, registry, br, provider.DefaultWeights, nil, nil).
		WithSleep(func(context.Context, time.Duration) error { return nil })
	policy := retry.NewPolicy(retry.Config{BaseDelay: time.Second, MaxDelay: 10 * time.Second}).
		WithRandom(func() float64 { return 0.5 })
	events := notify.NewBroadcaster(64)

	deps := Deps{
		Store:       o.store,
		Pool:        pool,
		Executor:    exec,
		Policy:      policy,
		Monitor:     monitor.New(monitor.Config{BaseBatch: 10}, o.store),
		Locks:       o.backend.Client(o.owner),
		Notifier:    events,
		LoadSampler: o.sampler,
	}
	if o.health {
		deps.Health = registry
	}
	d, err := New(o.cfg, deps)
	require.NoError(t, err)

	h := &harness{
		store:   o.store,
		pool:    pool,
		breaker: br,
		backend: o.backend,
		events:  events,
		sub:     events.Subscribe(),
		d:       d,
	}
	if !o.realClock {
		h.clock = &fakeClock{now: time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)}
		d.WithClock(h.clock.Now)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Stop(ctx)
	})
	return h
}

func (h *harness) now() time.Time {
	if h.clock != nil {
		return h.clock.Now()
	}
	return time.Now()
}

func (h *harness) insert(t *testing.T, spec types.JobSpec, createdAgo time.Duration) *types.Job {
	t.Helper()
	if spec.OwnerID == "" {
		spec.OwnerID = "alice"
	}
	if spec.ContentType == "" {
		spec.ContentType = types.ContentText
	}
	if spec.Payload == nil {
		spec.Payload = map[string]interface{}{"prompt": "hello"}
	}
	j := types.NewJob(spec, h.now().Add(-createdAgo))
	require.NoError(t, h.store.Insert(context.Background(), j))
	return j
}

// drain 等待所有執行中的任務結束
func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.pool.Stop(ctx))
}

func (h *harness) get(t *testing.T, id types.JobID) *types.Job {
	t.Helper()
	j, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return j
}

// collected 取出目前已收到的所有事件
func (h *harness) collected() []notify.Event {
	var out []notify.Event
	for {
		select {
		case ev := <-h.sub.C:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func statuses(events []notify.Event) []types.JobStatus {
	var out []types.JobStatus
	for _, ev := range events {
		if ev.Kind == notify.KindJobStatus {
			out = append(out, ev.Status)
		}
	}
	return out
}

var errUpstream = errors.New("upstream 503")

func failing(context.Context, types.GenerationRequest) (map[string]interface{}, error) {
	return nil, errUpstream
}

// ============================================================================
// Tick
// ============================================================================

func TestTickCompletesJobOnTopProvider(t *testing.T) {
	cheap := newScripted("cheap", 1, nil)
	pricey := newScripted("pricey", 10, nil)
	h := newHarness(t, harnessOpts{providers: []provider.Provider{cheap, pricey}})
	job := h.insert(t, types.JobSpec{}, 0)

	n, err := h.d.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	h.drain(t)

	got := h.get(t, job.ID)
	assert.Equal(t, types.StatusCompleted, got.Status)
	assert.Equal(t, "cheap", got.Provider)
	assert.False(t, got.FallbackUsed)
	assert.Equal(t, "ok", got.Result["text"])
	assert.Equal(t, 0, pricey.TotalCalls())
	assert.Equal(t, []types.JobStatus{types.StatusProcessing, types.StatusCompleted}, statuses(h.collected()))

	_, held := h.backend.Holder(lock.JobKey(string(job.ID)))
	assert.False(t, held, "job lease released after completion")
	_, held = h.backend.Holder(lock.DispatchKey)
	assert.False(t, held, "dispatch lock released after tick")
}

func TestTickHighPriorityFallback(t *testing.T) {
	cheap := newScripted("cheap", 1, failing)
	pricey := newScripted("pricey", 10, nil)
	h := newHarness(t, harnessOpts{providers: []provider.Provider{cheap, pricey}})

	low := h.insert(t, types.JobSpec{Priority: types.PriorityLow}, time.Minute)
	high := h.insert(t, types.JobSpec{Priority: types.PriorityHigh}, 0)

	n, err := h.d.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	h.drain(t)

	got := h.get(t, high.ID)
	assert.Equal(t, types.StatusCompleted, got.Status)
	assert.Equal(t, "pricey", got.Provider)
	assert.True(t, got.FallbackUsed)
	assert.Equal(t, 1, cheap.Calls(high.ID))
	assert.Equal(t, 1, pricey.Calls(high.ID))
	assert.Equal(t, 2, h.breaker.Failures("cheap"))

	assert.Equal(t, types.StatusCompleted, h.get(t, low.ID).Status)

	events := h.collected()
	require.NotEmpty(t, events)
	assert.Equal(t, high.ID, events[0].JobID, "higher priority claimed first")

	var completed *notify.Event
	for i := range events {
		if events[i].JobID == high.ID && events[i].Status == types.StatusCompleted {
			completed = &events[i]
		}
	}
	require.NotNil(t, completed)
	assert.Equal(t, true, completed.Payload["fallback_used"])
	assert.Equal(t, "pricey", completed.Payload["provider"])
}

func TestTickSchedulesRetryWithoutNotifyingOwner(t *testing.T) {
	a := newScripted("a", 1, failing)
	b := newScripted("b", 2, failing)
	h := newHarness(t, harnessOpts{providers: []provider.Provider{a, b}})
	job := h.insert(t, types.JobSpec{MaxAttempts: 3}, 0)

	_, err := h.d.Tick(context.Background())
	require.NoError(t, err)
	h.drain(t)

	got := h.get(t, job.ID)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, CodeExhausted, got.ErrorCode)
	require.NotNil(t, got.NextRetryAt)
	assert.Equal(t, h.now().Add(time.Second), *got.NextRetryAt)
	assert.Equal(t, []types.JobStatus{types.StatusProcessing}, statuses(h.collected()))

	n, err := h.d.DispatchRetries(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "retry not yet due")

	h.clock.Advance(2 * time.Second)
	n, err = h.d.DispatchRetries(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got = h.get(t, job.ID)
	assert.Equal(t, types.StatusQueued, got.Status)
	assert.Nil(t, got.NextRetryAt)
	assert.Equal(t, 1, got.AttemptCount)
}

func TestTickTerminalFailureIsPublished(t *testing.T) {
	a := newScripted("a", 1, failing)
	h := newHarness(t, harnessOpts{providers: []provider.Provider{a}})
	job := h.insert(t, types.JobSpec{MaxAttempts: 1}, 0)

	_, err := h.d.Tick(context.Background())
	require.NoError(t, err)
	h.drain(t)

	got := h.get(t, job.ID)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Nil(t, got.NextRetryAt)
	assert.True(t, got.IsTerminal())

	events := h.collected()
	assert.Equal(t, []types.JobStatus{types.StatusProcessing, types.StatusFailed}, statuses(events))
	assert.Equal(t, CodeExhausted, events[1].Payload["error_code"])
}

func TestTickPermanentErrorStopsImmediately(t *testing.T) {
	a := newScripted("a", 1, func(context.Context, types.GenerationRequest) (map[string]interface{}, error) {
		return nil, retry.Permanent(errors.New("prompt rejected"))
	})
	b := newScripted("b", 2, nil)
	h := newHarness(t, harnessOpts{providers: []provider.Provider{a, b}})
	job := h.insert(t, types.JobSpec{MaxAttempts: 3}, 0)

	_, err := h.d.Tick(context.Background())
	require.NoError(t, err)
	h.drain(t)

	got := h.get(t, job.ID)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.True(t, got.IsTerminal())
	assert.Equal(t, CodePermanent, got.ErrorCode)
	assert.Equal(t, 0, b.TotalCalls())
}

func TestTickNoEligibleProvider(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	job := h.insert(t, types.JobSpec{MaxAttempts: 2}, 0)

	_, err := h.d.Tick(context.Background())
	require.NoError(t, err)
	h.drain(t)

	got := h.get(t, job.ID)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Equal(t, CodeNoProvider, got.ErrorCode)
	assert.NotNil(t, got.NextRetryAt)
}

func TestTickExpiresInsteadOfClaiming(t *testing.T) {
	a := newScripted("a", 1, nil)
	h := newHarness(t, harnessOpts{providers: []provider.Provider{a}})
	job := h.insert(t, types.JobSpec{Expiration: time.Hour}, 2*time.Hour)

	n, err := h.d.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	assert.Equal(t, types.StatusExpired, h.get(t, job.ID).Status)
	assert.Equal(t, 0, a.TotalCalls())
	assert.Equal(t, []types.JobStatus{types.StatusExpired}, statuses(h.collected()))
}

func TestTickRespectsOwnerCeiling(t *testing.T) {
	a := newScripted("a", 1, nil)
	h := newHarness(t, harnessOpts{
		providers: []provider.Provider{a},
		cfg:       Config{MaxConcurrentPerOwner: 1},
	})
	ctx := context.Background()

	running := h.insert(t, types.JobSpec{OwnerID: "alice"}, time.Hour)
	_, err := h.store.ConditionalUpdate(ctx, running.ID, types.StatusQueued, func(j *types.Job) error {
		return j.Claim(h.now())
	})
	require.NoError(t, err)

	waiting := h.insert(t, types.JobSpec{OwnerID: "alice", Priority: types.PriorityUrgent}, time.Minute)
	bob := h.insert(t, types.JobSpec{OwnerID: "bob"}, 0)

	n, err := h.d.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	h.drain(t)

	assert.Equal(t, types.StatusQueued, h.get(t, waiting.ID).Status)
	assert.Equal(t, types.StatusCompleted, h.get(t, bob.ID).Status)
}

func TestTickSkipsUnderCriticalLoad(t *testing.T) {
	a := newScripted("a", 1, nil)
	h := newHarness(t, harnessOpts{
		providers: []provider.Provider{a},
		sampler:   func() float64 { return 0.99 },
	})
	job := h.insert(t, types.JobSpec{}, 0)

	n, err := h.d.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, types.StatusQueued, h.get(t, job.ID).Status)
}

func TestTickSkipsWhenLockHeldElsewhere(t *testing.T) {
	a := newScripted("a", 1, nil)
	backend := lock.NewMemoryBackend()
	h := newHarness(t, harnessOpts{providers: []provider.Provider{a}, backend: backend})
	job := h.insert(t, types.JobSpec{}, 0)

	ok, err := backend.Client("node-2").TryAcquire(context.Background(), lock.DispatchKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := h.d.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, types.StatusQueued, h.get(t, job.ID).Status)
}

func TestTickReservesSlotBeforeClaiming(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	a := newScripted("a", 1, func(ctx context.Context, _ types.GenerationRequest) (map[string]interface{}, error) {
		started <- struct{}{}
		<-release
		return map[string]interface{}{}, nil
	})
	h := newHarness(t, harnessOpts{providers: []provider.Provider{a}, poolSize: 1})

	first := h.insert(t, types.JobSpec{}, time.Minute)
	second := h.insert(t, types.JobSpec{}, 0)

	n, err := h.d.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	<-started

	assert.Equal(t, types.StatusProcessing, h.get(t, first.ID).Status)
	assert.Equal(t, types.StatusQueued, h.get(t, second.ID).Status, "no slot, so the job is never claimed")

	close(release)
	h.drain(t)
	assert.Equal(t, types.StatusCompleted, h.get(t, first.ID).Status)
}

// ============================================================================
// 協作式取消
// ============================================================================

func TestCancelledJobResultIsDiscarded(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	a := newScripted("a", 1, func(context.Context, types.GenerationRequest) (map[string]interface{}, error) {
		started <- struct{}{}
		<-release
		return map[string]interface{}{"text": "late"}, nil
	})
	h := newHarness(t, harnessOpts{providers: []provider.Provider{a}})
	job := h.insert(t, types.JobSpec{}, 0)
	ctx := context.Background()

	_, err := h.d.Tick(ctx)
	require.NoError(t, err)
	<-started

	holder, held := h.backend.Holder(lock.JobKey(string(job.ID)))
	assert.True(t, held)
	assert.Equal(t, "node-1", holder)

	_, err = h.store.ConditionalUpdate(ctx, job.ID, types.StatusProcessing, func(j *types.Job) error {
		return j.Cancel(h.now())
	})
	require.NoError(t, err)

	close(release)
	h.drain(t)

	got := h.get(t, job.ID)
	assert.Equal(t, types.StatusCancelled, got.Status)
	assert.Nil(t, got.Result)
	_, held = h.backend.Holder(lock.JobKey(string(job.ID)))
	assert.False(t, held)
}

func TestCancellationStopsFailover(t *testing.T) {
	var h *harness
	var jobID types.JobID
	a := newScripted("a", 1, func(ctx context.Context, _ types.GenerationRequest) (map[string]interface{}, error) {
		_, err := h.store.ConditionalUpdate(ctx, jobID, types.StatusProcessing, func(j *types.Job) error {
			return j.Cancel(h.now())
		})
		if err != nil {
			return nil, err
		}
		return nil, errUpstream
	})
	b := newScripted("b", 2, nil)
	h = newHarness(t, harnessOpts{providers: []provider.Provider{a, b}})
	jobID = h.insert(t, types.JobSpec{}, 0).ID

	_, err := h.d.Tick(context.Background())
	require.NoError(t, err)
	h.drain(t)

	assert.Equal(t, types.StatusCancelled, h.get(t, jobID).Status)
	assert.Equal(t, 0, b.TotalCalls(), "guard stops the next provider attempt")
}

// ============================================================================
// 搶佔互斥
// ============================================================================

func TestClaimExclusivityAcrossDispatchers(t *testing.T) {
	for _, sharedLock := range []bool{true, false} {
		t.Run(fmt.Sprintf("shared_lock=%v", sharedLock), func(t *testing.T) {
			store := jobstore.NewMemoryStore()
			shared := lock.NewMemoryBackend()
			counter := newScripted("p", 1, func(context.Context, types.GenerationRequest) (map[string]interface{}, error) {
				time.Sleep(time.Millisecond)
				return map[string]interface{}{}, nil
			})

			const dispatchers = 4
			const jobs = 40
			var hs []*harness
			for i := 0; i < dispatchers; i++ {
				backend := shared
				if !sharedLock {
					backend = lock.NewMemoryBackend()
				}
				hs = append(hs, newHarness(t, harnessOpts{
					store:     store,
					backend:   backend,
					owner:     fmt.Sprintf("node-%d", i),
					poolSize:  5,
					providers: []provider.Provider{counter},
					realClock: true,
				}))
			}

			var ids []types.JobID
			for i := 0; i < jobs; i++ {
				ids = append(ids, hs[0].insert(t, types.JobSpec{}, 0).ID)
			}

			ctx := context.Background()
			deadline := time.Now().Add(5 * time.Second)
			var wg sync.WaitGroup
			for _, h := range hs {
				wg.Add(1)
				go func(h *harness) {
					defer wg.Done()
					for time.Now().Before(deadline) {
						n, err := store.Count(ctx, jobstore.Filter{Statuses: []types.JobStatus{types.StatusQueued}})
						if err != nil || n == 0 {
							return
						}
						_, _ = h.d.Tick(ctx)
					}
				}(h)
			}
			wg.Wait()
			for _, h := range hs {
				h.drain(t)
			}

			for _, id := range ids {
				assert.Equal(t, types.StatusCompleted, hs[0].get(t, id).Status)
				assert.Equal(t, 1, counter.Calls(id), "job %s executed more than once", id)
			}
			assert.Equal(t, jobs, counter.TotalCalls())
		})
	}
}

// ============================================================================
// 其他循環
// ============================================================================

func TestDispatchScheduledNotifiesOnce(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	at := h.now().Add(time.Minute)
	job := h.insert(t, types.JobSpec{ScheduledAt: &at}, 0)
	ctx := context.Background()

	n, err := h.d.DispatchScheduled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	h.clock.Advance(2 * time.Minute)
	n, err = h.d.DispatchScheduled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	events := h.collected()
	require.Len(t, events, 1)
	assert.Equal(t, job.ID, events[0].JobID)
	assert.Equal(t, types.StatusQueued, events[0].Status)
	assert.Equal(t, "starting", events[0].Payload["event"])

	n, err = h.d.DispatchScheduled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestScheduledJobNotClaimedEarly(t *testing.T) {
	a := newScripted("a", 1, nil)
	h := newHarness(t, harnessOpts{providers: []provider.Provider{a}})
	at := h.now().Add(time.Hour)
	job := h.insert(t, types.JobSpec{ScheduledAt: &at}, 0)

	n, err := h.d.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, types.StatusQueued, h.get(t, job.ID).Status)
}

func TestSweepExpired(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	old := h.insert(t, types.JobSpec{Expiration: time.Hour}, 3*time.Hour)
	fresh := h.insert(t, types.JobSpec{}, 0)

	n, err := h.d.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, types.StatusExpired, h.get(t, old.ID).Status)
	assert.Equal(t, types.StatusQueued, h.get(t, fresh.ID).Status)
}

func TestBatchProgressPublishedOnTerminalOutcome(t *testing.T) {
	a := newScripted("a", 1, nil)
	h := newHarness(t, harnessOpts{providers: []provider.Provider{a}})
	h.insert(t, types.JobSpec{BatchID: "batch-7", BatchPosition: 0}, time.Second)
	h.insert(t, types.JobSpec{BatchID: "batch-7", BatchPosition: 1}, 0)

	_, err := h.d.Tick(context.Background())
	require.NoError(t, err)
	h.drain(t)

	// 兩個任務並行完成，推送順序不固定，只要求最後有一筆完成的進度
	var done *types.BatchProgress
	published := 0
	for _, ev := range h.collected() {
		if ev.Kind == notify.KindBatchProgress {
			published++
			if ev.Progress.Done {
				done = ev.Progress
			}
		}
	}
	assert.Equal(t, 2, published)
	require.NotNil(t, done)
	assert.Equal(t, "batch-7", done.BatchID)
	assert.Equal(t, 2, done.Total)
	assert.Equal(t, 2, done.Completed)
}

// ============================================================================
// Start / Stop
// ============================================================================

func TestStartProcessesQueueUntilStopped(t *testing.T) {
	a := newScripted("a", 1, nil)
	h := newHarness(t, harnessOpts{
		providers: []provider.Provider{a},
		realClock: true,
		cfg: Config{
			TickInterval:      10 * time.Millisecond,
			RetryInterval:     10 * time.Millisecond,
			ScheduledInterval: 10 * time.Millisecond,
			ExpiryInterval:    10 * time.Millisecond,
		},
	})
	for i := 0; i < 10; i++ {
		h.insert(t, types.JobSpec{}, 0)
	}

	require.NoError(t, h.d.Start())
	assert.ErrorIs(t, h.d.Start(), ErrAlreadyStarted)

	require.Eventually(t, func() bool {
		n, err := h.store.Count(context.Background(), jobstore.Filter{Statuses: []types.JobStatus{types.StatusCompleted}})
		return err == nil && n == 10
	}, 5*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.d.Stop(ctx))
	require.NoError(t, h.d.Stop(ctx), "stop is idempotent")
	assert.False(t, h.pool.IsStarted())
}

// healthGated 健康探測失敗後標記為不可用
type healthGated struct {
	*scripted
	healthy   atomic.Bool
	available atomic.Bool
	checks    atomic.Int32
}

func (p *healthGated) IsAvailable() bool { return p.available.Load() }

func (p *healthGated) CheckHealth(context.Context) error {
	p.checks.Add(1)
	ok := p.healthy.Load()
	p.available.Store(ok)
	if !ok {
		return fmt.Errorf("provider %s unhealthy", p.name)
	}
	return nil
}

func TestHealthLoopRemovesDownProvider(t *testing.T) {
	// down 較便宜，健康時會排第一
	down := &healthGated{scripted: newScripted("down", 0.1, nil)}
	down.available.Store(true)
	backup := newScripted("backup", 1, nil)
	h := newHarness(t, harnessOpts{
		providers: []provider.Provider{down, backup},
		realClock: true,
		health:    true,
		cfg: Config{
			TickInterval:   10 * time.Millisecond,
			HealthInterval: 5 * time.Millisecond,
		},
	})

	require.NoError(t, h.d.Start())
	require.Eventually(t, func() bool {
		return down.checks.Load() > 0 && !down.IsAvailable()
	}, 2*time.Second, 5*time.Millisecond)

	for i := 0; i < 3; i++ {
		h.insert(t, types.JobSpec{}, 0)
	}
	require.Eventually(t, func() bool {
		n, err := h.store.Count(context.Background(), jobstore.Filter{Statuses: []types.JobStatus{types.StatusCompleted}})
		return err == nil && n == 3
	}, 5*time.Second, 20*time.Millisecond)

	assert.Zero(t, down.TotalCalls(), "unhealthy provider is never ranked")
	assert.Equal(t, 3, backup.TotalCalls())
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)
}
