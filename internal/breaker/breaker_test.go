package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock 可手動推進的時鐘
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
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingObserver struct {
	opened []string
	closed []string
}

func (o *recordingObserver) BreakerOpened(p string) { o.opened = append(o.opened, p) }
func (o *recordingObserver) BreakerClosed(p string) { o.closed = append(o.closed, p) }

func newTestBreaker() (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New(Config{}, nil).WithClock(clock.Now)
	return b, clock
}

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker()

	for i := 0; i < DefaultThreshold-1; i++ {
		b.RecordFailure("openai")
		assert.False(t, b.IsOpen("openai"), "should stay closed after %d failures", i+1)
	}

	b.RecordFailure("openai")
	assert.True(t, b.IsOpen("openai"))
	assert.False(t, b.IsOpen("other"), "breakers are per provider")
}

func TestBreakerCooldownResets(t *testing.T) {
	b, clock := newTestBreaker()
	for i := 0; i < DefaultThreshold; i++ {
		b.RecordFailure("p")
	}
	require.True(t, b.IsOpen("p"))

	clock.Advance(DefaultCooldown - time.Millisecond)
	assert.True(t, b.IsOpen("p"))

	clock.Advance(time.Millisecond)
	assert.False(t, b.IsOpen("p"))
	assert.Equal(t, 0, b.Failures("p"), "lazy reset clears the counter")

	// 重新關閉後需要再累積門檻次數才會打開
	for i := 0; i < DefaultThreshold-1; i++ {
		b.RecordFailure("p")
	}
	assert.False(t, b.IsOpen("p"))
	b.RecordFailure("p")
	assert.True(t, b.IsOpen("p"))
}

func TestBreakerSuccessResets(t *testing.T) {
	b, _ := newTestBreaker()
	obs := &recordingObserver{}
	b.SetObserver(obs)

	for i := 0; i < DefaultThreshold; i++ {
		b.RecordFailure("p")
	}
	require.True(t, b.IsOpen("p"))

	b.RecordSuccess("p")
	assert.False(t, b.IsOpen("p"))
	assert.Equal(t, 0, b.Failures("p"))
	assert.Equal(t, []string{"p"}, obs.opened)
	assert.Equal(t, []string{"p"}, obs.closed)

	// 未打開時的成功同樣歸零
	b.RecordFailure("p")
	b.RecordFailure("p")
	b.RecordSuccess("p")
	assert.Equal(t, 0, b.Failures("p"))
}

func TestBreakerSnapshot(t *testing.T) {
	b, _ := newTestBreaker()
	b.RecordFailure("b")
	b.RecordFailure("a")

	snap := b.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].Provider)
	assert.Equal(t, 1, snap[1].Failures)
}

func TestBreakerConcurrentAccess(t *testing.T) {
	b := New(Config{Threshold: 1000}, nil)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.RecordFailure("p")
				_ = b.IsOpen("p")
			}
		}()
	}
	wg.Wait()
	assert.True(t, b.IsOpen("p"))
	assert.Equal(t, 1000, b.Failures("p"))
}
