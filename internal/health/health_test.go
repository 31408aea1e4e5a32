package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthyProbe(_ context.Context) Status { return Status{Healthy: true} }

func TestRegistry_EmptyIsHealthy(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestRegistry_KeepsRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(_ context.Context) Status {
		time.Sleep(20 * time.Millisecond)
		return Status{Name: "database", Healthy: true}
	})
	r.Register("redis", healthyProbe)
	r.Register("scorer", healthyProbe)

	healthy, statuses := r.CheckAll(context.Background())
	require.True(t, healthy)
	require.Len(t, statuses, 3)
	assert.Equal(t, "database", statuses[0].Name)
	assert.Equal(t, "redis", statuses[1].Name, "unnamed status takes the registered name")
	assert.Equal(t, "scorer", statuses[2].Name)
	assert.GreaterOrEqual(t, statuses[0].LatencyMS, int64(20))
}

func TestRegistry_OneFailingProbeMakesItUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("scorer", healthyProbe)
	r.Register("redis", func(_ context.Context) Status {
		return Status{Name: "redis", Detail: "connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	require.Len(t, statuses, 2)
	assert.Equal(t, "connection refused", statuses[1].Detail)
}

func TestRegistry_ProbesRunConcurrently(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"a", "b", "c", "d"} {
		r.Register(name, func(_ context.Context) Status {
			time.Sleep(50 * time.Millisecond)
			return Status{Healthy: true}
		})
	}

	start := time.Now()
	healthy, _ := r.CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Less(t, time.Since(start), 180*time.Millisecond)
}

func TestRegistry_ReRegisterReplacesProbe(t *testing.T) {
	r := NewRegistry()
	r.Register("redis", func(_ context.Context) Status { return Status{Detail: "old"} })
	r.Register("scorer", healthyProbe)
	r.Register("redis", healthyProbe)

	assert.Equal(t, []string{"redis", "scorer"}, r.Names())
	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses[0].Detail)
}

func TestRegistry_ConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("scorer", healthyProbe)
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()
	assert.Equal(t, []string{"scorer"}, r.Names())
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("ping without deadline")
	}
	return p.err
}

func TestPingChecker(t *testing.T) {
	ok := PingChecker("redis", fakePinger{})(context.Background())
	assert.True(t, ok.Healthy)
	assert.Equal(t, "redis", ok.Name)

	bad := PingChecker("redis", fakePinger{err: errors.New("dial tcp: refused")})(context.Background())
	assert.False(t, bad.Healthy)
	assert.Equal(t, "dial tcp: refused", bad.Detail)
}

func TestScorerChecker(t *testing.T) {
	s := Scorer(func() (string, bool) { return "model", false })(context.Background())
	assert.True(t, s.Healthy)
	assert.Equal(t, "model", s.Detail)

	d := Scorer(func() (string, bool) { return "neutral", true })(context.Background())
	assert.True(t, d.Healthy, "degraded scorer must stay healthy")
	assert.Equal(t, "degraded: neutral", d.Detail)
}
