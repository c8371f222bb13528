package redis

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/gridpulse/internal/adapter/metrics"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func newTestMetricsHook() (*MetricsHook, *metrics.PresenceMetrics, *clockwork.FakeClock) {
	m := metrics.NewPresenceMetrics(prometheus.NewRegistry())
	clock := clockwork.NewFakeClock()
	return NewMetricsHook(m, clock), m, clock
}

func TestMetricsHook_Process(t *testing.T) {
	hook, m, clock := newTestMetricsHook()
	ctx := context.Background()

	process := hook.ProcessHook(func(context.Context, goredis.Cmder) error {
		clock.Advance(3 * time.Millisecond)
		return nil
	})
	_ = process(ctx, goredis.NewIntCmd(ctx, "sadd", PresenceOnlineKey, "u1"))

	failed := hook.ProcessHook(failing("boom"))
	_ = failed(ctx, goredis.NewIntCmd(ctx, "sadd", PresenceOnlineKey, "u2"))

	missing := hook.ProcessHook(func(context.Context, goredis.Cmder) error { return goredis.Nil })
	_ = missing(ctx, goredis.NewStringCmd(ctx, "get", "nope"))

	assert.InDelta(t, 1, testutil.ToFloat64(m.RedisOps.WithLabelValues("sadd", "success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.RedisOps.WithLabelValues("sadd", "error")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.RedisOps.WithLabelValues("get", "success")), 0, "redis.Nil is not an error")
	assert.Equal(t, 2, testutil.CollectAndCount(m.RedisOpDuration))
}

func TestMetricsHook_Pipeline(t *testing.T) {
	hook, m, _ := newTestMetricsHook()
	ctx := context.Background()

	pipeline := hook.ProcessPipelineHook(func(context.Context, []goredis.Cmder) error {
		return errors.New("exec aborted")
	})
	_ = pipeline(ctx, []goredis.Cmder{goredis.NewIntCmd(ctx, "srem", PresenceOnlineKey, "u1")})

	assert.InDelta(t, 1, testutil.ToFloat64(m.RedisOps.WithLabelValues("pipeline", "error")), 0)
}

func TestMetricsHook_DialErrors(t *testing.T) {
	hook, m, _ := newTestMetricsHook()

	dial := hook.DialHook(func(context.Context, string, string) (net.Conn, error) {
		return nil, errors.New("connection refused")
	})
	_, err := dial(context.Background(), "tcp", "localhost:6379")

	assert.Error(t, err)
	assert.InDelta(t, 1, testutil.ToFloat64(m.RedisConnectionErrors), 0)
}
