package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIdempotentAndHelpersWork(t *testing.T) {
	reg := prometheus.NewRegistry()
	regOK.Store(false)
	require.NoError(t, Register(reg))
	// idempotent: calling again should be no-op
	require.NoError(t, Register(reg))

	SetTracked(3)
	SetPollerUp(true)
	ObservePoll(PollOK, 0.02)
	ObservePoll(PollError, 0.5)
	ObserveWait(WaitCompleted, 4)
	ObserveWait(WaitTimeout, 3600)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	wantNames := map[string]bool{
		"storops_job_tracked":               false,
		"storops_job_poller_up":             false,
		"storops_job_polls_total":           false,
		"storops_job_poll_duration_seconds": false,
		"storops_job_waits_total":           false,
		"storops_job_wait_duration_seconds": false,
	}
	for _, mf := range mfs {
		if _, ok := wantNames[mf.GetName()]; ok {
			wantNames[mf.GetName()] = true
			assert.NotEmpty(t, mf.GetMetric(), "metric %s has no samples", mf.GetName())
		}
	}
	for n, ok := range wantNames {
		assert.True(t, ok, "expected to find metric %s", n)
	}

	assert.Equal(t, 3.0, testutil.ToFloat64(jobsTracked))
	assert.Equal(t, 1.0, testutil.ToFloat64(pollerUp))
	assert.Equal(t, 1.0, testutil.ToFloat64(polls.WithLabelValues(PollError)))
}

func TestHandlerServesMetrics(t *testing.T) {
	// Reset regOK gate to allow registration in this test regardless of previous tests.
	regOK.Store(false)
	require.NoError(t, Register(prometheus.DefaultRegisterer))

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	ObserveWait(WaitFailed, 1)

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b, _ := io.ReadAll(resp.Body)
	assert.True(t, strings.Contains(string(b), `storops_job_waits_total{outcome="failed"}`))
}

func TestConcurrentObservations(t *testing.T) {
	reg := prometheus.NewRegistry()
	regOK.Store(false)
	require.NoError(t, Register(reg))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			SetTracked(i)
			ObservePoll(PollOK, 0.01)
			ObserveWait(WaitCompleted, 1)
		}(i)
	}
	wg.Wait()
	_, err := reg.Gather()
	require.NoError(t, err)
}

func TestHelpersBeforeRegister(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	// no-ops, must not panic
	SetTracked(5)
	SetPollerUp(false)
	ObservePoll(PollOK, 1)
	ObserveWait(WaitAborted, 1)
}

func TestRegisterError(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	err := Register(&errorRegisterer{})
	require.Error(t, err)
	assert.Equal(t, "test registration error", err.Error())
	assert.False(t, regOK.Load())
}

func TestSelfCollector(t *testing.T) {
	c, err := NewSelfCollector()
	require.NoError(t, err)

	s, err := c.Sample()
	require.NoError(t, err)
	assert.Greater(t, s.PID, int32(0))
	assert.Greater(t, s.MemoryRSS, uint64(0))

	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterSelf(reg, c))
	require.NoError(t, RegisterSelf(reg, c))

	mfs, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	assert.True(t, names["storops_self_memory_rss_bytes"])
	assert.True(t, names["storops_self_cpu_percent"])
}

type errorRegisterer struct{}

func (e *errorRegisterer) Register(prometheus.Collector) error {
	return errors.New("test registration error")
}

func (e *errorRegisterer) MustRegister(...prometheus.Collector) {}

func (e *errorRegisterer) Unregister(prometheus.Collector) bool { return false }
