package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/storops/internal/jobhelper"
	"github.com/loykin/storops/internal/metrics"
	"github.com/loykin/storops/pkg/unity"
)

// arrayJobs answers batched job queries from a state table.
type arrayJobs struct {
	mu     sync.Mutex
	states map[string]unity.JobState
	err    error
}

func (a *arrayJobs) ListJobs(_ context.Context, ids []string) ([]*unity.Job, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	var out []*unity.Job
	for _, id := range ids {
		if s, ok := a.states[id]; ok {
			out = append(out, &unity.Job{ID: id, State: s, Description: "job.applicationprovisioning.job.DeleteStorageResource"})
		}
	}
	return out, nil
}

func (a *arrayJobs) set(id string, s unity.JobState) {
	a.mu.Lock()
	a.states[id] = s
	a.mu.Unlock()
}

func newHelper(t *testing.T, start bool) (*jobhelper.JobHelper, *arrayJobs) {
	t.Helper()
	a := &arrayJobs{states: map[string]unity.JobState{}}
	h := jobhelper.New(a,
		jobhelper.WithInterval(10*time.Millisecond),
		jobhelper.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if start {
		h.Start()
	}
	t.Cleanup(h.Stop)
	return h, a
}

func setupRouter(t *testing.T, base string, h Helper) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewRouter(h, base).Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	helper, _ := newHelper(t, false)
	h := setupRouter(t, "/api/", helper) // ensure base sanitization works

	rec := doReq(t, h, http.MethodGet, "/api/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotEmpty(t, decode[healthResp](t, rec).Error)

	helper.Start()
	rec = doReq(t, h, http.MethodGet, "/api/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"started":true}`, rec.Body.String())
}

func TestHealthReportsPollerError(t *testing.T) {
	helper, a := newHelper(t, true)
	a.mu.Lock()
	a.err = errors.New("array unreachable")
	a.mu.Unlock()
	helper.AddJob(unity.NewJob("N-1"))
	require.Eventually(t, func() bool { return !helper.Started() }, time.Second, 5*time.Millisecond)

	rec := doReq(t, setupRouter(t, "", helper), http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, decode[healthResp](t, rec).Error, "array unreachable")
}

func TestJobsAndJob(t *testing.T) {
	helper, _ := newHelper(t, false)
	helper.AddJob(unity.NewJob("N-3074"))
	helper.AddJob(unity.NewJob("N-3075"))
	h := setupRouter(t, "", helper)

	rec := doReq(t, h, http.MethodGet, "/jobs")
	require.Equal(t, http.StatusOK, rec.Code)
	jobs := decode[[]unity.Job](t, rec)
	require.Len(t, jobs, 2)
	assert.Equal(t, "N-3074", jobs[0].ID)
	assert.Equal(t, "N-3075", jobs[1].ID)

	rec = doReq(t, h, http.MethodGet, "/jobs/N-3075")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "N-3075", decode[unity.Job](t, rec).ID)

	rec = doReq(t, h, http.MethodGet, "/jobs/N-9")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doReq(t, h, http.MethodGet, "/jobs/bad..id")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWaitCompleted(t *testing.T) {
	helper, a := newHelper(t, true)
	a.set("N-3078", unity.JobStateCompleted)
	h := setupRouter(t, "/storops", helper)

	rec := doReq(t, h, http.MethodPost, "/storops/jobs/N-3078/wait?timeout=5s&interval=10ms")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	j := decode[unity.Job](t, rec)
	assert.Equal(t, unity.JobStateCompleted, j.State)
	assert.Empty(t, helper.Jobs(), "wait must untrack the job")
}

func TestWaitFailedJobConflict(t *testing.T) {
	helper, a := newHelper(t, true)
	a.set("N-3079", unity.JobStateFailed)

	rec := doReq(t, setupRouter(t, "", helper), http.MethodPost, "/jobs/N-3079/wait?timeout=5s&interval=10ms")
	require.Equal(t, http.StatusConflict, rec.Code)
	resp := decode[errorResp](t, rec)
	require.NotNil(t, resp.Job)
	assert.Equal(t, unity.JobStateFailed, resp.Job.State)
	assert.NotEmpty(t, resp.Error)
}

func TestWaitTimeout(t *testing.T) {
	helper, a := newHelper(t, true)
	a.set("N-3080", unity.JobStateRunning)

	rec := doReq(t, setupRouter(t, "", helper), http.MethodPost, "/jobs/N-3080/wait?timeout=50ms&interval=10ms")
	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
	resp := decode[errorResp](t, rec)
	require.NotNil(t, resp.Job)
	assert.Equal(t, unity.JobStateRunning, resp.Job.State)
}

func TestWaitPollerStopped(t *testing.T) {
	helper, a := newHelper(t, false)
	a.mu.Lock()
	a.err = errors.New("array unreachable")
	a.mu.Unlock()

	rec := doReq(t, setupRouter(t, "", helper), http.MethodPost, "/jobs/N-1/wait?timeout=5s&interval=10ms")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, decode[errorResp](t, rec).Error, "array unreachable")
	assert.Empty(t, helper.Jobs())
}

func TestWaitRestartsDeadPoller(t *testing.T) {
	helper, a := newHelper(t, true)
	a.mu.Lock()
	a.err = errors.New("transient 503")
	a.mu.Unlock()
	helper.AddJob(unity.NewJob("N-1"))
	require.Eventually(t, func() bool { return !helper.Started() }, time.Second, 5*time.Millisecond)
	helper.RemoveJob(unity.NewJob("N-1"))

	// the array recovers; the next wait revives the poller
	a.mu.Lock()
	a.err = nil
	a.mu.Unlock()
	a.set("N-3078", unity.JobStateCompleted)
	h := setupRouter(t, "", helper)

	for i := 0; i < 2; i++ {
		rec := doReq(t, h, http.MethodPost, "/jobs/N-3078/wait?timeout=5s&interval=10ms")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, unity.JobStateCompleted, decode[unity.Job](t, rec).State)
	}
	assert.True(t, helper.Started())
	assert.NoError(t, helper.Err())
}

func TestWaitBadParams(t *testing.T) {
	helper, _ := newHelper(t, true)
	h := setupRouter(t, "", helper)
	for _, path := range []string{
		"/jobs/N-1/wait?timeout=soon",
		"/jobs/N-1/wait?interval=-1s",
		"/jobs/a..b/wait",
	} {
		rec := doReq(t, h, http.MethodPost, path)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
	assert.Empty(t, helper.Jobs())
}

func TestStatus(t *testing.T) {
	helper, _ := newHelper(t, true)
	helper.AddJob(unity.NewJob("N-1"))
	self, err := metrics.NewSelfCollector()
	require.NoError(t, err)

	gin.SetMode(gin.TestMode)
	h := NewRouter(helper, "").WithSelfMetrics(self).Handler()
	rec := doReq(t, h, http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	st := decode[statusResp](t, rec)
	assert.True(t, st.Started)
	assert.Equal(t, 1, st.Tracked)
	assert.Equal(t, "10ms", st.PollInterval)
	require.NotNil(t, st.Self)
	assert.Positive(t, st.Self.PID)
}

func TestNewServerStartClose(t *testing.T) {
	// ensure NewServer returns a server and can be closed quickly
	helper, _ := newHelper(t, false)
	srv, err := NewServer("127.0.0.1:0", "/x", helper)
	require.NoError(t, err)
	_ = srv.Close()

	srv = NewServerWithRouter("127.0.0.1:0", NewRouter(helper, "/y"))
	_ = srv.Close()
}
