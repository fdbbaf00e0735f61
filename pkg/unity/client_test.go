package unity

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeArray is a minimal Unity REST endpoint.
type fakeArray struct {
	t        *testing.T
	mu       sync.Mutex
	token    string
	requests []*http.Request
	bodies   []string
	handler  func(w http.ResponseWriter, r *http.Request)
}

func newFakeArray(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*fakeArray, *Client) {
	t.Helper()
	fa := &fakeArray{t: t, token: "csrf-1", handler: handler}
	srv := httptest.NewServer(fa)
	t.Cleanup(srv.Close)

	c, err := New(Config{
		Host:     srv.URL,
		Username: "admin",
		Password: "Password123!",
		Retries:  1,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return fa, c
}

func (fa *fakeArray) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	fa.mu.Lock()
	fa.requests = append(fa.requests, r)
	fa.bodies = append(fa.bodies, string(b))
	token := fa.token
	fa.mu.Unlock()

	user, pass, ok := r.BasicAuth()
	if !ok || user != "admin" || pass != "Password123!" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if r.Header.Get("X-EMC-REST-CLIENT") != "true" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if r.URL.Path == "/api/types/loginSessionInfo/instances" {
		w.Header().Set("EMC-CSRF-TOKEN", token)
		writeJSON(w, http.StatusOK, `{"entryCount":1,"entries":[{"content":{"id":"admin"}}]}`)
		return
	}
	if r.Method != http.MethodGet && r.Header.Get("EMC-CSRF-TOKEN") != token {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	fa.handler(w, r)
}

func (fa *fakeArray) setToken(tok string) {
	fa.mu.Lock()
	fa.token = tok
	fa.mu.Unlock()
}

func (fa *fakeArray) paths() []string {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	out := make([]string, len(fa.requests))
	for i, r := range fa.requests {
		out[i] = r.Method + " " + r.URL.Path
	}
	return out
}

func (fa *fakeArray) lastBody() string {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	if len(fa.bodies) == 0 {
		return ""
	}
	return fa.bodies[len(fa.bodies)-1]
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func TestBaseURL(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{"10.244.223.61", "https://10.244.223.61/api"},
		{"https://10.244.223.61:8443/", "https://10.244.223.61:8443/api"},
		{"http://unity.lab", "http://unity.lab/api"},
	}
	for _, tt := range tests {
		got, err := baseURL(tt.host)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := baseURL("  ")
	assert.Error(t, err)
	_, err = New(Config{})
	assert.Error(t, err)
}

func TestListJobsBuildsSingleFilteredQuery(t *testing.T) {
	fa, c := newFakeArray(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/types/job/instances", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "true", q.Get("compact"))
		assert.Contains(t, q.Get("fields"), "state")
		assert.Equal(t, `id in ("N-3074","N-3075","N-3076")`, q.Get("filter"))
		writeJSON(w, http.StatusOK, `{"entryCount":3,"entries":[
			{"content":{"id":"N-3074","state":4}},
			{"content":{"id":"N-3075","state":4}},
			{"content":{"id":"N-3076","state":4,"progressPct":100}}]}`)
	})

	jobs, err := c.ListJobs(context.Background(), []string{"N-3074", "N-3075", "N-3076"})
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	for _, j := range jobs {
		assert.Equal(t, JobStateCompleted, j.State)
	}
	assert.Equal(t, 100, jobs[2].ProgressPct)
	assert.Equal(t, []string{"GET /api/types/job/instances"}, fa.paths())
}

func TestListJobsEmptyIDsMakesNoRequest(t *testing.T) {
	fa, c := newFakeArray(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("unexpected request %s", r.URL)
	})
	jobs, err := c.ListJobs(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, jobs)
	assert.Empty(t, fa.paths())
}

func TestGetJobDecodesSnapshot(t *testing.T) {
	_, c := newFakeArray(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/instances/job/N-345", r.URL.Path)
		writeJSON(w, http.StatusOK, `{"content":{
			"id":"N-345","state":5,"description":"job.applicationprovisioning.job.DeleteStorageResource",
			"progressPct":40,"submitTime":"2016-11-07T09:27:21.836Z","estRemainTime":"00:00:05.000",
			"tasks":[{"state":3,"name":"job.applicationprovisioning.task.DeleteStorageResource"}],
			"messageOut":{"errorCode":108007744,"messages":[{"localizedMessage":"The filesystem is in use."}]}}}`)
	})

	j, err := c.GetJob(context.Background(), "N-345")
	require.NoError(t, err)
	assert.Equal(t, "N-345", j.ID)
	assert.Equal(t, JobStateFailed, j.State)
	assert.Equal(t, 40, j.ProgressPct)
	require.NotNil(t, j.SubmitTime)
	assert.Equal(t, 2016, j.SubmitTime.Year())
	require.Len(t, j.Tasks, 1)
	assert.Equal(t, JobTaskStateFailed, j.Tasks[0].State)
	assert.Equal(t, "The filesystem is in use.", j.ErrorMessage())

	_, err = c.GetJob(context.Background(), "")
	assert.Error(t, err)
}

func TestAPIErrorDecoding(t *testing.T) {
	_, c := newFakeArray(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, `{"error":{"errorCode":131149829,"httpStatusCode":404,
			"messages":[{"en-US":"The requested resource does not exist. (Error Code:0x7d13005)"}]}}`)
	})

	_, err := c.GetJob(context.Background(), "N-404")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 131149829, apiErr.ErrorCode)
	assert.Equal(t, []string{"The requested resource does not exist. (Error Code:0x7d13005)"}, apiErr.Messages)
	assert.Contains(t, apiErr.Error(), "HTTP 404")
}

func TestNewAPIErrorPlainBody(t *testing.T) {
	e := newAPIError(http.StatusBadGateway, []byte("upstream broke\n"))
	assert.Equal(t, []string{"upstream broke"}, e.Messages)
	assert.False(t, IsNotFound(e))
	assert.Equal(t, "unity API error: HTTP 500", newAPIError(500, nil).Error())
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	_, c := newFakeArray(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, `{"content":{"id":"N-1","state":2}}`)
	})
	c.http.RetryWaitMin = time.Millisecond
	c.http.RetryWaitMax = time.Millisecond

	j, err := c.GetJob(context.Background(), "N-1")
	require.NoError(t, err)
	assert.Equal(t, JobStateRunning, j.State)
	assert.Equal(t, int32(2), calls.Load())
}

func TestMutatingRequestFetchesCSRFToken(t *testing.T) {
	fa, c := newFakeArray(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	_, err := c.DeleteSnap(context.Background(), "38654705680", false)
	require.NoError(t, err)
	_, err = c.DeleteSnap(context.Background(), "38654705681", false)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"GET /api/types/loginSessionInfo/instances",
		"DELETE /api/instances/snap/38654705680",
		"DELETE /api/instances/snap/38654705681",
	}, fa.paths())
}

func TestExpiredCSRFTokenIsRefreshed(t *testing.T) {
	fa, c := newFakeArray(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	_, err := c.DeleteSnap(context.Background(), "1", false)
	require.NoError(t, err)

	fa.setToken("csrf-2")
	_, err = c.DeleteSnap(context.Background(), "2", false)
	require.NoError(t, err)
	assert.Equal(t, "csrf-2", c.token())

	paths := fa.paths()
	assert.Equal(t, []string{
		"GET /api/types/loginSessionInfo/instances",
		"DELETE /api/instances/snap/1",
		"DELETE /api/instances/snap/2",
		"GET /api/types/loginSessionInfo/instances",
		"DELETE /api/instances/snap/2",
	}, paths)
}

func TestRateLimitPacesRequests(t *testing.T) {
	fa := &fakeArray{t: t, token: "x", handler: func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"content":{"id":"N-1","state":4}}`)
	}}
	srv := httptest.NewServer(fa)
	defer srv.Close()

	c, err := New(Config{Host: srv.URL, Username: "admin", Password: "Password123!", RateLimit: 20, RateBurst: 1})
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := c.GetJob(context.Background(), "N-1")
		require.NoError(t, err)
	}
	// burst of one then 50ms per request
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestDecodeJob(t *testing.T) {
	j, err := decodeJob([]byte(`{"content":{"id":"N-1","state":2}}`))
	require.NoError(t, err)
	assert.Equal(t, "N-1", j.ID)

	j, err = decodeJob([]byte(`{"id":"N-2","state":4}`))
	require.NoError(t, err)
	assert.Equal(t, JobStateCompleted, j.State)

	_, err = decodeJob([]byte(`{"content":{}}`))
	assert.Error(t, err)
	_, err = decodeJob([]byte(`not json`))
	assert.Error(t, err)
}

func TestIDFilter(t *testing.T) {
	assert.Equal(t, `id in ("N-1")`, idFilter([]string{"N-1"}))
	assert.Equal(t, `id in ("a\"b","c")`, idFilter([]string{`a"b`, "c"}))
}

func TestJobJSONRoundTripKeepsWireNames(t *testing.T) {
	b, err := json.Marshal(&Job{ID: "N-1", State: JobStateRunning, ProgressPct: 10})
	require.NoError(t, err)
	s := string(b)
	assert.True(t, strings.Contains(s, `"progressPct":10`), s)
	assert.True(t, strings.Contains(s, `"state":2`), s)
}
