package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/storops/internal/jobhelper"
	"github.com/loykin/storops/internal/metrics"
	"github.com/loykin/storops/pkg/unity"
)

// Helper is the part of *jobhelper.JobHelper the router needs.
type Helper interface {
	Started() bool
	Err() error
	Interval() time.Duration
	Jobs() []*unity.Job
	GetJob(job *unity.Job) *unity.Job
	WaitJob(ctx context.Context, job *unity.Job, timeout, interval time.Duration) (*unity.Job, error)
	EnsureStarted() *jobhelper.JobHelper
}

// Router provides embeddable HTTP handlers over a job helper.
// Endpoints:
//
//	GET  {basePath}/health
//	GET  {basePath}/status
//	GET  {basePath}/jobs
//	GET  {basePath}/jobs/:id
//	POST {basePath}/jobs/:id/wait   query: timeout=30s&interval=3s (both optional)
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	helper   Helper
	basePath string
	self     *metrics.SelfCollector
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/abc" results in /abc/health, /abc/jobs, ...
func NewRouter(helper Helper, basePath string) *Router {
	bp := sanitizeBase(basePath)
	return &Router{helper: helper, basePath: bp}
}

// WithSelfMetrics adds the process sample to the status endpoint.
func (r *Router) WithSelfMetrics(c *metrics.SelfCollector) *Router {
	r.self = c
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/health", r.handleHealth)
	group.GET("/status", r.handleStatus)
	group.GET("/jobs", r.handleJobs)
	group.GET("/jobs/:id", r.handleJob)
	group.POST("/jobs/:id/wait", r.handleWait)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// There is no write timeout: a wait request holds its connection until
// the job settles or its own timeout passes.
func NewServer(addr, basePath string, helper Helper) (*http.Server, error) {
	r := NewRouter(helper, basePath)
	return serve(addr, r.Handler(), nil), nil
}

func serve(addr string, h http.Handler, tc *tls.Config) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           h,
		TLSConfig:         tc,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if tc != nil {
			// certificates come from tc.GetCertificate
			_ = server.ListenAndServeTLS("", "")
			return
		}
		_ = server.ListenAndServe()
	}()
	return server
}

// NewServerWithRouter is NewServer for a router that carries options.
func NewServerWithRouter(addr string, r *Router) *http.Server {
	return serve(addr, r.Handler(), nil)
}

// NewTLSServerWithRouter serves r over HTTPS using tc.
func NewTLSServerWithRouter(addr string, r *Router, tc *tls.Config) *http.Server {
	return serve(addr, r.Handler(), tc)
}

// --- Handlers ---

type errorResp struct {
	Error string     `json:"error"`
	Job   *unity.Job `json:"job,omitempty"`
}

type healthResp struct {
	Started bool   `json:"started"`
	Error   string `json:"error,omitempty"`
}

type statusResp struct {
	Started      bool                `json:"started"`
	Error        string              `json:"error,omitempty"`
	Tracked      int                 `json:"tracked"`
	PollInterval string              `json:"poll_interval"`
	Self         *metrics.SelfSample `json:"self,omitempty"`
}

func (r *Router) handleHealth(c *gin.Context) {
	if r.helper.Started() {
		writeJSON(c, http.StatusOK, healthResp{Started: true})
		return
	}
	resp := healthResp{Error: "job poller is not running"}
	if err := r.helper.Err(); err != nil {
		resp.Error = err.Error()
	}
	writeJSON(c, http.StatusServiceUnavailable, resp)
}

func (r *Router) handleStatus(c *gin.Context) {
	st := statusResp{
		Started:      r.helper.Started(),
		Tracked:      len(r.helper.Jobs()),
		PollInterval: r.helper.Interval().String(),
	}
	if err := r.helper.Err(); err != nil {
		st.Error = err.Error()
	}
	if r.self != nil {
		if s, err := r.self.Sample(); err == nil {
			st.Self = &s
		}
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleJobs(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.helper.Jobs())
}

func (r *Router) handleJob(c *gin.Context) {
	id := c.Param("id")
	if !isSafeID(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid job id"})
		return
	}
	job := r.helper.GetJob(unity.NewJob(id))
	if job == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "job " + id + " is not tracked"})
		return
	}
	writeJSON(c, http.StatusOK, job)
}

func (r *Router) handleWait(c *gin.Context) {
	id := c.Param("id")
	if !isSafeID(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid job id"})
		return
	}
	timeout, err := parseDuration(c.Query("timeout"))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid timeout: " + err.Error()})
		return
	}
	interval, err := parseDuration(c.Query("interval"))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid interval: " + err.Error()})
		return
	}

	// a poller that died on a transient array error is restarted here
	r.helper.EnsureStarted()

	job := r.helper.GetJob(unity.NewJob(id))
	if job == nil {
		job = unity.NewJob(id)
	}
	got, err := r.helper.WaitJob(c.Request.Context(), job, timeout, interval)
	if err == nil {
		writeJSON(c, http.StatusOK, got)
		return
	}

	var stateErr *jobhelper.JobStateError
	var timeoutErr *jobhelper.JobTimeoutError
	switch {
	case errors.As(err, &stateErr):
		writeJSON(c, http.StatusConflict, errorResp{Error: err.Error(), Job: stateErr.Job})
	case errors.As(err, &timeoutErr):
		writeJSON(c, http.StatusGatewayTimeout, errorResp{Error: err.Error(), Job: timeoutErr.Last})
	case errors.Is(err, jobhelper.ErrPollerStopped):
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeJSON(c, http.StatusRequestTimeout, errorResp{Error: err.Error()})
	default:
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
	}
}
