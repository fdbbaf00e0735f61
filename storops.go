package storops

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/storops/internal/config"
	"github.com/loykin/storops/internal/history"
	hfactory "github.com/loykin/storops/internal/history/factory"
	"github.com/loykin/storops/internal/jobhelper"
	"github.com/loykin/storops/internal/metrics"
	iapi "github.com/loykin/storops/internal/server"
	"github.com/loykin/storops/internal/store"
	sfactory "github.com/loykin/storops/internal/store/factory"
	"github.com/loykin/storops/pkg/unity"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Job = unity.Job

type JobState = unity.JobState

type JobStateError = jobhelper.JobStateError

type JobTimeoutError = jobhelper.JobTimeoutError

type PollerStoppedError = jobhelper.PollerStoppedError

type HistorySink = history.Sink

type Config = cfg.Config

type UnityConfig = unity.Config

type UnityClient = unity.Client

type JobHelper = jobhelper.JobHelper

type JobHelperOption = jobhelper.Option

type SGCache = store.Cache

type FilesystemDeleteOptions = unity.FilesystemDeleteOptions

type NasServerDeleteOptions = unity.NasServerDeleteOptions

type DeleteResult = unity.DeleteResult

const (
	JobStateUnknown            = unity.JobStateUnknown
	JobStateQueued             = unity.JobStateQueued
	JobStateRunning            = unity.JobStateRunning
	JobStateSuspended          = unity.JobStateSuspended
	JobStateCompleted          = unity.JobStateCompleted
	JobStateFailed             = unity.JobStateFailed
	JobStateRollingBack        = unity.JobStateRollingBack
	JobStateCompletedWithError = unity.JobStateCompletedWithError
)

var (
	ErrJobState      = jobhelper.ErrJobState
	ErrJobTimeout    = jobhelper.ErrJobTimeout
	ErrPollerStopped = jobhelper.ErrPollerStopped

	WithInterval = jobhelper.WithInterval
	WithLogger   = jobhelper.WithLogger
	WithHistory  = jobhelper.WithHistory
)

// NewJobHelper returns a stopped helper polling through l. Call Start.
func NewJobHelper(l jobhelper.Lister, opts ...JobHelperOption) *JobHelper {
	return jobhelper.New(l, opts...)
}

func ConnectUnity(c UnityConfig) (*UnityClient, error) { return unity.New(c) }

func NewHistorySink(dsn string) (HistorySink, error) { return hfactory.NewSinkFromDSN(dsn) }

func OpenSGCache(ctx context.Context, dsn string) (SGCache, error) { return sfactory.Open(ctx, dsn) }

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// NewHTTPServer starts an HTTP server exposing the job API for h.
func NewHTTPServer(addr, basePath string, h *JobHelper) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, h)
}

// Array pairs a Unity client with the job helper polling it, so async
// deletes can be waited on in one call.
type Array struct {
	client  *unity.Client
	helper  *jobhelper.JobHelper
	history history.Sink
	wait    cfg.JobsConfig
}

// NewArray wraps an existing client and helper. The helper is started on
// the first waited operation.
func NewArray(client *UnityClient, helper *JobHelper) *Array {
	return &Array{client: client, helper: helper}
}

// OpenArray builds the client, history sink and helper described by c.
func OpenArray(c *Config, log *slog.Logger) (*Array, error) {
	if log == nil {
		log = slog.Default()
	}
	cc, err := c.Unity.ClientConfig(log)
	if err != nil {
		return nil, err
	}
	client, err := unity.New(cc)
	if err != nil {
		return nil, err
	}
	opts := []jobhelper.Option{
		jobhelper.WithInterval(c.Jobs.PollInterval),
		jobhelper.WithLogger(log),
	}
	a := &Array{client: client, wait: c.Jobs}
	if c.History.Enabled {
		sink, err := hfactory.NewSinkFromDSN(c.History.DSN)
		if err != nil {
			return nil, fmt.Errorf("open history sink: %w", err)
		}
		a.history = sink
		opts = append(opts, jobhelper.WithHistory(sink))
	}
	a.helper = jobhelper.New(client, opts...)
	return a, nil
}

func (a *Array) Client() *UnityClient { return a.client }

func (a *Array) Helper() *JobHelper { return a.helper }

// Close stops the poller and releases the history sink.
func (a *Array) Close() error {
	a.helper.Stop()
	if c, ok := a.history.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// DeleteOptions control how a delete call treats the job it starts.
type DeleteOptions struct {
	Async    bool
	Wait     bool // wait for the job; implies Async
	Timeout  time.Duration
	Interval time.Duration
}

// WaitJob starts the poller if needed and waits for job with the array
// defaults filling zero durations.
func (a *Array) WaitJob(ctx context.Context, job *Job, timeout, interval time.Duration) (*Job, error) {
	if timeout <= 0 {
		timeout = a.wait.WaitTimeout
	}
	if interval <= 0 {
		interval = a.wait.WaitInterval
	}
	a.helper.EnsureStarted()
	return a.helper.WaitJob(ctx, job, timeout, interval)
}

func (a *Array) DeleteFilesystem(ctx context.Context, id string, fo FilesystemDeleteOptions, o DeleteOptions) (*DeleteResult, error) {
	return a.settle(ctx, o, func(async bool) (*DeleteResult, error) {
		return a.client.DeleteFilesystem(ctx, id, fo, async)
	})
}

func (a *Array) DeleteSnap(ctx context.Context, id string, o DeleteOptions) (*DeleteResult, error) {
	return a.settle(ctx, o, func(async bool) (*DeleteResult, error) {
		return a.client.DeleteSnap(ctx, id, async)
	})
}

func (a *Array) DeleteNasServer(ctx context.Context, id string, no NasServerDeleteOptions, o DeleteOptions) (*DeleteResult, error) {
	return a.settle(ctx, o, func(async bool) (*DeleteResult, error) {
		return a.client.DeleteNasServer(ctx, id, no, async)
	})
}

// settle runs del and, when asked to, waits for the job it returned. On a
// failed wait the result carries the last known snapshot.
func (a *Array) settle(ctx context.Context, o DeleteOptions, del func(async bool) (*DeleteResult, error)) (*DeleteResult, error) {
	res, err := del(o.Async || o.Wait)
	if err != nil || !o.Wait || res.Job == nil {
		return res, err
	}
	job, err := a.WaitJob(ctx, res.Job, o.Timeout, o.Interval)
	if err == nil {
		res.Job = job
		return res, nil
	}
	var stateErr *JobStateError
	var timeoutErr *JobTimeoutError
	switch {
	case errors.As(err, &stateErr):
		res.Job = stateErr.Job
	case errors.As(err, &timeoutErr) && timeoutErr.Last != nil:
		res.Job = timeoutErr.Last
	}
	return res, err
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// RegisterSelfMetrics adds the storops process cpu/memory collector to r.
func RegisterSelfMetrics(r prometheus.Registerer) error {
	c, err := metrics.NewSelfCollector()
	if err != nil {
		return err
	}
	return metrics.RegisterSelf(r, c)
}

// NewMetricsServer returns an unstarted HTTP server exposing /metrics from
// the default registry.
func NewMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It returns any immediate listen error; otherwise it runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	return NewMetricsServer(addr).ListenAndServe()
}
