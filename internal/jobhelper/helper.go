package jobhelper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/storops/internal/history"
	"github.com/loykin/storops/internal/metrics"
	"github.com/loykin/storops/pkg/unity"
)

const (
	DefaultPollInterval = 3 * time.Second
	DefaultWaitTimeout  = time.Hour
	DefaultWaitInterval = 3 * time.Second
)

// Lister runs the batched "jobs by id" query. *unity.Client satisfies it.
type Lister interface {
	ListJobs(ctx context.Context, ids []string) ([]*unity.Job, error)
}

// JobHelper tracks array-side jobs that callers wait on. A single poller
// goroutine refreshes every tracked job with one query per interval;
// WaitJob only ever reads the registry.
type JobHelper struct {
	lister   Lister
	interval time.Duration
	logger   *slog.Logger
	history  history.Sink

	reg *registry

	mu      sync.Mutex
	started bool
	err     error
	gen     uint64
	cancel  context.CancelFunc
	done    chan struct{}
}

type Option func(*JobHelper)

// WithInterval sets the poll interval. Non-positive values keep the default.
func WithInterval(d time.Duration) Option {
	return func(h *JobHelper) {
		if d > 0 {
			h.interval = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(h *JobHelper) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithHistory records one event per finished wait in s.
func WithHistory(s history.Sink) Option {
	return func(h *JobHelper) { h.history = s }
}

// New returns a stopped helper; call Start or EnsureStarted before waiting.
func New(lister Lister, opts ...Option) *JobHelper {
	h := &JobHelper{
		lister:   lister,
		interval: DefaultPollInterval,
		logger:   slog.Default(),
		reg:      newRegistry(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Interval returns the poll interval.
func (h *JobHelper) Interval() time.Duration { return h.interval }

// AddJob starts tracking job. Adding an id that is already tracked is a no-op.
func (h *JobHelper) AddJob(job *unity.Job) {
	if job == nil || job.ID == "" {
		return
	}
	if h.reg.add(job) {
		metrics.SetTracked(h.reg.len())
		h.logger.Debug("Tracking job", "job", job.ID)
	}
}

// RemoveJob stops tracking job. Unknown ids are ignored.
func (h *JobHelper) RemoveJob(job *unity.Job) {
	if job == nil {
		return
	}
	if h.reg.remove(job.ID) {
		metrics.SetTracked(h.reg.len())
		h.logger.Debug("Untracked job", "job", job.ID)
	}
}

// GetJob returns the last polled snapshot of job, or nil if it is not tracked.
// It never queries the array.
func (h *JobHelper) GetJob(job *unity.Job) *unity.Job {
	if job == nil {
		return nil
	}
	j, _ := h.reg.get(job.ID)
	return j
}

// Jobs returns the tracked snapshots in registration order.
func (h *JobHelper) Jobs() []*unity.Job { return h.reg.snapshot() }

// Start launches the poller. It is a no-op if the poller is running; a
// poller that died is replaced and its error cleared.
func (h *JobHelper) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return
	}
	if h.cancel != nil {
		h.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.gen++
	h.started = true
	h.err = nil
	h.cancel = cancel
	h.done = make(chan struct{})
	metrics.SetPollerUp(true)
	h.logger.Info("Job poller started", "interval", h.interval)
	go h.run(ctx, h.gen, h.done)
}

// EnsureStarted starts the poller if it is not running and returns h.
func (h *JobHelper) EnsureStarted() *JobHelper {
	h.Start()
	return h
}

// Stop cancels the poller, including an in-flight query, and waits for it
// to exit. Tracked jobs stay registered.
func (h *JobHelper) Stop() {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	wasStarted := h.started
	h.started = false
	h.cancel = nil
	h.done = nil
	h.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	metrics.SetPollerUp(false)
	if wasStarted {
		h.logger.Info("Job poller stopped")
	}
}

// Started reports whether the poller is running.
func (h *JobHelper) Started() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started
}

// Err returns the error that stopped the poller, nil while it is healthy.
func (h *JobHelper) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// health returns nil while the poller runs.
func (h *JobHelper) health() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return nil
	}
	return &PollerStoppedError{Err: h.err}
}

func (h *JobHelper) run(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			h.fail(gen, fmt.Errorf("job poller panic: %v", r))
		}
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if err := h.queryJobs(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			h.fail(gen, err)
			return
		}
		timer.Reset(h.interval)
	}
}

// queryJobs refreshes every tracked job with a single query.
func (h *JobHelper) queryJobs(ctx context.Context) error {
	ids := h.reg.ids()
	if len(ids) == 0 {
		return nil
	}
	start := time.Now()
	jobs, err := h.lister.ListJobs(ctx, ids)
	if err != nil {
		metrics.ObservePoll(metrics.PollError, time.Since(start).Seconds())
		return fmt.Errorf("query jobs: %w", err)
	}
	metrics.ObservePoll(metrics.PollOK, time.Since(start).Seconds())
	n := h.reg.refresh(jobs)
	h.logger.Debug("Refreshed jobs", "tracked", len(ids), "updated", n)
	return nil
}

func (h *JobHelper) fail(gen uint64, err error) {
	h.mu.Lock()
	if h.gen != gen || !h.started {
		h.mu.Unlock()
		return
	}
	h.started = false
	h.err = err
	h.mu.Unlock()
	metrics.SetPollerUp(false)
	h.logger.Error("Job poller stopped", "error", err)
}
