package metrics

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// SelfSample is one reading of the storops process' own resource usage.
type SelfSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// SelfCollector reports CPU and memory of the running process. Values are
// read on every scrape, so a long lived daemon can be watched next to the
// job gauges.
type SelfCollector struct {
	mu   sync.Mutex
	proc *process.Process

	cpu     *prometheus.Desc
	rss     *prometheus.Desc
	threads *prometheus.Desc
	fds     *prometheus.Desc
}

// NewSelfCollector opens a handle on the current process.
func NewSelfCollector() (*SelfCollector, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("failed to create process handle: %w", err)
	}
	return &SelfCollector{
		proc:    proc,
		cpu:     prometheus.NewDesc("storops_self_cpu_percent", "CPU usage percentage of the storops process.", nil, nil),
		rss:     prometheus.NewDesc("storops_self_memory_rss_bytes", "Resident memory of the storops process.", nil, nil),
		threads: prometheus.NewDesc("storops_self_num_threads", "Number of OS threads of the storops process.", nil, nil),
		fds:     prometheus.NewDesc("storops_self_num_fds", "Open file descriptors of the storops process (Unix only).", nil, nil),
	}, nil
}

// Sample reads the current usage. CPU percent is relative to the previous call.
func (c *SelfCollector) Sample() (SelfSample, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := SelfSample{PID: c.proc.Pid, Timestamp: time.Now()}
	cpu, err := c.proc.Percent(0)
	if err != nil {
		slog.Debug("Failed to get CPU percent", "pid", c.proc.Pid, "error", err)
	}
	s.CPUPercent = cpu

	mem, err := c.proc.MemoryInfo()
	if err != nil {
		return s, fmt.Errorf("failed to get memory info: %w", err)
	}
	s.MemoryRSS = mem.RSS
	s.MemoryVMS = mem.VMS

	if n, err := c.proc.NumThreads(); err == nil {
		s.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := c.proc.NumFDs(); err == nil {
			s.NumFDs = n
		}
	}
	return s, nil
}

func (c *SelfCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cpu
	ch <- c.rss
	ch <- c.threads
	if runtime.GOOS != "windows" {
		ch <- c.fds
	}
}

func (c *SelfCollector) Collect(ch chan<- prometheus.Metric) {
	s, err := c.Sample()
	if err != nil {
		slog.Debug("Self metrics sample failed", "error", err)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.cpu, prometheus.GaugeValue, s.CPUPercent)
	ch <- prometheus.MustNewConstMetric(c.rss, prometheus.GaugeValue, float64(s.MemoryRSS))
	ch <- prometheus.MustNewConstMetric(c.threads, prometheus.GaugeValue, float64(s.NumThreads))
	if runtime.GOOS != "windows" {
		ch <- prometheus.MustNewConstMetric(c.fds, prometheus.GaugeValue, float64(s.NumFDs))
	}
}

// RegisterSelf registers c with r. Registering the same collector twice is
// not an error.
func RegisterSelf(r prometheus.Registerer, c *SelfCollector) error {
	if err := r.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return nil
		}
		return err
	}
	return nil
}
