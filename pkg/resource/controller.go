// Package resource provides the admission gate that bounds how many
// external scan processes run at once, with load-based throttling so a
// scan pass never starves the host it is inspecting.
package resource

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// SystemMetrics contains current process resource metrics.
type SystemMetrics struct {
	MemoryPercent float64   `json:"memory_percent"`
	MemoryUsedMB  int64     `json:"memory_used_mb"`
	MemoryTotalMB int64     `json:"memory_total_mb"`
	NumGoroutines int       `json:"num_goroutines"`
	NumCPU        int       `json:"num_cpu"`
	Timestamp     time.Time `json:"timestamp"`
}

// ControllerConfig configures the admission controller.
type ControllerConfig struct {
	// MaxConcurrentScans bounds simultaneous external scan processes.
	// Default: 2. Detection tools are heavyweight; the bound is the
	// policy's concurrency knob, not the CPU count.
	MaxConcurrentScans int

	// MemoryThreshold is the process memory percentage above which new
	// scans are paused. Default: 85%.
	MemoryThreshold float64

	// SampleInterval is how often to sample metrics. Default: 5 seconds.
	SampleInterval time.Duration

	// CooldownDuration is how long to wait after a threshold clears
	// before admitting new scans. Default: 30 seconds.
	CooldownDuration time.Duration

	// OnThrottle is called when the memory threshold is exceeded.
	OnThrottle func(metrics *SystemMetrics, reason string)
}

// DefaultControllerConfig returns sensible defaults.
func DefaultControllerConfig() *ControllerConfig {
	return &ControllerConfig{
		MaxConcurrentScans: 2,
		MemoryThreshold:    85.0,
		SampleInterval:     5 * time.Second,
		CooldownDuration:   30 * time.Second,
	}
}

// Controller bounds concurrent scan admission and monitors load.
type Controller struct {
	config *ControllerConfig

	mu             sync.RWMutex
	currentMetrics *SystemMetrics
	throttled      bool
	throttledAt    time.Time
	throttleReason string

	activeScans   int32 // atomic
	rejectedScans int64 // atomic

	running int32
	stopCh  chan struct{}
	wg      sync.WaitGroup

	// Semaphore for scan admission
	sem chan struct{}
}

// NewController creates a new admission controller.
func NewController(config *ControllerConfig) *Controller {
	if config == nil {
		config = DefaultControllerConfig()
	}
	if config.MaxConcurrentScans <= 0 {
		config.MaxConcurrentScans = 2
	}
	if config.MemoryThreshold <= 0 {
		config.MemoryThreshold = 85.0
	}
	if config.SampleInterval <= 0 {
		config.SampleInterval = 5 * time.Second
	}
	if config.CooldownDuration <= 0 {
		config.CooldownDuration = 30 * time.Second
	}

	c := &Controller{
		config: config,
		stopCh: make(chan struct{}),
		sem:    make(chan struct{}, config.MaxConcurrentScans),
	}

	for i := 0; i < config.MaxConcurrentScans; i++ {
		c.sem <- struct{}{}
	}

	return c
}

// Start begins metric sampling. Optional: Acquire works without it, but
// throttling only activates while the monitor runs.
func (c *Controller) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&c.running, 0, 1) {
		return fmt.Errorf("controller already running")
	}

	c.mu.Lock()
	c.stopCh = make(chan struct{})
	c.mu.Unlock()

	c.sampleMetrics()

	c.wg.Add(1)
	go c.monitorLoop(ctx)

	return nil
}

// Stop stops the monitor loop.
func (c *Controller) Stop() {
	if !atomic.CompareAndSwapInt32(&c.running, 1, 0) {
		return
	}

	c.mu.Lock()
	close(c.stopCh)
	c.mu.Unlock()

	c.wg.Wait()
}

// Acquire blocks until a scan slot is available or the context is canceled.
// The caller MUST call Release when the scan finishes.
func (c *Controller) Acquire(ctx context.Context) error {
	for {
		for c.IsThrottled() {
			select {
			case <-ctx.Done():
				atomic.AddInt64(&c.rejectedScans, 1)
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}

		select {
		case <-c.sem:
			atomic.AddInt32(&c.activeScans, 1)
			return nil
		case <-ctx.Done():
			atomic.AddInt64(&c.rejectedScans, 1)
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
			// Re-check throttle state.
		}
	}
}

// TryAcquire acquires a slot without blocking.
func (c *Controller) TryAcquire() bool {
	if c.IsThrottled() {
		atomic.AddInt64(&c.rejectedScans, 1)
		return false
	}
	select {
	case <-c.sem:
		atomic.AddInt32(&c.activeScans, 1)
		return true
	default:
		return false
	}
}

// Release releases a previously acquired scan slot.
func (c *Controller) Release() {
	atomic.AddInt32(&c.activeScans, -1)
	select {
	case c.sem <- struct{}{}:
	default:
		// Semaphore full - unmatched Release
	}
}

// IsThrottled returns true while the memory threshold is exceeded.
func (c *Controller) IsThrottled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.throttled
}

// Metrics returns the latest sampled metrics.
func (c *Controller) Metrics() *SystemMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.currentMetrics == nil {
		return &SystemMetrics{Timestamp: time.Now()}
	}
	m := *c.currentMetrics
	return &m
}

// Status represents the current state of the controller.
type Status struct {
	Throttled      bool           `json:"throttled"`
	ThrottledAt    time.Time      `json:"throttled_at,omitempty"`
	ThrottleReason string         `json:"throttle_reason,omitempty"`
	ActiveScans    int            `json:"active_scans"`
	RejectedScans  int64          `json:"rejected_scans"`
	MaxScans       int            `json:"max_scans"`
	Metrics        *SystemMetrics `json:"metrics,omitempty"`
}

// Status returns a snapshot of the controller state.
func (c *Controller) Status() *Status {
	c.mu.RLock()
	throttled := c.throttled
	throttledAt := c.throttledAt
	reason := c.throttleReason
	metrics := c.currentMetrics
	c.mu.RUnlock()

	var metricsCopy *SystemMetrics
	if metrics != nil {
		m := *metrics
		metricsCopy = &m
	}

	return &Status{
		Throttled:      throttled,
		ThrottledAt:    throttledAt,
		ThrottleReason: reason,
		ActiveScans:    int(atomic.LoadInt32(&c.activeScans)),
		RejectedScans:  atomic.LoadInt64(&c.rejectedScans),
		MaxScans:       c.config.MaxConcurrentScans,
		Metrics:        metricsCopy,
	}
}

// monitorLoop periodically samples metrics and updates throttle state.
func (c *Controller) monitorLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sampleMetrics()
			c.checkThresholds()
		}
	}
}

func (c *Controller) sampleMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	metrics := &SystemMetrics{
		MemoryUsedMB:  int64(m.Alloc / 1024 / 1024),  //nolint:gosec // MB values are safe
		MemoryTotalMB: int64(m.Sys / 1024 / 1024),    //nolint:gosec // MB values are safe
		NumGoroutines: runtime.NumGoroutine(),
		NumCPU:        runtime.NumCPU(),
		Timestamp:     time.Now(),
	}
	if m.Sys > 0 {
		metrics.MemoryPercent = float64(m.Alloc) / float64(m.Sys) * 100
	}

	c.mu.Lock()
	c.currentMetrics = metrics
	c.mu.Unlock()
}

func (c *Controller) checkThresholds() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.currentMetrics == nil {
		return
	}

	exceeded := c.currentMetrics.MemoryPercent >= c.config.MemoryThreshold

	if c.throttled && !exceeded {
		if time.Since(c.throttledAt) >= c.config.CooldownDuration {
			c.throttled = false
			c.throttleReason = ""
		}
		return
	}

	if !c.throttled && exceeded {
		c.throttled = true
		c.throttledAt = time.Now()
		c.throttleReason = fmt.Sprintf("memory %.1f%% >= %.1f%%",
			c.currentMetrics.MemoryPercent, c.config.MemoryThreshold)

		if c.config.OnThrottle != nil {
			go c.config.OnThrottle(c.currentMetrics, c.throttleReason)
		}
	}
}
