// Package health probes the service's dependencies and tracks whether the
// service can serve.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// Probe checks one dependency. A critical probe that reaches the failure
// threshold takes the whole service out of SERVING.
type Probe struct {
	Name     string
	Critical bool
	Check    func(ctx context.Context) error
}

// ComponentStatus is the last known state of one probe.
type ComponentStatus struct {
	Healthy     bool      `json:"healthy"`
	Critical    bool      `json:"critical"`
	FailCount   int       `json:"fail_count"`
	LastError   string    `json:"last_error,omitempty"`
	LastChecked time.Time `json:"last_checked"`
}

// Report summarises all probes.
type Report struct {
	Status     string                     `json:"status"` // ok | degraded
	Serving    bool                       `json:"serving"`
	Components map[string]ComponentStatus `json:"components"`
}

// ServingChangeFunc is an optional callback invoked when the overall serving
// state flips.
type ServingChangeFunc func(serving bool)

// MetricsRecordFunc is an optional callback for recording probe results.
type MetricsRecordFunc func(probe string, success bool)

// Checker runs periodic dependency probes.
type Checker struct {
	probes []Probe
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	status   map[string]ComponentStatus
	degraded map[string]bool
	serving  bool

	onServing ServingChangeFunc
	onMetrics MetricsRecordFunc
}

// New creates a new Checker. Every component starts healthy.
func New(probes []Probe, cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 15 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 3 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}

	status := make(map[string]ComponentStatus, len(probes))
	for _, p := range probes {
		status[p.Name] = ComponentStatus{Healthy: true, Critical: p.Critical}
	}
	return &Checker{
		probes:   probes,
		cfg:      cfg,
		logger:   logger,
		status:   status,
		degraded: make(map[string]bool),
		serving:  true,
	}
}

// SetServingChange configures the serving-state callback.
func (h *Checker) SetServingChange(fn ServingChangeFunc) {
	h.onServing = fn
}

// SetMetricsRecord configures the metrics recording callback.
func (h *Checker) SetMetricsRecord(fn MetricsRecordFunc) {
	h.onMetrics = fn
}

// Start runs the check loop until ctx is cancelled.
func (h *Checker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.CheckAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll runs every probe concurrently and applies the results.
func (h *Checker) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range h.probes {
		wg.Add(1)
		go func(p Probe) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
			err := p.Check(pctx)
			cancel()
			h.record(p, err)
		}(p)
	}
	wg.Wait()

	h.mu.Lock()
	serving := true
	for _, p := range h.probes {
		if p.Critical && h.degraded[p.Name] {
			serving = false
		}
	}
	changed := serving != h.serving
	h.serving = serving
	h.mu.Unlock()

	if changed {
		if serving {
			h.logger.Info("health: serving again")
		} else {
			h.logger.Warn("health: not serving, critical dependency degraded")
		}
		if h.onServing != nil {
			h.onServing(serving)
		}
	}
}

func (h *Checker) record(p Probe, err error) {
	success := err == nil
	if h.onMetrics != nil {
		h.onMetrics(p.Name, success)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	st := h.status[p.Name]
	st.LastChecked = time.Now().UTC()
	if success {
		if h.degraded[p.Name] {
			h.logger.Info("health: recovered", zap.String("component", p.Name))
		}
		st.FailCount = 0
		st.LastError = ""
		h.degraded[p.Name] = false
	} else {
		st.FailCount++
		st.LastError = err.Error()
		// Transition exactly at the threshold so the warning fires once.
		if st.FailCount == h.cfg.FailThreshold {
			h.degraded[p.Name] = true
			h.logger.Warn("health: degraded",
				zap.String("component", p.Name),
				zap.Int("fail_count", st.FailCount),
				zap.Error(err),
			)
		}
	}
	st.Healthy = !h.degraded[p.Name]
	h.status[p.Name] = st
}

// Report returns the current state of every probe.
func (h *Checker) Report() Report {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := Report{Status: "ok", Serving: h.serving, Components: make(map[string]ComponentStatus, len(h.status))}
	for name, st := range h.status {
		r.Components[name] = st
		if !st.Healthy {
			r.Status = "degraded"
		}
	}
	return r
}
