package hazard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"
)

// Sampler returns the current hazard metric.
type Sampler func(ctx context.Context) (float64, error)

// MemoryUtilization reports the share of memory not available to new
// allocations, in percent. Uses gopsutil; no external shelling.
func MemoryUtilization(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	if vm.Total == 0 {
		return 0, fmt.Errorf("memory total reported as zero")
	}
	return float64(vm.Total-vm.Available) * 100 / float64(vm.Total), nil
}

// MonitorConfig tunes the crash monitor.
type MonitorConfig struct {
	Interval  time.Duration
	Threshold float64
	Sampler   Sampler
	Type      Type
	// OnFire is called once per new incident, after the flag is raised.
	OnFire func(Signal)
	Logger *logrus.Entry
}

// DefaultMonitorConfig samples memory every 100ms and trips above 90%.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:  100 * time.Millisecond,
		Threshold: 90,
		Sampler:   MemoryUtilization,
		Type:      Memory,
	}
}

// Monitor samples a hazard metric on a fixed cadence and raises the Flag
// when it crosses the threshold. Sampling errors fail open: they are logged
// and retried on the next tick.
type Monitor struct {
	flag *Flag
	cfg  MonitorConfig
	log  *logrus.Entry

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewMonitor creates a monitor publishing to flag. Zero fields in cfg fall
// back to DefaultMonitorConfig.
func NewMonitor(flag *Flag, cfg MonitorConfig) *Monitor {
	def := DefaultMonitorConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Sampler == nil {
		cfg.Sampler = def.Sampler
	}
	if cfg.Type == "" {
		cfg.Type = def.Type
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.WithField("component", "crashmon")
	}
	return &Monitor{flag: flag, cfg: cfg, log: log}
}

// Start begins sampling in a background goroutine.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("crash monitor is already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	m.wg.Add(1)
	go m.loop(ctx)
	m.log.WithField("interval", m.cfg.Interval).WithField("threshold", m.cfg.Threshold).Debug("crash monitor started")
	return nil
}

// Stop cancels sampling and waits for the loop to exit. Safe to call more
// than once.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	m.log.Debug("crash monitor stopped")
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check takes one sample and raises the flag if it is over the threshold.
// It reports whether this sample started a new incident.
func (m *Monitor) Check(ctx context.Context) bool {
	value, err := m.cfg.Sampler(ctx)
	if err != nil {
		m.log.WithError(err).Debug("hazard sample failed")
		return false
	}
	if value <= m.cfg.Threshold {
		return false
	}
	sig := Signal{Level: Critical, Type: m.cfg.Type, Value: value, At: time.Now()}
	if !m.flag.Fire(sig) {
		return false
	}
	m.log.WithField("value", value).Warnf("%s utilization above %.1f%%, crash flagged", m.cfg.Type, m.cfg.Threshold)
	if m.cfg.OnFire != nil {
		m.cfg.OnFire(sig)
	}
	return true
}
