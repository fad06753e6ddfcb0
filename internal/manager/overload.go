package manager

import (
	"sync"
	"sync/atomic"
	"time"
)

// Default overload-detector tuning: probe twice a second and shed load
// once the smoothed scheduling lag passes 70ms.
const (
	DefaultProbeInterval = 500 * time.Millisecond
	DefaultMaxLag        = 70 * time.Millisecond
)

// OverloadDetector estimates scheduler lag by measuring how late a
// periodic timer fires. The smoothed lag is consulted synchronously at
// room-creation time only, to reject new rooms while the process is
// saturated; admitted rooms and replication traffic are never throttled.
type OverloadDetector struct {
	interval time.Duration
	maxLag   time.Duration

	lagNanos atomic.Int64

	done chan struct{}
	once sync.Once
}

// NewOverloadDetector creates a detector with the given probe interval and
// lag threshold; zero values select the defaults.
func NewOverloadDetector(interval, maxLag time.Duration) *OverloadDetector {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if maxLag <= 0 {
		maxLag = DefaultMaxLag
	}
	return &OverloadDetector{
		interval: interval,
		maxLag:   maxLag,
		done:     make(chan struct{}),
	}
}

// Start launches the probe loop.
func (d *OverloadDetector) Start() {
	go func() {
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		last := time.Now()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				sample := now.Sub(last) - d.interval
				if sample < 0 {
					sample = 0
				}
				smoothed := smoothLag(time.Duration(d.lagNanos.Load()), sample)
				d.lagNanos.Store(int64(smoothed))
				last = now
			case <-d.done:
				return
			}
		}
	}()
}

// Busy reports whether the process should shed new-room admissions.
func (d *OverloadDetector) Busy() bool {
	return time.Duration(d.lagNanos.Load()) > d.maxLag
}

// Lag returns the current smoothed scheduling lag.
func (d *OverloadDetector) Lag() time.Duration {
	return time.Duration(d.lagNanos.Load())
}

// Stop halts the probe loop. Idempotent.
func (d *OverloadDetector) Stop() {
	d.once.Do(func() { close(d.done) })
}

// smoothLag folds a new lag sample into the running estimate, weighting
// history two thirds and the sample one third.
func smoothLag(prev, sample time.Duration) time.Duration {
	return (prev*2 + sample) / 3
}
