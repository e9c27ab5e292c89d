package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/discreetgg/discreet-upgraded-sub001/internal/config"
)

// AnomalyDetector flags billing operations whose error rate over a sliding
// window exceeds a threshold. A flagged operation is logged once per window.
type AnomalyDetector struct {
	mu        sync.Mutex
	errors    map[string]*slidingWindow
	successes map[string]*slidingWindow
	flagged   map[string]time.Time
	cfg       *config.AnomalyConfig
	logger    *slog.Logger
	now       func() time.Time
}

type slidingWindow struct {
	entries []windowEntry
	window  time.Duration
}

type windowEntry struct {
	timestamp time.Time
	value     float64
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	return &AnomalyDetector{
		errors:    make(map[string]*slidingWindow),
		successes: make(map[string]*slidingWindow),
		flagged:   make(map[string]time.Time),
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

func (a *AnomalyDetector) windowDuration() time.Duration {
	if a.cfg.WindowSeconds > 0 {
		return time.Duration(a.cfg.WindowSeconds) * time.Second
	}
	return 5 * time.Minute
}

func (a *AnomalyDetector) minSamples() float64 {
	if a.cfg.MinSamples > 0 {
		return float64(a.cfg.MinSamples)
	}
	return 5
}

// RecordError records a failed operation and checks the error rate.
func (a *AnomalyDetector) RecordError(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.window(a.errors, operation).add(now, 1)
	a.checkErrorRate(operation, now)
}

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.window(a.successes, operation).add(a.now(), 1)
}

// ErrorRate returns the windowed error rate and sample count for operation.
func (a *AnomalyDetector) ErrorRate(operation string) (rate, total float64) {
	if a == nil {
		return 0, 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rate(operation, a.now())
}

// Flagged reports whether operation crossed the threshold within the
// current window.
func (a *AnomalyDetector) Flagged(operation string) bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	at, ok := a.flagged[operation]
	return ok && a.now().Sub(at) < a.windowDuration()
}

// rate must be called with a.mu held.
func (a *AnomalyDetector) rate(operation string, now time.Time) (float64, float64) {
	errs := a.window(a.errors, operation).sum(now)
	total := errs + a.window(a.successes, operation).sum(now)
	if total == 0 {
		return 0, 0
	}
	return errs / total, total
}

// checkErrorRate must be called with a.mu held.
func (a *AnomalyDetector) checkErrorRate(operation string, now time.Time) {
	threshold := a.cfg.ErrorRateThreshold
	if threshold <= 0 {
		return
	}
	rate, total := a.rate(operation, now)
	if total < a.minSamples() || rate <= threshold {
		return
	}
	if at, ok := a.flagged[operation]; ok && now.Sub(at) < a.windowDuration() {
		return
	}
	a.flagged[operation] = now
	if a.logger != nil {
		a.logger.Warn("anomaly detected: high billing error rate",
			slog.String("operation", operation),
			slog.Float64("error_rate", rate),
			slog.Float64("threshold", threshold),
			slog.Float64("total", total),
		)
	}
}

func (a *AnomalyDetector) window(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.windowDuration()}
		m[key] = w
	}
	return w
}

func (w *slidingWindow) add(now time.Time, value float64) {
	w.entries = append(w.entries, windowEntry{timestamp: now, value: value})
	w.prune(now)
}

func (w *slidingWindow) sum(now time.Time) float64 {
	w.prune(now)
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	return total
}

// prune drops entries older than the window.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
