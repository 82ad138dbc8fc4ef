// audex/engine/events.go
package engine

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

// minEmitInterval throttles the progress stream so downstream task
// updates are not flooded. The final 100% always flushes immediately.
const minEmitInterval = 100 * time.Millisecond

// Sink receives the engine's event surface for one invocation: a log
// line stream with the high-frequency frame/size chatter dropped, and a
// clamped, throttled, monotonically non-decreasing 0.0-1.0 progress
// stream.
type Sink struct {
	duration   time.Duration // total input duration; zero disables ratios
	onProgress func(ratio float64)
	onLog      func(line string)

	mu        sync.Mutex
	lastEmit  time.Time
	lastRatio float64
	clock     func() time.Time
}

func NewSink(duration time.Duration, onProgress func(float64), onLog func(string)) *Sink {
	return &Sink{
		duration:   duration,
		onProgress: onProgress,
		onLog:      onLog,
		clock:      time.Now,
	}
}

// Log forwards one engine log line, filtering the per-frame chatter
// that would otherwise dominate the task log.
func (s *Sink) Log(line string) {
	line = strings.TrimSpace(line)
	if line == "" || s.onLog == nil {
		return
	}
	if strings.HasPrefix(line, "frame=") || strings.HasPrefix(line, "size=") {
		return
	}
	s.onLog(line)
}

// handleProgressKV consumes one key=value pair from the engine's
// machine-readable progress output.
func (s *Sink) handleProgressKV(key, value string) {
	switch key {
	case "out_time_us", "out_time_ms":
		if s.duration <= 0 {
			return
		}
		us, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || us < 0 {
			return
		}
		s.emit(float64(us)/float64(s.duration.Microseconds()), false)
	case "progress":
		if strings.TrimSpace(value) == "end" {
			s.emit(1, true)
		}
	}
}

// finish flushes the terminal 100% regardless of throttling.
func (s *Sink) finish() {
	s.emit(1, true)
}

// emit clamps, enforces monotonicity and throttles. Throttling only
// drops intermediate values, it never reorders them.
func (s *Sink) emit(ratio float64, force bool) {
	if s.onProgress == nil {
		return
	}
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}

	s.mu.Lock()
	if ratio < s.lastRatio {
		s.mu.Unlock()
		return
	}
	now := s.clock()
	if !force && !s.lastEmit.IsZero() && now.Sub(s.lastEmit) < minEmitInterval {
		s.mu.Unlock()
		return
	}
	s.lastRatio = ratio
	s.lastEmit = now
	s.mu.Unlock()

	s.onProgress(ratio)
}
