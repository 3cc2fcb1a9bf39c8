// Package pressure implements the Pressure Monitor of §4.7: a
// three-state hysteresis machine (none, amber/level-2, red/level-1)
// driven by the frame database's sampled allocation count, with a
// single broadcast event fired on every state transition so clients
// (the pager, diagnostics, an eventual OOM-killer policy) can react
// without polling.
//
// Grounded on the teacher's stats package for the "sampled counter
// crossing configured watermarks" shape, generalized from stats.go's
// single threshold into the two-tier entry/exit hysteresis §4.7 names,
// and on internal/event's broadcast idiom (itself generalized from the
// teacher's oommsg) for the transition notification.
package pressure

import (
	"sync"

	"github.com/distrusted/memnucleus/internal/event"
	"github.com/distrusted/memnucleus/internal/frame"
	"github.com/distrusted/memnucleus/internal/metrics"
)

// Level is one of the three hysteresis states of §4.7.
type Level int

const (
	// None: below both warning tiers.
	None Level = iota
	// Level2 is the amber tier: elevated but not critical.
	Level2
	// Level1 is the red tier: critical pressure.
	Level1
)

func (l Level) String() string {
	switch l {
	case None:
		return "none"
	case Level2:
		return "level2"
	case Level1:
		return "level1"
	default:
		return "unknown"
	}
}

// Monitor is the Pressure Monitor of §4.7. Its entry/exit thresholds
// are allocated-frame counts derived once at construction from the
// frame database's total and the configured percentages (§4.1
// WarningThresholds): entering a tier requires allocation to climb to
// or above that tier's entry count; leaving it requires allocation to
// fall below its (lower) exit count, the hysteresis gap that keeps a
// workload hovering near one watermark from flapping between states on
// every sample.
type Monitor struct {
	mu    sync.Mutex
	level Level

	level2Enter, level2Exit int
	level1Enter, level1Exit int

	transition *event.Broadcast

	Metrics struct {
		Samples     metrics.Counter
		Transitions metrics.Counter
	}
}

// New constructs a pressure monitor wired to db's sampled allocate/free
// hook (§4.7's sampling-mask integration: the monitor only ever sees
// the subset of operations FrameDB decides to sample, not every one).
func New(db *frame.FrameDB) *Monitor {
	l2e, l2x, l1e, l1x := db.WarningThresholds()
	m := &Monitor{
		level2Enter: l2e, level2Exit: l2x,
		level1Enter: l1e, level1Exit: l1x,
		transition: event.New(),
	}
	db.SetPressureSampleHook(m.sample)
	return m
}

// Level reports the current hysteresis state.
func (m *Monitor) Level() Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// Transitions returns the broadcast event signaled on every state
// change. Subscribers call Wait() for a channel that closes on the next
// transition, then re-call Level() to see what it became.
func (m *Monitor) Transitions() *event.Broadcast { return m.transition }

// sample is FrameDB's pressure-sample hook: called after every sampled
// allocate or free with the current allocated/total counts.
func (m *Monitor) sample(allocated, total int) {
	m.mu.Lock()
	next := m.level
	switch m.level {
	case None:
		switch {
		case allocated >= m.level1Enter:
			next = Level1
		case allocated >= m.level2Enter:
			next = Level2
		}
	case Level2:
		switch {
		case allocated >= m.level1Enter:
			next = Level1
		case allocated < m.level2Exit:
			next = None
		}
	case Level1:
		if allocated < m.level1Exit {
			if allocated < m.level2Exit {
				next = None
			} else {
				next = Level2
			}
		}
	}
	changed := next != m.level
	m.level = next
	m.Metrics.Samples.Inc()
	ev := m.transition
	m.mu.Unlock()

	if changed {
		m.Metrics.Transitions.Inc()
		ev.Signal()
	}
}
