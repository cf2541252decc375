// Package viewport provides a headless model.Viewport for services that have
// no rendering library attached. Remote chart clients report their scroll
// position through the gateway, which writes it here.
package viewport

import (
	"sync"

	"chartfeed/internal/model"
)

// Memory is a goroutine-safe in-memory viewport.
type Memory struct {
	mu         sync.RWMutex
	r          model.LogicalRange
	set        bool
	autoFollow bool
	onChange   func(model.LogicalRange)
}

// NewMemory returns a viewport with no visible range that follows the
// newest bar.
func NewMemory() *Memory {
	return &Memory{autoFollow: true}
}

// OnChange registers a callback invoked after every SetVisibleRange.
func (m *Memory) OnChange(fn func(model.LogicalRange)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

func (m *Memory) VisibleRange() (model.LogicalRange, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.r, m.set
}

func (m *Memory) SetVisibleRange(r model.LogicalRange) {
	m.mu.Lock()
	m.r, m.set = r, true
	fn := m.onChange
	m.mu.Unlock()
	if fn != nil {
		fn(r)
	}
}

func (m *Memory) AutoFollow() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.autoFollow
}

func (m *Memory) SetAutoFollow(v bool) {
	m.mu.Lock()
	m.autoFollow = v
	m.mu.Unlock()
}

// Clear forgets the visible range and resumes auto-follow, as on a series
// switch.
func (m *Memory) Clear() {
	m.mu.Lock()
	m.r, m.set, m.autoFollow = model.LogicalRange{}, false, true
	m.mu.Unlock()
}

// Contains reports whether logical index i is inside the visible range,
// widened by tolerance bars on each side.
func Contains(r model.LogicalRange, i int, tolerance float64) bool {
	f := float64(i)
	return f >= r.From-tolerance && f <= r.To+tolerance
}
