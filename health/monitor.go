package health

import (
	"context"
	"sort"
	"sync"
)

// Probe reports the current health of one component.
type Probe func(ctx context.Context) Status

// Monitor holds named probes.
type Monitor struct {
	mu     sync.RWMutex
	probes map[string]Probe
}

func NewMonitor() *Monitor {
	return &Monitor{probes: make(map[string]Probe)}
}

// Register adds or replaces the probe for name.
func (m *Monitor) Register(name string, p Probe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes[name] = p
}

func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.probes, name)
}

// Names returns the registered probe names in order.
func (m *Monitor) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.probes))
	for name := range m.probes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Report runs every probe and aggregates the results under system.
// Sub-statuses are ordered by probe name.
func (m *Monitor) Report(ctx context.Context, system string) Status {
	m.mu.RLock()
	probes := make(map[string]Probe, len(m.probes))
	for name, p := range m.probes {
		probes[name] = p
	}
	m.mu.RUnlock()

	names := make([]string, 0, len(probes))
	for name := range probes {
		names = append(names, name)
	}
	sort.Strings(names)

	sub := make([]Status, 0, len(names))
	for _, name := range names {
		s := probes[name](ctx)
		s.Component = name
		sub = append(sub, s)
	}
	return Aggregate(system, sub)
}
