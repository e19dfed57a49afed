package queue

import (
	"fmt"
	"sort"

	"github.com/ChuLiYu/molequeue/pkg/types"
)

// Manager owns the configured queues.
type Manager struct {
	queues map[string]Queue
}

func NewManager() *Manager {
	return &Manager{queues: make(map[string]Queue)}
}

func (m *Manager) Add(q Queue) error {
	if _, ok := m.queues[q.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateQueue, q.Name())
	}
	m.queues[q.Name()] = q
	return nil
}

func (m *Manager) Lookup(name string) (Queue, bool) {
	q, ok := m.queues[name]
	return q, ok
}

// Queues returns the queues sorted by name.
func (m *Manager) Queues() []Queue {
	out := make([]Queue, 0, len(m.queues))
	for _, q := range m.queues {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// QueueList maps every queue to its program names.
func (m *Manager) QueueList() types.QueueList {
	list := make(types.QueueList, len(m.queues))
	for name, q := range m.queues {
		list[name] = q.ProgramNames()
	}
	return list
}

// Start starts every queue, stopping the ones already started on error.
func (m *Manager) Start() error {
	var started []Queue
	for _, q := range m.Queues() {
		if err := q.Start(); err != nil {
			for _, s := range started {
				s.Stop()
			}
			return fmt.Errorf("failed to start queue %s: %w", q.Name(), err)
		}
		started = append(started, q)
	}
	return nil
}

func (m *Manager) Stop() {
	for _, q := range m.Queues() {
		q.Stop()
	}
}
