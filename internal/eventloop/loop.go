// Package eventloop runs posted tasks one at a time on a single goroutine.
//
// Everything that mutates queue or dispatcher state is posted here, so those
// structures need no locking of their own.
package eventloop

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

var log = slog.With("component", "eventloop")

// Loop is a FIFO of tasks with interval timers.
type Loop struct {
	mu     sync.Mutex
	tasks  []func()
	wake   chan struct{}
	stopCh chan struct{}
	once   sync.Once
	timers sync.WaitGroup
}

func New() *Loop {
	return &Loop{
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
}

// Post queues fn to run on the loop. It is safe from any goroutine.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued tasks.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks)
}

// Drain runs queued tasks, including ones posted while draining, until the
// queue is empty. It returns how many ran.
func (l *Loop) Drain() int {
	ran := 0
	for {
		l.mu.Lock()
		if len(l.tasks) == 0 {
			l.mu.Unlock()
			return ran
		}
		fn := l.tasks[0]
		l.tasks = l.tasks[1:]
		l.mu.Unlock()

		l.run(fn)
		ran++
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "panic", r)
		}
	}()
	fn()
}

// Run drains tasks as they arrive until ctx is done or Stop is called.
func (l *Loop) Run(ctx context.Context) {
	for {
		l.Drain()
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-l.wake:
		}
	}
}

// Every posts fn every interval until the returned stop func or Stop is called.
func (l *Loop) Every(interval time.Duration, fn func()) (stop func()) {
	done := make(chan struct{})
	var once sync.Once

	l.timers.Add(1)
	go func() {
		defer l.timers.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Post(fn)
			case <-done:
				return
			case <-l.stopCh:
				return
			}
		}
	}()

	return func() { once.Do(func() { close(done) }) }
}

// Stop ends Run and every timer. Queued tasks are left unrun.
func (l *Loop) Stop() {
	l.once.Do(func() { close(l.stopCh) })
	l.timers.Wait()
}
