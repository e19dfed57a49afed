package sshclient

import (
	"sync"

	"github.com/ChuLiYu/molequeue/internal/channel"
)

// socket turns goroutine completions into readiness notifications. A
// completion with nobody armed is remembered so the next Arm fires at once.
type socket struct {
	mu      sync.Mutex
	pending bool
	waiters map[int]func()
	next    int
}

func (s *socket) Arm(_ channel.Direction, ready func()) func() {
	s.mu.Lock()
	if s.pending {
		s.pending = false
		s.mu.Unlock()
		ready()
		return func() {}
	}
	if s.waiters == nil {
		s.waiters = make(map[int]func())
	}
	id := s.next
	s.next++
	s.waiters[id] = ready
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.waiters, id)
		s.mu.Unlock()
	}
}

func (s *socket) signal() {
	s.mu.Lock()
	waiters := s.waiters
	s.waiters = nil
	if len(waiters) == 0 {
		s.pending = true
	}
	s.mu.Unlock()

	for _, fn := range waiters {
		fn()
	}
}

type call struct {
	done bool
	val  any
	err  error
}

// slots runs blocking calls on goroutines, one per key at a time. Calling
// again with the same key returns ErrWouldBlock until the result is in.
type slots struct {
	mu    sync.Mutex
	sock  *socket
	calls map[string]*call
}

func newSlots(sock *socket) *slots {
	return &slots{sock: sock, calls: make(map[string]*call)}
}

func (s *slots) do(key string, fn func() (any, error)) (any, error) {
	s.mu.Lock()
	c, ok := s.calls[key]
	if !ok {
		c = &call{}
		s.calls[key] = c
		s.mu.Unlock()

		go func() {
			v, err := fn()
			s.mu.Lock()
			c.val, c.err, c.done = v, err, true
			s.mu.Unlock()
			s.sock.signal()
		}()
		return nil, channel.ErrWouldBlock
	}
	if !c.done {
		s.mu.Unlock()
		return nil, channel.ErrWouldBlock
	}
	delete(s.calls, key)
	s.mu.Unlock()
	return c.val, c.err
}
