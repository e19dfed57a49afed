package queue

import "github.com/ChuLiYu/molequeue/pkg/types"

// MaxRetries is how many failed remote attempts a job may retry.
const MaxRetries = 3

// FailureTracker counts recoverable failures per moleQueueId.
// It is only touched from the event loop.
type FailureTracker struct {
	counts map[types.ID]int
}

func NewFailureTracker() *FailureTracker {
	return &FailureTracker{counts: make(map[types.ID]int)}
}

// Add records a failure and reports whether the job may be retried.
// Once the count passes MaxRetries the entry is cleared and Add returns false.
func (f *FailureTracker) Add(id types.ID) bool {
	f.counts[id]++
	if f.counts[id] > MaxRetries {
		delete(f.counts, id)
		return false
	}
	return true
}

// Clear forgets the failures of id.
func (f *FailureTracker) Clear(id types.ID) {
	delete(f.counts, id)
}

// Count returns the current failure count of id.
func (f *FailureTracker) Count(id types.ID) int {
	return f.counts[id]
}
