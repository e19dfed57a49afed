package jobmanager

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ChuLiYu/molequeue/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// newTestJob creates job options for the given queue
func newTestJob(queue string) types.Job {
	job := types.NewJob()
	job.Queue = queue
	job.Program = "sleep"
	job.Description = "test job"
	return job
}

// assertNoError asserts no error occurred
func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

// assertError asserts a specific error occurred
func assertError(t *testing.T, err error, want error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Errorf("expected error %v, got %v", want, err)
	}
}

// assertJobState asserts job state
func assertJobState(t *testing.T, jm *JobManager, id types.ID, want types.JobState) {
	t.Helper()
	job, ok := jm.Lookup(id)
	if !ok {
		t.Errorf("job %d not found", id)
		return
	}
	if job.State != want {
		t.Errorf("job %d state: got %s, want %s", id, job.State, want)
	}
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestNewJobAssignsSequentialIDs(t *testing.T) {
	jm := NewJobManager()

	for want := types.ID(1); want <= 3; want++ {
		opts := newTestJob("cluster")
		opts.MoleQueueID = 999
		opts.State = types.StateFinished

		job := jm.NewJob(opts)
		if job.MoleQueueID != want {
			t.Errorf("moleQueueId: got %d, want %d", job.MoleQueueID, want)
		}
		if job.QueueID != types.InvalidID {
			t.Errorf("queueId should be invalid, got %d", job.QueueID)
		}
		assertJobState(t, jm, want, types.StateNone)
	}
	if jm.Count() != 3 {
		t.Errorf("count: got %d, want 3", jm.Count())
	}
}

func TestLookupReturnsCopy(t *testing.T) {
	jm := NewJobManager()
	job := jm.NewJob(newTestJob("cluster"))

	got, ok := jm.Lookup(job.MoleQueueID)
	if !ok {
		t.Fatal("job not found")
	}
	got.Description = "mutated"

	again, _ := jm.Lookup(job.MoleQueueID)
	if again.Description != "test job" {
		t.Errorf("lookup leaked internal pointer: %q", again.Description)
	}

	if _, ok := jm.Lookup(12345); ok {
		t.Error("unknown id should not be found")
	}
}

func TestSetState(t *testing.T) {
	jm := NewJobManager()
	job := jm.NewJob(newTestJob("cluster"))
	id := job.MoleQueueID

	var changes []StateChange
	jm.OnStateChange(func(c StateChange) { changes = append(changes, c) })

	tests := []struct {
		name    string
		state   types.JobState
		notify  bool
		wantErr error
	}{
		{"accept", types.StateAccepted, true, nil},
		{"same state is silent", types.StateAccepted, false, nil},
		{"submit", types.StateSubmitted, true, nil},
		{"run", types.StateRunningRemote, true, nil},
		{"finish", types.StateFinished, true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(changes)
			err := jm.SetState(id, tt.state)
			assertError(t, err, tt.wantErr)
			assertJobState(t, jm, id, tt.state)
			if notified := len(changes) > before; notified != tt.notify {
				t.Errorf("notified: got %v, want %v", notified, tt.notify)
			}
		})
	}

	if len(changes) != 4 {
		t.Fatalf("changes: got %d, want 4", len(changes))
	}
	last := changes[3]
	if last.OldState != types.StateRunningRemote || last.NewState != types.StateFinished {
		t.Errorf("last change: %s -> %s", last.OldState, last.NewState)
	}
	if last.Job.MoleQueueID != id || last.Job.State != types.StateFinished {
		t.Errorf("change carries stale job: %+v", last.Job)
	}

	assertError(t, jm.SetState(999, types.StateError), ErrJobNotFound)
}

func TestListenerMayCallBack(t *testing.T) {
	jm := NewJobManager()
	job := jm.NewJob(newTestJob("cluster"))

	// a listener reading the manager must not deadlock
	jm.OnStateChange(func(c StateChange) {
		got, _ := jm.Lookup(c.Job.MoleQueueID)
		if got.State != c.NewState {
			t.Errorf("listener saw %s, want %s", got.State, c.NewState)
		}
	})
	assertNoError(t, jm.SetState(job.MoleQueueID, types.StateAccepted))
}

func TestSetQueueIDAndUpdate(t *testing.T) {
	jm := NewJobManager()
	job := jm.NewJob(newTestJob("cluster"))
	id := job.MoleQueueID

	assertNoError(t, jm.SetQueueID(id, 1001))
	assertNoError(t, jm.Update(id, func(j *types.Job) {
		j.LocalWorkingDirectory = "/tmp/jobs/1"
		j.MoleQueueID = 77
		j.State = types.StateKilled
	}))

	got, _ := jm.Lookup(id)
	if got.QueueID != 1001 {
		t.Errorf("queueId: got %d", got.QueueID)
	}
	if got.LocalWorkingDirectory != "/tmp/jobs/1" {
		t.Errorf("working directory not updated: %q", got.LocalWorkingDirectory)
	}
	if got.MoleQueueID != id || got.State != types.StateNone {
		t.Errorf("update changed identity or state: %+v", got)
	}

	assertError(t, jm.SetQueueID(999, 1), ErrJobNotFound)
	assertError(t, jm.Update(999, func(*types.Job) {}), ErrJobNotFound)
}

func TestRemove(t *testing.T) {
	jm := NewJobManager()
	job := jm.NewJob(newTestJob("cluster"))
	assertNoError(t, jm.SetState(job.MoleQueueID, types.StateFinished))

	var removed []types.ID
	jm.OnRemove(func(j types.Job) { removed = append(removed, j.MoleQueueID) })

	assertNoError(t, jm.Remove(job.MoleQueueID))
	assertError(t, jm.Remove(job.MoleQueueID), ErrJobNotFound)

	if len(removed) != 1 || removed[0] != job.MoleQueueID {
		t.Errorf("removed: %v", removed)
	}
	if n := len(jm.InState(types.StateFinished)); n != 0 {
		t.Errorf("state index still holds %d jobs", n)
	}
}

func TestStatsAndInState(t *testing.T) {
	jm := NewJobManager()
	for i := 0; i < 5; i++ {
		job := jm.NewJob(newTestJob("cluster"))
		switch {
		case i < 2:
			assertNoError(t, jm.SetState(job.MoleQueueID, types.StateRunningRemote))
		case i < 4:
			assertNoError(t, jm.SetState(job.MoleQueueID, types.StateError))
		}
	}

	stats := jm.Stats()
	want := map[string]int{"RunningRemote": 2, "Error": 2, "None": 1}
	for k, v := range want {
		if stats[k] != v {
			t.Errorf("stats[%s]: got %d, want %d", k, stats[k], v)
		}
	}
	if len(stats) != len(want) {
		t.Errorf("stats has extra keys: %v", stats)
	}

	ids := jm.InState(types.StateError)
	if fmt.Sprint(ids) != "[3 4]" {
		t.Errorf("error ids: %v", ids)
	}

	jobs := jm.Jobs()
	for i, j := range jobs {
		if j.MoleQueueID != types.ID(i+1) {
			t.Errorf("jobs not sorted: %v at %d", j.MoleQueueID, i)
		}
	}
}

func TestConcurrentNewJob(t *testing.T) {
	jm := NewJobManager()

	var wg sync.WaitGroup
	ids := make(chan types.ID, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job := jm.NewJob(newTestJob("cluster"))
			ids <- job.MoleQueueID
			_ = jm.SetState(job.MoleQueueID, types.StateAccepted)
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[types.ID]bool)
	for id := range ids {
		if seen[id] {
			t.Errorf("duplicate moleQueueId %d", id)
		}
		seen[id] = true
	}
	if got := len(jm.InState(types.StateAccepted)); got != 100 {
		t.Errorf("accepted: got %d, want 100", got)
	}
}

// ============================================================================
// Snapshot Tests
// ============================================================================

func TestSnapshotAndRestore(t *testing.T) {
	jm := NewJobManager()
	a := jm.NewJob(newTestJob("cluster"))
	b := jm.NewJob(newTestJob("local"))
	assertNoError(t, jm.SetState(a.MoleQueueID, types.StateRunningRemote))
	assertNoError(t, jm.SetQueueID(a.MoleQueueID, 1001))

	snap := jm.Snapshot()
	if snap.SchemaVer != SchemaVersion || snap.NextID != 3 || len(snap.Jobs) != 2 {
		t.Fatalf("snapshot: %+v", snap)
	}

	// snapshot is a deep copy
	snap.Jobs[a.MoleQueueID].Description = "changed"
	if got, _ := jm.Lookup(a.MoleQueueID); got.Description == "changed" {
		t.Error("snapshot shares job pointers")
	}

	restored := NewJobManager()
	assertNoError(t, restored.Restore(snap))
	assertJobState(t, restored, a.MoleQueueID, types.StateRunningRemote)
	assertJobState(t, restored, b.MoleQueueID, types.StateNone)

	got, _ := restored.Lookup(a.MoleQueueID)
	if got.QueueID != 1001 {
		t.Errorf("queueId lost: %d", got.QueueID)
	}
	if next := restored.NewJob(newTestJob("x")); next.MoleQueueID != 3 {
		t.Errorf("next id after restore: got %d, want 3", next.MoleQueueID)
	}
}

func TestRestoreDerivesNextID(t *testing.T) {
	jm := NewJobManager()
	job := types.NewJob()
	assertNoError(t, jm.Restore(types.SnapshotData{
		Jobs:      map[types.ID]*types.Job{41: &job},
		SchemaVer: SchemaVersion,
	}))

	if next := jm.NewJob(newTestJob("x")); next.MoleQueueID != 42 {
		t.Errorf("next id: got %d, want 42", next.MoleQueueID)
	}
	if got, _ := jm.Lookup(41); got.MoleQueueID != 41 {
		t.Errorf("restored id: got %d", got.MoleQueueID)
	}
}

func TestRestoreRejectsSchema(t *testing.T) {
	jm := NewJobManager()
	jm.NewJob(newTestJob("cluster"))

	err := jm.Restore(types.SnapshotData{SchemaVer: 9})
	assertError(t, err, ErrSchemaVersion)
	if jm.Count() != 1 {
		t.Error("failed restore must leave state untouched")
	}
}
