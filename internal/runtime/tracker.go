// Package runtime holds the in-process mutable state of executing jobs:
// stage label, progress percentage, detail message and the cancellation
// flag. Fields are mutated under an exclusive per-job lock; readers take a
// snapshot so status reads are internally consistent.
package runtime

import "sync"

// Snapshot is a consistent read of one job's live state.
type Snapshot struct {
	Stage           string
	ProgressPercent int
	DetailMessage   string
	CancelRequested bool
}

// Job is the runtime record for one executing job. Progress is clamped
// non-decreasing; the cancel flag is write-once true.
type Job struct {
	mu              sync.RWMutex
	stage           string
	progress        int
	detail          string
	cancelRequested bool
}

// Update applies a stage transition. Progress values below the current one
// are clamped so progress never moves backwards; values are bounded to
// [0,100]. The applied snapshot is returned for write-through persistence.
func (j *Job) Update(stage string, progress int, detail string) Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	if progress < j.progress {
		progress = j.progress
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	j.stage = stage
	j.progress = progress
	j.detail = detail
	return Snapshot{
		Stage:           stage,
		ProgressPercent: progress,
		DetailMessage:   detail,
		CancelRequested: j.cancelRequested,
	}
}

// RequestCancel sets the cancel flag. It reports whether this call was the
// one that set it; once true the flag is never reset.
func (j *Job) RequestCancel() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancelRequested {
		return false
	}
	j.cancelRequested = true
	return true
}

// CancelRequested reads the flag.
func (j *Job) CancelRequested() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.cancelRequested
}

// Snapshot returns a consistent copy of the live state.
func (j *Job) Snapshot() Snapshot {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return Snapshot{
		Stage:           j.stage,
		ProgressPercent: j.progress,
		DetailMessage:   j.detail,
		CancelRequested: j.cancelRequested,
	}
}

// Tracker owns the runtime records of all jobs currently executing in this
// process. Records are registered when a worker picks the job up and
// released after its terminal status is persisted.
type Tracker struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewTracker builds an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{jobs: make(map[string]*Job)}
}

// Register creates (or returns) the runtime record for a job.
func (t *Tracker) Register(id string) *Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	if j, ok := t.jobs[id]; ok {
		return j
	}
	j := &Job{}
	t.jobs[id] = j
	return j
}

// Get looks up a live record.
func (t *Tracker) Get(id string) (*Job, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	j, ok := t.jobs[id]
	return j, ok
}

// Release drops the record once the job reached a terminal status.
func (t *Tracker) Release(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.jobs, id)
}
