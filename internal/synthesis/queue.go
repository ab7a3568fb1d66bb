package synthesis

import (
	"context"
	"sort"
	"sync"
)

type activeJob struct {
	jobID  string
	cancel context.CancelCauseFunc
}

type guildState struct {
	pending []Job
	active  *activeJob
	running bool
	evicted bool
}

// Queue holds the pending jobs of every guild plus the cancel handle of the job each
// guild is currently working on. A single mutex guards all guilds; it is only held
// for in-memory bookkeeping.
type Queue struct {
	mu         sync.Mutex
	guilds     map[string]*guildState
	maxPending int
}

// NewQueue creates an empty queue. maxPending bounds each guild's backlog; zero means
// unbounded.
func NewQueue(maxPending int) *Queue {
	return &Queue{
		guilds:     make(map[string]*guildState),
		maxPending: maxPending,
	}
}

// stateLocked returns the guild's state, creating it on first use. q.mu must be held.
func (q *Queue) stateLocked(guildID string) *guildState {
	st, ok := q.guilds[guildID]
	if !ok {
		st = &guildState{}
		q.guilds[guildID] = st
	}
	return st
}

// Enqueue appends job to the guild's backlog. It never starts processing.
func (q *Queue) Enqueue(guildID string, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := q.stateLocked(guildID)
	if q.maxPending > 0 && len(st.pending) >= q.maxPending {
		return ErrQueueFull
	}
	st.evicted = false
	st.pending = append(st.pending, job)
	return nil
}

// Dequeue pops the oldest pending job of the guild.
func (q *Queue) Dequeue(guildID string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	st, ok := q.guilds[guildID]
	if !ok {
		return Job{}, false
	}
	return st.popLocked()
}

func (st *guildState) popLocked() (Job, bool) {
	if len(st.pending) == 0 {
		return Job{}, false
	}
	job := st.pending[0]
	st.pending[0] = Job{}
	st.pending = st.pending[1:]
	if len(st.pending) == 0 {
		st.pending = nil
	}
	return job, true
}

// SetActive records the cancel handle for the job the guild is working on.
func (q *Queue) SetActive(guildID, jobID string, cancel context.CancelCauseFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stateLocked(guildID).active = &activeJob{jobID: jobID, cancel: cancel}
}

// ClearActive empties the active slot if it still belongs to jobID.
func (q *Queue) ClearActive(guildID, jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	st, ok := q.guilds[guildID]
	if !ok || st.active == nil {
		return
	}
	if st.active.jobID == jobID {
		st.active = nil
	}
}

// ActiveJobID returns the ID of the job in flight for the guild, if any.
func (q *Queue) ActiveJobID(guildID string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	st, ok := q.guilds[guildID]
	if !ok || st.active == nil {
		return "", false
	}
	return st.active.jobID, true
}

// CancelActive cancels the job in flight and empties the slot. It reports whether
// there was anything to cancel; calling it again is a no-op.
func (q *Queue) CancelActive(guildID string) bool {
	q.mu.Lock()
	active := q.takeActiveLocked(guildID)
	q.mu.Unlock()

	if active == nil {
		return false
	}
	active.cancel(ErrCancelled)
	return true
}

// CancelActiveAndClear cancels the job in flight and drops the whole backlog. The
// dropped jobs are returned in queue order.
func (q *Queue) CancelActiveAndClear(guildID string) []Job {
	q.mu.Lock()
	active := q.takeActiveLocked(guildID)
	st := q.stateLocked(guildID)
	dropped := st.pending
	st.pending = nil
	q.mu.Unlock()

	if active != nil {
		active.cancel(ErrCancelled)
	}
	return dropped
}

func (q *Queue) takeActiveLocked(guildID string) *activeJob {
	st := q.stateLocked(guildID)
	active := st.active
	st.active = nil
	return active
}

// Pending returns a copy of the guild's backlog.
func (q *Queue) Pending(guildID string) []Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	st, ok := q.guilds[guildID]
	if !ok || len(st.pending) == 0 {
		return nil
	}
	return append([]Job(nil), st.pending...)
}

// Len returns the number of pending jobs for the guild.
func (q *Queue) Len(guildID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if st, ok := q.guilds[guildID]; ok {
		return len(st.pending)
	}
	return 0
}

// Running reports whether a worker currently owns the guild.
func (q *Queue) Running(guildID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	st, ok := q.guilds[guildID]
	return ok && st.running
}

// Evict cancels and drops everything for the guild and forgets its state. A guild
// whose worker is still running is forgotten when that worker exits.
func (q *Queue) Evict(guildID string) []Job {
	dropped := q.CancelActiveAndClear(guildID)

	q.mu.Lock()
	defer q.mu.Unlock()
	if st, ok := q.guilds[guildID]; ok {
		if st.running {
			st.evicted = true
		} else {
			delete(q.guilds, guildID)
		}
	}
	return dropped
}

// GuildStatus is a point-in-time view of one guild.
type GuildStatus struct {
	GuildID     string
	Pending     int
	Running     bool
	ActiveJobID string
}

// Snapshot lists every known guild ordered by ID.
func (q *Queue) Snapshot() []GuildStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]GuildStatus, 0, len(q.guilds))
	for id, st := range q.guilds {
		status := GuildStatus{GuildID: id, Pending: len(st.pending), Running: st.running}
		if st.active != nil {
			status.ActiveJobID = st.active.jobID
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GuildID < out[j].GuildID })
	return out
}

// tryStart flips the guild from idle to draining. It returns false when a worker
// already owns the guild.
func (q *Queue) tryStart(guildID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := q.stateLocked(guildID)
	if st.running {
		return false
	}
	st.running = true
	return true
}

// next is the worker's dequeue. Within one critical section it either pops the next
// job and installs cancel as its active handle, or, when nothing is pending, flips the
// guild back to idle. An Enqueue racing the worker's exit therefore either lands before
// this check and is drained, or lands after it and sees running=false.
func (q *Queue) next(guildID string, cancel context.CancelCauseFunc) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	st, ok := q.guilds[guildID]
	if !ok || !st.running {
		panic("synthesis: worker running for guild " + guildID + " without running state")
	}
	job, ok := st.popLocked()
	if !ok {
		st.running = false
		st.active = nil
		if st.evicted {
			delete(q.guilds, guildID)
		}
		return Job{}, false
	}
	st.active = &activeJob{jobID: job.ID, cancel: cancel}
	return job, true
}

// stop flips the guild back to idle without touching its backlog.
func (q *Queue) stop(guildID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if st, ok := q.guilds[guildID]; ok {
		st.running = false
		st.active = nil
		if st.evicted && len(st.pending) == 0 {
			delete(q.guilds, guildID)
		}
	}
}

func (q *Queue) depths() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[string]int, len(q.guilds))
	for id, st := range q.guilds {
		out[id] = len(st.pending)
	}
	return out
}
