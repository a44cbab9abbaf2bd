// ============================================================================
// fieldbus-bridge read job manager
// ============================================================================
//
// Package: internal/jobmanager
// File: job_manager.go
// Purpose: keep the live set of scheduled datapoint reads ordered by due time
//
// Design:
//   A min-heap keyed by (due, insertion sequence) replaces a cached
//   "next job" pointer. The head of the heap is always the job with the
//   smallest due time, so adding or removing jobs never leaves a stale
//   next-to-fire reference behind.
//
// Job lifecycle:
//   Add()              -> due = now + first delay
//      ↓ Fire(now)     -> LastFired = now, Budget-- when finite
//   Budget > 0 or -1   -> re-queued at LastFired + Interval (periodic)
//                         or LastFired + retry delay (one-shot)
//   Budget == 0        -> removed
//   RemoveAddress()    -> removed (explicit cancel)
//   RemoveSatisfied()  -> removed when one-shot (inbound answer arrived)
//
// Concurrency:
//   Every method takes the manager's lock. Callers that need a wider
//   critical section (the scheduler) hold their own lock around these calls.
//
// ============================================================================

package jobmanager

import (
	"container/heap"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/fieldbus-bridge/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrInvalidBudget is returned for a retry budget of 0 or below -1.
	ErrInvalidBudget = errors.New("retry budget must be positive or Unlimited")
	// ErrNegativeInterval is returned for interval < 0.
	ErrNegativeInterval = errors.New("interval must not be negative")
)

// Unlimited marks a periodic job's retry budget.
const Unlimited = -1

// ============================================================================
// Data structures
// ============================================================================

// ReadJob is one scheduled read of a group address.
type ReadJob struct {
	Address   types.GroupAddress
	Interval  time.Duration // 0 = one-shot with retries
	LastFired time.Time     // zero until the first fire
	Budget    int           // remaining fires, Unlimited for periodic jobs
	Due       time.Time

	seq   uint64
	index int
}

// Periodic reports whether the job repeats forever.
func (j ReadJob) Periodic() bool { return j.Budget == Unlimited }

// jobHeap implements heap.Interface.
type jobHeap []*ReadJob

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, k int) bool {
	if h[i].Due.Equal(h[k].Due) {
		return h[i].seq < h[k].seq
	}
	return h[i].Due.Before(h[k].Due)
}

func (h jobHeap) Swap(i, k int) {
	h[i], h[k] = h[k], h[i]
	h[i].index = i
	h[k].index = k
}

func (h *jobHeap) Push(x any) {
	j := x.(*ReadJob)
	j.index = len(*h)
	*h = append(*h, j)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*h = old[:n-1]
	return j
}

// JobManager holds the scheduled read jobs, at most one per address.
type JobManager struct {
	mu         sync.RWMutex
	heap       jobHeap
	byAddress  map[types.GroupAddress]*ReadJob
	seq        uint64
	firstDelay time.Duration
	retryDelay time.Duration
}

// ============================================================================
// Construction
// ============================================================================

// NewJobManager creates an empty manager.
//
// Parameters:
//   - firstDelay: delay between Add and the first fire of a job
//   - retryDelay: spacing between the fires of a one-shot job
func NewJobManager(firstDelay, retryDelay time.Duration) *JobManager {
	return &JobManager{
		byAddress:  make(map[types.GroupAddress]*ReadJob),
		firstDelay: firstDelay,
		retryDelay: retryDelay,
	}
}

// ============================================================================
// Mutation
// ============================================================================

// Add schedules a read of addr.
//
// A periodic request (interval > 0, budget Unlimited) replaces any job for
// the address. A one-shot request replaces a pending one-shot job but leaves
// an existing periodic job alone, since that job already reads the address.
//
// Returns the resulting job and whether the set changed.
func (jm *JobManager) Add(addr types.GroupAddress, interval time.Duration, budget int, now time.Time) (ReadJob, bool, error) {
	if interval < 0 {
		return ReadJob{}, false, ErrNegativeInterval
	}
	if budget == 0 || budget < Unlimited {
		return ReadJob{}, false, ErrInvalidBudget
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()

	if existing, ok := jm.byAddress[addr]; ok {
		if existing.Periodic() && budget != Unlimited {
			return *existing, false, nil
		}
		jm.removeLocked(existing)
	}

	jm.seq++
	j := &ReadJob{
		Address:  addr,
		Interval: interval,
		Budget:   budget,
		Due:      now.Add(jm.firstDelay),
		seq:      jm.seq,
	}
	heap.Push(&jm.heap, j)
	jm.byAddress[addr] = j
	return *j, true, nil
}

// RemoveAddress removes every job for addr and returns how many were removed.
func (jm *JobManager) RemoveAddress(addr types.GroupAddress) int {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	j, ok := jm.byAddress[addr]
	if !ok {
		return 0
	}
	jm.removeLocked(j)
	return 1
}

// RemoveSatisfied removes the job for addr if it is a one-shot job. Periodic
// jobs keep their phase.
func (jm *JobManager) RemoveSatisfied(addr types.GroupAddress) bool {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	j, ok := jm.byAddress[addr]
	if !ok || j.Periodic() {
		return false
	}
	jm.removeLocked(j)
	return true
}

// Fire takes the earliest job if it is due at now and advances its timing
// state: LastFired is set, a finite budget is decremented, and the job is
// either re-queued or removed when its budget reaches zero.
//
// Returns:
//   - fired: the job as it was fired (Budget already decremented)
//   - removed: true when the job left the set
//   - ok: false when no job is due
func (jm *JobManager) Fire(now time.Time) (fired ReadJob, removed bool, ok bool) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if len(jm.heap) == 0 || jm.heap[0].Due.After(now) {
		return ReadJob{}, false, false
	}

	j := jm.heap[0]
	j.LastFired = now
	if j.Budget != Unlimited {
		j.Budget--
	}

	if j.Budget == 0 {
		jm.removeLocked(j)
		return *j, true, true
	}

	if j.Interval > 0 {
		j.Due = now.Add(j.Interval)
	} else {
		j.Due = now.Add(jm.retryDelay)
	}
	heap.Fix(&jm.heap, j.index)
	return *j, false, true
}

func (jm *JobManager) removeLocked(j *ReadJob) {
	if j.index >= 0 && j.index < len(jm.heap) && jm.heap[j.index] == j {
		heap.Remove(&jm.heap, j.index)
	}
	if jm.byAddress[j.Address] == j {
		delete(jm.byAddress, j.Address)
	}
}

// ============================================================================
// Queries
// ============================================================================

// Peek returns the job with the smallest due time.
func (jm *JobManager) Peek() (ReadJob, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	if len(jm.heap) == 0 {
		return ReadJob{}, false
	}
	return *jm.heap[0], true
}

// Get returns the job for addr.
func (jm *JobManager) Get(addr types.GroupAddress) (ReadJob, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	j, ok := jm.byAddress[addr]
	if !ok {
		return ReadJob{}, false
	}
	return *j, true
}

// Len returns the number of scheduled jobs.
func (jm *JobManager) Len() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return len(jm.heap)
}

// Jobs returns a snapshot of every job ordered by due time.
func (jm *JobManager) Jobs() []ReadJob {
	jm.mu.RLock()
	out := make([]ReadJob, 0, len(jm.heap))
	for _, j := range jm.heap {
		out = append(out, *j)
	}
	jm.mu.RUnlock()

	sort.Slice(out, func(i, k int) bool {
		if out[i].Due.Equal(out[k].Due) {
			return out[i].seq < out[k].seq
		}
		return out[i].Due.Before(out[k].Due)
	})
	return out
}

// Stats summarises the set for status reporting.
func (jm *JobManager) Stats() map[string]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	periodic := 0
	for _, j := range jm.heap {
		if j.Periodic() {
			periodic++
		}
	}
	return map[string]int{
		"total":    len(jm.heap),
		"periodic": periodic,
		"one_shot": len(jm.heap) - periodic,
	}
}
