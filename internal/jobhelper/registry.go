package jobhelper

import (
	"sync"

	"github.com/loykin/storops/pkg/unity"
)

// registry maps tracked job ids to their last polled snapshot. Insertion
// order is kept so batched queries list ids deterministically.
type registry struct {
	mu    sync.RWMutex
	order []string
	jobs  map[string]*unity.Job
}

func newRegistry() *registry {
	return &registry{jobs: make(map[string]*unity.Job)}
}

// add tracks j unless its id is already tracked.
func (r *registry) add(j *unity.Job) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[j.ID]; ok {
		return false
	}
	r.jobs[j.ID] = j
	r.order = append(r.order, j.ID)
	return true
}

func (r *registry) remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; !ok {
		return false
	}
	delete(r.jobs, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

func (r *registry) get(id string) (*unity.Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	return j, ok
}

// ids returns a copy of the tracked ids in insertion order.
func (r *registry) ids() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func (r *registry) snapshot() []*unity.Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*unity.Job, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.jobs[id])
	}
	return out
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// refresh replaces the snapshots of ids that are still tracked. Jobs whose
// id was removed while the query was in flight are dropped, never re-added.
func (r *registry) refresh(jobs []*unity.Job) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, j := range jobs {
		if j == nil || j.ID == "" {
			continue
		}
		if _, ok := r.jobs[j.ID]; ok {
			r.jobs[j.ID] = j
			n++
		}
	}
	return n
}
