package scheduler

import (
	"slices"
	"sync"
)

// ResourceLockManager gives tasks exclusive access to named resources.
// Each resource has its own mutex, so tasks holding different resources run
// concurrently while tasks sharing one are serialized.
type ResourceLockManager struct {
	mu    sync.Mutex             // Guards the locks map itself
	locks map[string]*sync.Mutex // Per-resource mutexes
}

// NewResourceLockManager creates a new ResourceLockManager.
func NewResourceLockManager() *ResourceLockManager {
	return &ResourceLockManager{
		locks: make(map[string]*sync.Mutex),
	}
}

// Lock acquires the mutex for resource, creating it on first use.
func (r *ResourceLockManager) Lock(resource string) {
	r.mu.Lock()
	lock, exists := r.locks[resource]
	if !exists {
		lock = &sync.Mutex{}
		r.locks[resource] = lock
	}
	r.mu.Unlock()

	// Acquire outside the manager lock to avoid contention
	lock.Lock()
}

// Unlock releases the mutex for resource.
func (r *ResourceLockManager) Unlock(resource string) {
	r.mu.Lock()
	lock, exists := r.locks[resource]
	r.mu.Unlock()

	if exists {
		lock.Unlock()
	}
}

// LockAll acquires every resource in lexicographic order so two tasks
// requesting overlapping sets cannot deadlock. Duplicates are ignored.
func (r *ResourceLockManager) LockAll(resources []string) {
	for _, resource := range sortedUnique(resources) {
		r.Lock(resource)
	}
}

// UnlockAll releases resources in reverse order of LockAll.
func (r *ResourceLockManager) UnlockAll(resources []string) {
	sorted := sortedUnique(resources)
	for i := len(sorted) - 1; i >= 0; i-- {
		r.Unlock(sorted[i])
	}
}

func sortedUnique(resources []string) []string {
	if len(resources) == 0 {
		return nil
	}
	sorted := slices.Clone(resources)
	slices.Sort(sorted)
	return slices.Compact(sorted)
}
