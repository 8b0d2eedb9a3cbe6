package service

import "sync"

// DeDup rejects a task submission while an identical one, same type over
// the same source files, is still queued or running. Keys are released
// when the task finishes, so resubmission after completion is allowed.
type DeDup struct {
	inflight map[string]struct{}
	lock     sync.Mutex
	enabled  bool
}

// NewDeDup makes a DeDup, disabled instance accepts every submission.
func NewDeDup(enabled bool) *DeDup {
	return &DeDup{inflight: map[string]struct{}{}, enabled: enabled}
}

// Add claims the key, returns false if an identical task is in flight.
func (d *DeDup) Add(key string) bool {
	if !d.enabled {
		return true
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	if _, found := d.inflight[key]; found {
		return false
	}
	d.inflight[key] = struct{}{}
	return true
}

// Remove releases the key once the task reached a terminal state. Safe
// to call for keys that were never claimed.
func (d *DeDup) Remove(key string) {
	if !d.enabled {
		return
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	delete(d.inflight, key)
}
