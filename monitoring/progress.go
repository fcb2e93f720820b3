package monitoring

import (
	"sync"
	"time"
)

// ProgressStatus is the state of a progress bar as served by the monitor.
type ProgressStatus struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	StartTime  time.Time `json:"start_time"`
	Total      uint64    `json:"total"`
	InProgress uint64    `json:"in_progress"`
	Finished   uint64    `json:"finished"`
	Failed     uint64    `json:"failed"`
}

// A ProgressBar counts the processes of a run. A process is in progress from
// the time its image is loaded until it finishes or fails.
type ProgressBar struct {
	lock   sync.Mutex
	status ProgressStatus
}

// Status returns a copy of the counters.
func (b *ProgressBar) Status() ProgressStatus {
	b.lock.Lock()
	defer b.lock.Unlock()

	return b.status
}

// Start marks n more processes as running.
func (b *ProgressBar) Start(n uint64) {
	b.lock.Lock()
	defer b.lock.Unlock()

	b.status.InProgress += n
}

// Finish moves n running processes to finished.
func (b *ProgressBar) Finish(n uint64) {
	b.lock.Lock()
	defer b.lock.Unlock()

	b.status.InProgress -= min(n, b.status.InProgress)
	b.status.Finished += n
}

// Fail moves n running processes to failed.
func (b *ProgressBar) Fail(n uint64) {
	b.lock.Lock()
	defer b.lock.Unlock()

	b.status.InProgress -= min(n, b.status.InProgress)
	b.status.Failed += n
}
