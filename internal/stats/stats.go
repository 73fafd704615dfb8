// Package stats holds the scan counters exchanged between workers and the
// coordinator, the per-thread counter sets maintained inside the scanner
// engine, and the sliding windows used for rate estimation.
package stats

import (
	"sync"
	"sync/atomic"
)

// Snapshot is one statistics report. Counters are monotonic within a scan.
// JSON field names follow the downstream index schema.
type Snapshot struct {
	DirsProcessed    int64 `json:"dirs_processed"`
	DirsQueued       int64 `json:"dirs_queued"`
	DirsSkipped      int64 `json:"dirs_skipped"`
	FilesProcessed   int64 `json:"files_processed"`
	FilesQueued      int64 `json:"files_queued"`
	FilesSkipped     int64 `json:"files_skipped"`
	FileSizeTotal    int64 `json:"file_size_total"`
	FileSizePhysical int64 `json:"file_size_physical_total"`

	// Time sums in seconds.
	DirScanTime     float64 `json:"dir_scan_time"`
	FileHandlerTime float64 `json:"file_handler_time"`
	QWaitTime       float64 `json:"q_wait_time"`

	// Point-in-time gauges, not counters.
	DirQSize  int64 `json:"dir_q_size"`
	FileQSize int64 `json:"file_q_size"`
	Threads   int64 `json:"threads"`

	// Handler-specific counters, summed separately from the core set.
	Custom map[string]int64 `json:"custom,omitempty"`
}

// Add accumulates the counters and time sums of other into s. The Custom
// sub-map and the gauge fields are handled by the caller.
func (s *Snapshot) Add(other *Snapshot) {
	s.DirsProcessed += other.DirsProcessed
	s.DirsQueued += other.DirsQueued
	s.DirsSkipped += other.DirsSkipped
	s.FilesProcessed += other.FilesProcessed
	s.FilesQueued += other.FilesQueued
	s.FilesSkipped += other.FilesSkipped
	s.FileSizeTotal += other.FileSizeTotal
	s.FileSizePhysical += other.FileSizePhysical
	s.DirScanTime += other.DirScanTime
	s.FileHandlerTime += other.FileHandlerTime
	s.QWaitTime += other.QWaitTime
	s.DirQSize += other.DirQSize
	s.FileQSize += other.FileQSize
	s.Threads += other.Threads
}

// Merge sums the given snapshots into one, skipping the custom sub-maps.
func Merge(snaps []*Snapshot) Snapshot {
	var out Snapshot
	for _, s := range snaps {
		if s == nil {
			continue
		}
		out.Add(s)
	}
	return out
}

// MergeCustom sums the custom counter sub-maps of the given snapshots.
func MergeCustom(snaps []*Snapshot) map[string]int64 {
	out := map[string]int64{}
	for _, s := range snaps {
		if s == nil {
			continue
		}
		for k, v := range s.Custom {
			out[k] += v
		}
	}
	return out
}

// ThreadStats is the counter set owned by a single scanner thread. The
// owning thread is the only writer; Snapshot may be called from any
// goroutine, so all fields are atomics and the custom map has its own lock.
type ThreadStats struct {
	DirsProcessed    atomic.Int64
	DirsQueued       atomic.Int64
	DirsSkipped      atomic.Int64
	FilesProcessed   atomic.Int64
	FilesQueued      atomic.Int64
	FilesSkipped     atomic.Int64
	FileSizeTotal    atomic.Int64
	FileSizePhysical atomic.Int64
	DirScanNanos     atomic.Int64
	FileHandlerNanos atomic.Int64
	QWaitNanos       atomic.Int64

	mu     sync.Mutex
	custom map[string]int64
}

// AddCustom adds v to the named handler-specific counter.
func (t *ThreadStats) AddCustom(name string, v int64) {
	t.mu.Lock()
	if t.custom == nil {
		t.custom = map[string]int64{}
	}
	t.custom[name] += v
	t.mu.Unlock()
}

// AddFileSizes accumulates the logical and physical byte counters.
func (t *ThreadStats) AddFileSizes(size, physical int64) {
	t.FileSizeTotal.Add(size)
	t.FileSizePhysical.Add(physical)
}

// Snapshot returns a copy of the thread's counters.
func (t *ThreadStats) Snapshot() Snapshot {
	s := Snapshot{
		DirsProcessed:    t.DirsProcessed.Load(),
		DirsQueued:       t.DirsQueued.Load(),
		DirsSkipped:      t.DirsSkipped.Load(),
		FilesProcessed:   t.FilesProcessed.Load(),
		FilesQueued:      t.FilesQueued.Load(),
		FilesSkipped:     t.FilesSkipped.Load(),
		FileSizeTotal:    t.FileSizeTotal.Load(),
		FileSizePhysical: t.FileSizePhysical.Load(),
		DirScanTime:      float64(t.DirScanNanos.Load()) / 1e9,
		FileHandlerTime:  float64(t.FileHandlerNanos.Load()) / 1e9,
		QWaitTime:        float64(t.QWaitNanos.Load()) / 1e9,
	}
	t.mu.Lock()
	if len(t.custom) > 0 {
		s.Custom = make(map[string]int64, len(t.custom))
		for k, v := range t.custom {
			s.Custom[k] = v
		}
	}
	t.mu.Unlock()
	return s
}
