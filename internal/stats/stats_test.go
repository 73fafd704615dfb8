package stats

import (
	"testing"
	"time"
)

func TestThreadStatsSnapshot(t *testing.T) {
	ts := &ThreadStats{}
	ts.DirsProcessed.Add(3)
	ts.FilesProcessed.Add(10)
	ts.AddFileSizes(100, 4096)
	ts.AddFileSizes(50, 4096)
	ts.QWaitNanos.Add(int64(1500 * time.Millisecond))
	ts.AddCustom("lstat_time", 42)
	ts.AddCustom("lstat_time", 8)

	s := ts.Snapshot()
	if s.DirsProcessed != 3 {
		t.Fatalf("dirs_processed = %d, want 3", s.DirsProcessed)
	}
	if s.FilesProcessed != 10 {
		t.Fatalf("files_processed = %d, want 10", s.FilesProcessed)
	}
	if s.FileSizeTotal != 150 || s.FileSizePhysical != 8192 {
		t.Fatalf("sizes = %d/%d, want 150/8192", s.FileSizeTotal, s.FileSizePhysical)
	}
	if s.QWaitTime != 1.5 {
		t.Fatalf("q_wait_time = %v, want 1.5", s.QWaitTime)
	}
	if s.Custom["lstat_time"] != 50 {
		t.Fatalf("custom lstat_time = %d, want 50", s.Custom["lstat_time"])
	}
}

func TestMergeSkipsCustom(t *testing.T) {
	a := &Snapshot{FilesProcessed: 5, Custom: map[string]int64{"x": 1}}
	b := &Snapshot{FilesProcessed: 7, Custom: map[string]int64{"x": 2, "y": 3}}

	m := Merge([]*Snapshot{a, b})
	if m.FilesProcessed != 12 {
		t.Fatalf("files_processed = %d, want 12", m.FilesProcessed)
	}
	if m.Custom != nil {
		t.Fatalf("Merge must not aggregate custom counters, got %v", m.Custom)
	}

	c := MergeCustom([]*Snapshot{a, b})
	if c["x"] != 3 || c["y"] != 3 {
		t.Fatalf("merged custom = %v, want x=3 y=3", c)
	}
}

func TestSnapshotAdd(t *testing.T) {
	a := Snapshot{DirsProcessed: 1, FilesProcessed: 2, FileSizeTotal: 10}
	b := Snapshot{DirsProcessed: 4, FilesProcessed: 6, FileSizeTotal: 30}
	a.Add(&b)
	if a.DirsProcessed != 5 || a.FilesProcessed != 8 || a.FileSizeTotal != 40 {
		t.Fatalf("unexpected sum: %+v", a)
	}
}

func TestSlidingWindowSums(t *testing.T) {
	// Windows of 3 and 5 samples at a 1-second interval.
	w := NewSlidingWindow([]int{3, 5}, 1)
	for _, v := range []int64{1, 2, 3, 4, 5, 6} {
		w.AddSample(v)
	}

	got := w.Windows()
	if len(got) != 2 {
		t.Fatalf("windows = %v, want 2 entries", got)
	}
	// Last 3 samples: 4+5+6; last 5: 2+3+4+5+6.
	if got[0] != 15 {
		t.Fatalf("3-sample window = %d, want 15", got[0])
	}
	if got[1] != 20 {
		t.Fatalf("5-sample window = %d, want 20", got[1])
	}
}

func TestSlidingWindowPartialFill(t *testing.T) {
	w := NewSlidingWindow([]int{60}, 1)
	w.AddSample(10)
	w.AddSample(20)
	if got := w.Windows()[0]; got != 30 {
		t.Fatalf("partial window = %d, want 30", got)
	}
}
