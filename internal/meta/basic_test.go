package meta

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/metascan/metascan/internal/logging"
	"github.com/metascan/metascan/internal/stats"
)

func testLogger() *logging.Logger {
	return logging.New(os.Stderr, logging.LevelError)
}

// captureEmitter collects emitted records in memory.
type captureEmitter struct {
	mu    sync.Mutex
	files []Record
	dirs  []Record
}

func (c *captureEmitter) EmitFiles(recs []Record) (int, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files = append(c.files, recs...)
	return 0, 0
}

func (c *captureEmitter) EmitDirs(recs []Record) (int, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirs = append(c.dirs, recs...)
	return 0, 0
}

func TestBasicHandlerRecords(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "report.txt"), []byte("hello"), 0o640); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Mkdir(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	em := &captureEmitter{}
	h := NewBasicHandler(DefaultOptions(), em, testLogger())
	ts := &stats.ThreadStats{}

	res := h.ProcessBatch(root, []string{"report.txt", "sub"}, ts)
	if res.Processed != 1 || res.Skipped != 0 {
		t.Fatalf("processed=%d skipped=%d, want 1/0", res.Processed, res.Skipped)
	}
	if len(res.Dirs) != 1 || res.Dirs[0] != filepath.Join(root, "sub") {
		t.Fatalf("dirs = %v, want the sub directory", res.Dirs)
	}
	if len(em.files) != 1 || len(em.dirs) != 1 {
		t.Fatalf("emitted files=%d dirs=%d, want 1/1", len(em.files), len(em.dirs))
	}

	rec := em.files[0]
	if rec["file_name"] != "report.txt" {
		t.Fatalf("file_name = %v", rec["file_name"])
	}
	if rec["file_ext"] != ".txt" {
		t.Fatalf("file_ext = %v", rec["file_ext"])
	}
	if rec["file_type"] != "file" {
		t.Fatalf("file_type = %v", rec["file_type"])
	}
	if rec["file_path"] != root {
		t.Fatalf("file_path = %v, want %v", rec["file_path"], root)
	}
	if rec["size"].(int64) != 5 {
		t.Fatalf("size = %v, want 5", rec["size"])
	}
	if rec["perms_unix_bitmask"].(int64) != 0o640 {
		t.Fatalf("perms = %o", rec["perms_unix_bitmask"])
	}
	if rec["mtime_date"] == "" {
		t.Fatal("mtime_date not set")
	}

	dirRec := em.dirs[0]
	if dirRec["file_type"] != "dir" {
		t.Fatalf("dir file_type = %v", dirRec["file_type"])
	}
	if dirRec["size_logical"].(int64) != 0 {
		t.Fatalf("dir size_logical = %v, want 0", dirRec["size_logical"])
	}

	snap := ts.Snapshot()
	if snap.FileSizeTotal != 5 {
		t.Fatalf("file_size_total = %d, want 5", snap.FileSizeTotal)
	}
	if snap.Custom["lstat_time"] == 0 {
		t.Fatal("lstat_time counter not recorded")
	}
}

func TestBasicHandlerMissingFile(t *testing.T) {
	root := t.TempDir()
	em := &captureEmitter{}
	h := NewBasicHandler(DefaultOptions(), em, testLogger())
	ts := &stats.ThreadStats{}

	res := h.ProcessBatch(root, []string{"ghost"}, ts)
	if res.Processed != 0 || res.Skipped != 1 {
		t.Fatalf("processed=%d skipped=%d, want 0/1", res.Processed, res.Skipped)
	}
	if ts.Snapshot().Custom["file_not_found"] != 1 {
		t.Fatalf("file_not_found = %d, want 1", ts.Snapshot().Custom["file_not_found"])
	}
	if len(em.files) != 0 {
		t.Fatalf("emitted %d records for a missing file", len(em.files))
	}
}

func TestSnapshotPathStripping(t *testing.T) {
	opts := DefaultOptions()
	h := NewBasicHandler(opts, nil, testLogger())

	root := t.TempDir()
	snapRoot := filepath.Join(root, ".snapshot", "hourly.0", "data")
	if err := os.MkdirAll(snapRoot, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(snapRoot, "f"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	ts := &stats.ThreadStats{}
	rec, isDir, err := h.statRecord(snapRoot, "f", ts)
	if err != nil {
		t.Fatalf("statRecord: %v", err)
	}
	if isDir {
		t.Fatal("file reported as dir")
	}
	want := filepath.Join(root, "hourly.0", "data")
	if rec["file_path"] != want {
		t.Fatalf("file_path = %v, want %v", rec["file_path"], want)
	}
}

func TestFileTypeNames(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "target")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Symlink(target, filepath.Join(root, "link")); err != nil {
		t.Skipf("symlinks not supported: %v", err)
	}

	h := NewBasicHandler(DefaultOptions(), nil, testLogger())
	ts := &stats.ThreadStats{}
	rec, _, err := h.statRecord(root, "link", ts)
	if err != nil {
		t.Fatalf("statRecord: %v", err)
	}
	if rec["file_type"] != "symlink" {
		t.Fatalf("file_type = %v, want symlink", rec["file_type"])
	}
}
