package meta

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/metascan/metascan/internal/logging"
	"github.com/metascan/metascan/internal/scan"
	"github.com/metascan/metascan/internal/stats"
)

// statBlockSize is the unit of the raw block count reported by lstat.
const statBlockSize = 512

// stripSnapshotRE removes a leading NFS snapshot component from reported
// paths so records point at the live tree.
var stripSnapshotRE = regexp.MustCompile(`/\.snapshot(?:/|$)`)

// Options configures the metadata handlers.
type Options struct {
	// BlockSize is the allocation unit used to round logical sizes.
	BlockSize int64

	// StripSnapshot removes the .snapshot path component from the
	// reported file_path.
	StripSnapshot bool
}

// DefaultOptions returns handler defaults.
func DefaultOptions() *Options {
	return &Options{
		BlockSize:     statBlockSize,
		StripSnapshot: true,
	}
}

// BasicHandler extracts metadata with a single Lstat per name and emits
// one record per file, plus per-directory records for any directories it
// encounters (which are also handed back for re-queueing).
type BasicHandler struct {
	opts    *Options
	emitter Emitter
	log     *logging.Logger
}

// NewBasicHandler creates a handler. emitter may be nil; records are then
// built (and counted) but not forwarded.
func NewBasicHandler(opts *Options, emitter Emitter, log *logging.Logger) *BasicHandler {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &BasicHandler{opts: opts, emitter: emitter, log: log.WithComponent("meta")}
}

// InitThread implements scan.Handler.
func (h *BasicHandler) InitThread(id int) {}

// ProcessBatch implements scan.Handler.
func (h *BasicHandler) ProcessBatch(root string, names []string, ts *stats.ThreadStats) scan.Result {
	var res scan.Result
	var fileRecs, dirRecs []Record

	for _, name := range names {
		rec, isDir, err := h.statRecord(root, name, ts)
		if err != nil {
			res.Skipped++
			h.countStatError(filepath.Join(root, name), err, ts)
			continue
		}
		if isDir {
			res.Dirs = append(res.Dirs, filepath.Join(root, name))
			dirRecs = append(dirRecs, rec)
			continue
		}
		ts.AddFileSizes(rec["size"].(int64), rec["size_physical"].(int64))
		fileRecs = append(fileRecs, rec)
		res.Processed++
	}

	h.emit(fileRecs, dirRecs, ts)
	return res
}

// emit forwards finished records and accounts for backpressure sleeps.
func (h *BasicHandler) emit(fileRecs, dirRecs []Record, ts *stats.ThreadStats) {
	if h.emitter == nil {
		return
	}
	var waits int
	var waited time.Duration
	if len(fileRecs) > 0 {
		w, d := h.emitter.EmitFiles(fileRecs)
		waits += w
		waited += d
	}
	if len(dirRecs) > 0 {
		w, d := h.emitter.EmitDirs(dirRecs)
		waits += w
		waited += d
	}
	if waits > 0 {
		ts.AddCustom(counterQueueWait, int64(waits))
	}
	if waited > 0 {
		ts.AddCustom(counterQueueTime, waited.Nanoseconds())
	}
}

// countStatError classifies a stat failure. A missing entry is an
// expected race with deletion and is only counted; anything else is
// worth a warning.
func (h *BasicHandler) countStatError(path string, err error, ts *stats.ThreadStats) {
	if errors.Is(err, fs.ErrNotExist) {
		ts.AddCustom(counterFileNotFound, 1)
		h.log.Debugf("not found: %s", path)
		return
	}
	h.log.Warnf("cannot stat %s: %v", path, err)
}

// statRecord builds the record for one name.
func (h *BasicHandler) statRecord(root, name string, ts *stats.ThreadStats) (Record, bool, error) {
	fullPath := filepath.Join(root, name)
	start := time.Now()
	info, err := os.Lstat(fullPath)
	ts.AddCustom(counterLstatTime, time.Since(start).Nanoseconds())
	if err != nil {
		return nil, false, err
	}

	atime, ctime, uid, gid, inode, rawBlocks := inodeTimes(info)
	mtime := info.ModTime().Unix()
	if atime == 0 {
		// Some filesystems disable atime tracking; fall back to the last
		// inode change so the field still orders sensibly.
		atime = ctime
	}

	reportPath := root
	if h.opts.StripSnapshot {
		reportPath = stripSnapshotRE.ReplaceAllString(root, "/")
		if reportPath != "/" {
			reportPath = strings.TrimSuffix(reportPath, "/")
		}
		if reportPath == "" {
			reportPath = "/"
		}
	}

	size := info.Size()
	blockSize := h.opts.BlockSize
	if blockSize <= 0 {
		blockSize = statBlockSize
	}
	sizeLogical := (size + blockSize - 1) / blockSize * blockSize
	sizePhysical := rawBlocks * statBlockSize / blockSize * blockSize
	if size == 0 && sizePhysical == 0 {
		sizePhysical = sizeLogical
	}

	isDir := info.IsDir()
	rec := Record{
		"atime":      atime,
		"atime_date": isoDate(atime),
		"ctime":      ctime,
		"ctime_date": isoDate(ctime),
		"mtime":      mtime,
		"mtime_date": isoDate(mtime),

		"file_path": reportPath,
		"file_name": name,
		"file_ext":  filepath.Ext(name),

		"file_hard_links": hardLinks(info),
		"file_type":       fileType(info.Mode()),
		"inode":           inode,

		"perms_unix_bitmask": int64(info.Mode().Perm()),
		"perms_unix_uid":     int64(uid),
		"perms_unix_gid":     int64(gid),

		"size":          size,
		"size_logical":  sizeLogical,
		"size_physical": sizePhysical,
	}
	if isDir {
		rec["size_logical"] = int64(0)
	}
	return rec, isDir, nil
}

func isoDate(unix int64) string {
	if unix == 0 {
		return ""
	}
	return time.Unix(unix, 0).UTC().Format("2006-01-02")
}

func fileType(mode fs.FileMode) string {
	switch {
	case mode.IsRegular():
		return "file"
	case mode.IsDir():
		return "dir"
	case mode&fs.ModeSymlink != 0:
		return "symlink"
	case mode&fs.ModeNamedPipe != 0:
		return "fifo"
	case mode&fs.ModeSocket != 0:
		return "socket"
	case mode&fs.ModeCharDevice != 0:
		return "char"
	case mode&fs.ModeDevice != 0:
		return "block"
	}
	return "unknown"
}
