package meta

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/xattr"

	"github.com/metascan/metascan/internal/auth"
	"github.com/metascan/metascan/internal/scan"
	"github.com/metascan/metascan/internal/stats"
)

// userAttrPrefix selects the extended attributes exposed as user
// attributes in records.
const userAttrPrefix = "user."

// ExtendedHandler augments the basic records with extended attributes and
// owner/group name translation through an injected principal cache.
type ExtendedHandler struct {
	*BasicHandler
	names     *auth.Cache
	userAttrs bool
}

// NewExtendedHandler creates the extended handler. names may be nil to
// skip owner translation; userAttrs enables xattr collection.
func NewExtendedHandler(base *BasicHandler, names *auth.Cache, userAttrs bool) *ExtendedHandler {
	return &ExtendedHandler{BasicHandler: base, names: names, userAttrs: userAttrs}
}

// ProcessBatch implements scan.Handler.
func (h *ExtendedHandler) ProcessBatch(root string, names []string, ts *stats.ThreadStats) scan.Result {
	var res scan.Result
	var fileRecs, dirRecs []Record

	for _, name := range names {
		rec, isDir, err := h.statRecord(root, name, ts)
		if err != nil {
			res.Skipped++
			h.countStatError(filepath.Join(root, name), err, ts)
			continue
		}
		h.decorate(filepath.Join(root, name), rec, ts)
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

func (h *ExtendedHandler) decorate(fullPath string, rec Record, ts *stats.ThreadStats) {
	if h.names != nil {
		start := time.Now()
		uid := rec["perms_unix_uid"].(int64)
		gid := rec["perms_unix_gid"].(int64)
		rec["perms_user"] = h.names.Translate(fmt.Sprintf("UID:%d", uid), fullPath)
		rec["perms_group"] = h.names.Translate(fmt.Sprintf("GID:%d", gid), fullPath)
		ts.AddCustom(counterTranslateTime, time.Since(start).Nanoseconds())
	}
	if h.userAttrs {
		start := time.Now()
		if attrs := userAttributes(fullPath); len(attrs) > 0 {
			rec["user_attributes"] = attrs
		}
		ts.AddCustom(counterUserAttrTime, time.Since(start).Nanoseconds())
	}
}

// userAttributes collects user.* extended attributes. Errors are treated
// as "no attributes"; not every filesystem supports xattrs.
func userAttributes(path string) map[string]string {
	keys, err := xattr.LList(path)
	if err != nil {
		return nil
	}
	var out map[string]string
	for _, key := range keys {
		if !strings.HasPrefix(key, userAttrPrefix) {
			continue
		}
		val, err := xattr.LGet(path, key)
		if err != nil {
			continue
		}
		if out == nil {
			out = map[string]string{}
		}
		out[strings.TrimPrefix(key, userAttrPrefix)] = string(val)
	}
	return out
}
