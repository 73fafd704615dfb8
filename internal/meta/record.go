// Package meta builds per-file metadata records. Handlers here implement
// scan.Handler and hand finished records to an Emitter (the sink
// forwarder) for delivery downstream.
package meta

import "time"

// Record is one file or directory metadata document. Field names follow
// the downstream index schema.
type Record map[string]any

// Emitter accepts finished records for delivery. Implementations apply
// backpressure internally and report how it was applied so handlers can
// account for it: waits is the number of times the producer slept, and
// waited is the total time spent sleeping.
type Emitter interface {
	EmitFiles(recs []Record) (waits int, waited time.Duration)
	EmitDirs(recs []Record) (waits int, waited time.Duration)
}

// Custom counter names reported by the handlers in this package. The
// queue counters keep the es_ prefix used by the downstream index schema.
const (
	counterLstatTime     = "lstat_time"
	counterFileNotFound  = "file_not_found"
	counterQueueWait     = "es_queue_wait_count"
	counterQueueTime     = "es_queue_time"
	counterUserAttrTime  = "get_user_attr_time"
	counterTranslateTime = "translate_time"
)
