// Package sink delivers metadata records to the downstream destination.
// The Forwarder is a pool of sender goroutines draining an in-memory
// queue with retries, backpressure and a bounded flush on shutdown; the
// Sink implementations cover a local search index, a SQLite archive and
// a discard target.
package sink

import (
	"context"

	"github.com/metascan/metascan/internal/meta"
)

// Sink is the external destination. Delivery is at-least-once: the
// forwarder may retry a batch that already (partially) landed.
type Sink interface {
	// Send delivers a batch of file records.
	Send(ctx context.Context, recs []meta.Record) error
	// SendDirs delivers a batch of directory records.
	SendDirs(ctx context.Context, recs []meta.Record) error
	// Flush forces buffered data out.
	Flush(ctx context.Context) error
	// Close releases the sink. Send must not be called afterwards.
	Close() error
}

// NullSink discards everything. Used when no destination is configured.
type NullSink struct{}

func (NullSink) Send(context.Context, []meta.Record) error     { return nil }
func (NullSink) SendDirs(context.Context, []meta.Record) error { return nil }
func (NullSink) Flush(context.Context) error                   { return nil }
func (NullSink) Close() error                                  { return nil }
