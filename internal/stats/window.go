package stats

import "sync"

// DefaultWindowSizes are the rate windows, in seconds, used for the
// coordinator's interim reports.
var DefaultWindowSizes = []int{60, 300, 900}

// SlidingWindow keeps per-interval samples in a ring buffer large enough
// for the widest window and reports the sum over each configured window.
type SlidingWindow struct {
	mu       sync.Mutex
	sizes    []int // window widths in seconds, ascending
	interval int   // seconds between samples
	samples  []int64
	next     int
	count    int
}

// NewSlidingWindow creates a window set. sizes are window widths in
// seconds; interval is the expected seconds between AddSample calls.
func NewSlidingWindow(sizes []int, interval int) *SlidingWindow {
	if interval <= 0 {
		interval = 1
	}
	if len(sizes) == 0 {
		sizes = DefaultWindowSizes
	}
	max := sizes[len(sizes)-1] / interval
	if max < 1 {
		max = 1
	}
	return &SlidingWindow{
		sizes:    append([]int(nil), sizes...),
		interval: interval,
		samples:  make([]int64, max),
	}
}

// AddSample records one per-interval observation.
func (w *SlidingWindow) AddSample(v int64) {
	w.mu.Lock()
	w.samples[w.next] = v
	w.next = (w.next + 1) % len(w.samples)
	if w.count < len(w.samples) {
		w.count++
	}
	w.mu.Unlock()
}

// Sizes returns the configured window widths in seconds.
func (w *SlidingWindow) Sizes() []int {
	return append([]int(nil), w.sizes...)
}

// Windows returns, for each window width, the sum of the samples recorded
// within that window.
func (w *SlidingWindow) Windows() []int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]int64, len(w.sizes))
	for i, size := range w.sizes {
		n := size / w.interval
		if n > w.count {
			n = w.count
		}
		var sum int64
		for j := 1; j <= n; j++ {
			idx := (w.next - j + len(w.samples)) % len(w.samples)
			sum += w.samples[idx]
		}
		out[i] = sum
	}
	return out
}
