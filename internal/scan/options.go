package scan

// Options configures the scanner engine.
type Options struct {
	// Threads is the number of scanner threads in the pool.
	Threads int

	// DirChunk caps how many directory paths are pushed onto the
	// directory queue per lock acquisition.
	DirChunk int

	// FileChunk is the number of names per file batch.
	FileChunk int

	// DirPriorityCount bounds the priority prefix: up to this many
	// directories may be mid-listing even while the file backlog is over
	// the cutoff, so directories keep flowing when files dominate.
	DirPriorityCount int

	// FileQCutoff is the file-queue depth above which threads prefer
	// draining file batches over listing more directories.
	FileQCutoff int

	// FileQMinCutoff is the re-entry threshold once a thread has backed
	// off from directory listing: the file queue must drain below it
	// before that thread prefers directories again.
	FileQMinCutoff int
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() *Options {
	return &Options{
		Threads:          16,
		DirChunk:         100,
		FileChunk:        100,
		DirPriorityCount: 4,
		FileQCutoff:      1000,
		FileQMinCutoff:   50,
	}
}

// WithThreads sets the thread count.
func (o *Options) WithThreads(n int) *Options {
	o.Threads = n
	return o
}

// WithFileChunk sets the file batch size.
func (o *Options) WithFileChunk(n int) *Options {
	o.FileChunk = n
	return o
}

// WithDirPriorityCount sets the priority prefix bound.
func (o *Options) WithDirPriorityCount(n int) *Options {
	o.DirPriorityCount = n
	return o
}

// WithFileQCutoff sets the file-queue cutoff.
func (o *Options) WithFileQCutoff(n int) *Options {
	o.FileQCutoff = n
	return o
}
