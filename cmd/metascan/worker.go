package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/metascan/metascan/internal/logging"
	"github.com/metascan/metascan/internal/rlimit"
	"github.com/metascan/metascan/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a scan worker",
	Long: `Connect to a coordinator, scan the directories it assigns and
forward metadata records to the configured sink.`,
	RunE: runWorker,
}

var (
	wrkCoord         string
	wrkThreads       int
	wrkFileChunk     int
	wrkDirPriority   int
	wrkFileQCutoff   int
	wrkUserAttrs     bool
	wrkNoOwnerNames  bool
	wrkStatsInterval time.Duration
	wrkULimit        uint64
	wrkLogFile       string
	wrkLogLevel      string
)

func init() {
	workerCmd.Flags().StringVarP(&wrkCoord, "coordinator", "c", "localhost:18501", "Coordinator address")
	workerCmd.Flags().IntVarP(&wrkThreads, "threads", "t", 16, "Scanner threads")
	workerCmd.Flags().IntVar(&wrkFileChunk, "file-chunk", 100, "Filenames per handler batch")
	workerCmd.Flags().IntVar(&wrkDirPriority, "dir-priority", 4, "Threads allowed to keep listing directories when files dominate")
	workerCmd.Flags().IntVar(&wrkFileQCutoff, "file-q-cutoff", 1000, "File backlog above which directory listing yields")
	workerCmd.Flags().BoolVar(&wrkUserAttrs, "user-attrs", false, "Collect user.* extended attributes")
	workerCmd.Flags().BoolVar(&wrkNoOwnerNames, "no-owner-names", false, "Skip uid/gid to name translation")
	workerCmd.Flags().DurationVar(&wrkStatsInterval, "stats-interval", 60*time.Second, "Interval between statistics reports")
	workerCmd.Flags().Uint64Var(&wrkULimit, "vmem-limit", 0, "Virtual memory cap in bytes (0 = unlimited)")
	workerCmd.Flags().StringVar(&wrkLogFile, "log-file", "", "Write logs to this file instead of stderr")
	workerCmd.Flags().StringVar(&wrkLogLevel, "log-level", "", "Log level (debug|info|warn|error)")
}

func runWorker(cmd *cobra.Command, args []string) error {
	if wrkULimit > 0 && !rlimit.Supported() {
		fmt.Fprintln(os.Stderr, "virtual memory limits are not supported on this platform")
		os.Exit(exitPlatform)
	}
	if err := rlimit.SetVMem(wrkULimit); err != nil {
		return err
	}

	log := logging.Default()
	if wrkLogLevel != "" {
		log.SetLevel(logging.ParseLevel(wrkLogLevel))
	}
	if wrkLogFile != "" {
		f, err := log.RedirectToFile(wrkLogFile)
		if err != nil {
			return err
		}
		defer f.Close()
	}

	opts := worker.DefaultOptions()
	opts.CoordAddr = wrkCoord
	opts.Scan.Threads = wrkThreads
	opts.Scan.FileChunk = wrkFileChunk
	opts.Scan.DirPriorityCount = wrkDirPriority
	opts.Scan.FileQCutoff = wrkFileQCutoff
	opts.UserAttrs = wrkUserAttrs
	opts.TranslateOwners = !wrkNoOwnerNames
	opts.StatsInterval = wrkStatsInterval

	return worker.New(opts, log).Run()
}
