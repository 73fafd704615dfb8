package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/metascan/metascan/internal/coord"
	"github.com/metascan/metascan/internal/logging"
	"github.com/metascan/metascan/internal/pathutil"
	"github.com/metascan/metascan/internal/worker"
)

var autoCmd = &cobra.Command{
	Use:   "auto [paths...]",
	Short: "Run coordinator and workers in one process",
	Long: `Single-host mode: start a coordinator on a loopback port plus the
requested number of in-process workers, scan the given paths and exit.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAuto,
}

var (
	autoWorkers int
	autoThreads int
)

func init() {
	autoCmd.Flags().IntVarP(&autoWorkers, "workers", "w", 1, "In-process workers to start")
	autoCmd.Flags().IntVarP(&autoThreads, "threads", "t", 16, "Scanner threads per worker")
	autoCmd.Flags().StringVar(&srvSinkType, "sink", "null", "Sink type: index|sqlite|null")
	autoCmd.Flags().StringVar(&srvIndexPath, "index-path", "", "Search index path for the index sink")
	autoCmd.Flags().StringVar(&srvDBPath, "db-path", "", "Database path for the sqlite sink")
	autoCmd.Flags().DurationVar(&srvStatsInterval, "stats-interval", 60*time.Second, "Interval between interim statistics reports")
	autoCmd.Flags().StringVar(&srvLogLevel, "log-level", "", "Log level (debug|info|warn|error)")
}

func runAuto(cmd *cobra.Command, args []string) error {
	paths, err := pathutil.NormalizeRoots(args)
	if err != nil {
		return err
	}

	log := logging.Default()
	if srvLogLevel != "" {
		log.SetLevel(logging.ParseLevel(srvLogLevel))
	}

	opts := coord.DefaultOptions()
	opts.ListenAddr = "127.0.0.1:0"
	opts.Paths = paths
	opts.StatsInterval = srvStatsInterval
	opts.ClientConfig = buildClientConfig()
	srv := coord.New(opts, log)
	if err := srv.Listen(); err != nil {
		return err
	}

	for i := 0; i < autoWorkers; i++ {
		wopts := worker.DefaultOptions()
		wopts.CoordAddr = srv.Addr().String()
		wopts.Scan.Threads = autoThreads
		go func() {
			if err := worker.New(wopts, log).Run(); err != nil {
				log.Errorf("worker failed: %v", err)
			}
		}()
	}
	return srv.Run()
}
