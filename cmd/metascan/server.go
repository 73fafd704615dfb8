package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/metascan/metascan/internal/coord"
	"github.com/metascan/metascan/internal/logging"
	"github.com/metascan/metascan/internal/pathutil"
	"github.com/metascan/metascan/internal/proto"
)

var serverCmd = &cobra.Command{
	Use:   "server [paths...]",
	Short: "Run the scan coordinator",
	Long: `Start a coordinator that listens for workers, distributes the given
scan paths, rebalances work between workers and prints final statistics
once the whole tree has been processed.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runServer,
}

var (
	srvListen        string
	srvStatsInterval time.Duration
	srvReqInterval   time.Duration
	srvReqPct        float64
	srvSinkType      string
	srvIndexPath     string
	srvDBPath        string
	srvSinkThreads   int
	srvCredsFile     string
	srvNodes         []string
	srvWorkerCmd     string
	srvLogLevel      string
	srvWorkerLogFile string
)

func init() {
	serverCmd.Flags().StringVarP(&srvListen, "listen", "l", ":18501", "Listen address for workers")
	serverCmd.Flags().DurationVar(&srvStatsInterval, "stats-interval", 60*time.Second, "Interval between interim statistics reports")
	serverCmd.Flags().DurationVar(&srvReqInterval, "request-interval", 5*time.Second, "Minimum gap between work solicitations per worker")
	serverCmd.Flags().Float64Var(&srvReqPct, "request-pct", 0.5, "Queue fraction requested from a busy worker")
	serverCmd.Flags().StringVar(&srvSinkType, "sink", "null", "Worker sink type: index|sqlite|null")
	serverCmd.Flags().StringVar(&srvIndexPath, "index-path", "", "Search index path for the index sink")
	serverCmd.Flags().StringVar(&srvDBPath, "db-path", "", "Database path for the sqlite sink")
	serverCmd.Flags().IntVar(&srvSinkThreads, "sink-threads", 0, "Sender threads per worker (0 = worker default)")
	serverCmd.Flags().StringVar(&srvCredsFile, "creds-file", "", "Credentials file for the index sink (user, password, index, url; one per line)")
	serverCmd.Flags().StringSliceVar(&srvNodes, "nodes", nil, "Hosts to launch workers on over ssh (can be repeated)")
	serverCmd.Flags().StringVar(&srvWorkerCmd, "worker-cmd", "", "Remote worker command; {addr} expands to this coordinator's address")
	serverCmd.Flags().StringVar(&srvLogLevel, "log-level", "", "Log level pushed to workers (debug|info|warn|error)")
	serverCmd.Flags().StringVar(&srvWorkerLogFile, "worker-log-file", "", "Log file pushed to workers (useful with --nodes)")
}

func runServer(cmd *cobra.Command, args []string) error {
	paths, err := pathutil.NormalizeRoots(args)
	if err != nil {
		return err
	}

	opts := coord.DefaultOptions()
	opts.ListenAddr = srvListen
	opts.Paths = paths
	opts.StatsInterval = srvStatsInterval
	opts.RequestWorkInterval = srvReqInterval
	opts.RequestPct = srvReqPct
	opts.NodeList = srvNodes
	opts.WorkerCmd = srvWorkerCmd
	opts.LogLevel = srvLogLevel
	opts.ClientConfig = buildClientConfig()
	if srvWorkerLogFile != "" {
		opts.Logger = &proto.LoggerConfig{
			Destination: "file",
			Filename:    srvWorkerLogFile,
			Level:       srvLogLevel,
		}
	}

	log := logging.Default()
	if srvLogLevel != "" {
		log.SetLevel(logging.ParseLevel(srvLogLevel))
	}
	return coord.New(opts, log).Run()
}

// buildClientConfig assembles the sink configuration pushed to every
// worker at registration. An unreadable credentials file is fatal with
// its own exit code so wrapper scripts can tell it from a scan failure.
func buildClientConfig() *proto.ClientConfig {
	cfg := &proto.ClientConfig{
		SinkType:    srvSinkType,
		IndexPath:   srvIndexPath,
		DBPath:      srvDBPath,
		SinkThreads: srvSinkThreads,
	}
	if srvCredsFile != "" {
		creds, err := readCredentials(srvCredsFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot read credentials file: %v\n", err)
			os.Exit(exitCreds)
		}
		cfg.Credentials = creds
	}
	return cfg
}

// readCredentials parses a credentials file of up to four lines:
// user, password, index name, index URL.
func readCredentials(path string) (*proto.Credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, strings.TrimSpace(sc.Text()))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(lines) < 2 {
		return nil, fmt.Errorf("%s: expected at least user and password lines", path)
	}
	creds := &proto.Credentials{User: lines[0], Password: lines[1]}
	if len(lines) > 2 {
		creds.Index = lines[2]
	}
	if len(lines) > 3 {
		creds.URL = lines[3]
	}
	return creds, nil
}
