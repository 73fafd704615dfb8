package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

// Exit codes. Usage errors go through cobra; the others are raised at
// the point of failure.
const (
	exitUsage    = 1
	exitPlatform = 2
	exitCreds    = 3
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsage)
	}
}

var rootCmd = &cobra.Command{
	Use:   "metascan",
	Short: "A distributed filesystem metadata scanner",
	Long: `metascan crawls large filesystems with a coordinator directing a
fleet of workers. Workers extract per-file metadata and forward batched
records to a search index or a SQLite archive.`,
}

func init() {
	rootCmd.Version = version
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(autoCmd)
	rootCmd.AddCommand(commandCmd)
	rootCmd.AddCommand(monitorCmd)
}
