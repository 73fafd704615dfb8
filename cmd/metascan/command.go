package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/metascan/metascan/internal/proto"
)

var commandCmd = &cobra.Command{
	Use:   "command <quit|dumpstate|toggledebug>",
	Short: "Send an operator command to a running coordinator",
	Args:  cobra.ExactArgs(1),
	RunE:  runCommand,
}

var cmdCoord string

func init() {
	commandCmd.Flags().StringVarP(&cmdCoord, "coordinator", "c", "localhost:18501", "Coordinator address")
}

func runCommand(cmd *cobra.Command, args []string) error {
	op := args[0]
	switch op {
	case proto.CmdQuit, proto.CmdDumpState, proto.CmdToggleDebug:
	default:
		return fmt.Errorf("unknown command %q (expected quit, dumpstate or toggledebug)", op)
	}

	conn, err := proto.Dial(cmdCoord)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Send(proto.Message{Type: proto.MsgCommand, Cmd: op}); err != nil {
		return err
	}
	// Give the writer a moment; the coordinator does not acknowledge
	// these commands.
	time.Sleep(500 * time.Millisecond)
	fmt.Printf("sent %s to %s\n", op, cmdCoord)
	return nil
}
