package coord

import (
	"fmt"
	"os/exec"
	"strings"
)

// launchRemote starts one worker per node over ssh. The worker command
// may contain {addr}, replaced with this coordinator's listen address.
// Liveness is tracked via the control-plane connection, not the launcher;
// the callback only reports launcher-level failures.
func (s *Server) launchRemote() {
	addr := s.ln.Addr().String()
	for _, node := range s.opts.NodeList {
		cmd := strings.ReplaceAll(s.opts.WorkerCmd, "{addr}", addr)
		if cmd == "" {
			cmd = fmt.Sprintf("metascan worker --coordinator %s", addr)
		}
		s.log.Infof("launching worker on %s: %s", node, cmd)
		go func(node, cmd string) {
			out, err := exec.Command("ssh", node, cmd).CombinedOutput()
			s.events <- event{kind: evRemote, node: node, out: string(out), err: err}
		}(node, cmd)
	}
}
