package tui

import (
	"fmt"
	"strings"
	"time"
)

// View implements tea.Model.
func (m *Model) View() string {
	var b strings.Builder
	writeLine := func(line string) {
		b.WriteString(line)
		b.WriteString("\n")
	}

	writeLine(titleStyle.Render("metascan - Scan Monitor"))

	if m.err != nil {
		writeLine(errStyle.Render(fmt.Sprintf("Coordinator %s unreachable: %v", m.addr, m.err)))
		writeLine(helpStyle.Render(m.helpLine()))
		return b.String()
	}
	if m.status == nil {
		return "Connecting to " + m.addr + "..."
	}

	st := m.status
	scanInfo := fmt.Sprintf("Scan: %s | Elapsed: %s | Pending here: %s | Workers: %d",
		st.ScanID,
		(time.Duration(st.Elapsed) * time.Second).String(),
		FormatCount(int64(st.WorkList)),
		len(st.Workers),
	)
	writeLine(statsStyle.Render(scanInfo))

	t := st.Totals
	totals := fmt.Sprintf("Dirs: %s (+%s skipped) | Files: %s (+%s skipped) | Logical: %s | Physical: %s",
		FormatCount(t.DirsProcessed), FormatCount(t.DirsSkipped),
		FormatCount(t.FilesProcessed), FormatCount(t.FilesSkipped),
		FormatSize(t.FileSizeTotal), FormatSize(t.FileSizePhysical),
	)
	writeLine(statsStyle.Render(totals))

	writeLine(statusStyle.Render(rateLine(st.WindowSizes, st.Windows)))

	writeLine(headerStyle.Render(fmt.Sprintf("%-4s  %-8s  %12s  %12s  %12s  %12s",
		"ID", "STATUS", "DIRS QUEUED", "DIRS DONE", "FILES", "BYTES")))
	for _, w := range st.Workers {
		row := fmt.Sprintf("%-4d  %-8s  %12s  %12s  %12s  %12s",
			w.ID,
			w.Status,
			FormatCount(w.DirCount),
			FormatCount(w.Stats.DirsProcessed),
			FormatCount(w.Stats.FilesProcessed),
			FormatSize(w.Stats.FileSizeTotal),
		)
		writeLine(statusStyleFor(w.Status).Render(row))
	}
	if len(st.Workers) == 0 {
		writeLine(statusStyle.Render("  (no workers connected)"))
	}

	status := fmt.Sprintf("Updated: %s", m.fetched.Format("15:04:05"))
	if m.paused {
		status += " | PAUSED"
	}
	writeLine(statusStyle.Render(status))
	writeLine(helpStyle.Render(m.helpLine()))
	return b.String()
}

// rateLine renders the per-window throughput estimates, e.g.
// "Rate 1m/5m/15m: 1,200/s 1,180/s 900/s".
func rateLine(sizes []int, windows []int64) string {
	if len(sizes) == 0 || len(sizes) != len(windows) {
		return "Rate: n/a"
	}
	labels := make([]string, len(sizes))
	vals := make([]string, len(sizes))
	for i, size := range sizes {
		labels[i] = shortWindow(size)
		vals[i] = fmt.Sprintf("%s/s", FormatCount(windows[i]/int64(size)))
	}
	return fmt.Sprintf("Rate %s: %s", strings.Join(labels, "/"), strings.Join(vals, " "))
}

func shortWindow(seconds int) string {
	if seconds%60 == 0 {
		return fmt.Sprintf("%dm", seconds/60)
	}
	return fmt.Sprintf("%ds", seconds)
}
