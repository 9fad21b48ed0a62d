package executor

import (
	"fmt"
	"strings"
	"time"

	"github.com/liliang-cn/execd/pkg/task"
)

// ANSI colours used by the web console terminal.
const (
	colorInfo    = "\x1b[36m"
	colorSuccess = "\x1b[32m"
	colorFailure = "\x1b[31m"
	colorSkipped = "\x1b[33m"
	colorReset   = "\x1b[0m"
)

const crlf = "\r\n"

func colored(color, text string) string {
	return color + text + colorReset + crlf
}

// terminalText converts line ends to CRLF for the console terminal.
func terminalText(b []byte) string {
	s := strings.ReplaceAll(string(b), "\r\n", "\n")
	s = strings.ReplaceAll(s, "\n", crlf)
	if s != "" && !strings.HasSuffix(s, crlf) {
		s += crlf
	}
	return s
}

// authLabel describes how a host will authenticate, before resolution.
func authLabel(h task.HostConnectionDescriptor) string {
	switch {
	case h.PrivateKey != "":
		return "key auth"
	case h.Password != "":
		return "password auth"
	}
	return "default key auth"
}

// openingBanner is the first block of every run.
func openingBanner(req *task.TaskRequest) string {
	var b strings.Builder
	b.WriteString(colored(colorInfo, fmt.Sprintf("### Connecting to %d target host(s), please wait ###", len(req.Hosts))))
	for i, h := range req.Hosts {
		fmt.Fprintf(&b, "# host%d: %s:%d user: %s (%s)%s", i+1, h.Address, h.Port, h.Username, authLabel(h), crlf)
	}
	return b.String()
}

func startBanner(index int, h task.HostConnectionDescriptor) string {
	return colored(colorInfo, fmt.Sprintf("### [%d] %s ###", index+1, h.Label()))
}

func endBanner(index int, h task.HostConnectionDescriptor, r hostResult) string {
	text := fmt.Sprintf("### [%d] %s ", index+1, h.Label())
	switch {
	case r.skipped:
		return colored(colorSkipped, text+"skipped after an earlier failure ###")
	case r.err != nil:
		return colored(colorFailure, fmt.Sprintf("%sfailed: %v ###", text, r.err))
	case r.exitCode != 0:
		return colored(colorFailure, fmt.Sprintf("%sfailed with exit code %d in %s ###", text, r.exitCode, round(r.duration)))
	}
	return colored(colorSuccess, fmt.Sprintf("%sfinished in %s ###", text, round(r.duration)))
}

// triad is the contiguous block one host contributes to the run output.
func triad(index int, h task.HostConnectionDescriptor, r hostResult) []string {
	return []string{startBanner(index, h), terminalText(r.output), endBanner(index, h, r)}
}

func closingBanner(status task.Status) string {
	switch status.Kind() {
	case task.Succeeded:
		return colored(colorSuccess, "### All hosts finished successfully ###")
	case task.DispatchFailed:
		return colored(colorFailure, "### Run aborted by an internal error ###")
	}
	return colored(colorFailure, fmt.Sprintf("### Run finished with failures, status %d ###", status.Code()))
}

func round(d time.Duration) time.Duration {
	if d < time.Second {
		return d.Round(time.Millisecond)
	}
	return d.Round(10 * time.Millisecond)
}
