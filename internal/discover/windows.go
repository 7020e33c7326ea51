package discover

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// windowsPlatform queries the native process table via wmic and the socket
// table via netstat, with a PowerShell fallback.
type windowsPlatform struct {
	run    runner
	logger *zap.Logger
}

var _ Platform = (*windowsPlatform)(nil)

func (p *windowsPlatform) LocateProcess(ctx context.Context) (ProcessHandle, error) {
	out, err := p.run(ctx, "wmic", "process", "get", "CommandLine,ProcessId")
	if err != nil {
		return ProcessHandle{}, fmt.Errorf("list processes: %w", err)
	}
	return locateInListing(parseWmicListing(out))
}

// parseWmicListing parses `wmic process get CommandLine,ProcessId` output:
// the command line fills the row and the pid is the trailing integer column.
func parseWmicListing(out string) []processEntry {
	var entries []processEntry
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(strings.TrimSuffix(line, "\r"), " ")
		if line == "" || strings.HasPrefix(line, "CommandLine") {
			continue
		}
		idx := strings.LastIndexByte(line, ' ')
		if idx < 0 {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(line[idx+1:]))
		if err != nil {
			continue
		}
		entries = append(entries, processEntry{pid: pid, commandLine: strings.TrimSpace(line[:idx])})
	}
	return entries
}

func (p *windowsPlatform) ScanPorts(ctx context.Context, pid int) ([]int, error) {
	out, primaryErr := p.run(ctx, "netstat", "-ano", "-p", "tcp")
	if primaryErr == nil {
		return parseNetstatAno(out, pid), nil
	}
	p.logger.Debug("netstat failed, falling back to Get-NetTCPConnection", zap.Error(primaryErr))

	out, fallbackErr := p.run(ctx, "powershell", "-NoProfile", "-Command",
		fmt.Sprintf("Get-NetTCPConnection -State Listen -OwningProcess %d | Select-Object -ExpandProperty LocalPort", pid))
	if fallbackErr != nil {
		return nil, &ScanError{Primary: primaryErr, Fallback: fallbackErr}
	}
	return parsePortLines(out), nil
}

// parseNetstatAno parses `netstat -ano -p tcp` rows:
//
//	TCP    127.0.0.1:42100    0.0.0.0:0    LISTENING    1234
//
// The state word is locale-dependent, so ownership and a parseable local
// port are the filter; the state column is matched loosely.
func parseNetstatAno(out string, pid int) []int {
	pidStr := strconv.Itoa(pid)
	set := map[int]struct{}{}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 || !strings.EqualFold(fields[0], "TCP") {
			continue
		}
		if fields[len(fields)-1] != pidStr {
			continue
		}
		// The state word is localized on non-English systems; a wildcard
		// remote endpoint identifies a listener just as well.
		if !strings.Contains(strings.ToUpper(fields[3]), "LISTEN") &&
			fields[2] != "0.0.0.0:0" && fields[2] != "[::]:0" {
			continue
		}
		if port, ok := parseAddrPort(fields[1]); ok {
			set[port] = struct{}{}
		}
	}
	return sortedPorts(set)
}

// parsePortLines parses one bare port number per line, skipping anything
// that does not parse.
func parsePortLines(out string) []int {
	set := map[int]struct{}{}
	for _, line := range strings.Split(out, "\n") {
		port, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil || port < 1 || port > 65535 {
			continue
		}
		set[port] = struct{}{}
	}
	return sortedPorts(set)
}
