package discover

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// unixPlatform covers Linux and macOS. Process listing uses ps; port
// discovery uses lsof with a netstat fallback.
type unixPlatform struct {
	run    runner
	logger *zap.Logger
}

var _ Platform = (*unixPlatform)(nil)

func (p *unixPlatform) LocateProcess(ctx context.Context) (ProcessHandle, error) {
	out, err := p.run(ctx, "ps", "-axo", "pid=,args=")
	if err != nil {
		return ProcessHandle{}, fmt.Errorf("list processes: %w", err)
	}
	return locateInListing(parsePSListing(out))
}

// parsePSListing parses `ps -axo pid=,args=` output: one process per line,
// pid in the first column, full command line in the rest.
func parsePSListing(out string) []processEntry {
	var entries []processEntry
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pidStr, args, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		pid, err := strconv.Atoi(pidStr)
		if err != nil {
			continue
		}
		entries = append(entries, processEntry{pid: pid, commandLine: strings.TrimSpace(args)})
	}
	return entries
}

func (p *unixPlatform) ScanPorts(ctx context.Context, pid int) ([]int, error) {
	out, primaryErr := p.run(ctx, "lsof", "-nP", "-iTCP", "-sTCP:LISTEN", "-a", "-p", strconv.Itoa(pid))
	if primaryErr == nil {
		return parseLsofPorts(out), nil
	}
	p.logger.Debug("lsof failed, falling back to netstat", zap.Error(primaryErr))

	// netstat output layout varies by OS and locale; parse failures are
	// per-line skips. The pid column only exists on some systems; without
	// it every listener is a candidate and the authenticated probe filters.
	out, fallbackErr := p.run(ctx, "netstat", "-anv")
	if fallbackErr != nil {
		return nil, &ScanError{Primary: primaryErr, Fallback: fallbackErr}
	}
	return parseNetstatPorts(out, pid), nil
}

// parseLsofPorts extracts listening ports from standard lsof table output,
// e.g. "language_ 1234 user 45u IPv4 ... TCP 127.0.0.1:42100 (LISTEN)".
func parseLsofPorts(out string) []int {
	set := map[int]struct{}{}
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "LISTEN") {
			continue
		}
		for _, field := range strings.Fields(line) {
			if port, ok := parseAddrPort(field); ok {
				set[port] = struct{}{}
			}
		}
	}
	return sortedPorts(set)
}

// parseNetstatPorts extracts ports from netstat output lines that are in a
// listening state and, when a pid column is present, owned by pid.
func parseNetstatPorts(out string, pid int) []int {
	pidStr := strconv.Itoa(pid)
	set := map[int]struct{}{}
	for _, line := range strings.Split(out, "\n") {
		upper := strings.ToUpper(line)
		if !strings.Contains(upper, "LISTEN") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		if !lineOwnedBy(fields, pidStr) {
			continue
		}
		// The local address is the first field carrying a port suffix
		// (Linux uses host:port, macOS uses host.port).
		for _, field := range fields {
			if port, ok := parseAddrPort(field); ok {
				set[port] = struct{}{}
				break
			}
		}
	}
	return sortedPorts(set)
}

// lineOwnedBy reports whether a netstat line belongs to pid. Linux exposes
// "pid/name" in the last columns; macOS netstat has no pid column at all, in
// which case every listening line is accepted and validation happens later
// against the API.
func lineOwnedBy(fields []string, pidStr string) bool {
	hasPIDColumn := false
	for _, field := range fields {
		if owner, _, ok := strings.Cut(field, "/"); ok {
			if _, err := strconv.Atoi(owner); err == nil {
				hasPIDColumn = true
				if owner == pidStr {
					return true
				}
			}
		}
	}
	return !hasPIDColumn
}

// parseAddrPort parses the trailing port of an address field like
// "127.0.0.1:42100", "*.42100" or "[::1]:42100". Returns false for fields
// without a valid port.
func parseAddrPort(field string) (int, bool) {
	idx := strings.LastIndexAny(field, ":.")
	if idx < 0 || idx == len(field)-1 {
		return 0, false
	}
	host := field[:idx]
	if host == "" || !strings.ContainsAny(host, "0123456789*[") && host != "localhost" {
		return 0, false
	}
	port, err := strconv.Atoi(field[idx+1:])
	if err != nil || port < 1 || port > 65535 {
		return 0, false
	}
	return port, true
}

func sortedPorts(set map[int]struct{}) []int {
	ports := make([]int, 0, len(set))
	for port := range set {
		ports = append(ports, port)
	}
	sort.Ints(ports)
	return ports
}
