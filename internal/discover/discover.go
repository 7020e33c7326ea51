package discover

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// ProcessHandle identifies a running language server process and the CSRF
// token extracted from its command line.
type ProcessHandle struct {
	PID   int
	Token string
}

var (
	// ErrProcessNotFound means no running process matched the language
	// server signature.
	ErrProcessNotFound = errors.New("language server process not found")

	// ErrTokenMissing means a matching process was found but none of its
	// command lines carried an extractable csrf token.
	ErrTokenMissing = errors.New("language server found but csrf token missing from command line")
)

// ScanError reports that every port discovery strategy failed to execute.
// An empty port list from a strategy that ran successfully is not a ScanError.
type ScanError struct {
	Primary  error
	Fallback error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("all port scan strategies failed: primary: %v; fallback: %v", e.Primary, e.Fallback)
}

// Platform enumerates processes and listening TCP sockets for one OS family.
// Implementations shell out to read-only system commands; they never require
// elevated privileges.
type Platform interface {
	// LocateProcess finds the language server and extracts its csrf token.
	LocateProcess(ctx context.Context) (ProcessHandle, error)

	// ScanPorts returns the deduplicated TCP ports the given process is
	// listening on, in ascending order. An empty slice with a nil error
	// means the process holds no listening sockets.
	ScanPorts(ctx context.Context, pid int) ([]int, error)
}

// runner executes a command and returns its stdout. Injected so parsers can
// be tested against captured sample outputs without shelling out.
type runner func(ctx context.Context, name string, args ...string) (string, error)

func execRunner(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return "", fmt.Errorf("%s failed: %w", name, err)
	}
	return string(out), nil
}

// ForOS returns the Platform implementation for the given GOOS value,
// selected once at startup rather than branched per call.
func ForOS(goos string, logger *zap.Logger) Platform {
	if logger == nil {
		logger = zap.NewNop()
	}
	if goos == "windows" {
		return &windowsPlatform{run: execRunner, logger: logger}
	}
	return &unixPlatform{run: execRunner, logger: logger}
}

// locateInListing walks pid/command-line pairs in listing order and returns
// the first candidate that yields both a valid pid and a token.
func locateInListing(entries []processEntry) (ProcessHandle, error) {
	found := false
	for _, e := range entries {
		if !isCandidate(e.commandLine) {
			continue
		}
		found = true
		if e.pid <= 0 {
			continue
		}
		if token, ok := extractToken(e.commandLine); ok {
			return ProcessHandle{PID: e.pid, Token: token}, nil
		}
	}
	if found {
		return ProcessHandle{}, ErrTokenMissing
	}
	return ProcessHandle{}, ErrProcessNotFound
}

type processEntry struct {
	pid         int
	commandLine string
}

func isCandidate(commandLine string) bool {
	return strings.Contains(commandLine, processMarker) || strings.Contains(commandLine, tokenFlag)
}
