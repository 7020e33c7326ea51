package discover

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeRunner returns canned output per command name and records invocations.
type fakeRunner struct {
	outputs map[string]string
	errs    map[string]error
	calls   []string
}

func (f *fakeRunner) run(ctx context.Context, name string, args ...string) (string, error) {
	f.calls = append(f.calls, name)
	if err, ok := f.errs[name]; ok {
		return "", err
	}
	return f.outputs[name], nil
}

func TestExtractToken(t *testing.T) {
	tests := []struct {
		name        string
		commandLine string
		want        string
		ok          bool
	}{
		{"double quoted", `/opt/ide/language_server --csrf_token="abc-123" --port 0`, "abc-123", true},
		{"single quoted", `/opt/ide/language_server --csrf_token='tok_9' --detached`, "tok_9", true},
		{"bare", `/opt/ide/language_server --csrf_token=f00d-beef`, "f00d-beef", true},
		{"bare space separated", `/opt/ide/language_server --csrf_token f00d-beef`, "f00d-beef", true},
		{"quoted wins over bare", `language_server --csrf_token="abc-123"`, "abc-123", true},
		{"missing", `/opt/ide/language_server --port 0`, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := extractToken(tt.commandLine)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

const psListing = `    1 /sbin/init
  310 /usr/lib/systemd/systemd --user
 4821 /home/u/.ide/bin/language_server_linux_x64 --csrf_token="abc-123" --enable_lsp
 5120 grep language_server
`

func TestUnixLocateProcess(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{"ps": psListing}}
	p := &unixPlatform{run: runner.run, logger: zap.NewNop()}

	handle, err := p.LocateProcess(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4821, handle.PID)
	assert.Equal(t, "abc-123", handle.Token)
}

func TestUnixLocateProcess_FirstCandidateWins(t *testing.T) {
	listing := ` 100 language_server --csrf_token=first
 200 language_server --csrf_token=second
`
	runner := &fakeRunner{outputs: map[string]string{"ps": listing}}
	p := &unixPlatform{run: runner.run, logger: zap.NewNop()}

	handle, err := p.LocateProcess(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100, handle.PID)
	assert.Equal(t, "first", handle.Token)
}

func TestUnixLocateProcess_NotFound(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{"ps": "  1 /sbin/init\n"}}
	p := &unixPlatform{run: runner.run, logger: zap.NewNop()}

	_, err := p.LocateProcess(context.Background())
	assert.ErrorIs(t, err, ErrProcessNotFound)
}

func TestUnixLocateProcess_TokenMissing(t *testing.T) {
	// Candidate exists but carries no token flag value anywhere.
	runner := &fakeRunner{outputs: map[string]string{
		"ps": " 4821 /home/u/.ide/bin/language_server_linux_x64 --enable_lsp\n",
	}}
	p := &unixPlatform{run: runner.run, logger: zap.NewNop()}

	_, err := p.LocateProcess(context.Background())
	assert.ErrorIs(t, err, ErrTokenMissing)
}

const lsofListing = `COMMAND    PID USER   FD   TYPE             DEVICE SIZE/OFF NODE NAME
language 4821    u   12u  IPv4 0x1a2b3c      0t0  TCP 127.0.0.1:42100 (LISTEN)
language 4821    u   13u  IPv6 0x1a2b3d      0t0  TCP [::1]:42100 (LISTEN)
language 4821    u   14u  IPv4 0x1a2b3e      0t0  TCP 127.0.0.1:42101 (LISTEN)
`

func TestUnixScanPorts_Lsof(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{"lsof": lsofListing}}
	p := &unixPlatform{run: runner.run, logger: zap.NewNop()}

	ports, err := p.ScanPorts(context.Background(), 4821)
	require.NoError(t, err)
	assert.Equal(t, []int{42100, 42101}, ports, "ports are deduplicated and sorted")
	assert.Equal(t, []string{"lsof"}, runner.calls, "fallback not used when primary succeeds")
}

func TestUnixScanPorts_EmptyIsNotAnError(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{"lsof": ""}}
	p := &unixPlatform{run: runner.run, logger: zap.NewNop()}

	ports, err := p.ScanPorts(context.Background(), 4821)
	require.NoError(t, err)
	assert.Empty(t, ports)
}

const netstatLinuxListing = `Active Internet connections (servers and established)
Proto Recv-Q Send-Q Local Address           Foreign Address         State       PID/Program name
tcp        0      0 127.0.0.1:42100         0.0.0.0:*               LISTEN      4821/language_serve
tcp        0      0 127.0.0.1:631           0.0.0.0:*               LISTEN      812/cupsd
tcp        0      0 10.0.0.5:55432          93.184.216.34:443       ESTABLISHED 4821/language_serve
this line does not parse at all
`

func TestUnixScanPorts_NetstatFallback(t *testing.T) {
	runner := &fakeRunner{
		outputs: map[string]string{"netstat": netstatLinuxListing},
		errs:    map[string]error{"lsof": errors.New("lsof: command not found")},
	}
	p := &unixPlatform{run: runner.run, logger: zap.NewNop()}

	ports, err := p.ScanPorts(context.Background(), 4821)
	require.NoError(t, err)
	assert.Equal(t, []int{42100}, ports, "fallback filters by owning pid and skips unparseable lines")
	assert.Equal(t, []string{"lsof", "netstat"}, runner.calls)
}

func TestUnixScanPorts_DarwinStyleFallback(t *testing.T) {
	// macOS netstat has no pid column and uses dots before the port.
	listing := `Active Internet connections (including servers)
Proto Recv-Q Send-Q  Local Address          Foreign Address        (state)
tcp4       0      0  127.0.0.1.42100        *.*                    LISTEN
tcp4       0      0  *.22                   *.*                    LISTEN
`
	runner := &fakeRunner{
		outputs: map[string]string{"netstat": listing},
		errs:    map[string]error{"lsof": errors.New("exec failed")},
	}
	p := &unixPlatform{run: runner.run, logger: zap.NewNop()}

	ports, err := p.ScanPorts(context.Background(), 4821)
	require.NoError(t, err)
	assert.Equal(t, []int{22, 42100}, ports, "without a pid column every listener is a candidate")
}

func TestUnixScanPorts_AllStrategiesFail(t *testing.T) {
	runner := &fakeRunner{errs: map[string]error{
		"lsof":    errors.New("lsof gone"),
		"netstat": errors.New("netstat gone"),
	}}
	p := &unixPlatform{run: runner.run, logger: zap.NewNop()}

	_, err := p.ScanPorts(context.Background(), 4821)
	var scanErr *ScanError
	require.ErrorAs(t, err, &scanErr)
	assert.ErrorContains(t, scanErr.Primary, "lsof")
	assert.ErrorContains(t, scanErr.Fallback, "netstat")
}

const wmicListing = "CommandLine                                                          ProcessId\r\n" +
	"C:\\Windows\\System32\\svchost.exe -k netsvcs                           912\r\n" +
	"C:\\IDE\\bin\\language_server_windows_x64.exe --csrf_token=\"win-tok\"   6120\r\n" +
	"\r\n"

func TestWindowsLocateProcess(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{"wmic": wmicListing}}
	p := &windowsPlatform{run: runner.run, logger: zap.NewNop()}

	handle, err := p.LocateProcess(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6120, handle.PID)
	assert.Equal(t, "win-tok", handle.Token)
}

const netstatAnoListing = "\r\n" +
	"Active Connections\r\n" +
	"\r\n" +
	"  Proto  Local Address          Foreign Address        State           PID\r\n" +
	"  TCP    127.0.0.1:42100        0.0.0.0:0              LISTENING       6120\r\n" +
	"  TCP    127.0.0.1:42100        0.0.0.0:0              LISTENING       6120\r\n" +
	"  TCP    0.0.0.0:135            0.0.0.0:0              LISTENING       1088\r\n" +
	"  TCP    10.0.0.9:50301         93.184.216.34:443      ESTABLISHED     6120\r\n"

func TestWindowsScanPorts_Netstat(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{"netstat": netstatAnoListing}}
	p := &windowsPlatform{run: runner.run, logger: zap.NewNop()}

	ports, err := p.ScanPorts(context.Background(), 6120)
	require.NoError(t, err)
	assert.Equal(t, []int{42100}, ports)
}

func TestWindowsScanPorts_LocalizedStateColumn(t *testing.T) {
	// A localized state word still counts as a listener because of the
	// wildcard remote endpoint.
	listing := "  TCP    127.0.0.1:42100        0.0.0.0:0              ABH\u00d6REN       6120\r\n"
	runner := &fakeRunner{outputs: map[string]string{"netstat": listing}}
	p := &windowsPlatform{run: runner.run, logger: zap.NewNop()}

	ports, err := p.ScanPorts(context.Background(), 6120)
	require.NoError(t, err)
	assert.Equal(t, []int{42100}, ports)
}

func TestWindowsScanPorts_PowershellFallback(t *testing.T) {
	runner := &fakeRunner{
		outputs: map[string]string{"powershell": "42100\r\n42101\r\nnot-a-port\r\n"},
		errs:    map[string]error{"netstat": errors.New("netstat missing")},
	}
	p := &windowsPlatform{run: runner.run, logger: zap.NewNop()}

	ports, err := p.ScanPorts(context.Background(), 6120)
	require.NoError(t, err)
	assert.Equal(t, []int{42100, 42101}, ports)
}

func TestForOS(t *testing.T) {
	assert.IsType(t, &windowsPlatform{}, ForOS("windows", nil))
	assert.IsType(t, &unixPlatform{}, ForOS("linux", nil))
	assert.IsType(t, &unixPlatform{}, ForOS("darwin", nil))
}
