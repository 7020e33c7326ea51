package discover

import "regexp"

const (
	// processMarker appears in the language server binary name on every
	// platform (language_server_linux_x64, language_server_macos, ...).
	processMarker = "language_server"

	// tokenFlag is the command-line flag carrying the CSRF token.
	tokenFlag = "csrf_token"
)

// tokenPatterns are tried in order per candidate; the quoted forms come
// first so a quoted value never leaks its closing quote into the token.
var tokenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`--csrf_token[= ]"([^"]+)"`),
	regexp.MustCompile(`--csrf_token[= ]'([^']+)'`),
	regexp.MustCompile(`--csrf_token[= ]([^\s"']+)`),
}

// extractToken pulls the csrf token out of a process command line. The first
// pattern to match wins.
func extractToken(commandLine string) (string, bool) {
	for _, re := range tokenPatterns {
		if m := re.FindStringSubmatch(commandLine); m != nil {
			return m[1], true
		}
	}
	return "", false
}
