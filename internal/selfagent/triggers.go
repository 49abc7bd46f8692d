package selfagent

import (
	"regexp"
	"sync"
)

// securityPatterns flag traffic that warrants an immediate reflection pass.
var securityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bpassword\s*[:=]`),
	regexp.MustCompile(`(?i)\bapi[_-]?key\b`),
	regexp.MustCompile(`(?i)\bsecret[_-]?(key|token)\b`),
	regexp.MustCompile(`-----BEGIN (RSA |OPENSSH |EC )?PRIVATE KEY-----`),
	regexp.MustCompile(`\brm\s+-rf\s+[/~]`),
	regexp.MustCompile(`(?i)curl\s+[^|]*\|\s*(ba)?sh`),
	regexp.MustCompile(`(?i)ignore (all )?(previous|prior) instructions`),
}

// detectSecuritySignal reports whether content matches a security pattern.
func detectSecuritySignal(content string) (string, bool) {
	for _, re := range securityPatterns {
		if m := re.FindString(content); m != "" {
			return m, true
		}
	}
	return "", false
}

// toolTracker counts consecutive invocations of the same tool per session.
type toolTracker struct {
	mu    sync.Mutex
	last  map[string]string // session → last tool name
	count map[string]int    // session → consecutive count
}

func newToolTracker() *toolTracker {
	return &toolTracker{
		last:  make(map[string]string),
		count: make(map[string]int),
	}
}

// observe records one tool invocation and returns the consecutive run length
// for that tool in that session.
func (t *toolTracker) observe(sessionKey, tool string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last[sessionKey] == tool {
		t.count[sessionKey]++
	} else {
		t.last[sessionKey] = tool
		t.count[sessionKey] = 1
	}
	return t.count[sessionKey]
}

// reset clears the run counter for a session (called when a cycle ends).
func (t *toolTracker) reset(sessionKey string) {
	t.mu.Lock()
	delete(t.last, sessionKey)
	delete(t.count, sessionKey)
	t.mu.Unlock()
}
