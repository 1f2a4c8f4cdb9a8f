package session

import "strings"

// privilegedPrefixes are the schemes of the browser's own pages and
// developer tooling. Targets on them are never listed or controlled.
var privilegedPrefixes = []string{
	"chrome://",
	"chrome-extension://",
	"chrome-untrusted://",
	"chrome-search://",
	"devtools://",
	"edge://",
	"brave://",
	"view-source:",
}

// IsPrivileged reports whether url uses an internal browser scheme.
func IsPrivileged(url string) bool {
	u := strings.ToLower(strings.TrimSpace(url))
	for _, prefix := range privilegedPrefixes {
		if strings.HasPrefix(u, prefix) {
			return true
		}
	}
	return false
}
