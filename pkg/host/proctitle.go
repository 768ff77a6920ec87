package host

import (
	"github.com/erikdubbelboer/gspt"
)

// maxTitleBytes bounds the status portion of the process title.
const maxTitleBytes = 128

// SetStatus installs a short status string as the process title so the agent
// state shows up in ps output next to the database processes it watches.
func SetStatus(status string) {
	gspt.SetProcTitle("cpgagent: " + Truncate(status, maxTitleBytes))
}

// Truncate cuts s to at most n bytes.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
