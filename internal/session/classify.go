package session

import "strings"

// fatalPatterns mark failures after which the stored credentials are useless:
// the remote side revoked or rejected the linked session.
var fatalPatterns = []string{
	"logout",
	"logged out",
	"unpaired",
	"session invalidated",
	"invalid session",
	"auth failure",
	"auth_failure",
	"authentication failure",
	"authentication rejected",
	"conflict",
}

// IsFatal classifies a failure reason reported by a driver.
func IsFatal(reason string) bool {
	r := strings.ToLower(reason)
	for _, p := range fatalPatterns {
		if strings.Contains(r, p) {
			return true
		}
	}
	return false
}
