package publish

import "strings"

// Transient reports whether a publish failure is worth retrying. The bus
// client does not expose a stable error taxonomy, so classification falls
// back on message inspection: connection-level failures retry, everything
// else is treated as permanent.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"connection", "timeout", "broken pipe"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
