//go:build !linux

package host

import "os"

// HasNetAdmin reports whether the process runs as root.
func HasNetAdmin() bool {
	return os.Geteuid() == 0
}
