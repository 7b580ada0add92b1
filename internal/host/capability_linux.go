//go:build linux

package host

import (
	"os"

	"golang.org/x/sys/unix"
)

// HasNetAdmin reports whether the process holds CAP_NET_ADMIN in its
// effective set.
func HasNetAdmin() bool {
	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	var data [2]unix.CapUserData
	if err := unix.Capget(&hdr, &data[0]); err != nil {
		return os.Geteuid() == 0
	}
	const capBit = unix.CAP_NET_ADMIN
	return data[capBit/32].Effective&(1<<(capBit%32)) != 0
}
