//go:build linux

package rtp

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// setSockOptForVoice включает SO_REUSEADDR и DSCP маркировку (EF = 46) для
// голосового трафика. Ошибки DSCP не критичны: в контейнерах IP_TOS может
// быть запрещен.
func setSockOptForVoice(c syscall.RawConn, dscp int) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			sockErr = err
			return
		}
		if dscp > 0 {
			tos := dscp << 2
			_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, tos)
			_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
		}
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_PRIORITY, 6)
	})
	if err != nil {
		return err
	}
	return sockErr
}
