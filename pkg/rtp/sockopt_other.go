//go:build !linux

package rtp

import "syscall"

// setSockOptForVoice на остальных платформах ничего не настраивает
func setSockOptForVoice(_ syscall.RawConn, _ int) error {
	return nil
}
