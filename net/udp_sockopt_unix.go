//go:build unix

package net

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// udpControl sets SO_BROADCAST for broadcast nodes and SO_REUSEADDR for
// multicast nodes, so several listeners on one host can join a group.
func udpControl(cfg *NodeCfg) func(network, address string, c syscall.RawConn) error {
	if !cfg.Broadcast && cfg.MulticastGroup == "" {
		return nil
	}
	broadcast, multicast := cfg.Broadcast, cfg.MulticastGroup != ""
	return func(_, _ string, c syscall.RawConn) error {
		var opErr error
		err := c.Control(func(fd uintptr) {
			if broadcast {
				if opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1); opErr != nil {
					return
				}
			}
			if multicast {
				opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			}
		})
		if err != nil {
			return err
		}
		return opErr
	}
}
