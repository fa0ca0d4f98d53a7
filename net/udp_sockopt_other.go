//go:build !unix

package net

import (
	"errors"
	"syscall"
)

func udpControl(cfg *NodeCfg) func(network, address string, c syscall.RawConn) error {
	if !cfg.Broadcast {
		return nil
	}
	return func(string, string, syscall.RawConn) error {
		return errors.New("broadcast sockets are not supported on this platform")
	}
}
