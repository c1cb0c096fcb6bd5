package harness

import (
	"errors"
	"net"
)

// FreePort binds a loopback listener on port 0, reads back the port the OS
// assigned and releases it so the caller can rebind. Every server start
// (mock or spawned) goes through this to avoid fixed-port collisions.
func FreePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	addr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		return 0, errors.New("failed to detect tcp port")
	}
	return addr.Port, nil
}
