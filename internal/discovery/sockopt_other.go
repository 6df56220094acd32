//go:build !unix

package discovery

import "syscall"

// The Go runtime already enables SO_BROADCAST on datagram sockets here.
func listenControl(_, _ string, _ syscall.RawConn) error { return nil }

func broadcastControl(_, _ string, _ syscall.RawConn) error { return nil }
