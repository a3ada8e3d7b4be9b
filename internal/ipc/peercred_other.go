//go:build !linux

package ipc

import "net"

func peerCredentials(conn net.Conn) (PeerCred, error) {
	return PeerCred{}, errNoPeerCred
}
