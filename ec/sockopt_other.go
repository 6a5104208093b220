//go:build !unix

package ec

import (
	"errors"
	"net"
)

func sendBufferSize(*net.TCPConn) (int, error) {
	return 0, errors.New("reading SO_SNDBUF is not supported on this platform")
}
