package rdp

import (
	"io"
	"net"
)

func newPipe() (net.Conn, net.Conn) {
	return net.Pipe()
}

func readFull(r io.Reader, buf []byte) (int, error) {
	return io.ReadFull(r, buf)
}
