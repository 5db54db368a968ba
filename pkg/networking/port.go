package networking

import (
	"fmt"
	"net"
)

// IsAvailable checks if a TCP port is available on localhost.
func IsAvailable(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
