package testutil

import (
	"fmt"
	"net"
	"sync"
)

const maxTrackedPorts = 1000

var (
	portsMu     sync.Mutex
	recentPorts = make(map[int]struct{})
	portOrder   []int
)

// GetFreePort returns a localhost TCP port that was free a moment ago and has
// not been handed out recently in this process. It panics when no port can
// be found.
func GetFreePort() int {
	portsMu.Lock()
	defer portsMu.Unlock()

	for attempt := 0; attempt < 100; attempt++ {
		lis, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			panic(fmt.Sprintf("failed to get free port: %v", err))
		}
		port := lis.Addr().(*net.TCPAddr).Port
		lis.Close()

		if _, used := recentPorts[port]; used {
			continue
		}
		recentPorts[port] = struct{}{}
		portOrder = append(portOrder, port)
		if len(portOrder) > maxTrackedPorts {
			delete(recentPorts, portOrder[0])
			portOrder = portOrder[1:]
		}
		return port
	}
	panic("failed to get a unique free port")
}

// GetFreeAddress returns "127.0.0.1:<port>" for a port from GetFreePort.
func GetFreeAddress() string {
	return fmt.Sprintf("127.0.0.1:%d", GetFreePort())
}
