package supervisor

import (
	"context"
	"fmt"
	"net"

	gnet "github.com/shirou/gopsutil/v3/net"
)

// externalIPv4 lists the host's non-loopback IPv4 addresses
func externalIPv4(ctx context.Context) ([]string, error) {
	ifaces, err := gnet.InterfacesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list network interfaces: %w", err)
	}
	return ipv4FromInterfaces(ifaces), nil
}

func ipv4FromInterfaces(ifaces gnet.InterfaceStatList) []string {
	var out []string
	seen := make(map[string]bool)
	for _, iface := range ifaces {
		for _, addr := range iface.Addrs {
			ip, _, err := net.ParseCIDR(addr.Addr)
			if err != nil {
				ip = net.ParseIP(addr.Addr)
			}
			if ip == nil || ip.IsLoopback() || ip.To4() == nil {
				continue
			}
			s := ip.String()
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}

// reachableURLs returns the backend and frontend URLs for every address
func reachableURLs(addrs []string, backendPort, frontendPort int) (backend, frontend []string) {
	for _, addr := range addrs {
		backend = append(backend, fmt.Sprintf("http://%s:%d", addr, backendPort))
		frontend = append(frontend, fmt.Sprintf("http://%s:%d", addr, frontendPort))
	}
	return backend, frontend
}
