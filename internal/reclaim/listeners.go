package reclaim

import (
	"bufio"
	"strconv"
	"strings"

	gnet "github.com/shirou/gopsutil/v3/net"
)

// listenersFromConnections picks the owners of sockets listening on port
func listenersFromConnections(conns []gnet.ConnectionStat, port int) []int32 {
	var pids []int32
	seen := make(map[int32]bool)
	for _, c := range conns {
		if c.Status != "LISTEN" || c.Laddr.Port != uint32(port) || c.Pid <= 0 {
			continue
		}
		if seen[c.Pid] {
			continue
		}
		seen[c.Pid] = true
		pids = append(pids, c.Pid)
	}
	return pids
}

// parseNetstatListeners extracts pids from `netstat -ano` output whose local
// address ends in :port and whose state is LISTENING.
//
//	TCP    0.0.0.0:8000    0.0.0.0:0    LISTENING    1234
func parseNetstatListeners(output string, port int) []int32 {
	suffix := ":" + strconv.Itoa(port)

	var pids []int32
	seen := make(map[int32]bool)
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 || !strings.EqualFold(fields[0], "TCP") {
			continue
		}
		if !strings.HasSuffix(fields[1], suffix) || fields[3] != "LISTENING" {
			continue
		}
		pid, err := strconv.ParseInt(fields[4], 10, 32)
		if err != nil || pid <= 0 {
			continue
		}
		if !seen[int32(pid)] {
			seen[int32(pid)] = true
			pids = append(pids, int32(pid))
		}
	}
	return pids
}
