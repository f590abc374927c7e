package dhtnode

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// readPersistedNodes reads the newline-delimited "ip:port" node list left
// behind by a previous run, tolerating a missing file (first run).
func readPersistedNodes(path string) ([]*net.UDPAddr, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []*net.UDPAddr
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		host, portStr, err := net.SplitHostPort(line)
		if err != nil {
			continue
		}
		ip := net.ParseIP(host)
		port, err := strconv.Atoi(portStr)
		if ip == nil || err != nil {
			continue
		}
		out = append(out, &net.UDPAddr{IP: ip, Port: port})
	}
	return out, scanner.Err()
}

// writePersistedNodes overwrites path with the node's currently verified
// routing-table entries, so the next startup's ping_persist_once has
// somewhere to start besides the bootstrap routers.
func (n *Node) writePersistedNodes(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, node := range n.table.AllVerified() {
		fmt.Fprintf(w, "%s\n", net.JoinHostPort(node.IP, strconv.Itoa(node.Port)))
	}
	return w.Flush()
}

// pingPersistOnce pings every address from the previous run's persisted
// node list, fire-and-forget, giving the routing table a head start
// before the router-ping and find_node loops take over.
func (n *Node) pingPersistOnce(path string) {
	addrs, err := readPersistedNodes(path)
	if err != nil {
		n.logger.Debug("reading persisted node list", zap.Error(err))
		return
	}
	for _, addr := range addrs {
		q := pingQuery(n.state.LocalID())
		if err := n.txMgr.SendQueryNoWait(q, addr); err != nil {
			n.logger.Debug("ping_persist_once: ping failed", zap.Stringer("addr", addr), zap.Error(err))
		}
	}
}
