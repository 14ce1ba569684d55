package mesh

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"
)

type discoveryBeacon struct {
	Type      string  `json:"type"`
	NodeID    string  `json:"node_id"`
	Hostname  string  `json:"hostname"`
	Port      uint16  `json:"port"`
	Timestamp float64 `json:"timestamp"`
}

// neighborTable is the mutex-protected `{id -> NodeInfo}` map C4 writes to
// and C6/C7/the controller read from.
type neighborTable struct {
	mu    sync.RWMutex
	nodes map[string]NodeInfo
}

func newNeighborTable() *neighborTable {
	return &neighborTable{nodes: make(map[string]NodeInfo)}
}

func (t *neighborTable) upsert(n NodeInfo) (isNew bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, exists := t.nodes[n.NodeID]
	t.nodes[n.NodeID] = n
	return !exists
}

func (t *neighborTable) evictOlderThan(timeout time.Duration) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var evicted []string
	cutoff := time.Now().Add(-timeout)
	for id, n := range t.nodes {
		if n.LastSeen.Before(cutoff) {
			delete(t.nodes, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

func (t *neighborTable) list() []NodeInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]NodeInfo, 0, len(t.nodes))
	for _, n := range t.nodes {
		out = append(out, n)
	}
	return out
}

func (t *neighborTable) ids() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.nodes))
	for id := range t.nodes {
		out = append(out, id)
	}
	return out
}

func (t *neighborTable) get(id string) (NodeInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	return n, ok
}

// discoveryAgent binds a broadcast UDP socket, advertises this node every
// BroadcastInterval, and maintains the shared neighbor table from beacons
// it hears, evicting stale entries on its own cadence.
type discoveryAgent struct {
	cfg       Config
	nodeID    string
	table     *neighborTable
	conn      *net.UDPConn
	onNewPeer func(NodeInfo)
}

func newDiscoveryAgent(cfg Config, nodeID string, table *neighborTable, onNewPeer func(NodeInfo)) *discoveryAgent {
	return &discoveryAgent{cfg: cfg, nodeID: nodeID, table: table, onNewPeer: onNewPeer}
}

func (a *discoveryAgent) listen() error {
	addr := &net.UDPAddr{Port: int(a.cfg.DiscoveryPort)}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return newErr(KindTransport, "discovery listen", err)
	}
	if err := conn.SetReadBuffer(1 << 20); err != nil {
		log.WithError(err).Debug("discovery socket read buffer not set")
	}
	if err := enableReuseAddr(conn); err != nil {
		log.WithError(err).Debug("SO_REUSEADDR not set on discovery socket")
	}
	a.conn = conn
	return nil
}

func (a *discoveryAgent) close() {
	if a.conn != nil {
		a.conn.Close()
	}
}

// runListener reads beacons until ctx is cancelled. A blocked ReadFromUDP
// call is unblocked by close(), which Node.Start's shutdown goroutine calls
// once the context is done, or by the 2-second read deadline.
func (a *discoveryAgent) runListener(ctx context.Context) error {
	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		a.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, src, err := a.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		var b discoveryBeacon
		if err := json.Unmarshal(buf[:n], &b); err != nil || b.Type != "discovery" {
			continue
		}
		if b.NodeID == a.nodeID {
			continue
		}
		info := NodeInfo{
			NodeID:   b.NodeID,
			IPAddr:   src.IP.String(),
			Port:     b.Port,
			Hostname: b.Hostname,
			LastSeen: time.Now(),
		}
		isNew := a.table.upsert(info)
		if isNew {
			log.WithFields(map[string]interface{}{"node_id": b.NodeID, "addr": info.IPAddr}).Info("discovered new peer")
			if a.onNewPeer != nil {
				a.onNewPeer(info)
			}
		}
	}
}

// runBroadcaster emits a beacon immediately, then every BroadcastInterval
// until ctx is cancelled.
func (a *discoveryAgent) runBroadcaster(ctx context.Context) error {
	bcastAddr := &net.UDPAddr{IP: net.IPv4bcast, Port: int(a.cfg.DiscoveryPort)}
	conn, err := net.DialUDP("udp4", nil, bcastAddr)
	if err != nil {
		return newErr(KindTransport, "discovery broadcast dial", err)
	}
	defer conn.Close()
	if err := enableBroadcast(conn); err != nil {
		log.WithError(err).Debug("SO_BROADCAST not set on discovery socket")
	}

	send := func() {
		b := discoveryBeacon{
			Type:      "discovery",
			NodeID:    a.nodeID,
			Hostname:  a.cfg.Hostname,
			Port:      a.cfg.DataPort,
			Timestamp: float64(time.Now().Unix()),
		}
		raw, err := json.Marshal(b)
		if err != nil {
			return
		}
		if _, err := conn.Write(raw); err != nil {
			log.WithError(err).Debug("discovery beacon send failed")
		}
	}

	send()
	ticker := time.NewTicker(a.cfg.BroadcastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			send()
		}
	}
}

// runJanitor evicts neighbors whose last beacon exceeds NodeTimeout, waking
// at NodeTimeout/2 per §9's cadence guidance.
func (a *discoveryAgent) runJanitor(ctx context.Context) error {
	interval := a.cfg.NodeTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			evicted := a.table.evictOlderThan(a.cfg.NodeTimeout)
			for _, id := range evicted {
				log.WithField("node_id", id).Info("neighbor timed out")
			}
		}
	}
}
