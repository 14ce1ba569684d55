package mesh

import (
	"container/heap"
	"sync"
)

const defaultLinkLatency = 1.0

// routeEntry is one row of the routing table: the next hop and aggregate
// cost toward a destination.
type routeEntry struct {
	NextHop      string
	HopCount     int
	TotalLatency float64
}

// linkStateRouter recomputes a full shortest-path table from scratch
// whenever the neighbor set changes. It never incrementally updates: the
// table is a pure function of the current neighbor set and latency
// overlay, per §4.7.
type linkStateRouter struct {
	mu      sync.RWMutex
	localID string
	table   map[string]routeEntry
	latency map[string]float64 // neighbor id -> measured link latency
}

func newLinkStateRouter(localID string) *linkStateRouter {
	return &linkStateRouter{
		localID: localID,
		table:   make(map[string]routeEntry),
		latency: make(map[string]float64),
	}
}

// setLatency records a measured link latency to neighbor id, used on the
// next recompute in place of defaultLinkLatency.
func (r *linkStateRouter) setLatency(id string, seconds float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latency[id] = seconds
}

// recompute rebuilds the table given the current ordered list of neighbor
// ids (insertion order breaks ties, per §4.7). The local node is directly
// connected to every neighbor; recompute only knows about direct
// neighbors, so every reachable destination in this single-hop star is a
// neighbor itself — recompute still runs full Dijkstra so future graph
// extensions (neighbors reporting their own neighbors) slot in without a
// redesign.
func (r *linkStateRouter) recompute(neighbors []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	graph := make(map[string]map[string]float64)
	graph[r.localID] = make(map[string]float64)
	for _, n := range neighbors {
		w := r.latency[n]
		if w <= 0 {
			w = defaultLinkLatency
		}
		graph[r.localID][n] = w
		if graph[n] == nil {
			graph[n] = make(map[string]float64)
		}
		graph[n][r.localID] = w
	}

	dist, prev, order := dijkstra(graph, r.localID, neighbors)

	table := make(map[string]routeEntry, len(neighbors))
	for _, dest := range order {
		if dest == r.localID {
			continue
		}
		d, ok := dist[dest]
		if !ok {
			continue
		}
		nextHop := firstHop(prev, r.localID, dest)
		if nextHop == "" {
			continue
		}
		table[dest] = routeEntry{NextHop: nextHop, HopCount: hopCount(prev, dest), TotalLatency: d}
	}
	r.table = table
}

// firstHop walks the predecessor chain backward from dest until the step
// whose predecessor is src, returning that step (the next hop from src).
func firstHop(prev map[string]string, src, dest string) string {
	cur := dest
	for {
		p, ok := prev[cur]
		if !ok {
			return ""
		}
		if p == src {
			return cur
		}
		cur = p
	}
}

func hopCount(prev map[string]string, dest string) int {
	n := 0
	cur := dest
	for {
		p, ok := prev[cur]
		if !ok {
			return n
		}
		n++
		cur = p
	}
}

// nextHop returns the routing-table next hop toward dest, if a route is
// known.
func (r *linkStateRouter) nextHop(dest string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.table[dest]
	return e.NextHop, ok
}

// --- Dijkstra over an adjacency map, stdlib container/heap ---

type heapItem struct {
	node string
	dist float64
	seq  int // insertion order, breaks ties deterministically
}

type priorityQueue []heapItem

func (pq priorityQueue) Len() int { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].dist != pq[j].dist {
		return pq[i].dist < pq[j].dist
	}
	return pq[i].seq < pq[j].seq
}
func (pq priorityQueue) Swap(i, j int) { pq[i], pq[j] = pq[j], pq[i] }
func (pq *priorityQueue) Push(x any)   { *pq = append(*pq, x.(heapItem)) }
func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	*pq = old[:n-1]
	return item
}

// dijkstra runs shortest path from src over graph, returning distances,
// predecessors, and the insertion-ordered list of destinations considered
// (for tie-breaking by insertion order per §4.7).
func dijkstra(graph map[string]map[string]float64, src string, insertionOrder []string) (dist map[string]float64, prev map[string]string, order []string) {
	dist = map[string]float64{src: 0}
	prev = map[string]string{}
	visited := map[string]bool{}

	pq := &priorityQueue{{node: src, dist: 0, seq: 0}}
	heap.Init(pq)
	seq := 1

	for pq.Len() > 0 {
		cur := heap.Pop(pq).(heapItem)
		if visited[cur.node] {
			continue
		}
		visited[cur.node] = true

		// Relax edges in insertion order (src, then insertionOrder, then any
		// other node) so equal-cost paths resolve first-wins.
		edges := graph[cur.node]
		ordered := make([]string, 0, len(edges))
		listed := make(map[string]bool, len(edges))
		for _, id := range append([]string{src}, insertionOrder...) {
			if _, ok := edges[id]; ok && !listed[id] {
				ordered = append(ordered, id)
				listed[id] = true
			}
		}
		for id := range edges {
			if !listed[id] {
				ordered = append(ordered, id)
			}
		}
		for _, neighbor := range ordered {
			nd := dist[cur.node] + edges[neighbor]
			existing, known := dist[neighbor]
			if !known || nd < existing {
				dist[neighbor] = nd
				prev[neighbor] = cur.node
				heap.Push(pq, heapItem{node: neighbor, dist: nd, seq: seq})
				seq++
			}
		}
	}
	return dist, prev, insertionOrder
}
