package mesh

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var errAlreadyRunning = errors.New("node already running")

// Node boots C1-C8 in dependency order and runs the four long-lived tasks
// named in §4.9/§5: discovery listener, discovery broadcaster, data
// listener, and neighbor janitor. Each accepted connection is handled on
// its own goroutine.
type Node struct {
	cfg    Config
	nodeID string

	crypto    *cryptoService
	identity  *identityService
	trust     *trustLedger
	table     *neighborTable
	router    *linkStateRouter
	envelope  *envelopeRouter
	transport *transport
	files     *fileReassembler

	cbMu      sync.RWMutex
	callbacks []func(Envelope)

	stats struct {
		received  atomic.Int64
		relayed   atomic.Int64
		delivered atomic.Int64
		dropped   atomic.Int64
	}

	running atomic.Bool
	cancel  context.CancelFunc
	group   *errgroup.Group

	controlSrv *http.Server
}

// New constructs a Node from cfg, loading or generating the local identity,
// loading the trust ledger, and opening the file-transfer ledger. It does
// not start any network activity; call Start for that.
func New(cfg Config) (*Node, error) {
	cfg = withDefaults(cfg)

	nodeID := uuid.New().String()

	identity, err := newIdentityService(cfg.KeysDirectory, nodeID)
	if err != nil {
		return nil, err
	}

	trust, err := newTrustLedger(cfg.TrustFile)
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:      cfg,
		nodeID:   nodeID,
		crypto:   newCryptoService(cfg.SharedPassphrase),
		identity: identity,
		trust:    trust,
		table:    newNeighborTable(),
		router:   newLinkStateRouter(nodeID),
	}

	files, err := newFileReassembler(cfg, n.handleFileComplete)
	if err != nil {
		return nil, err
	}
	n.files = files

	envRouter, err := newEnvelopeRouter(nodeID, cfg, n.crypto, n.identity, n.trust, n.table, n.router, n.deliver)
	if err != nil {
		return nil, err
	}
	n.envelope = envRouter

	n.transport = newTransport(cfg)

	return n, nil
}

// NodeID returns the fresh UUID assigned to this process.
func (n *Node) NodeID() string { return n.nodeID }

// Start binds the discovery and data sockets and launches the four
// long-lived tasks under one cancellable context, supervised by an
// errgroup. The tasks run until ctx or Stop cancels them and normally
// return nil; the group exists for coordinated shutdown, not error
// aggregation.
func (n *Node) Start(ctx context.Context) error {
	if n.running.Swap(true) {
		return newErr(KindConfig, "start", errAlreadyRunning)
	}

	discovery := newDiscoveryAgent(n.cfg, n.nodeID, n.table, n.onNewNeighbor)
	if err := discovery.listen(); err != nil {
		n.running.Store(false)
		return err
	}
	if err := n.transport.listen(); err != nil {
		discovery.close()
		n.running.Store(false)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	group, groupCtx := errgroup.WithContext(runCtx)
	n.group = group

	group.Go(func() error { return discovery.runListener(groupCtx) })
	group.Go(func() error { return discovery.runBroadcaster(groupCtx) })
	group.Go(func() error { return discovery.runJanitor(groupCtx) })
	group.Go(func() error {
		return n.transport.accept(groupCtx, n.handleConnection)
	})

	go func() {
		<-runCtx.Done()
		discovery.close()
		n.transport.close()
	}()

	if n.cfg.ControlAPIAddr != "" {
		n.controlSrv = &http.Server{Addr: n.cfg.ControlAPIAddr, Handler: newControlAPI(n, n.cfg).handler()}
		group.Go(func() error {
			if err := n.controlSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return newErr(KindTransport, "control api", err)
			}
			return nil
		})
		go func() {
			<-runCtx.Done()
			_ = n.controlSrv.Close()
		}()
	}

	log.WithField("node_id", n.nodeID).Info("mesh node started")
	return nil
}

// Stop cancels the running context, which unblocks every blocking socket
// call, and waits for the supervised tasks to exit.
func (n *Node) Stop() error {
	if !n.running.Swap(false) {
		return nil
	}
	if n.cancel != nil {
		n.cancel()
	}
	var err error
	if n.group != nil {
		err = n.group.Wait()
	}
	if cerr := n.files.close(); cerr != nil {
		log.WithError(cerr).Warn("transfer ledger close failed")
	}
	log.WithField("node_id", n.nodeID).Info("mesh node stopped")
	return err
}

func (n *Node) handleConnection(conn net.Conn) {
	defer conn.Close()
	env, err := readFrame(conn)
	if err != nil {
		log.WithError(err).Debug("frame read failed")
		return
	}
	n.stats.received.Add(1)

	outcome := n.envelope.handleReceived(env)
	switch outcome {
	case outcomeDelivered:
		n.stats.delivered.Add(1)
	case outcomeRelayed:
		n.stats.relayed.Add(1)
	default:
		n.stats.dropped.Add(1)
	}
}

// deliver fans an envelope whose payload has already been decrypted (and
// verified, if auth is enabled) out to every registered callback. If the
// payload is a file chunk, it is routed into the file reassembler instead,
// and the callbacks are not invoked.
func (n *Node) deliver(env Envelope) {
	if env.MsgType == string(KindFile) {
		if _, err := n.files.receiveChunk(env.Payload); err != nil {
			log.WithError(err).WithField("msg_id", env.MsgID).Debug("file chunk rejected")
		}
		return
	}
	n.cbMu.RLock()
	cbs := make([]func(Envelope), len(n.callbacks))
	copy(cbs, n.callbacks)
	n.cbMu.RUnlock()

	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.WithField("panic", r).Warn("delivery callback panicked")
				}
			}()
			cb(env)
		}()
	}
}

func (n *Node) handleFileComplete(filename, finalPath string) {
	log.WithFields(map[string]interface{}{"filename": filename, "path": finalPath}).Info("file transfer complete")
}

func (n *Node) onNewNeighbor(NodeInfo) {
	n.router.recompute(n.table.ids())
}

// Send signs (if enabled), encrypts, and transmits payload to destID (or
// every known neighbor when destID is BroadcastDest), returning whether at
// least one transmission succeeded.
func (n *Node) Send(destID, payload string, kind MsgKind) (bool, error) {
	return n.envelope.send(destID, payload, kind)
}

// SendFile chunks raw at the configured chunk size and sends every chunk
// as a file-kind envelope to destID.
func (n *Node) SendFile(destID, filename string, raw []byte) (bool, error) {
	chunks := chunkFile(filename, raw, n.cfg.ChunkSizeBytes)
	allOK := true
	for _, c := range chunks {
		body, err := marshalChunk(c)
		if err != nil {
			return false, err
		}
		ok, err := n.Send(destID, body, KindFile)
		if err != nil {
			return false, err
		}
		allOK = allOK && ok
	}
	return allOK, nil
}

// RegisterCallback adds fn to the set invoked synchronously on every
// delivered text/control envelope. fn must not block indefinitely: it
// runs on the connection handler goroutine that received the envelope.
func (n *Node) RegisterCallback(fn func(Envelope)) {
	n.cbMu.Lock()
	defer n.cbMu.Unlock()
	n.callbacks = append(n.callbacks, fn)
}

// KnownNodes returns a snapshot of the current neighbor table.
func (n *Node) KnownNodes() []NodeInfo {
	return n.table.list()
}

// TrustInfo returns the trust ledger snapshot; ok is false when auth is
// disabled, since the ledger is not meaningfully populated.
func (n *Node) TrustInfo() (TrustInfo, bool) {
	if !n.cfg.EnableAuth {
		return TrustInfo{}, false
	}
	return n.trust.info(), true
}

// Stats returns cumulative receive/relay/delivery/drop counters, an
// accounting enrichment carried over from the headless relay wrapper's
// statistics behavior.
func (n *Node) Stats() Stats {
	return Stats{
		MessagesReceived:  n.stats.received.Load(),
		MessagesRelayed:   n.stats.relayed.Load(),
		MessagesDelivered: n.stats.delivered.Load(),
		MessagesDropped:   n.stats.dropped.Load(),
	}
}

// FileHistory returns up to limit of the most recently completed file
// transfers from the durable ledger.
func (n *Node) FileHistory(limit int) ([]TransferRecord, error) {
	return n.files.History(limit)
}
