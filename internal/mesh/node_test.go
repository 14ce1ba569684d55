package mesh

import (
	"context"
	"crypto/aes"
	"encoding/base64"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testNode constructs a Node with its data transport listening on a fixed
// port (peers reach it over loopback), but without discovery's UDP broadcast/listen tasks —
// tests wire the neighbor table directly so topologies are deterministic
// and don't depend on broadcast reachability inside a sandboxed runner.
func testNode(t *testing.T, dataPort uint16, enableAuth bool, maxTTL int) *Node {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{
		KeysDirectory:     filepath.Join(dir, "keys"),
		TrustFile:         filepath.Join(dir, "trust.json"),
		SaveDirectory:     filepath.Join(dir, "received"),
		TransferLedgerDB:  filepath.Join(dir, "transfers.db"),
		DataPort:          dataPort,
		DiscoveryPort:     0,
		BroadcastInterval: time.Hour,
		NodeTimeout:       time.Hour,
		MaxTTL:            maxTTL,
		ChunkSizeBytes:    64 * 1024,
		EnableAuth:        enableAuth,
		SharedPassphrase:  "integration-test-passphrase",
	}
	n, err := New(cfg)
	require.NoError(t, err)

	require.NoError(t, n.transport.listen())
	ctx, cancel := context.WithCancel(context.Background())
	go n.transport.accept(ctx, n.handleConnection)
	t.Cleanup(func() {
		cancel()
		n.transport.close()
		n.files.close()
	})
	return n
}

func linkNeighbor(a, b *Node, port uint16) {
	a.table.upsert(NodeInfo{NodeID: b.nodeID, IPAddr: "127.0.0.1", Port: port, LastSeen: time.Now()})
	a.router.recompute(a.table.ids())
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func TestTwoNodeUnicast(t *testing.T) {
	portA, portB := uint16(25101), uint16(25102)
	a := testNode(t, portA, false, 20)
	b := testNode(t, portB, false, 20)
	linkNeighbor(a, b, portB)

	received := make(chan Envelope, 1)
	b.RegisterCallback(func(env Envelope) { received <- env })

	ok, err := a.Send(b.nodeID, "hello", KindText)
	require.NoError(t, err)
	assert.True(t, ok)

	select {
	case env := <-received:
		assert.Equal(t, "hello", env.Payload)
		assert.Equal(t, a.nodeID, env.SourceID)
		assert.Equal(t, []string{a.nodeID, b.nodeID}, env.Route)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestThreeNodeRelay(t *testing.T) {
	portA, portR, portB := uint16(25111), uint16(25112), uint16(25113)
	a := testNode(t, portA, false, 20)
	r := testNode(t, portR, false, 20)
	b := testNode(t, portB, false, 20)

	linkNeighbor(a, r, portR)
	linkNeighbor(r, a, portA)
	linkNeighbor(r, b, portB)
	linkNeighbor(b, r, portR)

	rDelivered := make(chan Envelope, 1)
	bDelivered := make(chan Envelope, 1)
	r.RegisterCallback(func(env Envelope) { rDelivered <- env })
	b.RegisterCallback(func(env Envelope) { bDelivered <- env })

	ok, err := a.Send(BroadcastDest, "ping", KindText)
	require.NoError(t, err)
	assert.True(t, ok)

	select {
	case env := <-rDelivered:
		assert.Equal(t, "ping", env.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("R never delivered")
	}

	select {
	case env := <-bDelivered:
		assert.Equal(t, "ping", env.Payload)
		assert.Equal(t, 20-1, env.TTL)
		assert.Equal(t, []string{a.nodeID, r.nodeID, b.nodeID}, env.Route)
	case <-time.After(2 * time.Second):
		t.Fatal("B never received the relayed broadcast")
	}
}

func TestDuplicateSuppressionInTriangle(t *testing.T) {
	portA, portB, portC := uint16(25121), uint16(25122), uint16(25123)
	a := testNode(t, portA, false, 20)
	b := testNode(t, portB, false, 20)
	c := testNode(t, portC, false, 20)

	linkNeighbor(a, b, portB)
	linkNeighbor(a, c, portC)
	linkNeighbor(b, a, portA)
	linkNeighbor(b, c, portC)
	linkNeighbor(c, a, portA)
	linkNeighbor(c, b, portB)

	var deliveries int
	done := make(chan struct{}, 8)
	b.RegisterCallback(func(env Envelope) {
		deliveries++
		done <- struct{}{}
	})

	ok, err := a.Send(BroadcastDest, "once", KindText)
	require.NoError(t, err)
	assert.True(t, ok)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("B never delivered")
	}
	// give any duplicate relay copies time to arrive and be suppressed
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, deliveries, "B must deliver the broadcast exactly once")
}

func TestTTLExhaustionNeverReachesDestination(t *testing.T) {
	// Chain of 4 nodes (3 hops) with MaxTTL well below the path length.
	ports := []uint16{25131, 25132, 25133, 25134}
	nodes := make([]*Node, len(ports))
	for i, p := range ports {
		nodes[i] = testNode(t, p, false, 1)
	}
	for i := 0; i < len(nodes)-1; i++ {
		linkNeighbor(nodes[i], nodes[i+1], ports[i+1])
		linkNeighbor(nodes[i+1], nodes[i], ports[i])
	}

	last := nodes[len(nodes)-1]
	delivered := make(chan Envelope, 1)
	last.RegisterCallback(func(env Envelope) { delivered <- env })

	ok, err := nodes[0].Send(BroadcastDest, "too far", KindText)
	require.NoError(t, err)
	assert.True(t, ok, "at least the first hop should succeed")

	select {
	case <-delivered:
		t.Fatal("destination should never receive an envelope whose TTL was exhausted en route")
	case <-time.After(500 * time.Millisecond):
	}
}

func TestSignatureRejectionPenalizesTrust(t *testing.T) {
	portA, portB := uint16(25141), uint16(25142)
	a := testNode(t, portA, true, 20)
	b := testNode(t, portB, true, 20)
	linkNeighbor(b, a, portA) // only need b's view of a for trust bookkeeping

	blob, err := a.identity.sign("hello")
	require.NoError(t, err)
	ciphertext, err := b.crypto.encrypt([]byte(blob))
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	require.NoError(t, err)
	// flip one bit in the first ciphertext block (after the IV), leaving the
	// final block's padding intact so decrypt succeeds but yields garbage.
	ctStart := aes.BlockSize
	require.Greater(t, len(raw), ctStart+2*aes.BlockSize, "signed blob must span multiple AES blocks")
	raw[ctStart] ^= 0x01
	tampered := base64.StdEncoding.EncodeToString(raw)

	env := Envelope{
		MsgID:    "forged-msg-id",
		SourceID: a.nodeID,
		DestID:   b.nodeID,
		Payload:  tampered,
		TTL:      20,
		MsgType:  string(KindText),
		Route:    []string{a.nodeID},
	}

	delivered := false
	b.RegisterCallback(func(Envelope) { delivered = true })

	outcome := b.envelope.handleReceived(env)
	assert.Equal(t, outcomeDropped, outcome)
	assert.False(t, delivered)

	score, ok := b.trust.score(a.nodeID)
	require.True(t, ok, "first verification failure must still admit the peer at the penalized score")
	assert.Equal(t, initialTrustScore-20, score)
}

func TestLowTrustSenderBroadcastNotRelayed(t *testing.T) {
	portA, portR, portB := uint16(25161), uint16(25162), uint16(25163)
	a := testNode(t, portA, true, 20)
	r := testNode(t, portR, true, 20)
	b := testNode(t, portB, true, 20)

	linkNeighbor(r, a, portA)
	linkNeighbor(r, b, portB)
	linkNeighbor(b, r, portR)

	pem, err := pubKeyPEM(a.identity.pub)
	require.NoError(t, err)
	r.trust.add(a.nodeID, pem)
	r.trust.update(a.nodeID, -40) // drop well below minRelayTrust

	blob, err := a.identity.sign("hello")
	require.NoError(t, err)
	ciphertext, err := r.crypto.encrypt([]byte(blob))
	require.NoError(t, err)

	env := Envelope{
		MsgID:    "low-trust-broadcast",
		SourceID: a.nodeID,
		DestID:   BroadcastDest,
		Payload:  ciphertext,
		TTL:      20,
		MsgType:  string(KindText),
		Route:    []string{a.nodeID},
	}

	bDelivered := make(chan Envelope, 1)
	b.RegisterCallback(func(env Envelope) { bDelivered <- env })

	outcome := r.envelope.handleReceived(env)
	assert.Equal(t, outcomeDelivered, outcome, "R still delivers the broadcast to itself")

	select {
	case <-bDelivered:
		t.Fatal("R must not relay a broadcast from a sender below minRelayTrust")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestStatsTrackReceivedAndDelivered(t *testing.T) {
	portA, portB := uint16(25151), uint16(25152)
	a := testNode(t, portA, false, 20)
	b := testNode(t, portB, false, 20)
	linkNeighbor(a, b, portB)

	delivered := make(chan Envelope, 1)
	b.RegisterCallback(func(env Envelope) { delivered <- env })

	_, err := a.Send(b.nodeID, "stat me", KindText)
	require.NoError(t, err)
	<-delivered

	waitFor(t, time.Second, func() bool { return b.Stats().MessagesDelivered == 1 })
	assert.Equal(t, int64(1), b.Stats().MessagesReceived)
}
