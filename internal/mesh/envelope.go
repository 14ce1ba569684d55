package mesh

import (
	"errors"
	"net"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/google/uuid"
)

const duplicateCacheSize = 65536

var (
	errTTLExhausted = errors.New("ttl exhausted before reaching destination")
	errNoRoute      = errors.New("no neighbor available to forward to")
)

// envelopeRouter implements C6: parsing, duplicate suppression, the
// decrypt/verify pipeline, trust bookkeeping, and the forward/relay
// decision. It never mutates payload bytes in transit.
type envelopeRouter struct {
	localID   string
	cfg       Config
	crypto    *cryptoService
	identity  *identityService
	trust     *trustLedger
	neighbors *neighborTable
	router    *linkStateRouter
	dupCache  *lru.Cache[string, struct{}]

	onDeliver func(Envelope)
}

func newEnvelopeRouter(localID string, cfg Config, crypto *cryptoService, identity *identityService, trust *trustLedger, neighbors *neighborTable, router *linkStateRouter, onDeliver func(Envelope)) (*envelopeRouter, error) {
	cache, err := lru.New[string, struct{}](duplicateCacheSize)
	if err != nil {
		return nil, newErr(KindConfig, "duplicate cache init", err)
	}
	return &envelopeRouter{
		localID:   localID,
		cfg:       cfg,
		crypto:    crypto,
		identity:  identity,
		trust:     trust,
		neighbors: neighbors,
		router:    router,
		dupCache:  cache,
		onDeliver: onDeliver,
	}, nil
}

// receiveOutcome classifies what happened to an inbound envelope, used by
// the node controller for Stats bookkeeping and logging.
type receiveOutcome int

const (
	outcomeDropped receiveOutcome = iota
	outcomeDelivered
	outcomeRelayed
)

// handleReceived runs the full C6 receive pipeline on an already-parsed
// envelope (parsing/framing happens in transport.go / the connection
// handler) and returns what became of it.
func (r *envelopeRouter) handleReceived(env Envelope) receiveOutcome {
	if _, dup := r.dupCache.Get(env.MsgID); dup {
		return outcomeDropped
	}
	r.dupCache.Add(env.MsgID, struct{}{})

	plaintext, err := r.crypto.decrypt(env.Payload)
	if err != nil {
		log.WithError(err).WithField("msg_id", env.MsgID).Debug("decrypt failed, dropping")
		return outcomeDropped
	}

	cleartext := string(plaintext)
	if r.cfg.EnableAuth {
		ok, text, signerID, signerPubPEM := verify(cleartext)
		if !ok {
			r.trust.update(env.SourceID, -20)
			log.WithField("source_id", env.SourceID).Warn("signature invalid, dropping and penalizing trust")
			return outcomeDropped
		}
		if signerID != env.SourceID {
			r.trust.update(env.SourceID, -30)
			log.WithFields(map[string]interface{}{"source_id": env.SourceID, "signer_id": signerID}).Warn("signer mismatch, dropping and penalizing trust")
			return outcomeDropped
		}
		if _, known := r.trust.score(signerID); !known {
			r.trust.add(signerID, signerPubPEM)
		} else {
			r.trust.update(signerID, 1)
		}
		cleartext = text
	}

	env.Route = append(env.Route, r.localID)

	if env.DestID == r.localID || env.DestID == BroadcastDest {
		delivered := env
		delivered.Payload = cleartext
		if r.onDeliver != nil {
			r.onDeliver(delivered)
		}
		if env.DestID == BroadcastDest {
			r.relayBroadcast(env)
		}
		return outcomeDelivered
	}

	if env.TTL <= 0 {
		log.WithError(newErr(KindRouting, "handleReceived", errTTLExhausted)).WithField("msg_id", env.MsgID).Debug("dropping")
		return outcomeDropped
	}
	env.TTL--

	if r.cfg.EnableAuth {
		if score, known := r.trust.score(env.SourceID); known && score < minRelayTrust {
			log.WithField("source_id", env.SourceID).Warn("sender trust too low, refusing to relay")
			return outcomeDropped
		}
	}

	if r.forward(env) {
		return outcomeRelayed
	}
	return outcomeDropped
}

// relayBroadcast re-forwards a delivered broadcast envelope to neighbors
// not already in its route, so flooding continues past this hop. It
// applies the same §4.6 trust gate as the unicast relay path: a sender
// below minRelayTrust is not relayed for, whether the message was
// addressed to another node or to everyone.
func (r *envelopeRouter) relayBroadcast(env Envelope) {
	if env.TTL <= 0 {
		log.WithError(newErr(KindRouting, "relayBroadcast", errTTLExhausted)).WithField("msg_id", env.MsgID).Debug("not relaying")
		return
	}
	if r.cfg.EnableAuth {
		if score, known := r.trust.score(env.SourceID); known && score < minRelayTrust {
			log.WithField("source_id", env.SourceID).Warn("sender trust too low, refusing to relay broadcast")
			return
		}
	}
	env.TTL--
	r.broadcastTo(env, alreadyVisited(env.Route))
}

// forward selects the baseline next hop (first neighbor not already in
// route), preferring C7's computed next hop when a route is known for
// dest, and transmits the envelope unchanged over C5.
func (r *envelopeRouter) forward(env Envelope) bool {
	visited := alreadyVisited(env.Route)

	if nh, ok := r.router.nextHop(env.DestID); ok && !visited[nh] {
		if info, exists := r.neighbors.get(nh); exists {
			if err := sendEnvelope(hostPort(info), env); err == nil {
				return true
			}
			log.WithField("next_hop", nh).Debug("routed next hop send failed, falling back to baseline")
		}
	}

	for _, info := range r.neighbors.list() {
		if visited[info.NodeID] {
			continue
		}
		if err := sendEnvelope(hostPort(info), env); err == nil {
			return true
		}
		log.WithField("next_hop", info.NodeID).Debug("forward send failed")
	}
	log.WithError(newErr(KindRouting, "forward", errNoRoute)).WithField("msg_id", env.MsgID).Debug("no neighbor accepted the envelope")
	return false
}

func alreadyVisited(route []string) map[string]bool {
	m := make(map[string]bool, len(route))
	for _, id := range route {
		m[id] = true
	}
	return m
}

func hostPort(info NodeInfo) string {
	return net.JoinHostPort(info.IPAddr, strconv.Itoa(int(info.Port)))
}

// send implements the C6 send pipeline: optional sign, encrypt, envelope
// construction, self-dedup, and unicast/broadcast dispatch.
func (r *envelopeRouter) send(destID, cleartext string, kind MsgKind) (bool, error) {
	payload := cleartext
	if r.cfg.EnableAuth {
		signed, err := r.identity.sign(cleartext)
		if err != nil {
			return false, err
		}
		payload = signed
	}

	ciphertext, err := r.crypto.encrypt([]byte(payload))
	if err != nil {
		return false, err
	}

	env := Envelope{
		MsgID:     uuid.New().String(),
		SourceID:  r.localID,
		DestID:    destID,
		Payload:   ciphertext,
		Timestamp: float64(time.Now().Unix()),
		TTL:       r.cfg.MaxTTL,
		MsgType:   string(kind),
		Route:     []string{r.localID},
	}
	r.dupCache.Add(env.MsgID, struct{}{})

	if destID == BroadcastDest {
		return r.broadcastTo(env, map[string]bool{}), nil
	}
	return r.forward(env), nil
}

// broadcastTo transmits env to every known neighbor not in skip, returning
// true iff at least one send succeeded.
func (r *envelopeRouter) broadcastTo(env Envelope, skip map[string]bool) bool {
	sent := false
	for _, info := range r.neighbors.list() {
		if skip[info.NodeID] {
			continue
		}
		if err := sendEnvelope(hostPort(info), env); err != nil {
			log.WithField("node_id", info.NodeID).WithError(err).Debug("broadcast send failed")
			continue
		}
		sent = true
	}
	return sent
}
