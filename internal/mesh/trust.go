package mesh

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"sync"
)

const (
	initialTrustScore = 50
	minTrustScore     = 0
	maxTrustScore     = 100
	minRelayTrust     = 20
)

// trustFileSchema mirrors the persisted JSON shape exactly: separate maps
// for the PEM-encoded keys and the integer scores, keyed by node id.
type trustFileSchema struct {
	TrustedNodes map[string]string `json:"trusted_nodes"`
	TrustScores  map[string]int    `json:"trust_scores"`
}

// trustLedger is the persistent map of peer identity to public key and
// score. Every mutation triggers a full-rewrite of the backing file; the
// ledger is small enough that this is acceptable (§9).
type trustLedger struct {
	mu     sync.Mutex
	path   string
	keys   map[string]string // node_id -> PEM (not base64, for in-memory use)
	scores map[string]int
}

func newTrustLedger(path string) (*trustLedger, error) {
	l := &trustLedger{
		path:   path,
		keys:   make(map[string]string),
		scores: make(map[string]int),
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *trustLedger) load() error {
	raw, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return newErr(KindStorage, "read trust file", err)
	}
	var schema trustFileSchema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return newErr(KindDecode, "parse trust file", err)
	}
	if schema.TrustedNodes != nil {
		l.keys = make(map[string]string, len(schema.TrustedNodes))
		for id, pemB64 := range schema.TrustedNodes {
			pem, err := base64.StdEncoding.DecodeString(pemB64)
			if err != nil {
				log.WithError(err).WithField("node_id", id).Warn("trust file has malformed pubkey, dropping entry")
				continue
			}
			l.keys[id] = string(pem)
		}
	}
	if schema.TrustScores != nil {
		l.scores = schema.TrustScores
	}
	return nil
}

// persist writes the full ledger. Storage errors here are logged and
// swallowed per §7: in-memory state wins and the next successful write
// overwrites. §6 fixes trusted_nodes.json's values as base64-encoded PEM,
// matching the original's public_key_b64, so keys are encoded here rather
// than kept base64 in memory.
func (l *trustLedger) persist() {
	trustedNodes := make(map[string]string, len(l.keys))
	for id, pem := range l.keys {
		trustedNodes[id] = base64.StdEncoding.EncodeToString([]byte(pem))
	}
	schema := trustFileSchema{TrustedNodes: trustedNodes, TrustScores: l.scores}
	raw, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		log.WithError(err).Warn("trust ledger marshal failed")
		return
	}
	if err := os.WriteFile(l.path, raw, 0o600); err != nil {
		log.WithError(err).Warn("trust ledger write failed")
	}
}

// isTrusted reports whether id is known and its score is at least minScore.
func (l *trustLedger) isTrusted(id string, minScore int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	score, ok := l.scores[id]
	return ok && score >= minScore
}

// add admits a new peer at the initial score, or does nothing if id is
// already present.
func (l *trustLedger) add(id, pemKey string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.scores[id]; exists {
		return
	}
	l.keys[id] = pemKey
	l.scores[id] = initialTrustScore
	l.persist()
}

// update applies delta to id's score, clamped to [0,100]. An unknown id is
// implicitly admitted at the initial score before delta is applied,
// matching the original trust manager's update_trust_score.
func (l *trustLedger) update(id string, delta int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	score, ok := l.scores[id]
	if !ok {
		score = initialTrustScore
	}
	score += delta
	if score < minTrustScore {
		score = minTrustScore
	}
	if score > maxTrustScore {
		score = maxTrustScore
	}
	l.scores[id] = score
	l.persist()
}

// score returns id's current score and whether it is known.
func (l *trustLedger) score(id string) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.scores[id]
	return s, ok
}

// purge removes every entry whose score is below the threshold.
func (l *trustLedger) purge(below int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, score := range l.scores {
		if score < below {
			delete(l.scores, id)
			delete(l.keys, id)
		}
	}
	l.persist()
}

// info returns a shell-facing snapshot.
func (l *trustLedger) info() TrustInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int, len(l.scores))
	for k, v := range l.scores {
		out[k] = v
	}
	return TrustInfo{Count: len(out), Scores: out}
}
